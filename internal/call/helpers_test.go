package call

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mossy-p/watchparty/internal/bus"
	"github.com/mossy-p/watchparty/internal/logging"
	"github.com/mossy-p/watchparty/internal/media"
	"github.com/mossy-p/watchparty/internal/peer"
	"github.com/mossy-p/watchparty/internal/signaling"
)

type fakeMedia struct {
	mu       sync.Mutex
	err      error
	acquired int
	released int
}

func (f *fakeMedia) AcquireLocalMedia(_ context.Context, _ media.Constraints) (*media.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.acquired++
	return media.NewStream("local"), nil
}

func (f *fakeMedia) ReleaseLocalMedia() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
}

func (f *fakeMedia) releases() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released
}

type fakeLink struct {
	opts   peer.ConnectionOptions
	mu     sync.Mutex
	sigs   []signaling.Envelope
	closed atomic.Bool
}

func (l *fakeLink) ApplySignal(env signaling.Envelope) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sigs = append(l.sigs, env)
	return nil
}

func (l *fakeLink) Close() error {
	l.closed.Store(true)
	return nil
}

func (l *fakeLink) applied() []signaling.Envelope {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]signaling.Envelope(nil), l.sigs...)
}

type fakeDialer struct {
	mu    sync.Mutex
	links []*fakeLink
}

func (d *fakeDialer) dial(_ context.Context, opts peer.ConnectionOptions) (Link, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	l := &fakeLink{opts: opts}
	d.links = append(d.links, l)
	return l, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.links)
}

func (d *fakeDialer) link(i int) *fakeLink {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.links[i]
}

type fakeRouter struct {
	mu      sync.Mutex
	active  string
	handler func(signaling.Envelope)
	cleaned []string
	resets  int
	attempt int
}

func (r *fakeRouter) SetActiveCall(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = id
}

func (r *fakeRouter) Subscribe(_ context.Context, fn func(signaling.Envelope)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = fn
	return nil
}

func (r *fakeRouter) CatchUp(context.Context) error { return nil }

func (r *fakeRouter) Cleanup(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleaned = append(r.cleaned, id)
	return nil
}

func (r *fakeRouter) Reset(_ context.Context, _ string, initiator bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resets++
	if initiator {
		r.attempt++
	}
	return nil
}

func (r *fakeRouter) Attempt(string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempt
}

func (r *fakeRouter) deliver(env signaling.Envelope) {
	r.mu.Lock()
	h := r.handler
	r.mu.Unlock()
	h(env)
}

func (r *fakeRouter) cleanedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.cleaned...)
}

type stateLog struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (s *stateLog) record(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps = append(s.snaps, snap)
}

func (s *stateLog) count(state State) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, snap := range s.snaps {
		if snap.State == state {
			n++
		}
	}
	return n
}

type party struct {
	c      *Coordinator
	media  *fakeMedia
	dialer *fakeDialer
	router *fakeRouter
	states *stateLog
}

func newParty(t *testing.T, b bus.Bus, store Store, self, partner string, tweak func(*Options)) *party {
	t.Helper()
	p := &party{media: &fakeMedia{}, dialer: &fakeDialer{}, router: &fakeRouter{}, states: &stateLog{}}
	opts := Options{
		RoomID:         "room-1",
		SelfID:         self,
		PartnerID:      partner,
		Store:          store,
		Bus:            b,
		Signals:        p.router,
		Media:          p.media,
		Dial:           p.dialer.dial,
		RingTimeout:    2 * time.Second,
		ConnectTimeout: 5 * time.Second,
		Backoff:        10 * time.Millisecond,
		OnState:        p.states.record,
		Logger:         logging.Discard(),
	}
	if tweak != nil {
		tweak(&opts)
	}
	p.c = NewCoordinator(opts)
	t.Cleanup(func() { _ = p.c.Close() })
	return p
}

func (p *party) start(t *testing.T) *party {
	t.Helper()
	require.NoError(t, p.c.Start(context.Background()))
	return p
}

func (p *party) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return p.c.State() == want }, 3*time.Second, 5*time.Millisecond,
		"want %s, have %s", want, p.c.State())
}

func (p *party) waitDials(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return p.dialer.count() == n }, 3*time.Second, 5*time.Millisecond)
}
