package signaling

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/watchparty/internal/bus"
	"github.com/mossy-p/watchparty/internal/signallog"
)

type inbox struct {
	mu   sync.Mutex
	envs []Envelope
}

func (in *inbox) add(e Envelope) {
	in.mu.Lock()
	in.envs = append(in.envs, e)
	in.mu.Unlock()
}

func (in *inbox) all() []Envelope {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]Envelope(nil), in.envs...)
}

type pair struct {
	log   *signallog.Memory
	alice *Channel
	bob   *Channel
}

func newPair(t *testing.T) pair {
	t.Helper()
	b := bus.NewMemory()
	l := signallog.NewMemory()
	p := pair{
		log:   l,
		alice: NewChannel(Options{RoomID: "r1", SelfID: "alice", Bus: b, Log: l}),
		bob:   NewChannel(Options{RoomID: "r1", SelfID: "bob", Bus: b, Log: l}),
	}
	t.Cleanup(func() {
		_ = p.alice.Close()
		_ = p.bob.Close()
	})
	return p
}

func TestDeliversOnceAcrossBothPaths(t *testing.T) {
	ctx := context.Background()
	p := newPair(t)
	got := &inbox{}
	p.bob.SetActiveCall("c1")
	require.NoError(t, p.bob.Subscribe(ctx, got.add))

	require.NoError(t, p.alice.Send(ctx, Offer{SDP: "v=0"}, "c1", true))
	require.NoError(t, p.alice.Send(ctx, Candidate{Candidate: "candidate:1"}, "c1", true))

	assert.Eventually(t, func() bool { return len(got.all()) == 2 }, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	envs := got.all()
	require.Len(t, envs, 2)
	assert.Equal(t, KindOffer, envs[0].Signal.Kind())
	assert.Equal(t, "alice", envs[0].SenderID)
	assert.True(t, envs[0].IsInitiator)
	assert.Equal(t, KindCandidate, envs[1].Signal.Kind())
}

func TestDropsStaleAndSelfAuthored(t *testing.T) {
	ctx := context.Background()
	p := newPair(t)
	bobGot, aliceGot := &inbox{}, &inbox{}
	p.bob.SetActiveCall("c2")
	p.alice.SetActiveCall("c2")
	require.NoError(t, p.bob.Subscribe(ctx, bobGot.add))
	require.NoError(t, p.alice.Subscribe(ctx, aliceGot.add))

	require.NoError(t, p.alice.Send(ctx, Offer{SDP: "old"}, "c1", true))
	require.NoError(t, p.alice.Send(ctx, Offer{SDP: "new"}, "c2", true))

	assert.Eventually(t, func() bool { return len(bobGot.all()) == 1 }, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	envs := bobGot.all()
	require.Len(t, envs, 1)
	assert.Equal(t, "c2", envs[0].CallID)
	assert.Equal(t, Offer{SDP: "new"}, envs[0].Signal)
	assert.Empty(t, aliceGot.all())
}

func TestCatchUpReplaysMissedSignals(t *testing.T) {
	ctx := context.Background()
	p := newPair(t)
	got := &inbox{}
	require.NoError(t, p.bob.Subscribe(ctx, got.add))

	// bob has not accepted yet, so nothing is active
	require.NoError(t, p.alice.Send(ctx, Offer{SDP: "v=0"}, "c1", true))
	require.NoError(t, p.alice.Send(ctx, Candidate{Candidate: "candidate:1"}, "c1", true))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, got.all())

	p.bob.SetActiveCall("c1")
	require.NoError(t, p.bob.CatchUp(ctx))
	require.NoError(t, p.bob.CatchUp(ctx))

	assert.Eventually(t, func() bool { return len(got.all()) == 2 }, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, got.all(), 2)
}

func TestCleanupRemovesCallSignals(t *testing.T) {
	ctx := context.Background()
	p := newPair(t)

	require.NoError(t, p.alice.Send(ctx, Offer{SDP: "a"}, "c1", true))
	require.NoError(t, p.alice.Send(ctx, Offer{SDP: "b"}, "c2", true))
	require.NoError(t, p.alice.Cleanup(ctx, "c1"))

	left, err := p.log.Query(ctx, signallog.Filter{RoomID: "r1"})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "c2", left[0].CallID)
}

func TestResetOnlyRemovesOwnSignals(t *testing.T) {
	ctx := context.Background()
	p := newPair(t)

	require.NoError(t, p.alice.Send(ctx, Offer{SDP: "a"}, "c1", true))
	require.NoError(t, p.bob.Send(ctx, Answer{SDP: "b"}, "c1", false))
	require.NoError(t, p.bob.Reset(ctx, "c1", false))

	left, err := p.log.Query(ctx, signallog.Filter{RoomID: "r1"})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "alice", left[0].SenderID)
}

func TestRenegotiationDropsEarlierAttempts(t *testing.T) {
	ctx := context.Background()
	p := newPair(t)
	bobGot, aliceGot := &inbox{}, &inbox{}
	p.alice.SetActiveCall("c1")
	p.bob.SetActiveCall("c1")
	require.NoError(t, p.alice.Subscribe(ctx, aliceGot.add))
	require.NoError(t, p.bob.Subscribe(ctx, bobGot.add))

	require.NoError(t, p.alice.Send(ctx, Offer{SDP: "first"}, "c1", true))
	require.Eventually(t, func() bool { return len(bobGot.all()) == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, p.bob.Send(ctx, Answer{SDP: "first"}, "c1", false))
	require.Eventually(t, func() bool { return len(aliceGot.all()) == 1 }, time.Second, 10*time.Millisecond)

	// both sides redial the same call; the caller resets first
	require.NoError(t, p.alice.Reset(ctx, "c1", true))
	require.NoError(t, p.alice.CatchUp(ctx))
	require.NoError(t, p.bob.Reset(ctx, "c1", false))
	require.NoError(t, p.bob.CatchUp(ctx))
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, bobGot.all(), 1, "old offer must not reach the new connection")
	assert.Len(t, aliceGot.all(), 1, "old answer must not reach the new connection")
	assert.Equal(t, 1, p.alice.Attempt("c1"))
	assert.Equal(t, 0, p.bob.Attempt("c1"))

	require.NoError(t, p.alice.Send(ctx, Offer{SDP: "second"}, "c1", true))
	require.Eventually(t, func() bool { return len(bobGot.all()) == 2 }, time.Second, 10*time.Millisecond)
	second := bobGot.all()[1]
	assert.Equal(t, Offer{SDP: "second"}, second.Signal)
	assert.Equal(t, 1, second.Attempt)
	assert.Equal(t, 1, p.bob.Attempt("c1"))

	require.NoError(t, p.bob.Send(ctx, Answer{SDP: "second"}, "c1", false))
	require.Eventually(t, func() bool { return len(aliceGot.all()) == 2 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, Answer{SDP: "second"}, aliceGot.all()[1].Signal)

	// a new call starts again at the first attempt
	p.bob.SetActiveCall("c2")
	assert.Equal(t, 0, p.bob.Attempt("c2"))
}

func TestSubscribeAfterClose(t *testing.T) {
	p := newPair(t)
	require.NoError(t, p.alice.Close())
	assert.ErrorIs(t, p.alice.Subscribe(context.Background(), func(Envelope) {}), ErrClosed)
}
