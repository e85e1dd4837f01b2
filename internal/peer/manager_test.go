package peer

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/watchparty/internal/bus"
	"github.com/mossy-p/watchparty/internal/ice"
	"github.com/mossy-p/watchparty/internal/logging"
	"github.com/mossy-p/watchparty/internal/media"
	"github.com/mossy-p/watchparty/internal/signaling"
	"github.com/mossy-p/watchparty/internal/signallog"
)

type capturedSend struct {
	mu   sync.Mutex
	sigs []signaling.Signal
}

func (c *capturedSend) Send(_ context.Context, sig signaling.Signal, _ string, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sigs = append(c.sigs, sig)
	return nil
}

func (c *capturedSend) kinds() []signaling.Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []signaling.Kind
	for _, s := range c.sigs {
		out = append(out, s.Kind())
	}
	return out
}

func TestAcquireLocalMediaFallsBackToAudio(t *testing.T) {
	var notices []Notice
	m := NewManager(ManagerOptions{
		Source:   media.Synthetic{NoCamera: true},
		Logger:   logging.Discard(),
		OnNotice: func(n Notice) { notices = append(notices, n) },
	})

	stream, err := m.AcquireLocalMedia(context.Background(), media.Constraints{Audio: true, Video: true})
	require.NoError(t, err)
	assert.False(t, stream.HasVideo())
	assert.Len(t, stream.TracksOf(media.KindAudio), 1)
	require.Len(t, notices, 1)
	assert.ErrorIs(t, notices[0].Err, media.ErrDeviceNotFound)
}

func TestAcquireLocalMediaTotalFailure(t *testing.T) {
	m := NewManager(ManagerOptions{Source: media.Synthetic{Denied: true}, Logger: logging.Discard()})

	_, err := m.AcquireLocalMedia(context.Background(), media.Constraints{Audio: true, Video: true})
	assert.ErrorIs(t, err, ErrNoMedia)
	assert.ErrorIs(t, err, media.ErrPermissionDenied)
	assert.Equal(t, Fatal, Classify(err))
	assert.Nil(t, m.LocalStream())
}

func TestToggles(t *testing.T) {
	m := NewManager(ManagerOptions{Logger: logging.Discard()})
	_, ok := m.ToggleAudio()
	assert.False(t, ok)

	_, err := m.AcquireLocalMedia(context.Background(), media.Constraints{Audio: true})
	require.NoError(t, err)

	enabled, ok := m.ToggleAudio()
	assert.True(t, ok)
	assert.False(t, enabled)
	enabled, _ = m.ToggleAudio()
	assert.True(t, enabled)

	_, ok = m.ToggleVideo()
	assert.False(t, ok, "voice-only stream has no camera to toggle")

	stream := m.LocalStream()
	m.ReleaseLocalMedia()
	assert.True(t, stream.TracksOf(media.KindAudio)[0].Stopped())
	assert.Nil(t, m.LocalStream())
}

func TestInitiatorSendsOfferAndRejectsStaleSignals(t *testing.T) {
	sent := &capturedSend{}
	m := NewManager(ManagerOptions{Signals: sent, Logger: logging.Discard()})
	stream, err := m.AcquireLocalMedia(context.Background(), media.Constraints{Audio: true, Video: true})
	require.NoError(t, err)

	h, err := m.CreateConnection(context.Background(), ConnectionOptions{CallID: "c1", Initiator: true, Stream: stream})
	require.NoError(t, err)
	defer h.Close()

	assert.Equal(t, signaling.KindOffer, sent.kinds()[0])

	err = h.ApplySignal(signaling.Envelope{CallID: "c0", Signal: signaling.Answer{SDP: "v=0"}})
	assert.ErrorIs(t, err, ErrStaleSignal)
}

func TestReceiverQueuesEarlyCandidates(t *testing.T) {
	sent := &capturedSend{}
	m := NewManager(ManagerOptions{Signals: sent, Logger: logging.Discard()})

	h, err := m.CreateConnection(context.Background(), ConnectionOptions{CallID: "c1"})
	require.NoError(t, err)
	defer h.Close()

	require.NoError(t, h.ApplySignal(signaling.Envelope{CallID: "c1", Signal: signaling.Candidate{Candidate: "candidate:1 1 udp 2122260223 192.0.2.1 50000 typ host"}}))
	assert.Equal(t, 1, h.PendingCandidates())
	assert.Empty(t, sent.kinds())

	require.NoError(t, h.Close())
	assert.ErrorIs(t, h.ApplySignal(signaling.Envelope{CallID: "c1", Signal: signaling.Candidate{Candidate: "x"}}), ErrHandleClosed)
}

func TestCreateConnectionRequiresCallID(t *testing.T) {
	m := NewManager(ManagerOptions{Signals: &capturedSend{}, Logger: logging.Discard()})
	_, err := m.CreateConnection(context.Background(), ConnectionOptions{})
	assert.Error(t, err)
}

// Two managers negotiate over an in-memory bus and log.
func TestLoopbackConnects(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real ICE sockets")
	}
	ctx := context.Background()
	b := bus.NewMemory()
	l := signallog.NewMemory()
	aliceCh := signaling.NewChannel(signaling.Options{RoomID: "r1", SelfID: "alice", Bus: b, Log: l, Logger: logging.Discard()})
	bobCh := signaling.NewChannel(signaling.Options{RoomID: "r1", SelfID: "bob", Bus: b, Log: l, Logger: logging.Discard()})
	defer aliceCh.Close()
	defer bobCh.Close()
	aliceCh.SetActiveCall("c1")
	bobCh.SetActiveCall("c1")

	alice := NewManager(ManagerOptions{Signals: aliceCh, Logger: logging.Discard()})
	bob := NewManager(ManagerOptions{Signals: bobCh, Logger: logging.Discard()})

	var connected atomic.Int32
	events := Events{OnConnect: func() { connected.Add(1) }}

	aliceStream, err := alice.AcquireLocalMedia(ctx, media.Constraints{Audio: true})
	require.NoError(t, err)
	bobStream, err := bob.AcquireLocalMedia(ctx, media.Constraints{Audio: true})
	require.NoError(t, err)

	bobHandle, err := bob.CreateConnection(ctx, ConnectionOptions{CallID: "c1", Stream: bobStream, ICE: ice.Config{}, Events: events})
	require.NoError(t, err)
	defer bobHandle.Close()
	require.NoError(t, bobCh.Subscribe(ctx, func(e signaling.Envelope) { _ = bobHandle.ApplySignal(e) }))

	aliceHandle, err := alice.CreateConnection(ctx, ConnectionOptions{CallID: "c1", Initiator: true, Stream: aliceStream, ICE: ice.Config{}, Events: events})
	require.NoError(t, err)
	defer aliceHandle.Close()
	require.NoError(t, aliceCh.Subscribe(ctx, func(e signaling.Envelope) { _ = aliceHandle.ApplySignal(e) }))

	assert.Eventually(t, func() bool { return connected.Load() == 2 }, 15*time.Second, 50*time.Millisecond)
}
