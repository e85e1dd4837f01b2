// Package peer wraps pion peer connections for a two-party call: local media
// ownership, signal application with early-candidate queueing, mute toggles
// and quality sampling.
package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/mossy-p/watchparty/internal/ice"
	"github.com/mossy-p/watchparty/internal/media"
	"github.com/mossy-p/watchparty/internal/signaling"
)

// SignalSender delivers outgoing signals; *signaling.Channel implements it.
type SignalSender interface {
	Send(ctx context.Context, sig signaling.Signal, callID string, initiator bool) error
}

// Notice is a non-fatal condition worth showing to the user.
type Notice struct {
	Message string
	Err     error
}

type ManagerOptions struct {
	Source  media.Source
	Signals SignalSender
	Logger  *logrus.Entry
	// OnNotice receives non-fatal conditions such as a camera fallback.
	OnNotice func(Notice)
	// API overrides the default pion API (codecs, setting engine).
	API *webrtc.API
}

// Manager owns the local media stream for the duration of a call.
type Manager struct {
	source   media.Source
	signals  SignalSender
	logger   *logrus.Entry
	onNotice func(Notice)
	api      *webrtc.API

	mu     sync.Mutex
	stream *media.Stream
}

func NewManager(opts ManagerOptions) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	m := &Manager{
		source:   opts.Source,
		signals:  opts.Signals,
		logger:   logger.WithField("component", "peer"),
		onNotice: opts.OnNotice,
		api:      opts.API,
	}
	if m.source == nil {
		m.source = media.Synthetic{}
	}
	if m.onNotice == nil {
		m.onNotice = func(Notice) {}
	}
	return m
}

// AcquireLocalMedia captures the requested devices. A camera failure falls
// back to audio only with a notice; losing the microphone too is fatal.
func (m *Manager) AcquireLocalMedia(ctx context.Context, c media.Constraints) (*media.Stream, error) {
	streamID := uuid.NewString()
	var tracks []*media.Track

	if c.Video {
		video, err := m.source.Capture(ctx, media.KindVideo, streamID)
		if err != nil {
			m.logger.WithError(err).Warn("camera unavailable, continuing with audio only")
			m.onNotice(Notice{Message: "Camera unavailable, joining with audio only", Err: err})
			c.Audio = true
		} else {
			tracks = append(tracks, video)
		}
	}
	if c.Audio {
		audio, err := m.source.Capture(ctx, media.KindAudio, streamID)
		if err != nil {
			for _, t := range tracks {
				t.Stop()
			}
			return nil, fmt.Errorf("%w: %w", ErrNoMedia, err)
		}
		tracks = append(tracks, audio)
	}
	if len(tracks) == 0 {
		return nil, ErrNoMedia
	}

	stream := media.NewStream(streamID, tracks...)
	m.mu.Lock()
	prev := m.stream
	m.stream = stream
	m.mu.Unlock()
	if prev != nil {
		prev.Stop()
	}
	return stream, nil
}

func (m *Manager) LocalStream() *media.Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stream
}

// ReleaseLocalMedia stops every local track, releasing the devices.
func (m *Manager) ReleaseLocalMedia() {
	m.mu.Lock()
	stream := m.stream
	m.stream = nil
	m.mu.Unlock()
	if stream != nil {
		stream.Stop()
	}
}

// ToggleAudio flips the microphone. ok is false when there is no audio track.
func (m *Manager) ToggleAudio() (enabled, ok bool) {
	return m.toggle(media.KindAudio)
}

// ToggleVideo flips the camera. ok is false for audio-only streams.
func (m *Manager) ToggleVideo() (enabled, ok bool) {
	return m.toggle(media.KindVideo)
}

func (m *Manager) toggle(kind media.Kind) (bool, bool) {
	stream := m.LocalStream()
	if stream == nil {
		return false, false
	}
	tracks := stream.TracksOf(kind)
	if len(tracks) == 0 {
		return false, false
	}
	next := !tracks[0].Enabled()
	for _, t := range tracks {
		t.SetEnabled(next)
	}
	return next, true
}

// Events are the connection callbacks. They run on pion goroutines and must
// not block.
type Events struct {
	OnRemoteTrack func(*webrtc.TrackRemote)
	OnData        func([]byte)
	OnConnect     func()
	OnClose       func()
	OnError       func(error)
}

type ConnectionOptions struct {
	CallID    string
	Initiator bool
	Stream    *media.Stream
	ICE       ice.Config
	Events    Events
}

// CreateConnection builds a peer connection for one call. The initiator
// sends its offer before returning.
func (m *Manager) CreateConnection(ctx context.Context, opts ConnectionOptions) (*Handle, error) {
	if opts.CallID == "" {
		return nil, errors.New("peer: call id required")
	}
	if m.signals == nil {
		return nil, errors.New("peer: no signal sender")
	}

	var (
		pc  *webrtc.PeerConnection
		err error
	)
	if m.api != nil {
		pc, err = m.api.NewPeerConnection(opts.ICE.WebRTC())
	} else {
		pc, err = webrtc.NewPeerConnection(opts.ICE.WebRTC())
	}
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	h := newHandle(pc, opts, m.signals, m.logger)
	if err := h.setup(opts.Stream); err != nil {
		_ = h.Close()
		return nil, err
	}

	if opts.Initiator {
		if err := h.sendOffer(ctx); err != nil {
			_ = h.Close()
			return nil, err
		}
	}
	return h, nil
}
