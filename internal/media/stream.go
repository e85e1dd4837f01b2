// Package media models the local camera/microphone stream owned by a call.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

var (
	ErrPermissionDenied = errors.New("media: permission denied")
	ErrDeviceNotFound   = errors.New("media: device not found")
	ErrTrackStopped     = errors.New("media: track stopped")
)

// Constraints selects which devices to capture.
type Constraints struct {
	Audio bool
	Video bool
}

// Track is one local capture track. A disabled track stays negotiated but
// sends nothing, like a muted browser track.
type Track struct {
	kind    Kind
	local   *webrtc.TrackLocalStaticSample
	enabled atomic.Bool
	stopped atomic.Bool
}

func NewTrack(kind Kind, local *webrtc.TrackLocalStaticSample) *Track {
	t := &Track{kind: kind, local: local}
	t.enabled.Store(true)
	return t
}

func (t *Track) Kind() Kind               { return t.kind }
func (t *Track) Local() webrtc.TrackLocal { return t.local }
func (t *Track) Enabled() bool            { return t.enabled.Load() }
func (t *Track) SetEnabled(v bool)        { t.enabled.Store(v) }
func (t *Track) Stopped() bool            { return t.stopped.Load() }
func (t *Track) Stop()                    { t.stopped.Store(true) }

// WriteSample forwards a captured sample unless the track is muted.
func (t *Track) WriteSample(s pionmedia.Sample) error {
	if t.stopped.Load() {
		return ErrTrackStopped
	}
	if !t.enabled.Load() {
		return nil
	}
	return t.local.WriteSample(s)
}

// Stream groups the tracks captured for one call.
type Stream struct {
	id string

	mu     sync.RWMutex
	tracks []*Track
}

func NewStream(id string, tracks ...*Track) *Stream {
	return &Stream{id: id, tracks: tracks}
}

func (s *Stream) ID() string { return s.id }

func (s *Stream) Tracks() []*Track {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Track(nil), s.tracks...)
}

func (s *Stream) TracksOf(kind Kind) []*Track {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Track
	for _, t := range s.tracks {
		if t.kind == kind {
			out = append(out, t)
		}
	}
	return out
}

func (s *Stream) HasVideo() bool { return len(s.TracksOf(KindVideo)) > 0 }

// Stop releases every track.
func (s *Stream) Stop() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tracks {
		t.Stop()
	}
}

// Source captures a single device track.
type Source interface {
	Capture(ctx context.Context, kind Kind, streamID string) (*Track, error)
}

// Synthetic is a Source without real devices. Tracks are created with the
// default codecs and fed by whatever writes samples into them.
type Synthetic struct {
	NoCamera     bool
	NoMicrophone bool
	Denied       bool
}

func (s Synthetic) Capture(ctx context.Context, kind Kind, streamID string) (*Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Denied {
		return nil, ErrPermissionDenied
	}
	var codec webrtc.RTPCodecCapability
	switch kind {
	case KindAudio:
		if s.NoMicrophone {
			return nil, fmt.Errorf("microphone: %w", ErrDeviceNotFound)
		}
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	case KindVideo:
		if s.NoCamera {
			return nil, fmt.Errorf("camera: %w", ErrDeviceNotFound)
		}
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	default:
		return nil, fmt.Errorf("unknown media kind %q", kind)
	}
	local, err := webrtc.NewTrackLocalStaticSample(codec, string(kind), streamID)
	if err != nil {
		return nil, err
	}
	return NewTrack(kind, local), nil
}
