// Package playback keeps two players on the same position. The host
// broadcasts an authoritative State; the other side reconciles its local
// player against it with discrete seeks.
package playback

import (
	"math"
	"time"
)

// State is the shared playback clock. UpdatedAt is in unix milliseconds.
type State struct {
	SourceType   string  `json:"sourceType"`
	SourceURL    string  `json:"sourceUrl"`
	CurrentTime  float64 `json:"currentTime"`
	IsPlaying    bool    `json:"isPlaying"`
	PlaybackRate float64 `json:"playbackRate"`
	UpdatedAt    int64   `json:"updatedAt"`
	UpdatedBy    string  `json:"updatedBy"`
}

// Partial carries the fields a host update changes; nil means unchanged.
type Partial struct {
	SourceType   *string
	SourceURL    *string
	CurrentTime  *float64
	IsPlaying    *bool
	PlaybackRate *float64
}

func (s State) Merge(p Partial) State {
	if p.SourceType != nil {
		s.SourceType = *p.SourceType
	}
	if p.SourceURL != nil {
		s.SourceURL = *p.SourceURL
	}
	if p.CurrentTime != nil {
		s.CurrentTime = *p.CurrentTime
	}
	if p.IsPlaying != nil {
		s.IsPlaying = *p.IsPlaying
	}
	if p.PlaybackRate != nil {
		s.PlaybackRate = *p.PlaybackRate
	}
	return s
}

func (s State) rate() float64 {
	if s.PlaybackRate <= 0 {
		return 1
	}
	return s.PlaybackRate
}

// ExpectedPosition projects the state forward to now using wall-clock time,
// scaled by the playback rate. A timestamp from the future counts as no
// elapsed time; any other clock skew goes straight into the result.
func (s State) ExpectedPosition(now time.Time) float64 {
	if !s.IsPlaying {
		return s.CurrentTime
	}
	elapsed := float64(now.UnixMilli()-s.UpdatedAt) / 1000
	if elapsed < 0 {
		elapsed = 0
	}
	return s.CurrentTime + elapsed*s.rate()
}

// Drift is the distance between a local position and where the state says
// playback should be.
func Drift(local float64, s State, now time.Time) float64 {
	return math.Abs(local - s.ExpectedPosition(now))
}

// Helpers for building a Partial inline.
func Float(v float64) *float64 { return &v }
func Bool(v bool) *bool        { return &v }
func String(v string) *string  { return &v }
