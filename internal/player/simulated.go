// Package player provides a virtual media element whose position advances
// with wall-clock time, standing in for a real video element.
package player

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrNotLoaded   = errors.New("player: no source loaded")
	ErrBadPosition = errors.New("player: position out of range")
	ErrBadRate     = errors.New("player: playback rate must be positive")
)

type Simulated struct {
	now func() time.Time

	mu         sync.Mutex
	sourceType string
	sourceURL  string
	duration   float64
	pos        float64
	anchor     time.Time
	playing    bool
	rate       float64
	seeks      int
}

// NewSimulated returns an empty player. A nil clock means time.Now.
func NewSimulated(now func() time.Time) *Simulated {
	if now == nil {
		now = time.Now
	}
	return &Simulated{now: now, rate: 1}
}

// Load replaces the source and rewinds. duration <= 0 means unknown length.
func (p *Simulated) Load(sourceType, url string, duration float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sourceType, p.sourceURL, p.duration = sourceType, url, duration
	p.pos, p.playing, p.anchor = 0, false, p.now()
}

func (p *Simulated) Source() (sourceType, url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sourceType, p.sourceURL
}

func (p *Simulated) positionLocked() float64 {
	pos := p.pos
	if p.playing {
		pos += p.now().Sub(p.anchor).Seconds() * p.rate
	}
	if p.duration > 0 && pos > p.duration {
		pos = p.duration
	}
	return pos
}

func (p *Simulated) CurrentTime() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.positionLocked()
}

func (p *Simulated) Seek(pos float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sourceURL == "" {
		return ErrNotLoaded
	}
	if pos < 0 || (p.duration > 0 && pos > p.duration) {
		return ErrBadPosition
	}
	p.pos, p.anchor = pos, p.now()
	p.seeks++
	return nil
}

func (p *Simulated) Play() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sourceURL == "" {
		return ErrNotLoaded
	}
	if !p.playing {
		p.anchor = p.now()
		p.playing = true
	}
	return nil
}

func (p *Simulated) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.playing {
		p.pos = p.positionLocked()
		p.playing = false
	}
	return nil
}

func (p *Simulated) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

func (p *Simulated) Rate() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rate
}

func (p *Simulated) SetRate(rate float64) error {
	if rate <= 0 {
		return ErrBadRate
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pos, p.anchor = p.positionLocked(), p.now()
	p.rate = rate
	return nil
}

// Seeks counts successful seeks.
func (p *Simulated) Seeks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seeks
}
