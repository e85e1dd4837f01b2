// Package statecache keeps a per-room snapshot of local session state on
// disk so a restarted peer can resume where it left off.
package statecache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mossy-p/watchparty/internal/schedule"
)

const (
	DefaultDebounce = 100 * time.Millisecond
	MaxAge          = 24 * time.Hour

	ioTimeout = 2 * time.Second
)

// Entry is the stored snapshot for one room.
type Entry struct {
	RoomID      string          `json:"roomId"`
	PeerID      string          `json:"peerId,omitempty"`
	Role        string          `json:"role,omitempty"`
	Position    float64         `json:"position"`
	IsPlaying   bool            `json:"isPlaying"`
	Media       string          `json:"media,omitempty"`
	CallState   string          `json:"callState,omitempty"`
	GameState   json.RawMessage `json:"gameState,omitempty"`
	LastUpdated time.Time       `json:"lastUpdated"`
}

// Partial lists the fields a SaveState call changes; nil means unchanged.
type Partial struct {
	PeerID    *string
	Role      *string
	Position  *float64
	IsPlaying *bool
	Media     *string
	CallState *string
	GameState json.RawMessage
}

func (e Entry) merge(p Partial) Entry {
	if p.PeerID != nil {
		e.PeerID = *p.PeerID
	}
	if p.Role != nil {
		e.Role = *p.Role
	}
	if p.Position != nil {
		e.Position = *p.Position
	}
	if p.IsPlaying != nil {
		e.IsPlaying = *p.IsPlaying
	}
	if p.Media != nil {
		e.Media = *p.Media
	}
	if p.CallState != nil {
		e.CallState = *p.CallState
	}
	if p.GameState != nil {
		e.GameState = p.GameState
	}
	return e
}

// Backend is the durable key-value store behind a Cache.
type Backend interface {
	Get(ctx context.Context, roomID string) (Entry, bool, error)
	Put(ctx context.Context, e Entry) error
	Delete(ctx context.Context, roomID string) error
}

type Options struct {
	RoomID   string
	Backend  Backend
	Debounce time.Duration
	MaxAge   time.Duration
	Logger   *logrus.Entry
	Now      func() time.Time
}

// Cache merges updates in memory and writes them through to the backend
// after a short quiet period. Backend failures are logged and the cache
// keeps working from memory; a nil Backend means memory only.
type Cache struct {
	roomID   string
	backend  Backend
	debounce time.Duration
	maxAge   time.Duration
	logger   *logrus.Entry
	now      func() time.Time
	task     *schedule.Task

	mu    sync.Mutex
	entry *Entry

	// ioMu orders backend writes so a clear cannot be overtaken by a
	// persist that read the entry before it was cleared.
	ioMu sync.Mutex
}

func New(opts Options) *Cache {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = MaxAge
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	c := &Cache{
		roomID:   opts.RoomID,
		backend:  opts.Backend,
		debounce: opts.Debounce,
		maxAge:   opts.MaxAge,
		logger:   logger.WithFields(logrus.Fields{"component": "statecache", "room_id": opts.RoomID}),
		now:      opts.Now,
	}
	c.task = schedule.NewTask(c.persist)
	if c.backend == nil {
		c.logger.Warn("no durable store, session state kept in memory only")
	}
	return c
}

// SaveState merges p into the room snapshot and schedules a write.
func (c *Cache) SaveState(p Partial) {
	c.mu.Lock()
	var cur Entry
	if c.entry != nil {
		cur = *c.entry
	}
	next := cur.merge(p)
	next.RoomID = c.roomID
	next.LastUpdated = c.now().UTC()
	c.entry = &next
	c.mu.Unlock()

	if c.backend != nil {
		c.task.Reschedule(c.debounce)
	}
}

// LoadState returns the stored snapshot, or nil when there is none or it is
// older than the maximum age.
func (c *Cache) LoadState(ctx context.Context) *Entry {
	c.mu.Lock()
	mem := c.entry
	c.mu.Unlock()

	if c.backend == nil {
		return c.fresh(mem)
	}

	e, ok, err := c.backend.Get(ctx, c.roomID)
	if err != nil {
		c.logger.WithError(err).Warn("state cache read failed")
		return c.fresh(mem)
	}
	if !ok {
		return c.fresh(mem)
	}
	if c.now().Sub(e.LastUpdated) > c.maxAge {
		c.logger.WithField("last_updated", e.LastUpdated).Info("discarding expired session state")
		c.ioMu.Lock()
		err := c.backend.Delete(ctx, c.roomID)
		c.ioMu.Unlock()
		if err != nil {
			c.logger.WithError(err).Debug("expired state not removed")
		}
		return nil
	}

	c.mu.Lock()
	if c.entry == nil || c.entry.LastUpdated.Before(e.LastUpdated) {
		c.entry = &e
	}
	out := *c.entry
	c.mu.Unlock()
	return &out
}

func (c *Cache) fresh(e *Entry) *Entry {
	if e == nil || c.now().Sub(e.LastUpdated) > c.maxAge {
		return nil
	}
	out := *e
	return &out
}

// ClearState forgets the room immediately, cancelling any pending write.
func (c *Cache) ClearState(ctx context.Context) {
	c.task.Cancel()
	c.mu.Lock()
	c.entry = nil
	c.mu.Unlock()

	if c.backend == nil {
		return
	}
	c.ioMu.Lock()
	defer c.ioMu.Unlock()
	if err := c.backend.Delete(ctx, c.roomID); err != nil {
		c.logger.WithError(err).Warn("state cache delete failed")
	}
}

// Flush writes a pending update now.
func (c *Cache) Flush() {
	c.task.Flush()
}

func (c *Cache) persist() {
	c.ioMu.Lock()
	defer c.ioMu.Unlock()

	c.mu.Lock()
	if c.entry == nil {
		c.mu.Unlock()
		return
	}
	e := *c.entry
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), ioTimeout)
	defer cancel()
	if err := c.backend.Put(ctx, e); err != nil {
		c.logger.WithError(err).Warn("state cache write failed")
	}
}

// Helpers for building a Partial inline.
func Float(v float64) *float64 { return &v }
func Bool(v bool) *bool        { return &v }
func String(v string) *string  { return &v }
