// Package presence publishes the local user's status in a room and keeps a
// view of who else is online.
package presence

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/mossy-p/watchparty/internal/bus"
)

// Tracker owns one user's presence entry on a room's presence topic.
type Tracker struct {
	bus    bus.Bus
	topic  string
	userID string
	logger *logrus.Entry

	mu      sync.Mutex
	status  bus.Status
	members map[string]bus.PresenceMeta
	sub     bus.Subscription
	onSync  func(map[string]bus.PresenceMeta)
}

func NewTracker(b bus.Bus, roomID, userID string, logger *logrus.Entry) *Tracker {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Tracker{
		bus:     b,
		topic:   bus.PresenceTopic(roomID),
		userID:  userID,
		logger:  logger.WithFields(logrus.Fields{"component": "presence", "room_id": roomID}),
		status:  bus.StatusIdle,
		members: make(map[string]bus.PresenceMeta),
	}
}

// OnSync registers a callback that receives the member list after every
// join or leave.
func (t *Tracker) OnSync(fn func(map[string]bus.PresenceMeta)) {
	t.mu.Lock()
	t.onSync = fn
	t.mu.Unlock()
}

// Join subscribes to presence events, loads the current members and
// announces this user as idle.
func (t *Tracker) Join(ctx context.Context) error {
	sub, err := t.bus.Subscribe(ctx, t.topic, t.onMessage)
	if err != nil {
		return err
	}
	current, err := t.bus.Presence(ctx, t.topic)
	if err != nil {
		t.logger.WithError(err).Warn("presence snapshot unavailable")
	}

	t.mu.Lock()
	t.sub = sub
	for id, meta := range current {
		t.members[id] = meta
	}
	t.mu.Unlock()

	return t.SetStatus(ctx, bus.StatusIdle)
}

// SetStatus republishes this user's status when it changes.
func (t *Tracker) SetStatus(ctx context.Context, s bus.Status) error {
	t.mu.Lock()
	if t.status == s && t.members[t.userID].Status == s {
		t.mu.Unlock()
		return nil
	}
	t.status = s
	t.mu.Unlock()

	if err := t.bus.Track(ctx, t.topic, bus.PresenceMeta{UserID: t.userID, Status: s}); err != nil {
		t.logger.WithError(err).WithField("status", s).Debug("presence update failed")
		return err
	}
	return nil
}

func (t *Tracker) Status() bus.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Members returns a copy of the known online users.
func (t *Tracker) Members() map[string]bus.PresenceMeta {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]bus.PresenceMeta, len(t.members))
	for k, v := range t.members {
		out[k] = v
	}
	return out
}

// Leave removes this user's entry and stops listening.
func (t *Tracker) Leave(ctx context.Context) error {
	t.mu.Lock()
	sub := t.sub
	t.sub = nil
	t.mu.Unlock()

	err := t.bus.Untrack(ctx, t.topic, t.userID)
	if sub != nil {
		_ = sub.Close()
	}
	return err
}

func (t *Tracker) onMessage(msg bus.Message) {
	var meta bus.PresenceMeta
	if err := msg.Decode(&meta); err != nil {
		t.logger.WithError(err).Debug("undecodable presence event")
		return
	}

	t.mu.Lock()
	switch msg.Event {
	case bus.EventPresenceJoin:
		t.members[meta.UserID] = meta
	case bus.EventPresenceLeave:
		delete(t.members, meta.UserID)
	default:
		t.mu.Unlock()
		return
	}
	fn := t.onSync
	snapshot := make(map[string]bus.PresenceMeta, len(t.members))
	for k, v := range t.members {
		snapshot[k] = v
	}
	t.mu.Unlock()

	if fn != nil {
		fn(snapshot)
	}
}
