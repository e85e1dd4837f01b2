// Package signaling relays offer/answer/candidate messages between the two
// peers of a room. Every signal is written to the durable log and broadcast on
// the bus; the receiving side merges both paths and delivers each remote
// signal once.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"

	"github.com/mossy-p/watchparty/internal/bus"
	"github.com/mossy-p/watchparty/internal/signallog"
)

const eventSignal = "signal"

var ErrClosed = errors.New("signaling: channel closed")

type Options struct {
	RoomID string
	SelfID string
	Bus    bus.Bus
	Log    signallog.Log
	Logger *logrus.Entry
}

// Channel is one peer's view of a room's signaling traffic.
type Channel struct {
	roomID string
	selfID string
	bus    bus.Bus
	log    signallog.Log
	logger *logrus.Entry

	mu      sync.Mutex
	active  string
	attempt int
	seen    map[string]map[uint64]struct{}
	handler func(Envelope)
	sub     bus.Subscription
	watcher signallog.Watcher
	closed  bool

	inbox chan Envelope
	done  chan struct{}
}

func NewChannel(opts Options) *Channel {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Channel{
		roomID: opts.RoomID,
		selfID: opts.SelfID,
		bus:    opts.Bus,
		log:    opts.Log,
		logger: logger.WithFields(logrus.Fields{"component": "signaling", "room_id": opts.RoomID}),
		seen:   make(map[string]map[uint64]struct{}),
		inbox:  make(chan Envelope, 256),
		done:   make(chan struct{}),
	}
}

// SetActiveCall selects which call's signals are delivered. An empty id
// drops everything. Switching calls starts again at attempt zero.
func (c *Channel) SetActiveCall(callID string) {
	c.mu.Lock()
	if callID != c.active {
		c.attempt = 0
	}
	c.active = callID
	c.mu.Unlock()
}

// Attempt is the negotiation attempt of callID this side is on; zero when
// callID is not active.
func (c *Channel) Attempt(callID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if callID == "" || callID != c.active {
		return 0
	}
	return c.attempt
}

func (c *Channel) ActiveCall() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Send persists the signal and broadcasts it. Either path alone is enough
// for delivery, so an error is returned only when both fail.
func (c *Channel) Send(ctx context.Context, sig Signal, callID string, initiator bool) error {
	payload, err := Encode(sig)
	if err != nil {
		return err
	}
	attempt := c.Attempt(callID)
	env := Envelope{SenderID: c.selfID, RoomID: c.roomID, CallID: callID, Attempt: attempt, IsInitiator: initiator, Signal: sig}
	entry := c.logger.WithFields(logrus.Fields{"call_id": callID, "kind": sig.Kind(), "attempt": attempt})

	_, logErr := c.log.Insert(ctx, signallog.Record{
		RoomID:      c.roomID,
		SenderID:    c.selfID,
		CallID:      callID,
		Attempt:     attempt,
		Type:        string(sig.Kind()),
		IsInitiator: initiator,
		Payload:     payload,
	})
	if logErr != nil {
		entry.WithError(logErr).Warn("signal log insert failed")
	}

	busErr := c.bus.Send(ctx, bus.SignalTopic(c.roomID), eventSignal, env)
	if busErr != nil {
		entry.WithError(busErr).Warn("signal broadcast failed")
	}

	if logErr != nil && busErr != nil {
		return fmt.Errorf("send %s: %w", sig.Kind(), errors.Join(logErr, busErr))
	}
	return nil
}

// Subscribe attaches both delivery paths and replays the log. onSignal runs
// on a single goroutine, in arrival order.
func (c *Channel) Subscribe(ctx context.Context, onSignal func(Envelope)) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.handler != nil {
		c.mu.Unlock()
		return errors.New("signaling: already subscribed")
	}
	c.handler = onSignal
	c.mu.Unlock()

	go c.dispatch()

	sub, err := c.bus.Subscribe(ctx, bus.SignalTopic(c.roomID), c.onBusMessage)
	if err != nil {
		// the change feed still covers delivery
		c.logger.WithError(err).Warn("signal broadcast subscribe failed")
	}
	watcher, err := c.log.Watch(ctx, c.roomID, c.onRecord)
	if err != nil {
		c.logger.WithError(err).Warn("signal change feed unavailable")
	}

	c.mu.Lock()
	c.sub, c.watcher = sub, watcher
	c.mu.Unlock()

	return c.CatchUp(ctx)
}

// CatchUp replays every logged signal of the room; the usual filters apply.
func (c *Channel) CatchUp(ctx context.Context) error {
	recs, err := c.log.Query(ctx, signallog.Filter{RoomID: c.roomID})
	if err != nil {
		c.logger.WithError(err).Warn("signal catch-up failed")
		return err
	}
	for _, r := range recs {
		c.onRecord(r)
	}
	return nil
}

// Cleanup removes the stored signals of a call and forgets what was
// delivered for it.
func (c *Channel) Cleanup(ctx context.Context, callID string) error {
	c.mu.Lock()
	delete(c.seen, callID)
	c.mu.Unlock()

	n, err := c.log.Delete(ctx, signallog.Filter{RoomID: c.roomID, CallID: callID})
	if err != nil {
		return fmt.Errorf("cleanup call %s: %w", callID, err)
	}
	c.logger.WithFields(logrus.Fields{"call_id": callID, "deleted": n}).Debug("signals cleaned up")
	return nil
}

// Reset prepares a call for a fresh negotiation with the same id. This
// side's stored signals are removed. The initiator moves to the next
// attempt, so the partner's signals for earlier attempts are dropped from
// then on; the other side follows once the new attempt's signals arrive.
// Delivery bookkeeping is kept, so a catch-up never hands an already
// delivered offer to the new connection.
func (c *Channel) Reset(ctx context.Context, callID string, initiator bool) error {
	c.mu.Lock()
	if initiator && callID != "" && callID == c.active {
		c.attempt++
		c.logger.WithFields(logrus.Fields{"call_id": callID, "attempt": c.attempt}).Debug("renegotiating")
	}
	c.mu.Unlock()

	_, err := c.log.Delete(ctx, signallog.Filter{RoomID: c.roomID, CallID: callID, SenderID: c.selfID})
	return err
}

func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sub, watcher, subscribed := c.sub, c.watcher, c.handler != nil
	c.mu.Unlock()

	if sub != nil {
		_ = sub.Close()
	}
	if watcher != nil {
		_ = watcher.Close()
	}
	if subscribed {
		close(c.inbox)
		<-c.done
	}
	return nil
}

func (c *Channel) onBusMessage(msg bus.Message) {
	if msg.Event != eventSignal {
		return
	}
	var env Envelope
	if err := msg.Decode(&env); err != nil {
		c.logger.WithError(err).Debug("dropping undecodable broadcast signal")
		return
	}
	c.enqueue(env)
}

func (c *Channel) onRecord(r signallog.Record) {
	sig, err := Decode(r.Payload)
	if err != nil {
		c.logger.WithError(err).WithField("record_id", r.ID).Debug("dropping undecodable logged signal")
		return
	}
	c.enqueue(Envelope{
		SenderID:    r.SenderID,
		RoomID:      r.RoomID,
		CallID:      r.CallID,
		Attempt:     r.Attempt,
		IsInitiator: r.IsInitiator,
		Signal:      sig,
	})
}

func (c *Channel) enqueue(env Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.inbox <- env:
	default:
		c.logger.WithField("call_id", env.CallID).Warn("signal inbox full, dropping")
	}
}

func (c *Channel) dispatch() {
	defer close(c.done)
	for env := range c.inbox {
		if h := c.accept(env); h != nil {
			h(env)
		}
	}
}

// accept applies the self/stale/duplicate filters and returns the handler
// when env must be delivered.
func (c *Channel) accept(env Envelope) func(Envelope) {
	entry := c.logger.WithFields(logrus.Fields{"call_id": env.CallID, "sender": env.SenderID, "kind": env.Signal.Kind()})
	if env.SenderID == c.selfID || env.RoomID != c.roomID {
		return nil
	}

	key, err := dedupeKey(env)
	if err != nil {
		entry.WithError(err).Debug("cannot fingerprint signal")
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == "" || env.CallID != c.active {
		entry.Debug("dropping signal for inactive call")
		return nil
	}
	if env.Attempt < c.attempt {
		entry.WithField("attempt", env.Attempt).Debug("dropping signal from an earlier attempt")
		return nil
	}
	if env.Attempt > c.attempt {
		c.attempt = env.Attempt
	}
	seen := c.seen[env.CallID]
	if seen == nil {
		seen = make(map[uint64]struct{})
		c.seen[env.CallID] = seen
	}
	if _, dup := seen[key]; dup {
		return nil
	}
	seen[key] = struct{}{}
	return c.handler
}

func dedupeKey(env Envelope) (uint64, error) {
	payload, err := Encode(env.Signal)
	if err != nil {
		return 0, err
	}
	d := xxhash.New()
	_, _ = d.WriteString(env.SenderID)
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(env.CallID)
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(strconv.Itoa(env.Attempt))
	_, _ = d.WriteString("\x00")
	_, _ = d.Write(payload)
	return d.Sum64(), nil
}
