// Package call coordinates one two-party call at a time: the ringing
// handshake over the realtime bus, the peer connection lifecycle, and the
// bounded reconnect loop.
package call

import (
	"encoding/json"
	"errors"
	"time"
)

type Type string

const (
	TypeVideo Type = "video"
	TypeVoice Type = "voice"
)

func ParseType(s string) Type {
	if Type(s) == TypeVoice {
		return TypeVoice
	}
	return TypeVideo
}

// State is both the coordinator's local state and the status stored on a
// call record.
type State string

const (
	StateIdle         State = "idle"
	StateRequesting   State = "requesting"
	StateCalling      State = "calling"
	StateRinging      State = "ringing"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateEnded        State = "ended"
	StateFailed       State = "failed"
	StateMissed       State = "missed"
	StateRejected     State = "rejected"
)

// Terminal reports whether a call in this state is over.
func (s State) Terminal() bool {
	switch s {
	case StateEnded, StateFailed, StateMissed, StateRejected:
		return true
	}
	return false
}

// Ringing reports whether the call has not been answered yet.
func (s State) Ringing() bool {
	return s == StateRequesting || s == StateCalling || s == StateRinging
}

// Live reports whether the call has been answered and not yet ended.
func (s State) Live() bool {
	return s == StateConnecting || s == StateConnected || s == StateReconnecting
}

var (
	ErrNoPartner     = errors.New("call: no partner in room")
	ErrInvalidState  = errors.New("call: operation not valid in current state")
	ErrCallActive    = errors.New("call: room already has an active call")
	ErrNotFound      = errors.New("call: record not found")
	ErrRetryExceeded = errors.New("call: reconnect attempts exhausted")
)

// Call is the record shared by both sides of one call attempt.
type Call struct {
	ID         string          `json:"id"`
	RoomID     string          `json:"roomId"`
	CallerID   string          `json:"callerId"`
	ReceiverID string          `json:"receiverId"`
	Type       Type            `json:"callType"`
	Status     State           `json:"status"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
	StartedAt  *time.Time      `json:"startedAt,omitempty"`
	EndedAt    *time.Time      `json:"endedAt,omitempty"`
	Duration   int64           `json:"duration"`
	Offer      json.RawMessage `json:"offer,omitempty"`
	Answer     json.RawMessage `json:"answer,omitempty"`
}

// Partner returns the other participant from self's point of view.
func (c Call) Partner(self string) string {
	if c.CallerID == self {
		return c.ReceiverID
	}
	return c.CallerID
}

// Staleness bounds how long an active record may go without progress before
// a new call may supersede it.
type Staleness struct {
	// Ring applies to unanswered calls, measured from CreatedAt.
	Ring time.Duration
	// Live applies to answered calls, measured from the last heartbeat.
	// Zero disables it.
	Live time.Duration
}

func (c Call) lastSeen() time.Time {
	if c.UpdatedAt.After(c.CreatedAt) {
		return c.UpdatedAt
	}
	return c.CreatedAt
}

// stale reports whether an active call has outlived its bound: the ring
// timeout while unanswered, the heartbeat bound once answered.
func (c Call) stale(now time.Time, limits Staleness) bool {
	switch {
	case c.Status.Terminal():
		return false
	case c.Status.Ringing():
		return now.Sub(c.CreatedAt) > limits.Ring
	default:
		return limits.Live > 0 && now.Sub(c.lastSeen()) > limits.Live
	}
}

// supersededState is what a stale record becomes when a new call replaces it.
func (c Call) supersededState() State {
	if c.Status.Ringing() {
		return StateMissed
	}
	return StateFailed
}

// transition applies a status change to the record, stamping start and end
// times. Terminal records never change again.
func (c *Call) transition(to State, now time.Time) bool {
	if c.Status.Terminal() || c.Status == to {
		return false
	}
	c.Status = to
	c.UpdatedAt = now
	if to == StateConnected && c.StartedAt == nil {
		t := now
		c.StartedAt = &t
	}
	if to.Terminal() {
		t := now
		c.EndedAt = &t
		if c.StartedAt != nil {
			c.Duration = int64(now.Sub(*c.StartedAt).Seconds())
		}
	}
	return true
}
