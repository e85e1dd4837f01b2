// Package signallog is the durable, append-only log of signaling records.
// It backs the broadcast path so that a peer attaching late can replay what
// it missed.
package signallog

import (
	"context"
	"encoding/json"
	"time"
)

// Record is one persisted signal.
type Record struct {
	ID          string          `json:"id"`
	RoomID      string          `json:"roomId"`
	SenderID    string          `json:"senderId"`
	CallID      string          `json:"callId"`
	Attempt     int             `json:"attempt"`
	Type        string          `json:"type"`
	IsInitiator bool            `json:"isInitiator"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Filter selects records of one room. Empty fields match everything.
type Filter struct {
	RoomID   string
	SenderID string
	CallID   string
	Type     string
}

func (f Filter) Match(r Record) bool {
	if f.RoomID != "" && r.RoomID != f.RoomID {
		return false
	}
	if f.SenderID != "" && r.SenderID != f.SenderID {
		return false
	}
	if f.CallID != "" && r.CallID != f.CallID {
		return false
	}
	if f.Type != "" && r.Type != f.Type {
		return false
	}
	return true
}

// Watcher stops a change feed.
type Watcher interface {
	Close() error
}

// Log is the persistence contract. Query returns records in creation order.
// Watch delivers records inserted after it was attached.
type Log interface {
	Insert(ctx context.Context, rec Record) (Record, error)
	Query(ctx context.Context, f Filter) ([]Record, error)
	Delete(ctx context.Context, f Filter) (int, error)
	Watch(ctx context.Context, roomID string, fn func(Record)) (Watcher, error)
}
