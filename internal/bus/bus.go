// Package bus is the realtime publish/subscribe layer shared by call
// signaling, playback broadcast and room presence.
package bus

import (
	"context"
	"encoding/json"
	"time"
)

// Presence events are published on the tracked topic itself.
const (
	EventPresenceJoin  = "presence_join"
	EventPresenceLeave = "presence_leave"
)

// Status is a user's presence status inside a room.
type Status string

const (
	StatusWatching  Status = "watching"
	StatusBuffering Status = "buffering"
	StatusPaused    Status = "paused"
	StatusIdle      Status = "idle"
)

// Message is one event delivered on a topic.
type Message struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	SentAt  time.Time       `json:"sentAt"`
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Payload, v)
}

// PresenceMeta is the metadata a user tracks on a topic.
type PresenceMeta struct {
	UserID   string    `json:"userId"`
	Status   Status    `json:"status"`
	OnlineAt time.Time `json:"onlineAt"`
}

type Handler func(Message)

// Subscription detaches a handler from its topic.
type Subscription interface {
	Close() error
}

// Bus is a best-effort topic broadcast with presence tracking. Delivery is
// at-most-once and only reaches subscribers attached at send time.
type Bus interface {
	Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error)
	Send(ctx context.Context, topic, event string, payload any) error
	Track(ctx context.Context, topic string, meta PresenceMeta) error
	Untrack(ctx context.Context, topic, userID string) error
	Presence(ctx context.Context, topic string) (map[string]PresenceMeta, error)
}

// Topic helpers keep naming consistent between producers and consumers.
func CallTopic(roomID string) string     { return "room:" + roomID + ":call" }
func SignalTopic(roomID string) string   { return "room:" + roomID + ":signal" }
func PlaybackTopic(roomID string) string { return "room:" + roomID + ":playback" }
func PresenceTopic(roomID string) string { return "room:" + roomID + ":presence" }

// RoomTopics lists every topic a relay client of the room listens to.
func RoomTopics(roomID string) []string {
	return []string{CallTopic(roomID), SignalTopic(roomID), PlaybackTopic(roomID), PresenceTopic(roomID)}
}

func encode(topic, event string, payload any) (Message, error) {
	msg := Message{Topic: topic, Event: event, SentAt: time.Now().UTC()}
	if payload == nil {
		return msg, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		msg.Payload = raw
		return msg, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	msg.Payload = data
	return msg, nil
}
