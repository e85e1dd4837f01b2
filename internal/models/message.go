package models

import (
	"encoding/json"
	"time"
)

// RelayType represents the type of a relay WebSocket frame
type RelayType string

const (
	RelayTypeWelcome RelayType = "welcome"
	RelayTypePublish RelayType = "publish"
	RelayTypeMessage RelayType = "message"
	RelayTypeError   RelayType = "error"
)

// RelayMessage is one frame on the room relay WebSocket. Clients send
// publish frames; the server sends welcome, message and error frames.
type RelayMessage struct {
	Type     RelayType       `json:"type"`
	Topic    string          `json:"topic,omitempty"` // call, signal, playback or presence
	Event    string          `json:"event,omitempty"`
	From     string          `json:"from,omitempty"`
	RoomID   string          `json:"roomId,omitempty"`
	ClientID string          `json:"clientId,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	SentAt   *time.Time      `json:"sentAt,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// StatusPayload is the payload of a presence "status" publish frame
type StatusPayload struct {
	Status string `json:"status"`
}
