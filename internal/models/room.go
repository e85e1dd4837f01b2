package models

import "time"

// RoomMetadata stores information about a two-party watch room
type RoomMetadata struct {
	ID        string    `json:"id"`
	Code      string    `json:"code"`      // Short, shareable room code (e.g., "ABCD23")
	HostID    string    `json:"hostId"`    // Room creator, the playback authority
	PartnerID string    `json:"partnerId"` // Empty until someone joins
	CreatedAt time.Time `json:"createdAt"`
	Online    int       `json:"online"`
}

// IsMember reports whether userID is the host or the partner.
func (r RoomMetadata) IsMember(userID string) bool {
	return userID != "" && (r.HostID == userID || r.PartnerID == userID)
}

// Partner returns the other member from userID's point of view.
func (r RoomMetadata) Partner(userID string) string {
	if r.HostID == userID {
		return r.PartnerID
	}
	return r.HostID
}

// CreateRoomResponse is the response for creating a room
type CreateRoomResponse struct {
	RoomID string `json:"roomId"`
	Code   string `json:"code"`
}

// JoinRoomResponse tells the joiner who else is in the room and who hosts
type JoinRoomResponse struct {
	Room      RoomMetadata `json:"room"`
	IsHost    bool         `json:"isHost"`
	PartnerID string       `json:"partnerId"`
}
