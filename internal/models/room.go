package models

import "time"

type Room struct {
	ID        int       `json:"id"`
	Name      string    `json:"name"`
	IsPublic  bool      `json:"is_public"`
	OwnerID   int       `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Roster is a room together with the ids of its persistent members.
type Roster struct {
	Room    Room
	Members []int
}

// Has reports whether userID is a persistent member.
func (r *Roster) Has(userID int) bool {
	for _, id := range r.Members {
		if id == userID {
			return true
		}
	}
	return false
}

// Message is the reference returned by the message store after an append.
type Message struct {
	ID        int       `json:"id"`
	UserID    int       `json:"user_id"`
	RoomID    int       `json:"room_id"`
	Content   string    `json:"content"`
	Username  string    `json:"username,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Notification records missed activity in a room for an offline member.
type Notification struct {
	ID        int64     `json:"id"`
	UserID    int       `json:"user_id"`
	RoomID    int       `json:"room_id"`
	RoomLabel string    `json:"room_label"`
	CreatedAt time.Time `json:"created_at"`
}

type InviteResponse struct {
	RoomID int    `json:"room_id"`
	Code   string `json:"room_code"`
}

type DecodeInviteRequest struct {
	Code string `json:"room_code"`
}

type DecodeInviteResponse struct {
	RoomID   int    `json:"room_id"`
	RoomName string `json:"room_name"`
}
