package models

import "encoding/json"

type MessageType string

// Inbound event types.
const (
	MessageTypeJoinRoom    MessageType = "join_room"
	MessageTypeLeaveRoom   MessageType = "leave_room"
	MessageTypeSendMessage MessageType = "send_message"
)

// Outbound event types.
const (
	MessageTypeMessage        MessageType = "message"
	MessageTypeActivity       MessageType = "activity"
	MessageTypeUserJoined     MessageType = "user_joined"
	MessageTypeUserLeft       MessageType = "user_left"
	MessageTypeJoinedRoom     MessageType = "joined_room"
	MessageTypeLeftRoom       MessageType = "left_room"
	MessageTypeHistory        MessageType = "history"
	MessageTypeDispatchReport MessageType = "dispatch_report"
	MessageTypeError          MessageType = "error"
)

// InboundEvent is what a client sends over its socket.
type InboundEvent struct {
	Type   MessageType `json:"type"`
	RoomID int         `json:"room_id"`
	Text   string      `json:"text,omitempty"`
}

type WebSocketMessage struct {
	Type      MessageType `json:"type"`
	RoomID    int         `json:"room_id,omitempty"`
	RoomLabel string      `json:"room_label,omitempty"`
	UserID    int         `json:"user_id,omitempty"`
	Message   *Message    `json:"message,omitempty"`
	History   []*Message  `json:"history,omitempty"`
	Report    interface{} `json:"report,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp string      `json:"timestamp,omitempty"`
}

// Encode marshals the event for the wire.
func (m *WebSocketMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}
