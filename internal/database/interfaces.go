package database

import (
	"context"
	"errors"

	"chat-fanout/internal/models"
)

// ErrRoomNotFound indicates that the requested room does not exist.
var ErrRoomNotFound = errors.New("room not found")

// RosterStore is the read-only view of persistent room membership.
type RosterStore interface {
	LoadRoster(ctx context.Context, roomID int) (*models.Roster, error)
	IsMember(ctx context.Context, userID, roomID int) (bool, error)
}

// MessageStore is the append-only message log.
type MessageStore interface {
	AppendMessage(ctx context.Context, roomID, senderID int, content string) (*models.Message, error)
	LoadRecentMessages(ctx context.Context, roomID, limit int) ([]*models.Message, error)
}

// NotificationStore holds undelivered notifications until the owner clears them.
// A written notification must be visible to the next ListNotifications call.
type NotificationStore interface {
	WriteNotification(ctx context.Context, n *models.Notification) error
	ListNotifications(ctx context.Context, userID int) ([]*models.Notification, error)
	DeleteNotifications(ctx context.Context, userID int) (int64, error)
}

type Database interface {
	RosterStore
	MessageStore
	NotificationStore
	Close() error
}
