package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"chat-fanout/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var sqlFiles embed.FS

// SQLiteDB is a single-file backend for development and small deployments.
// Timestamps are stored as unix nanoseconds.
type SQLiteDB struct {
	db *sql.DB
}

var _ Database = (*SQLiteDB)(nil)

func NewSQLiteDB(ctx context.Context, path string) (*SQLiteDB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening db: %w", err)
	}
	// one writer at a time; sqlite serializes anyway
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("error pinging db: %w", err)
	}

	schema, err := sqlFiles.ReadFile("schema.sql")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("error reading schema: %w", err)
	}
	if _, err := db.ExecContext(ctx, string(schema)); err != nil {
		db.Close()
		return nil, fmt.Errorf("error creating tables: %w", err)
	}
	return &SQLiteDB{db: db}, nil
}

func (s *SQLiteDB) Close() error {
	return s.db.Close()
}

// CreateRoom seeds a room. Room management is otherwise external to this service.
func (s *SQLiteDB) CreateRoom(ctx context.Context, name string, isPublic bool, ownerID int) (*models.Room, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO rooms (name, is_public, owner_id, created_at) VALUES (?, ?, ?, ?)",
		name, isPublic, ownerID, now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to create room: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("driver does not support LastInsertId")
	}
	return &models.Room{ID: int(id), Name: name, IsPublic: isPublic, OwnerID: ownerID, CreatedAt: now}, nil
}

func (s *SQLiteDB) AddMembership(ctx context.Context, userID, roomID int) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO memberships (user_id, room_id) VALUES (?, ?)", userID, roomID)
	return err
}

func (s *SQLiteDB) LoadRoster(ctx context.Context, roomID int) (*models.Roster, error) {
	roster := &models.Roster{}
	room := &roster.Room

	var created int64
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, is_public, owner_id, created_at FROM rooms WHERE id = ?", roomID,
	).Scan(&room.ID, &room.Name, &room.IsPublic, &room.OwnerID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load room %d: %w", roomID, err)
	}
	room.CreatedAt = time.Unix(0, created).UTC()

	rows, err := s.db.QueryContext(ctx, "SELECT user_id FROM memberships WHERE room_id = ? ORDER BY user_id", roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to load members of room %d: %w", roomID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		roster.Members = append(roster.Members, id)
	}
	return roster, rows.Err()
}

func (s *SQLiteDB) IsMember(ctx context.Context, userID, roomID int) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM memberships WHERE user_id = ? AND room_id = ?)", userID, roomID,
	).Scan(&exists)
	return exists, err
}

func (s *SQLiteDB) AppendMessage(ctx context.Context, roomID, senderID int, content string) (*models.Message, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO messages (user_id, room_id, content, created_at) VALUES (?, ?, ?, ?)",
		senderID, roomID, content, now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to save message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("driver does not support LastInsertId")
	}
	return &models.Message{ID: int(id), UserID: senderID, RoomID: roomID, Content: content, CreatedAt: now}, nil
}

func (s *SQLiteDB) LoadRecentMessages(ctx context.Context, roomID, limit int) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, room_id, content, created_at
		FROM messages
		WHERE room_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, roomID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		msg := &models.Message{}
		var created int64
		if err := rows.Scan(&msg.ID, &msg.UserID, &msg.RoomID, &msg.Content, &created); err != nil {
			return nil, err
		}
		msg.CreatedAt = time.Unix(0, created).UTC()
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	reverseMessages(messages)
	return messages, nil
}

func (s *SQLiteDB) WriteNotification(ctx context.Context, n *models.Notification) error {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO notifications (user_id, room_id, room_label, created_at) VALUES (?, ?, ?, ?)",
		n.UserID, n.RoomID, n.RoomLabel, n.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to write notification for user %d: %w", n.UserID, err)
	}
	if id, err := res.LastInsertId(); err == nil {
		n.ID = id
	}
	return nil
}

func (s *SQLiteDB) ListNotifications(ctx context.Context, userID int) ([]*models.Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, room_id, room_label, created_at
		FROM notifications
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Notification
	for rows.Next() {
		n := &models.Notification{}
		var created int64
		if err := rows.Scan(&n.ID, &n.UserID, &n.RoomID, &n.RoomLabel, &created); err != nil {
			return nil, err
		}
		n.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *SQLiteDB) DeleteNotifications(ctx context.Context, userID int) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM notifications WHERE user_id = ?", userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
