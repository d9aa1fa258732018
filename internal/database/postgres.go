package database

import (
	"context"
	"errors"
	"fmt"

	"chat-fanout/internal/models"
	"chat-fanout/pkg/logger"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresDB struct {
	pool *pgxpool.Pool
}

var _ Database = (*PostgresDB)(nil)

func NewPostgresDB(ctx context.Context, databaseURL string) (*PostgresDB, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Connected to database successfully")
	return &PostgresDB{pool: pool}, nil
}

func (db *PostgresDB) Close() error {
	db.pool.Close()
	return nil
}

// Roster Store Implementation
func (db *PostgresDB) LoadRoster(ctx context.Context, roomID int) (*models.Roster, error) {
	roster := &models.Roster{}
	room := &roster.Room

	query := `SELECT id, name, is_public, COALESCE(owner_id, 0), created_at FROM rooms WHERE id = $1`
	err := db.pool.QueryRow(ctx, query, roomID).Scan(
		&room.ID, &room.Name, &room.IsPublic, &room.OwnerID, &room.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load room %d: %w", roomID, err)
	}

	rows, err := db.pool.Query(ctx, `SELECT user_id FROM memberships WHERE room_id = $1 ORDER BY user_id`, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to load members of room %d: %w", roomID, err)
	}
	members, err := pgx.CollectRows(rows, pgx.RowTo[int])
	if err != nil {
		return nil, fmt.Errorf("failed to scan members of room %d: %w", roomID, err)
	}
	roster.Members = members

	return roster, nil
}

func (db *PostgresDB) IsMember(ctx context.Context, userID, roomID int) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM memberships WHERE user_id = $1 AND room_id = $2)`

	var exists bool
	err := db.pool.QueryRow(ctx, query, userID, roomID).Scan(&exists)
	return exists, err
}

// Message Store Implementation
func (db *PostgresDB) AppendMessage(ctx context.Context, roomID, senderID int, content string) (*models.Message, error) {
	query := `
		WITH inserted AS (
			INSERT INTO messages (user_id, room_id, content, created_at)
			VALUES ($1, $2, $3, NOW())
			RETURNING id, user_id, created_at
		)
		SELECT inserted.id, inserted.created_at, COALESCE(u.username, '')
		FROM inserted
		LEFT JOIN users u ON u.id = inserted.user_id`

	msg := &models.Message{UserID: senderID, RoomID: roomID, Content: content}
	if err := db.pool.QueryRow(ctx, query, senderID, roomID, content).Scan(&msg.ID, &msg.CreatedAt, &msg.Username); err != nil {
		return nil, fmt.Errorf("failed to save message: %w", err)
	}
	return msg, nil
}

func (db *PostgresDB) LoadRecentMessages(ctx context.Context, roomID, limit int) ([]*models.Message, error) {
	query := `
		SELECT m.id, m.user_id, m.room_id, m.content, u.username, m.created_at
		FROM messages m
		JOIN users u ON m.user_id = u.id
		WHERE m.room_id = $1
		ORDER BY m.created_at DESC
		LIMIT $2`

	rows, err := db.pool.Query(ctx, query, roomID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		msg := &models.Message{}
		if err := rows.Scan(&msg.ID, &msg.UserID, &msg.RoomID, &msg.Content, &msg.Username, &msg.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	reverseMessages(messages)
	return messages, nil
}

// Notification Store Implementation
func (db *PostgresDB) WriteNotification(ctx context.Context, n *models.Notification) error {
	query := `
		INSERT INTO notifications (user_id, room_id, room_label, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id`

	if err := db.pool.QueryRow(ctx, query, n.UserID, n.RoomID, n.RoomLabel, n.CreatedAt).Scan(&n.ID); err != nil {
		return fmt.Errorf("failed to write notification for user %d: %w", n.UserID, err)
	}
	return nil
}

func (db *PostgresDB) ListNotifications(ctx context.Context, userID int) ([]*models.Notification, error) {
	query := `
		SELECT id, user_id, room_id, room_label, created_at
		FROM notifications
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC`

	rows, err := db.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Notification
	for rows.Next() {
		n := &models.Notification{}
		if err := rows.Scan(&n.ID, &n.UserID, &n.RoomID, &n.RoomLabel, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (db *PostgresDB) DeleteNotifications(ctx context.Context, userID int) (int64, error) {
	tag, err := db.pool.Exec(ctx, `DELETE FROM notifications WHERE user_id = $1`, userID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// reverseMessages flips newest-first query output to oldest-first.
func reverseMessages(messages []*models.Message) {
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
}
