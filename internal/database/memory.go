package database

import (
	"context"
	"sort"
	"sync"
	"time"

	"chat-fanout/internal/models"
)

// MemoryDB keeps everything in process. Used for STORE_DRIVER=memory and in tests.
type MemoryDB struct {
	mu            sync.RWMutex
	rooms         map[int]models.Room
	members       map[int]map[int]struct{}
	messages      map[int][]*models.Message
	notifications map[int][]*models.Notification
	usernames     map[int]string
	nextRoomID    int
	nextMessageID int
	nextNotifID   int64
}

var _ Database = (*MemoryDB)(nil)

func NewMemoryDB() *MemoryDB {
	return &MemoryDB{
		rooms:         make(map[int]models.Room),
		members:       make(map[int]map[int]struct{}),
		messages:      make(map[int][]*models.Message),
		notifications: make(map[int][]*models.Notification),
		usernames:     make(map[int]string),
	}
}

func (m *MemoryDB) Close() error { return nil }

// CreateRoom seeds a room with the given members.
func (m *MemoryDB) CreateRoom(name string, members ...int) models.Room {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextRoomID++
	room := models.Room{ID: m.nextRoomID, Name: name, CreatedAt: time.Now().UTC()}
	m.rooms[room.ID] = room
	set := make(map[int]struct{}, len(members))
	for _, id := range members {
		set[id] = struct{}{}
	}
	m.members[room.ID] = set
	return room
}

func (m *MemoryDB) AddMembership(userID, roomID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.members[roomID]; ok {
		set[userID] = struct{}{}
	}
}

// SetUsername records the display name stamped on messages from userID.
func (m *MemoryDB) SetUsername(userID int, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usernames[userID] = name
}

func (m *MemoryDB) LoadRoster(ctx context.Context, roomID int) (*models.Roster, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	room, ok := m.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	members := make([]int, 0, len(m.members[roomID]))
	for id := range m.members[roomID] {
		members = append(members, id)
	}
	sort.Ints(members)
	return &models.Roster{Room: room, Members: members}, nil
}

func (m *MemoryDB) IsMember(ctx context.Context, userID, roomID int) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.members[roomID][userID]
	return ok, nil
}

func (m *MemoryDB) AppendMessage(ctx context.Context, roomID, senderID int, content string) (*models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextMessageID++
	msg := &models.Message{
		ID:        m.nextMessageID,
		UserID:    senderID,
		RoomID:    roomID,
		Content:   content,
		Username:  m.usernames[senderID],
		CreatedAt: time.Now().UTC(),
	}
	m.messages[roomID] = append(m.messages[roomID], msg)
	return msg, nil
}

func (m *MemoryDB) LoadRecentMessages(ctx context.Context, roomID, limit int) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.messages[roomID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]*models.Message, len(all))
	copy(out, all)
	return out, nil
}

func (m *MemoryDB) WriteNotification(ctx context.Context, n *models.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextNotifID++
	stored := *n
	stored.ID = m.nextNotifID
	n.ID = stored.ID
	m.notifications[n.UserID] = append(m.notifications[n.UserID], &stored)
	return nil
}

func (m *MemoryDB) ListNotifications(ctx context.Context, userID int) ([]*models.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	src := m.notifications[userID]
	out := make([]*models.Notification, 0, len(src))
	for i := len(src) - 1; i >= 0; i-- {
		n := *src[i]
		out = append(out, &n)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryDB) DeleteNotifications(ctx context.Context, userID int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := int64(len(m.notifications[userID]))
	delete(m.notifications, userID)
	return n, nil
}
