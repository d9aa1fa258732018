package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"chat-fanout/internal/database"
	"chat-fanout/internal/fanout"
	"chat-fanout/internal/invite"
	"chat-fanout/internal/models"
	"chat-fanout/internal/presence"
	"chat-fanout/internal/viewers"
	"chat-fanout/pkg/logger"
)

var (
	ErrEmptyMessage   = errors.New("message is empty")
	ErrMessageTooLong = errors.New("message too long")
	// ErrSessionSuperseded rejects room events from a channel that is no
	// longer the user's current session.
	ErrSessionSuperseded = errors.New("session superseded")
)

const (
	MaxMessageLength = 4000
	userLockStripes  = 64
)

type Options struct {
	HistoryLimit  int
	RosterTimeout time.Duration
	// Retry receives notification writes a send could not confirm. Nil
	// leaves them in the report only.
	Retry *fanout.RetryQueue
}

// ChatService is the surface transports talk to: connection lifecycle, room
// viewing, sending, invites and notifications.
type ChatService struct {
	roster        database.RosterStore
	messages      database.MessageStore
	notifications database.NotificationStore
	presence      *presence.Registry
	viewers       *viewers.Registry
	router        *fanout.Router
	codec         *invite.Codec
	opts          Options
	log           *logger.Logger

	// connect/disconnect/join/leave for one user run under the same stripe
	userLocks [userLockStripes]sync.Mutex
}

func NewChatService(
	db database.Database,
	presenceReg *presence.Registry,
	viewerReg *viewers.Registry,
	router *fanout.Router,
	codec *invite.Codec,
	opts Options,
	log *logger.Logger,
) *ChatService {
	if log == nil {
		log = logger.Nop()
	}
	return &ChatService{
		roster:        db,
		messages:      db,
		notifications: db,
		presence:      presenceReg,
		viewers:       viewerReg,
		router:        router,
		codec:         codec,
		opts:          opts,
		log:           log.Component("services.chat"),
	}
}

func (s *ChatService) lockUser(userID int) func() {
	m := &s.userLocks[uint(userID)%userLockStripes]
	m.Lock()
	return m.Unlock
}

// OnConnect registers conn as the user's current session. A superseded
// session loses its open rooms; its transport is left alone.
func (s *ChatService) OnConnect(conn presence.Connection) {
	unlock := s.lockUser(conn.UserID)
	old, superseded := s.presence.MarkOnline(conn)
	var left []int
	if superseded {
		left = s.viewers.EvictUser(conn.UserID)
	}
	unlock()

	if superseded {
		s.log.Info("user %d reconnected, channel %s superseded by %s", conn.UserID, old.Channel.ID(), conn.Channel.ID())
	} else {
		s.log.Info("user %d connected on channel %s", conn.UserID, conn.Channel.ID())
	}
	for _, roomID := range left {
		s.announce(roomID, conn.UserID, models.MessageTypeUserLeft)
	}
}

// OnDisconnect tears down the session bound to channelID. If a newer session
// already replaced it this is a no-op. It reports whether the user went offline.
func (s *ChatService) OnDisconnect(userID int, channelID string) bool {
	unlock := s.lockUser(userID)
	removed := s.presence.MarkOffline(userID, channelID)
	var left []int
	if removed {
		left = s.viewers.EvictUser(userID)
	}
	unlock()

	if !removed {
		s.log.Debug("late disconnect for user %d on channel %s ignored", userID, channelID)
		return false
	}
	s.log.Info("user %d disconnected, left %d rooms", userID, len(left))
	for _, roomID := range left {
		s.announce(roomID, userID, models.MessageTypeUserLeft)
	}
	return true
}

// isCurrent reports whether channelID is the user's live session. Call with
// the user's stripe held.
func (s *ChatService) isCurrent(userID int, channelID string) bool {
	ch, ok := s.presence.ChannelOf(userID)
	return ok && ch.ID() == channelID
}

// OnJoinRoom marks the user as viewing a room they belong to, announces them to
// the other viewers and sends them the recent history. channelID must be the
// user's current session.
func (s *ChatService) OnJoinRoom(ctx context.Context, roomID, userID int, channelID string) error {
	roster, err := s.loadRoster(ctx, roomID)
	if err != nil {
		return err
	}
	if !roster.Has(userID) {
		return fanout.ErrNotMember
	}

	unlock := s.lockUser(userID)
	if !s.isCurrent(userID, channelID) {
		unlock()
		s.log.Debug("join of room %d from stale channel %s for user %d rejected", roomID, channelID, userID)
		return ErrSessionSuperseded
	}
	added := s.viewers.JoinRoom(roomID, userID)
	unlock()

	if added {
		s.announce(roomID, userID, models.MessageTypeUserJoined)
		s.log.Info("user %d joined room %d", userID, roomID)
	}
	s.push(userID, &models.WebSocketMessage{
		Type:      models.MessageTypeJoinedRoom,
		RoomID:    roomID,
		RoomLabel: roster.Room.Name,
		UserID:    userID,
	})
	s.sendHistory(ctx, roomID, userID)
	return nil
}

func (s *ChatService) OnLeaveRoom(_ context.Context, roomID, userID int, channelID string) error {
	unlock := s.lockUser(userID)
	if !s.isCurrent(userID, channelID) {
		unlock()
		return ErrSessionSuperseded
	}
	removed := s.viewers.LeaveRoom(roomID, userID)
	unlock()

	if removed {
		s.announce(roomID, userID, models.MessageTypeUserLeft)
		s.log.Info("user %d left room %d", userID, roomID)
	}
	s.push(userID, &models.WebSocketMessage{
		Type:   models.MessageTypeLeftRoom,
		RoomID: roomID,
		UserID: userID,
	})
	return nil
}

func (s *ChatService) OnSendMessage(ctx context.Context, roomID, senderID int, payload string) (*fanout.DispatchReport, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil, ErrEmptyMessage
	}
	if utf8.RuneCountInString(payload) > MaxMessageLength {
		return nil, ErrMessageTooLong
	}
	report, err := s.router.Send(ctx, roomID, senderID, payload)
	if err != nil {
		return nil, err
	}
	if len(report.Failed) > 0 && s.opts.Retry != nil {
		s.opts.Retry.Enqueue(report.RoomID, report.RoomLabel, report.Failed)
	}
	return report, nil
}

func (s *ChatService) EncodeInvite(roomID int, roomLabel string) (string, error) {
	return s.codec.Encode(roomID, roomLabel)
}

func (s *ChatService) DecodeInvite(code string) (int, string, error) {
	return s.codec.Decode(code)
}

// InviteForRoom builds a share code for a room the caller belongs to.
func (s *ChatService) InviteForRoom(ctx context.Context, roomID, userID int) (string, error) {
	roster, err := s.loadRoster(ctx, roomID)
	if err != nil {
		return "", err
	}
	if !roster.Has(userID) {
		return "", fanout.ErrNotMember
	}
	return s.EncodeInvite(roster.Room.ID, roster.Room.Name)
}

func (s *ChatService) ListNotifications(ctx context.Context, userID int) ([]*models.Notification, error) {
	return s.notifications.ListNotifications(ctx, userID)
}

func (s *ChatService) ClearNotifications(ctx context.Context, userID int) (int64, error) {
	return s.notifications.DeleteNotifications(ctx, userID)
}

// ActiveViewers lists who currently has the room open. Only members may ask.
func (s *ChatService) ActiveViewers(ctx context.Context, roomID, userID int) ([]int, error) {
	if s.opts.RosterTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.RosterTimeout)
		defer cancel()
	}
	member, err := s.roster.IsMember(ctx, userID, roomID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", fanout.ErrRosterUnavailable, err)
	}
	if !member {
		return nil, fanout.ErrNotMember
	}
	set := s.viewers.ViewersOf(roomID)
	out := make([]int, 0, len(set))
	for uid := range set {
		out = append(out, uid)
	}
	sort.Ints(out)
	return out, nil
}

func (s *ChatService) OnlineCount() int {
	return s.presence.Len()
}

func (s *ChatService) Stats() fanout.Stats {
	return s.router.Stats()
}

// RetryStats reports the notification retry queue, zero when none is wired.
func (s *ChatService) RetryStats() fanout.RetryStats {
	if s.opts.Retry == nil {
		return fanout.RetryStats{}
	}
	return s.opts.Retry.Stats()
}

func (s *ChatService) loadRoster(ctx context.Context, roomID int) (*models.Roster, error) {
	if s.opts.RosterTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.RosterTimeout)
		defer cancel()
	}
	roster, err := s.roster.LoadRoster(ctx, roomID)
	if errors.Is(err, database.ErrRoomNotFound) {
		return nil, fanout.ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", fanout.ErrRosterUnavailable, err)
	}
	return roster, nil
}

func (s *ChatService) sendHistory(ctx context.Context, roomID, userID int) {
	if s.opts.HistoryLimit <= 0 {
		return
	}
	history, err := s.messages.LoadRecentMessages(ctx, roomID, s.opts.HistoryLimit)
	if err != nil {
		s.log.Error("Error loading recent messages for room %d: %v", roomID, err)
		return
	}
	if len(history) == 0 {
		return
	}
	s.push(userID, &models.WebSocketMessage{
		Type:    models.MessageTypeHistory,
		RoomID:  roomID,
		History: history,
	})
}

// announce tells the other viewers of roomID that userID arrived or left.
func (s *ChatService) announce(roomID, userID int, typ models.MessageType) {
	frame, err := (&models.WebSocketMessage{
		Type:      typ,
		RoomID:    roomID,
		UserID:    userID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}).Encode()
	if err != nil {
		s.log.Error("Error marshaling %s: %v", typ, err)
		return
	}
	for viewer := range s.viewers.ViewersOf(roomID) {
		if viewer == userID {
			continue
		}
		if ch, ok := s.presence.ChannelOf(viewer); ok {
			if err := ch.Send(frame); err != nil {
				s.log.Debug("%s for user %d dropped: %v", typ, viewer, err)
			}
		}
	}
}

func (s *ChatService) push(userID int, msg *models.WebSocketMessage) {
	ch, ok := s.presence.ChannelOf(userID)
	if !ok {
		return
	}
	if msg.Timestamp == "" {
		msg.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	frame, err := msg.Encode()
	if err != nil {
		s.log.Error("Error marshaling %s: %v", msg.Type, err)
		return
	}
	if err := ch.Send(frame); err != nil {
		s.log.Debug("%s for user %d dropped: %v", msg.Type, userID, err)
	}
}
