// Package fanout routes a message sent into a room to every member through the
// right channel: live broadcast to viewers, an activity ping to members who are
// online elsewhere, and a durable notification to members who are offline.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"chat-fanout/internal/database"
	"chat-fanout/internal/models"
	"chat-fanout/internal/presence"
	"chat-fanout/internal/viewers"
	"chat-fanout/pkg/logger"

	"golang.org/x/sync/errgroup"
)

var (
	// ErrRoomNotFound is returned when the roster store does not know the room.
	ErrRoomNotFound = database.ErrRoomNotFound
	// ErrRosterUnavailable means the roster could not be loaded in time. Nothing
	// was delivered or stored; retry the whole call.
	ErrRosterUnavailable = errors.New("roster unavailable")
	// ErrMessageNotStored means the message store append failed. Nothing was delivered.
	ErrMessageNotStored = errors.New("message not stored")
	// ErrNotMember is returned by Send when the sender is not on the room's roster.
	ErrNotMember = errors.New("not a member of this room")
)

// Options tunes a Router. Zero durations disable the matching timeout.
type Options struct {
	// RosterTimeout bounds the roster load and the message append.
	RosterTimeout time.Duration
	// NotifyTimeout bounds each notification write.
	NotifyTimeout time.Duration
	// NotifyConcurrency caps parallel notification writes per dispatch.
	NotifyConcurrency int
	// EchoToSender includes the sender in the broadcast when it is viewing the room.
	EchoToSender bool
	Now          func() time.Time
}

// DefaultOptions returns the settings used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		RosterTimeout:     3 * time.Second,
		NotifyTimeout:     2 * time.Second,
		NotifyConcurrency: 8,
		EchoToSender:      true,
		Now:               time.Now,
	}
}

// DispatchReport describes what one fan-out did.
type DispatchReport struct {
	RoomID      int    `json:"room_id"`
	RoomLabel   string `json:"room_label"`
	MessageID   int    `json:"message_id"`
	BroadcastTo []int  `json:"broadcast_to"`
	Pinged      []int  `json:"pinged"`
	Notified    []int  `json:"notified"`
	// Failed lists members whose notification write is unconfirmed. Retry those
	// with RetryNotifications or a RetryQueue.
	Failed []int `json:"failed"`
	// Skipped lists viewers that had no live channel.
	Skipped []int `json:"skipped"`
	// Dropped lists broadcast or ping targets whose push failed.
	Dropped []int `json:"dropped"`
}

// PartialFailure reports whether any target was not reached.
func (r *DispatchReport) PartialFailure() bool {
	return len(r.Failed) > 0 || len(r.Dropped) > 0
}

// Stats are cumulative counters since the router was built.
type Stats struct {
	Dispatches     int64 `json:"dispatches"`
	Broadcasts     int64 `json:"broadcasts"`
	Pings          int64 `json:"pings"`
	Notifications  int64 `json:"notifications"`
	NotifyFailures int64 `json:"notify_failures"`
	DroppedPushes  int64 `json:"dropped_pushes"`
}

// Router fans messages out to a room's members. It is safe for concurrent use.
type Router struct {
	roster        database.RosterStore
	messages      database.MessageStore
	notifications database.NotificationStore
	presence      *presence.Registry
	viewers       *viewers.Registry
	opts          Options
	log           *logger.Logger

	dispatches, broadcasts, pings, notified, notifyFailures, dropped atomic.Int64
}

// NewRouter wires a Router over the given stores and registries. A nil log
// discards output.
func NewRouter(
	roster database.RosterStore,
	messages database.MessageStore,
	notifications database.NotificationStore,
	presenceReg *presence.Registry,
	viewerReg *viewers.Registry,
	opts Options,
	log *logger.Logger,
) *Router {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NotifyConcurrency < 1 {
		opts.NotifyConcurrency = 1
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Router{
		roster:        roster,
		messages:      messages,
		notifications: notifications,
		presence:      presenceReg,
		viewers:       viewerReg,
		opts:          opts,
		log:           log.Component("fanout"),
	}
}

// Send stores a message and fans it out. The roster load and the append both
// happen before any delivery; if either fails nothing is pushed or written.
func (r *Router) Send(ctx context.Context, roomID, senderID int, content string) (*DispatchReport, error) {
	roster, err := r.loadRoster(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !roster.Has(senderID) {
		return nil, ErrNotMember
	}

	appendCtx, cancel := r.withTimeout(ctx, r.opts.RosterTimeout)
	msg, err := r.messages.AppendMessage(appendCtx, roomID, senderID, content)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMessageNotStored, err)
	}

	return r.fanOut(ctx, roster, senderID, msg), nil
}

// Dispatch fans out an already stored message.
func (r *Router) Dispatch(ctx context.Context, roomID, senderID int, msg *models.Message) (*DispatchReport, error) {
	roster, err := r.loadRoster(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return r.fanOut(ctx, roster, senderID, msg), nil
}

// RetryNotifications writes one notification for each of userIDs and returns
// those still unconfirmed.
func (r *Router) RetryNotifications(ctx context.Context, roomID int, roomLabel string, userIDs []int) []int {
	_, failed := r.writeNotifications(ctx, roomID, roomLabel, userIDs)
	return failed
}

func (r *Router) Stats() Stats {
	return Stats{
		Dispatches:     r.dispatches.Load(),
		Broadcasts:     r.broadcasts.Load(),
		Pings:          r.pings.Load(),
		Notifications:  r.notified.Load(),
		NotifyFailures: r.notifyFailures.Load(),
		DroppedPushes:  r.dropped.Load(),
	}
}

func (r *Router) loadRoster(ctx context.Context, roomID int) (*models.Roster, error) {
	rosterCtx, cancel := r.withTimeout(ctx, r.opts.RosterTimeout)
	defer cancel()

	roster, err := r.roster.LoadRoster(rosterCtx, roomID)
	if errors.Is(err, database.ErrRoomNotFound) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		r.log.Error("roster load for room %d failed: %v", roomID, err)
		return nil, fmt.Errorf("%w: %w", ErrRosterUnavailable, err)
	}
	return roster, nil
}

func (r *Router) fanOut(ctx context.Context, roster *models.Roster, senderID int, msg *models.Message) *DispatchReport {
	room := roster.Room
	online := r.presence.SnapshotOnlineSet()
	viewing := r.viewers.ViewersOf(room.ID)
	targets := Partition(roster.Members, online, viewing, senderID, r.opts.EchoToSender)

	report := &DispatchReport{RoomID: room.ID, RoomLabel: room.Name}
	if msg != nil {
		report.MessageID = msg.ID
	}
	now := r.opts.Now().UTC().Format(time.RFC3339)

	if len(targets.Broadcast) > 0 {
		frame, err := (&models.WebSocketMessage{
			Type:      models.MessageTypeMessage,
			RoomID:    room.ID,
			RoomLabel: room.Name,
			UserID:    senderID,
			Message:   msg,
			Timestamp: now,
		}).Encode()
		if err != nil {
			r.log.Error("marshal message for room %d: %v", room.ID, err)
			report.Dropped = append(report.Dropped, targets.Broadcast...)
		} else {
			for _, uid := range targets.Broadcast {
				ch, ok := r.presence.ChannelOf(uid)
				if !ok {
					report.Skipped = append(report.Skipped, uid)
					continue
				}
				if err := ch.Send(frame); err != nil {
					r.log.Warn("broadcast to user %d in room %d dropped: %v", uid, room.ID, err)
					report.Dropped = append(report.Dropped, uid)
					continue
				}
				report.BroadcastTo = append(report.BroadcastTo, uid)
			}
		}
	}

	if len(targets.Ping) > 0 {
		frame, err := (&models.WebSocketMessage{
			Type:      models.MessageTypeActivity,
			RoomID:    room.ID,
			RoomLabel: room.Name,
			UserID:    senderID,
			Timestamp: now,
		}).Encode()
		if err != nil {
			r.log.Error("marshal activity for room %d: %v", room.ID, err)
			report.Dropped = append(report.Dropped, targets.Ping...)
		} else {
			for _, uid := range targets.Ping {
				ch, ok := r.presence.ChannelOf(uid)
				if !ok {
					report.Dropped = append(report.Dropped, uid)
					continue
				}
				if err := ch.Send(frame); err != nil {
					r.log.Warn("activity ping to user %d for room %d dropped: %v", uid, room.ID, err)
					report.Dropped = append(report.Dropped, uid)
					continue
				}
				report.Pinged = append(report.Pinged, uid)
			}
		}
	}

	report.Notified, report.Failed = r.writeNotifications(ctx, room.ID, room.Name, targets.Notify)
	sort.Ints(report.Dropped)

	r.dispatches.Add(1)
	r.broadcasts.Add(int64(len(report.BroadcastTo)))
	r.pings.Add(int64(len(report.Pinged)))
	r.dropped.Add(int64(len(report.Dropped)))

	if report.PartialFailure() {
		r.log.Warn("room %d message %d: %d notifications unconfirmed, %d pushes dropped",
			room.ID, report.MessageID, len(report.Failed), len(report.Dropped))
	} else {
		r.log.Debug("room %d message %d: broadcast=%d pinged=%d notified=%d",
			room.ID, report.MessageID, len(report.BroadcastTo), len(report.Pinged), len(report.Notified))
	}
	return report
}

// writeNotifications runs at most NotifyConcurrency writes at once. A failed
// write does not cancel the others.
func (r *Router) writeNotifications(ctx context.Context, roomID int, roomLabel string, userIDs []int) (notified, failed []int) {
	if len(userIDs) == 0 {
		return nil, nil
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(r.opts.NotifyConcurrency)
	createdAt := r.opts.Now().UTC()

	for _, uid := range userIDs {
		g.Go(func() error {
			writeCtx, cancel := r.withTimeout(ctx, r.opts.NotifyTimeout)
			defer cancel()

			err := r.notifications.WriteNotification(writeCtx, &models.Notification{
				UserID:    uid,
				RoomID:    roomID,
				RoomLabel: roomLabel,
				CreatedAt: createdAt,
			})

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				r.log.Error("notification for user %d in room %d unconfirmed: %v", uid, roomID, err)
				failed = append(failed, uid)
				return nil
			}
			notified = append(notified, uid)
			return nil
		})
	}
	_ = g.Wait()

	sort.Ints(notified)
	sort.Ints(failed)
	r.notified.Add(int64(len(notified)))
	r.notifyFailures.Add(int64(len(failed)))
	return notified, failed
}

func (r *Router) withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
