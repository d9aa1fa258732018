package fanout_test

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"chat-fanout/internal/database"
	"chat-fanout/internal/fanout"
	"chat-fanout/internal/models"
	"chat-fanout/internal/presence"
	"chat-fanout/internal/viewers"
)

const (
	userA = 1
	userB = 2
	userC = 3
	userD = 4
)

type recordingChannel struct {
	id   string
	fail bool

	mu     sync.Mutex
	frames []models.WebSocketMessage
}

func (c *recordingChannel) ID() string { return c.id }

func (c *recordingChannel) Send(b []byte) error {
	if c.fail {
		return errors.New("backpressure")
	}
	var m models.WebSocketMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	c.mu.Lock()
	c.frames = append(c.frames, m)
	c.mu.Unlock()
	return nil
}

func (c *recordingChannel) types() []models.MessageType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.MessageType, 0, len(c.frames))
	for _, f := range c.frames {
		out = append(out, f.Type)
	}
	return out
}

// flakyNotifications fails writes for selected users.
type flakyNotifications struct {
	*database.MemoryDB
	mu      sync.Mutex
	failing map[int]bool
	writes  int
}

func (f *flakyNotifications) WriteNotification(ctx context.Context, n *models.Notification) error {
	f.mu.Lock()
	f.writes++
	fail := f.failing[n.UserID]
	f.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return f.MemoryDB.WriteNotification(ctx, n)
}

func (f *flakyNotifications) heal(userID int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.failing, userID)
}

type brokenRoster struct{ err error }

func (b brokenRoster) LoadRoster(ctx context.Context, _ int) (*models.Roster, error) {
	if b.err != nil {
		return nil, b.err
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (b brokenRoster) IsMember(context.Context, int, int) (bool, error) { return false, b.err }

type brokenMessages struct{ database.MessageStore }

func (brokenMessages) AppendMessage(context.Context, int, int, string) (*models.Message, error) {
	return nil, errors.New("connection reset")
}

type fixture struct {
	db       *database.MemoryDB
	notifs   *flakyNotifications
	presence *presence.Registry
	viewers  *viewers.Registry
	channels map[int]*recordingChannel
	router   *fanout.Router
	room     models.Room
}

func newFixture(t *testing.T, members ...int) *fixture {
	t.Helper()
	db := database.NewMemoryDB()
	f := &fixture{
		db:       db,
		notifs:   &flakyNotifications{MemoryDB: db, failing: map[int]bool{}},
		presence: presence.NewRegistry(),
		viewers:  viewers.NewRegistry(),
		channels: map[int]*recordingChannel{},
		room:     db.CreateRoom("general", members...),
	}
	f.router = f.build(db, db, fanout.DefaultOptions())
	return f
}

func (f *fixture) build(roster database.RosterStore, messages database.MessageStore, opts fanout.Options) *fanout.Router {
	return fanout.NewRouter(roster, messages, f.notifs, f.presence, f.viewers, opts, nil)
}

func (f *fixture) online(ids ...int) {
	for _, id := range ids {
		ch := &recordingChannel{id: "chan-" + string(rune('a'+id))}
		f.channels[id] = ch
		f.presence.MarkOnline(presence.Connection{UserID: id, Channel: ch})
	}
}

func (f *fixture) viewing(ids ...int) {
	for _, id := range ids {
		f.viewers.JoinRoom(f.room.ID, id)
	}
}

func (f *fixture) notificationsFor(t *testing.T, userID int) []*models.Notification {
	t.Helper()
	ns, err := f.db.ListNotifications(context.Background(), userID)
	if err != nil {
		t.Fatal(err)
	}
	return ns
}

func TestDispatchScenarioOneViewerOneOffline(t *testing.T) {
	f := newFixture(t, userA, userB, userC)
	f.online(userA, userB)
	f.viewing(userA)

	report, err := f.router.Send(context.Background(), f.room.ID, userB, "hello")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	if !reflect.DeepEqual(report.BroadcastTo, []int{userA}) {
		t.Errorf("BroadcastTo = %v, want [A]", report.BroadcastTo)
	}
	if len(report.Pinged) != 0 {
		t.Errorf("Pinged = %v, want none", report.Pinged)
	}
	if !reflect.DeepEqual(report.Notified, []int{userC}) {
		t.Errorf("Notified = %v, want [C]", report.Notified)
	}
	if report.PartialFailure() {
		t.Errorf("unexpected partial failure: %+v", report)
	}

	if got := f.channels[userA].types(); !reflect.DeepEqual(got, []models.MessageType{models.MessageTypeMessage}) {
		t.Errorf("A received %v, want one message", got)
	}
	if got := f.channels[userB].types(); len(got) != 0 {
		t.Errorf("sender B received %v, want nothing", got)
	}
	ns := f.notificationsFor(t, userC)
	if len(ns) != 1 || ns[0].RoomID != f.room.ID || ns[0].RoomLabel != "general" {
		t.Errorf("C notifications = %+v, want one for room general", ns)
	}
}

func TestDispatchPingsOnlineMembersNotViewing(t *testing.T) {
	f := newFixture(t, userA, userB, userC, userD)
	f.online(userA, userB, userC)
	f.viewing(userA, userB)

	report, err := f.router.Send(context.Background(), f.room.ID, userB, "hi")
	if err != nil {
		t.Fatal(err)
	}

	if !reflect.DeepEqual(report.BroadcastTo, []int{userA, userB}) {
		t.Errorf("BroadcastTo = %v, want [A B] (sender echo on)", report.BroadcastTo)
	}
	if !reflect.DeepEqual(report.Pinged, []int{userC}) {
		t.Errorf("Pinged = %v, want [C]", report.Pinged)
	}
	if !reflect.DeepEqual(report.Notified, []int{userD}) {
		t.Errorf("Notified = %v, want [D]", report.Notified)
	}

	frames := f.channels[userC].frames
	if len(frames) != 1 || frames[0].Type != models.MessageTypeActivity || frames[0].Message != nil {
		t.Fatalf("C frames = %+v, want one activity without message content", frames)
	}
	if frames[0].RoomLabel != "general" || frames[0].RoomID != f.room.ID {
		t.Errorf("activity frame = %+v, want room id and label", frames[0])
	}
}

func TestDispatchWithoutEcho(t *testing.T) {
	f := newFixture(t, userA, userB)
	opts := fanout.DefaultOptions()
	opts.EchoToSender = false
	router := f.build(f.db, f.db, opts)
	f.online(userA, userB)
	f.viewing(userA, userB)

	report, err := router.Send(context.Background(), f.room.ID, userA, "x")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(report.BroadcastTo, []int{userB}) {
		t.Errorf("BroadcastTo = %v, want [B]", report.BroadcastTo)
	}
	if got := f.channels[userA].types(); len(got) != 0 {
		t.Errorf("sender received %v with echo off", got)
	}
}

func TestDispatchAllOffline(t *testing.T) {
	f := newFixture(t, userA, userB, userC, userD)

	report, err := f.router.Send(context.Background(), f.room.ID, userA, "anyone?")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(report.Notified, []int{userB, userC, userD}) {
		t.Errorf("Notified = %v, want every member but the sender", report.Notified)
	}
	if f.notifs.writes != 3 {
		t.Errorf("writes = %d, want 3", f.notifs.writes)
	}
	if len(report.BroadcastTo)+len(report.Pinged)+len(report.Dropped)+len(report.Skipped) != 0 {
		t.Errorf("pushes attempted with everyone offline: %+v", report)
	}
	if ns := f.notificationsFor(t, userA); len(ns) != 0 {
		t.Errorf("sender notified about own message: %+v", ns)
	}
}

func TestStaleViewerIsSkippedNotNotified(t *testing.T) {
	f := newFixture(t, userA, userB)
	f.online(userA)
	f.viewing(userA, userB) // B's socket died without a clean disconnect

	report, err := f.router.Send(context.Background(), f.room.ID, userA, "x")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(report.Skipped, []int{userB}) {
		t.Errorf("Skipped = %v, want [B]", report.Skipped)
	}
	if len(report.Notified) != 0 {
		t.Errorf("stale viewer escalated to notification: %v", report.Notified)
	}
}

func TestFailedPushesAreReportedNotEscalated(t *testing.T) {
	f := newFixture(t, userA, userB, userC)
	f.online(userA, userB, userC)
	f.viewing(userA, userB)
	f.channels[userB].fail = true
	f.channels[userC].fail = true

	report, err := f.router.Send(context.Background(), f.room.ID, userA, "x")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(report.Dropped, []int{userB, userC}) {
		t.Errorf("Dropped = %v, want [B C]", report.Dropped)
	}
	if len(report.Notified) != 0 || f.notifs.writes != 0 {
		t.Errorf("failed pushes escalated to notifications: %+v", report)
	}
	if !report.PartialFailure() {
		t.Error("PartialFailure should be true")
	}
}

func TestPartialNotificationFailureAndRetry(t *testing.T) {
	f := newFixture(t, userA, userB, userC, userD)
	f.notifs.failing[userC] = true

	report, err := f.router.Send(context.Background(), f.room.ID, userA, "x")
	if err != nil {
		t.Fatalf("notification failures must not fail the call: %v", err)
	}
	if !reflect.DeepEqual(report.Notified, []int{userB, userD}) {
		t.Errorf("Notified = %v, want [B D]", report.Notified)
	}
	if !reflect.DeepEqual(report.Failed, []int{userC}) {
		t.Errorf("Failed = %v, want [C]", report.Failed)
	}

	f.notifs.heal(userC)
	if still := f.router.RetryNotifications(context.Background(), f.room.ID, f.room.Name, report.Failed); len(still) != 0 {
		t.Errorf("retry left %v unconfirmed", still)
	}
	if ns := f.notificationsFor(t, userC); len(ns) != 1 {
		t.Errorf("C has %d notifications after retry, want 1", len(ns))
	}

	stats := f.router.Stats()
	if stats.Dispatches != 1 || stats.NotifyFailures != 1 || stats.Notifications != 3 {
		t.Errorf("Stats = %+v", stats)
	}
}

func TestRoomNotFound(t *testing.T) {
	f := newFixture(t, userA)
	f.online(userA)
	f.viewing(userA)

	_, err := f.router.Send(context.Background(), 999, userA, "x")
	if !errors.Is(err, fanout.ErrRoomNotFound) {
		t.Fatalf("err = %v, want ErrRoomNotFound", err)
	}
	_, err = f.router.Dispatch(context.Background(), 999, userA, &models.Message{ID: 1})
	if !errors.Is(err, fanout.ErrRoomNotFound) {
		t.Fatalf("Dispatch err = %v, want ErrRoomNotFound", err)
	}
}

func TestRosterTimeoutDeliversNothing(t *testing.T) {
	f := newFixture(t, userA, userB)
	f.online(userA, userB)
	f.viewing(userA, userB)

	opts := fanout.DefaultOptions()
	opts.RosterTimeout = 20 * time.Millisecond
	router := f.build(brokenRoster{}, f.db, opts)

	start := time.Now()
	_, err := router.Dispatch(context.Background(), f.room.ID, userA, &models.Message{ID: 1})
	if !errors.Is(err, fanout.ErrRosterUnavailable) {
		t.Fatalf("err = %v, want ErrRosterUnavailable", err)
	}
	if time.Since(start) > time.Second {
		t.Error("roster timeout was not enforced")
	}
	for id, ch := range f.channels {
		if got := ch.types(); len(got) != 0 {
			t.Errorf("user %d received %v after roster failure", id, got)
		}
	}
}

func TestRosterErrorIsUnavailable(t *testing.T) {
	f := newFixture(t, userA)
	router := f.build(brokenRoster{err: errors.New("connection refused")}, f.db, fanout.DefaultOptions())

	_, err := router.Send(context.Background(), f.room.ID, userA, "x")
	if !errors.Is(err, fanout.ErrRosterUnavailable) {
		t.Fatalf("err = %v, want ErrRosterUnavailable", err)
	}
}

func TestMessageStoreFailureAbortsWithoutSideEffects(t *testing.T) {
	f := newFixture(t, userA, userB, userC)
	f.online(userA, userB)
	f.viewing(userB)
	router := f.build(f.db, brokenMessages{f.db}, fanout.DefaultOptions())

	_, err := router.Send(context.Background(), f.room.ID, userA, "x")
	if !errors.Is(err, fanout.ErrMessageNotStored) {
		t.Fatalf("err = %v, want ErrMessageNotStored", err)
	}
	if got := f.channels[userB].types(); len(got) != 0 {
		t.Errorf("viewer received %v after failed append", got)
	}
	if f.notifs.writes != 0 {
		t.Errorf("%d notifications written after failed append", f.notifs.writes)
	}
}

func TestSendRejectsNonMember(t *testing.T) {
	f := newFixture(t, userA, userB)
	_, err := f.router.Send(context.Background(), f.room.ID, userD, "x")
	if !errors.Is(err, fanout.ErrNotMember) {
		t.Fatalf("err = %v, want ErrNotMember", err)
	}
	if msgs, _ := f.db.LoadRecentMessages(context.Background(), f.room.ID, 10); len(msgs) != 0 {
		t.Errorf("message stored for non-member: %v", msgs)
	}
}

func TestConcurrentSends(t *testing.T) {
	f := newFixture(t, userA, userB, userC, userD)
	f.online(userA, userB)
	f.viewing(userA)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(sender int) {
			defer wg.Done()
			if _, err := f.router.Send(context.Background(), f.room.ID, sender, "x"); err != nil {
				t.Errorf("Send: %v", err)
			}
		}([]int{userA, userB}[i%2])
	}
	wg.Wait()

	if got := len(f.channels[userA].types()); got != 20 {
		t.Errorf("viewer A received %d messages, want 20", got)
	}
	if got := len(f.notificationsFor(t, userC)); got != 20 {
		t.Errorf("C has %d notifications, want 20", got)
	}
}

func TestBroadcastCarriesSenderUsername(t *testing.T) {
	f := newFixture(t, userA, userB)
	f.db.SetUsername(userB, "bob")
	f.online(userA, userB)
	f.viewing(userA)

	report, err := f.router.Send(context.Background(), f.room.ID, userB, "hey")
	if err != nil {
		t.Fatal(err)
	}
	if report.RoomLabel != "general" {
		t.Errorf("RoomLabel = %q", report.RoomLabel)
	}

	ch := f.channels[userA]
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if len(ch.frames) != 1 {
		t.Fatalf("A received %d frames, want 1", len(ch.frames))
	}
	msg := ch.frames[0].Message
	if msg == nil || msg.Username != "bob" || msg.UserID != userB {
		t.Errorf("broadcast message = %+v", msg)
	}
}
