package fanout_test

import (
	"context"
	"testing"
	"time"

	"chat-fanout/internal/fanout"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func fastRetry(attempts int) fanout.RetryOptions {
	return fanout.RetryOptions{
		Capacity:    8,
		MaxAttempts: attempts,
		BaseDelay:   5 * time.Millisecond,
		MaxDelay:    20 * time.Millisecond,
	}
}

func TestRetryQueueRecoversAfterStoreHeals(t *testing.T) {
	f := newFixture(t, userA, userB, userC)
	f.notifs.failing[userB] = true
	f.notifs.failing[userC] = true

	q := fanout.NewRetryQueue(f.router, fastRetry(20), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	report, err := f.router.Send(ctx, f.room.ID, userA, "x")
	if err != nil {
		t.Fatal(err)
	}
	if !q.Enqueue(report.RoomID, report.RoomLabel, report.Failed) {
		t.Fatal("Enqueue refused")
	}

	f.notifs.heal(userB)
	waitFor(t, "B recovered", func() bool { return q.Stats().Recovered == 1 })
	f.notifs.heal(userC)
	waitFor(t, "queue drained", func() bool { return q.Stats().Pending == 0 })

	stats := q.Stats()
	if stats.Recovered != 2 || stats.Abandoned != 0 {
		t.Errorf("Stats = %+v", stats)
	}
	for _, uid := range []int{userB, userC} {
		ns := f.notificationsFor(t, uid)
		if len(ns) != 1 || ns[0].RoomLabel != "general" {
			t.Errorf("user %d notifications = %+v", uid, ns)
		}
	}
}

func TestRetryQueueAbandonsAfterMaxAttempts(t *testing.T) {
	f := newFixture(t, userA, userB)
	f.notifs.failing[userB] = true

	q := fanout.NewRetryQueue(f.router, fastRetry(2), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	q.Enqueue(f.room.ID, f.room.Name, []int{userB})
	waitFor(t, "abandon", func() bool { return q.Stats().Abandoned == 1 })

	if stats := q.Stats(); stats.Pending != 0 || stats.Recovered != 0 {
		t.Errorf("Stats = %+v", stats)
	}
	if ns := f.notificationsFor(t, userB); len(ns) != 0 {
		t.Errorf("B notifications = %+v", ns)
	}
}

func TestRetryQueueIsBounded(t *testing.T) {
	f := newFixture(t, userA, userB)
	q := fanout.NewRetryQueue(f.router, fanout.RetryOptions{Capacity: 1, BaseDelay: time.Hour}, nil)

	if !q.Enqueue(f.room.ID, f.room.Name, []int{userB}) {
		t.Fatal("first Enqueue refused")
	}
	if q.Enqueue(f.room.ID, f.room.Name, []int{userA, userB}) {
		t.Fatal("Enqueue past capacity accepted")
	}
	if stats := q.Stats(); stats.Pending != 1 || stats.Abandoned != 2 {
		t.Errorf("Stats = %+v", stats)
	}

	// shutting down abandons the job still waiting on its backoff
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx)
		close(done)
	}()
	cancel()
	<-done
	if stats := q.Stats(); stats.Pending != 0 || stats.Abandoned != 3 {
		t.Errorf("after shutdown Stats = %+v", stats)
	}
	if q.Enqueue(f.room.ID, f.room.Name, []int{userB}) {
		t.Error("Enqueue accepted after shutdown")
	}
}
