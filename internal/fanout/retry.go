package fanout

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"chat-fanout/pkg/logger"
)

type RetryOptions struct {
	// Capacity caps the retry jobs in flight. Enqueue refuses beyond it.
	Capacity int
	// MaxAttempts counts retries per job before the remaining users are abandoned.
	MaxAttempts int
	// BaseDelay is the wait before the first retry; it doubles up to MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		Capacity:    1024,
		MaxAttempts: 5,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
	}
}

// RetryStats are cumulative counters for the retry queue.
type RetryStats struct {
	Pending   int64 `json:"pending"`
	Recovered int64 `json:"recovered"`
	Abandoned int64 `json:"abandoned"`
}

type retryJob struct {
	roomID    int
	roomLabel string
	userIDs   []int
	attempt   int
}

// RetryQueue re-writes notifications a dispatch could not confirm. Jobs wait
// with exponential backoff between attempts; users still unconfirmed after
// MaxAttempts are logged and counted as abandoned.
type RetryQueue struct {
	router *Router
	opts   RetryOptions
	log    *logger.Logger

	jobs chan retryJob

	mu      sync.Mutex
	stopped bool
	timers  map[*time.Timer]retryJob

	pending, recovered, abandoned atomic.Int64
}

func NewRetryQueue(router *Router, opts RetryOptions, log *logger.Logger) *RetryQueue {
	def := DefaultRetryOptions()
	if opts.Capacity < 1 {
		opts.Capacity = def.Capacity
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = def.BaseDelay
	}
	if opts.MaxDelay < opts.BaseDelay {
		opts.MaxDelay = opts.BaseDelay
	}
	if log == nil {
		log = logger.Nop()
	}
	return &RetryQueue{
		router: router,
		opts:   opts,
		log:    log.Component("fanout.retry"),
		jobs:   make(chan retryJob, opts.Capacity),
		timers: make(map[*time.Timer]retryJob),
	}
}

// Enqueue schedules a retry for userIDs. It returns false, and counts the
// users as abandoned, when the queue is full or stopped.
func (q *RetryQueue) Enqueue(roomID int, roomLabel string, userIDs []int) bool {
	if len(userIDs) == 0 {
		return true
	}
	if q.pending.Add(1) > int64(q.opts.Capacity) {
		q.pending.Add(-1)
		q.abandon(retryJob{roomID: roomID, userIDs: userIDs}, "queue full")
		return false
	}
	ids := append([]int(nil), userIDs...)
	if !q.schedule(retryJob{roomID: roomID, roomLabel: roomLabel, userIDs: ids}) {
		q.pending.Add(-1)
		q.abandon(retryJob{roomID: roomID, userIDs: ids}, "queue stopped")
		return false
	}
	return true
}

// Run processes jobs until ctx is done. Jobs still waiting at that point are
// abandoned.
func (q *RetryQueue) Run(ctx context.Context) {
	defer q.stop()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-q.jobs:
			q.attempt(ctx, job)
		}
	}
}

func (q *RetryQueue) Stats() RetryStats {
	return RetryStats{
		Pending:   q.pending.Load(),
		Recovered: q.recovered.Load(),
		Abandoned: q.abandoned.Load(),
	}
}

func (q *RetryQueue) attempt(ctx context.Context, job retryJob) {
	still := q.router.RetryNotifications(ctx, job.roomID, job.roomLabel, job.userIDs)
	q.recovered.Add(int64(len(job.userIDs) - len(still)))
	if len(still) == 0 {
		q.pending.Add(-1)
		q.log.Debug("notifications for room %d confirmed after %d retries", job.roomID, job.attempt+1)
		return
	}

	job.attempt++
	job.userIDs = still
	if job.attempt >= q.opts.MaxAttempts {
		q.pending.Add(-1)
		q.abandon(job, "attempts exhausted")
		return
	}
	if !q.schedule(job) {
		q.pending.Add(-1)
		q.abandon(job, "queue stopped")
	}
}

// schedule hands job to Run after its backoff delay.
func (q *RetryQueue) schedule(job retryJob) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return false
	}
	var t *time.Timer
	t = time.AfterFunc(q.backoff(job.attempt), func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if _, ok := q.timers[t]; !ok {
			return
		}
		delete(q.timers, t)
		// pending never exceeds Capacity, so this cannot block
		q.jobs <- job
	})
	q.timers[t] = job
	return true
}

func (q *RetryQueue) backoff(attempt int) time.Duration {
	d := q.opts.BaseDelay
	for i := 0; i < attempt && d < q.opts.MaxDelay; i++ {
		d *= 2
	}
	if d > q.opts.MaxDelay {
		d = q.opts.MaxDelay
	}
	return d
}

func (q *RetryQueue) stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stopped = true
	for t, job := range q.timers {
		t.Stop()
		delete(q.timers, t)
		q.pending.Add(-1)
		q.abandon(job, "shutdown")
	}
	for {
		select {
		case job := <-q.jobs:
			q.pending.Add(-1)
			q.abandon(job, "shutdown")
		default:
			return
		}
	}
}

func (q *RetryQueue) abandon(job retryJob, reason string) {
	q.abandoned.Add(int64(len(job.userIDs)))
	q.log.Error("notifications for users %v in room %d abandoned (%s)", job.userIDs, job.roomID, reason)
}
