// Package queue is a reliable Redis list queue for scan jobs. A job moves
// atomically from the pending list to the consumer's own processing list, so
// each job is held by exactly one worker. Failed jobs are retried with
// backoff until the attempt limit and then moved to the dead-letter list.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"boardwatch/internal/domain"
	"boardwatch/internal/metrics"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultMaxAttempts = 3
	defaultPollTimeout = time.Second
	defaultBaseBackoff = 30 * time.Second
	maxBackoff         = 30 * time.Minute
)

// Handler processes one job. A non-nil error schedules a retry.
type Handler func(ctx context.Context, job domain.ScanJob) error

type Config struct {
	Name        string
	// Consumer names this process's processing list. It must be stable
	// across restarts and unique among processes sharing the queue.
	Consumer    string
	Workers     int
	MaxAttempts int
	BaseBackoff time.Duration
	PollTimeout time.Duration
}

type envelope struct {
	ID         string         `json:"id"`
	Attempts   int            `json:"attempts"`
	EnqueuedAt time.Time      `json:"enqueuedAt"`
	LastError  string         `json:"lastError,omitempty"`
	Job        domain.ScanJob `json:"job"`
}

type Queue struct {
	client  redis.UniversalClient
	cfg     Config
	metrics *metrics.Metrics
	log     *slog.Logger
	now     func() time.Time
}

func New(client redis.UniversalClient, cfg Config, m *metrics.Metrics, log *slog.Logger) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = defaultBaseBackoff
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	if cfg.Consumer == "" {
		cfg.Consumer = defaultConsumer()
	}

	return &Queue{
		client:  client,
		cfg:     cfg,
		metrics: m,
		log:     log,
		now:     time.Now,
	}
}

func defaultConsumer() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "default"
	}

	return host
}

func (q *Queue) pendingKey() string    { return q.cfg.Name + ":pending" }
func (q *Queue) processingKey() string { return q.cfg.Name + ":processing:" + q.cfg.Consumer }
func (q *Queue) delayedKey() string    { return q.cfg.Name + ":delayed" }
func (q *Queue) deadKey() string       { return q.cfg.Name + ":dead" }

// promoteScript moves one delayed member to pending only if this caller
// removed it from the delayed set.
var promoteScript = redis.NewScript(`
if redis.call("ZREM", KEYS[1], ARGV[1]) == 1 then
	redis.call("LPUSH", KEYS[2], ARGV[1])
	return 1
end
return 0
`)

// Enqueue validates the job and appends it to the pending list.
func (q *Queue) Enqueue(ctx context.Context, job domain.ScanJob) (string, error) {
	if err := job.Validate(); err != nil {
		q.metrics.JobEnqueued("invalid")
		return "", err
	}

	env := envelope{
		ID:         uuid.NewString(),
		EnqueuedAt: q.now().UTC(),
		Job:        job,
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}

	if err = q.client.LPush(ctx, q.pendingKey(), raw).Err(); err != nil {
		q.metrics.JobEnqueued("error")
		return "", fmt.Errorf("push job: %w", err)
	}

	q.metrics.JobEnqueued("ok")

	return env.ID, nil
}

// Run starts the worker slots and blocks until ctx is done and every
// in-flight job returned.
func (q *Queue) Run(ctx context.Context, handler Handler) error {
	recovered, err := q.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover processing jobs: %w", err)
	}
	if recovered > 0 {
		q.log.WarnContext(ctx, "Requeued jobs left in processing list",
			"queue", q.cfg.Name,
			"count", recovered)
	}

	var wg sync.WaitGroup

	for slot := range q.cfg.Workers {
		wg.Go(func() {
			q.work(ctx, slot, handler)
		})
	}

	wg.Wait()

	return nil
}

// Recover moves jobs abandoned in this consumer's processing list back to
// pending. It must run before any worker of this consumer starts; lists of
// other consumers are never touched.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	count := 0

	for {
		err := q.client.RPopLPush(ctx, q.processingKey(), q.pendingKey()).Err()
		if errors.Is(err, redis.Nil) {
			return count, nil
		}
		if err != nil {
			return count, err
		}

		count++
	}
}

func (q *Queue) work(ctx context.Context, slot int, handler Handler) {
	for {
		if ctx.Err() != nil {
			return
		}

		if err := q.promoteDue(ctx); err != nil && ctx.Err() == nil {
			q.log.ErrorContext(ctx, "Failed to promote delayed jobs",
				"error", err,
				"queue", q.cfg.Name,
				"slot", slot)
		}

		raw, err := q.client.BLMove(ctx, q.pendingKey(), q.processingKey(), "RIGHT", "LEFT", q.cfg.PollTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			q.log.ErrorContext(ctx, "Failed to pop job",
				"error", err,
				"queue", q.cfg.Name,
				"slot", slot)

			sleep(ctx, q.cfg.PollTimeout)

			continue
		}

		q.process(ctx, slot, raw, handler)
	}
}

func (q *Queue) process(ctx context.Context, slot int, raw string, handler Handler) {
	// Acknowledgement must complete even after ctx is cancelled.
	ackCtx := context.WithoutCancel(ctx)

	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		q.log.ErrorContext(ctx, "Failed to decode job, moving to dead-letter list",
			"error", err,
			"queue", q.cfg.Name)

		q.finish(ackCtx, raw, q.deadKey(), raw)
		q.metrics.JobProcessed("dead")

		return
	}

	start := q.now()
	handleErr := q.safeHandle(ctx, handler, env.Job)

	if handleErr == nil {
		q.finish(ackCtx, raw, "", "")
		q.metrics.JobProcessed("ok")

		q.log.InfoContext(ctx, "Job is done",
			"jobID", env.ID,
			"pageURL", env.Job.URL,
			"attempt", env.Attempts+1,
			"slot", slot,
			"durationSeconds", q.now().Sub(start).Seconds())

		return
	}

	env.Attempts++
	env.LastError = handleErr.Error()

	next, err := json.Marshal(env)
	if err != nil {
		q.log.ErrorContext(ctx, "Failed to encode job for retry",
			"error", err,
			"jobID", env.ID)

		return
	}

	if env.Attempts >= q.cfg.MaxAttempts || errors.Is(handleErr, domain.ErrInvalidJob) {
		q.finish(ackCtx, raw, q.deadKey(), string(next))
		q.metrics.JobProcessed("dead")

		q.log.ErrorContext(ctx, "Job failed permanently",
			"error", handleErr,
			"jobID", env.ID,
			"pageURL", env.Job.URL,
			"attempts", env.Attempts)

		return
	}

	backoff := q.backoff(env.Attempts)
	retryAt := q.now().Add(backoff)

	pipe := q.client.TxPipeline()
	pipe.LRem(ackCtx, q.processingKey(), 1, raw)
	pipe.ZAdd(ackCtx, q.delayedKey(), redis.Z{Score: float64(retryAt.UnixMilli()), Member: string(next)})
	if _, err = pipe.Exec(ackCtx); err != nil {
		q.log.ErrorContext(ctx, "Failed to schedule job retry",
			"error", err,
			"jobID", env.ID)

		return
	}

	q.metrics.JobProcessed("retry")

	q.log.WarnContext(ctx, "Job failed, retry is scheduled",
		"error", handleErr,
		"jobID", env.ID,
		"pageURL", env.Job.URL,
		"attempts", env.Attempts,
		"backoffSeconds", backoff.Seconds())
}

func (q *Queue) safeHandle(ctx context.Context, handler Handler, job domain.ScanJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	return handler(ctx, job)
}

// finish removes raw from processing and optionally pushes value to dest.
func (q *Queue) finish(ctx context.Context, raw string, dest string, value string) {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.processingKey(), 1, raw)
	if dest != "" {
		pipe.LPush(ctx, dest, value)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		q.log.ErrorContext(ctx, "Failed to acknowledge job",
			"error", err,
			"queue", q.cfg.Name)
	}
}

// promoteDue moves delayed jobs whose retry time has passed back to pending.
// Removal and push run in one script, so each job is promoted exactly once
// and never lost between the two steps.
func (q *Queue) promoteDue(ctx context.Context) error {
	members, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(q.now().UnixMilli(), 10),
	}).Result()
	if err != nil {
		return fmt.Errorf("range delayed jobs: %w", err)
	}

	keys := []string{q.delayedKey(), q.pendingKey()}
	for _, member := range members {
		if err = promoteScript.Run(ctx, q.client, keys, member).Err(); err != nil {
			return fmt.Errorf("promote delayed job: %w", err)
		}
	}

	return nil
}

func (q *Queue) backoff(attempts int) time.Duration {
	d := q.cfg.BaseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}

	return d
}

// Stats reports list lengths for operators.
type Stats struct {
	Pending    int64
	Processing int64
	Delayed    int64
	Dead       int64
}

func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.client.Pipeline()
	pending := pipe.LLen(ctx, q.pendingKey())
	processing := pipe.LLen(ctx, q.processingKey())
	delayed := pipe.ZCard(ctx, q.delayedKey())
	dead := pipe.LLen(ctx, q.deadKey())

	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("read queue stats: %w", err)
	}

	return Stats{
		Pending:    pending.Val(),
		Processing: processing.Val(),
		Delayed:    delayed.Val(),
		Dead:       dead.Val(),
	}, nil
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
