package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"boardwatch/internal/domain"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T, cfg Config) (*Queue, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	if cfg.Name == "" {
		cfg.Name = "test:scan"
	}
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = 50 * time.Millisecond
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	return New(client, cfg, nil, log), mr
}

func scanJob(pageURL string) domain.ScanJob {
	return domain.NewScanJob(pageURL, []domain.InterestRef{{Keyword: "장학", DomainID: "scholarship"}})
}

type recordingHandler struct {
	mu    sync.Mutex
	calls map[string]int
	fail  func(job domain.ScanJob, attempt int) error
	done  chan string
}

func newRecordingHandler(fail func(job domain.ScanJob, attempt int) error) *recordingHandler {
	return &recordingHandler{
		calls: make(map[string]int),
		fail:  fail,
		done:  make(chan string, 64),
	}
}

func (h *recordingHandler) handle(_ context.Context, job domain.ScanJob) error {
	h.mu.Lock()
	h.calls[job.URL]++
	attempt := h.calls[job.URL]
	h.mu.Unlock()

	var err error
	if h.fail != nil {
		err = h.fail(job, attempt)
	}

	h.done <- job.URL

	return err
}

func (h *recordingHandler) callCount(pageURL string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.calls[pageURL]
}

func waitCalls(t *testing.T, h *recordingHandler, n int) {
	t.Helper()

	timeout := time.After(5 * time.Second)
	for range n {
		select {
		case <-h.done:
		case <-timeout:
			t.Fatalf("timed out waiting for %d handler calls", n)
		}
	}
}

func runQueue(t *testing.T, q *Queue, h *recordingHandler) context.CancelFunc {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		if err := q.Run(ctx, h.handle); err != nil {
			t.Errorf("run: %v", err)
		}
	}()

	return func() {
		cancel()
		<-stopped
	}
}

func TestEnqueueRejectsInvalidJob(t *testing.T) {
	q, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, domain.ScanJob{Kind: "crawl", URL: "https://ce.pknu.ac.kr"})
	if !errors.Is(err, domain.ErrInvalidJob) {
		t.Fatalf("expected ErrInvalidJob, got %v", err)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Pending != 0 {
		t.Fatalf("expected nothing enqueued, got %+v", stats)
	}
}

func TestEnqueueStoresTypedPayload(t *testing.T) {
	q, mr := newTestQueue(t, Config{})

	id, err := q.Enqueue(context.Background(), scanJob("https://ce.pknu.ac.kr/ce/1"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	items, err := mr.List(q.pendingKey())
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected one pending job, got %d", len(items))
	}

	var payload struct {
		ID  string `json:"id"`
		Job struct {
			Kind      string `json:"kind"`
			URL       string `json:"url"`
			Interests []struct {
				Keyword  string `json:"keyword"`
				DomainID string `json:"domainId"`
			} `json:"interests"`
		} `json:"job"`
	}
	if err = json.Unmarshal([]byte(items[0]), &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}

	if payload.ID != id || payload.Job.Kind != "scan" || payload.Job.URL != "https://ce.pknu.ac.kr/ce/1" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if len(payload.Job.Interests) != 1 || payload.Job.Interests[0].DomainID != "scholarship" {
		t.Fatalf("unexpected interests: %+v", payload.Job.Interests)
	}
}

func TestRunProcessesEachJobOnce(t *testing.T) {
	q, _ := newTestQueue(t, Config{Workers: 3})
	ctx := context.Background()

	urls := []string{
		"https://ce.pknu.ac.kr/ce/1",
		"https://www.pknu.ac.kr/main/163",
		"https://cse.pknu.ac.kr/cse/2",
	}
	for _, u := range urls {
		if _, err := q.Enqueue(ctx, scanJob(u)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	h := newRecordingHandler(nil)
	stop := runQueue(t, q, h)
	waitCalls(t, h, len(urls))
	stop()

	for _, u := range urls {
		if got := h.callCount(u); got != 1 {
			t.Fatalf("expected one call for %s, got %d", u, got)
		}
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats != (Stats{}) {
		t.Fatalf("expected empty queue after processing, got %+v", stats)
	}
}

func TestRunRetriesFailedJob(t *testing.T) {
	q, _ := newTestQueue(t, Config{MaxAttempts: 3, BaseBackoff: 10 * time.Millisecond})
	ctx := context.Background()

	const pageURL = "https://ce.pknu.ac.kr/ce/1"
	if _, err := q.Enqueue(ctx, scanJob(pageURL)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	h := newRecordingHandler(func(_ domain.ScanJob, attempt int) error {
		if attempt == 1 {
			return errors.New("fetch failed")
		}
		return nil
	})

	stop := runQueue(t, q, h)
	waitCalls(t, h, 2)
	stop()

	if got := h.callCount(pageURL); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Dead != 0 || stats.Delayed != 0 || stats.Processing != 0 {
		t.Fatalf("unexpected stats after successful retry: %+v", stats)
	}
}

func TestRunMovesExhaustedJobToDeadLetter(t *testing.T) {
	q, _ := newTestQueue(t, Config{MaxAttempts: 2, BaseBackoff: 10 * time.Millisecond})
	ctx := context.Background()

	const pageURL = "https://ce.pknu.ac.kr/ce/1"
	if _, err := q.Enqueue(ctx, scanJob(pageURL)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	h := newRecordingHandler(func(domain.ScanJob, int) error {
		return errors.New("fetch failed")
	})

	stop := runQueue(t, q, h)
	waitCalls(t, h, 2)

	deadline := time.Now().Add(5 * time.Second)
	for {
		stats, err := q.Stats(ctx)
		if err != nil {
			t.Fatalf("stats: %v", err)
		}
		if stats.Dead == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job did not reach dead-letter list: %+v", stats)
		}
		time.Sleep(10 * time.Millisecond)
	}

	stop()

	if got := h.callCount(pageURL); got != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", got)
	}
}

func TestRecoverRequeuesProcessingJobs(t *testing.T) {
	q, mr := newTestQueue(t, Config{})
	ctx := context.Background()

	if _, err := mr.Lpush(q.processingKey(), `{"id":"x","job":{"kind":"scan"}}`); err != nil {
		t.Fatalf("seed processing list: %v", err)
	}

	n, err := q.Recover(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one recovered job, got %d", n)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Pending != 1 || stats.Processing != 0 {
		t.Fatalf("unexpected stats after recovery: %+v", stats)
	}
}

func TestRecoverLeavesOtherConsumersJobs(t *testing.T) {
	ctx := context.Background()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	busy := New(client, Config{Name: "test:scan", Consumer: "host-a"}, nil, log)
	restarted := New(client, Config{Name: "test:scan", Consumer: "host-b"}, nil, log)

	if _, err := mr.Lpush(busy.processingKey(), `{"id":"a","job":{"kind":"scan"}}`); err != nil {
		t.Fatalf("seed processing list: %v", err)
	}

	n, err := restarted.Recover(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected no recovered jobs, got %d", n)
	}

	stats, err := busy.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Pending != 0 || stats.Processing != 1 {
		t.Fatalf("in-flight job of another consumer was moved: %+v", stats)
	}
}

func TestPromoteDueMovesEachJobOnce(t *testing.T) {
	q, mr := newTestQueue(t, Config{})
	ctx := context.Background()

	past := float64(time.Now().Add(-time.Minute).UnixMilli())
	future := float64(time.Now().Add(time.Hour).UnixMilli())
	if _, err := mr.ZAdd(q.delayedKey(), past, "due"); err != nil {
		t.Fatalf("seed due job: %v", err)
	}
	if _, err := mr.ZAdd(q.delayedKey(), future, "later"); err != nil {
		t.Fatalf("seed later job: %v", err)
	}

	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			if err := q.promoteDue(ctx); err != nil {
				t.Errorf("promote: %v", err)
			}
		})
	}
	wg.Wait()

	pending, err := mr.List(q.pendingKey())
	if err != nil {
		t.Fatalf("read pending: %v", err)
	}
	if len(pending) != 1 || pending[0] != "due" {
		t.Fatalf("expected the due job promoted once, got %v", pending)
	}

	delayed, err := mr.ZMembers(q.delayedKey())
	if err != nil {
		t.Fatalf("read delayed: %v", err)
	}
	if len(delayed) != 1 || delayed[0] != "later" {
		t.Fatalf("expected only the later job delayed, got %v", delayed)
	}
}

func TestBackoffIsCapped(t *testing.T) {
	q, _ := newTestQueue(t, Config{BaseBackoff: time.Minute})

	if got := q.backoff(1); got != time.Minute {
		t.Fatalf("first backoff = %s, want 1m", got)
	}
	if got := q.backoff(3); got != 4*time.Minute {
		t.Fatalf("third backoff = %s, want 4m", got)
	}
	if got := q.backoff(20); got != maxBackoff {
		t.Fatalf("backoff is not capped: %s", got)
	}
}
