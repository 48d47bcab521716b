package ingest_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"boardwatch/internal/database"
	"boardwatch/internal/domain"
	"boardwatch/internal/fetcher"
	"boardwatch/internal/ingest"
	"boardwatch/internal/metrics"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

const pageURL = "https://ce.pknu.ac.kr/ce/1"

type stubFetcher struct {
	mu    sync.Mutex
	rows  []fetcher.RawPosting
	err   error
	marks []*int64
}

func (s *stubFetcher) FetchPostings(
	_ context.Context,
	_ domain.WatchedPage,
	afterID *int64,
) (fetcher.FetchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.marks = append(s.marks, afterID)

	if s.err != nil {
		return fetcher.FetchResult{}, s.err
	}

	res := fetcher.FetchResult{RowsSeen: len(s.rows)}
	for _, row := range s.rows {
		n, err := domain.ParsePostingNumber(row.ID)
		if err == nil && afterID != nil && n <= *afterID {
			continue
		}
		res.Postings = append(res.Postings, row)
	}

	return res, nil
}

func boardRows(from, to int) []fetcher.RawPosting {
	var rows []fetcher.RawPosting
	for n := to; n >= from; n-- {
		id := strconv.Itoa(n)
		rows = append(rows, fetcher.RawPosting{
			ID:    id,
			Title: "공지 " + id,
			Link:  pageURL + "/view/" + id,
		})
	}

	return rows
}

func newTestDB(t *testing.T) *database.Database {
	t.Helper()

	db, err := database.New(context.Background(), filepath.Join(t.TempDir(), "db.sqlite"), discardLogger())
	if err != nil {
		t.Fatalf("new database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	return db
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func numbers(postings []domain.Posting) []int64 {
	out := make([]int64, 0, len(postings))
	for _, p := range postings {
		out = append(out, p.Number)
	}

	return out
}

func TestScanReturnsPostingsAboveMarkThenNothing(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	if _, err := db.AdvanceHighWaterMark(ctx, pageURL, "ce", nil, 100); err != nil {
		t.Fatalf("seed mark: %v", err)
	}

	f := &stubFetcher{rows: boardRows(96, 105)}
	w := ingest.New(db, f, nil, 0, discardLogger())
	page := domain.WatchedPage{URL: pageURL}

	fresh, err := w.Scan(ctx, page)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}

	if diff := cmp.Diff([]int64{105, 104, 103, 102, 101}, numbers(fresh)); diff != "" {
		t.Fatalf("new postings mismatch (-want +got):\n%s", diff)
	}
	if fresh[0].Source != "ce" || fresh[0].PageURL != pageURL || fresh[0].Title != "공지 105" {
		t.Fatalf("unexpected posting: %+v", fresh[0])
	}

	mark, err := db.GetHighWaterMark(ctx, pageURL, "ce")
	if err != nil || mark == nil || *mark != 105 {
		t.Fatalf("expected mark 105, got %v (err %v)", mark, err)
	}

	count, err := db.CountPostings(ctx, pageURL)
	if err != nil || count != 5 {
		t.Fatalf("expected 5 stored postings, got %d (err %v)", count, err)
	}

	fresh, err = w.Scan(ctx, page)
	if err != nil {
		t.Fatalf("rescan: %v", err)
	}
	if len(fresh) != 0 {
		t.Fatalf("expected no new postings on rescan, got %v", numbers(fresh))
	}

	if got := f.marks[1]; got == nil || *got != 105 {
		t.Fatalf("second fetch must use mark 105, got %v", got)
	}
}

func TestScanFirstScanTreatsEverythingAsNew(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	f := &stubFetcher{rows: boardRows(1, 3)}
	w := ingest.New(db, f, nil, 0, discardLogger())

	fresh, err := w.Scan(ctx, domain.WatchedPage{URL: pageURL})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}

	if len(fresh) != 3 {
		t.Fatalf("expected 3 new postings, got %d", len(fresh))
	}
	if f.marks[0] != nil {
		t.Fatalf("first fetch must not carry a mark, got %d", *f.marks[0])
	}
}

func TestScanDropsPostingsWithoutDigits(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	rows := append([]fetcher.RawPosting{{ID: "공지", Title: "고정 공지"}}, boardRows(7, 8)...)
	w := ingest.New(db, &stubFetcher{rows: rows}, nil, 0, discardLogger())

	fresh, err := w.Scan(ctx, domain.WatchedPage{URL: pageURL})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}

	if diff := cmp.Diff([]int64{8, 7}, numbers(fresh)); diff != "" {
		t.Fatalf("new postings mismatch (-want +got):\n%s", diff)
	}
}

func TestScanEmptyPageKeepsMark(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	w := ingest.New(db, &stubFetcher{}, nil, 0, discardLogger())

	fresh, err := w.Scan(ctx, domain.WatchedPage{URL: pageURL})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(fresh) != 0 {
		t.Fatalf("expected nothing new, got %d", len(fresh))
	}

	mark, err := db.GetHighWaterMark(ctx, pageURL, "ce")
	if err != nil {
		t.Fatalf("get mark: %v", err)
	}
	if mark != nil {
		t.Fatalf("mark must stay absent when nothing was observed, got %d", *mark)
	}
}

func TestScanFetchErrorFailsJob(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	boom := errors.New("board is down")
	w := ingest.New(db, &stubFetcher{err: boom}, nil, 0, discardLogger())

	if _, err := w.Scan(ctx, domain.WatchedPage{URL: pageURL}); !errors.Is(err, boom) {
		t.Fatalf("expected fetch error, got %v", err)
	}
}

func TestScanConcurrentDuplicateScansAreSafe(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	f := &stubFetcher{rows: boardRows(1, 20)}
	w := ingest.New(db, f, nil, 0, discardLogger())

	var wg sync.WaitGroup
	for range 4 {
		wg.Go(func() {
			if _, err := w.Scan(ctx, domain.WatchedPage{URL: pageURL}); err != nil {
				t.Errorf("scan: %v", err)
			}
		})
	}
	wg.Wait()

	count, err := db.CountPostings(ctx, pageURL)
	if err != nil || count != 20 {
		t.Fatalf("expected 20 unique postings, got %d (err %v)", count, err)
	}

	mark, err := db.GetHighWaterMark(ctx, pageURL, "ce")
	if err != nil || mark == nil || *mark != 20 {
		t.Fatalf("expected mark 20, got %v (err %v)", mark, err)
	}
}

// barrierStore holds every caller after reading the mark until all of them
// have read it, so concurrent scans start from the same value.
type barrierStore struct {
	*database.Database
	arrived sync.WaitGroup
}

func (s *barrierStore) GetHighWaterMark(ctx context.Context, pageURL string, source string) (*int64, error) {
	mark, err := s.Database.GetHighWaterMark(ctx, pageURL, source)

	s.arrived.Done()
	s.arrived.Wait()

	return mark, err
}

func TestScanConcurrentScansReturnPostingsOnce(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	if _, err := db.AdvanceHighWaterMark(ctx, pageURL, "ce", nil, 100); err != nil {
		t.Fatalf("seed mark: %v", err)
	}

	const scans = 2

	store := &barrierStore{Database: db}
	store.arrived.Add(scans)

	w := ingest.New(store, &stubFetcher{rows: boardRows(96, 105)}, nil, 0, discardLogger())

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		fresh []int64
	)
	for range scans {
		wg.Go(func() {
			got, err := w.Scan(ctx, domain.WatchedPage{URL: pageURL})
			if err != nil {
				t.Errorf("scan: %v", err)
				return
			}

			mu.Lock()
			fresh = append(fresh, numbers(got)...)
			mu.Unlock()
		})
	}
	wg.Wait()

	if diff := cmp.Diff([]int64{105, 104, 103, 102, 101}, fresh); diff != "" {
		t.Fatalf("postings returned across concurrent scans mismatch (-want +got):\n%s", diff)
	}

	count, err := db.CountPostings(ctx, pageURL)
	if err != nil || count != 5 {
		t.Fatalf("expected 5 stored postings, got %d (err %v)", count, err)
	}
}

func TestScanAlertsOnEmptyStreak(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	m := metrics.New(prometheus.NewRegistry())

	w := ingest.New(db, &stubFetcher{}, m, 2, discardLogger())
	page := domain.WatchedPage{URL: pageURL}

	for range 3 {
		if _, err := w.Scan(ctx, page); err != nil {
			t.Fatalf("scan: %v", err)
		}
	}

	if got := testutil.ToFloat64(m.EmptyScanAlerts.WithLabelValues("ce")); got != 2 {
		t.Fatalf("expected alerts on scans 2 and 3, got %v", got)
	}
}
