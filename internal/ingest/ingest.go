package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"boardwatch/internal/domain"
	"boardwatch/internal/fetcher"
	"boardwatch/internal/metrics"
)

type Store interface {
	GetHighWaterMark(ctx context.Context, pageURL string, source string) (*int64, error)
	AdvanceHighWaterMark(ctx context.Context, pageURL string, source string, prev *int64, mark int64) (bool, error)
	InsertPosting(ctx context.Context, p domain.Posting) (bool, error)
	RecordScanHealth(ctx context.Context, pageURL string, rowsSeen int, now time.Time) (int, error)
}

type Fetcher interface {
	FetchPostings(ctx context.Context, page domain.WatchedPage, afterID *int64) (fetcher.FetchResult, error)
}

type Worker struct {
	store               Store
	fetcher             Fetcher
	metrics             *metrics.Metrics
	emptyAlertThreshold int
	log                 *slog.Logger
	now                 func() time.Time
}

func New(
	store Store,
	f Fetcher,
	m *metrics.Metrics,
	emptyAlertThreshold int,
	log *slog.Logger,
) *Worker {
	return &Worker{
		store:               store,
		fetcher:             f,
		metrics:             m,
		emptyAlertThreshold: emptyAlertThreshold,
		log:                 log,
		now:                 time.Now,
	}
}

// Scan fetches page, persists what it saw and returns the postings strictly
// newer than the mark stored before this scan, in board order. Running it
// again right after returns nothing. When a concurrent scan advances the mark
// first, that scan owns the postings and this one returns none.
func (w *Worker) Scan(ctx context.Context, page domain.WatchedPage) ([]domain.Posting, error) {
	source := page.SourceTag()
	if source == "" {
		return nil, fmt.Errorf("page URL %q has no source tag", page.URL)
	}

	prevMark, err := w.store.GetHighWaterMark(ctx, page.URL, source)
	if err != nil {
		return nil, fmt.Errorf("get high-water mark: %w", err)
	}

	result, err := w.fetcher.FetchPostings(ctx, page, prevMark)
	if err != nil {
		return nil, fmt.Errorf("fetch postings: %w", err)
	}

	w.recordHealth(ctx, page, source, result.RowsSeen)

	now := w.now().UTC()

	var (
		fresh      []domain.Posting
		inserted   int
		duplicates int
		maxSeen    int64
		observed   bool
	)

	for _, raw := range result.Postings {
		number, parseErr := domain.ParsePostingNumber(raw.ID)
		if parseErr != nil {
			w.log.WarnContext(ctx, "Dropping posting without numeric ID",
				"error", parseErr,
				"pageURL", page.URL,
				"rawID", raw.ID,
				"title", raw.Title)

			continue
		}

		posting := domain.Posting{
			Number:       number,
			Source:       source,
			PageURL:      page.URL,
			Title:        raw.Title,
			Link:         raw.Link,
			PostedAt:     raw.PostedAt,
			DiscoveredAt: now,
		}

		ok, insertErr := w.store.InsertPosting(ctx, posting)
		if insertErr != nil {
			return nil, fmt.Errorf("insert posting %d: %w", number, insertErr)
		}
		if ok {
			inserted++
		} else {
			duplicates++
		}

		if !observed || number > maxSeen {
			maxSeen = number
			observed = true
		}

		if prevMark == nil || number > *prevMark {
			fresh = append(fresh, posting)
		}
	}

	if len(fresh) > 0 {
		claimed, advanceErr := w.store.AdvanceHighWaterMark(ctx, page.URL, source, prevMark, maxSeen)
		if advanceErr != nil {
			return nil, fmt.Errorf("advance high-water mark: %w", advanceErr)
		}

		// Another scan moved the mark since it was read; that scan owns
		// these postings.
		if !claimed {
			w.log.InfoContext(ctx, "High-water mark was advanced by a concurrent scan",
				"pageURL", page.URL,
				"previousMark", markValue(prevMark),
				"fetched", len(result.Postings))

			fresh = nil
		}
	}

	w.metrics.ScanCompleted(len(result.Postings), len(fresh), duplicates)

	w.log.InfoContext(ctx, "Page is scanned",
		"pageURL", page.URL,
		"source", source,
		"previousMark", markValue(prevMark),
		"rowsSeen", result.RowsSeen,
		"fetched", len(result.Postings),
		"inserted", inserted,
		"duplicates", duplicates,
		"new", len(fresh),
		"moreAvailable", result.MoreAvailable)

	return fresh, nil
}

func (w *Worker) recordHealth(ctx context.Context, page domain.WatchedPage, source string, rowsSeen int) {
	streak, err := w.store.RecordScanHealth(ctx, page.URL, rowsSeen, w.now())
	if err != nil {
		w.log.ErrorContext(ctx, "Failed to record scan health",
			"error", err,
			"pageURL", page.URL)

		return
	}

	if w.emptyAlertThreshold > 0 && streak >= w.emptyAlertThreshold {
		w.metrics.EmptyScanAlert(source)

		w.log.WarnContext(ctx, "Page returned no rows for consecutive scans, selectors may be stale",
			"pageURL", page.URL,
			"source", source,
			"consecutiveEmpty", streak)
	}
}

func markValue(mark *int64) any {
	if mark == nil {
		return nil
	}

	return *mark
}
