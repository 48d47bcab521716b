package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"boardwatch/internal/domain"
	"boardwatch/internal/notify"
	"boardwatch/internal/resolver"
)

type PageStore interface {
	GetWatchedPage(ctx context.Context, pageURL string) (domain.WatchedPage, error)
}

type Scanner interface {
	Scan(ctx context.Context, page domain.WatchedPage) ([]domain.Posting, error)
}

type Resolver interface {
	Resolve(ctx context.Context, postings []domain.Posting, refs []domain.InterestRef) []resolver.Task
}

type Dispatcher interface {
	Dispatch(ctx context.Context, page domain.WatchedPage, tasks []resolver.Task) notify.Report
}

type Worker struct {
	pages      PageStore
	scanner    Scanner
	resolver   Resolver
	dispatcher Dispatcher
	log        *slog.Logger
}

func New(
	pages PageStore,
	scanner Scanner,
	r Resolver,
	d Dispatcher,
	log *slog.Logger,
) *Worker {
	return &Worker{
		pages:      pages,
		scanner:    scanner,
		resolver:   r,
		dispatcher: d,
		log:        log,
	}
}

// Handle is the queue handler. Only scan and lookup failures are returned;
// delivery problems are isolated inside the dispatcher.
func (w *Worker) Handle(ctx context.Context, job domain.ScanJob) error {
	if err := job.Validate(); err != nil {
		return err
	}

	start := time.Now()

	page, err := w.pages.GetWatchedPage(ctx, job.URL)
	if err != nil {
		return fmt.Errorf("get watched page: %w", err)
	}

	postings, err := w.scanner.Scan(ctx, page)
	if err != nil {
		return fmt.Errorf("scan page: %w", err)
	}

	if len(postings) == 0 {
		return nil
	}

	tasks := w.resolver.Resolve(ctx, postings, job.Interests)
	if len(tasks) == 0 {
		w.log.InfoContext(ctx, "No interest matched new postings",
			"pageURL", job.URL,
			"newPostings", len(postings))

		return nil
	}

	report := w.dispatcher.Dispatch(ctx, page, tasks)

	// The mark already moved past these postings, so a retry cannot
	// recover them; failing the job keeps the loss visible.
	if report.Undelivered > 0 {
		w.log.WarnContext(ctx, "Dispatch is interrupted, tasks are not delivered",
			"pageURL", job.URL,
			"tasks", len(tasks),
			"undelivered", report.Undelivered,
			"sent", report.Sent)

		return fmt.Errorf("dispatch interrupted with %d undelivered tasks: %w", report.Undelivered, context.Cause(ctx))
	}

	w.log.InfoContext(ctx, "Notifications are dispatched",
		"pageURL", job.URL,
		"newPostings", len(postings),
		"tasks", len(tasks),
		"sent", report.Sent,
		"failed", report.Failed,
		"skipped", report.Skipped,
		"durationSeconds", time.Since(start).Seconds())

	return nil
}
