package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"boardwatch/internal/domain"
	"boardwatch/internal/registry"

	"github.com/robfig/cron/v3"
)

const fireTimeout = 5 * time.Minute

type Enqueuer interface {
	Enqueue(ctx context.Context, job domain.ScanJob) (string, error)
}

type Config struct {
	Hours    []int
	Location *time.Location
}

// FireReport counts what one fire did with the watched pages.
type FireReport struct {
	Enqueued int
	Skipped  int
	Failed   int
}

type Scheduler struct {
	ctx   context.Context
	cron  *cron.Cron
	spec  string
	store registry.Store
	queue Enqueuer
	log   *slog.Logger
}

func New(
	ctx context.Context,
	store registry.Store,
	queue Enqueuer,
	cfg Config,
	log *slog.Logger,
) (*Scheduler, error) {
	spec, err := CronSpec(cfg.Hours)
	if err != nil {
		return nil, err
	}

	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}

	return &Scheduler{
		ctx:   ctx,
		cron:  cron.New(cron.WithLocation(loc)),
		spec:  spec,
		store: store,
		queue: queue,
		log:   log,
	}, nil
}

// CronSpec builds a spec firing at minute 0 of every listed hour.
func CronSpec(hours []int) (string, error) {
	if len(hours) == 0 {
		return "", errors.New("no schedule hours")
	}

	sorted := slices.Clone(hours)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	parts := make([]string, 0, len(sorted))
	for _, h := range sorted {
		if h < 0 || h > 23 {
			return "", fmt.Errorf("invalid schedule hour %d", h)
		}
		parts = append(parts, strconv.Itoa(h))
	}

	return "0 " + strings.Join(parts, ",") + " * * *", nil
}

func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.spec, s.onSchedule); err != nil {
		return fmt.Errorf("add cron func: %w", err)
	}

	s.cron.Start()

	s.log.InfoContext(s.ctx, "Scheduler is started",
		"spec", s.spec,
		"location", s.cron.Location().String())

	return nil
}

// Stop stops the cron and waits for a running fire to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) onSchedule() {
	ctx, cancel := context.WithTimeout(s.ctx, fireTimeout)
	defer cancel()

	if ctx.Err() != nil {
		s.log.InfoContext(ctx, "Scheduler context is done",
			"error", ctx.Err())
		return
	}

	if _, err := s.Fire(ctx); err != nil {
		s.log.ErrorContext(ctx, "Failed to run scheduled scan",
			"error", err)
	}
}

// Fire loads the registry and enqueues one job per page with interests.
// An enqueue failure is logged and the page waits for the next fire.
func (s *Scheduler) Fire(ctx context.Context) (FireReport, error) {
	reg, err := registry.Load(ctx, s.store)
	if err != nil {
		return FireReport{}, fmt.Errorf("load registry: %w", err)
	}

	var report FireReport

	for _, entry := range reg.Entries {
		if len(entry.Interests) == 0 {
			s.log.DebugContext(ctx, "Skipping page without live interests",
				"pageURL", entry.Page.URL)

			report.Skipped++

			continue
		}

		jobID, enqueueErr := s.queue.Enqueue(ctx, domain.NewScanJob(entry.Page.URL, entry.Interests))
		if enqueueErr != nil {
			s.log.ErrorContext(ctx, "Failed to enqueue scan job",
				"error", enqueueErr,
				"pageURL", entry.Page.URL,
				"interests", len(entry.Interests))

			report.Failed++

			continue
		}

		s.log.DebugContext(ctx, "Scan job is enqueued",
			"jobID", jobID,
			"pageURL", entry.Page.URL,
			"interests", len(entry.Interests))

		report.Enqueued++
	}

	s.log.InfoContext(ctx, "Scheduled scan is fired",
		"pages", len(reg.Entries),
		"enqueued", report.Enqueued,
		"skipped", report.Skipped,
		"failed", report.Failed)

	return report, nil
}
