// Package resolver matches posting titles by literal, case-sensitive
// substring: the job's (keyword, domain) pairs pick the candidate domains,
// then each live interest of those domains is tested with its own keywords.
package resolver

import (
	"context"
	"log/slog"
	"strings"

	"boardwatch/internal/domain"
)

type InterestStore interface {
	ListActiveInterests(ctx context.Context, domainID string) ([]domain.Interest, error)
}

// Task is one posting to deliver for one interest over its channels.
type Task struct {
	Posting  domain.Posting
	Interest domain.Interest
	Channels []domain.Channel
}

type Resolver struct {
	store InterestStore
	log   *slog.Logger
}

func New(store InterestStore, log *slog.Logger) *Resolver {
	return &Resolver{store: store, log: log}
}

// Resolve returns fanout tasks for postings in posting order. Interest
// lookups are cached for the duration of the call; a failed lookup skips that
// domain and is retried for the next posting.
func (r *Resolver) Resolve(
	ctx context.Context,
	postings []domain.Posting,
	refs []domain.InterestRef,
) []Task {
	cache := make(map[string][]domain.Interest)

	var tasks []Task

	for _, posting := range postings {
		domainIDs := matchDomains(posting.Title, refs)
		if len(domainIDs) == 0 {
			continue
		}

		emitted := make(map[int64]struct{})

		for _, domainID := range domainIDs {
			interests, err := r.interests(ctx, cache, domainID)
			if err != nil {
				r.log.ErrorContext(ctx, "Failed to list domain interests",
					"error", err,
					"domainID", domainID,
					"postingNumber", posting.Number,
					"pageURL", posting.PageURL)

				continue
			}

			for _, interest := range interests {
				if _, ok := emitted[interest.ID]; ok {
					continue
				}
				if !containsAny(posting.Title, interest.Keywords) {
					continue
				}

				emitted[interest.ID] = struct{}{}
				tasks = append(tasks, Task{
					Posting:  posting,
					Interest: interest,
					Channels: interest.Channels,
				})
			}
		}
	}

	return tasks
}

func (r *Resolver) interests(
	ctx context.Context,
	cache map[string][]domain.Interest,
	domainID string,
) ([]domain.Interest, error) {
	if interests, ok := cache[domainID]; ok {
		return interests, nil
	}

	interests, err := r.store.ListActiveInterests(ctx, domainID)
	if err != nil {
		return nil, err
	}

	cache[domainID] = interests

	return interests, nil
}

// matchDomains returns each domain with a keyword found in title once, in
// the order of its first matching pair.
func matchDomains(title string, refs []domain.InterestRef) []string {
	var (
		ids  []string
		seen = make(map[string]struct{})
	)

	for _, ref := range refs {
		if _, ok := seen[ref.DomainID]; ok {
			continue
		}
		if ref.Keyword == "" || !strings.Contains(title, ref.Keyword) {
			continue
		}

		seen[ref.DomainID] = struct{}{}
		ids = append(ids, ref.DomainID)
	}

	return ids
}

func containsAny(title string, keywords []string) bool {
	for _, kw := range keywords {
		if kw != "" && strings.Contains(title, kw) {
			return true
		}
	}

	return false
}
