package registry

import (
	"context"
	"fmt"
	"strings"

	"boardwatch/internal/domain"
)

type Store interface {
	ListWatchedPages(ctx context.Context) ([]domain.WatchedPage, error)
	ListLiveDomains(ctx context.Context) ([]domain.Domain, error)
}

// Entry is one watched page with its merged interest list. Interests may be
// empty when no live Domain references the page.
type Entry struct {
	Page      domain.WatchedPage
	Interests []domain.InterestRef
}

type Registry struct {
	Entries []Entry
}

func Load(ctx context.Context, store Store) (*Registry, error) {
	pages, err := store.ListWatchedPages(ctx)
	if err != nil {
		return nil, fmt.Errorf("list watched pages: %w", err)
	}

	domains, err := store.ListLiveDomains(ctx)
	if err != nil {
		return nil, fmt.Errorf("list live domains: %w", err)
	}

	return Build(pages, domains), nil
}

// Build groups Domain keywords by page URL. A URL shared by several Domains
// gets one merged list; identical (keyword, Domain) pairs appear once.
// Entry order follows pages; interest order follows domains.
func Build(pages []domain.WatchedPage, domains []domain.Domain) *Registry {
	byURL := make(map[string][]domain.InterestRef)
	seen := make(map[string]map[domain.InterestRef]struct{})

	for _, dom := range domains {
		for _, pageURL := range dom.URLs {
			pageURL = strings.TrimSpace(pageURL)
			if pageURL == "" {
				continue
			}

			if seen[pageURL] == nil {
				seen[pageURL] = make(map[domain.InterestRef]struct{})
			}

			for _, keyword := range dom.Keywords {
				if keyword == "" {
					continue
				}

				ref := domain.InterestRef{Keyword: keyword, DomainID: dom.ID}
				if _, ok := seen[pageURL][ref]; ok {
					continue
				}

				seen[pageURL][ref] = struct{}{}
				byURL[pageURL] = append(byURL[pageURL], ref)
			}
		}
	}

	reg := &Registry{Entries: make([]Entry, 0, len(pages))}
	known := make(map[string]struct{}, len(pages))

	for _, page := range pages {
		pageURL := strings.TrimSpace(page.URL)
		if _, ok := known[pageURL]; ok {
			continue
		}
		known[pageURL] = struct{}{}

		reg.Entries = append(reg.Entries, Entry{Page: page, Interests: byURL[pageURL]})
	}

	return reg
}

func (r *Registry) Lookup(pageURL string) (Entry, bool) {
	for _, e := range r.Entries {
		if e.Page.URL == pageURL {
			return e, true
		}
	}

	return Entry{}, false
}
