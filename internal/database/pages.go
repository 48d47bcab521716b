package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"boardwatch/internal/domain"
)

func (d *Database) UpsertPage(ctx context.Context, page domain.WatchedPage) error {
	pageURL := strings.TrimSpace(page.URL)
	if pageURL == "" {
		return errors.New("page URL is empty")
	}

	kind := page.Kind
	if kind == "" {
		kind = domain.PageKindHTML
	}

	selectors, err := json.Marshal(page.Selectors)
	if err != nil {
		return fmt.Errorf("marshal selectors: %w", err)
	}

	query := `insert into pages (url, kind, selectors)
	values (?, ?, ?)
	on conflict (url) do update
	set kind = excluded.kind, selectors = excluded.selectors`

	_, err = d.db.ExecContext(ctx, query, pageURL, string(kind), string(selectors))

	return err
}

// UpsertDomain stores the Domain and links it to its pages. Pages that are
// not known yet are created with default settings.
func (d *Database) UpsertDomain(ctx context.Context, dom domain.Domain) error {
	if strings.TrimSpace(dom.ID) == "" {
		return errors.New("domain ID is empty")
	}

	keywords, err := json.Marshal(nonNil(dom.Keywords))
	if err != nil {
		return fmt.Errorf("marshal keywords: %w", err)
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err = tx.ExecContext(ctx, `insert into domains (id, name, keywords)
	values (?, ?, ?)
	on conflict (id) do update
	set name = excluded.name, keywords = excluded.keywords`,
		dom.ID, dom.Name, string(keywords)); err != nil {
		return fmt.Errorf("upsert domain: %w", err)
	}

	if _, err = tx.ExecContext(ctx, "delete from domain_pages where domain_id = ?", dom.ID); err != nil {
		return fmt.Errorf("clear domain pages: %w", err)
	}

	for _, pageURL := range dom.URLs {
		pageURL = strings.TrimSpace(pageURL)
		if pageURL == "" {
			continue
		}

		if _, err = tx.ExecContext(ctx, "insert or ignore into pages (url) values (?)", pageURL); err != nil {
			return fmt.Errorf("insert page: %w", err)
		}

		if _, err = tx.ExecContext(ctx,
			"insert or ignore into domain_pages (domain_id, page_url) values (?, ?)",
			dom.ID, pageURL); err != nil {
			return fmt.Errorf("link domain page: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

func (d *Database) ListWatchedPages(ctx context.Context) ([]domain.WatchedPage, error) {
	rows, err := d.db.QueryContext(ctx, "select url, kind, selectors from pages order by url")
	if err != nil {
		return nil, fmt.Errorf("execute query: %w", err)
	}
	defer d.closeRows(ctx, rows, "ListWatchedPages")

	var pages []domain.WatchedPage
	for rows.Next() {
		page, scanErr := scanPage(rows)
		if scanErr != nil {
			return nil, scanErr
		}

		pages = append(pages, page)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return pages, nil
}

// GetWatchedPage returns the stored page or a default HTML page when the URL
// is not registered.
func (d *Database) GetWatchedPage(ctx context.Context, pageURL string) (domain.WatchedPage, error) {
	row := d.db.QueryRowContext(ctx, "select url, kind, selectors from pages where url = ?", pageURL)

	page, err := scanPage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.WatchedPage{URL: pageURL, Kind: domain.PageKindHTML}, nil
	}

	return page, err
}

// ListLiveDomains returns Domains that have at least one active interest,
// together with their page URLs.
func (d *Database) ListLiveDomains(ctx context.Context) ([]domain.Domain, error) {
	query := `select d.id, d.name, d.keywords, dp.page_url
	from domains as d
	join domain_pages as dp on dp.domain_id = d.id
	where exists (
		select 1 from interests as i
		where i.domain_id = d.id and i.active = 1
	)
	order by d.id, dp.page_url`

	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("execute query: %w", err)
	}
	defer d.closeRows(ctx, rows, "ListLiveDomains")

	var domains []domain.Domain
	index := make(map[string]int)

	for rows.Next() {
		var id, name, keywordsRaw, pageURL string
		if err = rows.Scan(&id, &name, &keywordsRaw, &pageURL); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		i, ok := index[id]
		if !ok {
			var keywords []string
			if err = json.Unmarshal([]byte(keywordsRaw), &keywords); err != nil {
				return nil, fmt.Errorf("unmarshal keywords of domain %s: %w", id, err)
			}

			domains = append(domains, domain.Domain{ID: id, Name: name, Keywords: keywords})
			i = len(domains) - 1
			index[id] = i
		}

		domains[i].URLs = append(domains[i].URLs, pageURL)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return domains, nil
}

// RecordScanHealth tracks consecutive scans that saw no rows at all and
// returns the updated streak.
func (d *Database) RecordScanHealth(ctx context.Context, pageURL string, rowsSeen int, now time.Time) (int, error) {
	query := `insert into page_health (page_url, consecutive_empty, last_scan_at)
	values (?, ?, ?)
	on conflict (page_url) do update
	set consecutive_empty = case when excluded.consecutive_empty = 0 then 0
		else page_health.consecutive_empty + 1 end,
	last_scan_at = excluded.last_scan_at
	returning consecutive_empty`

	empty := 0
	if rowsSeen == 0 {
		empty = 1
	}

	var streak int
	if err := d.db.QueryRowContext(ctx, query, pageURL, empty, formatTime(now)).Scan(&streak); err != nil {
		return 0, fmt.Errorf("upsert page health: %w", err)
	}

	return streak, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPage(row rowScanner) (domain.WatchedPage, error) {
	var (
		page         domain.WatchedPage
		kind         string
		selectorsRaw string
	)

	if err := row.Scan(&page.URL, &kind, &selectorsRaw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.WatchedPage{}, err
		}

		return domain.WatchedPage{}, fmt.Errorf("scan row: %w", err)
	}

	page.Kind = domain.PageKind(kind)

	if selectorsRaw != "" {
		if err := json.Unmarshal([]byte(selectorsRaw), &page.Selectors); err != nil {
			return domain.WatchedPage{}, fmt.Errorf("unmarshal selectors of %s: %w", page.URL, err)
		}
	}

	return page, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}

	return s
}
