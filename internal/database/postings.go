package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"boardwatch/internal/domain"
)

// GetHighWaterMark returns nil when the page has never been scanned.
func (d *Database) GetHighWaterMark(ctx context.Context, pageURL string, source string) (*int64, error) {
	var mark int64

	err := d.db.QueryRowContext(ctx,
		"select mark from high_water_marks where page_url = ? and source = ?",
		pageURL, source,
	).Scan(&mark)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select high-water mark: %w", err)
	}

	return &mark, nil
}

// AdvanceHighWaterMark is a compare-and-set: the mark moves to mark only if
// the stored value still equals prev (absent when prev is nil) and mark is
// greater. Of several scans that read the same prev, exactly one advances.
func (d *Database) AdvanceHighWaterMark(
	ctx context.Context,
	pageURL string,
	source string,
	prev *int64,
	mark int64,
) (bool, error) {
	var (
		res sql.Result
		err error
		now = formatTime(time.Now())
	)

	if prev == nil {
		res, err = d.db.ExecContext(ctx, `insert into high_water_marks (page_url, source, mark, updated_at)
		values (?, ?, ?, ?)
		on conflict (page_url, source) do nothing`,
			pageURL, source, mark, now)
	} else {
		res, err = d.db.ExecContext(ctx, `update high_water_marks
		set mark = ?, updated_at = ?
		where page_url = ? and source = ? and mark = ? and mark < ?`,
			mark, now, pageURL, source, *prev, mark)
	}
	if err != nil {
		return false, fmt.Errorf("advance high-water mark: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}

	return affected > 0, nil
}

// InsertPosting stores the posting unless (number, source, page URL) already
// exists. A duplicate is not an error; inserted is false in that case.
func (d *Database) InsertPosting(ctx context.Context, p domain.Posting) (bool, error) {
	query := `insert or ignore into postings
	(number, source, page_url, title, link, posted_at, discovered_at)
	values (?, ?, ?, ?, ?, ?, ?)`

	discoveredAt := p.DiscoveredAt
	if discoveredAt.IsZero() {
		discoveredAt = time.Now()
	}

	res, err := d.db.ExecContext(ctx, query,
		p.Number, p.Source, p.PageURL, p.Title, p.Link, p.PostedAt, formatTime(discoveredAt))
	if err != nil {
		return false, fmt.Errorf("insert posting: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}

	return affected > 0, nil
}

func (d *Database) CountPostings(ctx context.Context, pageURL string) (int, error) {
	var count int

	if err := d.db.QueryRowContext(ctx,
		"select count(*) from postings where page_url = ?", pageURL,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("count postings: %w", err)
	}

	return count, nil
}
