package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"boardwatch/internal/domain"

	"github.com/google/uuid"
)

// CreateDeliveryRecord appends a delivery record. ID and SentAt are filled
// when empty.
func (d *Database) CreateDeliveryRecord(ctx context.Context, rec *domain.DeliveryRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	if rec.SentAt.IsZero() {
		rec.SentAt = time.Now()
	}

	query := `insert into delivery_records
	(id, interest_id, posting_number, posting_source, posting_page_url, body, channel, sent_at)
	values (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := d.db.ExecContext(ctx, query,
		rec.ID, rec.InterestID, rec.Posting.Number, rec.Posting.Source, rec.Posting.PageURL,
		rec.Body, string(rec.Channel), formatTime(rec.SentAt))
	if err != nil {
		return fmt.Errorf("insert delivery record: %w", err)
	}

	return nil
}

func (d *Database) ListDeliveryRecords(ctx context.Context, interestID int64) ([]domain.DeliveryRecord, error) {
	query := `select id, posting_number, posting_source, posting_page_url, body, channel, sent_at
	from delivery_records
	where interest_id = ?
	order by sent_at, id`

	rows, err := d.db.QueryContext(ctx, query, interestID)
	if err != nil {
		return nil, fmt.Errorf("execute query: %w", err)
	}
	defer d.closeRows(ctx, rows, "ListDeliveryRecords")

	var records []domain.DeliveryRecord
	for rows.Next() {
		var (
			rec     domain.DeliveryRecord
			channel string
			sentAt  string
		)
		if err = rows.Scan(&rec.ID, &rec.Posting.Number, &rec.Posting.Source, &rec.Posting.PageURL,
			&rec.Body, &channel, &sentAt); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		rec.InterestID = interestID
		rec.Channel = domain.Channel(channel)
		rec.SentAt = parseTime(sentAt)

		records = append(records, rec)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return records, nil
}

func (d *Database) CountDeliveryRecords(ctx context.Context) (int, error) {
	var count int

	if err := d.db.QueryRowContext(ctx, "select count(*) from delivery_records").Scan(&count); err != nil {
		return 0, fmt.Errorf("count delivery records: %w", err)
	}

	return count, nil
}

// GetCredential returns nil when the user has no credential for provider.
func (d *Database) GetCredential(
	ctx context.Context,
	userID int64,
	provider domain.Channel,
) (*domain.Credential, error) {
	var (
		cred   = domain.Credential{UserID: userID, Provider: provider}
		expiry string
	)

	err := d.db.QueryRowContext(ctx,
		"select access_token, refresh_token, expiry from credentials where user_id = ? and provider = ?",
		userID, string(provider),
	).Scan(&cred.AccessToken, &cred.RefreshToken, &expiry)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select credential: %w", err)
	}

	cred.Expiry = parseTime(expiry)

	return &cred, nil
}

func (d *Database) SaveCredential(ctx context.Context, cred domain.Credential) error {
	query := `insert into credentials (user_id, provider, access_token, refresh_token, expiry)
	values (?, ?, ?, ?, ?)
	on conflict (user_id, provider) do update
	set access_token = excluded.access_token,
	refresh_token = excluded.refresh_token,
	expiry = excluded.expiry`

	_, err := d.db.ExecContext(ctx, query,
		cred.UserID, string(cred.Provider), cred.AccessToken, cred.RefreshToken, formatTime(cred.Expiry))
	if err != nil {
		return fmt.Errorf("upsert credential: %w", err)
	}

	return nil
}
