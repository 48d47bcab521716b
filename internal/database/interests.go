package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"boardwatch/internal/domain"
)

func (d *Database) UpsertUser(ctx context.Context, user domain.User) error {
	query := `insert into users (id, telegram_chat_id, push_token)
	values (?, ?, ?)
	on conflict (id) do update
	set telegram_chat_id = excluded.telegram_chat_id, push_token = excluded.push_token`

	_, err := d.db.ExecContext(ctx, query, user.ID, nullInt64(user.TelegramChatID), nullString(user.PushToken))

	return err
}

// GetUser returns nil when the user is unknown.
func (d *Database) GetUser(ctx context.Context, userID int64) (*domain.User, error) {
	var (
		chatID    sql.NullInt64
		pushToken sql.NullString
	)

	err := d.db.QueryRowContext(ctx,
		"select telegram_chat_id, push_token from users where id = ?", userID,
	).Scan(&chatID, &pushToken)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select user: %w", err)
	}

	return &domain.User{
		ID:             userID,
		TelegramChatID: chatID.Int64,
		PushToken:      pushToken.String,
	}, nil
}

// AddInterest stores a new interest and fills its ID.
func (d *Database) AddInterest(ctx context.Context, interest *domain.Interest) error {
	if err := interest.Validate(); err != nil {
		return err
	}

	keywords, err := json.Marshal(nonNil(interest.Keywords))
	if err != nil {
		return fmt.Errorf("marshal keywords: %w", err)
	}

	channels, err := json.Marshal(interest.Channels)
	if err != nil {
		return fmt.Errorf("marshal channels: %w", err)
	}

	query := `insert into interests (user_id, domain_id, keywords, channels, summarize, active)
	values (?, ?, ?, ?, ?, ?)`

	res, err := d.db.ExecContext(ctx, query,
		interest.UserID, interest.DomainID, string(keywords), string(channels),
		boolToInt(interest.Summarize), boolToInt(interest.Active))
	if err != nil {
		return fmt.Errorf("insert interest: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}

	interest.ID = id

	return nil
}

func (d *Database) ListActiveInterests(ctx context.Context, domainID string) ([]domain.Interest, error) {
	query := `select id, user_id, keywords, channels, summarize
	from interests
	where domain_id = ? and active = 1
	order by id`

	rows, err := d.db.QueryContext(ctx, query, domainID)
	if err != nil {
		return nil, fmt.Errorf("execute query: %w", err)
	}
	defer d.closeRows(ctx, rows, "ListActiveInterests")

	var interests []domain.Interest
	for rows.Next() {
		var (
			in                       domain.Interest
			keywordsRaw, channelsRaw string
			summarize                int
		)
		if err = rows.Scan(&in.ID, &in.UserID, &keywordsRaw, &channelsRaw, &summarize); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		if err = json.Unmarshal([]byte(keywordsRaw), &in.Keywords); err != nil {
			return nil, fmt.Errorf("unmarshal keywords of interest %d: %w", in.ID, err)
		}

		if err = json.Unmarshal([]byte(channelsRaw), &in.Channels); err != nil {
			return nil, fmt.Errorf("unmarshal channels of interest %d: %w", in.ID, err)
		}

		in.DomainID = domainID
		in.Summarize = summarize == 1
		in.Active = true

		interests = append(interests, in)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return interests, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}

	return 0
}

func nullInt64(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
