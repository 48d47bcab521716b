package worker_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"boardwatch/internal/database"
	"boardwatch/internal/domain"
	"boardwatch/internal/fetcher"
	"boardwatch/internal/ingest"
	"boardwatch/internal/notify"
	"boardwatch/internal/ratelimiter"
	"boardwatch/internal/resolver"
	"boardwatch/internal/worker"
)

type staticBoard struct {
	mu       sync.Mutex
	html     string
	requests int
}

func (b *staticBoard) Load(context.Context, string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.requests++

	return []byte(b.html), nil
}

func boardHTML(from, to int, titles map[int]string) string {
	var sb strings.Builder

	sb.WriteString("<html><body><table><tbody>")
	for n := to; n >= from; n-- {
		title, ok := titles[n]
		if !ok {
			title = "학사 일정 안내"
		}
		fmt.Fprintf(&sb, `<tr><td>%d</td><td class="title"><a href="/ce/view/%d">%s</a></td><td class="date">2025-03-0%d</td><td>1</td></tr>`,
			n, n, title, n%9+1)
	}
	sb.WriteString("</tbody></table></body></html>")

	return sb.String()
}

type recordingSender struct {
	channel domain.Channel
	outcome notify.SendOutcome
	err     error

	mu     sync.Mutex
	titles []string
}

func (s *recordingSender) Channel() domain.Channel { return s.channel }

func (s *recordingSender) Send(_ context.Context, _ domain.User, msg notify.Message) (notify.SendOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.titles = append(s.titles, msg.Title)

	return s.outcome, s.err
}

func TestPipelineDeliversOnceAcrossRescans(t *testing.T) {
	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := database.New(ctx, filepath.Join(t.TempDir(), "db.sqlite"), log)
	if err != nil {
		t.Fatalf("new database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err = db.UpsertDomain(ctx, domain.Domain{
		ID:       "scholarship",
		Name:     "장학",
		Keywords: []string{"장학"},
		URLs:     []string{pageURL},
	}); err != nil {
		t.Fatalf("upsert domain: %v", err)
	}
	if err = db.UpsertUser(ctx, domain.User{ID: 1, TelegramChatID: 77, PushToken: "ExponentPushToken[abc]"}); err != nil {
		t.Fatalf("upsert user: %v", err)
	}

	interest := domain.Interest{
		UserID:   1,
		DomainID: "scholarship",
		Keywords: []string{"장학"},
		Channels: []domain.Channel{domain.ChannelPush, domain.ChannelTelegram},
		Active:   true,
	}
	if err = db.AddInterest(ctx, &interest); err != nil {
		t.Fatalf("add interest: %v", err)
	}

	if _, err = db.AdvanceHighWaterMark(ctx, pageURL, "ce", nil, 100); err != nil {
		t.Fatalf("seed mark: %v", err)
	}

	board := &staticBoard{html: boardHTML(96, 105, map[int]string{103: "2025 장학금 신청 안내"})}
	f := fetcher.New(board, fetcher.Config{MaxPages: 3}, log)

	push := &recordingSender{channel: domain.ChannelPush, outcome: notify.OutcomeSent}
	tg := &recordingSender{channel: domain.ChannelTelegram, outcome: notify.OutcomeFailed, err: notify.ErrBlocked}

	dispatcher := notify.NewDispatcher(db, []notify.ChannelSender{push, tg},
		notify.NewMessageBuilder(f, nil, log), ratelimiter.New(0), notify.DispatcherConfig{}, nil, log)

	w := worker.New(db, ingest.New(db, f, nil, 0, log), resolver.New(db, log), dispatcher, log)

	job := domain.NewScanJob(pageURL, []domain.InterestRef{{Keyword: "장학", DomainID: "scholarship"}})

	for range 2 {
		if err = w.Handle(ctx, job); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}

	records, err := db.ListDeliveryRecords(ctx, interest.ID)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected one record per channel, got %d", len(records))
	}
	for _, rec := range records {
		if rec.Posting.Number != 103 || rec.Body != "2025 장학금 신청 안내" {
			t.Fatalf("unexpected record: %+v", rec)
		}
	}

	if len(push.titles) != 1 || len(tg.titles) != 1 {
		t.Fatalf("expected one send per channel, got push=%d telegram=%d", len(push.titles), len(tg.titles))
	}

	stored, err := db.CountPostings(ctx, pageURL)
	if err != nil {
		t.Fatalf("count postings: %v", err)
	}
	if stored != 5 {
		t.Fatalf("expected postings 101..105 stored, got %d", stored)
	}

	mark, err := db.GetHighWaterMark(ctx, pageURL, "ce")
	if err != nil {
		t.Fatalf("get mark: %v", err)
	}
	if mark == nil || *mark != 105 {
		t.Fatalf("expected mark 105, got %v", mark)
	}
}
