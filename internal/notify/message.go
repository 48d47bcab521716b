package notify

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"boardwatch/internal/domain"
	"boardwatch/internal/fetcher"
	"boardwatch/internal/summarizer"

	"mvdan.cc/xurls/v2"
)

const fallbackSummaryMaxRunes = 200

type DetailFetcher interface {
	FetchDetail(ctx context.Context, page domain.WatchedPage, link string) (fetcher.Detail, error)
}

// MessageBuilder renders the notification for a posting. Summaries are
// produced from the posting page; any failure on that path degrades to a
// truncated body or the title, never to an empty message.
type MessageBuilder struct {
	details    DetailFetcher
	summarizer summarizer.Summarizer
	cache      *summaryCache
	log        *slog.Logger
	now        func() time.Time
}

// NewMessageBuilder accepts a nil summarizer; bodies then fall back to
// truncated posting text.
func NewMessageBuilder(details DetailFetcher, s summarizer.Summarizer, log *slog.Logger) *MessageBuilder {
	return &MessageBuilder{
		details:    details,
		summarizer: s,
		cache:      newSummaryCache(summaryCacheMaxEntries, summaryCacheTTL),
		log:        log,
		now:        time.Now,
	}
}

func (b *MessageBuilder) Build(
	ctx context.Context,
	page domain.WatchedPage,
	posting domain.Posting,
	summarize bool,
) Message {
	msg := Message{
		Title:  posting.Title,
		Body:   posting.Title,
		Link:   posting.Link,
		Source: posting.Source,
	}

	if !summarize || b.details == nil || posting.Link == "" {
		return msg
	}

	detail, err := b.details.FetchDetail(ctx, page, posting.Link)
	if err != nil {
		b.log.WarnContext(ctx, "Failed to fetch posting detail, using title",
			"error", err,
			"link", posting.Link,
			"pageURL", page.URL)

		return msg
	}

	msg.ImageURL = detail.ImageURL
	if body := b.summarize(ctx, posting, detail.Content); body != "" {
		msg.Body = body
	}

	return msg
}

func (b *MessageBuilder) summarize(ctx context.Context, posting domain.Posting, content string) string {
	text := cleanText(content)
	if text == "" {
		return ""
	}

	now := b.now()
	key := summaryCacheKey(posting.Link, text)

	if summary, ok := b.cache.get(key, now); ok {
		return summary
	}

	if b.summarizer == nil {
		return fallbackSummary(text)
	}

	summary, err := b.summarizer.Summarize(ctx, summarizer.Input{
		Title:     posting.Title,
		Text:      text,
		SourceURL: posting.Link,
	})
	if err != nil {
		b.log.ErrorContext(ctx, "Failed to summarize posting",
			"error", err,
			"link", posting.Link,
			"fallback", true,
			"textLen", len(text))

		return fallbackSummary(text)
	}

	summary = strings.TrimSpace(summary)
	if summary == "" {
		return fallbackSummary(text)
	}

	b.cache.set(key, summary, now)

	return summary
}

// cleanText drops raw URLs and collapses whitespace.
func cleanText(s string) string {
	s = xurls.Relaxed().ReplaceAllString(s, " ")

	return strings.Join(strings.Fields(s), " ")
}

func fallbackSummary(text string) string {
	runes := []rune(text)
	if len(runes) <= fallbackSummaryMaxRunes {
		return text
	}

	trimmed := strings.TrimSpace(string(runes[:fallbackSummaryMaxRunes]))
	if trimmed == "" {
		return text
	}

	return trimmed + "..."
}
