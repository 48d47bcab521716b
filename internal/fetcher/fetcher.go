// Package fetcher reads postings from bulletin boards. HTML boards are
// paginated until the last numbered row of a page is at or below the
// caller's high-water mark; RSS boards are read in a single request.
package fetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"boardwatch/internal/domain"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"
)

const (
	defaultMaxPages = 5
	defaultTimeout  = 30 * time.Second
)

var defaultSelectors = domain.Selectors{
	Row:       "table tbody tr",
	Number:    "td:first-child",
	Title:     "td.title a, td.subject a, td:nth-child(2) a",
	Link:      "td.title a, td.subject a, td:nth-child(2) a",
	Date:      "td.date, td:nth-last-child(2)",
	Content:   ".bdvTxt, .board-view-content, .view-con, .view_content, article",
	Image:     "img",
	PageParam: "pageIndex",
}

// RawPosting is a board row as published. ID is the board's posting number
// text; callers parse it with domain.ParsePostingNumber.
type RawPosting struct {
	ID       string
	Title    string
	Link     string
	PostedAt string
}

type FetchResult struct {
	// Postings are strictly newer than the requested mark, in board order.
	Postings []RawPosting
	// MoreAvailable reports that the page ceiling stopped pagination before
	// the mark was seen again.
	MoreAvailable bool
	// RowsSeen counts every row parsed, including ones at or below the mark.
	RowsSeen int
}

type Detail struct {
	Content  string
	ImageURL string
}

type Config struct {
	MaxPages int
	Timeout  time.Duration
}

type Fetcher struct {
	loader     Loader
	feedParser *gofeed.Parser
	maxPages   int
	timeout    time.Duration
	log        *slog.Logger
}

func New(loader Loader, cfg Config, log *slog.Logger) *Fetcher {
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = defaultMaxPages
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	return &Fetcher{
		loader:     loader,
		feedParser: gofeed.NewParser(),
		maxPages:   cfg.MaxPages,
		timeout:    cfg.Timeout,
		log:        log,
	}
}

// FetchPostings returns the postings of page newer than afterID. A nil afterID
// means the page was never scanned and every row is new.
func (f *Fetcher) FetchPostings(
	ctx context.Context,
	page domain.WatchedPage,
	afterID *int64,
) (FetchResult, error) {
	switch page.Kind {
	case domain.PageKindRSS:
		return f.fetchFeed(ctx, page, afterID)
	case domain.PageKindHTML, "":
		return f.fetchBoard(ctx, page, afterID)
	default:
		return FetchResult{}, fmt.Errorf("unknown page kind %q", page.Kind)
	}
}

func (f *Fetcher) fetchBoard(
	ctx context.Context,
	page domain.WatchedPage,
	afterID *int64,
) (FetchResult, error) {
	sel := withDefaults(page.Selectors)

	base, err := url.Parse(page.URL)
	if err != nil {
		return FetchResult{}, fmt.Errorf("parse page URL: %w", err)
	}

	var (
		result FetchResult
		seen   = make(map[string]struct{})
	)

	for pageNo := 1; pageNo <= f.maxPages; pageNo++ {
		doc, loadErr := f.loadDocument(ctx, pageURL(base, sel.PageParam, pageNo))
		if loadErr != nil {
			return FetchResult{}, fmt.Errorf("load board page %d: %w", pageNo, loadErr)
		}

		rows := parseRows(doc, base, sel)
		result.RowsSeen += len(rows)

		if len(rows) == 0 {
			return result, nil
		}

		// Only the numbered row closest to the bottom decides whether older
		// pages are needed; pinned notices at the top may be far older.
		tailCovered := false
		for _, row := range rows {
			if _, parseErr := domain.ParsePostingNumber(row.ID); parseErr == nil {
				tailCovered = isAtOrBelow(row.ID, afterID)
			}

			if isAtOrBelow(row.ID, afterID) {
				continue
			}

			key := row.ID + "\x00" + row.Link
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}

			result.Postings = append(result.Postings, row)
		}

		if tailCovered {
			return result, nil
		}
	}

	result.MoreAvailable = true

	if afterID != nil {
		f.log.WarnContext(ctx, "Page ceiling reached before high-water mark",
			"pageURL", page.URL,
			"maxPages", f.maxPages,
			"mark", *afterID)
	}

	return result, nil
}

func (f *Fetcher) fetchFeed(
	ctx context.Context,
	page domain.WatchedPage,
	afterID *int64,
) (FetchResult, error) {
	body, err := f.load(ctx, page.URL)
	if err != nil {
		return FetchResult{}, fmt.Errorf("load feed: %w", err)
	}

	parsed, err := f.feedParser.Parse(bytes.NewReader(body))
	if err != nil {
		return FetchResult{}, fmt.Errorf("parse feed: %w", err)
	}

	result := FetchResult{RowsSeen: len(parsed.Items)}

	for _, item := range parsed.Items {
		row := RawPosting{
			ID:    feedItemID(item),
			Title: normalizeSpace(item.Title),
			Link:  strings.TrimSpace(item.Link),
		}

		switch {
		case item.PublishedParsed != nil:
			row.PostedAt = item.PublishedParsed.Format(time.DateOnly)
		case item.UpdatedParsed != nil:
			row.PostedAt = item.UpdatedParsed.Format(time.DateOnly)
		default:
			row.PostedAt = strings.TrimSpace(item.Published)
		}

		if isAtOrBelow(row.ID, afterID) {
			continue
		}

		result.Postings = append(result.Postings, row)
	}

	return result, nil
}

// FetchDetail loads a posting page and extracts its body text and first image.
func (f *Fetcher) FetchDetail(
	ctx context.Context,
	page domain.WatchedPage,
	link string,
) (Detail, error) {
	sel := withDefaults(page.Selectors)

	base, err := url.Parse(page.URL)
	if err != nil {
		return Detail{}, fmt.Errorf("parse page URL: %w", err)
	}

	target := resolve(base, link)
	if target == "" {
		return Detail{}, errors.New("posting link is empty")
	}

	doc, err := f.loadDocument(ctx, target)
	if err != nil {
		return Detail{}, fmt.Errorf("load detail page: %w", err)
	}

	content := doc.Find(sel.Content).First()
	if content.Length() == 0 {
		content = doc.Find("body")
	}

	content.Find("script, style").Remove()
	content.Find("br").Each(func(_ int, br *goquery.Selection) {
		br.ReplaceWithHtml("\n")
	})

	detail := Detail{Content: strings.TrimSpace(content.Text())}

	if src, ok := content.Find(sel.Image).First().Attr("src"); ok {
		detail.ImageURL = resolve(base, src)
	}

	return detail, nil
}

func (f *Fetcher) load(ctx context.Context, rawURL string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	return f.loader.Load(ctx, rawURL)
}

func (f *Fetcher) loadDocument(ctx context.Context, rawURL string) (*goquery.Document, error) {
	body, err := f.load(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create document from reader: %w", err)
	}

	return doc, nil
}

func parseRows(doc *goquery.Document, base *url.URL, sel domain.Selectors) []RawPosting {
	var rows []RawPosting

	doc.Find(sel.Row).Each(func(_ int, s *goquery.Selection) {
		numberCell := s
		if sel.Number != "" {
			numberCell = s.Find(sel.Number).First()
		}

		id := normalizeSpace(numberCell.Text())
		if sel.NumberAttr != "" {
			id = strings.TrimSpace(numberCell.AttrOr(sel.NumberAttr, ""))
		}

		anchor := s.Find(sel.Link).First()
		title := normalizeSpace(s.Find(sel.Title).First().Text())
		if title == "" {
			title = normalizeSpace(anchor.AttrOr("title", ""))
		}

		if id == "" && title == "" {
			return
		}

		rows = append(rows, RawPosting{
			ID:       id,
			Title:    title,
			Link:     resolve(base, anchor.AttrOr("href", "")),
			PostedAt: normalizeSpace(s.Find(sel.Date).First().Text()),
		})
	})

	return rows
}

func withDefaults(sel domain.Selectors) domain.Selectors {
	if sel.Row == "" {
		sel.Row = defaultSelectors.Row
	}
	// With NumberAttr and no Number selector the attribute sits on the row.
	if sel.Number == "" && sel.NumberAttr == "" {
		sel.Number = defaultSelectors.Number
	}
	if sel.Title == "" {
		sel.Title = defaultSelectors.Title
	}
	if sel.Link == "" {
		sel.Link = sel.Title
	}
	if sel.Date == "" {
		sel.Date = defaultSelectors.Date
	}
	if sel.Content == "" {
		sel.Content = defaultSelectors.Content
	}
	if sel.Image == "" {
		sel.Image = defaultSelectors.Image
	}
	if sel.PageParam == "" {
		sel.PageParam = defaultSelectors.PageParam
	}

	return sel
}

func pageURL(base *url.URL, param string, pageNo int) string {
	if pageNo <= 1 {
		return base.String()
	}

	u := *base
	q := u.Query()
	q.Set(param, strconv.Itoa(pageNo))
	u.RawQuery = q.Encode()

	return u.String()
}

// isAtOrBelow reports whether a row is already covered by the mark. Rows
// without a usable number are passed through for the caller to drop.
func isAtOrBelow(rawID string, afterID *int64) bool {
	if afterID == nil {
		return false
	}

	n, err := domain.ParsePostingNumber(rawID)
	if err != nil {
		return false
	}

	return n <= *afterID
}

func feedItemID(item *gofeed.Item) string {
	for _, candidate := range []string{item.GUID, item.Link} {
		if id := lastDigitRun(candidate); id != "" {
			return id
		}
	}

	return strings.TrimSpace(item.GUID)
}

func lastDigitRun(s string) string {
	end := -1
	for i := len(s) - 1; i >= 0; i-- {
		isDigit := s[i] >= '0' && s[i] <= '9'
		if isDigit && end < 0 {
			end = i + 1
		}
		if !isDigit && end >= 0 {
			return s[i+1 : end]
		}
	}
	if end >= 0 {
		return s[:end]
	}

	return ""
}

func resolve(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "javascript:") {
		return ""
	}

	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}

	return base.ResolveReference(u).String()
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
