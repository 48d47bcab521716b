package fetcher

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/chromedp/chromedp"
)

const (
	userAgent       = "Mozilla/5.0 (compatible; boardwatch/1.0)"
	maxBodyBytes    = 8 << 20
	browserSettleMs = 1500
)

// Loader returns the raw document behind a URL.
type Loader interface {
	Load(ctx context.Context, rawURL string) ([]byte, error)
}

// StatusError is returned when a board answers with a non-200 status.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d for %s", e.StatusCode, e.URL)
}

type HTTPLoader struct {
	client *http.Client
	log    *slog.Logger
}

func NewHTTPLoader(timeout time.Duration, log *slog.Logger) *HTTPLoader {
	return &HTTPLoader{
		client: &http.Client{Timeout: timeout},
		log:    log,
	}
}

func (l *HTTPLoader) Load(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("User-Agent", userAgent)

	resp, err := l.client.Do(req) //nolint:gosec // board URLs come from the page registry
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer func() {
		if err = resp.Body.Close(); err != nil {
			l.log.ErrorContext(ctx, "Failed to close response body",
				"error", err,
				"url", rawURL)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{URL: rawURL, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	return body, nil
}

// BrowserLoader renders pages in headless Chrome for boards that build their
// rows with JavaScript. Each Load opens its own tab and closes it on return.
type BrowserLoader struct {
	allocCtx    context.Context
	allocCancel context.CancelFunc
	log         *slog.Logger
}

func NewBrowserLoader(log *slog.Logger) *BrowserLoader {
	opts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.UserAgent(userAgent),
	)

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &BrowserLoader{
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		log:         log,
	}
}

func (l *BrowserLoader) Load(ctx context.Context, rawURL string) ([]byte, error) {
	tabCtx, cancelTab := chromedp.NewContext(l.allocCtx)
	defer cancelTab()

	stop := context.AfterFunc(ctx, cancelTab)
	defer stop()

	if deadline, ok := ctx.Deadline(); ok {
		var cancelTimeout context.CancelFunc
		tabCtx, cancelTimeout = context.WithDeadline(tabCtx, deadline)
		defer cancelTimeout()
	}

	var html string
	err := chromedp.Run(tabCtx,
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(browserSettleMs*time.Millisecond),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return nil, fmt.Errorf("render page: %w", err)
	}

	return []byte(html), nil
}

// Close shuts the browser process down.
func (l *BrowserLoader) Close() {
	l.allocCancel()
}
