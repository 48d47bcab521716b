package kakao

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"boardwatch/internal/domain"
	"boardwatch/internal/metrics"
	"boardwatch/internal/notify"

	"golang.org/x/oauth2"
)

const (
	defaultAPIBaseURL = "https://kapi.kakao.com"
	defaultTokenURL   = "https://kauth.kakao.com/oauth/token"
	memoPath          = "/v2/api/talk/memo/default/send"
	maxTextRunes      = 200
	maxErrorBodyBytes = 4 << 10
	buttonTitle       = "자세히 보기"
)

type CredentialStore interface {
	GetCredential(ctx context.Context, userID int64, provider domain.Channel) (*domain.Credential, error)
	SaveCredential(ctx context.Context, cred domain.Credential) error
}

// APIError is a non-401 failure answered by the Kakao API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("kakao api: status %d: %s", e.StatusCode, e.Body)
}

type Config struct {
	ClientID     string
	ClientSecret string
	APIBaseURL   string
	TokenURL     string
	HTTPClient   *http.Client
}

type Sender struct {
	store      CredentialStore
	oauth      *oauth2.Config
	client     *http.Client
	apiBaseURL string
	metrics    *metrics.Metrics
	log        *slog.Logger

	// refreshLocks serializes token refreshes per user.
	refreshLocks sync.Map
}

func New(store CredentialStore, cfg Config, m *metrics.Metrics, log *slog.Logger) *Sender {
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPIBaseURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = defaultTokenURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}

	return &Sender{
		store: store,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		client:     cfg.HTTPClient,
		apiBaseURL: strings.TrimRight(cfg.APIBaseURL, "/"),
		metrics:    m,
		log:        log,
	}
}

func (s *Sender) Channel() domain.Channel {
	return domain.ChannelKakao
}

// Send delivers msg with the stored access token. A rejected token is
// refreshed once and the send retried once; any further failure is final.
func (s *Sender) Send(ctx context.Context, user domain.User, msg notify.Message) (notify.SendOutcome, error) {
	cred, err := s.store.GetCredential(ctx, user.ID, domain.ChannelKakao)
	if err != nil {
		return notify.OutcomeFailed, fmt.Errorf("get credential: %w", err)
	}
	if cred == nil || (cred.AccessToken == "" && cred.RefreshToken == "") {
		return notify.OutcomeSkipped, notify.ErrNoCredential
	}

	err = s.sendMemo(ctx, cred.AccessToken, msg)
	if err == nil {
		return notify.OutcomeSent, nil
	}
	if !errors.Is(err, notify.ErrUnauthorized) {
		return notify.OutcomeFailed, err
	}

	s.log.InfoContext(ctx, "Kakao access token is rejected, refreshing",
		"userID", user.ID)

	token, err := s.refresh(ctx, user.ID, cred.AccessToken)
	if err != nil {
		return notify.OutcomeFailed, fmt.Errorf("refresh token: %w", err)
	}

	if err = s.sendMemo(ctx, token, msg); err != nil {
		return notify.OutcomeFailed, fmt.Errorf("send after refresh: %w", err)
	}

	return notify.OutcomeSent, nil
}

// refresh returns a usable access token for userID. When another send
// already replaced the rejected token, the stored one is reused.
func (s *Sender) refresh(ctx context.Context, userID int64, rejected string) (string, error) {
	mu, _ := s.refreshLocks.LoadOrStore(userID, &sync.Mutex{})
	lock := mu.(*sync.Mutex) //nolint:forcetypeassert // only mutexes are stored
	lock.Lock()
	defer lock.Unlock()

	cred, err := s.store.GetCredential(ctx, userID, domain.ChannelKakao)
	if err != nil {
		return "", fmt.Errorf("get credential: %w", err)
	}
	if cred == nil {
		return "", notify.ErrNoCredential
	}

	if cred.AccessToken != "" && cred.AccessToken != rejected {
		return cred.AccessToken, nil
	}
	if cred.RefreshToken == "" {
		return "", errors.New("refresh token is missing")
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.client)

	token, err := s.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken}).Token()
	if err != nil {
		s.metrics.TokenRefresh(string(domain.ChannelKakao), "error")
		return "", err
	}

	s.metrics.TokenRefresh(string(domain.ChannelKakao), "ok")

	refreshed := domain.Credential{
		UserID:       userID,
		Provider:     domain.ChannelKakao,
		AccessToken:  token.AccessToken,
		RefreshToken: cred.RefreshToken,
		Expiry:       token.Expiry,
	}
	if token.RefreshToken != "" {
		refreshed.RefreshToken = token.RefreshToken
	}

	if err = s.store.SaveCredential(ctx, refreshed); err != nil {
		s.log.ErrorContext(ctx, "Failed to save refreshed credential",
			"error", err,
			"userID", userID)
	}

	return token.AccessToken, nil
}

type textTemplate struct {
	ObjectType  string       `json:"object_type"`
	Text        string       `json:"text"`
	Link        templateLink `json:"link"`
	ButtonTitle string       `json:"button_title,omitempty"`
}

type templateLink struct {
	WebURL       string `json:"web_url,omitempty"`
	MobileWebURL string `json:"mobile_web_url,omitempty"`
}

func (s *Sender) sendMemo(ctx context.Context, accessToken string, msg notify.Message) error {
	tmpl := textTemplate{
		ObjectType: "text",
		Text:       renderText(msg),
		Link:       templateLink{WebURL: msg.Link, MobileWebURL: msg.Link},
	}
	if msg.Link != "" {
		tmpl.ButtonTitle = buttonTitle
	}

	raw, err := json.Marshal(tmpl)
	if err != nil {
		return fmt.Errorf("marshal template: %w", err)
	}

	form := url.Values{"template_object": {string(raw)}}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiBaseURL+memoPath, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded;charset=utf-8")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() {
		if err = resp.Body.Close(); err != nil {
			s.log.ErrorContext(ctx, "Failed to close response body",
				"error", err,
				"operation", "sendMemo")
		}
	}()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return notify.ErrUnauthorized
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	return nil
}

func renderText(msg notify.Message) string {
	text := msg.Title
	if msg.Body != "" && msg.Body != msg.Title {
		text = "[" + msg.Title + "]\n" + msg.Body
	}
	if msg.Source != "" {
		text = "(" + msg.Source + ") " + text
	}

	runes := []rune(text)
	if len(runes) > maxTextRunes {
		return string(runes[:maxTextRunes-3]) + "..."
	}

	return text
}
