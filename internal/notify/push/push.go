package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"boardwatch/internal/domain"
	"boardwatch/internal/notify"
)

const (
	defaultEndpoint   = "https://exp.host/--/api/v2/push/send"
	maxBodyRunes      = 178
	maxErrorBodyBytes = 4 << 10

	deviceNotRegistered = "DeviceNotRegistered"
)

type Config struct {
	Endpoint    string
	AccessToken string
	HTTPClient  *http.Client
}

type Sender struct {
	endpoint    string
	accessToken string
	client      *http.Client
	log         *slog.Logger
}

func New(cfg Config, log *slog.Logger) *Sender {
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultEndpoint
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}

	return &Sender{
		endpoint:    cfg.Endpoint,
		accessToken: cfg.AccessToken,
		client:      cfg.HTTPClient,
		log:         log,
	}
}

func (s *Sender) Channel() domain.Channel {
	return domain.ChannelPush
}

type pushMessage struct {
	To    string            `json:"to"`
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Sound string            `json:"sound,omitempty"`
	Data  map[string]string `json:"data,omitempty"`
}

type pushResponse struct {
	Data   pushTicket `json:"data"`
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

type pushTicket struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Details struct {
		Error string `json:"error"`
	} `json:"details"`
}

func (s *Sender) Send(ctx context.Context, user domain.User, msg notify.Message) (notify.SendOutcome, error) {
	token := strings.TrimSpace(user.PushToken)
	if token == "" {
		return notify.OutcomeSkipped, notify.ErrNoRecipient
	}

	payload := pushMessage{
		To:    token,
		Title: msg.Title,
		Body:  truncate(msg.Body, maxBodyRunes),
		Sound: "default",
	}
	if msg.Link != "" {
		payload.Data = map[string]string{"url": msg.Link}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return notify.OutcomeFailed, fmt.Errorf("marshal push message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(raw))
	if err != nil {
		return notify.OutcomeFailed, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if s.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.accessToken)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return notify.OutcomeFailed, fmt.Errorf("do request: %w", err)
	}
	defer func() {
		if err = resp.Body.Close(); err != nil {
			s.log.ErrorContext(ctx, "Failed to close response body",
				"error", err,
				"operation", "sendPush")
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	if err != nil {
		return notify.OutcomeFailed, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return notify.OutcomeFailed, fmt.Errorf("push service: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded pushResponse
	if err = json.Unmarshal(body, &decoded); err != nil {
		return notify.OutcomeFailed, fmt.Errorf("decode response: %w", err)
	}

	if len(decoded.Errors) > 0 {
		return notify.OutcomeFailed, fmt.Errorf("push service: %s: %s", decoded.Errors[0].Code, decoded.Errors[0].Message)
	}

	if decoded.Data.Status != "ok" {
		if decoded.Data.Details.Error == deviceNotRegistered {
			return notify.OutcomeFailed, fmt.Errorf("%w: %s", notify.ErrBlocked, decoded.Data.Message)
		}

		return notify.OutcomeFailed, fmt.Errorf("push ticket: %s: %s", decoded.Data.Details.Error, decoded.Data.Message)
	}

	return notify.OutcomeSent, nil
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}

	return string(runes[:limit-3]) + "..."
}
