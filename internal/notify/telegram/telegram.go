package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"boardwatch/internal/domain"
	"boardwatch/internal/markdown"
	"boardwatch/internal/notify"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	messageMaxRunes = 4096
	linkText        = "자세히 보기"
)

// BotAPI is the part of *tgbotapi.BotAPI the sender uses.
type BotAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type Sender struct {
	api BotAPI
	log *slog.Logger
}

func New(api BotAPI, log *slog.Logger) *Sender {
	return &Sender{api: api, log: log}
}

// NewBotAPI connects to Telegram with token. tgbotapi does not take a
// context, so timeout bounds every request of the returned client. An empty
// endpoint means tgbotapi.APIEndpoint.
func NewBotAPI(token string, endpoint string, timeout time.Duration) (*tgbotapi.BotAPI, error) {
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}

	api, err := tgbotapi.NewBotAPIWithClient(token, endpoint, &http.Client{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}

	return api, nil
}

func (s *Sender) Channel() domain.Channel {
	return domain.ChannelTelegram
}

func (s *Sender) Send(ctx context.Context, user domain.User, msg notify.Message) (notify.SendOutcome, error) {
	if user.TelegramChatID == 0 {
		return notify.OutcomeSkipped, notify.ErrNoRecipient
	}

	if err := ctx.Err(); err != nil {
		return notify.OutcomeFailed, err
	}

	out := tgbotapi.NewMessage(user.TelegramChatID, render(msg))
	out.ParseMode = tgbotapi.ModeMarkdownV2
	out.DisableWebPagePreview = true

	if _, err := s.api.Send(out); err != nil {
		if isBlocked(err) {
			return notify.OutcomeFailed, fmt.Errorf("%w: %w", notify.ErrBlocked, err)
		}

		return notify.OutcomeFailed, fmt.Errorf("send message: %w", err)
	}

	return notify.OutcomeSent, nil
}

func render(msg notify.Message) string {
	var b strings.Builder

	if msg.Source != "" {
		b.WriteString(markdown.EscapeV2("[" + msg.Source + "] "))
	}
	b.WriteString(markdown.Bold(msg.Title))

	if msg.Body != "" && msg.Body != msg.Title {
		b.WriteString("\n\n")
		b.WriteString(markdown.EscapeV2(msg.Body))
	}

	link := ""
	if msg.Link != "" {
		link = "\n\n" + markdown.Link(linkText, msg.Link)
	}

	text := b.String()
	if utf8.RuneCountInString(text)+utf8.RuneCountInString(link) > messageMaxRunes {
		ellipsis := markdown.EscapeV2("...")
		keep := messageMaxRunes - utf8.RuneCountInString(link) - utf8.RuneCountInString(ellipsis)

		text = strings.TrimRight(string([]rune(text)[:keep]), `\`) + ellipsis
	}

	return text + link
}

// isBlocked reports errors caused by the recipient: the user blocked the bot,
// deleted the account or never started a chat with it.
func isBlocked(err error) bool {
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		return false
	}

	if apiErr.Code == 403 {
		return true
	}

	desc := strings.ToLower(apiErr.Message)

	return apiErr.Code == 400 && (strings.Contains(desc, "chat not found") || strings.Contains(desc, "user not found"))
}
