package domain

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type Channel string

const (
	ChannelKakao    Channel = "kakao"
	ChannelTelegram Channel = "telegram"
	ChannelPush     Channel = "push"
)

func (c Channel) Valid() bool {
	switch c {
	case ChannelKakao, ChannelTelegram, ChannelPush:
		return true
	default:
		return false
	}
}

type PageKind string

const (
	PageKindHTML PageKind = "html"
	PageKindRSS  PageKind = "rss"
)

// Selectors describe where a bulletin board keeps its rows. Empty fields fall
// back to the fetcher defaults.
type Selectors struct {
	Row        string
	Number     string
	Title      string
	Link       string
	Date       string
	Content    string
	Image      string
	PageParam  string
	NumberAttr string
}

type WatchedPage struct {
	URL       string
	Kind      PageKind
	Selectors Selectors
}

func (p WatchedPage) SourceTag() string {
	return SourceTag(p.URL)
}

// SourceTag derives the short board tag from the page hostname:
// "https://ce.pknu.ac.kr/ce/1" -> "ce", "https://www.pknu.ac.kr/" -> "pknu".
func SourceTag(pageURL string) string {
	u, err := url.Parse(strings.TrimSpace(pageURL))
	if err != nil || u.Hostname() == "" {
		return ""
	}

	host := strings.ToLower(u.Hostname())
	host = strings.TrimPrefix(host, "www.")

	label, _, _ := strings.Cut(host, ".")

	return label
}

type Posting struct {
	Number       int64
	Source       string
	PageURL      string
	Title        string
	Link         string
	PostedAt     string
	DiscoveredAt time.Time
}

func (p Posting) Ref() PostingRef {
	return PostingRef{Number: p.Number, Source: p.Source, PageURL: p.PageURL}
}

type PostingRef struct {
	Number  int64
	Source  string
	PageURL string
}

// ParsePostingNumber strips every non-digit character and parses the rest as
// an integer, so "No. 1,024" and "1024" compare equal.
func ParsePostingNumber(raw string) (int64, error) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}

	digits := b.String()
	if digits == "" {
		return 0, fmt.Errorf("posting number %q has no digits", raw)
	}

	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse posting number %q: %w", raw, err)
	}

	return n, nil
}

type Domain struct {
	ID       string
	Name     string
	Keywords []string
	URLs     []string
}

type Interest struct {
	ID        int64
	UserID    int64
	DomainID  string
	Keywords  []string
	Channels  []Channel
	Summarize bool
	Active    bool
}

func (i Interest) Validate() error {
	if len(i.Channels) == 0 {
		return errors.New("interest has no channels")
	}

	for _, c := range i.Channels {
		if !c.Valid() {
			return fmt.Errorf("interest has unknown channel %q", c)
		}
	}

	return nil
}

type User struct {
	ID             int64
	TelegramChatID int64
	PushToken      string
}

type DeliveryRecord struct {
	ID         string
	InterestID int64
	Posting    PostingRef
	Body       string
	Channel    Channel
	SentAt     time.Time
}

type Credential struct {
	UserID       int64
	Provider     Channel
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}
