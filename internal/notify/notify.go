package notify

import (
	"context"
	"errors"

	"boardwatch/internal/domain"
)

var (
	// ErrUnauthorized is returned by provider clients when the access token
	// was rejected.
	ErrUnauthorized = errors.New("access token rejected")
	// ErrBlocked marks a recipient that cannot be reached through no fault of
	// the service, such as a user who blocked the bot.
	ErrBlocked = errors.New("recipient is unreachable")
	// ErrNoRecipient marks a user without an address on the channel.
	ErrNoRecipient = errors.New("no recipient address")
	// ErrNoCredential marks a user without a stored provider credential.
	ErrNoCredential = errors.New("no provider credential")
)

type SendOutcome int

const (
	OutcomeSent SendOutcome = iota
	OutcomeFailed
	OutcomeSkipped
)

func (o SendOutcome) String() string {
	switch o {
	case OutcomeSent:
		return "sent"
	case OutcomeFailed:
		return "failed"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Message is what a channel sender renders for one posting.
type Message struct {
	Title    string
	Body     string
	Link     string
	ImageURL string
	Source   string
}

// ChannelSender delivers a message on one channel. Skipped outcomes carry
// the reason as err; failed outcomes carry the cause.
type ChannelSender interface {
	Channel() domain.Channel
	Send(ctx context.Context, user domain.User, msg Message) (SendOutcome, error)
}
