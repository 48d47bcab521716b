package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"boardwatch/internal/domain"
	"boardwatch/internal/metrics"
	"boardwatch/internal/ratelimiter"
	"boardwatch/internal/resolver"
)

const defaultSendTimeout = 15 * time.Second

type Store interface {
	GetUser(ctx context.Context, userID int64) (*domain.User, error)
	CreateDeliveryRecord(ctx context.Context, rec *domain.DeliveryRecord) error
}

// Report counts channel outcomes of one Dispatch call.
type Report struct {
	Sent    int
	Failed  int
	Skipped int
	// Undelivered counts tasks never attempted because ctx was done.
	Undelivered int
}

type Dispatcher struct {
	store       Store
	senders     map[domain.Channel]ChannelSender
	messages    *MessageBuilder
	limiter     *ratelimiter.RateLimiter
	sendTimeout time.Duration
	metrics     *metrics.Metrics
	log         *slog.Logger
}

type DispatcherConfig struct {
	SendTimeout time.Duration
}

func NewDispatcher(
	store Store,
	senders []ChannelSender,
	messages *MessageBuilder,
	limiter *ratelimiter.RateLimiter,
	cfg DispatcherConfig,
	m *metrics.Metrics,
	log *slog.Logger,
) *Dispatcher {
	bySender := make(map[domain.Channel]ChannelSender, len(senders))
	for _, s := range senders {
		bySender[s.Channel()] = s
	}

	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}

	return &Dispatcher{
		store:       store,
		senders:     bySender,
		messages:    messages,
		limiter:     limiter,
		sendTimeout: cfg.SendTimeout,
		metrics:     m,
		log:         log,
	}
}

type messageKey struct {
	ref       domain.PostingRef
	summarize bool
}

// Dispatch delivers tasks in order. Every channel of every task is attempted
// independently; failures are logged and counted, never returned.
func (d *Dispatcher) Dispatch(ctx context.Context, page domain.WatchedPage, tasks []resolver.Task) Report {
	var (
		report   Report
		messages = make(map[messageKey]Message)
		users    = make(map[int64]domain.User)
	)

	for i, task := range tasks {
		if ctx.Err() != nil {
			d.log.WarnContext(ctx, "Dispatch is interrupted",
				"error", ctx.Err(),
				"pageURL", page.URL,
				"remainingTasks", len(tasks)-i)

			report.Undelivered = len(tasks) - i

			return report
		}

		user, err := d.user(ctx, users, task.Interest.UserID)
		if err != nil {
			d.log.ErrorContext(ctx, "Failed to load user, skipping task",
				"error", err,
				"userID", task.Interest.UserID,
				"interestID", task.Interest.ID,
				"postingNumber", task.Posting.Number)

			report.Failed += len(task.Channels)

			continue
		}

		key := messageKey{ref: task.Posting.Ref(), summarize: task.Interest.Summarize}
		msg, ok := messages[key]
		if !ok {
			msg = d.messages.Build(ctx, page, task.Posting, task.Interest.Summarize)
			messages[key] = msg
		}

		for _, channel := range task.Channels {
			switch d.deliver(ctx, user, task, channel, msg) {
			case OutcomeSent:
				report.Sent++
			case OutcomeFailed:
				report.Failed++
			case OutcomeSkipped:
				report.Skipped++
			}
		}
	}

	return report
}

func (d *Dispatcher) deliver(
	ctx context.Context,
	user domain.User,
	task resolver.Task,
	channel domain.Channel,
	msg Message,
) SendOutcome {
	log := d.log.With(
		"channel", channel,
		"userID", user.ID,
		"interestID", task.Interest.ID,
		"postingNumber", task.Posting.Number,
		"source", task.Posting.Source)

	sender, ok := d.senders[channel]
	if !ok {
		log.WarnContext(ctx, "Channel is not configured, skipping")
		d.metrics.Delivery(string(channel), OutcomeSkipped.String())

		return OutcomeSkipped
	}

	if err := d.limiter.Wait(ctx, string(channel)); err != nil {
		log.WarnContext(ctx, "Send slot is not available", "error", err)
		d.metrics.Delivery(string(channel), OutcomeFailed.String())

		return OutcomeFailed
	}

	outcome, sendErr := d.send(ctx, sender, user, msg)
	d.metrics.Delivery(string(channel), outcome.String())

	switch {
	case outcome == OutcomeSkipped:
		log.InfoContext(ctx, "Delivery is skipped", "reason", errString(sendErr))

		return outcome
	case outcome == OutcomeFailed && errors.Is(sendErr, ErrBlocked):
		log.InfoContext(ctx, "Recipient is unreachable", "reason", errString(sendErr))
	case outcome == OutcomeFailed:
		log.ErrorContext(ctx, "Failed to deliver notification", "error", sendErr)
	default:
		log.DebugContext(ctx, "Notification is delivered")
	}

	rec := &domain.DeliveryRecord{
		InterestID: task.Interest.ID,
		Posting:    task.Posting.Ref(),
		Body:       msg.Body,
		Channel:    channel,
	}

	// Recording must survive a cancelled job context once the send happened.
	if err := d.store.CreateDeliveryRecord(context.WithoutCancel(ctx), rec); err != nil {
		log.ErrorContext(ctx, "Failed to create delivery record", "error", err)
	}

	return outcome
}

func (d *Dispatcher) send(
	ctx context.Context,
	sender ChannelSender,
	user domain.User,
	msg Message,
) (outcome SendOutcome, err error) {
	ctx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			outcome, err = OutcomeFailed, fmt.Errorf("sender panic: %v", r)
		}
	}()

	return sender.Send(ctx, user, msg)
}

func (d *Dispatcher) user(ctx context.Context, cache map[int64]domain.User, userID int64) (domain.User, error) {
	if u, ok := cache[userID]; ok {
		return u, nil
	}

	u, err := d.store.GetUser(ctx, userID)
	if err != nil {
		return domain.User{}, fmt.Errorf("get user: %w", err)
	}

	user := domain.User{ID: userID}
	if u != nil {
		user = *u
	}

	cache[userID] = user

	return user, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
