// Package services – delivery pipeline
//
// DeliveryService forwards every item of a link to a destination chat, in
// order, one at a time. A failed item never aborts the rest. Forwards are
// paced by a token bucket (one token per Pacing interval, burst 1) and each
// forward runs under its own deadline. Every successful forward is
// registered for deletion before Deliver returns.
package services

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/tbourn/go-deeplink-relay/internal/domain"
)

// Registrar schedules delivered messages for deletion.
type Registrar interface {
	Register(ctx context.Context, chatID int64, messageID int, retention time.Duration) error
}

// ItemOutcome is the result of delivering one link item.
type ItemOutcome struct {
	Item domain.LinkItem
	// DeliveredMessageID is the message id in the destination chat (0 on failure).
	DeliveredMessageID int
	// Err wraps ErrForwardFailed when the forward failed.
	Err error
	// RegisterErr is set when the delivered message could not be scheduled
	// for deletion after every retry.
	RegisterErr error
}

// OK reports whether the item reached the destination chat.
func (o ItemOutcome) OK() bool { return o.Err == nil }

// DeliveryService runs the ordered forward loop.
type DeliveryService struct {
	Messenger Messenger
	Lifecycle Registrar

	// Retention is how long delivered copies live in the user's chat.
	Retention time.Duration
	// Pacing is the minimum gap between successive forwards; 0 disables it.
	Pacing time.Duration
	// Timeout bounds each forward call.
	Timeout time.Duration
	// RegisterAttempts bounds deletion registration retries per item.
	RegisterAttempts int
}

// NewDeliveryService returns a DeliveryService with the default 24h
// retention, 500ms pacing, and 30s per-call timeout.
func NewDeliveryService(m Messenger, lc Registrar) *DeliveryService {
	return &DeliveryService{
		Messenger:        m,
		Lifecycle:        lc,
		Retention:        24 * time.Hour,
		Pacing:           500 * time.Millisecond,
		Timeout:          30 * time.Second,
		RegisterAttempts: 3,
	}
}

// Deliver forwards link's items to destChat and returns one outcome per item,
// in item order.
func (s *DeliveryService) Deliver(ctx context.Context, link domain.Link, destChat int64) []ItemOutcome {
	tr := otel.Tracer("services/DeliveryService")
	ctx, span := tr.Start(ctx, "Deliver",
		trace.WithAttributes(
			attribute.Int64("chat.id", destChat),
			attribute.Int64("channel.id", link.ChannelID),
			attribute.Int("items", len(link.Items)),
		),
	)
	defer span.End()
	deliveries.Inc()

	var pacer *rate.Limiter
	if s.Pacing > 0 {
		pacer = rate.NewLimiter(rate.Every(s.Pacing), 1)
	}

	out := make([]ItemOutcome, 0, len(link.Items))
	for _, it := range link.Items {
		o := ItemOutcome{Item: it}
		if pacer != nil {
			if err := pacer.Wait(ctx); err != nil {
				o.Err = fmt.Errorf("%w: %w", ErrForwardFailed, err)
				itemsForwarded.WithLabelValues("error").Inc()
				out = append(out, o)
				continue
			}
		}

		id, err := s.forward(ctx, destChat, link.ChannelID, it.MessageID)
		if err != nil {
			o.Err = fmt.Errorf("%w: %w", ErrForwardFailed, err)
			itemsForwarded.WithLabelValues("error").Inc()
			log.Warn().Err(err).
				Int64("chat_id", destChat).
				Int64("channel_id", link.ChannelID).
				Int("message_id", it.MessageID).
				Msg("forward failed")
			out = append(out, o)
			continue
		}
		itemsForwarded.WithLabelValues("ok").Inc()
		o.DeliveredMessageID = id
		o.RegisterErr = s.register(ctx, destChat, id)
		out = append(out, o)
	}
	return out
}

func (s *DeliveryService) forward(ctx context.Context, dest, src int64, msgID int) (int, error) {
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	return s.Messenger.Forward(ctx, dest, src, msgID)
}

// register schedules the delivered copy for deletion. It ignores caller
// cancellation: a message that was delivered must be scheduled.
func (s *DeliveryService) register(ctx context.Context, chatID int64, messageID int) error {
	ctx = context.WithoutCancel(ctx)
	attempts := s.RegisterAttempts
	if attempts < 1 {
		attempts = 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return struct{}{}, s.Lifecycle.Register(rctx, chatID, messageID, s.Retention)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(attempts)))
	if err != nil {
		log.Error().Err(err).
			Int64("chat_id", chatID).
			Int("message_id", messageID).
			Msg("delivered message could not be scheduled for deletion")
	}
	return err
}
