// Package trigger feeds inbound bus messages to the relay and settles them.
package trigger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/escooter/rentrelay/services/rent-payment-service/internal/metrics"
	"github.com/escooter/rentrelay/services/rent-payment-service/internal/relay"
)

// Dead-letter reasons.
const (
	ReasonBadInput              = "bad_input"
	ReasonBadOutput             = "bad_output"
	ReasonMaxDeliveriesExceeded = "max_deliveries_exceeded"
)

// Dead-letter headers added to the inbound message headers.
const (
	HeaderDeadLetterReason = "dead_letter_reason"
	HeaderDeadLetterError  = "dead_letter_error"
	HeaderSourceTopic      = "source_topic"
	HeaderSourcePartition  = "source_partition"
	HeaderSourceOffset     = "source_offset"
)

// Meta describes one delivery of an inbound message.
type Meta struct {
	EventID   string
	EventType string

	// Source is the topic or subject the message was read from.
	Source string

	// Attempt counts deliveries of this message, starting at 1.
	Attempt int

	Headers map[string]string
}

// Delivery is one inbound message. Exactly one of Ack, Retry or DeadLetter
// settles it.
type Delivery interface {
	Data() []byte
	Meta() Meta
	Ack(ctx context.Context) error
	Retry(ctx context.Context, cause error) error
	DeadLetter(ctx context.Context, reason string, cause error) error
}

type HandleFunc func(ctx context.Context, d Delivery)

// Source delivers inbound messages until ctx is done.
type Source interface {
	Receive(ctx context.Context, fn HandleFunc) error
	Close() error
}

// Handler is satisfied by *relay.Handler.
type Handler interface {
	Handle(ctx context.Context, data []byte) error
}

// Dispatcher runs the relay for each delivery and settles it from the outcome.
type Dispatcher struct {
	handler   Handler
	eventType string
	logger    *slog.Logger
}

// NewDispatcher handles deliveries whose event_type header is eventType or
// absent, and acks every other delivery untouched.
func NewDispatcher(handler Handler, eventType string, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{handler: handler, eventType: eventType, logger: logger}
}

func (d *Dispatcher) Dispatch(ctx context.Context, del Delivery) {
	meta := del.Meta()
	if d.eventType != "" && meta.EventType != "" && meta.EventType != d.eventType {
		if err := del.Ack(ctx); err != nil {
			d.logger.Error("ack failed", "event_id", meta.EventID, "err", err)
		}
		metrics.MessagesHandled.WithLabelValues("skipped").Inc()
		return
	}

	err := d.handler.Handle(ctx, del.Data())
	disposition := relay.Classify(err)
	metrics.MessagesHandled.WithLabelValues(disposition.String()).Inc()

	var settleErr error
	switch disposition {
	case relay.Ack:
		settleErr = del.Ack(ctx)
	case relay.Retry:
		d.logger.Warn("relay failed, will retry",
			"event_id", meta.EventID, "attempt", meta.Attempt, "err", err)
		settleErr = del.Retry(ctx, err)
	case relay.DeadLetter:
		reason := ReasonBadInput
		if errors.Is(err, relay.ErrBadOutput) {
			reason = ReasonBadOutput
		}
		d.logger.Warn("dead-lettering message",
			"event_id", meta.EventID, "reason", reason, "err", err)
		settleErr = del.DeadLetter(ctx, reason, err)
	}
	if settleErr != nil && ctx.Err() == nil {
		d.logger.Error("settle delivery failed",
			"event_id", meta.EventID, "disposition", disposition.String(), "err", settleErr)
	}
}

// RetryPolicy bounds redelivery of retryable failures.
type RetryPolicy struct {
	MaxDeliveries   int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.Multiplier = 2
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	return b
}

// Delay is the un-jittered wait before delivery attempt+1.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	b := p.backOff()
	b.RandomizationFactor = 0
	b.Reset()
	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
