// Package relay turns one inbound event into one outbound event and publishes it.
//
// A Handler is stateless: it decodes, stamps the event with the clock, encodes
// and publishes. Every error it returns matches exactly one of ErrBadInput,
// ErrRetryable or ErrBadOutput, and Classify maps that to what the trigger
// should do with the inbound message.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/escooter/rentrelay/libs/kafkax"
	"github.com/escooter/rentrelay/services/rent-payment-service/internal/clock"
	"github.com/escooter/rentrelay/services/rent-payment-service/internal/metrics"
	"github.com/escooter/rentrelay/services/rent-payment-service/internal/publisher"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrBadInput means the inbound bytes can never be handled.
	ErrBadInput = errors.New("bad input")
	// ErrRetryable means nothing was published and the same input may succeed later.
	ErrRetryable = errors.New("retryable")
	// ErrBadOutput means the outbound event was refused by the bus.
	ErrBadOutput = errors.New("bad output")
)

// eventNamespace scopes the name-based outbound event ids.
var eventNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://escooter.dev/rentrelay/events"))

// Event is implemented by both sides of a relay.
type Event interface {
	EventType() string
	Key() string
}

type Decoder[T any] interface {
	Decode(data []byte) (T, error)
}

type Encoder[T any] interface {
	Encode(v T) ([]byte, error)
	ContentType() string
}

type Config[In, Out Event] struct {
	// Destination is the topic or subject outbound events are sent to.
	Destination string

	Decoder   Decoder[In]
	Encoder   Encoder[Out]
	Map       func(in In, now time.Time) Out
	Clock     clock.Clock
	Publisher publisher.Publisher
	Logger    *slog.Logger

	// KeyAttr names the log attribute carrying the inbound key. Defaults to "key".
	KeyAttr string
}

type Handler[In, Out Event] struct {
	cfg    Config[In, Out]
	tracer trace.Tracer
}

func New[In, Out Event](cfg Config[In, Out]) (*Handler[In, Out], error) {
	switch {
	case cfg.Destination == "":
		return nil, errors.New("relay: destination is required")
	case cfg.Decoder == nil || cfg.Encoder == nil:
		return nil, errors.New("relay: decoder and encoder are required")
	case cfg.Map == nil:
		return nil, errors.New("relay: map function is required")
	case cfg.Clock == nil:
		return nil, errors.New("relay: clock is required")
	case cfg.Publisher == nil:
		return nil, errors.New("relay: publisher is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.KeyAttr == "" {
		cfg.KeyAttr = "key"
	}
	return &Handler[In, Out]{cfg: cfg, tracer: otel.Tracer("relay")}, nil
}

// Handle relays one inbound payload. A nil error means the outbound event is
// visible on the destination.
func (h *Handler[In, Out]) Handle(ctx context.Context, data []byte) (err error) {
	start := time.Now()
	ctx, span := h.tracer.Start(ctx, "relay.handle",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attribute.String("messaging.destination", h.cfg.Destination)),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(otelcodes.Error, err.Error())
		}
		span.End()
		metrics.HandleDuration.Observe(time.Since(start).Seconds())
	}()

	in, err := h.cfg.Decoder.Decode(data)
	if err != nil {
		return fmt.Errorf("%w: decode: %w", ErrBadInput, err)
	}
	span.SetAttributes(attribute.String("event.type", in.EventType()), attribute.String("event.key", in.Key()))

	out := h.cfg.Map(in, h.cfg.Clock.Now())
	value, err := h.cfg.Encoder.Encode(out)
	if err != nil {
		h.cfg.Logger.Error("outbound event could not be encoded",
			"event_type", out.EventType(), h.cfg.KeyAttr, in.Key(), "err", err)
		return fmt.Errorf("%w: %w", ErrBadOutput, err)
	}

	id := EventID(out)
	ack, err := h.cfg.Publisher.Send(ctx, h.cfg.Destination, publisher.Message{
		Key:   out.Key(),
		ID:    id,
		Value: value,
		Headers: map[string]string{
			kafkax.HeaderEventID:     id,
			kafkax.HeaderEventType:   out.EventType(),
			kafkax.HeaderContentType: h.cfg.Encoder.ContentType(),
		},
	})
	if err != nil {
		if errors.Is(err, publisher.ErrRejected) {
			h.cfg.Logger.Error("outbound event rejected",
				"event_type", out.EventType(), h.cfg.KeyAttr, in.Key(), "destination", h.cfg.Destination, "err", err)
			return fmt.Errorf("%w: %w", ErrBadOutput, err)
		}
		return fmt.Errorf("%w: %w", ErrRetryable, err)
	}

	attrs := []any{"event_type", in.EventType(), h.cfg.KeyAttr, in.Key(), "event_id", id}
	if ack.Duplicate {
		// The broker kept an earlier copy with the same event id and dropped this one.
		h.cfg.Logger.Warn("handled event, outbound deduplicated by broker", append(attrs, "duplicate", true)...)
		return nil
	}
	h.cfg.Logger.Info("handled event", attrs...)
	return nil
}

// EventID is stable for a given event type and key, so every redelivery of
// the same inbound event publishes under the same id.
func EventID(e Event) string {
	return uuid.NewSHA1(eventNamespace, []byte(e.EventType()+"|"+e.Key())).String()
}

// Disposition is what a trigger does with an inbound message after Handle.
type Disposition int

const (
	Ack Disposition = iota
	Retry
	DeadLetter
)

func (d Disposition) String() string {
	switch d {
	case Ack:
		return "ack"
	case Retry:
		return "retry"
	case DeadLetter:
		return "dead_letter"
	default:
		return fmt.Sprintf("disposition(%d)", int(d))
	}
}

// Classify maps a Handle result to a Disposition. Unclassified errors retry.
func Classify(err error) Disposition {
	switch {
	case err == nil:
		return Ack
	case errors.Is(err, ErrBadInput), errors.Is(err, ErrBadOutput):
		return DeadLetter
	default:
		return Retry
	}
}
