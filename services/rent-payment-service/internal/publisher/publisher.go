// Package publisher sends encoded events to a named destination on the bus.
//
// Publishers never retry. Every failure is an *Error that matches either
// ErrTransient (safe to retry as-is) or ErrRejected (will fail again) via errors.Is.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/escooter/rentrelay/services/rent-payment-service/internal/metrics"
)

var (
	ErrTransient = errors.New("transient publish failure")
	ErrRejected  = errors.New("publish rejected")
)

// Message is one outbound record.
type Message struct {
	// Key groups related messages (Kafka partition key).
	Key string

	// ID is stable across redeliveries of the same logical event; brokers that
	// support it use it for deduplication.
	ID string

	Value   []byte
	Headers map[string]string
}

// Ack confirms the message is visible to subscribers of Destination.
type Ack struct {
	Destination string

	// Sequence is the broker-assigned position, when the broker reports one.
	Sequence uint64

	// Duplicate is set when the broker recognized ID and dropped the copy.
	Duplicate bool
}

// Publisher must be safe for concurrent use.
type Publisher interface {
	Send(ctx context.Context, destination string, msg Message) (Ack, error)
}

// Error is returned by every Publisher in this package.
type Error struct {
	Destination string
	Rejected    bool
	Err         error
}

func (e *Error) Error() string {
	kind := "transient"
	if e.Rejected {
		kind = "rejected"
	}
	return fmt.Sprintf("publish to %s (%s): %v", e.Destination, kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	if e.Rejected {
		return target == ErrRejected
	}
	return target == ErrTransient
}

func observe(transport string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.PublishDuration.WithLabelValues(transport, result).Observe(time.Since(start).Seconds())
}
