package trigger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/escooter/rentrelay/services/rent-payment-service/internal/metrics"
	"github.com/escooter/rentrelay/services/rent-payment-service/internal/relay"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDelivery struct {
	data []byte
	meta Meta

	acked      int
	retried    []error
	deadLetter []string
	deadCause  error
}

func (d *fakeDelivery) Data() []byte { return d.data }
func (d *fakeDelivery) Meta() Meta   { return d.meta }

func (d *fakeDelivery) Ack(context.Context) error {
	d.acked++
	return nil
}

func (d *fakeDelivery) Retry(_ context.Context, cause error) error {
	d.retried = append(d.retried, cause)
	return nil
}

func (d *fakeDelivery) DeadLetter(_ context.Context, reason string, cause error) error {
	d.deadLetter = append(d.deadLetter, reason)
	d.deadCause = cause
	return nil
}

func (d *fakeDelivery) settlements() int {
	return d.acked + len(d.retried) + len(d.deadLetter)
}

type handlerFunc func(ctx context.Context, data []byte) error

func (f handlerFunc) Handle(ctx context.Context, data []byte) error { return f(ctx, data) }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
}

func TestDispatcher_Dispositions(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantAck    bool
		wantRetry  bool
		wantReason string
	}{
		{name: "success", err: nil, wantAck: true},
		{name: "bad input", err: fmt.Errorf("%w: decode", relay.ErrBadInput), wantReason: ReasonBadInput},
		{name: "bad output", err: fmt.Errorf("%w: too large", relay.ErrBadOutput), wantReason: ReasonBadOutput},
		{name: "retryable", err: fmt.Errorf("%w: timeout", relay.ErrRetryable), wantRetry: true},
		{name: "unclassified", err: errors.New("boom"), wantRetry: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []byte
			h := handlerFunc(func(_ context.Context, data []byte) error {
				got = data
				return tt.err
			})
			d := &fakeDelivery{data: []byte(`{"rentId":"x"}`), meta: Meta{EventType: "RentRequested", Attempt: 1}}

			NewDispatcher(h, "RentRequested", quietLogger()).Dispatch(context.Background(), d)

			assert.Equal(t, d.data, got)
			assert.Equal(t, 1, d.settlements(), "exactly one settlement per delivery")
			assert.Equal(t, tt.wantAck, d.acked == 1)
			assert.Equal(t, tt.wantRetry, len(d.retried) == 1)
			if tt.wantRetry {
				assert.ErrorIs(t, d.retried[0], tt.err)
			}
			if tt.wantReason != "" {
				require.Len(t, d.deadLetter, 1)
				assert.Equal(t, tt.wantReason, d.deadLetter[0])
				assert.ErrorIs(t, d.deadCause, tt.err)
			}
		})
	}
}

func TestDispatcher_SkipsOtherEventTypes(t *testing.T) {
	called := false
	h := handlerFunc(func(context.Context, []byte) error {
		called = true
		return nil
	})
	skipped := metrics.MessagesHandled.WithLabelValues("skipped")
	before := testutil.ToFloat64(skipped)

	d := &fakeDelivery{meta: Meta{EventType: "RentPaymentAuthorized"}}
	NewDispatcher(h, "RentRequested", quietLogger()).Dispatch(context.Background(), d)

	assert.False(t, called)
	assert.Equal(t, 1, d.acked)
	assert.Equal(t, before+1, testutil.ToFloat64(skipped))
}

func TestDispatcher_HandlesUntypedMessages(t *testing.T) {
	called := false
	h := handlerFunc(func(context.Context, []byte) error {
		called = true
		return nil
	})
	acked := metrics.MessagesHandled.WithLabelValues("ack")
	before := testutil.ToFloat64(acked)

	d := &fakeDelivery{}
	NewDispatcher(h, "RentRequested", quietLogger()).Dispatch(context.Background(), d)

	assert.True(t, called)
	assert.Equal(t, 1, d.acked)
	assert.Equal(t, before+1, testutil.ToFloat64(acked))
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{MaxDeliveries: 10, InitialInterval: time.Second, MaxInterval: 5 * time.Second}

	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.Equal(t, 5*time.Second, p.Delay(4))
	assert.Equal(t, 5*time.Second, p.Delay(9))
}
