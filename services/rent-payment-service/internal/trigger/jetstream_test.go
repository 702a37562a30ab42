package trigger

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/escooter/rentrelay/libs/kafkax"
	"github.com/escooter/rentrelay/services/rent-payment-service/internal/relay"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMsg struct {
	data      []byte
	subject   string
	headers   nats.Header
	delivered uint64
	streamSeq uint64

	acked      int
	inProgress int
	naks       []time.Duration
	termedAs   []string
}

func (m *fakeMsg) Metadata() (*jetstream.MsgMetadata, error) {
	return &jetstream.MsgMetadata{
		NumDelivered: m.delivered,
		Sequence:     jetstream.SequencePair{Stream: m.streamSeq},
	}, nil
}

func (m *fakeMsg) Data() []byte         { return m.data }
func (m *fakeMsg) Headers() nats.Header { return m.headers }
func (m *fakeMsg) Subject() string      { return m.subject }

func (m *fakeMsg) Ack() error {
	m.acked++
	return nil
}

func (m *fakeMsg) InProgress() error {
	m.inProgress++
	return nil
}

func (m *fakeMsg) NakWithDelay(delay time.Duration) error {
	m.naks = append(m.naks, delay)
	return nil
}

func (m *fakeMsg) TermWithReason(reason string) error {
	m.termedAs = append(m.termedAs, reason)
	return nil
}

type fakeDeadLetters struct {
	failures  int
	published []*nats.Msg
	optCount  int
}

func (p *fakeDeadLetters) PublishMsg(_ context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	if p.failures > 0 {
		p.failures--
		return nil, nats.ErrTimeout
	}
	p.published = append(p.published, msg)
	p.optCount = len(opts)
	return &jetstream.PubAck{Stream: "RENT_EVENTS", Sequence: uint64(len(p.published))}, nil
}

type fakeConsumers struct {
	stream string
	cfg    jetstream.ConsumerConfig
	err    error
}

func (c *fakeConsumers) CreateOrUpdateConsumer(_ context.Context, stream string, cfg jetstream.ConsumerConfig) (jetstream.Consumer, error) {
	c.stream = stream
	c.cfg = cfg
	return nil, c.err
}

func testJetStreamSource(dl *fakeDeadLetters, consumers *fakeConsumers) *JetStreamSource {
	s := newJetStreamSource(quietLogger(), consumers, dl, JetStreamConfig{
		Stream:            "RENT_EVENTS",
		Consumer:          "rent-payment",
		Subject:           "rent-requested",
		DeadLetterSubject: "rent-requested.deadletter",
		AckWait:           30 * time.Second,
		Retry:             RetryPolicy{MaxDeliveries: 3, InitialInterval: time.Second, MaxInterval: time.Minute},
	})
	s.deadLetterWait = time.Millisecond
	return s
}

func inboundJSMsg(delivered uint64) *fakeMsg {
	h := nats.Header{}
	h.Set(kafkax.HeaderEventID, "evt-1")
	h.Set(kafkax.HeaderEventType, "RentRequested")
	return &fakeMsg{
		data:      []byte(`{"rentId":"rent-1"}`),
		subject:   "rent-requested",
		headers:   h,
		delivered: delivered,
		streamSeq: 99,
	}
}

func handleOnce(s *JetStreamSource, m *fakeMsg, fn HandleFunc) {
	s.handle(context.Background(), m, fn)
}

func TestJetStreamSource_Meta(t *testing.T) {
	s := testJetStreamSource(&fakeDeadLetters{}, &fakeConsumers{})
	m := inboundJSMsg(2)

	var meta Meta
	handleOnce(s, m, func(ctx context.Context, d Delivery) {
		meta = d.Meta()
		assert.NoError(t, d.Ack(ctx))
	})

	assert.Equal(t, "evt-1", meta.EventID)
	assert.Equal(t, "RentRequested", meta.EventType)
	assert.Equal(t, "rent-requested", meta.Source)
	assert.Equal(t, 2, meta.Attempt)
	assert.Equal(t, 1, m.acked)
}

func TestJetStreamSource_RetryNaksWithBackoff(t *testing.T) {
	s := testJetStreamSource(&fakeDeadLetters{}, &fakeConsumers{})

	for attempt, want := range map[uint64]time.Duration{1: time.Second, 2: 2 * time.Second} {
		m := inboundJSMsg(attempt)
		handleOnce(s, m, func(ctx context.Context, d Delivery) {
			assert.NoError(t, d.Retry(ctx, errors.New("broker down")))
		})
		assert.Equal(t, []time.Duration{want}, m.naks, "attempt %d", attempt)
		assert.Empty(t, m.termedAs)
	}
}

func TestJetStreamSource_LastDeliveryDeadLetters(t *testing.T) {
	dl := &fakeDeadLetters{}
	s := testJetStreamSource(dl, &fakeConsumers{})
	m := inboundJSMsg(3)

	handleOnce(s, m, func(ctx context.Context, d Delivery) {
		assert.NoError(t, d.Retry(ctx, errors.New("broker down")))
	})

	assert.Empty(t, m.naks)
	assert.Equal(t, []string{ReasonMaxDeliveriesExceeded}, m.termedAs)
	require.Len(t, dl.published, 1)
	out := dl.published[0]
	assert.Equal(t, "rent-requested.deadletter", out.Subject)
	assert.Equal(t, m.data, out.Data)
	assert.Equal(t, ReasonMaxDeliveriesExceeded, out.Header.Get(HeaderDeadLetterReason))
	assert.Equal(t, "broker down", out.Header.Get(HeaderDeadLetterError))
	assert.Equal(t, "rent-requested", out.Header.Get(HeaderSourceTopic))
	assert.Equal(t, "99", out.Header.Get(HeaderSourceOffset))
	assert.Equal(t, "evt-1", out.Header.Get(kafkax.HeaderEventID))
	assert.Equal(t, 1, dl.optCount, "dead letters are deduplicated by stream sequence")
}

func TestJetStreamSource_DeadLetterRetriesPublish(t *testing.T) {
	dl := &fakeDeadLetters{failures: 2}
	s := testJetStreamSource(dl, &fakeConsumers{})
	m := inboundJSMsg(1)

	handleOnce(s, m, func(ctx context.Context, d Delivery) {
		assert.NoError(t, d.DeadLetter(ctx, ReasonBadInput, errors.New("malformed payload")))
	})

	require.Len(t, dl.published, 1)
	assert.Equal(t, []string{ReasonBadInput}, m.termedAs)
}

func TestJetStreamSource_DeadLetterFailureNaks(t *testing.T) {
	dl := &fakeDeadLetters{failures: 1000}
	s := testJetStreamSource(dl, &fakeConsumers{})
	s.handleTimeout = 20 * time.Millisecond
	m := inboundJSMsg(1)

	handleOnce(s, m, func(ctx context.Context, d Delivery) {
		assert.Error(t, d.DeadLetter(ctx, ReasonBadOutput, errors.New("rejected")))
	})

	assert.Empty(t, m.termedAs)
	assert.Len(t, m.naks, 1)
	assert.Positive(t, m.inProgress, "ack deadline is extended while the publish is retried")
}

func TestJetStreamSource_LastDeliverySurvivesShutdown(t *testing.T) {
	dl := &fakeDeadLetters{failures: 1}
	s := testJetStreamSource(dl, &fakeConsumers{})
	m := inboundJSMsg(3)
	d := NewDispatcher(handlerFunc(func(context.Context, []byte) error {
		return fmt.Errorf("%w: broker down", relay.ErrRetryable)
	}), "RentRequested", quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.handle(ctx, m, d.Dispatch)

	assert.Empty(t, m.naks)
	assert.Equal(t, []string{ReasonMaxDeliveriesExceeded}, m.termedAs)
	require.Len(t, dl.published, 1)
	assert.Equal(t, 1, m.inProgress)
}

func TestJetStreamSource_SpareDeliveryDeadLettersWithoutHandling(t *testing.T) {
	dl := &fakeDeadLetters{}
	s := testJetStreamSource(dl, &fakeConsumers{})
	m := inboundJSMsg(4)

	called := false
	handleOnce(s, m, func(context.Context, Delivery) { called = true })

	assert.False(t, called)
	assert.Empty(t, m.naks)
	assert.Equal(t, []string{ReasonMaxDeliveriesExceeded}, m.termedAs)
	require.Len(t, dl.published, 1)
	assert.Equal(t, errDeliveriesExhausted.Error(), dl.published[0].Header.Get(HeaderDeadLetterError))
}

func TestJetStreamSource_SpareDeliveryFailureIsNotNaked(t *testing.T) {
	dl := &fakeDeadLetters{failures: 1000}
	s := testJetStreamSource(dl, &fakeConsumers{})
	s.handleTimeout = 20 * time.Millisecond
	m := inboundJSMsg(4)

	handleOnce(s, m, func(context.Context, Delivery) {})

	assert.Empty(t, m.naks)
	assert.Empty(t, m.termedAs)
	assert.Empty(t, dl.published)
}

func TestJetStreamSource_ConsumerConfig(t *testing.T) {
	consumers := &fakeConsumers{err: errors.New("stream not found")}
	s := testJetStreamSource(&fakeDeadLetters{}, consumers)

	err := s.Receive(context.Background(), func(context.Context, Delivery) {})
	require.Error(t, err)
	assert.ErrorContains(t, err, "stream not found")

	assert.Equal(t, "RENT_EVENTS", consumers.stream)
	assert.Equal(t, "rent-payment", consumers.cfg.Durable)
	assert.Equal(t, "rent-requested", consumers.cfg.FilterSubject)
	assert.Equal(t, jetstream.AckExplicitPolicy, consumers.cfg.AckPolicy)
	assert.Equal(t, 4, consumers.cfg.MaxDeliver, "one spare delivery for dead-lettering")
	assert.Equal(t, 30*time.Second, consumers.cfg.AckWait)
}
