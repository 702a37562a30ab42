package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/escooter/rentrelay/libs/kafkax"
	"github.com/escooter/rentrelay/libs/natsx"
	"github.com/escooter/rentrelay/services/rent-payment-service/internal/metrics"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// jsMsg is the part of jetstream.Msg a delivery settles through.
type jsMsg interface {
	Metadata() (*jetstream.MsgMetadata, error)
	Data() []byte
	Headers() nats.Header
	Subject() string
	Ack() error
	InProgress() error
	NakWithDelay(delay time.Duration) error
	TermWithReason(reason string) error
}

var errDeliveriesExhausted = errors.New("delivery limit reached before dead-lettering")

type consumerCreator interface {
	CreateOrUpdateConsumer(ctx context.Context, stream string, cfg jetstream.ConsumerConfig) (jetstream.Consumer, error)
}

type deadLetterPublisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

type JetStreamConfig struct {
	Stream            string
	Consumer          string
	Subject           string
	DeadLetterSubject string

	// Concurrency is the number of parallel Consume loops on the durable consumer.
	Concurrency int
	AckWait     time.Duration
	Retry       RetryPolicy
}

// JetStreamSource consumes a durable pull consumer with explicit acks. The
// server counts deliveries, so retries survive restarts.
type JetStreamSource struct {
	cfg         JetStreamConfig
	consumers   consumerCreator
	deadLetters deadLetterPublisher
	logger      *slog.Logger

	deadLetterWait time.Duration
	handleTimeout  time.Duration
}

func NewJetStreamSource(logger *slog.Logger, js jetstream.JetStream, cfg JetStreamConfig) *JetStreamSource {
	return newJetStreamSource(logger, js, js, cfg)
}

func newJetStreamSource(logger *slog.Logger, consumers consumerCreator, deadLetters deadLetterPublisher, cfg JetStreamConfig) *JetStreamSource {
	if logger == nil {
		logger = slog.Default()
	}
	handleTimeout := cfg.AckWait
	if handleTimeout <= 0 {
		handleTimeout = 30 * time.Second
	}
	return &JetStreamSource{
		cfg:            cfg,
		consumers:      consumers,
		deadLetters:    deadLetters,
		logger:         logger,
		deadLetterWait: time.Second,
		handleTimeout:  handleTimeout,
	}
}

func (s *JetStreamSource) maxDeliveries() int {
	return max(s.cfg.Retry.MaxDeliveries, 1)
}

func (s *JetStreamSource) consumerConfig() jetstream.ConsumerConfig {
	return jetstream.ConsumerConfig{
		Durable:       s.cfg.Consumer,
		FilterSubject: s.cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckWait:       s.cfg.AckWait,
		// One delivery past the retry budget is kept for a dead letter whose
		// publish failed on the last attempt.
		MaxDeliver: s.maxDeliveries() + 1,
	}
}

// Receive creates or updates the durable consumer and blocks until ctx is
// done, then drains in-flight and buffered messages. Each drained message
// still runs to completion, bounded by the handle timeout.
func (s *JetStreamSource) Receive(ctx context.Context, fn HandleFunc) error {
	cons, err := s.consumers.CreateOrUpdateConsumer(ctx, s.cfg.Stream, s.consumerConfig())
	if err != nil {
		return fmt.Errorf("create consumer %s on %s: %w", s.cfg.Consumer, s.cfg.Stream, err)
	}

	n := max(s.cfg.Concurrency, 1)
	running := make([]jetstream.ConsumeContext, 0, n)
	for range n {
		cc, err := cons.Consume(
			func(m jetstream.Msg) { s.handle(ctx, m, fn) },
			jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
				s.logger.Warn("jetstream consume error", "consumer", s.cfg.Consumer, "err", err)
			}),
		)
		if err != nil {
			for _, c := range running {
				c.Stop()
			}
			return fmt.Errorf("consume %s: %w", s.cfg.Consumer, err)
		}
		running = append(running, cc)
	}

	<-ctx.Done()
	for _, cc := range running {
		cc.Drain()
	}
	for _, cc := range running {
		<-cc.Closed()
	}
	return nil
}

// Close is a no-op; the NATS connection is owned by the caller.
func (s *JetStreamSource) Close() error { return nil }

func (s *JetStreamSource) handle(ctx context.Context, m jsMsg, fn HandleFunc) {
	// The server already counted this delivery, so shutdown must not cut it short.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.handleTimeout)
	defer cancel()

	ctx = natsx.ExtractTraceContext(ctx, m.Headers())
	ctx, span := otel.Tracer("nats").Start(ctx, "nats.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "nats"),
			attribute.String("messaging.destination", m.Subject()),
		),
	)
	defer span.End()

	d := &jsDelivery{src: s, msg: m, attempt: 1}
	if md, err := m.Metadata(); err == nil {
		d.attempt = int(md.NumDelivered)
		d.streamSeq = md.Sequence.Stream
	}
	if d.attempt > s.maxDeliveries() {
		if err := d.DeadLetter(ctx, ReasonMaxDeliveriesExceeded, errDeliveriesExhausted); err == nil {
			s.logger.Warn("dead-lettered message on spare delivery",
				"subject", m.Subject(), "stream_seq", d.streamSeq, "attempt", d.attempt)
		}
		return
	}
	fn(ctx, d)
}

func (s *JetStreamSource) publishDeadLetter(ctx context.Context, m jsMsg, streamSeq uint64, reason string, cause error) error {
	out := nats.NewMsg(s.cfg.DeadLetterSubject)
	out.Data = m.Data()
	for k, vals := range m.Headers() {
		if isDeadLetterHeader(k) {
			continue
		}
		for _, v := range vals {
			out.Header.Add(k, v)
		}
	}
	out.Header.Set(HeaderDeadLetterReason, reason)
	out.Header.Set(HeaderDeadLetterError, errorText(cause))
	out.Header.Set(HeaderSourceTopic, m.Subject())
	out.Header.Set(HeaderSourceOffset, strconv.FormatUint(streamSeq, 10))

	var opts []jetstream.PublishOpt
	if streamSeq > 0 {
		opts = append(opts, jetstream.WithMsgID(s.cfg.Stream+"-"+strconv.FormatUint(streamSeq, 10)))
	}
	_, err := backoff.Retry(ctx, func() (*jetstream.PubAck, error) {
		return s.deadLetters.PublishMsg(ctx, out, opts...)
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(s.deadLetterWait)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, _ time.Duration) {
			s.logger.Warn("dead-letter publish failed, retrying", "subject", s.cfg.DeadLetterSubject, "err", err)
			if err := m.InProgress(); err != nil {
				s.logger.Warn("extend ack deadline failed", "subject", m.Subject(), "err", err)
			}
		}),
	)
	return err
}

type jsDelivery struct {
	src       *JetStreamSource
	msg       jsMsg
	attempt   int
	streamSeq uint64
}

func (d *jsDelivery) Data() []byte { return d.msg.Data() }

func (d *jsDelivery) Meta() Meta {
	headers := natsx.HeadersToMap(d.msg.Headers())
	return Meta{
		EventID:   headers[kafkax.HeaderEventID],
		EventType: headers[kafkax.HeaderEventType],
		Source:    d.msg.Subject(),
		Attempt:   d.attempt,
		Headers:   headers,
	}
}

func (d *jsDelivery) Ack(context.Context) error {
	return d.msg.Ack()
}

// Retry naks with a growing delay, or dead-letters on the last allowed delivery.
func (d *jsDelivery) Retry(ctx context.Context, cause error) error {
	if cause == nil {
		cause = errRetryRequested
	}
	if d.attempt >= d.src.maxDeliveries() {
		return d.DeadLetter(ctx, ReasonMaxDeliveriesExceeded, cause)
	}
	metrics.Redeliveries.Inc()
	return d.msg.NakWithDelay(d.src.cfg.Retry.Delay(d.attempt))
}

func (d *jsDelivery) DeadLetter(ctx context.Context, reason string, cause error) error {
	if err := d.src.publishDeadLetter(ctx, d.msg, d.streamSeq, reason, cause); err != nil {
		if d.attempt > d.src.maxDeliveries() {
			// No delivery is left to retry on. The message stays in the stream.
			d.src.logger.Error("dead letter failed on final delivery",
				"stream", d.src.cfg.Stream, "stream_seq", d.streamSeq, "reason", reason, "err", err)
			return err
		}
		return errors.Join(err, d.msg.NakWithDelay(d.src.deadLetterWait))
	}
	metrics.DeadLettered.WithLabelValues(reason).Inc()
	return d.msg.TermWithReason(reason)
}
