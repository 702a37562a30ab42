package trigger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/escooter/rentrelay/libs/kafkax"
	"github.com/escooter/rentrelay/services/rent-payment-service/internal/metrics"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var errRetryRequested = errors.New("retry requested")

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaConfig struct {
	Brokers         []string
	GroupID         string
	Topic           string
	DeadLetterTopic string

	// Concurrency is the number of group members run by this process.
	Concurrency int
	Retry       RetryPolicy
}

// KafkaSource consumes a topic as a consumer group with explicit commits.
// An offset is committed only once its message was acked or dead-lettered,
// so a message in flight at shutdown is redelivered after restart.
type KafkaSource struct {
	cfg         KafkaConfig
	readers     []messageReader
	deadLetters messageWriter
	logger      *slog.Logger

	fetchErrorWait time.Duration
	deadLetterWait time.Duration
	commitTimeout  time.Duration
}

func NewKafkaSource(logger *slog.Logger, cfg KafkaConfig) *KafkaSource {
	n := max(cfg.Concurrency, 1)
	readers := make([]messageReader, 0, n)
	for range n {
		readers = append(readers, kafka.NewReader(kafka.ReaderConfig{
			Brokers:     cfg.Brokers,
			GroupID:     cfg.GroupID,
			Topic:       cfg.Topic,
			MinBytes:    1,
			MaxBytes:    10e6,
			StartOffset: kafka.FirstOffset,
		}))
	}
	return newKafkaSource(logger, cfg, readers, &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.DeadLetterTopic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	})
}

func newKafkaSource(logger *slog.Logger, cfg KafkaConfig, readers []messageReader, deadLetters messageWriter) *KafkaSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaSource{
		cfg:            cfg,
		readers:        readers,
		deadLetters:    deadLetters,
		logger:         logger,
		fetchErrorWait: time.Second,
		deadLetterWait: time.Second,
		commitTimeout:  5 * time.Second,
	}
}

// Receive blocks until ctx is done or every reader is closed.
func (s *KafkaSource) Receive(ctx context.Context, fn HandleFunc) error {
	var wg sync.WaitGroup
	for _, r := range s.readers {
		wg.Add(1)
		go func(r messageReader) {
			defer wg.Done()
			s.run(ctx, r, fn)
		}(r)
	}
	wg.Wait()
	return nil
}

func (s *KafkaSource) Close() error {
	var errs []error
	for _, r := range s.readers {
		errs = append(errs, r.Close())
	}
	errs = append(errs, s.deadLetters.Close())
	return errors.Join(errs...)
}

func (s *KafkaSource) run(ctx context.Context, r messageReader, fn HandleFunc) {
	for {
		msg, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			s.logger.Error("kafka fetch error", "topic", s.cfg.Topic, "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.fetchErrorWait):
			}
			continue
		}
		s.process(ctx, r, msg, fn)
	}
}

func (s *KafkaSource) process(ctx context.Context, r messageReader, msg kafka.Message, fn HandleFunc) {
	ctxMsg := kafkax.ExtractTraceContext(ctx, msg)
	ctxSpan, span := otel.Tracer("kafka").Start(ctxMsg, "kafka.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", msg.Topic),
			attribute.Int("messaging.kafka.partition", msg.Partition),
			attribute.Int64("messaging.kafka.offset", msg.Offset),
		),
	)
	defer span.End()

	d := &kafkaDelivery{src: s, reader: r, msg: msg, meta: kafkax.ExtractEventMeta(msg)}
	_, err := backoff.Retry(ctxSpan, func() (struct{}, error) {
		d.attempt++
		d.retry = nil
		fn(ctxSpan, d)
		return struct{}{}, d.retry
	},
		backoff.WithBackOff(s.cfg.Retry.backOff()),
		backoff.WithMaxTries(uint(max(s.cfg.Retry.MaxDeliveries, 1))),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			metrics.Redeliveries.Inc()
			s.logger.Info("redelivering message",
				"event_id", d.meta.EventID, "attempt", d.attempt, "wait", wait.String())
		}),
	)
	if err == nil || ctx.Err() != nil {
		return
	}

	span.RecordError(err)
	if err := d.DeadLetter(ctxSpan, ReasonMaxDeliveriesExceeded, err); err != nil && ctx.Err() == nil {
		s.logger.Error("dead-letter failed", "event_id", d.meta.EventID, "err", err)
	}
}

func (s *KafkaSource) commit(ctx context.Context, r messageReader, msg kafka.Message) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.commitTimeout)
	defer cancel()
	return r.CommitMessages(ctx, msg)
}

// writeDeadLetter retries until the write succeeds or ctx is done.
func (s *KafkaSource) writeDeadLetter(ctx context.Context, msg kafka.Message, reason string, cause error) error {
	headers := make([]kafka.Header, 0, len(msg.Headers)+5)
	for _, h := range msg.Headers {
		if !isDeadLetterHeader(h.Key) {
			headers = append(headers, h)
		}
	}
	headers = append(headers,
		kafka.Header{Key: HeaderDeadLetterReason, Value: []byte(reason)},
		kafka.Header{Key: HeaderDeadLetterError, Value: []byte(errorText(cause))},
		kafka.Header{Key: HeaderSourceTopic, Value: []byte(msg.Topic)},
		kafka.Header{Key: HeaderSourcePartition, Value: []byte(strconv.Itoa(msg.Partition))},
		kafka.Header{Key: HeaderSourceOffset, Value: []byte(strconv.FormatInt(msg.Offset, 10))},
	)
	dl := kafka.Message{Key: msg.Key, Value: msg.Value, Headers: headers}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, s.deadLetters.WriteMessages(ctx, dl)
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(s.deadLetterWait)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, _ time.Duration) {
			s.logger.Warn("dead-letter write failed, retrying", "topic", s.cfg.DeadLetterTopic, "err", err)
		}),
	)
	return err
}

func isDeadLetterHeader(key string) bool {
	switch key {
	case HeaderDeadLetterReason, HeaderDeadLetterError, HeaderSourceTopic, HeaderSourcePartition, HeaderSourceOffset:
		return true
	}
	return false
}

type kafkaDelivery struct {
	src     *KafkaSource
	reader  messageReader
	msg     kafka.Message
	meta    kafkax.EventMeta
	attempt int
	retry   error
}

func (d *kafkaDelivery) Data() []byte { return d.msg.Value }

func (d *kafkaDelivery) Meta() Meta {
	return Meta{
		EventID:   d.meta.EventID,
		EventType: d.meta.EventType,
		Source:    d.msg.Topic,
		Attempt:   d.attempt,
		Headers:   kafkax.HeadersToMap(d.msg.Headers),
	}
}

func (d *kafkaDelivery) Ack(ctx context.Context) error {
	return d.src.commit(ctx, d.reader, d.msg)
}

// Retry schedules an in-process redelivery once the handler returns.
func (d *kafkaDelivery) Retry(_ context.Context, cause error) error {
	if cause == nil {
		cause = errRetryRequested
	}
	d.retry = cause
	return nil
}

func (d *kafkaDelivery) DeadLetter(ctx context.Context, reason string, cause error) error {
	if err := d.src.writeDeadLetter(ctx, d.msg, reason, cause); err != nil {
		return err
	}
	metrics.DeadLettered.WithLabelValues(reason).Inc()
	return d.src.commit(ctx, d.reader, d.msg)
}
