package publisher

import (
	"context"
	"errors"
	"time"

	"github.com/escooter/rentrelay/libs/kafkax"
	"github.com/segmentio/kafka-go"
)

type KafkaConfig struct {
	Brokers []string
	Timeout time.Duration
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes through one shared kafka.Writer; the topic is chosen per message.
type Kafka struct {
	writer  messageWriter
	timeout time.Duration
}

func NewKafka(cfg KafkaConfig) *Kafka {
	return &Kafka{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			MaxAttempts:  1,
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: cfg.Timeout,
		},
		timeout: cfg.Timeout,
	}
}

func (p *Kafka) Send(ctx context.Context, destination string, msg Message) (Ack, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	km := kafka.Message{
		Topic:   destination,
		Key:     []byte(msg.Key),
		Value:   msg.Value,
		Headers: kafkax.HeadersFromMap(msg.Headers),
	}
	km.Headers = kafkax.InjectTraceHeaders(ctx, km.Headers)

	start := time.Now()
	err := p.writer.WriteMessages(ctx, km)
	observe("kafka", start, err)
	if err != nil {
		return Ack{}, &Error{Destination: destination, Rejected: kafkaRejected(err), Err: err}
	}
	return Ack{Destination: destination}, nil
}

func (p *Kafka) Close() error {
	return p.writer.Close()
}

// kafkaRejected reports whether the broker refused the message itself rather
// than being unreachable or overloaded.
func kafkaRejected(err error) bool {
	var writeErrs kafka.WriteErrors
	if errors.As(err, &writeErrs) {
		for _, e := range writeErrs {
			if e != nil && kafkaRejected(e) {
				return true
			}
		}
		return false
	}

	var tooLarge kafka.MessageTooLargeError
	if errors.As(err, &tooLarge) {
		return true
	}

	var kerr kafka.Error
	if errors.As(err, &kerr) {
		switch kerr {
		case kafka.MessageSizeTooLarge,
			kafka.InvalidMessage,
			kafka.InvalidMessageSize,
			kafka.RecordListTooLarge,
			kafka.InvalidRecord:
			return true
		}
	}
	return false
}
