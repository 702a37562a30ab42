// Package config holds the relay's startup settings.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/escooter/rentrelay/libs/config"
	"github.com/escooter/rentrelay/libs/kafkax"
)

type Transport string

const (
	TransportKafka Transport = "kafka"
	TransportNATS  Transport = "nats"
)

type Config struct {
	ServiceName string
	Port        string
	LogLevel    string

	Transport Transport
	// ConnectionString is a comma separated broker list for Kafka or a NATS URL.
	ConnectionString string

	TopicName           string
	SubscriptionName    string
	SourceTopicName     string
	DeadLetterTopicName string
	NATSStream          string

	PublishTimeout       time.Duration
	MaxDeliveries        int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	Concurrency          int
}

// Brokers splits ConnectionString for the Kafka transport.
func (c Config) Brokers() []string {
	return kafkax.SplitBrokers(c.ConnectionString)
}

// Load resolves every setting once and reports all invalid ones together.
func Load(src *config.Source) (Config, error) {
	for _, key := range []string{
		"ServiceBusConnectionString", "TopicName", "SubscriptionName",
		"SourceTopicName", "DeadLetterTopicName",
		"RELAY_TRANSPORT", "NATS_STREAM", "PUBLISH_TIMEOUT",
		"RELAY_MAX_DELIVERIES", "RELAY_RETRY_INITIAL_INTERVAL", "RELAY_RETRY_MAX_INTERVAL",
		"RELAY_CONCURRENCY", "SERVICE_NAME", "PORT", "LOG_LEVEL",
	} {
		src.Bind(key)
	}

	var errs []error
	required := func(key string) string {
		v, err := src.RequiredString(key)
		errs = append(errs, err)
		return v
	}

	cfg := Config{
		ServiceName:      src.String("SERVICE_NAME", "rent-payment-service"),
		LogLevel:         src.String("LOG_LEVEL", "info"),
		Transport:        Transport(strings.ToLower(src.String("RELAY_TRANSPORT", string(TransportKafka)))),
		ConnectionString: required("ServiceBusConnectionString"),
		TopicName:        required("TopicName"),
		SubscriptionName: required("SubscriptionName"),
		NATSStream:       src.String("NATS_STREAM", "RENT_EVENTS"),
	}
	cfg.SourceTopicName = src.String("SourceTopicName", cfg.TopicName)
	cfg.DeadLetterTopicName = src.String("DeadLetterTopicName", cfg.SourceTopicName+".deadletter")

	var err error
	cfg.Port, err = src.Port("PORT", "8091")
	errs = append(errs, err)
	cfg.PublishTimeout, err = src.Duration("PUBLISH_TIMEOUT", 10*time.Second)
	errs = append(errs, err)
	cfg.MaxDeliveries, err = src.PositiveInt("RELAY_MAX_DELIVERIES", 10)
	errs = append(errs, err)
	cfg.RetryInitialInterval, err = src.Duration("RELAY_RETRY_INITIAL_INTERVAL", time.Second)
	errs = append(errs, err)
	cfg.RetryMaxInterval, err = src.Duration("RELAY_RETRY_MAX_INTERVAL", time.Minute)
	errs = append(errs, err)
	cfg.Concurrency, err = src.PositiveInt("RELAY_CONCURRENCY", 1)
	errs = append(errs, err)

	errs = append(errs, cfg.validate())
	if err := errors.Join(errs...); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs []error
	switch c.Transport {
	case TransportKafka:
		if c.ConnectionString != "" && len(c.Brokers()) == 0 {
			errs = append(errs, errors.New("ServiceBusConnectionString has no brokers"))
		}
	case TransportNATS:
	default:
		errs = append(errs, fmt.Errorf("RELAY_TRANSPORT must be %q or %q (got %q)", TransportKafka, TransportNATS, c.Transport))
	}
	if c.RetryInitialInterval > 0 && c.RetryMaxInterval > 0 && c.RetryMaxInterval < c.RetryInitialInterval {
		errs = append(errs, errors.New("RELAY_RETRY_MAX_INTERVAL must not be below RELAY_RETRY_INITIAL_INTERVAL"))
	}
	if c.DeadLetterTopicName != "" && c.DeadLetterTopicName == c.SourceTopicName {
		errs = append(errs, errors.New("DeadLetterTopicName must differ from SourceTopicName"))
	}
	return errors.Join(errs...)
}
