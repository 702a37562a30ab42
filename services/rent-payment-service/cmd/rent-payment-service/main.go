package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/escooter/rentrelay/libs/config"
	"github.com/escooter/rentrelay/libs/httpx"
	"github.com/escooter/rentrelay/libs/kafkax"
	"github.com/escooter/rentrelay/libs/natsx"
	otelx "github.com/escooter/rentrelay/libs/otel"
	"github.com/escooter/rentrelay/libs/runtime"
	"github.com/escooter/rentrelay/services/rent-payment-service/internal/clock"
	"github.com/escooter/rentrelay/services/rent-payment-service/internal/codec"
	relayconfig "github.com/escooter/rentrelay/services/rent-payment-service/internal/config"
	"github.com/escooter/rentrelay/services/rent-payment-service/internal/events"
	"github.com/escooter/rentrelay/services/rent-payment-service/internal/publisher"
	"github.com/escooter/rentrelay/services/rent-payment-service/internal/relay"
	"github.com/escooter/rentrelay/services/rent-payment-service/internal/trigger"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// transport is the bus-specific half of the process: where events go, where
// they come from and how to tell the broker is reachable.
type transport struct {
	publisher publisher.Publisher
	source    trigger.Source
	ready     []runtime.ReadyCheck
	close     func()
}

func retryPolicy(cfg relayconfig.Config) trigger.RetryPolicy {
	return trigger.RetryPolicy{
		MaxDeliveries:   cfg.MaxDeliveries,
		InitialInterval: cfg.RetryInitialInterval,
		MaxInterval:     cfg.RetryMaxInterval,
	}
}

func newKafkaTransport(cfg relayconfig.Config, logger *slog.Logger) transport {
	brokers := cfg.Brokers()
	pub := publisher.NewKafka(publisher.KafkaConfig{
		Brokers: brokers,
		Timeout: cfg.PublishTimeout,
	})
	src := trigger.NewKafkaSource(logger, trigger.KafkaConfig{
		Brokers:         brokers,
		GroupID:         cfg.SubscriptionName,
		Topic:           cfg.SourceTopicName,
		DeadLetterTopic: cfg.DeadLetterTopicName,
		Concurrency:     cfg.Concurrency,
		Retry:           retryPolicy(cfg),
	})
	return transport{
		publisher: pub,
		source:    src,
		ready:     []runtime.ReadyCheck{{Name: "kafka", Check: kafkax.ReadyCheck(brokers)}},
		close: func() {
			if err := src.Close(); err != nil {
				logger.Error("kafka source close failed", "err", err)
			}
			if err := pub.Close(); err != nil {
				logger.Error("kafka publisher close failed", "err", err)
			}
		},
	}
}

func newNATSTransport(ctx context.Context, cfg relayconfig.Config, logger *slog.Logger) (transport, error) {
	conn, err := natsx.Connect(natsx.DefaultConfig(cfg.ConnectionString, cfg.ServiceName), logger)
	if err != nil {
		return transport{}, err
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return transport{}, err
	}

	// Redeliveries of one message must stay inside the duplicate window.
	window := max(2*time.Minute, time.Duration(cfg.MaxDeliveries)*cfg.RetryMaxInterval)
	subjects := []string{cfg.SourceTopicName, cfg.TopicName, cfg.DeadLetterTopicName}
	if _, err := natsx.EnsureStream(ctx, js, cfg.NATSStream, subjects, window); err != nil {
		conn.Close()
		return transport{}, err
	}

	src := trigger.NewJetStreamSource(logger, js, trigger.JetStreamConfig{
		Stream:            cfg.NATSStream,
		Consumer:          cfg.SubscriptionName,
		Subject:           cfg.SourceTopicName,
		DeadLetterSubject: cfg.DeadLetterTopicName,
		Concurrency:       cfg.Concurrency,
		AckWait:           max(30*time.Second, 3*cfg.PublishTimeout),
		Retry:             retryPolicy(cfg),
	})
	return transport{
		publisher: publisher.NewJetStream(js, cfg.PublishTimeout),
		source:    src,
		ready:     []runtime.ReadyCheck{{Name: "nats", Check: natsx.ReadyCheck(conn)}},
		close: func() {
			_ = src.Close()
			if err := conn.Drain(); err != nil {
				logger.Error("nats drain failed", "err", err)
			}
		},
	}, nil
}

func main() {
	src, err := config.New(os.Getenv("CONFIG_FILE"))
	if err != nil {
		panic(err)
	}
	cfg, err := relayconfig.Load(src)
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(cfg.ServiceName, cfg.LogLevel)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFrom(src, cfg.ServiceName))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	var bus transport
	switch cfg.Transport {
	case relayconfig.TransportNATS:
		bus, err = newNATSTransport(ctx, cfg, logger)
		if err != nil {
			logger.Error("nats setup failed", "err", err)
			panic(err)
		}
	default:
		bus = newKafkaTransport(cfg, logger)
	}
	defer bus.close()

	handler, err := relay.New(relay.Config[events.RentRequested, events.RentPaymentAuthorized]{
		Destination: cfg.TopicName,
		Decoder:     codec.NewJSON[events.RentRequested](),
		Encoder:     codec.NewJSON[events.RentPaymentAuthorized](),
		Map:         events.AuthorizeRent,
		Clock:       clock.NewSystem(),
		Publisher:   bus.publisher,
		Logger:      logger,
		KeyAttr:     "rent_id",
	})
	if err != nil {
		panic(err)
	}
	dispatcher := trigger.NewDispatcher(handler, events.TypeRentRequested, logger)

	mux := runtime.NewOpsMux(promhttp.Handler(), bus.ready...)
	httpHandler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger, "/healthz", "/readyz", "/metrics"),
	)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           otelhttp.NewHandler(httpHandler, "rent-payment-ops"),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "err", err)
		}
	}()

	received := make(chan error, 1)
	go func() {
		received <- bus.source.Receive(ctx, dispatcher.Dispatch)
	}()
	logger.Info("relay started",
		"transport", string(cfg.Transport),
		"source", cfg.SourceTopicName,
		"destination", cfg.TopicName,
		"dead_letter", cfg.DeadLetterTopicName,
		"concurrency", cfg.Concurrency,
	)

	select {
	case <-ctx.Done():
		select {
		case err := <-received:
			if err != nil {
				logger.Error("source stopped with error", "err", err)
			}
		case <-time.After(30 * time.Second):
			logger.Warn("source did not stop in time")
		}
	case err := <-received:
		if err != nil {
			logger.Error("source stopped with error", "err", err)
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("relay stopped")
}
