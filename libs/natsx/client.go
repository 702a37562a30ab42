// Package natsx holds NATS/JetStream helpers shared by services that use NATS as their bus.
package natsx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Config holds NATS connection settings.
type Config struct {
	// URL is the NATS server URL list (e.g. "nats://localhost:4222").
	URL string

	// Name identifies the connection on the server.
	Name string

	// MaxReconnects is the maximum number of reconnection attempts; -1 is unlimited.
	MaxReconnects int

	ReconnectWait time.Duration
	Timeout       time.Duration
}

func DefaultConfig(url, name string) Config {
	return Config{
		URL:           url,
		Name:          name,
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// Connect opens a NATS connection and reports disconnects on logger.
func Connect(cfg Config, logger *slog.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrlRedacted())
		}),
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return conn, nil
}

// EnsureStream creates or updates a file-backed stream capturing subjects.
// duplicates sets the Nats-Msg-Id deduplication window.
func EnsureStream(ctx context.Context, js jetstream.JetStream, name string, subjects []string, duplicates time.Duration) (jetstream.Stream, error) {
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       name,
		Subjects:   uniqueSubjects(subjects),
		Retention:  jetstream.LimitsPolicy,
		Storage:    jetstream.FileStorage,
		MaxAge:     7 * 24 * time.Hour,
		Duplicates: duplicates,
	})
	if err != nil {
		return nil, fmt.Errorf("create/update stream %s: %w", name, err)
	}
	return stream, nil
}

func uniqueSubjects(subjects []string) []string {
	seen := make(map[string]struct{}, len(subjects))
	out := make([]string, 0, len(subjects))
	for _, s := range subjects {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// ReadyCheck verifies a server round trip on conn.
func ReadyCheck(conn *nats.Conn) func(context.Context) error {
	return func(ctx context.Context) error {
		if conn == nil {
			return errors.New("nats not configured")
		}
		if !conn.IsConnected() {
			return errors.New("not connected to nats")
		}
		return conn.FlushWithContext(ctx)
	}
}
