// Package publish delivers outbound notifications after a commit. Delivery
// is fire-and-forget from the ledger's point of view: the event log is the
// record, publication is a courtesy to downstream consumers.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"
)

// TopicPositionUpdated is published after every committed apply or replay.
const TopicPositionUpdated = "position.updated"

var ErrUnknownBackend = errors.New("publish: unknown backend")

// Publisher sends one payload. key orders messages of one position.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload []byte) error
	Close() error
}

// Nop discards everything.
type Nop struct{}

func (Nop) Publish(context.Context, string, string, []byte) error { return nil }
func (Nop) Close() error                                         { return nil }

// Multi fans out to every publisher and reports all failures.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, topic, key string, payload []byte) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, topic, key, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Config selects the broker backend.
type Config struct {
	Backend      string // "kafka", "nats" or "none"
	KafkaBrokers []string
	KafkaTopic   string
	NATSURL      string
}

// New builds the publisher named by cfg.Backend.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch strings.ToLower(cfg.Backend) {
	case "", "none":
		return Nop{}, nil
	case "kafka":
		if len(cfg.KafkaBrokers) == 0 {
			return nil, fmt.Errorf("publish: kafka backend requires brokers")
		}
		return NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger), nil
	case "nats":
		nc, err := nats.Connect(cfg.NATSURL)
		if err != nil {
			return nil, fmt.Errorf("publish: connect nats: %w", err)
		}
		p, err := NewNATSPublisher(ctx, nc, logger)
		if err != nil {
			nc.Close()
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}
