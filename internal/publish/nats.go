package publish

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/atmx/position-ledger/internal/metrics"
)

const (
	streamName    = "POSITION_LEDGER_EVENTS"
	subjectPrefix = "ledger.events."
)

// NATSPublisher publishes to JetStream under ledger.events.<topic>.
type NATSPublisher struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// NewNATSPublisher ensures the outbound stream exists and returns a publisher.
func NewNATSPublisher(ctx context.Context, nc *nats.Conn, logger *slog.Logger) (*NATSPublisher, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("publish: jetstream: %w", err)
	}
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{subjectPrefix + ">"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return nil, fmt.Errorf("publish: create stream: %w", err)
	}
	logger.Info("ensured outbound stream", "stream", streamName)
	return &NATSPublisher{nc: nc, js: js, logger: logger}, nil
}

func (p *NATSPublisher) Publish(ctx context.Context, topic, key string, payload []byte) error {
	msg := nats.NewMsg(subjectPrefix + topic)
	msg.Data = payload
	msg.Header.Set("Position-Key", key)
	if _, err := p.js.PublishMsg(ctx, msg); err != nil {
		metrics.PublishErrors.WithLabelValues("nats").Inc()
		return fmt.Errorf("publish nats %s: %w", topic, err)
	}
	return nil
}

func (p *NATSPublisher) Close() error {
	return p.nc.Drain()
}
