// Package ingest feeds trade events from Kafka into the ledger.
//
// Offsets are committed only once an event reached a terminal outcome:
// applied, duplicate, rejected by validation, or undecodable. Any other
// failure is retried in place so a partition's events are never applied out
// of order and none is lost.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/atmx/position-ledger/internal/ledger"
	"github.com/atmx/position-ledger/internal/metrics"
	"github.com/atmx/position-ledger/internal/model"
)

// Applier is the part of the ledger engine the consumer needs.
type Applier interface {
	Apply(ctx context.Context, ev model.TradeEvent) (ledger.Result, error)
}

// Outcome classifies one processed message.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRejected  Outcome = "rejected"
	OutcomeMalformed Outcome = "malformed"
	OutcomeError     Outcome = "error"
)

// Terminal reports whether the message's offset may be committed.
func (o Outcome) Terminal() bool {
	return o != OutcomeError
}

// Classify maps the result of applying an event to an outcome.
func Classify(res ledger.Result, err error) Outcome {
	var verr *ledger.ValidationError
	switch {
	case err == nil && res.Duplicate:
		return OutcomeDuplicate
	case err == nil:
		return OutcomeApplied
	case errors.As(err, &verr):
		return OutcomeRejected
	case errors.Is(err, model.ErrMalformedMessage):
		return OutcomeMalformed
	default:
		return OutcomeError
	}
}

// Config selects the topic and consumer group.
type Config struct {
	Brokers []string
	Topic   string
	GroupID string
}

// reader is the subset of *kafka.Reader the consumer uses.
type reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumer reads trade messages and applies them one at a time.
type KafkaConsumer struct {
	reader  reader
	applier Applier
	logger  *slog.Logger

	minBackoff time.Duration
	maxBackoff time.Duration
}

func NewKafkaConsumer(cfg Config, a Applier, logger *slog.Logger) *KafkaConsumer {
	if cfg.GroupID == "" {
		cfg.GroupID = "position-ledger"
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.GroupID,
		Topic:          cfg.Topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        time.Second,
		CommitInterval: 0, // synchronous commits
	})
	return newConsumer(r, a, logger)
}

func newConsumer(r reader, a Applier, logger *slog.Logger) *KafkaConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaConsumer{
		reader:     r,
		applier:    a,
		logger:     logger.With("component", "ingest"),
		minBackoff: 100 * time.Millisecond,
		maxBackoff: 5 * time.Second,
	}
}

// Run consumes until ctx is done.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	backoff := c.minBackoff
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("failed to fetch message", "backoff", backoff, "err", err)
			if !c.sleep(ctx, &backoff) {
				return nil
			}
			continue
		}
		backoff = c.minBackoff

		if !c.process(ctx, msg) {
			// Only cancellation ends processing without a terminal outcome.
			return nil
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("failed to commit offset", "partition", msg.Partition, "offset", msg.Offset, "err", err)
		}
	}
}

// process applies msg, retrying fatal errors with backoff, and reports
// whether it reached a terminal outcome.
func (c *KafkaConsumer) process(ctx context.Context, msg kafka.Message) bool {
	backoff := c.minBackoff
	for {
		outcome, err := c.handle(ctx, msg)
		metrics.IngestMessages.WithLabelValues(string(outcome)).Inc()
		if outcome.Terminal() {
			return true
		}

		c.logger.Error("trade not applied, retrying",
			"partition", msg.Partition, "offset", msg.Offset, "backoff", backoff, "err", err)
		if !c.sleep(ctx, &backoff) {
			return false
		}
	}
}

// sleep waits out backoff and doubles it up to the maximum. It reports
// false if ctx ended first.
func (c *KafkaConsumer) sleep(ctx context.Context, backoff *time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(*backoff):
	}
	if *backoff *= 2; *backoff > c.maxBackoff {
		*backoff = c.maxBackoff
	}
	return true
}

func (c *KafkaConsumer) handle(ctx context.Context, msg kafka.Message) (Outcome, error) {
	var m model.TradeMessage
	if err := json.Unmarshal(msg.Value, &m); err != nil {
		c.logger.Warn("dropping undecodable message", "partition", msg.Partition, "offset", msg.Offset, "err", err)
		return OutcomeMalformed, err
	}
	ev, err := m.Event()
	if err != nil {
		c.logger.Warn("dropping malformed trade", "trade_id", m.TradeID, "offset", msg.Offset, "err", err)
		return OutcomeMalformed, err
	}
	if ev.CorrelationID == "" {
		ev.CorrelationID = headerValue(msg, "correlation_id")
	}

	res, err := c.applier.Apply(ctx, ev)
	outcome := Classify(res, err)
	if outcome == OutcomeRejected {
		c.logger.Info("trade rejected", "trade_id", ev.TradeID, "offset", msg.Offset, "err", err)
	}
	return outcome, err
}

func headerValue(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}
