package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"seatwatch/internal/config"
	"seatwatch/internal/logger"
	"seatwatch/internal/metrics"
	"seatwatch/internal/models"
	"seatwatch/internal/storage"
)

// ErrUpdateFailed stops the consumer when an update keeps failing. The
// message stays uncommitted and is redelivered after restart.
var ErrUpdateFailed = errors.New("update failed after retries")

// MessageReader is the part of *kafka.Reader the consumer uses
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Updater applies one resource update
type Updater interface {
	ApplyUpdate(ctx context.Context, u models.ResourceUpdate) (*models.UpdateResult, error)
}

// Consumer feeds resource updates from a topic into the change engine.
// Offsets are committed only after an update is applied or deliberately
// skipped, so every message is processed at least once.
type Consumer struct {
	reader  MessageReader
	updater Updater
	cfg     config.ConsumerConfig
}

// NewConsumer creates a consumer group reader on the updates topic
func NewConsumer(kcfg config.KafkaConfig, updater Updater) (*Consumer, error) {
	if len(kcfg.Brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if kcfg.UpdatesTopic == "" || kcfg.GroupID == "" {
		return nil, errors.New("topic and group id are required")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  kcfg.Brokers,
		Topic:    kcfg.UpdatesTopic,
		GroupID:  kcfg.GroupID,
		MinBytes: kcfg.Consumer.MinBytes,
		MaxBytes: kcfg.Consumer.MaxBytes,
		MaxWait:  kcfg.Consumer.MaxWait,
	})
	return NewConsumerWithReader(reader, updater, kcfg.Consumer), nil
}

// NewConsumerWithReader wraps an existing reader
func NewConsumerWithReader(reader MessageReader, updater Updater, cfg config.ConsumerConfig) *Consumer {
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 200 * time.Millisecond
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Consumer{reader: reader, updater: updater, cfg: cfg}
}

// Run consumes until ctx is cancelled. It returns nil on cancellation and
// ErrUpdateFailed when an update cannot be applied within the retry budget.
func (c *Consumer) Run(ctx context.Context) error {
	log := logger.WithComponent("kafka_consumer")
	log.Info().Msg("consumer started")
	defer log.Info().Msg("consumer stopped")

	backoff := c.cfg.RetryBackoff
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn().Err(err).Dur("backoff", backoff).Msg("fetch failed")
			if !sleep(ctx, backoff) {
				return nil
			}
			backoff = min(backoff*2, 30*time.Second)
			continue
		}
		backoff = c.cfg.RetryBackoff

		if err := c.handle(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error().
				Err(err).
				Int("partition", msg.Partition).
				Int64("offset", msg.Offset).
				Msg("commit failed")
		}
	}
}

// handle applies one message. A nil return means the offset may be committed.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	log := logger.WithComponent("kafka_consumer").With().
		Int("partition", msg.Partition).
		Int64("offset", msg.Offset).
		Logger()

	var u models.ResourceUpdate
	if err := json.Unmarshal(msg.Value, &u); err != nil {
		log.Warn().Err(err).Msg("skipping undecodable update")
		metrics.KafkaConsumedTotal.WithLabelValues("skipped").Inc()
		return nil
	}
	if u.ResourceID == "" {
		u.ResourceID = string(msg.Key)
	}

	backoff := c.cfg.RetryBackoff
	for attempt := 0; ; attempt++ {
		_, err := c.updater.ApplyUpdate(ctx, u)
		switch {
		case err == nil:
			metrics.KafkaConsumedTotal.WithLabelValues("applied").Inc()
			return nil

		case models.IsValidation(err), errors.Is(err, storage.ErrNotFound):
			log.Warn().Err(err).Str("resource_id", u.ResourceID).Msg("skipping rejected update")
			metrics.KafkaConsumedTotal.WithLabelValues("skipped").Inc()
			return nil

		case ctx.Err() != nil:
			return ctx.Err()

		case attempt >= c.cfg.MaxRetries:
			metrics.KafkaConsumedTotal.WithLabelValues("failed").Inc()
			return fmt.Errorf("%w: resource %s at offset %d: %w", ErrUpdateFailed, u.ResourceID, msg.Offset, err)
		}

		log.Warn().
			Err(err).
			Str("resource_id", u.ResourceID).
			Int("attempt", attempt+1).
			Dur("backoff", backoff).
			Msg("retrying update")
		metrics.KafkaConsumeRetries.Inc()
		if !sleep(ctx, backoff) {
			return ctx.Err()
		}
		backoff *= 2
	}
}

// Close closes the underlying reader
func (c *Consumer) Close() error {
	return c.reader.Close()
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
