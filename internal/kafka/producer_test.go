package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"seatwatch/internal/config"
	"seatwatch/internal/models"
)

// skipIfNoKafka skips the test if Kafka is not available
func skipIfNoKafka(t *testing.T) {
	if os.Getenv("KAFKA_TEST") != "1" {
		t.Skip("Skipping Kafka integration test. Set KAFKA_TEST=1 to run.")
	}
}

// fakeWriter records written messages and fails the first failures calls
type fakeWriter struct {
	mu       sync.Mutex
	written  []kafka.Message
	calls    int
	failures int
	closed   bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.calls <= w.failures {
		return errors.New("leader not available")
	}
	w.written = append(w.written, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func testEnvelope(id, subscriber string) *models.Envelope {
	return models.NewEnvelope(&models.Notification{
		ID:           id,
		SubscriberID: subscriber,
		ResourceID:   "sec-1",
		Kind:         models.KindThresholdMet,
		Payload:      models.Payload{Event: models.KindThresholdMet, DeepLink: "/sections/sec-1"},
		ChangeAt:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}, "node-a")
}

func newFakeProducer(t *testing.T, w *fakeWriter, cfg config.ProducerConfig) *Producer {
	t.Helper()
	cfg.PoolSize = 1
	p, err := NewProducer([]string{"localhost:9092"}, "notifications", cfg,
		WithWriterFactory(func() MessageWriter { return w }))
	if err != nil {
		t.Fatalf("NewProducer() error = %v", err)
	}
	return p
}

func header(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestProducerPublishBuildsMessage(t *testing.T) {
	w := &fakeWriter{}
	p := newFakeProducer(t, w, config.ProducerConfig{})

	env := testEnvelope("n-1", "u-1")
	if err := p.Publish(context.Background(), env); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	if len(w.written) != 1 {
		t.Fatalf("expected 1 message, got %d", len(w.written))
	}
	msg := w.written[0]
	if string(msg.Key) != "u-1" {
		t.Errorf("key = %q, want subscriber id", msg.Key)
	}
	if header(msg, "notification_id") != "n-1" || header(msg, "resource_id") != "sec-1" || header(msg, "node") != "node-a" {
		t.Errorf("unexpected headers: %+v", msg.Headers)
	}
	if !msg.Time.Equal(env.EnqueuedAt) {
		t.Errorf("time = %v, want %v", msg.Time, env.EnqueuedAt)
	}

	var decoded models.Envelope
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("message value is not an envelope: %v", err)
	}
	if decoded.Notification.Payload.DeepLink != "/sections/sec-1" {
		t.Errorf("deep link = %q", decoded.Notification.Payload.DeepLink)
	}

	if stats := p.Stats(); stats.MessagesSent != 1 || stats.BytesWritten != uint64(len(msg.Value)) {
		t.Errorf("stats = %+v", stats)
	}
}

func TestProducerRetriesBatch(t *testing.T) {
	w := &fakeWriter{failures: 2}
	p := newFakeProducer(t, w, config.ProducerConfig{MaxRetries: 2, RetryBackoff: time.Millisecond})

	batch := []*models.Envelope{testEnvelope("n-1", "u-1"), testEnvelope("n-2", "u-2")}
	if err := p.PublishBatch(context.Background(), batch); err != nil {
		t.Fatalf("PublishBatch() error = %v", err)
	}
	if w.calls != 3 || len(w.written) != 2 {
		t.Errorf("calls = %d, written = %d", w.calls, len(w.written))
	}
}

func TestProducerGivesUpAfterRetries(t *testing.T) {
	w := &fakeWriter{failures: 10}
	p := newFakeProducer(t, w, config.ProducerConfig{MaxRetries: 1, RetryBackoff: time.Millisecond})

	err := p.PublishBatch(context.Background(), []*models.Envelope{testEnvelope("n-1", "u-1")})
	if err == nil {
		t.Fatal("expected an error")
	}
	if w.calls != 2 {
		t.Errorf("calls = %d, want 2", w.calls)
	}
	if p.Stats().MessagesFailed != 1 {
		t.Errorf("failed = %d, want 1", p.Stats().MessagesFailed)
	}
}

func TestProducerClosed(t *testing.T) {
	w := &fakeWriter{}
	p := newFakeProducer(t, w, config.ProducerConfig{})

	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !w.closed {
		t.Error("writer not closed")
	}
	if err := p.Publish(context.Background(), testEnvelope("n-1", "u-1")); !errors.Is(err, ErrProducerClosed) {
		t.Errorf("Publish() error = %v, want ErrProducerClosed", err)
	}
	if err := p.HealthCheck(context.Background()); !errors.Is(err, ErrProducerClosed) {
		t.Errorf("HealthCheck() error = %v, want ErrProducerClosed", err)
	}
}

func TestNewProducerValidation(t *testing.T) {
	if _, err := NewProducer(nil, "t", config.ProducerConfig{}); err == nil {
		t.Error("expected error without brokers")
	}
	if _, err := NewProducer([]string{"b:9092"}, "", config.ProducerConfig{}); err == nil {
		t.Error("expected error without topic")
	}
}

func TestProducerPublishLive(t *testing.T) {
	skipIfNoKafka(t)

	cfg := config.Default()
	producer, err := NewProducer(cfg.Kafka.Brokers, cfg.Kafka.NotificationsTopic, cfg.Kafka.Producer)
	if err != nil {
		t.Fatalf("failed to create producer: %v", err)
	}
	defer producer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := producer.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := producer.Publish(ctx, testEnvelope("live-1", "u-1")); err != nil {
		t.Fatalf("failed to publish: %v", err)
	}
	if stats := producer.Stats(); stats.MessagesSent != 1 {
		t.Errorf("expected 1 message sent, got %d", stats.MessagesSent)
	}
}
