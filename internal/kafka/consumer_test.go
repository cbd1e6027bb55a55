package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"seatwatch/internal/config"
	"seatwatch/internal/models"
	"seatwatch/internal/storage"
)

// fakeReader serves queued messages, then blocks until ctx is cancelled
type fakeReader struct {
	mu        sync.Mutex
	messages  []kafka.Message
	committed []int64
	fetchErrs int
	drained   chan struct{}
}

func newFakeReader(values ...string) *fakeReader {
	r := &fakeReader{drained: make(chan struct{})}
	for i, v := range values {
		r.messages = append(r.messages, kafka.Message{Offset: int64(i), Value: []byte(v)})
	}
	return r
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if r.fetchErrs > 0 {
		r.fetchErrs--
		r.mu.Unlock()
		return kafka.Message{}, errors.New("group rebalance in progress")
	}
	if len(r.messages) > 0 {
		msg := r.messages[0]
		r.messages = r.messages[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()

	select {
	case <-r.drained:
	default:
		close(r.drained)
	}
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

// scriptedUpdater returns the queued errors for a resource before succeeding
type scriptedUpdater struct {
	mu      sync.Mutex
	errs    map[string][]error
	applied []models.ResourceUpdate
	calls   int
}

func (u *scriptedUpdater) ApplyUpdate(_ context.Context, upd models.ResourceUpdate) (*models.UpdateResult, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls++
	if queue := u.errs[upd.ResourceID]; len(queue) > 0 {
		u.errs[upd.ResourceID] = queue[1:]
		return nil, queue[0]
	}
	u.applied = append(u.applied, upd)
	return &models.UpdateResult{ResourceID: upd.ResourceID}, nil
}

var testConsumerConfig = config.ConsumerConfig{MaxRetries: 2, RetryBackoff: time.Millisecond}

func runUntilDrained(t *testing.T, c *Consumer, r *fakeReader) error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx) }()

	select {
	case <-r.drained:
		cancel()
	case err := <-errc:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not drain the reader")
	}
	return <-errc
}

func TestConsumerAppliesAndCommits(t *testing.T) {
	r := newFakeReader(
		`{"resource_id": "sec-1", "status": "open", "open_count": 2}`,
		`{"resource_id": "sec-2", "capacity": null}`,
	)
	u := &scriptedUpdater{}
	c := NewConsumerWithReader(r, u, testConsumerConfig)

	if err := runUntilDrained(t, c, r); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(u.applied) != 2 {
		t.Fatalf("applied %d updates, want 2", len(u.applied))
	}
	if !u.applied[1].Capacity.Set || u.applied[1].Capacity.Value != nil {
		t.Errorf("explicit null capacity lost: %+v", u.applied[1].Capacity)
	}
	if fmt.Sprint(r.committed) != "[0 1]" {
		t.Errorf("committed offsets = %v", r.committed)
	}
}

func TestConsumerUsesKeyAsResourceID(t *testing.T) {
	r := &fakeReader{drained: make(chan struct{}), messages: []kafka.Message{
		{Offset: 7, Key: []byte("sec-9"), Value: []byte(`{"status": "closed"}`)},
	}}
	u := &scriptedUpdater{}
	c := NewConsumerWithReader(r, u, testConsumerConfig)

	if err := runUntilDrained(t, c, r); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(u.applied) != 1 || u.applied[0].ResourceID != "sec-9" {
		t.Errorf("applied = %+v", u.applied)
	}
}

func TestConsumerSkipsRejectedMessages(t *testing.T) {
	r := newFakeReader(
		`not json`,
		`{"resource_id": "missing", "status": "open"}`,
		`{"resource_id": "sec-1", "open_count": -1}`,
	)
	u := &scriptedUpdater{errs: map[string][]error{
		"missing": {fmt.Errorf("locking resource missing: %w", storage.ErrNotFound)},
		"sec-1":   {fmt.Errorf("%w: %w", models.ErrInvalidUpdate, models.ErrNegativeOpenCount)},
	}}
	c := NewConsumerWithReader(r, u, testConsumerConfig)

	if err := runUntilDrained(t, c, r); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if u.calls != 2 {
		t.Errorf("updater called %d times, want 2", u.calls)
	}
	if len(r.committed) != 3 {
		t.Errorf("committed %v, want every offset", r.committed)
	}
}

func TestConsumerRetriesConflicts(t *testing.T) {
	r := newFakeReader(`{"resource_id": "sec-1", "status": "open"}`)
	u := &scriptedUpdater{errs: map[string][]error{
		"sec-1": {storage.ErrConflict, storage.ErrPersistence},
	}}
	c := NewConsumerWithReader(r, u, testConsumerConfig)

	if err := runUntilDrained(t, c, r); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if u.calls != 3 || len(u.applied) != 1 {
		t.Errorf("calls = %d, applied = %d", u.calls, len(u.applied))
	}
}

func TestConsumerStopsWhenRetriesExhausted(t *testing.T) {
	r := newFakeReader(`{"resource_id": "sec-1", "status": "open"}`)
	u := &scriptedUpdater{errs: map[string][]error{
		"sec-1": {storage.ErrConflict, storage.ErrConflict, storage.ErrConflict},
	}}
	c := NewConsumerWithReader(r, u, testConsumerConfig)

	err := runUntilDrained(t, c, r)
	if !errors.Is(err, ErrUpdateFailed) || !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("Run() error = %v, want ErrUpdateFailed wrapping ErrConflict", err)
	}
	if len(r.committed) != 0 {
		t.Errorf("failed message must not be committed: %v", r.committed)
	}
}

func TestConsumerSurvivesFetchErrors(t *testing.T) {
	r := newFakeReader(`{"resource_id": "sec-1", "status": "open"}`)
	r.fetchErrs = 2
	u := &scriptedUpdater{}
	c := NewConsumerWithReader(r, u, testConsumerConfig)

	if err := runUntilDrained(t, c, r); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(u.applied) != 1 {
		t.Errorf("applied %d updates, want 1", len(u.applied))
	}
}
