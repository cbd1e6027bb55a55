package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"seatwatch/internal/alerts"
	"seatwatch/internal/logger"
	"seatwatch/internal/metrics"
	"seatwatch/internal/models"
	"seatwatch/internal/state"
	"seatwatch/internal/storage"
)

// Dispatcher receives notifications after they are durably committed.
// Dispatch must not block the caller.
type Dispatcher interface {
	Dispatch(notifications []models.Notification)
}

// ChangeProcessor applies resource updates and records the notifications
// they trigger. Updates to one resource are linearized; updates to different
// resources run in parallel.
type ChangeProcessor struct {
	store        storage.Store
	policy       alerts.Policy
	locks        *state.KeyedMutex
	dispatcher   Dispatcher
	deepLinkBase string
	now          func() time.Time
	newID        func() string
	source       string
}

// Option configures a ChangeProcessor
type Option func(*ChangeProcessor)

// WithPolicy replaces the default seat policy
func WithPolicy(p alerts.Policy) Option {
	return func(cp *ChangeProcessor) { cp.policy = p }
}

// WithDispatcher hands committed notifications to d
func WithDispatcher(d Dispatcher) Option {
	return func(cp *ChangeProcessor) { cp.dispatcher = d }
}

// WithDeepLinkBase sets the prefix of deep links in notification payloads
func WithDeepLinkBase(base string) Option {
	return func(cp *ChangeProcessor) { cp.deepLinkBase = base }
}

// WithClock overrides the wall clock
func WithClock(now func() time.Time) Option {
	return func(cp *ChangeProcessor) { cp.now = now }
}

// WithLocker shares a per-resource lock table between processors
func WithLocker(l *state.KeyedMutex) Option {
	return func(cp *ChangeProcessor) { cp.locks = l }
}

// WithSource labels update metrics with the inbound channel
func WithSource(source string) Option {
	return func(cp *ChangeProcessor) { cp.source = source }
}

// NewChangeProcessor creates a processor over store
func NewChangeProcessor(store storage.Store, opts ...Option) *ChangeProcessor {
	cp := &ChangeProcessor{
		store:  store,
		policy: alerts.Default(),
		locks:  state.NewKeyedMutex(),
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },
		source: "api",
	}
	for _, opt := range opts {
		opt(cp)
	}
	return cp
}

// ApplyUpdate merges u into the stored resource, evaluates every active
// subscription against the merged state and records one notification per
// qualifying subscriber not yet notified for the current change.
//
// Either every notification of the call is committed together with the
// dedup state, or none is and the call fails.
func (cp *ChangeProcessor) ApplyUpdate(ctx context.Context, u models.ResourceUpdate) (*models.UpdateResult, error) {
	start := time.Now()
	log := logger.WithComponent("change_processor")

	u.Normalize()
	if err := u.Validate(); err != nil {
		metrics.UpdatesTotal.WithLabelValues(cp.source, "invalid").Inc()
		return nil, fmt.Errorf("%w: %w", models.ErrInvalidUpdate, err)
	}

	unlock, err := cp.locks.Lock(ctx, u.ResourceID)
	if err != nil {
		metrics.UpdatesTotal.WithLabelValues(cp.source, "conflict").Inc()
		return nil, fmt.Errorf("waiting for resource %s: %w: %w", u.ResourceID, storage.ErrConflict, err)
	}
	defer unlock()

	var result *models.UpdateResult
	err = cp.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		result, err = cp.apply(ctx, tx, u)
		return err
	})
	duration := time.Since(start)
	metrics.UpdateDuration.Observe(duration.Seconds())

	if err != nil {
		metrics.UpdatesTotal.WithLabelValues(cp.source, outcome(err)).Inc()
		log.Error().
			Err(err).
			Str("resource_id", u.ResourceID).
			Dur("duration", duration).
			Msg("update failed")
		return nil, err
	}

	if result.Changed {
		metrics.UpdatesTotal.WithLabelValues(cp.source, "changed").Inc()
	} else {
		metrics.UpdatesTotal.WithLabelValues(cp.source, "unchanged").Inc()
	}
	metrics.NotificationsCreated.Add(float64(result.NotificationsCreated))

	log.Info().
		Str("resource_id", result.ResourceID).
		Str("old_status", string(result.OldStatus)).
		Str("new_status", string(result.NewStatus)).
		Bool("changed", result.Changed).
		Int("notifications_created", result.NotificationsCreated).
		Dur("duration", duration).
		Msg("update applied")

	if cp.dispatcher != nil && len(result.Notifications) > 0 {
		cp.dispatcher.Dispatch(result.Notifications)
	}
	return result, nil
}

func (cp *ChangeProcessor) apply(ctx context.Context, tx storage.Tx, u models.ResourceUpdate) (*models.UpdateResult, error) {
	r, err := tx.LockResource(ctx, u.ResourceID)
	if err != nil {
		return nil, err
	}

	previous := r.State()
	merged := u.Merge(previous)
	changed := !merged.Equal(previous)
	now := cp.now().UTC().Truncate(time.Microsecond)

	if changed {
		changeAt := now
		// last_change_at must move strictly forward or dedup would swallow
		// a second change inside the same clock tick
		if !changeAt.After(r.LastChangeAt) {
			changeAt = r.LastChangeAt.Add(time.Microsecond)
		}
		r.LastChangeAt = changeAt
	}
	r.Status = merged.Status
	r.OpenCount = merged.OpenCount
	r.Capacity = merged.Capacity
	r.UpdatedAt = now

	if err := tx.SaveResourceState(ctx, r); err != nil {
		return nil, err
	}

	result := &models.UpdateResult{
		ResourceID:   r.ID,
		OldStatus:    previous.Status,
		NewStatus:    merged.Status,
		Previous:     previous,
		Current:      merged,
		Changed:      changed,
		LastChangeAt: r.LastChangeAt,
	}

	subs, err := tx.ActiveSubscriptions(ctx, r.ID)
	if err != nil {
		return nil, err
	}

	notifiedAt := now
	if notifiedAt.Before(r.LastChangeAt) {
		notifiedAt = r.LastChangeAt
	}

	payload := models.NewPayload(r, previous, cp.deepLinkBase)
	for _, sub := range subs {
		if !cp.policy.Qualifies(sub.Threshold, merged.Status, merged.OpenCount) {
			metrics.NotificationsSuppressed.WithLabelValues("not_qualified").Inc()
			continue
		}
		if sub.AlreadyNotified(r.LastChangeAt) {
			metrics.NotificationsSuppressed.WithLabelValues("already_notified").Inc()
			continue
		}

		n := models.Notification{
			ID:           cp.newID(),
			SubscriberID: sub.SubscriberID,
			ResourceID:   r.ID,
			Kind:         models.KindThresholdMet,
			Payload:      payload,
			ChangeAt:     r.LastChangeAt,
			CreatedAt:    now,
		}
		created, err := tx.CreateNotification(ctx, &n)
		if err != nil {
			return nil, fmt.Errorf("notifying %s: %w", sub.SubscriberID, err)
		}
		if err := tx.MarkNotified(ctx, sub.SubscriberID, r.ID, notifiedAt); err != nil {
			return nil, fmt.Errorf("notifying %s: %w", sub.SubscriberID, err)
		}
		if !created {
			metrics.NotificationsSuppressed.WithLabelValues("duplicate").Inc()
			continue
		}

		result.Notifications = append(result.Notifications, n)
		result.NotificationsCreated++
	}

	return result, nil
}

func outcome(err error) string {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return "not_found"
	case errors.Is(err, storage.ErrConflict):
		return "conflict"
	default:
		return "failed"
	}
}
