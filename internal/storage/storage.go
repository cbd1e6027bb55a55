package storage

import (
	"context"
	"errors"
	"time"

	"seatwatch/internal/models"
)

// Store errors
var (
	// ErrNotFound is returned when the resource, subscription or notification does not exist
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when the per-resource serialization boundary was
	// contended; the caller should retry the whole operation
	ErrConflict = errors.New("conflict, retry")

	// ErrPersistence wraps any other failure of the durable store
	ErrPersistence = errors.New("persistence failure")
)

// IsRetryable reports whether err is worth retrying as a whole
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict)
}

// ResourceStore holds the authoritative state of every resource
type ResourceStore interface {
	UpsertResource(ctx context.Context, r models.Resource) (*models.Resource, error)
	GetResource(ctx context.Context, id string) (*models.Resource, error)
}

// SubscriptionRegistry holds subscriber watches
type SubscriptionRegistry interface {
	Subscribe(ctx context.Context, subscriberID, resourceID string, threshold int) (*models.Subscription, error)
	Unsubscribe(ctx context.Context, subscriberID, resourceID string) error
	ListSubscriptions(ctx context.Context, subscriberID string) ([]models.WatchDetail, error)
}

// NotificationSink is the durable record of notifications and their read state
type NotificationSink interface {
	ListNotifications(ctx context.Context, subscriberID string, unreadOnly bool) ([]models.Notification, error)
	MarkNotificationRead(ctx context.Context, subscriberID, notificationID string) error
	PruneReadNotifications(ctx context.Context, before time.Time) (int64, error)
}

// Tx is the set of operations the change processor runs inside one
// transaction. LockResource must hold the resource row until commit.
type Tx interface {
	LockResource(ctx context.Context, id string) (*models.Resource, error)
	SaveResourceState(ctx context.Context, r *models.Resource) error
	ActiveSubscriptions(ctx context.Context, resourceID string) ([]models.Subscription, error)

	// CreateNotification is idempotent on (subscriber, resource, change_at);
	// created is false when the row already existed.
	CreateNotification(ctx context.Context, n *models.Notification) (created bool, err error)
	MarkNotified(ctx context.Context, subscriberID, resourceID string, at time.Time) error
}

// Store is the full persistence API of the engine
type Store interface {
	ResourceStore
	SubscriptionRegistry
	NotificationSink

	// WithTx runs fn in a transaction, committing when fn returns nil and
	// rolling back otherwise.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	Ping(ctx context.Context) error
	Close() error
}
