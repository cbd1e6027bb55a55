package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"seatwatch/internal/logger"
	"seatwatch/internal/models"
)

// PgxIface is the subset of *pgxpool.Pool the store needs. pgxmock pools
// satisfy it too.
type PgxIface interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore implements Store on PostgreSQL. Resource rows are locked
// with SELECT ... FOR UPDATE so concurrent writers to one resource serialize
// across processes.
type PostgresStore struct {
	db          PgxIface
	lockTimeout time.Duration
}

// Compile time check for interface compliance
var _ Store = (*PostgresStore)(nil)

// NewPgxPool returns a concurrency safe pool of connections to dsn.
func NewPgxPool(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if maxConns > 0 {
		poolConfig.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log := logger.WithComponent("storage")
	log.Info().
		Int32("max_conns", poolConfig.MaxConns).
		Msg("Database connection pool established")
	return pool, nil
}

// NewPostgresStore wraps an open pool. A positive lockTimeout bounds how
// long a transaction waits on a resource row lock before failing with
// ErrConflict.
func NewPostgresStore(db PgxIface, lockTimeout time.Duration) *PostgresStore {
	return &PostgresStore{db: db, lockTimeout: lockTimeout}
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

// Ping checks the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return classifyPgError("pinging postgres", err)
	}
	return nil
}

// WithTx runs fn in a transaction. Errors fn returns are passed through
// unchanged; failures to begin or commit are classified.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if s.lockTimeout > 0 {
			stmt := fmt.Sprintf("SET LOCAL lock_timeout = %d", s.lockTimeout.Milliseconds())
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return classifyPgError("setting lock timeout", err)
			}
		}
		return fn(&pgTx{tx: tx})
	})
	if err != nil {
		if classified(err) {
			return err
		}
		return classifyPgError("running transaction", err)
	}
	return nil
}

const pgResourceColumns = `id, course_id, subject, number, title, term, class_number,
	component_type, days, time_range, location, instructor,
	status, open_count, capacity, last_change_at, created_at, updated_at`

// UpsertResource registers a resource or refreshes its descriptive
// attributes without touching the availability state.
func (s *PostgresStore) UpsertResource(ctx context.Context, r models.Resource) (*models.Resource, error) {
	now := time.Now().UTC().Truncate(time.Microsecond)
	if r.LastChangeAt.IsZero() {
		r.LastChangeAt = now
	}

	row := s.db.QueryRow(ctx, `
		INSERT INTO resources (`+pgResourceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $17)
		ON CONFLICT (id) DO UPDATE SET
			course_id      = EXCLUDED.course_id,
			subject        = EXCLUDED.subject,
			number         = EXCLUDED.number,
			title          = EXCLUDED.title,
			term           = EXCLUDED.term,
			class_number   = EXCLUDED.class_number,
			component_type = EXCLUDED.component_type,
			days           = EXCLUDED.days,
			time_range     = EXCLUDED.time_range,
			location       = EXCLUDED.location,
			instructor     = EXCLUDED.instructor,
			updated_at     = EXCLUDED.updated_at
		RETURNING `+pgResourceColumns,
		r.ID, r.CourseID, r.Subject, r.Number, r.Title, r.Term, r.ClassNumber,
		r.ComponentType, r.Days, r.TimeRange, r.Location, r.Instructor,
		string(r.Status), r.OpenCount, r.Capacity, r.LastChangeAt.UTC(), now,
	)

	out, err := scanResource(row)
	if err != nil {
		return nil, classifyPgError(fmt.Sprintf("upserting resource %s", r.ID), err)
	}
	return out, nil
}

// GetResource retrieves a single resource by its ID.
func (s *PostgresStore) GetResource(ctx context.Context, id string) (*models.Resource, error) {
	row := s.db.QueryRow(ctx, "SELECT "+pgResourceColumns+" FROM resources WHERE id = $1", id)
	out, err := scanResource(row)
	if err != nil {
		return nil, classifyPgError(fmt.Sprintf("getting resource %s", id), err)
	}
	return out, nil
}

const pgSubscriptionColumns = `subscriber_id, resource_id, threshold, active, last_notified_at, created_at, updated_at`

// Subscribe creates the watch or reactivates it with the new threshold.
func (s *PostgresStore) Subscribe(ctx context.Context, subscriberID, resourceID string, threshold int) (*models.Subscription, error) {
	var out *models.Subscription

	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		var exists bool
		err := tx.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM resources WHERE id = $1)", resourceID).Scan(&exists)
		if err != nil {
			return classifyPgError("checking resource", err)
		}
		if !exists {
			return fmt.Errorf("resource %s: %w", resourceID, ErrNotFound)
		}

		now := time.Now().UTC().Truncate(time.Microsecond)
		row := tx.QueryRow(ctx, `
			INSERT INTO subscriptions (subscriber_id, resource_id, threshold, active, created_at, updated_at)
			VALUES ($1, $2, $3, TRUE, $4, $4)
			ON CONFLICT (subscriber_id, resource_id) DO UPDATE SET
				threshold  = EXCLUDED.threshold,
				active     = TRUE,
				updated_at = EXCLUDED.updated_at
			RETURNING `+pgSubscriptionColumns,
			subscriberID, resourceID, threshold, now,
		)
		out, err = scanSubscription(row)
		if err != nil {
			return classifyPgError("upserting subscription", err)
		}
		return nil
	})
	if err != nil {
		if classified(err) {
			return nil, err
		}
		return nil, classifyPgError("subscribing", err)
	}
	return out, nil
}

// Unsubscribe soft-deletes a watch.
func (s *PostgresStore) Unsubscribe(ctx context.Context, subscriberID, resourceID string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE subscriptions SET active = FALSE, updated_at = $3
		WHERE subscriber_id = $1 AND resource_id = $2`,
		subscriberID, resourceID, time.Now().UTC(),
	)
	if err != nil {
		return classifyPgError("deactivating subscription", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("subscription %s/%s: %w", subscriberID, resourceID, ErrNotFound)
	}
	return nil
}

// ListSubscriptions returns the subscriber's active watches joined with the
// current resource state.
func (s *PostgresStore) ListSubscriptions(ctx context.Context, subscriberID string) ([]models.WatchDetail, error) {
	rows, err := s.db.Query(ctx, `
		SELECT s.subscriber_id, s.resource_id, s.threshold, s.active, s.last_notified_at,
		       s.created_at, s.updated_at,
		       r.id, r.course_id, r.subject, r.number, r.title, r.term, r.class_number,
		       r.component_type, r.days, r.time_range, r.location, r.instructor,
		       r.status, r.open_count, r.capacity, r.last_change_at, r.created_at, r.updated_at
		FROM subscriptions s
		JOIN resources r ON r.id = s.resource_id
		WHERE s.subscriber_id = $1 AND s.active
		ORDER BY s.updated_at DESC`, subscriberID)
	if err != nil {
		return nil, classifyPgError(fmt.Sprintf("listing subscriptions for %s", subscriberID), err)
	}
	defer rows.Close()

	var out []models.WatchDetail
	for rows.Next() {
		var (
			w        models.WatchDetail
			notified *time.Time
			status   string
		)
		err := rows.Scan(
			&w.SubscriberID, &w.ResourceID, &w.Threshold, &w.Active, &notified,
			&w.CreatedAt, &w.UpdatedAt,
			&w.Resource.ID, &w.Resource.CourseID, &w.Resource.Subject, &w.Resource.Number,
			&w.Resource.Title, &w.Resource.Term, &w.Resource.ClassNumber,
			&w.Resource.ComponentType, &w.Resource.Days, &w.Resource.TimeRange,
			&w.Resource.Location, &w.Resource.Instructor,
			&status, &w.Resource.OpenCount, &w.Resource.Capacity,
			&w.Resource.LastChangeAt, &w.Resource.CreatedAt, &w.Resource.UpdatedAt,
		)
		if err != nil {
			return nil, classifyPgError("scanning subscription", err)
		}
		w.Resource.Status = models.Status(status)
		w.LastNotifiedAt = utcPtr(notified)
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPgError("iterating subscriptions", err)
	}
	return out, nil
}

const pgNotificationColumns = `id, subscriber_id, resource_id, kind, payload, change_at, read, created_at`

// ListNotifications returns a subscriber's notifications, newest first.
func (s *PostgresStore) ListNotifications(ctx context.Context, subscriberID string, unreadOnly bool) ([]models.Notification, error) {
	query := "SELECT " + pgNotificationColumns + " FROM notifications WHERE subscriber_id = $1"
	if unreadOnly {
		query += " AND NOT read"
	}
	query += " ORDER BY created_at DESC, id"

	rows, err := s.db.Query(ctx, query, subscriberID)
	if err != nil {
		return nil, classifyPgError(fmt.Sprintf("listing notifications for %s", subscriberID), err)
	}
	defer rows.Close()

	var out []models.Notification
	for rows.Next() {
		var (
			n       models.Notification
			payload []byte
		)
		if err := rows.Scan(&n.ID, &n.SubscriberID, &n.ResourceID, &n.Kind, &payload, &n.ChangeAt, &n.Read, &n.CreatedAt); err != nil {
			return nil, classifyPgError("scanning notification", err)
		}
		if err := json.Unmarshal(payload, &n.Payload); err != nil {
			return nil, fmt.Errorf("unmarshaling payload of %s: %w", n.ID, err)
		}
		n.ChangeAt = n.ChangeAt.UTC()
		n.CreatedAt = n.CreatedAt.UTC()
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPgError("iterating notifications", err)
	}
	return out, nil
}

// MarkNotificationRead marks one of the subscriber's notifications as read.
func (s *PostgresStore) MarkNotificationRead(ctx context.Context, subscriberID, notificationID string) error {
	tag, err := s.db.Exec(ctx,
		"UPDATE notifications SET read = TRUE WHERE id = $1 AND subscriber_id = $2",
		notificationID, subscriberID,
	)
	if err != nil {
		return classifyPgError(fmt.Sprintf("marking notification %s as read", notificationID), err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("notification %s: %w", notificationID, ErrNotFound)
	}
	return nil
}

// PruneReadNotifications deletes read notifications created before the cutoff.
func (s *PostgresStore) PruneReadNotifications(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, "DELETE FROM notifications WHERE read AND created_at < $1", before.UTC())
	if err != nil {
		return 0, classifyPgError("pruning notifications", err)
	}
	return tag.RowsAffected(), nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockResource(ctx context.Context, id string) (*models.Resource, error) {
	row := t.tx.QueryRow(ctx, "SELECT "+pgResourceColumns+" FROM resources WHERE id = $1 FOR UPDATE", id)
	out, err := scanResource(row)
	if err != nil {
		return nil, classifyPgError(fmt.Sprintf("locking resource %s", id), err)
	}
	return out, nil
}

func (t *pgTx) SaveResourceState(ctx context.Context, r *models.Resource) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE resources
		SET status = $2, open_count = $3, capacity = $4, last_change_at = $5, updated_at = $6
		WHERE id = $1`,
		r.ID, string(r.Status), r.OpenCount, r.Capacity, r.LastChangeAt.UTC(), r.UpdatedAt.UTC(),
	)
	if err != nil {
		return classifyPgError(fmt.Sprintf("saving resource %s", r.ID), err)
	}
	return nil
}

func (t *pgTx) ActiveSubscriptions(ctx context.Context, resourceID string) ([]models.Subscription, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+pgSubscriptionColumns+` FROM subscriptions
		WHERE resource_id = $1 AND active
		ORDER BY subscriber_id`, resourceID)
	if err != nil {
		return nil, classifyPgError(fmt.Sprintf("listing watches for %s", resourceID), err)
	}
	defer rows.Close()

	var out []models.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, classifyPgError("scanning watch", err)
		}
		out = append(out, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPgError("iterating watches", err)
	}
	return out, nil
}

func (t *pgTx) CreateNotification(ctx context.Context, n *models.Notification) (bool, error) {
	payload, err := json.Marshal(n.Payload)
	if err != nil {
		return false, fmt.Errorf("marshaling payload for %s: %w", n.ID, err)
	}

	tag, err := t.tx.Exec(ctx, `
		INSERT INTO notifications (`+pgNotificationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (subscriber_id, resource_id, change_at) DO NOTHING`,
		n.ID, n.SubscriberID, n.ResourceID, n.Kind, payload, n.ChangeAt.UTC(), n.CreatedAt.UTC(),
	)
	if err != nil {
		return false, classifyPgError("creating notification", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) MarkNotified(ctx context.Context, subscriberID, resourceID string, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE subscriptions SET last_notified_at = $3, updated_at = $3
		WHERE subscriber_id = $1 AND resource_id = $2`,
		subscriberID, resourceID, at.UTC(),
	)
	if err != nil {
		return classifyPgError("advancing last_notified_at", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("subscription %s/%s: %w", subscriberID, resourceID, ErrNotFound)
	}
	return nil
}

func scanResource(row pgx.Row) (*models.Resource, error) {
	var (
		r      models.Resource
		status string
	)
	err := row.Scan(
		&r.ID, &r.CourseID, &r.Subject, &r.Number, &r.Title, &r.Term, &r.ClassNumber,
		&r.ComponentType, &r.Days, &r.TimeRange, &r.Location, &r.Instructor,
		&status, &r.OpenCount, &r.Capacity, &r.LastChangeAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Status = models.Status(status)
	r.LastChangeAt = r.LastChangeAt.UTC()
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return &r, nil
}

func scanSubscription(row pgx.Row) (*models.Subscription, error) {
	var (
		sub      models.Subscription
		notified *time.Time
	)
	err := row.Scan(
		&sub.SubscriberID, &sub.ResourceID, &sub.Threshold, &sub.Active, &notified,
		&sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sub.LastNotifiedAt = utcPtr(notified)
	sub.CreatedAt = sub.CreatedAt.UTC()
	sub.UpdatedAt = sub.UpdatedAt.UTC()
	return &sub, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// pgError classifies a pgx error into the store taxonomy.
func classifyPgError(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected, pgerrcode.LockNotAvailable:
			return fmt.Errorf("%s: %w: %w", op, ErrConflict, err)
		case pgerrcode.ForeignKeyViolation:
			return fmt.Errorf("%s: %w: %w", op, ErrNotFound, err)
		}
	}
	return fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
}

// classified reports whether err already carries a store error kind.
func classified(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) || errors.Is(err, ErrPersistence) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
