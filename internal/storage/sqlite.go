package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"seatwatch/internal/models"
)

// SQLiteStore implements Store on an embedded SQLite database.
//
// SQLite has a single writer, so the pool is pinned to one connection: a
// transaction holds that connection until it finishes, which is what makes
// LockResource a real serialization point for this backend.
type SQLiteStore struct {
	db *sqlx.DB
}

// Compile time check for interface compliance
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a SQLite database at path, applies
// pragmas and runs any pending schema migrations.
func NewSQLiteStore(path string, busyTimeout time.Duration) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}
	if busyTimeout > 0 {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeout.Milliseconds()))
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return classifySQLiteError("pinging sqlite", err)
	}
	return nil
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range sqliteMigrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// WithTx runs fn inside a transaction bound to the single connection.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return classifySQLiteError("beginning transaction", err)
	}
	defer tx.Rollback()

	if err := fn(&sqliteTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return classifySQLiteError("committing transaction", err)
	}
	return nil
}

const resourceColumns = `
	id, course_id, subject, number, title, term, class_number,
	component_type, days, time_range, location, instructor,
	status, open_count, capacity, last_change_at, created_at, updated_at`

// UpsertResource registers a resource or refreshes its descriptive
// attributes. The availability state of an existing resource is left alone:
// it only changes through the change processor.
func (s *SQLiteStore) UpsertResource(ctx context.Context, r models.Resource) (*models.Resource, error) {
	now := time.Now().UTC()
	if r.LastChangeAt.IsZero() {
		r.LastChangeAt = now
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO resources (`+resourceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			course_id      = excluded.course_id,
			subject        = excluded.subject,
			number         = excluded.number,
			title          = excluded.title,
			term           = excluded.term,
			class_number   = excluded.class_number,
			component_type = excluded.component_type,
			days           = excluded.days,
			time_range     = excluded.time_range,
			location       = excluded.location,
			instructor     = excluded.instructor,
			updated_at     = excluded.updated_at`,
		r.ID, r.CourseID, r.Subject, r.Number, r.Title, r.Term, r.ClassNumber,
		r.ComponentType, r.Days, r.TimeRange, r.Location, r.Instructor,
		string(r.Status), nullableInt(r.OpenCount), nullableInt(r.Capacity), r.LastChangeAt.UTC(), now, now,
	)
	if err != nil {
		return nil, classifySQLiteError(fmt.Sprintf("upserting resource %s", r.ID), err)
	}

	return s.GetResource(ctx, r.ID)
}

// GetResource retrieves a single resource by its ID.
func (s *SQLiteStore) GetResource(ctx context.Context, id string) (*models.Resource, error) {
	var row resourceRow
	err := s.db.GetContext(ctx, &row, "SELECT "+resourceColumns+" FROM resources WHERE id = ?", id)
	if err != nil {
		return nil, classifySQLiteError(fmt.Sprintf("getting resource %s", id), err)
	}
	return row.toModel(), nil
}

// Subscribe creates the watch or reactivates it with the new threshold.
func (s *SQLiteStore) Subscribe(ctx context.Context, subscriberID, resourceID string, threshold int) (*models.Subscription, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, classifySQLiteError("beginning transaction", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.GetContext(ctx, &exists, "SELECT COUNT(*) FROM resources WHERE id = ?", resourceID); err != nil {
		return nil, classifySQLiteError("checking resource", err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("resource %s: %w", resourceID, ErrNotFound)
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO subscriptions (subscriber_id, resource_id, threshold, active, created_at, updated_at)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT(subscriber_id, resource_id) DO UPDATE SET
			threshold  = excluded.threshold,
			active     = 1,
			updated_at = excluded.updated_at`,
		subscriberID, resourceID, threshold, now, now,
	)
	if err != nil {
		return nil, classifySQLiteError("upserting subscription", err)
	}

	var row subscriptionRow
	err = tx.GetContext(ctx, &row, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE subscriber_id = ? AND resource_id = ?`,
		subscriberID, resourceID,
	)
	if err != nil {
		return nil, classifySQLiteError("reading subscription", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, classifySQLiteError("committing subscription", err)
	}
	return row.toModel(), nil
}

// Unsubscribe soft-deletes a watch.
func (s *SQLiteStore) Unsubscribe(ctx context.Context, subscriberID, resourceID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE subscriptions SET active = 0, updated_at = ?
		WHERE subscriber_id = ? AND resource_id = ?`,
		time.Now().UTC(), subscriberID, resourceID,
	)
	if err != nil {
		return classifySQLiteError("deactivating subscription", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("subscription %s/%s: %w", subscriberID, resourceID, ErrNotFound)
	}
	return nil
}

// ListSubscriptions returns the subscriber's active watches joined with the
// current state of each resource, most recently updated first.
func (s *SQLiteStore) ListSubscriptions(ctx context.Context, subscriberID string) ([]models.WatchDetail, error) {
	var rows []watchRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT s.subscriber_id, s.resource_id, s.threshold, s.active, s.last_notified_at,
		       s.created_at, s.updated_at,
		       r.course_id, r.subject, r.number, r.title, r.term, r.class_number,
		       r.component_type, r.days, r.time_range, r.location, r.instructor,
		       r.status, r.open_count, r.capacity, r.last_change_at,
		       r.created_at AS resource_created_at, r.updated_at AS resource_updated_at
		FROM subscriptions s
		JOIN resources r ON r.id = s.resource_id
		WHERE s.subscriber_id = ? AND s.active = 1
		ORDER BY s.updated_at DESC`, subscriberID)
	if err != nil {
		return nil, classifySQLiteError(fmt.Sprintf("listing subscriptions for %s", subscriberID), err)
	}

	out := make([]models.WatchDetail, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

const notificationColumns = `id, subscriber_id, resource_id, kind, payload, change_at, read, created_at`

// ListNotifications returns a subscriber's notifications, newest first.
func (s *SQLiteStore) ListNotifications(ctx context.Context, subscriberID string, unreadOnly bool) ([]models.Notification, error) {
	query := "SELECT " + notificationColumns + " FROM notifications WHERE subscriber_id = ?"
	if unreadOnly {
		query += " AND read = 0"
	}
	query += " ORDER BY created_at DESC, id"

	var rows []notificationRow
	if err := s.db.SelectContext(ctx, &rows, query, subscriberID); err != nil {
		return nil, classifySQLiteError(fmt.Sprintf("listing notifications for %s", subscriberID), err)
	}

	out := make([]models.Notification, 0, len(rows))
	for _, r := range rows {
		n, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// MarkNotificationRead marks one of the subscriber's notifications as read.
func (s *SQLiteStore) MarkNotificationRead(ctx context.Context, subscriberID, notificationID string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE notifications SET read = 1 WHERE id = ? AND subscriber_id = ?",
		notificationID, subscriberID,
	)
	if err != nil {
		return classifySQLiteError(fmt.Sprintf("marking notification %s as read", notificationID), err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("notification %s: %w", notificationID, ErrNotFound)
	}
	return nil
}

// PruneReadNotifications deletes read notifications created before the cutoff.
func (s *SQLiteStore) PruneReadNotifications(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM notifications WHERE read = 1 AND created_at < ?", before.UTC(),
	)
	if err != nil {
		return 0, classifySQLiteError("pruning notifications", err)
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}

// sqliteTx implements Tx on a sqlx transaction. It must never touch s.db:
// the pool has a single connection and the transaction is holding it.
type sqliteTx struct {
	tx *sqlx.Tx
}

func (t *sqliteTx) LockResource(ctx context.Context, id string) (*models.Resource, error) {
	var row resourceRow
	err := t.tx.GetContext(ctx, &row, "SELECT "+resourceColumns+" FROM resources WHERE id = ?", id)
	if err != nil {
		return nil, classifySQLiteError(fmt.Sprintf("locking resource %s", id), err)
	}
	return row.toModel(), nil
}

func (t *sqliteTx) SaveResourceState(ctx context.Context, r *models.Resource) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE resources
		SET status = ?, open_count = ?, capacity = ?, last_change_at = ?, updated_at = ?
		WHERE id = ?`,
		string(r.Status), nullableInt(r.OpenCount), nullableInt(r.Capacity), r.LastChangeAt.UTC(), r.UpdatedAt.UTC(), r.ID,
	)
	if err != nil {
		return classifySQLiteError(fmt.Sprintf("saving resource %s", r.ID), err)
	}
	return nil
}

const subscriptionColumns = `subscriber_id, resource_id, threshold, active, last_notified_at, created_at, updated_at`

func (t *sqliteTx) ActiveSubscriptions(ctx context.Context, resourceID string) ([]models.Subscription, error) {
	var rows []subscriptionRow
	err := t.tx.SelectContext(ctx, &rows, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE resource_id = ? AND active = 1
		ORDER BY subscriber_id`, resourceID)
	if err != nil {
		return nil, classifySQLiteError(fmt.Sprintf("listing watches for %s", resourceID), err)
	}

	out := make([]models.Subscription, 0, len(rows))
	for _, r := range rows {
		out = append(out, *r.toModel())
	}
	return out, nil
}

func (t *sqliteTx) CreateNotification(ctx context.Context, n *models.Notification) (bool, error) {
	payload, err := json.Marshal(n.Payload)
	if err != nil {
		return false, fmt.Errorf("marshaling payload for %s: %w", n.ID, err)
	}

	result, err := t.tx.ExecContext(ctx, `
		INSERT INTO notifications (`+notificationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(subscriber_id, resource_id, change_at) DO NOTHING`,
		n.ID, n.SubscriberID, n.ResourceID, n.Kind, string(payload), n.ChangeAt.UTC(), n.CreatedAt.UTC(),
	)
	if err != nil {
		return false, classifySQLiteError("creating notification", err)
	}
	rows, _ := result.RowsAffected()
	return rows == 1, nil
}

func (t *sqliteTx) MarkNotified(ctx context.Context, subscriberID, resourceID string, at time.Time) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE subscriptions SET last_notified_at = ?, updated_at = ?
		WHERE subscriber_id = ? AND resource_id = ?`,
		at.UTC(), at.UTC(), subscriberID, resourceID,
	)
	if err != nil {
		return classifySQLiteError("advancing last_notified_at", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("subscription %s/%s: %w", subscriberID, resourceID, ErrNotFound)
	}
	return nil
}

// sqliteError classifies a driver error into the store taxonomy.
func classifySQLiteError(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}

	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%s: %w: %w", op, ErrConflict, err)
		}
	}
	return fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
}

// Row types are the typed records at the SQL boundary.

type resourceRow struct {
	ID            string        `db:"id"`
	CourseID      string        `db:"course_id"`
	Subject       string        `db:"subject"`
	Number        string        `db:"number"`
	Title         string        `db:"title"`
	Term          string        `db:"term"`
	ClassNumber   string        `db:"class_number"`
	ComponentType string        `db:"component_type"`
	Days          string        `db:"days"`
	TimeRange     string        `db:"time_range"`
	Location      string        `db:"location"`
	Instructor    string        `db:"instructor"`
	Status        string        `db:"status"`
	OpenCount     sql.NullInt64 `db:"open_count"`
	Capacity      sql.NullInt64 `db:"capacity"`
	LastChangeAt  time.Time     `db:"last_change_at"`
	CreatedAt     time.Time     `db:"created_at"`
	UpdatedAt     time.Time     `db:"updated_at"`
}

func (r resourceRow) toModel() *models.Resource {
	return &models.Resource{
		ID:            r.ID,
		CourseID:      r.CourseID,
		Subject:       r.Subject,
		Number:        r.Number,
		Title:         r.Title,
		Term:          r.Term,
		ClassNumber:   r.ClassNumber,
		ComponentType: r.ComponentType,
		Days:          r.Days,
		TimeRange:     r.TimeRange,
		Location:      r.Location,
		Instructor:    r.Instructor,
		Status:        models.Status(r.Status),
		OpenCount:     nullIntPtr(r.OpenCount),
		Capacity:      nullIntPtr(r.Capacity),
		LastChangeAt:  r.LastChangeAt.UTC(),
		CreatedAt:     r.CreatedAt.UTC(),
		UpdatedAt:     r.UpdatedAt.UTC(),
	}
}

type subscriptionRow struct {
	SubscriberID   string       `db:"subscriber_id"`
	ResourceID     string       `db:"resource_id"`
	Threshold      int          `db:"threshold"`
	Active         bool         `db:"active"`
	LastNotifiedAt sql.NullTime `db:"last_notified_at"`
	CreatedAt      time.Time    `db:"created_at"`
	UpdatedAt      time.Time    `db:"updated_at"`
}

func (r subscriptionRow) toModel() *models.Subscription {
	sub := &models.Subscription{
		SubscriberID: r.SubscriberID,
		ResourceID:   r.ResourceID,
		Threshold:    r.Threshold,
		Active:       r.Active,
		CreatedAt:    r.CreatedAt.UTC(),
		UpdatedAt:    r.UpdatedAt.UTC(),
	}
	if r.LastNotifiedAt.Valid {
		t := r.LastNotifiedAt.Time.UTC()
		sub.LastNotifiedAt = &t
	}
	return sub
}

type watchRow struct {
	subscriptionRow
	CourseID          string        `db:"course_id"`
	Subject           string        `db:"subject"`
	Number            string        `db:"number"`
	Title             string        `db:"title"`
	Term              string        `db:"term"`
	ClassNumber       string        `db:"class_number"`
	ComponentType     string        `db:"component_type"`
	Days              string        `db:"days"`
	TimeRange         string        `db:"time_range"`
	Location          string        `db:"location"`
	Instructor        string        `db:"instructor"`
	Status            string        `db:"status"`
	OpenCount         sql.NullInt64 `db:"open_count"`
	Capacity          sql.NullInt64 `db:"capacity"`
	LastChangeAt      time.Time     `db:"last_change_at"`
	ResourceCreatedAt time.Time     `db:"resource_created_at"`
	ResourceUpdatedAt time.Time     `db:"resource_updated_at"`
}

func (r watchRow) toModel() models.WatchDetail {
	return models.WatchDetail{
		Subscription: *r.subscriptionRow.toModel(),
		Resource: *resourceRow{
			ID:            r.ResourceID,
			CourseID:      r.CourseID,
			Subject:       r.Subject,
			Number:        r.Number,
			Title:         r.Title,
			Term:          r.Term,
			ClassNumber:   r.ClassNumber,
			ComponentType: r.ComponentType,
			Days:          r.Days,
			TimeRange:     r.TimeRange,
			Location:      r.Location,
			Instructor:    r.Instructor,
			Status:        r.Status,
			OpenCount:     r.OpenCount,
			Capacity:      r.Capacity,
			LastChangeAt:  r.LastChangeAt,
			CreatedAt:     r.ResourceCreatedAt,
			UpdatedAt:     r.ResourceUpdatedAt,
		}.toModel(),
	}
}

type notificationRow struct {
	ID           string    `db:"id"`
	SubscriberID string    `db:"subscriber_id"`
	ResourceID   string    `db:"resource_id"`
	Kind         string    `db:"kind"`
	Payload      string    `db:"payload"`
	ChangeAt     time.Time `db:"change_at"`
	Read         bool      `db:"read"`
	CreatedAt    time.Time `db:"created_at"`
}

func (r notificationRow) toModel() (models.Notification, error) {
	n := models.Notification{
		ID:           r.ID,
		SubscriberID: r.SubscriberID,
		ResourceID:   r.ResourceID,
		Kind:         r.Kind,
		ChangeAt:     r.ChangeAt.UTC(),
		Read:         r.Read,
		CreatedAt:    r.CreatedAt.UTC(),
	}
	if err := json.Unmarshal([]byte(r.Payload), &n.Payload); err != nil {
		return models.Notification{}, fmt.Errorf("unmarshaling payload of %s: %w", r.ID, err)
	}
	return n, nil
}

func nullableInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func nullIntPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}
