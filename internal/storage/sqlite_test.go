package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"seatwatch/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:", 0)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedResource(t *testing.T, s *SQLiteStore, id string, status models.Status, open *int) *models.Resource {
	t.Helper()
	r, err := s.UpsertResource(context.Background(), models.Resource{
		ID:        id,
		CourseID:  "c-" + id,
		Subject:   "CS",
		Number:    "101",
		Title:     "Intro",
		Status:    status,
		OpenCount: open,
		Capacity:  models.IntPtr(30),
	})
	if err != nil {
		t.Fatalf("UpsertResource(%s) error = %v", id, err)
	}
	return r
}

func TestSQLiteMigrationsAreIdempotent(t *testing.T) {
	s := newTestStore(t)
	if err := s.runMigrations(); err != nil {
		t.Fatalf("second runMigrations() error = %v", err)
	}

	var version int
	if err := s.db.Get(&version, "SELECT MAX(version) FROM schema_version"); err != nil {
		t.Fatal(err)
	}
	if version != len(sqliteMigrations) {
		t.Errorf("schema version = %d, want %d", version, len(sqliteMigrations))
	}
}

func TestSQLiteResourceRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created := seedResource(t, s, "r1", models.StatusClosed, models.IntPtr(0))
	if created.OpenCount == nil || *created.OpenCount != 0 {
		t.Errorf("open count = %v, want 0", created.OpenCount)
	}
	if created.LastChangeAt.IsZero() {
		t.Error("last_change_at should be set on registration")
	}

	// re-registration refreshes attributes but not the availability state
	updated, err := s.UpsertResource(ctx, models.Resource{
		ID:            "r1",
		Title:         "Intro to Computing",
		ComponentType: "LAB",
		Days:          "TuTh",
		TimeRange:     "1:00PM - 2:50PM",
		Location:      "Lab 3",
		Instructor:    "Doe",
		Status:        models.StatusOpen,
	})
	if err != nil {
		t.Fatalf("UpsertResource() error = %v", err)
	}
	if updated.Title != "Intro to Computing" {
		t.Errorf("title = %q", updated.Title)
	}
	if updated.ComponentType != "LAB" || updated.Days != "TuTh" || updated.TimeRange != "1:00PM - 2:50PM" ||
		updated.Location != "Lab 3" || updated.Instructor != "Doe" {
		t.Errorf("meeting details = %+v", updated)
	}
	if updated.Status != models.StatusClosed {
		t.Errorf("status = %q, want closed", updated.Status)
	}
	if !updated.LastChangeAt.Equal(created.LastChangeAt) {
		t.Errorf("last_change_at moved: %v -> %v", created.LastChangeAt, updated.LastChangeAt)
	}

	unknown := seedResource(t, s, "r2", models.StatusUnset, nil)
	if unknown.OpenCount != nil {
		t.Errorf("open count = %v, want unknown", *unknown.OpenCount)
	}
}

func TestSQLiteGetResourceNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetResource(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetResource() error = %v, want ErrNotFound", err)
	}
}

func TestSQLiteSubscriptions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedResource(t, s, "r1", models.StatusClosed, models.IntPtr(0))

	if _, err := s.Subscribe(ctx, "u1", "missing", 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Subscribe(missing) error = %v, want ErrNotFound", err)
	}

	sub, err := s.Subscribe(ctx, "u1", "r1", 2)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if !sub.Active || sub.Threshold != 2 || sub.LastNotifiedAt != nil {
		t.Errorf("subscription = %+v", sub)
	}

	sub, err = s.Subscribe(ctx, "u1", "r1", 5)
	if err != nil {
		t.Fatalf("re-Subscribe() error = %v", err)
	}
	if sub.Threshold != 5 {
		t.Errorf("threshold = %d, want 5", sub.Threshold)
	}

	watches, err := s.ListSubscriptions(ctx, "u1")
	if err != nil {
		t.Fatalf("ListSubscriptions() error = %v", err)
	}
	if len(watches) != 1 {
		t.Fatalf("got %d watches, want 1", len(watches))
	}
	if watches[0].Resource.ID != "r1" || watches[0].Resource.Status != models.StatusClosed {
		t.Errorf("watch resource = %+v", watches[0].Resource)
	}

	if err := s.Unsubscribe(ctx, "u1", "r1"); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	watches, err = s.ListSubscriptions(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(watches) != 0 {
		t.Errorf("got %d watches after unsubscribe, want 0", len(watches))
	}

	if err := s.Unsubscribe(ctx, "u1", "r9"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Unsubscribe(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestSQLiteTxNotificationLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedResource(t, s, "r1", models.StatusClosed, models.IntPtr(0))
	if _, err := s.Subscribe(ctx, "u1", "r1", 1); err != nil {
		t.Fatal(err)
	}

	changeAt := time.Date(2026, 1, 10, 9, 0, 0, 123000, time.UTC)
	n := &models.Notification{
		ID:           "n1",
		SubscriberID: "u1",
		ResourceID:   "r1",
		Kind:         models.KindThresholdMet,
		Payload:      models.Payload{Event: models.KindThresholdMet, DeepLink: "/sections/r1"},
		ChangeAt:     changeAt,
		CreatedAt:    changeAt,
	}

	err := s.WithTx(ctx, func(tx Tx) error {
		r, err := tx.LockResource(ctx, "r1")
		if err != nil {
			return err
		}
		r.Status = models.StatusOpen
		r.OpenCount = models.IntPtr(3)
		r.LastChangeAt = changeAt
		r.UpdatedAt = changeAt
		if err := tx.SaveResourceState(ctx, r); err != nil {
			return err
		}

		subs, err := tx.ActiveSubscriptions(ctx, "r1")
		if err != nil {
			return err
		}
		if len(subs) != 1 {
			t.Errorf("got %d active subscriptions, want 1", len(subs))
		}

		created, err := tx.CreateNotification(ctx, n)
		if err != nil || !created {
			t.Errorf("CreateNotification() = %v, %v", created, err)
		}
		dup := *n
		dup.ID = "n2"
		created, err = tx.CreateNotification(ctx, &dup)
		if err != nil || created {
			t.Errorf("duplicate CreateNotification() = %v, %v; want false, nil", created, err)
		}
		return tx.MarkNotified(ctx, "u1", "r1", changeAt)
	})
	if err != nil {
		t.Fatalf("WithTx() error = %v", err)
	}

	r, err := s.GetResource(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != models.StatusOpen || r.OpenCount == nil || *r.OpenCount != 3 {
		t.Errorf("resource state not saved: %+v", r.State())
	}
	if !r.LastChangeAt.Equal(changeAt) {
		t.Errorf("last_change_at = %v, want %v", r.LastChangeAt, changeAt)
	}

	watches, err := s.ListSubscriptions(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if watches[0].LastNotifiedAt == nil || !watches[0].LastNotifiedAt.Equal(changeAt) {
		t.Errorf("last_notified_at = %v, want %v", watches[0].LastNotifiedAt, changeAt)
	}

	unread, err := s.ListNotifications(ctx, "u1", true)
	if err != nil {
		t.Fatal(err)
	}
	if len(unread) != 1 || unread[0].ID != "n1" || unread[0].Payload.DeepLink != "/sections/r1" {
		t.Fatalf("unread = %+v", unread)
	}

	if err := s.MarkNotificationRead(ctx, "u2", "n1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkNotificationRead(other subscriber) error = %v, want ErrNotFound", err)
	}
	if err := s.MarkNotificationRead(ctx, "u1", "n1"); err != nil {
		t.Fatalf("MarkNotificationRead() error = %v", err)
	}
	unread, _ = s.ListNotifications(ctx, "u1", true)
	if len(unread) != 0 {
		t.Errorf("got %d unread after mark read", len(unread))
	}

	pruned, err := s.PruneReadNotifications(ctx, changeAt.Add(-time.Hour))
	if err != nil || pruned != 0 {
		t.Errorf("PruneReadNotifications(before creation) = %d, %v", pruned, err)
	}
	pruned, err = s.PruneReadNotifications(ctx, changeAt.Add(time.Hour))
	if err != nil || pruned != 1 {
		t.Errorf("PruneReadNotifications() = %d, %v; want 1", pruned, err)
	}
}

func TestSQLiteWithTxRollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedResource(t, s, "r1", models.StatusClosed, models.IntPtr(0))
	if _, err := s.Subscribe(ctx, "u1", "r1", 1); err != nil {
		t.Fatal(err)
	}

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx Tx) error {
		r, err := tx.LockResource(ctx, "r1")
		if err != nil {
			return err
		}
		r.Status = models.StatusOpen
		r.UpdatedAt = time.Now().UTC()
		if err := tx.SaveResourceState(ctx, r); err != nil {
			return err
		}
		if _, err := tx.CreateNotification(ctx, &models.Notification{
			ID: "n1", SubscriberID: "u1", ResourceID: "r1", Kind: models.KindThresholdMet,
			ChangeAt: r.LastChangeAt, CreatedAt: r.UpdatedAt,
		}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx() error = %v, want boom", err)
	}

	r, _ := s.GetResource(ctx, "r1")
	if r.Status != models.StatusClosed {
		t.Errorf("status = %q after rollback, want closed", r.Status)
	}
	notes, _ := s.ListNotifications(ctx, "u1", false)
	if len(notes) != 0 {
		t.Errorf("got %d notifications after rollback", len(notes))
	}
}

func TestSQLiteMarkNotifiedUnknownSubscription(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedResource(t, s, "r1", models.StatusClosed, nil)

	err := s.WithTx(ctx, func(tx Tx) error {
		return tx.MarkNotified(ctx, "ghost", "r1", time.Now())
	})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkNotified() error = %v, want ErrNotFound", err)
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(fmt.Errorf("locking resource r1: %w", ErrConflict)) {
		t.Error("wrapped ErrConflict should be retryable")
	}
	if IsRetryable(ErrPersistence) || IsRetryable(ErrNotFound) {
		t.Error("only conflicts are retryable")
	}
}
