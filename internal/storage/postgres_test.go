package storage_test

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/pashagolub/pgxmock/v4"

	"seatwatch/internal/models"
	"seatwatch/internal/storage"
)

var resourceCols = []string{
	"id", "course_id", "subject", "number", "title", "term", "class_number",
	"component_type", "days", "time_range", "location", "instructor",
	"status", "open_count", "capacity", "last_change_at", "created_at", "updated_at",
}

var subscriptionCols = []string{
	"subscriber_id", "resource_id", "threshold", "active", "last_notified_at", "created_at", "updated_at",
}

var _ = Describe("PostgresStore", func() {
	var (
		mock  pgxmock.PgxPoolIface
		store *storage.PostgresStore
		ctx   context.Context
		now   time.Time
	)

	BeforeEach(func() {
		var err error
		mock, err = pgxmock.NewPool()
		Expect(err).NotTo(HaveOccurred())

		store = storage.NewPostgresStore(mock, 5*time.Second)
		ctx = context.Background()
		now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	})

	AfterEach(func() {
		mock.Close()
	})

	Describe("GetResource", func() {
		It("scans a resource with unknown counts", func() {
			mock.ExpectQuery(`SELECT (.+) FROM resources WHERE id = \$1`).
				WithArgs("r1").
				WillReturnRows(pgxmock.NewRows(resourceCols).
					AddRow("r1", "c1", "CS", "101", "Intro", "2261", "4410", "LEC", "MoWe", "9:00AM - 9:50AM", "Hall 1", "Staff",
						"open", nil, models.IntPtr(30), now, now, now))

			r, err := store.GetResource(ctx, "r1")
			Expect(err).NotTo(HaveOccurred())
			Expect(r.Status).To(Equal(models.StatusOpen))
			Expect(r.OpenCount).To(BeNil())
			Expect(*r.Capacity).To(Equal(30))
			Expect(r.Instructor).To(Equal("Staff"))
			Expect(r.TimeRange).To(Equal("9:00AM - 9:50AM"))
			Expect(r.LastChangeAt).To(BeTemporally("==", now))
			Expect(mock.ExpectationsWereMet()).NotTo(HaveOccurred())
		})

		It("maps no rows to ErrNotFound", func() {
			mock.ExpectQuery(`SELECT (.+) FROM resources WHERE id = \$1`).
				WithArgs("missing").
				WillReturnError(pgx.ErrNoRows)

			_, err := store.GetResource(ctx, "missing")
			Expect(errors.Is(err, storage.ErrNotFound)).To(BeTrue())
		})

		It("wraps driver failures as ErrPersistence", func() {
			mock.ExpectQuery(`SELECT (.+) FROM resources WHERE id = \$1`).
				WithArgs("r1").
				WillReturnError(errors.New("connection reset"))

			_, err := store.GetResource(ctx, "r1")
			Expect(errors.Is(err, storage.ErrPersistence)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("connection reset"))
		})
	})

	Describe("WithTx", func() {
		It("locks the row, saves state and records a notification", func() {
			mock.ExpectBegin()
			mock.ExpectExec(`SET LOCAL lock_timeout = 5000`).
				WillReturnResult(pgxmock.NewResult("SET", 0))
			mock.ExpectQuery(`FROM resources WHERE id = \$1 FOR UPDATE`).
				WithArgs("r1").
				WillReturnRows(pgxmock.NewRows(resourceCols).
					AddRow("r1", "c1", "CS", "101", "Intro", "2261", "4410", "LEC", "MoWe", "9:00AM - 9:50AM", "Hall 1", "Staff",
						"closed", models.IntPtr(0), models.IntPtr(30), now, now, now))
			mock.ExpectExec(`UPDATE resources`).
				WithArgs("r1", "open", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
				WillReturnResult(pgxmock.NewResult("UPDATE", 1))
			mock.ExpectQuery(`FROM subscriptions WHERE resource_id = \$1 AND active`).
				WithArgs("r1").
				WillReturnRows(pgxmock.NewRows(subscriptionCols).
					AddRow("u1", "r1", 1, true, nil, now, now))
			mock.ExpectExec(`INSERT INTO notifications`).
				WithArgs("n1", "u1", "r1", models.KindThresholdMet, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
				WillReturnResult(pgxmock.NewResult("INSERT", 1))
			mock.ExpectExec(`UPDATE subscriptions SET last_notified_at`).
				WithArgs("u1", "r1", pgxmock.AnyArg()).
				WillReturnResult(pgxmock.NewResult("UPDATE", 1))
			mock.ExpectCommit()
			mock.ExpectRollback()

			err := store.WithTx(ctx, func(tx storage.Tx) error {
				r, err := tx.LockResource(ctx, "r1")
				if err != nil {
					return err
				}
				r.Status = models.StatusOpen
				r.OpenCount = models.IntPtr(4)
				r.LastChangeAt = now.Add(time.Minute)
				r.UpdatedAt = r.LastChangeAt
				if err := tx.SaveResourceState(ctx, r); err != nil {
					return err
				}

				subs, err := tx.ActiveSubscriptions(ctx, "r1")
				if err != nil {
					return err
				}
				Expect(subs).To(HaveLen(1))
				Expect(subs[0].LastNotifiedAt).To(BeNil())

				created, err := tx.CreateNotification(ctx, &models.Notification{
					ID: "n1", SubscriberID: "u1", ResourceID: "r1", Kind: models.KindThresholdMet,
					ChangeAt: r.LastChangeAt, CreatedAt: r.LastChangeAt,
				})
				if err != nil {
					return err
				}
				Expect(created).To(BeTrue())
				return tx.MarkNotified(ctx, "u1", "r1", r.LastChangeAt)
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(mock.ExpectationsWereMet()).NotTo(HaveOccurred())
		})

		It("reports an existing notification as not created", func() {
			mock.ExpectBegin()
			mock.ExpectExec(`SET LOCAL lock_timeout`).WillReturnResult(pgxmock.NewResult("SET", 0))
			mock.ExpectExec(`INSERT INTO notifications`).
				WithArgs("n2", "u1", "r1", models.KindThresholdMet, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
				WillReturnResult(pgxmock.NewResult("INSERT", 0))
			mock.ExpectCommit()
			mock.ExpectRollback()

			var created bool
			err := store.WithTx(ctx, func(tx storage.Tx) error {
				var err error
				created, err = tx.CreateNotification(ctx, &models.Notification{
					ID: "n2", SubscriberID: "u1", ResourceID: "r1", Kind: models.KindThresholdMet,
					ChangeAt: now, CreatedAt: now,
				})
				return err
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(created).To(BeFalse())
		})

		It("classifies a lock timeout as ErrConflict and rolls back", func() {
			mock.ExpectBegin()
			mock.ExpectExec(`SET LOCAL lock_timeout`).WillReturnResult(pgxmock.NewResult("SET", 0))
			mock.ExpectQuery(`FOR UPDATE`).
				WithArgs("r1").
				WillReturnError(&pgconn.PgError{Code: pgerrcode.LockNotAvailable, Message: "could not obtain lock"})
			mock.ExpectRollback()
			mock.ExpectRollback()

			err := store.WithTx(ctx, func(tx storage.Tx) error {
				_, err := tx.LockResource(ctx, "r1")
				return err
			})
			Expect(errors.Is(err, storage.ErrConflict)).To(BeTrue())
			Expect(storage.IsRetryable(err)).To(BeTrue())
			Expect(mock.ExpectationsWereMet()).NotTo(HaveOccurred())
		})

		It("classifies a serialization failure at commit as ErrConflict", func() {
			mock.ExpectBegin()
			mock.ExpectExec(`SET LOCAL lock_timeout`).WillReturnResult(pgxmock.NewResult("SET", 0))
			mock.ExpectCommit().
				WillReturnError(&pgconn.PgError{Code: pgerrcode.SerializationFailure})
			mock.ExpectRollback()

			err := store.WithTx(ctx, func(storage.Tx) error { return nil })
			Expect(errors.Is(err, storage.ErrConflict)).To(BeTrue())
		})

		It("passes the callback error through unchanged", func() {
			boom := errors.New("boom")
			mock.ExpectBegin()
			mock.ExpectExec(`SET LOCAL lock_timeout`).WillReturnResult(pgxmock.NewResult("SET", 0))
			mock.ExpectRollback()
			mock.ExpectRollback()

			err := store.WithTx(ctx, func(storage.Tx) error { return boom })
			Expect(err).To(MatchError(boom))
		})

		It("fails MarkNotified for a missing subscription", func() {
			mock.ExpectBegin()
			mock.ExpectExec(`SET LOCAL lock_timeout`).WillReturnResult(pgxmock.NewResult("SET", 0))
			mock.ExpectExec(`UPDATE subscriptions SET last_notified_at`).
				WithArgs("ghost", "r1", pgxmock.AnyArg()).
				WillReturnResult(pgxmock.NewResult("UPDATE", 0))
			mock.ExpectRollback()
			mock.ExpectRollback()

			err := store.WithTx(ctx, func(tx storage.Tx) error {
				return tx.MarkNotified(ctx, "ghost", "r1", now)
			})
			Expect(errors.Is(err, storage.ErrNotFound)).To(BeTrue())
		})
	})

	Describe("Subscribe", func() {
		It("rejects unknown resources", func() {
			mock.ExpectBegin()
			mock.ExpectQuery(`SELECT EXISTS`).
				WithArgs("missing").
				WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
			mock.ExpectRollback()
			mock.ExpectRollback()

			_, err := store.Subscribe(ctx, "u1", "missing", 1)
			Expect(errors.Is(err, storage.ErrNotFound)).To(BeTrue())
		})

		It("upserts and returns the subscription", func() {
			mock.ExpectBegin()
			mock.ExpectQuery(`SELECT EXISTS`).
				WithArgs("r1").
				WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
			mock.ExpectQuery(`INSERT INTO subscriptions`).
				WithArgs("u1", "r1", 3, pgxmock.AnyArg()).
				WillReturnRows(pgxmock.NewRows(subscriptionCols).
					AddRow("u1", "r1", 3, true, nil, now, now))
			mock.ExpectCommit()
			mock.ExpectRollback()

			sub, err := store.Subscribe(ctx, "u1", "r1", 3)
			Expect(err).NotTo(HaveOccurred())
			Expect(sub.Threshold).To(Equal(3))
			Expect(sub.Active).To(BeTrue())
			Expect(mock.ExpectationsWereMet()).NotTo(HaveOccurred())
		})
	})

	Describe("Unsubscribe", func() {
		It("returns ErrNotFound when nothing matched", func() {
			mock.ExpectExec(`UPDATE subscriptions SET active = FALSE`).
				WithArgs("u1", "r1", pgxmock.AnyArg()).
				WillReturnResult(pgxmock.NewResult("UPDATE", 0))

			err := store.Unsubscribe(ctx, "u1", "r1")
			Expect(errors.Is(err, storage.ErrNotFound)).To(BeTrue())
		})
	})

	Describe("notifications", func() {
		It("lists unread notifications with decoded payloads", func() {
			mock.ExpectQuery(`FROM notifications WHERE subscriber_id = \$1 AND NOT read`).
				WithArgs("u1").
				WillReturnRows(pgxmock.NewRows([]string{
					"id", "subscriber_id", "resource_id", "kind", "payload", "change_at", "read", "created_at",
				}).AddRow("n1", "u1", "r1", models.KindThresholdMet,
					[]byte(`{"event":"threshold_met","deep_link":"/sections/r1"}`), now, false, now))

			notes, err := store.ListNotifications(ctx, "u1", true)
			Expect(err).NotTo(HaveOccurred())
			Expect(notes).To(HaveLen(1))
			Expect(notes[0].Payload.DeepLink).To(Equal("/sections/r1"))
		})

		It("prunes read notifications", func() {
			mock.ExpectExec(`DELETE FROM notifications WHERE read AND created_at < \$1`).
				WithArgs(pgxmock.AnyArg()).
				WillReturnResult(pgxmock.NewResult("DELETE", 4))

			n, err := store.PruneReadNotifications(ctx, now)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(int64(4)))
		})

		It("scopes mark-read to the owning subscriber", func() {
			mock.ExpectExec(`UPDATE notifications SET read = TRUE`).
				WithArgs("n1", "u2").
				WillReturnResult(pgxmock.NewResult("UPDATE", 0))

			err := store.MarkNotificationRead(ctx, "u2", "n1")
			Expect(errors.Is(err, storage.ErrNotFound)).To(BeTrue())
		})
	})
})
