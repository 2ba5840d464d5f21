package store

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"stock-ledger/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStoreWithDB(sqlx.NewDb(db, "postgres")), mock
}

func TestPostgresAmendIntakeIsGuarded(t *testing.T) {
	query := regexp.QuoteMeta("UPDATE batches SET intake_quantity = $1")

	tests := []struct {
		name    string
		rows    int64
		amended bool
	}{
		{name: "no movements", rows: 1, amended: true},
		{name: "movement blocks the update", rows: 0, amended: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, mock := newMockStore(t)
			id := uuid.New()

			mock.ExpectBegin()
			mock.ExpectExec(query).WithArgs(int64(9), id).WillReturnResult(sqlmock.NewResult(0, tt.rows))
			mock.ExpectCommit()

			var amended bool
			err := st.InTx(context.Background(), func(tx Tx) error {
				var err error
				amended, err = tx.AmendIntakeQuantity(context.Background(), id, 9)
				return err
			})
			require.NoError(t, err)
			assert.Equal(t, tt.amended, amended)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPostgresReservationTransitionsAreConditional(t *testing.T) {
	st, mock := newMockStore(t)
	id := uuid.New()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE reservations SET status = $1, resolved_at = $2 WHERE id = $3 AND status = 'ACTIVE'")).
		WithArgs(models.ReservationStatusCommitted, now, id).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("AND status = 'ACTIVE' AND expires_at <= $2")).
		WithArgs(id, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := st.InTx(context.Background(), func(tx Tx) error {
		committed, err := tx.TransitionReservation(context.Background(), id, models.ReservationStatusCommitted, now)
		require.NoError(t, err)
		assert.False(t, committed, "already resolved")

		expired, err := tx.ExpireReservation(context.Background(), id, now)
		require.NoError(t, err)
		assert.True(t, expired)
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresInTxRollsBackOnError(t *testing.T) {
	st, mock := newMockStore(t)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO processed_events")).
		WithArgs("evt-1", models.EventTypeSaleCompleted).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	err := st.InTx(context.Background(), func(tx Tx) error {
		if err := tx.MarkEventProcessed(context.Background(), "evt-1", models.EventTypeSaleCompleted); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMissingBatchIsNotFound(t *testing.T) {
	st, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM batches WHERE id = $1 FOR UPDATE")).
		WithArgs(id).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	err := st.InTx(context.Background(), func(tx Tx) error {
		_, err := tx.GetBatch(context.Background(), id, true)
		return err
	})
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresEventIdempotency(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)")).
		WithArgs("evt-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectCommit()

	var processed bool
	err := st.InTx(context.Background(), func(tx Tx) error {
		var err error
		processed, err = tx.IsEventProcessed(context.Background(), "evt-1")
		return err
	})
	require.NoError(t, err)
	assert.True(t, processed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func seedBatch(t *testing.T, st *MemoryStore) *models.Batch {
	t.Helper()
	b := &models.Batch{ID: uuid.New(), BusinessID: uuid.New(), ProductID: uuid.New(), WarehouseID: uuid.New(), IntakeQuantity: 10}
	require.NoError(t, st.InTx(context.Background(), func(tx Tx) error {
		return tx.CreateBatch(context.Background(), b)
	}))
	return b
}

func TestMemoryInTxDiscardsFailedWork(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	b := seedBatch(t, st)

	err := st.InTx(ctx, func(tx Tx) error {
		amended, err := tx.AmendIntakeQuantity(ctx, b.ID, 99)
		require.NoError(t, err)
		require.True(t, amended)
		return errors.New("abort")
	})
	require.Error(t, err)

	require.NoError(t, st.InTx(ctx, func(tx Tx) error {
		got, err := tx.GetBatch(ctx, b.ID, false)
		require.NoError(t, err)
		assert.Equal(t, int64(10), got.IntakeQuantity)
		return nil
	}))
}

func TestMemoryAmendBlockedByMovement(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	b := seedBatch(t, st)

	require.NoError(t, st.InTx(ctx, func(tx Tx) error {
		return tx.CreateAdjustment(ctx, &models.Adjustment{
			ID: uuid.New(), BusinessID: b.BusinessID, BatchID: b.ID,
			Type: models.AdjustmentDamage, Delta: -1, Status: models.AdjustmentStatusPending,
		})
	}))

	require.NoError(t, st.InTx(ctx, func(tx Tx) error {
		counts, err := tx.CountMovements(ctx, b.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, counts.Adjustments)

		amended, err := tx.AmendIntakeQuantity(ctx, b.ID, 12)
		require.NoError(t, err)
		assert.False(t, amended)
		return nil
	}))
}

func TestMemoryReservationLifecycle(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	key := models.SlotKey{StorefrontID: uuid.New(), ProductID: uuid.New()}

	early := models.Reservation{ID: uuid.New(), StorefrontID: key.StorefrontID, ProductID: key.ProductID,
		Quantity: 2, Status: models.ReservationStatusActive, ExpiresAt: now.Add(-time.Minute)}
	late := models.Reservation{ID: uuid.New(), StorefrontID: key.StorefrontID, ProductID: key.ProductID,
		Quantity: 3, Status: models.ReservationStatusActive, ExpiresAt: now.Add(time.Minute)}

	require.NoError(t, st.InTx(ctx, func(tx Tx) error {
		require.NoError(t, tx.CreateReservation(ctx, &early))
		require.NoError(t, tx.CreateReservation(ctx, &late))

		held, err := tx.SumActiveReservations(ctx, key, now)
		require.NoError(t, err)
		assert.Equal(t, int64(3), held, "lapsed holds do not count")

		due, err := tx.ListDueReservations(ctx, now, 10)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, early.ID, due[0].ID)

		expired, err := tx.ExpireReservation(ctx, late.ID, now)
		require.NoError(t, err)
		assert.False(t, expired, "not yet due")

		committed, err := tx.TransitionReservation(ctx, late.ID, models.ReservationStatusCommitted, now)
		require.NoError(t, err)
		assert.True(t, committed)

		again, err := tx.TransitionReservation(ctx, late.ID, models.ReservationStatusReleased, now)
		require.NoError(t, err)
		assert.False(t, again)
		return nil
	}))
}

func TestMemoryRowNeverNegative(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	key := models.SlotKey{StorefrontID: uuid.New(), ProductID: uuid.New()}

	err := st.InTx(ctx, func(tx Tx) error {
		row, err := tx.LockStorefrontRow(ctx, key, uuid.New())
		require.NoError(t, err)
		assert.Equal(t, int64(0), row.Quantity)

		row.Quantity = -1
		return tx.SaveStorefrontRow(ctx, row)
	})
	assert.Error(t, err)
}

func TestMemoryInTxHonoursCancelledContext(t *testing.T) {
	st := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := st.InTx(ctx, func(tx Tx) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestMemoryQueriesFailOnCancelledContext(t *testing.T) {
	st := NewMemoryStore()
	b := seedBatch(t, st)

	require.NoError(t, st.InTx(context.Background(), func(tx Tx) error {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		amended, err := tx.AmendIntakeQuantity(ctx, b.ID, 12)
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, amended)

		log, err := tx.MovementLog(ctx, b.ID)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Nil(t, log)
		return nil
	}))

	require.NoError(t, st.InTx(context.Background(), func(tx Tx) error {
		got, err := tx.GetBatch(context.Background(), b.ID, false)
		require.NoError(t, err)
		assert.Equal(t, int64(10), got.IntakeQuantity, "a failed count leaves the intake alone")
		return nil
	}))
}
