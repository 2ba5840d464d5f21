package service

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"stock-ledger/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestReserveChecksUnheldStock(t *testing.T) {
	f := newFixture(t)
	b := f.batch(10)
	f.ship(b, 5)

	res, err := f.reserve(b.ProductID, 3, "cart-1")
	require.NoError(t, err)
	assert.Equal(t, models.ReservationStatusActive, res.Status)
	assert.Equal(t, f.now.Add(30*time.Minute), res.ExpiresAt)

	_, err = f.reserve(b.ProductID, 3, "cart-2")
	var insufficient *models.InsufficientStockError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, int64(2), insufficient.Available)
	assert.Equal(t, int64(3), insufficient.Requested)
	assert.Equal(t, f.storefront.ID, insufficient.LocationID)

	assert.Equal(t, int64(5), f.shelf(b.ProductID), "reserving does not move stock")
}

func TestReserveOnEmptySlot(t *testing.T) {
	f := newFixture(t)
	b := f.batch(10)

	_, err := f.reserve(b.ProductID, 1, "cart-1")
	var insufficient *models.InsufficientStockError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, int64(0), insufficient.Available)
}

func TestConcurrentReservationsNeverOversell(t *testing.T) {
	f := newFixture(t)
	b := f.batch(100)
	const stock, attempts = 7, 25
	f.ship(b, stock)

	var wg sync.WaitGroup
	var succeeded, refused int64
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.reserve(b.ProductID, 1, fmt.Sprintf("cart-%d", i))
			var insufficient *models.InsufficientStockError
			switch {
			case err == nil:
				atomic.AddInt64(&succeeded, 1)
			case errors.As(err, &insufficient):
				atomic.AddInt64(&refused, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(stock), succeeded)
	assert.Equal(t, int64(attempts-stock), refused)
}

func TestLastUnitSellsOnce(t *testing.T) {
	f := newFixture(t)
	b := f.batch(10)
	f.ship(b, 1)

	first, err := f.reserve(b.ProductID, 1, "cart-1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	var committed int64
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.reservations.Commit(f.ctx, f.clerk, first.ID, "cart-1"); err == nil {
				atomic.AddInt64(&committed, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), committed)
	assert.Equal(t, int64(0), f.shelf(b.ProductID))
}

func TestReleaseIsIdempotent(t *testing.T) {
	f := newFixture(t)
	b := f.batch(10)
	f.ship(b, 2)

	res, err := f.reserve(b.ProductID, 2, "cart-1")
	require.NoError(t, err)

	released, err := f.reservations.Release(f.ctx, f.clerk, res.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationStatusReleased, released.Status)

	again, err := f.reservations.Release(f.ctx, f.clerk, res.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationStatusReleased, again.Status)
	assert.Equal(t, released.ResolvedAt, again.ResolvedAt)

	_, err = f.reserve(b.ProductID, 2, "cart-2")
	require.NoError(t, err, "released units are available again")
	assert.Equal(t, int64(2), f.shelf(b.ProductID))
}

func TestCommitDecrementsShelf(t *testing.T) {
	f := newFixture(t)
	b := f.batch(10)
	f.ship(b, 5)

	res, err := f.reserve(b.ProductID, 3, "cart-1")
	require.NoError(t, err)

	result, err := f.reservations.Commit(f.ctx, f.clerk, res.ID, "cart-1")
	require.NoError(t, err)
	assert.Equal(t, models.ReservationStatusCommitted, result.Reservation.Status)
	require.Len(t, result.SaleItems, 1)
	assert.Equal(t, b.ID, result.SaleItems[0].BatchID)
	assert.Equal(t, int64(3), result.SaleItems[0].Quantity)

	assert.Equal(t, int64(2), f.shelf(b.ProductID))
	assert.Equal(t, 1, f.publisher.count(models.EventTypeReservationCommitted))

	var expired *models.ReservationExpiredError
	_, err = f.reservations.Commit(f.ctx, f.clerk, res.ID, "cart-1")
	require.True(t, errors.As(err, &expired), "a reservation commits once")
	assert.Equal(t, models.ReservationStatusCommitted, expired.Status)
	assert.Equal(t, int64(2), f.shelf(b.ProductID))
}

func TestCommitAttributesOldestBatchFirst(t *testing.T) {
	f := newFixture(t)
	older := f.batch(10)
	newer := f.batchOf(older.ProductID, 10)
	f.ship(older, 2)
	f.ship(newer, 5)

	res, err := f.reserve(older.ProductID, 4, "cart-1")
	require.NoError(t, err)
	result, err := f.reservations.Commit(f.ctx, f.clerk, res.ID, "cart-1")
	require.NoError(t, err)

	require.Len(t, result.SaleItems, 2)
	assert.Equal(t, older.ID, result.SaleItems[0].BatchID)
	assert.Equal(t, int64(2), result.SaleItems[0].Quantity)
	assert.Equal(t, newer.ID, result.SaleItems[1].BatchID)
	assert.Equal(t, int64(2), result.SaleItems[1].Quantity)

	for _, b := range []*models.Batch{older, newer} {
		report, err := f.calculator.BatchReport(f.ctx, f.clerk, b.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(0), report.Delta)
	}
}

func TestCommitAfterExpiryFails(t *testing.T) {
	f := newFixture(t)
	b := f.batch(10)
	f.ship(b, 3)

	res, err := f.reserve(b.ProductID, 2, "cart-1")
	require.NoError(t, err)

	f.now = f.now.Add(31 * time.Minute)
	_, err = f.reservations.Commit(f.ctx, f.clerk, res.ID, "cart-1")
	var expired *models.ReservationExpiredError
	require.True(t, errors.As(err, &expired))
	assert.Equal(t, models.ReservationStatusExpired, expired.Status)
	assert.Equal(t, int64(3), f.shelf(b.ProductID))

	_, err = f.reserve(b.ProductID, 3, "cart-2")
	assert.NoError(t, err, "lapsed holds stop counting before the sweep runs")
}

func TestExpireDue(t *testing.T) {
	f := newFixture(t)
	b := f.batch(10)
	f.ship(b, 5)

	stale, err := f.reserve(b.ProductID, 2, "cart-1")
	require.NoError(t, err)
	f.now = f.now.Add(20 * time.Minute)
	fresh, err := f.reserve(b.ProductID, 1, "cart-2")
	require.NoError(t, err)

	f.now = f.now.Add(15 * time.Minute)
	stats, err := f.reservations.ExpireDue(f.ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, SweepStats{Found: 1, Expired: 1}, stats)

	got, err := f.reservations.Get(f.ctx, f.clerk, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationStatusExpired, got.Status)

	got, err = f.reservations.Get(f.ctx, f.clerk, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationStatusActive, got.Status)
	assert.Equal(t, 1, f.publisher.count(models.EventTypeReservationExpired))

	stats, err = f.reservations.ExpireDue(f.ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, SweepStats{}, stats, "a second sweep finds nothing")
}

func TestCommitRacesExpirySweep(t *testing.T) {
	for i := 0; i < 30; i++ {
		f := newFixture(t)
		b := f.batch(10)
		f.ship(b, 1)

		res, err := f.reserve(b.ProductID, 1, "cart-1")
		require.NoError(t, err)

		// the sweeper runs on a clock that is already past the expiry
		sweeper := NewReservationService(f.store, f.projection, f.publisher, time.Minute)
		sweeper.logger = zaptest.NewLogger(t)
		late := f.now.Add(time.Hour)
		sweeper.clock = func() time.Time { return late }

		var wg sync.WaitGroup
		var commitErr error
		var stats SweepStats
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, commitErr = f.reservations.Commit(f.ctx, f.clerk, res.ID, "cart-1")
		}()
		go func() {
			defer wg.Done()
			stats, _ = sweeper.ExpireDue(f.ctx, 10)
		}()
		wg.Wait()

		got, err := f.reservations.Get(f.ctx, f.clerk, res.ID)
		require.NoError(t, err)

		if commitErr == nil {
			assert.Equal(t, models.ReservationStatusCommitted, got.Status)
			assert.Equal(t, 0, stats.Expired)
			assert.Equal(t, int64(0), f.shelf(b.ProductID))
		} else {
			var expired *models.ReservationExpiredError
			require.True(t, errors.As(commitErr, &expired))
			assert.Equal(t, models.ReservationStatusExpired, got.Status)
			assert.Equal(t, 1, stats.Expired)
			assert.Equal(t, int64(1), f.shelf(b.ProductID))
		}
	}
}

func TestReservationScope(t *testing.T) {
	f := newFixture(t)
	b := f.batch(10)
	f.ship(b, 2)

	res, err := f.reserve(b.ProductID, 1, "cart-1")
	require.NoError(t, err)

	other := models.Scope{BusinessID: uuid.New(), ActorID: "intruder"}
	_, err = f.reservations.Release(f.ctx, other, res.ID)
	var cross *models.CrossTenantError
	assert.True(t, errors.As(err, &cross))
}
