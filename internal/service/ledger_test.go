package service

import (
	"errors"
	"testing"

	"stock-ledger/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAmendIntakeBeforeMovements(t *testing.T) {
	f := newFixture(t)
	b := f.batch(40)

	amended, err := f.ledger.AmendIntakeQuantity(f.ctx, f.clerk, b.ID, 46)
	require.NoError(t, err)
	assert.Equal(t, int64(46), amended.IntakeQuantity)
	assert.Equal(t, 1, f.publisher.count(models.EventTypeBatchAmended))
}

func TestAmendIntakeLockedByEachMovementKind(t *testing.T) {
	t.Run("adjustment", func(t *testing.T) {
		f := newFixture(t)
		b := f.batch(10)
		_, err := f.adjustments.Create(f.ctx, f.clerk, &CreateAdjustmentRequest{
			BatchID: b.ID, Type: models.AdjustmentDamage, Delta: -1,
		})
		require.NoError(t, err)

		_, err = f.ledger.AmendIntakeQuantity(f.ctx, f.clerk, b.ID, 12)
		var locked *models.LockedBatchError
		require.True(t, errors.As(err, &locked))
		assert.Equal(t, 1, locked.Adjustments)
		assert.Equal(t, 1, locked.Total())
	})

	t.Run("transfer", func(t *testing.T) {
		f := newFixture(t)
		b := f.batch(10)
		f.approvedTransfer(f.warehouse.ID, f.storefront.ID, TransferItemRequest{BatchID: b.ID, Quantity: 3})

		_, err := f.ledger.AmendIntakeQuantity(f.ctx, f.clerk, b.ID, 12)
		var locked *models.LockedBatchError
		require.True(t, errors.As(err, &locked))
		assert.Equal(t, 1, locked.TransferItems)
	})

	t.Run("sale", func(t *testing.T) {
		f := newFixture(t)
		b := f.batch(10)
		_, err := f.sales.RecordWarehouseSale(f.ctx, f.clerk, &WarehouseSaleRequest{BatchID: b.ID, Quantity: 2, SaleID: "sale-1"})
		require.NoError(t, err)

		_, err = f.ledger.AmendIntakeQuantity(f.ctx, f.clerk, b.ID, 12)
		var locked *models.LockedBatchError
		require.True(t, errors.As(err, &locked))
		assert.Equal(t, 1, locked.SaleItems)
	})
}

func TestAmendIntakeLeavesBatchUntouchedWhenLocked(t *testing.T) {
	f := newFixture(t)
	b := f.batch(10)
	_, err := f.adjustments.Create(f.ctx, f.clerk, &CreateAdjustmentRequest{
		BatchID: b.ID, Type: models.AdjustmentFound, Delta: 2,
	})
	require.NoError(t, err)

	_, err = f.ledger.AmendIntakeQuantity(f.ctx, f.clerk, b.ID, 99)
	require.Error(t, err)

	current, err := f.ledger.GetBatch(f.ctx, f.clerk, b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), current.IntakeQuantity)
}

func TestCreateBatchValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.ledger.CreateBatch(f.ctx, f.clerk, &CreateBatchRequest{
		ProductID: uuid.New(), WarehouseID: f.storefront.ID, Quantity: 5,
	})
	var invalid *models.ValidationError
	require.True(t, errors.As(err, &invalid), "batches are received at warehouses only")

	_, err = f.ledger.CreateBatch(f.ctx, f.clerk, &CreateBatchRequest{
		ProductID: uuid.New(), WarehouseID: f.warehouse.ID, Quantity: 0,
	})
	require.True(t, errors.As(err, &invalid))
}

func TestBatchesAreScopedToBusiness(t *testing.T) {
	f := newFixture(t)
	b := f.batch(10)
	other := models.Scope{BusinessID: uuid.New(), ActorID: "intruder"}

	_, err := f.ledger.GetBatch(f.ctx, other, b.ID)
	var cross *models.CrossTenantError
	require.True(t, errors.As(err, &cross))
	assert.Equal(t, f.clerk.BusinessID, cross.Actual)

	batches, err := f.ledger.ListBatches(f.ctx, other, nil)
	require.NoError(t, err)
	assert.Empty(t, batches)

	_, err = f.ledger.GetBatch(f.ctx, f.clerk, uuid.New())
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestListBatchesByProduct(t *testing.T) {
	f := newFixture(t)
	product := uuid.New()
	first := f.batchOf(product, 5)
	f.batch(7)
	second := f.batchOf(product, 9)

	batches, err := f.ledger.ListBatches(f.ctx, f.clerk, &product)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.Equal(t, first.ID, batches[0].ID)
	assert.Equal(t, second.ID, batches[1].ID)
}
