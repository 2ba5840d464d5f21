package service

import (
	"errors"
	"testing"

	"stock-ledger/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdjustmentValidation(t *testing.T) {
	f := newFixture(t)
	b := f.batch(10)

	tests := []struct {
		name  string
		typ   models.AdjustmentType
		delta int64
	}{
		{"unknown type", models.AdjustmentType("MAGIC"), -1},
		{"zero delta", models.AdjustmentCorrection, 0},
		{"positive shrinkage", models.AdjustmentTheft, 2},
		{"negative return", models.AdjustmentCustomerReturn, -2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.adjustments.Create(f.ctx, f.clerk, &CreateAdjustmentRequest{BatchID: b.ID, Type: tt.typ, Delta: tt.delta})
			var invalid *models.ValidationError
			assert.True(t, errors.As(err, &invalid))
		})
	}
}

func TestAdjustmentStateMachine(t *testing.T) {
	f := newFixture(t)
	b := f.batch(10)

	adj, err := f.adjustments.Create(f.ctx, f.clerk, &CreateAdjustmentRequest{
		BatchID: b.ID, Type: models.AdjustmentDamage, Delta: -2, Reason: "crushed pallet",
	})
	require.NoError(t, err)
	assert.Equal(t, models.AdjustmentStatusPending, adj.Status)
	assert.Equal(t, "clerk-1", adj.RequestedBy)

	var invalid *models.InvalidTransitionError
	_, err = f.adjustments.Complete(f.ctx, f.clerk, adj.ID)
	require.True(t, errors.As(err, &invalid), "completing a PENDING adjustment")
	assert.Equal(t, models.AdjustmentStatusPending, invalid.From)

	var unauthorized *models.UnauthorizedApprovalError
	_, err = f.adjustments.Approve(f.ctx, f.clerk, adj.ID)
	require.True(t, errors.As(err, &unauthorized))

	approved, err := f.adjustments.Approve(f.ctx, f.manager, adj.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AdjustmentStatusApproved, approved.Status)
	require.NotNil(t, approved.ApprovedBy)
	assert.Equal(t, "manager-1", *approved.ApprovedBy)

	_, err = f.adjustments.Reject(f.ctx, f.manager, adj.ID)
	require.True(t, errors.As(err, &invalid), "rejecting an APPROVED adjustment")

	completed, err := f.adjustments.Complete(f.ctx, f.clerk, adj.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AdjustmentStatusCompleted, completed.Status)
	assert.NotNil(t, completed.CompletedAt)

	_, err = f.adjustments.Complete(f.ctx, f.clerk, adj.ID)
	require.True(t, errors.As(err, &invalid), "completing twice")

	available, err := f.calculator.Availability(f.ctx, f.clerk, b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(8), available)

	current, err := f.ledger.GetBatch(f.ctx, f.clerk, b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), current.IntakeQuantity, "completion never touches intake")
	assert.Equal(t, 1, f.publisher.count(models.EventTypeAdjustmentCompleted))
}

func TestRejectedAdjustmentHasNoEffect(t *testing.T) {
	f := newFixture(t)
	b := f.batch(10)

	adj, err := f.adjustments.Create(f.ctx, f.clerk, &CreateAdjustmentRequest{BatchID: b.ID, Type: models.AdjustmentLoss, Delta: -5})
	require.NoError(t, err)
	rejected, err := f.adjustments.Reject(f.ctx, f.manager, adj.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AdjustmentStatusRejected, rejected.Status)

	var invalid *models.InvalidTransitionError
	_, err = f.adjustments.Approve(f.ctx, f.manager, adj.ID)
	assert.True(t, errors.As(err, &invalid))

	available, err := f.calculator.Availability(f.ctx, f.clerk, b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), available)
}

func TestAdjustmentCannotDriveAvailabilityNegative(t *testing.T) {
	f := newFixture(t)
	b := f.batch(10)
	f.ship(b, 7)

	_, err := f.adjust(&CreateAdjustmentRequest{BatchID: b.ID, Type: models.AdjustmentWriteOff, Delta: -4})
	var insufficient *models.InsufficientStockError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, int64(3), insufficient.Available)
	assert.Equal(t, int64(4), insufficient.Requested)
	assert.Equal(t, f.warehouse.ID, insufficient.LocationID)

	adjustments, err := f.adjustments.List(f.ctx, f.clerk, b.ID)
	require.NoError(t, err)
	require.Len(t, adjustments, 1)
	assert.Equal(t, models.AdjustmentStatusApproved, adjustments[0].Status, "failed completion leaves the adjustment APPROVED")
}

func TestStorefrontAdjustmentMovesShelfStock(t *testing.T) {
	f := newFixture(t)
	b := f.batch(10)
	f.ship(b, 6)
	sf := f.storefront.ID

	_, err := f.adjust(&CreateAdjustmentRequest{BatchID: b.ID, StorefrontID: &sf, Type: models.AdjustmentTheft, Delta: -2})
	require.NoError(t, err)
	assert.Equal(t, int64(4), f.shelf(b.ProductID))

	_, err = f.adjust(&CreateAdjustmentRequest{BatchID: b.ID, StorefrontID: &sf, Type: models.AdjustmentCustomerReturn, Delta: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(5), f.shelf(b.ProductID))

	available, err := f.calculator.Availability(f.ctx, f.clerk, b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), available, "storefront adjustments leave warehouse stock alone")
}

func TestStorefrontAdjustmentRespectsReservations(t *testing.T) {
	f := newFixture(t)
	b := f.batch(10)
	f.ship(b, 5)
	sf := f.storefront.ID

	_, err := f.reserve(b.ProductID, 4, "cart-1")
	require.NoError(t, err)

	_, err = f.adjust(&CreateAdjustmentRequest{BatchID: b.ID, StorefrontID: &sf, Type: models.AdjustmentDamage, Delta: -2})
	var insufficient *models.InsufficientStockError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, int64(1), insufficient.Available)
	assert.Equal(t, int64(5), f.shelf(b.ProductID))
}
