package service

import (
	"testing"

	"stock-ledger/internal/models"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndToEndScenarioBalances(t *testing.T) {
	f := newFixture(t)
	b := f.batch(46)

	_, err := f.adjust(&CreateAdjustmentRequest{BatchID: b.ID, Type: models.AdjustmentDamage, Delta: -4})
	require.NoError(t, err)
	_, err = f.adjust(&CreateAdjustmentRequest{BatchID: b.ID, Type: models.AdjustmentCorrection, Delta: 14})
	require.NoError(t, err)
	f.ship(b, 30)

	res, err := f.reserve(b.ProductID, 10, "sale-1")
	require.NoError(t, err)
	sale, err := f.sales.CompleteSale(f.ctx, f.clerk, "sale-1")
	require.NoError(t, err)
	assert.Equal(t, SaleOutcomeCompleted, sale.Status)
	require.Len(t, sale.Lines, 1)
	assert.Equal(t, res.ID, sale.Lines[0].ReservationID)

	available, err := f.calculator.Availability(f.ctx, f.clerk, b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(26), available)
	assert.Equal(t, int64(20), f.shelf(b.ProductID))

	report, err := f.calculator.BatchReport(f.ctx, f.clerk, b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(46), report.RecordedIntake)
	assert.Equal(t, int64(26), report.WarehouseOnHand)
	assert.Equal(t, int64(20), report.StorefrontOnHand)
	assert.Equal(t, int64(10), report.CompletedSalesUnits)
	assert.Equal(t, int64(4), report.ShrinkageUnits)
	assert.Equal(t, int64(14), report.CorrectionUnits)
	assert.Equal(t, int64(0), report.ActiveReservationUnits)
	assert.Equal(t, int64(46), report.CalculatedBaseline)
	assert.Equal(t, int64(0), report.Delta)
	assert.Equal(t, models.ReconciliationBalanced, report.Status)
	assert.Equal(t, 0, f.publisher.count(models.EventTypeReconciliationMismatch))
}

func TestReportShowsReservationsWithoutCountingThemTwice(t *testing.T) {
	f := newFixture(t)
	older := f.batch(10)
	newer := f.batchOf(older.ProductID, 10)
	f.ship(older, 3)
	f.ship(newer, 4)

	_, err := f.reserve(older.ProductID, 5, "cart-1")
	require.NoError(t, err)

	report, err := f.calculator.BatchReport(f.ctx, f.clerk, older.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), report.ActiveReservationUnits)
	require.Len(t, report.Storefronts, 1)
	assert.Equal(t, int64(3), report.Storefronts[0].OnHand)
	assert.Equal(t, int64(3), report.Storefronts[0].Reserved)
	assert.Equal(t, int64(0), report.Delta)

	report, err = f.calculator.BatchReport(f.ctx, f.clerk, newer.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), report.ActiveReservationUnits)
	assert.Equal(t, int64(0), report.Delta)
}

func TestProductReport(t *testing.T) {
	f := newFixture(t)
	product := uuid.New()
	first := f.batchOf(product, 12)
	f.batchOf(product, 8)
	f.batch(99)
	f.ship(first, 5)

	report, err := f.calculator.ProductReport(f.ctx, f.clerk, product)
	require.NoError(t, err)
	assert.Len(t, report.Batches, 2)
	assert.Equal(t, int64(20), report.RecordedIntake)
	assert.Equal(t, int64(20), report.CalculatedBaseline)
	assert.Equal(t, models.ReconciliationBalanced, report.Status)
}

func TestReconcileFlagsTamperedLog(t *testing.T) {
	storefront := uuid.New()
	batch := &models.Batch{ID: uuid.New(), BusinessID: uuid.New(), ProductID: uuid.New(), IntakeQuantity: 20}
	shipped := models.TransferMovement{
		TransferItem: models.TransferItem{
			BatchID:              batch.ID,
			Quantity:             8,
			SourceProductID:      batch.ProductID,
			DestinationProductID: batch.ProductID,
		},
		Status:          models.TransferStatusFulfilled,
		SourceKind:      models.LocationWarehouse,
		DestinationID:   storefront,
		DestinationKind: models.LocationStorefront,
	}

	t.Run("balanced", func(t *testing.T) {
		log := &models.MovementLog{Transfers: []models.TransferMovement{shipped}}
		snap := Reconcile(batch, Position(batch, log), nil)
		assert.Equal(t, int64(0), snap.Delta)
		assert.Equal(t, models.MessageBalanced, snap.Message)
	})

	t.Run("units leave the shelf without a record", func(t *testing.T) {
		log := &models.MovementLog{Transfers: []models.TransferMovement{shipped}}
		pos := Position(batch, log)
		pos.Storefront[models.SlotKey{StorefrontID: storefront, ProductID: batch.ProductID}] -= 3

		snap := Reconcile(batch, pos, nil)
		assert.Equal(t, int64(3), snap.Delta)
		assert.Equal(t, models.ReconciliationUnaccounted, snap.Status)
		assert.Equal(t, models.MessageUnaccounted, snap.Message)
	})

	t.Run("sale recorded twice", func(t *testing.T) {
		sale := models.SaleItem{BatchID: batch.ID, StorefrontID: &storefront, ProductID: batch.ProductID, Quantity: 2, Status: models.SaleStatusCompleted}
		log := &models.MovementLog{
			Transfers: []models.TransferMovement{shipped},
			Sales:     []models.SaleItem{sale},
		}
		pos := Position(batch, log)
		pos.Sold += sale.Quantity

		snap := Reconcile(batch, pos, nil)
		assert.Equal(t, int64(-2), snap.Delta)
		assert.Equal(t, models.ReconciliationOvercounted, snap.Status)
		assert.Equal(t, models.MessageOvercounted, snap.Message)
	})
}

func TestPositionIgnoresUnsettledMovements(t *testing.T) {
	batch := &models.Batch{ID: uuid.New(), ProductID: uuid.New(), IntakeQuantity: 10}
	log := &models.MovementLog{
		Adjustments: []models.Adjustment{
			{Type: models.AdjustmentTheft, Delta: -3, Status: models.AdjustmentStatusPending},
			{Type: models.AdjustmentFound, Delta: 2, Status: models.AdjustmentStatusRejected},
		},
		Transfers: []models.TransferMovement{
			{TransferItem: models.TransferItem{Quantity: 4}, Status: models.TransferStatusApproved, SourceKind: models.LocationWarehouse},
			{TransferItem: models.TransferItem{Quantity: 5}, Status: models.TransferStatusCancelled, SourceKind: models.LocationWarehouse},
		},
	}

	pos := Position(batch, log)
	assert.Equal(t, int64(10), pos.Warehouse)
	assert.Equal(t, 2, pos.Pending)
}

func TestMismatchIsPublished(t *testing.T) {
	f := newFixture(t)
	b := f.batch(10)

	snap := &models.ReconciliationSnapshot{BatchID: b.ID, BusinessID: b.BusinessID, RecordedIntake: 10, CalculatedBaseline: 7, Delta: 3, Status: models.ReconciliationUnaccounted}
	f.calculator.observe(f.ctx, snap)
	assert.Equal(t, 1, f.publisher.count(models.EventTypeReconciliationMismatch))
}

func TestMismatchMetricsAreNotPerBatch(t *testing.T) {
	f := newFixture(t)
	for _, delta := range []int64{3, -2} {
		b := f.batch(10)
		status, _ := models.ClassifyDelta(delta)
		f.calculator.observe(f.ctx, &models.ReconciliationSnapshot{
			BatchID: b.ID, BusinessID: b.BusinessID, RecordedIntake: 10,
			CalculatedBaseline: 10 - delta, Delta: delta, Status: status,
		})
	}

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	found := false
	for _, mf := range families {
		if mf.GetName() != "ledger_reconciliation_delta_units" {
			continue
		}
		found = true
		for _, m := range mf.GetMetric() {
			for _, label := range m.GetLabel() {
				assert.Equal(t, "status", label.GetName())
			}
		}
	}
	assert.True(t, found)
}

func TestProductReportCountsWarehouseMovesOnce(t *testing.T) {
	f := newFixture(t)
	b := f.batch(20)
	overflow := f.location(models.LocationWarehouse, "Overflow")

	tr := f.approvedTransfer(f.warehouse.ID, overflow.ID, TransferItemRequest{BatchID: b.ID, Quantity: 8})
	_, err := f.transfers.Fulfill(f.ctx, f.clerk, tr.ID)
	require.NoError(t, err)

	report, err := f.calculator.ProductReport(f.ctx, f.clerk, b.ProductID)
	require.NoError(t, err)
	assert.Len(t, report.Batches, 2, "derived batches are still listed")
	assert.Equal(t, int64(20), report.RecordedIntake)
	assert.Equal(t, int64(20), report.CalculatedBaseline)
	assert.Equal(t, int64(8), report.InternalTransferUnits)
	assert.Equal(t, int64(0), report.Delta)
	assert.Equal(t, models.ReconciliationBalanced, report.Status)
}

func TestProductReportKeepsMovesToOtherProducts(t *testing.T) {
	f := newFixture(t)
	b := f.batch(20)
	overflow := f.location(models.LocationWarehouse, "Overflow")
	repacked := uuid.New()

	tr := f.approvedTransfer(f.warehouse.ID, overflow.ID,
		TransferItemRequest{BatchID: b.ID, Quantity: 8, DestinationProductID: &repacked})
	_, err := f.transfers.Fulfill(f.ctx, f.clerk, tr.ID)
	require.NoError(t, err)

	report, err := f.calculator.ProductReport(f.ctx, f.clerk, b.ProductID)
	require.NoError(t, err)
	assert.Len(t, report.Batches, 1)
	assert.Equal(t, int64(20), report.RecordedIntake)
	assert.Equal(t, int64(0), report.InternalTransferUnits)
	assert.Equal(t, int64(0), report.Delta)

	derived, err := f.calculator.ProductReport(f.ctx, f.clerk, repacked)
	require.NoError(t, err)
	assert.Equal(t, int64(8), derived.RecordedIntake, "the parent is another product")
	assert.Equal(t, int64(0), derived.InternalTransferUnits)
}
