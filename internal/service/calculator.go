package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"stock-ledger/internal/models"
	"stock-ledger/internal/store"
	"stock-ledger/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// BatchPosition is where the units of one batch are, folded from its
// movement log
type BatchPosition struct {
	Warehouse    int64
	Storefront   map[models.SlotKey]int64
	Sold         int64
	Shrinkage    int64
	Gained       int64
	ToWarehouses int64
	Pending      int
}

// StorefrontTotal sums the batch's units across storefront slots
func (p *BatchPosition) StorefrontTotal() int64 {
	var total int64
	for _, units := range p.Storefront {
		total += units
	}
	return total
}

// Position folds a batch's movement log into its current position. Only
// COMPLETED adjustments, FULFILLED transfers and COMPLETED or PARTIAL sale
// items move units.
func Position(batch *models.Batch, log *models.MovementLog) *BatchPosition {
	pos := &BatchPosition{
		Warehouse:  batch.IntakeQuantity,
		Storefront: map[models.SlotKey]int64{},
	}

	for _, adj := range log.Adjustments {
		switch adj.Status {
		case models.AdjustmentStatusPending, models.AdjustmentStatusApproved:
			pos.Pending++
			continue
		case models.AdjustmentStatusCompleted:
		default:
			continue
		}

		if adj.StorefrontID == nil {
			pos.Warehouse += adj.Delta
		} else {
			pos.Storefront[models.SlotKey{StorefrontID: *adj.StorefrontID, ProductID: adj.ProductID}] += adj.Delta
		}
		if adj.Type.IsShrinkage() {
			pos.Shrinkage -= adj.Delta
		} else {
			pos.Gained += adj.Delta
		}
	}

	for _, tm := range log.Transfers {
		switch tm.Status {
		case models.TransferStatusRequested, models.TransferStatusApproved:
			pos.Pending++
			continue
		case models.TransferStatusFulfilled:
		default:
			continue
		}

		if tm.SourceKind == models.LocationWarehouse {
			pos.Warehouse -= tm.Quantity
		} else {
			pos.Storefront[models.SlotKey{StorefrontID: tm.SourceID, ProductID: tm.SourceProductID}] -= tm.Quantity
		}
		if tm.DestinationKind == models.LocationStorefront {
			pos.Storefront[models.SlotKey{StorefrontID: tm.DestinationID, ProductID: tm.DestinationProductID}] += tm.Quantity
		} else {
			pos.ToWarehouses += tm.Quantity
		}
	}

	for _, sale := range log.Sales {
		if sale.Status != models.SaleStatusCompleted && sale.Status != models.SaleStatusPartial {
			continue
		}
		if sale.StorefrontID == nil {
			pos.Warehouse -= sale.Quantity
		} else {
			pos.Storefront[models.SlotKey{StorefrontID: *sale.StorefrontID, ProductID: sale.ProductID}] -= sale.Quantity
		}
		pos.Sold += sale.Quantity
	}

	return pos
}

// Reconcile builds the accounting snapshot of a batch. Storefront units are
// physical units, reserved ones included; reservations are reported but do
// not enter the baseline because reserved units are still on the shelf.
func Reconcile(batch *models.Batch, pos *BatchPosition, holdings []models.StorefrontHolding) *models.ReconciliationSnapshot {
	snap := &models.ReconciliationSnapshot{
		BatchID:                 batch.ID,
		BusinessID:              batch.BusinessID,
		ProductID:               batch.ProductID,
		WarehouseID:             batch.WarehouseID,
		ParentBatchID:           batch.ParentBatchID,
		RecordedIntake:          batch.IntakeQuantity,
		WarehouseOnHand:         pos.Warehouse,
		StorefrontOnHand:        pos.StorefrontTotal(),
		Storefronts:             holdings,
		CompletedSalesUnits:     pos.Sold,
		TransferredToWarehouses: pos.ToWarehouses,
		ShrinkageUnits:          pos.Shrinkage,
		CorrectionUnits:         pos.Gained,
		PendingMovements:        pos.Pending,
		CalculatedAvailability:  pos.Warehouse,
	}
	if snap.Storefronts == nil {
		snap.Storefronts = []models.StorefrontHolding{}
	}
	for _, h := range holdings {
		snap.ActiveReservationUnits += h.Reserved
	}

	snap.CalculatedBaseline = snap.WarehouseOnHand +
		snap.StorefrontOnHand +
		snap.CompletedSalesUnits +
		snap.TransferredToWarehouses +
		snap.ShrinkageUnits -
		snap.CorrectionUnits
	snap.Delta = snap.RecordedIntake - snap.CalculatedBaseline
	snap.Status, snap.Message = models.ClassifyDelta(snap.Delta)
	return snap
}

// batchPosition reads and folds the movement log of a batch
func batchPosition(ctx context.Context, tx store.Tx, batch *models.Batch) (*BatchPosition, error) {
	log, err := tx.MovementLog(ctx, batch.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to read movement log: %w", err)
	}
	return Position(batch, log), nil
}

// slotHolding is the units one batch has at a storefront slot
type slotHolding struct {
	batch *models.Batch
	units int64
}

// slotHoldings lists, oldest batch first, the batches with units at a slot
func slotHoldings(ctx context.Context, tx store.Tx, key models.SlotKey) ([]slotHolding, error) {
	batches, err := tx.SlotBatches(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to list slot batches: %w", err)
	}

	holdings := make([]slotHolding, 0, len(batches))
	for i := range batches {
		b := &batches[i]
		pos, err := batchPosition(ctx, tx, b)
		if err != nil {
			return nil, err
		}
		if units := pos.Storefront[key]; units > 0 {
			holdings = append(holdings, slotHolding{batch: b, units: units})
		}
	}
	return holdings, nil
}

// errSlotBatchesChanged reports that a batch reached a slot between locking
// its batches and locking its row
var errSlotBatchesChanged = errors.New("slot gained a batch while locking")

// lockSlotBatches locks, in id order, every batch with movements at the slot.
// Callers take it before the slot row so batch locks always precede row locks.
func lockSlotBatches(ctx context.Context, tx store.Tx, key models.SlotKey) (map[uuid.UUID]bool, error) {
	batches, err := tx.SlotBatches(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to list slot batches: %w", err)
	}
	ids := make([]uuid.UUID, 0, len(batches))
	for _, b := range batches {
		ids = append(ids, b.ID)
	}
	sortIDs(ids)

	locked := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		if _, err := tx.GetBatch(ctx, id, true); err != nil {
			return nil, fmt.Errorf("failed to lock batch %s: %w", id, err)
		}
		locked[id] = true
	}
	return locked, nil
}

// allocateFIFO spreads quantity across holdings oldest first and returns the
// share taken from each batch. The remainder is what could not be placed.
func allocateFIFO(holdings []slotHolding, quantity int64) (map[uuid.UUID]int64, int64) {
	shares := make(map[uuid.UUID]int64, len(holdings))
	for _, h := range holdings {
		if quantity == 0 {
			break
		}
		take := h.units
		if take > quantity {
			take = quantity
		}
		shares[h.batch.ID] += take
		quantity -= take
	}
	return shares, quantity
}

// Calculator derives availability and reconciliation reports from the
// movement log. It owns no state.
type Calculator struct {
	store     store.Store
	publisher Publisher
	clock     func() time.Time
	logger    *zap.Logger
}

// NewCalculator creates a new reconciliation calculator
func NewCalculator(st store.Store, publisher Publisher) *Calculator {
	return &Calculator{
		store:     st,
		publisher: publisher,
		clock:     time.Now,
		logger:    util.GetLogger(),
	}
}

// Availability returns the warehouse availability of a batch
func (c *Calculator) Availability(ctx context.Context, scope models.Scope, batchID uuid.UUID) (available int64, err error) {
	ctx, span := util.StartSpan(ctx, "Calculator.Availability")
	defer func() { util.EndSpan(span, err) }()

	err = c.store.InTx(ctx, func(tx store.Tx) error {
		batch, err := loadBatch(ctx, tx, scope, batchID, false)
		if err != nil {
			return err
		}
		pos, err := batchPosition(ctx, tx, batch)
		if err != nil {
			return err
		}
		available = pos.Warehouse
		return nil
	})
	return available, err
}

// BatchReport reconciles one batch
func (c *Calculator) BatchReport(ctx context.Context, scope models.Scope, batchID uuid.UUID) (snap *models.ReconciliationSnapshot, err error) {
	ctx, span := util.StartSpan(ctx, "Calculator.BatchReport")
	defer func() { util.EndSpan(span, err) }()

	err = c.store.InTx(ctx, func(tx store.Tx) error {
		batch, err := loadBatch(ctx, tx, scope, batchID, false)
		if err != nil {
			return err
		}
		snap, err = c.snapshot(ctx, tx, batch)
		return err
	})
	if err != nil {
		return nil, err
	}

	c.observe(ctx, snap)
	return snap, nil
}

// ProductReport reconciles every batch of a product within the scope
func (c *Calculator) ProductReport(ctx context.Context, scope models.Scope, productID uuid.UUID) (report *models.ProductReconciliation, err error) {
	ctx, span := util.StartSpan(ctx, "Calculator.ProductReport")
	defer func() { util.EndSpan(span, err) }()

	report = &models.ProductReconciliation{
		ProductID: productID,
		Batches:   []models.ReconciliationSnapshot{},
	}
	err = c.store.InTx(ctx, func(tx store.Tx) error {
		batches, err := tx.ListBatches(ctx, scope.BusinessID, &productID)
		if err != nil {
			return fmt.Errorf("failed to list batches: %w", err)
		}
		inProduct := make(map[uuid.UUID]bool, len(batches))
		for _, b := range batches {
			inProduct[b.ID] = true
		}
		for i := range batches {
			snap, err := c.snapshot(ctx, tx, &batches[i])
			if err != nil {
				return err
			}
			report.Batches = append(report.Batches, *snap)
			report.RecordedIntake += snap.RecordedIntake
			report.CalculatedBaseline += snap.CalculatedBaseline
			// a derived batch's intake is already its parent's transfer out
			if snap.ParentBatchID != nil && inProduct[*snap.ParentBatchID] {
				report.InternalTransferUnits += snap.RecordedIntake
			}
		}
		report.RecordedIntake -= report.InternalTransferUnits
		report.CalculatedBaseline -= report.InternalTransferUnits
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i := range report.Batches {
		c.observe(ctx, &report.Batches[i])
	}
	report.Delta = report.RecordedIntake - report.CalculatedBaseline
	report.Status, report.Message = models.ClassifyDelta(report.Delta)
	return report, nil
}

// snapshot computes a batch report, allocating each slot's active
// reservations to its batches oldest first
func (c *Calculator) snapshot(ctx context.Context, tx store.Tx, batch *models.Batch) (*models.ReconciliationSnapshot, error) {
	pos, err := batchPosition(ctx, tx, batch)
	if err != nil {
		return nil, err
	}

	keys := make([]models.SlotKey, 0, len(pos.Storefront))
	for key, units := range pos.Storefront {
		if units != 0 {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].StorefrontID != keys[j].StorefrontID {
			return keys[i].StorefrontID.String() < keys[j].StorefrontID.String()
		}
		return keys[i].ProductID.String() < keys[j].ProductID.String()
	})

	now := c.clock()
	holdings := make([]models.StorefrontHolding, 0, len(keys))
	for _, key := range keys {
		h := models.StorefrontHolding{
			StorefrontID: key.StorefrontID,
			ProductID:    key.ProductID,
			OnHand:       pos.Storefront[key],
		}

		reserved, err := tx.SumActiveReservations(ctx, key, now)
		if err != nil {
			return nil, fmt.Errorf("failed to sum reservations: %w", err)
		}
		if reserved > 0 {
			slot, err := slotHoldings(ctx, tx, key)
			if err != nil {
				return nil, err
			}
			shares, _ := allocateFIFO(slot, reserved)
			h.Reserved = shares[batch.ID]
		}
		holdings = append(holdings, h)
	}

	return Reconcile(batch, pos, holdings), nil
}

// observe records the outcome of a report and flags mismatches
func (c *Calculator) observe(ctx context.Context, snap *models.ReconciliationSnapshot) {
	if snap.Delta == 0 {
		return
	}

	magnitude := snap.Delta
	if magnitude < 0 {
		magnitude = -magnitude
	}
	util.ReconciliationMismatchTotal.WithLabelValues(snap.Status).Inc()
	util.ReconciliationDeltaUnits.WithLabelValues(snap.Status).Observe(float64(magnitude))
	c.logger.Warn("Reconciliation mismatch",
		zap.String("batch_id", snap.BatchID.String()),
		zap.Int64("recorded_intake", snap.RecordedIntake),
		zap.Int64("calculated_baseline", snap.CalculatedBaseline),
		zap.Int64("delta", snap.Delta),
		zap.String("status", snap.Status))

	publish(ctx, c.publisher, c.logger, snap.BatchID.String(), &models.ReconciliationMismatchEvent{
		BaseEvent:          models.NewBaseEvent(models.EventTypeReconciliationMismatch, snap.BusinessID),
		BatchID:            snap.BatchID,
		RecordedIntake:     snap.RecordedIntake,
		CalculatedBaseline: snap.CalculatedBaseline,
		Delta:              snap.Delta,
		Status:             snap.Status,
	})
}
