package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"stock-ledger/internal/models"
	"stock-ledger/internal/store"
	"stock-ledger/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Ledger owns locations and the batch intake records
type Ledger struct {
	store     store.Store
	publisher Publisher
	clock     func() time.Time
	logger    *zap.Logger
}

// NewLedger creates a new batch ledger
func NewLedger(st store.Store, publisher Publisher) *Ledger {
	return &Ledger{
		store:     st,
		publisher: publisher,
		clock:     time.Now,
		logger:    util.GetLogger(),
	}
}

// CreateLocationRequest represents a request to register a location
type CreateLocationRequest struct {
	Kind models.LocationKind `json:"kind" binding:"required"`
	Name string              `json:"name" binding:"required"`
}

// CreateLocation registers a warehouse or storefront for the scope's business
func (l *Ledger) CreateLocation(ctx context.Context, scope models.Scope, req *CreateLocationRequest) (loc *models.Location, err error) {
	ctx, span := util.StartSpan(ctx, "Ledger.CreateLocation")
	defer func() { util.EndSpan(span, err) }()

	if req.Kind != models.LocationWarehouse && req.Kind != models.LocationStorefront {
		return nil, &models.ValidationError{Field: "kind", Message: fmt.Sprintf("unknown location kind %q", req.Kind)}
	}
	if strings.TrimSpace(req.Name) == "" {
		return nil, &models.ValidationError{Field: "name", Message: "must not be empty"}
	}

	loc = &models.Location{
		ID:         uuid.New(),
		BusinessID: scope.BusinessID,
		Kind:       req.Kind,
		Name:       req.Name,
		CreatedAt:  l.clock(),
	}
	err = l.store.InTx(ctx, func(tx store.Tx) error {
		return tx.CreateLocation(ctx, loc)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create location: %w", err)
	}

	l.logger.Info("Location created",
		zap.String("location_id", loc.ID.String()),
		zap.String("kind", string(loc.Kind)))
	return loc, nil
}

// GetLocation returns a location within the scope
func (l *Ledger) GetLocation(ctx context.Context, scope models.Scope, id uuid.UUID) (loc *models.Location, err error) {
	err = l.store.InTx(ctx, func(tx store.Tx) error {
		loc, err = loadLocation(ctx, tx, scope, id, "")
		return err
	})
	return loc, err
}

// CreateBatchRequest represents a stock intake
type CreateBatchRequest struct {
	ProductID   uuid.UUID      `json:"product_id" binding:"required"`
	WarehouseID uuid.UUID      `json:"warehouse_id" binding:"required"`
	Quantity    int64          `json:"quantity" binding:"required"`
	Pricing     models.Pricing `json:"pricing"`
	SupplierID  *uuid.UUID     `json:"supplier_id,omitempty"`
}

func validatePricing(p models.Pricing) error {
	if p.UnitCost.IsNegative() {
		return &models.ValidationError{Field: "unit_cost", Message: "must not be negative"}
	}
	if p.RetailPrice.IsNegative() {
		return &models.ValidationError{Field: "retail_price", Message: "must not be negative"}
	}
	if p.WholesalePrice.IsNegative() {
		return &models.ValidationError{Field: "wholesale_price", Message: "must not be negative"}
	}
	return nil
}

// CreateBatch records a stock intake at a warehouse
func (l *Ledger) CreateBatch(ctx context.Context, scope models.Scope, req *CreateBatchRequest) (batch *models.Batch, err error) {
	ctx, span := util.StartSpan(ctx, "Ledger.CreateBatch")
	defer func() { util.EndSpan(span, err) }()

	if req.Quantity <= 0 {
		return nil, &models.ValidationError{Field: "quantity", Message: "must be positive"}
	}
	if err := validatePricing(req.Pricing); err != nil {
		return nil, err
	}

	batch = &models.Batch{
		ID:             uuid.New(),
		BusinessID:     scope.BusinessID,
		ProductID:      req.ProductID,
		WarehouseID:    req.WarehouseID,
		IntakeQuantity: req.Quantity,
		UnitCost:       req.Pricing.UnitCost,
		RetailPrice:    req.Pricing.RetailPrice,
		WholesalePrice: req.Pricing.WholesalePrice,
		SupplierID:     req.SupplierID,
	}
	err = l.store.InTx(ctx, func(tx store.Tx) error {
		if _, err := loadLocation(ctx, tx, scope, req.WarehouseID, models.LocationWarehouse); err != nil {
			return err
		}
		return tx.CreateBatch(ctx, batch)
	})
	if err != nil {
		return nil, err
	}

	util.BatchesCreatedTotal.Inc()
	l.logger.Info("Batch created",
		zap.String("batch_id", batch.ID.String()),
		zap.String("product_id", batch.ProductID.String()),
		zap.Int64("intake_quantity", batch.IntakeQuantity))

	publish(ctx, l.publisher, l.logger, batch.ID.String(), &models.BatchCreatedEvent{
		BaseEvent:      models.NewBaseEvent(models.EventTypeBatchCreated, batch.BusinessID),
		BatchID:        batch.ID,
		ProductID:      batch.ProductID,
		WarehouseID:    batch.WarehouseID,
		IntakeQuantity: batch.IntakeQuantity,
	})
	return batch, nil
}

// AmendIntakeQuantity corrects a data-entry mistake on a batch that nothing
// references yet. Once any adjustment, transfer item or sale item exists the
// intake is locked and only adjustments can correct it.
func (l *Ledger) AmendIntakeQuantity(ctx context.Context, scope models.Scope, batchID uuid.UUID, quantity int64) (batch *models.Batch, err error) {
	ctx, span := util.StartSpan(ctx, "Ledger.AmendIntakeQuantity")
	defer func() { util.EndSpan(span, err) }()

	if quantity <= 0 {
		return nil, &models.ValidationError{Field: "quantity", Message: "must be positive"}
	}

	var oldQuantity int64
	err = l.store.InTx(ctx, func(tx store.Tx) error {
		current, err := loadBatch(ctx, tx, scope, batchID, true)
		if err != nil {
			return err
		}
		oldQuantity = current.IntakeQuantity

		counts, err := tx.CountMovements(ctx, batchID)
		if err != nil {
			return fmt.Errorf("failed to count movements: %w", err)
		}
		if counts.Any() || current.ParentBatchID != nil {
			return lockedBatch(batchID, counts, current.ParentBatchID != nil)
		}

		ok, err := tx.AmendIntakeQuantity(ctx, batchID, quantity)
		if err != nil {
			return fmt.Errorf("failed to amend intake quantity: %w", err)
		}
		if !ok {
			counts, err := tx.CountMovements(ctx, batchID)
			if err != nil {
				return fmt.Errorf("failed to count movements: %w", err)
			}
			return lockedBatch(batchID, counts, false)
		}

		batch, err = tx.GetBatch(ctx, batchID, false)
		return err
	})
	if err != nil {
		logFailure(l.logger, "Intake amendment rejected", err, zap.String("batch_id", batchID.String()))
		return nil, err
	}

	l.logger.Info("Batch intake amended",
		zap.String("batch_id", batchID.String()),
		zap.Int64("old_quantity", oldQuantity),
		zap.Int64("new_quantity", quantity))

	publish(ctx, l.publisher, l.logger, batchID.String(), &models.BatchAmendedEvent{
		BaseEvent:   models.NewBaseEvent(models.EventTypeBatchAmended, batch.BusinessID),
		BatchID:     batchID,
		OldQuantity: oldQuantity,
		NewQuantity: quantity,
	})
	return batch, nil
}

func lockedBatch(batchID uuid.UUID, counts models.MovementCounts, derived bool) error {
	util.BatchAmendmentsRejectedTotal.Inc()
	return &models.LockedBatchError{
		BatchID:       batchID,
		Adjustments:   counts.Adjustments,
		TransferItems: counts.TransferItems,
		SaleItems:     counts.SaleItems,
		Derived:       derived,
	}
}

// GetBatch returns a batch within the scope
func (l *Ledger) GetBatch(ctx context.Context, scope models.Scope, batchID uuid.UUID) (batch *models.Batch, err error) {
	err = l.store.InTx(ctx, func(tx store.Tx) error {
		batch, err = loadBatch(ctx, tx, scope, batchID, false)
		return err
	})
	return batch, err
}

// ListBatches returns the scope's batches, oldest first, optionally for one product
func (l *Ledger) ListBatches(ctx context.Context, scope models.Scope, productID *uuid.UUID) (batches []models.Batch, err error) {
	err = l.store.InTx(ctx, func(tx store.Tx) error {
		batches, err = tx.ListBatches(ctx, scope.BusinessID, productID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	return batches, nil
}
