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

// TransferService runs the request, approve and fulfill workflow that moves
// batch units between locations
type TransferService struct {
	store      store.Store
	projection *Projection
	authorizer Authorizer
	publisher  Publisher
	clock      func() time.Time
	logger     *zap.Logger
}

// NewTransferService creates a new transfer service
func NewTransferService(st store.Store, projection *Projection, authorizer Authorizer, publisher Publisher) *TransferService {
	return &TransferService{
		store:      st,
		projection: projection,
		authorizer: authorizer,
		publisher:  publisher,
		clock:      time.Now,
		logger:     util.GetLogger(),
	}
}

// CreateTransferRequest represents a request to move stock
type CreateTransferRequest struct {
	SourceID      uuid.UUID             `json:"source_id" binding:"required"`
	DestinationID uuid.UUID             `json:"destination_id" binding:"required"`
	Items         []TransferItemRequest `json:"items" binding:"required,min=1"`
}

// TransferItemRequest is one batch line of a transfer. SourceProductID
// names the product a storefront source stocks the batch under;
// DestinationProductID maps it to a different product at the destination.
type TransferItemRequest struct {
	BatchID              uuid.UUID  `json:"batch_id" binding:"required"`
	Quantity             int64      `json:"quantity" binding:"required"`
	SourceProductID      *uuid.UUID `json:"source_product_id,omitempty"`
	DestinationProductID *uuid.UUID `json:"destination_product_id,omitempty"`
}

// Create records a REQUESTED transfer. Availability is checked at
// fulfillment, not here, but every referenced batch is locked from now on.
func (s *TransferService) Create(ctx context.Context, scope models.Scope, req *CreateTransferRequest) (tr *models.TransferRequest, err error) {
	ctx, span := util.StartSpan(ctx, "TransferService.Create")
	defer func() { util.EndSpan(span, err) }()

	if len(req.Items) == 0 {
		return nil, &models.ValidationError{Field: "items", Message: "at least one item is required"}
	}
	if req.SourceID == req.DestinationID {
		return nil, &models.ValidationError{Field: "destination_id", Message: "must differ from source_id"}
	}
	for i, item := range req.Items {
		if item.Quantity <= 0 {
			return nil, &models.ValidationError{Field: fmt.Sprintf("items[%d].quantity", i), Message: "must be positive"}
		}
	}

	err = s.store.InTx(ctx, func(tx store.Tx) error {
		source, err := loadLocation(ctx, tx, scope, req.SourceID, "")
		if err != nil {
			return err
		}
		dest, err := loadLocation(ctx, tx, scope, req.DestinationID, "")
		if err != nil {
			return err
		}
		if source.BusinessID != dest.BusinessID {
			return &models.CrossTenantError{Entity: "location", ID: dest.ID, Expected: source.BusinessID, Actual: dest.BusinessID}
		}

		tr = &models.TransferRequest{
			ID:              uuid.New(),
			BusinessID:      scope.BusinessID,
			SourceID:        source.ID,
			SourceKind:      source.Kind,
			DestinationID:   dest.ID,
			DestinationKind: dest.Kind,
			Status:          models.TransferStatusRequested,
			RequestedBy:     scope.ActorID,
			CreatedAt:       s.clock(),
		}

		for _, batchID := range sortedBatchIDs(req.Items) {
			if _, err := loadBatch(ctx, tx, scope, batchID, true); err != nil {
				return err
			}
		}

		for i, item := range req.Items {
			batch, err := loadBatch(ctx, tx, scope, item.BatchID, false)
			if err != nil {
				return err
			}
			if source.Kind == models.LocationWarehouse && batch.WarehouseID != source.ID {
				return &models.ValidationError{
					Field:   fmt.Sprintf("items[%d].batch_id", i),
					Message: fmt.Sprintf("batch %s is held at warehouse %s, not %s", batch.ID, batch.WarehouseID, source.ID),
				}
			}

			ti := models.TransferItem{
				ID:                   uuid.New(),
				TransferID:           tr.ID,
				BatchID:              batch.ID,
				Quantity:             item.Quantity,
				SourceProductID:      batch.ProductID,
				DestinationProductID: batch.ProductID,
			}
			if item.SourceProductID != nil && source.Kind == models.LocationStorefront {
				ti.SourceProductID = *item.SourceProductID
			}
			if item.DestinationProductID != nil {
				ti.DestinationProductID = *item.DestinationProductID
			}
			tr.Items = append(tr.Items, ti)
		}

		return tx.CreateTransfer(ctx, tr)
	})
	if err != nil {
		logFailure(s.logger, "Transfer creation failed", err, zap.String("source_id", req.SourceID.String()))
		return nil, err
	}

	s.logger.Info("Transfer requested",
		zap.String("transfer_id", tr.ID.String()),
		zap.String("source_id", tr.SourceID.String()),
		zap.String("destination_id", tr.DestinationID.String()),
		zap.Int("items", len(tr.Items)))
	return tr, nil
}

// sortedBatchIDs returns the distinct batches of a set of lines in lock order
func sortedBatchIDs(items []TransferItemRequest) []uuid.UUID {
	seen := map[uuid.UUID]bool{}
	ids := make([]uuid.UUID, 0, len(items))
	for _, item := range items {
		if !seen[item.BatchID] {
			seen[item.BatchID] = true
			ids = append(ids, item.BatchID)
		}
	}
	sortIDs(ids)
	return ids
}

func sortIDs(ids []uuid.UUID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
}

func sortKeys(keys []models.SlotKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].StorefrontID != keys[j].StorefrontID {
			return keys[i].StorefrontID.String() < keys[j].StorefrontID.String()
		}
		return keys[i].ProductID.String() < keys[j].ProductID.String()
	})
}

// Approve moves a REQUESTED transfer to APPROVED
func (s *TransferService) Approve(ctx context.Context, scope models.Scope, id uuid.UUID) (tr *models.TransferRequest, err error) {
	ctx, span := util.StartSpan(ctx, "TransferService.Approve")
	defer func() { util.EndSpan(span, err) }()

	if !s.authorizer.CanApprove(ctx, scope.ActorID, scope.BusinessID) {
		err = &models.UnauthorizedApprovalError{ActorID: scope.ActorID, BusinessID: scope.BusinessID}
		s.logger.Warn("Transfer approval refused", zap.String("actor_id", scope.ActorID), zap.Error(err))
		return nil, err
	}

	tr, err = s.transition(ctx, scope, id, models.TransferStatusApproved, func(tr *models.TransferRequest, now time.Time) {
		actor := scope.ActorID
		tr.ApprovedBy = &actor
		tr.ApprovedAt = &now
	}, models.TransferStatusRequested)
	return tr, err
}

// Cancel moves a REQUESTED or APPROVED transfer to CANCELLED. It has no
// stock effect.
func (s *TransferService) Cancel(ctx context.Context, scope models.Scope, id uuid.UUID) (tr *models.TransferRequest, err error) {
	ctx, span := util.StartSpan(ctx, "TransferService.Cancel")
	defer func() { util.EndSpan(span, err) }()

	tr, err = s.transition(ctx, scope, id, models.TransferStatusCancelled, func(tr *models.TransferRequest, now time.Time) {
		tr.CancelledAt = &now
	}, models.TransferStatusRequested, models.TransferStatusApproved)
	return tr, err
}

func (s *TransferService) transition(ctx context.Context, scope models.Scope, id uuid.UUID, to string, apply func(*models.TransferRequest, time.Time), from ...string) (tr *models.TransferRequest, err error) {
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		tr, err = tx.GetTransfer(ctx, id, true)
		if err != nil {
			return err
		}
		if err := requireScope("transfer", tr.ID, tr.BusinessID, scope); err != nil {
			return err
		}

		allowed := false
		for _, status := range from {
			if tr.Status == status {
				allowed = true
			}
		}
		if !allowed {
			return &models.InvalidTransitionError{Entity: "transfer", ID: id, From: tr.Status, To: to}
		}

		tr.Status = to
		apply(tr, s.clock())
		return tx.UpdateTransfer(ctx, tr)
	})
	if err != nil {
		logFailure(s.logger, "Transfer transition failed", err,
			zap.String("transfer_id", id.String()),
			zap.String("to", to))
		return nil, err
	}

	s.logger.Info("Transfer transitioned",
		zap.String("transfer_id", id.String()),
		zap.String("status", to))
	return tr, nil
}

// stockNeed is the quantity a transfer takes from one batch at one place
type stockNeed struct {
	batchID uuid.UUID
	slot    models.SlotKey
}

// Fulfill applies an APPROVED transfer. Every source batch is locked in a
// fixed order, availability is recomputed from the movement log, and all
// items apply together or not at all.
func (s *TransferService) Fulfill(ctx context.Context, scope models.Scope, id uuid.UUID) (tr *models.TransferRequest, err error) {
	ctx, span := util.StartSpan(ctx, "TransferService.Fulfill")
	defer func() { util.EndSpan(span, err) }()

	var touched []models.SlotKey
	var derived []*models.Batch

	err = s.store.InTx(ctx, func(tx store.Tx) error {
		peek, err := tx.GetTransfer(ctx, id, false)
		if err != nil {
			return err
		}
		if err := requireScope("transfer", peek.ID, peek.BusinessID, scope); err != nil {
			return err
		}

		batchIDs := make([]uuid.UUID, 0, len(peek.Items))
		seen := map[uuid.UUID]bool{}
		for _, item := range peek.Items {
			if !seen[item.BatchID] {
				seen[item.BatchID] = true
				batchIDs = append(batchIDs, item.BatchID)
			}
		}
		sortIDs(batchIDs)

		batches := make(map[uuid.UUID]*models.Batch, len(batchIDs))
		for _, batchID := range batchIDs {
			batch, err := loadBatch(ctx, tx, scope, batchID, true)
			if err != nil {
				return err
			}
			batches[batchID] = batch
		}

		tr, err = tx.GetTransfer(ctx, id, true)
		if err != nil {
			return err
		}
		if tr.Status != models.TransferStatusApproved {
			return &models.InvalidTransitionError{Entity: "transfer", ID: id, From: tr.Status, To: models.TransferStatusFulfilled}
		}
		source, err := loadLocation(ctx, tx, scope, tr.SourceID, "")
		if err != nil {
			return err
		}
		dest, err := loadLocation(ctx, tx, scope, tr.DestinationID, "")
		if err != nil {
			return err
		}

		needs := map[stockNeed]int64{}
		decrements := map[models.SlotKey]int64{}
		increments := map[models.SlotKey]int64{}
		for _, item := range tr.Items {
			need := stockNeed{batchID: item.BatchID}
			if source.Kind == models.LocationStorefront {
				need.slot = models.SlotKey{StorefrontID: source.ID, ProductID: item.SourceProductID}
				decrements[need.slot] += item.Quantity
			}
			needs[need] += item.Quantity
			if dest.Kind == models.LocationStorefront {
				increments[models.SlotKey{StorefrontID: dest.ID, ProductID: item.DestinationProductID}] += item.Quantity
			}
		}

		for _, batchID := range batchIDs {
			batch := batches[batchID]
			pos, err := batchPosition(ctx, tx, batch)
			if err != nil {
				return err
			}
			for need, requested := range needs {
				if need.batchID != batchID {
					continue
				}
				available := pos.Warehouse
				productID := batch.ProductID
				if source.Kind == models.LocationStorefront {
					available = pos.Storefront[need.slot]
					productID = need.slot.ProductID
				}
				if requested > available {
					util.InsufficientStockTotal.WithLabelValues("transfer").Inc()
					return &models.InsufficientStockError{
						Operation:  "transfer",
						LocationID: source.ID,
						BatchID:    batch.ID,
						ProductID:  productID,
						Available:  available,
						Requested:  requested,
					}
				}
			}
		}

		keys := make([]models.SlotKey, 0, len(decrements)+len(increments))
		for key := range decrements {
			keys = append(keys, key)
		}
		for key := range increments {
			keys = append(keys, key)
		}
		sortKeys(keys)
		for _, key := range keys {
			if amount := decrements[key]; amount > 0 {
				if _, err := s.projection.decrement(ctx, tx, "transfer", key, tr.BusinessID, amount); err != nil {
					return err
				}
			}
			if amount := increments[key]; amount > 0 {
				if _, err := s.projection.increment(ctx, tx, key, tr.BusinessID, amount); err != nil {
					return err
				}
			}
		}
		touched = keys

		if dest.Kind == models.LocationWarehouse {
			for i := range tr.Items {
				item := &tr.Items[i]
				parent := batches[item.BatchID]
				parentID := parent.ID
				child := &models.Batch{
					ID:             uuid.New(),
					BusinessID:     parent.BusinessID,
					ProductID:      item.DestinationProductID,
					WarehouseID:    dest.ID,
					IntakeQuantity: item.Quantity,
					UnitCost:       parent.UnitCost,
					RetailPrice:    parent.RetailPrice,
					WholesalePrice: parent.WholesalePrice,
					SupplierID:     parent.SupplierID,
					ParentBatchID:  &parentID,
				}
				if err := tx.CreateBatch(ctx, child); err != nil {
					return fmt.Errorf("failed to create derived batch: %w", err)
				}
				childID := child.ID
				item.DerivedBatchID = &childID
				derived = append(derived, child)
			}
		}

		now := s.clock()
		tr.Status = models.TransferStatusFulfilled
		tr.FulfilledAt = &now
		return tx.UpdateTransfer(ctx, tr)
	})
	if err != nil {
		util.TransfersFailedTotal.WithLabelValues(failureReason(err)).Inc()
		logFailure(s.logger, "Transfer fulfillment failed", err, zap.String("transfer_id", id.String()))
		return nil, err
	}

	util.TransfersFulfilledTotal.Inc()
	s.logger.Info("Transfer fulfilled",
		zap.String("transfer_id", tr.ID.String()),
		zap.Int("items", len(tr.Items)),
		zap.Int("derived_batches", len(derived)))

	s.projection.refresh(ctx, touched...)
	for _, child := range derived {
		util.BatchesCreatedTotal.Inc()
		publish(ctx, s.publisher, s.logger, child.ID.String(), &models.BatchCreatedEvent{
			BaseEvent:      models.NewBaseEvent(models.EventTypeBatchCreated, child.BusinessID),
			BatchID:        child.ID,
			ProductID:      child.ProductID,
			WarehouseID:    child.WarehouseID,
			IntakeQuantity: child.IntakeQuantity,
			ParentBatchID:  child.ParentBatchID,
		})
	}
	publish(ctx, s.publisher, s.logger, tr.ID.String(), &models.TransferFulfilledEvent{
		BaseEvent:     models.NewBaseEvent(models.EventTypeTransferFulfilled, tr.BusinessID),
		TransferID:    tr.ID,
		SourceID:      tr.SourceID,
		DestinationID: tr.DestinationID,
		Items:         tr.Items,
	})
	return tr, nil
}

// Get returns a transfer with its items within the scope
func (s *TransferService) Get(ctx context.Context, scope models.Scope, id uuid.UUID) (tr *models.TransferRequest, err error) {
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		tr, err = tx.GetTransfer(ctx, id, false)
		if err != nil {
			return err
		}
		return requireScope("transfer", tr.ID, tr.BusinessID, scope)
	})
	if err != nil {
		return nil, err
	}
	return tr, nil
}

// failureReason labels a failed operation for metrics
func failureReason(err error) string {
	var insufficient *models.InsufficientStockError
	var invalid *models.InvalidTransitionError
	var cross *models.CrossTenantError
	switch {
	case errors.As(err, &insufficient):
		return "insufficient_stock"
	case errors.As(err, &invalid):
		return "invalid_transition"
	case errors.As(err, &cross):
		return "cross_tenant"
	case errors.Is(err, models.ErrNotFound):
		return "not_found"
	default:
		return "internal"
	}
}
