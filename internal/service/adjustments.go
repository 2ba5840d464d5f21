package service

import (
	"context"
	"fmt"
	"time"

	"stock-ledger/internal/models"
	"stock-ledger/internal/store"
	"stock-ledger/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AdjustmentService runs the approval workflow for manual stock corrections
type AdjustmentService struct {
	store      store.Store
	projection *Projection
	authorizer Authorizer
	publisher  Publisher
	clock      func() time.Time
	logger     *zap.Logger
}

// NewAdjustmentService creates a new adjustment service
func NewAdjustmentService(st store.Store, projection *Projection, authorizer Authorizer, publisher Publisher) *AdjustmentService {
	return &AdjustmentService{
		store:      st,
		projection: projection,
		authorizer: authorizer,
		publisher:  publisher,
		clock:      time.Now,
		logger:     util.GetLogger(),
	}
}

// CreateAdjustmentRequest represents a correction against a batch. With a
// StorefrontID it applies to the batch's units at that storefront, under
// ProductID when the storefront stocks the batch as a different product.
type CreateAdjustmentRequest struct {
	BatchID      uuid.UUID             `json:"batch_id" binding:"required"`
	StorefrontID *uuid.UUID            `json:"storefront_id,omitempty"`
	ProductID    *uuid.UUID            `json:"product_id,omitempty"`
	Type         models.AdjustmentType `json:"type" binding:"required"`
	Delta        int64                 `json:"delta"`
	Reason       string                `json:"reason"`
}

func validateAdjustment(req *CreateAdjustmentRequest) error {
	if !req.Type.Valid() {
		return &models.ValidationError{Field: "type", Message: fmt.Sprintf("unknown adjustment type %q", req.Type)}
	}
	switch {
	case req.Delta == 0:
		return &models.ValidationError{Field: "delta", Message: "must not be zero"}
	case req.Type.IsShrinkage() && req.Delta > 0:
		return &models.ValidationError{Field: "delta", Message: fmt.Sprintf("%s records a loss and must be negative", req.Type)}
	case (req.Type == models.AdjustmentCustomerReturn || req.Type == models.AdjustmentFound) && req.Delta < 0:
		return &models.ValidationError{Field: "delta", Message: fmt.Sprintf("%s records a gain and must be positive", req.Type)}
	}
	return nil
}

// Create records a PENDING adjustment. The batch's intake quantity is locked
// from this point on.
func (s *AdjustmentService) Create(ctx context.Context, scope models.Scope, req *CreateAdjustmentRequest) (adj *models.Adjustment, err error) {
	ctx, span := util.StartSpan(ctx, "AdjustmentService.Create")
	defer func() { util.EndSpan(span, err) }()

	if err := validateAdjustment(req); err != nil {
		return nil, err
	}

	err = s.store.InTx(ctx, func(tx store.Tx) error {
		batch, err := loadBatch(ctx, tx, scope, req.BatchID, true)
		if err != nil {
			return err
		}
		if req.StorefrontID != nil {
			if _, err := loadLocation(ctx, tx, scope, *req.StorefrontID, models.LocationStorefront); err != nil {
				return err
			}
		}

		productID := batch.ProductID
		if req.StorefrontID != nil && req.ProductID != nil {
			productID = *req.ProductID
		}

		adj = &models.Adjustment{
			ID:           uuid.New(),
			BusinessID:   batch.BusinessID,
			BatchID:      batch.ID,
			StorefrontID: req.StorefrontID,
			ProductID:    productID,
			Type:         req.Type,
			Delta:        req.Delta,
			Status:       models.AdjustmentStatusPending,
			Reason:       req.Reason,
			RequestedBy:  scope.ActorID,
			CreatedAt:    s.clock(),
		}
		return tx.CreateAdjustment(ctx, adj)
	})
	if err != nil {
		logFailure(s.logger, "Adjustment creation failed", err, zap.String("batch_id", req.BatchID.String()))
		return nil, err
	}

	s.logger.Info("Adjustment created",
		zap.String("adjustment_id", adj.ID.String()),
		zap.String("batch_id", adj.BatchID.String()),
		zap.String("type", string(adj.Type)),
		zap.Int64("delta", adj.Delta))
	return adj, nil
}

// Approve moves a PENDING adjustment to APPROVED
func (s *AdjustmentService) Approve(ctx context.Context, scope models.Scope, id uuid.UUID) (*models.Adjustment, error) {
	return s.decide(ctx, scope, id, models.AdjustmentStatusApproved)
}

// Reject moves a PENDING adjustment to REJECTED. It has no stock effect.
func (s *AdjustmentService) Reject(ctx context.Context, scope models.Scope, id uuid.UUID) (*models.Adjustment, error) {
	return s.decide(ctx, scope, id, models.AdjustmentStatusRejected)
}

func (s *AdjustmentService) decide(ctx context.Context, scope models.Scope, id uuid.UUID, to string) (adj *models.Adjustment, err error) {
	ctx, span := util.StartSpan(ctx, "AdjustmentService.decide")
	defer func() { util.EndSpan(span, err) }()

	if !s.authorizer.CanApprove(ctx, scope.ActorID, scope.BusinessID) {
		err = &models.UnauthorizedApprovalError{ActorID: scope.ActorID, BusinessID: scope.BusinessID}
		s.logger.Warn("Adjustment decision refused", zap.String("actor_id", scope.ActorID), zap.Error(err))
		return nil, err
	}

	err = s.store.InTx(ctx, func(tx store.Tx) error {
		adj, err = tx.GetAdjustment(ctx, id, true)
		if err != nil {
			return err
		}
		if err := requireScope("adjustment", adj.ID, adj.BusinessID, scope); err != nil {
			return err
		}
		if adj.Status != models.AdjustmentStatusPending {
			return &models.InvalidTransitionError{Entity: "adjustment", ID: id, From: adj.Status, To: to}
		}

		now := s.clock()
		adj.Status = to
		if to == models.AdjustmentStatusApproved {
			actor := scope.ActorID
			adj.ApprovedBy = &actor
			adj.ApprovedAt = &now
		} else {
			adj.RejectedAt = &now
		}
		return tx.UpdateAdjustment(ctx, adj)
	})
	if err != nil {
		logFailure(s.logger, "Adjustment decision failed", err, zap.String("adjustment_id", id.String()))
		return nil, err
	}

	s.logger.Info("Adjustment decided",
		zap.String("adjustment_id", id.String()),
		zap.String("status", adj.Status),
		zap.String("actor_id", scope.ActorID))
	return adj, nil
}

// Complete applies an APPROVED adjustment. Availability is recomputed from
// the movement log under the batch lock; the intake quantity is never touched.
func (s *AdjustmentService) Complete(ctx context.Context, scope models.Scope, id uuid.UUID) (adj *models.Adjustment, err error) {
	ctx, span := util.StartSpan(ctx, "AdjustmentService.Complete")
	defer func() { util.EndSpan(span, err) }()

	var touched []models.SlotKey
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		peek, err := tx.GetAdjustment(ctx, id, false)
		if err != nil {
			return err
		}
		if err := requireScope("adjustment", peek.ID, peek.BusinessID, scope); err != nil {
			return err
		}

		batch, err := loadBatch(ctx, tx, scope, peek.BatchID, true)
		if err != nil {
			return err
		}
		adj, err = tx.GetAdjustment(ctx, id, true)
		if err != nil {
			return err
		}
		if adj.Status != models.AdjustmentStatusApproved {
			return &models.InvalidTransitionError{Entity: "adjustment", ID: id, From: adj.Status, To: models.AdjustmentStatusCompleted}
		}

		pos, err := batchPosition(ctx, tx, batch)
		if err != nil {
			return err
		}

		if adj.StorefrontID == nil {
			if pos.Warehouse+adj.Delta < 0 {
				util.InsufficientStockTotal.WithLabelValues("adjustment").Inc()
				return &models.InsufficientStockError{
					Operation:  "adjustment",
					LocationID: batch.WarehouseID,
					BatchID:    batch.ID,
					ProductID:  batch.ProductID,
					Available:  pos.Warehouse,
					Requested:  -adj.Delta,
				}
			}
		} else {
			key := models.SlotKey{StorefrontID: *adj.StorefrontID, ProductID: adj.ProductID}
			units := pos.Storefront[key]
			if units+adj.Delta < 0 {
				util.InsufficientStockTotal.WithLabelValues("adjustment").Inc()
				return &models.InsufficientStockError{
					Operation:  "adjustment",
					LocationID: key.StorefrontID,
					BatchID:    batch.ID,
					ProductID:  key.ProductID,
					Available:  units,
					Requested:  -adj.Delta,
				}
			}
			if adj.Delta > 0 {
				_, err = s.projection.increment(ctx, tx, key, batch.BusinessID, adj.Delta)
			} else {
				_, err = s.projection.decrement(ctx, tx, "adjustment", key, batch.BusinessID, -adj.Delta)
			}
			if err != nil {
				return err
			}
			touched = append(touched, key)
		}

		now := s.clock()
		adj.Status = models.AdjustmentStatusCompleted
		adj.CompletedAt = &now
		return tx.UpdateAdjustment(ctx, adj)
	})
	if err != nil {
		logFailure(s.logger, "Adjustment completion failed", err, zap.String("adjustment_id", id.String()))
		return nil, err
	}

	util.AdjustmentsCompletedTotal.WithLabelValues(string(adj.Type)).Inc()
	s.logger.Info("Adjustment completed",
		zap.String("adjustment_id", adj.ID.String()),
		zap.String("batch_id", adj.BatchID.String()),
		zap.Int64("delta", adj.Delta))

	s.projection.refresh(ctx, touched...)
	publish(ctx, s.publisher, s.logger, adj.BatchID.String(), &models.AdjustmentCompletedEvent{
		BaseEvent:    models.NewBaseEvent(models.EventTypeAdjustmentCompleted, adj.BusinessID),
		AdjustmentID: adj.ID,
		BatchID:      adj.BatchID,
		StorefrontID: adj.StorefrontID,
		Type:         adj.Type,
		Delta:        adj.Delta,
	})
	return adj, nil
}

// Get returns an adjustment within the scope
func (s *AdjustmentService) Get(ctx context.Context, scope models.Scope, id uuid.UUID) (adj *models.Adjustment, err error) {
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		adj, err = tx.GetAdjustment(ctx, id, false)
		if err != nil {
			return err
		}
		return requireScope("adjustment", adj.ID, adj.BusinessID, scope)
	})
	if err != nil {
		return nil, err
	}
	return adj, nil
}

// List returns the adjustments recorded against a batch, oldest first
func (s *AdjustmentService) List(ctx context.Context, scope models.Scope, batchID uuid.UUID) (adjustments []models.Adjustment, err error) {
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		if _, err := loadBatch(ctx, tx, scope, batchID, false); err != nil {
			return err
		}
		adjustments, err = tx.ListAdjustments(ctx, batchID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return adjustments, nil
}
