package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"stock-ledger/internal/models"
	"stock-ledger/internal/store"
	"stock-ledger/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Sale outcomes. A sale whose lines all fail to commit is FAILED.
const (
	SaleOutcomeCompleted = models.SaleStatusCompleted
	SaleOutcomePartial   = models.SaleStatusPartial
	SaleOutcomeFailed    = "FAILED"
)

// SaleService is the boundary with the sales subsystem: it turns a cart's
// reservations into sold units or gives them back
type SaleService struct {
	store        store.Store
	reservations *ReservationService
	publisher    Publisher
	clock        func() time.Time
	logger       *zap.Logger
}

// NewSaleService creates a new sale service
func NewSaleService(st store.Store, reservations *ReservationService, publisher Publisher) *SaleService {
	return &SaleService{
		store:        st,
		reservations: reservations,
		publisher:    publisher,
		clock:        time.Now,
		logger:       util.GetLogger(),
	}
}

// SaleLine is the outcome of committing one reservation of a cart
type SaleLine struct {
	ReservationID uuid.UUID         `json:"reservation_id"`
	Committed     bool              `json:"committed"`
	SaleItems     []models.SaleItem `json:"sale_items,omitempty"`
	Error         string            `json:"error,omitempty"`
}

// SaleResult summarises a completed sale
type SaleResult struct {
	SaleID string     `json:"sale_id"`
	Status string     `json:"status"`
	Lines  []SaleLine `json:"lines"`
}

func (s *SaleService) activeReservations(ctx context.Context, scope models.Scope, saleID string) ([]models.Reservation, error) {
	var reservations []models.Reservation
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		reservations, err = tx.ListCartReservations(ctx, scope.BusinessID, saleID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list cart reservations: %w", err)
	}

	active := reservations[:0]
	for _, r := range reservations {
		if r.Status == models.ReservationStatusActive {
			active = append(active, r)
		}
	}
	return active, nil
}

// CompleteSale commits every ACTIVE reservation of the cart. Lines commit
// independently, so an expired line leaves the others sold and the sale
// PARTIAL.
func (s *SaleService) CompleteSale(ctx context.Context, scope models.Scope, saleID string) (result *SaleResult, err error) {
	ctx, span := util.StartSpan(ctx, "SaleService.CompleteSale")
	defer func() { util.EndSpan(span, err) }()

	if strings.TrimSpace(saleID) == "" {
		return nil, &models.ValidationError{Field: "sale_id", Message: "must not be empty"}
	}

	active, err := s.activeReservations(ctx, scope, saleID)
	if err != nil {
		return nil, err
	}

	result = &SaleResult{SaleID: saleID, Lines: []SaleLine{}}
	committed := 0
	for _, r := range active {
		line := SaleLine{ReservationID: r.ID}
		commit, err := s.reservations.Commit(ctx, scope, r.ID, saleID)
		if err != nil {
			var expired *models.ReservationExpiredError
			var insufficient *models.InsufficientStockError
			if !errors.As(err, &expired) && !errors.As(err, &insufficient) {
				return nil, err
			}
			line.Error = err.Error()
		} else {
			line.Committed = true
			line.SaleItems = commit.SaleItems
			committed++
		}
		result.Lines = append(result.Lines, line)
	}

	switch {
	case committed == 0:
		result.Status = SaleOutcomeFailed
	case committed < len(active):
		result.Status = SaleOutcomePartial
	default:
		result.Status = SaleOutcomeCompleted
	}

	s.logger.Info("Sale completed",
		zap.String("sale_id", saleID),
		zap.String("status", result.Status),
		zap.Int("lines", len(result.Lines)),
		zap.Int("committed", committed))
	return result, nil
}

// CancelSale releases every ACTIVE reservation of the cart and returns how
// many were released
func (s *SaleService) CancelSale(ctx context.Context, scope models.Scope, saleID string) (released int, err error) {
	ctx, span := util.StartSpan(ctx, "SaleService.CancelSale")
	defer func() { util.EndSpan(span, err) }()

	active, err := s.activeReservations(ctx, scope, saleID)
	if err != nil {
		return 0, err
	}

	for _, r := range active {
		res, err := s.reservations.Release(ctx, scope, r.ID)
		if err != nil {
			return released, err
		}
		if res.Status == models.ReservationStatusReleased {
			released++
		}
	}

	s.logger.Info("Sale cancelled", zap.String("sale_id", saleID), zap.Int("released", released))
	return released, nil
}

// WarehouseSaleRequest represents a sale shipped straight from a warehouse batch
type WarehouseSaleRequest struct {
	BatchID  uuid.UUID `json:"batch_id" binding:"required"`
	Quantity int64     `json:"quantity" binding:"required"`
	SaleID   string    `json:"sale_id" binding:"required"`
}

// RecordWarehouseSale sells units directly from a batch's warehouse stock
func (s *SaleService) RecordWarehouseSale(ctx context.Context, scope models.Scope, req *WarehouseSaleRequest) (item *models.SaleItem, err error) {
	ctx, span := util.StartSpan(ctx, "SaleService.RecordWarehouseSale")
	defer func() { util.EndSpan(span, err) }()

	if req.Quantity <= 0 {
		return nil, &models.ValidationError{Field: "quantity", Message: "must be positive"}
	}
	if strings.TrimSpace(req.SaleID) == "" {
		return nil, &models.ValidationError{Field: "sale_id", Message: "must not be empty"}
	}

	err = s.store.InTx(ctx, func(tx store.Tx) error {
		batch, err := loadBatch(ctx, tx, scope, req.BatchID, true)
		if err != nil {
			return err
		}
		pos, err := batchPosition(ctx, tx, batch)
		if err != nil {
			return err
		}
		if pos.Warehouse < req.Quantity {
			util.InsufficientStockTotal.WithLabelValues("warehouse_sale").Inc()
			return &models.InsufficientStockError{
				Operation:  "warehouse_sale",
				LocationID: batch.WarehouseID,
				BatchID:    batch.ID,
				ProductID:  batch.ProductID,
				Available:  pos.Warehouse,
				Requested:  req.Quantity,
			}
		}

		item = &models.SaleItem{
			ID:         uuid.New(),
			BusinessID: batch.BusinessID,
			SaleID:     req.SaleID,
			BatchID:    batch.ID,
			ProductID:  batch.ProductID,
			Quantity:   req.Quantity,
			Status:     models.SaleStatusCompleted,
			CreatedAt:  s.clock(),
		}
		return tx.CreateSaleItem(ctx, item)
	})
	if err != nil {
		logFailure(s.logger, "Warehouse sale refused", err, zap.String("batch_id", req.BatchID.String()))
		return nil, err
	}

	s.logger.Info("Warehouse sale recorded",
		zap.String("sale_id", req.SaleID),
		zap.String("batch_id", req.BatchID.String()),
		zap.Int64("quantity", req.Quantity))
	return item, nil
}

// HandleSaleEvent applies a sale lifecycle event from the sales subsystem
// once. Completing or cancelling only touches ACTIVE reservations, so an
// event redelivered before it was marked processed is harmless.
func (s *SaleService) HandleSaleEvent(ctx context.Context, event *models.SaleEvent) (err error) {
	ctx, span := util.StartSpan(ctx, "SaleService.HandleSaleEvent")
	defer func() { util.EndSpan(span, err) }()

	var processed bool
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		processed, err = tx.IsEventProcessed(ctx, event.EventID)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to check event idempotency: %w", err)
	}
	if processed {
		s.logger.Debug("Sale event already processed", zap.String("event_id", event.EventID))
		return nil
	}

	scope := models.Scope{BusinessID: event.BusinessID, ActorID: event.ActorID}
	switch event.EventType {
	case models.EventTypeSaleCompleted:
		if _, err := s.CompleteSale(ctx, scope, event.SaleID); err != nil {
			return err
		}
	case models.EventTypeSaleCancelled:
		if _, err := s.CancelSale(ctx, scope, event.SaleID); err != nil {
			return err
		}
	default:
		return &models.ValidationError{Field: "event_type", Message: fmt.Sprintf("unsupported sale event %q", event.EventType)}
	}

	err = s.store.InTx(ctx, func(tx store.Tx) error {
		return tx.MarkEventProcessed(ctx, event.EventID, event.EventType)
	})
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}

	util.SaleEventsProcessedTotal.WithLabelValues(event.EventType).Inc()
	return nil
}
