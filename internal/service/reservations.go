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

// DefaultReservationTTL is how long a cart may hold stock without committing
const DefaultReservationTTL = 30 * time.Minute

// ReservationService holds storefront stock for carts until they commit,
// release or expire
type ReservationService struct {
	store      store.Store
	projection *Projection
	publisher  Publisher
	ttl        time.Duration
	clock      func() time.Time
	logger     *zap.Logger
}

// NewReservationService creates a new reservation service. A non-positive
// ttl selects DefaultReservationTTL.
func NewReservationService(st store.Store, projection *Projection, publisher Publisher, ttl time.Duration) *ReservationService {
	if ttl <= 0 {
		ttl = DefaultReservationTTL
	}
	return &ReservationService{
		store:      st,
		projection: projection,
		publisher:  publisher,
		ttl:        ttl,
		clock:      time.Now,
		logger:     util.GetLogger(),
	}
}

// ReserveRequest represents a cart line asking for stock
type ReserveRequest struct {
	StorefrontID uuid.UUID `json:"storefront_id" binding:"required"`
	ProductID    uuid.UUID `json:"product_id" binding:"required"`
	Quantity     int64     `json:"quantity" binding:"required"`
	CartID       string    `json:"cart_id" binding:"required"`
}

// Reserve holds quantity at a storefront slot when the units not already
// held by other carts cover it
func (s *ReservationService) Reserve(ctx context.Context, scope models.Scope, req *ReserveRequest) (res *models.Reservation, err error) {
	ctx, span := util.StartSpan(ctx, "ReservationService.Reserve")
	defer func() { util.EndSpan(span, err) }()

	start := time.Now()
	defer func() { util.ReserveLatency.Observe(time.Since(start).Seconds()) }()

	if req.Quantity <= 0 {
		return nil, &models.ValidationError{Field: "quantity", Message: "must be positive"}
	}
	if strings.TrimSpace(req.CartID) == "" {
		return nil, &models.ValidationError{Field: "cart_id", Message: "must not be empty"}
	}

	key := models.SlotKey{StorefrontID: req.StorefrontID, ProductID: req.ProductID}
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		if _, err := loadLocation(ctx, tx, scope, req.StorefrontID, models.LocationStorefront); err != nil {
			return err
		}

		var quantity int64
		row, err := tx.GetStorefrontRow(ctx, key, true)
		switch {
		case errors.Is(err, models.ErrNotFound):
		case err != nil:
			return err
		default:
			if err := requireScope("storefront_inventory", key.StorefrontID, row.BusinessID, scope); err != nil {
				return err
			}
			quantity = row.Quantity
		}

		now := s.clock()
		reserved, err := tx.SumActiveReservations(ctx, key, now)
		if err != nil {
			return fmt.Errorf("failed to sum reservations: %w", err)
		}
		if available := quantity - reserved; available < req.Quantity {
			util.InsufficientStockTotal.WithLabelValues("reserve").Inc()
			return &models.InsufficientStockError{
				Operation:  "reserve",
				LocationID: req.StorefrontID,
				ProductID:  req.ProductID,
				Available:  available,
				Requested:  req.Quantity,
			}
		}

		res = &models.Reservation{
			ID:           uuid.New(),
			BusinessID:   scope.BusinessID,
			StorefrontID: req.StorefrontID,
			ProductID:    req.ProductID,
			Quantity:     req.Quantity,
			CartID:       req.CartID,
			Status:       models.ReservationStatusActive,
			CreatedAt:    now,
			ExpiresAt:    now.Add(s.ttl),
		}
		return tx.CreateReservation(ctx, res)
	})
	if err != nil {
		logFailure(s.logger, "Reservation refused", err,
			zap.String("storefront_id", req.StorefrontID.String()),
			zap.String("cart_id", req.CartID))
		return nil, err
	}

	util.ReservationsCreatedTotal.Inc()
	s.logger.Debug("Reservation created",
		zap.String("reservation_id", res.ID.String()),
		zap.String("cart_id", res.CartID),
		zap.Int64("quantity", res.Quantity))

	s.projection.refresh(ctx, key)
	return res, nil
}

// Release returns held units to the slot. Releasing a reservation that is
// already terminal is a no-op.
func (s *ReservationService) Release(ctx context.Context, scope models.Scope, id uuid.UUID) (res *models.Reservation, err error) {
	ctx, span := util.StartSpan(ctx, "ReservationService.Release")
	defer func() { util.EndSpan(span, err) }()

	released := false
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		res, err = tx.GetReservation(ctx, id, true)
		if err != nil {
			return err
		}
		if err := requireScope("reservation", res.ID, res.BusinessID, scope); err != nil {
			return err
		}
		if res.Status != models.ReservationStatusActive {
			return nil
		}

		now := s.clock()
		released, err = tx.TransitionReservation(ctx, id, models.ReservationStatusReleased, now)
		if err != nil {
			return fmt.Errorf("failed to release reservation: %w", err)
		}
		if released {
			res.Status = models.ReservationStatusReleased
			res.ResolvedAt = &now
		}
		return nil
	})
	if err != nil {
		logFailure(s.logger, "Reservation release failed", err, zap.String("reservation_id", id.String()))
		return nil, err
	}

	if released {
		util.ReservationsResolvedTotal.WithLabelValues(models.ReservationStatusReleased).Inc()
		s.projection.refresh(ctx, models.SlotKey{StorefrontID: res.StorefrontID, ProductID: res.ProductID})
	}
	return res, nil
}

// CommitResult is a committed reservation and the batch slices it sold
type CommitResult struct {
	Reservation *models.Reservation `json:"reservation"`
	SaleItems   []models.SaleItem   `json:"sale_items"`
}

// Commit turns an ACTIVE, unexpired reservation into sold units: the
// reservation becomes COMMITTED, the slot is decremented and the units are
// attributed to batches oldest first
func (s *ReservationService) Commit(ctx context.Context, scope models.Scope, id uuid.UUID, saleID string) (result *CommitResult, err error) {
	ctx, span := util.StartSpan(ctx, "ReservationService.Commit")
	defer func() { util.EndSpan(span, err) }()

	for attempt := 1; ; attempt++ {
		err = s.store.InTx(ctx, func(tx store.Tx) error {
			result, err = s.commitInTx(ctx, tx, scope, id, saleID)
			return err
		})
		if !errors.Is(err, errSlotBatchesChanged) || attempt == maxCommitAttempts {
			break
		}
		s.logger.Debug("Slot gained a batch during commit, retrying",
			zap.String("reservation_id", id.String()),
			zap.Int("attempt", attempt))
	}
	if err != nil {
		logFailure(s.logger, "Reservation commit failed", err, zap.String("reservation_id", id.String()))
		return nil, err
	}

	res := result.Reservation
	util.ReservationsResolvedTotal.WithLabelValues(models.ReservationStatusCommitted).Inc()
	s.logger.Info("Reservation committed",
		zap.String("reservation_id", res.ID.String()),
		zap.String("sale_id", saleID),
		zap.Int("batch_slices", len(result.SaleItems)))

	s.projection.refresh(ctx, models.SlotKey{StorefrontID: res.StorefrontID, ProductID: res.ProductID})
	publish(ctx, s.publisher, s.logger, res.ID.String(), &models.ReservationEvent{
		BaseEvent:     models.NewBaseEvent(models.EventTypeReservationCommitted, res.BusinessID),
		ReservationID: res.ID,
		StorefrontID:  res.StorefrontID,
		ProductID:     res.ProductID,
		Quantity:      res.Quantity,
		CartID:        res.CartID,
	})
	return result, nil
}

// maxCommitAttempts bounds retries when a slot keeps gaining batches
const maxCommitAttempts = 3

// commitInTx locks the slot's batches, then the slot row, then the
// reservation, the same order transfers and adjustments use
func (s *ReservationService) commitInTx(ctx context.Context, tx store.Tx, scope models.Scope, id uuid.UUID, saleID string) (*CommitResult, error) {
	peek, err := tx.GetReservation(ctx, id, false)
	if err != nil {
		return nil, err
	}
	if err := requireScope("reservation", peek.ID, peek.BusinessID, scope); err != nil {
		return nil, err
	}

	key := models.SlotKey{StorefrontID: peek.StorefrontID, ProductID: peek.ProductID}
	locked, err := lockSlotBatches(ctx, tx, key)
	if err != nil {
		return nil, err
	}
	if _, err := tx.LockStorefrontRow(ctx, key, peek.BusinessID); err != nil {
		return nil, fmt.Errorf("failed to lock storefront row: %w", err)
	}

	res, err := tx.GetReservation(ctx, id, true)
	if err != nil {
		return nil, err
	}
	now := s.clock()
	if !res.IsActive(now) {
		status := res.Status
		if status == models.ReservationStatusActive {
			status = models.ReservationStatusExpired
		}
		return nil, &models.ReservationExpiredError{ReservationID: id, Status: status}
	}

	ok, err := tx.TransitionReservation(ctx, id, models.ReservationStatusCommitted, now)
	if err != nil {
		return nil, fmt.Errorf("failed to commit reservation: %w", err)
	}
	if !ok {
		return nil, &models.ReservationExpiredError{ReservationID: id, Status: models.ReservationStatusExpired}
	}
	res.Status = models.ReservationStatusCommitted
	res.ResolvedAt = &now

	holdings, err := slotHoldings(ctx, tx, key)
	if err != nil {
		return nil, err
	}
	for _, h := range holdings {
		if !locked[h.batch.ID] {
			return nil, errSlotBatchesChanged
		}
	}
	if _, err := s.projection.decrement(ctx, tx, "commit", key, res.BusinessID, res.Quantity); err != nil {
		return nil, err
	}

	shares, unplaced := allocateFIFO(holdings, res.Quantity)
	if unplaced > 0 {
		s.logger.Error("Storefront row holds units no batch accounts for",
			zap.String("storefront_id", key.StorefrontID.String()),
			zap.String("product_id", key.ProductID.String()),
			zap.Int64("unplaced", unplaced))
		return nil, fmt.Errorf("commit %s: %d units unattributed: %w", id, unplaced, models.ErrProjectionDrift)
	}

	resID := res.ID
	storefrontID := res.StorefrontID
	items := make([]models.SaleItem, 0, len(shares))
	for _, h := range holdings {
		quantity := shares[h.batch.ID]
		if quantity == 0 {
			continue
		}
		item := models.SaleItem{
			ID:            uuid.New(),
			BusinessID:    res.BusinessID,
			SaleID:        saleID,
			ReservationID: &resID,
			BatchID:       h.batch.ID,
			StorefrontID:  &storefrontID,
			ProductID:     res.ProductID,
			Quantity:      quantity,
			Status:        models.SaleStatusCompleted,
			CreatedAt:     now,
		}
		if err := tx.CreateSaleItem(ctx, &item); err != nil {
			return nil, fmt.Errorf("failed to create sale item: %w", err)
		}
		items = append(items, item)
	}

	return &CommitResult{Reservation: res, SaleItems: items}, nil
}

// Get returns a reservation within the scope
func (s *ReservationService) Get(ctx context.Context, scope models.Scope, id uuid.UUID) (res *models.Reservation, err error) {
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		res, err = tx.GetReservation(ctx, id, false)
		if err != nil {
			return err
		}
		return requireScope("reservation", res.ID, res.BusinessID, scope)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// SweepStats summarises one expiry pass
type SweepStats struct {
	Found   int
	Expired int
	Skipped int
	Failed  int
}

// ExpireDue moves ACTIVE reservations past their expiry to EXPIRED. Each
// transition is conditional, so a reservation committed or released in the
// meantime is skipped rather than double counted.
func (s *ReservationService) ExpireDue(ctx context.Context, limit int) (stats SweepStats, err error) {
	ctx, span := util.StartSpan(ctx, "ReservationService.ExpireDue")
	defer func() { util.EndSpan(span, err) }()

	start := time.Now()
	defer func() { util.SweepDuration.Observe(time.Since(start).Seconds()) }()

	now := s.clock()
	var due []models.Reservation
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		due, err = tx.ListDueReservations(ctx, now, limit)
		return err
	})
	if err != nil {
		return stats, fmt.Errorf("failed to list due reservations: %w", err)
	}
	stats.Found = len(due)

	for i := range due {
		res := &due[i]
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}

		var expired bool
		err := s.store.InTx(ctx, func(tx store.Tx) error {
			var err error
			expired, err = tx.ExpireReservation(ctx, res.ID, now)
			return err
		})
		switch {
		case err != nil:
			stats.Failed++
			s.logger.Error("Failed to expire reservation",
				zap.String("reservation_id", res.ID.String()),
				zap.Error(err))
			continue
		case !expired:
			stats.Skipped++
			continue
		}

		stats.Expired++
		util.ReservationsResolvedTotal.WithLabelValues(models.ReservationStatusExpired).Inc()
		s.projection.refresh(ctx, models.SlotKey{StorefrontID: res.StorefrontID, ProductID: res.ProductID})
		publish(ctx, s.publisher, s.logger, res.ID.String(), &models.ReservationEvent{
			BaseEvent:     models.NewBaseEvent(models.EventTypeReservationExpired, res.BusinessID),
			ReservationID: res.ID,
			StorefrontID:  res.StorefrontID,
			ProductID:     res.ProductID,
			Quantity:      res.Quantity,
			CartID:        res.CartID,
		})
	}

	if stats.Found > 0 {
		s.logger.Info("Reservation sweep finished",
			zap.Int("found", stats.Found),
			zap.Int("expired", stats.Expired),
			zap.Int("skipped", stats.Skipped),
			zap.Int("failed", stats.Failed))
	}
	return stats, nil
}
