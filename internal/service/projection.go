package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"stock-ledger/internal/models"
	"stock-ledger/internal/store"
	"stock-ledger/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Availability sources
const (
	SourceCache = "cache"
	SourceStore = "store"
)

// Projection maintains the per-(storefront, product) quantity rows and keeps
// the availability cache in step with them
type Projection struct {
	store  store.Store
	cache  AvailabilityCache
	clock  func() time.Time
	logger *zap.Logger
}

// NewProjection creates a new storefront projection. cache may be nil.
func NewProjection(st store.Store, cache AvailabilityCache) *Projection {
	return &Projection{
		store:  st,
		cache:  cache,
		clock:  time.Now,
		logger: util.GetLogger(),
	}
}

// GetQuantity returns the physical quantity at a storefront slot. A slot
// that never received stock has quantity zero.
func (p *Projection) GetQuantity(ctx context.Context, scope models.Scope, storefrontID, productID uuid.UUID) (quantity int64, err error) {
	ctx, span := util.StartSpan(ctx, "Projection.GetQuantity")
	defer func() { util.EndSpan(span, err) }()

	err = p.store.InTx(ctx, func(tx store.Tx) error {
		if _, err := loadLocation(ctx, tx, scope, storefrontID, models.LocationStorefront); err != nil {
			return err
		}
		row, err := tx.GetStorefrontRow(ctx, models.SlotKey{StorefrontID: storefrontID, ProductID: productID}, false)
		if errors.Is(err, models.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		quantity = row.Quantity
		return nil
	})
	return quantity, err
}

// Availability returns the sellable view of a slot, served from the cache
// when it holds the slot
func (p *Projection) Availability(ctx context.Context, scope models.Scope, storefrontID, productID uuid.UUID) (view *models.StorefrontAvailability, err error) {
	ctx, span := util.StartSpan(ctx, "Projection.Availability")
	defer func() { util.EndSpan(span, err) }()

	key := models.SlotKey{StorefrontID: storefrontID, ProductID: productID}

	err = p.store.InTx(ctx, func(tx store.Tx) error {
		_, err := loadLocation(ctx, tx, scope, storefrontID, models.LocationStorefront)
		return err
	})
	if err != nil {
		return nil, err
	}

	if p.cache != nil {
		quantity, reserved, found, err := p.cache.GetAvailability(ctx, storefrontID, productID)
		if err != nil {
			p.logger.Warn("Availability cache read failed, falling back to store",
				zap.String("storefront_id", storefrontID.String()),
				zap.Error(err))
		} else if found {
			return newAvailability(key, quantity, reserved, SourceCache), nil
		}
	}

	quantity, reserved, observedAt, err := p.read(ctx, key)
	if err != nil {
		return nil, err
	}
	p.writeCache(ctx, key, quantity, reserved, observedAt)
	return newAvailability(key, quantity, reserved, SourceStore), nil
}

func newAvailability(key models.SlotKey, quantity, reserved int64, source string) *models.StorefrontAvailability {
	return &models.StorefrontAvailability{
		StorefrontID: key.StorefrontID,
		ProductID:    key.ProductID,
		Quantity:     quantity,
		Reserved:     reserved,
		Available:    quantity - reserved,
		Source:       source,
	}
}

// read loads a slot's quantity and active reservations from the store
func (p *Projection) read(ctx context.Context, key models.SlotKey) (quantity, reserved int64, observedAt time.Time, err error) {
	err = p.store.InTx(ctx, func(tx store.Tx) error {
		observedAt = p.clock()
		row, err := tx.GetStorefrontRow(ctx, key, false)
		switch {
		case errors.Is(err, models.ErrNotFound):
		case err != nil:
			return err
		default:
			quantity = row.Quantity
		}
		reserved, err = tx.SumActiveReservations(ctx, key, observedAt)
		return err
	})
	return quantity, reserved, observedAt, err
}

// increment adds units to a slot inside a unit of work
func (p *Projection) increment(ctx context.Context, tx store.Tx, key models.SlotKey, businessID uuid.UUID, amount int64) (*models.StorefrontInventory, error) {
	row, err := tx.LockStorefrontRow(ctx, key, businessID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock storefront row: %w", err)
	}
	if row.BusinessID != businessID {
		return nil, &models.CrossTenantError{Entity: "storefront_inventory", ID: key.StorefrontID, Expected: businessID, Actual: row.BusinessID}
	}

	row.Quantity += amount
	if err := tx.SaveStorefrontRow(ctx, row); err != nil {
		return nil, fmt.Errorf("failed to save storefront row: %w", err)
	}
	return row, nil
}

// decrement removes units from a slot inside a unit of work. Units held by
// active reservations cannot be removed, so the caller resolving a
// reservation must transition it before decrementing.
func (p *Projection) decrement(ctx context.Context, tx store.Tx, operation string, key models.SlotKey, businessID uuid.UUID, amount int64) (*models.StorefrontInventory, error) {
	row, err := tx.LockStorefrontRow(ctx, key, businessID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock storefront row: %w", err)
	}
	if row.BusinessID != businessID {
		return nil, &models.CrossTenantError{Entity: "storefront_inventory", ID: key.StorefrontID, Expected: businessID, Actual: row.BusinessID}
	}

	reserved, err := tx.SumActiveReservations(ctx, key, p.clock())
	if err != nil {
		return nil, fmt.Errorf("failed to sum reservations: %w", err)
	}
	if available := row.Quantity - reserved; available < amount {
		util.InsufficientStockTotal.WithLabelValues(operation).Inc()
		return nil, &models.InsufficientStockError{
			Operation:  operation,
			LocationID: key.StorefrontID,
			ProductID:  key.ProductID,
			Available:  available,
			Requested:  amount,
		}
	}

	row.Quantity -= amount
	if err := tx.SaveStorefrontRow(ctx, row); err != nil {
		return nil, fmt.Errorf("failed to save storefront row: %w", err)
	}
	return row, nil
}

// refresh rewrites the cache for slots touched by a committed unit of work
func (p *Projection) refresh(ctx context.Context, keys ...models.SlotKey) {
	if p.cache == nil {
		return
	}
	for _, key := range keys {
		quantity, reserved, observedAt, err := p.read(ctx, key)
		if err != nil {
			p.logger.Warn("Failed to read slot for cache refresh",
				zap.String("storefront_id", key.StorefrontID.String()),
				zap.String("product_id", key.ProductID.String()),
				zap.Error(err))
			// stale entries must not outlive a failed refresh
			if err := p.cache.InvalidateAvailability(ctx, key.StorefrontID, key.ProductID); err != nil {
				p.logger.Warn("Failed to invalidate availability cache", zap.Error(err))
			}
			continue
		}
		p.writeCache(ctx, key, quantity, reserved, observedAt)
	}
}

func (p *Projection) writeCache(ctx context.Context, key models.SlotKey, quantity, reserved int64, observedAt time.Time) {
	if p.cache == nil {
		return
	}
	if err := p.cache.SetAvailability(ctx, key.StorefrontID, key.ProductID, quantity, reserved, observedAt); err != nil {
		p.logger.Warn("Failed to write availability cache",
			zap.String("storefront_id", key.StorefrontID.String()),
			zap.String("product_id", key.ProductID.String()),
			zap.Error(err))
	}
}

// ResyncStats summarises one cache resync pass
type ResyncStats struct {
	Rows    int
	Drifted int
	Failed  int
}

// Resync recomputes every slot from the store and overwrites the cache,
// counting slots whose cached value had drifted
func (p *Projection) Resync(ctx context.Context) (stats ResyncStats, err error) {
	ctx, span := util.StartSpan(ctx, "Projection.Resync")
	defer func() { util.EndSpan(span, err) }()

	if p.cache == nil {
		return stats, nil
	}

	var rows []models.StorefrontInventory
	err = p.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		rows, err = tx.ListStorefrontRows(ctx, nil)
		return err
	})
	if err != nil {
		return stats, fmt.Errorf("failed to list storefront rows: %w", err)
	}

	for _, row := range rows {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		stats.Rows++
		key := models.SlotKey{StorefrontID: row.StorefrontID, ProductID: row.ProductID}

		quantity, reserved, observedAt, err := p.read(ctx, key)
		if err != nil {
			stats.Failed++
			continue
		}
		cachedQty, cachedReserved, found, err := p.cache.GetAvailability(ctx, key.StorefrontID, key.ProductID)
		if err != nil {
			stats.Failed++
			continue
		}
		if found && (cachedQty != quantity || cachedReserved != reserved) {
			stats.Drifted++
			util.CacheDriftTotal.Inc()
			p.logger.Info("Availability cache drift corrected",
				zap.String("storefront_id", key.StorefrontID.String()),
				zap.String("product_id", key.ProductID.String()),
				zap.Int64("cached_quantity", cachedQty),
				zap.Int64("quantity", quantity))
		}
		p.writeCache(ctx, key, quantity, reserved, observedAt)
	}

	return stats, nil
}
