package store

import (
	"context"
	"fmt"
	"time"

	"stock-ledger/internal/models"

	"github.com/google/uuid"
)

// CreateAdjustment inserts a PENDING adjustment
func (t *pgTx) CreateAdjustment(ctx context.Context, a *models.Adjustment) error {
	query := `
		INSERT INTO adjustments (id, business_id, batch_id, storefront_id, product_id, type,
			delta, status, reason, requested_by, created_at)
		VALUES (:id, :business_id, :batch_id, :storefront_id, :product_id, :type,
			:delta, :status, :reason, :requested_by, :created_at)`

	_, err := t.tx.NamedExecContext(ctx, query, a)
	return err
}

// GetAdjustment retrieves an adjustment, optionally locking it
func (t *pgTx) GetAdjustment(ctx context.Context, id uuid.UUID, forUpdate bool) (*models.Adjustment, error) {
	var a models.Adjustment
	err := t.tx.GetContext(ctx, &a, "SELECT * FROM adjustments WHERE id = $1"+lockClause(forUpdate), id)
	if err != nil {
		return nil, notFound(err, "adjustment", id)
	}
	return &a, nil
}

// UpdateAdjustment persists workflow fields
func (t *pgTx) UpdateAdjustment(ctx context.Context, a *models.Adjustment) error {
	query := `
		UPDATE adjustments
		SET status = :status, approved_by = :approved_by, approved_at = :approved_at,
			completed_at = :completed_at, rejected_at = :rejected_at
		WHERE id = :id`

	_, err := t.tx.NamedExecContext(ctx, query, a)
	return err
}

// ListAdjustments retrieves all adjustments of a batch
func (t *pgTx) ListAdjustments(ctx context.Context, batchID uuid.UUID) ([]models.Adjustment, error) {
	adjustments := []models.Adjustment{}
	err := t.tx.SelectContext(ctx, &adjustments,
		"SELECT * FROM adjustments WHERE batch_id = $1 ORDER BY created_at", batchID)
	return adjustments, err
}

// CreateTransfer inserts a transfer request with its items
func (t *pgTx) CreateTransfer(ctx context.Context, tr *models.TransferRequest) error {
	header := `
		INSERT INTO transfer_requests (id, business_id, source_id, source_kind, destination_id,
			destination_kind, status, requested_by, created_at)
		VALUES (:id, :business_id, :source_id, :source_kind, :destination_id,
			:destination_kind, :status, :requested_by, :created_at)`

	if _, err := t.tx.NamedExecContext(ctx, header, tr); err != nil {
		return fmt.Errorf("failed to insert transfer: %w", err)
	}

	item := `
		INSERT INTO transfer_items (id, transfer_id, batch_id, quantity, source_product_id, destination_product_id)
		VALUES (:id, :transfer_id, :batch_id, :quantity, :source_product_id, :destination_product_id)`

	for i := range tr.Items {
		if _, err := t.tx.NamedExecContext(ctx, item, &tr.Items[i]); err != nil {
			return fmt.Errorf("failed to insert transfer item: %w", err)
		}
	}
	return nil
}

// GetTransfer retrieves a transfer with its items, optionally locking the header
func (t *pgTx) GetTransfer(ctx context.Context, id uuid.UUID, forUpdate bool) (*models.TransferRequest, error) {
	var tr models.TransferRequest
	err := t.tx.GetContext(ctx, &tr, "SELECT * FROM transfer_requests WHERE id = $1"+lockClause(forUpdate), id)
	if err != nil {
		return nil, notFound(err, "transfer", id)
	}

	if err := t.tx.SelectContext(ctx, &tr.Items,
		"SELECT * FROM transfer_items WHERE transfer_id = $1 ORDER BY batch_id, id", id); err != nil {
		return nil, fmt.Errorf("failed to load transfer items: %w", err)
	}
	return &tr, nil
}

// UpdateTransfer persists workflow fields and derived batch links
func (t *pgTx) UpdateTransfer(ctx context.Context, tr *models.TransferRequest) error {
	query := `
		UPDATE transfer_requests
		SET status = :status, approved_by = :approved_by, approved_at = :approved_at,
			fulfilled_at = :fulfilled_at, cancelled_at = :cancelled_at
		WHERE id = :id`

	if _, err := t.tx.NamedExecContext(ctx, query, tr); err != nil {
		return err
	}

	for _, item := range tr.Items {
		if item.DerivedBatchID == nil {
			continue
		}
		if _, err := t.tx.ExecContext(ctx,
			"UPDATE transfer_items SET derived_batch_id = $1 WHERE id = $2",
			item.DerivedBatchID, item.ID); err != nil {
			return fmt.Errorf("failed to link derived batch: %w", err)
		}
	}
	return nil
}

// GetStorefrontRow retrieves a projection row, optionally locking it
func (t *pgTx) GetStorefrontRow(ctx context.Context, key models.SlotKey, forUpdate bool) (*models.StorefrontInventory, error) {
	var row models.StorefrontInventory
	err := t.tx.GetContext(ctx, &row,
		"SELECT * FROM storefront_inventory WHERE storefront_id = $1 AND product_id = $2"+lockClause(forUpdate),
		key.StorefrontID, key.ProductID)
	if err != nil {
		return nil, notFound(err, "storefront row", key)
	}
	return &row, nil
}

// LockStorefrontRow creates a zero row when missing, then locks it
func (t *pgTx) LockStorefrontRow(ctx context.Context, key models.SlotKey, businessID uuid.UUID) (*models.StorefrontInventory, error) {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO storefront_inventory (storefront_id, product_id, business_id, quantity)
		VALUES ($1, $2, $3, 0)
		ON CONFLICT (storefront_id, product_id) DO NOTHING`,
		key.StorefrontID, key.ProductID, businessID)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure storefront row: %w", err)
	}
	return t.GetStorefrontRow(ctx, key, true)
}

// SaveStorefrontRow writes the quantity of a locked row and bumps its version
func (t *pgTx) SaveStorefrontRow(ctx context.Context, row *models.StorefrontInventory) error {
	query := `
		UPDATE storefront_inventory
		SET quantity = $1, version = version + 1, updated_at = NOW()
		WHERE storefront_id = $2 AND product_id = $3
		RETURNING version, updated_at`

	return t.tx.QueryRowxContext(ctx, query, row.Quantity, row.StorefrontID, row.ProductID).
		Scan(&row.Version, &row.UpdatedAt)
}

// ListStorefrontRows retrieves projection rows, for one business or all
func (t *pgTx) ListStorefrontRows(ctx context.Context, businessID *uuid.UUID) ([]models.StorefrontInventory, error) {
	rows := []models.StorefrontInventory{}
	var err error
	if businessID != nil {
		err = t.tx.SelectContext(ctx, &rows,
			"SELECT * FROM storefront_inventory WHERE business_id = $1 ORDER BY storefront_id, product_id", *businessID)
	} else {
		err = t.tx.SelectContext(ctx, &rows,
			"SELECT * FROM storefront_inventory ORDER BY storefront_id, product_id")
	}
	return rows, err
}

// SlotBatches lists the batches that delivered units to a storefront slot
func (t *pgTx) SlotBatches(ctx context.Context, key models.SlotKey) ([]models.Batch, error) {
	query := `
		SELECT b.* FROM batches b
		WHERE b.id IN (
			SELECT ti.batch_id FROM transfer_items ti
			JOIN transfer_requests tr ON tr.id = ti.transfer_id
			WHERE tr.status = 'FULFILLED' AND tr.destination_id = $1 AND ti.destination_product_id = $2
			UNION
			SELECT a.batch_id FROM adjustments a
			WHERE a.status = 'COMPLETED' AND a.storefront_id = $1 AND a.product_id = $2
		)
		ORDER BY b.created_at, b.id`

	batches := []models.Batch{}
	err := t.tx.SelectContext(ctx, &batches, query, key.StorefrontID, key.ProductID)
	return batches, err
}

// CreateReservation inserts an ACTIVE reservation
func (t *pgTx) CreateReservation(ctx context.Context, r *models.Reservation) error {
	query := `
		INSERT INTO reservations (id, business_id, storefront_id, product_id, quantity, cart_id,
			status, created_at, expires_at)
		VALUES (:id, :business_id, :storefront_id, :product_id, :quantity, :cart_id,
			:status, :created_at, :expires_at)`

	_, err := t.tx.NamedExecContext(ctx, query, r)
	return err
}

// GetReservation retrieves a reservation, optionally locking it
func (t *pgTx) GetReservation(ctx context.Context, id uuid.UUID, forUpdate bool) (*models.Reservation, error) {
	var r models.Reservation
	err := t.tx.GetContext(ctx, &r, "SELECT * FROM reservations WHERE id = $1"+lockClause(forUpdate), id)
	if err != nil {
		return nil, notFound(err, "reservation", id)
	}
	return &r, nil
}

// TransitionReservation conditionally resolves an ACTIVE reservation
func (t *pgTx) TransitionReservation(ctx context.Context, id uuid.UUID, status string, at time.Time) (bool, error) {
	res, err := t.tx.ExecContext(ctx,
		"UPDATE reservations SET status = $1, resolved_at = $2 WHERE id = $3 AND status = 'ACTIVE'",
		status, at, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ExpireReservation conditionally expires a due ACTIVE reservation
func (t *pgTx) ExpireReservation(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	res, err := t.tx.ExecContext(ctx,
		"UPDATE reservations SET status = 'EXPIRED', resolved_at = $2 WHERE id = $1 AND status = 'ACTIVE' AND expires_at <= $2",
		id, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// SumActiveReservations totals the live holds on a storefront slot
func (t *pgTx) SumActiveReservations(ctx context.Context, key models.SlotKey, now time.Time) (int64, error) {
	var total int64
	err := t.tx.GetContext(ctx, &total, `
		SELECT COALESCE(SUM(quantity), 0) FROM reservations
		WHERE storefront_id = $1 AND product_id = $2 AND status = 'ACTIVE' AND expires_at > $3`,
		key.StorefrontID, key.ProductID, now)
	return total, err
}

// ListCartReservations retrieves every reservation of a cart
func (t *pgTx) ListCartReservations(ctx context.Context, businessID uuid.UUID, cartID string) ([]models.Reservation, error) {
	reservations := []models.Reservation{}
	err := t.tx.SelectContext(ctx, &reservations,
		"SELECT * FROM reservations WHERE business_id = $1 AND cart_id = $2 ORDER BY created_at, id",
		businessID, cartID)
	return reservations, err
}

// ListDueReservations retrieves ACTIVE reservations whose TTL has passed
func (t *pgTx) ListDueReservations(ctx context.Context, now time.Time, limit int) ([]models.Reservation, error) {
	reservations := []models.Reservation{}
	err := t.tx.SelectContext(ctx, &reservations,
		"SELECT * FROM reservations WHERE status = 'ACTIVE' AND expires_at <= $1 ORDER BY expires_at LIMIT $2",
		now, limit)
	return reservations, err
}

// CreateSaleItem appends a sold batch slice
func (t *pgTx) CreateSaleItem(ctx context.Context, item *models.SaleItem) error {
	query := `
		INSERT INTO sale_items (id, business_id, sale_id, reservation_id, batch_id, storefront_id,
			product_id, quantity, status, created_at)
		VALUES (:id, :business_id, :sale_id, :reservation_id, :batch_id, :storefront_id,
			:product_id, :quantity, :status, :created_at)`

	_, err := t.tx.NamedExecContext(ctx, query, item)
	return err
}
