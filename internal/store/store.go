package store

import (
	"context"
	"time"

	"stock-ledger/internal/models"

	"github.com/google/uuid"
)

// Store runs units of work against the ledger. Everything fn does through tx
// commits together or not at all.
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// Tx is the set of ledger operations available inside a unit of work.
// Methods taking forUpdate lock the returned record until the unit of work ends.
type Tx interface {
	CreateLocation(ctx context.Context, loc *models.Location) error
	GetLocation(ctx context.Context, id uuid.UUID) (*models.Location, error)

	CreateBatch(ctx context.Context, batch *models.Batch) error
	GetBatch(ctx context.Context, id uuid.UUID, forUpdate bool) (*models.Batch, error)
	ListBatches(ctx context.Context, businessID uuid.UUID, productID *uuid.UUID) ([]models.Batch, error)
	// AmendIntakeQuantity changes the intake only while nothing references
	// the batch. It reports false when a movement blocked the update.
	AmendIntakeQuantity(ctx context.Context, id uuid.UUID, quantity int64) (bool, error)
	CountMovements(ctx context.Context, batchID uuid.UUID) (models.MovementCounts, error)
	MovementLog(ctx context.Context, batchID uuid.UUID) (*models.MovementLog, error)

	CreateAdjustment(ctx context.Context, adj *models.Adjustment) error
	GetAdjustment(ctx context.Context, id uuid.UUID, forUpdate bool) (*models.Adjustment, error)
	UpdateAdjustment(ctx context.Context, adj *models.Adjustment) error
	ListAdjustments(ctx context.Context, batchID uuid.UUID) ([]models.Adjustment, error)

	CreateTransfer(ctx context.Context, tr *models.TransferRequest) error
	GetTransfer(ctx context.Context, id uuid.UUID, forUpdate bool) (*models.TransferRequest, error)
	UpdateTransfer(ctx context.Context, tr *models.TransferRequest) error

	GetStorefrontRow(ctx context.Context, key models.SlotKey, forUpdate bool) (*models.StorefrontInventory, error)
	// LockStorefrontRow creates the row at zero when missing and locks it
	LockStorefrontRow(ctx context.Context, key models.SlotKey, businessID uuid.UUID) (*models.StorefrontInventory, error)
	SaveStorefrontRow(ctx context.Context, row *models.StorefrontInventory) error
	ListStorefrontRows(ctx context.Context, businessID *uuid.UUID) ([]models.StorefrontInventory, error)
	// SlotBatches lists, oldest first, the batches that ever placed units
	// at the storefront slot
	SlotBatches(ctx context.Context, key models.SlotKey) ([]models.Batch, error)

	CreateReservation(ctx context.Context, res *models.Reservation) error
	GetReservation(ctx context.Context, id uuid.UUID, forUpdate bool) (*models.Reservation, error)
	// TransitionReservation moves an ACTIVE reservation to status and
	// reports false when it was no longer ACTIVE
	TransitionReservation(ctx context.Context, id uuid.UUID, status string, at time.Time) (bool, error)
	// ExpireReservation moves an ACTIVE reservation whose expiry is not
	// after now to EXPIRED
	ExpireReservation(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
	SumActiveReservations(ctx context.Context, key models.SlotKey, now time.Time) (int64, error)
	ListCartReservations(ctx context.Context, businessID uuid.UUID, cartID string) ([]models.Reservation, error)
	ListDueReservations(ctx context.Context, now time.Time, limit int) ([]models.Reservation, error)

	CreateSaleItem(ctx context.Context, item *models.SaleItem) error

	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}
