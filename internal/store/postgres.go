package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"stock-ledger/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore is the durable ledger store
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore connects to Postgres and verifies the connection
func NewPostgresStore(databaseURL string) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreWithDB wraps an existing connection pool
func NewPostgresStoreWithDB(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the ledger tables when they do not exist
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *PostgresStore) GetDB() *sqlx.DB {
	return s.db
}

// InTx runs fn inside a database transaction
func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type pgTx struct {
	tx *sqlx.Tx
}

func lockClause(forUpdate bool) string {
	if forUpdate {
		return " FOR UPDATE"
	}
	return ""
}

func notFound(err error, what string, id interface{}) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %v: %w", what, id, models.ErrNotFound)
	}
	return err
}

// CreateLocation inserts a warehouse or storefront
func (t *pgTx) CreateLocation(ctx context.Context, loc *models.Location) error {
	query := `
		INSERT INTO locations (id, business_id, kind, name)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`

	return t.tx.GetContext(ctx, &loc.CreatedAt, query,
		loc.ID, loc.BusinessID, loc.Kind, loc.Name)
}

// GetLocation retrieves a location by ID
func (t *pgTx) GetLocation(ctx context.Context, id uuid.UUID) (*models.Location, error) {
	var loc models.Location
	err := t.tx.GetContext(ctx, &loc, "SELECT * FROM locations WHERE id = $1", id)
	if err != nil {
		return nil, notFound(err, "location", id)
	}
	return &loc, nil
}

// CreateBatch inserts a stock intake
func (t *pgTx) CreateBatch(ctx context.Context, b *models.Batch) error {
	query := `
		INSERT INTO batches (id, business_id, product_id, warehouse_id, intake_quantity,
			unit_cost, retail_price, wholesale_price, supplier_id, parent_batch_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at`

	return t.tx.QueryRowxContext(ctx, query,
		b.ID, b.BusinessID, b.ProductID, b.WarehouseID, b.IntakeQuantity,
		b.UnitCost, b.RetailPrice, b.WholesalePrice, b.SupplierID, b.ParentBatchID,
	).Scan(&b.CreatedAt, &b.UpdatedAt)
}

// GetBatch retrieves a batch, optionally locking it
func (t *pgTx) GetBatch(ctx context.Context, id uuid.UUID, forUpdate bool) (*models.Batch, error) {
	var b models.Batch
	err := t.tx.GetContext(ctx, &b, "SELECT * FROM batches WHERE id = $1"+lockClause(forUpdate), id)
	if err != nil {
		return nil, notFound(err, "batch", id)
	}
	return &b, nil
}

// ListBatches retrieves a business's batches oldest first
func (t *pgTx) ListBatches(ctx context.Context, businessID uuid.UUID, productID *uuid.UUID) ([]models.Batch, error) {
	batches := []models.Batch{}
	var err error
	if productID != nil {
		err = t.tx.SelectContext(ctx, &batches,
			"SELECT * FROM batches WHERE business_id = $1 AND product_id = $2 ORDER BY created_at, id",
			businessID, *productID)
	} else {
		err = t.tx.SelectContext(ctx, &batches,
			"SELECT * FROM batches WHERE business_id = $1 ORDER BY created_at, id", businessID)
	}
	return batches, err
}

// AmendIntakeQuantity updates the intake only when no movement references the batch
func (t *pgTx) AmendIntakeQuantity(ctx context.Context, id uuid.UUID, quantity int64) (bool, error) {
	query := `
		UPDATE batches SET intake_quantity = $1, updated_at = NOW()
		WHERE id = $2
			AND parent_batch_id IS NULL
			AND NOT EXISTS (SELECT 1 FROM adjustments WHERE batch_id = $2)
			AND NOT EXISTS (SELECT 1 FROM transfer_items WHERE batch_id = $2)
			AND NOT EXISTS (SELECT 1 FROM sale_items WHERE batch_id = $2)`

	res, err := t.tx.ExecContext(ctx, query, quantity, id)
	if err != nil {
		return false, fmt.Errorf("failed to amend intake quantity: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CountMovements counts every record that references a batch
func (t *pgTx) CountMovements(ctx context.Context, batchID uuid.UUID) (models.MovementCounts, error) {
	query := `
		SELECT
			(SELECT COUNT(*) FROM adjustments WHERE batch_id = $1) AS adjustments,
			(SELECT COUNT(*) FROM transfer_items WHERE batch_id = $1) AS transfer_items,
			(SELECT COUNT(*) FROM sale_items WHERE batch_id = $1) AS sale_items`

	var counts models.MovementCounts
	err := t.tx.GetContext(ctx, &counts, query, batchID)
	return counts, err
}

// MovementLog loads every movement that references a batch
func (t *pgTx) MovementLog(ctx context.Context, batchID uuid.UUID) (*models.MovementLog, error) {
	log := &models.MovementLog{}

	if err := t.tx.SelectContext(ctx, &log.Adjustments,
		"SELECT * FROM adjustments WHERE batch_id = $1 ORDER BY created_at", batchID); err != nil {
		return nil, fmt.Errorf("failed to load adjustments: %w", err)
	}

	transferQuery := `
		SELECT ti.*, tr.status, tr.source_id, tr.source_kind, tr.destination_id, tr.destination_kind
		FROM transfer_items ti
		JOIN transfer_requests tr ON tr.id = ti.transfer_id
		WHERE ti.batch_id = $1
		ORDER BY tr.created_at`
	if err := t.tx.SelectContext(ctx, &log.Transfers, transferQuery, batchID); err != nil {
		return nil, fmt.Errorf("failed to load transfer items: %w", err)
	}

	if err := t.tx.SelectContext(ctx, &log.Sales,
		"SELECT * FROM sale_items WHERE batch_id = $1 ORDER BY created_at", batchID); err != nil {
		return nil, fmt.Errorf("failed to load sale items: %w", err)
	}

	return log, nil
}

// IsEventProcessed checks if an event has been processed
func (t *pgTx) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := t.tx.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)", eventID)
	return exists, err
}

// MarkEventProcessed marks an event as processed
func (t *pgTx) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := t.tx.ExecContext(ctx,
		"INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING",
		eventID, eventType)
	return err
}
