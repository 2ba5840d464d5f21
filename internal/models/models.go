package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Scope identifies the owning business and acting user of a request
type Scope struct {
	BusinessID uuid.UUID
	ActorID    string
}

// LocationKind distinguishes warehouses from storefronts
type LocationKind string

const (
	LocationWarehouse  LocationKind = "WAREHOUSE"
	LocationStorefront LocationKind = "STOREFRONT"
)

// Location is a warehouse or a storefront owned by one business
type Location struct {
	ID         uuid.UUID    `db:"id" json:"id"`
	BusinessID uuid.UUID    `db:"business_id" json:"business_id"`
	Kind       LocationKind `db:"kind" json:"kind"`
	Name       string       `db:"name" json:"name"`
	CreatedAt  time.Time    `db:"created_at" json:"created_at"`
}

// Batch is a warehouse stock intake. IntakeQuantity is the ground truth
// every reconciliation is checked against.
type Batch struct {
	ID             uuid.UUID       `db:"id" json:"id"`
	BusinessID     uuid.UUID       `db:"business_id" json:"business_id"`
	ProductID      uuid.UUID       `db:"product_id" json:"product_id"`
	WarehouseID    uuid.UUID       `db:"warehouse_id" json:"warehouse_id"`
	IntakeQuantity int64           `db:"intake_quantity" json:"intake_quantity"`
	UnitCost       decimal.Decimal `db:"unit_cost" json:"unit_cost"`
	RetailPrice    decimal.Decimal `db:"retail_price" json:"retail_price"`
	WholesalePrice decimal.Decimal `db:"wholesale_price" json:"wholesale_price"`
	SupplierID     *uuid.UUID      `db:"supplier_id" json:"supplier_id,omitempty"`
	ParentBatchID  *uuid.UUID      `db:"parent_batch_id" json:"parent_batch_id,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}

// Pricing groups the per-unit prices of a batch
type Pricing struct {
	UnitCost       decimal.Decimal `json:"unit_cost"`
	RetailPrice    decimal.Decimal `json:"retail_price"`
	WholesalePrice decimal.Decimal `json:"wholesale_price"`
}

// AdjustmentType classifies a manual stock correction
type AdjustmentType string

const (
	AdjustmentTheft          AdjustmentType = "THEFT"
	AdjustmentDamage         AdjustmentType = "DAMAGE"
	AdjustmentExpired        AdjustmentType = "EXPIRED"
	AdjustmentSpoilage       AdjustmentType = "SPOILAGE"
	AdjustmentLoss           AdjustmentType = "LOSS"
	AdjustmentWriteOff       AdjustmentType = "WRITE_OFF"
	AdjustmentCustomerReturn AdjustmentType = "CUSTOMER_RETURN"
	AdjustmentFound          AdjustmentType = "FOUND"
	AdjustmentCorrection     AdjustmentType = "CORRECTION"
)

// IsShrinkage reports whether the type records a loss
func (t AdjustmentType) IsShrinkage() bool {
	switch t {
	case AdjustmentTheft, AdjustmentDamage, AdjustmentExpired,
		AdjustmentSpoilage, AdjustmentLoss, AdjustmentWriteOff:
		return true
	}
	return false
}

// Valid reports whether t is a known adjustment type
func (t AdjustmentType) Valid() bool {
	switch t {
	case AdjustmentCustomerReturn, AdjustmentFound, AdjustmentCorrection:
		return true
	}
	return t.IsShrinkage()
}

// Adjustment statuses
const (
	AdjustmentStatusPending   = "PENDING"
	AdjustmentStatusApproved  = "APPROVED"
	AdjustmentStatusCompleted = "COMPLETED"
	AdjustmentStatusRejected  = "REJECTED"
)

// Adjustment is an audited correction against a batch. When StorefrontID is
// set it applies to the batch's units at that storefront.
type Adjustment struct {
	ID           uuid.UUID      `db:"id" json:"id"`
	BusinessID   uuid.UUID      `db:"business_id" json:"business_id"`
	BatchID      uuid.UUID      `db:"batch_id" json:"batch_id"`
	StorefrontID *uuid.UUID     `db:"storefront_id" json:"storefront_id,omitempty"`
	ProductID    uuid.UUID      `db:"product_id" json:"product_id"`
	Type         AdjustmentType `db:"type" json:"type"`
	Delta        int64          `db:"delta" json:"delta"`
	Status       string         `db:"status" json:"status"`
	Reason       string         `db:"reason" json:"reason"`
	RequestedBy  string         `db:"requested_by" json:"requested_by"`
	ApprovedBy   *string        `db:"approved_by" json:"approved_by,omitempty"`
	CreatedAt    time.Time      `db:"created_at" json:"created_at"`
	ApprovedAt   *time.Time     `db:"approved_at" json:"approved_at,omitempty"`
	CompletedAt  *time.Time     `db:"completed_at" json:"completed_at,omitempty"`
	RejectedAt   *time.Time     `db:"rejected_at" json:"rejected_at,omitempty"`
}

// Transfer statuses
const (
	TransferStatusRequested = "REQUESTED"
	TransferStatusApproved  = "APPROVED"
	TransferStatusFulfilled = "FULFILLED"
	TransferStatusCancelled = "CANCELLED"
)

// TransferRequest moves batch units between two locations of one business
type TransferRequest struct {
	ID              uuid.UUID      `db:"id" json:"id"`
	BusinessID      uuid.UUID      `db:"business_id" json:"business_id"`
	SourceID        uuid.UUID      `db:"source_id" json:"source_id"`
	SourceKind      LocationKind   `db:"source_kind" json:"source_kind"`
	DestinationID   uuid.UUID      `db:"destination_id" json:"destination_id"`
	DestinationKind LocationKind   `db:"destination_kind" json:"destination_kind"`
	Status          string         `db:"status" json:"status"`
	RequestedBy     string         `db:"requested_by" json:"requested_by"`
	ApprovedBy      *string        `db:"approved_by" json:"approved_by,omitempty"`
	CreatedAt       time.Time      `db:"created_at" json:"created_at"`
	ApprovedAt      *time.Time     `db:"approved_at" json:"approved_at,omitempty"`
	FulfilledAt     *time.Time     `db:"fulfilled_at" json:"fulfilled_at,omitempty"`
	CancelledAt     *time.Time     `db:"cancelled_at" json:"cancelled_at,omitempty"`
	Items           []TransferItem `db:"-" json:"items"`
}

// TransferItem is one batch line of a transfer
type TransferItem struct {
	ID                   uuid.UUID  `db:"id" json:"id"`
	TransferID           uuid.UUID  `db:"transfer_id" json:"transfer_id"`
	BatchID              uuid.UUID  `db:"batch_id" json:"batch_id"`
	Quantity             int64      `db:"quantity" json:"quantity"`
	SourceProductID      uuid.UUID  `db:"source_product_id" json:"source_product_id"`
	DestinationProductID uuid.UUID  `db:"destination_product_id" json:"destination_product_id"`
	DerivedBatchID       *uuid.UUID `db:"derived_batch_id" json:"derived_batch_id,omitempty"`
}

// TransferMovement is a transfer item joined with its request header
type TransferMovement struct {
	TransferItem
	Status          string       `db:"status"`
	SourceID        uuid.UUID    `db:"source_id"`
	SourceKind      LocationKind `db:"source_kind"`
	DestinationID   uuid.UUID    `db:"destination_id"`
	DestinationKind LocationKind `db:"destination_kind"`
}

// StorefrontInventory is the maintained current-quantity projection for one
// (storefront, product) pair
type StorefrontInventory struct {
	StorefrontID uuid.UUID `db:"storefront_id" json:"storefront_id"`
	ProductID    uuid.UUID `db:"product_id" json:"product_id"`
	BusinessID   uuid.UUID `db:"business_id" json:"business_id"`
	Quantity     int64     `db:"quantity" json:"quantity"`
	Version      int64     `db:"version" json:"version"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// Reservation statuses
const (
	ReservationStatusActive    = "ACTIVE"
	ReservationStatusReleased  = "RELEASED"
	ReservationStatusCommitted = "COMMITTED"
	ReservationStatusExpired   = "EXPIRED"
)

// Reservation is a time-limited hold on storefront stock for a cart
type Reservation struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	BusinessID   uuid.UUID  `db:"business_id" json:"business_id"`
	StorefrontID uuid.UUID  `db:"storefront_id" json:"storefront_id"`
	ProductID    uuid.UUID  `db:"product_id" json:"product_id"`
	Quantity     int64      `db:"quantity" json:"quantity"`
	CartID       string     `db:"cart_id" json:"cart_id"`
	Status       string     `db:"status" json:"status"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	ExpiresAt    time.Time  `db:"expires_at" json:"expires_at"`
	ResolvedAt   *time.Time `db:"resolved_at" json:"resolved_at,omitempty"`
}

// IsActive reports whether the hold still counts against availability at now
func (r *Reservation) IsActive(now time.Time) bool {
	return r.Status == ReservationStatusActive && now.Before(r.ExpiresAt)
}

// Sale statuses counted by the availability formula
const (
	SaleStatusCompleted = "COMPLETED"
	SaleStatusPartial   = "PARTIAL"
)

// SaleItem is a sold slice of one batch. StorefrontID is nil for direct
// warehouse sales.
type SaleItem struct {
	ID            uuid.UUID  `db:"id" json:"id"`
	BusinessID    uuid.UUID  `db:"business_id" json:"business_id"`
	SaleID        string     `db:"sale_id" json:"sale_id"`
	ReservationID *uuid.UUID `db:"reservation_id" json:"reservation_id,omitempty"`
	BatchID       uuid.UUID  `db:"batch_id" json:"batch_id"`
	StorefrontID  *uuid.UUID `db:"storefront_id" json:"storefront_id,omitempty"`
	ProductID     uuid.UUID  `db:"product_id" json:"product_id"`
	Quantity      int64      `db:"quantity" json:"quantity"`
	Status        string     `db:"status" json:"status"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
}

// MovementLog is every movement record that references one batch
type MovementLog struct {
	Adjustments []Adjustment
	Transfers   []TransferMovement
	Sales       []SaleItem
}

// SlotKey addresses a storefront inventory row
type SlotKey struct {
	StorefrontID uuid.UUID
	ProductID    uuid.UUID
}

// ProcessedEvent for idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}
