package models

import (
	"time"

	"github.com/google/uuid"
)

// Event types published on the ledger topic
const (
	EventTypeBatchCreated           = "BATCH_CREATED"
	EventTypeBatchAmended           = "BATCH_AMENDED"
	EventTypeAdjustmentCompleted    = "ADJUSTMENT_COMPLETED"
	EventTypeTransferFulfilled      = "TRANSFER_FULFILLED"
	EventTypeReservationCommitted   = "RESERVATION_COMMITTED"
	EventTypeReservationExpired     = "RESERVATION_EXPIRED"
	EventTypeReconciliationMismatch = "RECONCILIATION_MISMATCH"
)

// Event types consumed from the sales subsystem
const (
	EventTypeSaleCompleted = "SALE_COMPLETED"
	EventTypeSaleCancelled = "SALE_CANCELLED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	BusinessID uuid.UUID `json:"business_id"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewBaseEvent stamps a fresh event header
func NewBaseEvent(eventType string, businessID uuid.UUID) BaseEvent {
	return BaseEvent{
		EventID:    uuid.New().String(),
		EventType:  eventType,
		BusinessID: businessID,
		Timestamp:  time.Now(),
	}
}

// Header returns the common event fields
func (e BaseEvent) Header() BaseEvent {
	return e
}

// BatchCreatedEvent published when stock is received
type BatchCreatedEvent struct {
	BaseEvent
	BatchID        uuid.UUID  `json:"batch_id"`
	ProductID      uuid.UUID  `json:"product_id"`
	WarehouseID    uuid.UUID  `json:"warehouse_id"`
	IntakeQuantity int64      `json:"intake_quantity"`
	ParentBatchID  *uuid.UUID `json:"parent_batch_id,omitempty"`
}

// BatchAmendedEvent published when an unlocked intake quantity is corrected
type BatchAmendedEvent struct {
	BaseEvent
	BatchID     uuid.UUID `json:"batch_id"`
	OldQuantity int64     `json:"old_quantity"`
	NewQuantity int64     `json:"new_quantity"`
}

// AdjustmentCompletedEvent published when an adjustment takes effect
type AdjustmentCompletedEvent struct {
	BaseEvent
	AdjustmentID uuid.UUID      `json:"adjustment_id"`
	BatchID      uuid.UUID      `json:"batch_id"`
	StorefrontID *uuid.UUID     `json:"storefront_id,omitempty"`
	Type         AdjustmentType `json:"type"`
	Delta        int64          `json:"delta"`
}

// TransferFulfilledEvent published when a transfer moves stock
type TransferFulfilledEvent struct {
	BaseEvent
	TransferID    uuid.UUID      `json:"transfer_id"`
	SourceID      uuid.UUID      `json:"source_id"`
	DestinationID uuid.UUID      `json:"destination_id"`
	Items         []TransferItem `json:"items"`
}

// ReservationEvent published when a reservation leaves ACTIVE through commit or expiry
type ReservationEvent struct {
	BaseEvent
	ReservationID uuid.UUID `json:"reservation_id"`
	StorefrontID  uuid.UUID `json:"storefront_id"`
	ProductID     uuid.UUID `json:"product_id"`
	Quantity      int64     `json:"quantity"`
	CartID        string    `json:"cart_id"`
}

// ReconciliationMismatchEvent published when a batch report has a nonzero delta
type ReconciliationMismatchEvent struct {
	BaseEvent
	BatchID            uuid.UUID `json:"batch_id"`
	RecordedIntake     int64     `json:"recorded_intake"`
	CalculatedBaseline int64     `json:"calculated_baseline"`
	Delta              int64     `json:"delta"`
	Status             string    `json:"status"`
}

// SaleEvent is consumed from the sales subsystem
type SaleEvent struct {
	BaseEvent
	SaleID  string `json:"sale_id"`
	ActorID string `json:"actor_id"`
}
