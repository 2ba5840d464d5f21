package models

import (
	"github.com/google/uuid"
)

// Reconciliation statuses
const (
	ReconciliationBalanced    = "BALANCED"
	ReconciliationUnaccounted = "UNACCOUNTED"
	ReconciliationOvercounted = "OVERCOUNTED"
)

// Operator messages for each reconciliation status
const (
	MessageBalanced    = "Every received unit is accounted for."
	MessageUnaccounted = "Units are unaccounted for: investigate loss or untracked sales."
	MessageOvercounted = "More units are tracked than were ever received: investigate duplicate intake or a mis-entered batch size."
)

// StorefrontHolding is the part of a batch sitting at one storefront slot
type StorefrontHolding struct {
	StorefrontID uuid.UUID `json:"storefront_id"`
	ProductID    uuid.UUID `json:"product_id"`
	OnHand       int64     `json:"on_hand"`
	Reserved     int64     `json:"reserved"`
}

// ReconciliationSnapshot is the computed accounting view of one batch
type ReconciliationSnapshot struct {
	BatchID                 uuid.UUID           `json:"batch_id"`
	BusinessID              uuid.UUID           `json:"business_id"`
	ProductID               uuid.UUID           `json:"product_id"`
	WarehouseID             uuid.UUID           `json:"warehouse_id"`
	ParentBatchID           *uuid.UUID          `json:"parent_batch_id,omitempty"`
	RecordedIntake          int64               `json:"recorded_intake"`
	WarehouseOnHand         int64               `json:"warehouse_on_hand"`
	StorefrontOnHand        int64               `json:"storefront_on_hand"`
	Storefronts             []StorefrontHolding `json:"storefronts"`
	CompletedSalesUnits     int64               `json:"completed_sales_units"`
	TransferredToWarehouses int64               `json:"transferred_to_warehouses"`
	ShrinkageUnits          int64               `json:"shrinkage_units"`
	CorrectionUnits         int64               `json:"correction_units"`
	ActiveReservationUnits  int64               `json:"active_reservation_units"`
	PendingMovements        int                 `json:"pending_movements"`
	CalculatedAvailability  int64               `json:"calculated_availability"`
	CalculatedBaseline      int64               `json:"calculated_baseline"`
	Delta                   int64               `json:"delta"`
	Status                  string              `json:"status"`
	Message                 string              `json:"message"`
}

// ProductReconciliation aggregates the snapshots of every batch of a product.
// InternalTransferUnits moved between warehouses into derived batches of the
// same product; the totals count them once.
type ProductReconciliation struct {
	ProductID             uuid.UUID                `json:"product_id"`
	Batches               []ReconciliationSnapshot `json:"batches"`
	RecordedIntake        int64                    `json:"recorded_intake"`
	CalculatedBaseline    int64                    `json:"calculated_baseline"`
	InternalTransferUnits int64                    `json:"internal_transfer_units"`
	Delta                 int64                    `json:"delta"`
	Status                string                   `json:"status"`
	Message               string                   `json:"message"`
}

// ClassifyDelta maps a signed reconciliation delta to its status and message
func ClassifyDelta(delta int64) (string, string) {
	switch {
	case delta > 0:
		return ReconciliationUnaccounted, MessageUnaccounted
	case delta < 0:
		return ReconciliationOvercounted, MessageOvercounted
	default:
		return ReconciliationBalanced, MessageBalanced
	}
}

// StorefrontAvailability is the sellable view of one storefront slot
type StorefrontAvailability struct {
	StorefrontID uuid.UUID `json:"storefront_id"`
	ProductID    uuid.UUID `json:"product_id"`
	Quantity     int64     `json:"quantity"`
	Reserved     int64     `json:"reserved"`
	Available    int64     `json:"available"`
	Source       string    `json:"source"`
}
