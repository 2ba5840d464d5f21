package models

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a referenced record does not exist
var ErrNotFound = errors.New("not found")

// InsufficientStockError reports an operation that would drive availability
// negative. It carries enough context for the caller to offer a remedy.
type InsufficientStockError struct {
	Operation  string    `json:"operation"`
	LocationID uuid.UUID `json:"location_id"`
	BatchID    uuid.UUID `json:"batch_id,omitempty"`
	ProductID  uuid.UUID `json:"product_id,omitempty"`
	Available  int64     `json:"available"`
	Requested  int64     `json:"requested"`
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s at location %s: available=%d, requested=%d",
		e.Operation, e.LocationID, e.Available, e.Requested)
}

// LockedBatchError reports an intake amendment blocked by dependent movements
type LockedBatchError struct {
	BatchID       uuid.UUID `json:"batch_id"`
	Adjustments   int       `json:"adjustments"`
	TransferItems int       `json:"transfer_items"`
	SaleItems     int       `json:"sale_items"`
	Derived       bool      `json:"derived"`
}

// Total returns the number of blocking movements
func (e *LockedBatchError) Total() int {
	return e.Adjustments + e.TransferItems + e.SaleItems
}

func (e *LockedBatchError) Error() string {
	if e.Derived && e.Total() == 0 {
		return fmt.Sprintf("batch %s is derived from a transfer and its intake quantity is locked", e.BatchID)
	}
	return fmt.Sprintf("batch %s intake quantity is locked by %d movements (adjustments=%d, transfer_items=%d, sale_items=%d)",
		e.BatchID, e.Total(), e.Adjustments, e.TransferItems, e.SaleItems)
}

// MovementCounts is the number of records referencing a batch
type MovementCounts struct {
	Adjustments   int `db:"adjustments"`
	TransferItems int `db:"transfer_items"`
	SaleItems     int `db:"sale_items"`
}

// Any reports whether at least one movement exists
func (c MovementCounts) Any() bool {
	return c.Adjustments+c.TransferItems+c.SaleItems > 0
}

// InvalidTransitionError reports a state machine violation
type InvalidTransitionError struct {
	Entity string    `json:"entity"`
	ID     uuid.UUID `json:"id"`
	From   string    `json:"from"`
	To     string    `json:"to"`
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition for %s: %s -> %s", e.Entity, e.ID, e.From, e.To)
}

// ReservationExpiredError reports a commit on a reservation that is no longer active
type ReservationExpiredError struct {
	ReservationID uuid.UUID `json:"reservation_id"`
	Status        string    `json:"status"`
}

func (e *ReservationExpiredError) Error() string {
	return fmt.Sprintf("reservation %s is %s and can no longer be committed", e.ReservationID, e.Status)
}

// CrossTenantError reports a reference across business boundaries
type CrossTenantError struct {
	Entity   string    `json:"entity"`
	ID       uuid.UUID `json:"id"`
	Expected uuid.UUID `json:"expected_business_id"`
	Actual   uuid.UUID `json:"actual_business_id"`
}

func (e *CrossTenantError) Error() string {
	return fmt.Sprintf("%s %s belongs to business %s, not %s", e.Entity, e.ID, e.Actual, e.Expected)
}

// UnauthorizedApprovalError reports an approver without the approval capability
type UnauthorizedApprovalError struct {
	ActorID    string    `json:"actor_id"`
	BusinessID uuid.UUID `json:"business_id"`
}

func (e *UnauthorizedApprovalError) Error() string {
	return fmt.Sprintf("actor %q may not approve for business %s", e.ActorID, e.BusinessID)
}

// ValidationError reports malformed input
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// ErrProjectionDrift is returned when a storefront row holds units the
// movement log cannot attribute to any batch
var ErrProjectionDrift = errors.New("storefront projection drifted from movement log")
