package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"stock-ledger/internal/models"
	"stock-ledger/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Publisher emits ledger events after a unit of work commits
type Publisher interface {
	Publish(ctx context.Context, key string, event interface{}) error
}

// AvailabilityCache is a read-optimised copy of the storefront projection
type AvailabilityCache interface {
	SetAvailability(ctx context.Context, storefrontID, productID uuid.UUID, quantity, reserved int64, observedAt time.Time) error
	GetAvailability(ctx context.Context, storefrontID, productID uuid.UUID) (quantity, reserved int64, found bool, err error)
	InvalidateAvailability(ctx context.Context, storefrontID, productID uuid.UUID) error
}

// Authorizer decides whether an actor may approve movements for a business
type Authorizer interface {
	CanApprove(ctx context.Context, actorID string, businessID uuid.UUID) bool
}

// StaticAuthorizer grants approval to a fixed set of actors
type StaticAuthorizer struct {
	approvers map[string]bool
}

// NewStaticAuthorizer creates an authorizer from a list of approver IDs
func NewStaticAuthorizer(actorIDs []string) *StaticAuthorizer {
	approvers := make(map[string]bool, len(actorIDs))
	for _, id := range actorIDs {
		if id != "" {
			approvers[id] = true
		}
	}
	return &StaticAuthorizer{approvers: approvers}
}

// CanApprove reports whether actorID is a configured approver
func (a *StaticAuthorizer) CanApprove(ctx context.Context, actorID string, businessID uuid.UUID) bool {
	return a.approvers[actorID]
}

// NopPublisher discards events
type NopPublisher struct{}

// Publish does nothing
func (NopPublisher) Publish(ctx context.Context, key string, event interface{}) error {
	return nil
}

// publish sends an event and logs, rather than returns, a failure: the
// movement log is already committed and stays authoritative
func publish(ctx context.Context, p Publisher, logger *zap.Logger, key string, event interface{}) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, key, event); err != nil {
		logger.Error("Failed to publish ledger event",
			zap.String("key", key),
			zap.String("type", fmt.Sprintf("%T", event)),
			zap.Error(err))
	}
}

func requireScope(entity string, id, businessID uuid.UUID, scope models.Scope) error {
	if businessID != scope.BusinessID {
		return &models.CrossTenantError{
			Entity:   entity,
			ID:       id,
			Expected: scope.BusinessID,
			Actual:   businessID,
		}
	}
	return nil
}

// loadLocation fetches a location, checks its tenant and, when kind is not
// empty, its kind
func loadLocation(ctx context.Context, tx store.Tx, scope models.Scope, id uuid.UUID, kind models.LocationKind) (*models.Location, error) {
	loc, err := tx.GetLocation(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := requireScope("location", loc.ID, loc.BusinessID, scope); err != nil {
		return nil, err
	}
	if kind != "" && loc.Kind != kind {
		return nil, &models.ValidationError{
			Field:   "location",
			Message: fmt.Sprintf("location %s is a %s, expected %s", id, loc.Kind, kind),
		}
	}
	return loc, nil
}

// loadBatch fetches a batch within the caller's tenant
func loadBatch(ctx context.Context, tx store.Tx, scope models.Scope, id uuid.UUID, forUpdate bool) (*models.Batch, error) {
	batch, err := tx.GetBatch(ctx, id, forUpdate)
	if err != nil {
		return nil, err
	}
	if err := requireScope("batch", batch.ID, batch.BusinessID, scope); err != nil {
		return nil, err
	}
	return batch, nil
}

// logFailure logs structural failures loudly and business conditions quietly
func logFailure(logger *zap.Logger, msg string, err error, fields ...zap.Field) {
	fields = append(fields, zap.Error(err))

	var invalid *models.InvalidTransitionError
	var cross *models.CrossTenantError
	switch {
	case errors.As(err, &invalid), errors.As(err, &cross):
		logger.Error(msg, fields...)
	default:
		logger.Info(msg, fields...)
	}
}
