package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"stock-ledger/internal/models"
	"stock-ledger/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []interface{}
}

func (p *recordingPublisher) Publish(ctx context.Context, key string, event interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if h, ok := e.(interface{ Header() models.BaseEvent }); ok && h.Header().EventType == eventType {
			n++
		}
	}
	return n
}

type fixture struct {
	t   *testing.T
	ctx context.Context
	now time.Time

	store     *store.MemoryStore
	publisher *recordingPublisher

	ledger       *Ledger
	projection   *Projection
	adjustments  *AdjustmentService
	transfers    *TransferService
	reservations *ReservationService
	sales        *SaleService
	calculator   *Calculator

	manager models.Scope
	clerk   models.Scope

	warehouse  *models.Location
	storefront *models.Location
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWithCache(t, nil)
}

func newFixtureWithCache(t *testing.T, cache AvailabilityCache) *fixture {
	t.Helper()

	f := &fixture{
		t:         t,
		ctx:       context.Background(),
		now:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		store:     store.NewMemoryStore(),
		publisher: &recordingPublisher{},
	}
	business := uuid.New()
	f.manager = models.Scope{BusinessID: business, ActorID: "manager-1"}
	f.clerk = models.Scope{BusinessID: business, ActorID: "clerk-1"}

	logger := zaptest.NewLogger(t)
	clock := func() time.Time { return f.now }
	authorizer := NewStaticAuthorizer([]string{"manager-1"})

	f.ledger = NewLedger(f.store, f.publisher)
	f.ledger.logger, f.ledger.clock = logger, clock

	f.projection = NewProjection(f.store, cache)
	f.projection.logger, f.projection.clock = logger, clock

	f.adjustments = NewAdjustmentService(f.store, f.projection, authorizer, f.publisher)
	f.adjustments.logger, f.adjustments.clock = logger, clock

	f.transfers = NewTransferService(f.store, f.projection, authorizer, f.publisher)
	f.transfers.logger, f.transfers.clock = logger, clock

	f.reservations = NewReservationService(f.store, f.projection, f.publisher, 30*time.Minute)
	f.reservations.logger, f.reservations.clock = logger, clock

	f.sales = NewSaleService(f.store, f.reservations, f.publisher)
	f.sales.logger, f.sales.clock = logger, clock

	f.calculator = NewCalculator(f.store, f.publisher)
	f.calculator.logger, f.calculator.clock = logger, clock

	f.warehouse = f.location(models.LocationWarehouse, "Main warehouse")
	f.storefront = f.location(models.LocationStorefront, "Storefront A")
	return f
}

func (f *fixture) location(kind models.LocationKind, name string) *models.Location {
	f.t.Helper()
	loc, err := f.ledger.CreateLocation(f.ctx, f.clerk, &CreateLocationRequest{Kind: kind, Name: name})
	require.NoError(f.t, err)
	return loc
}

func (f *fixture) batch(quantity int64) *models.Batch {
	f.t.Helper()
	return f.batchOf(uuid.New(), quantity)
}

func (f *fixture) batchOf(productID uuid.UUID, quantity int64) *models.Batch {
	f.t.Helper()
	b, err := f.ledger.CreateBatch(f.ctx, f.clerk, &CreateBatchRequest{
		ProductID:   productID,
		WarehouseID: f.warehouse.ID,
		Quantity:    quantity,
		Pricing: models.Pricing{
			UnitCost:       decimal.RequireFromString("2.50"),
			RetailPrice:    decimal.RequireFromString("4.99"),
			WholesalePrice: decimal.RequireFromString("3.75"),
		},
	})
	require.NoError(f.t, err)
	return b
}

// adjust creates, approves and completes an adjustment
func (f *fixture) adjust(req *CreateAdjustmentRequest) (*models.Adjustment, error) {
	f.t.Helper()
	adj, err := f.adjustments.Create(f.ctx, f.clerk, req)
	require.NoError(f.t, err)
	_, err = f.adjustments.Approve(f.ctx, f.manager, adj.ID)
	require.NoError(f.t, err)
	return f.adjustments.Complete(f.ctx, f.clerk, adj.ID)
}

// approvedTransfer creates and approves a transfer
func (f *fixture) approvedTransfer(source, dest uuid.UUID, items ...TransferItemRequest) *models.TransferRequest {
	f.t.Helper()
	tr, err := f.transfers.Create(f.ctx, f.clerk, &CreateTransferRequest{SourceID: source, DestinationID: dest, Items: items})
	require.NoError(f.t, err)
	_, err = f.transfers.Approve(f.ctx, f.manager, tr.ID)
	require.NoError(f.t, err)
	return tr
}

// ship moves quantity of a batch from the warehouse to the storefront
func (f *fixture) ship(b *models.Batch, quantity int64) {
	f.t.Helper()
	tr := f.approvedTransfer(f.warehouse.ID, f.storefront.ID, TransferItemRequest{BatchID: b.ID, Quantity: quantity})
	_, err := f.transfers.Fulfill(f.ctx, f.clerk, tr.ID)
	require.NoError(f.t, err)
}

func (f *fixture) shelf(productID uuid.UUID) int64 {
	f.t.Helper()
	qty, err := f.projection.GetQuantity(f.ctx, f.clerk, f.storefront.ID, productID)
	require.NoError(f.t, err)
	return qty
}

func (f *fixture) reserve(productID uuid.UUID, quantity int64, cartID string) (*models.Reservation, error) {
	return f.reservations.Reserve(f.ctx, f.clerk, &ReserveRequest{
		StorefrontID: f.storefront.ID,
		ProductID:    productID,
		Quantity:     quantity,
		CartID:       cartID,
	})
}
