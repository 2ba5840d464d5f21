package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"stock-ledger/internal/models"

	"github.com/google/uuid"
)

// MemoryStore keeps the ledger in process memory. Units of work run one at a
// time against a private copy of the state that replaces the shared state only
// when fn succeeds, which gives the same all-or-nothing and per-key
// serialization guarantees as the Postgres store.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
}

type memState struct {
	locations    map[uuid.UUID]models.Location
	batches      map[uuid.UUID]models.Batch
	adjustments  map[uuid.UUID]models.Adjustment
	transfers    map[uuid.UUID]models.TransferRequest
	rows         map[models.SlotKey]models.StorefrontInventory
	reservations map[uuid.UUID]models.Reservation
	sales        []models.SaleItem
	processed    map[string]models.ProcessedEvent
	seq          int64
	created      map[uuid.UUID]int64
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: &memState{
		locations:    map[uuid.UUID]models.Location{},
		batches:      map[uuid.UUID]models.Batch{},
		adjustments:  map[uuid.UUID]models.Adjustment{},
		transfers:    map[uuid.UUID]models.TransferRequest{},
		rows:         map[models.SlotKey]models.StorefrontInventory{},
		reservations: map[uuid.UUID]models.Reservation{},
		processed:    map[string]models.ProcessedEvent{},
		created:      map[uuid.UUID]int64{},
	}}
}

// InTx runs fn against a copy of the state and keeps the copy on success
func (m *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.state.clone()
	if err := fn(&memTx{s: next}); err != nil {
		return err
	}
	m.state = next
	return nil
}

// Close is a no-op
func (m *MemoryStore) Close() error {
	return nil
}

func (s *memState) clone() *memState {
	c := &memState{
		locations:    make(map[uuid.UUID]models.Location, len(s.locations)),
		batches:      make(map[uuid.UUID]models.Batch, len(s.batches)),
		adjustments:  make(map[uuid.UUID]models.Adjustment, len(s.adjustments)),
		transfers:    make(map[uuid.UUID]models.TransferRequest, len(s.transfers)),
		rows:         make(map[models.SlotKey]models.StorefrontInventory, len(s.rows)),
		reservations: make(map[uuid.UUID]models.Reservation, len(s.reservations)),
		sales:        make([]models.SaleItem, len(s.sales)),
		processed:    make(map[string]models.ProcessedEvent, len(s.processed)),
		seq:          s.seq,
		created:      make(map[uuid.UUID]int64, len(s.created)),
	}
	for k, v := range s.locations {
		c.locations[k] = v
	}
	for k, v := range s.batches {
		c.batches[k] = v
	}
	for k, v := range s.adjustments {
		c.adjustments[k] = v
	}
	// transfer items are copied on every write, so sharing slices here is safe
	for k, v := range s.transfers {
		c.transfers[k] = v
	}
	for k, v := range s.rows {
		c.rows[k] = v
	}
	for k, v := range s.reservations {
		c.reservations[k] = v
	}
	copy(c.sales, s.sales)
	for k, v := range s.processed {
		c.processed[k] = v
	}
	for k, v := range s.created {
		c.created[k] = v
	}
	return c
}

type memTx struct {
	s *memState
}

// stamp records insertion order so listings are stable even when
// timestamps collide
func (t *memTx) stamp(id uuid.UUID) {
	t.s.seq++
	t.s.created[id] = t.s.seq
}

func (t *memTx) before(a, b uuid.UUID) bool {
	return t.s.created[a] < t.s.created[b]
}

func copyItems(items []models.TransferItem) []models.TransferItem {
	out := make([]models.TransferItem, len(items))
	copy(out, items)
	return out
}

func (t *memTx) CreateLocation(ctx context.Context, loc *models.Location) error {
	if _, ok := t.s.locations[loc.ID]; ok {
		return fmt.Errorf("location %s already exists", loc.ID)
	}
	if loc.CreatedAt.IsZero() {
		loc.CreatedAt = time.Now()
	}
	t.s.locations[loc.ID] = *loc
	return nil
}

func (t *memTx) GetLocation(ctx context.Context, id uuid.UUID) (*models.Location, error) {
	loc, ok := t.s.locations[id]
	if !ok {
		return nil, fmt.Errorf("location %s: %w", id, models.ErrNotFound)
	}
	return &loc, nil
}

func (t *memTx) CreateBatch(ctx context.Context, b *models.Batch) error {
	if _, ok := t.s.batches[b.ID]; ok {
		return fmt.Errorf("batch %s already exists", b.ID)
	}
	now := time.Now()
	b.CreatedAt, b.UpdatedAt = now, now
	t.s.batches[b.ID] = *b
	t.stamp(b.ID)
	return nil
}

func (t *memTx) GetBatch(ctx context.Context, id uuid.UUID, forUpdate bool) (*models.Batch, error) {
	b, ok := t.s.batches[id]
	if !ok {
		return nil, fmt.Errorf("batch %s: %w", id, models.ErrNotFound)
	}
	return &b, nil
}

func (t *memTx) sortBatches(batches []models.Batch) {
	sort.Slice(batches, func(i, j int) bool {
		return t.before(batches[i].ID, batches[j].ID)
	})
}

func (t *memTx) ListBatches(ctx context.Context, businessID uuid.UUID, productID *uuid.UUID) ([]models.Batch, error) {
	batches := []models.Batch{}
	for _, b := range t.s.batches {
		if b.BusinessID != businessID {
			continue
		}
		if productID != nil && b.ProductID != *productID {
			continue
		}
		batches = append(batches, b)
	}
	t.sortBatches(batches)
	return batches, nil
}

func (t *memTx) AmendIntakeQuantity(ctx context.Context, id uuid.UUID, quantity int64) (bool, error) {
	b, ok := t.s.batches[id]
	if !ok {
		return false, fmt.Errorf("batch %s: %w", id, models.ErrNotFound)
	}
	counts, err := t.CountMovements(ctx, id)
	if err != nil {
		return false, err
	}
	if counts.Any() || b.ParentBatchID != nil {
		return false, nil
	}
	b.IntakeQuantity = quantity
	b.UpdatedAt = time.Now()
	t.s.batches[id] = b
	return true, nil
}

func (t *memTx) CountMovements(ctx context.Context, batchID uuid.UUID) (models.MovementCounts, error) {
	var c models.MovementCounts
	if err := ctx.Err(); err != nil {
		return c, err
	}
	for _, a := range t.s.adjustments {
		if a.BatchID == batchID {
			c.Adjustments++
		}
	}
	for _, tr := range t.s.transfers {
		for _, item := range tr.Items {
			if item.BatchID == batchID {
				c.TransferItems++
			}
		}
	}
	for _, s := range t.s.sales {
		if s.BatchID == batchID {
			c.SaleItems++
		}
	}
	return c, nil
}

func (t *memTx) MovementLog(ctx context.Context, batchID uuid.UUID) (*models.MovementLog, error) {
	log := &models.MovementLog{}
	adjustments, err := t.ListAdjustments(ctx, batchID)
	if err != nil {
		return nil, err
	}
	log.Adjustments = adjustments

	for _, tr := range t.s.transfers {
		for _, item := range tr.Items {
			if item.BatchID != batchID {
				continue
			}
			log.Transfers = append(log.Transfers, models.TransferMovement{
				TransferItem:    item,
				Status:          tr.Status,
				SourceID:        tr.SourceID,
				SourceKind:      tr.SourceKind,
				DestinationID:   tr.DestinationID,
				DestinationKind: tr.DestinationKind,
			})
		}
	}
	sort.Slice(log.Transfers, func(i, j int) bool {
		return t.before(log.Transfers[i].TransferID, log.Transfers[j].TransferID)
	})

	for _, s := range t.s.sales {
		if s.BatchID == batchID {
			log.Sales = append(log.Sales, s)
		}
	}
	return log, nil
}

func (t *memTx) CreateAdjustment(ctx context.Context, a *models.Adjustment) error {
	t.s.adjustments[a.ID] = *a
	t.stamp(a.ID)
	return nil
}

func (t *memTx) GetAdjustment(ctx context.Context, id uuid.UUID, forUpdate bool) (*models.Adjustment, error) {
	a, ok := t.s.adjustments[id]
	if !ok {
		return nil, fmt.Errorf("adjustment %s: %w", id, models.ErrNotFound)
	}
	return &a, nil
}

func (t *memTx) UpdateAdjustment(ctx context.Context, a *models.Adjustment) error {
	if _, ok := t.s.adjustments[a.ID]; !ok {
		return fmt.Errorf("adjustment %s: %w", a.ID, models.ErrNotFound)
	}
	t.s.adjustments[a.ID] = *a
	return nil
}

func (t *memTx) ListAdjustments(ctx context.Context, batchID uuid.UUID) ([]models.Adjustment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	adjustments := []models.Adjustment{}
	for _, a := range t.s.adjustments {
		if a.BatchID == batchID {
			adjustments = append(adjustments, a)
		}
	}
	sort.Slice(adjustments, func(i, j int) bool {
		return t.before(adjustments[i].ID, adjustments[j].ID)
	})
	return adjustments, nil
}

func (t *memTx) CreateTransfer(ctx context.Context, tr *models.TransferRequest) error {
	stored := *tr
	stored.Items = copyItems(tr.Items)
	t.s.transfers[tr.ID] = stored
	t.stamp(tr.ID)
	return nil
}

func (t *memTx) GetTransfer(ctx context.Context, id uuid.UUID, forUpdate bool) (*models.TransferRequest, error) {
	tr, ok := t.s.transfers[id]
	if !ok {
		return nil, fmt.Errorf("transfer %s: %w", id, models.ErrNotFound)
	}
	tr.Items = copyItems(tr.Items)
	return &tr, nil
}

func (t *memTx) UpdateTransfer(ctx context.Context, tr *models.TransferRequest) error {
	if _, ok := t.s.transfers[tr.ID]; !ok {
		return fmt.Errorf("transfer %s: %w", tr.ID, models.ErrNotFound)
	}
	stored := *tr
	stored.Items = copyItems(tr.Items)
	t.s.transfers[tr.ID] = stored
	return nil
}

func (t *memTx) GetStorefrontRow(ctx context.Context, key models.SlotKey, forUpdate bool) (*models.StorefrontInventory, error) {
	row, ok := t.s.rows[key]
	if !ok {
		return nil, fmt.Errorf("storefront row %v: %w", key, models.ErrNotFound)
	}
	return &row, nil
}

func (t *memTx) LockStorefrontRow(ctx context.Context, key models.SlotKey, businessID uuid.UUID) (*models.StorefrontInventory, error) {
	row, ok := t.s.rows[key]
	if !ok {
		row = models.StorefrontInventory{
			StorefrontID: key.StorefrontID,
			ProductID:    key.ProductID,
			BusinessID:   businessID,
			UpdatedAt:    time.Now(),
		}
		t.s.rows[key] = row
	}
	return &row, nil
}

func (t *memTx) SaveStorefrontRow(ctx context.Context, row *models.StorefrontInventory) error {
	key := models.SlotKey{StorefrontID: row.StorefrontID, ProductID: row.ProductID}
	current, ok := t.s.rows[key]
	if !ok {
		return fmt.Errorf("storefront row %v: %w", key, models.ErrNotFound)
	}
	if row.Quantity < 0 {
		return fmt.Errorf("storefront row %v: negative quantity %d", key, row.Quantity)
	}
	current.Quantity = row.Quantity
	current.Version++
	current.UpdatedAt = time.Now()
	t.s.rows[key] = current
	row.Version, row.UpdatedAt = current.Version, current.UpdatedAt
	return nil
}

func (t *memTx) ListStorefrontRows(ctx context.Context, businessID *uuid.UUID) ([]models.StorefrontInventory, error) {
	rows := []models.StorefrontInventory{}
	for _, row := range t.s.rows {
		if businessID != nil && row.BusinessID != *businessID {
			continue
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].StorefrontID != rows[j].StorefrontID {
			return rows[i].StorefrontID.String() < rows[j].StorefrontID.String()
		}
		return rows[i].ProductID.String() < rows[j].ProductID.String()
	})
	return rows, nil
}

func (t *memTx) SlotBatches(ctx context.Context, key models.SlotKey) ([]models.Batch, error) {
	seen := map[uuid.UUID]bool{}
	for _, tr := range t.s.transfers {
		if tr.Status != models.TransferStatusFulfilled || tr.DestinationID != key.StorefrontID {
			continue
		}
		for _, item := range tr.Items {
			if item.DestinationProductID == key.ProductID {
				seen[item.BatchID] = true
			}
		}
	}
	for _, a := range t.s.adjustments {
		if a.Status == models.AdjustmentStatusCompleted && a.StorefrontID != nil &&
			*a.StorefrontID == key.StorefrontID && a.ProductID == key.ProductID {
			seen[a.BatchID] = true
		}
	}

	batches := make([]models.Batch, 0, len(seen))
	for id := range seen {
		batches = append(batches, t.s.batches[id])
	}
	t.sortBatches(batches)
	return batches, nil
}

func (t *memTx) CreateReservation(ctx context.Context, r *models.Reservation) error {
	t.s.reservations[r.ID] = *r
	t.stamp(r.ID)
	return nil
}

func (t *memTx) GetReservation(ctx context.Context, id uuid.UUID, forUpdate bool) (*models.Reservation, error) {
	r, ok := t.s.reservations[id]
	if !ok {
		return nil, fmt.Errorf("reservation %s: %w", id, models.ErrNotFound)
	}
	return &r, nil
}

func (t *memTx) TransitionReservation(ctx context.Context, id uuid.UUID, status string, at time.Time) (bool, error) {
	r, ok := t.s.reservations[id]
	if !ok || r.Status != models.ReservationStatusActive {
		return false, nil
	}
	r.Status = status
	r.ResolvedAt = &at
	t.s.reservations[id] = r
	return true, nil
}

func (t *memTx) ExpireReservation(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	r, ok := t.s.reservations[id]
	if !ok || r.Status != models.ReservationStatusActive || r.ExpiresAt.After(now) {
		return false, nil
	}
	r.Status = models.ReservationStatusExpired
	r.ResolvedAt = &now
	t.s.reservations[id] = r
	return true, nil
}

func (t *memTx) SumActiveReservations(ctx context.Context, key models.SlotKey, now time.Time) (int64, error) {
	var total int64
	for _, r := range t.s.reservations {
		if r.StorefrontID == key.StorefrontID && r.ProductID == key.ProductID && r.IsActive(now) {
			total += r.Quantity
		}
	}
	return total, nil
}

func (t *memTx) sortReservations(rs []models.Reservation) {
	sort.Slice(rs, func(i, j int) bool {
		return t.before(rs[i].ID, rs[j].ID)
	})
}

func (t *memTx) ListCartReservations(ctx context.Context, businessID uuid.UUID, cartID string) ([]models.Reservation, error) {
	out := []models.Reservation{}
	for _, r := range t.s.reservations {
		if r.BusinessID == businessID && r.CartID == cartID {
			out = append(out, r)
		}
	}
	t.sortReservations(out)
	return out, nil
}

func (t *memTx) ListDueReservations(ctx context.Context, now time.Time, limit int) ([]models.Reservation, error) {
	out := []models.Reservation{}
	for _, r := range t.s.reservations {
		if r.Status == models.ReservationStatusActive && !r.ExpiresAt.After(now) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ExpiresAt.Before(out[j].ExpiresAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) CreateSaleItem(ctx context.Context, item *models.SaleItem) error {
	t.s.sales = append(t.s.sales, *item)
	return nil
}

func (t *memTx) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	_, ok := t.s.processed[eventID]
	return ok, nil
}

func (t *memTx) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	if _, ok := t.s.processed[eventID]; ok {
		return nil
	}
	t.s.processed[eventID] = models.ProcessedEvent{
		EventID:     eventID,
		EventType:   eventType,
		ProcessedAt: time.Now(),
	}
	return nil
}
