package worker

import (
	"context"
	"time"

	"stock-ledger/internal/broker"
	"stock-ledger/internal/service"
	"stock-ledger/internal/util"

	"go.uber.org/zap"
)

// Locker elects a single runner for periodic jobs across instances
type Locker interface {
	AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (string, bool, error)
	ReleaseLock(ctx context.Context, lockKey, token string) error
}

// Lock keys for the periodic jobs
const (
	SweepLockKey  = "reservation-sweep"
	ResyncLockKey = "cache-resync"
)

// SaleEventWorker applies sale lifecycle events from the sales subsystem
type SaleEventWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	logger       *zap.Logger
}

// NewSaleEventWorker creates a new sale event worker
func NewSaleEventWorker(consumer *broker.Consumer, sales *service.SaleService) *SaleEventWorker {
	eventHandler := broker.NewEventHandler()

	eventHandler.OnSaleCompleted(sales.HandleSaleEvent)
	eventHandler.OnSaleCancelled(sales.HandleSaleEvent)

	return &SaleEventWorker{
		consumer:     consumer,
		eventHandler: eventHandler,
		logger:       util.GetLogger(),
	}
}

// Start starts the worker
func (w *SaleEventWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting sale event worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *SaleEventWorker) Stop() error {
	w.logger.Info("Stopping sale event worker")
	return w.consumer.Close()
}

// periodic runs job every interval while holding the named lock. A nil
// locker runs the job unconditionally.
type periodic struct {
	name     string
	lockKey  string
	interval time.Duration
	locker   Locker
	logger   *zap.Logger
}

func (p *periodic) run(ctx context.Context, job func(ctx context.Context)) error {
	p.logger.Info("Starting periodic job",
		zap.String("job", p.name),
		zap.Duration("interval", p.interval))

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Periodic job stopped", zap.String("job", p.name))
			return ctx.Err()
		case <-ticker.C:
			p.once(ctx, job)
		}
	}
}

// once runs job a single time and reports whether it ran
func (p *periodic) once(ctx context.Context, job func(ctx context.Context)) bool {
	if p.locker == nil {
		job(ctx)
		return true
	}

	// the lease outlives one interval only when a run overruns
	token, acquired, err := p.locker.AcquireLock(ctx, p.lockKey, p.interval)
	if err != nil {
		p.logger.Warn("Failed to acquire job lock", zap.String("job", p.name), zap.Error(err))
		return false
	}
	if !acquired {
		p.logger.Debug("Job lock held elsewhere, skipping", zap.String("job", p.name))
		return false
	}
	defer func() {
		if err := p.locker.ReleaseLock(context.Background(), p.lockKey, token); err != nil {
			p.logger.Warn("Failed to release job lock", zap.String("job", p.name), zap.Error(err))
		}
	}()

	job(ctx)
	return true
}

// ExpirySweeper expires lapsed reservations in bounded batches
type ExpirySweeper struct {
	reservations *service.ReservationService
	batchSize    int
	periodic     *periodic
}

// NewExpirySweeper creates a new expiry sweeper. locker may be nil.
func NewExpirySweeper(reservations *service.ReservationService, locker Locker, interval time.Duration, batchSize int) *ExpirySweeper {
	return &ExpirySweeper{
		reservations: reservations,
		batchSize:    batchSize,
		periodic: &periodic{
			name:     "reservation-sweep",
			lockKey:  SweepLockKey,
			interval: interval,
			locker:   locker,
			logger:   util.GetLogger(),
		},
	}
}

// Start sweeps every interval until ctx is cancelled
func (s *ExpirySweeper) Start(ctx context.Context) error {
	return s.periodic.run(ctx, func(ctx context.Context) { s.sweep(ctx) })
}

// RunOnce performs one sweep and reports whether this instance ran it
func (s *ExpirySweeper) RunOnce(ctx context.Context) (stats service.SweepStats, ran bool) {
	ran = s.periodic.once(ctx, func(ctx context.Context) { stats = s.sweep(ctx) })
	return stats, ran
}

func (s *ExpirySweeper) sweep(ctx context.Context) service.SweepStats {
	stats, err := s.reservations.ExpireDue(ctx, s.batchSize)
	if err != nil {
		s.periodic.logger.Error("Reservation sweep failed", zap.Error(err))
	}
	return stats
}

// CacheResyncWorker periodically rebuilds the availability cache from the store
type CacheResyncWorker struct {
	projection *service.Projection
	periodic   *periodic
}

// NewCacheResyncWorker creates a new cache resync worker. locker may be nil.
func NewCacheResyncWorker(projection *service.Projection, locker Locker, interval time.Duration) *CacheResyncWorker {
	return &CacheResyncWorker{
		projection: projection,
		periodic: &periodic{
			name:     "cache-resync",
			lockKey:  ResyncLockKey,
			interval: interval,
			locker:   locker,
			logger:   util.GetLogger(),
		},
	}
}

// Start resyncs every interval until ctx is cancelled
func (w *CacheResyncWorker) Start(ctx context.Context) error {
	return w.periodic.run(ctx, func(ctx context.Context) { w.resync(ctx) })
}

// RunOnce performs one resync and reports whether this instance ran it
func (w *CacheResyncWorker) RunOnce(ctx context.Context) (stats service.ResyncStats, ran bool) {
	ran = w.periodic.once(ctx, func(ctx context.Context) { stats = w.resync(ctx) })
	return stats, ran
}

func (w *CacheResyncWorker) resync(ctx context.Context) service.ResyncStats {
	stats, err := w.projection.Resync(ctx)
	if err != nil {
		w.periodic.logger.Error("Cache resync failed", zap.Error(err))
		return stats
	}
	if stats.Drifted > 0 || stats.Failed > 0 {
		w.periodic.logger.Warn("Cache resync corrected drift",
			zap.Int("rows", stats.Rows),
			zap.Int("drifted", stats.Drifted),
			zap.Int("failed", stats.Failed))
	}
	return stats
}
