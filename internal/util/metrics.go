package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BatchesCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_batches_created_total",
		Help: "Total number of stock intake batches recorded",
	})

	BatchAmendmentsRejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_batch_amendments_rejected_total",
		Help: "Total number of intake amendments blocked by existing movements",
	})

	AdjustmentsCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_adjustments_completed_total",
		Help: "Total number of completed adjustments",
	}, []string{"type"})

	TransfersFulfilledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_transfers_fulfilled_total",
		Help: "Total number of fulfilled transfers",
	})

	TransfersFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_transfers_failed_total",
		Help: "Total number of failed transfer fulfillments",
	}, []string{"reason"})

	InsufficientStockTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_insufficient_stock_total",
		Help: "Total number of operations rejected for insufficient stock",
	}, []string{"operation"})

	ReservationsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_reservations_created_total",
		Help: "Total number of reservations created",
	})

	ReservationsResolvedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_reservations_resolved_total",
		Help: "Total number of reservations leaving ACTIVE",
	}, []string{"status"})

	ReserveLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ledger_reserve_latency_seconds",
		Help:    "Latency of reservation operations",
		Buckets: prometheus.DefBuckets,
	})

	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ledger_reservation_sweep_duration_seconds",
		Help:    "Duration of reservation expiry sweeps",
		Buckets: prometheus.DefBuckets,
	})

	ReconciliationDeltaUnits = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_reconciliation_delta_units",
		Help:    "Absolute delta of mismatched reconciliation reports",
		Buckets: prometheus.ExponentialBuckets(1, 4, 8),
	}, []string{"status"})

	ReconciliationMismatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_reconciliation_mismatch_total",
		Help: "Total number of reconciliation reports with a nonzero delta",
	}, []string{"status"})

	CacheDriftTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_cache_drift_total",
		Help: "Total number of cached storefront rows found out of sync with the store",
	})

	SaleEventsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_sale_events_processed_total",
		Help: "Total number of sale lifecycle events applied",
	}, []string{"event_type"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
