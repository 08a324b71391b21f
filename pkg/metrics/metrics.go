package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rewards_delegation_events_processed_total",
			Help: "The total number of delegation events folded into the cache",
		},
		[]string{"direction"},
	)

	EventsQuarantined = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rewards_delegation_events_quarantined_total",
			Help: "The total number of malformed ledger events rejected",
		},
	)

	SyncTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rewards_sync_ticks_total",
			Help: "The total number of cache sync ticks by outcome",
		},
		[]string{"outcome"},
	)

	LastSyncedBlock = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rewards_last_synced_block",
			Help: "The last ledger block reconciled into the cache",
		},
	)

	CacheStale = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rewards_cache_stale",
			Help: "Whether the active season cache is stale (1) or fresh (0)",
		},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rewards_api_request_duration_seconds",
			Help:    "Duration of control surface requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint", "method", "status"},
	)

	LedgerRequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rewards_ledger_request_duration_seconds",
			Help:    "Duration of ledger gateway requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	LedgerRequestErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rewards_ledger_request_errors_total",
			Help: "The total number of ledger gateway request errors",
		},
	)

	DistributionsExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rewards_distributions_executed_total",
			Help: "The total number of distribution rows reaching a terminal state",
		},
		[]string{"status"},
	)

	DistributionProgress = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rewards_distribution_progress",
			Help: "Processed recipients over total for the running distribution (0-100)",
		},
	)

	ForcedTransitions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rewards_forced_season_transitions_total",
			Help: "The total number of emergency forced season transitions",
		},
	)
)

func RecordSyncTick(outcome string) {
	SyncTicks.WithLabelValues(outcome).Inc()
}

func RecordEventProcessed(direction string) {
	EventsProcessed.WithLabelValues(direction).Inc()
}

func UpdateLastSyncedBlock(block int64) {
	LastSyncedBlock.Set(float64(block))
}

func UpdateCacheStale(stale bool) {
	if stale {
		CacheStale.Set(1)
	} else {
		CacheStale.Set(0)
	}
}

func RecordLedgerRequest(duration float64, success bool) {
	LedgerRequestDuration.Observe(duration)
	if !success {
		LedgerRequestErrors.Inc()
	}
}

func RecordDistributionOutcome(status string) {
	DistributionsExecuted.WithLabelValues(status).Inc()
}

func UpdateDistributionProgress(processed, total int) {
	if total == 0 {
		DistributionProgress.Set(0)
		return
	}
	DistributionProgress.Set(float64(processed) / float64(total) * 100)
}
