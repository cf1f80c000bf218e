// Package metrics holds the process-wide Prometheus collectors for
// coldpot's loader, cache, source clients, classifier and cascade
// enricher. Collectors are package-level vars registered via promauto,
// mirroring flow-ingest/internal/metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "coldpot_build_info",
		Help: "Build information of the coldpot binary.",
	}, []string{"version", "commit", "date"})

	// Loader (C1)
	EventsInserted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coldpot_loader_events_inserted_total", Help: "Raw events inserted by source.",
	}, []string{"source"})
	EventsQuarantined = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coldpot_loader_events_quarantined_total", Help: "Events quarantined to the DLQ, by reason.",
	}, []string{"source", "reason"})
	SessionsTouched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coldpot_loader_sessions_touched_total", Help: "Distinct sessions touched per batch commit.",
	}, []string{"source"})
	BatchCommitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "coldpot_loader_batch_commit_duration_seconds", Help: "Wall time of a single batch commit transaction.",
	}, []string{"source"})
	BatchCommitOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coldpot_loader_batch_commit_outcomes_total", Help: "Batch commit outcomes.",
	}, []string{"source", "result"})
	EventsPerSecond = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "coldpot_loader_events_per_second", Help: "Rolling events/sec for the current ingest run.",
	}, []string{"source"})

	// Cache (E)
	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coldpot_cache_hits_total", Help: "Cache hits by service and tier.",
	}, []string{"service", "tier"})
	CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coldpot_cache_misses_total", Help: "Cache misses by service.",
	}, []string{"service"})

	// Source clients (F)
	SourceCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coldpot_source_calls_total", Help: "Source client calls by source and outcome.",
	}, []string{"source", "outcome"})
	SourceCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "coldpot_source_call_duration_seconds", Help: "Source client call latency.",
	}, []string{"source"})
	ScannerBudgetRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coldpot_scanner_budget_remaining", Help: "Remaining scanner lookups for the current UTC day.",
	})

	// Cascade enricher (H)
	EnrichmentCoverage = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coldpot_enrichment_coverage_ratio", Help: "Fraction of IPInventory rows with a non-empty enrichment blob.",
	})
	EnrichDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "coldpot_enrich_duration_seconds", Help: "Total time spent enriching a single IP across the cascade.",
	})

	// DLQ processor
	DLQDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coldpot_dlq_depth", Help: "Unresolved dead-letter rows.",
	})
	DLQOldestAgeSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coldpot_dlq_oldest_age_seconds", Help: "Age in seconds of the oldest unresolved dead-letter row.",
	})
	CircuitBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coldpot_dlq_circuit_breaker_state", Help: "0=closed, 1=half-open, 2=open.",
	})
	DLQResolved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coldpot_dlq_resolved_total", Help: "Dead-letter rows successfully redelivered.",
	})
	DLQReleased = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coldpot_dlq_released_total", Help: "Dead-letter rows released back to the queue after a failed redelivery.",
	})
)
