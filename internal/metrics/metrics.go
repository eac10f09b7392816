package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ProviderCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wxdb_provider_calls_total",
			Help: "Total provider API calls",
		},
		[]string{"source", "station", "status"},
	)

	ProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wxdb_provider_latency_seconds",
			Help:    "Provider API call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)

	ObservationsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wxdb_observations_ingested_total",
			Help: "Total raw observation records stored",
		},
		[]string{"source", "station"},
	)

	ObservationsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wxdb_observations_dropped_total",
			Help: "Provider observations dropped during validation",
		},
		[]string{"source", "reason"},
	)

	ReconcileGroups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wxdb_reconcile_groups_total",
			Help: "Hour groups processed by the reconciler, by outcome",
		},
		[]string{"outcome"},
	)

	CleanedRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wxdb_cleaned_rows_total",
			Help: "Rows written to the cleaned tier",
		},
		[]string{"station"},
	)

	QualityFlags = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wxdb_quality_flags_total",
			Help: "Values removed or adjusted by the quality gate",
		},
		[]string{"variable", "check"},
	)

	LastRunTimestamp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wxdb_last_run_timestamp_seconds",
			Help: "Unix time of the last completed pipeline stage",
		},
		[]string{"stage"},
	)
)
