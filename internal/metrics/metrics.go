package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	IngestRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tally_ingest_requests_total",
		Help: "Ingestion calls, labelled by terminal outcome.",
	}, []string{"outcome"})

	QuotaDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tally_quota_decisions_total",
		Help: "Quota gate decisions: granted, denied, or error (denied by fail-closed policy).",
	}, []string{"decision"})

	QuotaBreakerOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tally_quota_breaker_open",
		Help: "1 while the quota circuit breaker is open and every request is denied.",
	})

	AggregationRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tally_aggregation_runs_total",
		Help: "Aggregation job runs, labelled by trigger and status.",
	}, []string{"trigger", "status"})

	AggregationEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tally_aggregation_events_total",
		Help: "Raw events read by the aggregation job.",
	})

	AggregationProjectFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tally_aggregation_project_failures_total",
		Help: "Per-project aggregation failures that were skipped until the next run.",
	})

	AggregationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tally_aggregation_duration_seconds",
		Help:    "Wall time of one aggregation run.",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
	})
)
