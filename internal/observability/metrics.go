// Package observability holds the service's Prometheus metrics and
// OpenTelemetry span helpers.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "telemetry"

var (
	metricEventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_ingested_total",
		Help:      "Inbound events processed, by run type and outcome.",
	}, []string{"type", "outcome"})
	metricIngestBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "ingest_batch_size",
		Help:      "Number of events per ingest request.",
		Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250},
	})
	metricChatDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "chat_decisions_total",
		Help:      "Chat reconciliation decisions, by transition rule.",
	}, []string{"rule"})
	metricRealtimeMatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "realtime_filter_matches_total",
		Help:      "Ingested runs matching a realtime evaluator filter in memory, by evaluator kind.",
	}, []string{"kind"})
	metricEvaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "evaluations_total",
		Help:      "Evaluator invocations, by kind and outcome.",
	}, []string{"kind", "outcome"})
	metricSchedulerCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scheduler_cycles_total",
		Help:      "Evaluator scheduler cycles, by outcome.",
	}, []string{"outcome"})
	metricSchedulerBatch = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "scheduler_batch_size",
		Help:      "Runs selected per evaluator per cycle.",
		Buckets:   prometheus.LinearBuckets(0, 1, 11),
	})
)

// Outcome label values.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeUnknown = "unknown"
	OutcomeIdle    = "idle"
)

func RecordEvent(runType, outcome string) {
	metricEventsIngested.WithLabelValues(runType, outcome).Inc()
}

func RecordIngestBatch(size int) {
	metricIngestBatchSize.Observe(float64(size))
}

func RecordChatDecision(rule string) {
	metricChatDecisions.WithLabelValues(rule).Inc()
}

func RecordRealtimeMatch(kind string) {
	metricRealtimeMatches.WithLabelValues(kind).Inc()
}

func RecordEvaluation(kind, outcome string) {
	metricEvaluations.WithLabelValues(kind, outcome).Inc()
}

func RecordSchedulerCycle(outcome string) {
	metricSchedulerCycles.WithLabelValues(outcome).Inc()
}

func RecordSchedulerBatch(size int) {
	metricSchedulerBatch.Observe(float64(size))
}
