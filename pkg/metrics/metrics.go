// Package metrics exposes Prometheus counters for the chat memory subsystem.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tenderdesk"

var (
	// ManagerCacheLookups counts manager cache lookups by result (hit, miss).
	ManagerCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "manager_cache_lookups_total",
			Help:      "Memory manager cache lookups by result",
		},
		[]string{"result"},
	)

	// ManagerCacheEvictions counts managers dropped because the cache was full.
	ManagerCacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "manager_cache_evictions_total",
			Help:      "Memory managers evicted from the cache",
		},
	)

	SummariesGenerated = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "summaries_generated_total",
			Help:      "Conversation summaries persisted to sessions",
		},
	)

	SnippetsIndexed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "semantic_snippets_indexed_total",
			Help:      "Conversation snippets added to semantic indexes",
		},
	)

	// Reformulations counts reformulator outcomes (skipped, rewritten, unchanged, fallback).
	Reformulations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "query_reformulations_total",
			Help:      "Query reformulation outcomes",
		},
		[]string{"outcome"},
	)

	// ExternalFailures counts LLM and embedding failures that were replaced by a fallback.
	ExternalFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "external_failures_total",
			Help:      "External service failures recovered with a fallback",
		},
		[]string{"service", "op"},
	)

	ChatTurns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_turns_total",
			Help:      "Chat turns processed by kind (turn, message)",
		},
		[]string{"kind"},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP API requests by route and status",
		},
		[]string{"route", "status"},
	)

	HTTPLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP API latency in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"route"},
	)
)

// RecordHTTP records one finished API request.
func RecordHTTP(route string, status int, elapsed time.Duration) {
	HTTPRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	HTTPLatency.WithLabelValues(route).Observe(elapsed.Seconds())
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
