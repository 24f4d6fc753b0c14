/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package metrics defines the Prometheus signals for the agent.
//
// Metric naming follows Prometheus conventions:
//   - twinward_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every agent metric; the API server serves it on /metrics.
var Registry = prometheus.NewRegistry()

var (
	// RequestsTotal counts HTTP requests by endpoint and status code.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "twinward_requests_total",
			Help: "Total HTTP requests by endpoint and status.",
		},
		[]string{"endpoint", "status"},
	)

	// RequestDurationSeconds is a histogram of request handling time.
	RequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "twinward_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"endpoint"},
	)

	// ToolExecutionsTotal counts tool-call outcomes by tool and status.
	ToolExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "twinward_tool_executions_total",
			Help: "Total tool executions by tool name and terminal status.",
		},
		[]string{"tool", "status"},
	)

	// SafetyDenialsTotal counts kernel denials by reason.
	SafetyDenialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "twinward_safety_denials_total",
			Help: "Total operations denied by the safety kernel.",
		},
		[]string{"reason"},
	)

	// BreakerState exposes each circuit breaker's state (0 closed,
	// 1 half-open, 2 open).
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "twinward_breaker_state",
			Help: "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
		},
		[]string{"name"},
	)

	// RateLimitRejectionsTotal counts 429 responses.
	RateLimitRejectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "twinward_rate_limit_rejections_total",
			Help: "Total requests rejected by the per-client rate limiter.",
		},
	)

	// BusConnected is 1 while the event-bus connection is up.
	BusConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "twinward_bus_connected",
			Help: "Event bus connection state (1 connected, 0 not).",
		},
	)

	// BusConnectionsTotal counts successful connects and observed
	// disconnects.
	BusConnectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "twinward_bus_connections_total",
			Help: "Event bus connection transitions by kind (connect|disconnect).",
		},
		[]string{"kind"},
	)

	// ShadowEventsTotal counts bus events applied to the shadow.
	ShadowEventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "twinward_shadow_events_total",
			Help: "Total event-bus messages applied to the shadow replica.",
		},
	)

	// ShadowResyncsTotal counts full snapshot resyncs.
	ShadowResyncsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "twinward_shadow_resyncs_total",
			Help: "Total full shadow resyncs by trigger (initial|reconnect|patch_error|manual).",
		},
		[]string{"trigger"},
	)

	// LLMCallsTotal counts language-model calls by client and outcome.
	LLMCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "twinward_llm_calls_total",
			Help: "Total language-model calls by client name and outcome.",
		},
		[]string{"client", "outcome"},
	)

	// JobsMonitoredTotal counts async jobs by terminal status and source.
	JobsMonitoredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "twinward_jobs_monitored_total",
			Help: "Total async jobs observed to completion by status and source.",
		},
		[]string{"status", "source"},
	)

	// AuditEntriesTotal counts audit log appends by event type.
	AuditEntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "twinward_audit_entries_total",
			Help: "Total audit log entries written by event type.",
		},
		[]string{"event"},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		RequestsTotal,
		RequestDurationSeconds,
		ToolExecutionsTotal,
		SafetyDenialsTotal,
		BreakerState,
		RateLimitRejectionsTotal,
		BusConnected,
		BusConnectionsTotal,
		ShadowEventsTotal,
		ShadowResyncsTotal,
		LLMCallsTotal,
		JobsMonitoredTotal,
		AuditEntriesTotal,
	)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordRequest records one handled HTTP request.
func RecordRequest(endpoint, status string, duration time.Duration) {
	RequestsTotal.WithLabelValues(endpoint, status).Inc()
	RequestDurationSeconds.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordToolExecution records one tool-call outcome.
func RecordToolExecution(tool, status string) {
	ToolExecutionsTotal.WithLabelValues(tool, status).Inc()
}

// RecordDenial records one safety-kernel denial.
func RecordDenial(reason string) {
	SafetyDenialsTotal.WithLabelValues(reason).Inc()
}

// RecordBreakerState updates a breaker's state gauge.
func RecordBreakerState(name string, state float64) {
	BreakerState.WithLabelValues(name).Set(state)
}
