// Copyright (C) 2026 Sage Health contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides Prometheus metrics for the orchestrator's
// two conversational agents (emotional support, RAG) and is exposed on
// /metrics for Prometheus scraping.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "medassist"
const chatSubsystem = "chat"

// ChatMetrics holds every Prometheus metric the orchestrator emits while
// routing and streaming a turn.
type ChatMetrics struct {
	// RequestsTotal counts turns by agent and outcome.
	// Labels: agent (emotional, rag), status (success, error)
	RequestsTotal *prometheus.CounterVec

	// TurnDurationSeconds measures end-to-end turn latency.
	// Labels: agent, status
	TurnDurationSeconds *prometheus.HistogramVec

	// TimeToFirstTokenSeconds measures latency from turn start to the
	// first streamed token.
	// Labels: agent
	TimeToFirstTokenSeconds *prometheus.HistogramVec

	// ActiveStreams tracks in-flight SSE connections.
	// Labels: agent
	ActiveStreams *prometheus.GaugeVec

	// ErrorsTotal counts turns that ended in an `error` SSE event.
	// Labels: agent, error_code
	ErrorsTotal *prometheus.CounterVec

	// RetrievedDocumentsTotal counts documents returned by the retriever.
	// Labels: strategy
	RetrievedDocumentsTotal *prometheus.CounterVec

	// ClassificationsTotal counts supervisor routing decisions.
	// Labels: agent
	ClassificationsTotal *prometheus.CounterVec
}

// DefaultMetrics is the process-wide metrics instance, set by InitMetrics.
var DefaultMetrics *ChatMetrics

// InitMetrics registers every chat metric against the default Prometheus
// registry. Call once at startup, before Run(). Panics on duplicate
// registration, matching promauto's own behavior.
func InitMetrics() *ChatMetrics {
	DefaultMetrics = &ChatMetrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "requests_total",
				Help:      "Total number of chat turns by agent and outcome",
			},
			[]string{"agent", "status"},
		),

		TurnDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "turn_duration_seconds",
				Help:      "End-to-end turn duration in seconds",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60},
			},
			[]string{"agent", "status"},
		),

		TimeToFirstTokenSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "time_to_first_token_seconds",
				Help:      "Time from turn start to first streamed token",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 20.0},
			},
			[]string{"agent"},
		),

		ActiveStreams: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "active_streams",
				Help:      "Number of currently active SSE connections",
			},
			[]string{"agent"},
		),

		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "errors_total",
				Help:      "Total turns ending in an error SSE event, by agent and error code",
			},
			[]string{"agent", "error_code"},
		),

		RetrievedDocumentsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "retrieved_documents_total",
				Help:      "Total documents returned by the retriever, by strategy",
			},
			[]string{"strategy"},
		),

		ClassificationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "classifications_total",
				Help:      "Total supervisor classification decisions, by assigned agent",
			},
			[]string{"agent"},
		),
	}

	return DefaultMetrics
}

// RecordTurn records a completed turn's outcome and duration.
func (m *ChatMetrics) RecordTurn(agent string, success bool, seconds float64) {
	status := "success"
	if !success {
		status = "error"
	}
	m.RequestsTotal.WithLabelValues(agent, status).Inc()
	m.TurnDurationSeconds.WithLabelValues(agent, status).Observe(seconds)
}

// RecordError records a turn that ended in an `error` SSE event.
func (m *ChatMetrics) RecordError(agent, errorCode string) {
	m.ErrorsTotal.WithLabelValues(agent, errorCode).Inc()
}

// RecordTimeToFirstToken records the latency to the first streamed token.
func (m *ChatMetrics) RecordTimeToFirstToken(agent string, seconds float64) {
	m.TimeToFirstTokenSeconds.WithLabelValues(agent).Observe(seconds)
}

// StreamStarted increments the active-streams gauge.
func (m *ChatMetrics) StreamStarted(agent string) {
	m.ActiveStreams.WithLabelValues(agent).Inc()
}

// StreamEnded decrements the active-streams gauge.
func (m *ChatMetrics) StreamEnded(agent string) {
	m.ActiveStreams.WithLabelValues(agent).Dec()
}

// RecordRetrievedDocuments records how many documents a retrieval pass
// returned for the given strategy.
func (m *ChatMetrics) RecordRetrievedDocuments(strategy string, count int) {
	m.RetrievedDocumentsTotal.WithLabelValues(strategy).Add(float64(count))
}

// RecordClassification records a supervisor routing decision.
func (m *ChatMetrics) RecordClassification(agent string) {
	m.ClassificationsTotal.WithLabelValues(agent).Inc()
}
