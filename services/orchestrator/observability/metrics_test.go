// Copyright (C) 2026 Sage Health contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// newTestMetrics builds a ChatMetrics against a private registry so tests
// can run in any order without tripping promauto's duplicate-registration
// panic on the default registry.
func newTestMetrics(t *testing.T) *ChatMetrics {
	t.Helper()

	reg := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: metricsNamespace, Subsystem: chatSubsystem, Name: "requests_total", Help: "x"},
		[]string{"agent", "status"},
	)
	turnDurationSeconds := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: metricsNamespace, Subsystem: chatSubsystem, Name: "turn_duration_seconds", Help: "x", Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60}},
		[]string{"agent", "status"},
	)
	ttftSeconds := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: metricsNamespace, Subsystem: chatSubsystem, Name: "time_to_first_token_seconds", Help: "x", Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 20.0}},
		[]string{"agent"},
	)
	activeStreams := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: metricsNamespace, Subsystem: chatSubsystem, Name: "active_streams", Help: "x"},
		[]string{"agent"},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: metricsNamespace, Subsystem: chatSubsystem, Name: "errors_total", Help: "x"},
		[]string{"agent", "error_code"},
	)
	retrievedDocs := prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: metricsNamespace, Subsystem: chatSubsystem, Name: "retrieved_documents_total", Help: "x"},
		[]string{"strategy"},
	)
	classifications := prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: metricsNamespace, Subsystem: chatSubsystem, Name: "classifications_total", Help: "x"},
		[]string{"agent"},
	)

	reg.MustRegister(requestsTotal, turnDurationSeconds, ttftSeconds, activeStreams, errorsTotal, retrievedDocs, classifications)

	return &ChatMetrics{
		RequestsTotal:           requestsTotal,
		TurnDurationSeconds:     turnDurationSeconds,
		TimeToFirstTokenSeconds: ttftSeconds,
		ActiveStreams:           activeStreams,
		ErrorsTotal:             errorsTotal,
		RetrievedDocumentsTotal: retrievedDocs,
		ClassificationsTotal:    classifications,
	}
}

var initMetricsTestOnce bool

func TestInitMetrics(t *testing.T) {
	if initMetricsTestOnce {
		t.Skip("InitMetrics can only be called once per test run (promauto restriction)")
	}
	initMetricsTestOnce = true

	result := InitMetrics()
	if result == nil {
		t.Fatal("InitMetrics() returned nil")
	}
	if DefaultMetrics != result {
		t.Error("DefaultMetrics should equal the returned value")
	}

	result.RecordTurn("emotional", true, 1.2)
	result.RecordError("rag", "timeout")
	result.RecordTimeToFirstToken("rag", 0.4)
	result.StreamStarted("emotional")
	result.StreamEnded("emotional")
	result.RecordRetrievedDocuments("advanced", 5)
	result.RecordClassification("rag")
}

func TestRecordTurn(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordTurn("emotional", true, 2.0)
	m.RecordTurn("rag", false, 5.0)

	assertCounter(t, m.RequestsTotal.WithLabelValues("emotional", "success"), 1)
	assertCounter(t, m.RequestsTotal.WithLabelValues("rag", "error"), 1)
}

func TestRecordError(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordError("rag", "retrieval_error")
	m.RecordError("rag", "retrieval_error")
	m.RecordError("emotional", "timeout")

	assertCounter(t, m.ErrorsTotal.WithLabelValues("rag", "retrieval_error"), 2)
	assertCounter(t, m.ErrorsTotal.WithLabelValues("emotional", "timeout"), 1)
}

func TestActiveStreamsLifecycle(t *testing.T) {
	m := newTestMetrics(t)

	m.StreamStarted("rag")
	m.StreamStarted("rag")
	assertGauge(t, m.ActiveStreams.WithLabelValues("rag"), 2)

	m.StreamEnded("rag")
	assertGauge(t, m.ActiveStreams.WithLabelValues("rag"), 1)
}

func TestRecordRetrievedDocuments(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordRetrievedDocuments("advanced", 4)
	m.RecordRetrievedDocuments("advanced", 3)
	m.RecordRetrievedDocuments("simple", 1)

	assertCounter(t, m.RetrievedDocumentsTotal.WithLabelValues("advanced"), 7)
	assertCounter(t, m.RetrievedDocumentsTotal.WithLabelValues("simple"), 1)
}

func TestRecordClassification(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordClassification("rag")
	m.RecordClassification("rag")
	m.RecordClassification("emotional")

	assertCounter(t, m.ClassificationsTotal.WithLabelValues("rag"), 2)
	assertCounter(t, m.ClassificationsTotal.WithLabelValues("emotional"), 1)
}

func TestRecordTimeToFirstTokenDoesNotPanic(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordTimeToFirstToken("emotional", 0.05)
	m.RecordTimeToFirstToken("rag", 12.0)

	if count := testutil.CollectAndCount(m.TimeToFirstTokenSeconds); count == 0 {
		t.Error("expected at least one metric to be collected")
	}
}

func TestConcurrentSafety(t *testing.T) {
	m := newTestMetrics(t)
	done := make(chan bool, 60)

	for i := 0; i < 20; i++ {
		go func() { m.RecordTurn("emotional", true, 1.0); done <- true }()
	}
	for i := 0; i < 20; i++ {
		go func() { m.RecordError("rag", "timeout"); done <- true }()
	}
	for i := 0; i < 20; i++ {
		go func() { m.StreamStarted("rag"); m.StreamEnded("rag"); done <- true }()
	}
	for i := 0; i < 60; i++ {
		<-done
	}

	assertCounter(t, m.RequestsTotal.WithLabelValues("emotional", "success"), 20)
	assertCounter(t, m.ErrorsTotal.WithLabelValues("rag", "timeout"), 20)
}

func assertCounter(t *testing.T, c prometheus.Counter, want float64) {
	t.Helper()
	if got := testutil.ToFloat64(c); got != want {
		t.Errorf("counter = %f, want %f", got, want)
	}
}

func assertGauge(t *testing.T, g prometheus.Gauge, want float64) {
	t.Helper()
	if got := testutil.ToFloat64(g); got != want {
		t.Errorf("gauge = %f, want %f", got, want)
	}
}
