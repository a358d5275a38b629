// Copyright (C) 2026 Sage Health contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers implements the StreamingAPI (C10): the /chat SSE
// endpoint and the /health liveness endpoint.
package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/sagehealth/medassist/services/orchestrator/stream"
)

// sseWriter adapts an http.ResponseWriter to stream.Sink, writing each
// event as the wire format spec §6 defines: "data: <json>\n\n".
//
// Unlike the teacher's SSEWriter, events carry no Id/Hash/PrevHash chain
// (see SPEC_FULL.md §12: hash-chain integrity dropped as out of scope).
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

// newSSEWriter wraps w. Returns an error if w does not support flushing,
// matching the teacher's own http.Flusher requirement.
func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("handlers: response writer does not support flushing")
	}
	return &sseWriter{w: w, flusher: flusher}, nil
}

func (s *sseWriter) write(ev stream.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("handlers: marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("handlers: write event: %w", err)
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) RetrievalStarted() error           { return s.write(stream.RetrievalStarted()) }
func (s *sseWriter) RetrievalCompleted(n int) error     { return s.write(stream.RetrievalCompleted(n)) }
func (s *sseWriter) RerankingStarted() error            { return s.write(stream.RerankingStarted()) }
func (s *sseWriter) RerankingCompleted(n int) error     { return s.write(stream.RerankingCompleted(n)) }
func (s *sseWriter) Token(content string) error         { return s.write(stream.Token(content)) }
func (s *sseWriter) WriteDone() error                   { return s.write(stream.Done()) }
func (s *sseWriter) WriteError(code stream.ErrorCode, message string) error {
	return s.write(stream.Error(code, message))
}
func (s *sseWriter) WriteCancelled() error { return s.write(stream.Cancelled()) }

// WriteKeepAlive sends an SSE comment line to hold the connection open
// across long retrieval/reranking stages, per the teacher's own
// keep-alive convention.
func (s *sseWriter) WriteKeepAlive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprint(s.w, ": ping\n\n"); err != nil {
		return fmt.Errorf("handlers: write keepalive: %w", err)
	}
	s.flusher.Flush()
	return nil
}

// setSSEHeaders configures the response headers SSE clients and
// intermediate proxies require, matching the teacher's SetSSEHeaders.
func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

var _ stream.Sink = (*sseWriter)(nil)
