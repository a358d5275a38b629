// Copyright (C) 2026 Sage Health contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/sagehealth/medassist/services/orchestrator/session"
	"github.com/sagehealth/medassist/services/orchestrator/stream"
)

// ChatRequest is the /chat request body (spec §3/§7): a 1-5000 character
// message, plus an optional session id to continue an existing
// conversation. user_id is a required body field: the bearer token only
// identifies the org-level caller, not the individual end user, so
// callers supply the end user id explicitly in the payload.
type ChatRequest struct {
	UserID    string `json:"user_id" validate:"required"`
	SessionID string `json:"session_id"`
	Message   string `json:"message" validate:"required,min=1,max=5000"`
}

// chatValidate is the shared validator instance, following the
// teacher's one-validator-per-request-family convention.
var chatValidate = validator.New()

// keepAliveInterval is how often an idle stream gets a ": ping" comment
// so intermediary proxies don't time out a long retrieval/reranking stage.
const keepAliveInterval = 15 * time.Second

// keepAliveSink is the narrow slice of sseWriter the keep-alive ticker needs.
type keepAliveSink interface {
	WriteKeepAlive() error
}

// startKeepAlive pings sink on interval until the returned stop func runs
// or ctx is done. Runs in its own goroutine; safe to call concurrently
// with sink's other writes since sseWriter serializes them internally.
func startKeepAlive(ctx context.Context, sink keepAliveSink, interval time.Duration) (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_ = sink.WriteKeepAlive()
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

// Coordinator is the narrow slice of orchestrator.Coordinator this
// handler depends on, kept as an interface so tests can substitute a
// fake without importing the orchestrator package (which would create
// an import cycle: orchestrator already imports handlers/routes).
//
// Resolve and Run are deliberately separate calls: spec §6/§7 require
// ownership mismatch (403) and missing/expired session (404) to surface
// pre-stream, as a plain JSON body, with no SSE stream ever opened (spec
// §8 scenario E4). Resolve performs that session load/ownership check
// and acquires the per-session lock; Run executes the turn against the
// session Resolve already validated and must only be called once the
// handler has committed to streaming a response.
type Coordinator interface {
	Resolve(ctx context.Context, userID, sessionID string) (*session.Session, func(), error)
	Run(ctx context.Context, sess *session.Session, message string, sink stream.Sink) (string, error)
}

// Chat handles POST /chat: validates the request, resolves the session
// (returning 403/404 pre-stream on ownership/lookup failure), opens an
// SSE stream, runs the turn through coordinator while relaying every
// token and stage event to the client, and writes exactly one terminal
// event (done, error, or cancelled) before returning.
func Chat(coordinator Coordinator, requestTimeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ChatRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": "invalid request body", "error_code": ErrorCodeValidation})
			return
		}
		if err := chatValidate.Struct(req); err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": err.Error(), "error_code": ErrorCodeValidation})
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
		defer cancel()

		sess, unlock, err := coordinator.Resolve(ctx, req.UserID, req.SessionID)
		if err != nil {
			writeResolveError(c, err)
			return
		}
		defer unlock()

		setSSEHeaders(c.Writer)
		writer, err := newSSEWriter(c.Writer)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
			return
		}

		stopKeepAlive := startKeepAlive(ctx, writer, keepAliveInterval)
		defer stopKeepAlive()

		_, err = coordinator.Run(ctx, sess, req.Message, writer)
		switch {
		case err == nil:
			writer.WriteDone()
		case errors.Is(err, context.Canceled):
			writer.WriteCancelled()
		case errors.Is(err, context.DeadlineExceeded):
			writer.WriteError(stream.ErrorCodeTimeout, "the request exceeded its time budget")
		default:
			writer.WriteError(classifyErrorCode(err), err.Error())
		}
	}
}
