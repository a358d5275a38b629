// Copyright (C) 2026 Sage Health contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sagehealth/medassist/services/orchestrator/stream"
)

// Pre-stream HTTP error codes (spec §6/§7): these gate whether an SSE
// stream is opened at all, so they're reported as a plain JSON body
// rather than an `error` SSE event.
const (
	ErrorCodeValidation         = "VALIDATION_ERROR"
	ErrorCodeOwnershipViolation = "OWNERSHIP_VIOLATION"
	ErrorCodeSessionNotFound    = "SESSION_NOT_FOUND"
)

// writeResolveError maps a Coordinator.Resolve failure to the pre-stream
// JSON response spec §6/§7 requires: 403 for ownership mismatch, 404 for
// a missing or expired session. No SSE stream has been opened yet (spec
// §8 scenario E4), so this writes a plain JSON body rather than an
// `error` event. As with classifyErrorCode, the handlers package cannot
// import orchestrator's sentinel errors directly, so classification
// goes by the wrapped message text.
func writeResolveError(c *gin.Context, err error) {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "belong to this user"):
		c.JSON(http.StatusForbidden, gin.H{"detail": "session does not belong to this user", "error_code": ErrorCodeOwnershipViolation})
	case strings.Contains(msg, "not found or expired"):
		c.JSON(http.StatusNotFound, gin.H{"detail": "session not found or expired", "error_code": ErrorCodeSessionNotFound})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "internal error", "error_code": "INTERNAL_ERROR"})
	}
}

// classifyErrorCode maps a Coordinator-returned, mid-stream error to one
// of the four ErrorCode values spec §6 closes the `error` event's
// content to. By the time this runs the SSE stream is already open, so
// it only ever sees errors that survive past session resolution (see
// Resolve/Chat) — retrieval, classification, generation, and persistence
// failures. The handlers package cannot import the orchestrator
// package's sentinel errors directly (orchestrator already imports
// routes, which imports handlers), so classification goes by the
// wrapped message prefix each error carries.
func classifyErrorCode(err error) stream.ErrorCode {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "retrieval"):
		return stream.ErrorCodeRetrieval
	case strings.Contains(msg, "classification"), strings.Contains(msg, "session"):
		return stream.ErrorCodeProcessing
	default:
		return stream.ErrorCodeInternal
	}
}
