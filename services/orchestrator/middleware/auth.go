// Copyright (C) 2026 Sage Health contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package middleware provides the bearer-token auth gate spec §3/§7
// requires in front of the StreamingAPI.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Bearer returns middleware that rejects any request whose Authorization
// header does not present exactly the configured token. Comparison uses
// crypto/subtle.ConstantTimeCompare (spec §3/§8 property 10: timing-safe
// comparison) — no pack library wraps this better than the one-line
// stdlib call, so this is the one deliberate stdlib-only exception.
func Bearer(token string) gin.HandlerFunc {
	want := []byte(token)
	return func(c *gin.Context) {
		presented := extractBearerToken(c)
		if presented == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "missing bearer token", "error_code": "MISSING_TOKEN"})
			return
		}
		got := []byte(presented)
		if len(got) != len(want) || subtle.ConstantTimeCompare(got, want) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "invalid bearer token", "error_code": "INVALID_TOKEN"})
			return
		}
		c.Next()
	}
}

// extractBearerToken parses "Authorization: Bearer <token>", matching
// RFC 7235's case-insensitive scheme name. Returns "" if missing or
// malformed.
func extractBearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
