// Copyright (C) 2026 Sage Health contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package routes registers the StreamingAPI's HTTP endpoints: /health,
// /metrics and /chat.
package routes

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sagehealth/medassist/services/orchestrator/handlers"
	"github.com/sagehealth/medassist/services/orchestrator/middleware"
)

// Setup registers /health and /metrics (unauthenticated) and /chat
// (bearer-protected, spec §7) on router.
func Setup(router *gin.Engine, bearerToken string, requestTimeout time.Duration, coordinator handlers.Coordinator) {
	router.GET("/health", handlers.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	protected := router.Group("/")
	protected.Use(middleware.Bearer(bearerToken))
	protected.POST("/chat", handlers.Chat(coordinator, requestTimeout))
}
