// Copyright (C) 2026 Sage Health contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command orchestrator starts the conversational RAG orchestrator's HTTP
// server. Configuration is read entirely from environment variables; see
// orchestrator.Config for the full list and its defaults.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/sagehealth/medassist/pkg/logging"
	"github.com/sagehealth/medassist/services/orchestrator"
	"github.com/sagehealth/medassist/services/orchestrator/retrieval"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func initTracer(ctx context.Context, otelEndpoint string) (func(context.Context), error) {
	conn, err := grpc.NewClient(otelEndpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String("medassist-orchestrator")))
	if err != nil {
		return nil, err
	}
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(traceExporter)),
	)
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

func main() {
	logger := logging.New(logging.Config{
		Level:   logLevel(),
		LogDir:  envString("LOG_DIR", ""),
		Service: "orchestrator",
		JSON:    true,
		Quiet:   envBool("LOG_QUIET", false),
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	otelEndpoint := envString("OTEL_EXPORTER_OTLP_ENDPOINT", "sagehealth-otel-collector:4317")
	cleanup, err := initTracer(context.Background(), otelEndpoint)
	if err != nil {
		logger.Error("failed to set up OTLP tracer", "error", err)
		log.Fatalf("orchestrator: failed to set up OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

	cfg := orchestrator.Config{
		Port:                envInt("ORCHESTRATOR_PORT", 12210),
		APIBearerToken:      os.Getenv("API_BEARER_TOKEN"),
		SessionTTL:          time.Duration(envInt("SESSION_TTL_SECONDS", 3600)) * time.Second,
		Strategy:            retrieval.Strategy(envString("RETRIEVAL_STRATEGY", string(retrieval.StrategyAdvanced))),
		TopKDocuments:       envInt("TOP_K_DOCUMENTS", 5),
		CandidateMultiplier: envInt("CANDIDATE_MULTIPLIER", 4),
		MaxQueries:          envInt("MAX_QUERIES", 10),
		EnableKeywordSearch: envBool("ENABLE_KEYWORD_SEARCH", false),
		KeywordThreshold:    envFloat("KEYWORD_SIMILARITY_THRESHOLD", 0.1),

		EmbeddingProvider: envString("EMBEDDING_PROVIDER", "local"),
		EmbeddingModel:    envString("EMBEDDING_MODEL", "google/embeddinggemma-300m"),
		EmbeddingAPIKey:   os.Getenv("EMBEDDING_API_KEY"),
		EmbeddingBaseURL:  envString("EMBEDDING_BASE_URL", "http://localhost:8081"),

		RerankerBaseURL: envString("RERANKER_BASE_URL", "http://localhost:8082"),

		Postgres: retrieval.PostgresConfig{
			Host:         envString("POSTGRES_HOST", "localhost"),
			Port:         envInt("POSTGRES_PORT", 5432),
			User:         envString("POSTGRES_USER", "medassist"),
			Password:     os.Getenv("POSTGRES_PASSWORD"),
			Database:     envString("POSTGRES_DB", "medassist"),
			SSLMode:      envString("POSTGRES_SSLMODE", "disable"),
			MinConns:     int32(envInt("POSTGRES_MIN_CONNS", 2)),
			MaxConns:     int32(envInt("POSTGRES_MAX_CONNS", 10)),
			QueryTimeout: time.Duration(envInt("POSTGRES_QUERY_TIMEOUT_SECONDS", 5)) * time.Second,
		},

		RequestTimeout: time.Duration(envInt("REQUEST_TIMEOUT_SECONDS", 30)) * time.Second,
		OTelEndpoint:   otelEndpoint,
		EnableMetrics:  envBool("ENABLE_METRICS", true),
	}

	ctx := context.Background()
	svc, err := orchestrator.New(ctx, cfg)
	if err != nil {
		logger.Error("failed to initialize orchestrator", "error", err)
		log.Fatalf("orchestrator: failed to initialize: %v", err)
	}

	logger.Info("starting medassist orchestrator", "port", cfg.Port, "strategy", cfg.Strategy)
	if err := svc.Run(); err != nil {
		logger.Error("server exited", "error", err)
		log.Fatalf("orchestrator: server exited: %v", err)
	}
}

func logLevel() logging.Level {
	switch envString("LOG_LEVEL", "info") {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("invalid integer env var, using default", "key", key, "value", v, "default", fallback)
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("invalid float env var, using default", "key", key, "value", v, "default", fallback)
		return fallback
	}
	return f
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("invalid bool env var, using default", "key", key, "value", v, "default", fallback)
		return fallback
	}
	return b
}
