// Copyright (C) 2026 Sage Health contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package orchestrator wires the process-lifetime singletons (session
// store, retriever, supervisor, agent runners) and implements the
// per-request state machine spec §4.8 describes:
// START -> route -> (classify on first turn) -> agent -> END.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sagehealth/medassist/services/llm"
	"github.com/sagehealth/medassist/services/orchestrator/agents"
	"github.com/sagehealth/medassist/services/orchestrator/observability"
	"github.com/sagehealth/medassist/services/orchestrator/retrieval"
	"github.com/sagehealth/medassist/services/orchestrator/routes"
	"github.com/sagehealth/medassist/services/orchestrator/session"
	"github.com/sagehealth/medassist/services/orchestrator/stream"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// Sentinel errors Coordinator.Resolve returns; handlers/errors.go
// (writeResolveError) maps them by message text to 403/404 responses.
var (
	ErrSessionNotFound = errors.New("orchestrator: session not found or expired")
	ErrForbidden       = errors.New("orchestrator: session does not belong to this user")
)

// Service is the C8 Orchestrator's process lifecycle contract, matching
// the teacher's own minimal Run/Router surface.
type Service interface {
	Run() error
	Router() *gin.Engine
}

// Config holds the environment-variable-driven tunables spec §6 defines.
type Config struct {
	Port int // default 12210

	APIBearerToken string // required, fails startup if empty

	SessionTTL time.Duration // SESSION_TTL_SECONDS, default 1h

	Strategy            retrieval.Strategy
	TopKDocuments        int
	CandidateMultiplier  int
	MaxQueries           int
	EnableKeywordSearch  bool
	KeywordThreshold     float64

	EmbeddingProvider string // EMBEDDING_PROVIDER: "local" | "remote-openai-compatible" | "remote-aliyun"
	EmbeddingModel    string
	EmbeddingAPIKey   string
	EmbeddingBaseURL  string // local server URL, or the OpenAI-compatible base URL

	RerankerBaseURL string

	Postgres retrieval.PostgresConfig

	RequestTimeout time.Duration // per-request deadline, default 30s

	OTelEndpoint  string
	EnableMetrics bool
}

func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12210
	}
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = time.Hour
	}
	if cfg.Strategy == "" {
		cfg.Strategy = retrieval.StrategyAdvanced
	}
	if cfg.TopKDocuments == 0 {
		cfg.TopKDocuments = 5
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.OTelEndpoint == "" {
		cfg.OTelEndpoint = "sagehealth-otel-collector:4317"
	}
	return cfg
}

// service implements Service: it owns every process-lifetime singleton
// and the HTTP router.
type service struct {
	config      Config
	router      *gin.Engine
	store       session.Store
	sweeper     *session.Sweeper
	vectorStore *retrieval.PostgresVectorStore
	coordinator *Coordinator
}

// New validates cfg, constructs every singleton (session store, LLM
// client, embedding provider, vector store, retriever, supervisor,
// agent runners), and registers HTTP routes.
func New(ctx context.Context, cfg Config) (Service, error) {
	if cfg.APIBearerToken == "" {
		return nil, fmt.Errorf("orchestrator: API_BEARER_TOKEN must be set")
	}
	cfg = applyConfigDefaults(cfg)

	s := &service{config: cfg}

	llmClient, err := llm.NewOpenAIClient()
	if err != nil {
		return nil, fmt.Errorf("orchestrator: llm client: %w", err)
	}

	embedder, err := retrieval.NewEmbeddingProvider(cfg.EmbeddingProvider, cfg.EmbeddingBaseURL, cfg.EmbeddingAPIKey, cfg.EmbeddingBaseURL, cfg.EmbeddingModel)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: embedding provider: %w", err)
	}

	vectorStore, err := retrieval.NewPostgresVectorStore(ctx, cfg.Postgres, cfg.EnableKeywordSearch)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: vector store: %w", err)
	}
	s.vectorStore = vectorStore

	retrieverCfg := retrieval.Config{
		CandidateMultiplier: cfg.CandidateMultiplier,
		MaxQueries:          cfg.MaxQueries,
		SparseThreshold:     cfg.KeywordThreshold,
	}
	retriever := buildRetriever(cfg.Strategy, embedder, vectorStore, llmClient, retrieverCfg, cfg.RerankerBaseURL)

	supervisor := agents.NewSupervisor(llmClient)
	emotional := agents.NewEmotionalRunner(llmClient)
	rag := agents.NewRAGRunner(llmClient, retriever, cfg.Strategy, cfg.TopKDocuments)

	var metrics *observability.ChatMetrics
	if cfg.EnableMetrics {
		metrics = observability.InitMetrics()
		rag.SetMetrics(metrics)
	}

	s.store = session.NewMemoryStore(cfg.SessionTTL)
	sweeper := session.NewSweeper(s.store.(*session.MemoryStore), cfg.SessionTTL/4, slog.Default())
	sweeper.Start(ctx)
	s.sweeper = sweeper

	s.coordinator = &Coordinator{
		store:      s.store,
		supervisor: supervisor,
		emotional:  emotional,
		rag:        rag,
		metrics:    metrics,
	}

	s.router = gin.Default()
	s.router.Use(otelgin.Middleware("medassist-orchestrator"))
	routes.Setup(s.router, cfg.APIBearerToken, cfg.RequestTimeout, s.coordinator)

	return s, nil
}

func buildRetriever(strategy retrieval.Strategy, embedder retrieval.EmbeddingProvider, store retrieval.VectorStore, client llm.Client, cfg retrieval.Config, rerankerBaseURL string) retrieval.Retriever {
	switch strategy {
	case retrieval.StrategySimple:
		return retrieval.NewSimpleRetriever(embedder, store)
	case retrieval.StrategyRerank:
		reranker := retrieval.NewHTTPReranker(rerankerBaseURL)
		return retrieval.NewRerankRetriever(embedder, store, reranker, cfg)
	default:
		reranker := retrieval.NewHTTPReranker(rerankerBaseURL)
		return retrieval.NewAdvancedRetriever(embedder, store, reranker, queryGeneratorAdapter{client}, cfg, slog.Default())
	}
}

// queryGeneratorAdapter narrows llm.Client down to retrieval.QueryGenerator
// so the retrieval package never imports services/llm directly.
type queryGeneratorAdapter struct {
	client llm.Client
}

func (a queryGeneratorAdapter) Generate(ctx context.Context, prompt string) (string, error) {
	return a.client.Generate(ctx, "", prompt, llm.GenerationParams{})
}

func (s *service) Run() error {
	defer s.cleanup()
	addr := fmt.Sprintf(":%d", s.config.Port)
	slog.Info("starting orchestrator server", "port", s.config.Port)
	return s.router.Run(addr)
}

func (s *service) Router() *gin.Engine {
	return s.router
}

func (s *service) cleanup() {
	if s.sweeper != nil {
		s.sweeper.Stop()
	}
	if s.vectorStore != nil {
		s.vectorStore.Close()
	}
}

var _ Service = (*service)(nil)
