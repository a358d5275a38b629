// Copyright (C) 2026 Sage Health contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Retriever is the C4 contract shared by all three strategies: it
// takes either the raw latest user message or an ordered history and
// returns chunks ranked by final relevance.
type Retriever interface {
	Retrieve(ctx context.Context, history []HistoryMessage, topK int) ([]ScoredChunk, error)
}

// Config holds the retriever tunables set from environment variables:
// CANDIDATE_MULTIPLIER, MAX_QUERIES, KEYWORD_SIMILARITY_THRESHOLD, plus
// the history window used by strategy A. The top-k count is not part of
// Config; it is passed to each Retrieve call.
type Config struct {
	CandidateMultiplier int // default 4
	MaxQueries          int // default 10
	HistoryWindow       int // default 5
	SparseThreshold     float64
}

func (c Config) withDefaults() Config {
	if c.CandidateMultiplier <= 0 {
		c.CandidateMultiplier = 4
	}
	if c.MaxQueries <= 0 {
		c.MaxQueries = 10
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = 5
	}
	if c.SparseThreshold <= 0 {
		c.SparseThreshold = 0.1
	}
	return c
}

// simpleRetriever is Strategy S (spec §4.5): last message only,
// encode -> search_dense -> return as-is.
type simpleRetriever struct {
	embed EmbeddingProvider
	store VectorStore
}

// NewSimpleRetriever constructs Strategy S.
func NewSimpleRetriever(embed EmbeddingProvider, store VectorStore) Retriever {
	return &simpleRetriever{embed: embed, store: store}
}

func (r *simpleRetriever) Retrieve(ctx context.Context, history []HistoryMessage, topK int) ([]ScoredChunk, error) {
	query := lastMessage(history)
	vectors, err := r.embed.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("retrieval: encode query: %w", err)
	}

	dense, err := r.store.SearchDense(ctx, vectors[0], topK)
	if err != nil {
		return nil, fmt.Errorf("retrieval: dense search: %w", err)
	}
	return denseToScored(dense), nil
}

// rerankRetriever is Strategy R (spec §4.5): last message only,
// over-fetch candidate_multiplier*top_k, rerank, truncate to top_k.
type rerankRetriever struct {
	embed    EmbeddingProvider
	store    VectorStore
	reranker Reranker
	cfg      Config
}

// NewRerankRetriever constructs Strategy R.
func NewRerankRetriever(embed EmbeddingProvider, store VectorStore, reranker Reranker, cfg Config) Retriever {
	return &rerankRetriever{embed: embed, store: store, reranker: reranker, cfg: cfg.withDefaults()}
}

func (r *rerankRetriever) Retrieve(ctx context.Context, history []HistoryMessage, topK int) ([]ScoredChunk, error) {
	query := lastMessage(history)
	vectors, err := r.embed.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("retrieval: encode query: %w", err)
	}

	candidateK := topK * r.cfg.CandidateMultiplier
	dense, err := r.store.SearchDense(ctx, vectors[0], candidateK)
	if err != nil {
		return nil, fmt.Errorf("retrieval: dense search: %w", err)
	}
	if len(dense) == 0 {
		return nil, nil
	}

	passages := make([]string, len(dense))
	for i, d := range dense {
		passages[i] = d.Chunk.Text
	}
	scores, err := r.reranker.Rerank(ctx, query, passages)
	if err != nil {
		return nil, fmt.Errorf("retrieval: rerank: %w", err)
	}

	scored := make([]ScoredChunk, len(dense))
	for i, d := range dense {
		rs := scores[i]
		scored[i] = ScoredChunk{Chunk: d.Chunk, DenseSimilarity: d.Similarity, RerankScore: &rs}
	}
	sortByRerankScoreDescending(scored)

	if len(scored) > topK {
		scored = scored[:topK]
	}
	for i := range scored {
		scored[i].Rank = i + 1
	}
	return scored, nil
}

// advancedRetriever is Strategy A (spec §4.5): multi-query expansion
// over a history window, parallel dense+sparse search per query
// variation, reciprocal-rank-fusion, then rerank and truncate.
type advancedRetriever struct {
	embed     EmbeddingProvider
	store     VectorStore
	reranker  Reranker
	generator QueryGenerator
	cfg       Config
	logger    *slog.Logger
}

// NewAdvancedRetriever constructs Strategy A.
func NewAdvancedRetriever(embed EmbeddingProvider, store VectorStore, reranker Reranker, generator QueryGenerator, cfg Config, logger *slog.Logger) Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &advancedRetriever{
		embed: embed, store: store, reranker: reranker, generator: generator,
		cfg: cfg.withDefaults(), logger: logger,
	}
}

func (r *advancedRetriever) Retrieve(ctx context.Context, history []HistoryMessage, topK int) ([]ScoredChunk, error) {
	fallback := lastMessage(history)

	queries, err := expandQueries(ctx, r.generator, history, r.cfg.HistoryWindow, r.cfg.MaxQueries, fallback)
	if err != nil {
		// Expansion failures are not fatal to the request: fall back
		// to the raw user query per spec §4.5's edge case.
		r.logger.Warn("query expansion failed, falling back to raw query", "error", err)
		queries = []string{fallback}
	}
	r.logger.Info("advanced retrieval query expansion", "count", len(queries))

	candidateK := topK * r.cfg.CandidateMultiplier
	lists, err := r.searchAllVariations(ctx, queries, candidateK)
	if err != nil {
		return nil, err
	}

	fused := reciprocalRankFusion(lists)
	if len(fused) > candidateK {
		fused = fused[:candidateK]
	}
	if len(fused) == 0 {
		return nil, nil
	}

	passages := make([]string, len(fused))
	for i, c := range fused {
		passages[i] = c.Chunk.Text
	}
	scores, err := r.reranker.Rerank(ctx, fallback, passages)
	if err != nil {
		return nil, fmt.Errorf("retrieval: rerank: %w", err)
	}
	for i := range fused {
		rs := scores[i]
		fused[i].RerankScore = &rs
	}
	sortByRerankScoreDescending(fused)

	if len(fused) > topK {
		fused = fused[:topK]
	}
	for i := range fused {
		fused[i].Rank = i + 1
	}
	return fused, nil
}

// searchAllVariations runs one dense and one sparse search per query
// variation in parallel (spec §4.5: "two searches run in parallel"),
// bounded by errgroup so a single variation's failure does not abort
// the others — partial results still feed the fusion per spec's
// per-variation-budget edge case.
func (r *advancedRetriever) searchAllVariations(ctx context.Context, queries []string, candidateK int) ([]resultList, error) {
	lists := make([]resultList, 0, len(queries)*2)
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, q := range queries {
		q := q
		g.Go(func() error {
			list, err := r.denseSearch(gctx, q, candidateK)
			if err != nil {
				r.logger.Warn("dense search failed for query variation", "query", q, "error", err)
				return nil // non-fatal: skip this variation's dense contribution
			}
			mu.Lock()
			lists = append(lists, list)
			mu.Unlock()
			return nil
		})
		g.Go(func() error {
			list, err := r.sparseSearch(gctx, q, candidateK)
			switch {
			case err == nil:
				mu.Lock()
				lists = append(lists, list)
				mu.Unlock()
			case isSparseUnsupported(err):
				// expected degradation, not logged as a failure
			default:
				r.logger.Warn("sparse search failed for query variation", "query", q, "error", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return lists, nil
}

func (r *advancedRetriever) denseSearch(ctx context.Context, query string, k int) (resultList, error) {
	vectors, err := r.embed.Embed(ctx, []string{query})
	if err != nil {
		return resultList{}, err
	}
	dense, err := r.store.SearchDense(ctx, vectors[0], k)
	if err != nil {
		return resultList{}, err
	}

	list := resultList{denseSimilarity: make(map[string]float64, len(dense))}
	for _, d := range dense {
		list.chunks = append(list.chunks, d.Chunk)
		list.denseSimilarity[d.Chunk.ID] = d.Similarity
	}
	return list, nil
}

func (r *advancedRetriever) sparseSearch(ctx context.Context, query string, k int) (resultList, error) {
	sparse, err := r.store.SearchSparse(ctx, query, k, r.cfg.SparseThreshold)
	if err != nil {
		return resultList{}, err
	}
	list := resultList{}
	for _, s := range sparse {
		list.chunks = append(list.chunks, s.Chunk)
	}
	return list, nil
}

func isSparseUnsupported(err error) bool {
	return err == ErrSparseUnsupported
}

func lastMessage(history []HistoryMessage) string {
	if len(history) == 0 {
		return ""
	}
	return history[len(history)-1].Content
}

func denseToScored(dense []DenseResult) []ScoredChunk {
	out := make([]ScoredChunk, len(dense))
	for i, d := range dense {
		out[i] = ScoredChunk{Chunk: d.Chunk, DenseSimilarity: d.Similarity, Rank: i + 1}
	}
	return out
}

func sortByRerankScoreDescending(chunks []ScoredChunk) {
	// Insertion sort is adequate here: candidate lists are bounded by
	// candidate_multiplier * top_k, typically a few dozen entries.
	for i := 1; i < len(chunks); i++ {
		for j := i; j > 0 && score(chunks[j]) > score(chunks[j-1]); j-- {
			chunks[j], chunks[j-1] = chunks[j-1], chunks[j]
		}
	}
}

func score(c ScoredChunk) float64 {
	if c.RerankScore != nil {
		return *c.RerankScore
	}
	return c.DenseSimilarity
}
