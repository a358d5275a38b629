// Copyright (C) 2026 Sage Health contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package retrieval implements the retrieval pipeline: embeddings (C1),
// reranking (C2), the vector store (C3), and the three retriever
// strategies (C4) built on top of them.
package retrieval

import "context"

// Chunk is a passage-sized, pre-embedded unit of the corpus (spec §3).
// Chunks are owned by the VectorStore; the retriever only ever hands
// out read-only views.
type Chunk struct {
	ID             string
	Text           string
	SourceDocument string
	ChapterTitle   string
	SectionTitle   string
	Subsections    []string
	Summary        string
	TokenCount     int
	CreatedAt      int64 // unix ms
	UpdatedAt      int64 // unix ms
}

// ScoredChunk attaches the per-request retrieval metadata spec §3's
// RetrievalResult requires: dense similarity, and (if the strategy
// reranked) a rerank score, plus the final rank position.
type ScoredChunk struct {
	Chunk
	DenseSimilarity float64
	RerankScore     *float64 // nil unless reranked
	Rank            int      // 1-indexed position after final ordering
}

// Strategy names the three retriever strategies spec §4.5 defines.
type Strategy string

const (
	StrategySimple   Strategy = "simple"
	StrategyRerank   Strategy = "rerank"
	StrategyAdvanced Strategy = "advanced"
)

// HistoryMessage is the minimal shape the retriever needs from a
// transcript entry to format history for query expansion (spec §4.5).
type HistoryMessage struct {
	Role    string
	Content string
}

// EmbeddingProvider is the C1 contract: text (or a batch of texts) to
// dense vectors of a fixed dimension D, discovered from the first
// successful call and validated thereafter.
type EmbeddingProvider interface {
	// Embed computes embeddings for one or more texts in a single
	// logical call; implementations internally chunk large batches to
	// respect provider limits. len(out) == len(texts).
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the vector dimension established by the first
	// successful Embed call, or 0 if none has succeeded yet.
	Dimension() int
}

// Reranker is the C2 contract: cross-encoder relevance scoring over
// (query, passage) pairs. Scores are monotonic in relevance and
// deterministic for identical input.
type Reranker interface {
	Rerank(ctx context.Context, query string, passages []string) ([]float64, error)
}

// SparseResult pairs a chunk with its trigram similarity score.
type SparseResult struct {
	Chunk      Chunk
	Similarity float64
}

// DenseResult pairs a chunk with its cosine similarity score.
type DenseResult struct {
	Chunk      Chunk
	Similarity float64
}

// VectorStore is the C3 contract: dense ANN and sparse trigram search
// over chunks, plus upsert for the offline indexer.
type VectorStore interface {
	// SearchDense returns the k nearest chunks to vector by cosine
	// similarity, descending.
	SearchDense(ctx context.Context, vector []float32, k int) ([]DenseResult, error)

	// SearchSparse returns chunks whose trigram similarity to text
	// exceeds threshold, descending, capped at k. If the store has no
	// sparse index configured it returns (nil, ErrSparseUnsupported)
	// so callers can degrade to dense-only without failing.
	SearchSparse(ctx context.Context, text string, k int, threshold float64) ([]SparseResult, error)

	// Upsert inserts or updates a single chunk, idempotent on chunk id.
	Upsert(ctx context.Context, chunk Chunk, embedding []float32) error

	// BatchUpsert is the bulk form used by the offline indexer.
	BatchUpsert(ctx context.Context, chunks []Chunk, embeddings [][]float32) error
}
