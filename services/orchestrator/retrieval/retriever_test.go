// Copyright (C) 2026 Sage Health contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}
func (fakeEmbedder) Dimension() int { return 3 }

type fakeStore struct {
	dense    []DenseResult
	sparse   []SparseResult
	sparseOK bool
}

func (f fakeStore) SearchDense(ctx context.Context, vector []float32, k int) ([]DenseResult, error) {
	if k < len(f.dense) {
		return f.dense[:k], nil
	}
	return f.dense, nil
}
func (f fakeStore) SearchSparse(ctx context.Context, text string, k int, threshold float64) ([]SparseResult, error) {
	if !f.sparseOK {
		return nil, ErrSparseUnsupported
	}
	return f.sparse, nil
}
func (fakeStore) Upsert(ctx context.Context, chunk Chunk, embedding []float32) error { return nil }
func (fakeStore) BatchUpsert(ctx context.Context, chunks []Chunk, embeddings [][]float32) error {
	return nil
}

type fakeReranker struct {
	scores map[string]float64
}

func (f fakeReranker) Rerank(ctx context.Context, query string, passages []string) ([]float64, error) {
	out := make([]float64, len(passages))
	for i, p := range passages {
		out[i] = f.scores[p]
	}
	return out, nil
}

func TestSimpleRetrieverReturnsDenseResultsAsIs(t *testing.T) {
	store := fakeStore{dense: []DenseResult{
		{Chunk: Chunk{ID: "a", Text: "a"}, Similarity: 0.9},
		{Chunk: Chunk{ID: "b", Text: "b"}, Similarity: 0.5},
	}}
	r := NewSimpleRetriever(fakeEmbedder{}, store)

	out, err := r.Retrieve(context.Background(), []HistoryMessage{{Role: "user", Content: "hello"}}, 2)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0].ID)
	assert.Nil(t, out[0].RerankScore)
}

func TestRerankRetrieverOverfetchesAndReordersByScore(t *testing.T) {
	store := fakeStore{dense: []DenseResult{
		{Chunk: Chunk{ID: "a", Text: "a"}, Similarity: 0.9},
		{Chunk: Chunk{ID: "b", Text: "b"}, Similarity: 0.8},
		{Chunk: Chunk{ID: "c", Text: "c"}, Similarity: 0.7},
	}}
	reranker := fakeReranker{scores: map[string]float64{"a": 0.1, "b": 0.9, "c": 0.5}}
	r := NewRerankRetriever(fakeEmbedder{}, store, reranker, Config{CandidateMultiplier: 4})

	out, err := r.Retrieve(context.Background(), []HistoryMessage{{Role: "user", Content: "hi"}}, 2)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "b", out[0].ID) // highest rerank score wins
	assert.Equal(t, "c", out[1].ID)
	require.NotNil(t, out[0].RerankScore)
	assert.Equal(t, 0.9, *out[0].RerankScore)
}

func TestAdvancedRetrieverFallsBackToRawQueryWhenExpansionFails(t *testing.T) {
	store := fakeStore{dense: []DenseResult{{Chunk: Chunk{ID: "a", Text: "a"}, Similarity: 0.9}}}
	reranker := fakeReranker{scores: map[string]float64{"a": 0.5}}
	gen := &fakeGenerator{response: ""}
	r := NewAdvancedRetriever(fakeEmbedder{}, store, reranker, gen, Config{}, nil)

	out, err := r.Retrieve(context.Background(), []HistoryMessage{{Role: "user", Content: "what is it"}}, 1)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "a", out[0].ID)
}

func TestAdvancedRetrieverDegradesWhenSparseDisabled(t *testing.T) {
	store := fakeStore{
		dense:    []DenseResult{{Chunk: Chunk{ID: "a", Text: "a"}, Similarity: 0.9}},
		sparseOK: false,
	}
	reranker := fakeReranker{scores: map[string]float64{"a": 0.5}}
	gen := &fakeGenerator{response: "query one\nquery two"}
	r := NewAdvancedRetriever(fakeEmbedder{}, store, reranker, gen, Config{}, nil)

	out, err := r.Retrieve(context.Background(), []HistoryMessage{{Role: "user", Content: "q"}}, 1)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "a", out[0].ID)
}
