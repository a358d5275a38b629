// Copyright (C) 2026 Sage Health contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// ErrSparseUnsupported is returned by VectorStore.SearchSparse when the
// store has no sparse index configured; hybrid retrieval must degrade
// to dense-only rather than fail the request (spec §4.4).
var ErrSparseUnsupported = errors.New("retrieval: sparse search unsupported")

// ErrDimensionMismatch is a non-transient, fatal EmbeddingProvider
// error: a later encode produced a vector whose length disagrees with
// the dimension established by the provider's first successful call
// (spec §4.2).
var ErrDimensionMismatch = errors.New("retrieval: embedding dimension mismatch")

// embedProviderKind enumerates EMBEDDING_PROVIDER (spec §6).
type embedProviderKind string

const (
	EmbedProviderLocal           embedProviderKind = "local"
	EmbedProviderOpenAICompatible embedProviderKind = "remote-openai-compatible"
	EmbedProviderAliyun          embedProviderKind = "remote-aliyun"
)

// batchLimit bounds how many texts a single provider call may carry;
// larger batches are internally chunked (spec §4.2).
const batchLimit = 10

// maxEmbedRetries and embedRetryBaseDelay implement the bounded
// exponential-backoff retry for transient failures (timeouts, 5xx)
// that spec §4.2/§7 require, in the same doubling-delay style as the
// teacher's hand-rolled retrieval retry loop.
const (
	maxEmbedRetries    = 3
	embedRetryBaseDelay = 1 * time.Second
)

// OpenAIEmbeddingProvider implements EmbeddingProvider against any
// OpenAI-compatible embeddings endpoint: OpenAI itself
// (remote-openai-compatible) or an Aliyun DashScope compatible-mode
// endpoint (remote-aliyun), selected purely by base URL/model at
// construction. L2-normalises every output vector by default.
type OpenAIEmbeddingProvider struct {
	client *openai.Client
	model  string

	mu  sync.Mutex
	dim int
}

// NewOpenAIEmbeddingProvider constructs a provider against baseURL
// (empty for api.openai.com) using the given API key and model.
func NewOpenAIEmbeddingProvider(apiKey, baseURL, model string) *OpenAIEmbeddingProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIEmbeddingProvider{client: openai.NewClientWithConfig(cfg), model: model}
}

func (p *OpenAIEmbeddingProvider) Dimension() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dim
}

func (p *OpenAIEmbeddingProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += batchLimit {
		end := start + batchLimit
		if end > len(texts) {
			end = len(texts)
		}
		vectors, err := p.embedBatchWithRetry(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vectors...)
	}
	return out, nil
}

func (p *OpenAIEmbeddingProvider) embedBatchWithRetry(ctx context.Context, batch []string) ([][]float32, error) {
	delay := embedRetryBaseDelay
	var lastErr error
	for attempt := 0; attempt <= maxEmbedRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		vectors, err := p.embedBatch(ctx, batch)
		if err == nil {
			return vectors, nil
		}
		lastErr = err
		if !isRetryableEmbedError(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("retrieval: embedding failed after %d attempts: %w", maxEmbedRetries+1, lastErr)
}

func (p *OpenAIEmbeddingProvider) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input: batch,
		Model: openai.EmbeddingModel(p.model),
	})
	if err != nil {
		return nil, err
	}

	out := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		vec := normalize(d.Embedding)
		if err := p.checkDimension(len(vec)); err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (p *OpenAIEmbeddingProvider) checkDimension(n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dim == 0 {
		p.dim = n
		return nil
	}
	if p.dim != n {
		return fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, p.dim, n)
	}
	return nil
}

// isRetryableEmbedError reports whether err looks like a transient
// upstream fault (network timeout, 5xx) rather than a fatal one
// (auth, model-not-found, malformed request).
func isRetryableEmbedError(err error) bool {
	if errors.Is(err, ErrDimensionMismatch) {
		return false
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode >= 500
	}
	// Anything that isn't a structured API error (timeouts, connection
	// resets) is treated as transient.
	return true
}

// normalize L2-normalises a vector in place semantics (returns a new
// slice), the default spec §4.2 requires of every provider.
func normalize(v []float32) []float32 {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	norm := math.Sqrt(sumSq)
	if norm == 0 {
		return append([]float32(nil), v...)
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

// LocalEmbeddingProvider speaks a minimal local-inference-server wire
// format (POST {"texts":[...]} -> {"vectors":[[...]]}), the shape the
// teacher's own local-embedding calls (Ollama-style) use: a bare JSON
// HTTP round-trip with no SDK, since no pack library wraps an arbitrary
// self-hosted embedding server more concretely than that.
type LocalEmbeddingProvider struct {
	baseURL string
	client  *http.Client

	mu  sync.Mutex
	dim int
}

// NewLocalEmbeddingProvider constructs a provider against a local
// embedding server at baseURL (e.g. http://localhost:8081).
func NewLocalEmbeddingProvider(baseURL string) *LocalEmbeddingProvider {
	return &LocalEmbeddingProvider{baseURL: baseURL, client: &http.Client{Timeout: 30 * time.Second}}
}

func (p *LocalEmbeddingProvider) Dimension() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dim
}

type localEmbedRequest struct {
	Texts []string `json:"texts"`
}

type localEmbedResponse struct {
	Vectors [][]float32 `json:"vectors"`
}

func (p *LocalEmbeddingProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += batchLimit {
		end := start + batchLimit
		if end > len(texts) {
			end = len(texts)
		}
		vectors, err := p.embedBatchWithRetry(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vectors...)
	}
	return out, nil
}

func (p *LocalEmbeddingProvider) embedBatchWithRetry(ctx context.Context, batch []string) ([][]float32, error) {
	delay := embedRetryBaseDelay
	var lastErr error
	for attempt := 0; attempt <= maxEmbedRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		vectors, retryable, err := p.embedBatch(ctx, batch)
		if err == nil {
			return vectors, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
	}
	return nil, fmt.Errorf("retrieval: local embedding failed after %d attempts: %w", maxEmbedRetries+1, lastErr)
}

func (p *LocalEmbeddingProvider) embedBatch(ctx context.Context, batch []string) ([][]float32, bool, error) {
	body, err := json.Marshal(localEmbedRequest{Texts: batch})
	if err != nil {
		return nil, false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, true, err // network error: transient
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		io.Copy(io.Discard, resp.Body)
		return nil, true, fmt.Errorf("retrieval: local embedding server returned %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return nil, false, fmt.Errorf("retrieval: local embedding request failed (%d): %s", resp.StatusCode, string(data))
	}

	var decoded localEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, false, err
	}

	out := make([][]float32, len(decoded.Vectors))
	for i, v := range decoded.Vectors {
		vec := normalize(v)
		if err := p.checkDimension(len(vec)); err != nil {
			return nil, false, err
		}
		out[i] = vec
	}
	return out, false, nil
}

func (p *LocalEmbeddingProvider) checkDimension(n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dim == 0 {
		p.dim = n
		return nil
	}
	if p.dim != n {
		return fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, p.dim, n)
	}
	return nil
}

// NewEmbeddingProvider builds the configured EmbeddingProvider from
// EMBEDDING_PROVIDER and its companion env vars (spec §6).
func NewEmbeddingProvider(kind string, localBaseURL, apiKey, baseURL, model string) (EmbeddingProvider, error) {
	switch embedProviderKind(kind) {
	case EmbedProviderLocal, "":
		return NewLocalEmbeddingProvider(localBaseURL), nil
	case EmbedProviderOpenAICompatible:
		return NewOpenAIEmbeddingProvider(apiKey, baseURL, model), nil
	case EmbedProviderAliyun:
		// Aliyun DashScope's OpenAI-compatible mode speaks the same
		// wire format; only the base URL and model differ.
		return NewOpenAIEmbeddingProvider(apiKey, baseURL, model), nil
	default:
		return nil, fmt.Errorf("retrieval: unknown EMBEDDING_PROVIDER %q", kind)
	}
}
