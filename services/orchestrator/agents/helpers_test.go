// Copyright (C) 2026 Sage Health contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package agents

import (
	"context"
	"errors"

	"github.com/sagehealth/medassist/services/llm"
	"github.com/sagehealth/medassist/services/orchestrator/retrieval"
)

// fakeLLM is a hand-written double implementing llm.Client; Generate and
// ChatStream responses are scripted per-call in order, matching the
// pack's convention of narrow fakes over a mocking framework.
type fakeLLM struct {
	generateResponses []string
	generateErr       error
	generateCalls     []string

	streamTokens []string
	streamErr    error
}

func (f *fakeLLM) Generate(ctx context.Context, systemPrompt, prompt string, params llm.GenerationParams) (string, error) {
	f.generateCalls = append(f.generateCalls, prompt)
	if f.generateErr != nil {
		return "", f.generateErr
	}
	if len(f.generateResponses) == 0 {
		return "", errors.New("fakeLLM: no scripted response")
	}
	resp := f.generateResponses[0]
	f.generateResponses = f.generateResponses[1:]
	return resp, nil
}

func (f *fakeLLM) Chat(ctx context.Context, messages []llm.Message, params llm.GenerationParams) (string, error) {
	return "", errors.New("fakeLLM: Chat not used in these tests")
}

func (f *fakeLLM) ChatStream(ctx context.Context, messages []llm.Message, params llm.GenerationParams, callback llm.StreamCallback) error {
	if f.streamErr != nil {
		return f.streamErr
	}
	for _, tok := range f.streamTokens {
		if err := callback(llm.StreamEvent{Type: llm.StreamEventToken, Token: tok}); err != nil {
			return err
		}
	}
	return nil
}

// fakeRetriever implements retrieval.Retriever with a scripted result.
type fakeRetriever struct {
	chunks []retrieval.ScoredChunk
	err    error
}

func (f *fakeRetriever) Retrieve(ctx context.Context, history []retrieval.HistoryMessage, topK int) ([]retrieval.ScoredChunk, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.chunks, nil
}

// recordingSink implements stream.Sink, recording every call for
// assertions.
type recordingSink struct {
	retrievalStarted   int
	retrievalCompleted []int
	rerankingStarted   int
	rerankingCompleted []int
	tokens             []string
	err                error
}

func (s *recordingSink) RetrievalStarted() error {
	s.retrievalStarted++
	return s.err
}

func (s *recordingSink) RetrievalCompleted(docCount int) error {
	s.retrievalCompleted = append(s.retrievalCompleted, docCount)
	return s.err
}

func (s *recordingSink) RerankingStarted() error {
	s.rerankingStarted++
	return s.err
}

func (s *recordingSink) RerankingCompleted(selected int) error {
	s.rerankingCompleted = append(s.rerankingCompleted, selected)
	return s.err
}

func (s *recordingSink) Token(content string) error {
	s.tokens = append(s.tokens, content)
	return s.err
}
