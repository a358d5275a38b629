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
	"testing"

	"github.com/sagehealth/medassist/services/orchestrator/retrieval"
	"github.com/sagehealth/medassist/services/orchestrator/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRAGRunnerRespondNodeSkipsRetrieval(t *testing.T) {
	fake := &fakeLLM{
		generateResponses: []string{"respond"},
		streamTokens:      []string{"sure, ", "here's more detail."},
	}
	retriever := &fakeRetriever{}
	runner := NewRAGRunner(fake, retriever, retrieval.StrategySimple, 5)
	sink := &recordingSink{}

	history := []session.Message{
		{Role: session.RoleUser, Content: "what is hypertension?"},
		{Role: session.RoleAssistant, Content: "high blood pressure..."},
		{Role: session.RoleUser, Content: "can you say more?"},
	}
	content, metadata, err := runner.Run(context.Background(), history, sink)

	require.NoError(t, err)
	assert.Nil(t, metadata)
	assert.Contains(t, content, Disclaimer)
	assert.Zero(t, sink.retrievalStarted)
}

func TestRAGRunnerRetrieveNodeEmitsStageEventsAndSources(t *testing.T) {
	fake := &fakeLLM{
		generateResponses: []string{"retrieve"},
		streamTokens:      []string{"hypertension is ", "elevated blood pressure [1]."},
	}
	retriever := &fakeRetriever{chunks: []retrieval.ScoredChunk{
		{Chunk: retrieval.Chunk{ID: "c1", Text: "...", SourceDocument: "doc-a", ChapterTitle: "Cardiology"}, DenseSimilarity: 0.9, Rank: 1},
	}}
	runner := NewRAGRunner(fake, retriever, retrieval.StrategyRerank, 5)
	sink := &recordingSink{}

	history := []session.Message{{Role: session.RoleUser, Content: "what is hypertension?"}}
	content, metadata, err := runner.Run(context.Background(), history, sink)

	require.NoError(t, err)
	assert.Equal(t, 1, sink.retrievalStarted)
	assert.Equal(t, []int{1}, sink.retrievalCompleted)
	assert.Equal(t, 1, sink.rerankingStarted)
	assert.Equal(t, []int{1}, sink.rerankingCompleted)
	assert.Contains(t, content, Disclaimer)

	sources, ok := metadata["sources"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, sources, 1)
	assert.Equal(t, "doc-a", sources[0]["source_document"])
}

func TestRAGRunnerSimpleStrategySkipsRerankEvents(t *testing.T) {
	fake := &fakeLLM{
		generateResponses: []string{"retrieve"},
		streamTokens:      []string{"answer"},
	}
	retriever := &fakeRetriever{chunks: []retrieval.ScoredChunk{
		{Chunk: retrieval.Chunk{ID: "c1", Text: "..."}, DenseSimilarity: 0.5, Rank: 1},
	}}
	runner := NewRAGRunner(fake, retriever, retrieval.StrategySimple, 5)
	sink := &recordingSink{}

	_, _, err := runner.Run(context.Background(), []session.Message{{Role: session.RoleUser, Content: "q"}}, sink)

	require.NoError(t, err)
	assert.Zero(t, sink.rerankingStarted)
}

func TestRAGRunnerClassifyFailureFailsOpenToRetrieve(t *testing.T) {
	fake := &fakeLLM{
		generateErr:  errors.New("classifier unavailable"),
		streamTokens: []string{"answer"},
	}
	retriever := &fakeRetriever{}
	runner := NewRAGRunner(fake, retriever, retrieval.StrategySimple, 5)
	sink := &recordingSink{}

	_, _, err := runner.Run(context.Background(), []session.Message{{Role: session.RoleUser, Content: "q"}}, sink)

	require.NoError(t, err)
	assert.Equal(t, 1, sink.retrievalStarted)
}

func TestRAGRunnerRetrieveErrorPropagates(t *testing.T) {
	fake := &fakeLLM{generateResponses: []string{"retrieve"}}
	retriever := &fakeRetriever{err: errors.New("store unavailable")}
	runner := NewRAGRunner(fake, retriever, retrieval.StrategySimple, 5)
	sink := &recordingSink{}

	_, _, err := runner.Run(context.Background(), []session.Message{{Role: session.RoleUser, Content: "q"}}, sink)
	require.Error(t, err)
}
