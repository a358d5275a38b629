// Copyright (C) 2026 Sage Health contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/sagehealth/medassist/services/llm"
	"github.com/sagehealth/medassist/services/orchestrator/observability"
	"github.com/sagehealth/medassist/services/orchestrator/retrieval"
	"github.com/sagehealth/medassist/services/orchestrator/session"
	"github.com/sagehealth/medassist/services/orchestrator/stream"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var ragTracer = otel.Tracer("github.com/sagehealth/medassist/services/orchestrator/agents")

const ragClassifyTemperature = float32(0.0)

const ragClassifySystemPrompt = `You decide whether answering the user's latest message requires
looking up reference material. Respond with only the single word "retrieve" or "respond".

- "retrieve": the message asks a factual, clinical, or reference question that medical source
  material could answer.
- "respond": the message is a follow-up, clarification, greeting, or anything answerable from the
  conversation so far without looking anything up.`

const ragRespondSystemPrompt = `You are a careful, evidence-minded medical information assistant.
Answer using the conversation so far. Be precise and concise.`

const ragAnswerSystemPrompt = `You are a careful, evidence-minded medical information assistant.
Answer the user's question using ONLY the numbered sources below. Cite sources inline as [1], [2],
etc. If the sources do not contain the answer, say so plainly instead of guessing.`

// RAGRunner is the RAG agent (spec §4.7): a classify-node choosing
// between "retrieve" and "respond" from the latest message alone (spec
// §4.6/§13's resolved Open Question), a respond-node for conversational
// turns, and a retrieve-node that calls the configured Retriever and
// grounds the answer in a numbered source context block.
type RAGRunner struct {
	client      llm.Client
	retriever   retrieval.Retriever
	strategy    retrieval.Strategy
	topK        int
	queryWindow int

	metrics *observability.ChatMetrics
}

func NewRAGRunner(client llm.Client, retriever retrieval.Retriever, strategy retrieval.Strategy, topK int) *RAGRunner {
	return &RAGRunner{client: client, retriever: retriever, strategy: strategy, topK: topK, queryWindow: 5}
}

// SetMetrics attaches the process-wide metrics instance. Optional: a nil
// or never-called metrics field simply skips recording.
func (r *RAGRunner) SetMetrics(m *observability.ChatMetrics) {
	r.metrics = m
}

func (r *RAGRunner) Run(ctx context.Context, history []session.Message, sink stream.Sink) (string, map[string]any, error) {
	latest := lastUserContent(history)

	route, err := r.classify(ctx, latest)
	if err != nil {
		route = "retrieve" // fail open to retrieval: safer than silently skipping sources.
	}

	if route == "respond" {
		return r.respond(ctx, history, sink)
	}
	return r.retrieveAndAnswer(ctx, history, latest, sink)
}

func (r *RAGRunner) classify(ctx context.Context, latest string) (string, error) {
	temp := ragClassifyTemperature
	raw, err := r.client.Generate(ctx, ragClassifySystemPrompt, latest, llm.GenerationParams{Temperature: &temp})
	if err != nil {
		return "", err
	}
	label := strings.ToLower(strings.TrimSpace(raw))
	if label != "retrieve" && label != "respond" {
		return "", fmt.Errorf("agents: rag classifier returned invalid label %q", raw)
	}
	return label, nil
}

func (r *RAGRunner) respond(ctx context.Context, history []session.Message, sink stream.Sink) (string, map[string]any, error) {
	messages := toLLMMessages(ragRespondSystemPrompt, history)
	temp := generationTemperature

	var content string
	err := r.client.ChatStream(ctx, messages, llm.GenerationParams{Temperature: &temp}, func(ev llm.StreamEvent) error {
		if ev.Type == llm.StreamEventError {
			return ev.Err
		}
		content += ev.Token
		return sink.Token(ev.Token)
	})
	if err != nil {
		return "", nil, fmt.Errorf("agents: rag respond-node generation: %w", err)
	}

	content += Disclaimer
	if err := sink.Token(Disclaimer); err != nil {
		return "", nil, err
	}
	return content, nil, nil
}

func (r *RAGRunner) retrieveAndAnswer(ctx context.Context, history []session.Message, _ string, sink stream.Sink) (string, map[string]any, error) {
	if err := sink.RetrievalStarted(); err != nil {
		return "", nil, err
	}

	retrieveCtx, retrieveSpan := ragTracer.Start(ctx, "agents.rag.retrieve")
	retrieveSpan.SetAttributes(attribute.String("retrieval_strategy", string(r.strategy)))
	retrievalHistory := toHistoryMessages(history, r.queryWindow)
	chunks, err := r.retriever.Retrieve(retrieveCtx, retrievalHistory, r.topK)
	retrieveSpan.SetAttributes(attribute.Int("chunk_count", len(chunks)))
	retrieveSpan.End()
	if err != nil {
		return "", nil, fmt.Errorf("agents: retrieval: %w", err)
	}
	if err := sink.RetrievalCompleted(len(chunks)); err != nil {
		return "", nil, err
	}
	if r.metrics != nil {
		r.metrics.RecordRetrievedDocuments(string(r.strategy), len(chunks))
	}

	if r.strategy != retrieval.StrategySimple && len(chunks) > 0 {
		if err := sink.RerankingStarted(); err != nil {
			return "", nil, err
		}
		if err := sink.RerankingCompleted(len(chunks)); err != nil {
			return "", nil, err
		}
	}

	contextBlock, sources := formatContext(chunks)
	messages := toLLMMessages(ragAnswerSystemPrompt, history)
	messages = append(messages, llm.Message{Role: "user", Content: contextBlock})

	generateCtx, generateSpan := ragTracer.Start(ctx, "agents.rag.generate")
	defer generateSpan.End()

	temp := generationTemperature
	var content string
	err = r.client.ChatStream(generateCtx, messages, llm.GenerationParams{Temperature: &temp}, func(ev llm.StreamEvent) error {
		if ev.Type == llm.StreamEventError {
			return ev.Err
		}
		content += ev.Token
		return sink.Token(ev.Token)
	})
	if err != nil {
		return "", nil, fmt.Errorf("agents: rag answer-node generation: %w", err)
	}

	content += Disclaimer
	if err := sink.Token(Disclaimer); err != nil {
		return "", nil, err
	}

	metadata := map[string]any{"sources": sources}
	return content, metadata, nil
}

// formatContext renders retrieved chunks into a numbered source block
// and returns the per-source metadata attached to the assistant message.
func formatContext(chunks []retrieval.ScoredChunk) (string, []map[string]any) {
	if len(chunks) == 0 {
		return "No sources were found in the corpus for this question. Say so plainly.", nil
	}

	var b strings.Builder
	b.WriteString("Sources:\n")
	sources := make([]map[string]any, 0, len(chunks))
	for i, c := range chunks {
		n := i + 1
		fmt.Fprintf(&b, "[%d] (%s, %s)\n%s\n\n", n, c.SourceDocument, c.ChapterTitle, c.Text)
		sources = append(sources, map[string]any{
			"index":           n,
			"chunk_id":        c.ID,
			"source_document": c.SourceDocument,
			"chapter_title":   c.ChapterTitle,
			"section_title":   c.SectionTitle,
		})
	}
	return b.String(), sources
}

func lastUserContent(history []session.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == session.RoleUser {
			return history[i].Content
		}
	}
	return ""
}

func toHistoryMessages(history []session.Message, window int) []retrieval.HistoryMessage {
	start := 0
	if window > 0 && len(history) > window {
		start = len(history) - window
	}
	out := make([]retrieval.HistoryMessage, 0, len(history)-start)
	for _, m := range history[start:] {
		out = append(out, retrieval.HistoryMessage{Role: string(m.Role), Content: m.Content})
	}
	return out
}
