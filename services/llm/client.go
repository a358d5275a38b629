// Copyright (C) 2026 Sage Health contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llm defines the AgentLLM (C5) contract: a chat-completion
// client with streaming, kept as a small interface so agents and the
// retriever's query generator depend on a contract, not a concrete
// OpenAI SDK type.
package llm

import "context"

// Message is one turn in a chat-completion request.
type Message struct {
	Role    string
	Content string
}

// GenerationParams carries the per-call sampling configuration. A nil
// *float32/*int field means "use the provider's default".
type GenerationParams struct {
	Temperature *float32
	TopP        *float32
	MaxTokens   *int
	Stop        []string
}

// StreamEventType discriminates the events a ChatStream callback
// receives while a completion is being generated.
type StreamEventType string

const (
	StreamEventToken StreamEventType = "token"
	StreamEventError StreamEventType = "error"
)

// StreamEvent is one token (or terminal error) produced during
// streaming generation.
type StreamEvent struct {
	Type  StreamEventType
	Token string
	Err   error
}

// StreamCallback receives each StreamEvent as it is produced. A
// non-nil return aborts the stream (propagated to the caller of
// ChatStream).
type StreamCallback func(event StreamEvent) error

// Client is the C5 AgentLLM contract.
type Client interface {
	// Generate runs a single-prompt, non-chat completion. Used by the
	// Supervisor (C6, classification) and the query-expansion
	// generator (C4 strategy A).
	Generate(ctx context.Context, systemPrompt, prompt string, params GenerationParams) (string, error)

	// Chat runs a non-streaming chat completion over a message
	// history.
	Chat(ctx context.Context, messages []Message, params GenerationParams) (string, error)

	// ChatStream runs a chat completion, invoking callback once per
	// token as it arrives (C7 AgentRunner's streamed responses).
	ChatStream(ctx context.Context, messages []Message, params GenerationParams, callback StreamCallback) error
}
