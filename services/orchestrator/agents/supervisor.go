// Copyright (C) 2026 Sage Health contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package agents implements the Supervisor (C6) and the two
// AgentRunner (C7) shapes: the emotional agent and the RAG agent.
package agents

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sagehealth/medassist/services/llm"
	"github.com/sagehealth/medassist/services/orchestrator/session"
)

// ErrClassificationFailed is returned when the LLM fails to produce a
// valid agent label after one retry (spec §4.6).
var ErrClassificationFailed = errors.New("agents: classification failed")

const classifyTemperature = float32(0.1)

const supervisorSystemPrompt = `You classify a user's first message into exactly one category.
Respond with only the single word "emotional" or "rag" and nothing else.

- "emotional": the user is expressing feelings, seeking empathetic conversation, or making small talk with no factual medical question.
- "rag": the user is asking a factual or clinical medical question that requires looking up information.`

// Supervisor is the C6 contract: classify the first user message into
// one of the fixed agent names.
type Supervisor interface {
	Classify(ctx context.Context, firstUserMessage string) (session.Agent, error)
}

type llmSupervisor struct {
	client llm.Client
}

// NewSupervisor constructs the C6 Supervisor.
func NewSupervisor(client llm.Client) Supervisor {
	return &llmSupervisor{client: client}
}

func (s *llmSupervisor) Classify(ctx context.Context, firstUserMessage string) (session.Agent, error) {
	temp := classifyTemperature
	params := llm.GenerationParams{Temperature: &temp}

	agent, err := s.classifyOnce(ctx, firstUserMessage, params)
	if err == nil {
		return agent, nil
	}

	// One bounded retry, per spec §4.6, before failing.
	agent, err = s.classifyOnce(ctx, firstUserMessage, params)
	if err != nil {
		return session.AgentUnset, fmt.Errorf("%w: %v", ErrClassificationFailed, err)
	}
	return agent, nil
}

func (s *llmSupervisor) classifyOnce(ctx context.Context, message string, params llm.GenerationParams) (session.Agent, error) {
	raw, err := s.client.Generate(ctx, supervisorSystemPrompt, message, params)
	if err != nil {
		return session.AgentUnset, err
	}

	label := session.Agent(strings.ToLower(strings.TrimSpace(raw)))
	if !label.Valid() {
		return session.AgentUnset, fmt.Errorf("agents: supervisor returned invalid label %q", raw)
	}
	return label, nil
}
