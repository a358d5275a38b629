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

	"github.com/sagehealth/medassist/services/llm"
	"github.com/sagehealth/medassist/services/orchestrator/session"
	"github.com/sagehealth/medassist/services/orchestrator/stream"
)

const generationTemperature = float32(0.8)

const emotionalSystemPrompt = `You are a warm, empathetic conversational companion. You are not a
clinician and you do not diagnose, prescribe, or give medical advice. Listen,
validate feelings, and respond supportively in plain, non-clinical language.`

// Disclaimer is appended to every outward-facing response from either
// agent (spec §4.7: "mandatory" disclaimer).
const Disclaimer = "\n\nThis is educational information, not medical advice. Please consult a qualified healthcare professional for guidance specific to your situation."

// Runner is the C7 AgentRunner contract: given the transcript (oldest
// first, new user message already appended), stream a response and
// return its final content plus any metadata (e.g. source citations)
// to attach to the assistant message.
type Runner interface {
	Run(ctx context.Context, history []session.Message, sink stream.Sink) (content string, metadata map[string]any, err error)
}

// EmotionalRunner is the emotional agent (spec §4.7): a single streamed
// LLM call, no tools, no retrieval, no state beyond the transcript.
type EmotionalRunner struct {
	client llm.Client
}

func NewEmotionalRunner(client llm.Client) *EmotionalRunner {
	return &EmotionalRunner{client: client}
}

func (r *EmotionalRunner) Run(ctx context.Context, history []session.Message, sink stream.Sink) (string, map[string]any, error) {
	messages := toLLMMessages(emotionalSystemPrompt, history)
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
		return "", nil, fmt.Errorf("agents: emotional agent generation: %w", err)
	}

	content += Disclaimer
	if err := sink.Token(Disclaimer); err != nil {
		return "", nil, err
	}
	return content, nil, nil
}

func toLLMMessages(systemPrompt string, history []session.Message) []llm.Message {
	out := make([]llm.Message, 0, len(history)+1)
	out = append(out, llm.Message{Role: "system", Content: systemPrompt})
	for _, m := range history {
		out = append(out, llm.Message{Role: string(m.Role), Content: m.Content})
	}
	return out
}
