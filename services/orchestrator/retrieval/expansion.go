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
	"strings"
	"unicode"
)

// QueryGenerator is the narrow LLM contract the advanced strategy
// needs for query expansion: one prompt in, one completion out. A
// thin slice of the AgentLLM (C5) contract, kept separate so the
// retriever package does not need to import services/llm directly.
type QueryGenerator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

const expansionSystemPrompt = `You expand a user's medical question into search queries for a
medical knowledge base. Given the conversation context below, produce up to %d
search queries, one per line, with no numbering or punctuation-only lines.

Rules:
- If the question mentions multiple entities (drugs, conditions, procedures), split it into one query per entity.
- Cover multiple aspects of the question (mechanism, dosage, side effects, interactions) as separate queries when relevant.
- Translate any non-English terms into English, but preserve Latin medical terminology as-is.
- Never return an empty line or a line containing only punctuation.

Conversation:
%s`

// historyDelimiter joins formatted history lines for the expansion
// prompt (spec §4.5: "joined by a delimiter").
const historyDelimiter = "\n"

// formatHistory renders messages in chronological order with role
// labels, trimmed to window (the last `window` messages), per spec
// §4.5's history-formatting rule for strategy A.
func formatHistory(history []HistoryMessage, window int) string {
	if window > 0 && len(history) > window {
		history = history[len(history)-window:]
	}
	lines := make([]string, 0, len(history))
	for _, m := range history {
		lines = append(lines, fmt.Sprintf("%s: %s", strings.ToUpper(m.Role), m.Content))
	}
	return strings.Join(lines, historyDelimiter)
}

// expandQueries asks the generator for up to maxQueries variations and
// post-filters the result: trim, drop empty/punctuation-only lines,
// dedupe preserving first occurrence, truncate to maxQueries. Falls
// back to []string{fallback} if the LLM returns zero valid queries
// (spec §4.5 edge case).
func expandQueries(ctx context.Context, gen QueryGenerator, history []HistoryMessage, window, maxQueries int, fallback string) ([]string, error) {
	prompt := fmt.Sprintf(expansionSystemPrompt, maxQueries, formatHistory(history, window))

	raw, err := gen.Generate(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("retrieval: query expansion failed: %w", err)
	}

	filtered := filterQueries(strings.Split(raw, "\n"), maxQueries)
	if len(filtered) == 0 {
		return []string{fallback}, nil
	}
	return filtered, nil
}

// filterQueries implements spec §4.5's post-filter and §8 property 6:
// trim, drop empty/punctuation-only, dedupe preserving first
// occurrence, truncate to max.
func filterQueries(candidates []string, max int) []string {
	seen := make(map[string]struct{}, len(candidates))
	out := make([]string, 0, len(candidates))

	for _, c := range candidates {
		c = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(c), "-"))
		c = strings.TrimSpace(c)
		if c == "" || isPunctuationOnly(c) {
			continue
		}
		key := strings.ToLower(c)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, c)
		if len(out) >= max {
			break
		}
	}
	return out
}

func isPunctuationOnly(s string) bool {
	for _, r := range s {
		if !unicode.IsPunct(r) && !unicode.IsSpace(r) {
			return false
		}
	}
	return true
}
