// Copyright (C) 2026 Sage Health contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package session implements the user-owned, TTL-bounded conversation
// sessions that the orchestrator routes messages through.
//
// # Description
//
// A Session binds a server-generated id to an owning user id, an
// assigned agent name (set at most once, on the first turn), and an
// append-only message transcript. Sessions live only for the process
// lifetime of the store that holds them; there is no cross-restart
// persistence and no multi-node sharing (see Non-goals).
//
// # Thread Safety
//
// Session values returned by Store are snapshots; callers must not
// mutate them directly. All mutation goes through Store.Save under the
// store's per-session exclusion.
package session

import "time"

// Role identifies who produced a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is one entry in a session's transcript. Content is plain text;
// Metadata carries optional provenance such as the agent that produced
// the message or source citations attached by the RAG agent.
type Message struct {
	Role     Role           `json:"role"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Agent is the fixed, finite enumeration of agents a Supervisor may
// assign a session to.
type Agent string

const (
	// AgentUnset means the session has not yet been classified.
	AgentUnset     Agent = ""
	AgentEmotional Agent = "emotional"
	AgentRAG       Agent = "rag"
)

// Valid reports whether a is one of the concrete, assignable agents
// (i.e. excludes AgentUnset).
func (a Agent) Valid() bool {
	return a == AgentEmotional || a == AgentRAG
}

// Session is the unit the SessionStore (C9) owns exclusively. Other
// components only ever see a borrowed, request-scoped copy.
//
// Invariants (spec §3):
//  1. a session belongs to exactly one user for its lifetime.
//  2. once AssignedAgent is set it is never changed.
//  3. Transcript order is monotonic and append-only.
//  4. UpdatedAt >= CreatedAt.
type Session struct {
	ID            string
	UserID        string
	AssignedAgent Agent
	Transcript    []Message
	Metadata      map[string]any
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Clone returns a deep-enough copy safe for a caller to read and build
// request-scoped state from without risk of mutating the store's copy.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Transcript = append([]Message(nil), s.Transcript...)
	if s.Metadata != nil {
		out.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
