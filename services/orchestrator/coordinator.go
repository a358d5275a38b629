// Copyright (C) 2026 Sage Health contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sagehealth/medassist/services/orchestrator/agents"
	"github.com/sagehealth/medassist/services/orchestrator/observability"
	"github.com/sagehealth/medassist/services/orchestrator/session"
	"github.com/sagehealth/medassist/services/orchestrator/stream"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("github.com/sagehealth/medassist/services/orchestrator")

// Coordinator implements the request-level state machine spec §4.8
// defines: START -> route -> (classify, first turn only) -> agent node
// -> END. It never writes the terminal SSE event itself — handlers/chat.go
// owns that, since success/failure/cancellation each map to a different
// wire event the Coordinator has no HTTP-layer concept of.
type Coordinator struct {
	store      session.Store
	supervisor agents.Supervisor
	emotional  agents.Runner
	rag        agents.Runner

	// metrics is nil-safe: a zero-value Coordinator (as used by tests)
	// simply skips recording.
	metrics *observability.ChatMetrics

	// logger defaults to slog.Default() when nil, matching
	// session.NewSweeper and retrieval.NewAdvancedRetriever's own
	// convention. Never log the turn's message or retrieved content:
	// both are treated as PHI, so only identifiers and stage outcomes
	// are attached as fields.
	logger *slog.Logger
}

func (c *Coordinator) log() *slog.Logger {
	if c.logger != nil {
		return c.logger
	}
	return slog.Default()
}

// Resolve loads or creates the session for (userID, sessionID), verifies
// ownership, and acquires the per-session lock that serialises concurrent
// requests on the same session (spec §4.8, §5). It must run, and its
// error (if any) must be handled, before any response bytes — including
// SSE headers — are written: spec §6/§7 require ownership mismatch and
// missing/expired session to surface as a pre-stream 403/404, never as
// an SSE `error` event (spec §8 property 8, scenario E4). On success the
// caller owns the returned unlock func and must call it exactly once,
// typically via defer, after Run (or after deciding not to call Run at
// all) completes.
func (c *Coordinator) Resolve(ctx context.Context, userID, sessionID string) (*session.Session, func(), error) {
	sess, created, err := c.loadOrCreateSession(userID, sessionID)
	if err != nil {
		return nil, nil, err
	}

	unlock := c.store.Lock(sess.ID)

	if !created {
		// Re-fetch under the lock: another request may have mutated the
		// session between loadOrCreateSession's read and this point.
		sess, err = c.store.Get(sess.ID)
		if err != nil {
			unlock()
			return nil, nil, ErrSessionNotFound
		}
		if sess.UserID != userID {
			unlock()
			return nil, nil, ErrForbidden
		}
	}

	return sess, unlock, nil
}

// Run executes one user turn to completion against a session already
// resolved and locked by Resolve: classifies on the first turn only
// (spec §4.6), appends the user message, runs the assigned agent while
// streaming tokens and stage events through sink, and on success
// appends and persists the assistant's reply. On any error (including
// context cancellation) no partial assistant message is ever persisted
// (spec §4.8 cancellation semantics).
func (c *Coordinator) Run(ctx context.Context, sess *session.Session, message string, sink stream.Sink) (string, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.chat")
	defer span.End()
	span.SetAttributes(
		attribute.String("user_id", sess.UserID),
		attribute.String("session_id", sess.ID),
	)

	if sess.AssignedAgent == session.AgentUnset {
		agent, err := c.supervisor.Classify(ctx, message)
		if err != nil {
			c.log().Error("classification failed", "session_id", sess.ID, "error", err)
			return sess.ID, fmt.Errorf("orchestrator: classification: %w", err)
		}
		sess.AssignedAgent = agent
		if c.metrics != nil {
			c.metrics.RecordClassification(string(agent))
		}
		// Commit the assignment before running the agent: spec §4.8
		// requires a concurrent second request on this session to
		// observe it even if the agent run that follows fails, times
		// out, or is cancelled.
		if err := c.store.Save(sess); err != nil {
			c.log().Error("failed to persist agent assignment", "session_id", sess.ID, "error", err)
			return sess.ID, fmt.Errorf("orchestrator: save session: %w", err)
		}
		c.log().Info("session classified", "session_id", sess.ID, "agent", string(agent))
	}

	history := append(append([]session.Message(nil), sess.Transcript...), session.Message{
		Role:    session.RoleUser,
		Content: message,
	})

	runner := c.emotional
	agentLabel := string(session.AgentEmotional)
	if sess.AssignedAgent == session.AgentRAG {
		runner = c.rag
		agentLabel = string(session.AgentRAG)
	}
	span.SetAttributes(attribute.String("agent", agentLabel))

	if c.metrics != nil {
		c.metrics.StreamStarted(agentLabel)
		defer c.metrics.StreamEnded(agentLabel)
	}
	started := time.Now()

	content, metadata, err := runner.Run(ctx, history, sink)
	if err != nil {
		if c.metrics != nil {
			c.metrics.RecordTurn(agentLabel, false, time.Since(started).Seconds())
		}
		if ctx.Err() != nil {
			c.log().Warn("turn cancelled", "session_id", sess.ID, "agent", agentLabel, "reason", ctx.Err())
			return sess.ID, ctx.Err()
		}
		c.log().Error("agent run failed", "session_id", sess.ID, "agent", agentLabel, "error", err)
		return sess.ID, fmt.Errorf("orchestrator: agent run: %w", err)
	}

	sess.Transcript = append(history, session.Message{
		Role:     session.RoleAssistant,
		Content:  content,
		Metadata: metadata,
	})
	if err := c.store.Save(sess); err != nil {
		if c.metrics != nil {
			c.metrics.RecordTurn(agentLabel, false, time.Since(started).Seconds())
		}
		return sess.ID, fmt.Errorf("orchestrator: save session: %w", err)
	}

	if c.metrics != nil {
		c.metrics.RecordTurn(agentLabel, true, time.Since(started).Seconds())
	}
	return sess.ID, nil
}

func (c *Coordinator) loadOrCreateSession(userID, sessionID string) (*session.Session, bool, error) {
	if sessionID == "" {
		return c.store.Create(userID), true, nil
	}

	sess, err := c.store.Get(sessionID)
	if err != nil {
		if errors.Is(err, session.ErrSessionMissing) {
			return nil, false, ErrSessionNotFound
		}
		return nil, false, err
	}
	if sess.UserID != userID {
		return nil, false, ErrForbidden
	}
	return sess, false, nil
}
