// Copyright (C) 2026 Sage Health contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for the Store contract (spec §4.1 failure modes).
var (
	// ErrSessionMissing is returned by Get when the id is unknown or has
	// expired under the configured TTL, and by Save for a nil session or
	// an empty ID (Save inserts an unknown id).
	ErrSessionMissing = errors.New("session: missing or expired")

	// ErrOwnershipViolation is returned when a caller attempts to save a
	// session under a different user_id than the one it was created with.
	// The orchestrator should never trigger this in normal operation; a
	// mismatch here indicates a caller bug, not a client error.
	ErrOwnershipViolation = errors.New("session: ownership violation")
)

// Store is the C9 SessionStore contract. Implementations must be safe
// for concurrent use by many request handlers at once.
type Store interface {
	// Get returns the session for id, or ErrSessionMissing if it does
	// not exist or its TTL has elapsed. Reads do not extend the TTL.
	Get(id string) (*Session, error)

	// Create assigns a fresh UUID to a new session owned by userID,
	// with CreatedAt and UpdatedAt set to now.
	Create(userID string) *Session

	// Save is an idempotent upsert. It refreshes UpdatedAt (and hence
	// the TTL deadline) and atomically keeps the user_id -> session_ids
	// secondary index consistent with the primary map. Returns
	// ErrOwnershipViolation if sess.UserID differs from the value the
	// session was created or last saved with.
	Save(sess *Session) error

	// Delete removes a session immediately, independent of TTL.
	Delete(id string)

	// ListByUser returns every non-expired session owned by userID,
	// ordered by UpdatedAt descending.
	ListByUser(userID string) []*Session

	// Lock acquires the per-session exclusion for id, creating it on
	// first use, and returns an unlock function. The orchestrator holds
	// this for the duration of one request's read-modify-save cycle so
	// that two concurrent requests on the same session serialise
	// (spec §4.8, §5).
	Lock(id string) (unlock func())
}

// entry is the store's internal bookkeeping for one session.
type entry struct {
	sess *Session
	mu   sync.Mutex // per-session exclusion, spec §4.8/§5
}

// MemoryStore is an in-memory, process-lifetime Store. It never
// persists across restarts and never shares state across nodes, which
// is what spec's Non-goals call for.
//
// # Thread Safety
//
// A single mutex guards the primary map and the secondary user index
// together, so Save's "update both atomically" requirement (spec §4.1)
// holds trivially. Per-session locking (Lock) is separate and coarser
// granularity than the map lock: callers hold a session lock across
// multiple Store calls (Get then later Save) without blocking unrelated
// sessions.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	byUser   map[string]map[string]struct{} // userID -> set of session IDs

	ttl time.Duration
	now func() time.Time
}

// NewMemoryStore constructs a Store with the given idle-session TTL
// (SESSION_TTL_SECONDS, default 3600 per spec §6).
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*entry),
		byUser:   make(map[string]map[string]struct{}),
		ttl:      ttl,
		now:      time.Now,
	}
}

func (m *MemoryStore) expired(sess *Session, at time.Time) bool {
	return at.Sub(sess.UpdatedAt) > m.ttl
}

func (m *MemoryStore) Get(id string) (*Session, error) {
	m.mu.RLock()
	e, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrSessionMissing
	}
	e.mu.Lock()
	sess := e.sess.Clone()
	e.mu.Unlock()

	if sess == nil || m.expired(sess, m.now()) {
		return nil, ErrSessionMissing
	}
	return sess, nil
}

func (m *MemoryStore) Create(userID string) *Session {
	now := m.now()
	sess := &Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Transcript: nil,
		Metadata:  map[string]any{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	m.mu.Lock()
	m.sessions[sess.ID] = &entry{sess: sess.Clone()}
	m.indexUserLocked(userID, sess.ID)
	m.mu.Unlock()

	return sess
}

func (m *MemoryStore) indexUserLocked(userID, sessionID string) {
	set, ok := m.byUser[userID]
	if !ok {
		set = make(map[string]struct{})
		m.byUser[userID] = set
	}
	set[sessionID] = struct{}{}
}

func (m *MemoryStore) Save(sess *Session) error {
	if sess == nil || sess.ID == "" {
		return ErrSessionMissing
	}

	m.mu.Lock()
	e, ok := m.sessions[sess.ID]
	if !ok {
		// First save of a session created out-of-band (e.g. tests);
		// treat as an insert.
		e = &entry{}
		m.sessions[sess.ID] = e
	} else if e.sess != nil && e.sess.UserID != "" && e.sess.UserID != sess.UserID {
		m.mu.Unlock()
		return ErrOwnershipViolation
	}
	m.indexUserLocked(sess.UserID, sess.ID)
	m.mu.Unlock()

	e.mu.Lock()
	updated := sess.Clone()
	updated.UpdatedAt = m.now()
	e.sess = updated
	e.mu.Unlock()

	return nil
}

func (m *MemoryStore) Delete(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[id]
	if ok && e.sess != nil {
		if set := m.byUser[e.sess.UserID]; set != nil {
			delete(set, id)
		}
	}
	delete(m.sessions, id)
}

func (m *MemoryStore) ListByUser(userID string) []*Session {
	m.mu.RLock()
	ids := make([]string, 0, len(m.byUser[userID]))
	for id := range m.byUser[userID] {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	now := m.now()
	out := make([]*Session, 0, len(ids))
	for _, id := range ids {
		m.mu.RLock()
		e, ok := m.sessions[id]
		m.mu.RUnlock()
		if !ok {
			continue
		}
		e.mu.Lock()
		sess := e.sess.Clone()
		e.mu.Unlock()
		if sess != nil && !m.expired(sess, now) {
			out = append(out, sess)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

func (m *MemoryStore) Lock(id string) (unlock func()) {
	m.mu.Lock()
	e, ok := m.sessions[id]
	if !ok {
		e = &entry{}
		m.sessions[id] = e
	}
	m.mu.Unlock()

	e.mu.Lock()
	return e.mu.Unlock
}

// Sweep removes every session whose TTL has elapsed as of now, used by
// a periodic background sweeper (see ttl.go). It returns the number of
// sessions reclaimed.
func (m *MemoryStore) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	reclaimed := 0
	for id, e := range m.sessions {
		e.mu.Lock()
		expired := e.sess == nil || m.expired(e.sess, now)
		userID := ""
		if e.sess != nil {
			userID = e.sess.UserID
		}
		e.mu.Unlock()

		if expired {
			delete(m.sessions, id)
			if set := m.byUser[userID]; set != nil {
				delete(set, id)
			}
			reclaimed++
		}
	}
	return reclaimed
}
