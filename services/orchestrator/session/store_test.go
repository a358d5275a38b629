// Copyright (C) 2026 Sage Health contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateGetRoundTrip(t *testing.T) {
	store := NewMemoryStore(time.Hour)

	sess := store.Create("u1")
	require.NotEmpty(t, sess.ID)
	assert.Equal(t, "u1", sess.UserID)
	assert.Equal(t, AgentUnset, sess.AssignedAgent)
	assert.False(t, sess.CreatedAt.IsZero())
	assert.Equal(t, sess.CreatedAt, sess.UpdatedAt)

	got, err := store.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
}

func TestGetUnknownIsSessionMissing(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	_, err := store.Get("does-not-exist")
	assert.ErrorIs(t, err, ErrSessionMissing)
}

func TestSaveRefreshesUpdatedAtAndExtendsTTL(t *testing.T) {
	store := NewMemoryStore(50 * time.Millisecond)
	sess := store.Create("u1")

	time.Sleep(30 * time.Millisecond)
	sess.AssignedAgent = AgentRAG
	require.NoError(t, store.Save(sess))

	time.Sleep(30 * time.Millisecond) // would have expired without the save refresh
	got, err := store.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, AgentRAG, got.AssignedAgent)
}

func TestGetDoesNotExtendTTL(t *testing.T) {
	store := NewMemoryStore(20 * time.Millisecond)
	sess := store.Create("u1")

	_, err := store.Get(sess.ID)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	_, err = store.Get(sess.ID)
	assert.ErrorIs(t, err, ErrSessionMissing)
}

func TestSaveOwnershipViolation(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	sess := store.Create("u1")

	sess.UserID = "u2"
	err := store.Save(sess)
	assert.ErrorIs(t, err, ErrOwnershipViolation)
}

func TestListByUserOrderedByUpdatedAtDescending(t *testing.T) {
	store := NewMemoryStore(time.Hour)

	a := store.Create("u1")
	time.Sleep(5 * time.Millisecond)
	b := store.Create("u1")
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, store.Save(a)) // refresh a to be the most recent

	list := store.ListByUser("u1")
	require.Len(t, list, 2)
	assert.Equal(t, a.ID, list[0].ID)
	assert.Equal(t, b.ID, list[1].ID)
}

func TestSweepReclaimsExpiredSessions(t *testing.T) {
	store := NewMemoryStore(10 * time.Millisecond)
	sess := store.Create("u1")

	reclaimed := store.Sweep(time.Now())
	assert.Equal(t, 0, reclaimed)

	reclaimed = store.Sweep(time.Now().Add(time.Second))
	assert.Equal(t, 1, reclaimed)

	_, err := store.Get(sess.ID)
	assert.ErrorIs(t, err, ErrSessionMissing)
}

// TestConcurrentSessionLockSerialises exercises property 9: concurrent
// requests against the same session serialise and agree on one
// assigned agent.
func TestConcurrentSessionLockSerialises(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	sess := store.Create("u1")

	const n = 20
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			unlock := store.Lock(sess.ID)
			defer unlock()

			cur, err := store.Get(sess.ID)
			require.NoError(t, err)
			if cur.AssignedAgent == AgentUnset {
				cur.AssignedAgent = AgentRAG
			}
			require.NoError(t, store.Save(cur))
		}()
	}
	wg.Wait()

	final, err := store.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, AgentRAG, final.AssignedAgent)
}
