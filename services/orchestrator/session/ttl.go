// Copyright (C) 2026 Sage Health contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically reclaims sessions whose idle TTL has elapsed.
// Modelled on the teacher's ttl scheduler: a single background
// goroutine woken by a ticker, stoppable via context cancellation.
type Sweeper struct {
	store    *MemoryStore
	interval time.Duration
	logger   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper constructs a Sweeper that reclaims expired sessions from
// store every interval.
func NewSweeper(store *MemoryStore, interval time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{store: store, interval: interval, logger: logger}
}

// Start launches the background sweep loop. Safe to call at most once.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				reclaimed := s.store.Sweep(now)
				if reclaimed > 0 {
					s.logger.Info("session ttl sweep reclaimed sessions", "count", reclaimed)
				}
			}
		}
	}()
}

// Stop halts the background loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}
