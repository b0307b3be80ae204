/*
SPDX-FileCopyrightText: Copyright (c) 2026 NVIDIA CORPORATION & AFFILIATES. All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.

SPDX-License-Identifier: Apache-2.0
*/

// Package activity implements the three-stage last-access pipeline: an
// in-process throttled buffer absorbs per-request bursts, periodic flushes
// consolidate into Redis, and the scheduler syncs Redis into the database.
package activity

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// BufferConfig tunes the in-process stage.
type BufferConfig struct {
	// ThrottleWindow suppresses repeat records for the same workspace. A
	// busy WebSocket session then costs one map write per window instead of
	// one per frame.
	ThrottleWindow time.Duration
	// FlushInterval is how often Run pushes the buffer to Redis.
	FlushInterval time.Duration
}

// DefaultBufferConfig returns the production buffer tuning.
func DefaultBufferConfig() BufferConfig {
	return BufferConfig{
		ThrottleWindow: time.Second,
		FlushInterval:  30 * time.Second,
	}
}

// Buffer is the per-process activity stage. Record is cheap enough to call
// on every proxied request and every relayed WebSocket frame.
type Buffer struct {
	config BufferConfig
	store  *Store
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	pending  map[string]time.Time
	lastSeen map[string]time.Time
}

// NewBuffer creates an activity buffer flushing into the given store.
func NewBuffer(config BufferConfig, store *Store, logger *slog.Logger) *Buffer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Buffer{
		config:   config,
		store:    store,
		logger:   logger,
		now:      time.Now,
		pending:  make(map[string]time.Time),
		lastSeen: make(map[string]time.Time),
	}
}

// Record notes activity for a workspace. Calls within the throttle window of
// the previous accepted record for the same id are no-ops.
func (b *Buffer) Record(id string) {
	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	if last, ok := b.lastSeen[id]; ok && now.Sub(last) < b.config.ThrottleWindow {
		return
	}
	b.lastSeen[id] = now
	b.pending[id] = now
}

// Flush snapshots and clears the buffer, then writes the snapshot to Redis.
// On write failure, entries are re-inserted unless a newer record replaced
// them while the write was in flight, so no timestamp moves backwards.
func (b *Buffer) Flush(ctx context.Context) error {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return nil
	}
	snapshot := b.pending
	b.pending = make(map[string]time.Time)
	b.mu.Unlock()

	err := b.store.SetBulk(ctx, snapshot)
	if err == nil {
		return nil
	}

	b.mu.Lock()
	for id, ts := range snapshot {
		if _, replaced := b.pending[id]; !replaced {
			b.pending[id] = ts
		}
	}
	b.mu.Unlock()
	return err
}

// Run flushes on the configured interval until the context ends, with one
// final best-effort flush on shutdown.
func (b *Buffer) Run(ctx context.Context) {
	ticker := time.NewTicker(b.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := b.Flush(flushCtx); err != nil {
				b.logger.Warn("Final activity flush failed", "error", err)
			}
			cancel()
			return
		case <-ticker.C:
			if err := b.Flush(ctx); err != nil {
				b.logger.Warn("Activity flush failed", "error", err)
			}
		}
	}
}
