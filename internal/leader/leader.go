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

// Package leader implements single-leader election across process replicas
// using PostgreSQL session-level advisory locks.
//
// Each coordinator role maps to a 63-bit lock key derived from the role name.
// The lock lives on a dedicated long-lived connection: if the connection
// drops, PostgreSQL releases the lock atomically and another replica can take
// over. The same connection is handed to the coordinator for its tick writes
// so that lock lifetime and write visibility share one session, and every
// statement commits at connection level (no idle-in-transaction windows).
package leader

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
)

// LockKey derives the advisory lock key for a role: fnv64a of the role name
// truncated to a non-negative 63-bit integer.
func LockKey(role string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(role))
	return int64(h.Sum64() & 0x7fffffffffffffff)
}

// Elector acquires and verifies a session-scoped advisory lock for one role.
// It is safe for use by a single goroutine at a time; the underlying
// connection must never be shared across concurrent tasks.
type Elector struct {
	mu     sync.Mutex
	conn   *pgx.Conn
	role   string
	key    int64
	held   bool
	logger *slog.Logger
}

// Connect opens the dedicated election connection and returns an Elector for
// the role. The connection is opened in the default autocommit mode.
func Connect(ctx context.Context, connString, role string, logger *slog.Logger) (*Elector, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to open election connection for role %q: %w", role, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Elector{
		conn:   conn,
		role:   role,
		key:    LockKey(role),
		logger: logger,
	}, nil
}

// Role returns the role this elector competes for.
func (e *Elector) Role() string { return e.role }

// Conn returns the election connection. Coordinators run their tick writes on
// this connection so the advisory lock and the writes share one session.
func (e *Elector) Conn() *pgx.Conn { return e.conn }

// TryAcquire attempts a non-blocking acquisition of the role lock. When the
// lock is already held by this elector it returns true without touching the
// database: session advisory locks stack per acquisition, and a re-entrant
// grab would need a matching extra release.
func (e *Elector) TryAcquire(ctx context.Context, timeout time.Duration) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.held {
		return true, nil
	}

	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var acquired bool
	err := e.conn.QueryRow(opCtx, "SELECT pg_try_advisory_lock($1)", e.key).Scan(&acquired)
	if err != nil {
		return false, fmt.Errorf("advisory lock acquire for role %q: %w", e.role, err)
	}
	if acquired {
		e.held = true
		e.logger.Info("leadership acquired",
			slog.String("role", e.role),
			slog.Int64("lock_key", e.key))
	}
	return acquired, nil
}

// Release gives up the role lock. A false return from pg_advisory_unlock
// means the session did not hold the lock; that is logged as a warning rather
// than an error because it indicates the lock was already lost.
func (e *Elector) Release(ctx context.Context, timeout time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.held {
		return nil
	}
	e.held = false

	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var released bool
	err := e.conn.QueryRow(opCtx, "SELECT pg_advisory_unlock($1)", e.key).Scan(&released)
	if err != nil {
		return fmt.Errorf("advisory lock release for role %q: %w", e.role, err)
	}
	if !released {
		e.logger.Warn("advisory unlock reported lock not held",
			slog.String("role", e.role),
			slog.Int64("lock_key", e.key))
	} else {
		e.logger.Info("leadership released", slog.String("role", e.role))
	}
	return nil
}

// VerifyHolding checks the catalog of locks granted to this session. It
// detects external release (connection recycled by a proxy, manual unlock)
// and clears the cached leadership flag when the lock is gone.
func (e *Elector) VerifyHolding(ctx context.Context, timeout time.Duration) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.held {
		return false, nil
	}

	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// The bigint advisory key is split across classid (high 32 bits) and
	// objid (low 32 bits) in pg_locks.
	var holding bool
	err := e.conn.QueryRow(opCtx, `
		SELECT EXISTS (
			SELECT 1 FROM pg_locks
			WHERE locktype = 'advisory'
			  AND pid = pg_backend_pid()
			  AND granted
			  AND ((classid::bigint << 32) | objid::bigint) = $1
		)`, e.key).Scan(&holding)
	if err != nil {
		return false, fmt.Errorf("advisory lock verify for role %q: %w", e.role, err)
	}
	if !holding {
		e.logger.Warn("leadership lost externally", slog.String("role", e.role))
		e.held = false
	}
	return holding, nil
}

// Held reports the cached leadership state without touching the database.
func (e *Elector) Held() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.held
}

// Close releases the lock if held and closes the connection.
func (e *Elector) Close(ctx context.Context) {
	if err := e.Release(ctx, 5*time.Second); err != nil {
		e.logger.Warn("failed to release lock on close",
			slog.String("role", e.role),
			slog.String("error", err.Error()))
	}
	if err := e.conn.Close(ctx); err != nil {
		e.logger.Warn("failed to close election connection",
			slog.String("role", e.role),
			slog.String("error", err.Error()))
	}
}
