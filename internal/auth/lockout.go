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

package auth

import (
	"sync"
	"time"
)

const (
	defaultLockoutLimit  = 5
	defaultLockoutWindow = 5 * time.Minute
)

type lockoutEntry struct {
	failures    int
	lockedUntil time.Time
}

// Lockout tracks consecutive login failures per username and blocks further
// attempts once the limit is reached. State is per process; an attacker
// rotating across replicas still faces the limit on each one.
type Lockout struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	entries map[string]*lockoutEntry
	now     func() time.Time
}

// NewLockout creates a lockout tracker. Zero limit or window selects the
// defaults (5 failures, 5 minute lock).
func NewLockout(limit int, window time.Duration) *Lockout {
	if limit <= 0 {
		limit = defaultLockoutLimit
	}
	if window <= 0 {
		window = defaultLockoutWindow
	}
	return &Lockout{
		limit:   limit,
		window:  window,
		entries: make(map[string]*lockoutEntry),
		now:     time.Now,
	}
}

// Blocked reports whether the username is currently locked out, and if so
// for how much longer. The remaining duration feeds the Retry-After header.
func (l *Lockout) Blocked(username string) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[username]
	if !ok {
		return 0, false
	}
	remaining := entry.lockedUntil.Sub(l.now())
	if entry.failures < l.limit || remaining <= 0 {
		if remaining <= 0 && entry.failures >= l.limit {
			// The lock expired; the counter restarts.
			delete(l.entries, username)
		}
		return 0, false
	}
	return remaining, true
}

// Failure records a failed login attempt. The fifth consecutive failure
// starts the lock window.
func (l *Lockout) Failure(username string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[username]
	if !ok {
		entry = &lockoutEntry{}
		l.entries[username] = entry
	}
	entry.failures++
	if entry.failures >= l.limit {
		entry.lockedUntil = l.now().Add(l.window)
	}
}

// Success clears the failure counter after a successful login.
func (l *Lockout) Success(username string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, username)
}
