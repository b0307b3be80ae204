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
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

func TestHashPasswordRoundTrip(t *testing.T) {
	hash, err := HashPassword("qwer1234")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("qwer1234")); err != nil {
		t.Errorf("correct password must verify: %v", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("wrong")); err == nil {
		t.Error("wrong password must not verify")
	}
}

func TestNewSessionIDIsOpaque(t *testing.T) {
	a, b := newSessionID(), newSessionID()
	if len(a) != 32 {
		t.Errorf("session id length = %d, want 32", len(a))
	}
	if a == b {
		t.Error("session ids must be unique")
	}
}

func TestLockoutBlocksAfterLimit(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	l := NewLockout(5, time.Minute)
	l.now = func() time.Time { return now }

	for i := 0; i < 4; i++ {
		l.Failure("alice")
	}
	if _, blocked := l.Blocked("alice"); blocked {
		t.Fatal("four failures must not block")
	}

	l.Failure("alice")
	remaining, blocked := l.Blocked("alice")
	if !blocked {
		t.Fatal("five failures must block")
	}
	if remaining != time.Minute {
		t.Errorf("remaining = %v, want 1m", remaining)
	}
}

func TestLockoutExpires(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	l := NewLockout(5, time.Minute)
	l.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		l.Failure("alice")
	}
	now = now.Add(61 * time.Second)
	if _, blocked := l.Blocked("alice"); blocked {
		t.Fatal("lock must expire after the window")
	}
	// The counter restarts after expiry.
	l.Failure("alice")
	if _, blocked := l.Blocked("alice"); blocked {
		t.Error("one failure after expiry must not block")
	}
}

func TestLockoutSuccessResetsCounter(t *testing.T) {
	l := NewLockout(5, time.Minute)
	for i := 0; i < 4; i++ {
		l.Failure("alice")
	}
	l.Success("alice")
	l.Failure("alice")
	if _, blocked := l.Blocked("alice"); blocked {
		t.Error("counter must reset after a successful login")
	}
}

func TestLockoutIsPerUsername(t *testing.T) {
	l := NewLockout(5, time.Minute)
	for i := 0; i < 5; i++ {
		l.Failure("alice")
	}
	if _, blocked := l.Blocked("bob"); blocked {
		t.Error("lockout must not leak across usernames")
	}
}
