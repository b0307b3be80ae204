// SPDX-FileCopyrightText: Copyright (c) 2026 NVIDIA CORPORATION. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

// Package utils holds the shared coordinator machinery: the leader-gated
// run loop with wake subscription, tick throttling, and the active/idle
// interval switch.
package utils

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"go.corp.nvidia.com/codehub/internal/events"
	"go.corp.nvidia.com/codehub/internal/leader"
	"go.corp.nvidia.com/codehub/utils/progress_check"
)

// Ticker is one coordinator's unit of work. Tick reports whether it changed
// any state, which extends the active window.
type Ticker interface {
	Tick(ctx context.Context) (changed bool, err error)
}

// LoopConfig tunes the shared coordinator loop.
type LoopConfig struct {
	// LeaderRetryInterval paces re-election while following.
	LeaderRetryInterval time.Duration
	// VerifyInterval is the base period for re-verifying the advisory lock;
	// each verify is jittered by ±30% so replicas do not verify in lockstep.
	VerifyInterval time.Duration
	// MinInterval throttles back-to-back ticks regardless of wakes.
	MinInterval time.Duration
	// ActiveInterval and IdleInterval pace ticks inside and outside the
	// active window; ActiveWindow is how long a wake or a state-changing
	// tick keeps the loop accelerated.
	ActiveInterval time.Duration
	IdleInterval   time.Duration
	ActiveWindow   time.Duration
	// LockTimeout bounds each advisory-lock statement.
	LockTimeout time.Duration
}

// DefaultLoopConfig returns the production loop tuning.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		LeaderRetryInterval: 5 * time.Second,
		VerifyInterval:      60 * time.Second,
		MinInterval:         500 * time.Millisecond,
		ActiveInterval:      1 * time.Second,
		IdleInterval:        15 * time.Second,
		ActiveWindow:        30 * time.Second,
		LockTimeout:         5 * time.Second,
	}
}

// Loop drives one coordinator: acquire leadership, subscribe to wakes, tick,
// then wait for a wake or the pacing interval. Tick errors are logged and
// the loop continues; only context cancellation ends it.
type Loop struct {
	config  LoopConfig
	elector *leader.Elector
	wake    *events.WakeConsumer
	ticker  Ticker
	logger  *slog.Logger

	progress *progress_check.ProgressWriter

	lastTick    time.Time
	nextVerify  time.Time
	activeUntil time.Time
}

// NewLoop assembles a coordinator loop. wake may be nil for coordinators
// that are purely time-driven.
func NewLoop(config LoopConfig, elector *leader.Elector, wake *events.WakeConsumer, ticker Ticker, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		config:  config,
		elector: elector,
		wake:    wake,
		ticker:  ticker,
		logger:  logger,
	}
}

// SetProgressWriter wires the liveness file the loop touches every cycle.
// Followers touch it too: a healthy follower is a live process.
func (l *Loop) SetProgressWriter(pw *progress_check.ProgressWriter) {
	l.progress = pw
}

// Run executes the loop until the context is cancelled. Leadership is
// released on exit.
func (l *Loop) Run(ctx context.Context) error {
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), l.config.LockTimeout)
		defer cancel()
		if l.wake != nil {
			l.wake.Unsubscribe(releaseCtx)
		}
		if err := l.elector.Release(releaseCtx, l.config.LockTimeout); err != nil {
			l.logger.Warn("Failed to release leadership on shutdown",
				"role", l.elector.Role(), "error", err)
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if l.progress != nil {
			if err := l.progress.ReportProgress(); err != nil {
				l.logger.Warn("Failed to report liveness",
					"role", l.elector.Role(), "error", err)
			}
		}

		if !l.leadershipCurrent(ctx) {
			held, err := l.elector.TryAcquire(ctx, l.config.LockTimeout)
			if err != nil {
				l.logger.Warn("Election attempt failed",
					"role", l.elector.Role(), "error", err)
			}
			if !held {
				if l.wake != nil {
					l.wake.Unsubscribe(ctx)
				}
				if !sleep(ctx, l.config.LeaderRetryInterval) {
					return ctx.Err()
				}
				continue
			}
			l.scheduleVerify()
		}

		if l.wake != nil {
			if err := l.wake.Subscribe(ctx); err != nil {
				l.logger.Warn("Wake subscription failed",
					"role", l.elector.Role(), "error", err)
			}
		}

		if wait := l.config.MinInterval - time.Since(l.lastTick); wait > 0 {
			if !sleep(ctx, wait) {
				return ctx.Err()
			}
		}

		l.lastTick = time.Now()
		changed, err := l.ticker.Tick(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			l.logger.Error("Tick failed", "role", l.elector.Role(), "error", err)
		}
		if changed {
			l.Accelerate()
		}

		interval := l.config.IdleInterval
		if time.Now().Before(l.activeUntil) {
			interval = l.config.ActiveInterval
		}

		if l.wake == nil {
			if !sleep(ctx, interval) {
				return ctx.Err()
			}
			continue
		}
		woken, err := l.wake.Wait(ctx, interval)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.logger.Warn("Wake wait failed", "role", l.elector.Role(), "error", err)
			if !sleep(ctx, interval) {
				return ctx.Err()
			}
			continue
		}
		if woken {
			l.Accelerate()
		}
	}
}

// Accelerate extends the active window so the next cycles tick at the
// active interval.
func (l *Loop) Accelerate() {
	l.activeUntil = time.Now().Add(l.config.ActiveWindow)
}

// leadershipCurrent confirms the cached leadership, re-verifying against the
// lock catalog on the jittered schedule.
func (l *Loop) leadershipCurrent(ctx context.Context) bool {
	if !l.elector.Held() {
		return false
	}
	if time.Now().Before(l.nextVerify) {
		return true
	}
	held, err := l.elector.VerifyHolding(ctx, l.config.LockTimeout)
	if err != nil {
		l.logger.Warn("Leadership verify failed",
			"role", l.elector.Role(), "error", err)
		return false
	}
	if held {
		l.scheduleVerify()
	}
	return held
}

func (l *Loop) scheduleVerify() {
	jitter := 0.7 + 0.6*rand.Float64()
	l.nextVerify = time.Now().Add(time.Duration(float64(l.config.VerifyInterval) * jitter))
}

// sleep waits for d or context cancellation, reporting false on cancel.
func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
