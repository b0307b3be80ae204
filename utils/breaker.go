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

package utils

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// Breaker service names. "external" guards calls leaving the host (the
// workspace agent, object storage); "internal" guards the database and Redis.
const (
	BreakerExternal = "external"
	BreakerInternal = "internal"
)

// CircuitOpenError is returned when a call is rejected because the breaker
// for the named service is open.
type CircuitOpenError struct {
	Service    string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for service %q, retry after %s", e.Service, e.RetryAfter)
}

// BreakerConfig controls the per-service circuit breakers.
type BreakerConfig struct {
	// ConsecutiveFailures opens the breaker after this many failures in a row.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open before entering half-open.
	OpenTimeout time.Duration
	// HalfOpenSuccesses closes the breaker after this many successes in half-open.
	HalfOpenSuccesses uint32
}

// DefaultBreakerConfig returns the settings the coordinators and proxy use.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		ConsecutiveFailures: 5,
		OpenTimeout:         30 * time.Second,
		HalfOpenSuccesses:   2,
	}
}

// Breakers holds one circuit breaker per logical service.
type Breakers struct {
	external *gobreaker.CircuitBreaker
	internal *gobreaker.CircuitBreaker
	cfg      BreakerConfig
}

// NewBreakers creates the per-process breaker set.
func NewBreakers(cfg BreakerConfig, logger *slog.Logger) *Breakers {
	mk := func(name string) *gobreaker.CircuitBreaker {
		return gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: cfg.HalfOpenSuccesses,
			Timeout:     cfg.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
			},
			IsSuccessful: func(err error) bool {
				// Permanent client errors are not a health signal for the
				// service; only transient failures count against it.
				return err == nil || !IsRetryable(err)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				if logger != nil {
					logger.Warn("circuit breaker state change",
						slog.String("service", name),
						slog.String("from", from.String()),
						slog.String("to", to.String()))
				}
			},
		})
	}
	return &Breakers{
		external: mk(BreakerExternal),
		internal: mk(BreakerInternal),
		cfg:      cfg,
	}
}

// Execute runs fn through the breaker for the named service. When the breaker
// is open the call is rejected fast with CircuitOpenError.
func (b *Breakers) Execute(ctx context.Context, service string, fn func(context.Context) error) error {
	cb := b.internal
	if service == BreakerExternal {
		cb = b.external
	}
	_, err := cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &CircuitOpenError{Service: service, RetryAfter: b.cfg.OpenTimeout}
	}
	return err
}
