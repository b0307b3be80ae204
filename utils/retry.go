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
	"log/slog"
	"net"
	"strings"
	"time"
)

// TransientError marks an error as retryable regardless of its underlying type.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks an error as non-retryable regardless of its underlying type.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// UpstreamStatusError reports a non-2xx HTTP response from an upstream service
// (the workspace agent or object storage front). Status drives retry
// classification: 5xx and 429 are transient, other 4xx are permanent.
type UpstreamStatusError struct {
	Service    string
	StatusCode int
	Code       string
	Message    string
}

func (e *UpstreamStatusError) Error() string {
	if e.Code != "" {
		return e.Service + ": " + e.Code + ": " + e.Message
	}
	return e.Service + ": unexpected status " + strings.TrimSpace(e.Message)
}

// transientStorageCodes are object-storage error codes that indicate a
// temporary condition on an otherwise healthy path.
var transientStorageCodes = map[string]bool{
	"Throttling":         true,
	"SlowDown":           true,
	"ServiceUnavailable": true,
	"RequestTimeout":     true,
}

// permanentStorageCodes are object-storage error codes that no amount of
// retrying will fix.
var permanentStorageCodes = map[string]bool{
	"AccessDenied": true,
	"NoSuchBucket": true,
	"NoSuchKey":    true,
	"InvalidURL":   true,
}

// IsRetryable is the common retry classifier shared by the workspace
// controller, the scheduler and the proxy, so all callers agree on what is
// transient (connect/read timeouts, 5xx, 429, storage throttling, "volume in
// use") versus permanent (other 4xx, access/key errors).
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}
	var permanent *PermanentError
	if errors.As(err, &permanent) {
		return false
	}

	var upstream *UpstreamStatusError
	if errors.As(err, &upstream) {
		if permanentStorageCodes[upstream.Code] {
			return false
		}
		if transientStorageCodes[upstream.Code] {
			return true
		}
		if upstream.StatusCode == 429 || upstream.StatusCode >= 500 {
			return true
		}
		return false
	}

	var breaker *CircuitOpenError
	if errors.As(err, &breaker) {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "i/o timeout"),
		strings.Contains(msg, "volume is in use"),
		strings.Contains(msg, "no such host"):
		return true
	}
	return false
}

// RetryConfig controls the Retry helper.
type RetryConfig struct {
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration
}

// DefaultRetryConfig matches the backoff policy the coordinators use against
// the runtime agent.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		Base:        500 * time.Millisecond,
		Cap:         10 * time.Second,
	}
}

// Retry runs fn, retrying transient failures with exponential backoff and
// jitter. Permanent failures and context cancellation return immediately.
func Retry(ctx context.Context, cfg RetryConfig, logger *slog.Logger, opName string, fn func(context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) || attempt == cfg.MaxAttempts {
			return lastErr
		}

		delay := CalculateBackoff(attempt, cfg.Base, cfg.Cap)
		if logger != nil {
			logger.Warn("retrying after transient failure",
				slog.String("op", opName),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("error", lastErr.Error()))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}
