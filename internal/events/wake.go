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

package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// WakeConsumer reads the shared wake stream through the coordinators group.
// Every consumer sees every message; messages for other coordinator types
// are ACKed and skipped so one type never blocks another.
type WakeConsumer struct {
	client   *redis.Client
	target   string
	consumer string
	logger   *slog.Logger
	ready    bool
}

// NewWakeConsumer creates a wake consumer for one coordinator. consumer must
// be unique per process and role, e.g. "<hostname>-<pid>-wc".
func NewWakeConsumer(client *redis.Client, target, consumer string, logger *slog.Logger) *WakeConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &WakeConsumer{
		client:   client,
		target:   target,
		consumer: consumer,
		logger:   logger,
	}
}

// Subscribe ensures the stream and group exist. Idempotent.
func (w *WakeConsumer) Subscribe(ctx context.Context) error {
	if w.ready {
		return nil
	}
	err := w.client.XGroupCreateMkStream(ctx, WakeStream, WakeGroup, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create wake group: %w", err)
	}
	w.ready = true
	return nil
}

// Wait blocks up to the given duration for a wake addressed to this
// consumer's target. It returns true when one arrived; a timeout is a normal
// false return.
func (w *WakeConsumer) Wait(ctx context.Context, block time.Duration) (bool, error) {
	if err := w.Subscribe(ctx); err != nil {
		return false, err
	}

	deadline := time.Now().Add(block)
	woken := false
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return woken, nil
		}

		streams, err := w.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    WakeGroup,
			Consumer: w.consumer,
			Streams:  []string{WakeStream, ">"},
			Count:    16,
			Block:    remaining,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return woken, nil
			}
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			return false, fmt.Errorf("wake read failed: %w", err)
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				// ACK unconditionally: skipped targets must not pile up in
				// this consumer's pending list.
				if err := w.client.XAck(ctx, WakeStream, WakeGroup, msg.ID).Err(); err != nil {
					w.logger.Warn("Failed to ack wake message", "id", msg.ID, "error", err)
				}
				if target, _ := msg.Values["target"].(string); target == w.target {
					woken = true
				}
			}
		}
		if woken {
			return true, nil
		}
	}
}

// Unsubscribe removes this consumer from the group, typically on leadership
// loss or shutdown.
func (w *WakeConsumer) Unsubscribe(ctx context.Context) {
	if !w.ready {
		return
	}
	w.ready = false
	if err := w.client.XGroupDelConsumer(ctx, WakeStream, WakeGroup, w.consumer).Err(); err != nil {
		w.logger.Warn("Failed to remove wake consumer", "consumer", w.consumer, "error", err)
	}
}
