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

// Package events implements the two-stage event bus: a single elected
// listener translates PostgreSQL NOTIFY into Redis streams, per-user for SSE
// fan-out and a shared wake stream for the coordinators.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"

	"go.corp.nvidia.com/codehub/internal/leader"
)

const (
	// ChannelSSE carries workspace changes for user-facing streams; delete
	// transitions ride the same channel.
	ChannelSSE = "ws_sse"
	// ChannelDeleted is the legacy delete channel, still translated for
	// databases running older migrations.
	ChannelDeleted = "ws_deleted"
	// ChannelWake nudges the coordinators on intent changes.
	ChannelWake = "ws_wake"

	// WakeStream is the coordinator wake stream.
	WakeStream = "stream:wake"
	// WakeGroup is the consumer group shared by all coordinators.
	WakeGroup = "coordinators"

	userStreamMaxLen = 1000
	wakeStreamMaxLen = 100

	lockTimeout = 5 * time.Second
)

// Wake targets. A wake names the coordinator type it is for; others ACK and
// skip.
const (
	TargetObserver   = "ob"
	TargetController = "wc"
	TargetGC         = "gc"
)

// UserStream returns the SSE stream key for a user.
func UserStream(userID string) string {
	return "events:" + userID
}

// ChangePayload is the trigger payload on the SSE channels.
type ChangePayload struct {
	ID          string `json:"id"`
	OwnerUserID string `json:"owner_user_id"`
	Deleted     bool   `json:"deleted,omitempty"`
}

// ListenerConfig configures the event listener.
type ListenerConfig struct {
	// PostgresURL is dialed twice: once for the election lock, once for the
	// LISTEN session. The LISTEN connection blocks in WaitForNotification,
	// so leadership verification needs its own connection.
	PostgresURL string
	// LeaderRetryInterval paces re-election attempts while following.
	LeaderRetryInterval time.Duration
	// VerifyInterval bounds how long a notification wait runs before the
	// advisory lock is re-verified.
	VerifyInterval time.Duration
}

// DefaultListenerConfig returns the production listener tuning.
func DefaultListenerConfig(postgresURL string) ListenerConfig {
	return ListenerConfig{
		PostgresURL:         postgresURL,
		LeaderRetryInterval: 5 * time.Second,
		VerifyInterval:      60 * time.Second,
	}
}

// Listener is the singleton NOTIFY-to-stream pump. Followers block awaiting
// leadership; only the leader issues LISTEN or publishes to Redis, which is
// what keeps the per-user streams at-most-once per commit.
type Listener struct {
	config  ListenerConfig
	redis   *redis.Client
	elector *leader.Elector
	logger  *slog.Logger
}

// NewListener creates an event listener using the given elector for the
// event_listener role.
func NewListener(config ListenerConfig, redisClient *redis.Client, elector *leader.Elector, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		config:  config,
		redis:   redisClient,
		elector: elector,
		logger:  logger,
	}
}

// Run pumps notifications until the context ends.
func (l *Listener) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		held, err := l.elector.TryAcquire(ctx, lockTimeout)
		if err != nil {
			l.logger.Warn("Event listener election attempt failed", "error", err)
		}
		if !held {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(l.config.LeaderRetryInterval):
			}
			continue
		}

		if err := l.pump(ctx); err != nil && !errors.Is(err, context.Canceled) {
			l.logger.Error("Event listener pump failed, re-electing", "error", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// pump holds a LISTEN session for the duration of one leadership term.
func (l *Listener) pump(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.config.PostgresURL)
	if err != nil {
		return fmt.Errorf("failed to open listen connection: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		conn.Close(closeCtx)
	}()

	for _, channel := range []string{ChannelSSE, ChannelDeleted, ChannelWake} {
		if _, err := conn.Exec(ctx, "LISTEN "+channel); err != nil {
			return fmt.Errorf("failed to listen on %s: %w", channel, err)
		}
	}
	l.logger.Info("Event listener active", "channels",
		[]string{ChannelSSE, ChannelDeleted, ChannelWake})

	for {
		waitCtx, cancel := context.WithTimeout(ctx, l.config.VerifyInterval)
		notification, err := conn.WaitForNotification(waitCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				held, verr := l.elector.VerifyHolding(ctx, lockTimeout)
				if verr != nil {
					return fmt.Errorf("failed to verify leadership: %w", verr)
				}
				if !held {
					l.logger.Warn("Event listener lost leadership")
					return nil
				}
				continue
			}
			return fmt.Errorf("notification wait failed: %w", err)
		}

		if err := l.publish(ctx, notification.Channel, notification.Payload); err != nil {
			l.logger.Error("Failed to publish notification",
				"channel", notification.Channel, "error", err)
		}
	}
}

func (l *Listener) publish(ctx context.Context, channel, payload string) error {
	switch channel {
	case ChannelSSE, ChannelDeleted:
		var change ChangePayload
		if err := json.Unmarshal([]byte(payload), &change); err != nil {
			return fmt.Errorf("malformed payload on %s: %w", channel, err)
		}
		if change.OwnerUserID == "" {
			return fmt.Errorf("payload on %s lacks owner_user_id", channel)
		}
		if channel == ChannelDeleted {
			change.Deleted = true
			data, err := json.Marshal(change)
			if err != nil {
				return err
			}
			payload = string(data)
		}
		return l.redis.XAdd(ctx, &redis.XAddArgs{
			Stream: UserStream(change.OwnerUserID),
			MaxLen: userStreamMaxLen,
			Approx: true,
			Values: map[string]any{"data": payload},
		}).Err()

	case ChannelWake:
		return PublishWake(ctx, l.redis, TargetObserver, TargetController)

	default:
		return fmt.Errorf("unexpected channel %q", channel)
	}
}

// PublishWake pushes one wake message per target onto the wake stream.
func PublishWake(ctx context.Context, client *redis.Client, targets ...string) error {
	for _, target := range targets {
		err := client.XAdd(ctx, &redis.XAddArgs{
			Stream: WakeStream,
			MaxLen: wakeStreamMaxLen,
			Approx: true,
			Values: map[string]any{"target": target},
		}).Err()
		if err != nil {
			return fmt.Errorf("failed to publish %s wake: %w", target, err)
		}
	}
	return nil
}
