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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"go.corp.nvidia.com/codehub/internal/events"
	"go.corp.nvidia.com/codehub/internal/runtimeport"
	"go.corp.nvidia.com/codehub/internal/workspace"
)

// observerStore is the slice of the workspace store the observer writes
// through.
type observerStore interface {
	ListForObserver(ctx context.Context) ([]workspace.ObservedRow, error)
	UpdateConditionsBulk(ctx context.Context, ids []string, conditions []workspace.Conditions, observedAt time.Time) error
}

// Observer is the single writer of workspace conditions. Each tick it asks
// the runtime for the state of every managed workspace, diffs against the
// stored conditions, and bulk-writes the changes.
type Observer struct {
	store          observerStore
	runtime        runtimeport.Runtime
	redis          *redis.Client
	observeTimeout time.Duration
	logger         *slog.Logger
}

// NewObserver creates an observer coordinator.
func NewObserver(store observerStore, runtime runtimeport.Runtime, redisClient *redis.Client, observeTimeout time.Duration, logger *slog.Logger) *Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Observer{
		store:          store,
		runtime:        runtime,
		redis:          redisClient,
		observeTimeout: observeTimeout,
		logger:         logger,
	}
}

// Tick refreshes conditions. A runtime observe timeout makes the whole tick
// a pure skip: no writes, no wakes.
func (o *Observer) Tick(ctx context.Context) (bool, error) {
	observeCtx, cancel := context.WithTimeout(ctx, o.observeTimeout)
	states, err := o.runtime.Observe(observeCtx)
	cancel()
	if err != nil {
		return false, fmt.Errorf("observe failed: %w", err)
	}

	byID := make(map[string]runtimeport.WorkspaceState, len(states))
	for _, s := range states {
		byID[s.WorkspaceID] = s
	}

	rows, err := o.store.ListForObserver(ctx)
	if err != nil {
		return false, err
	}

	var ids []string
	var conditions []workspace.Conditions
	for _, row := range rows {
		// A workspace the runtime did not report gets an all-nil vector:
		// disappearance is a signal, not missing data.
		next := byID[row.ID].Conditions()
		if !row.Conditions.Equal(next) {
			ids = append(ids, row.ID)
			conditions = append(conditions, next)
		}
	}
	if len(ids) == 0 {
		return false, nil
	}

	if err := o.store.UpdateConditionsBulk(ctx, ids, conditions, time.Now().UTC()); err != nil {
		return false, err
	}
	if err := events.PublishWake(ctx, o.redis, events.TargetController); err != nil {
		o.logger.Warn("Failed to publish controller wake", "error", err)
	}

	o.logger.Info("Observer updated conditions", "count", len(ids))
	return true, nil
}
