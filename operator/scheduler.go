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
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"go.corp.nvidia.com/codehub/internal/activity"
	"go.corp.nvidia.com/codehub/internal/events"
	"go.corp.nvidia.com/codehub/internal/runtimeport"
)

// SchedulerConfig tunes the TTL and GC schedules.
type SchedulerConfig struct {
	TTLInterval time.Duration
	GCInterval  time.Duration
	// ArchivePrefix is the object-key prefix for workspace archives.
	ArchivePrefix string
}

// DefaultSchedulerConfig returns the production schedule.
func DefaultSchedulerConfig(archivePrefix string) SchedulerConfig {
	return SchedulerConfig{
		TTLInterval:   time.Minute,
		GCInterval:    4 * time.Hour,
		ArchivePrefix: archivePrefix,
	}
}

// schedulerStore is the slice of the workspace store the scheduler writes
// through.
type schedulerStore interface {
	SyncLastAccess(ctx context.Context, ids []string, times []time.Time) ([]string, error)
	DemoteIdleRunning(ctx context.Context, now time.Time) ([]string, error)
	DemoteIdleStandby(ctx context.Context, now time.Time) ([]string, error)
	ProtectedArchives(ctx context.Context, prefix string) ([]string, error)
	ListActiveIDs(ctx context.Context) ([]string, error)
}

// Scheduler runs two schedules inside one coordinator: TTL demotion with
// activity sync, and orphan garbage collection.
type Scheduler struct {
	store    schedulerStore
	runtime  runtimeport.Runtime
	activity *activity.Store
	redis    *redis.Client
	config   SchedulerConfig
	logger   *slog.Logger

	lastTTL time.Time
	lastGC  time.Time
}

// NewScheduler creates the scheduler coordinator.
func NewScheduler(store schedulerStore, runtime runtimeport.Runtime, activityStore *activity.Store, redisClient *redis.Client, config SchedulerConfig, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    store,
		runtime:  runtime,
		activity: activityStore,
		redis:    redisClient,
		config:   config,
		logger:   logger,
	}
}

// Tick runs whichever schedules are due by elapsed wall time.
func (s *Scheduler) Tick(ctx context.Context) (bool, error) {
	changed := false

	if time.Since(s.lastTTL) >= s.config.TTLInterval {
		s.lastTTL = time.Now()
		demoted, err := s.runTTL(ctx)
		if err != nil {
			return changed, err
		}
		changed = changed || demoted
	}

	if time.Since(s.lastGC) >= s.config.GCInterval {
		s.lastGC = time.Now()
		if err := s.runGC(ctx); err != nil {
			return changed, err
		}
	}

	return changed, nil
}

// runTTL syncs buffered activity into the database and demotes idle
// workspaces: RUNNING past its standby TTL goes to STANDBY, STANDBY past its
// archive TTL goes to ARCHIVED.
func (s *Scheduler) runTTL(ctx context.Context) (bool, error) {
	entries, err := s.activity.Scan(ctx)
	if err != nil {
		return false, err
	}
	if len(entries) > 0 {
		ids := make([]string, 0, len(entries))
		times := make([]time.Time, 0, len(entries))
		for id, ts := range entries {
			ids = append(ids, id)
			times = append(times, ts)
		}
		matched, err := s.store.SyncLastAccess(ctx, ids, times)
		if err != nil {
			return false, err
		}
		// Delete only keys whose rows matched: an unmatched key belongs to
		// a workspace this database no longer tracks, or to a row another
		// statement is touching, and a later sync will retry it.
		if err := s.activity.Delete(ctx, matched); err != nil {
			s.logger.Warn("Failed to delete synced activity keys", "error", err)
		}
	}

	now := time.Now().UTC()
	toStandby, err := s.store.DemoteIdleRunning(ctx, now)
	if err != nil {
		return false, err
	}
	toArchived, err := s.store.DemoteIdleStandby(ctx, now)
	if err != nil {
		return false, err
	}

	if len(toStandby) == 0 && len(toArchived) == 0 {
		return false, nil
	}
	s.logger.Info("Demoted idle workspaces",
		"to_standby", toStandby, "to_archived", toArchived)
	if err := events.PublishWake(ctx, s.redis, events.TargetController); err != nil {
		s.logger.Warn("Failed to publish controller wake", "error", err)
	}
	return true, nil
}

// runGC reaps orphan archives and orphan container/volume sets. Observe runs
// before the database snapshot: a workspace created between the two shows up
// in the database but not in the earlier observation, so it can never be
// mistaken for an orphan.
func (s *Scheduler) runGC(ctx context.Context) error {
	states, err := s.runtime.Observe(ctx)
	if err != nil {
		return err
	}

	protected, err := s.store.ProtectedArchives(ctx, s.config.ArchivePrefix)
	if err != nil {
		return err
	}
	activeIDs, err := s.store.ListActiveIDs(ctx)
	if err != nil {
		return err
	}

	result, err := s.runtime.RunGC(ctx, protected, activeIDs)
	if err != nil {
		return err
	}
	if result.DeletedCount > 0 {
		s.logger.Info("Archive GC removed orphans",
			"count", result.DeletedCount, "keys", result.DeletedKeys)
	}

	known := make(map[string]bool, len(activeIDs))
	for _, id := range activeIDs {
		known[id] = true
	}
	for _, state := range states {
		if known[state.WorkspaceID] {
			continue
		}
		s.logger.Info("Deleting orphan runtime resources", "workspace_id", state.WorkspaceID)
		if err := s.runtime.Delete(ctx, state.WorkspaceID); err != nil {
			s.logger.Warn("Failed to delete orphan resources",
				"workspace_id", state.WorkspaceID, "error", err)
		}
	}
	return nil
}
