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
	"slices"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"go.corp.nvidia.com/codehub/internal/activity"
	"go.corp.nvidia.com/codehub/internal/events"
	"go.corp.nvidia.com/codehub/internal/runtimeport"
)

type fakeSchedulerStore struct {
	syncMatched []string
	toStandby   []string
	toArchived  []string
	protected   []string
	activeIDs   []string

	syncedIDs []string
}

func (s *fakeSchedulerStore) SyncLastAccess(ctx context.Context, ids []string, times []time.Time) ([]string, error) {
	s.syncedIDs = append([]string(nil), ids...)
	return s.syncMatched, nil
}

func (s *fakeSchedulerStore) DemoteIdleRunning(ctx context.Context, now time.Time) ([]string, error) {
	return s.toStandby, nil
}

func (s *fakeSchedulerStore) DemoteIdleStandby(ctx context.Context, now time.Time) ([]string, error) {
	return s.toArchived, nil
}

func (s *fakeSchedulerStore) ProtectedArchives(ctx context.Context, prefix string) ([]string, error) {
	return s.protected, nil
}

func (s *fakeSchedulerStore) ListActiveIDs(ctx context.Context) ([]string, error) {
	return s.activeIDs, nil
}

func testScheduler(t *testing.T, store *fakeSchedulerStore, rt *fakeRuntime, config SchedulerConfig) (*Scheduler, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewScheduler(store, rt, activity.NewStore(client), client, config, nil), mr, client
}

func TestSchedulerTTLSyncDeletesOnlyMatchedKeys(t *testing.T) {
	store := &fakeSchedulerStore{syncMatched: []string{"w1"}}
	rt := &fakeRuntime{}
	sched, mr, _ := testScheduler(t, store, rt,
		SchedulerConfig{TTLInterval: time.Minute, GCInterval: time.Hour, ArchivePrefix: "codehub-ws-"})
	sched.lastGC = time.Now()

	mr.Set("last_access:w1", "1700000000")
	mr.Set("last_access:w2", "1700000001")

	if _, err := sched.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if len(store.syncedIDs) != 2 {
		t.Errorf("synced %v, want both buffered ids", store.syncedIDs)
	}
	if mr.Exists("last_access:w1") {
		t.Error("matched key must be deleted after sync")
	}
	if !mr.Exists("last_access:w2") {
		t.Error("unmatched key must be kept for the next sync")
	}
}

func TestSchedulerEmptyScanIsNoop(t *testing.T) {
	store := &fakeSchedulerStore{}
	rt := &fakeRuntime{}
	sched, _, client := testScheduler(t, store, rt,
		SchedulerConfig{TTLInterval: time.Minute, GCInterval: time.Hour})
	sched.lastGC = time.Now()

	changed, err := sched.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if changed {
		t.Error("nothing to do must report no change")
	}
	if store.syncedIDs != nil {
		t.Errorf("empty scan must not sync, got %v", store.syncedIDs)
	}
	if exists, _ := client.Exists(context.Background(), events.WakeStream).Result(); exists != 0 {
		t.Error("no demotions must not publish a wake")
	}
}

func TestSchedulerDemotionWakesController(t *testing.T) {
	store := &fakeSchedulerStore{toStandby: []string{"w1"}}
	rt := &fakeRuntime{}
	sched, _, client := testScheduler(t, store, rt,
		SchedulerConfig{TTLInterval: time.Minute, GCInterval: time.Hour})
	sched.lastGC = time.Now()

	changed, err := sched.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if !changed {
		t.Fatal("demotion must report a change")
	}
	msgs, err := client.XRange(context.Background(), events.WakeStream, "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Values["target"] != events.TargetController {
		t.Errorf("expected one controller wake, got %v", msgs)
	}
}

func TestSchedulerGCProtectsAndReapsOrphans(t *testing.T) {
	store := &fakeSchedulerStore{
		protected: []string{"codehub-ws-w1/arc1/home.tar.zst"},
		activeIDs: []string{"w1"},
	}
	rt := &fakeRuntime{states: []runtimeport.WorkspaceState{
		{WorkspaceID: "w1"},
		{WorkspaceID: "ghost"},
	}}
	sched, _, _ := testScheduler(t, store, rt,
		SchedulerConfig{TTLInterval: time.Hour, GCInterval: time.Minute})
	sched.lastTTL = time.Now()

	if _, err := sched.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if !slices.Equal(rt.gcKeys, store.protected) {
		t.Errorf("gc protected keys = %v, want %v", rt.gcKeys, store.protected)
	}
	if !slices.Equal(rt.gcIDs, store.activeIDs) {
		t.Errorf("gc protected workspaces = %v, want %v", rt.gcIDs, store.activeIDs)
	}

	calls := rt.recorded()
	if !slices.Contains(calls, "delete:ghost") {
		t.Errorf("orphan must be deleted, calls = %v", calls)
	}
	if slices.Contains(calls, "delete:w1") {
		t.Errorf("live workspace must not be deleted, calls = %v", calls)
	}
	// Observe precedes the database snapshot so a fresh workspace can never
	// be mistaken for an orphan.
	if calls[0] != "observe" {
		t.Errorf("observe must run first, calls = %v", calls)
	}
}
