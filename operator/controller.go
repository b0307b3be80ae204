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

	"golang.org/x/sync/errgroup"

	"go.corp.nvidia.com/codehub/internal/activity"
	"go.corp.nvidia.com/codehub/internal/runtimeport"
	"go.corp.nvidia.com/codehub/internal/state"
	"go.corp.nvidia.com/codehub/internal/workspace"
	"go.corp.nvidia.com/codehub/utils"
	metrics "go.corp.nvidia.com/codehub/utils/metrics-go"
)

// ControllerConfig tunes the workspace controller.
type ControllerConfig struct {
	// OperationTimeout is how long an in-flight operation may run before the
	// planner declares ERROR.
	OperationTimeout time.Duration
	// MaxParallel bounds per-tick runtime fan-out.
	MaxParallel int
}

// controllerStore is the slice of the workspace store the controller writes
// through.
type controllerStore interface {
	ListReconcileCandidates(ctx context.Context) ([]*workspace.Workspace, error)
	ApplyPlan(ctx context.Context, id string, expectedOp workspace.Operation, u workspace.PlanUpdate, now time.Time) (bool, error)
}

// Controller is the convergence engine: it judges and plans every
// non-converged workspace, executes runtime operations in parallel, and
// persists results serially with compare-and-set on the operation column.
type Controller struct {
	store    controllerStore
	runtime  runtimeport.Runtime
	activity *activity.Store
	breakers *utils.Breakers
	retry    utils.RetryConfig
	config   ControllerConfig
	logger   *slog.Logger

	// metrics may stay nil; recording on a nil creator is a no-op.
	metrics *metrics.MetricCreator

	lastHeartbeat time.Time
}

// NewController creates the workspace controller.
func NewController(store controllerStore, runtime runtimeport.Runtime, activityStore *activity.Store, breakers *utils.Breakers, config ControllerConfig, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxParallel <= 0 {
		config.MaxParallel = 8
	}
	return &Controller{
		store:    store,
		runtime:  runtime,
		activity: activityStore,
		breakers: breakers,
		retry:    utils.DefaultRetryConfig(),
		config:   config,
		logger:   logger,
	}
}

// plannedWork is one workspace's tick outcome: the plan plus any execution
// failure, carried from the parallel phase to the serial persist phase.
type plannedWork struct {
	ws      *workspace.Workspace
	action  state.PlanAction
	execErr error
}

// Tick converges every reconcile candidate. Runtime calls fan out in
// parallel; persistence runs serially on the shared election connection.
func (c *Controller) Tick(ctx context.Context) (bool, error) {
	candidates, err := c.store.ListReconcileCandidates(ctx)
	if err != nil {
		return false, err
	}
	now := time.Now().UTC()

	work := make([]*plannedWork, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.config.MaxParallel)
	for i, ws := range candidates {
		g.Go(func() error {
			work[i] = c.process(gctx, ws, now)
			return nil
		})
	}
	_ = g.Wait()

	changed := false
	for _, w := range work {
		if w == nil || !w.action.Persist {
			continue
		}
		if c.persist(ctx, w, now) {
			changed = true
		}
	}

	if !changed && time.Since(c.lastHeartbeat) >= time.Hour {
		c.logger.Info("Controller heartbeat", "candidates", len(candidates))
		c.lastHeartbeat = now
	}
	return changed, nil
}

// process judges, plans and executes one workspace. It never writes the
// database; that happens serially afterwards.
func (c *Controller) process(ctx context.Context, ws *workspace.Workspace, now time.Time) *plannedWork {
	judgement := state.Judge(state.JudgeInput{
		Conditions:    ws.Conditions,
		Deleted:       ws.DeletedAt != nil,
		HasArchiveKey: ws.HasArchiveKey(),
	})
	action := state.Plan(state.PlanInput{
		Workspace:       ws,
		Judge:           judgement,
		Now:             now,
		OpTimeout:       c.config.OperationTimeout,
		NextOpID:        workspace.NewOpID(),
		NextArchiveOpID: workspace.NewOpID(),
	})
	if action.Invalid {
		c.logger.Warn("No legal operation for workspace",
			"workspace_id", ws.ID, "phase", judgement.Phase, "desired", ws.DesiredState)
		return nil
	}

	w := &plannedWork{ws: ws, action: action}
	if action.Execute {
		w.execErr = c.execute(ctx, ws, action)
		if w.execErr != nil {
			c.logger.Warn("Operation execution failed",
				"workspace_id", ws.ID,
				"operation", action.Operation,
				"error", w.execErr)
		}
	}
	return w
}

// execute dispatches the planned operation to the runtime with the shared
// retry classifier behind the external breaker. Failures are not fatal: the
// operation row is persisted anyway and the next tick retries idempotently.
func (c *Controller) execute(ctx context.Context, ws *workspace.Workspace, action state.PlanAction) error {
	run := func(opName string, fn func(context.Context) error) error {
		return c.breakers.Execute(ctx, utils.BreakerExternal, func(ctx context.Context) error {
			return utils.Retry(ctx, c.retry, c.logger, opName, fn)
		})
	}

	switch action.Operation {
	case workspace.OpProvisioning:
		return run("provision", func(ctx context.Context) error {
			return c.runtime.Provision(ctx, ws.ID)
		})
	case workspace.OpStarting:
		return run("start", func(ctx context.Context) error {
			return c.runtime.Start(ctx, ws.ID, ws.ImageRef)
		})
	case workspace.OpStopping:
		return run("stop", func(ctx context.Context) error {
			return c.runtime.Stop(ctx, ws.ID)
		})
	case workspace.OpArchiving:
		// The volume may only be removed after the archive is durably
		// committed; the agent skips the upload when both blobs exist.
		if err := run("archive", func(ctx context.Context) error {
			_, err := c.runtime.Archive(ctx, ws.ID, action.ArchiveOpID)
			return err
		}); err != nil {
			return err
		}
		if err := run("stop", func(ctx context.Context) error {
			return c.runtime.Stop(ctx, ws.ID)
		}); err != nil {
			return err
		}
		return run("delete", func(ctx context.Context) error {
			return c.runtime.Delete(ctx, ws.ID)
		})
	case workspace.OpRestoring:
		if !ws.HasArchiveKey() {
			return fmt.Errorf("restore planned for %s without an archive key", ws.ID)
		}
		return run("restore", func(ctx context.Context) error {
			return c.runtime.Restore(ctx, ws.ID, *ws.ArchiveKey)
		})
	case workspace.OpCreateEmptyArchive:
		return run("create_empty_archive", func(ctx context.Context) error {
			_, err := c.runtime.CreateEmptyArchive(ctx, ws.ID, action.ArchiveOpID)
			return err
		})
	case workspace.OpDeleting:
		return run("delete", func(ctx context.Context) error {
			return c.runtime.Delete(ctx, ws.ID)
		})
	default:
		return fmt.Errorf("unexpected operation %q", action.Operation)
	}
}

// persist writes one plan result with CAS on the loaded operation. A CAS
// miss means the row changed underneath this tick; the next tick reloads.
func (c *Controller) persist(ctx context.Context, w *plannedWork, now time.Time) bool {
	ws, action := w.ws, w.action

	matched, err := c.store.ApplyPlan(ctx, ws.ID, ws.Operation, workspace.PlanUpdate{
		Operation:       action.Operation,
		Phase:           action.Phase,
		ErrorReason:     action.ErrorReason,
		StartOp:         action.StartOp,
		OpID:            action.OpID,
		ArchiveOpID:     action.ArchiveOpID,
		ArchiveKey:      action.ArchiveKey,
		ClearArchiveKey: action.ClearArchiveKey,
	}, now)
	if err != nil {
		c.logger.Error("Failed to persist plan", "workspace_id", ws.ID, "error", err)
		return false
	}
	if !matched {
		c.logger.Warn("Workspace changed during tick, skipping",
			"workspace_id", ws.ID, "expected_operation", ws.Operation)
		return false
	}

	if action.Complete && ws.Operation == workspace.OpDeleting {
		// A deleted workspace must not resurrect last_access_at from a
		// stale buffered timestamp.
		if err := c.activity.Invalidate(ctx, ws.ID); err != nil {
			c.logger.Warn("Failed to invalidate activity entry",
				"workspace_id", ws.ID, "error", err)
		}
	}

	if ws.Phase != action.Phase || ws.Operation != action.Operation {
		if err := c.metrics.RecordCounter(ctx, "codehub.controller.transitions", 1,
			"{transition}", "Persisted workspace state transitions",
			map[string]string{
				"phase":     string(action.Phase),
				"operation": string(action.Operation),
			}); err != nil {
			c.logger.Debug("Failed to record transition metric", "error", err)
		}
		c.logger.Info("Workspace state changed",
			"workspace_id", ws.ID,
			"phase", action.Phase,
			"operation", action.Operation,
			"desired", ws.DesiredState)
		return true
	}
	return false
}
