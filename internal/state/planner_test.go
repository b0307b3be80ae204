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

package state

import (
	"testing"
	"time"

	"go.corp.nvidia.com/codehub/internal/workspace"
)

var (
	planNow   = time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	opTimeout = 10 * time.Minute
)

func planInput(ws *workspace.Workspace) PlanInput {
	return PlanInput{
		Workspace:       ws,
		Judge:           Judge(JudgeInput{Conditions: ws.Conditions, Deleted: ws.DeletedAt != nil, HasArchiveKey: ws.HasArchiveKey()}),
		Now:             planNow,
		OpTimeout:       opTimeout,
		NextOpID:        "nextop",
		NextArchiveOpID: "nextarc",
	}
}

func baseWorkspace() *workspace.Workspace {
	return &workspace.Workspace{
		ID:           "01ARZ3NDEKTSV4RRFFQ69G5FAV",
		Phase:        workspace.PhasePending,
		Operation:    workspace.OpNone,
		DesiredState: workspace.DesiredRunning,
	}
}

func TestPlanSelectsNextOperation(t *testing.T) {
	tests := []struct {
		name    string
		phase   workspace.Phase
		cond    workspace.Conditions
		desired workspace.DesiredState
		wantOp  workspace.Operation
	}{
		{"pending to running provisions", workspace.PhasePending, conds(false, false, false), workspace.DesiredRunning, workspace.OpProvisioning},
		{"pending to standby provisions", workspace.PhasePending, conds(false, false, false), workspace.DesiredStandby, workspace.OpProvisioning},
		{"pending to archived creates empty archive", workspace.PhasePending, conds(false, false, false), workspace.DesiredArchived, workspace.OpCreateEmptyArchive},
		{"standby to running starts", workspace.PhaseStandby, conds(false, true, false), workspace.DesiredRunning, workspace.OpStarting},
		{"standby to archived archives", workspace.PhaseStandby, conds(false, true, false), workspace.DesiredArchived, workspace.OpArchiving},
		{"running to standby stops", workspace.PhaseRunning, conds(true, true, false), workspace.DesiredStandby, workspace.OpStopping},
		{"running to archived stops first", workspace.PhaseRunning, conds(true, true, false), workspace.DesiredArchived, workspace.OpStopping},
		{"archived to running restores", workspace.PhaseArchived, conds(false, false, true), workspace.DesiredRunning, workspace.OpRestoring},
		{"archived to standby restores", workspace.PhaseArchived, conds(false, false, true), workspace.DesiredStandby, workspace.OpRestoring},
		{"running to deleted deletes", workspace.PhaseRunning, conds(true, true, false), workspace.DesiredDeleted, workspace.OpDeleting},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ws := baseWorkspace()
			ws.Phase = tt.phase
			ws.Conditions = tt.cond
			ws.DesiredState = tt.desired
			if tt.desired == workspace.DesiredDeleted {
				deleted := planNow.Add(-time.Minute)
				ws.DeletedAt = &deleted
			}
			if tt.phase == workspace.PhaseArchived {
				key := "codehub-ws-" + ws.ID + "/arc0/home.tar.zst"
				ws.ArchiveKey = &key
			}

			action := Plan(planInput(ws))
			if action.Invalid {
				t.Fatal("unexpected invalid plan")
			}
			if action.Operation != tt.wantOp {
				t.Fatalf("operation = %s, want %s", action.Operation, tt.wantOp)
			}
			if !action.StartOp || !action.Execute || !action.Persist {
				t.Errorf("new operation must start, execute and persist: %+v", action)
			}
			if action.OpID != "nextop" {
				t.Errorf("op id = %q, want nextop", action.OpID)
			}
			switch tt.wantOp {
			case workspace.OpArchiving, workspace.OpCreateEmptyArchive:
				if action.ArchiveOpID != "nextarc" {
					t.Errorf("archive op id = %q, want fresh nextarc", action.ArchiveOpID)
				}
			default:
				if action.ArchiveOpID != ws.ArchiveOpID {
					t.Errorf("archive op id = %q, want preserved %q", action.ArchiveOpID, ws.ArchiveOpID)
				}
			}
		})
	}
}

func TestPlanConvergedIsNoop(t *testing.T) {
	ws := baseWorkspace()
	ws.Phase = workspace.PhaseRunning
	ws.DesiredState = workspace.DesiredRunning
	ws.Conditions = conds(true, true, false)

	action := Plan(planInput(ws))
	if action.Execute || action.Persist || action.StartOp {
		t.Fatalf("converged workspace must be a no-op, got %+v", action)
	}
	if action.Operation != workspace.OpNone {
		t.Errorf("operation = %s, want NONE", action.Operation)
	}
}

func TestPlanConvergedCatchesUpStalePhase(t *testing.T) {
	// Stored RUNNING, container gone, desired STANDBY: judge already says
	// STANDBY, so convergence only needs the row to catch up.
	ws := baseWorkspace()
	ws.Phase = workspace.PhaseRunning
	ws.DesiredState = workspace.DesiredStandby
	ws.Conditions = conds(false, true, false)

	action := Plan(planInput(ws))
	if action.Execute {
		t.Fatal("no runtime call expected for a phase catch-up")
	}
	if !action.Persist {
		t.Fatal("stale phase must be persisted")
	}
	if action.Phase != workspace.PhaseStandby {
		t.Errorf("phase = %s, want STANDBY", action.Phase)
	}
}

func TestPlanInFlightRetryPreservesArchiveOpID(t *testing.T) {
	started := planNow.Add(-time.Minute)
	ws := baseWorkspace()
	ws.Phase = workspace.PhaseStandby
	ws.DesiredState = workspace.DesiredArchived
	ws.Operation = workspace.OpArchiving
	ws.OpStartedAt = &started
	ws.OpID = "op1"
	ws.ArchiveOpID = "arc1"
	ws.Conditions = conds(false, true, false)

	action := Plan(planInput(ws))
	if !action.Execute {
		t.Fatal("in-flight operation must re-execute")
	}
	if action.Persist {
		t.Fatal("retry must not write the row")
	}
	if action.Operation != workspace.OpArchiving {
		t.Errorf("operation = %s, want ARCHIVING", action.Operation)
	}
	if action.ArchiveOpID != "arc1" {
		t.Errorf("archive op id = %q, want preserved arc1", action.ArchiveOpID)
	}
}

func TestPlanInFlightCompletion(t *testing.T) {
	started := planNow.Add(-time.Minute)
	archiveKey := "codehub-ws-w1/arc1/home.tar.zst"

	tests := []struct {
		name      string
		op        workspace.Operation
		setup     func(ws *workspace.Workspace)
		wantPhase workspace.Phase
		wantKey   string
		wantClear bool
	}{
		{
			name: "provisioning completes on volume",
			op:   workspace.OpProvisioning,
			setup: func(ws *workspace.Workspace) {
				ws.Conditions = conds(false, true, false)
			},
			wantPhase: workspace.PhaseStandby,
		},
		{
			name: "starting completes on container",
			op:   workspace.OpStarting,
			setup: func(ws *workspace.Workspace) {
				ws.Conditions = conds(true, true, false)
			},
			wantPhase: workspace.PhaseRunning,
		},
		{
			name: "stopping completes on container gone",
			op:   workspace.OpStopping,
			setup: func(ws *workspace.Workspace) {
				ws.Conditions = conds(false, true, false)
			},
			wantPhase: workspace.PhaseStandby,
		},
		{
			name: "archiving completes and captures the key",
			op:   workspace.OpArchiving,
			setup: func(ws *workspace.Workspace) {
				ws.DesiredState = workspace.DesiredArchived
				ws.Conditions = workspace.Conditions{
					Archive: &workspace.ArchiveCondition{Exists: true, ArchiveKey: archiveKey},
				}
			},
			wantPhase: workspace.PhaseArchived,
			wantKey:   archiveKey,
		},
		{
			name: "empty archive completes and captures the key",
			op:   workspace.OpCreateEmptyArchive,
			setup: func(ws *workspace.Workspace) {
				ws.DesiredState = workspace.DesiredArchived
				ws.Conditions = workspace.Conditions{
					Archive: &workspace.ArchiveCondition{Exists: true, ArchiveKey: archiveKey},
				}
			},
			wantPhase: workspace.PhaseArchived,
			wantKey:   archiveKey,
		},
		{
			name: "restoring needs the agent marker and the volume",
			op:   workspace.OpRestoring,
			setup: func(ws *workspace.Workspace) {
				ws.ArchiveKey = &archiveKey
				ws.Conditions = workspace.Conditions{
					Volume:  &workspace.VolumeCondition{Exists: true},
					Restore: &workspace.RestoreCondition{ArchiveKey: archiveKey},
				}
			},
			wantPhase: workspace.PhaseStandby,
		},
		{
			name: "deleting completes on nothing left",
			op:   workspace.OpDeleting,
			setup: func(ws *workspace.Workspace) {
				ws.DesiredState = workspace.DesiredDeleted
				deleted := planNow.Add(-time.Hour)
				ws.DeletedAt = &deleted
				ws.Conditions = conds(false, false, false)
			},
			wantPhase: workspace.PhaseDeleted,
			wantClear: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ws := baseWorkspace()
			ws.Operation = tt.op
			ws.OpStartedAt = &started
			ws.OpID = "op1"
			ws.ArchiveOpID = "arc1"
			tt.setup(ws)

			action := Plan(planInput(ws))
			if !action.Complete {
				t.Fatalf("expected completion, got %+v", action)
			}
			if action.Operation != workspace.OpNone {
				t.Errorf("operation = %s, want NONE", action.Operation)
			}
			if action.Phase != tt.wantPhase {
				t.Errorf("phase = %s, want %s", action.Phase, tt.wantPhase)
			}
			if !action.Persist {
				t.Error("completion must persist")
			}
			if action.Execute {
				t.Error("completion must not execute")
			}
			if tt.wantKey != "" {
				if action.ArchiveKey == nil || *action.ArchiveKey != tt.wantKey {
					t.Errorf("archive key = %v, want %q", action.ArchiveKey, tt.wantKey)
				}
			}
			if action.ClearArchiveKey != tt.wantClear {
				t.Errorf("clear archive key = %v, want %v", action.ClearArchiveKey, tt.wantClear)
			}
		})
	}
}

func TestPlanArchivingNotCompleteWhileVolumeExists(t *testing.T) {
	// Crash between archive upload and volume removal: the archive is
	// committed but the volume remains, so the operation must keep going.
	started := planNow.Add(-time.Minute)
	ws := baseWorkspace()
	ws.Phase = workspace.PhaseStandby
	ws.DesiredState = workspace.DesiredArchived
	ws.Operation = workspace.OpArchiving
	ws.OpStartedAt = &started
	ws.ArchiveOpID = "arc1"
	ws.Conditions = workspace.Conditions{
		Volume:  &workspace.VolumeCondition{Exists: true},
		Archive: &workspace.ArchiveCondition{Exists: true, ArchiveKey: "codehub-ws-w1/arc1/home.tar.zst"},
	}

	action := Plan(planInput(ws))
	if action.Complete {
		t.Fatal("archiving must not complete while the volume exists")
	}
	if !action.Execute || action.Operation != workspace.OpArchiving {
		t.Fatalf("expected archiving retry, got %+v", action)
	}
	if action.ArchiveOpID != "arc1" {
		t.Errorf("archive op id = %q, want arc1", action.ArchiveOpID)
	}
}

func TestPlanArchivingRejectsStaleArchive(t *testing.T) {
	// An archive from an earlier operation must not satisfy the current one.
	started := planNow.Add(-time.Minute)
	ws := baseWorkspace()
	ws.Phase = workspace.PhaseStandby
	ws.DesiredState = workspace.DesiredArchived
	ws.Operation = workspace.OpArchiving
	ws.OpStartedAt = &started
	ws.ArchiveOpID = "arc2"
	ws.Conditions = workspace.Conditions{
		Archive: &workspace.ArchiveCondition{Exists: true, ArchiveKey: "codehub-ws-w1/arc1/home.tar.zst"},
	}

	action := Plan(planInput(ws))
	if action.Complete {
		t.Fatal("stale archive key must not complete the operation")
	}
}

func TestPlanOperationTimeout(t *testing.T) {
	started := planNow.Add(-opTimeout - time.Second)
	ws := baseWorkspace()
	ws.Phase = workspace.PhasePending
	ws.Operation = workspace.OpProvisioning
	ws.OpStartedAt = &started
	ws.OpID = "op1"

	action := Plan(planInput(ws))
	if action.Operation != workspace.OpNone {
		t.Errorf("operation = %s, want NONE", action.Operation)
	}
	if action.Phase != workspace.PhaseError {
		t.Errorf("phase = %s, want ERROR", action.Phase)
	}
	if action.ErrorReason != workspace.ReasonOperationTimeout {
		t.Errorf("reason = %q, want OPERATION_TIMEOUT", action.ErrorReason)
	}
	if !action.Persist || action.Execute {
		t.Errorf("timeout must persist without executing: %+v", action)
	}
}

func TestPlanErrorHoldsUntilDelete(t *testing.T) {
	ws := baseWorkspace()
	ws.Phase = workspace.PhaseError
	ws.ErrorReason = workspace.ReasonContainerWithoutVolume
	ws.DesiredState = workspace.DesiredRunning
	ws.Conditions = conds(true, false, false)

	action := Plan(planInput(ws))
	if action.Execute || action.StartOp {
		t.Fatalf("error phase must not start operations, got %+v", action)
	}
	if action.Phase != workspace.PhaseError {
		t.Errorf("phase = %s, want ERROR", action.Phase)
	}
	if action.Persist {
		t.Error("unchanged error state must not be rewritten")
	}
}

func TestPlanErrorEscapesViaDelete(t *testing.T) {
	deleted := planNow.Add(-time.Minute)
	ws := baseWorkspace()
	ws.Phase = workspace.PhaseError
	ws.ErrorReason = workspace.ReasonContainerWithoutVolume
	ws.DesiredState = workspace.DesiredDeleted
	ws.DeletedAt = &deleted
	ws.Conditions = conds(true, false, false)

	action := Plan(planInput(ws))
	if action.Operation != workspace.OpDeleting {
		t.Fatalf("operation = %s, want DELETING", action.Operation)
	}
	if !action.StartOp || !action.Execute || !action.Persist {
		t.Errorf("delete from error must start a fresh operation: %+v", action)
	}
}

func TestPlanInvalidPairIsSkipped(t *testing.T) {
	// DELETING phase with a non-deleted desired state has no legal move.
	ws := baseWorkspace()
	ws.Phase = workspace.PhaseDeleting
	ws.DesiredState = workspace.DesiredRunning
	deleted := planNow.Add(-time.Minute)
	ws.DeletedAt = &deleted
	ws.Conditions = conds(false, true, false)

	action := Plan(planInput(ws))
	if !action.Invalid {
		t.Fatalf("expected invalid plan, got %+v", action)
	}
	if action.Execute || action.Persist {
		t.Error("invalid plan must be inert")
	}
}
