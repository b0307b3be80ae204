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
	"strings"
	"time"

	"go.corp.nvidia.com/codehub/internal/workspace"
)

// PlanInput is the workspace view the planner rules on. Now and the two
// candidate ids are passed in by the caller so the planner itself stays pure.
type PlanInput struct {
	Workspace *workspace.Workspace
	Judge     JudgeOutput
	Now       time.Time
	OpTimeout time.Duration
	// NextOpID and NextArchiveOpID are consumed only when the plan starts a
	// new operation (and, for the second, only an archive-producing one).
	NextOpID        string
	NextArchiveOpID string
}

// PlanAction is the planner verdict. Execute directs the controller to call
// the runtime for Operation; Persist directs it to write the row. Both can
// be false (converged no-op) or true independently (an in-flight retry
// executes without writing).
type PlanAction struct {
	Operation   workspace.Operation
	Phase       workspace.Phase
	ErrorReason workspace.ErrorReason

	// StartOp marks a newly issued operation; OpID is its identity.
	StartOp bool
	OpID    string
	// ArchiveOpID is carried verbatim across retries so uploads stay on one
	// object path; it is regenerated only when a new archive op starts.
	ArchiveOpID string

	// ArchiveKey, when non-nil, is the newly committed archive path.
	ArchiveKey      *string
	ClearArchiveKey bool

	Execute  bool
	Persist  bool
	Complete bool

	// Invalid marks a (phase, desired) pair with no legal operation. The
	// controller logs and skips; nothing is persisted.
	Invalid bool
}

// Plan decides the next step for one workspace. Order: finish or retry the
// in-flight operation; hold or escalate ERROR; detect convergence; otherwise
// pick the operation for the (phase, desired) pair.
func Plan(in PlanInput) PlanAction {
	ws := in.Workspace

	if ws.Operation != workspace.OpNone {
		return planInFlight(in)
	}

	if in.Judge.Phase == workspace.PhaseError {
		if ws.DesiredState == workspace.DesiredDeleted {
			return startOp(in, workspace.OpDeleting, workspace.PhaseDeleting)
		}
		// ERROR holds until a delete arrives; persist only the transition.
		return PlanAction{
			Operation:   workspace.OpNone,
			Phase:       workspace.PhaseError,
			ErrorReason: in.Judge.Reason,
			Persist:     ws.Phase != workspace.PhaseError || ws.ErrorReason != in.Judge.Reason,
		}
	}

	if in.Judge.Phase == workspace.DesiredPhase(ws.DesiredState) {
		return PlanAction{
			Operation: workspace.OpNone,
			Phase:     in.Judge.Phase,
			// The stored phase can lag the judgement, e.g. after an external
			// container loss; converged still means the row must catch up.
			Persist:         ws.Phase != in.Judge.Phase || ws.ErrorReason != workspace.ReasonNone,
			ClearArchiveKey: in.Judge.Phase == workspace.PhaseDeleted && ws.HasArchiveKey(),
		}
	}

	return planNext(in)
}

func planInFlight(in PlanInput) PlanAction {
	ws := in.Workspace

	if operationComplete(ws) {
		action := PlanAction{
			Operation: workspace.OpNone,
			Phase:     in.Judge.Phase,
			Persist:   true,
			Complete:  true,
		}
		switch ws.Operation {
		case workspace.OpArchiving, workspace.OpCreateEmptyArchive:
			if key := ws.Conditions.ObservedArchiveKey(); key != "" {
				action.ArchiveKey = &key
			}
			action.ArchiveOpID = ws.ArchiveOpID
		case workspace.OpDeleting:
			action.ClearArchiveKey = true
		}
		return action
	}

	if ws.OpStartedAt != nil && ws.OpStartedAt.Add(in.OpTimeout).Before(in.Now) {
		return PlanAction{
			Operation:   workspace.OpNone,
			Phase:       workspace.PhaseError,
			ErrorReason: workspace.ReasonOperationTimeout,
			ArchiveOpID: ws.ArchiveOpID,
			Persist:     true,
		}
	}

	// Still in flight: re-execute idempotently, write nothing.
	return PlanAction{
		Operation:   ws.Operation,
		Phase:       ws.Phase,
		ErrorReason: ws.ErrorReason,
		ArchiveOpID: ws.ArchiveOpID,
		Execute:     true,
	}
}

// operationComplete is the per-operation completion predicate over current
// conditions. Completion is always observed, never assumed from a runtime
// call returning, so a crash between execute and persist self-heals.
func operationComplete(ws *workspace.Workspace) bool {
	c := ws.Conditions
	switch ws.Operation {
	case workspace.OpProvisioning:
		return c.VolumeReady()
	case workspace.OpStarting:
		return c.ContainerReady()
	case workspace.OpStopping:
		return !c.ContainerReady()
	case workspace.OpArchiving:
		return !c.VolumeReady() && archiveCommitted(c, ws.ArchiveOpID)
	case workspace.OpCreateEmptyArchive:
		return archiveCommitted(c, ws.ArchiveOpID)
	case workspace.OpRestoring:
		return c.VolumeReady() && ws.HasArchiveKey() &&
			c.RestoredArchiveKey() == *ws.ArchiveKey
	case workspace.OpDeleting:
		return !c.ContainerReady() && !c.VolumeReady()
	default:
		return false
	}
}

// archiveCommitted checks that the observed archive belongs to the in-flight
// archive operation, not a stale earlier upload.
func archiveCommitted(c workspace.Conditions, archiveOpID string) bool {
	if !c.ArchiveReady() || archiveOpID == "" {
		return false
	}
	return strings.Contains(c.ObservedArchiveKey(), "/"+archiveOpID+"/")
}

func planNext(in PlanInput) PlanAction {
	ws := in.Workspace

	if ws.DesiredState == workspace.DesiredDeleted {
		return startOp(in, workspace.OpDeleting, workspace.PhaseDeleting)
	}

	switch in.Judge.Phase {
	case workspace.PhasePending:
		switch ws.DesiredState {
		case workspace.DesiredRunning, workspace.DesiredStandby:
			return startOp(in, workspace.OpProvisioning, in.Judge.Phase)
		case workspace.DesiredArchived:
			return startArchiveOp(in, workspace.OpCreateEmptyArchive)
		}
	case workspace.PhaseArchived:
		switch ws.DesiredState {
		case workspace.DesiredRunning, workspace.DesiredStandby:
			return startOp(in, workspace.OpRestoring, in.Judge.Phase)
		}
	case workspace.PhaseStandby:
		switch ws.DesiredState {
		case workspace.DesiredRunning:
			return startOp(in, workspace.OpStarting, in.Judge.Phase)
		case workspace.DesiredArchived:
			return startArchiveOp(in, workspace.OpArchiving)
		}
	case workspace.PhaseRunning:
		switch ws.DesiredState {
		case workspace.DesiredStandby, workspace.DesiredArchived:
			// The walk to ARCHIVED goes through STANDBY first.
			return startOp(in, workspace.OpStopping, in.Judge.Phase)
		}
	}

	return PlanAction{Invalid: true}
}

func startOp(in PlanInput, op workspace.Operation, phase workspace.Phase) PlanAction {
	return PlanAction{
		Operation:   op,
		Phase:       phase,
		StartOp:     true,
		OpID:        in.NextOpID,
		ArchiveOpID: in.Workspace.ArchiveOpID,
		Execute:     true,
		Persist:     true,
	}
}

func startArchiveOp(in PlanInput, op workspace.Operation) PlanAction {
	action := startOp(in, op, in.Judge.Phase)
	action.ArchiveOpID = in.NextArchiveOpID
	return action
}
