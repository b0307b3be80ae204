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

// Package state holds the pure decision core of the control plane: the judge
// maps observed conditions to a phase, the planner maps a workspace view and
// a judgement to the next action. Neither reads the clock, generates ids, or
// touches external state, so the entire convergence logic is table-testable.
package state

import "go.corp.nvidia.com/codehub/internal/workspace"

// JudgeInput is the observation slice the judge rules on.
type JudgeInput struct {
	Conditions workspace.Conditions
	Deleted    bool
	// HasArchiveKey reports a committed archive path stored on the row,
	// used for the degraded-archive fallback.
	HasArchiveKey bool
}

// JudgeOutput is the computed lifecycle verdict.
type JudgeOutput struct {
	Phase   workspace.Phase
	Healthy bool
	Reason  workspace.ErrorReason
}

// Judge computes the phase from conditions. The rule order is fixed:
// invariant violations first, then fatal archive signals, then the deletion
// branch, then the resource pyramid in descending specificity.
func Judge(in JudgeInput) JudgeOutput {
	c := in.Conditions
	containerReady := c.ContainerReady()
	volumeReady := c.VolumeReady()
	archiveReady := c.ArchiveReady()
	reason := c.ArchiveReason()

	if containerReady && !volumeReady {
		return JudgeOutput{Phase: workspace.PhaseError, Reason: workspace.ReasonContainerWithoutVolume}
	}

	switch reason {
	case workspace.ReasonArchiveCorrupted, workspace.ReasonArchiveExpired, workspace.ReasonArchiveNotFound:
		return JudgeOutput{Phase: workspace.PhaseError, Reason: reason}
	}

	if in.Deleted {
		if containerReady || volumeReady || archiveReady {
			return JudgeOutput{Phase: workspace.PhaseDeleting, Healthy: true}
		}
		return JudgeOutput{Phase: workspace.PhaseDeleted, Healthy: true}
	}

	switch {
	case containerReady && volumeReady:
		return JudgeOutput{Phase: workspace.PhaseRunning, Healthy: true}
	case volumeReady:
		return JudgeOutput{Phase: workspace.PhaseStandby, Healthy: true}
	case archiveReady:
		return JudgeOutput{Phase: workspace.PhaseArchived, Healthy: true}
	}

	// Nothing observed but an archive is on record: a transient storage
	// failure keeps the workspace ARCHIVED so it recovers without operator
	// action; anything else means the archive is gone.
	if in.HasArchiveKey {
		if reason.Transient() {
			return JudgeOutput{Phase: workspace.PhaseArchived, Healthy: false, Reason: reason}
		}
		if reason == workspace.ReasonNone {
			reason = workspace.ReasonArchiveNotFound
		}
		return JudgeOutput{Phase: workspace.PhaseError, Reason: reason}
	}

	return JudgeOutput{Phase: workspace.PhasePending, Healthy: true}
}
