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

// Package workspace defines the workspace data model and its PostgreSQL
// store. The workspaces table is written by four independent writers (the
// observer, the workspace controller, the scheduler and the API/proxy), each
// owning a disjoint set of columns; the store methods are organized around
// that ownership split.
package workspace

import "time"

// Phase is the observed lifecycle state of a workspace, computed from
// conditions by the judge.
type Phase string

const (
	PhasePending  Phase = "PENDING"
	PhaseStandby  Phase = "STANDBY"
	PhaseRunning  Phase = "RUNNING"
	PhaseArchived Phase = "ARCHIVED"
	PhaseDeleting Phase = "DELETING"
	PhaseDeleted  Phase = "DELETED"
	PhaseError    Phase = "ERROR"
)

// Operation is the controller-executed transition currently in flight.
type Operation string

const (
	OpNone               Operation = "NONE"
	OpProvisioning       Operation = "PROVISIONING"
	OpStarting           Operation = "STARTING"
	OpStopping           Operation = "STOPPING"
	OpArchiving          Operation = "ARCHIVING"
	OpRestoring          Operation = "RESTORING"
	OpCreateEmptyArchive Operation = "CREATE_EMPTY_ARCHIVE"
	OpDeleting           Operation = "DELETING"
)

// DesiredState is the target lifecycle set by users or by the scheduler's
// TTL demotion.
type DesiredState string

const (
	DesiredRunning  DesiredState = "RUNNING"
	DesiredStandby  DesiredState = "STANDBY"
	DesiredArchived DesiredState = "ARCHIVED"
	DesiredDeleted  DesiredState = "DELETED"
)

// DesiredPhase maps a desired state to the phase that satisfies it.
func DesiredPhase(d DesiredState) Phase {
	switch d {
	case DesiredRunning:
		return PhaseRunning
	case DesiredStandby:
		return PhaseStandby
	case DesiredArchived:
		return PhaseArchived
	case DesiredDeleted:
		return PhaseDeleted
	default:
		return PhasePending
	}
}

// ErrorReason identifies why a workspace entered the ERROR phase, or why an
// archive observation is degraded.
type ErrorReason string

const (
	ReasonNone                   ErrorReason = ""
	ReasonContainerWithoutVolume ErrorReason = "CONTAINER_WITHOUT_VOLUME"
	ReasonArchiveCorrupted       ErrorReason = "ARCHIVE_CORRUPTED"
	ReasonArchiveExpired         ErrorReason = "ARCHIVE_EXPIRED"
	ReasonArchiveNotFound        ErrorReason = "ARCHIVE_NOT_FOUND"
	ReasonArchiveUnreachable     ErrorReason = "ARCHIVE_UNREACHABLE"
	ReasonArchiveTimeout         ErrorReason = "ARCHIVE_TIMEOUT"
	ReasonOperationTimeout       ErrorReason = "OPERATION_TIMEOUT"
)

// Transient reports whether the reason describes a temporary archive-storage
// condition rather than a corrupt or missing archive.
func (r ErrorReason) Transient() bool {
	return r == ReasonArchiveUnreachable || r == ReasonArchiveTimeout
}

// ContainerCondition is the observed container state.
type ContainerCondition struct {
	Running bool `json:"running"`
	Healthy bool `json:"healthy"`
}

// VolumeCondition is the observed home-volume state.
type VolumeCondition struct {
	Exists bool `json:"exists"`
}

// ArchiveCondition is the observed archive state. ArchiveKey is the object
// path the observer saw; Reason carries a degraded-archive signal.
type ArchiveCondition struct {
	Exists     bool        `json:"exists"`
	ArchiveKey string      `json:"archive_key,omitempty"`
	Reason     ErrorReason `json:"reason,omitempty"`
}

// RestoreCondition is the completion marker the agent writes after a restore:
// the key of the archive that was extracted into the volume.
type RestoreCondition struct {
	ArchiveKey string `json:"archive_key,omitempty"`
}

// Conditions is the per-resource observation vector owned by the observer.
// A nil leaf means the runtime reported no such resource; that absence is a
// signal (the resource disappeared), not missing data.
type Conditions struct {
	Container *ContainerCondition `json:"container"`
	Volume    *VolumeCondition    `json:"volume"`
	Archive   *ArchiveCondition   `json:"archive"`
	Restore   *RestoreCondition   `json:"restore"`
}

// ContainerReady reports a running container.
func (c Conditions) ContainerReady() bool {
	return c.Container != nil && c.Container.Running
}

// VolumeReady reports an existing home volume.
func (c Conditions) VolumeReady() bool {
	return c.Volume != nil && c.Volume.Exists
}

// ArchiveReady reports a committed archive.
func (c Conditions) ArchiveReady() bool {
	return c.Archive != nil && c.Archive.Exists
}

// ArchiveReason returns the degraded-archive signal, if any.
func (c Conditions) ArchiveReason() ErrorReason {
	if c.Archive == nil {
		return ReasonNone
	}
	return c.Archive.Reason
}

// ObservedArchiveKey returns the archive key the observer saw, or "".
func (c Conditions) ObservedArchiveKey() string {
	if c.Archive == nil {
		return ""
	}
	return c.Archive.ArchiveKey
}

// RestoredArchiveKey returns the restore completion marker, or "".
func (c Conditions) RestoredArchiveKey() string {
	if c.Restore == nil {
		return ""
	}
	return c.Restore.ArchiveKey
}

// Equal compares two condition vectors leaf by leaf.
func (c Conditions) Equal(o Conditions) bool {
	return ptrEqual(c.Container, o.Container) &&
		ptrEqual(c.Volume, o.Volume) &&
		ptrEqual(c.Archive, o.Archive) &&
		ptrEqual(c.Restore, o.Restore)
}

func ptrEqual[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Workspace is the central entity of the control plane.
type Workspace struct {
	ID           string
	OwnerUserID  string
	Name         string
	Description  string
	Memo         string
	ImageRef     string
	HomeStoreKey string

	Conditions Conditions

	Phase        Phase
	Operation    Operation
	OpStartedAt  *time.Time
	OpID         string
	ArchiveOpID  string
	DesiredState DesiredState
	ArchiveKey   *string
	ErrorReason  ErrorReason
	ErrorCount   int

	ObservedAt     *time.Time
	LastAccessAt   time.Time
	PhaseChangedAt time.Time

	StandbyTTLSeconds int
	ArchiveTTLSeconds int

	DeletedAt *time.Time
	CreatedAt time.Time
}

// HasArchiveKey reports whether a committed archive path is stored.
func (w *Workspace) HasArchiveKey() bool {
	return w.ArchiveKey != nil && *w.ArchiveKey != ""
}

// Converged reports whether the observed phase satisfies the desired state
// with no operation in flight.
func (w *Workspace) Converged() bool {
	return w.Operation == OpNone && w.Phase == DesiredPhase(w.DesiredState)
}
