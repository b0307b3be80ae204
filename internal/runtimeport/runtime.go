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

// Package runtimeport defines the contract the control plane requires from
// the container agent. The surface is deliberately coarse: a handful of
// idempotent operations whose completion is observed through conditions, so
// the controller can crash anywhere and resume correctly.
package runtimeport

import (
	"context"

	"go.corp.nvidia.com/codehub/internal/workspace"
)

// WorkspaceState is one workspace's observed reality. Nil leaves mean the
// agent found no such resource.
type WorkspaceState struct {
	WorkspaceID string                        `json:"workspace_id"`
	Container   *workspace.ContainerCondition `json:"container,omitempty"`
	Volume      *workspace.VolumeCondition    `json:"volume,omitempty"`
	Archive     *workspace.ArchiveCondition   `json:"archive,omitempty"`
	Restore     *workspace.RestoreCondition   `json:"restore,omitempty"`
}

// Conditions folds the observation into the condition vector.
func (s WorkspaceState) Conditions() workspace.Conditions {
	return workspace.Conditions{
		Container: s.Container,
		Volume:    s.Volume,
		Archive:   s.Archive,
		Restore:   s.Restore,
	}
}

// Upstream is the address at which the proxy reaches a running container.
type Upstream struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// GCResult reports what an archive sweep removed.
type GCResult struct {
	DeletedCount int      `json:"deleted_count"`
	DeletedKeys  []string `json:"deleted_keys"`
}

// Runtime is the agent port. Every method is idempotent and safe to retry;
// implementations must be safe for concurrent use and must never write the
// control-plane database.
type Runtime interface {
	// Observe returns the state of every managed workspace in one call.
	Observe(ctx context.Context) ([]WorkspaceState, error)
	// Provision creates the home volume.
	Provision(ctx context.Context, id string) error
	// Start launches the container from the given image.
	Start(ctx context.Context, id, imageRef string) error
	// Stop removes the container, leaving the volume.
	Stop(ctx context.Context, id string) error
	// Delete removes the container and the volume.
	Delete(ctx context.Context, id string) error
	// Archive compresses the volume to object storage under the op id and
	// returns the committed key. Already-committed uploads are skipped.
	Archive(ctx context.Context, id, archiveOpID string) (string, error)
	// Restore extracts the archive into a fresh volume after checksum
	// verification.
	Restore(ctx context.Context, id, archiveKey string) error
	// CreateEmptyArchive materializes a minimal valid archive.
	CreateEmptyArchive(ctx context.Context, id, archiveOpID string) (string, error)
	// RunGC deletes archives and resources not listed as protected.
	RunGC(ctx context.Context, protectedArchiveKeys, protectedWorkspaces []string) (GCResult, error)
	// GetUpstream resolves the proxy target for a running container, or nil
	// when none is reachable.
	GetUpstream(ctx context.Context, id string) (*Upstream, error)
}
