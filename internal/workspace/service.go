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

package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RunningLimitError is returned when setting desired RUNNING would exceed the
// per-user cap on concurrently running workspaces. Running carries the
// workspaces that currently consume the budget, for the limit status page.
type RunningLimitError struct {
	Limit   int
	Running []*Workspace
}

func (e *RunningLimitError) Error() string {
	return fmt.Sprintf("running workspace limit of %d reached", e.Limit)
}

// ServiceConfig tunes workspace intent handling.
type ServiceConfig struct {
	// MaxRunningPerUser caps concurrently running workspaces per user.
	// Zero disables the cap.
	MaxRunningPerUser int
	// DefaultStandbyTTLSeconds and DefaultArchiveTTLSeconds apply when a
	// create request leaves the TTLs unset.
	DefaultStandbyTTLSeconds int
	DefaultArchiveTTLSeconds int
	// DefaultImageRef applies when a create request omits the image.
	DefaultImageRef string
}

// Service wraps the store with intent-level rules shared by the API and the
// proxy: the running cap, auto-wake, and the delete race contract.
type Service struct {
	store  *Store
	config ServiceConfig
	logger *slog.Logger
}

// NewService creates a workspace service.
func NewService(store *Store, config ServiceConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, config: config, logger: logger}
}

// Create validates and inserts a new workspace. New workspaces start PENDING
// with desired RUNNING; the controller picks them up via the insert trigger.
func (s *Service) Create(ctx context.Context, ownerUserID string, p CreateParams) (*Workspace, error) {
	if p.Name == "" {
		return nil, fmt.Errorf("workspace name must not be empty")
	}
	if p.ImageRef == "" {
		p.ImageRef = s.config.DefaultImageRef
	}
	if p.StandbyTTLSeconds <= 0 {
		p.StandbyTTLSeconds = s.config.DefaultStandbyTTLSeconds
	}
	if p.ArchiveTTLSeconds <= 0 {
		p.ArchiveTTLSeconds = s.config.DefaultArchiveTTLSeconds
	}
	if err := s.checkRunningCap(ctx, ownerUserID, ""); err != nil {
		return nil, err
	}
	return s.store.Create(ctx, ownerUserID, p, DesiredRunning)
}

// Get returns a workspace owned by the user.
func (s *Service) Get(ctx context.Context, id, ownerUserID string) (*Workspace, error) {
	return s.store.GetOwned(ctx, id, ownerUserID)
}

// List returns the user's workspaces.
func (s *Service) List(ctx context.Context, ownerUserID string) ([]*Workspace, error) {
	return s.store.ListOwned(ctx, ownerUserID)
}

// UpdateMeta applies metadata edits.
func (s *Service) UpdateMeta(ctx context.Context, id, ownerUserID string, u MetaUpdate) (*Workspace, error) {
	return s.store.UpdateMeta(ctx, id, ownerUserID, u)
}

// SetDesiredState records user intent after ownership and cap checks.
func (s *Service) SetDesiredState(ctx context.Context, id, ownerUserID string, desired DesiredState) error {
	ws, err := s.store.GetOwned(ctx, id, ownerUserID)
	if err != nil {
		return err
	}
	if desired == DesiredRunning && ws.DesiredState != DesiredRunning {
		if err := s.checkRunningCap(ctx, ownerUserID, id); err != nil {
			return err
		}
	}
	if ws.DesiredState == desired {
		return nil
	}
	return s.store.SetDesiredState(ctx, id, desired)
}

// Wake flips a STANDBY or ARCHIVED workspace toward RUNNING on behalf of the
// proxy. The returned workspace is the pre-wake view the proxy uses to pick
// the status page.
func (s *Service) Wake(ctx context.Context, id, ownerUserID string) (*Workspace, error) {
	ws, err := s.store.GetOwned(ctx, id, ownerUserID)
	if err != nil {
		return nil, err
	}
	if ws.DesiredState == DesiredRunning {
		return ws, nil
	}
	if err := s.checkRunningCap(ctx, ownerUserID, id); err != nil {
		return nil, err
	}
	if err := s.store.SetDesiredState(ctx, id, DesiredRunning); err != nil {
		return nil, err
	}
	s.logger.Info("Workspace auto-wake requested", "workspace_id", id, "phase", ws.Phase)
	return ws, nil
}

// Delete soft-deletes a workspace. Exactly one of two concurrent deletes
// succeeds; the loser gets ErrNotFound so the API maps it to 404.
func (s *Service) Delete(ctx context.Context, id, ownerUserID string) error {
	matched, err := s.store.SoftDelete(ctx, id, ownerUserID, time.Now().UTC())
	if err != nil {
		return err
	}
	if !matched {
		return ErrNotFound
	}
	s.logger.Info("Workspace deleted", "workspace_id", id)
	return nil
}

func (s *Service) checkRunningCap(ctx context.Context, ownerUserID, excludeID string) error {
	if s.config.MaxRunningPerUser <= 0 {
		return nil
	}
	n, err := s.store.CountRunning(ctx, ownerUserID, excludeID)
	if err != nil {
		return err
	}
	if n < s.config.MaxRunningPerUser {
		return nil
	}
	running, err := s.store.ListRunning(ctx, ownerUserID)
	if err != nil {
		return err
	}
	return &RunningLimitError{Limit: s.config.MaxRunningPerUser, Running: running}
}
