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

package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.corp.nvidia.com/codehub/internal/workspace"
	"go.corp.nvidia.com/codehub/utils"
)

// workspaceJSON is the API view of a workspace.
type workspaceJSON struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	Description       string     `json:"description"`
	Memo              string     `json:"memo"`
	ImageRef          string     `json:"image_ref"`
	Phase             string     `json:"phase"`
	Operation         string     `json:"operation"`
	DesiredState      string     `json:"desired_state"`
	ErrorReason       string     `json:"error_reason,omitempty"`
	StandbyTTLSeconds int        `json:"standby_ttl_seconds"`
	ArchiveTTLSeconds int        `json:"archive_ttl_seconds"`
	LastAccessAt      time.Time  `json:"last_access_at"`
	PhaseChangedAt    time.Time  `json:"phase_changed_at"`
	CreatedAt         time.Time  `json:"created_at"`
	DeletedAt         *time.Time `json:"deleted_at,omitempty"`
}

func toJSON(ws *workspace.Workspace) workspaceJSON {
	return workspaceJSON{
		ID:                ws.ID,
		Name:              ws.Name,
		Description:       ws.Description,
		Memo:              ws.Memo,
		ImageRef:          ws.ImageRef,
		Phase:             string(ws.Phase),
		Operation:         string(ws.Operation),
		DesiredState:      string(ws.DesiredState),
		ErrorReason:       string(ws.ErrorReason),
		StandbyTTLSeconds: ws.StandbyTTLSeconds,
		ArchiveTTLSeconds: ws.ArchiveTTLSeconds,
		LastAccessAt:      ws.LastAccessAt,
		PhaseChangedAt:    ws.PhaseChangedAt,
		CreatedAt:         ws.CreatedAt,
		DeletedAt:         ws.DeletedAt,
	}
}

type createRequest struct {
	Name              string `json:"name"`
	Description       string `json:"description"`
	Memo              string `json:"memo"`
	ImageRef          string `json:"image_ref"`
	StandbyTTLSeconds int    `json:"standby_ttl_seconds"`
	ArchiveTTLSeconds int    `json:"archive_ttl_seconds"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request, userID string) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteError(w, utils.NewAPIError(utils.CodeInvalidRequest, "malformed request body"))
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		utils.WriteError(w, utils.NewAPIError(utils.CodeInvalidRequest, "name is required"))
		return
	}
	ws, err := s.service.Create(r.Context(), userID, workspace.CreateParams{
		Name:              req.Name,
		Description:       req.Description,
		Memo:              req.Memo,
		ImageRef:          req.ImageRef,
		StandbyTTLSeconds: req.StandbyTTLSeconds,
		ArchiveTTLSeconds: req.ArchiveTTLSeconds,
	})
	if err != nil {
		s.writeWorkspaceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toJSON(ws))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request, userID string) {
	list, err := s.service.List(r.Context(), userID)
	if err != nil {
		s.writeWorkspaceError(w, err)
		return
	}
	out := make([]workspaceJSON, 0, len(list))
	for _, ws := range list {
		out = append(out, toJSON(ws))
	}
	writeJSON(w, http.StatusOK, map[string][]workspaceJSON{"workspaces": out})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, userID string) {
	ws, err := s.service.Get(r.Context(), r.PathValue("id"), userID)
	if err != nil {
		s.writeWorkspaceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJSON(ws))
}

type patchRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Memo        *string `json:"memo"`
}

func (s *Server) handlePatch(w http.ResponseWriter, r *http.Request, userID string) {
	var req patchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteError(w, utils.NewAPIError(utils.CodeInvalidRequest, "malformed request body"))
		return
	}
	if req.Name != nil && strings.TrimSpace(*req.Name) == "" {
		utils.WriteError(w, utils.NewAPIError(utils.CodeInvalidRequest, "name must not be empty"))
		return
	}
	ws, err := s.service.UpdateMeta(r.Context(), r.PathValue("id"), userID, workspace.MetaUpdate{
		Name:        req.Name,
		Description: req.Description,
		Memo:        req.Memo,
	})
	if err != nil {
		s.writeWorkspaceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJSON(ws))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, userID string) {
	if err := s.service.Delete(r.Context(), r.PathValue("id"), userID); err != nil {
		s.writeWorkspaceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAction serves POST /api/v1/workspaces/{id}:start and {id}:stop. The
// path wildcard captures the whole "id:action" segment.
func (s *Server) handleAction(w http.ResponseWriter, r *http.Request, userID string) {
	id, action, found := strings.Cut(r.PathValue("id"), ":")
	if !found || id == "" {
		utils.WriteError(w, utils.NewAPIError(utils.CodeInvalidRequest, "expected {id}:start or {id}:stop"))
		return
	}

	var desired workspace.DesiredState
	switch action {
	case "start":
		desired = workspace.DesiredRunning
	case "stop":
		desired = workspace.DesiredStandby
	default:
		utils.WriteError(w, utils.NewAPIError(utils.CodeInvalidRequest, "unknown action "+action))
		return
	}

	if err := s.service.SetDesiredState(r.Context(), id, userID, desired); err != nil {
		s.writeWorkspaceError(w, err)
		return
	}
	ws, err := s.service.Get(r.Context(), id, userID)
	if err != nil {
		s.writeWorkspaceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJSON(ws))
}
