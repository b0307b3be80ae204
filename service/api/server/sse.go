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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.corp.nvidia.com/codehub/internal/events"
	"go.corp.nvidia.com/codehub/internal/workspace"
	"go.corp.nvidia.com/codehub/utils"
)

// handleEvents serves the per-user SSE stream. Each connection tails the
// user's Redis event stream from its attach point; consecutive events that
// do not change the visible tuple are deduplicated.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, userID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.WriteError(w, utils.NewAPIError(utils.CodeInternalError, "streaming unsupported"))
		return
	}

	ctx := r.Context()
	reader, err := events.NewStreamReader(ctx, s.redis, userID)
	if err != nil {
		s.logger.Error("Failed to attach event stream", "user_id", userID, "error", err)
		utils.WriteError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	writeSSE(w, "connected", map[string]string{})
	flusher.Flush()

	lastSig := make(map[string]string)
	for {
		waitCtx, cancel := context.WithTimeout(ctx, s.config.HeartbeatInterval)
		batch, err := reader.Next(waitCtx)
		cancel()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.logger.Warn("Event stream read failed", "user_id", userID, "error", err)
			return
		}
		if len(batch) == 0 {
			writeSSE(w, "heartbeat", map[string]string{})
			flusher.Flush()
			continue
		}

		for _, ev := range batch {
			if ev.Deleted {
				writeSSE(w, "workspace_deleted", map[string]string{"id": ev.WorkspaceID})
				delete(lastSig, ev.WorkspaceID)
				continue
			}
			ws, err := s.service.Get(ctx, ev.WorkspaceID, userID)
			if errors.Is(err, workspace.ErrNotFound) {
				// The soft delete already landed; surface it as a delete.
				writeSSE(w, "workspace_deleted", map[string]string{"id": ev.WorkspaceID})
				delete(lastSig, ev.WorkspaceID)
				continue
			}
			if err != nil {
				s.logger.Warn("Failed to load changed workspace",
					"workspace_id", ev.WorkspaceID, "error", err)
				continue
			}
			sig := eventSignature(ws)
			if lastSig[ws.ID] == sig {
				continue
			}
			lastSig[ws.ID] = sig
			writeSSE(w, "workspace_updated", toJSON(ws))
		}
		flusher.Flush()
	}
}

// eventSignature is the visible tuple SSE deduplicates on.
func eventSignature(ws *workspace.Workspace) string {
	return strings.Join([]string{
		string(ws.Phase), string(ws.Operation), string(ws.ErrorReason),
		ws.Name, ws.Description, ws.Memo,
	}, "\x00")
}

func writeSSE(w http.ResponseWriter, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
}
