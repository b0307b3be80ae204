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

// Package server implements the boundary HTTP API: workspace CRUD,
// start/stop intent, login sessions and the per-user SSE event stream.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"go.corp.nvidia.com/codehub/internal/auth"
	"go.corp.nvidia.com/codehub/internal/workspace"
	"go.corp.nvidia.com/codehub/utils"
)

// Config tunes the API server.
type Config struct {
	// HeartbeatInterval paces SSE heartbeat frames.
	HeartbeatInterval time.Duration
	// CookieSecure marks the session cookie Secure (TLS deployments).
	CookieSecure bool
}

// DefaultConfig returns the production API settings.
func DefaultConfig() Config {
	return Config{HeartbeatInterval: 30 * time.Second}
}

// authStore is the slice of the auth store the API uses.
type authStore interface {
	Login(ctx context.Context, username, password string) (*auth.Session, error)
	Authenticate(ctx context.Context, sessionID string) (string, error)
	Logout(ctx context.Context, sessionID string) error
}

// workspaceAPI is the slice of the workspace service the API exposes.
type workspaceAPI interface {
	Create(ctx context.Context, ownerUserID string, p workspace.CreateParams) (*workspace.Workspace, error)
	Get(ctx context.Context, id, ownerUserID string) (*workspace.Workspace, error)
	List(ctx context.Context, ownerUserID string) ([]*workspace.Workspace, error)
	UpdateMeta(ctx context.Context, id, ownerUserID string, u workspace.MetaUpdate) (*workspace.Workspace, error)
	SetDesiredState(ctx context.Context, id, ownerUserID string, desired workspace.DesiredState) error
	Delete(ctx context.Context, id, ownerUserID string) error
}

// Server is the API HTTP handler.
type Server struct {
	config  Config
	auth    authStore
	lockout *auth.Lockout
	service workspaceAPI
	redis   *redis.Client
	logger  *slog.Logger
}

// NewServer creates the API server.
func NewServer(config Config, authStore authStore, lockout *auth.Lockout, service workspaceAPI, redisClient *redis.Client, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:  config,
		auth:    authStore,
		lockout: lockout,
		service: service,
		redis:   redisClient,
		logger:  logger,
	}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/login", s.handleLogin)
	mux.HandleFunc("POST /api/v1/logout", s.handleLogout)
	mux.HandleFunc("GET /api/v1/workspaces", s.withUser(s.handleList))
	mux.HandleFunc("POST /api/v1/workspaces", s.withUser(s.handleCreate))
	mux.HandleFunc("GET /api/v1/workspaces/{id}", s.withUser(s.handleGet))
	mux.HandleFunc("PATCH /api/v1/workspaces/{id}", s.withUser(s.handlePatch))
	mux.HandleFunc("DELETE /api/v1/workspaces/{id}", s.withUser(s.handleDelete))
	mux.HandleFunc("POST /api/v1/workspaces/{id}", s.withUser(s.handleAction))
	mux.HandleFunc("GET /events", s.withUser(s.handleEvents))
	return mux
}

// withUser authenticates the session cookie and passes the user id through.
func (s *Server) withUser(h func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(auth.SessionCookie)
		if err != nil || cookie.Value == "" {
			utils.WriteError(w, utils.NewAPIError(utils.CodeUnauthorized, "login required"))
			return
		}
		userID, err := s.auth.Authenticate(r.Context(), cookie.Value)
		if errors.Is(err, auth.ErrSessionInvalid) {
			utils.WriteError(w, utils.NewAPIError(utils.CodeUnauthorized, "session expired"))
			return
		}
		if err != nil {
			s.logger.Error("Session lookup failed", "error", err)
			utils.WriteError(w, err)
			return
		}
		h(w, r, userID)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeWorkspaceError maps service errors onto the API taxonomy.
func (s *Server) writeWorkspaceError(w http.ResponseWriter, err error) {
	if errors.Is(err, workspace.ErrNotFound) {
		utils.WriteError(w, utils.NewAPIError(utils.CodeWorkspaceNotFound, "workspace not found"))
		return
	}
	limitErr := &workspace.RunningLimitError{}
	if errors.As(err, &limitErr) {
		utils.WriteError(w, utils.NewAPIError(utils.CodeInvalidState, limitErr.Error()))
		return
	}
	s.logger.Error("Workspace operation failed", "error", err)
	utils.WriteError(w, err)
}
