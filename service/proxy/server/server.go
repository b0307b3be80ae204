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

// Package server implements the workspace proxy: every /w/{id}/... request
// is authenticated, authorized against workspace ownership, gated on the
// workspace phase and then relayed to the container upstream. Non-running
// workspaces trigger an auto-wake and a redirect to a status page.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"go.corp.nvidia.com/codehub/internal/activity"
	"go.corp.nvidia.com/codehub/internal/auth"
	"go.corp.nvidia.com/codehub/internal/runtimeport"
	"go.corp.nvidia.com/codehub/internal/workspace"
	"go.corp.nvidia.com/codehub/utils"
	metrics "go.corp.nvidia.com/codehub/utils/metrics-go"
)

// Config tunes the proxy caches and status-page location.
type Config struct {
	// AuthCacheTTL bounds how long a revoked session keeps working.
	AuthCacheTTL time.Duration
	// AuthCacheSize caps both the session and the workspace cache.
	AuthCacheSize int
	// StaticBase is the URL prefix of the status pages.
	StaticBase string
	// UpstreamTimeout bounds a single relayed HTTP exchange.
	UpstreamTimeout time.Duration
}

// DefaultConfig returns the production proxy settings.
func DefaultConfig() Config {
	return Config{
		AuthCacheTTL:    3 * time.Second,
		AuthCacheSize:   1000,
		StaticBase:      "/static/proxy",
		UpstreamTimeout: time.Minute,
	}
}

// sessionAuth resolves a session cookie to a user id.
type sessionAuth interface {
	Authenticate(ctx context.Context, sessionID string) (string, error)
}

// workspaceService is the slice of the workspace service the proxy uses.
type workspaceService interface {
	Get(ctx context.Context, id, ownerUserID string) (*workspace.Workspace, error)
	Wake(ctx context.Context, id, ownerUserID string) (*workspace.Workspace, error)
}

// upstreamResolver maps a running workspace to its container address.
type upstreamResolver interface {
	GetUpstream(ctx context.Context, id string) (*runtimeport.Upstream, error)
}

// Server is the proxy HTTP handler.
type Server struct {
	config   Config
	auth     sessionAuth
	service  workspaceService
	upstream upstreamResolver
	buffer   *activity.Buffer
	logger   *slog.Logger

	// metrics may stay nil; recording on a nil creator is a no-op.
	metrics *metrics.MetricCreator

	sessionCache   *TTLCache[string]
	workspaceCache *TTLCache[*workspace.Workspace]

	client   *http.Client
	upgrader websocket.Upgrader
}

// NewServer creates the proxy server.
func NewServer(config Config, sessions sessionAuth, service workspaceService, upstream upstreamResolver, buffer *activity.Buffer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:         config,
		auth:           sessions,
		service:        service,
		upstream:       upstream,
		buffer:         buffer,
		logger:         logger,
		sessionCache:   NewTTLCache[string](config.AuthCacheSize, config.AuthCacheTTL),
		workspaceCache: NewTTLCache[*workspace.Workspace](config.AuthCacheSize, config.AuthCacheTTL),
		client: &http.Client{
			Timeout: config.UpstreamTimeout,
			// Upstream redirects belong to the browser, not the proxy.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// SetMetrics wires the metric creator. The proxy records per request, so the
// creator must be set before the server starts handling traffic.
func (s *Server) SetMetrics(mc *metrics.MetricCreator) {
	s.metrics = mc
}

// Handler returns the proxy routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /w/{id}", s.handleBareWorkspace)
	mux.HandleFunc("/w/{id}/{path...}", s.handleWorkspace)
	return mux
}

// handleBareWorkspace canonicalizes /w/{id} so relative asset paths inside
// the workspace resolve against /w/{id}/.
func (s *Server) handleBareWorkspace(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Path + "/"
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	http.Redirect(w, r, target, http.StatusPermanentRedirect)
}

func (s *Server) handleWorkspace(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	isWS := websocket.IsWebSocketUpgrade(r)

	userID, err := s.authenticate(ctx, r)
	if err != nil {
		s.countRequest(ctx, "unauthenticated", isWS)
		if isWS {
			s.rejectWebSocket(w, r, websocket.ClosePolicyViolation, "authentication required")
			return
		}
		utils.WriteError(w, utils.NewAPIError(utils.CodeUnauthorized, "login required"))
		return
	}

	ws, err := s.lookup(ctx, id, userID)
	if errors.Is(err, workspace.ErrNotFound) {
		s.countRequest(ctx, "forbidden", isWS)
		if isWS {
			s.rejectWebSocket(w, r, websocket.ClosePolicyViolation, "not authorized for workspace")
			return
		}
		utils.WriteError(w, utils.NewAPIError(utils.CodeForbidden, "not authorized for workspace"))
		return
	}
	if err != nil {
		s.logger.Error("Failed to load workspace", "workspace_id", id, "error", err)
		utils.WriteError(w, err)
		return
	}

	if ws.Phase == workspace.PhaseRunning {
		s.buffer.Record(id)
		up, err := s.upstream.GetUpstream(ctx, id)
		if err != nil || up == nil {
			if err != nil {
				s.logger.Warn("Upstream resolution failed", "workspace_id", id, "error", err)
			}
			s.countRequest(ctx, "upstream_unavailable", isWS)
			if isWS {
				s.rejectWebSocket(w, r, websocket.CloseInternalServerErr, "upstream unavailable")
				return
			}
			utils.WriteError(w, utils.NewAPIError(utils.CodeUpstreamUnavailable, "workspace upstream unavailable"))
			return
		}
		s.countRequest(ctx, "relayed", isWS)
		if isWS {
			s.relayWebSocket(w, r, id, up)
		} else {
			s.relayHTTP(w, r, up)
		}
		return
	}

	// WebSockets cannot carry an HTML status page, so the wake policy is
	// HTTP-only.
	s.countRequest(ctx, "not_running", isWS)
	if isWS {
		s.rejectWebSocket(w, r, websocket.ClosePolicyViolation, "Workspace not running")
		return
	}
	s.handleNotRunning(w, r, ws, userID)
}

// handleNotRunning implements the auto-wake policy: STANDBY and ARCHIVED
// workspaces are nudged toward RUNNING and the browser lands on a status
// page that polls until the workspace is up.
func (s *Server) handleNotRunning(w http.ResponseWriter, r *http.Request, ws *workspace.Workspace, userID string) {
	switch ws.Phase {
	case workspace.PhaseStandby, workspace.PhaseArchived:
		prev, err := s.service.Wake(r.Context(), ws.ID, userID)
		if err != nil {
			limitErr := &workspace.RunningLimitError{}
			if errors.As(err, &limitErr) {
				s.redirectStatus(w, r, "limit", url.Values{
					"id":      {ws.ID},
					"name":    {ws.Name},
					"limit":   {strconv.Itoa(limitErr.Limit)},
					"running": {runningNames(limitErr.Running)},
				})
				return
			}
			s.logger.Error("Auto-wake failed", "workspace_id", ws.ID, "error", err)
			utils.WriteError(w, err)
			return
		}
		s.buffer.Record(ws.ID)
		page := "starting"
		if prev.Phase == workspace.PhaseArchived {
			page = "restoring"
		}
		s.redirectStatus(w, r, page, url.Values{"id": {ws.ID}, "name": {ws.Name}})
	default:
		s.redirectStatus(w, r, "error", url.Values{
			"id":           {ws.ID},
			"name":         {ws.Name},
			"phase":        {string(ws.Phase)},
			"error_reason": {string(ws.ErrorReason)},
		})
	}
}

func (s *Server) redirectStatus(w http.ResponseWriter, r *http.Request, page string, params url.Values) {
	http.Redirect(w, r,
		s.config.StaticBase+"/"+page+".html?"+params.Encode(),
		http.StatusFound)
}

// authenticate resolves the session cookie through the short-lived cache.
func (s *Server) authenticate(ctx context.Context, r *http.Request) (string, error) {
	cookie, err := r.Cookie(auth.SessionCookie)
	if err != nil || cookie.Value == "" {
		return "", auth.ErrSessionInvalid
	}
	if userID, ok := s.sessionCache.Get(cookie.Value); ok {
		return userID, nil
	}
	userID, err := s.auth.Authenticate(ctx, cookie.Value)
	if err != nil {
		return "", err
	}
	s.sessionCache.Set(cookie.Value, userID)
	return userID, nil
}

// lookup loads the workspace with ownership enforced. Only RUNNING
// workspaces are cached: the hot relay path skips the database, while
// status-page polling of a transitioning workspace always sees fresh phase.
func (s *Server) lookup(ctx context.Context, id, userID string) (*workspace.Workspace, error) {
	key := id + "|" + userID
	if ws, ok := s.workspaceCache.Get(key); ok {
		return ws, nil
	}
	ws, err := s.service.Get(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if ws.Phase == workspace.PhaseRunning {
		s.workspaceCache.Set(key, ws)
	}
	return ws, nil
}

func (s *Server) countRequest(ctx context.Context, outcome string, isWS bool) {
	kind := "http"
	if isWS {
		kind = "websocket"
	}
	if err := s.metrics.RecordCounter(ctx, "codehub.proxy.requests", 1,
		"{request}", "Proxy requests by outcome",
		map[string]string{"outcome": outcome, "kind": kind}); err != nil {
		s.logger.Debug("Failed to record request metric", "error", err)
	}
}

func runningNames(running []*workspace.Workspace) string {
	names := make([]string, 0, len(running))
	for _, ws := range running {
		names = append(names, ws.Name)
	}
	return strings.Join(names, ",")
}
