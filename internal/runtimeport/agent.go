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

package runtimeport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.corp.nvidia.com/codehub/utils"
)

// AgentConfig configures the HTTP client for the container agent.
type AgentConfig struct {
	Endpoint string
	APIKey   string
	// RequestTimeout bounds quick calls; JobTimeout bounds archive and
	// restore, which move volume-sized payloads.
	RequestTimeout time.Duration
	JobTimeout     time.Duration
}

// AgentFlagPointers holds agent flag values between registration and parse.
type AgentFlagPointers struct {
	Endpoint       *string
	APIKey         *string
	RequestTimeout *time.Duration
	JobTimeout     *time.Duration
}

// RegisterAgentFlags registers agent connectivity flags with env fallbacks.
func RegisterAgentFlags() *AgentFlagPointers {
	return &AgentFlagPointers{
		Endpoint: flag.String("agent-endpoint",
			utils.GetEnv("CODEHUB_AGENT_ENDPOINT", "http://localhost:8090"),
			"Base URL of the container agent"),
		APIKey: flag.String("agent-api-key",
			utils.GetEnv("CODEHUB_AGENT_API_KEY", ""),
			"API key sent to the container agent"),
		RequestTimeout: flag.Duration("agent-request-timeout",
			utils.GetEnvDuration("CODEHUB_AGENT_REQUEST_TIMEOUT", 15*time.Second),
			"Timeout for agent control calls"),
		JobTimeout: flag.Duration("agent-job-timeout",
			utils.GetEnvDuration("CODEHUB_AGENT_JOB_TIMEOUT", 10*time.Minute),
			"Timeout for agent archive and restore calls"),
	}
}

// ToAgentConfig converts parsed flags into an AgentConfig.
func (p *AgentFlagPointers) ToAgentConfig() AgentConfig {
	return AgentConfig{
		Endpoint:       *p.Endpoint,
		APIKey:         *p.APIKey,
		RequestTimeout: *p.RequestTimeout,
		JobTimeout:     *p.JobTimeout,
	}
}

// AgentClient talks JSON over HTTP to the container agent.
type AgentClient struct {
	config AgentConfig
	client *http.Client
	logger *slog.Logger
}

var _ Runtime = (*AgentClient)(nil)

// NewAgentClient creates an agent client. Per-call deadlines come from the
// config, so the underlying http.Client carries no timeout of its own.
func NewAgentClient(config AgentConfig, logger *slog.Logger) *AgentClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &AgentClient{
		config: config,
		client: &http.Client{},
		logger: logger,
	}
}

func (a *AgentClient) do(ctx context.Context, method, path string, timeout time.Duration, reqBody, respBody any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("failed to encode agent request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method,
		strings.TrimSuffix(a.config.Endpoint, "/")+path, body)
	if err != nil {
		return fmt.Errorf("failed to build agent request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.config.APIKey != "" {
		req.Header.Set("X-API-Key", a.config.APIKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return &utils.TransientError{Err: fmt.Errorf("agent request %s %s failed: %w", method, path, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return a.statusError(resp, method, path)
	}
	if respBody != nil {
		if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
			return fmt.Errorf("failed to decode agent response for %s %s: %w", method, path, err)
		}
	}
	return nil
}

func (a *AgentClient) statusError(resp *http.Response, method, path string) error {
	var payload struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := json.Unmarshal(data, &payload); err != nil || payload.Error.Message == "" {
		payload.Error.Message = strings.TrimSpace(string(data))
	}
	return &utils.UpstreamStatusError{
		Service:    "agent",
		StatusCode: resp.StatusCode,
		Code:       payload.Error.Code,
		Message:    fmt.Sprintf("%s %s: %s", method, path, payload.Error.Message),
	}
}

func (a *AgentClient) Observe(ctx context.Context) ([]WorkspaceState, error) {
	var resp struct {
		Workspaces []WorkspaceState `json:"workspaces"`
	}
	if err := a.do(ctx, http.MethodGet, "/v1/observe", a.config.RequestTimeout, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Workspaces, nil
}

func (a *AgentClient) Provision(ctx context.Context, id string) error {
	return a.do(ctx, http.MethodPost, "/v1/workspaces/"+url.PathEscape(id)+"/provision",
		a.config.RequestTimeout, nil, nil)
}

func (a *AgentClient) Start(ctx context.Context, id, imageRef string) error {
	req := struct {
		ImageRef string `json:"image_ref"`
	}{ImageRef: imageRef}
	return a.do(ctx, http.MethodPost, "/v1/workspaces/"+url.PathEscape(id)+"/start",
		a.config.RequestTimeout, req, nil)
}

func (a *AgentClient) Stop(ctx context.Context, id string) error {
	return a.do(ctx, http.MethodPost, "/v1/workspaces/"+url.PathEscape(id)+"/stop",
		a.config.RequestTimeout, nil, nil)
}

func (a *AgentClient) Delete(ctx context.Context, id string) error {
	return a.do(ctx, http.MethodDelete, "/v1/workspaces/"+url.PathEscape(id),
		a.config.RequestTimeout, nil, nil)
}

func (a *AgentClient) Archive(ctx context.Context, id, archiveOpID string) (string, error) {
	req := struct {
		OpID string `json:"op_id"`
	}{OpID: archiveOpID}
	var resp struct {
		ArchiveKey string `json:"archive_key"`
	}
	err := a.do(ctx, http.MethodPost, "/v1/workspaces/"+url.PathEscape(id)+"/archive",
		a.config.JobTimeout, req, &resp)
	if err != nil {
		return "", err
	}
	return resp.ArchiveKey, nil
}

func (a *AgentClient) Restore(ctx context.Context, id, archiveKey string) error {
	req := struct {
		ArchiveKey string `json:"archive_key"`
	}{ArchiveKey: archiveKey}
	return a.do(ctx, http.MethodPost, "/v1/workspaces/"+url.PathEscape(id)+"/restore",
		a.config.JobTimeout, req, nil)
}

func (a *AgentClient) CreateEmptyArchive(ctx context.Context, id, archiveOpID string) (string, error) {
	req := struct {
		OpID string `json:"op_id"`
	}{OpID: archiveOpID}
	var resp struct {
		ArchiveKey string `json:"archive_key"`
	}
	err := a.do(ctx, http.MethodPost, "/v1/workspaces/"+url.PathEscape(id)+"/empty-archive",
		a.config.RequestTimeout, req, &resp)
	if err != nil {
		return "", err
	}
	return resp.ArchiveKey, nil
}

func (a *AgentClient) RunGC(ctx context.Context, protectedArchiveKeys, protectedWorkspaces []string) (GCResult, error) {
	req := struct {
		ProtectedArchiveKeys []string `json:"protected_archive_keys"`
		ProtectedWorkspaces  []string `json:"protected_workspaces"`
	}{ProtectedArchiveKeys: protectedArchiveKeys, ProtectedWorkspaces: protectedWorkspaces}
	var resp GCResult
	if err := a.do(ctx, http.MethodPost, "/v1/gc", a.config.JobTimeout, req, &resp); err != nil {
		return GCResult{}, err
	}
	return resp, nil
}

func (a *AgentClient) GetUpstream(ctx context.Context, id string) (*Upstream, error) {
	var resp Upstream
	err := a.do(ctx, http.MethodGet, "/v1/workspaces/"+url.PathEscape(id)+"/upstream",
		a.config.RequestTimeout, nil, &resp)
	if err != nil {
		var statusErr *utils.UpstreamStatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &resp, nil
}
