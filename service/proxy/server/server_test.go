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
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"go.corp.nvidia.com/codehub/internal/activity"
	"go.corp.nvidia.com/codehub/internal/auth"
	"go.corp.nvidia.com/codehub/internal/runtimeport"
	"go.corp.nvidia.com/codehub/internal/workspace"
)

type fakeAuth struct {
	users map[string]string
	calls int
}

func (f *fakeAuth) Authenticate(ctx context.Context, sessionID string) (string, error) {
	f.calls++
	if userID, ok := f.users[sessionID]; ok {
		return userID, nil
	}
	return "", auth.ErrSessionInvalid
}

type fakeService struct {
	workspaces map[string]*workspace.Workspace // keyed id|user
	wakeErr    error
	woken      []string
}

func (f *fakeService) Get(ctx context.Context, id, ownerUserID string) (*workspace.Workspace, error) {
	if ws, ok := f.workspaces[id+"|"+ownerUserID]; ok {
		return ws, nil
	}
	return nil, workspace.ErrNotFound
}

func (f *fakeService) Wake(ctx context.Context, id, ownerUserID string) (*workspace.Workspace, error) {
	f.woken = append(f.woken, id)
	if f.wakeErr != nil {
		return nil, f.wakeErr
	}
	return f.Get(ctx, id, ownerUserID)
}

type fakeUpstream struct {
	up  *runtimeport.Upstream
	err error
}

func (f *fakeUpstream) GetUpstream(ctx context.Context, id string) (*runtimeport.Upstream, error) {
	return f.up, f.err
}

type proxyFixture struct {
	auth     *fakeAuth
	service  *fakeService
	upstream *fakeUpstream
	buffer   *activity.Buffer
	mr       *miniredis.Miniredis
	ts       *httptest.Server
}

func newFixture(t *testing.T, service *fakeService, upstream *fakeUpstream) *proxyFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	f := &proxyFixture{
		auth:     &fakeAuth{users: map[string]string{"sess1": "u1"}},
		service:  service,
		upstream: upstream,
		buffer:   activity.NewBuffer(activity.DefaultBufferConfig(), activity.NewStore(client), nil),
		mr:       mr,
	}
	srv := NewServer(DefaultConfig(), f.auth, f.service, f.upstream, f.buffer, nil)
	f.ts = httptest.NewServer(srv.Handler())
	t.Cleanup(f.ts.Close)
	return f
}

// get issues an authenticated request without following redirects.
func (f *proxyFixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, f.ts.URL+path, nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.AddCookie(&http.Cookie{Name: auth.SessionCookie, Value: "sess1"})
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func runningWorkspace(id, owner string) *workspace.Workspace {
	return &workspace.Workspace{
		ID: id, OwnerUserID: owner, Name: "dev-" + id,
		Phase: workspace.PhaseRunning, DesiredState: workspace.DesiredRunning,
	}
}

func TestBareWorkspacePathRedirects(t *testing.T) {
	f := newFixture(t, &fakeService{}, &fakeUpstream{})
	resp := f.get(t, "/w/w1?a=b")
	if resp.StatusCode != http.StatusPermanentRedirect {
		t.Fatalf("status = %d, want 308", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "/w/w1/?a=b" {
		t.Errorf("location = %q, want /w/w1/?a=b", loc)
	}
}

func TestUnauthenticatedIsRejected(t *testing.T) {
	f := newFixture(t, &fakeService{}, &fakeUpstream{})
	resp, err := http.Get(f.ts.URL + "/w/w1/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "UNAUTHORIZED") {
		t.Errorf("body = %s, want UNAUTHORIZED code", body)
	}
}

func TestNonOwnerIsForbidden(t *testing.T) {
	service := &fakeService{workspaces: map[string]*workspace.Workspace{
		"w1|u2": runningWorkspace("w1", "u2"),
	}}
	f := newFixture(t, service, &fakeUpstream{})
	resp := f.get(t, "/w/w1/")
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "FORBIDDEN") {
		t.Errorf("body = %s, want FORBIDDEN code", body)
	}
}

func TestRunningWorkspaceProxies(t *testing.T) {
	var gotPath, gotQuery, gotProxyConn string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotProxyConn = r.Header.Get("Proxy-Connection")
		w.Header().Set("X-Backend", "yes")
		w.WriteHeader(http.StatusTeapot)
		io.WriteString(w, "hello from workspace")
	}))
	defer backend.Close()

	service := &fakeService{workspaces: map[string]*workspace.Workspace{
		"w1|u1": runningWorkspace("w1", "u1"),
	}}
	f := newFixture(t, service, &fakeUpstream{up: upstreamFor(t, backend.URL)})

	req, _ := http.NewRequest(http.MethodGet, f.ts.URL+"/w/w1/app/index.html?x=1", nil)
	req.AddCookie(&http.Cookie{Name: auth.SessionCookie, Value: "sess1"})
	req.Header.Set("Proxy-Connection", "keep-alive")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusTeapot {
		t.Fatalf("status = %d, want 418", resp.StatusCode)
	}
	if gotPath != "/app/index.html" || gotQuery != "x=1" {
		t.Errorf("backend saw %s?%s, want /app/index.html?x=1", gotPath, gotQuery)
	}
	if gotProxyConn != "" {
		t.Error("hop-by-hop header must not reach the backend")
	}
	if resp.Header.Get("X-Backend") != "yes" {
		t.Error("backend response header must be relayed")
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "hello from workspace" {
		t.Errorf("body = %q", body)
	}

	// The request counts as workspace activity.
	if err := f.buffer.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if !f.mr.Exists("last_access:w1") {
		t.Error("proxied request must record activity")
	}
}

func TestStandbyWakesAndRedirects(t *testing.T) {
	service := &fakeService{workspaces: map[string]*workspace.Workspace{
		"w1|u1": {
			ID: "w1", OwnerUserID: "u1", Name: "dev-w1",
			Phase: workspace.PhaseStandby, DesiredState: workspace.DesiredStandby,
		},
	}}
	f := newFixture(t, service, &fakeUpstream{})
	resp := f.get(t, "/w/w1/")
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("status = %d, want 302", resp.StatusCode)
	}
	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("location: %v", err)
	}
	if loc.Path != "/static/proxy/starting.html" {
		t.Errorf("location path = %q, want starting page", loc.Path)
	}
	if loc.Query().Get("name") != "dev-w1" {
		t.Errorf("location query = %q, want workspace name", loc.RawQuery)
	}
	if len(service.woken) != 1 || service.woken[0] != "w1" {
		t.Errorf("woken = %v, want [w1]", service.woken)
	}
}

func TestArchivedRedirectsToRestoring(t *testing.T) {
	service := &fakeService{workspaces: map[string]*workspace.Workspace{
		"w1|u1": {
			ID: "w1", OwnerUserID: "u1", Name: "dev-w1",
			Phase: workspace.PhaseArchived, DesiredState: workspace.DesiredArchived,
		},
	}}
	f := newFixture(t, service, &fakeUpstream{})
	resp := f.get(t, "/w/w1/")
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("status = %d, want 302", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); !strings.Contains(loc, "/static/proxy/restoring.html") {
		t.Errorf("location = %q, want restoring page", loc)
	}
}

func TestRunningLimitRedirectsToLimitPage(t *testing.T) {
	service := &fakeService{
		workspaces: map[string]*workspace.Workspace{
			"w1|u1": {
				ID: "w1", OwnerUserID: "u1", Name: "dev-w1",
				Phase: workspace.PhaseStandby, DesiredState: workspace.DesiredStandby,
			},
		},
		wakeErr: &workspace.RunningLimitError{
			Limit: 1,
			Running: []*workspace.Workspace{
				runningWorkspace("w2", "u1"),
			},
		},
	}
	f := newFixture(t, service, &fakeUpstream{})
	resp := f.get(t, "/w/w1/")
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("status = %d, want 302", resp.StatusCode)
	}
	loc, _ := url.Parse(resp.Header.Get("Location"))
	if loc.Path != "/static/proxy/limit.html" {
		t.Errorf("location path = %q, want limit page", loc.Path)
	}
	if loc.Query().Get("running") != "dev-w2" {
		t.Errorf("running = %q, want the busy workspace names", loc.Query().Get("running"))
	}
}

func TestErrorPhaseRedirectsToErrorPage(t *testing.T) {
	service := &fakeService{workspaces: map[string]*workspace.Workspace{
		"w1|u1": {
			ID: "w1", OwnerUserID: "u1", Name: "dev-w1",
			Phase: workspace.PhaseError, ErrorReason: workspace.ReasonOperationTimeout,
			DesiredState: workspace.DesiredRunning,
		},
	}}
	f := newFixture(t, service, &fakeUpstream{})
	resp := f.get(t, "/w/w1/")
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("status = %d, want 302", resp.StatusCode)
	}
	loc, _ := url.Parse(resp.Header.Get("Location"))
	if loc.Path != "/static/proxy/error.html" {
		t.Errorf("location path = %q, want error page", loc.Path)
	}
	q := loc.Query()
	if q.Get("phase") != "ERROR" || q.Get("error_reason") != "OPERATION_TIMEOUT" {
		t.Errorf("query = %q, want phase and reason", loc.RawQuery)
	}
	if len(service.woken) != 0 {
		t.Error("error phase must not auto-wake")
	}
}

func TestUpstreamMissIsBadGateway(t *testing.T) {
	service := &fakeService{workspaces: map[string]*workspace.Workspace{
		"w1|u1": runningWorkspace("w1", "u1"),
	}}
	f := newFixture(t, service, &fakeUpstream{up: nil})
	resp := f.get(t, "/w/w1/")
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "UPSTREAM_UNAVAILABLE") {
		t.Errorf("body = %s, want UPSTREAM_UNAVAILABLE code", body)
	}
}

func TestSessionCacheAbsorbsRepeatLookups(t *testing.T) {
	service := &fakeService{workspaces: map[string]*workspace.Workspace{
		"w1|u1": {
			ID: "w1", OwnerUserID: "u1", Name: "dev-w1",
			Phase: workspace.PhaseStandby, DesiredState: workspace.DesiredStandby,
		},
	}}
	f := newFixture(t, service, &fakeUpstream{})
	f.get(t, "/w/w1/")
	f.get(t, "/w/w1/")
	if f.auth.calls != 1 {
		t.Errorf("auth lookups = %d, want 1 (second request served from cache)", f.auth.calls)
	}
}

// upstreamFor converts an httptest server URL into an upstream address.
func upstreamFor(t *testing.T, rawURL string) *runtimeport.Upstream {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse %s: %v", rawURL, err)
	}
	port := 80
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			t.Fatalf("port %s: %v", p, err)
		}
	}
	return &runtimeport.Upstream{Host: u.Hostname(), Port: port}
}
