// SPDX-FileCopyrightText: Copyright (c) 2026 NVIDIA CORPORATION. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"sync"

	"go.corp.nvidia.com/codehub/internal/runtimeport"
)

// fakeRuntime records the calls the coordinators make.
type fakeRuntime struct {
	mu     sync.Mutex
	states []runtimeport.WorkspaceState

	observeErr error
	callErr    error

	calls    []string
	gcResult runtimeport.GCResult
	gcKeys   []string
	gcIDs    []string
}

func (f *fakeRuntime) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeRuntime) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeRuntime) Observe(ctx context.Context) ([]runtimeport.WorkspaceState, error) {
	f.record("observe")
	if f.observeErr != nil {
		return nil, f.observeErr
	}
	return f.states, nil
}

func (f *fakeRuntime) Provision(ctx context.Context, id string) error {
	f.record("provision:" + id)
	return f.callErr
}

func (f *fakeRuntime) Start(ctx context.Context, id, imageRef string) error {
	f.record("start:" + id)
	return f.callErr
}

func (f *fakeRuntime) Stop(ctx context.Context, id string) error {
	f.record("stop:" + id)
	return f.callErr
}

func (f *fakeRuntime) Delete(ctx context.Context, id string) error {
	f.record("delete:" + id)
	return f.callErr
}

func (f *fakeRuntime) Archive(ctx context.Context, id, archiveOpID string) (string, error) {
	f.record("archive:" + id)
	return "codehub-ws-" + id + "/" + archiveOpID + "/home.tar.zst", f.callErr
}

func (f *fakeRuntime) Restore(ctx context.Context, id, archiveKey string) error {
	f.record("restore:" + id)
	return f.callErr
}

func (f *fakeRuntime) CreateEmptyArchive(ctx context.Context, id, archiveOpID string) (string, error) {
	f.record("create_empty_archive:" + id)
	return "codehub-ws-" + id + "/" + archiveOpID + "/home.tar.zst", f.callErr
}

func (f *fakeRuntime) RunGC(ctx context.Context, protectedArchiveKeys, protectedWorkspaces []string) (runtimeport.GCResult, error) {
	f.record("run_gc")
	f.mu.Lock()
	f.gcKeys = append([]string(nil), protectedArchiveKeys...)
	f.gcIDs = append([]string(nil), protectedWorkspaces...)
	f.mu.Unlock()
	return f.gcResult, f.callErr
}

func (f *fakeRuntime) GetUpstream(ctx context.Context, id string) (*runtimeport.Upstream, error) {
	f.record("get_upstream:" + id)
	return &runtimeport.Upstream{Host: "127.0.0.1", Port: 9000}, nil
}
