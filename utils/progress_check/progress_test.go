/*
SPDX-FileCopyrightText: Copyright (c) 2026 NVIDIA CORPORATION. All rights reserved.

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

package progress_check

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"
)

func readTimestamp(t *testing.T, path string) float64 {
	t.Helper()
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read liveness file: %v", err)
	}
	ts, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return ts
}

func TestReportProgressWritesCurrentTimestamp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coordinators", "observer")
	pw, err := NewProgressWriter(path)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	before := float64(time.Now().UnixNano()) / 1e9
	if err := pw.ReportProgress(); err != nil {
		t.Fatalf("report: %v", err)
	}
	after := float64(time.Now().UnixNano()) / 1e9

	ts := readTimestamp(t, path)
	if ts < before || ts > after {
		t.Errorf("timestamp %f outside [%f, %f]", ts, before, after)
	}
}

func TestReportProgressOverwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scheduler")
	pw, err := NewProgressWriter(path)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	if err := pw.ReportProgress(); err != nil {
		t.Fatalf("first report: %v", err)
	}
	first := readTimestamp(t, path)

	time.Sleep(5 * time.Millisecond)
	if err := pw.ReportProgress(); err != nil {
		t.Fatalf("second report: %v", err)
	}
	second := readTimestamp(t, path)

	if second <= first {
		t.Errorf("second report %f not after first %f", second, first)
	}

	// The rename must not leave temp files behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("directory has %d entries, want just the liveness file", len(entries))
	}
}
