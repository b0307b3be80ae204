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

// Package progress_check writes per-process liveness files. An external
// probe compares the file's recorded timestamp against a staleness
// threshold to decide whether the process still makes progress.
package progress_check

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// ProgressWriter touches one liveness file. Safe for concurrent use.
type ProgressWriter struct {
	path string
	mu   sync.Mutex
}

// NewProgressWriter prepares a writer for path, creating the parent
// directory if needed.
func NewProgressWriter(path string) (*ProgressWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create liveness directory: %w", err)
	}
	return &ProgressWriter{path: path}, nil
}

// ReportProgress records the current Unix timestamp. The write goes
// through a temp file and a rename so the probe never sees a partial
// file.
func (pw *ProgressWriter) ReportProgress() error {
	pw.mu.Lock()
	defer pw.mu.Unlock()

	tmp, err := os.CreateTemp(filepath.Dir(pw.path), filepath.Base(pw.path)+".*")
	if err != nil {
		return fmt.Errorf("create liveness temp file: %w", err)
	}
	timestamp := strconv.FormatFloat(float64(time.Now().UnixNano())/1e9, 'f', 6, 64)
	if _, err := tmp.WriteString(timestamp); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write liveness file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close liveness file: %w", err)
	}
	if err := os.Rename(tmp.Name(), pw.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("publish liveness file: %w", err)
	}
	return nil
}
