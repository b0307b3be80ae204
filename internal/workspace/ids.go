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
	"strings"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewID returns a 26-character lexicographically sortable workspace id.
func NewID() string {
	return ulid.Make().String()
}

// NewOpID returns an opaque operation identity. The hex form without dashes
// keeps archive object paths free of separator noise.
func NewOpID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}
