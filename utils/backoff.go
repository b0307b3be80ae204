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

package utils

import (
	"math/rand"
	"time"
)

// CalculateBackoff returns exponential backoff duration with a max cap and random jitter.
// Sequence: base, 2*base, 4*base, ... capped at maxBackoff, then multiplied by
// a jitter factor in [0.5, 1.5).
//
// attempt is 1-based; attempt <= 0 returns 0.
func CalculateBackoff(attempt int, base, maxBackoff time.Duration) time.Duration {
	if attempt <= 0 {
		return 0
	}
	// Clamp the shift so large attempt counts cannot overflow.
	shift := uint(attempt - 1)
	if shift > 16 {
		shift = 16
	}
	d := base << shift
	if d > maxBackoff || d <= 0 {
		d = maxBackoff
	}
	jitter := 0.5 + rand.Float64()
	result := time.Duration(float64(d) * jitter)
	if result > maxBackoff {
		result = maxBackoff
	}
	return result
}
