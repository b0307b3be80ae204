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
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// TTLCache is a thread-safe LRU cache with per-entry TTL expiration. The
// proxy keeps its TTL short (seconds): entries only have to absorb the burst
// of requests a single active session produces, and a short TTL bounds how
// long a revoked session or transferred workspace stays usable.
type TTLCache[V any] struct {
	cache *expirable.LRU[string, V]
}

// NewTTLCache creates a cache holding at most maxSize entries for ttl.
func NewTTLCache[V any](maxSize int, ttl time.Duration) *TTLCache[V] {
	return &TTLCache[V]{
		cache: expirable.NewLRU[string, V](maxSize, nil, ttl),
	}
}

// Get retrieves a value by key. Returns the value and true on hit.
func (c *TTLCache[V]) Get(key string) (V, bool) {
	return c.cache.Get(key)
}

// Set stores a value under the given key.
func (c *TTLCache[V]) Set(key string, value V) {
	c.cache.Add(key, value)
}

// Remove drops an entry.
func (c *TTLCache[V]) Remove(key string) {
	c.cache.Remove(key)
}

// Size returns the number of live entries.
func (c *TTLCache[V]) Size() int {
	return c.cache.Len()
}
