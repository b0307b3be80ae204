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

package activity

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces activity keys; the value is unix seconds as a float
// string. Redis is the consolidation point across proxy replicas and the
// database column is the authoritative value after a scheduler sync.
const keyPrefix = "last_access:"

// Store is the Redis stage of the activity pipeline.
type Store struct {
	client *redis.Client
}

// NewStore creates an activity store on the given Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// SetBulk writes all entries in one MSET.
func (s *Store) SetBulk(ctx context.Context, entries map[string]time.Time) error {
	if len(entries) == 0 {
		return nil
	}
	pairs := make([]any, 0, len(entries)*2)
	for id, ts := range entries {
		pairs = append(pairs, keyPrefix+id,
			strconv.FormatFloat(float64(ts.UnixNano())/float64(time.Second), 'f', 3, 64))
	}
	if err := s.client.MSet(ctx, pairs...).Err(); err != nil {
		return fmt.Errorf("failed to write activity entries: %w", err)
	}
	return nil
}

// Scan returns every buffered activity timestamp keyed by workspace id.
// Unparsable values are dropped rather than poisoning the sync.
func (s *Store) Scan(ctx context.Context) (map[string]time.Time, error) {
	out := make(map[string]time.Time)
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, keyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan activity keys: %w", err)
		}
		for _, key := range keys {
			raw, err := s.client.Get(ctx, key).Result()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("failed to read activity key %s: %w", key, err)
			}
			seconds, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				continue
			}
			id := strings.TrimPrefix(key, keyPrefix)
			out[id] = time.Unix(0, int64(seconds*float64(time.Second))).UTC()
		}
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}

// Delete removes the activity keys for the given workspace ids. The caller
// passes exactly the ids whose database rows the sync statement matched.
func (s *Store) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = keyPrefix + id
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete activity keys: %w", err)
	}
	return nil
}

// Invalidate drops a single pending activity entry. The controller calls it
// when an operation resets a workspace so a stale timestamp cannot resurrect
// last_access_at.
func (s *Store) Invalidate(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, keyPrefix+id).Err(); err != nil {
		return fmt.Errorf("failed to invalidate activity key for %s: %w", id, err)
	}
	return nil
}
