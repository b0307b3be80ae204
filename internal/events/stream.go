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

package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// StreamEvent is one change read from a user's event stream.
type StreamEvent struct {
	WorkspaceID string
	OwnerUserID string
	Deleted     bool
}

// StreamReader tails one user's event stream. Each SSE connection owns one
// reader; the cursor starts at the stream tail so a new connection only sees
// changes after it attached.
type StreamReader struct {
	client *redis.Client
	stream string
	lastID string
}

// NewStreamReader creates a reader positioned at the current tail of the
// user's stream. The tail is resolved eagerly so events published between
// construction and the first Next call are not lost.
func NewStreamReader(ctx context.Context, client *redis.Client, userID string) (*StreamReader, error) {
	stream := UserStream(userID)
	lastID := "0-0"
	tail, err := client.XRevRangeN(ctx, stream, "+", "-", 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to resolve stream tail: %w", err)
	}
	if len(tail) > 0 {
		lastID = tail[0].ID
	}
	return &StreamReader{
		client: client,
		stream: stream,
		lastID: lastID,
	}, nil
}

// Next blocks up to the context deadline for new events. A deadline without
// events returns an empty slice so the caller can emit its heartbeat.
func (r *StreamReader) Next(ctx context.Context) ([]StreamEvent, error) {
	streams, err := r.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{r.stream, r.lastID},
		Count:   64,
		Block:   0,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("event stream read failed: %w", err)
	}

	var out []StreamEvent
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			r.lastID = msg.ID
			raw, _ := msg.Values["data"].(string)
			var change ChangePayload
			if err := json.Unmarshal([]byte(raw), &change); err != nil {
				continue
			}
			out = append(out, StreamEvent{
				WorkspaceID: change.ID,
				OwnerUserID: change.OwnerUserID,
				Deleted:     change.Deleted,
			})
		}
	}
	return out, nil
}
