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
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"go.corp.nvidia.com/codehub/internal/runtimeport"
)

const wsCloseTimeout = 5 * time.Second

// rejectWebSocket completes the upgrade handshake and immediately closes
// with the given status. A plain HTTP error would leave the browser's
// WebSocket client without a close code to act on.
func (s *Server) rejectWebSocket(w http.ResponseWriter, r *http.Request, code int, reason string) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	deadline := time.Now().Add(wsCloseTimeout)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
}

// relayWebSocket bridges the client connection to the workspace container.
// Every successfully relayed frame counts as workspace activity. Closing
// either direction tears down the other.
func (s *Server) relayWebSocket(w http.ResponseWriter, r *http.Request, id string, up *runtimeport.Upstream) {
	backendURL := fmt.Sprintf("ws://%s/%s", net.JoinHostPort(up.Host, fmt.Sprint(up.Port)), r.PathValue("path"))
	if r.URL.RawQuery != "" {
		backendURL += "?" + r.URL.RawQuery
	}

	backend, resp, err := websocket.DefaultDialer.DialContext(r.Context(), backendURL, nil)
	if err != nil {
		s.logger.Warn("Backend WebSocket dial failed",
			"workspace_id", id, "target", backendURL, "error", err)
		s.rejectWebSocket(w, r, websocket.CloseInternalServerErr, "upstream unavailable")
		return
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer backend.Close()

	client, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Client WebSocket upgrade failed", "workspace_id", id, "error", err)
		return
	}
	defer client.Close()

	var wg sync.WaitGroup
	firstDone := make(chan struct{})
	var closeOnce sync.Once
	var inFrames, outFrames atomic.Int64

	wg.Add(2)

	// Client -> Backend
	go func() {
		defer wg.Done()
		defer closeOnce.Do(func() { close(firstDone) })

		for {
			messageType, data, err := client.ReadMessage()
			if err != nil {
				return
			}
			if err := backend.WriteMessage(messageType, data); err != nil {
				return
			}
			inFrames.Add(1)
			s.buffer.Record(id)
		}
	}()

	// Backend -> Client
	go func() {
		defer wg.Done()
		defer closeOnce.Do(func() { close(firstDone) })

		for {
			messageType, data, err := backend.ReadMessage()
			if err != nil {
				return
			}
			if err := client.WriteMessage(messageType, data); err != nil {
				return
			}
			outFrames.Add(1)
			s.buffer.Record(id)
		}
	}()

	// Wait for first goroutine to finish
	<-firstDone

	// Close connections to unblock the other
	backend.Close()
	client.Close()

	wg.Wait()

	// One recording per direction at teardown keeps the hot loop free of
	// metric calls.
	ctx := context.Background()
	_ = s.metrics.RecordCounter(ctx, "codehub.proxy.ws_frames", inFrames.Load(),
		"{frame}", "Relayed WebSocket frames", map[string]string{"direction": "to_backend"})
	_ = s.metrics.RecordCounter(ctx, "codehub.proxy.ws_frames", outFrames.Load(),
		"{frame}", "Relayed WebSocket frames", map[string]string{"direction": "to_client"})
}
