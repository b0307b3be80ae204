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
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"go.corp.nvidia.com/codehub/internal/runtimeport"
	"go.corp.nvidia.com/codehub/utils"
)

// hopHeaders are connection-scoped and must not cross the relay.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// relayHTTP streams one HTTP exchange to the workspace container. Request
// and response bodies are piped, not buffered.
func (s *Server) relayHTTP(w http.ResponseWriter, r *http.Request, up *runtimeport.Upstream) {
	target := fmt.Sprintf("http://%s/%s", net.JoinHostPort(up.Host, fmt.Sprint(up.Port)), r.PathValue("path"))
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		utils.WriteError(w, utils.NewAPIError(utils.CodeInvalidRequest, "malformed request"))
		return
	}
	copyProxyHeaders(req.Header, r.Header)
	if clientIP, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		req.Header.Set("X-Forwarded-For", clientIP)
	}
	req.Header.Set("X-Forwarded-Proto", "http")

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("Upstream request failed", "target", target, "error", err)
		utils.WriteError(w, utils.NewAPIError(utils.CodeUpstreamUnavailable, "workspace upstream unavailable"))
		return
	}
	defer resp.Body.Close()

	copyProxyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		// The client went away mid-stream; nothing to send the error to.
		s.logger.Debug("Response relay interrupted", "target", target, "error", err)
	}
}

// copyProxyHeaders copies end-to-end headers, dropping hop-by-hop headers
// and anything the Connection header names.
func copyProxyHeaders(dst, src http.Header) {
	dropped := map[string]bool{}
	for _, h := range hopHeaders {
		dropped[h] = true
	}
	for _, name := range src.Values("Connection") {
		for _, h := range strings.Split(name, ",") {
			dropped[http.CanonicalHeaderKey(strings.TrimSpace(h))] = true
		}
	}
	for name, values := range src {
		if dropped[name] {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}
