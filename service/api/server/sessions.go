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
	"encoding/json"
	"errors"
	"math"
	"net/http"

	"go.corp.nvidia.com/codehub/internal/auth"
	"go.corp.nvidia.com/codehub/utils"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		utils.WriteError(w, utils.NewAPIError(utils.CodeInvalidRequest, "username and password are required"))
		return
	}

	if remaining, blocked := s.lockout.Blocked(req.Username); blocked {
		utils.WriteError(w, &utils.APIError{
			Code:          utils.CodeTooManyRequests,
			Message:       "too many failed login attempts",
			RetryAfterSec: int(math.Ceil(remaining.Seconds())),
		})
		return
	}

	session, err := s.auth.Login(r.Context(), req.Username, req.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		s.lockout.Failure(req.Username)
		utils.WriteError(w, utils.NewAPIError(utils.CodeUnauthorized, "invalid username or password"))
		return
	}
	if err != nil {
		s.logger.Error("Login failed", "username", req.Username, "error", err)
		utils.WriteError(w, err)
		return
	}
	s.lockout.Success(req.Username)

	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookie,
		Value:    session.ID,
		Path:     "/",
		Expires:  session.ExpiresAt,
		HttpOnly: true,
		Secure:   s.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]string{"user_id": session.UserID})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(auth.SessionCookie); err == nil && cookie.Value != "" {
		if err := s.auth.Logout(r.Context(), cookie.Value); err != nil {
			s.logger.Warn("Failed to revoke session", "error", err)
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	w.WriteHeader(http.StatusNoContent)
}
