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
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
)

// ErrorCode is the user-visible error taxonomy. Every HTTP error response
// carries one of these codes in the body {"error":{"code","message"}}.
type ErrorCode string

const (
	CodeInvalidRequest      ErrorCode = "INVALID_REQUEST"
	CodeUnauthorized        ErrorCode = "UNAUTHORIZED"
	CodeForbidden           ErrorCode = "FORBIDDEN"
	CodeWorkspaceNotFound   ErrorCode = "WORKSPACE_NOT_FOUND"
	CodeInvalidState        ErrorCode = "INVALID_STATE"
	CodeTooManyRequests     ErrorCode = "TOO_MANY_REQUESTS"
	CodeUpstreamUnavailable ErrorCode = "UPSTREAM_UNAVAILABLE"
	CodeInternalError       ErrorCode = "INTERNAL_ERROR"
)

var httpStatusByCode = map[ErrorCode]int{
	CodeInvalidRequest:      http.StatusBadRequest,
	CodeUnauthorized:        http.StatusUnauthorized,
	CodeForbidden:           http.StatusForbidden,
	CodeWorkspaceNotFound:   http.StatusNotFound,
	CodeInvalidState:        http.StatusConflict,
	CodeTooManyRequests:     http.StatusTooManyRequests,
	CodeUpstreamUnavailable: http.StatusBadGateway,
	CodeInternalError:       http.StatusInternalServerError,
}

// APIError is a user-visible error with a taxonomy code and HTTP mapping.
type APIError struct {
	Code    ErrorCode
	Message string
	// RetryAfterSec, when non-zero, is emitted as a Retry-After header.
	RetryAfterSec int
}

func (e *APIError) Error() string {
	return string(e.Code) + ": " + e.Message
}

// HTTPStatus returns the status code mapped to the error code.
func (e *APIError) HTTPStatus() int {
	if status, ok := httpStatusByCode[e.Code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// NewAPIError builds an APIError with the given code and message.
func NewAPIError(code ErrorCode, message string) *APIError {
	return &APIError{Code: code, Message: message}
}

// WriteError writes err as a JSON error response. Non-APIError values are
// reported as INTERNAL_ERROR without leaking the underlying message.
func WriteError(w http.ResponseWriter, err error) {
	apiErr := &APIError{}
	if !errors.As(err, &apiErr) {
		var open *CircuitOpenError
		if errors.As(err, &open) {
			apiErr = &APIError{
				Code:          CodeUpstreamUnavailable,
				Message:       "service temporarily unavailable",
				RetryAfterSec: int(open.RetryAfter.Seconds()),
			}
		} else {
			apiErr = &APIError{Code: CodeInternalError, Message: "internal error"}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if apiErr.RetryAfterSec > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(apiErr.RetryAfterSec))
	}
	w.WriteHeader(apiErr.HTTPStatus())
	_ = json.NewEncoder(w).Encode(map[string]map[string]string{
		"error": {
			"code":    string(apiErr.Code),
			"message": apiErr.Message,
		},
	})
}
