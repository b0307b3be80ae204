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

// Package auth implements session-cookie authentication: the users and
// sessions tables, bcrypt password verification, and the per-username
// login lockout.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"
	"golang.org/x/crypto/bcrypt"
)

// SessionCookie is the cookie name shared by the API and the proxy.
const SessionCookie = "codehub_session"

var (
	// ErrInvalidCredentials covers both unknown usernames and wrong
	// passwords so a login failure does not reveal which one it was.
	ErrInvalidCredentials = errors.New("invalid username or password")
	// ErrSessionInvalid covers missing, expired and revoked sessions.
	ErrSessionInvalid = errors.New("session is not valid")
)

// Querier is the subset of pgx the store needs. Both *pgxpool.Pool and a
// dedicated *pgx.Conn satisfy it.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// User is an account row. PasswordHash is a bcrypt hash.
type User struct {
	ID           string
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// Session is an issued login session. A session is valid while it is not
// revoked and not past its expiry.
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	RevokedAt *time.Time
	CreatedAt time.Time
}

// Store persists users and sessions.
type Store struct {
	db         Querier
	sessionTTL time.Duration
	logger     *slog.Logger
}

// NewStore creates an auth store issuing sessions with the given TTL.
func NewStore(db Querier, sessionTTL time.Duration, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, sessionTTL: sessionTTL, logger: logger}
}

// HashPassword returns the bcrypt hash stored for a password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// newSessionID returns an unguessable opaque session token.
func newSessionID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// EnsureUser upserts an account with the given password. Used on startup to
// guarantee the admin account exists with the configured credentials.
func (s *Store) EnsureUser(ctx context.Context, username, password string) error {
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO users (id, username, password_hash)
		VALUES ($1, $2, $3)
		ON CONFLICT (username) DO UPDATE SET password_hash = EXCLUDED.password_hash`,
		ulid.Make().String(), username, hash)
	if err != nil {
		return fmt.Errorf("failed to upsert user %s: %w", username, err)
	}
	return nil
}

// Login verifies the credentials and issues a fresh session. Any prior live
// sessions of the user are revoked: a user holds at most one live session.
func (s *Store) Login(ctx context.Context, username, password string) (*Session, error) {
	var userID, hash string
	err := s.db.QueryRow(ctx,
		`SELECT id, password_hash FROM users WHERE username = $1`,
		username).Scan(&userID, &hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user %s: %w", username, err)
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}

	now := time.Now().UTC()
	if _, err := s.db.Exec(ctx, `
		UPDATE sessions SET revoked_at = $2
		WHERE user_id = $1 AND revoked_at IS NULL`,
		userID, now); err != nil {
		return nil, fmt.Errorf("failed to revoke prior sessions: %w", err)
	}

	session := &Session{
		ID:        newSessionID(),
		UserID:    userID,
		ExpiresAt: now.Add(s.sessionTTL),
		CreatedAt: now,
	}
	if _, err := s.db.Exec(ctx, `
		INSERT INTO sessions (id, user_id, expires_at, created_at)
		VALUES ($1, $2, $3, $4)`,
		session.ID, session.UserID, session.ExpiresAt, session.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	s.logger.Info("User logged in", "username", username)
	return session, nil
}

// Authenticate resolves a session id to its user id. Returns
// ErrSessionInvalid when the session is unknown, expired or revoked.
func (s *Store) Authenticate(ctx context.Context, sessionID string) (string, error) {
	if sessionID == "" {
		return "", ErrSessionInvalid
	}
	var userID string
	err := s.db.QueryRow(ctx, `
		SELECT user_id FROM sessions
		WHERE id = $1 AND revoked_at IS NULL AND expires_at > now()`,
		sessionID).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrSessionInvalid
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up session: %w", err)
	}
	return userID, nil
}

// Logout revokes a session. Revoking an unknown session is a no-op.
func (s *Store) Logout(ctx context.Context, sessionID string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE sessions SET revoked_at = now()
		WHERE id = $1 AND revoked_at IS NULL`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	return nil
}
