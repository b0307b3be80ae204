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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound is returned when a workspace does not exist or is not visible
// to the caller.
var ErrNotFound = errors.New("workspace not found")

// Querier is the subset of pgx both *pgxpool.Pool and *pgx.Conn satisfy.
// Coordinators pass their election connection so advisory-lock lifetime and
// tick writes share one session; request handlers pass the pool.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store provides workspace persistence. All statements run in autocommit
// mode on the supplied Querier; the store never opens transactions, so a
// shared coordinator connection cannot be left idle-in-transaction.
type Store struct {
	db     Querier
	logger *slog.Logger
}

// NewStore creates a workspace store over the given Querier.
func NewStore(db Querier, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

const workspaceColumns = `
	id, owner_user_id, name, description, memo, image_ref, home_store_key,
	conditions, phase, operation, op_started_at, op_id, archive_op_id,
	desired_state, archive_key, error_reason, error_count,
	observed_at, last_access_at, phase_changed_at,
	standby_ttl_seconds, archive_ttl_seconds, deleted_at, created_at`

func scanWorkspace(row pgx.Row) (*Workspace, error) {
	var ws Workspace
	var conditions []byte
	err := row.Scan(
		&ws.ID, &ws.OwnerUserID, &ws.Name, &ws.Description, &ws.Memo,
		&ws.ImageRef, &ws.HomeStoreKey,
		&conditions, &ws.Phase, &ws.Operation, &ws.OpStartedAt, &ws.OpID,
		&ws.ArchiveOpID, &ws.DesiredState, &ws.ArchiveKey, &ws.ErrorReason,
		&ws.ErrorCount, &ws.ObservedAt, &ws.LastAccessAt, &ws.PhaseChangedAt,
		&ws.StandbyTTLSeconds, &ws.ArchiveTTLSeconds, &ws.DeletedAt, &ws.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan workspace: %w", err)
	}
	if len(conditions) > 0 {
		if err := json.Unmarshal(conditions, &ws.Conditions); err != nil {
			return nil, fmt.Errorf("failed to decode conditions for %s: %w", ws.ID, err)
		}
	}
	return &ws, nil
}

func collectWorkspaces(rows pgx.Rows) ([]*Workspace, error) {
	defer rows.Close()
	var out []*Workspace
	for rows.Next() {
		ws, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ws)
	}
	return out, rows.Err()
}

// CreateParams are the user-supplied fields of a new workspace.
type CreateParams struct {
	Name              string
	Description       string
	Memo              string
	ImageRef          string
	StandbyTTLSeconds int
	ArchiveTTLSeconds int
}

// Create inserts a new workspace in PENDING with the given desired state.
func (s *Store) Create(ctx context.Context, ownerUserID string, p CreateParams, desired DesiredState) (*Workspace, error) {
	id := NewID()
	row := s.db.QueryRow(ctx, `
		INSERT INTO workspaces (
			id, owner_user_id, name, description, memo, image_ref,
			home_store_key, desired_state, standby_ttl_seconds, archive_ttl_seconds
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING `+workspaceColumns,
		id, ownerUserID, p.Name, p.Description, p.Memo, p.ImageRef,
		"home-"+id, string(desired), p.StandbyTTLSeconds, p.ArchiveTTLSeconds,
	)
	return scanWorkspace(row)
}

// Get loads a workspace by id, including soft-deleted rows.
func (s *Store) Get(ctx context.Context, id string) (*Workspace, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+workspaceColumns+` FROM workspaces WHERE id = $1`, id)
	return scanWorkspace(row)
}

// GetOwned loads a non-deleted workspace owned by the given user.
func (s *Store) GetOwned(ctx context.Context, id, ownerUserID string) (*Workspace, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+workspaceColumns+`
		 FROM workspaces WHERE id = $1 AND owner_user_id = $2 AND deleted_at IS NULL`,
		id, ownerUserID)
	return scanWorkspace(row)
}

// ListOwned returns the non-deleted workspaces of a user, newest first.
func (s *Store) ListOwned(ctx context.Context, ownerUserID string) ([]*Workspace, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+workspaceColumns+`
		 FROM workspaces WHERE owner_user_id = $1 AND deleted_at IS NULL
		 ORDER BY created_at DESC`, ownerUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to list workspaces: %w", err)
	}
	return collectWorkspaces(rows)
}

// MetaUpdate carries optional metadata changes; nil fields are untouched.
type MetaUpdate struct {
	Name        *string
	Description *string
	Memo        *string
}

// UpdateMeta applies user-editable metadata changes to an owned workspace.
func (s *Store) UpdateMeta(ctx context.Context, id, ownerUserID string, u MetaUpdate) (*Workspace, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE workspaces SET
			name        = COALESCE($3, name),
			description = COALESCE($4, description),
			memo        = COALESCE($5, memo)
		WHERE id = $1 AND owner_user_id = $2 AND deleted_at IS NULL
		RETURNING `+workspaceColumns,
		id, ownerUserID, u.Name, u.Description, u.Memo)
	return scanWorkspace(row)
}

// SoftDelete marks the workspace deleted and flips the desired state to
// DELETED. The deleted_at IS NULL guard makes concurrent deletes race-safe:
// exactly one caller observes a matched row.
func (s *Store) SoftDelete(ctx context.Context, id, ownerUserID string, now time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE workspaces
		SET deleted_at = $3, desired_state = $4
		WHERE id = $1 AND owner_user_id = $2 AND deleted_at IS NULL`,
		id, ownerUserID, now, string(DesiredDeleted))
	if err != nil {
		return false, fmt.Errorf("failed to soft-delete workspace %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetDesiredState records user or scheduler intent for a non-deleted workspace.
func (s *Store) SetDesiredState(ctx context.Context, id string, desired DesiredState) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE workspaces SET desired_state = $2
		WHERE id = $1 AND deleted_at IS NULL`,
		id, string(desired))
	if err != nil {
		return fmt.Errorf("failed to set desired state for %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CountRunning returns how many non-deleted workspaces of the user are
// running or converging toward running, excluding the given id.
func (s *Store) CountRunning(ctx context.Context, ownerUserID, excludeID string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `
		SELECT count(*) FROM workspaces
		WHERE owner_user_id = $1 AND deleted_at IS NULL AND id <> $2
		  AND (phase = 'RUNNING' OR desired_state = 'RUNNING')`,
		ownerUserID, excludeID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count running workspaces: %w", err)
	}
	return n, nil
}

// ListRunning returns the user's workspaces counted by CountRunning, for the
// limit-exceeded status page.
func (s *Store) ListRunning(ctx context.Context, ownerUserID string) ([]*Workspace, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+workspaceColumns+`
		 FROM workspaces
		 WHERE owner_user_id = $1 AND deleted_at IS NULL
		   AND (phase = 'RUNNING' OR desired_state = 'RUNNING')
		 ORDER BY last_access_at DESC`, ownerUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to list running workspaces: %w", err)
	}
	return collectWorkspaces(rows)
}

// ListReconcileCandidates returns workspaces the controller must look at:
// an operation is in flight, the phase diverges from the desired state, or
// the workspace is RUNNING (so external container loss is detected).
// Soft-deleted rows are skipped unless they are converging toward DELETED.
func (s *Store) ListReconcileCandidates(ctx context.Context) ([]*Workspace, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+workspaceColumns+`
		 FROM workspaces
		 WHERE phase <> 'DELETED'
		   AND (deleted_at IS NULL OR desired_state = 'DELETED')
		   AND (
			operation <> 'NONE'
			OR phase = 'RUNNING'
			OR phase <> CASE desired_state
				WHEN 'RUNNING'  THEN 'RUNNING'
				WHEN 'STANDBY'  THEN 'STANDBY'
				WHEN 'ARCHIVED' THEN 'ARCHIVED'
				WHEN 'DELETED'  THEN 'DELETED'
				ELSE 'PENDING' END
		   )
		 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to load reconcile candidates: %w", err)
	}
	return collectWorkspaces(rows)
}

// ObservedRow is the slice of a workspace the observer needs for its diff.
type ObservedRow struct {
	ID         string
	Conditions Conditions
}

// ListForObserver returns id and current conditions for every workspace that
// has not reached its terminal phase.
func (s *Store) ListForObserver(ctx context.Context) ([]ObservedRow, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, conditions FROM workspaces WHERE phase <> 'DELETED' ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to load workspaces for observer: %w", err)
	}
	defer rows.Close()

	var out []ObservedRow
	for rows.Next() {
		var r ObservedRow
		var raw []byte
		if err := rows.Scan(&r.ID, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan observer row: %w", err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &r.Conditions); err != nil {
				return nil, fmt.Errorf("failed to decode conditions for %s: %w", r.ID, err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListActiveIDs returns ids of workspaces that have not reached DELETED.
// Used by the scheduler for orphan detection.
func (s *Store) ListActiveIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT id FROM workspaces WHERE phase <> 'DELETED'`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active workspace ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan workspace id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateConditionsBulk writes observer results for many workspaces in one
// statement via array unnesting. conditions[i] belongs to ids[i].
func (s *Store) UpdateConditionsBulk(ctx context.Context, ids []string, conditions []Conditions, observedAt time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	if len(ids) != len(conditions) {
		return fmt.Errorf("ids/conditions length mismatch: %d vs %d", len(ids), len(conditions))
	}

	encoded := make([]string, len(conditions))
	for i, c := range conditions {
		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to encode conditions for %s: %w", ids[i], err)
		}
		encoded[i] = string(data)
	}

	_, err := s.db.Exec(ctx, `
		UPDATE workspaces w
		SET conditions = u.conditions::jsonb, observed_at = $3
		FROM (SELECT unnest($1::text[]) AS id, unnest($2::text[]) AS conditions) u
		WHERE w.id = u.id`,
		ids, encoded, observedAt)
	if err != nil {
		return fmt.Errorf("failed to bulk-update conditions: %w", err)
	}
	return nil
}

// PlanUpdate is the controller-owned column set persisted after a plan pass.
type PlanUpdate struct {
	Operation   Operation
	Phase       Phase
	ErrorReason ErrorReason
	// StartOp records a newly issued operation: op_id is replaced and
	// op_started_at reset to now.
	StartOp bool
	OpID    string
	// ArchiveOpID is written as-is; the planner preserves it across retries
	// so archive uploads stay on one object path.
	ArchiveOpID string
	// ArchiveKey, when non-nil, replaces the stored archive key.
	ArchiveKey *string
	// ClearArchiveKey nulls the stored archive key (terminal DELETED).
	ClearArchiveKey bool
}

// ApplyPlan persists a plan result with compare-and-set on operation: the row
// is only written if the operation column still holds the value the
// controller loaded. A false return means the workspace changed underneath
// the caller, who must reload on the next tick rather than retry.
func (s *Store) ApplyPlan(ctx context.Context, id string, expectedOp Operation, u PlanUpdate, now time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE workspaces SET
			operation        = $2,
			phase            = $3,
			phase_changed_at = CASE WHEN phase <> $3 THEN $4 ELSE phase_changed_at END,
			op_started_at    = CASE WHEN $5 THEN $4
			                        WHEN $2 = 'NONE' THEN NULL
			                        ELSE op_started_at END,
			op_id            = CASE WHEN $5 THEN $6
			                        WHEN $2 = 'NONE' THEN ''
			                        ELSE op_id END,
			archive_op_id    = $7,
			archive_key      = CASE WHEN $8 THEN NULL
			                        WHEN $9::text IS NOT NULL THEN $9
			                        ELSE archive_key END,
			error_reason     = $10,
			error_count      = CASE WHEN $3 = 'ERROR' AND phase <> 'ERROR' THEN error_count + 1
			                        WHEN $3 <> 'ERROR' THEN 0
			                        ELSE error_count END
		WHERE id = $1 AND operation = $11`,
		id, string(u.Operation), string(u.Phase), now,
		u.StartOp, u.OpID, u.ArchiveOpID,
		u.ClearArchiveKey, u.ArchiveKey,
		string(u.ErrorReason), string(expectedOp))
	if err != nil {
		return false, fmt.Errorf("failed to apply plan for %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// SyncLastAccess merges activity timestamps into last_access_at in one bulk
// statement and returns the ids whose rows matched, so the caller can delete
// exactly those Redis keys. GREATEST keeps the column monotonic.
func (s *Store) SyncLastAccess(ctx context.Context, ids []string, times []time.Time) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if len(ids) != len(times) {
		return nil, fmt.Errorf("ids/times length mismatch: %d vs %d", len(ids), len(times))
	}

	rows, err := s.db.Query(ctx, `
		UPDATE workspaces w
		SET last_access_at = GREATEST(w.last_access_at, u.ts)
		FROM (SELECT unnest($1::text[]) AS id, unnest($2::timestamptz[]) AS ts) u
		WHERE w.id = u.id
		RETURNING w.id`,
		ids, times)
	if err != nil {
		return nil, fmt.Errorf("failed to sync last access: %w", err)
	}
	defer rows.Close()

	var matched []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan synced id: %w", err)
		}
		matched = append(matched, id)
	}
	return matched, rows.Err()
}

// DemoteIdleRunning flips idle RUNNING workspaces to desired STANDBY and
// returns the affected ids.
func (s *Store) DemoteIdleRunning(ctx context.Context, now time.Time) ([]string, error) {
	return s.demote(ctx, `
		UPDATE workspaces SET desired_state = 'STANDBY'
		WHERE phase = 'RUNNING' AND operation = 'NONE' AND deleted_at IS NULL
		  AND desired_state = 'RUNNING'
		  AND last_access_at + make_interval(secs => standby_ttl_seconds) < $1
		RETURNING id`, now)
}

// DemoteIdleStandby flips long-idle STANDBY workspaces to desired ARCHIVED
// and returns the affected ids.
func (s *Store) DemoteIdleStandby(ctx context.Context, now time.Time) ([]string, error) {
	return s.demote(ctx, `
		UPDATE workspaces SET desired_state = 'ARCHIVED'
		WHERE phase = 'STANDBY' AND operation = 'NONE' AND deleted_at IS NULL
		  AND desired_state = 'STANDBY'
		  AND phase_changed_at + make_interval(secs => archive_ttl_seconds) < $1
		RETURNING id`, now)
}

func (s *Store) demote(ctx context.Context, sql string, now time.Time) ([]string, error) {
	rows, err := s.db.Query(ctx, sql, now)
	if err != nil {
		return nil, fmt.Errorf("failed to demote workspaces: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan demoted id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ProtectedArchives returns every archive object the GC must not delete:
// committed keys of live workspaces plus the target path of any in-flight
// archive operation (reconstructed from the preserved archive_op_id).
func (s *Store) ProtectedArchives(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, archive_key, operation, archive_op_id
		FROM workspaces
		WHERE deleted_at IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("failed to load protected archives: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var id, operation, archiveOpID string
		var archiveKey *string
		if err := rows.Scan(&id, &archiveKey, &operation, &archiveOpID); err != nil {
			return nil, fmt.Errorf("failed to scan protected archive row: %w", err)
		}
		if archiveKey != nil && *archiveKey != "" {
			keys = append(keys, *archiveKey)
		}
		op := Operation(operation)
		if (op == OpArchiving || op == OpCreateEmptyArchive) && archiveOpID != "" {
			keys = append(keys, ArchiveObjectKey(prefix, id, archiveOpID))
		}
	}
	return keys, rows.Err()
}

// ArchiveObjectKey composes the canonical archive object path.
func ArchiveObjectKey(prefix, workspaceID, archiveOpID string) string {
	return prefix + workspaceID + "/" + archiveOpID + "/home.tar.zst"
}
