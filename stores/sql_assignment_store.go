package stores

import (
	"context"
	"encoding/json"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/trustkit"
)

// SQLAssignmentStore persists role assignments in SQL (squealx). It satisfies
// trustkit.AssignmentStore.
type SQLAssignmentStore struct {
	db *squealx.DB
}

func NewSQLAssignmentStore(db *squealx.DB) *SQLAssignmentStore {
	return &SQLAssignmentStore{db: db}
}

// SaveAssignment inserts or replaces the assignment row.
func (s *SQLAssignmentStore) SaveAssignment(ctx context.Context, a *trustkit.RoleAssignment) error {
	q := `INSERT OR REPLACE INTO role_assignments(id, user_id, role_id, assigned_by, assigned_at, expires_at, conditions_json, is_active, revoked_by, revoked_at) VALUES(:id, :user_id, :role_id, :assigned_by, :assigned_at, :expires_at, :conditions_json, :is_active, :revoked_by, :revoked_at)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":              a.ID,
		"user_id":         a.UserID,
		"role_id":         a.RoleID,
		"assigned_by":     a.AssignedBy,
		"assigned_at":     a.AssignedAt,
		"expires_at":      sqlNullTimeOrNil(a.ExpiresAt),
		"conditions_json": mustJSON(a.Conditions),
		"is_active":       boolToInt(a.IsActive),
		"revoked_by":      a.RevokedBy,
		"revoked_at":      sqlNullTimeOrNil(a.RevokedAt),
	})
	return err
}

// ListAssignments returns every stored assignment, active or not.
func (s *SQLAssignmentStore) ListAssignments(ctx context.Context) ([]*trustkit.RoleAssignment, error) {
	return s.query(ctx, `SELECT id, user_id, role_id, assigned_by, assigned_at, expires_at, conditions_json, is_active, revoked_by, revoked_at FROM role_assignments ORDER BY assigned_at`, map[string]any{})
}

// UserAssignments returns the stored assignments of one user.
func (s *SQLAssignmentStore) UserAssignments(ctx context.Context, userID string) ([]*trustkit.RoleAssignment, error) {
	return s.query(ctx, `SELECT id, user_id, role_id, assigned_by, assigned_at, expires_at, conditions_json, is_active, revoked_by, revoked_at FROM role_assignments WHERE user_id = :user_id ORDER BY assigned_at`, map[string]any{"user_id": userID})
}

func (s *SQLAssignmentStore) query(ctx context.Context, q string, params map[string]any) ([]*trustkit.RoleAssignment, error) {
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*trustkit.RoleAssignment, 0)
	for r.Next() {
		var id, user, role, by, condsJSON, revokedBy string
		var assignedRaw, expiresRaw, revokedRaw any
		var active int
		if err := r.Scan(&id, &user, &role, &by, &assignedRaw, &expiresRaw, &condsJSON, &active, &revokedBy, &revokedRaw); err != nil {
			return nil, err
		}
		a := &trustkit.RoleAssignment{
			ID:         id,
			UserID:     user,
			RoleID:     role,
			AssignedBy: by,
			AssignedAt: scanTime(assignedRaw),
			ExpiresAt:  scanTimePtr(expiresRaw),
			IsActive:   active != 0,
			RevokedBy:  revokedBy,
			RevokedAt:  scanTimePtr(revokedRaw),
		}
		if err := json.Unmarshal([]byte(condsJSON), &a.Conditions); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}
