package trustkit

import (
	"context"
	"fmt"
	"time"

	"github.com/oarkflow/trustkit/condition"
	"github.com/oarkflow/trustkit/monitor"
	"github.com/oarkflow/trustkit/utils"
)

// AssignRole grants roleID to userID. Expected validation failures are reported
// in the result, not as errors.
func (e *Engine) AssignRole(ctx context.Context, userID, roleID, assignedBy string, opts AssignOptions) AssignResult {
	for _, c := range opts.Conditions {
		if err := c.Validate(); err != nil {
			return AssignResult{Message: "Invalid condition: " + err.Error()}
		}
	}
	now := e.now()

	e.mu.RLock()
	role, ok := e.roles[roleID]
	if !ok {
		e.mu.RUnlock()
		return AssignResult{Message: "Role not found"}
	}
	if !role.IsActive || role.expired(now) {
		e.mu.RUnlock()
		return AssignResult{Message: "Role is not active"}
	}
	maxUsers := role.MaxUsers

	e.assignMu.Lock()
	for _, a := range e.assignments[userID] {
		if a.RoleID == roleID && a.live(now) {
			e.assignMu.Unlock()
			e.mu.RUnlock()
			return AssignResult{Message: "Role already assigned to user"}
		}
	}
	if maxUsers > 0 && e.holdersLocked(roleID, now) >= maxUsers {
		e.assignMu.Unlock()
		e.mu.RUnlock()
		return AssignResult{Message: "Role has reached maximum user limit"}
	}
	a := &RoleAssignment{
		ID:         utils.NewID(),
		UserID:     userID,
		RoleID:     roleID,
		AssignedBy: assignedBy,
		AssignedAt: now,
		ExpiresAt:  opts.ExpiresAt,
		Conditions: append([]condition.Condition(nil), opts.Conditions...),
		IsActive:   true,
	}
	e.assignments[userID] = append(e.assignments[userID], a)
	snapshot := *a
	e.assignMu.Unlock()
	e.mu.RUnlock()

	e.logger.Info("role assigned", "user", userID, "role", roleID, "by", assignedBy)
	e.persist(ctx, &snapshot)
	e.emitUserManagement(ctx, "role_assigned", &snapshot, assignedBy)
	return AssignResult{Success: true, Message: "Role assigned successfully", Assignment: &snapshot}
}

// holdersLocked counts distinct users with a live assignment of roleID.
func (e *Engine) holdersLocked(roleID string, now time.Time) int {
	n := 0
	for _, list := range e.assignments {
		for _, a := range list {
			if a.RoleID == roleID && a.live(now) {
				n++
				break
			}
		}
	}
	return n
}

// RevokeRole deactivates the user's active assignment of roleID. Revoking when
// no active assignment exists fails.
func (e *Engine) RevokeRole(ctx context.Context, userID, roleID, revokedBy string) AssignResult {
	now := e.now()
	e.assignMu.Lock()
	// A live record wins over one that expired but has not been swept yet.
	var found *RoleAssignment
	var stale []*RoleAssignment
	for _, a := range e.assignments[userID] {
		if a.RoleID != roleID || !a.IsActive {
			continue
		}
		if found == nil && a.live(now) {
			found = a
			continue
		}
		stale = append(stale, a)
	}
	if found == nil && len(stale) > 0 {
		found, stale = stale[0], stale[1:]
	}
	if found == nil {
		e.assignMu.Unlock()
		return AssignResult{Message: "No active assignment found"}
	}
	found.IsActive = false
	found.RevokedBy = revokedBy
	found.RevokedAt = &now
	snapshot := *found
	others := make([]RoleAssignment, 0, len(stale))
	for _, a := range stale {
		a.IsActive = false
		a.RevokedBy = revokedBy
		a.RevokedAt = &now
		others = append(others, *a)
	}
	e.assignMu.Unlock()

	e.logger.Info("role revoked", "user", userID, "role", roleID, "by", revokedBy)
	for i := range others {
		e.persist(ctx, &others[i])
	}
	e.persist(ctx, &snapshot)
	e.emitUserManagement(ctx, "role_revoked", &snapshot, revokedBy)
	return AssignResult{Success: true, Message: "Role revoked successfully", Assignment: &snapshot}
}

// SweepExpired deactivates every assignment whose expiry has passed and
// notifies the expiry hook for each. It returns the number deactivated.
func (e *Engine) SweepExpired(ctx context.Context) int {
	now := e.now()
	var expired []RoleAssignment
	e.assignMu.Lock()
	for _, list := range e.assignments {
		for _, a := range list {
			if a.IsActive && a.ExpiresAt != nil && !now.Before(*a.ExpiresAt) {
				a.IsActive = false
				expired = append(expired, *a)
			}
		}
	}
	e.assignMu.Unlock()

	for i := range expired {
		a := &expired[i]
		e.logger.Info("role assignment expired", "user", a.UserID, "role", a.RoleID)
		e.persist(ctx, a)
		e.emitUserManagement(ctx, "role_expired", a, "system")
		if e.onExpired != nil {
			e.notifyExpired(*a)
		}
	}
	return len(expired)
}

func (e *Engine) notifyExpired(a RoleAssignment) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("role expired hook panicked", "user", a.UserID, "role", a.RoleID, "panic", fmt.Sprint(r))
		}
	}()
	e.onExpired(a)
}

// UserAssignments returns copies of every assignment recorded for the user,
// including inactive ones.
func (e *Engine) UserAssignments(userID string) []RoleAssignment {
	e.assignMu.RLock()
	defer e.assignMu.RUnlock()
	out := make([]RoleAssignment, 0, len(e.assignments[userID]))
	for _, a := range e.assignments[userID] {
		out = append(out, *a)
	}
	return out
}

// LoadAssignments replaces the in-memory assignment table with the contents of
// the configured store.
func (e *Engine) LoadAssignments(ctx context.Context) (int, error) {
	if e.store == nil {
		return 0, fmt.Errorf("no assignment store configured")
	}
	list, err := e.store.ListAssignments(ctx)
	if err != nil {
		return 0, fmt.Errorf("list assignments: %w", err)
	}
	table := make(map[string][]*RoleAssignment)
	for _, a := range list {
		table[a.UserID] = append(table[a.UserID], a)
	}
	e.assignMu.Lock()
	e.assignments = table
	e.assignMu.Unlock()
	e.logger.Info("assignments loaded", "count", len(list))
	return len(list), nil
}

func (e *Engine) persist(ctx context.Context, a *RoleAssignment) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveAssignment(ctx, a); err != nil {
		e.logger.Error("persist assignment", "user", a.UserID, "role", a.RoleID, "err", err)
	}
}

func (e *Engine) emitUserManagement(ctx context.Context, action string, a *RoleAssignment, actor string) {
	if e.auditSink == nil {
		return
	}
	e.auditSink.LogEvent(ctx, monitor.EventInput{
		Type:     monitor.EventUserManagement,
		Severity: monitor.SeverityInfo,
		UserID:   a.UserID,
		Resource: "roles",
		Action:   action,
		Outcome:  monitor.OutcomeSuccess,
		Details: map[string]any{
			"roleId":       a.RoleID,
			"assignmentId": a.ID,
			"actor":        actor,
		},
	})
}
