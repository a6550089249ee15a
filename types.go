package trustkit

import (
	"errors"
	"time"

	"github.com/oarkflow/trustkit/condition"
)

var (
	ErrRoleNotFound       = errors.New("role not found")
	ErrPermissionNotFound = errors.New("permission not found")
)

// RiskLevel grades how dangerous a permission is.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Permission is an atomic resource.action capability.
type Permission struct {
	ID          string                `json:"id" yaml:"id"`
	Resource    string                `json:"resource" yaml:"resource"`
	Action      string                `json:"action" yaml:"action"`
	Description string                `json:"description,omitempty" yaml:"description,omitempty"`
	RiskLevel   RiskLevel             `json:"risk_level,omitempty" yaml:"risk_level,omitempty"`
	RequiresMFA bool                  `json:"requires_mfa,omitempty" yaml:"requires_mfa,omitempty"`
	Conditions  []condition.Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
}

// Role bundles permission ids. InheritsFrom is expanded one level only: a role
// receives the direct permissions of the roles it names, not their ancestors.
type Role struct {
	ID           string     `json:"id" yaml:"id"`
	Name         string     `json:"name" yaml:"name"`
	Description  string     `json:"description,omitempty" yaml:"description,omitempty"`
	Permissions  []string   `json:"permissions" yaml:"permissions"`
	InheritsFrom []string   `json:"inherits_from,omitempty" yaml:"inherits_from,omitempty"`
	IsActive     bool       `json:"is_active" yaml:"is_active"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
	MaxUsers     int        `json:"max_users,omitempty" yaml:"max_users,omitempty"`
}

func (r *Role) expired(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

// RoleAssignment grants a role to a user, optionally time-boxed and scoped by
// conditions. Revocation and expiry clear IsActive; records are never removed.
type RoleAssignment struct {
	ID         string                `json:"id"`
	UserID     string                `json:"user_id"`
	RoleID     string                `json:"role_id"`
	AssignedBy string                `json:"assigned_by"`
	AssignedAt time.Time             `json:"assigned_at"`
	ExpiresAt  *time.Time            `json:"expires_at,omitempty"`
	Conditions []condition.Condition `json:"conditions,omitempty"`
	IsActive   bool                  `json:"is_active"`
	RevokedBy  string                `json:"revoked_by,omitempty"`
	RevokedAt  *time.Time            `json:"revoked_at,omitempty"`
}

func (a *RoleAssignment) live(now time.Time) bool {
	return a.IsActive && (a.ExpiresAt == nil || now.Before(*a.ExpiresAt))
}

// AssignOptions scopes a new assignment.
type AssignOptions struct {
	ExpiresAt  *time.Time
	Conditions []condition.Condition
}

// AssignResult reports an expected validation outcome without an error.
type AssignResult struct {
	Success    bool            `json:"success"`
	Message    string          `json:"message"`
	Assignment *RoleAssignment `json:"assignment,omitempty"`
}

// Location is a coarse geolocation.
type Location struct {
	Country string `json:"country,omitempty" yaml:"country,omitempty"`
	Region  string `json:"region,omitempty" yaml:"region,omitempty"`
	City    string `json:"city,omitempty" yaml:"city,omitempty"`
}

// AccessContext carries request facts conditions are evaluated against.
type AccessContext struct {
	IPAddress         string         `json:"ip_address,omitempty"`
	DeviceFingerprint string         `json:"device_fingerprint,omitempty"`
	Location          *Location      `json:"location,omitempty"`
	SessionID         string         `json:"session_id,omitempty"`
	MFAVerified       bool           `json:"mfa_verified"`
	RiskScore         int            `json:"risk_score"`
	Timestamp         time.Time      `json:"timestamp,omitempty"`
	Additional        map[string]any `json:"additional,omitempty"`
}

// AccessRequest asks whether UserID may perform Action on Resource.
type AccessRequest struct {
	UserID   string         `json:"user_id"`
	Resource string         `json:"resource"`
	Action   string         `json:"action"`
	Context  *AccessContext `json:"context,omitempty"`
}

// Outcome of a decision as recorded in its audit block.
const (
	DecisionGranted     = "granted"
	DecisionDenied      = "denied"
	DecisionConditional = "conditional"
)

// ConditionalAccess tells the caller what must happen before access is granted.
type ConditionalAccess struct {
	RequiresMFA      bool       `json:"requires_mfa"`
	RequiresApproval bool       `json:"requires_approval"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
}

// DecisionAudit is the introspection record attached to every decision.
type DecisionAudit struct {
	Decision           string        `json:"decision"`
	UserID             string        `json:"user_id"`
	Resource           string        `json:"resource"`
	Action             string        `json:"action"`
	EvaluationTime     time.Duration `json:"evaluation_time"`
	RolesApplied       []string      `json:"roles_applied"`
	PermissionsApplied []string      `json:"permissions_applied"`
	Timestamp          time.Time     `json:"timestamp"`
}

// AccessDecision is the result of CheckAccess. A conditional decision has
// Granted=false and a non-nil ConditionalAccess; callers must branch on it.
type AccessDecision struct {
	Granted             bool               `json:"granted"`
	Reason              string             `json:"reason"`
	RequiredPermissions []string           `json:"required_permissions"`
	MissingPermissions  []string           `json:"missing_permissions,omitempty"`
	ConditionalAccess   *ConditionalAccess `json:"conditional_access,omitempty"`
	Audit               DecisionAudit      `json:"audit"`
	Trace               []string           `json:"trace,omitempty"`
}

// Conditional reports whether the decision awaits a step-up.
func (d *AccessDecision) Conditional() bool {
	return d != nil && d.Audit.Decision == DecisionConditional
}

func (d *AccessDecision) clone() AccessDecision {
	c := *d
	c.RequiredPermissions = append([]string(nil), d.RequiredPermissions...)
	c.MissingPermissions = append([]string(nil), d.MissingPermissions...)
	c.Audit.RolesApplied = append([]string(nil), d.Audit.RolesApplied...)
	c.Audit.PermissionsApplied = append([]string(nil), d.Audit.PermissionsApplied...)
	c.Trace = append([]string(nil), d.Trace...)
	if d.ConditionalAccess != nil {
		ca := *d.ConditionalAccess
		c.ConditionalAccess = &ca
	}
	return c
}
