package trustkit

import (
	"fmt"
	"sort"

	"github.com/oarkflow/trustkit/utils"
)

// Catalog is the startup configuration of the access engine.
type Catalog struct {
	Permissions []Permission      `json:"permissions" yaml:"permissions"`
	Roles       []Role            `json:"roles" yaml:"roles"`
	Hierarchy   ResourceHierarchy `json:"hierarchy,omitempty" yaml:"hierarchy,omitempty"`
}

// Validate checks that every role references known permissions and roles and
// that each permission's action is legal on its resource. Wildcard ids
// (resource.* and *) are accepted without a registered permission.
func (c *Catalog) Validate() error {
	perms := make(map[string]bool, len(c.Permissions))
	for _, p := range c.Permissions {
		id := p.ID
		if id == "" {
			id = p.Resource + "." + p.Action
		}
		res, act, ok := utils.SplitPermission(id)
		if !ok {
			return fmt.Errorf("permission %q: id must be resource.action", id)
		}
		if act != "*" && !c.Hierarchy.Allows(res, act) {
			return fmt.Errorf("permission %q: action %q is not legal on resource %q", id, act, res)
		}
		if perms[id] {
			return fmt.Errorf("permission %q: duplicate", id)
		}
		for _, cond := range p.Conditions {
			if err := cond.Validate(); err != nil {
				return fmt.Errorf("permission %q: %w", id, err)
			}
		}
		perms[id] = true
	}
	roles := make(map[string]bool, len(c.Roles))
	for _, r := range c.Roles {
		if r.ID == "" {
			return fmt.Errorf("role with empty id")
		}
		if roles[r.ID] {
			return fmt.Errorf("role %q: duplicate", r.ID)
		}
		roles[r.ID] = true
	}
	for _, r := range c.Roles {
		for _, pid := range r.Permissions {
			if pid == "*" || perms[pid] {
				continue
			}
			if res, act, ok := utils.SplitPermission(pid); ok && act == "*" && res != "" {
				continue
			}
			return fmt.Errorf("role %q: %w: %s", r.ID, ErrPermissionNotFound, pid)
		}
		for _, parent := range r.InheritsFrom {
			if !roles[parent] {
				return fmt.Errorf("role %q inherits: %w: %s", r.ID, ErrRoleNotFound, parent)
			}
		}
	}
	return nil
}

// Stats summarises a catalog for tooling.
type Stats struct {
	Permissions   int            `json:"permissions"`
	Roles         int            `json:"roles"`
	ActiveRoles   int            `json:"active_roles"`
	Resources     int            `json:"resources"`
	MFAProtected  int            `json:"mfa_protected"`
	ByRiskLevel   map[string]int `json:"by_risk_level"`
	Conditionally int            `json:"conditional_permissions"`
}

func (c *Catalog) Stats() Stats {
	s := Stats{
		Permissions: len(c.Permissions),
		Roles:       len(c.Roles),
		Resources:   len(c.Hierarchy),
		ByRiskLevel: map[string]int{},
	}
	for _, r := range c.Roles {
		if r.IsActive {
			s.ActiveRoles++
		}
	}
	for _, p := range c.Permissions {
		if p.RequiresMFA {
			s.MFAProtected++
		}
		if len(p.Conditions) > 0 {
			s.Conditionally++
		}
		lvl := string(p.RiskLevel)
		if lvl == "" {
			lvl = string(RiskLow)
		}
		s.ByRiskLevel[lvl]++
	}
	return s
}

func perm(resource, action string, risk RiskLevel, mfa bool, desc string) Permission {
	return Permission{
		ID:          resource + "." + action,
		Resource:    resource,
		Action:      action,
		RiskLevel:   risk,
		RequiresMFA: mfa,
		Description: desc,
	}
}

// DefaultCatalog returns the stock permissions, roles and resource tree of a
// property tax appeal platform.
func DefaultCatalog() Catalog {
	perms := []Permission{
		perm("properties", "read", RiskLow, false, "View properties"),
		perm("properties", "create", RiskMedium, false, "Create properties"),
		perm("properties", "update", RiskMedium, false, "Update properties"),
		perm("properties", "delete", RiskHigh, true, "Delete properties"),
		perm("appeals", "read", RiskLow, false, "View appeals"),
		perm("appeals", "create", RiskMedium, false, "File appeals"),
		perm("appeals", "update", RiskMedium, false, "Update appeals"),
		perm("appeals", "submit", RiskHigh, true, "Submit appeals to the assessor"),
		perm("reports", "read", RiskLow, false, "View reports"),
		perm("reports", "create", RiskMedium, false, "Generate reports"),
		perm("reports", "export", RiskHigh, false, "Export reports"),
		perm("users", "read", RiskMedium, false, "View users"),
		perm("users", "create", RiskHigh, true, "Create users"),
		perm("users", "update", RiskHigh, true, "Update users"),
		perm("users", "delete", RiskCritical, true, "Delete users"),
		perm("payments", "read", RiskMedium, false, "View payments"),
		perm("payments", "process", RiskCritical, true, "Process payments"),
		perm("payments", "refund", RiskCritical, true, "Refund payments"),
		perm("settings", "read", RiskMedium, false, "View settings"),
		perm("settings", "update", RiskCritical, true, "Change system settings"),
		perm("audit", "read", RiskHigh, true, "View the audit log"),
		perm("admin", "*", RiskCritical, true, "Full administrative access"),
	}
	roles := []Role{
		{
			ID: "viewer", Name: "Viewer", Description: "Read-only access",
			Permissions: []string{"properties.read", "appeals.read", "reports.read"},
			IsActive:    true,
		},
		{
			ID: "analyst", Name: "Analyst", Description: "Reporting on top of viewer",
			Permissions:  []string{"reports.create", "reports.export"},
			InheritsFrom: []string{"viewer"},
			IsActive:     true,
		},
		{
			ID: "editor", Name: "Editor", Description: "Manage properties and appeals",
			Permissions: []string{
				"properties.read", "properties.create", "properties.update",
				"appeals.read", "appeals.create", "appeals.update", "appeals.submit",
				"reports.read", "payments.read",
			},
			IsActive: true,
		},
		{
			ID: "admin", Name: "Administrator", Description: "User and settings administration",
			Permissions: []string{
				"users.read", "users.create", "users.update",
				"settings.read", "settings.update", "audit.read", "properties.delete",
			},
			InheritsFrom: []string{"editor"},
			IsActive:     true,
		},
		{
			ID: "super_admin", Name: "Super Administrator", Description: "Unrestricted access",
			Permissions: []string{"*"},
			IsActive:    true,
			MaxUsers:    3,
		},
	}
	h := ResourceHierarchy{
		"properties": {Name: "properties", Children: []string{"appeals", "reports"}, Actions: []string{"read", "create", "update", "delete"}},
		"appeals":    {Name: "appeals", Parent: "properties", Actions: []string{"read", "create", "update", "submit"}},
		"reports":    {Name: "reports", Parent: "properties", Actions: []string{"read", "create", "export"}},
		"admin":      {Name: "admin", Children: []string{"users", "settings", "payments", "audit"}, Actions: []string{"*"}},
		"users":      {Name: "users", Parent: "admin", Actions: []string{"read", "create", "update", "delete"}},
		"settings":   {Name: "settings", Parent: "admin", Actions: []string{"read", "update"}},
		"payments":   {Name: "payments", Parent: "admin", Actions: []string{"read", "process", "refund"}},
		"audit":      {Name: "audit", Parent: "admin", Actions: []string{"read"}},
	}
	return Catalog{Permissions: perms, Roles: roles, Hierarchy: h}
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
