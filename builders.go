package trustkit

import (
	"time"

	"github.com/oarkflow/trustkit/condition"
)

// Builders provide a fluent API for creating Permissions, Roles and catalogs

// PermissionBuilder builds a Permission
type PermissionBuilder struct {
	p Permission
}

func NewPermissionBuilder(resource, action string) *PermissionBuilder {
	return &PermissionBuilder{p: Permission{ID: resource + "." + action, Resource: resource, Action: action, RiskLevel: RiskLow}}
}

func (b *PermissionBuilder) Description(d string) *PermissionBuilder { b.p.Description = d; return b }
func (b *PermissionBuilder) Risk(r RiskLevel) *PermissionBuilder     { b.p.RiskLevel = r; return b }
func (b *PermissionBuilder) RequireMFA() *PermissionBuilder          { b.p.RequiresMFA = true; return b }
func (b *PermissionBuilder) When(conds ...condition.Condition) *PermissionBuilder {
	b.p.Conditions = append(b.p.Conditions, conds...)
	return b
}

// WhenExpr adds conditions written in the short string form, e.g. "riskScore < 50".
func (b *PermissionBuilder) WhenExpr(exprs ...string) *PermissionBuilder {
	for _, s := range exprs {
		b.p.Conditions = append(b.p.Conditions, condition.MustParse(s))
	}
	return b
}
func (b *PermissionBuilder) Build() Permission { return b.p }

// RoleBuilder builds a Role
type RoleBuilder struct {
	r Role
}

func NewRoleBuilder(id string) *RoleBuilder {
	return &RoleBuilder{r: Role{ID: id, Name: id, IsActive: true}}
}
func (b *RoleBuilder) Name(n string) *RoleBuilder        { b.r.Name = n; return b }
func (b *RoleBuilder) Description(d string) *RoleBuilder { b.r.Description = d; return b }
func (b *RoleBuilder) Permissions(ids ...string) *RoleBuilder {
	b.r.Permissions = append(b.r.Permissions, ids...)
	return b
}
func (b *RoleBuilder) Inherits(ids ...string) *RoleBuilder {
	b.r.InheritsFrom = append(b.r.InheritsFrom, ids...)
	return b
}
func (b *RoleBuilder) MaxUsers(n int) *RoleBuilder        { b.r.MaxUsers = n; return b }
func (b *RoleBuilder) ExpiresAt(t time.Time) *RoleBuilder { b.r.ExpiresAt = &t; return b }
func (b *RoleBuilder) Inactive() *RoleBuilder             { b.r.IsActive = false; return b }
func (b *RoleBuilder) Build() Role                        { return b.r }

// CatalogBuilder assembles a Catalog
type CatalogBuilder struct {
	c Catalog
}

func NewCatalogBuilder() *CatalogBuilder {
	return &CatalogBuilder{c: Catalog{Hierarchy: ResourceHierarchy{}}}
}
func (b *CatalogBuilder) Permission(p Permission) *CatalogBuilder {
	b.c.Permissions = append(b.c.Permissions, p)
	return b
}

// Permissions registers plain low-risk permissions from resource.action ids.
func (b *CatalogBuilder) Permissions(ids ...string) *CatalogBuilder {
	for _, id := range ids {
		b.c.Permissions = append(b.c.Permissions, Permission{ID: id, RiskLevel: RiskLow})
	}
	return b
}
func (b *CatalogBuilder) Role(r Role) *CatalogBuilder { b.c.Roles = append(b.c.Roles, r); return b }
func (b *CatalogBuilder) Resource(name, parent string, actions ...string) *CatalogBuilder {
	b.c.Hierarchy[name] = ResourceNode{Name: name, Parent: parent, Actions: actions}
	return b
}
func (b *CatalogBuilder) Build() Catalog { return b.c }
