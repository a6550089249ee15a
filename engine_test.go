package trustkit_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/oarkflow/trustkit"
	"github.com/oarkflow/trustkit/condition"
	"github.com/oarkflow/trustkit/logger"
	"github.com/oarkflow/trustkit/monitor"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 6, 12, 14, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingSink struct {
	mu     sync.Mutex
	events []monitor.EventInput
}

func (s *recordingSink) LogEvent(_ context.Context, in monitor.EventInput) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, in)
	return "evt"
}

func (s *recordingSink) byType(t monitor.EventType) []monitor.EventInput {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []monitor.EventInput
	for _, e := range s.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func newEngine(t *testing.T, cat trustkit.Catalog, opts ...trustkit.EngineOption) *trustkit.Engine {
	t.Helper()
	opts = append([]trustkit.EngineOption{trustkit.WithLogger(logger.NewNullLogger())}, opts...)
	e, err := trustkit.NewEngine(cat, opts...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func mustAssign(t *testing.T, e *trustkit.Engine, user, role string, opts trustkit.AssignOptions) {
	t.Helper()
	if res := e.AssignRole(context.Background(), user, role, "tester", opts); !res.Success {
		t.Fatalf("assign %s to %s: %s", role, user, res.Message)
	}
}

func TestNoRolesAssignedDenies(t *testing.T) {
	e := newEngine(t, trustkit.DefaultCatalog())
	d := e.CheckAccess(context.Background(), trustkit.AccessRequest{UserID: "ghost", Resource: "properties", Action: "read"})
	if d.Granted || d.Reason != "No roles assigned" {
		t.Fatalf("expected no-roles deny, got %+v", d)
	}
	if d.Audit.Decision != trustkit.DecisionDenied {
		t.Fatalf("unexpected audit decision %q", d.Audit.Decision)
	}
}

func TestViewerScenario(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, trustkit.DefaultCatalog())
	mustAssign(t, e, "U", "viewer", trustkit.AssignOptions{})

	d := e.CheckAccess(ctx, trustkit.AccessRequest{UserID: "U", Resource: "properties", Action: "update"})
	if d.Granted || d.Reason != "Insufficient permissions" {
		t.Fatalf("expected insufficient permissions, got %+v", d)
	}
	if len(d.MissingPermissions) != 1 || d.MissingPermissions[0] != "properties.update" {
		t.Fatalf("unexpected missing set %v", d.MissingPermissions)
	}

	d = e.CheckAccess(ctx, trustkit.AccessRequest{UserID: "U", Resource: "properties", Action: "read"})
	if !d.Granted || d.Audit.Decision != trustkit.DecisionGranted {
		t.Fatalf("expected grant, got %+v", d)
	}
	if len(d.Audit.RolesApplied) != 1 || d.Audit.RolesApplied[0] != "viewer" {
		t.Fatalf("unexpected roles applied %v", d.Audit.RolesApplied)
	}
}

func TestMFARequiredIsConditional(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, trustkit.DefaultCatalog())
	mustAssign(t, e, "ed", "editor", trustkit.AssignOptions{})

	req := trustkit.AccessRequest{UserID: "ed", Resource: "appeals", Action: "submit", Context: &trustkit.AccessContext{}}
	d := e.CheckAccess(ctx, req)
	if d.Granted {
		t.Fatalf("mfa-protected permission must not be granted without mfa")
	}
	if !d.Conditional() || d.ConditionalAccess == nil || !d.ConditionalAccess.RequiresMFA {
		t.Fatalf("expected conditional decision, got %+v", d)
	}

	req.Context.MFAVerified = true
	if d := e.CheckAccess(ctx, req); !d.Granted {
		t.Fatalf("expected grant after mfa, got %+v", d)
	}

	risky := trustkit.AccessRequest{UserID: "ed", Resource: "properties", Action: "read", Context: &trustkit.AccessContext{RiskScore: 85}}
	if d := e.CheckAccess(ctx, risky); !d.Conditional() {
		t.Fatalf("high risk score should require mfa, got %+v", d)
	}
	risky.Context.RiskScore = 70
	if d := e.CheckAccess(ctx, risky); !d.Granted {
		t.Fatalf("risk at threshold should not require mfa, got %+v", d)
	}
}

func TestMFAThresholdIsConfigurable(t *testing.T) {
	e := newEngine(t, trustkit.DefaultCatalog(), trustkit.WithMFARiskThreshold(40))
	mustAssign(t, e, "v", "viewer", trustkit.AssignOptions{})
	d := e.CheckAccess(context.Background(), trustkit.AccessRequest{UserID: "v", Resource: "reports", Action: "read", Context: &trustkit.AccessContext{RiskScore: 50}})
	if !d.Conditional() {
		t.Fatalf("expected conditional with lowered threshold, got %+v", d)
	}
}

func TestInheritanceIsSingleLevel(t *testing.T) {
	cat := trustkit.NewCatalogBuilder().
		Permissions("docs.p1", "docs.p2", "docs.p3").
		Role(trustkit.NewRoleBuilder("r1").Permissions("docs.p1").Build()).
		Role(trustkit.NewRoleBuilder("r2").Permissions("docs.p2").Inherits("r1").Build()).
		Role(trustkit.NewRoleBuilder("r3").Permissions("docs.p3").Inherits("r2").Build()).
		Build()
	e := newEngine(t, cat)
	mustAssign(t, e, "two", "r2", trustkit.AssignOptions{})
	mustAssign(t, e, "three", "r3", trustkit.AssignOptions{})

	got := strings.Join(e.GetUserPermissions("two"), ",")
	if got != "docs.p1,docs.p2" {
		t.Fatalf("r2 should hold union of r1 and r2, got %s", got)
	}
	got = strings.Join(e.GetUserPermissions("three"), ",")
	if got != "docs.p2,docs.p3" {
		t.Fatalf("r3 should not reach r1 permissions, got %s", got)
	}
	d := e.CheckAccess(context.Background(), trustkit.AccessRequest{UserID: "three", Resource: "docs", Action: "p1"})
	if d.Granted {
		t.Fatalf("inheritance must not be transitive")
	}
}

func TestRevokeTwiceFails(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, trustkit.DefaultCatalog())
	mustAssign(t, e, "u", "viewer", trustkit.AssignOptions{})
	if res := e.RevokeRole(ctx, "u", "viewer", "admin"); !res.Success {
		t.Fatalf("first revoke should succeed: %s", res.Message)
	}
	if res := e.RevokeRole(ctx, "u", "viewer", "admin"); res.Success {
		t.Fatalf("revoking an inactive assignment must fail")
	}
	as := e.UserAssignments("u")
	if len(as) != 1 || as[0].IsActive || as[0].RevokedBy != "admin" {
		t.Fatalf("assignment should be soft-deleted, got %+v", as)
	}
	mustAssign(t, e, "u", "viewer", trustkit.AssignOptions{})
}

func TestAssignRoleValidation(t *testing.T) {
	ctx := context.Background()
	cat := trustkit.DefaultCatalog()
	cat.Roles = append(cat.Roles, trustkit.NewRoleBuilder("retired").Permissions("reports.read").Inactive().Build())
	e := newEngine(t, cat)

	cases := []struct {
		user, role, want string
	}{
		{"a", "nope", "Role not found"},
		{"a", "retired", "Role is not active"},
	}
	for _, tc := range cases {
		res := e.AssignRole(ctx, tc.user, tc.role, "tester", trustkit.AssignOptions{})
		if res.Success || res.Message != tc.want {
			t.Fatalf("assign %s: got %+v want %q", tc.role, res, tc.want)
		}
	}
	mustAssign(t, e, "a", "viewer", trustkit.AssignOptions{})
	if res := e.AssignRole(ctx, "a", "viewer", "tester", trustkit.AssignOptions{}); res.Success || res.Message != "Role already assigned to user" {
		t.Fatalf("duplicate assignment: %+v", res)
	}
	for _, u := range []string{"s1", "s2", "s3"} {
		mustAssign(t, e, u, "super_admin", trustkit.AssignOptions{})
	}
	if res := e.AssignRole(ctx, "s4", "super_admin", "tester", trustkit.AssignOptions{}); res.Success || res.Message != "Role has reached maximum user limit" {
		t.Fatalf("capacity: %+v", res)
	}
	if res := e.AssignRole(ctx, "b", "viewer", "tester", trustkit.AssignOptions{Conditions: []condition.Condition{{Field: "x", Operator: "sorta"}}}); res.Success {
		t.Fatalf("invalid condition should be rejected")
	}
}

func TestAssignmentConditions(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, trustkit.DefaultCatalog())
	mustAssign(t, e, "u", "viewer", trustkit.AssignOptions{
		Conditions: []condition.Condition{condition.MustParse("ipAddress in_cidr 10.0.0.0/8")},
	})
	inside := &trustkit.AccessContext{IPAddress: "10.2.3.4"}
	if d := e.CheckAccess(ctx, trustkit.AccessRequest{UserID: "u", Resource: "reports", Action: "read", Context: inside}); !d.Granted {
		t.Fatalf("expected grant from inside network, got %+v", d)
	}
	outside := &trustkit.AccessContext{IPAddress: "203.0.113.9"}
	d := e.CheckAccess(ctx, trustkit.AccessRequest{UserID: "u", Resource: "reports", Action: "read", Context: outside})
	if d.Granted || !strings.HasPrefix(d.Reason, "Condition failed: ") {
		t.Fatalf("expected condition failure, got %+v", d)
	}
}

func TestPermissionConditionsAndFailClosed(t *testing.T) {
	ctx := context.Background()
	cat := trustkit.NewCatalogBuilder().
		Permission(trustkit.NewPermissionBuilder("ledger", "read").
			When(condition.Condition{Type: condition.TypeLocation, Operator: condition.OpIn, Value: []string{"US", "CA"}, Description: "North America only"}).
			Build()).
		Permission(trustkit.NewPermissionBuilder("ledger", "audit").
			When(condition.Condition{Type: condition.TypeCustom, Operator: condition.OpExpr, Value: "ctx.missing > 1"}).
			Build()).
		Role(trustkit.NewRoleBuilder("acct").Permissions("ledger.read", "ledger.audit").Build()).
		Build()
	e := newEngine(t, cat)
	mustAssign(t, e, "u", "acct", trustkit.AssignOptions{})

	us := &trustkit.AccessContext{Location: &trustkit.Location{Country: "US"}}
	if d := e.CheckAccess(ctx, trustkit.AccessRequest{UserID: "u", Resource: "ledger", Action: "read", Context: us}); !d.Granted {
		t.Fatalf("expected grant, got %+v", d)
	}
	fr := &trustkit.AccessContext{Location: &trustkit.Location{Country: "FR"}}
	d := e.CheckAccess(ctx, trustkit.AccessRequest{UserID: "u", Resource: "ledger", Action: "read", Context: fr})
	if d.Granted || d.Reason != "Condition failed: North America only" {
		t.Fatalf("expected named condition failure, got %+v", d)
	}
	d = e.CheckAccess(ctx, trustkit.AccessRequest{UserID: "u", Resource: "ledger", Action: "audit", Context: us})
	if d.Granted || d.Reason != "Access check failed" {
		t.Fatalf("evaluation error must fail closed, got %+v", d)
	}
}

func TestPermissionResolution(t *testing.T) {
	ctx := context.Background()
	cat := trustkit.NewCatalogBuilder().
		Permissions("projects.read", "docs.*").
		Resource("projects", "", "read").
		Resource("tasks", "projects", "read").
		Role(trustkit.NewRoleBuilder("member").Permissions("projects.read", "docs.*").Build()).
		Build()
	e := newEngine(t, cat)
	mustAssign(t, e, "m", "member", trustkit.AssignOptions{})

	cases := []struct {
		resource, action, required string
		granted                    bool
	}{
		{"projects", "read", "projects.read", true},
		{"tasks", "read", "projects.read", true},
		{"docs", "write", "docs.*", true},
		{"billing", "read", "billing.read", false},
	}
	for _, tc := range cases {
		d := e.CheckAccess(ctx, trustkit.AccessRequest{UserID: "m", Resource: tc.resource, Action: tc.action})
		if len(d.RequiredPermissions) != 1 || d.RequiredPermissions[0] != tc.required {
			t.Fatalf("%s.%s: required %v want %s", tc.resource, tc.action, d.RequiredPermissions, tc.required)
		}
		if d.Granted != tc.granted {
			t.Fatalf("%s.%s: granted=%v want %v (%s)", tc.resource, tc.action, d.Granted, tc.granted, d.Reason)
		}
	}
	if children := e.Hierarchy()["projects"].Children; len(children) != 1 || children[0] != "tasks" {
		t.Fatalf("hierarchy children not linked: %v", children)
	}
}

func TestGlobalWildcard(t *testing.T) {
	e := newEngine(t, trustkit.DefaultCatalog())
	mustAssign(t, e, "root", "super_admin", trustkit.AssignOptions{})
	d := e.CheckAccess(context.Background(), trustkit.AccessRequest{
		UserID: "root", Resource: "payments", Action: "refund",
		Context: &trustkit.AccessContext{MFAVerified: true},
	})
	if !d.Granted {
		t.Fatalf("super admin should be granted, got %+v", d)
	}
	if !e.HasPermission(context.Background(), "root", "settings.update", nil) {
		t.Fatalf("wildcard should satisfy HasPermission")
	}
}

func TestExpirySweep(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	var mu sync.Mutex
	var expired []trustkit.RoleAssignment
	e := newEngine(t, trustkit.DefaultCatalog(),
		trustkit.WithClock(clock.Now),
		trustkit.WithRoleExpiredHook(func(a trustkit.RoleAssignment) {
			mu.Lock()
			expired = append(expired, a)
			mu.Unlock()
		}),
	)
	until := clock.Now().Add(time.Hour)
	mustAssign(t, e, "temp", "viewer", trustkit.AssignOptions{ExpiresAt: &until})
	mustAssign(t, e, "perm", "viewer", trustkit.AssignOptions{})

	if !e.HasRole("temp", "viewer") {
		t.Fatalf("temp should hold viewer before expiry")
	}
	clock.Advance(2 * time.Hour)
	d := e.CheckAccess(ctx, trustkit.AccessRequest{UserID: "temp", Resource: "reports", Action: "read"})
	if d.Granted || d.Reason != "No roles assigned" {
		t.Fatalf("expired assignment must not grant, got %+v", d)
	}
	if n := e.SweepExpired(ctx); n != 1 {
		t.Fatalf("expected one expired assignment, got %d", n)
	}
	if n := e.SweepExpired(ctx); n != 0 {
		t.Fatalf("second sweep should be a no-op, got %d", n)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(expired) != 1 || expired[0].UserID != "temp" || expired[0].IsActive {
		t.Fatalf("unexpected hook calls %+v", expired)
	}
	if !e.HasRole("perm", "viewer") {
		t.Fatalf("permanent assignment should survive the sweep")
	}
}

func TestRevokeAfterReassignOverUnsweptExpiry(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	e := newEngine(t, trustkit.DefaultCatalog(), trustkit.WithClock(clock.Now))
	until := clock.Now().Add(time.Hour)
	mustAssign(t, e, "u", "viewer", trustkit.AssignOptions{ExpiresAt: &until})
	clock.Advance(2 * time.Hour)
	mustAssign(t, e, "u", "viewer", trustkit.AssignOptions{})

	res := e.RevokeRole(ctx, "u", "viewer", "admin")
	if !res.Success {
		t.Fatalf("revoke should succeed: %s", res.Message)
	}
	if res.Assignment.ExpiresAt != nil {
		t.Fatalf("revoke should target the live assignment, got %+v", res.Assignment)
	}
	if e.HasRole("u", "viewer") {
		t.Fatalf("viewer must be gone after revoke")
	}
	d := e.CheckAccess(ctx, trustkit.AccessRequest{UserID: "u", Resource: "reports", Action: "read"})
	if d.Granted {
		t.Fatalf("revoked user must not be granted, got %+v", d)
	}
	for _, a := range e.UserAssignments("u") {
		if a.IsActive {
			t.Fatalf("every record for the role should be inactive, got %+v", a)
		}
	}
	if n := e.SweepExpired(ctx); n != 0 {
		t.Fatalf("stale record was already closed by revoke, sweep got %d", n)
	}
	if res := e.RevokeRole(ctx, "u", "viewer", "admin"); res.Success {
		t.Fatalf("second revoke must fail")
	}
}

func TestDecisionLogIsBounded(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, trustkit.DefaultCatalog(), trustkit.WithDecisionLogSize(3))
	for _, u := range []string{"u0", "u1", "u2", "u3", "u4"} {
		e.CheckAccess(ctx, trustkit.AccessRequest{UserID: u, Resource: "properties", Action: "read"})
	}
	all := e.DecisionLog(0)
	if len(all) != 3 || all[0].Audit.UserID != "u2" || all[2].Audit.UserID != "u4" {
		t.Fatalf("unexpected log %+v", all)
	}
	last := e.DecisionLog(2)
	if len(last) != 2 || last[0].Audit.UserID != "u3" || last[1].Audit.UserID != "u4" {
		t.Fatalf("unexpected tail %+v", last)
	}
}

func TestAuditSinkReceivesDecisions(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	e := newEngine(t, trustkit.DefaultCatalog(), trustkit.WithAuditSink(sink))
	mustAssign(t, e, "ed", "editor", trustkit.AssignOptions{})

	e.CheckAccess(ctx, trustkit.AccessRequest{UserID: "ed", Resource: "properties", Action: "read"})
	e.CheckAccess(ctx, trustkit.AccessRequest{UserID: "ed", Resource: "users", Action: "delete"})
	e.CheckAccess(ctx, trustkit.AccessRequest{UserID: "ed", Resource: "appeals", Action: "submit"})

	authz := sink.byType(monitor.EventAuthorization)
	if len(authz) != 3 {
		t.Fatalf("expected 3 authorization events, got %d", len(authz))
	}
	want := []monitor.Outcome{monitor.OutcomeSuccess, monitor.OutcomeFailure, monitor.OutcomePending}
	for i, ev := range authz {
		if ev.Outcome != want[i] {
			t.Fatalf("event %d outcome %s want %s", i, ev.Outcome, want[i])
		}
	}
	if authz[2].Details["mfaRequired"] != true {
		t.Fatalf("conditional decision should flag mfaRequired")
	}
	if len(sink.byType(monitor.EventUserManagement)) != 1 {
		t.Fatalf("assignment should emit a user_management event")
	}
}

func TestExplainAndBatch(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, trustkit.DefaultCatalog())
	mustAssign(t, e, "a", "analyst", trustkit.AssignOptions{})

	d := e.Explain(ctx, trustkit.AccessRequest{UserID: "a", Resource: "properties", Action: "read"})
	if !d.Granted || len(d.Trace) == 0 {
		t.Fatalf("expected traced grant, got %+v", d)
	}
	reqs := []trustkit.AccessRequest{
		{UserID: "a", Resource: "reports", Action: "export"},
		{UserID: "a", Resource: "users", Action: "read"},
		{UserID: "nobody", Resource: "reports", Action: "read"},
	}
	out := e.CheckBatch(ctx, reqs)
	if len(out) != 3 || !out[0].Granted || out[1].Granted || out[2].Reason != "No roles assigned" {
		t.Fatalf("unexpected batch results %+v %+v %+v", out[0], out[1], out[2])
	}
}

func TestRoleQueries(t *testing.T) {
	e := newEngine(t, trustkit.DefaultCatalog())
	mustAssign(t, e, "u", "analyst", trustkit.AssignOptions{})
	mustAssign(t, e, "u", "editor", trustkit.AssignOptions{})

	if !e.HasAnyRole("u", "admin", "editor") || e.HasRole("u", "admin") {
		t.Fatalf("role membership checks are wrong")
	}
	roles := e.GetUserRoles("u")
	if len(roles) != 2 || roles[0].ID != "analyst" || roles[1].ID != "editor" {
		t.Fatalf("unexpected roles %+v", roles)
	}
	if _, err := e.Role("missing"); !errors.Is(err, trustkit.ErrRoleNotFound) {
		t.Fatalf("expected ErrRoleNotFound, got %v", err)
	}
	if _, err := e.Permission("nope.read"); !errors.Is(err, trustkit.ErrPermissionNotFound) {
		t.Fatalf("expected ErrPermissionNotFound, got %v", err)
	}
	if p, err := e.Permission("appeals.submit"); err != nil || !p.RequiresMFA {
		t.Fatalf("unexpected permission %+v err=%v", p, err)
	}
	if len(e.Permissions()) != len(trustkit.DefaultCatalog().Permissions) || len(e.Roles()) != 5 {
		t.Fatalf("accessor counts are wrong")
	}
}

func TestDeactivateRole(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, trustkit.DefaultCatalog())
	mustAssign(t, e, "u", "viewer", trustkit.AssignOptions{})
	if err := e.DeactivateRole(ctx, "viewer"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if d := e.CheckAccess(ctx, trustkit.AccessRequest{UserID: "u", Resource: "reports", Action: "read"}); d.Granted {
		t.Fatalf("inactive role must not grant")
	}
	if res := e.AssignRole(ctx, "v", "viewer", "tester", trustkit.AssignOptions{}); res.Message != "Role is not active" {
		t.Fatalf("unexpected assign result %+v", res)
	}
	if err := e.ActivateRole(ctx, "viewer"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if d := e.CheckAccess(ctx, trustkit.AccessRequest{UserID: "u", Resource: "reports", Action: "read"}); !d.Granted {
		t.Fatalf("reactivated role should grant, got %+v", d)
	}
	if err := e.DeactivateRole(ctx, "ghost"); !errors.Is(err, trustkit.ErrRoleNotFound) {
		t.Fatalf("expected ErrRoleNotFound, got %v", err)
	}
}

func TestDecisionCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	e := newEngine(t, trustkit.DefaultCatalog(), trustkit.WithRegisterer(reg))
	e.CheckAccess(context.Background(), trustkit.AccessRequest{UserID: "x", Resource: "reports", Action: "read"})
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() != "trustkit_access_decisions_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			if m.GetCounter().GetValue() == 1 && m.GetLabel()[0].GetValue() == trustkit.DecisionDenied {
				return
			}
		}
	}
	t.Fatalf("denied decision not counted")
}

func TestCatalogValidation(t *testing.T) {
	bad := trustkit.NewCatalogBuilder().
		Permissions("docs.read").
		Role(trustkit.NewRoleBuilder("r").Permissions("docs.write").Build()).
		Build()
	if _, err := trustkit.NewEngine(bad); !errors.Is(err, trustkit.ErrPermissionNotFound) {
		t.Fatalf("expected ErrPermissionNotFound, got %v", err)
	}
	orphan := trustkit.NewCatalogBuilder().
		Permissions("docs.read").
		Role(trustkit.NewRoleBuilder("r").Permissions("docs.read").Inherits("ghost").Build()).
		Build()
	if _, err := trustkit.NewEngine(orphan); !errors.Is(err, trustkit.ErrRoleNotFound) {
		t.Fatalf("expected ErrRoleNotFound, got %v", err)
	}
	illegal := trustkit.NewCatalogBuilder().
		Permissions("docs.read", "docs.purge", "docs.*").
		Resource("docs", "", "read", "write").
		Role(trustkit.NewRoleBuilder("r").Permissions("docs.read").Build()).
		Build()
	if _, err := trustkit.NewEngine(illegal); err == nil || !strings.Contains(err.Error(), `action "purge" is not legal`) {
		t.Fatalf("expected illegal action error, got %v", err)
	}
	bare := trustkit.NewCatalogBuilder().
		Permissions("notes.purge").
		Resource("notes", "").
		Role(trustkit.NewRoleBuilder("r").Permissions("notes.purge").Build()).
		Build()
	if err := bare.Validate(); err != nil {
		t.Fatalf("a node without actions allows everything: %v", err)
	}
	h := trustkit.DefaultCatalog().Hierarchy
	if !h.Allows("admin", "anything") || h.Allows("audit", "update") || !h.Allows("unknown", "read") {
		t.Fatalf("unexpected Allows results")
	}
	cat := trustkit.DefaultCatalog()
	if err := cat.Validate(); err != nil {
		t.Fatalf("default catalog must validate: %v", err)
	}
	stats := cat.Stats()
	if stats.Roles != 5 || stats.MFAProtected == 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}
