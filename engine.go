package trustkit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/oarkflow/trustkit/condition"
	"github.com/oarkflow/trustkit/logger"
	"github.com/oarkflow/trustkit/monitor"
	"github.com/oarkflow/trustkit/utils"
)

// AuditSink receives every access decision as an audit event. *monitor.Engine
// satisfies it.
type AuditSink interface {
	LogEvent(ctx context.Context, in monitor.EventInput) string
}

// AssignmentStore persists role assignments. Writes are best effort: the
// in-memory table stays authoritative for decisions.
type AssignmentStore interface {
	SaveAssignment(ctx context.Context, a *RoleAssignment) error
	ListAssignments(ctx context.Context) ([]*RoleAssignment, error)
}

// Blocklist reports principals blocked by the monitor's block_user and
// block_ip actions. stores.RedisEnforcer and stores.MemoryEnforcer satisfy it.
type Blocklist interface {
	IsUserBlocked(ctx context.Context, userID string) (bool, error)
	IsIPBlocked(ctx context.Context, ip string) (bool, error)
}

// EngineOption configures an Engine.
type EngineOption func(*Engine) error

// Engine is the access control engine. CheckAccess may be called concurrently;
// assignment mutations and the expiry sweep serialise on the assignment lock.
type Engine struct {
	mu          sync.RWMutex
	permissions map[string]*Permission
	roles       map[string]*Role
	hierarchy   ResourceHierarchy

	assignMu    sync.RWMutex
	assignments map[string][]*RoleAssignment

	logger           logger.Logger
	clock            func() time.Time
	auditSink        AuditSink
	store            AssignmentStore
	blocklist        Blocklist
	onExpired        func(RoleAssignment)
	mfaRiskThreshold int
	sweepInterval    time.Duration
	registerer       prometheus.Registerer

	cacheCounters int64
	cacheMaxCost  int64
	cacheBuffer   int64
	resolveCache  *ristretto.Cache[string, string]

	logMu       sync.Mutex
	decisionLog []AccessDecision
	logSize     int
	logNext     int
	logFull     bool

	decisionsTotal *prometheus.CounterVec

	stopCh    chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
}

const (
	DefaultMFARiskThreshold = 70
	DefaultDecisionLogSize  = 1000
	DefaultSweepInterval    = time.Minute
)

// NewEngine builds an engine over catalog. The catalog is validated and copied.
func NewEngine(catalog Catalog, opts ...EngineOption) (*Engine, error) {
	if err := catalog.Validate(); err != nil {
		return nil, fmt.Errorf("invalid catalog: %w", err)
	}
	e := &Engine{
		permissions:      make(map[string]*Permission, len(catalog.Permissions)),
		roles:            make(map[string]*Role, len(catalog.Roles)),
		hierarchy:        catalog.Hierarchy.clone(),
		assignments:      make(map[string][]*RoleAssignment),
		clock:            time.Now,
		mfaRiskThreshold: DefaultMFARiskThreshold,
		logSize:          DefaultDecisionLogSize,
		sweepInterval:    DefaultSweepInterval,
		cacheCounters:    1e4,
		cacheMaxCost:     1 << 12,
		cacheBuffer:      64,
		stopCh:           make(chan struct{}),
	}
	for _, o := range opts {
		if err := o(e); err != nil {
			return nil, err
		}
	}
	e.logger = logger.With(logger.OrDefault(e.logger), "component", "access")
	e.hierarchy.link()
	for i := range catalog.Permissions {
		p := catalog.Permissions[i]
		if p.ID == "" {
			p.ID = p.Resource + "." + p.Action
		}
		if p.Resource == "" || p.Action == "" {
			p.Resource, p.Action, _ = utils.SplitPermission(p.ID)
		}
		p.Conditions = append([]condition.Condition(nil), p.Conditions...)
		e.permissions[p.ID] = &p
	}
	for i := range catalog.Roles {
		r := catalog.Roles[i]
		r.Permissions = append([]string(nil), r.Permissions...)
		r.InheritsFrom = append([]string(nil), r.InheritsFrom...)
		e.roles[r.ID] = &r
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, string]{
		NumCounters: e.cacheCounters,
		MaxCost:     e.cacheMaxCost,
		BufferItems: e.cacheBuffer,
	})
	if err != nil {
		return nil, fmt.Errorf("resolution cache: %w", err)
	}
	e.resolveCache = cache
	e.decisionLog = make([]AccessDecision, e.logSize)
	e.decisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trustkit_access_decisions_total",
		Help: "Access decisions by outcome.",
	}, []string{"decision"})
	if e.registerer != nil {
		if err := e.registerer.Register(e.decisionsTotal); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	return e, nil
}

func (e *Engine) now() time.Time { return e.clock() }

// CheckAccess decides whether req.UserID may perform req.Action on req.Resource.
// It never returns nil and never panics: evaluation failures deny.
func (e *Engine) CheckAccess(ctx context.Context, req AccessRequest) *AccessDecision {
	return e.checkAccess(ctx, req, false)
}

// Explain is CheckAccess with the resolution trace filled in.
func (e *Engine) Explain(ctx context.Context, req AccessRequest) *AccessDecision {
	return e.checkAccess(ctx, req, true)
}

// CheckBatch evaluates requests concurrently and returns decisions in order.
func (e *Engine) CheckBatch(ctx context.Context, reqs []AccessRequest) []*AccessDecision {
	out := make([]*AccessDecision, len(reqs))
	var wg sync.WaitGroup
	for i := range reqs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out[i] = e.CheckAccess(ctx, reqs[i])
		}(i)
	}
	wg.Wait()
	return out
}

func (e *Engine) checkAccess(ctx context.Context, req AccessRequest, explain bool) (d *AccessDecision) {
	started := time.Now()
	ts := e.now()
	actx := req.Context
	if actx == nil {
		actx = &AccessContext{}
	}
	if !actx.Timestamp.IsZero() {
		ts = actx.Timestamp
	}
	d = &AccessDecision{
		Audit: DecisionAudit{
			UserID:    req.UserID,
			Resource:  req.Resource,
			Action:    req.Action,
			Timestamp: ts,
		},
	}
	trace := func(format string, args ...any) {
		if explain {
			d.Trace = append(d.Trace, fmt.Sprintf(format, args...))
		}
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("access check panicked", "user", req.UserID, "resource", req.Resource, "action", req.Action, "panic", fmt.Sprint(r))
			e.failClosed(d)
		}
		d.Audit.EvaluationTime = time.Since(started)
		e.record(ctx, d, actx)
	}()

	e.mu.RLock()
	defer e.mu.RUnlock()

	required := e.resolveRequired(req.Resource, req.Action)
	d.RequiredPermissions = []string{required}
	trace("required permission: %s", required)

	live := e.liveAssignments(req.UserID, ts)
	if len(live) == 0 {
		trace("no live role assignments for %s", req.UserID)
		return e.deny(d, "No roles assigned")
	}

	if e.blocklist != nil {
		if reason, err := e.blocked(ctx, req.UserID, actx.IPAddress); err != nil {
			e.logger.Error("blocklist lookup failed", "user", req.UserID, "err", err)
			return e.failClosed(d)
		} else if reason != "" {
			trace("%s", reason)
			return e.deny(d, reason)
		}
	}

	effective := map[string]bool{}
	roleIDs := map[string]bool{}
	for _, la := range live {
		roleIDs[la.role.ID] = true
		for _, p := range la.role.Permissions {
			effective[p] = true
		}
		for _, parentID := range la.role.InheritsFrom {
			parent, ok := e.roles[parentID]
			if !ok || !parent.IsActive || parent.expired(ts) {
				trace("role %s: parent %s unavailable", la.role.ID, parentID)
				continue
			}
			for _, p := range parent.Permissions {
				effective[p] = true
			}
			trace("role %s inherits %s", la.role.ID, parentID)
		}
	}
	d.Audit.RolesApplied = sortedKeys(roleIDs)
	d.Audit.PermissionsApplied = sortedKeys(effective)

	for _, id := range d.RequiredPermissions {
		if !satisfies(effective, id) {
			d.MissingPermissions = append(d.MissingPermissions, id)
		}
	}
	if len(d.MissingPermissions) > 0 {
		trace("missing permissions: %v", d.MissingPermissions)
		return e.deny(d, "Insufficient permissions")
	}

	tree := contextTree(req, actx, ts)
	for _, la := range live {
		ok, failed, err := condition.All(la.assignment.Conditions, tree)
		if err != nil {
			e.logger.Error("assignment condition failed to evaluate", "user", req.UserID, "role", la.role.ID, "err", err)
			return e.failClosed(d)
		}
		if !ok {
			trace("assignment %s condition failed: %s", la.role.ID, failed.Label())
			return e.deny(d, "Condition failed: "+failed.Label())
		}
	}
	requiresMFA := actx.RiskScore > e.mfaRiskThreshold
	for _, id := range d.RequiredPermissions {
		p, ok := e.permissions[id]
		if !ok {
			continue
		}
		ok, failed, err := condition.All(p.Conditions, tree)
		if err != nil {
			e.logger.Error("permission condition failed to evaluate", "user", req.UserID, "permission", id, "err", err)
			return e.failClosed(d)
		}
		if !ok {
			trace("permission %s condition failed: %s", id, failed.Label())
			return e.deny(d, "Condition failed: "+failed.Label())
		}
		if p.RequiresMFA {
			requiresMFA = true
		}
	}

	if requiresMFA && !actx.MFAVerified {
		trace("step-up required: mfa not verified (risk %d)", actx.RiskScore)
		d.Granted = false
		d.Reason = "MFA verification required"
		d.ConditionalAccess = &ConditionalAccess{RequiresMFA: true}
		d.Audit.Decision = DecisionConditional
		return d
	}
	trace("granted via roles %v", d.Audit.RolesApplied)
	d.Granted = true
	d.Reason = "Access granted"
	d.Audit.Decision = DecisionGranted
	return d
}

func (e *Engine) deny(d *AccessDecision, reason string) *AccessDecision {
	d.Granted = false
	d.Reason = reason
	d.ConditionalAccess = nil
	d.Audit.Decision = DecisionDenied
	return d
}

func (e *Engine) failClosed(d *AccessDecision) *AccessDecision {
	return e.deny(d, "Access check failed")
}

// satisfies reports whether the effective set covers id directly, through a
// resource wildcard, or through the global wildcard.
func satisfies(effective map[string]bool, id string) bool {
	if effective[id] || effective["*"] {
		return true
	}
	if res, _, ok := utils.SplitPermission(id); ok && effective[res+".*"] {
		return true
	}
	return false
}

// resolveRequired maps (resource, action) to the permission id that guards it:
// exact id, then resource wildcard, then the direct parent resource, then the
// literal id. Callers hold e.mu.
func (e *Engine) resolveRequired(resource, action string) string {
	key := resource + "\x00" + action
	if id, ok := e.resolveCache.Get(key); ok {
		return id
	}
	id := resource + "." + action
	switch {
	case e.permissions[id] != nil:
	case e.permissions[resource+".*"] != nil:
		id = resource + ".*"
	default:
		if parent, ok := e.hierarchy.Parent(resource); ok {
			if pid := parent + "." + action; e.permissions[pid] != nil {
				id = pid
			} else if e.permissions[parent+".*"] != nil {
				id = parent + ".*"
			}
		}
	}
	e.resolveCache.Set(key, id, 1)
	return id
}

type liveAssignment struct {
	assignment RoleAssignment
	role       *Role
}

// liveAssignments returns active, unexpired assignments whose role exists and
// is active. Callers hold e.mu.
func (e *Engine) liveAssignments(userID string, now time.Time) []liveAssignment {
	e.assignMu.RLock()
	defer e.assignMu.RUnlock()
	var out []liveAssignment
	for _, a := range e.assignments[userID] {
		if !a.live(now) {
			continue
		}
		r, ok := e.roles[a.RoleID]
		if !ok || !r.IsActive || r.expired(now) {
			continue
		}
		out = append(out, liveAssignment{assignment: *a, role: r})
	}
	return out
}

// contextTree flattens the request into the key-value tree conditions read.
// Additional fields are reachable under "additional" and, when they do not
// collide with a built-in key, at the top level.
func contextTree(req AccessRequest, actx *AccessContext, ts time.Time) map[string]any {
	tree := map[string]any{
		"userId":            req.UserID,
		"resource":          req.Resource,
		"action":            req.Action,
		"ipAddress":         actx.IPAddress,
		"deviceFingerprint": actx.DeviceFingerprint,
		"sessionId":         actx.SessionID,
		"mfaVerified":       actx.MFAVerified,
		"riskScore":         actx.RiskScore,
		"timestamp":         ts,
		"hour":              ts.Hour(),
		"weekday":           ts.Weekday().String(),
	}
	if actx.IPAddress == "" {
		delete(tree, "ipAddress")
	}
	if actx.DeviceFingerprint == "" {
		delete(tree, "deviceFingerprint")
	}
	if actx.SessionID == "" {
		delete(tree, "sessionId")
	}
	if l := actx.Location; l != nil {
		tree["location"] = map[string]any{"country": l.Country, "region": l.Region, "city": l.City}
	}
	if len(actx.Additional) > 0 {
		tree["additional"] = actx.Additional
		for k, v := range actx.Additional {
			if _, taken := tree[k]; !taken {
				tree[k] = v
			}
		}
	}
	return tree
}

func (e *Engine) record(ctx context.Context, d *AccessDecision, actx *AccessContext) {
	if e.logSize > 0 {
		e.logMu.Lock()
		e.decisionLog[e.logNext] = d.clone()
		e.logNext = (e.logNext + 1) % e.logSize
		if e.logNext == 0 {
			e.logFull = true
		}
		e.logMu.Unlock()
	}
	e.decisionsTotal.WithLabelValues(d.Audit.Decision).Inc()
	e.logger.Debug("access decision",
		"user", d.Audit.UserID,
		"resource", d.Audit.Resource,
		"action", d.Audit.Action,
		"decision", d.Audit.Decision,
		"reason", d.Reason,
		"latency", d.Audit.EvaluationTime,
	)
	if e.auditSink == nil {
		return
	}
	outcome, severity := monitor.OutcomeSuccess, monitor.SeverityInfo
	switch d.Audit.Decision {
	case DecisionDenied:
		outcome, severity = monitor.OutcomeFailure, monitor.SeverityWarning
	case DecisionConditional:
		outcome = monitor.OutcomePending
	}
	in := monitor.EventInput{
		Timestamp:         d.Audit.Timestamp,
		Type:              monitor.EventAuthorization,
		Severity:          severity,
		UserID:            d.Audit.UserID,
		SessionID:         actx.SessionID,
		IPAddress:         actx.IPAddress,
		Resource:          d.Audit.Resource,
		Action:            d.Audit.Action,
		Outcome:           outcome,
		DeviceFingerprint: actx.DeviceFingerprint,
		Details: map[string]any{
			"decision":            d.Audit.Decision,
			"reason":              d.Reason,
			"requiredPermissions": append([]string(nil), d.RequiredPermissions...),
			"missingPermissions":  append([]string(nil), d.MissingPermissions...),
			"mfaRequired":         d.ConditionalAccess != nil && d.ConditionalAccess.RequiresMFA,
			"evaluationMs":        float64(d.Audit.EvaluationTime.Microseconds()) / 1000,
		},
	}
	if l := actx.Location; l != nil {
		in.Location = &monitor.Location{Country: l.Country, Region: l.Region, City: l.City}
	}
	e.auditSink.LogEvent(ctx, in)
}

// DecisionLog returns up to limit of the most recent decisions, oldest first.
// A limit <= 0 returns everything retained.
func (e *Engine) DecisionLog(limit int) []AccessDecision {
	e.logMu.Lock()
	defer e.logMu.Unlock()
	n := e.logNext
	start := 0
	if e.logFull {
		n = e.logSize
		start = e.logNext
	}
	if limit > 0 && limit < n {
		start = (start + n - limit) % max(e.logSize, 1)
		n = limit
	}
	out := make([]AccessDecision, 0, n)
	for i := 0; i < n; i++ {
		d := e.decisionLog[(start+i)%e.logSize]
		out = append(out, d.clone())
	}
	return out
}

// HasPermission reports whether the user holds permID. With a context the full
// CheckAccess pipeline runs and only an outright grant counts; without one only
// role membership is consulted.
func (e *Engine) HasPermission(ctx context.Context, userID, permID string, actx *AccessContext) bool {
	if actx != nil {
		res, act, ok := utils.SplitPermission(permID)
		if !ok {
			return false
		}
		return e.CheckAccess(ctx, AccessRequest{UserID: userID, Resource: res, Action: act, Context: actx}).Granted
	}
	return satisfies(e.effectivePermissions(userID), permID)
}

func (e *Engine) effectivePermissions(userID string) map[string]bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	now := e.now()
	effective := map[string]bool{}
	for _, la := range e.liveAssignments(userID, now) {
		for _, p := range la.role.Permissions {
			effective[p] = true
		}
		for _, parentID := range la.role.InheritsFrom {
			if parent, ok := e.roles[parentID]; ok && parent.IsActive && !parent.expired(now) {
				for _, p := range parent.Permissions {
					effective[p] = true
				}
			}
		}
	}
	return effective
}

// GetUserPermissions returns the user's effective permission ids, sorted.
func (e *Engine) GetUserPermissions(userID string) []string {
	return sortedKeys(e.effectivePermissions(userID))
}

// GetUserRoles returns copies of the roles the user currently holds.
func (e *Engine) GetUserRoles(userID string) []Role {
	e.mu.RLock()
	defer e.mu.RUnlock()
	live := e.liveAssignments(userID, e.now())
	out := make([]Role, 0, len(live))
	seen := map[string]bool{}
	for _, la := range live {
		if seen[la.role.ID] {
			continue
		}
		seen[la.role.ID] = true
		out = append(out, copyRole(la.role))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (e *Engine) HasRole(userID, roleID string) bool {
	return e.HasAnyRole(userID, roleID)
}

func (e *Engine) HasAnyRole(userID string, roleIDs ...string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, la := range e.liveAssignments(userID, e.now()) {
		for _, id := range roleIDs {
			if la.role.ID == id {
				return true
			}
		}
	}
	return false
}

// Permissions returns every registered permission sorted by id.
func (e *Engine) Permissions() []Permission {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Permission, 0, len(e.permissions))
	for _, p := range e.permissions {
		c := *p
		c.Conditions = append([]condition.Condition(nil), p.Conditions...)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (e *Engine) Permission(id string) (Permission, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.permissions[id]
	if !ok {
		return Permission{}, fmt.Errorf("%w: %s", ErrPermissionNotFound, id)
	}
	c := *p
	c.Conditions = append([]condition.Condition(nil), p.Conditions...)
	return c, nil
}

// Roles returns every configured role sorted by id.
func (e *Engine) Roles() []Role {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Role, 0, len(e.roles))
	for _, r := range e.roles {
		out = append(out, copyRole(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (e *Engine) Role(id string) (Role, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.roles[id]
	if !ok {
		return Role{}, fmt.Errorf("%w: %s", ErrRoleNotFound, id)
	}
	return copyRole(r), nil
}

// Hierarchy returns a copy of the resource hierarchy.
func (e *Engine) Hierarchy() ResourceHierarchy {
	return e.hierarchy.clone()
}

// ActivateRole re-enables a role for new checks and assignments.
func (e *Engine) ActivateRole(ctx context.Context, roleID string) error {
	return e.setRoleActive(ctx, roleID, true)
}

// DeactivateRole disables a role. Existing assignments stay but stop granting.
func (e *Engine) DeactivateRole(ctx context.Context, roleID string) error {
	return e.setRoleActive(ctx, roleID, false)
}

func (e *Engine) setRoleActive(ctx context.Context, roleID string, active bool) error {
	e.mu.Lock()
	r, ok := e.roles[roleID]
	if ok {
		r.IsActive = active
	}
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrRoleNotFound, roleID)
	}
	e.logger.Info("role state changed", "role", roleID, "active", active)
	if e.auditSink != nil {
		action := "role_deactivated"
		if active {
			action = "role_activated"
		}
		e.auditSink.LogEvent(ctx, monitor.EventInput{
			Type:     monitor.EventConfigurationChange,
			Severity: monitor.SeverityWarning,
			Resource: "roles",
			Action:   action,
			Details:  map[string]any{"roleId": roleID},
		})
	}
	return nil
}

func copyRole(r *Role) Role {
	c := *r
	c.Permissions = append([]string(nil), r.Permissions...)
	c.InheritsFrom = append([]string(nil), r.InheritsFrom...)
	return c
}

// Start launches the periodic expiry sweep. It stops when ctx is done or Close
// is called.
func (e *Engine) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			ticker := time.NewTicker(e.sweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-e.stopCh:
					return
				case <-ticker.C:
					e.sweepTick(ctx)
				}
			}
		}()
	})
}

func (e *Engine) sweepTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("expiry sweep panicked", "panic", fmt.Sprint(r))
		}
	}()
	if n := e.SweepExpired(ctx); n > 0 {
		e.logger.Info("expired role assignments", "count", n)
	}
}

// Close stops background work and releases the resolution cache.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		close(e.stopCh)
		e.wg.Wait()
		e.resolveCache.Close()
	})
	return nil
}

// blocked returns a deny reason when the user or the request address is
// blocked.
func (e *Engine) blocked(ctx context.Context, userID, ip string) (string, error) {
	if userID != "" {
		ok, err := e.blocklist.IsUserBlocked(ctx, userID)
		if err != nil {
			return "", err
		}
		if ok {
			return "User is blocked", nil
		}
	}
	if ip != "" {
		ok, err := e.blocklist.IsIPBlocked(ctx, ip)
		if err != nil {
			return "", err
		}
		if ok {
			return "IP address is blocked", nil
		}
	}
	return "", nil
}
