package monitor_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/oarkflow/trustkit/condition"
	"github.com/oarkflow/trustkit/logger"
	"github.com/oarkflow/trustkit/monitor"
)

// Wednesday afternoon, inside business hours.
var start = time.Date(2026, 3, 11, 14, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
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

type block struct {
	target   string
	duration time.Duration
}

type fakeEnforcer struct {
	mu    sync.Mutex
	ips   []block
	users []block
}

func (f *fakeEnforcer) BlockUser(_ context.Context, id string, d time.Duration, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users = append(f.users, block{id, d})
	return nil
}

func (f *fakeEnforcer) BlockIP(_ context.Context, ip string, d time.Duration, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ips = append(f.ips, block{ip, d})
	return nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []monitor.Notification
}

func (f *fakeNotifier) Notify(_ context.Context, n monitor.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, n)
	return nil
}

func newEngine(t *testing.T, opts ...monitor.Option) (*monitor.Engine, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: start}
	base := []monitor.Option{monitor.WithLogger(logger.NewNullLogger()), monitor.WithClock(clk.Now)}
	e, err := monitor.New(append(base, opts...)...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e, clk
}

func alertsFor(e *monitor.Engine, ruleID string) []monitor.SecurityAlert {
	var out []monitor.SecurityAlert
	for _, a := range e.GetSecurityAlerts("") {
		if a.RuleID == ruleID {
			out = append(out, a)
		}
	}
	return out
}

func anomalies(e *monitor.Engine, kind string) []monitor.SecurityAlert {
	var out []monitor.SecurityAlert
	for _, a := range e.GetSecurityAlerts("") {
		if a.Metadata["anomaly"] == kind {
			out = append(out, a)
		}
	}
	return out
}

func intp(v int) *int { return &v }

func TestFailedLoginsAlertOnceAndBlockIP(t *testing.T) {
	ctx := context.Background()
	enf := &fakeEnforcer{}
	e, clk := newEngine(t, monitor.WithDefaultRules(), monitor.WithEnforcer(enf))

	for i := 0; i < 6; i++ {
		e.LogEvent(ctx, monitor.EventInput{
			Type:      monitor.EventAuthentication,
			Action:    "login",
			Outcome:   monitor.OutcomeFailure,
			IPAddress: "203.0.113.7",
		})
		clk.Advance(time.Minute)
	}
	e.Flush(ctx)

	alerts := e.GetSecurityAlerts("")
	if len(alerts) != 1 {
		t.Fatalf("expected exactly one alert, got %d: %+v", len(alerts), alerts)
	}
	a := alerts[0]
	if a.RuleID != "failed-login-attempts" || a.Severity != monitor.AlertHigh || a.Type != monitor.AlertThresholdBreach {
		t.Fatalf("unexpected alert: %+v", a)
	}
	if len(a.SourceEvents) != 5 || a.Status != monitor.StatusNew {
		t.Fatalf("expected five source events on a new alert, got %+v", a)
	}
	if len(enf.ips) != 1 || enf.ips[0].target != "203.0.113.7" || enf.ips[0].duration != time.Hour {
		t.Fatalf("expected one 1h ip block, got %+v", enf.ips)
	}
	if len(enf.users) != 0 {
		t.Fatalf("no user blocks expected, got %+v", enf.users)
	}
}

func TestThresholdFiresOnCount(t *testing.T) {
	ctx := context.Background()
	rule := monitor.Rule{
		ID:         "denials",
		Name:       "Denials",
		Enabled:    true,
		EventTypes: []monitor.EventType{monitor.EventAuthorization},
		Conditions: []condition.Condition{condition.MustParse("outcome == failure")},
		Threshold:  &monitor.Threshold{Count: 5, TimeWindow: 15 * time.Minute},
		Actions:    []monitor.RuleAction{{Type: monitor.ActionAlert}},
	}
	e, clk := newEngine(t, monitor.WithRules(rule))
	deny := monitor.EventInput{Type: monitor.EventAuthorization, Outcome: monitor.OutcomeFailure, Resource: "docs"}

	for i := 0; i < 4; i++ {
		e.LogEvent(ctx, deny)
		clk.Advance(time.Minute)
	}
	e.Flush(ctx)
	if n := len(alertsFor(e, "denials")); n != 0 {
		t.Fatalf("four events must not trigger, got %d alerts", n)
	}
	e.LogEvent(ctx, deny)
	e.Flush(ctx)
	got := alertsFor(e, "denials")
	if len(got) != 1 || got[0].Severity != monitor.AlertMedium || got[0].Type != monitor.AlertThresholdBreach {
		t.Fatalf("fifth event should trigger one default alert, got %+v", got)
	}

	// Events outside the window do not count.
	clk.Advance(time.Hour)
	e.LogEvent(ctx, deny)
	e.Flush(ctx)
	if n := len(alertsFor(e, "denials")); n != 1 {
		t.Fatalf("stale events counted, got %d alerts", n)
	}
}

func TestCooldownSuppressesRepeats(t *testing.T) {
	ctx := context.Background()
	rule := monitor.Rule{
		ID:             "exports",
		Name:           "Exports",
		Enabled:        true,
		EventTypes:     []monitor.EventType{monitor.EventDataAccess},
		Conditions:     []condition.Condition{condition.MustParse("action contains export")},
		CooldownPeriod: time.Hour,
		Actions:        []monitor.RuleAction{{Type: monitor.ActionAlert, Params: map[string]any{"severity": "low"}}},
	}
	e, clk := newEngine(t, monitor.WithRules(rule))
	ev := monitor.EventInput{Type: monitor.EventDataAccess, Action: "export_csv", Resource: "reports"}

	e.LogEvent(ctx, ev)
	clk.Advance(10 * time.Minute)
	e.LogEvent(ctx, ev)
	e.Flush(ctx)
	if n := len(alertsFor(e, "exports")); n != 1 {
		t.Fatalf("expected one alert inside cooldown, got %d", n)
	}
	rules := e.Rules()
	if rules[0].TriggerCount != 1 || rules[0].LastTriggered == nil || !rules[0].LastTriggered.Equal(start) {
		t.Fatalf("trigger state not kept: %+v", rules[0])
	}

	clk.Advance(2 * time.Hour)
	e.LogEvent(ctx, ev)
	e.Flush(ctx)
	if n := len(alertsFor(e, "exports")); n != 2 {
		t.Fatalf("expected a second alert after cooldown, got %d", n)
	}
}

func TestDisabledAndRemovedRules(t *testing.T) {
	ctx := context.Background()
	rule := monitor.Rule{
		ID:         "sys",
		Name:       "System",
		Enabled:    true,
		EventTypes: []monitor.EventType{monitor.EventSystem},
		Actions:    []monitor.RuleAction{{Type: monitor.ActionAlert}},
	}
	e, _ := newEngine(t, monitor.WithRules(rule))
	if err := e.SetRuleEnabled("sys", false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	e.LogEvent(ctx, monitor.EventInput{})
	e.Flush(ctx)
	if n := len(alertsFor(e, "sys")); n != 0 {
		t.Fatalf("disabled rule fired %d times", n)
	}
	if !e.RemoveMonitoringRule("sys") || e.RemoveMonitoringRule("sys") {
		t.Fatalf("remove should succeed once")
	}
	bad := rule
	bad.Actions = []monitor.RuleAction{{Type: monitor.ActionWebhook}}
	if err := e.AddMonitoringRule(bad); err == nil {
		t.Fatalf("webhook without url must be rejected")
	}
}

func TestLocationAnomaly(t *testing.T) {
	ctx := context.Background()
	notes := &fakeNotifier{}
	e, _ := newEngine(t, monitor.WithDefaultRules(), monitor.WithNotifier(notes))
	home := &monitor.Location{Country: "US", Region: "CA"}

	for d := 30; d >= 1; d-- {
		e.LogEvent(ctx, monitor.EventInput{
			Type:      monitor.EventAuthentication,
			UserID:    "u1",
			Action:    "login",
			Timestamp: start.AddDate(0, 0, -d),
			Location:  home,
		})
	}
	e.Flush(ctx)
	// Only the very first geolocated event is new.
	loc := anomalies(e, monitor.AnomalyLocation)
	if len(loc) != 1 || loc[0].Metadata["country"] != "US" {
		t.Fatalf("expected the first login to be a new location, got %+v", loc)
	}
	if len(alertsFor(e, "sensitive-data-new-location")) != 0 || len(notes.sent) != 0 {
		t.Fatalf("logins must not trip the sensitive data rule")
	}

	id := e.LogEvent(ctx, monitor.EventInput{
		Type:     monitor.EventDataAccess,
		UserID:   "u1",
		Resource: "sensitive_reports",
		Action:   "view",
		Location: &monitor.Location{Country: "FR", Region: "IDF"},
	})
	e.Flush(ctx)

	loc = anomalies(e, monitor.AnomalyLocation)
	if len(loc) != 2 || loc[1].Severity != monitor.AlertHigh || loc[1].Type != monitor.AlertAnomaly || loc[1].Metadata["country"] != "FR" {
		t.Fatalf("expected a high location anomaly for FR, got %+v", loc)
	}
	ev, ok := e.Event(id)
	if !ok || ev.Details["newLocation"] != true {
		t.Fatalf("event not annotated: %+v", ev)
	}
	if got := alertsFor(e, "sensitive-data-new-location"); len(got) != 1 {
		t.Fatalf("new-location rule should see the annotation, got %+v", got)
	}
	if len(notes.sent) != 1 || notes.sent[0].Channel != "security" {
		t.Fatalf("expected a security notification, got %+v", notes.sent)
	}

	e.LogEvent(ctx, monitor.EventInput{Type: monitor.EventAuthentication, UserID: "u1", Action: "login", Location: home})
	e.Flush(ctx)
	if n := len(anomalies(e, monitor.AnomalyLocation)); n != 2 {
		t.Fatalf("a known location must not alert, got %d", n)
	}
}

func TestBehaviorAndTimeAnomalies(t *testing.T) {
	ctx := context.Background()
	e, clk := newEngine(t)
	for d := 5; d >= 1; d-- {
		e.LogEvent(ctx, monitor.EventInput{
			Type:      monitor.EventDataAccess,
			UserID:    "u2",
			Resource:  "reports",
			Timestamp: start.AddDate(0, 0, -d),
		})
	}
	e.Flush(ctx)
	if got := anomalies(e, monitor.AnomalyBehavior); len(got) != 1 || got[0].Metadata["resource"] != "reports" {
		t.Fatalf("only the first reports access is new, got %+v", got)
	}
	e.LogEvent(ctx, monitor.EventInput{Type: monitor.EventDataAccess, UserID: "u2", Resource: "payroll"})
	e.Flush(ctx)
	got := anomalies(e, monitor.AnomalyBehavior)
	if len(got) != 2 || got[1].Severity != monitor.AlertMedium || got[1].Metadata["resource"] != "payroll" {
		t.Fatalf("expected a behavior anomaly for payroll, got %+v", got)
	}

	// 03:00 the next day, eleven hours from the usual 14:00.
	clk.Advance(13 * time.Hour)
	e.LogEvent(ctx, monitor.EventInput{Type: monitor.EventDataAccess, UserID: "u2", Resource: "reports"})
	e.Flush(ctx)
	if got := anomalies(e, monitor.AnomalyTime); len(got) != 1 {
		t.Fatalf("expected one time anomaly, got %+v", got)
	}
}

func TestAnomaliesForUsersWithoutHistory(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)

	for i := 0; i < 9; i++ {
		e.LogEvent(ctx, monitor.EventInput{Type: monitor.EventSystem, UserID: "nomad", Timestamp: start.Add(-time.Duration(i+2) * time.Hour)})
	}
	id := e.LogEvent(ctx, monitor.EventInput{Type: monitor.EventSystem, UserID: "nomad", Location: &monitor.Location{Country: "FR", Region: "IDF"}})
	e.LogEvent(ctx, monitor.EventInput{Type: monitor.EventDataAccess, UserID: "fresh", Resource: "payroll"})
	e.Flush(ctx)

	loc := anomalies(e, monitor.AnomalyLocation)
	if len(loc) != 1 || loc[0].AffectedUsers[0] != "nomad" {
		t.Fatalf("history without locations should still flag a new location, got %+v", loc)
	}
	if ev, _ := e.Event(id); ev.Details["newLocation"] != true {
		t.Fatalf("event not annotated: %+v", ev.Details)
	}
	beh := anomalies(e, monitor.AnomalyBehavior)
	if len(beh) != 1 || beh[0].AffectedUsers[0] != "fresh" {
		t.Fatalf("a first data access should be a behavior anomaly, got %+v", beh)
	}

	quiet, _ := newEngine(t, monitor.WithConfig(monitor.Config{Anomaly: monitor.AnomalyConfig{
		RequireLocationBaseline: true,
		RequireRecentActivity:   true,
	}}))
	quiet.LogEvent(ctx, monitor.EventInput{Type: monitor.EventSystem, UserID: "nomad", Timestamp: start.Add(-time.Hour)})
	quiet.LogEvent(ctx, monitor.EventInput{Type: monitor.EventSystem, UserID: "nomad", Location: &monitor.Location{Country: "FR", Region: "IDF"}})
	quiet.LogEvent(ctx, monitor.EventInput{Type: monitor.EventDataAccess, UserID: "fresh", Resource: "payroll"})
	quiet.Flush(ctx)
	if n := len(anomalies(quiet, monitor.AnomalyLocation)) + len(anomalies(quiet, monitor.AnomalyBehavior)); n != 0 {
		t.Fatalf("baseline filters should silence new users, got %d", n)
	}
}

func TestVolumeAnomalyDeduplicated(t *testing.T) {
	ctx := context.Background()
	e, clk := newEngine(t)
	for i := 0; i < 15; i++ {
		e.LogEvent(ctx, monitor.EventInput{Type: monitor.EventSystem, UserID: "u3"})
		clk.Advance(time.Minute)
	}
	e.Flush(ctx)
	got := anomalies(e, monitor.AnomalyVolume)
	if len(got) != 1 || got[0].Severity != monitor.AlertHigh {
		t.Fatalf("expected one volume anomaly per hour, got %+v", got)
	}
	if len(got[0].SourceEvents) != 10 {
		t.Fatalf("expected the burst as source events, got %d", len(got[0].SourceEvents))
	}
}

func TestRetentionPurge(t *testing.T) {
	ctx := context.Background()
	e, clk := newEngine(t)
	old := start.AddDate(0, 0, -31)
	short := e.LogEvent(ctx, monitor.EventInput{Type: monitor.EventSystem, Timestamp: old})
	medium := e.LogEvent(ctx, monitor.EventInput{Type: monitor.EventAuthentication, Timestamp: old})
	permanent := e.LogEvent(ctx, monitor.EventInput{Type: monitor.EventSecurityIncident, Timestamp: start.AddDate(-10, 0, 0)})
	fresh := e.LogEvent(ctx, monitor.EventInput{Type: monitor.EventSystem, Timestamp: start.AddDate(0, 0, -29)})
	e.Flush(ctx)

	if n := e.PurgeExpired(ctx); n != 1 {
		t.Fatalf("expected one purged event, got %d", n)
	}
	if _, ok := e.Event(short); ok {
		t.Fatalf("short retention event survived")
	}
	for _, id := range []string{medium, permanent, fresh} {
		if _, ok := e.Event(id); !ok {
			t.Fatalf("event %s purged too early", id)
		}
	}

	clk.Advance(100 * 365 * 24 * time.Hour)
	e.PurgeExpired(ctx)
	if _, ok := e.Event(permanent); !ok {
		t.Fatalf("permanent events are never purged")
	}
	if got := e.GetAuditLog(monitor.Filter{}); len(got) != 1 {
		t.Fatalf("expected only the permanent event left, got %d", len(got))
	}
}

func TestRiskScoringAndDefaults(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)
	night := time.Date(2026, 3, 11, 2, 0, 0, 0, time.UTC)

	hot := e.LogEvent(ctx, monitor.EventInput{
		Type:      monitor.EventDataModification,
		Outcome:   monitor.OutcomeFailure,
		Resource:  "admin_settings",
		Timestamp: night,
	})
	plain := e.LogEvent(ctx, monitor.EventInput{Type: monitor.EventAuthentication, UserID: "u4"})
	forced := e.LogEvent(ctx, monitor.EventInput{
		Type:               monitor.EventDataAccess,
		RiskScore:          intp(0),
		ComplianceRelevant: new(bool),
		CorrelationID:      "corr-1",
	})
	bare := e.LogEvent(ctx, monitor.EventInput{})
	e.Flush(ctx)

	ev, _ := e.Event(hot)
	if ev.RiskScore != 100 || ev.RetentionCategory != monitor.RetentionPermanent {
		t.Fatalf("expected clamped score and permanent retention, got %d %s", ev.RiskScore, ev.RetentionCategory)
	}
	ev, _ = e.Event(plain)
	if ev.RiskScore != 10 || ev.RetentionCategory != monitor.RetentionMedium || !ev.ComplianceRelevant {
		t.Fatalf("unexpected authentication scoring: %+v", ev)
	}
	ev, _ = e.Event(forced)
	if ev.RiskScore != 0 || ev.ComplianceRelevant || ev.CorrelationID != "corr-1" {
		t.Fatalf("explicit values must be kept: %+v", ev)
	}
	ev, _ = e.Event(bare)
	if ev.Type != monitor.EventSystem || ev.Severity != monitor.SeverityInfo || ev.Outcome != monitor.OutcomeSuccess {
		t.Fatalf("defaults not applied: %+v", ev)
	}
	if ev.CorrelationID == "" || ev.ComplianceRelevant || ev.RetentionCategory != monitor.RetentionShort {
		t.Fatalf("derived fields wrong: %+v", ev)
	}
}

func TestCriticalEventsDrainImmediately(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, monitor.WithDefaultRules())
	e.LogEvent(ctx, monitor.EventInput{Type: monitor.EventSystem})
	if e.QueueLen() != 1 {
		t.Fatalf("info events wait for the drain")
	}
	e.LogEvent(ctx, monitor.EventInput{Type: monitor.EventSecurityIncident, Severity: monitor.SeverityCritical})
	if e.QueueLen() != 0 {
		t.Fatalf("critical event should drain the queue")
	}
	got := alertsFor(e, "critical-security-incident")
	if len(got) != 1 || got[0].Severity != monitor.AlertCritical || got[0].Type != monitor.AlertCriticalEvent {
		t.Fatalf("expected a critical alert, got %+v", got)
	}
}

func TestCriticalEventDuringRunningDrain(t *testing.T) {
	ctx := context.Background()
	var armed atomic.Bool
	inside := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }
	clock := func() time.Time {
		if armed.CompareAndSwap(true, false) {
			close(inside)
			<-release
		}
		return start
	}
	rule := monitor.Rule{
		ID:         "sys",
		Name:       "System",
		Enabled:    true,
		EventTypes: []monitor.EventType{monitor.EventSystem},
		Actions:    []monitor.RuleAction{{Type: monitor.ActionAlert}},
	}
	e, err := monitor.New(monitor.WithLogger(logger.NewNullLogger()), monitor.WithClock(clock), monitor.WithRules(rule))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer e.Close()
	defer unblock()

	e.LogEvent(ctx, monitor.EventInput{Type: monitor.EventSystem})
	armed.Store(true)
	done := make(chan struct{})
	go func() {
		e.Flush(ctx)
		close(done)
	}()
	// The drain is now parked inside the rule action for the system event.
	<-inside
	id := e.LogEvent(ctx, monitor.EventInput{Type: monitor.EventSecurityIncident, Severity: monitor.SeverityCritical})
	if e.QueueLen() != 1 {
		t.Fatalf("critical event should wait behind the running drain, queue=%d", e.QueueLen())
	}
	unblock()
	<-done
	if _, ok := e.Event(id); !ok || e.QueueLen() != 0 {
		t.Fatalf("critical event was left queued after the drain finished")
	}
}

func TestConcurrentCriticalEventsNeverWaitForTick(t *testing.T) {
	ctx := context.Background()
	e, err := monitor.New(
		monitor.WithLogger(logger.NewNullLogger()),
		monitor.WithConfig(monitor.Config{DrainInterval: time.Hour}),
	)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer e.Close()
	e.Start(ctx)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				e.LogEvent(ctx, monitor.EventInput{Type: monitor.EventSecurityIncident, Severity: monitor.SeverityCritical})
			}
		}()
	}
	wg.Wait()
	if n := e.QueueLen(); n != 0 {
		t.Fatalf("%d critical events left for the next tick", n)
	}
	if n := len(e.GetAuditLog(monitor.Filter{})); n != 1600 {
		t.Fatalf("expected every event processed, got %d", n)
	}
}

func TestSubscribers(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)
	var mu sync.Mutex
	auth, all, alerts := 0, 0, 0
	e.Subscribe(monitor.EventAuthentication, func(context.Context, monitor.AuditEvent) error {
		mu.Lock()
		auth++
		mu.Unlock()
		return nil
	})
	unsubscribe := e.Subscribe(monitor.AllEvents, func(context.Context, monitor.AuditEvent) error {
		mu.Lock()
		all++
		mu.Unlock()
		return nil
	})
	e.Subscribe(monitor.EventSystem, func(context.Context, monitor.AuditEvent) error {
		panic("boom")
	})
	e.SubscribeAlerts(func(context.Context, monitor.SecurityAlert) error {
		mu.Lock()
		alerts++
		mu.Unlock()
		return nil
	})

	e.LogEvent(ctx, monitor.EventInput{Type: monitor.EventAuthentication})
	e.LogEvent(ctx, monitor.EventInput{Type: monitor.EventSystem})
	e.Flush(ctx)
	unsubscribe()
	e.LogEvent(ctx, monitor.EventInput{Type: monitor.EventAuthentication})
	e.Flush(ctx)

	mu.Lock()
	defer mu.Unlock()
	if auth != 2 || all != 2 || alerts != 0 {
		t.Fatalf("unexpected deliveries: auth=%d all=%d alerts=%d", auth, all, alerts)
	}
	if len(e.GetAuditLog(monitor.Filter{})) != 3 {
		t.Fatalf("a panicking subscriber must not lose events")
	}
}

func TestMetricsRollup(t *testing.T) {
	ctx := context.Background()
	e, clk := newEngine(t)
	e.LogEvent(ctx, monitor.EventInput{Type: monitor.EventAuthentication, Action: "login", UserID: "a"})
	e.LogEvent(ctx, monitor.EventInput{Type: monitor.EventAuthentication, Action: "login", UserID: "b", Outcome: monitor.OutcomeFailure})
	e.LogEvent(ctx, monitor.EventInput{Type: monitor.EventDataAccess, Action: "export", UserID: "a", Resource: "sensitive_docs"})
	e.LogEvent(ctx, monitor.EventInput{Type: monitor.EventDataModification, Action: "bulk_update", UserID: "a"})
	e.LogEvent(ctx, monitor.EventInput{Type: monitor.EventAuthorization, UserID: "a", Details: map[string]any{"mfaRequired": true}})
	e.LogEvent(ctx, monitor.EventInput{Type: monitor.EventSystem, Timestamp: start.Add(-2 * time.Hour)})
	e.Flush(ctx)

	m := e.CollectMetrics()
	if m.TotalEvents != 5 || m.LoginSuccesses != 1 || m.LoginFailures != 1 || m.UniqueUsers != 2 {
		t.Fatalf("unexpected rollup: %+v", m)
	}
	if m.Exports != 1 || m.SensitiveViews != 1 || m.Modifications != 1 || m.BulkOperations != 1 || m.MFARequired != 1 {
		t.Fatalf("unexpected activity counts: %+v", m)
	}
	if m.ErrorRate != 0.2 {
		t.Fatalf("error rate: %v", m.ErrorRate)
	}

	clk.Advance(25 * time.Hour)
	e.CollectMetrics()
	if got := e.GetMetrics(48); len(got) != 1 || got[0].TotalEvents != 0 {
		t.Fatalf("rollups older than a day should be dropped, got %+v", got)
	}
}

func TestComplianceReport(t *testing.T) {
	ctx := context.Background()
	e, clk := newEngine(t, monitor.WithDefaultRules())
	e.LogEvent(ctx, monitor.EventInput{Type: monitor.EventAuthentication, UserID: "a", Outcome: monitor.OutcomeFailure})
	e.LogEvent(ctx, monitor.EventInput{Type: monitor.EventUserManagement, UserID: "b", Action: "role_assigned"})
	e.LogEvent(ctx, monitor.EventInput{Type: monitor.EventSystem})
	e.LogEvent(ctx, monitor.EventInput{Type: monitor.EventSecurityIncident, Severity: monitor.SeverityCritical})
	e.Flush(ctx)
	clk.Advance(time.Minute)

	r := e.GenerateComplianceReport("soc2", start.Add(-time.Hour), clk.Now())
	if r.TotalEvents != 2 || r.UniqueUsers != 2 || r.FailedEvents != 1 {
		t.Fatalf("unexpected totals: %+v", r)
	}
	if r.EventsByType[monitor.EventUserManagement] != 1 || r.EventsByType[monitor.EventSystem] != 0 {
		t.Fatalf("unexpected breakdown: %+v", r.EventsByType)
	}
	if len(r.Violations) != 1 || r.Violations[0].Severity != monitor.AlertCritical {
		t.Fatalf("critical alert should be a violation: %+v", r.Violations)
	}
	if r.Type != "soc2" || r.ID == "" {
		t.Fatalf("report identity missing: %+v", r)
	}
}

func TestAuditLogFilter(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)
	for i := 0; i < 5; i++ {
		e.LogEvent(ctx, monitor.EventInput{Type: monitor.EventAuthentication, UserID: "a", IPAddress: "10.0.0.1"})
	}
	e.LogEvent(ctx, monitor.EventInput{Type: monitor.EventSystem, UserID: "b"})
	e.Flush(ctx)

	if got := e.GetAuditLog(monitor.Filter{UserID: "a", Limit: 2}); len(got) != 2 {
		t.Fatalf("limit not applied: %d", len(got))
	}
	if got := e.GetAuditLog(monitor.Filter{Type: monitor.EventSystem}); len(got) != 1 || got[0].UserID != "b" {
		t.Fatalf("type filter: %+v", got)
	}
	got := e.GetAuditLog(monitor.Filter{IPAddress: "10.0.0.1"})
	got[0].Details["mutated"] = true
	if again := e.GetAuditLog(monitor.Filter{IPAddress: "10.0.0.1"}); again[0].Details["mutated"] != nil {
		t.Fatalf("audit log must hand out copies")
	}
}

func TestAlertStatus(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, monitor.WithDefaultRules())
	e.LogEvent(ctx, monitor.EventInput{Type: monitor.EventSecurityIncident, Severity: monitor.SeverityCritical})
	e.Flush(ctx)
	alerts := e.GetSecurityAlerts(monitor.StatusNew)
	if len(alerts) != 1 {
		t.Fatalf("expected one new alert, got %d", len(alerts))
	}
	if err := e.UpdateAlertStatus(alerts[0].ID, monitor.StatusResolved); err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(e.GetSecurityAlerts(monitor.StatusNew)) != 0 || len(e.GetSecurityAlerts(monitor.StatusResolved)) != 1 {
		t.Fatalf("status filter not applied")
	}
	if err := e.UpdateAlertStatus(alerts[0].ID, "bogus"); err == nil {
		t.Fatalf("unknown status must fail")
	}
}

func TestPrometheusCounters(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	e, _ := newEngine(t, monitor.WithRegisterer(reg), monitor.WithDefaultRules())
	for i := 0; i < 3; i++ {
		e.LogEvent(ctx, monitor.EventInput{Type: monitor.EventAuthentication, Outcome: monitor.OutcomeFailure, Action: "login"})
	}
	e.LogEvent(ctx, monitor.EventInput{Type: monitor.EventSecurityIncident, Severity: monitor.SeverityCritical})
	e.Flush(ctx)

	if v := counter(t, reg, "trustkit_audit_events_total", map[string]string{"type": "authentication", "outcome": "failure"}); v != 3 {
		t.Fatalf("events counter = %v", v)
	}
	if v := counter(t, reg, "trustkit_rule_triggers_total", map[string]string{"rule": "critical-security-incident"}); v != 1 {
		t.Fatalf("rule trigger counter = %v", v)
	}
	if v := counter(t, reg, "trustkit_security_alerts_total", map[string]string{"severity": "critical"}); v != 1 {
		t.Fatalf("alert counter = %v", v)
	}
}

func counter(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	total := 0.0
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			have := map[string]string{}
			for _, lp := range m.GetLabel() {
				have[lp.GetName()] = lp.GetValue()
			}
			for k, v := range labels {
				if have[k] != v {
					continue metrics
				}
			}
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestStartDrainsInBackground(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e, err := monitor.New(
		monitor.WithLogger(logger.NewNullLogger()),
		monitor.WithConfig(monitor.Config{DrainInterval: 10 * time.Millisecond}),
	)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	e.Start(ctx)
	e.LogEvent(ctx, monitor.EventInput{Type: monitor.EventSystem})
	deadline := time.Now().Add(2 * time.Second)
	for e.QueueLen() > 0 || len(e.GetAuditLog(monitor.Filter{})) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("event was never drained")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
