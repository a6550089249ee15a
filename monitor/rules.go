package monitor

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/oarkflow/trustkit/condition"
	"github.com/oarkflow/trustkit/utils"
)

// AddMonitoringRule validates r and installs it, replacing a rule with the
// same id.
func (e *Engine) AddMonitoringRule(r Rule) error {
	if err := ValidateRule(&r); err != nil {
		return err
	}
	r.EventTypes = slices.Clone(r.EventTypes)
	r.Conditions = slices.Clone(r.Conditions)
	r.Actions = slices.Clone(r.Actions)
	r.GroupBy = slices.Clone(r.GroupBy)
	if r.Threshold != nil {
		t := *r.Threshold
		r.Threshold = &t
	}
	e.rulesMu.Lock()
	defer e.rulesMu.Unlock()
	for i, existing := range e.rules {
		if existing.ID == r.ID {
			e.rules[i] = &r
			return nil
		}
	}
	e.rules = append(e.rules, &r)
	return nil
}

// RemoveMonitoringRule deletes a rule and reports whether it existed.
func (e *Engine) RemoveMonitoringRule(id string) bool {
	e.rulesMu.Lock()
	defer e.rulesMu.Unlock()
	for i, r := range e.rules {
		if r.ID == id {
			e.rules = slices.Delete(e.rules, i, i+1)
			return true
		}
	}
	return false
}

// SetRuleEnabled toggles a rule without losing its trigger state.
func (e *Engine) SetRuleEnabled(id string, enabled bool) error {
	e.rulesMu.Lock()
	defer e.rulesMu.Unlock()
	for _, r := range e.rules {
		if r.ID == id {
			r.Enabled = enabled
			return nil
		}
	}
	return fmt.Errorf("rule %s not found", id)
}

// Rules returns copies of the installed rules in installation order.
func (e *Engine) Rules() []Rule {
	e.rulesMu.RLock()
	defer e.rulesMu.RUnlock()
	out := make([]Rule, 0, len(e.rules))
	for _, r := range e.rules {
		c := *r
		if r.LastTriggered != nil {
			t := *r.LastTriggered
			c.LastTriggered = &t
		}
		out = append(out, c)
	}
	return out
}

// evaluateRules runs every enabled rule against ev. The event's timestamp is
// the reference time for both the cooldown and the threshold window.
func (e *Engine) evaluateRules(ctx context.Context, ev *AuditEvent) {
	tree := eventTree(ev)
	e.rulesMu.RLock()
	rules := slices.Clone(e.rules)
	e.rulesMu.RUnlock()

	for _, r := range rules {
		e.rulesMu.RLock()
		enabled, last := r.Enabled, r.LastTriggered
		e.rulesMu.RUnlock()
		if !enabled || !slices.Contains(r.EventTypes, ev.Type) {
			continue
		}
		if r.CooldownPeriod > 0 && last != nil && ev.Timestamp.Sub(*last) < r.CooldownPeriod {
			continue
		}
		ok, _, err := condition.All(r.Conditions, tree)
		if err != nil {
			e.logger.Error("rule condition failed", "rule", r.ID, "event", ev.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		sources := []string{ev.ID}
		if r.Threshold != nil {
			sources = e.windowMatches(r, ev)
			if len(sources) < r.Threshold.Count {
				continue
			}
		}
		e.trigger(ctx, r, ev, sources)
	}
}

// windowMatches returns ids of logged events that count toward r's threshold
// for ev, ev included.
func (e *Engine) windowMatches(r *Rule, ev *AuditEvent) []string {
	from := ev.Timestamp.Add(-r.Threshold.TimeWindow)
	group := groupValues(r.GroupBy, eventTree(ev))

	e.logMu.RLock()
	defer e.logMu.RUnlock()
	var ids []string
	for _, cand := range e.events {
		if cand.Timestamp.Before(from) || cand.Timestamp.After(ev.Timestamp) {
			continue
		}
		if !slices.Contains(r.EventTypes, cand.Type) {
			continue
		}
		tree := eventTree(cand)
		if !sameGroup(r.GroupBy, group, tree) {
			continue
		}
		if ok, _, err := condition.All(r.Conditions, tree); err != nil || !ok {
			continue
		}
		ids = append(ids, cand.ID)
	}
	return ids
}

func groupValues(fields []string, tree map[string]any) []string {
	out := make([]string, len(fields))
	for i, f := range fields {
		if v, err := utils.Lookup(tree, f); err == nil {
			out[i] = fmt.Sprint(v)
		}
	}
	return out
}

func sameGroup(fields, want []string, tree map[string]any) bool {
	for i, got := range groupValues(fields, tree) {
		if got != want[i] {
			return false
		}
	}
	return true
}

func (e *Engine) trigger(ctx context.Context, r *Rule, ev *AuditEvent, sources []string) {
	e.rulesMu.Lock()
	at := ev.Timestamp
	r.LastTriggered = &at
	r.TriggerCount++
	rule := *r
	e.rulesMu.Unlock()

	e.metrics.ruleTriggers.WithLabelValues(rule.ID).Inc()
	e.logger.Info("monitoring rule triggered", "rule", rule.ID, "event", ev.ID, "matches", len(sources))
	e.runActions(ctx, rule, ev, sources)
}

// eventTree flattens an event into the map conditions are evaluated against.
func eventTree(ev *AuditEvent) map[string]any {
	tree := map[string]any{
		"id":                 ev.ID,
		"type":               string(ev.Type),
		"severity":           string(ev.Severity),
		"outcome":            string(ev.Outcome),
		"riskScore":          ev.RiskScore,
		"correlationId":      ev.CorrelationID,
		"complianceRelevant": ev.ComplianceRelevant,
		"retentionCategory":  string(ev.RetentionCategory),
		"timestamp":          ev.Timestamp,
		"hour":               ev.Timestamp.Hour(),
		"weekday":            ev.Timestamp.Weekday().String(),
		"details":            ev.Details,
	}
	optional := map[string]string{
		"userId":            ev.UserID,
		"sessionId":         ev.SessionID,
		"ipAddress":         ev.IPAddress,
		"resource":          ev.Resource,
		"action":            ev.Action,
		"deviceFingerprint": ev.DeviceFingerprint,
	}
	for k, v := range optional {
		if v != "" {
			tree[k] = v
		}
	}
	if ev.Location != nil {
		tree["location"] = map[string]any{
			"country": ev.Location.Country,
			"region":  ev.Location.Region,
			"city":    ev.Location.City,
		}
	}
	return tree
}

// weekend reports Saturday and Sunday.
func weekend(ts time.Time) bool {
	d := ts.Weekday()
	return d == time.Saturday || d == time.Sunday
}
