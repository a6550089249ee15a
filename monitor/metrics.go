package monitor

import (
	"strings"
	"time"
)

// CollectMetrics computes a rollup over the trailing hour, stores it and drops
// rollups older than the metrics retention.
func (e *Engine) CollectMetrics() Metrics {
	now := e.now()
	m := e.rollup(now.Add(-time.Hour), now)
	m.Timestamp = now

	e.metricsMu.Lock()
	defer e.metricsMu.Unlock()
	e.snapshots = append(e.snapshots, m)
	cutoff := now.Add(-e.cfg.MetricsRetention)
	keep := e.snapshots[:0]
	for _, s := range e.snapshots {
		if !s.Timestamp.Before(cutoff) {
			keep = append(keep, s)
		}
	}
	e.snapshots = keep
	return m
}

// GetMetrics returns the rollups of the last hours hours, oldest first.
func (e *Engine) GetMetrics(hours int) []Metrics {
	since := e.now().Add(-time.Duration(hours) * time.Hour)
	e.metricsMu.RLock()
	defer e.metricsMu.RUnlock()
	var out []Metrics
	for _, s := range e.snapshots {
		if !s.Timestamp.Before(since) {
			out = append(out, s)
		}
	}
	return out
}

func (e *Engine) rollup(from, to time.Time) Metrics {
	var m Metrics
	users := map[string]struct{}{}
	failures := 0

	e.logMu.RLock()
	defer e.logMu.RUnlock()
	for _, ev := range e.events {
		if ev.Timestamp.Before(from) || ev.Timestamp.After(to) {
			continue
		}
		m.TotalEvents++
		if ev.UserID != "" {
			users[ev.UserID] = struct{}{}
		}
		if ev.Outcome == OutcomeFailure {
			failures++
		}
		action := strings.ToLower(ev.Action)
		if ev.Type == EventAuthentication && action == "login" {
			switch ev.Outcome {
			case OutcomeSuccess:
				m.LoginSuccesses++
			case OutcomeFailure:
				m.LoginFailures++
			}
		}
		if flag(ev.Details, "mfaRequired") {
			m.MFARequired++
		}
		if flag(ev.Details, "newLocation") {
			m.NewLocations++
		}
		if ev.RiskScore > e.cfg.Risk.PrivilegedThreshold {
			m.PrivilegedActions++
		}
		if afterHours(ev.Timestamp) {
			m.AfterHoursActivity++
		}
		if ev.Type == EventDataAccess && e.cfg.Risk.sensitive(ev.Resource) {
			m.SensitiveViews++
		}
		if strings.Contains(action, "export") {
			m.Exports++
		}
		if ev.Type == EventDataModification {
			m.Modifications++
		}
		if strings.HasPrefix(action, "bulk") || flag(ev.Details, "bulk") {
			m.BulkOperations++
		}
	}
	m.UniqueUsers = len(users)
	if m.TotalEvents > 0 {
		m.ErrorRate = float64(failures) / float64(m.TotalEvents)
	}
	return m
}

func flag(details map[string]any, key string) bool {
	v, _ := details[key].(bool)
	return v
}
