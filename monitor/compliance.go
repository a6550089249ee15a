package monitor

import (
	"time"

	"github.com/oarkflow/trustkit/utils"
)

// GenerateComplianceReport summarises compliance-relevant events with
// start <= timestamp <= end. Critical alerts raised in the window are listed as
// violations.
func (e *Engine) GenerateComplianceReport(reportType string, start, end time.Time) ComplianceReport {
	r := ComplianceReport{
		ID:           utils.NewID(),
		Type:         reportType,
		Start:        start,
		End:          end,
		GeneratedAt:  e.now(),
		EventsByType: map[EventType]int{},
		Retention:    map[RetentionCategory]int{},
	}
	users := map[string]struct{}{}

	e.logMu.RLock()
	for _, ev := range e.events {
		if !ev.ComplianceRelevant || ev.Timestamp.Before(start) || ev.Timestamp.After(end) {
			continue
		}
		r.TotalEvents++
		r.EventsByType[ev.Type]++
		r.Retention[ev.RetentionCategory]++
		if ev.UserID != "" {
			users[ev.UserID] = struct{}{}
		}
		if ev.Outcome == OutcomeFailure {
			r.FailedEvents++
		}
	}
	e.logMu.RUnlock()
	r.UniqueUsers = len(users)

	e.alertsMu.RLock()
	for _, a := range e.alerts {
		if a.Severity != AlertCritical || a.Timestamp.Before(start) || a.Timestamp.After(end) {
			continue
		}
		r.Violations = append(r.Violations, a.clone())
	}
	e.alertsMu.RUnlock()
	return r
}
