package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/oarkflow/trustkit/utils"
)

// ruleAlert builds the alert for a triggered rule's alert action. Params
// "type", "severity", "title" and "description" override the defaults.
func ruleAlert(r Rule, a RuleAction, ev *AuditEvent, sources []string, now time.Time) *SecurityAlert {
	kind := AlertPatternMatch
	if r.Threshold != nil {
		kind = AlertThresholdBreach
	}
	alert := &SecurityAlert{
		Type:         AlertType(paramString(a.Params, "type", string(kind))),
		Severity:     AlertSeverity(paramString(a.Params, "severity", string(AlertMedium))),
		Title:        paramString(a.Params, "title", r.Name),
		Description:  paramString(a.Params, "description", r.Description),
		Timestamp:    now,
		SourceEvents: append([]string(nil), sources...),
		RuleID:       r.ID,
		Metadata: map[string]any{
			"eventType": string(ev.Type),
		},
	}
	if alert.Description == "" {
		alert.Description = fmt.Sprintf("rule %s matched event %s", r.ID, ev.ID)
	}
	if r.Threshold != nil {
		alert.Metadata["count"] = len(sources)
		alert.Metadata["window"] = r.Threshold.TimeWindow.String()
	}
	if ev.IPAddress != "" {
		alert.Metadata["ipAddress"] = ev.IPAddress
	}
	if ev.UserID != "" {
		alert.AffectedUsers = []string{ev.UserID}
	}
	if ev.Resource != "" {
		alert.AffectedResources = []string{ev.Resource}
	}
	return alert
}

// raiseAlert stores a new alert, counts it and fans it out.
func (e *Engine) raiseAlert(ctx context.Context, a *SecurityAlert) {
	if a.ID == "" {
		a.ID = utils.NewID()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = e.now()
	}
	if a.Status == "" {
		a.Status = StatusNew
	}
	e.alertsMu.Lock()
	e.alerts = append(e.alerts, a)
	snapshot := a.clone()
	e.alertsMu.Unlock()

	e.metrics.alerts.WithLabelValues(string(a.Type), string(a.Severity)).Inc()
	e.logger.Info("security alert", "id", a.ID, "type", string(a.Type), "severity", string(a.Severity), "title", a.Title)
	e.bus.publishAlert(ctx, &e.inflight, snapshot)
	if e.archive != nil {
		e.dispatcher.submit("archive alert", func(ctx context.Context) error {
			return e.archive.AppendAlert(ctx, snapshot)
		})
	}
}

// GetSecurityAlerts returns copies of alerts, oldest first. An empty status
// returns all of them.
func (e *Engine) GetSecurityAlerts(status AlertStatus) []SecurityAlert {
	e.alertsMu.RLock()
	defer e.alertsMu.RUnlock()
	var out []SecurityAlert
	for _, a := range e.alerts {
		if status == "" || a.Status == status {
			out = append(out, a.clone())
		}
	}
	return out
}

// Alert returns a copy of the alert with the given id.
func (e *Engine) Alert(id string) (SecurityAlert, bool) {
	e.alertsMu.RLock()
	defer e.alertsMu.RUnlock()
	for _, a := range e.alerts {
		if a.ID == id {
			return a.clone(), true
		}
	}
	return SecurityAlert{}, false
}

// UpdateAlertStatus moves an alert through its triage states.
func (e *Engine) UpdateAlertStatus(id string, status AlertStatus) error {
	switch status {
	case StatusNew, StatusInvestigating, StatusResolved, StatusFalsePositive:
	default:
		return fmt.Errorf("unknown alert status %q", status)
	}
	e.alertsMu.Lock()
	defer e.alertsMu.Unlock()
	for _, a := range e.alerts {
		if a.ID == id {
			a.Status = status
			return nil
		}
	}
	return fmt.Errorf("alert %s not found", id)
}
