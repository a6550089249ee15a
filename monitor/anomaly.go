package monitor

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Anomaly kinds, recorded in alert metadata under "anomaly".
const (
	AnomalyTime     = "time"
	AnomalyLocation = "location"
	AnomalyBehavior = "behavior"
	AnomalyVolume   = "volume"
)

// detectAnomalies compares ev with the user's earlier history. It runs before
// ev is appended, so the history never contains ev itself.
func (e *Engine) detectAnomalies(ctx context.Context, ev *AuditEvent) {
	if ev.UserID == "" {
		return
	}
	e.logMu.RLock()
	history := e.byUser[ev.UserID]
	e.logMu.RUnlock()

	cfg := e.cfg.Anomaly
	ref := ev.Timestamp
	baseline := window(history, ref.Add(-cfg.BaselineWindow), ref)
	recent := window(history, ref.Add(-cfg.RecentWindow), ref)

	if a := e.timeAnomaly(ev, baseline); a != nil {
		e.raiseAnomaly(ctx, AnomalyTime, a)
	}
	if a := e.locationAnomaly(ev, baseline); a != nil {
		ev.Details["newLocation"] = true
		e.raiseAnomaly(ctx, AnomalyLocation, a)
	}
	if a := e.behaviorAnomaly(ev, recent); a != nil {
		e.raiseAnomaly(ctx, AnomalyBehavior, a)
	}
	if a := e.volumeAnomaly(ev, recent); a != nil {
		e.raiseAnomaly(ctx, AnomalyVolume, a)
	}
}

// window returns events with from <= ts < to.
func window(events []*AuditEvent, from, to time.Time) []*AuditEvent {
	var out []*AuditEvent
	for _, ev := range events {
		if !ev.Timestamp.Before(from) && ev.Timestamp.Before(to) {
			out = append(out, ev)
		}
	}
	return out
}

// timeAnomaly flags off-hours or weekend activity far from the user's usual
// hour of day.
func (e *Engine) timeAnomaly(ev *AuditEvent, baseline []*AuditEvent) *SecurityAlert {
	if !afterHours(ev.Timestamp) && !weekend(ev.Timestamp) {
		return nil
	}
	if len(baseline) == 0 {
		return nil
	}
	sum := 0
	for _, h := range baseline {
		sum += h.Timestamp.Hour()
	}
	mean := float64(sum) / float64(len(baseline))
	hour := ev.Timestamp.Hour()
	if math.Abs(float64(hour)-mean) <= e.cfg.Anomaly.HourDeviation {
		return nil
	}
	return e.anomalyAlert(ev, AlertMedium, "Unusual access time",
		fmt.Sprintf("user %s active at %02d:00, usual hour %.1f", ev.UserID, hour, mean),
		map[string]any{"hour": hour, "meanHour": mean})
}

// locationAnomaly flags a (country, region) pair absent from the user's
// baseline. With RequireLocationBaseline set, users whose baseline carries no
// geolocated event are not flagged.
func (e *Engine) locationAnomaly(ev *AuditEvent, baseline []*AuditEvent) *SecurityAlert {
	if ev.Location == nil || (ev.Location.Country == "" && ev.Location.Region == "") {
		return nil
	}
	seen := 0
	for _, h := range baseline {
		if h.Location == nil || (h.Location.Country == "" && h.Location.Region == "") {
			continue
		}
		seen++
		if h.Location.Country == ev.Location.Country && h.Location.Region == ev.Location.Region {
			return nil
		}
	}
	if seen == 0 && e.cfg.Anomaly.RequireLocationBaseline {
		return nil
	}
	return e.anomalyAlert(ev, AlertHigh, "Access from new location",
		fmt.Sprintf("user %s seen in %s/%s for the first time", ev.UserID, ev.Location.Country, ev.Location.Region),
		map[string]any{"country": ev.Location.Country, "region": ev.Location.Region})
}

// behaviorAnomaly flags data access to a resource the user has not touched
// recently. RequireRecentActivity silences users with no recent events.
func (e *Engine) behaviorAnomaly(ev *AuditEvent, recent []*AuditEvent) *SecurityAlert {
	if ev.Type != EventDataAccess || ev.Resource == "" {
		return nil
	}
	if len(recent) == 0 && e.cfg.Anomaly.RequireRecentActivity {
		return nil
	}
	for _, h := range recent {
		if h.Resource == ev.Resource {
			return nil
		}
	}
	return e.anomalyAlert(ev, AlertMedium, "Unusual resource access",
		fmt.Sprintf("user %s accessed %s for the first time in %s", ev.UserID, ev.Resource, e.cfg.Anomaly.RecentWindow),
		map[string]any{"resource": ev.Resource})
}

// volumeAnomaly flags an hourly burst well above the user's average hourly
// rate. One alert per user per hour.
func (e *Engine) volumeAnomaly(ev *AuditEvent, recent []*AuditEvent) *SecurityAlert {
	cfg := e.cfg.Anomaly
	ref := ev.Timestamp
	lastHour := window(recent, ref.Add(-time.Hour), ref)
	burst := len(lastHour) + 1
	if burst < cfg.MinBurst {
		return nil
	}
	hours := cfg.RecentWindow.Hours()
	avg := float64(len(recent)) / hours
	if float64(burst) <= cfg.VolumeFactor*avg {
		return nil
	}
	if last, ok := e.lastVolumeAlert[ev.UserID]; ok && ref.Sub(last) < time.Hour && ref.Sub(last) >= 0 {
		return nil
	}
	e.lastVolumeAlert[ev.UserID] = ref

	a := e.anomalyAlert(ev, AlertHigh, "Unusual activity volume",
		fmt.Sprintf("user %s produced %d events in the last hour, average %.2f", ev.UserID, burst, avg),
		map[string]any{"count": burst, "hourlyAverage": avg})
	for _, h := range lastHour {
		a.SourceEvents = append(a.SourceEvents, h.ID)
	}
	return a
}

func (e *Engine) anomalyAlert(ev *AuditEvent, sev AlertSeverity, title, desc string, meta map[string]any) *SecurityAlert {
	meta["eventType"] = string(ev.Type)
	a := &SecurityAlert{
		Type:          AlertAnomaly,
		Severity:      sev,
		Title:         title,
		Description:   desc,
		Timestamp:     e.now(),
		SourceEvents:  []string{ev.ID},
		AffectedUsers: []string{ev.UserID},
		Metadata:      meta,
	}
	if ev.Resource != "" {
		a.AffectedResources = []string{ev.Resource}
	}
	return a
}

func (e *Engine) raiseAnomaly(ctx context.Context, kind string, a *SecurityAlert) {
	a.Metadata["anomaly"] = kind
	e.metrics.anomalies.WithLabelValues(kind).Inc()
	e.raiseAlert(ctx, a)
}
