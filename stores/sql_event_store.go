package stores

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/trustkit/monitor"
)

// SQLEventStore archives audit events and security alerts. It satisfies
// monitor.Archive.
type SQLEventStore struct {
	db *squealx.DB
}

func NewSQLEventStore(db *squealx.DB) *SQLEventStore {
	return &SQLEventStore{db: db}
}

func (s *SQLEventStore) AppendEvent(ctx context.Context, ev monitor.AuditEvent) error {
	loc := ""
	if ev.Location != nil {
		loc = mustJSON(ev.Location)
	}
	q := `INSERT OR IGNORE INTO audit_events(id, timestamp, type, severity, user_id, session_id, ip_address, resource, action, outcome, details_json, risk_score, correlation_id, location_json, device_fingerprint, compliance_relevant, retention_category) VALUES(:id, :timestamp, :type, :severity, :user_id, :session_id, :ip_address, :resource, :action, :outcome, :details_json, :risk_score, :correlation_id, :location_json, :device_fingerprint, :compliance_relevant, :retention_category)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":                  ev.ID,
		"timestamp":           ev.Timestamp,
		"type":                string(ev.Type),
		"severity":            string(ev.Severity),
		"user_id":             ev.UserID,
		"session_id":          ev.SessionID,
		"ip_address":          ev.IPAddress,
		"resource":            ev.Resource,
		"action":              ev.Action,
		"outcome":             string(ev.Outcome),
		"details_json":        mustJSON(ev.Details),
		"risk_score":          ev.RiskScore,
		"correlation_id":      ev.CorrelationID,
		"location_json":       loc,
		"device_fingerprint":  ev.DeviceFingerprint,
		"compliance_relevant": boolToInt(ev.ComplianceRelevant),
		"retention_category":  string(ev.RetentionCategory),
	})
	return err
}

func (s *SQLEventStore) AppendAlert(ctx context.Context, a monitor.SecurityAlert) error {
	q := `INSERT OR REPLACE INTO security_alerts(id, timestamp, type, severity, title, description, status, rule_id, source_events_json, affected_users_json, affected_resources_json, metadata_json) VALUES(:id, :timestamp, :type, :severity, :title, :description, :status, :rule_id, :source_events_json, :affected_users_json, :affected_resources_json, :metadata_json)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":                      a.ID,
		"timestamp":               a.Timestamp,
		"type":                    string(a.Type),
		"severity":                string(a.Severity),
		"title":                   a.Title,
		"description":             a.Description,
		"status":                  string(a.Status),
		"rule_id":                 a.RuleID,
		"source_events_json":      mustJSON(a.SourceEvents),
		"affected_users_json":     mustJSON(a.AffectedUsers),
		"affected_resources_json": mustJSON(a.AffectedResources),
		"metadata_json":           mustJSON(a.Metadata),
	})
	return err
}

// PurgeEvents deletes archived events of a category older than before.
func (s *SQLEventStore) PurgeEvents(ctx context.Context, category monitor.RetentionCategory, before time.Time) (int64, error) {
	q := `DELETE FROM audit_events WHERE retention_category = :category AND timestamp < :before`
	res, err := s.db.NamedExecContext(ctx, q, map[string]any{"category": string(category), "before": before})
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Events reads archived events matching f, oldest first. Without a limit at
// most 100 rows are returned.
func (s *SQLEventStore) Events(ctx context.Context, f monitor.Filter) ([]monitor.AuditEvent, error) {
	q := `SELECT id, timestamp, type, severity, user_id, session_id, ip_address, resource, action, outcome, details_json, risk_score, correlation_id, location_json, device_fingerprint, compliance_relevant, retention_category FROM audit_events WHERE 1=1`
	params := map[string]any{}
	if f.UserID != "" {
		q += " AND user_id = :user_id"
		params["user_id"] = f.UserID
	}
	if f.Type != "" {
		q += " AND type = :type"
		params["type"] = string(f.Type)
	}
	if f.Severity != "" {
		q += " AND severity = :severity"
		params["severity"] = string(f.Severity)
	}
	if f.Outcome != "" {
		q += " AND outcome = :outcome"
		params["outcome"] = string(f.Outcome)
	}
	if f.Resource != "" {
		q += " AND resource = :resource"
		params["resource"] = f.Resource
	}
	if f.IPAddress != "" {
		q += " AND ip_address = :ip_address"
		params["ip_address"] = f.IPAddress
	}
	if !f.Since.IsZero() {
		q += " AND timestamp >= :since"
		params["since"] = f.Since
	}
	if !f.Until.IsZero() {
		q += " AND timestamp <= :until"
		params["until"] = f.Until
	}
	q += " ORDER BY timestamp"
	if f.Limit > 0 {
		q += " LIMIT :limit"
		params["limit"] = f.Limit
	} else {
		q += " LIMIT 100"
	}
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]monitor.AuditEvent, 0)
	for r.Next() {
		var ev monitor.AuditEvent
		var typ, sev, outcome, detailsJSON, locJSON, retention string
		var tsRaw any
		var compliance int
		if err := r.Scan(&ev.ID, &tsRaw, &typ, &sev, &ev.UserID, &ev.SessionID, &ev.IPAddress, &ev.Resource, &ev.Action, &outcome, &detailsJSON, &ev.RiskScore, &ev.CorrelationID, &locJSON, &ev.DeviceFingerprint, &compliance, &retention); err != nil {
			return nil, err
		}
		ev.Timestamp = scanTime(tsRaw)
		ev.Type = monitor.EventType(typ)
		ev.Severity = monitor.Severity(sev)
		ev.Outcome = monitor.Outcome(outcome)
		ev.ComplianceRelevant = compliance != 0
		ev.RetentionCategory = monitor.RetentionCategory(retention)
		_ = json.Unmarshal([]byte(detailsJSON), &ev.Details)
		if locJSON != "" {
			var loc monitor.Location
			if err := json.Unmarshal([]byte(locJSON), &loc); err == nil {
				ev.Location = &loc
			}
		}
		out = append(out, ev)
	}
	return out, nil
}

// Alerts reads archived alerts, oldest first. An empty status returns all.
func (s *SQLEventStore) Alerts(ctx context.Context, status monitor.AlertStatus) ([]monitor.SecurityAlert, error) {
	q := `SELECT id, timestamp, type, severity, title, description, status, rule_id, source_events_json, affected_users_json, affected_resources_json, metadata_json FROM security_alerts`
	params := map[string]any{}
	if status != "" {
		q += " WHERE status = :status"
		params["status"] = string(status)
	}
	q += " ORDER BY timestamp"
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]monitor.SecurityAlert, 0)
	for r.Next() {
		var a monitor.SecurityAlert
		var typ, sev, st, sourcesJSON, usersJSON, resourcesJSON, metaJSON string
		var tsRaw any
		if err := r.Scan(&a.ID, &tsRaw, &typ, &sev, &a.Title, &a.Description, &st, &a.RuleID, &sourcesJSON, &usersJSON, &resourcesJSON, &metaJSON); err != nil {
			return nil, err
		}
		a.Timestamp = scanTime(tsRaw)
		a.Type = monitor.AlertType(typ)
		a.Severity = monitor.AlertSeverity(sev)
		a.Status = monitor.AlertStatus(st)
		_ = json.Unmarshal([]byte(sourcesJSON), &a.SourceEvents)
		_ = json.Unmarshal([]byte(usersJSON), &a.AffectedUsers)
		_ = json.Unmarshal([]byte(resourcesJSON), &a.AffectedResources)
		_ = json.Unmarshal([]byte(metaJSON), &a.Metadata)
		out = append(out, a)
	}
	return out, nil
}
