package monitor

import (
	"time"

	"github.com/oarkflow/trustkit/condition"
)

// EventType classifies an audit event.
type EventType string

const (
	EventAuthentication      EventType = "authentication"
	EventAuthorization       EventType = "authorization"
	EventDataAccess          EventType = "data_access"
	EventDataModification    EventType = "data_modification"
	EventConfigurationChange EventType = "configuration_change"
	EventSecurityIncident    EventType = "security_incident"
	EventUserManagement      EventType = "user_management"
	EventSystem              EventType = "system_event"
)

// EventTypes lists every known event type.
var EventTypes = []EventType{
	EventAuthentication, EventAuthorization, EventDataAccess, EventDataModification,
	EventConfigurationChange, EventSecurityIncident, EventUserManagement, EventSystem,
}

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomePending Outcome = "pending"
)

// RetentionCategory selects how long an event is kept.
type RetentionCategory string

const (
	RetentionShort     RetentionCategory = "short"
	RetentionMedium    RetentionCategory = "medium"
	RetentionLong      RetentionCategory = "long"
	RetentionPermanent RetentionCategory = "permanent"
)

type Location struct {
	Country string `json:"country,omitempty" yaml:"country,omitempty"`
	Region  string `json:"region,omitempty" yaml:"region,omitempty"`
	City    string `json:"city,omitempty" yaml:"city,omitempty"`
}

// AuditEvent is an immutable entry of the audit log. The anomaly detector may
// add keys to Details before rules see the event.
type AuditEvent struct {
	ID                 string            `json:"id"`
	Timestamp          time.Time         `json:"timestamp"`
	Type               EventType         `json:"type"`
	Severity           Severity          `json:"severity"`
	UserID             string            `json:"user_id,omitempty"`
	SessionID          string            `json:"session_id,omitempty"`
	IPAddress          string            `json:"ip_address,omitempty"`
	Resource           string            `json:"resource,omitempty"`
	Action             string            `json:"action,omitempty"`
	Outcome            Outcome           `json:"outcome"`
	Details            map[string]any    `json:"details,omitempty"`
	RiskScore          int               `json:"risk_score"`
	CorrelationID      string            `json:"correlation_id"`
	Location           *Location         `json:"location,omitempty"`
	DeviceFingerprint  string            `json:"device_fingerprint,omitempty"`
	ComplianceRelevant bool              `json:"compliance_relevant"`
	RetentionCategory  RetentionCategory `json:"retention_category"`
}

// EventInput is the partial event accepted by LogEvent. Zero values mean
// "derive it": pointers distinguish an explicit zero from absence.
type EventInput struct {
	ID                 string            `json:"id,omitempty"`
	Timestamp          time.Time         `json:"timestamp,omitempty"`
	Type               EventType         `json:"type,omitempty"`
	Severity           Severity          `json:"severity,omitempty"`
	UserID             string            `json:"user_id,omitempty"`
	SessionID          string            `json:"session_id,omitempty"`
	IPAddress          string            `json:"ip_address,omitempty"`
	Resource           string            `json:"resource,omitempty"`
	Action             string            `json:"action,omitempty"`
	Outcome            Outcome           `json:"outcome,omitempty"`
	Details            map[string]any    `json:"details,omitempty"`
	RiskScore          *int              `json:"risk_score,omitempty"`
	CorrelationID      string            `json:"correlation_id,omitempty"`
	Location           *Location         `json:"location,omitempty"`
	DeviceFingerprint  string            `json:"device_fingerprint,omitempty"`
	ComplianceRelevant *bool             `json:"compliance_relevant,omitempty"`
	RetentionCategory  RetentionCategory `json:"retention_category,omitempty"`
}

// ActionType names what a triggered rule does.
type ActionType string

const (
	ActionAlert     ActionType = "alert"
	ActionBlockUser ActionType = "block_user"
	ActionBlockIP   ActionType = "block_ip"
	ActionNotify    ActionType = "notify"
	ActionLog       ActionType = "log"
	ActionWebhook   ActionType = "webhook"
)

type RuleAction struct {
	Type   ActionType     `json:"type" yaml:"type"`
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// Threshold requires Count matching events inside the trailing TimeWindow.
// Rule.GroupBy narrows the count to events sharing those fields with the
// triggering event.
type Threshold struct {
	Count      int           `json:"count" yaml:"count"`
	TimeWindow time.Duration `json:"time_window" yaml:"time_window"`
}

// Rule is a monitoring rule. LastTriggered and TriggerCount are maintained by
// the engine.
type Rule struct {
	ID             string                `json:"id" yaml:"id"`
	Name           string                `json:"name" yaml:"name"`
	Description    string                `json:"description,omitempty" yaml:"description,omitempty"`
	Enabled        bool                  `json:"enabled" yaml:"enabled"`
	EventTypes     []EventType           `json:"event_types" yaml:"event_types"`
	Conditions     []condition.Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Threshold      *Threshold            `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	GroupBy        []string              `json:"group_by,omitempty" yaml:"group_by,omitempty"`
	CooldownPeriod time.Duration         `json:"cooldown_period,omitempty" yaml:"cooldown_period,omitempty"`
	Actions        []RuleAction          `json:"actions" yaml:"actions"`
	LastTriggered  *time.Time            `json:"last_triggered,omitempty" yaml:"-"`
	TriggerCount   int                   `json:"trigger_count" yaml:"-"`
}

type AlertType string

const (
	AlertAnomaly             AlertType = "anomaly"
	AlertThresholdBreach     AlertType = "threshold_breach"
	AlertPatternMatch        AlertType = "pattern_match"
	AlertComplianceViolation AlertType = "compliance_violation"
	AlertCriticalEvent       AlertType = "critical_event"
)

type AlertSeverity string

const (
	AlertLow      AlertSeverity = "low"
	AlertMedium   AlertSeverity = "medium"
	AlertHigh     AlertSeverity = "high"
	AlertCritical AlertSeverity = "critical"
)

type AlertStatus string

const (
	StatusNew           AlertStatus = "new"
	StatusInvestigating AlertStatus = "investigating"
	StatusResolved      AlertStatus = "resolved"
	StatusFalsePositive AlertStatus = "false_positive"
)

// SecurityAlert is raised by rules and the anomaly detector.
type SecurityAlert struct {
	ID                string         `json:"id"`
	Type              AlertType      `json:"type"`
	Severity          AlertSeverity  `json:"severity"`
	Title             string         `json:"title"`
	Description       string         `json:"description"`
	Timestamp         time.Time      `json:"timestamp"`
	SourceEvents      []string       `json:"source_events"`
	AffectedUsers     []string       `json:"affected_users,omitempty"`
	AffectedResources []string       `json:"affected_resources,omitempty"`
	Status            AlertStatus    `json:"status"`
	RuleID            string         `json:"rule_id,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

func (a *SecurityAlert) clone() SecurityAlert {
	c := *a
	c.SourceEvents = append([]string(nil), a.SourceEvents...)
	c.AffectedUsers = append([]string(nil), a.AffectedUsers...)
	c.AffectedResources = append([]string(nil), a.AffectedResources...)
	c.Metadata = cloneMap(a.Metadata)
	return c
}

// Metrics is a rollup over the trailing hour at Timestamp.
type Metrics struct {
	Timestamp          time.Time `json:"timestamp"`
	TotalEvents        int       `json:"total_events"`
	LoginSuccesses     int       `json:"login_successes"`
	LoginFailures      int       `json:"login_failures"`
	MFARequired        int       `json:"mfa_required"`
	NewLocations       int       `json:"new_locations"`
	UniqueUsers        int       `json:"unique_users"`
	PrivilegedActions  int       `json:"privileged_actions"`
	AfterHoursActivity int       `json:"after_hours_activity"`
	SensitiveViews     int       `json:"sensitive_views"`
	Exports            int       `json:"exports"`
	Modifications      int       `json:"modifications"`
	BulkOperations     int       `json:"bulk_operations"`
	ErrorRate          float64   `json:"error_rate"`
}

// ComplianceReport summarises compliance-relevant events in a window.
type ComplianceReport struct {
	ID           string                    `json:"id"`
	Type         string                    `json:"type"`
	Start        time.Time                 `json:"start"`
	End          time.Time                 `json:"end"`
	GeneratedAt  time.Time                 `json:"generated_at"`
	TotalEvents  int                       `json:"total_events"`
	EventsByType map[EventType]int         `json:"events_by_type"`
	UniqueUsers  int                       `json:"unique_users"`
	FailedEvents int                       `json:"failed_events"`
	Violations   []SecurityAlert           `json:"violations"`
	Retention    map[RetentionCategory]int `json:"retention"`
}

// Filter selects audit log entries. Zero fields match everything.
type Filter struct {
	UserID    string
	Type      EventType
	Severity  Severity
	Outcome   Outcome
	Resource  string
	IPAddress string
	Since     time.Time
	Until     time.Time
	Limit     int
}

func (f Filter) match(e *AuditEvent) bool {
	switch {
	case f.UserID != "" && e.UserID != f.UserID:
		return false
	case f.Type != "" && e.Type != f.Type:
		return false
	case f.Severity != "" && e.Severity != f.Severity:
		return false
	case f.Outcome != "" && e.Outcome != f.Outcome:
		return false
	case f.Resource != "" && e.Resource != f.Resource:
		return false
	case f.IPAddress != "" && e.IPAddress != f.IPAddress:
		return false
	case !f.Since.IsZero() && e.Timestamp.Before(f.Since):
		return false
	case !f.Until.IsZero() && e.Timestamp.After(f.Until):
		return false
	}
	return true
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (e *AuditEvent) clone() AuditEvent {
	c := *e
	c.Details = cloneMap(e.Details)
	if e.Location != nil {
		l := *e.Location
		c.Location = &l
	}
	return c
}
