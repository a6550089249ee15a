package monitor

import (
	"strings"
	"time"
)

// RiskModel scores events that arrive without a risk score. The weights are
// heuristics and are exposed as configuration.
type RiskModel struct {
	Base                map[EventType]int `json:"base,omitempty" yaml:"base,omitempty"`
	FailureBonus        int               `json:"failure_bonus,omitempty" yaml:"failure_bonus,omitempty"`
	SensitiveBonus      int               `json:"sensitive_bonus,omitempty" yaml:"sensitive_bonus,omitempty"`
	AfterHoursBonus     int               `json:"after_hours_bonus,omitempty" yaml:"after_hours_bonus,omitempty"`
	SensitiveMarkers    []string          `json:"sensitive_markers,omitempty" yaml:"sensitive_markers,omitempty"`
	PermanentAbove      int               `json:"permanent_above,omitempty" yaml:"permanent_above,omitempty"`
	PrivilegedThreshold int               `json:"privileged_threshold,omitempty" yaml:"privileged_threshold,omitempty"`
}

func DefaultRiskModel() RiskModel {
	return RiskModel{
		Base: map[EventType]int{
			EventAuthentication:      10,
			EventAuthorization:       20,
			EventDataAccess:          30,
			EventDataModification:    50,
			EventConfigurationChange: 70,
			EventSecurityIncident:    90,
			EventUserManagement:      60,
			EventSystem:              5,
		},
		FailureBonus:        20,
		SensitiveBonus:      30,
		AfterHoursBonus:     15,
		SensitiveMarkers:    []string{"sensitive", "admin"},
		PermanentAbove:      80,
		PrivilegedThreshold: 70,
	}
}

func (m RiskModel) withDefaults() RiskModel {
	d := DefaultRiskModel()
	if m.Base == nil {
		m.Base = d.Base
	}
	if m.FailureBonus == 0 {
		m.FailureBonus = d.FailureBonus
	}
	if m.SensitiveBonus == 0 {
		m.SensitiveBonus = d.SensitiveBonus
	}
	if m.AfterHoursBonus == 0 {
		m.AfterHoursBonus = d.AfterHoursBonus
	}
	if m.SensitiveMarkers == nil {
		m.SensitiveMarkers = d.SensitiveMarkers
	}
	if m.PermanentAbove == 0 {
		m.PermanentAbove = d.PermanentAbove
	}
	if m.PrivilegedThreshold == 0 {
		m.PrivilegedThreshold = d.PrivilegedThreshold
	}
	return m
}

// Score computes a 0..100 risk score from the event type, outcome, resource
// name and hour of day.
func (m RiskModel) Score(t EventType, outcome Outcome, resource string, ts time.Time) int {
	score := m.Base[t]
	if outcome == OutcomeFailure {
		score += m.FailureBonus
	}
	if m.sensitive(resource) {
		score += m.SensitiveBonus
	}
	if afterHours(ts) {
		score += m.AfterHoursBonus
	}
	return clamp(score, 0, 100)
}

func (m RiskModel) sensitive(resource string) bool {
	r := strings.ToLower(resource)
	for _, marker := range m.SensitiveMarkers {
		if marker != "" && strings.Contains(r, marker) {
			return true
		}
	}
	return false
}

// Retention picks the retention category for an event.
func (m RiskModel) Retention(t EventType, riskScore int) RetentionCategory {
	switch {
	case t == EventSecurityIncident || riskScore > m.PermanentAbove:
		return RetentionPermanent
	case t == EventDataModification || t == EventConfigurationChange:
		return RetentionLong
	case t == EventAuthentication || t == EventAuthorization:
		return RetentionMedium
	}
	return RetentionShort
}

// ComplianceRelevant reports whether events of type t belong in compliance reports.
func ComplianceRelevant(t EventType) bool {
	switch t {
	case EventAuthentication, EventAuthorization, EventDataAccess,
		EventDataModification, EventConfigurationChange, EventUserManagement:
		return true
	}
	return false
}

// afterHours is true before 06:00 and from 23:00.
func afterHours(ts time.Time) bool {
	h := ts.Hour()
	return h < 6 || h > 22
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
