package monitor

import (
	"time"

	"github.com/oarkflow/trustkit/condition"
)

// DefaultRules returns the stock rule set. Each call returns fresh values.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:          "failed-login-attempts",
			Name:        "Multiple Failed Login Attempts",
			Description: "Repeated failed logins from one address",
			Enabled:     true,
			EventTypes:  []EventType{EventAuthentication},
			Conditions: []condition.Condition{
				condition.MustParse("outcome == failure"),
				condition.MustParse("action == login"),
			},
			Threshold:      &Threshold{Count: 5, TimeWindow: 15 * time.Minute},
			GroupBy:        []string{"ipAddress"},
			CooldownPeriod: time.Hour,
			Actions: []RuleAction{
				{Type: ActionAlert, Params: map[string]any{"severity": string(AlertHigh), "type": string(AlertThresholdBreach)}},
				{Type: ActionBlockIP, Params: map[string]any{"duration": 3600}},
			},
		},
		{
			ID:          "privilege-escalation",
			Name:        "Privilege Escalation Attempts",
			Description: "Repeated denied requests against privileged resources",
			Enabled:     true,
			EventTypes:  []EventType{EventAuthorization},
			Conditions: []condition.Condition{
				condition.MustParse("outcome == failure"),
				condition.MustParse(`resource in [admin, users, settings, audit, payments, roles]`),
			},
			Threshold:      &Threshold{Count: 3, TimeWindow: 10 * time.Minute},
			GroupBy:        []string{"userId"},
			CooldownPeriod: 30 * time.Minute,
			Actions: []RuleAction{
				{Type: ActionAlert, Params: map[string]any{"severity": string(AlertHigh)}},
				{Type: ActionNotify, Params: map[string]any{"channel": "security"}},
			},
		},
		{
			ID:          "sensitive-data-new-location",
			Name:        "Sensitive Data From New Location",
			Description: "Sensitive data viewed from a location new to the user",
			Enabled:     true,
			EventTypes:  []EventType{EventDataAccess},
			Conditions: []condition.Condition{
				condition.MustParse("details.newLocation == true"),
				condition.MustParse("riskScore >= 60"),
			},
			CooldownPeriod: time.Hour,
			Actions: []RuleAction{
				{Type: ActionAlert, Params: map[string]any{"severity": string(AlertHigh)}},
				{Type: ActionNotify, Params: map[string]any{"channel": "security"}},
			},
		},
		{
			ID:          "bulk-data-export",
			Name:        "Bulk Data Export",
			Description: "Many exports by one user within an hour",
			Enabled:     true,
			EventTypes:  []EventType{EventDataAccess},
			Conditions: []condition.Condition{
				condition.MustParse("action contains export"),
			},
			Threshold:      &Threshold{Count: 10, TimeWindow: time.Hour},
			GroupBy:        []string{"userId"},
			CooldownPeriod: time.Hour,
			Actions: []RuleAction{
				{Type: ActionAlert, Params: map[string]any{"severity": string(AlertMedium)}},
				{Type: ActionLog},
			},
		},
		{
			ID:          "high-risk-config-change",
			Name:        "High Risk Configuration Change",
			Description: "Configuration change with a high risk score",
			Enabled:     true,
			EventTypes:  []EventType{EventConfigurationChange},
			Conditions: []condition.Condition{
				condition.MustParse("riskScore >= 80"),
			},
			Actions: []RuleAction{
				{Type: ActionAlert, Params: map[string]any{"severity": string(AlertHigh)}},
				{Type: ActionNotify, Params: map[string]any{"channel": "security"}},
			},
		},
		{
			ID:          "critical-security-incident",
			Name:        "Critical Security Incident",
			Description: "A security incident reported with critical severity",
			Enabled:     true,
			EventTypes:  []EventType{EventSecurityIncident},
			Conditions: []condition.Condition{
				condition.MustParse("severity == critical"),
			},
			Actions: []RuleAction{
				{Type: ActionAlert, Params: map[string]any{"severity": string(AlertCritical), "type": string(AlertCriticalEvent)}},
				{Type: ActionNotify, Params: map[string]any{"channel": "security", "severity": string(AlertCritical)}},
				{Type: ActionLog},
			},
		},
	}
}
