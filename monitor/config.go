package monitor

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config tunes the monitoring engine. Zero fields take the defaults from
// DefaultConfig.
type Config struct {
	DrainInterval    time.Duration   `json:"drain_interval,omitempty" yaml:"drain_interval,omitempty"`
	MetricsInterval  time.Duration   `json:"metrics_interval,omitempty" yaml:"metrics_interval,omitempty"`
	MetricsRetention time.Duration   `json:"metrics_retention,omitempty" yaml:"metrics_retention,omitempty"`
	RetentionSweep   time.Duration   `json:"retention_sweep,omitempty" yaml:"retention_sweep,omitempty"`
	Workers          int             `json:"workers,omitempty" yaml:"workers,omitempty"`
	WorkerQueue      int             `json:"worker_queue,omitempty" yaml:"worker_queue,omitempty"`
	ActionTimeout    time.Duration   `json:"action_timeout,omitempty" yaml:"action_timeout,omitempty"`
	Retention        RetentionConfig `json:"retention" yaml:"retention"`
	Anomaly          AnomalyConfig   `json:"anomaly" yaml:"anomaly"`
	Risk             RiskModel       `json:"risk" yaml:"risk"`
	DefaultRules     bool            `json:"default_rules,omitempty" yaml:"default_rules,omitempty"`
	Rules            []Rule          `json:"rules,omitempty" yaml:"rules,omitempty"`
}

// RetentionConfig holds how long each category is kept. Permanent events are
// never purged.
type RetentionConfig struct {
	Short  time.Duration `json:"short,omitempty" yaml:"short,omitempty"`
	Medium time.Duration `json:"medium,omitempty" yaml:"medium,omitempty"`
	Long   time.Duration `json:"long,omitempty" yaml:"long,omitempty"`
}

// Window returns the retention window of c and false for permanent events.
func (r RetentionConfig) Window(c RetentionCategory) (time.Duration, bool) {
	switch c {
	case RetentionShort:
		return r.Short, true
	case RetentionMedium:
		return r.Medium, true
	case RetentionLong:
		return r.Long, true
	}
	return 0, false
}

type AnomalyConfig struct {
	Disabled       bool          `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	BaselineWindow time.Duration `json:"baseline_window,omitempty" yaml:"baseline_window,omitempty"`
	RecentWindow   time.Duration `json:"recent_window,omitempty" yaml:"recent_window,omitempty"`
	HourDeviation  float64       `json:"hour_deviation,omitempty" yaml:"hour_deviation,omitempty"`
	VolumeFactor   float64       `json:"volume_factor,omitempty" yaml:"volume_factor,omitempty"`
	MinBurst       int           `json:"min_burst,omitempty" yaml:"min_burst,omitempty"`
	// Noise filters for new users. Both are off by default.
	RequireLocationBaseline bool `json:"require_location_baseline,omitempty" yaml:"require_location_baseline,omitempty"`
	RequireRecentActivity   bool `json:"require_recent_activity,omitempty" yaml:"require_recent_activity,omitempty"`
}

// DefaultConfig returns the stock tunables.
func DefaultConfig() Config {
	return Config{
		DrainInterval:    time.Second,
		MetricsInterval:  5 * time.Minute,
		MetricsRetention: 24 * time.Hour,
		RetentionSweep:   time.Hour,
		Workers:          4,
		WorkerQueue:      256,
		ActionTimeout:    5 * time.Second,
		Retention: RetentionConfig{
			Short:  30 * 24 * time.Hour,
			Medium: 90 * 24 * time.Hour,
			Long:   7 * 365 * 24 * time.Hour,
		},
		Anomaly: AnomalyConfig{
			BaselineWindow: 30 * 24 * time.Hour,
			RecentWindow:   7 * 24 * time.Hour,
			HourDeviation:  4,
			VolumeFactor:   3,
			MinBurst:       10,
		},
		Risk: DefaultRiskModel(),
	}
}

// withDefaults fills zero fields of c from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DrainInterval <= 0 {
		c.DrainInterval = d.DrainInterval
	}
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = d.MetricsInterval
	}
	if c.MetricsRetention <= 0 {
		c.MetricsRetention = d.MetricsRetention
	}
	if c.RetentionSweep <= 0 {
		c.RetentionSweep = d.RetentionSweep
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.WorkerQueue <= 0 {
		c.WorkerQueue = d.WorkerQueue
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = d.ActionTimeout
	}
	if c.Retention.Short <= 0 {
		c.Retention.Short = d.Retention.Short
	}
	if c.Retention.Medium <= 0 {
		c.Retention.Medium = d.Retention.Medium
	}
	if c.Retention.Long <= 0 {
		c.Retention.Long = d.Retention.Long
	}
	if c.Anomaly.BaselineWindow <= 0 {
		c.Anomaly.BaselineWindow = d.Anomaly.BaselineWindow
	}
	if c.Anomaly.RecentWindow <= 0 {
		c.Anomaly.RecentWindow = d.Anomaly.RecentWindow
	}
	if c.Anomaly.HourDeviation <= 0 {
		c.Anomaly.HourDeviation = d.Anomaly.HourDeviation
	}
	if c.Anomaly.VolumeFactor <= 0 {
		c.Anomaly.VolumeFactor = d.Anomaly.VolumeFactor
	}
	if c.Anomaly.MinBurst <= 0 {
		c.Anomaly.MinBurst = d.Anomaly.MinBurst
	}
	c.Risk = c.Risk.withDefaults()
	return c
}

// Validate checks every configured rule.
func (c *Config) Validate() error {
	for i := range c.Rules {
		if err := ValidateRule(&c.Rules[i]); err != nil {
			return err
		}
	}
	return nil
}

// LoadConfigYAML decodes a standalone monitor configuration.
func LoadConfigYAML(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// ValidateRule checks a rule's identity, event types, conditions and actions.
func ValidateRule(r *Rule) error {
	if r.ID == "" {
		return fmt.Errorf("rule %q: id is required", r.Name)
	}
	if len(r.EventTypes) == 0 {
		return fmt.Errorf("rule %s: at least one event type is required", r.ID)
	}
	for _, t := range r.EventTypes {
		if !knownEventType(t) {
			return fmt.Errorf("rule %s: unknown event type %q", r.ID, t)
		}
	}
	for _, c := range r.Conditions {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("rule %s: %w", r.ID, err)
		}
	}
	if r.Threshold != nil && (r.Threshold.Count <= 0 || r.Threshold.TimeWindow <= 0) {
		return fmt.Errorf("rule %s: threshold needs a positive count and time window", r.ID)
	}
	for _, a := range r.Actions {
		switch a.Type {
		case ActionAlert, ActionBlockUser, ActionBlockIP, ActionNotify, ActionLog:
		case ActionWebhook:
			if _, ok := a.Params["url"].(string); !ok {
				return fmt.Errorf("rule %s: webhook action requires a url", r.ID)
			}
		default:
			return fmt.Errorf("rule %s: unknown action %q", r.ID, a.Type)
		}
	}
	return nil
}

func knownEventType(t EventType) bool {
	for _, k := range EventTypes {
		if k == t {
			return true
		}
	}
	return false
}
