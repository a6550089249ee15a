package trustkit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oarkflow/trustkit/condition"
	"github.com/oarkflow/trustkit/monitor"
)

// Config represents the complete trustkit configuration
type Config struct {
	Version     int                `json:"version" yaml:"version"`
	Permissions []Permission       `json:"permissions" yaml:"permissions"`
	Roles       []RoleConfig       `json:"roles" yaml:"roles"`
	Hierarchy   ResourceHierarchy  `json:"hierarchy,omitempty" yaml:"hierarchy,omitempty"`
	Assignments []AssignmentConfig `json:"assignments,omitempty" yaml:"assignments,omitempty"`
	Engine      EngineConfig       `json:"engine" yaml:"engine"`
	Monitor     *monitor.Config    `json:"monitor,omitempty" yaml:"monitor,omitempty"`
}

// RoleConfig is the configured form of a Role. Roles are active unless Disabled.
type RoleConfig struct {
	ID           string     `json:"id" yaml:"id"`
	Name         string     `json:"name,omitempty" yaml:"name,omitempty"`
	Description  string     `json:"description,omitempty" yaml:"description,omitempty"`
	Permissions  []string   `json:"permissions" yaml:"permissions"`
	InheritsFrom []string   `json:"inherits_from,omitempty" yaml:"inherits_from,omitempty"`
	Disabled     bool       `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
	MaxUsers     int        `json:"max_users,omitempty" yaml:"max_users,omitempty"`
}

type AssignmentConfig struct {
	UserID     string                `json:"user_id" yaml:"user_id"`
	RoleID     string                `json:"role_id" yaml:"role_id"`
	AssignedBy string                `json:"assigned_by,omitempty" yaml:"assigned_by,omitempty"`
	ExpiresAt  *time.Time            `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
	Conditions []condition.Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
}

type EngineConfig struct {
	MFARiskThreshold int           `json:"mfa_risk_threshold,omitempty" yaml:"mfa_risk_threshold,omitempty"`
	DecisionLogSize  int           `json:"decision_log_size,omitempty" yaml:"decision_log_size,omitempty"`
	SweepInterval    time.Duration `json:"sweep_interval,omitempty" yaml:"sweep_interval,omitempty"`
	CacheNumCounters int64         `json:"cache_num_counters,omitempty" yaml:"cache_num_counters,omitempty"`
	CacheMaxCost     int64         `json:"cache_max_cost,omitempty" yaml:"cache_max_cost,omitempty"`
	CacheBufferItems int64         `json:"cache_buffer_items,omitempty" yaml:"cache_buffer_items,omitempty"`
}

// ConfigLoader loads configuration from various formats
type ConfigLoader struct{}

func NewConfigLoader() *ConfigLoader {
	return &ConfigLoader{}
}

func (l *ConfigLoader) LoadYAML(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *ConfigLoader) LoadJSON(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile picks the decoder from the file extension; anything that is not
// .json is read as YAML.
func (l *ConfigLoader) LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return l.LoadJSON(data)
	}
	return l.LoadYAML(data)
}

// ToYAML exports config to YAML
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// ToJSON exports config to JSON
func (c *Config) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// Catalog converts the configured permissions, roles and hierarchy.
func (c *Config) Catalog() Catalog {
	cat := Catalog{
		Permissions: append([]Permission(nil), c.Permissions...),
		Hierarchy:   c.Hierarchy.clone(),
	}
	for _, rc := range c.Roles {
		name := rc.Name
		if name == "" {
			name = rc.ID
		}
		cat.Roles = append(cat.Roles, Role{
			ID:           rc.ID,
			Name:         name,
			Description:  rc.Description,
			Permissions:  append([]string(nil), rc.Permissions...),
			InheritsFrom: append([]string(nil), rc.InheritsFrom...),
			IsActive:     !rc.Disabled,
			ExpiresAt:    rc.ExpiresAt,
			MaxUsers:     rc.MaxUsers,
		})
	}
	return cat
}

// Validate checks the catalog, assignment references and the monitor section.
func (c *Config) Validate() error {
	cat := c.Catalog()
	if err := cat.Validate(); err != nil {
		return err
	}
	roles := make(map[string]bool, len(cat.Roles))
	for _, r := range cat.Roles {
		roles[r.ID] = true
	}
	for i, a := range c.Assignments {
		if a.UserID == "" {
			return fmt.Errorf("assignment %d: user_id is required", i)
		}
		if !roles[a.RoleID] {
			return fmt.Errorf("assignment %d: %w: %s", i, ErrRoleNotFound, a.RoleID)
		}
		for _, cond := range a.Conditions {
			if err := cond.Validate(); err != nil {
				return fmt.Errorf("assignment %d: %w", i, err)
			}
		}
	}
	if c.Monitor != nil {
		if err := c.Monitor.Validate(); err != nil {
			return fmt.Errorf("monitor: %w", err)
		}
	}
	return nil
}

// Options translates engine settings into EngineOptions.
func (c *Config) Options() []EngineOption {
	var opts []EngineOption
	if c.Engine.MFARiskThreshold > 0 {
		opts = append(opts, WithMFARiskThreshold(c.Engine.MFARiskThreshold))
	}
	if c.Engine.DecisionLogSize > 0 {
		opts = append(opts, WithDecisionLogSize(c.Engine.DecisionLogSize))
	}
	if c.Engine.SweepInterval > 0 {
		opts = append(opts, WithSweepInterval(c.Engine.SweepInterval))
	}
	if c.Engine.CacheNumCounters > 0 || c.Engine.CacheMaxCost > 0 || c.Engine.CacheBufferItems > 0 {
		opts = append(opts, WithResolutionCache(c.Engine.CacheNumCounters, c.Engine.CacheMaxCost, c.Engine.CacheBufferItems))
	}
	return opts
}

// NewEngineFromConfig builds an engine and applies configured assignments.
// Options given by the caller override configured ones.
func NewEngineFromConfig(ctx context.Context, cfg *Config, opts ...EngineOption) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e, err := NewEngine(cfg.Catalog(), append(cfg.Options(), opts...)...)
	if err != nil {
		return nil, err
	}
	if err := e.ApplyAssignments(ctx, cfg.Assignments); err != nil {
		_ = e.Close()
		return nil, err
	}
	return e, nil
}

// ApplyAssignments assigns each configured role. A user that already holds the
// role is left as is.
func (e *Engine) ApplyAssignments(ctx context.Context, list []AssignmentConfig) error {
	for _, a := range list {
		by := a.AssignedBy
		if by == "" {
			by = "config"
		}
		res := e.AssignRole(ctx, a.UserID, a.RoleID, by, AssignOptions{ExpiresAt: a.ExpiresAt, Conditions: a.Conditions})
		if !res.Success && res.Message != "Role already assigned to user" {
			return fmt.Errorf("assign %s to %s: %s", a.RoleID, a.UserID, res.Message)
		}
	}
	return nil
}

// ConfigFromCatalog renders a catalog as a Config, e.g. to export the defaults.
func ConfigFromCatalog(cat Catalog) *Config {
	cfg := &Config{Version: 1, Permissions: append([]Permission(nil), cat.Permissions...), Hierarchy: cat.Hierarchy.clone()}
	for _, r := range cat.Roles {
		cfg.Roles = append(cfg.Roles, RoleConfig{
			ID:           r.ID,
			Name:         r.Name,
			Description:  r.Description,
			Permissions:  append([]string(nil), r.Permissions...),
			InheritsFrom: append([]string(nil), r.InheritsFrom...),
			Disabled:     !r.IsActive,
			ExpiresAt:    r.ExpiresAt,
			MaxUsers:     r.MaxUsers,
		})
	}
	return cfg
}
