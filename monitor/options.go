package monitor

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/oarkflow/trustkit/logger"
)

func WithLogger(l logger.Logger) Option {
	return func(e *Engine) error {
		e.logger = l
		return nil
	}
}

// WithClock replaces time.Now for timestamps, metrics and retention.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) error {
		if now == nil {
			return fmt.Errorf("clock must not be nil")
		}
		e.clock = now
		return nil
	}
}

// WithConfig replaces the configuration. Zero fields keep their defaults.
func WithConfig(cfg Config) Option {
	return func(e *Engine) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		e.cfg = cfg
		return nil
	}
}

// WithDefaultRules installs DefaultRules.
func WithDefaultRules() Option {
	return func(e *Engine) error {
		e.defaultRules = true
		return nil
	}
}

// WithRules installs additional rules at construction.
func WithRules(rules ...Rule) Option {
	return func(e *Engine) error {
		e.extraRules = append(e.extraRules, rules...)
		return nil
	}
}

// WithEnforcer handles block_user and block_ip actions.
func WithEnforcer(en Enforcer) Option {
	return func(e *Engine) error {
		e.enforcer = en
		return nil
	}
}

// WithNotifier handles notify actions.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) error {
		e.notifier = n
		return nil
	}
}

// WithWebhookSender handles webhook actions.
func WithWebhookSender(s WebhookSender) Option {
	return func(e *Engine) error {
		e.webhook = s
		return nil
	}
}

// WithArchive mirrors events and alerts to durable storage and lets the
// retention sweep purge it.
func WithArchive(a Archive) Option {
	return func(e *Engine) error {
		e.archive = a
		return nil
	}
}

// WithRegisterer registers the engine's Prometheus collectors with r.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(e *Engine) error {
		e.registerer = r
		return nil
	}
}
