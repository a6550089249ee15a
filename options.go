package trustkit

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// WithClock replaces time.Now. Tests use it to move time deterministically.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) error {
		if now == nil {
			return fmt.Errorf("clock must not be nil")
		}
		e.clock = now
		return nil
	}
}

// WithAuditSink forwards every decision and assignment change as an audit event.
func WithAuditSink(s AuditSink) EngineOption {
	return func(e *Engine) error {
		e.auditSink = s
		return nil
	}
}

// WithAssignmentStore enables write-through persistence of role assignments.
func WithAssignmentStore(s AssignmentStore) EngineOption {
	return func(e *Engine) error {
		e.store = s
		return nil
	}
}

// WithBlocklist denies requests from blocked users and addresses.
func WithBlocklist(b Blocklist) EngineOption {
	return func(e *Engine) error {
		e.blocklist = b
		return nil
	}
}

// WithRoleExpiredHook is called once per assignment deactivated by the sweep.
func WithRoleExpiredHook(fn func(RoleAssignment)) EngineOption {
	return func(e *Engine) error {
		e.onExpired = fn
		return nil
	}
}

// WithMFARiskThreshold sets the risk score above which step-up is required.
func WithMFARiskThreshold(score int) EngineOption {
	return func(e *Engine) error {
		if score < 0 || score > 100 {
			return fmt.Errorf("mfa risk threshold %d out of range", score)
		}
		e.mfaRiskThreshold = score
		return nil
	}
}

// WithDecisionLogSize bounds the in-memory decision log. Zero disables it.
func WithDecisionLogSize(n int) EngineOption {
	return func(e *Engine) error {
		if n < 0 {
			return fmt.Errorf("decision log size %d is negative", n)
		}
		e.logSize = n
		return nil
	}
}

func WithSweepInterval(d time.Duration) EngineOption {
	return func(e *Engine) error {
		if d <= 0 {
			return fmt.Errorf("sweep interval must be positive")
		}
		e.sweepInterval = d
		return nil
	}
}

// WithResolutionCache sizes the ristretto cache for permission resolution.
func WithResolutionCache(numCounters, maxCost, bufferItems int64) EngineOption {
	return func(e *Engine) error {
		if numCounters > 0 {
			e.cacheCounters = numCounters
		}
		if maxCost > 0 {
			e.cacheMaxCost = maxCost
		}
		if bufferItems > 0 {
			e.cacheBuffer = bufferItems
		}
		return nil
	}
}

// WithRegisterer registers the decision counter with r.
func WithRegisterer(r prometheus.Registerer) EngineOption {
	return func(e *Engine) error {
		e.registerer = r
		return nil
	}
}
