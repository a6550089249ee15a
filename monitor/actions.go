package monitor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/oarkflow/trustkit/logger"
)

// Enforcer blocks principals on behalf of block_user and block_ip actions.
type Enforcer interface {
	BlockUser(ctx context.Context, userID string, d time.Duration, reason string) error
	BlockIP(ctx context.Context, ip string, d time.Duration, reason string) error
}

// Notification is what a notify action hands to the Notifier.
type Notification struct {
	RuleID   string         `json:"rule_id"`
	RuleName string         `json:"rule_name"`
	Channel  string         `json:"channel,omitempty"`
	Severity AlertSeverity  `json:"severity"`
	Message  string         `json:"message"`
	Event    AuditEvent     `json:"event"`
	Params   map[string]any `json:"params,omitempty"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// WebhookSender delivers webhook action payloads.
type WebhookSender interface {
	Send(ctx context.Context, url string, payload any) error
}

// Archive mirrors the in-memory log to durable storage.
type Archive interface {
	AppendEvent(ctx context.Context, ev AuditEvent) error
	AppendAlert(ctx context.Context, a SecurityAlert) error
	PurgeEvents(ctx context.Context, category RetentionCategory, before time.Time) (int64, error)
}

// DefaultBlockDuration applies when a block action carries no duration.
const DefaultBlockDuration = time.Hour

var errNoCollaborator = errors.New("no handler configured")

// runActions executes r's actions in order. alert and log run inline; the
// remaining actions go to the worker pool as one ordered job.
func (e *Engine) runActions(ctx context.Context, r Rule, ev *AuditEvent, sources []string) {
	var deferred []RuleAction
	for _, a := range r.Actions {
		switch a.Type {
		case ActionAlert:
			e.raiseAlert(ctx, ruleAlert(r, a, ev, sources, e.now()))
		case ActionLog:
			e.logger.Info("rule action", "rule", r.ID, "event", ev.ID, "type", string(ev.Type),
				"user", ev.UserID, "ip", ev.IPAddress, "message", paramString(a.Params, "message", r.Name))
		default:
			deferred = append(deferred, a)
		}
	}
	if len(deferred) == 0 {
		return
	}
	snapshot := ev.clone()
	e.dispatcher.submit("rule "+r.ID, func(ctx context.Context) error {
		var errs []error
		for _, a := range deferred {
			if err := e.external(ctx, r, a, snapshot); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", a.Type, err))
			}
		}
		return errors.Join(errs...)
	})
}

// external runs one action that talks to a collaborator. A panic fails only
// that action.
func (e *Engine) external(ctx context.Context, r Rule, a RuleAction, ev AuditEvent) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	reason := paramString(a.Params, "reason", r.Name)
	switch a.Type {
	case ActionBlockUser:
		if e.enforcer == nil {
			return errNoCollaborator
		}
		if ev.UserID == "" {
			return errors.New("event has no user")
		}
		return e.enforcer.BlockUser(ctx, ev.UserID, blockDuration(a.Params), reason)
	case ActionBlockIP:
		if e.enforcer == nil {
			return errNoCollaborator
		}
		if ev.IPAddress == "" {
			return errors.New("event has no ip address")
		}
		return e.enforcer.BlockIP(ctx, ev.IPAddress, blockDuration(a.Params), reason)
	case ActionNotify:
		if e.notifier == nil {
			return errNoCollaborator
		}
		return e.notifier.Notify(ctx, Notification{
			RuleID:   r.ID,
			RuleName: r.Name,
			Channel:  paramString(a.Params, "channel", ""),
			Severity: AlertSeverity(paramString(a.Params, "severity", string(AlertMedium))),
			Message:  paramString(a.Params, "message", r.Name),
			Event:    ev,
			Params:   a.Params,
		})
	case ActionWebhook:
		if e.webhook == nil {
			return errNoCollaborator
		}
		url := paramString(a.Params, "url", "")
		return e.webhook.Send(ctx, url, map[string]any{
			"rule":  map[string]any{"id": r.ID, "name": r.Name},
			"event": ev,
		})
	}
	return fmt.Errorf("unsupported action %q", a.Type)
}

// blockDuration reads the duration param: a number of seconds or a Go
// duration string.
func blockDuration(params map[string]any) time.Duration {
	switch v := params["duration"].(type) {
	case int:
		return time.Duration(v) * time.Second
	case int64:
		return time.Duration(v) * time.Second
	case float64:
		return time.Duration(v * float64(time.Second))
	case time.Duration:
		return v
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return DefaultBlockDuration
}

func paramString(params map[string]any, key, fallback string) string {
	if s, ok := params[key].(string); ok && s != "" {
		return s
	}
	return fallback
}

// dispatcher is a bounded worker pool. Jobs that do not fit the queue are
// dropped and counted.
type dispatcher struct {
	jobs    chan job
	timeout time.Duration
	logger  logger.Logger
	metrics *collectors

	mu      sync.RWMutex
	closed  bool
	pending sync.WaitGroup
	workers sync.WaitGroup
}

type job struct {
	name string
	run  func(context.Context) error
}

func newDispatcher(workers, queue int, timeout time.Duration, l logger.Logger, m *collectors) *dispatcher {
	d := &dispatcher{
		jobs:    make(chan job, queue),
		timeout: timeout,
		logger:  l,
		metrics: m,
	}
	for i := 0; i < workers; i++ {
		d.workers.Add(1)
		go d.work()
	}
	return d
}

func (d *dispatcher) submit(name string, run func(context.Context) error) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	d.pending.Add(1)
	select {
	case d.jobs <- job{name: name, run: run}:
		return true
	default:
		d.pending.Done()
		d.metrics.dropped.Inc()
		d.logger.Error("action queue full, job dropped", "job", name)
		return false
	}
}

func (d *dispatcher) work() {
	defer d.workers.Done()
	for j := range d.jobs {
		d.run(j)
	}
}

func (d *dispatcher) run(j job) {
	defer d.pending.Done()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("job panicked", "job", j.name, "panic", fmt.Sprint(r))
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if err := j.run(ctx); err != nil {
		d.metrics.actionErrors.Inc()
		d.logger.Error("job failed", "job", j.name, "error", err)
	}
}

func (d *dispatcher) wait() { d.pending.Wait() }

func (d *dispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.jobs)
	d.mu.Unlock()
	d.workers.Wait()
}
