package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/oarkflow/trustkit/logger"
	"github.com/oarkflow/trustkit/utils"
)

// Engine is the security monitoring engine. Events are queued by LogEvent and
// processed by a single drain at a time, in arrival order.
type Engine struct {
	cfg    Config
	logger logger.Logger
	clock  func() time.Time

	queueMu sync.Mutex
	queue   []*AuditEvent

	drainMu sync.Mutex

	logMu  sync.RWMutex
	events []*AuditEvent
	byUser map[string][]*AuditEvent
	byID   map[string]*AuditEvent

	rulesMu sync.RWMutex
	rules   []*Rule

	alertsMu sync.RWMutex
	alerts   []*SecurityAlert

	metricsMu sync.RWMutex
	snapshots []Metrics

	lastVolumeAlert map[string]time.Time

	bus        *bus
	dispatcher *dispatcher
	inflight   sync.WaitGroup

	enforcer Enforcer
	notifier Notifier
	webhook  WebhookSender
	archive  Archive

	metrics      *collectors
	registerer   prometheus.Registerer
	extraRules   []Rule
	defaultRules bool

	stopCh    chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine) error

// New builds a monitoring engine. Background loops start with Start; until then
// events are processed by Flush or by critical events.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg:             DefaultConfig(),
		clock:           time.Now,
		byUser:          make(map[string][]*AuditEvent),
		byID:            make(map[string]*AuditEvent),
		lastVolumeAlert: make(map[string]time.Time),
		metrics:         newCollectors(),
		stopCh:          make(chan struct{}),
	}
	for _, o := range opts {
		if err := o(e); err != nil {
			return nil, err
		}
	}
	e.logger = logger.With(logger.OrDefault(e.logger), "component", "monitor")
	e.cfg = e.cfg.withDefaults()
	e.bus = newBus(e.logger)

	var rules []Rule
	if e.defaultRules || e.cfg.DefaultRules {
		rules = append(rules, DefaultRules()...)
	}
	rules = append(rules, e.cfg.Rules...)
	rules = append(rules, e.extraRules...)
	for _, r := range rules {
		if err := e.AddMonitoringRule(r); err != nil {
			return nil, err
		}
	}
	if e.registerer != nil {
		if err := e.metrics.register(e.registerer); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	e.dispatcher = newDispatcher(e.cfg.Workers, e.cfg.WorkerQueue, e.cfg.ActionTimeout, e.logger, e.metrics)
	return e, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) now() time.Time { return e.clock() }

// LogEvent completes the partial event, queues it and returns its id. Critical
// events are drained immediately.
func (e *Engine) LogEvent(ctx context.Context, in EventInput) string {
	ev := e.build(in)
	e.queueMu.Lock()
	e.queue = append(e.queue, ev)
	depth := len(e.queue)
	e.queueMu.Unlock()
	e.metrics.queueDepth.Set(float64(depth))

	if ev.Severity == SeverityCritical {
		e.tryDrain(ctx)
	}
	return ev.ID
}

func (e *Engine) build(in EventInput) *AuditEvent {
	ts := in.Timestamp
	if ts.IsZero() {
		ts = e.now()
	}
	ev := &AuditEvent{
		ID:                in.ID,
		Timestamp:         ts,
		Type:              in.Type,
		Severity:          in.Severity,
		UserID:            in.UserID,
		SessionID:         in.SessionID,
		IPAddress:         in.IPAddress,
		Resource:          in.Resource,
		Action:            in.Action,
		Outcome:           in.Outcome,
		Details:           cloneMap(in.Details),
		CorrelationID:     in.CorrelationID,
		DeviceFingerprint: in.DeviceFingerprint,
		RetentionCategory: in.RetentionCategory,
	}
	if ev.ID == "" {
		ev.ID = utils.NewEventID(ts)
	}
	if ev.Type == "" {
		ev.Type = EventSystem
	}
	if ev.Severity == "" {
		ev.Severity = SeverityInfo
	}
	if ev.Outcome == "" {
		ev.Outcome = OutcomeSuccess
	}
	if ev.CorrelationID == "" {
		ev.CorrelationID = utils.NewID()
	}
	if ev.Details == nil {
		ev.Details = map[string]any{}
	}
	if in.Location != nil {
		l := *in.Location
		ev.Location = &l
	}
	if in.RiskScore != nil {
		ev.RiskScore = clamp(*in.RiskScore, 0, 100)
	} else {
		ev.RiskScore = e.cfg.Risk.Score(ev.Type, ev.Outcome, ev.Resource, ts)
	}
	if in.ComplianceRelevant != nil {
		ev.ComplianceRelevant = *in.ComplianceRelevant
	} else {
		ev.ComplianceRelevant = ComplianceRelevant(ev.Type)
	}
	if ev.RetentionCategory == "" {
		ev.RetentionCategory = e.cfg.Risk.Retention(ev.Type, ev.RiskScore)
	}
	return ev
}

// tryDrain drains unless another drain is running. Whoever holds drainMu
// re-checks the queue after unlocking, so an event whose TryLock lost to a
// finishing drain is not left for the next tick.
func (e *Engine) tryDrain(ctx context.Context) {
	for e.drainMu.TryLock() {
		e.drain(ctx)
		e.drainMu.Unlock()
		if e.QueueLen() == 0 {
			return
		}
	}
}

// releaseDrain unlocks drainMu taken with Lock and picks up anything queued
// while it was held.
func (e *Engine) releaseDrain(ctx context.Context) {
	e.drainMu.Unlock()
	if e.QueueLen() > 0 {
		e.tryDrain(ctx)
	}
}

// Flush drains the queue and waits for queued actions, subscribers and archive
// writes to finish.
func (e *Engine) Flush(ctx context.Context) {
	e.drainMu.Lock()
	e.drain(ctx)
	e.releaseDrain(ctx)
	e.dispatcher.wait()
	e.inflight.Wait()
}

// drain processes queued events until the queue is empty. Callers hold drainMu.
func (e *Engine) drain(ctx context.Context) int {
	start := time.Now()
	n := 0
	for {
		e.queueMu.Lock()
		batch := e.queue
		e.queue = nil
		e.queueMu.Unlock()
		if len(batch) == 0 {
			break
		}
		for _, ev := range batch {
			e.process(ctx, ev)
			n++
		}
	}
	e.metrics.queueDepth.Set(0)
	if n > 0 {
		e.metrics.drainSeconds.Observe(time.Since(start).Seconds())
	}
	return n
}

// process runs one event through the pipeline. Anomaly detection sees the
// history before the event is appended and may annotate its details; rules run
// after the append so threshold windows include the event.
func (e *Engine) process(ctx context.Context, ev *AuditEvent) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("event processing panicked", "event", ev.ID, "panic", fmt.Sprint(r))
		}
	}()
	if !e.cfg.Anomaly.Disabled {
		e.detectAnomalies(ctx, ev)
	}
	e.append(ev)
	e.evaluateRules(ctx, ev)
	e.metrics.events.WithLabelValues(string(ev.Type), string(ev.Outcome), string(ev.Severity)).Inc()

	snapshot := ev.clone()
	e.bus.publish(ctx, &e.inflight, snapshot)
	if e.archive != nil {
		e.dispatcher.submit("archive event", func(ctx context.Context) error {
			return e.archive.AppendEvent(ctx, snapshot)
		})
	}
}

func (e *Engine) append(ev *AuditEvent) {
	e.logMu.Lock()
	e.events = append(e.events, ev)
	e.byID[ev.ID] = ev
	if ev.UserID != "" {
		e.byUser[ev.UserID] = append(e.byUser[ev.UserID], ev)
	}
	e.logMu.Unlock()
}

// GetAuditLog returns copies of matching events in arrival order. With a limit
// only the most recent matches are returned.
func (e *Engine) GetAuditLog(f Filter) []AuditEvent {
	e.logMu.RLock()
	defer e.logMu.RUnlock()
	src := e.events
	if f.UserID != "" {
		src = e.byUser[f.UserID]
	}
	var out []AuditEvent
	for _, ev := range src {
		if f.match(ev) {
			out = append(out, ev.clone())
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

// Event returns a copy of the event with the given id.
func (e *Engine) Event(id string) (AuditEvent, bool) {
	e.logMu.RLock()
	defer e.logMu.RUnlock()
	ev, ok := e.byID[id]
	if !ok {
		return AuditEvent{}, false
	}
	return ev.clone(), true
}

// QueueLen reports how many events await the next drain.
func (e *Engine) QueueLen() int {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()
	return len(e.queue)
}

// Start launches the drain, metrics and retention loops. They stop when ctx is
// done or Close is called.
func (e *Engine) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		e.loop(ctx, "drain", e.cfg.DrainInterval, func(ctx context.Context) { e.tryDrain(ctx) })
		e.loop(ctx, "metrics", e.cfg.MetricsInterval, func(ctx context.Context) { e.CollectMetrics() })
		e.loop(ctx, "retention", e.cfg.RetentionSweep, func(ctx context.Context) { e.PurgeExpired(ctx) })
	})
}

// loop runs fn every interval; a panicking tick is logged and the loop goes on.
func (e *Engine) loop(ctx context.Context, name string, interval time.Duration, fn func(context.Context)) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-e.stopCh:
				return
			case <-ticker.C:
				func() {
					defer func() {
						if r := recover(); r != nil {
							e.logger.Error("periodic job panicked", "job", name, "panic", fmt.Sprint(r))
						}
					}()
					fn(ctx)
				}()
			}
		}
	}()
}

// Close stops the loops, drains what is queued and waits for pending actions.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		close(e.stopCh)
		e.wg.Wait()
		e.Flush(context.Background())
		e.dispatcher.close()
	})
	return nil
}
