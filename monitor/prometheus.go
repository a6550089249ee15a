package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

type collectors struct {
	events       *prometheus.CounterVec
	alerts       *prometheus.CounterVec
	ruleTriggers *prometheus.CounterVec
	anomalies    *prometheus.CounterVec
	queueDepth   prometheus.Gauge
	drainSeconds prometheus.Histogram
	dropped      prometheus.Counter
	actionErrors prometheus.Counter
}

func newCollectors() *collectors {
	return &collectors{
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trustkit_audit_events_total",
				Help: "Audit events processed, by type, outcome and severity.",
			},
			[]string{"type", "outcome", "severity"},
		),
		alerts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trustkit_security_alerts_total",
				Help: "Security alerts raised, by type and severity.",
			},
			[]string{"type", "severity"},
		),
		ruleTriggers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trustkit_rule_triggers_total",
				Help: "Monitoring rule triggers, by rule id.",
			},
			[]string{"rule"},
		),
		anomalies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trustkit_anomalies_total",
				Help: "Anomalies detected, by kind.",
			},
			[]string{"kind"},
		),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trustkit_event_queue_depth",
			Help: "Events waiting for the next drain.",
		}),
		drainSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "trustkit_drain_duration_seconds",
			Help:    "Time spent draining the event queue.",
			Buckets: prometheus.DefBuckets,
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trustkit_action_jobs_dropped_total",
			Help: "Rule action jobs dropped because the worker queue was full.",
		}),
		actionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trustkit_action_job_errors_total",
			Help: "Rule action and archive jobs that returned an error.",
		}),
	}
}

func (c *collectors) register(r prometheus.Registerer) error {
	for _, col := range []prometheus.Collector{
		c.events, c.alerts, c.ruleTriggers, c.anomalies,
		c.queueDepth, c.drainSeconds, c.dropped, c.actionErrors,
	} {
		if err := r.Register(col); err != nil {
			return err
		}
	}
	return nil
}
