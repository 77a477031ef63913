// Package metrics exposes Prometheus collectors for the engine. A nil
// *Engine is valid and records nothing, so callers never need to check.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const DefaultNamespace = "stepflow"

type Engine struct {
	toolCalls    *prometheus.CounterVec
	toolDuration *prometheus.HistogramVec
	blocked      *prometheus.CounterVec
	outcomes     *prometheus.CounterVec
	replans      prometheus.Counter
	postMortems  *prometheus.CounterVec
	requests     *prometheus.CounterVec
	reqDuration  prometheus.Histogram
}

// New creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func New(namespace string, reg prometheus.Registerer) (*Engine, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	e := &Engine{
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tool_calls_total",
			Help: "Tool calls by tool and result status.",
		}, []string{"tool", "status"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "tool_call_duration_seconds",
			Help:    "Tool call latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"}),
		blocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "skill_blocked_calls_total",
			Help: "Tool calls blocked inside a skill run, by reason.",
		}, []string{"skill", "reason"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "step_outcomes_total",
			Help: "Supervisor outcomes by step action.",
		}, []string{"action", "outcome"}),
		replans: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "replans_total",
			Help: "Replanning rounds started.",
		}),
		postMortems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "postmortem_analyses_total",
			Help: "Skill quality analyses triggered by the failure-weight threshold.",
		}, []string{"skill"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "requests_total",
			Help: "Finished requests by result.",
		}, []string{"result"}),
		reqDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "request_duration_seconds",
			Help:    "End-to-end request latency.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
	}
	if reg != nil {
		for _, c := range e.collectors() {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return e, nil
}

func (e *Engine) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		e.toolCalls, e.toolDuration, e.blocked, e.outcomes,
		e.replans, e.postMortems, e.requests, e.reqDuration,
	}
}

func (e *Engine) ObserveToolCall(tool, status string, d time.Duration) {
	if e == nil {
		return
	}
	e.toolCalls.WithLabelValues(tool, status).Inc()
	e.toolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

func (e *Engine) ObserveBlockedCall(skill, reason string) {
	if e == nil {
		return
	}
	e.blocked.WithLabelValues(skill, reason).Inc()
}

func (e *Engine) ObservePostMortem(skill string) {
	if e == nil {
		return
	}
	e.postMortems.WithLabelValues(skill).Inc()
}

func (e *Engine) ObserveStepOutcome(action, outcome string) {
	if e == nil {
		return
	}
	e.outcomes.WithLabelValues(action, outcome).Inc()
}

func (e *Engine) ObserveReplan() {
	if e == nil {
		return
	}
	e.replans.Inc()
}

// ObserveRequest records a finished request. result is one of "ok",
// "error", "timeout" or "awaiting_input".
func (e *Engine) ObserveRequest(result string, d time.Duration) {
	if e == nil {
		return
	}
	e.requests.WithLabelValues(result).Inc()
	e.reqDuration.Observe(d.Seconds())
}
