// Package telemetry exposes Prometheus metrics for the client orchestrator
// and an optional local debug server that serves them.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the orchestrator's instrumentation. All methods are safe on a
// nil receiver so wiring metrics stays optional.
type Metrics struct {
	jobsStarted    prometheus.Counter
	jobsCompleted  prometheus.Counter
	jobsFailed     prometheus.Counter
	jobsCancelled  prometheus.Counter
	reconnects     prometheus.Counter
	suggestions    prometheus.Counter
	activeJobs     prometheus.Gauge
	messagesStored prometheus.Counter
}

// New registers the orchestrator metrics with the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		jobsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sitesmith",
			Name:      "generation_jobs_started_total",
			Help:      "Generation jobs submitted to the backend.",
		}),
		jobsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sitesmith",
			Name:      "generation_jobs_completed_total",
			Help:      "Generation jobs that finished successfully.",
		}),
		jobsFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sitesmith",
			Name:      "generation_jobs_failed_total",
			Help:      "Generation jobs that ended in failure, including timeouts.",
		}),
		jobsCancelled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sitesmith",
			Name:      "generation_jobs_cancelled_total",
			Help:      "Generation jobs cancelled by the user.",
		}),
		reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sitesmith",
			Name:      "transport_reconnects_total",
			Help:      "Transport reconnection attempts that succeeded.",
		}),
		suggestions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sitesmith",
			Name:      "suggestion_requests_total",
			Help:      "Suggestion requests actually dispatched after debouncing.",
		}),
		activeJobs: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "sitesmith",
			Name:      "generation_jobs_active",
			Help:      "Whether a generation job is currently active (0 or 1).",
		}),
		messagesStored: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sitesmith",
			Name:      "conversation_messages_stored_total",
			Help:      "Messages written through to the local cache.",
		}),
	}
}

func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.jobsStarted.Inc()
	m.activeJobs.Set(1)
}

func (m *Metrics) JobCompleted() {
	if m == nil {
		return
	}
	m.jobsCompleted.Inc()
	m.activeJobs.Set(0)
}

func (m *Metrics) JobFailed() {
	if m == nil {
		return
	}
	m.jobsFailed.Inc()
	m.activeJobs.Set(0)
}

func (m *Metrics) JobCancelled() {
	if m == nil {
		return
	}
	m.jobsCancelled.Inc()
	m.activeJobs.Set(0)
}

func (m *Metrics) Reconnected() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) SuggestionRequested() {
	if m == nil {
		return
	}
	m.suggestions.Inc()
}

func (m *Metrics) MessageStored() {
	if m == nil {
		return
	}
	m.messagesStored.Inc()
}
