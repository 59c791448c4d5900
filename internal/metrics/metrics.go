// Package metrics exports the §6 metrics snapshot (workflow counts, pending
// human tasks, success rate, average duration, per-dimension resource
// utilization, event-bus dropped/batch counters) as Prometheus series,
// using github.com/prometheus/client_golang in place of the teacher's
// hand-rolled exposition format in internal/observability.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowforge/orchestrator/internal/eventbus"
	"github.com/flowforge/orchestrator/internal/platform/dbctx"
	"github.com/flowforge/orchestrator/internal/platform/logger"
	"github.com/flowforge/orchestrator/internal/resourcepool"
	"github.com/flowforge/orchestrator/internal/store"
)

// Metrics holds one process's Prometheus series. Construct with New; it
// registers against its own Registry rather than prometheus's global
// DefaultRegisterer so a process can run more than one Metrics (tests, or
// a future multi-tenant engine) without a duplicate-registration panic.
type Metrics struct {
	registry *prometheus.Registry

	apiRequests *prometheus.CounterVec
	apiLatency  *prometheus.HistogramVec
	apiInflight prometheus.Gauge

	workflowsTotal     prometheus.Gauge
	workflowsCompleted prometheus.Gauge
	workflowsFailed    prometheus.Gauge
	workflowsActive    prometheus.Gauge
	pendingHumanTasks  prometheus.Gauge
	successRate        prometheus.Gauge
	averageDuration    prometheus.Gauge

	resourceUtilization *prometheus.GaugeVec

	eventBusDropped        prometheus.Gauge
	eventBusFlushedBatches prometheus.Gauge
}

// New constructs and registers every series. baseLog is unused today but
// kept for parity with the rest of the platform's constructors, which all
// accept a *logger.Logger even when they don't log on the happy path.
func New(baseLog *logger.Logger) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		apiRequests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_api_requests_total",
			Help: "Total API requests by method/route/status.",
		}, []string{"method", "route", "status"}),
		apiLatency: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orchestrator_api_request_duration_seconds",
			Help:    "API request latency in seconds by method/route/status.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"method", "route", "status"}),
		apiInflight: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_api_inflight_requests",
			Help: "In-flight API requests.",
		}),
		workflowsTotal: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_workflows_total",
			Help: "Total workflow executions ever started.",
		}),
		workflowsCompleted: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_workflows_completed",
			Help: "Workflow executions that reached completed.",
		}),
		workflowsFailed: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_workflows_failed",
			Help: "Workflow executions that reached failed.",
		}),
		workflowsActive: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_workflows_active",
			Help: "Workflow executions not yet terminal.",
		}),
		pendingHumanTasks: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_pending_human_tasks",
			Help: "Human tasks awaiting a response.",
		}),
		successRate: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_workflow_success_rate",
			Help: "completed / (completed + failed), 0 when neither has happened yet.",
		}),
		averageDuration: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_workflow_average_duration_seconds",
			Help: "Average duration of workflows that have recorded one.",
		}),
		resourceUtilization: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "orchestrator_resource_utilization_ratio",
			Help: "Fraction of pool capacity in use, by resource dimension.",
		}, []string{"dimension"}),
		eventBusDropped: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_eventbus_dropped_updates_total",
			Help: "Events dropped by the event bus (publishes after close, or discarded on close).",
		}),
		eventBusFlushedBatches: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_eventbus_flushed_batches_total",
			Help: "Event batches flushed to subscribers.",
		}),
	}
	return m
}

// ObserveAPI records one finished HTTP request. Mirrors the teacher's
// observability.Metrics.ObserveAPI.
func (m *Metrics) ObserveAPI(method, route, status string, dur time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if status == "" {
		status = "0"
	}
	m.apiRequests.WithLabelValues(method, route, status).Inc()
	m.apiLatency.WithLabelValues(method, route, status).Observe(dur.Seconds())
}

func (m *Metrics) ApiInflightInc() {
	if m == nil {
		return
	}
	m.apiInflight.Inc()
}

func (m *Metrics) ApiInflightDec() {
	if m == nil {
		return
	}
	m.apiInflight.Dec()
}

// Handler serves this Metrics' series in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartCollector polls the store, resource pool, and event bus on interval
// and republishes their snapshots as gauges, the same ticker-loop shape as
// the teacher's observability.Metrics.StartPostgresCollector/
// StartRedisCollector/StartJobQueueCollector.
func (m *Metrics) StartCollector(ctx context.Context, log *logger.Logger, interval time.Duration, st *store.Store, pool *resourcepool.Pool, bus *eventbus.Bus) {
	if m == nil || interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.collectOnce(ctx, log, st, pool, bus)
			}
		}
	}()
}

func (m *Metrics) collectOnce(ctx context.Context, log *logger.Logger, st *store.Store, pool *resourcepool.Pool, bus *eventbus.Bus) {
	if st != nil {
		snap, err := st.LoadMetrics(dbctx.Context{Ctx: ctx})
		if err != nil {
			if log != nil {
				log.Warn("metrics: load snapshot failed", "error", err)
			}
		} else {
			m.workflowsTotal.Set(float64(snap.TotalWorkflows))
			m.workflowsCompleted.Set(float64(snap.CompletedWorkflows))
			m.workflowsFailed.Set(float64(snap.FailedWorkflows))
			m.workflowsActive.Set(float64(snap.ActiveWorkflows))
			m.pendingHumanTasks.Set(float64(snap.PendingHumanTasks))
			m.averageDuration.Set(snap.AverageDurationMS / 1000)
			if finished := snap.CompletedWorkflows + snap.FailedWorkflows; finished > 0 {
				m.successRate.Set(float64(snap.CompletedWorkflows) / float64(finished))
			} else {
				m.successRate.Set(0)
			}
		}
	}
	if pool != nil {
		u := pool.Utilization()
		m.resourceUtilization.WithLabelValues("cpu").Set(u.CPU)
		m.resourceUtilization.WithLabelValues("memory").Set(u.Memory)
		m.resourceUtilization.WithLabelValues("gpu").Set(u.GPU)
		m.resourceUtilization.WithLabelValues("storage").Set(u.Storage)
	}
	if bus != nil {
		m.eventBusDropped.Set(float64(bus.DroppedUpdates()))
		m.eventBusFlushedBatches.Set(float64(bus.FlushedBatches()))
	}
}
