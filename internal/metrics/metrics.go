// Package metrics exposes supervision counters in Prometheus format.
//
// Metrics:
//   - service_compose_service_up{service}: 1 while the child runs
//   - service_compose_restarts_total{service}: automatic restarts planned
//   - service_compose_restart_storms_total{service}: restarts suppressed by storm detection
//   - service_compose_scheduled_restarts_total{service,result}
//   - service_compose_control_requests_total{action,result}
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	compose "github.com/liuyuansharp/service-compose"
)

const namespace = "service_compose"

// Metrics owns a private registry; nothing is registered globally.
type Metrics struct {
	registry *prometheus.Registry

	serviceUp         *prometheus.GaugeVec
	restarts          *prometheus.CounterVec
	storms            *prometheus.CounterVec
	scheduledRestarts *prometheus.CounterVec
	controlRequests   *prometheus.CounterVec
}

// New creates and registers the collectors, plus the Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		serviceUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "service_up",
			Help:      "Whether the service process is running (1) or not (0).",
		}, []string{"service"}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restarts_total",
			Help:      "Automatic restarts scheduled after an unexpected exit.",
		}, []string{"service"}),
		storms: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restart_storms_total",
			Help:      "Restarts suppressed because the service crashed too often.",
		}, []string{"service"}),
		scheduledRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduled_restarts_total",
			Help:      "Scheduled restarts by outcome.",
		}, []string{"service", "result"}),
		controlRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_requests_total",
			Help:      "Control API requests by action and outcome.",
		}, []string{"action", "result"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.serviceUp,
		m.restarts,
		m.storms,
		m.scheduledRestarts,
		m.controlRequests,
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveEvent updates service gauges and counters from a supervisor event.
func (m *Metrics) ObserveEvent(ev compose.Event) {
	switch ev.State {
	case compose.StateRunning:
		m.serviceUp.WithLabelValues(ev.Service).Set(1)
	case compose.StateBackoff:
		m.serviceUp.WithLabelValues(ev.Service).Set(0)
		m.restarts.WithLabelValues(ev.Service).Inc()
	case compose.StateStorm:
		m.serviceUp.WithLabelValues(ev.Service).Set(0)
		m.storms.WithLabelValues(ev.Service).Inc()
	case compose.StateStopped, compose.StateExited, compose.StateFailed:
		m.serviceUp.WithLabelValues(ev.Service).Set(0)
	}
}

// ScheduledRestart counts one scheduled restart attempt.
func (m *Metrics) ScheduledRestart(service, result string) {
	m.scheduledRestarts.WithLabelValues(service, result).Inc()
}

// ControlRequest counts one control request.
func (m *Metrics) ControlRequest(action, result string) {
	m.controlRequests.WithLabelValues(action, result).Inc()
}

// Forget drops the per-service series of a service removed from the config.
func (m *Metrics) Forget(service string) {
	m.serviceUp.DeleteLabelValues(service)
	m.restarts.DeleteLabelValues(service)
	m.storms.DeleteLabelValues(service)
	m.scheduledRestarts.DeletePartialMatch(prometheus.Labels{"service": service})
}
