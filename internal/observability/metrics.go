// Package observability holds the Prometheus collectors and OpenTelemetry
// tracing setup shared by the gateway, the dispatcher and the device manager.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "goveed"

// Outcomes recorded for handled messages.
const (
	OutcomeOK       = "ok"
	OutcomeInvalid  = "invalid"
	OutcomeNotFound = "not_found"
	OutcomeFailed   = "failed"
)

// Metrics groups the daemon's collectors. A nil *Metrics is valid and
// records nothing, so components can run without a registry in tests.
type Metrics struct {
	reg *prometheus.Registry

	connsOpen     prometheus.Gauge
	connsTotal    prometheus.Counter
	connsRejected prometheus.Counter
	messages      *prometheus.CounterVec
	dispatch      *prometheus.HistogramVec
	polls         *prometheus.CounterVec
	cmdFailures   *prometheus.CounterVec
}

// NewMetrics creates the collectors on a private registry that also carries
// the Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		reg: reg,
		connsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_open",
			Help:      "Currently open WebSocket connections.",
		}),
		connsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "WebSocket connections accepted.",
		}),
		connsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_rejected_total",
			Help:      "WebSocket connections closed for using a path other than root.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Messages handled by command and outcome.",
		}, []string{"cmd", "outcome"}),
		dispatch: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent dispatching a validated request.",
			Buckets:   []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"cmd", "outcome"}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_polls_total",
			Help:      "Device scans by medium and result.",
		}, []string{"medium", "result"}),
		cmdFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_command_failures_total",
			Help:      "Failed device commands by operation.",
		}, []string{"op"}),
	}
	reg.MustRegister(m.connsOpen, m.connsTotal, m.connsRejected, m.messages, m.dispatch, m.polls, m.cmdFailures)
	return m
}

// Register adds extra collectors, e.g. gauges owned by other components.
func (m *Metrics) Register(cs ...prometheus.Collector) {
	if m == nil {
		return
	}
	m.reg.MustRegister(cs...)
}

// DeviceGauge exposes the registry size through fn.
func (m *Metrics) DeviceGauge(fn func() float64) {
	m.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "devices",
		Help:      "Devices currently known to the gateway.",
	}, fn))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) ConnOpened() {
	if m == nil {
		return
	}
	m.connsOpen.Inc()
	m.connsTotal.Inc()
}

func (m *Metrics) ConnClosed() {
	if m == nil {
		return
	}
	m.connsOpen.Dec()
}

func (m *Metrics) ConnRejected() {
	if m == nil {
		return
	}
	m.connsRejected.Inc()
}

// MessageHandled counts one message. cmd is empty for messages that failed
// before a command was known.
func (m *Metrics) MessageHandled(cmd, outcome string) {
	if m == nil {
		return
	}
	if cmd == "" {
		cmd = "unknown"
	}
	m.messages.WithLabelValues(cmd, outcome).Inc()
}

func (m *Metrics) ObserveDispatch(cmd, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.dispatch.WithLabelValues(cmd, outcome).Observe(d.Seconds())
}

func (m *Metrics) PollCompleted(medium string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.polls.WithLabelValues(medium, result).Inc()
}

func (m *Metrics) CommandFailed(op string) {
	if m == nil {
		return
	}
	m.cmdFailures.WithLabelValues(op).Inc()
}
