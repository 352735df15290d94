// Package metrics exposes Prometheus metrics for ibusd.
//
// Metrics live on a private registry so tests and multiple daemons in one
// process never collide. All methods are safe on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ibusd"

// DurationBuckets are buckets for bus call and engine resolution latency (seconds).
var DurationBuckets = []float64{
	0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5,
}

// Metrics holds all broker metrics.
type Metrics struct {
	registry *prometheus.Registry

	// Input contexts
	InputContexts        prometheus.Gauge
	InputContextsCreated prometheus.Counter
	FocusChanges         prometheus.Counter

	// Engines
	EngineSwitches  *prometheus.CounterVec
	AttachFailures  *prometheus.CounterVec
	ResolveDuration prometheus.Histogram
	ActiveEngines   prometheus.Gauge
	Factories       prometheus.Gauge

	// Processes
	ProcessStarts *prometheus.CounterVec
	ProcessExits  *prometheus.CounterVec

	// Registry
	RegistryReloads    *prometheus.CounterVec
	RegistryComponents prometheus.Gauge
	RegistryEngines    prometheus.Gauge

	// Bus
	BusCalls        *prometheus.CounterVec
	BusCallDuration *prometheus.HistogramVec
	KeyEvents       *prometheus.CounterVec
}

// New creates a Metrics instance with its own registry. Go runtime and
// process collectors are registered alongside the broker metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,

		InputContexts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "input_context",
			Name:      "active",
			Help:      "Number of live input contexts.",
		}),
		InputContextsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "input_context",
			Name:      "created_total",
			Help:      "Input contexts created since start.",
		}),
		FocusChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "input_context",
			Name:      "focus_changes_total",
			Help:      "Number of times the focused input context changed.",
		}),

		EngineSwitches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "switches_total",
			Help:      "Engines bound to an input context, by engine name.",
		}, []string{"engine"}),
		AttachFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "attach_failures_total",
			Help:      "Engine requests that could not be satisfied, by reason.",
		}, []string{"reason"}),
		ResolveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "resolve_duration_seconds",
			Help:      "Time taken to resolve and create an engine.",
			Buckets:   DurationBuckets,
		}),
		ActiveEngines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "active",
			Help:      "Engines currently in the active list.",
		}),
		Factories: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "factories",
			Help:      "Connected engine factories.",
		}),

		ProcessStarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "starts_total",
			Help:      "Provider processes spawned, by component.",
		}, []string{"component"}),
		ProcessExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "exits_total",
			Help:      "Provider process exits, by component and status.",
		}, []string{"component", "status"}),

		RegistryReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "reloads_total",
			Help:      "Registry loads, by source (cache or scan) and result.",
		}, []string{"source", "result"}),
		RegistryComponents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "components",
			Help:      "Components known to the registry.",
		}),
		RegistryEngines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "engines",
			Help:      "Engine descriptors known to the registry.",
		}),

		BusCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "calls_total",
			Help:      "Method calls dispatched, by member and result.",
		}, []string{"member", "result"}),
		BusCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "call_duration_seconds",
			Help:      "Method call handling latency.",
			Buckets:   DurationBuckets,
		}, []string{"member"}),
		KeyEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "key_events_total",
			Help:      "Key events seen by input contexts, by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		m.InputContexts, m.InputContextsCreated, m.FocusChanges,
		m.EngineSwitches, m.AttachFailures, m.ResolveDuration, m.ActiveEngines, m.Factories,
		m.ProcessStarts, m.ProcessExits,
		m.RegistryReloads, m.RegistryComponents, m.RegistryEngines,
		m.BusCalls, m.BusCallDuration, m.KeyEvents,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler serving the registry in exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ContextCreated records a new input context.
func (m *Metrics) ContextCreated() {
	if m == nil {
		return
	}
	m.InputContextsCreated.Inc()
	m.InputContexts.Inc()
}

// ContextDestroyed records an input context going away.
func (m *Metrics) ContextDestroyed() {
	if m == nil {
		return
	}
	m.InputContexts.Dec()
}

// FocusChanged records a change of the focused context.
func (m *Metrics) FocusChanged() {
	if m == nil {
		return
	}
	m.FocusChanges.Inc()
}

// EngineSwitched records an engine bound to a context.
func (m *Metrics) EngineSwitched(engine string, took time.Duration) {
	if m == nil {
		return
	}
	m.EngineSwitches.WithLabelValues(engine).Inc()
	m.ResolveDuration.Observe(took.Seconds())
}

// AttachFailed records an engine request that produced no engine.
func (m *Metrics) AttachFailed(reason string) {
	if m == nil {
		return
	}
	m.AttachFailures.WithLabelValues(reason).Inc()
}

// SetEngineCounts publishes the active engine and factory counts.
func (m *Metrics) SetEngineCounts(active, factories int) {
	if m == nil {
		return
	}
	m.ActiveEngines.Set(float64(active))
	m.Factories.Set(float64(factories))
}

// ProcessStarted records a provider process spawn.
func (m *Metrics) ProcessStarted(component string) {
	if m == nil {
		return
	}
	m.ProcessStarts.WithLabelValues(component).Inc()
}

// ProcessExited records a provider process exit.
func (m *Metrics) ProcessExited(component, status string) {
	if m == nil {
		return
	}
	m.ProcessExits.WithLabelValues(component, status).Inc()
}

// RegistryLoaded records a registry load and publishes its size.
func (m *Metrics) RegistryLoaded(source string, components, engines int, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.RegistryReloads.WithLabelValues(source, result).Inc()
	if err == nil {
		m.RegistryComponents.Set(float64(components))
		m.RegistryEngines.Set(float64(engines))
	}
}

// BusCall records a dispatched method call.
func (m *Metrics) BusCall(member string, took time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.BusCalls.WithLabelValues(member, result).Inc()
	m.BusCallDuration.WithLabelValues(member).Observe(took.Seconds())
}

// KeyEvent records how a key event was handled: "hotkey", "forwarded",
// "handled" or "unhandled".
func (m *Metrics) KeyEvent(outcome string) {
	if m == nil {
		return
	}
	m.KeyEvents.WithLabelValues(outcome).Inc()
}
