package app

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nuetzliches/remoteaccess/internal/dispatch"
	"github.com/nuetzliches/remoteaccess/internal/server"
	"github.com/nuetzliches/remoteaccess/internal/store"
)

// callOutcomes are exported on every scrape, zero or not.
var callOutcomes = []string{
	server.OutcomeHandled,
	server.OutcomeUnauthenticated,
	server.OutcomeUndecodable,
	server.OutcomeFailed,
	server.OutcomeRateLimited,
}

const queueSizeTimeout = 2 * time.Second

type runtimeMetrics struct {
	tracingEnabled           atomic.Int64
	tracingInitFailuresTotal atomic.Int64
	tracingExportErrorsTotal atomic.Int64

	commandsHandledTotal atomic.Int64
	commandsFailedTotal  atomic.Int64

	reloadOKTotal     atomic.Int64
	reloadFailedTotal atomic.Int64

	callsMu        sync.Mutex
	callsByOutcome map[string]int64

	// queue is read on scrape.
	queue store.QueueSizer
}

func newRuntimeMetrics() *runtimeMetrics {
	return &runtimeMetrics{callsByOutcome: make(map[string]int64, len(callOutcomes))}
}

func (m *runtimeMetrics) setTracingEnabled(enabled bool) {
	if m == nil {
		return
	}
	if enabled {
		m.tracingEnabled.Store(1)
		return
	}
	m.tracingEnabled.Store(0)
}

func (m *runtimeMetrics) incTracingInitFailures() {
	if m == nil {
		return
	}
	m.tracingInitFailuresTotal.Add(1)
}

func (m *runtimeMetrics) incTracingExportErrors() {
	if m == nil {
		return
	}
	m.tracingExportErrorsTotal.Add(1)
}

// observeCall is wired to server.Handler.ObserveCall.
func (m *runtimeMetrics) observeCall(outcome string, sum dispatch.Summary) {
	if m == nil {
		return
	}
	m.callsMu.Lock()
	m.callsByOutcome[outcome]++
	m.callsMu.Unlock()
	m.commandsHandledTotal.Add(int64(sum.Handled))
	m.commandsFailedTotal.Add(int64(sum.Failed))
}

func (m *runtimeMetrics) observeReload(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.reloadOKTotal.Add(1)
		return
	}
	m.reloadFailedTotal.Add(1)
}

func (m *runtimeMetrics) callsSnapshot() map[string]int64 {
	out := make(map[string]int64, len(callOutcomes))
	for _, o := range callOutcomes {
		out[o] = 0
	}
	if m == nil {
		return out
	}
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	for o, n := range m.callsByOutcome {
		out[o] = n
	}
	return out
}

func (m *runtimeMetrics) queueSize(ctx context.Context) (int64, bool) {
	if m == nil || m.queue == nil {
		return 0, false
	}
	ctx, cancel := context.WithTimeout(ctx, queueSizeTimeout)
	defer cancel()
	n, err := m.queue.QueueSize(ctx)
	if err != nil {
		return 0, false
	}
	return n, true
}

var (
	descUp             = prometheus.NewDesc("remoteaccess_up", "Whether the remoteaccess process is up.", nil, nil)
	descBuildInfo      = prometheus.NewDesc("remoteaccess_build_info", "Build information.", []string{"version"}, nil)
	descStartTime      = prometheus.NewDesc("remoteaccess_start_time_seconds", "Start time since unix epoch.", nil, nil)
	descTracingEnabled = prometheus.NewDesc("remoteaccess_tracing_enabled", "Whether tracing is enabled.", nil, nil)
	descTracingInit    = prometheus.NewDesc("remoteaccess_tracing_init_failures_total", "Total number of tracing initialization failures.", nil, nil)
	descTracingExport  = prometheus.NewDesc("remoteaccess_tracing_export_errors_total", "Total number of tracing exporter errors reported by OpenTelemetry.", nil, nil)
	descCalls          = prometheus.NewDesc("remoteaccess_calls_total", "Total number of remote access calls by outcome.", []string{"outcome"}, nil)
	descCmdHandled     = prometheus.NewDesc("remoteaccess_commands_handled_total", "Total number of commands handled.", nil, nil)
	descCmdFailed      = prometheus.NewDesc("remoteaccess_commands_failed_total", "Total number of commands that failed.", nil, nil)
	descReloads        = prometheus.NewDesc("remoteaccess_config_reloads_total", "Total number of config reloads by result.", []string{"result"}, nil)
	descQueueSize      = prometheus.NewDesc("remoteaccess_queue_size", "Messages waiting in the send queue.", nil, nil)
)

// metricsCollector reads runtimeMetrics on every scrape. The queue gauge is
// left out when the store cannot answer in time.
type metricsCollector struct {
	version string
	start   time.Time
	rm      *runtimeMetrics
}

func (c metricsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		descUp, descBuildInfo, descStartTime,
		descTracingEnabled, descTracingInit, descTracingExport,
		descCalls, descCmdHandled, descCmdFailed, descReloads, descQueueSize,
	} {
		ch <- d
	}
}

func (c metricsCollector) Collect(ch chan<- prometheus.Metric) {
	gauge := func(d *prometheus.Desc, v int64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v), labels...)
	}
	counter := func(d *prometheus.Desc, v int64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}

	gauge(descUp, 1)
	gauge(descBuildInfo, 1, c.version)
	gauge(descStartTime, c.start.Unix())

	var tracingEnabled, initFailures, exportErrors, handled, failed, reloadOK, reloadFailed int64
	if rm := c.rm; rm != nil {
		tracingEnabled = rm.tracingEnabled.Load()
		initFailures = rm.tracingInitFailuresTotal.Load()
		exportErrors = rm.tracingExportErrorsTotal.Load()
		handled = rm.commandsHandledTotal.Load()
		failed = rm.commandsFailedTotal.Load()
		reloadOK = rm.reloadOKTotal.Load()
		reloadFailed = rm.reloadFailedTotal.Load()
	}
	gauge(descTracingEnabled, tracingEnabled)
	counter(descTracingInit, initFailures)
	counter(descTracingExport, exportErrors)

	calls := c.rm.callsSnapshot()
	for _, o := range callOutcomes {
		counter(descCalls, calls[o], o)
	}
	counter(descCmdHandled, handled)
	counter(descCmdFailed, failed)
	counter(descReloads, reloadOK, "ok")
	counter(descReloads, reloadFailed, "failed")

	if n, ok := c.rm.queueSize(context.Background()); ok {
		gauge(descQueueSize, n)
	}
}

// newMetricsHandler serves the runtime counters plus the Go and process
// collectors from a private registry.
func newMetricsHandler(version string, start time.Time, rm *runtimeMetrics) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		metricsCollector{version: version, start: start, rm: rm},
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
