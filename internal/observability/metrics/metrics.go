// Package metrics exports scheduler counters in the Prometheus text format.
// Counters are fed from the event bus; gauges are read on scrape.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"triggerd/internal/eventbus"
	"triggerd/internal/statussink"
	"triggerd/internal/worker"
)

const namespace = "triggerd"

// Gauges are sampled on every scrape. Nil funcs are not registered.
type Gauges struct {
	Workers         func() int
	Schedules       func() int
	SinkQueueLen    func() int
	SinkCircuitOpen func() bool
}

type Collector struct {
	reg *prometheus.Registry

	invocations  *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	workerEvents *prometheus.CounterVec
	reports      *prometheus.CounterVec
}

func New(g Gauges) *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invocations_total",
			Help:      "Handler invocations by mode and result.",
		}, []string{"mode", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "invocation_duration_seconds",
			Help:      "Handler execution time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"mode"}),
		workerEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_events_total",
			Help:      "Worker lifecycle events.",
		}, []string{"event"}),
		reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_reports_total",
			Help:      "Status reports emitted, by status.",
		}, []string{"status"}),
	}
	c.reg.MustRegister(
		c.invocations, c.duration, c.workerEvents, c.reports,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	gauge := func(name, help string, fn func() float64) {
		c.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help}, fn))
	}
	if g.Workers != nil {
		gauge("workers", "Live workers.", func() float64 { return float64(g.Workers()) })
	}
	if g.Schedules != nil {
		gauge("schedules", "Registered schedules.", func() float64 { return float64(g.Schedules()) })
	}
	if g.SinkQueueLen != nil {
		gauge("status_sink_queue_len", "Reports waiting for delivery.", func() float64 { return float64(g.SinkQueueLen()) })
	}
	if g.SinkCircuitOpen != nil {
		gauge("status_sink_circuit_open", "1 while status delivery is paused.", func() float64 {
			if g.SinkCircuitOpen() {
				return 1
			}
			return 0
		})
	}
	return c
}

// Handler serves the registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

// Run consumes bus events until ctx is done. Events dropped by a full
// subscription are not counted.
func (c *Collector) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(1024, "worker.", "invocation.")
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			c.Observe(e)
		}
	}
}

// Observe records one event.
func (c *Collector) Observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.WorkerStarted:
		c.workerEvents.WithLabelValues("started").Inc()
	case eventbus.WorkerReplaced:
		c.workerEvents.WithLabelValues("replaced").Inc()
	case eventbus.WorkerTerminated:
		c.workerEvents.WithLabelValues("terminated").Inc()
	case eventbus.InvocationFinished, eventbus.InvocationFailed:
		ev, ok := e.Data.(worker.InvocationEvent)
		if !ok {
			return
		}
		mode := "async"
		if ev.Sync {
			mode = "sync"
		}
		result := "ok"
		if e.Type == eventbus.InvocationFailed {
			result = "error"
		}
		c.invocations.WithLabelValues(mode, result).Inc()
		c.duration.WithLabelValues(mode).Observe(ev.Duration.Seconds())
	case eventbus.InvocationStatus:
		if r, ok := e.Data.(statussink.Report); ok {
			c.reports.WithLabelValues(string(r.Status)).Inc()
		}
	}
}
