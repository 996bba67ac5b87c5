package telemetry

import (
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

const namespace = "roomline"

// Gap fill results.
const (
	ResultFilled   = "filled"
	ResultNarrowed = "narrowed"
	ResultNoop     = "noop"
	ResultError    = "error"
)

// Metrics holds every collector the engine updates. The zero registry case
// still yields usable, unregistered collectors.
type Metrics struct {
	registry *prometheus.Registry

	AppendedEvents prometheus.Counter
	FetchedEvents  prometheus.Counter
	GapFills       *prometheus.CounterVec
	Decryptions    *prometheus.CounterVec
	Redactions     prometheus.Counter
	Edits          prometheus.Counter
	WalkSteps      prometheus.Counter
	IntakeBatches  *prometheus.CounterVec
	SweeperRuns    *prometheus.CounterVec
}

// NewMetrics builds collectors and registers them on a fresh registry
// together with runtime gauges.
func NewMetrics() *Metrics {
	m := newCollectors()
	m.registry = prometheus.NewRegistry()
	m.registry.MustRegister(
		m.AppendedEvents, m.FetchedEvents, m.GapFills, m.Decryptions,
		m.Redactions, m.Edits, m.WalkSteps, m.IntakeBatches, m.SweeperRuns,
	)
	m.registry.MustRegister(runtimeGauges()...)
	return m
}

// Discard returns collectors that are never exported.
func Discard() *Metrics { return newCollectors() }

func newCollectors() *Metrics {
	return &Metrics{
		AppendedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "appended_events_total",
			Help: "Events appended at the live edge.",
		}),
		FetchedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "fetched_events_total",
			Help: "Events spliced into chains by gap fills.",
		}),
		GapFills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "gap_fills_total",
			Help: "Gap fill attempts by direction and result.",
		}, []string{"direction", "result"}),
		Decryptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "decryptions_total",
			Help: "Content resolutions of encrypted events by outcome.",
		}, []string{"outcome"}),
		Redactions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "redactions_applied_total",
			Help: "Events rewritten to their redacted form.",
		}),
		Edits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "edits_applied_total",
			Help: "Replacement pointers moved to a newer edit.",
		}),
		WalkSteps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "walk_steps_total",
			Help: "Entries emitted by timeline walkers.",
		}),
		IntakeBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "intake_batches_total",
			Help: "Sync batches handled by the intake queue by result.",
		}, []string{"result"}),
		SweeperRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sweeper_runs_total",
			Help: "Scheduled backfill runs by result.",
		}, []string{"result"}),
	}
}

func runtimeGauges() []prometheus.Collector {
	return []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "go_goroutines",
			Help: "Number of active goroutines.",
		}, func() float64 { return float64(runtime.NumGoroutine()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "go_heap_alloc_bytes",
			Help: "Current heap allocation in bytes.",
		}, func() float64 {
			var stats runtime.MemStats
			runtime.ReadMemStats(&stats)
			return float64(stats.HeapAlloc)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "go_gc_cycles_total",
			Help: "Total number of GC cycles.",
		}, func() float64 {
			var stats runtime.MemStats
			runtime.ReadMemStats(&stats)
			return float64(stats.NumGC)
		}),
	}
}

// Registry is nil for Discard metrics.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the prometheus text format over fasthttp.
func (m *Metrics) Handler() fasthttp.RequestHandler {
	if m.registry == nil {
		return func(ctx *fasthttp.RequestCtx) { ctx.SetStatusCode(fasthttp.StatusNotFound) }
	}
	return fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}
