// Package metrics provides Prometheus implementations of the graph observer
// interfaces.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/alechenninger/kestrel/graph"
	"github.com/alechenninger/kestrel/store"
)

// EngineObserver records engine operation counts and latencies.
type EngineObserver struct {
	graph.NoOpEngineObserver

	opDuration *prometheus.HistogramVec
	opErrors   *prometheus.CounterVec
	decisions  *prometheus.CounterVec
	cacheHits  prometheus.Counter
	cycles     prometheus.Counter
}

// NewEngineObserver creates an observer and registers its collectors with
// reg.
func NewEngineObserver(reg prometheus.Registerer) *EngineObserver {
	o := &EngineObserver{
		opDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kestrel_operation_duration_seconds",
			Help:    "Latency of engine operations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		opErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_operation_errors_total",
			Help: "Engine operations that returned an error.",
		}, []string{"operation"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_check_decisions_total",
			Help: "Check decisions by outcome.",
		}, []string{"allowed"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kestrel_check_cache_hits_total",
			Help: "Check decisions served from cache.",
		}),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kestrel_check_cycles_total",
			Help: "Evaluation paths terminated by cycle detection.",
		}),
	}
	reg.MustRegister(o.opDuration, o.opErrors, o.decisions, o.cacheHits, o.cycles)
	return o
}

func (o *EngineObserver) CheckStarted(ctx context.Context, _ graph.CheckRequest) (context.Context, graph.CheckProbe) {
	return ctx, &checkProbe{obs: o, startTime: time.Now()}
}

func (o *EngineObserver) ExpandStarted(ctx context.Context, _ graph.ExpandRequest) (context.Context, graph.ExpandProbe) {
	return ctx, &opProbe{obs: o, op: "expand", startTime: time.Now()}
}

func (o *EngineObserver) ListObjectsStarted(ctx context.Context, _ graph.ListObjectsRequest) (context.Context, graph.ListProbe) {
	return ctx, &opProbe{obs: o, op: "list_objects", startTime: time.Now()}
}

func (o *EngineObserver) ListRelationsStarted(ctx context.Context, _ graph.ListRelationsRequest) (context.Context, graph.ListProbe) {
	return ctx, &opProbe{obs: o, op: "list_relations", startTime: time.Now()}
}

func (o *EngineObserver) WriteStarted(ctx context.Context, _ graph.WriteTuplesRequest) (context.Context, graph.WriteProbe) {
	return ctx, &opProbe{obs: o, op: "write", startTime: time.Now()}
}

type checkProbe struct {
	graph.NoOpCheckProbe
	obs       *EngineObserver
	startTime time.Time
	failed    bool
}

func (p *checkProbe) CacheHit(bool) {
	p.obs.cacheHits.Inc()
}

func (p *checkProbe) CycleDetected(graph.VisitedKey) {
	p.obs.cycles.Inc()
}

func (p *checkProbe) Result(allowed bool, _ store.Revision) {
	if allowed {
		p.obs.decisions.WithLabelValues("true").Inc()
	} else {
		p.obs.decisions.WithLabelValues("false").Inc()
	}
}

func (p *checkProbe) Error(error) {
	p.failed = true
	p.obs.opErrors.WithLabelValues("check").Inc()
}

func (p *checkProbe) End() {
	// Failed operations are counted in opErrors and excluded from the
	// latency histogram.
	if p.failed {
		return
	}
	p.obs.opDuration.WithLabelValues("check").Observe(time.Since(p.startTime).Seconds())
}

// opProbe covers the operations that only need latency and error counts.
// It satisfies ExpandProbe, ListProbe, and WriteProbe.
type opProbe struct {
	obs       *EngineObserver
	op        string
	startTime time.Time
	failed    bool
}

func (p *opProbe) Candidates(int)             {}
func (p *opProbe) Result(int, store.Revision) {}
func (p *opProbe) Committed(store.Revision)   {}

func (p *opProbe) Error(error) {
	p.failed = true
	p.obs.opErrors.WithLabelValues(p.op).Inc()
}

func (p *opProbe) End() {
	if p.failed {
		return
	}
	p.obs.opDuration.WithLabelValues(p.op).Observe(time.Since(p.startTime).Seconds())
}
