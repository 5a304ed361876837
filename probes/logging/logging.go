// Package logging provides slog-based implementations of the graph observer
// interfaces.
package logging

import (
	"context"
	"log/slog"
	"time"

	"github.com/alechenninger/kestrel/graph"
	"github.com/alechenninger/kestrel/schema"
	"github.com/alechenninger/kestrel/store"
)

// RequestIDKey is the context key for request IDs.
type RequestIDKey struct{}

// RequestIDFromContext extracts the request ID from the context, or returns empty string.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// EngineObserver logs engine operations. Decisions log at Info, evaluator
// steps at Debug.
type EngineObserver struct {
	graph.NoOpEngineObserver
	logger *slog.Logger
}

// NewEngineObserver creates a new logging EngineObserver.
func NewEngineObserver(logger *slog.Logger) *EngineObserver {
	return &EngineObserver{logger: logger.With("component", "engine")}
}

// CheckStarted logs the start of a check and returns a probe that logs the
// decision when it ends.
func (o *EngineObserver) CheckStarted(ctx context.Context, req graph.CheckRequest) (context.Context, graph.CheckProbe) {
	return ctx, &checkProbe{
		logger:    o.logger,
		ctx:       ctx,
		req:       req,
		startTime: time.Now(),
	}
}

// ExpandStarted returns a probe that logs the expansion when it ends.
func (o *EngineObserver) ExpandStarted(ctx context.Context, req graph.ExpandRequest) (context.Context, graph.ExpandProbe) {
	return ctx, &expandProbe{
		logger:    o.logger,
		ctx:       ctx,
		req:       req,
		startTime: time.Now(),
	}
}

// ListObjectsStarted returns a probe that logs the listing when it ends.
func (o *EngineObserver) ListObjectsStarted(ctx context.Context, req graph.ListObjectsRequest) (context.Context, graph.ListProbe) {
	return ctx, &listProbe{
		logger:    o.logger,
		ctx:       ctx,
		op:        "list_objects",
		startTime: time.Now(),
	}
}

// ListRelationsStarted returns a probe that logs the listing when it ends.
func (o *EngineObserver) ListRelationsStarted(ctx context.Context, req graph.ListRelationsRequest) (context.Context, graph.ListProbe) {
	return ctx, &listProbe{
		logger:    o.logger,
		ctx:       ctx,
		op:        "list_relations",
		startTime: time.Now(),
	}
}

// WriteStarted returns a probe that logs the committed revision when it ends.
func (o *EngineObserver) WriteStarted(ctx context.Context, req graph.WriteTuplesRequest) (context.Context, graph.WriteProbe) {
	return ctx, &writeProbe{
		logger:    o.logger,
		ctx:       ctx,
		writes:    len(req.Writes),
		deletes:   len(req.Deletes),
		startTime: time.Now(),
	}
}

type checkProbe struct {
	graph.NoOpCheckProbe
	logger    *slog.Logger
	ctx       context.Context
	req       graph.CheckRequest
	startTime time.Time

	allowed  bool
	rev      store.Revision
	cacheHit bool
	err      error
}

func (p *checkProbe) CacheHit(bool) {
	p.cacheHit = true
}

func (p *checkProbe) RelationEntered(object store.ObjectRef, relation schema.RelationName, depth int) {
	p.logger.DebugContext(p.ctx, "entering relation",
		"request_id", RequestIDFromContext(p.ctx),
		"object_type", object.Type,
		"object_id", object.ID,
		"relation", relation,
		"depth", depth)
}

func (p *checkProbe) CycleDetected(key graph.VisitedKey) {
	p.logger.DebugContext(p.ctx, "cycle detected, path terminated",
		"request_id", RequestIDFromContext(p.ctx),
		"object_type", key.ObjectType,
		"object_id", key.ObjectID,
		"relation", key.Relation)
}

func (p *checkProbe) Result(allowed bool, rev store.Revision) {
	p.allowed = allowed
	p.rev = rev
}

func (p *checkProbe) Error(err error) {
	p.err = err
}

func (p *checkProbe) End() {
	if p.err != nil {
		p.logger.ErrorContext(p.ctx, "check failed",
			"request_id", RequestIDFromContext(p.ctx),
			"object_type", p.req.Object.Type,
			"object_id", p.req.Object.ID,
			"relation", p.req.Relation,
			"subject", p.req.Subject,
			"error", p.err,
			"duration", time.Since(p.startTime))
		return
	}
	p.logger.InfoContext(p.ctx, "check decided",
		"request_id", RequestIDFromContext(p.ctx),
		"object_type", p.req.Object.Type,
		"object_id", p.req.Object.ID,
		"relation", p.req.Relation,
		"subject", p.req.Subject,
		"allowed", p.allowed,
		"revision", p.rev,
		"cache_hit", p.cacheHit,
		"duration", time.Since(p.startTime))
}

type expandProbe struct {
	graph.NoOpExpandProbe
	logger    *slog.Logger
	ctx       context.Context
	req       graph.ExpandRequest
	startTime time.Time

	leaves int
	rev    store.Revision
	err    error
}

func (p *expandProbe) Result(leafSubjects int, rev store.Revision) {
	p.leaves = leafSubjects
	p.rev = rev
}

func (p *expandProbe) Error(err error) {
	p.err = err
}

func (p *expandProbe) End() {
	if p.err != nil {
		p.logger.ErrorContext(p.ctx, "expand failed",
			"request_id", RequestIDFromContext(p.ctx),
			"object_type", p.req.Object.Type,
			"object_id", p.req.Object.ID,
			"relation", p.req.Relation,
			"error", p.err,
			"duration", time.Since(p.startTime))
		return
	}
	p.logger.InfoContext(p.ctx, "expand completed",
		"request_id", RequestIDFromContext(p.ctx),
		"object_type", p.req.Object.Type,
		"object_id", p.req.Object.ID,
		"relation", p.req.Relation,
		"leaf_subjects", p.leaves,
		"revision", p.rev,
		"duration", time.Since(p.startTime))
}

type listProbe struct {
	graph.NoOpListProbe
	logger    *slog.Logger
	ctx       context.Context
	op        string
	startTime time.Time

	candidates int
	results    int
	rev        store.Revision
	err        error
}

func (p *listProbe) Candidates(n int) {
	p.candidates = n
}

func (p *listProbe) Result(n int, rev store.Revision) {
	p.results = n
	p.rev = rev
}

func (p *listProbe) Error(err error) {
	p.err = err
}

func (p *listProbe) End() {
	if p.err != nil {
		p.logger.ErrorContext(p.ctx, p.op+" failed",
			"request_id", RequestIDFromContext(p.ctx),
			"error", p.err,
			"duration", time.Since(p.startTime))
		return
	}
	p.logger.InfoContext(p.ctx, p.op+" completed",
		"request_id", RequestIDFromContext(p.ctx),
		"candidates", p.candidates,
		"results", p.results,
		"revision", p.rev,
		"duration", time.Since(p.startTime))
}

type writeProbe struct {
	graph.NoOpWriteProbe
	logger    *slog.Logger
	ctx       context.Context
	writes    int
	deletes   int
	startTime time.Time

	rev store.Revision
	err error
}

func (p *writeProbe) Committed(rev store.Revision) {
	p.rev = rev
}

func (p *writeProbe) Error(err error) {
	p.err = err
}

func (p *writeProbe) End() {
	if p.err != nil {
		p.logger.ErrorContext(p.ctx, "write failed",
			"request_id", RequestIDFromContext(p.ctx),
			"writes", p.writes,
			"deletes", p.deletes,
			"error", p.err,
			"duration", time.Since(p.startTime))
		return
	}
	p.logger.InfoContext(p.ctx, "write committed",
		"request_id", RequestIDFromContext(p.ctx),
		"writes", p.writes,
		"deletes", p.deletes,
		"revision", p.rev,
		"duration", time.Since(p.startTime))
}
