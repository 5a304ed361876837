package graph

import (
	"context"

	"github.com/alechenninger/kestrel/schema"
	"github.com/alechenninger/kestrel/store"
)

// EngineObserver is called at key points during Engine operations.
// Implementations should embed NoOpEngineObserver for forward compatibility
// with new methods added to this interface.
type EngineObserver interface {
	// CheckStarted is called when a Check begins.
	// Returns a potentially modified context and a probe to track the operation.
	CheckStarted(ctx context.Context, req CheckRequest) (context.Context, CheckProbe)

	// ExpandStarted is called when an Expand begins.
	ExpandStarted(ctx context.Context, req ExpandRequest) (context.Context, ExpandProbe)

	// ListObjectsStarted is called when a ListObjects begins.
	ListObjectsStarted(ctx context.Context, req ListObjectsRequest) (context.Context, ListProbe)

	// ListRelationsStarted is called when a ListRelations begins.
	ListRelationsStarted(ctx context.Context, req ListRelationsRequest) (context.Context, ListProbe)

	// WriteStarted is called when a WriteTuples begins.
	WriteStarted(ctx context.Context, req WriteTuplesRequest) (context.Context, WriteProbe)
}

// CheckProbe tracks a single Check invocation, including steps taken inside
// the evaluator. Evaluator steps may be reported from multiple goroutines.
// Implementations should embed NoOpCheckProbe for forward compatibility.
type CheckProbe interface {
	// CacheHit is called when the decision is served from cache.
	CacheHit(allowed bool)

	// RelationEntered is called when evaluation descends into a relation.
	RelationEntered(object store.ObjectRef, relation schema.RelationName, depth int)

	// DirectLookup is called before reading direct tuples for a relation.
	DirectLookup(object store.ObjectRef, relation schema.RelationName)

	// ArrowTraversal is called before following a tuple-to-userset.
	ArrowTraversal(tupleset, computed schema.RelationName)

	// CycleDetected is called when a node already on the evaluation path
	// is reached again.
	CycleDetected(key VisitedKey)

	// Result is called with the decision and the revision it was made at.
	Result(allowed bool, rev store.Revision)

	// Error is called when the check fails.
	Error(err error)

	// End signals the operation is complete (for timing). Called via defer.
	End()
}

// ExpandProbe tracks a single Expand invocation.
// Implementations should embed NoOpExpandProbe for forward compatibility.
type ExpandProbe interface {
	// Result is called with the size of the expansion tree in leaf subjects.
	Result(leafSubjects int, rev store.Revision)

	// Error is called when the expand fails.
	Error(err error)

	// End signals the operation is complete (for timing). Called via defer.
	End()
}

// ListProbe tracks a ListObjects or ListRelations invocation.
// Implementations should embed NoOpListProbe for forward compatibility.
type ListProbe interface {
	// Candidates is called with the number of candidates considered.
	Candidates(n int)

	// Result is called with the number of results returned.
	Result(n int, rev store.Revision)

	// Error is called when the operation fails.
	Error(err error)

	// End signals the operation is complete (for timing). Called via defer.
	End()
}

// WriteProbe tracks a WriteTuples invocation.
// Implementations should embed NoOpWriteProbe for forward compatibility.
type WriteProbe interface {
	// Committed is called with the revision the write committed at.
	Committed(rev store.Revision)

	// Error is called when the write fails.
	Error(err error)

	// End signals the operation is complete (for timing). Called via defer.
	End()
}

// NoOpEngineObserver is a no-op implementation of EngineObserver.
// Embed this in custom observers for forward compatibility with new methods.
type NoOpEngineObserver struct{}

// CheckStarted returns the context unchanged and a no-op probe.
func (NoOpEngineObserver) CheckStarted(ctx context.Context, _ CheckRequest) (context.Context, CheckProbe) {
	return ctx, NoOpCheckProbe{}
}

// ExpandStarted returns the context unchanged and a no-op probe.
func (NoOpEngineObserver) ExpandStarted(ctx context.Context, _ ExpandRequest) (context.Context, ExpandProbe) {
	return ctx, NoOpExpandProbe{}
}

// ListObjectsStarted returns the context unchanged and a no-op probe.
func (NoOpEngineObserver) ListObjectsStarted(ctx context.Context, _ ListObjectsRequest) (context.Context, ListProbe) {
	return ctx, NoOpListProbe{}
}

// ListRelationsStarted returns the context unchanged and a no-op probe.
func (NoOpEngineObserver) ListRelationsStarted(ctx context.Context, _ ListRelationsRequest) (context.Context, ListProbe) {
	return ctx, NoOpListProbe{}
}

// WriteStarted returns the context unchanged and a no-op probe.
func (NoOpEngineObserver) WriteStarted(ctx context.Context, _ WriteTuplesRequest) (context.Context, WriteProbe) {
	return ctx, NoOpWriteProbe{}
}

// NoOpCheckProbe is a no-op implementation of CheckProbe.
type NoOpCheckProbe struct{}

func (NoOpCheckProbe) CacheHit(bool)                                          {}
func (NoOpCheckProbe) RelationEntered(store.ObjectRef, schema.RelationName, int) {}
func (NoOpCheckProbe) DirectLookup(store.ObjectRef, schema.RelationName)      {}
func (NoOpCheckProbe) ArrowTraversal(_, _ schema.RelationName)                {}
func (NoOpCheckProbe) CycleDetected(VisitedKey)                               {}
func (NoOpCheckProbe) Result(bool, store.Revision)                            {}
func (NoOpCheckProbe) Error(error)                                            {}
func (NoOpCheckProbe) End()                                                   {}

// NoOpExpandProbe is a no-op implementation of ExpandProbe.
type NoOpExpandProbe struct{}

func (NoOpExpandProbe) Result(int, store.Revision) {}
func (NoOpExpandProbe) Error(error)                {}
func (NoOpExpandProbe) End()                       {}

// NoOpListProbe is a no-op implementation of ListProbe.
type NoOpListProbe struct{}

func (NoOpListProbe) Candidates(int)             {}
func (NoOpListProbe) Result(int, store.Revision) {}
func (NoOpListProbe) Error(error)                {}
func (NoOpListProbe) End()                       {}

// NoOpWriteProbe is a no-op implementation of WriteProbe.
type NoOpWriteProbe struct{}

func (NoOpWriteProbe) Committed(store.Revision) {}
func (NoOpWriteProbe) Error(error)              {}
func (NoOpWriteProbe) End()                     {}
