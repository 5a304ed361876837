// Package graph implements the relation rewrite evaluator and the query
// engine built on it: Check, Expand, ListObjects, and ListRelations over a
// tuple store, a model store, and per-query contextual tuples, pinned to
// consistency tokens.
package graph

import (
	"context"
	"errors"
	"fmt"

	"github.com/alechenninger/kestrel/model"
	"github.com/alechenninger/kestrel/schema"
	"github.com/alechenninger/kestrel/store"
	"github.com/alechenninger/kestrel/zookie"
)

// ErrBudgetExceeded indicates evaluation hit its recursion-depth or
// node-visit budget. The result is unknown, not denied: callers must not
// interpret this as allowed == false.
var ErrBudgetExceeded = errors.New("graph: evaluation budget exceeded")

// Limits bound a single query's evaluation. Exceeding any limit fails the
// whole query with ErrBudgetExceeded rather than returning a partial answer.
type Limits struct {
	// MaxDepth bounds the recursion depth (the visited path length).
	MaxDepth int
	// MaxVisits bounds the total relation nodes visited in one query.
	MaxVisits int64
	// MaxParallel bounds concurrent branch evaluations and concurrent
	// candidate checks in ListObjects/ListRelations.
	MaxParallel int
}

// DefaultLimits returns the default evaluation limits.
func DefaultLimits() Limits {
	return Limits{
		MaxDepth:    32,
		MaxVisits:   65536,
		MaxParallel: 16,
	}
}

// Engine answers authorization queries. It is stateless per request: every
// query is a pure function of (model, tuple snapshot, contextual tuples), so
// an Engine is safe for unbounded concurrent use.
type Engine struct {
	models   *model.Store
	st       store.Store
	cache    CheckCache
	observer EngineObserver
	limits   Limits

	// objectIDs assigns dense IDs so ListObjects can track candidate sets
	// in bitmaps. Shared across queries for ID stability.
	objectIDs *interner
}

// Option configures an Engine.
type Option func(*Engine)

// WithCache installs a check decision cache. Without this option the engine
// evaluates every check in full.
func WithCache(c CheckCache) Option {
	return func(e *Engine) { e.cache = c }
}

// WithObserver installs an observer for instrumentation.
func WithObserver(obs EngineObserver) Option {
	return func(e *Engine) {
		if obs != nil {
			e.observer = obs
		}
	}
}

// WithLimits overrides the default evaluation limits.
func WithLimits(l Limits) Option {
	return func(e *Engine) { e.limits = l }
}

// NewEngine creates an Engine over the given model and tuple stores.
func NewEngine(models *model.Store, st store.Store, opts ...Option) *Engine {
	e := &Engine{
		models:    models,
		st:        st,
		observer:  NoOpEngineObserver{},
		limits:    DefaultLimits(),
		objectIDs: newInterner(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CheckRequest asks whether Subject holds Relation on Object under ModelID.
type CheckRequest struct {
	ModelID  model.ID
	Object   store.ObjectRef
	Relation schema.RelationName
	Subject  store.SubjectRef

	// AsOf pins evaluation to the token's snapshot. Empty evaluates at the
	// current head, which may be slightly stale relative to concurrent
	// writers but never earlier than any token the caller has seen.
	AsOf zookie.Token

	// ContextualTuples are merged over the snapshot for this call only.
	// They take precedence over persisted tuples with the same key.
	ContextualTuples []store.Tuple

	// Context supplies condition parameters.
	Context map[string]any
}

// CheckResponse is the result of a Check.
type CheckResponse struct {
	Allowed bool
	// CheckedAt is the snapshot the decision was evaluated at. Presenting it
	// on later queries guarantees they observe at least this snapshot.
	CheckedAt zookie.Token
}

// Check reports whether the subject holds the relation on the object.
// A true result is always backed by a derivation chain of persisted (or
// caller-supplied contextual) tuples; errors are never folded into false.
func (e *Engine) Check(ctx context.Context, req CheckRequest) (CheckResponse, error) {
	ctx, probe := e.observer.CheckStarted(ctx, req)
	defer probe.End()

	m, rev, err := e.pin(ctx, req.ModelID, req.AsOf)
	if err != nil {
		probe.Error(err)
		return CheckResponse{}, err
	}

	cacheable := e.cache != nil && len(req.ContextualTuples) == 0 && len(req.Context) == 0
	key := CheckKey{
		Model:    m.ID,
		Object:   req.Object,
		Relation: req.Relation,
		Subject:  req.Subject,
		Revision: rev,
	}
	if cacheable {
		if allowed, ok := e.cache.Get(key); ok {
			probe.CacheHit(allowed)
			probe.Result(allowed, rev)
			return CheckResponse{Allowed: allowed, CheckedAt: zookie.FromRevision(rev)}, nil
		}
	}

	r := e.newResolver(m.Schema, rev, req.ContextualTuples, req.Context, probe)
	allowed, err := r.check(ctx, req.Object, req.Relation, req.Subject, nil)
	if err != nil {
		probe.Error(err)
		return CheckResponse{}, err
	}

	if cacheable {
		e.cache.Put(key, allowed)
	}
	probe.Result(allowed, rev)
	return CheckResponse{Allowed: allowed, CheckedAt: zookie.FromRevision(rev)}, nil
}

// WriteTuplesRequest is an atomic batch of writes and deletes, validated
// against a model before being handed to the tuple store.
type WriteTuplesRequest struct {
	ModelID model.ID
	Writes  []store.Tuple
	Deletes []store.Tuple

	// Precondition, when set, fails the write if anything committed after
	// the token's revision.
	Precondition zookie.Token

	Options store.WriteOptions
}

// WriteTuples validates the tuples against the model and applies them
// atomically, returning a token for the commit.
func (e *Engine) WriteTuples(ctx context.Context, req WriteTuplesRequest) (zookie.Token, error) {
	ctx, probe := e.observer.WriteStarted(ctx, req)
	defer probe.End()

	m, err := e.models.Get(req.ModelID)
	if err != nil {
		probe.Error(err)
		return "", err
	}
	for _, t := range req.Writes {
		if err := validateTuple(m.Schema, t); err != nil {
			probe.Error(err)
			return "", err
		}
	}

	var precondition store.Revision
	if req.Precondition != "" {
		precondition, err = req.Precondition.Revision()
		if err != nil {
			probe.Error(err)
			return "", err
		}
	}

	rev, err := e.st.Write(ctx, store.WriteRequest{
		Writes:       req.Writes,
		Deletes:      req.Deletes,
		Precondition: precondition,
		Options:      req.Options,
	})
	if err != nil {
		probe.Error(err)
		return "", err
	}
	probe.Committed(rev)
	return zookie.FromRevision(rev), nil
}

// validateTuple checks a tuple against the model, in particular that the
// relation allows the subject type and that wildcard subjects are explicitly
// permitted.
func validateTuple(sc *schema.Schema, t store.Tuple) error {
	rel := sc.Relation(t.Object.Type, t.Relation)
	if rel == nil {
		return fmt.Errorf("unknown relation %s#%s", t.Object.Type, t.Relation)
	}
	if t.Subject.IsWildcard() {
		if !rel.AllowsWildcard(t.Subject.Type) {
			return fmt.Errorf("wildcard subject %s:* is not allowed for %s#%s",
				t.Subject.Type, t.Object.Type, t.Relation)
		}
	} else if !rel.AllowsSubject(t.Subject.Type, t.Subject.Relation) {
		if t.Subject.Relation == "" {
			return fmt.Errorf("subject type %s is not allowed for %s#%s",
				t.Subject.Type, t.Object.Type, t.Relation)
		}
		return fmt.Errorf("subject %s#%s is not allowed for %s#%s",
			t.Subject.Type, t.Subject.Relation, t.Object.Type, t.Relation)
	}
	if t.Condition != "" {
		if _, ok := sc.Conditions[t.Condition]; !ok {
			return fmt.Errorf("unknown condition %s", t.Condition)
		}
	}
	return nil
}

// pin resolves the model and the snapshot revision for a query. A token pins
// evaluation to exactly its revision, making token reads repeatable; without
// a token the query evaluates at the current head.
func (e *Engine) pin(ctx context.Context, id model.ID, asOf zookie.Token) (*model.Model, store.Revision, error) {
	var m *model.Model
	var err error
	if id == "" {
		m, err = e.models.Latest()
	} else {
		m, err = e.models.Get(id)
	}
	if err != nil {
		return nil, 0, err
	}

	if asOf != "" {
		rev, err := asOf.Revision()
		if err != nil {
			return nil, 0, err
		}
		return m, rev, nil
	}

	head, err := e.st.HeadRevision(ctx)
	if err != nil {
		return nil, 0, err
	}
	return m, head, nil
}

// newResolver builds a resolver over the pinned snapshot merged with the
// contextual tuples.
func (e *Engine) newResolver(sc *schema.Schema, rev store.Revision, contextual []store.Tuple, queryCtx map[string]any, probe CheckProbe) *resolver {
	if probe == nil {
		probe = NoOpCheckProbe{}
	}
	return &resolver{
		sc:       sc,
		view:     newView(e.st, rev, contextual),
		queryCtx: queryCtx,
		limits:   e.limits,
		probe:    probe,
	}
}
