package graph

import (
	"context"
	"fmt"
	"slices"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/alechenninger/kestrel/schema"
	"github.com/alechenninger/kestrel/store"
)

// VisitedKey identifies a (object, relation) node on the current evaluation
// path, for cycle detection. Cross-object cycles through tuples are legal in
// the data even though the model is acyclic at the type level, so the
// evaluator must break them at query time.
type VisitedKey struct {
	ObjectType schema.TypeName
	ObjectID   string
	Relation   schema.RelationName
}

// resolver evaluates rewrite expressions in boolean mode for one query.
// Independent branches may run concurrently; the visits counter and probe
// are the only shared state, and both are safe for concurrent use.
type resolver struct {
	sc       *schema.Schema
	view     *view
	queryCtx map[string]any
	limits   Limits
	visits   atomic.Int64
	probe    CheckProbe
}

// check evaluates whether subject holds relation on object. The path slice
// tracks the nodes currently being evaluated on this branch; a node already
// on the path returns "not satisfied" for that path rather than recursing
// forever, matching the intuition that a permission cannot be granted purely
// by reference to itself.
func (r *resolver) check(ctx context.Context, object store.ObjectRef, relation schema.RelationName, subject store.SubjectRef, path []VisitedKey) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	rel := r.sc.Relation(object.Type, relation)
	if rel == nil {
		return false, fmt.Errorf("unknown relation %s#%s", object.Type, relation)
	}

	key := VisitedKey{ObjectType: object.Type, ObjectID: object.ID, Relation: relation}
	if slices.Contains(path, key) {
		r.probe.CycleDetected(key)
		return false, nil
	}
	if len(path) >= r.limits.MaxDepth {
		return false, fmt.Errorf("depth limit %d reached at %s:%s#%s: %w",
			r.limits.MaxDepth, object.Type, object.ID, relation, ErrBudgetExceeded)
	}
	if r.visits.Add(1) > r.limits.MaxVisits {
		return false, fmt.Errorf("visit limit %d reached: %w", r.limits.MaxVisits, ErrBudgetExceeded)
	}
	r.probe.RelationEntered(object, relation, len(path))

	// Copy-on-append so concurrent sibling branches never share backing arrays.
	path = append(path[:len(path):len(path)], key)

	return r.evalUserset(ctx, object, rel, rel.Rewrite, subject, path)
}

// evalUserset evaluates one rewrite node by structural recursion.
func (r *resolver) evalUserset(ctx context.Context, object store.ObjectRef, rel *schema.Relation, us schema.Userset, subject store.SubjectRef, path []VisitedKey) (bool, error) {
	switch {
	case len(us.Union) > 0:
		branches := make([]branch, len(us.Union))
		for i, child := range us.Union {
			child := child
			branches[i] = func(ctx context.Context) (bool, error) {
				return r.evalUserset(ctx, object, rel, child, subject, path)
			}
		}
		return r.anyOf(ctx, branches)

	case len(us.Intersection) > 0:
		branches := make([]branch, len(us.Intersection))
		for i, child := range us.Intersection {
			child := child
			branches[i] = func(ctx context.Context) (bool, error) {
				return r.evalUserset(ctx, object, rel, child, subject, path)
			}
		}
		return r.allOf(ctx, branches)

	case us.Exclusion != nil:
		ok, err := r.evalUserset(ctx, object, rel, us.Exclusion.Base, subject, path)
		if err != nil || !ok {
			return false, err
		}
		excluded, err := r.evalUserset(ctx, object, rel, us.Exclusion.Subtract, subject, path)
		if err != nil {
			return false, err
		}
		return !excluded, nil

	case us.Condition != nil:
		cond, ok := r.sc.Conditions[us.Condition.Condition]
		if !ok {
			return false, fmt.Errorf("unknown condition %s on %s#%s", us.Condition.Condition, object.Type, rel.Name)
		}
		// The child is evaluated first: when it cannot grant anyway, the
		// condition (and any missing-context error) is moot.
		ok, err := r.evalUserset(ctx, object, rel, us.Condition.Child, subject, path)
		if err != nil || !ok {
			return false, err
		}
		return cond.Evaluate(r.queryCtx)

	case us.ComputedRelation != "":
		return r.check(ctx, object, us.ComputedRelation, subject, path)

	case us.TupleToUserset != nil:
		return r.evalArrow(ctx, object, us.TupleToUserset, subject, path)

	default:
		return r.evalDirect(ctx, object, rel, subject, path)
	}
}

// evalDirect resolves direct tuple membership: concrete subjects and
// wildcards match immediately; userset subjects (e.g. @group:eng#member)
// recurse into the referenced relation.
func (r *resolver) evalDirect(ctx context.Context, object store.ObjectRef, rel *schema.Relation, subject store.SubjectRef, path []VisitedKey) (bool, error) {
	r.probe.DirectLookup(object, rel.Name)
	tuples, err := r.view.read(ctx, object, rel.Name)
	if err != nil {
		return false, err
	}

	var usersets []store.SubjectRef
	for _, t := range tuples {
		applies, err := r.tupleApplies(t)
		if err != nil {
			return false, err
		}
		if !applies {
			continue
		}

		ts := t.Subject
		if ts == subject {
			return true, nil
		}
		if ts.IsWildcard() {
			// Wildcards only apply where the model names them, and never
			// match userset subjects.
			if ts.Type == subject.Type && !subject.IsUserset() && rel.AllowsWildcard(ts.Type) {
				return true, nil
			}
			continue
		}
		if ts.IsUserset() {
			usersets = append(usersets, ts)
		}
	}

	if len(usersets) == 0 {
		return false, nil
	}
	branches := make([]branch, 0, len(usersets))
	for _, ref := range usersets {
		// Skip userset subjects whose relation is not in this model; tuples
		// may predate the model version being evaluated.
		if r.sc.Relation(ref.Type, ref.Relation) == nil {
			continue
		}
		ref := ref
		branches = append(branches, func(ctx context.Context) (bool, error) {
			return r.check(ctx, store.ObjectRef{Type: ref.Type, ID: ref.ID}, ref.Relation, subject, path)
		})
	}
	return r.anyOf(ctx, branches)
}

// evalArrow evaluates a tuple-to-userset: follow the tupleset relation to
// find target objects, then check the computed relation on each target.
func (r *resolver) evalArrow(ctx context.Context, object store.ObjectRef, arrow *schema.TupleToUserset, subject store.SubjectRef, path []VisitedKey) (bool, error) {
	r.probe.ArrowTraversal(arrow.TuplesetRelation, arrow.ComputedUsersetRelation)
	tuples, err := r.view.read(ctx, object, arrow.TuplesetRelation)
	if err != nil {
		return false, err
	}

	var branches []branch
	for _, t := range tuples {
		// Tupleset relations point at objects; userset or wildcard subjects
		// are rejected at publish time.
		if t.Subject.IsUserset() || t.Subject.IsWildcard() {
			continue
		}
		applies, err := r.tupleApplies(t)
		if err != nil {
			return false, err
		}
		if !applies {
			continue
		}
		if r.sc.Relation(t.Subject.Type, arrow.ComputedUsersetRelation) == nil {
			continue
		}
		target := store.ObjectRef{Type: t.Subject.Type, ID: t.Subject.ID}
		branches = append(branches, func(ctx context.Context) (bool, error) {
			return r.check(ctx, target, arrow.ComputedUsersetRelation, subject, path)
		})
	}
	return r.anyOf(ctx, branches)
}

// tupleApplies evaluates the tuple's condition, if any. Tuple-bound context
// parameters take precedence over the query context.
func (r *resolver) tupleApplies(t store.Tuple) (bool, error) {
	if t.Condition == "" {
		return true, nil
	}
	cond, ok := r.sc.Conditions[t.Condition]
	if !ok {
		return false, fmt.Errorf("tuple %s references unknown condition %s", t, t.Condition)
	}
	return cond.Evaluate(schema.MergeContext(r.queryCtx, t.ConditionContext))
}

// branch is one independently evaluable subexpression.
type branch func(ctx context.Context) (bool, error)

// anyOf evaluates branches concurrently and reports whether any is true.
// Once a branch is true the siblings are canceled; their cancellation errors
// are not surfaced because the decision is already made. Any other error
// fails the whole evaluation: an unknown branch can never be treated as
// false.
func (r *resolver) anyOf(ctx context.Context, branches []branch) (bool, error) {
	switch len(branches) {
	case 0:
		return false, nil
	case 1:
		return branches[0](ctx)
	}

	branchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, branchCtx := errgroup.WithContext(branchCtx)
	g.SetLimit(r.limits.MaxParallel)

	var found atomic.Bool
	for _, b := range branches {
		b := b
		g.Go(func() error {
			if found.Load() {
				return nil
			}
			ok, err := b(branchCtx)
			if err != nil {
				return err
			}
			if ok {
				found.Store(true)
				cancel()
			}
			return nil
		})
	}
	err := g.Wait()
	if found.Load() {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return false, nil
}

// allOf evaluates branches concurrently and reports whether all are true.
// Once a branch is false the siblings are canceled.
func (r *resolver) allOf(ctx context.Context, branches []branch) (bool, error) {
	switch len(branches) {
	case 0:
		return false, nil
	case 1:
		return branches[0](ctx)
	}

	branchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, branchCtx := errgroup.WithContext(branchCtx)
	g.SetLimit(r.limits.MaxParallel)

	var failed atomic.Bool
	for _, b := range branches {
		b := b
		g.Go(func() error {
			if failed.Load() {
				return nil
			}
			ok, err := b(branchCtx)
			if err != nil {
				return err
			}
			if !ok {
				failed.Store(true)
				cancel()
			}
			return nil
		})
	}
	err := g.Wait()
	if failed.Load() {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return true, nil
}
