package graph

import (
	"context"

	"github.com/alechenninger/kestrel/schema"
	"github.com/alechenninger/kestrel/store"
)

// view is the tuple set a single query evaluates against: the persisted
// snapshot at a fixed revision, overlaid with the caller's contextual
// tuples. Contextual tuples exist only for the lifetime of the query and
// take precedence over persisted tuples with the same key.
type view struct {
	st         store.Store
	asOf       store.Revision
	contextual []store.Tuple
}

func newView(st store.Store, asOf store.Revision, contextual []store.Tuple) *view {
	return &view{st: st, asOf: asOf, contextual: contextual}
}

// read returns the tuples for (object, relation), contextual tuples first.
// Revision 0 precedes every commit, so at revision 0 only contextual tuples
// are visible; the store's live-head read is never consulted mid-query.
func (v *view) read(ctx context.Context, object store.ObjectRef, relation schema.RelationName) ([]store.Tuple, error) {
	f := store.Filter{
		ObjectType: object.Type,
		ObjectID:   object.ID,
		Relation:   relation,
	}

	var tuples []store.Tuple
	shadowed := make(map[store.TupleKey]struct{})
	for _, t := range v.contextual {
		if f.Matches(t) {
			tuples = append(tuples, t)
			shadowed[t.Key()] = struct{}{}
		}
	}
	if v.asOf == 0 {
		return tuples, nil
	}

	iter, err := v.st.Read(ctx, f, v.asOf)
	if err != nil {
		return nil, err
	}
	persisted, err := store.Collect(iter)
	if err != nil {
		return nil, err
	}
	for _, t := range persisted {
		if _, ok := shadowed[t.Key()]; ok {
			continue
		}
		tuples = append(tuples, t)
	}
	return tuples, nil
}
