package graph

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring"
	"golang.org/x/sync/errgroup"

	"github.com/alechenninger/kestrel/model"
	"github.com/alechenninger/kestrel/schema"
	"github.com/alechenninger/kestrel/store"
	"github.com/alechenninger/kestrel/zookie"
)

// ListObjectsRequest asks for the objects of ObjectType on which Subject
// holds Relation.
type ListObjectsRequest struct {
	ModelID    model.ID
	ObjectType schema.TypeName
	Relation   schema.RelationName
	Subject    store.SubjectRef
	AsOf       zookie.Token

	ContextualTuples []store.Tuple
	Context          map[string]any
}

// ListObjectsResponse carries the matching object IDs, sorted, and the
// revision the answer reflects.
type ListObjectsResponse struct {
	ObjectIDs []string
	CheckedAt zookie.Token
}

// ListObjects returns every object of the requested type the subject holds
// the relation on. Candidates are gathered into a bitmap over interned
// object IDs and each is checked in full, so results are exactly as
// consistent as Check at the same revision. Candidates are evaluated
// concurrently up to the parallelism limit.
func (e *Engine) ListObjects(ctx context.Context, req ListObjectsRequest) (*ListObjectsResponse, error) {
	ctx, probe := e.observer.ListObjectsStarted(ctx, req)
	defer probe.End()

	m, rev, err := e.pin(ctx, req.ModelID, req.AsOf)
	if err != nil {
		probe.Error(err)
		return nil, err
	}
	if rel := m.Schema.Relation(req.ObjectType, req.Relation); rel == nil {
		err := fmt.Errorf("unknown relation %s#%s", req.ObjectType, req.Relation)
		probe.Error(err)
		return nil, err
	}

	// Candidate IDs come from overlapping sources: the persisted enumeration
	// plus the objects named by contextual tuples, which may repeat and may
	// already be in the store. The bitmap is their union.
	candidates := roaring.New()
	if rev != 0 {
		ids, err := e.st.ListObjectIDs(ctx, req.ObjectType, rev)
		if err != nil {
			probe.Error(err)
			return nil, err
		}
		for _, id := range ids {
			candidates.Add(e.objectIDs.intern(id))
		}
	}
	for _, t := range req.ContextualTuples {
		if t.Object.Type == req.ObjectType {
			candidates.Add(e.objectIDs.intern(t.Object.ID))
		}
	}
	probe.Candidates(int(candidates.GetCardinality()))

	var (
		mu      sync.Mutex
		matched []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.limits.MaxParallel)

	it := candidates.Iterator()
	for it.HasNext() {
		objectID, ok := e.objectIDs.lookup(it.Next())
		if !ok {
			continue
		}
		g.Go(func() error {
			r := e.newResolver(m.Schema, rev, req.ContextualTuples, req.Context, nil)
			allowed, err := r.check(gctx, store.ObjectRef{Type: req.ObjectType, ID: objectID}, req.Relation, req.Subject, nil)
			if err != nil {
				return err
			}
			if allowed {
				mu.Lock()
				matched = append(matched, objectID)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		probe.Error(err)
		return nil, err
	}

	sort.Strings(matched)
	probe.Result(len(matched), rev)
	return &ListObjectsResponse{ObjectIDs: matched, CheckedAt: zookie.FromRevision(rev)}, nil
}

// ListRelationsRequest asks which relations Subject holds on Object.
type ListRelationsRequest struct {
	ModelID model.ID
	Object  store.ObjectRef
	Subject store.SubjectRef
	AsOf    zookie.Token

	ContextualTuples []store.Tuple
	Context          map[string]any
}

// ListRelationsResponse carries the held relation names, sorted, and the
// revision the answer reflects.
type ListRelationsResponse struct {
	Relations []schema.RelationName
	CheckedAt zookie.Token
}

// ListRelations checks every relation declared on the object's type and
// returns those the subject holds. Relations are checked concurrently.
func (e *Engine) ListRelations(ctx context.Context, req ListRelationsRequest) (*ListRelationsResponse, error) {
	ctx, probe := e.observer.ListRelationsStarted(ctx, req)
	defer probe.End()

	m, rev, err := e.pin(ctx, req.ModelID, req.AsOf)
	if err != nil {
		probe.Error(err)
		return nil, err
	}
	ot := m.Schema.Type(req.Object.Type)
	if ot == nil {
		err := fmt.Errorf("unknown type %s", req.Object.Type)
		probe.Error(err)
		return nil, err
	}
	probe.Candidates(len(ot.Relations))

	var (
		mu   sync.Mutex
		held []schema.RelationName
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.limits.MaxParallel)

	for name := range ot.Relations {
		relation := name
		g.Go(func() error {
			r := e.newResolver(m.Schema, rev, req.ContextualTuples, req.Context, nil)
			allowed, err := r.check(gctx, req.Object, relation, req.Subject, nil)
			if err != nil {
				return err
			}
			if allowed {
				mu.Lock()
				held = append(held, relation)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		probe.Error(err)
		return nil, err
	}

	sort.Slice(held, func(i, j int) bool { return held[i] < held[j] })
	probe.Result(len(held), rev)
	return &ListRelationsResponse{Relations: held, CheckedAt: zookie.FromRevision(rev)}, nil
}
