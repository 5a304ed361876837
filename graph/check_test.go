package graph_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/alechenninger/kestrel/graph"
	"github.com/alechenninger/kestrel/model"
	"github.com/alechenninger/kestrel/schema"
	"github.com/alechenninger/kestrel/store"
	"github.com/alechenninger/kestrel/zookie"
)

var ctx = context.Background()

// testSchema creates a realistic document/folder/user/group/organization
// schema for testing.
//
// The schema models:
//   - user: a leaf type with no relations (subjects are user IDs)
//   - group: has "member" pointing to users or nested group#member
//   - folder: has "viewer" with hierarchy via "parent"
//   - document: "viewer" is direct or editor or inherited from parent;
//     "view" subtracts "banned"; "previewer" is guarded by a condition;
//     "viewer" also permits user:* wildcards
//   - organization: "admin" requires both an admin tuple and membership
func testSchema() *schema.Schema {
	return &schema.Schema{
		Types: map[schema.TypeName]*schema.ObjectType{
			"user": {
				Name:      "user",
				Relations: map[schema.RelationName]*schema.Relation{},
			},
			"group": {
				Name: "group",
				Relations: map[schema.RelationName]*schema.Relation{
					"member": {
						Name: "member",
						TargetTypes: []schema.SubjectRef{
							schema.Ref("user"),                        // @user:alice
							schema.RefWithRelation("group", "member"), // @group:eng#member
						},
					},
				},
			},
			"folder": {
				Name: "folder",
				Relations: map[schema.RelationName]*schema.Relation{
					"parent": {
						Name: "parent",
						TargetTypes: []schema.SubjectRef{
							schema.Ref("folder"),
						},
					},
					"viewer": {
						Name: "viewer",
						TargetTypes: []schema.SubjectRef{
							schema.Ref("user"),
							schema.RefWithRelation("group", "member"),
						},
						Rewrite: schema.UnionOf(
							schema.Direct(),                  // direct viewers
							schema.Arrow("parent", "viewer"), // viewers of parent folder
						),
					},
				},
			},
			"document": {
				Name: "document",
				Relations: map[schema.RelationName]*schema.Relation{
					"parent": {
						Name: "parent",
						TargetTypes: []schema.SubjectRef{
							schema.Ref("folder"),
						},
					},
					"owner": {
						Name: "owner",
						TargetTypes: []schema.SubjectRef{
							schema.Ref("user"),
						},
					},
					"editor": {
						Name: "editor",
						TargetTypes: []schema.SubjectRef{
							schema.Ref("user"),
						},
						Rewrite: schema.UnionOf(
							schema.Direct(),
							schema.Computed("owner"), // owners can edit
						),
					},
					"banned": {
						Name: "banned",
						TargetTypes: []schema.SubjectRef{
							schema.Ref("user"),
						},
					},
					"viewer": {
						Name: "viewer",
						TargetTypes: []schema.SubjectRef{
							schema.Ref("user"),
							schema.RefWithRelation("group", "member"),
							schema.RefWildcard("user"), // @user:*
						},
						Rewrite: schema.UnionOf(
							schema.Direct(),
							schema.Computed("editor"),        // editors can view
							schema.Arrow("parent", "viewer"), // viewers of parent folder
						),
					},
					"view": {
						Name: "view",
						Rewrite: schema.Difference(
							schema.Computed("viewer"),
							schema.Computed("banned"),
						),
					},
					"previewer": {
						Name: "previewer",
						TargetTypes: []schema.SubjectRef{
							schema.Ref("user"),
						},
						Rewrite: schema.Conditioned(schema.Direct(), "min_level"),
					},
				},
			},
			"organization": {
				Name: "organization",
				Relations: map[schema.RelationName]*schema.Relation{
					"member": {
						Name: "member",
						TargetTypes: []schema.SubjectRef{
							schema.Ref("user"),
						},
					},
					"admin": {
						Name: "admin",
						TargetTypes: []schema.SubjectRef{
							schema.Ref("user"),
						},
						Rewrite: schema.IntersectionOf(
							schema.Direct(),
							schema.Computed("member"), // admins must also be members
						),
					},
				},
			},
		},
		Conditions: map[schema.ConditionName]*schema.Condition{
			"min_level": {
				Name:         "min_level",
				RequiredKeys: []string{"level"},
				Eval: func(params map[string]any) (bool, error) {
					level, ok := params["level"].(float64)
					if !ok {
						return false, fmt.Errorf("level must be a number")
					}
					return level >= 5, nil
				},
			},
		},
	}
}

func setup(t *testing.T, opts ...graph.Option) (*graph.Engine, model.ID) {
	t.Helper()
	models := model.NewStore()
	id, err := models.Publish(testSchema())
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	return graph.NewEngine(models, store.NewMemoryStore(), opts...), id
}

func write(t *testing.T, e *graph.Engine, id model.ID, tuples ...string) zookie.Token {
	t.Helper()
	req := graph.WriteTuplesRequest{ModelID: id}
	for _, s := range tuples {
		req.Writes = append(req.Writes, store.MustParseTuple(s))
	}
	token, err := e.WriteTuples(ctx, req)
	if err != nil {
		t.Fatalf("WriteTuples(%v) failed: %v", tuples, err)
	}
	return token
}

func del(t *testing.T, e *graph.Engine, id model.ID, tuples ...string) zookie.Token {
	t.Helper()
	req := graph.WriteTuplesRequest{ModelID: id}
	for _, s := range tuples {
		req.Deletes = append(req.Deletes, store.MustParseTuple(s))
	}
	token, err := e.WriteTuples(ctx, req)
	if err != nil {
		t.Fatalf("WriteTuples(delete %v) failed: %v", tuples, err)
	}
	return token
}

// check evaluates a check expressed in tuple form, e.g.
// "document:doc1#viewer@user:alice".
func check(t *testing.T, e *graph.Engine, id model.ID, key string) bool {
	t.Helper()
	resp, err := e.Check(ctx, checkRequest(id, key))
	if err != nil {
		t.Fatalf("Check(%s) failed: %v", key, err)
	}
	return resp.Allowed
}

func checkRequest(id model.ID, key string) graph.CheckRequest {
	k := store.MustParseTuple(key)
	return graph.CheckRequest{
		ModelID:  id,
		Object:   k.Object,
		Relation: k.Relation,
		Subject:  k.Subject,
	}
}

func TestCheck_DirectMembership(t *testing.T) {
	e, id := setup(t)
	write(t, e, id, "document:doc1#viewer@user:alice")

	if !check(t, e, id, "document:doc1#viewer@user:alice") {
		t.Error("expected alice to be viewer of doc1")
	}
	if check(t, e, id, "document:doc1#viewer@user:carol") {
		t.Error("expected carol to NOT be viewer of doc1")
	}
}

func TestCheck_ComputedRelation(t *testing.T) {
	e, id := setup(t)
	write(t, e, id, "document:doc1#owner@user:alice")

	// Owners can edit, editors can view.
	if !check(t, e, id, "document:doc1#editor@user:alice") {
		t.Error("expected alice (owner) to be editor of doc1")
	}
	if !check(t, e, id, "document:doc1#viewer@user:alice") {
		t.Error("expected alice (owner) to be viewer of doc1")
	}
	if check(t, e, id, "document:doc1#viewer@user:carol") {
		t.Error("expected carol to NOT be viewer of doc1")
	}
}

func TestCheck_ArrowTraversal(t *testing.T) {
	e, id := setup(t)
	write(t, e, id,
		"document:doc1#viewer@user:alice",
		"document:doc1#parent@folder:f1",
		"folder:f1#viewer@user:bob",
	)

	if !check(t, e, id, "document:doc1#viewer@user:alice") {
		t.Error("expected alice to be viewer of doc1 (direct)")
	}
	if !check(t, e, id, "document:doc1#viewer@user:bob") {
		t.Error("expected bob to be viewer of doc1 (via parent folder)")
	}
	if check(t, e, id, "document:doc1#viewer@user:carol") {
		t.Error("expected carol to NOT be viewer of doc1")
	}
}

func TestCheck_ArrowTraversalNestedFolders(t *testing.T) {
	e, id := setup(t)
	write(t, e, id,
		"document:doc1#parent@folder:child",
		"folder:child#parent@folder:root",
		"folder:root#viewer@user:alice",
	)

	if !check(t, e, id, "document:doc1#viewer@user:alice") {
		t.Error("expected alice to be viewer of doc1 (via two-level hierarchy)")
	}
}

func TestCheck_GroupMembership(t *testing.T) {
	e, id := setup(t)
	write(t, e, id,
		"group:eng#member@user:dave",
		"document:doc2#viewer@group:eng#member",
	)

	if !check(t, e, id, "document:doc2#viewer@user:dave") {
		t.Error("expected dave to be viewer of doc2 (via group)")
	}

	// Revoking membership revokes derived access.
	del(t, e, id, "group:eng#member@user:dave")
	if check(t, e, id, "document:doc2#viewer@user:dave") {
		t.Error("expected dave to lose viewer of doc2 after leaving group")
	}
}

func TestCheck_NestedGroups(t *testing.T) {
	e, id := setup(t)
	write(t, e, id,
		"group:eng#member@group:platform#member",
		"group:platform#member@user:erin",
		"document:doc2#viewer@group:eng#member",
	)

	if !check(t, e, id, "document:doc2#viewer@user:erin") {
		t.Error("expected erin to be viewer of doc2 (via nested group)")
	}
}

func TestCheck_CycleTerminates(t *testing.T) {
	e, id := setup(t)
	write(t, e, id,
		"group:x#member@group:y#member",
		"group:y#member@group:x#member",
	)

	// Neither group grants zoe membership; the cyclic userset references
	// must terminate with a denial rather than hang.
	if check(t, e, id, "group:x#member@user:zoe") {
		t.Error("expected zoe to NOT be member of group x")
	}

	// A concrete grant inside the cycle is still found.
	write(t, e, id, "group:y#member@user:zoe")
	if !check(t, e, id, "group:x#member@user:zoe") {
		t.Error("expected zoe to be member of group x via group y")
	}
}

func TestCheck_Intersection(t *testing.T) {
	e, id := setup(t)

	// An admin tuple without membership is not enough.
	write(t, e, id, "organization:acme#admin@user:eve")
	if check(t, e, id, "organization:acme#admin@user:eve") {
		t.Error("expected eve to NOT be admin of acme without membership")
	}

	// Adding membership flips the decision.
	write(t, e, id, "organization:acme#member@user:eve")
	if !check(t, e, id, "organization:acme#admin@user:eve") {
		t.Error("expected eve to be admin of acme once also a member")
	}
}

func TestCheck_Exclusion(t *testing.T) {
	e, id := setup(t)
	write(t, e, id, "document:doc3#viewer@user:frank")

	if !check(t, e, id, "document:doc3#view@user:frank") {
		t.Error("expected frank to have view on doc3")
	}

	write(t, e, id, "document:doc3#banned@user:frank")
	if check(t, e, id, "document:doc3#view@user:frank") {
		t.Error("expected banned frank to NOT have view on doc3")
	}

	// Still a viewer; only the exclusion-guarded relation is denied.
	if !check(t, e, id, "document:doc3#viewer@user:frank") {
		t.Error("expected frank to remain viewer of doc3")
	}
}

func TestCheck_Wildcard(t *testing.T) {
	e, id := setup(t)
	write(t, e, id, "document:public#viewer@user:*")

	if !check(t, e, id, "document:public#viewer@user:anyone") {
		t.Error("expected any user to be viewer of public document")
	}

	// A wildcard never satisfies a userset subject.
	resp, err := e.Check(ctx, graph.CheckRequest{
		ModelID:  id,
		Object:   store.ObjectRef{Type: "document", ID: "public"},
		Relation: "viewer",
		Subject:  store.SubjectRef{Type: "group", ID: "eng", Relation: "member"},
	})
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if resp.Allowed {
		t.Error("expected group:eng#member to NOT match user wildcard")
	}
}

func TestCheck_WildcardRejectedWhereNotAllowed(t *testing.T) {
	e, id := setup(t)

	// The editor relation does not permit wildcards.
	_, err := e.WriteTuples(ctx, graph.WriteTuplesRequest{
		ModelID: id,
		Writes:  []store.Tuple{store.MustParseTuple("document:doc1#editor@user:*")},
	})
	if err == nil {
		t.Fatal("expected wildcard write to editor to be rejected")
	}
}

func TestCheck_TupleCondition(t *testing.T) {
	e, id := setup(t)

	grant := store.MustParseTuple("document:doc4#viewer@user:gale")
	grant.Condition = "min_level"
	grant.ConditionContext = map[string]any{"level": float64(7)}
	if _, err := e.WriteTuples(ctx, graph.WriteTuplesRequest{ModelID: id, Writes: []store.Tuple{grant}}); err != nil {
		t.Fatalf("WriteTuples failed: %v", err)
	}

	// The tuple carries its own context, so the query needs none.
	if !check(t, e, id, "document:doc4#viewer@user:gale") {
		t.Error("expected gale to be viewer of doc4 (tuple context satisfies condition)")
	}

	// Tuple-bound parameters take precedence over query context.
	resp, err := e.Check(ctx, func() graph.CheckRequest {
		req := checkRequest(id, "document:doc4#viewer@user:gale")
		req.Context = map[string]any{"level": float64(1)}
		return req
	}())
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !resp.Allowed {
		t.Error("expected tuple-bound level to override query context")
	}
}

func TestCheck_ConditionFromQueryContext(t *testing.T) {
	e, id := setup(t)
	write(t, e, id, "document:doc5#previewer@user:hana")

	req := checkRequest(id, "document:doc5#previewer@user:hana")
	req.Context = map[string]any{"level": float64(9)}
	resp, err := e.Check(ctx, req)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !resp.Allowed {
		t.Error("expected hana to be previewer with level 9")
	}

	req.Context = map[string]any{"level": float64(2)}
	resp, err = e.Check(ctx, req)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if resp.Allowed {
		t.Error("expected hana to NOT be previewer with level 2")
	}
}

func TestCheck_MissingConditionContextFailsClosed(t *testing.T) {
	e, id := setup(t)
	write(t, e, id, "document:doc5#previewer@user:hana")

	// No context at all: the query must error, not silently deny.
	_, err := e.Check(ctx, checkRequest(id, "document:doc5#previewer@user:hana"))
	if !errors.Is(err, schema.ErrMissingContext) {
		t.Fatalf("expected ErrMissingContext, got %v", err)
	}
}

func TestCheck_ContextualTuples(t *testing.T) {
	e, id := setup(t)

	req := checkRequest(id, "document:doc6#viewer@user:iris")
	req.ContextualTuples = []store.Tuple{
		store.MustParseTuple("document:doc6#viewer@user:iris"),
	}
	resp, err := e.Check(ctx, req)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !resp.Allowed {
		t.Error("expected contextual tuple to grant iris viewer of doc6")
	}

	// Contextual tuples are scoped to their call.
	if check(t, e, id, "document:doc6#viewer@user:iris") {
		t.Error("expected contextual tuple to NOT persist")
	}
}

func TestCheck_TokenMonotonicity(t *testing.T) {
	e, id := setup(t)

	t1 := write(t, e, id, "document:doc1#viewer@user:alice")
	t2 := write(t, e, id, "document:doc1#viewer@user:bob")

	r1, err := t1.Revision()
	if err != nil {
		t.Fatalf("Revision failed: %v", err)
	}
	r2, err := t2.Revision()
	if err != nil {
		t.Fatalf("Revision failed: %v", err)
	}
	if r2 <= r1 {
		t.Errorf("expected token revisions to be monotonic, got %d then %d", r1, r2)
	}
}

func TestCheck_SnapshotConsistency(t *testing.T) {
	e, id := setup(t)

	before := write(t, e, id, "document:doc1#viewer@user:alice")
	write(t, e, id, "document:doc1#viewer@user:bob")

	// Pinned to the earlier token, bob's later grant is invisible.
	req := checkRequest(id, "document:doc1#viewer@user:bob")
	req.AsOf = before
	resp, err := e.Check(ctx, req)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if resp.Allowed {
		t.Error("expected snapshot check to NOT observe later write")
	}

	// At head, it is visible.
	if !check(t, e, id, "document:doc1#viewer@user:bob") {
		t.Error("expected head check to observe the write")
	}
}

func TestCheck_DeleteThenCheck(t *testing.T) {
	e, id := setup(t)

	write(t, e, id, "document:doc1#viewer@user:alice")
	del(t, e, id, "document:doc1#viewer@user:alice")

	if check(t, e, id, "document:doc1#viewer@user:alice") {
		t.Error("expected alice to NOT be viewer after delete")
	}
}

func TestCheck_DepthBudget(t *testing.T) {
	e, id := setup(t, graph.WithLimits(graph.Limits{MaxDepth: 4, MaxVisits: 1000, MaxParallel: 4}))

	// A folder chain deeper than the depth budget.
	write(t, e, id,
		"document:deep#parent@folder:f1",
		"folder:f1#parent@folder:f2",
		"folder:f2#parent@folder:f3",
		"folder:f3#parent@folder:f4",
		"folder:f4#viewer@user:alice",
	)

	_, err := e.Check(ctx, checkRequest(id, "document:deep#viewer@user:alice"))
	if !errors.Is(err, graph.ErrBudgetExceeded) {
		t.Fatalf("expected ErrBudgetExceeded, got %v", err)
	}
}

func TestCheck_VisitBudget(t *testing.T) {
	e, id := setup(t, graph.WithLimits(graph.Limits{MaxDepth: 32, MaxVisits: 10, MaxParallel: 4}))

	// Wide fan-out well inside the depth budget: one root group with many
	// nested member groups. Resolving the absent subject has to visit the
	// document, the root, and every nested group.
	tuples := []string{"document:doc1#viewer@group:root#member"}
	for i := 0; i < 50; i++ {
		tuples = append(tuples, fmt.Sprintf("group:root#member@group:g%d#member", i))
	}
	write(t, e, id, tuples...)

	_, err := e.Check(ctx, checkRequest(id, "document:doc1#viewer@user:nobody"))
	if !errors.Is(err, graph.ErrBudgetExceeded) {
		t.Fatalf("expected ErrBudgetExceeded, got %v", err)
	}
}

func TestCheck_UnknownRelation(t *testing.T) {
	e, id := setup(t)

	_, err := e.Check(ctx, graph.CheckRequest{
		ModelID:  id,
		Object:   store.ObjectRef{Type: "document", ID: "doc1"},
		Relation: "nonexistent",
		Subject:  store.SubjectRef{Type: "user", ID: "alice"},
	})
	if err == nil {
		t.Fatal("expected error for unknown relation")
	}
}

func TestCheck_PreconditionFailed(t *testing.T) {
	e, id := setup(t)

	stale := write(t, e, id, "document:doc1#viewer@user:alice")
	write(t, e, id, "document:doc1#viewer@user:bob")

	_, err := e.WriteTuples(ctx, graph.WriteTuplesRequest{
		ModelID:      id,
		Writes:       []store.Tuple{store.MustParseTuple("document:doc1#viewer@user:carol")},
		Precondition: stale,
	})
	if !errors.Is(err, store.ErrPreconditionFailed) {
		t.Fatalf("expected ErrPreconditionFailed, got %v", err)
	}
}

func TestCheck_TokenPinsEvaluationRepeatably(t *testing.T) {
	e, id := setup(t)

	pinned := write(t, e, id, "document:doc1#viewer@user:alice")
	req := checkRequest(id, "document:doc1#viewer@user:alice")
	req.AsOf = pinned

	del(t, e, id, "document:doc1#viewer@user:alice")

	// The pinned snapshot still shows the grant; head does not.
	resp, err := e.Check(ctx, req)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !resp.Allowed {
		t.Error("expected pinned check to still observe the deleted grant")
	}
	if check(t, e, id, "document:doc1#viewer@user:alice") {
		t.Error("expected head check to observe the delete")
	}
}

func TestCheck_CanceledContextIsAnError(t *testing.T) {
	e, id := setup(t)
	write(t, e, id, "document:doc1#viewer@user:alice")

	canceled, cancel := context.WithCancel(ctx)
	cancel()

	_, err := e.Check(canceled, checkRequest(id, "document:doc1#viewer@user:alice"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestCheck_ZeroRevisionTokenSeesEmptySnapshot(t *testing.T) {
	e, id := setup(t)
	write(t, e, id, "document:doc1#viewer@user:alice")

	// Revision 0 precedes every commit. A query pinned there must not read
	// the live head, even though the store exposes head reads at 0.
	req := checkRequest(id, "document:doc1#viewer@user:alice")
	req.AsOf = zookie.FromRevision(0)

	resp, err := e.Check(ctx, req)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if resp.Allowed {
		t.Error("expected a revision-0 snapshot to contain no tuples")
	}
}

func TestCheck_ZeroRevisionStillSeesContextualTuples(t *testing.T) {
	e, id := setup(t)

	// Nothing committed yet: head is revision 0. Contextual tuples are
	// per-query state and remain visible.
	req := checkRequest(id, "document:doc1#viewer@user:alice")
	req.ContextualTuples = []store.Tuple{
		store.MustParseTuple("document:doc1#viewer@user:alice"),
	}

	resp, err := e.Check(ctx, req)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !resp.Allowed {
		t.Error("expected contextual tuple to grant at revision 0")
	}
}
