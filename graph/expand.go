package graph

import (
	"context"
	"fmt"
	"sort"

	"github.com/alechenninger/kestrel/model"
	"github.com/alechenninger/kestrel/schema"
	"github.com/alechenninger/kestrel/store"
	"github.com/alechenninger/kestrel/zookie"
)

// ExpandNodeKind discriminates nodes in an expansion tree.
type ExpandNodeKind string

const (
	ExpandUnion        ExpandNodeKind = "union"
	ExpandIntersection ExpandNodeKind = "intersection"
	ExpandExclusion    ExpandNodeKind = "exclusion"
	ExpandLeaf         ExpandNodeKind = "leaf"
)

// ExpandNode is one node of an expansion tree. The tree mirrors the
// relation's rewrite expression, with each leaf annotated with the concrete
// subjects and userset references satisfying it. Userset references are not
// expanded further; callers can issue follow-up Expand calls on them.
type ExpandNode struct {
	Kind ExpandNodeKind

	// Operation describes what produced this node, e.g. "this",
	// "computed:editor", "arrow:parent#viewer", "condition:in_hours".
	Operation string

	// Children is populated for union, intersection, and exclusion nodes.
	// For exclusion the first child is the base and the second the subtraction.
	Children []*ExpandNode

	// Subjects is populated for leaf nodes.
	Subjects []store.SubjectRef
}

// leafSubjects counts annotated subjects across the tree.
func (n *ExpandNode) leafSubjects() int {
	if n == nil {
		return 0
	}
	total := len(n.Subjects)
	for _, c := range n.Children {
		total += c.leafSubjects()
	}
	return total
}

// ExpandRequest identifies a relation on an object to expand.
type ExpandRequest struct {
	ModelID  model.ID
	Object   store.ObjectRef
	Relation schema.RelationName
	AsOf     zookie.Token
}

// ExpandResponse carries the expansion tree and the revision it reflects.
type ExpandResponse struct {
	Tree       *ExpandNode
	ExpandedAt zookie.Token
}

// Expand builds a tree mirroring the relation's rewrite expression,
// annotating each leaf with the subjects and userset references found in
// tuples at the evaluation revision. It answers "why would a check here
// succeed" for auditing and debugging.
func (e *Engine) Expand(ctx context.Context, req ExpandRequest) (*ExpandResponse, error) {
	ctx, probe := e.observer.ExpandStarted(ctx, req)
	defer probe.End()

	m, rev, err := e.pin(ctx, req.ModelID, req.AsOf)
	if err != nil {
		probe.Error(err)
		return nil, err
	}
	rel := m.Schema.Relation(req.Object.Type, req.Relation)
	if rel == nil {
		err := fmt.Errorf("unknown relation %s#%s", req.Object.Type, req.Relation)
		probe.Error(err)
		return nil, err
	}

	ex := &expander{view: newView(e.st, rev, nil)}
	tree, err := ex.expand(ctx, req.Object, req.Relation, rel.Rewrite)
	if err != nil {
		probe.Error(err)
		return nil, err
	}
	probe.Result(tree.leafSubjects(), rev)
	return &ExpandResponse{Tree: tree, ExpandedAt: zookie.FromRevision(rev)}, nil
}

type expander struct {
	view *view
}

func (ex *expander) expand(ctx context.Context, object store.ObjectRef, relation schema.RelationName, us schema.Userset) (*ExpandNode, error) {
	switch {
	case len(us.Union) > 0:
		return ex.expandSet(ctx, object, relation, ExpandUnion, "union", us.Union)

	case len(us.Intersection) > 0:
		return ex.expandSet(ctx, object, relation, ExpandIntersection, "intersection", us.Intersection)

	case us.Exclusion != nil:
		base, err := ex.expand(ctx, object, relation, us.Exclusion.Base)
		if err != nil {
			return nil, err
		}
		subtract, err := ex.expand(ctx, object, relation, us.Exclusion.Subtract)
		if err != nil {
			return nil, err
		}
		return &ExpandNode{
			Kind:      ExpandExclusion,
			Operation: "exclusion",
			Children:  []*ExpandNode{base, subtract},
		}, nil

	case us.Condition != nil:
		child, err := ex.expand(ctx, object, relation, us.Condition.Child)
		if err != nil {
			return nil, err
		}
		// Expansion reports structure, not a decision; the condition is
		// surfaced on the child's operation so auditors see the guard.
		child.Operation = fmt.Sprintf("condition:%s %s", us.Condition.Condition, child.Operation)
		return child, nil

	case us.ComputedRelation != "":
		// A computed relation is a single userset reference back onto the
		// same object. It stays a leaf; callers expand further if needed.
		return &ExpandNode{
			Kind:      ExpandLeaf,
			Operation: fmt.Sprintf("computed:%s", us.ComputedRelation),
			Subjects: []store.SubjectRef{{
				Type:     object.Type,
				ID:       object.ID,
				Relation: us.ComputedRelation,
			}},
		}, nil

	case us.TupleToUserset != nil:
		return ex.expandArrow(ctx, object, us.TupleToUserset)

	default:
		return ex.expandDirect(ctx, object, relation)
	}
}

func (ex *expander) expandSet(ctx context.Context, object store.ObjectRef, relation schema.RelationName, kind ExpandNodeKind, op string, children []schema.Userset) (*ExpandNode, error) {
	node := &ExpandNode{Kind: kind, Operation: op, Children: make([]*ExpandNode, 0, len(children))}
	for _, child := range children {
		cn, err := ex.expand(ctx, object, relation, child)
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, cn)
	}
	return node, nil
}

// expandDirect lists the tuple subjects of the relation itself. Userset
// subjects are reported as-is; wildcard subjects appear with ID "*".
func (ex *expander) expandDirect(ctx context.Context, object store.ObjectRef, relation schema.RelationName) (*ExpandNode, error) {
	tuples, err := ex.view.read(ctx, object, relation)
	if err != nil {
		return nil, err
	}
	node := &ExpandNode{Kind: ExpandLeaf, Operation: "this"}
	for _, t := range tuples {
		node.Subjects = append(node.Subjects, t.Subject)
	}
	sortSubjects(node.Subjects)
	return node, nil
}

// expandArrow reports one userset reference per tupleset tuple, pointing at
// the computed relation on the target object.
func (ex *expander) expandArrow(ctx context.Context, object store.ObjectRef, arrow *schema.TupleToUserset) (*ExpandNode, error) {
	tuples, err := ex.view.read(ctx, object, arrow.TuplesetRelation)
	if err != nil {
		return nil, err
	}
	node := &ExpandNode{
		Kind:      ExpandLeaf,
		Operation: fmt.Sprintf("arrow:%s#%s", arrow.TuplesetRelation, arrow.ComputedUsersetRelation),
	}
	for _, t := range tuples {
		// Tupleset relations only hold direct subjects; anything else was
		// rejected at model publish time.
		if t.Subject.IsUserset() || t.Subject.IsWildcard() {
			continue
		}
		node.Subjects = append(node.Subjects, store.SubjectRef{
			Type:     t.Subject.Type,
			ID:       t.Subject.ID,
			Relation: arrow.ComputedUsersetRelation,
		})
	}
	sortSubjects(node.Subjects)
	return node, nil
}

func sortSubjects(subjects []store.SubjectRef) {
	sort.Slice(subjects, func(i, j int) bool {
		a, b := subjects[i], subjects[j]
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		if a.ID != b.ID {
			return a.ID < b.ID
		}
		return a.Relation < b.Relation
	})
}
