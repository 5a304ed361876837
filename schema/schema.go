// Package schema defines types for representing a Zanzibar-style authorization
// model in code. A model describes object types and their relations, including
// how relations are rewritten in terms of direct tuples, other relations, and
// graph traversal, combined with union, intersection, and exclusion.
package schema

// TypeName identifies an object type (e.g., "document", "folder", "user").
// This is used for both object types and subject types.
type TypeName string

// RelationName identifies a relation on an object type (e.g., "viewer", "editor").
type RelationName string

// ConditionName identifies a named condition declared on a Schema.
type ConditionName string

// Schema defines a complete authorization model, mapping type names to their
// definitions. A Schema is immutable once published to a model store; new
// semantics require publishing a new model version.
type Schema struct {
	Types map[TypeName]*ObjectType

	// Conditions holds the named boolean predicates that relations and tuples
	// may reference. Nil when the model uses no conditions.
	Conditions map[ConditionName]*Condition
}

// Type returns the object type definition, or nil if the type is unknown.
func (s *Schema) Type(name TypeName) *ObjectType {
	return s.Types[name]
}

// Relation returns the relation definition for the given type, or nil if
// either the type or the relation is unknown.
func (s *Schema) Relation(objectType TypeName, relation RelationName) *Relation {
	ot, ok := s.Types[objectType]
	if !ok {
		return nil
	}
	return ot.Relations[relation]
}

// ObjectType defines a type of object in the authorization graph (e.g.,
// "document", "folder", "user").
type ObjectType struct {
	// Name is the type identifier (e.g., "document").
	Name TypeName
	// Relations maps relation names to their definitions.
	Relations map[RelationName]*Relation
}

// Relation defines a named relation on an object type.
//
// TargetTypes lists the subject types allowed in directly written tuples for
// this relation, including userset subjects (e.g. group#member) and wildcard
// subjects (user:*). Rewrite defines how the relation is computed; its zero
// value means direct tuple membership only.
type Relation struct {
	// Name is the relation identifier (e.g., "viewer", "editor", "parent").
	Name RelationName
	// TargetTypes lists the allowed subject types for direct tuples.
	TargetTypes []SubjectRef
	// Rewrite defines how this relation is computed. The zero value is
	// equivalent to Direct().
	Rewrite Userset
}

// AllowsSubject reports whether direct tuples with the given subject type and
// subject relation may be written for this relation.
func (r *Relation) AllowsSubject(subjectType TypeName, subjectRelation RelationName) bool {
	for _, ref := range r.TargetTypes {
		if ref.Type == subjectType && ref.Relation == subjectRelation && !ref.Wildcard {
			return true
		}
	}
	return false
}

// AllowsWildcard reports whether wildcard subjects (subjectType:*) may be
// written for this relation. Wildcards are never implicit; the model must
// name them per relation.
func (r *Relation) AllowsWildcard(subjectType TypeName) bool {
	for _, ref := range r.TargetTypes {
		if ref.Type == subjectType && ref.Wildcard {
			return true
		}
	}
	return false
}

// SubjectRef specifies an allowed subject type for a relation's TargetTypes.
type SubjectRef struct {
	// Type is the subject's object type (e.g., "user", "group", "folder").
	Type TypeName
	// Relation is the subject's relation (e.g., "member"). Empty string means
	// direct subject (no relation).
	Relation RelationName
	// Wildcard permits the subjectType:* wildcard subject.
	Wildcard bool
}

// Ref creates a SubjectRef for direct subjects (no relation).
// Example: Ref("user") allows @user:alice
func Ref(subjectType TypeName) SubjectRef {
	return SubjectRef{Type: subjectType}
}

// RefWithRelation creates a SubjectRef for userset subjects.
// Example: RefWithRelation("group", "member") allows @group:eng#member
func RefWithRelation(subjectType TypeName, relation RelationName) SubjectRef {
	return SubjectRef{Type: subjectType, Relation: relation}
}

// RefWildcard creates a SubjectRef permitting the wildcard subject.
// Example: RefWildcard("user") allows @user:*
func RefWildcard(subjectType TypeName) SubjectRef {
	return SubjectRef{Type: subjectType, Wildcard: true}
}

// Userset is the rewrite expression tree for a relation. It is a closed tagged
// variant: exactly one of the fields below is set (the zero value is treated
// as This). Internal nodes (Union, Intersection, Exclusion, Condition) combine
// child expressions; leaf nodes (This, ComputedRelation, TupleToUserset)
// resolve against tuples and other relations.
type Userset struct {
	// This specifies direct tuple membership for the relation.
	This bool

	// ComputedRelation references another relation on the same object.
	// For example, an "editor" rewrite on a "viewer" relation means editors
	// are also viewers.
	ComputedRelation RelationName

	// TupleToUserset defines an arrow traversal: follow TuplesetRelation to
	// find target objects, then check ComputedUsersetRelation on those targets.
	TupleToUserset *TupleToUserset

	// Union is satisfied when any child is satisfied.
	Union []Userset

	// Intersection is satisfied when every child is satisfied.
	Intersection []Userset

	// Exclusion is satisfied when Base is satisfied and Subtract is not.
	Exclusion *Exclusion

	// Condition gates a child expression on a named boolean predicate
	// evaluated against caller-supplied context.
	Condition *ConditionedUserset
}

// TupleToUserset represents an arrow operation: follow a relation to find
// target objects, then check another relation on those targets.
// For example, TuplesetRelation="parent", ComputedUsersetRelation="viewer"
// means "viewers of my parent are also my viewers".
type TupleToUserset struct {
	// TuplesetRelation is the relation to follow to find target objects.
	TuplesetRelation RelationName
	// ComputedUsersetRelation is the relation to check on the target objects.
	ComputedUsersetRelation RelationName
}

// Exclusion represents set difference: Base minus Subtract.
type Exclusion struct {
	Base     Userset
	Subtract Userset
}

// ConditionedUserset gates Child on the named condition.
type ConditionedUserset struct {
	Child     Userset
	Condition ConditionName
}

// Direct creates a Userset that checks direct tuple membership. The subject
// types allowed in those tuples come from the relation's TargetTypes.
func Direct() Userset {
	return Userset{This: true}
}

// Computed creates a Userset that references another relation on the same object.
func Computed(relation RelationName) Userset {
	return Userset{ComputedRelation: relation}
}

// Arrow creates a Userset that follows a relation and checks a relation on
// the target. This is the "tuple to userset" operation in Zanzibar terminology.
func Arrow(throughRelation, checkRelation RelationName) Userset {
	return Userset{
		TupleToUserset: &TupleToUserset{
			TuplesetRelation:        throughRelation,
			ComputedUsersetRelation: checkRelation,
		},
	}
}

// UnionOf creates a Userset satisfied when any child is satisfied.
func UnionOf(children ...Userset) Userset {
	return Userset{Union: children}
}

// IntersectionOf creates a Userset satisfied when every child is satisfied.
func IntersectionOf(children ...Userset) Userset {
	return Userset{Intersection: children}
}

// Difference creates a Userset satisfied when base is satisfied and subtract
// is not.
func Difference(base, subtract Userset) Userset {
	return Userset{Exclusion: &Exclusion{Base: base, Subtract: subtract}}
}

// Conditioned gates child on the named condition.
func Conditioned(child Userset, condition ConditionName) Userset {
	return Userset{Condition: &ConditionedUserset{Child: child, Condition: condition}}
}

// IsDirect reports whether the userset resolves direct tuple membership.
// The zero value of Userset is direct.
func (u Userset) IsDirect() bool {
	return u.This || (u.ComputedRelation == "" &&
		u.TupleToUserset == nil &&
		len(u.Union) == 0 &&
		len(u.Intersection) == 0 &&
		u.Exclusion == nil &&
		u.Condition == nil)
}
