package schema_test

import (
	"strings"
	"testing"

	"github.com/alechenninger/kestrel/schema"
)

func validSchema() *schema.Schema {
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
							schema.Ref("user"),
							schema.RefWithRelation("group", "member"),
						},
					},
				},
			},
			"document": {
				Name: "document",
				Relations: map[schema.RelationName]*schema.Relation{
					"parent": {
						Name:        "parent",
						TargetTypes: []schema.SubjectRef{schema.Ref("document")},
					},
					"editor": {
						Name:        "editor",
						TargetTypes: []schema.SubjectRef{schema.Ref("user")},
					},
					"viewer": {
						Name: "viewer",
						TargetTypes: []schema.SubjectRef{
							schema.Ref("user"),
							schema.RefWildcard("user"),
						},
						Rewrite: schema.UnionOf(
							schema.Direct(),
							schema.Computed("editor"),
							schema.Arrow("parent", "viewer"),
						),
					},
				},
			},
		},
	}
}

func TestValidate_ValidSchema(t *testing.T) {
	if err := schema.Validate(validSchema()); err != nil {
		t.Fatalf("expected valid schema, got %v", err)
	}
}

func TestValidate_EmptySchema(t *testing.T) {
	if err := schema.Validate(&schema.Schema{}); err == nil {
		t.Fatal("expected error for schema with no types")
	}
}

func TestValidate_UnknownSubjectType(t *testing.T) {
	s := validSchema()
	s.Types["document"].Relations["editor"].TargetTypes = []schema.SubjectRef{
		schema.Ref("robot"),
	}
	assertInvalid(t, s, "unknown subject type")
}

func TestValidate_UnknownUsersetRelation(t *testing.T) {
	s := validSchema()
	s.Types["document"].Relations["editor"].TargetTypes = []schema.SubjectRef{
		schema.RefWithRelation("group", "admin"),
	}
	assertInvalid(t, s, "unknown userset subject")
}

func TestValidate_UsersetWildcardConflict(t *testing.T) {
	s := validSchema()
	s.Types["document"].Relations["editor"].TargetTypes = []schema.SubjectRef{
		{Type: "group", Relation: "member", Wildcard: true},
	}
	assertInvalid(t, s, "cannot also be a wildcard")
}

func TestValidate_UnknownComputedRelation(t *testing.T) {
	s := validSchema()
	s.Types["document"].Relations["viewer"].Rewrite = schema.Computed("admin")
	assertInvalid(t, s, "unknown relation")
}

func TestValidate_ArrowThroughUnknownRelation(t *testing.T) {
	s := validSchema()
	s.Types["document"].Relations["viewer"].Rewrite = schema.Arrow("container", "viewer")
	assertInvalid(t, s, "arrows through unknown relation")
}

func TestValidate_ArrowThroughUsersetTupleset(t *testing.T) {
	s := validSchema()
	s.Types["document"].Relations["parent"].TargetTypes = []schema.SubjectRef{
		schema.RefWithRelation("group", "member"),
	}
	assertInvalid(t, s, "non-direct subject")
}

func TestValidate_ArrowToMissingTargetRelation(t *testing.T) {
	s := validSchema()
	s.Types["document"].Relations["viewer"].Rewrite = schema.Arrow("parent", "owner")
	assertInvalid(t, s, "has no relation")
}

func TestValidate_MultiVariantNode(t *testing.T) {
	s := validSchema()
	s.Types["document"].Relations["viewer"].Rewrite = schema.Userset{
		This:             true,
		ComputedRelation: "editor",
	}
	assertInvalid(t, s, "multiple operations")
}

func TestValidate_SelfReferenceWithoutTupleHop(t *testing.T) {
	s := validSchema()
	s.Types["document"].Relations["viewer"].Rewrite = schema.UnionOf(
		schema.Direct(),
		schema.Computed("viewer"),
	)
	assertInvalid(t, s, "references itself")
}

func TestValidate_MutualComputedRecursion(t *testing.T) {
	s := validSchema()
	s.Types["document"].Relations["viewer"].Rewrite = schema.Computed("editor")
	s.Types["document"].Relations["editor"].Rewrite = schema.Computed("viewer")
	assertInvalid(t, s, "references itself")
}

func TestValidate_SelfReferenceThroughArrowAllowed(t *testing.T) {
	// parent-based recursion crosses a tuple hop, so it terminates per
	// object and is legal.
	s := validSchema()
	s.Types["document"].Relations["viewer"].Rewrite = schema.UnionOf(
		schema.Direct(),
		schema.Arrow("parent", "viewer"),
	)
	if err := schema.Validate(s); err != nil {
		t.Fatalf("expected arrow self-recursion to be valid, got %v", err)
	}
}

func TestValidate_ConditionWithoutPredicate(t *testing.T) {
	s := validSchema()
	s.Conditions = map[schema.ConditionName]*schema.Condition{
		"broken": {Name: "broken"},
	}
	assertInvalid(t, s, "no predicate")
}

func TestValidate_UnknownConditionReference(t *testing.T) {
	s := validSchema()
	s.Types["document"].Relations["viewer"].Rewrite = schema.Conditioned(schema.Direct(), "missing")
	assertInvalid(t, s, "unknown condition")
}

func assertInvalid(t *testing.T, s *schema.Schema, wantSubstr string) {
	t.Helper()
	err := schema.Validate(s)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), wantSubstr) {
		t.Fatalf("expected error containing %q, got %v", wantSubstr, err)
	}
}
