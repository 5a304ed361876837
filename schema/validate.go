package schema

import (
	"fmt"
)

// Validate checks that every reference in the schema resolves and that no
// rewrite expression is malformed. A schema that fails validation must not be
// published.
//
// Validation rejects rewrites that reach their own relation on the same
// object without passing through a tuple hop (a This, TupleToUserset, or
// userset subject reference), since those would expand forever on a single
// object. Cross-object recursion through tuples is legal; the evaluator
// guards it with a visited set at query time because hierarchies are often
// legitimately deep.
func Validate(s *Schema) error {
	if len(s.Types) == 0 {
		return fmt.Errorf("schema has no types")
	}
	for name, c := range s.Conditions {
		if c == nil || c.Eval == nil {
			return fmt.Errorf("condition %s has no predicate", name)
		}
	}
	for typeName, ot := range s.Types {
		if ot == nil {
			return fmt.Errorf("type %s has no definition", typeName)
		}
		for relName, rel := range ot.Relations {
			if rel == nil {
				return fmt.Errorf("relation %s#%s has no definition", typeName, relName)
			}
			if err := validateTargetTypes(s, typeName, rel); err != nil {
				return err
			}
			if err := validateUserset(s, typeName, relName, rel.Rewrite); err != nil {
				return err
			}
			if reachesSelf(s, typeName, relName, rel.Rewrite, nil) {
				return fmt.Errorf("relation %s#%s references itself without a tuple hop", typeName, relName)
			}
		}
	}
	return nil
}

// validateTargetTypes checks the allowed subject types of a relation.
func validateTargetTypes(s *Schema, typeName TypeName, rel *Relation) error {
	for _, ref := range rel.TargetTypes {
		target, ok := s.Types[ref.Type]
		if !ok {
			return fmt.Errorf("relation %s#%s allows unknown subject type %s", typeName, rel.Name, ref.Type)
		}
		if ref.Relation != "" {
			if ref.Wildcard {
				return fmt.Errorf("relation %s#%s: userset subject %s#%s cannot also be a wildcard", typeName, rel.Name, ref.Type, ref.Relation)
			}
			if _, ok := target.Relations[ref.Relation]; !ok {
				return fmt.Errorf("relation %s#%s allows unknown userset subject %s#%s", typeName, rel.Name, ref.Type, ref.Relation)
			}
		}
	}
	return nil
}

// validateUserset checks that a rewrite expression is well formed and every
// relation it names resolves.
func validateUserset(s *Schema, typeName TypeName, relName RelationName, u Userset) error {
	if err := checkSingleVariant(typeName, relName, u); err != nil {
		return err
	}
	ot := s.Types[typeName]

	switch {
	case u.ComputedRelation != "":
		if _, ok := ot.Relations[u.ComputedRelation]; !ok {
			return fmt.Errorf("relation %s#%s rewrites unknown relation %s", typeName, relName, u.ComputedRelation)
		}

	case u.TupleToUserset != nil:
		arrow := u.TupleToUserset
		tupleset, ok := ot.Relations[arrow.TuplesetRelation]
		if !ok {
			return fmt.Errorf("relation %s#%s arrows through unknown relation %s", typeName, relName, arrow.TuplesetRelation)
		}
		if len(tupleset.TargetTypes) == 0 {
			return fmt.Errorf("relation %s#%s arrows through %s, which has no target types", typeName, relName, arrow.TuplesetRelation)
		}
		// Every direct target of the tupleset relation must declare the
		// computed relation, so arrow traversal can never dangle at runtime.
		for _, ref := range tupleset.TargetTypes {
			if ref.Relation != "" || ref.Wildcard {
				return fmt.Errorf("relation %s#%s arrows through %s, which allows non-direct subject %s", typeName, relName, arrow.TuplesetRelation, ref.Type)
			}
			target := s.Types[ref.Type]
			if target == nil {
				return fmt.Errorf("relation %s#%s arrows to unknown type %s", typeName, relName, ref.Type)
			}
			if _, ok := target.Relations[arrow.ComputedUsersetRelation]; !ok {
				return fmt.Errorf("relation %s#%s arrows to %s, which has no relation %s", typeName, relName, ref.Type, arrow.ComputedUsersetRelation)
			}
		}

	case len(u.Union) > 0:
		for _, child := range u.Union {
			if err := validateUserset(s, typeName, relName, child); err != nil {
				return err
			}
		}

	case len(u.Intersection) > 0:
		for _, child := range u.Intersection {
			if err := validateUserset(s, typeName, relName, child); err != nil {
				return err
			}
		}

	case u.Exclusion != nil:
		if err := validateUserset(s, typeName, relName, u.Exclusion.Base); err != nil {
			return err
		}
		if err := validateUserset(s, typeName, relName, u.Exclusion.Subtract); err != nil {
			return err
		}

	case u.Condition != nil:
		if _, ok := s.Conditions[u.Condition.Condition]; !ok {
			return fmt.Errorf("relation %s#%s references unknown condition %s", typeName, relName, u.Condition.Condition)
		}
		if err := validateUserset(s, typeName, relName, u.Condition.Child); err != nil {
			return err
		}
	}
	return nil
}

// checkSingleVariant rejects usersets with more than one variant populated.
func checkSingleVariant(typeName TypeName, relName RelationName, u Userset) error {
	set := 0
	if u.This {
		set++
	}
	if u.ComputedRelation != "" {
		set++
	}
	if u.TupleToUserset != nil {
		set++
	}
	if len(u.Union) > 0 {
		set++
	}
	if len(u.Intersection) > 0 {
		set++
	}
	if u.Exclusion != nil {
		set++
	}
	if u.Condition != nil {
		set++
	}
	if set > 1 {
		return fmt.Errorf("relation %s#%s has a malformed rewrite: multiple operations in one node", typeName, relName)
	}
	return nil
}

// reachesSelf walks ComputedRelation edges (and through set operators and
// conditions) on the same object, reporting whether the walk re-enters the
// starting relation. This/TupleToUserset nodes are tuple hops and end the walk.
func reachesSelf(s *Schema, typeName TypeName, start RelationName, u Userset, seen []RelationName) bool {
	switch {
	case u.ComputedRelation != "":
		if u.ComputedRelation == start {
			return true
		}
		for _, r := range seen {
			if r == u.ComputedRelation {
				// Cycle among other relations; reported when validating them.
				return false
			}
		}
		next := s.Relation(typeName, u.ComputedRelation)
		if next == nil {
			return false
		}
		return reachesSelf(s, typeName, start, next.Rewrite, append(seen, u.ComputedRelation))

	case len(u.Union) > 0:
		for _, child := range u.Union {
			if reachesSelf(s, typeName, start, child, seen) {
				return true
			}
		}

	case len(u.Intersection) > 0:
		for _, child := range u.Intersection {
			if reachesSelf(s, typeName, start, child, seen) {
				return true
			}
		}

	case u.Exclusion != nil:
		return reachesSelf(s, typeName, start, u.Exclusion.Base, seen) ||
			reachesSelf(s, typeName, start, u.Exclusion.Subtract, seen)

	case u.Condition != nil:
		return reachesSelf(s, typeName, start, u.Condition.Child, seen)
	}
	return false
}
