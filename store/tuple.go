package store

import (
	"fmt"
	"strings"

	"github.com/alechenninger/kestrel/schema"
)

// String renders the tuple in its textual form:
// object_type:object_id#relation@subject_type:subject_id[#subject_relation].
// Condition and condition context are not part of the textual form.
func (t Tuple) String() string {
	var b strings.Builder
	b.WriteString(string(t.Object.Type))
	b.WriteByte(':')
	b.WriteString(t.Object.ID)
	b.WriteByte('#')
	b.WriteString(string(t.Relation))
	b.WriteByte('@')
	b.WriteString(string(t.Subject.Type))
	b.WriteByte(':')
	b.WriteString(t.Subject.ID)
	if t.Subject.Relation != "" {
		b.WriteByte('#')
		b.WriteString(string(t.Subject.Relation))
	}
	return b.String()
}

// ParseTuple parses the textual tuple form produced by [Tuple.String].
// It accepts wildcard subjects (subject_type:*) and userset subjects
// (subject_type:subject_id#subject_relation).
func ParseTuple(s string) (Tuple, error) {
	objectPart, subjectPart, ok := strings.Cut(s, "@")
	if !ok {
		return Tuple{}, fmt.Errorf("invalid tuple %q: missing @subject", s)
	}

	objectRef, relation, ok := strings.Cut(objectPart, "#")
	if !ok {
		return Tuple{}, fmt.Errorf("invalid tuple %q: missing #relation", s)
	}
	objectType, objectID, ok := strings.Cut(objectRef, ":")
	if !ok || objectType == "" || objectID == "" || relation == "" {
		return Tuple{}, fmt.Errorf("invalid tuple %q: malformed object", s)
	}

	subjectRef, subjectRelation, _ := strings.Cut(subjectPart, "#")
	subjectType, subjectID, ok := strings.Cut(subjectRef, ":")
	if !ok || subjectType == "" || subjectID == "" {
		return Tuple{}, fmt.Errorf("invalid tuple %q: malformed subject", s)
	}
	if subjectID == Wildcard && subjectRelation != "" {
		return Tuple{}, fmt.Errorf("invalid tuple %q: wildcard subject cannot have a relation", s)
	}

	return Tuple{
		Object:   ObjectRef{Type: schema.TypeName(objectType), ID: objectID},
		Relation: schema.RelationName(relation),
		Subject: SubjectRef{
			Type:     schema.TypeName(subjectType),
			ID:       subjectID,
			Relation: schema.RelationName(subjectRelation),
		},
	}, nil
}

// MustParseTuple is ParseTuple for fixtures; it panics on malformed input.
func MustParseTuple(s string) Tuple {
	t, err := ParseTuple(s)
	if err != nil {
		panic(err)
	}
	return t
}
