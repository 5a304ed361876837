package server

import (
	"fmt"
	"sort"
	"strings"

	"github.com/alechenninger/kestrel/graph"
	"github.com/alechenninger/kestrel/schema"
	"github.com/alechenninger/kestrel/store"
)

// schemaDTO is the wire form of an authorization model. Conditions are
// referenced by name and resolved against the server's registry, since their
// evaluation logic is compiled into the binary.
type schemaDTO struct {
	Types      []typeDTO `json:"types"`
	Conditions []string  `json:"conditions,omitempty"`
}

type typeDTO struct {
	Name      string        `json:"name"`
	Relations []relationDTO `json:"relations,omitempty"`
}

type relationDTO struct {
	Name        string          `json:"name"`
	TargetTypes []targetTypeDTO `json:"target_types,omitempty"`
	Rewrite     *rewriteDTO     `json:"rewrite,omitempty"`
}

type targetTypeDTO struct {
	Type     string `json:"type"`
	Relation string `json:"relation,omitempty"`
	Wildcard bool   `json:"wildcard,omitempty"`
}

// rewriteDTO is a tagged union; exactly one field may be set. A nil or empty
// rewrite means direct tuple membership.
type rewriteDTO struct {
	This         bool            `json:"this,omitempty"`
	Computed     string          `json:"computed,omitempty"`
	Arrow        *arrowDTO       `json:"arrow,omitempty"`
	Union        []rewriteDTO    `json:"union,omitempty"`
	Intersection []rewriteDTO    `json:"intersection,omitempty"`
	Exclusion    *exclusionDTO   `json:"exclusion,omitempty"`
	Condition    *conditionedDTO `json:"condition,omitempty"`
}

type arrowDTO struct {
	Tupleset string `json:"tupleset"`
	Computed string `json:"computed"`
}

type exclusionDTO struct {
	Base     rewriteDTO `json:"base"`
	Subtract rewriteDTO `json:"subtract"`
}

type conditionedDTO struct {
	Name  string     `json:"name"`
	Child rewriteDTO `json:"child"`
}

func (d schemaDTO) toSchema(registry map[schema.ConditionName]*schema.Condition) (*schema.Schema, error) {
	sc := &schema.Schema{
		Types:      make(map[schema.TypeName]*schema.ObjectType, len(d.Types)),
		Conditions: make(map[schema.ConditionName]*schema.Condition, len(d.Conditions)),
	}
	for _, name := range d.Conditions {
		cond, ok := registry[schema.ConditionName(name)]
		if !ok {
			return nil, fmt.Errorf("condition %q is not registered on this server", name)
		}
		sc.Conditions[cond.Name] = cond
	}
	for _, td := range d.Types {
		ot := &schema.ObjectType{
			Name:      schema.TypeName(td.Name),
			Relations: make(map[schema.RelationName]*schema.Relation, len(td.Relations)),
		}
		for _, rd := range td.Relations {
			rel := &schema.Relation{Name: schema.RelationName(rd.Name)}
			for _, tt := range rd.TargetTypes {
				rel.TargetTypes = append(rel.TargetTypes, schema.SubjectRef{
					Type:     schema.TypeName(tt.Type),
					Relation: schema.RelationName(tt.Relation),
					Wildcard: tt.Wildcard,
				})
			}
			if rd.Rewrite != nil {
				us, err := rd.Rewrite.toUserset()
				if err != nil {
					return nil, fmt.Errorf("relation %s#%s: %w", td.Name, rd.Name, err)
				}
				rel.Rewrite = us
			}
			ot.Relations[rel.Name] = rel
		}
		sc.Types[ot.Name] = ot
	}
	return sc, nil
}

func (d rewriteDTO) toUserset() (schema.Userset, error) {
	var set int
	for _, present := range []bool{
		d.This, d.Computed != "", d.Arrow != nil,
		len(d.Union) > 0, len(d.Intersection) > 0,
		d.Exclusion != nil, d.Condition != nil,
	} {
		if present {
			set++
		}
	}
	if set > 1 {
		return schema.Userset{}, fmt.Errorf("rewrite node sets more than one variant")
	}

	switch {
	case d.Computed != "":
		return schema.Computed(schema.RelationName(d.Computed)), nil
	case d.Arrow != nil:
		return schema.Arrow(schema.RelationName(d.Arrow.Tupleset), schema.RelationName(d.Arrow.Computed)), nil
	case len(d.Union) > 0:
		children, err := usersetChildren(d.Union)
		if err != nil {
			return schema.Userset{}, err
		}
		return schema.UnionOf(children...), nil
	case len(d.Intersection) > 0:
		children, err := usersetChildren(d.Intersection)
		if err != nil {
			return schema.Userset{}, err
		}
		return schema.IntersectionOf(children...), nil
	case d.Exclusion != nil:
		base, err := d.Exclusion.Base.toUserset()
		if err != nil {
			return schema.Userset{}, err
		}
		subtract, err := d.Exclusion.Subtract.toUserset()
		if err != nil {
			return schema.Userset{}, err
		}
		return schema.Difference(base, subtract), nil
	case d.Condition != nil:
		child, err := d.Condition.Child.toUserset()
		if err != nil {
			return schema.Userset{}, err
		}
		return schema.Conditioned(child, schema.ConditionName(d.Condition.Name)), nil
	default:
		return schema.Direct(), nil
	}
}

func usersetChildren(in []rewriteDTO) ([]schema.Userset, error) {
	out := make([]schema.Userset, 0, len(in))
	for _, d := range in {
		us, err := d.toUserset()
		if err != nil {
			return nil, err
		}
		out = append(out, us)
	}
	return out, nil
}

func schemaToDTO(sc *schema.Schema) schemaDTO {
	dto := schemaDTO{}
	for name := range sc.Conditions {
		dto.Conditions = append(dto.Conditions, string(name))
	}
	sort.Strings(dto.Conditions)

	for _, ot := range sc.Types {
		td := typeDTO{Name: string(ot.Name)}
		for _, rel := range ot.Relations {
			rd := relationDTO{Name: string(rel.Name)}
			for _, tt := range rel.TargetTypes {
				rd.TargetTypes = append(rd.TargetTypes, targetTypeDTO{
					Type:     string(tt.Type),
					Relation: string(tt.Relation),
					Wildcard: tt.Wildcard,
				})
			}
			if rw := usersetToDTO(rel.Rewrite); rw.This || rw.Computed != "" || rw.Arrow != nil ||
				len(rw.Union) > 0 || len(rw.Intersection) > 0 || rw.Exclusion != nil || rw.Condition != nil {
				rd.Rewrite = &rw
			}
			td.Relations = append(td.Relations, rd)
		}
		sort.Slice(td.Relations, func(i, j int) bool { return td.Relations[i].Name < td.Relations[j].Name })
		dto.Types = append(dto.Types, td)
	}
	sort.Slice(dto.Types, func(i, j int) bool { return dto.Types[i].Name < dto.Types[j].Name })
	return dto
}

func usersetToDTO(us schema.Userset) rewriteDTO {
	switch {
	case us.ComputedRelation != "":
		return rewriteDTO{Computed: string(us.ComputedRelation)}
	case us.TupleToUserset != nil:
		return rewriteDTO{Arrow: &arrowDTO{
			Tupleset: string(us.TupleToUserset.TuplesetRelation),
			Computed: string(us.TupleToUserset.ComputedUsersetRelation),
		}}
	case len(us.Union) > 0:
		return rewriteDTO{Union: usersetsToDTO(us.Union)}
	case len(us.Intersection) > 0:
		return rewriteDTO{Intersection: usersetsToDTO(us.Intersection)}
	case us.Exclusion != nil:
		return rewriteDTO{Exclusion: &exclusionDTO{
			Base:     usersetToDTO(us.Exclusion.Base),
			Subtract: usersetToDTO(us.Exclusion.Subtract),
		}}
	case us.Condition != nil:
		return rewriteDTO{Condition: &conditionedDTO{
			Name:  string(us.Condition.Condition),
			Child: usersetToDTO(us.Condition.Child),
		}}
	default:
		return rewriteDTO{}
	}
}

func usersetsToDTO(in []schema.Userset) []rewriteDTO {
	out := make([]rewriteDTO, 0, len(in))
	for _, us := range in {
		out = append(out, usersetToDTO(us))
	}
	return out
}

type expandNodeDTO struct {
	Kind      string          `json:"kind"`
	Operation string          `json:"operation,omitempty"`
	Children  []expandNodeDTO `json:"children,omitempty"`
	Subjects  []string        `json:"subjects,omitempty"`
}

func expandNodeToDTO(n *graph.ExpandNode) expandNodeDTO {
	dto := expandNodeDTO{Kind: string(n.Kind), Operation: n.Operation}
	for _, c := range n.Children {
		dto.Children = append(dto.Children, expandNodeToDTO(c))
	}
	for _, s := range n.Subjects {
		dto.Subjects = append(dto.Subjects, formatSubjectRef(s))
	}
	return dto
}

func formatSubjectRef(s store.SubjectRef) string {
	if s.Relation != "" {
		return fmt.Sprintf("%s:%s#%s", s.Type, s.ID, s.Relation)
	}
	return fmt.Sprintf("%s:%s", s.Type, s.ID)
}

// parseObjectRef parses "objectType:objectId".
func parseObjectRef(s string) (store.ObjectRef, error) {
	typ, id, ok := strings.Cut(s, ":")
	if !ok || typ == "" || id == "" {
		return store.ObjectRef{}, fmt.Errorf("malformed object reference %q, want type:id", s)
	}
	return store.ObjectRef{Type: schema.TypeName(typ), ID: id}, nil
}

// parseSubjectRef parses "subjectType:subjectId", an optional "#relation"
// suffix for userset subjects, or "subjectType:*" for wildcards.
func parseSubjectRef(s string) (store.SubjectRef, error) {
	base, relation, hasRelation := strings.Cut(s, "#")
	typ, id, ok := strings.Cut(base, ":")
	if !ok || typ == "" || id == "" {
		return store.SubjectRef{}, fmt.Errorf("malformed subject reference %q, want type:id", s)
	}
	if hasRelation && relation == "" {
		return store.SubjectRef{}, fmt.Errorf("malformed subject reference %q, empty relation", s)
	}
	if id == store.Wildcard && hasRelation {
		return store.SubjectRef{}, fmt.Errorf("wildcard subject %q cannot carry a relation", s)
	}
	return store.SubjectRef{
		Type:     schema.TypeName(typ),
		ID:       id,
		Relation: schema.RelationName(relation),
	}, nil
}
