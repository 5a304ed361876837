package store_test

import (
	"reflect"
	"testing"

	"github.com/alechenninger/kestrel/store"
)

func TestParseTuple(t *testing.T) {
	tests := []struct {
		in   string
		want store.Tuple
	}{
		{
			in: "document:readme#viewer@user:alice",
			want: store.Tuple{
				Object:   store.ObjectRef{Type: "document", ID: "readme"},
				Relation: "viewer",
				Subject:  store.SubjectRef{Type: "user", ID: "alice"},
			},
		},
		{
			in: "document:readme#viewer@group:eng#member",
			want: store.Tuple{
				Object:   store.ObjectRef{Type: "document", ID: "readme"},
				Relation: "viewer",
				Subject:  store.SubjectRef{Type: "group", ID: "eng", Relation: "member"},
			},
		},
		{
			in: "document:readme#viewer@user:*",
			want: store.Tuple{
				Object:   store.ObjectRef{Type: "document", ID: "readme"},
				Relation: "viewer",
				Subject:  store.SubjectRef{Type: "user", ID: "*"},
			},
		},
	}
	for _, tc := range tests {
		got, err := store.ParseTuple(tc.in)
		if err != nil {
			t.Fatalf("ParseTuple(%q) failed: %v", tc.in, err)
		}
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("ParseTuple(%q) = %+v, want %+v", tc.in, got, tc.want)
		}
		// String round-trips the textual form.
		if got.String() != tc.in {
			t.Errorf("String() = %q, want %q", got.String(), tc.in)
		}
	}
}

func TestParseTuple_Malformed(t *testing.T) {
	cases := []string{
		"",
		"document:readme",
		"document:readme#viewer",
		"document:readme@user:alice",
		"document#viewer@user:alice",
		"document:readme#viewer@alice",
		":readme#viewer@user:alice",
		"document:#viewer@user:alice",
		"document:readme#@user:alice",
		"document:readme#viewer@user:",
		"document:readme#viewer@user:*#member",
	}
	for _, in := range cases {
		if _, err := store.ParseTuple(in); err == nil {
			t.Errorf("ParseTuple(%q) succeeded, want error", in)
		}
	}
}

func TestFilter_Matches(t *testing.T) {
	tuple := store.MustParseTuple("document:readme#viewer@user:alice")

	matching := []store.Filter{
		{},
		{ObjectType: "document"},
		{ObjectType: "document", ObjectID: "readme"},
		{ObjectType: "document", ObjectID: "readme", Relation: "viewer"},
		{SubjectType: "user", SubjectID: "alice"},
	}
	for _, f := range matching {
		if !f.Matches(tuple) {
			t.Errorf("expected filter %+v to match %s", f, tuple)
		}
	}

	nonMatching := []store.Filter{
		{ObjectType: "folder"},
		{ObjectID: "other"},
		{Relation: "editor"},
		{SubjectID: "bob"},
	}
	for _, f := range nonMatching {
		if f.Matches(tuple) {
			t.Errorf("expected filter %+v to NOT match %s", f, tuple)
		}
	}
}
