// Package store defines the persistence interface for relationship tuples.
package store

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/alechenninger/kestrel/schema"
)

// Revision is a causal timestamp assigned by the tuple store. Revisions are
// strictly monotonic per store: every committed write gets a revision greater
// than every previously committed one. Consistency tokens encode revisions.
//
// Revision 0 is "no pin": reads at revision 0 observe the current head.
type Revision uint64

// AtomicRevision provides atomic operations on [Revision].
type AtomicRevision struct {
	v atomic.Uint64
}

// Load atomically loads and returns the stored Revision.
func (a *AtomicRevision) Load() Revision {
	return Revision(a.v.Load())
}

// Store atomically stores r.
func (a *AtomicRevision) Store(r Revision) {
	a.v.Store(uint64(r))
}

// Write errors. Callers distinguish them with errors.Is.
var (
	// ErrPreconditionFailed indicates another write committed after the
	// caller's precondition revision. The caller must re-read and retry.
	ErrPreconditionFailed = errors.New("store: write precondition failed")

	// ErrDuplicateTuple indicates a write of an already-live tuple.
	ErrDuplicateTuple = errors.New("store: tuple already exists")

	// ErrTupleNotFound indicates a delete of a tuple that is not live.
	ErrTupleNotFound = errors.New("store: tuple not found")
)

// ObjectRef identifies an object by type and external ID.
type ObjectRef struct {
	Type schema.TypeName
	ID   string
}

// Wildcard is the subject ID denoting every subject of a type. Tuples with
// wildcard subjects are only valid where the model explicitly permits them.
const Wildcard = "*"

// SubjectRef identifies a tuple subject. A subject is either a concrete
// object (Relation empty), a userset reference like group:eng#member
// (Relation set, meaning every subject with that relation on that object),
// or a wildcard (ID == Wildcard).
type SubjectRef struct {
	Type     schema.TypeName
	ID       string
	Relation schema.RelationName
}

// IsUserset reports whether the subject is a userset reference.
func (s SubjectRef) IsUserset() bool {
	return s.Relation != ""
}

// IsWildcard reports whether the subject is the type-wide wildcard.
func (s SubjectRef) IsWildcard() bool {
	return s.ID == Wildcard
}

// Tuple is a single relationship fact.
//
// Textual form: object_type:object_id#relation@subject_type:subject_id
// with an optional #subject_relation suffix for userset subjects.
// Example: document:readme#viewer@group:eng#member
//
// Condition, when set, names a model condition that must hold for the tuple
// to take effect; ConditionContext carries parameters bound at write time.
type Tuple struct {
	Object   ObjectRef
	Relation schema.RelationName
	Subject  SubjectRef

	Condition        schema.ConditionName
	ConditionContext map[string]any
}

// Key returns the identity of the tuple: (object, relation, subject).
// Condition context is not part of tuple identity; the live tuple set holds
// at most one tuple per key.
func (t Tuple) Key() TupleKey {
	return TupleKey{
		ObjectType:      t.Object.Type,
		ObjectID:        t.Object.ID,
		Relation:        t.Relation,
		SubjectType:     t.Subject.Type,
		SubjectID:       t.Subject.ID,
		SubjectRelation: t.Subject.Relation,
	}
}

// TupleKey is the comparable identity of a tuple.
type TupleKey struct {
	ObjectType      schema.TypeName
	ObjectID        string
	Relation        schema.RelationName
	SubjectType     schema.TypeName
	SubjectID       string
	SubjectRelation schema.RelationName
}

// Filter selects tuples on a partial key. Zero-valued fields match anything.
// The two access patterns evaluation needs are (objectType, objectID,
// relation) scans and subject scans; stores index accordingly.
type Filter struct {
	ObjectType      schema.TypeName
	ObjectID        string
	Relation        schema.RelationName
	SubjectType     schema.TypeName
	SubjectID       string
	SubjectRelation schema.RelationName
}

// Matches reports whether the tuple matches the filter.
func (f Filter) Matches(t Tuple) bool {
	if f.ObjectType != "" && t.Object.Type != f.ObjectType {
		return false
	}
	if f.ObjectID != "" && t.Object.ID != f.ObjectID {
		return false
	}
	if f.Relation != "" && t.Relation != f.Relation {
		return false
	}
	if f.SubjectType != "" && t.Subject.Type != f.SubjectType {
		return false
	}
	if f.SubjectID != "" && t.Subject.ID != f.SubjectID {
		return false
	}
	if f.SubjectRelation != "" && t.Subject.Relation != f.SubjectRelation {
		return false
	}
	return true
}

// WriteOptions relax the strict write semantics. The defaults are strict:
// writing a live tuple and deleting a non-live tuple are errors, so callers
// that need idempotence must either read before writing or opt in here. The
// options are the documented idempotent alternates, not a change to Write's
// default contract.
type WriteOptions struct {
	// IgnoreExisting turns duplicate writes into no-ops.
	IgnoreExisting bool
	// IgnoreMissing turns deletes of non-live tuples into no-ops.
	IgnoreMissing bool
}

// WriteRequest is an atomic batch of tuple writes and deletes.
type WriteRequest struct {
	Writes  []Tuple
	Deletes []Tuple

	// Precondition, when non-zero, makes the write fail with
	// ErrPreconditionFailed if any write committed after that revision.
	// This is the optimistic-concurrency guard against lost updates.
	Precondition Revision

	Options WriteOptions
}

// ChangeOp represents the type of change (insert or delete).
type ChangeOp int

const (
	// OpInsert indicates a tuple was inserted.
	OpInsert ChangeOp = iota
	// OpDelete indicates a tuple was deleted.
	OpDelete
)

// Change represents a committed tuple change with its revision.
type Change struct {
	Revision Revision
	Op       ChangeOp
	Tuple    Tuple
}

// Store is the durable tuple store. Tuples are facts: a delete is a new fact
// (a tombstone at some revision), not a mutation, which is what makes asOf
// snapshot reads possible.
type Store interface {
	// Write applies the request atomically and returns the single revision
	// assigned to the whole batch, strictly greater than every previously
	// committed revision.
	Write(ctx context.Context, req WriteRequest) (Revision, error)

	// Read returns tuples matching the filter that are live at asOf.
	// asOf == 0 reads the current head. The caller must close the iterator.
	Read(ctx context.Context, f Filter, asOf Revision) (TupleIterator, error)

	// ListObjectIDs returns the distinct object IDs of the given type that
	// have any live tuple at asOf. This is the candidate enumeration that
	// the ListObjects correctness baseline iterates.
	ListObjectIDs(ctx context.Context, objectType schema.TypeName, asOf Revision) ([]string, error)

	// HeadRevision returns the latest committed revision.
	HeadRevision(ctx context.Context) (Revision, error)

	// Close releases any resources held by the store.
	Close() error
}

// ChangeStream emits committed tuple changes in revision order. It feeds
// cache invalidation and any read-through layers in front of the evaluator.
type ChangeStream interface {
	// Subscribe returns a channel of changes committed after the given
	// revision. Pass 0 to get all changes from the beginning. The channel is
	// closed when the context is canceled or an error occurs.
	Subscribe(ctx context.Context, after Revision) (<-chan Change, <-chan error)
}

// TupleIterator provides cursor-style iteration over tuples.
// Callers must call Close when done to release resources.
//
// Usage:
//
//	iter, err := st.Read(ctx, filter, asOf)
//	if err != nil { ... }
//	defer iter.Close()
//	for iter.Next() {
//	    tuple := iter.Tuple()
//	    // process tuple
//	}
//	if err := iter.Err(); err != nil { ... }
type TupleIterator interface {
	// Next advances to the next tuple. Returns true if there is a tuple
	// available, false when iteration is complete or an error occurred.
	Next() bool

	// Tuple returns the current tuple. Only valid after Next returns true.
	Tuple() Tuple

	// Err returns any error encountered during iteration.
	// Should be checked after Next returns false.
	Err() error

	// Close releases resources held by the iterator.
	Close() error
}

// SliceIterator wraps a slice of tuples as a TupleIterator.
// Useful for testing or in-memory implementations.
type SliceIterator struct {
	tuples []Tuple
	idx    int
}

// NewSliceIterator creates a TupleIterator from a slice.
func NewSliceIterator(tuples []Tuple) *SliceIterator {
	return &SliceIterator{tuples: tuples, idx: -1}
}

// Next advances to the next tuple.
func (s *SliceIterator) Next() bool {
	s.idx++
	return s.idx < len(s.tuples)
}

// Tuple returns the current tuple.
func (s *SliceIterator) Tuple() Tuple {
	return s.tuples[s.idx]
}

// Err always returns nil for SliceIterator.
func (s *SliceIterator) Err() error {
	return nil
}

// Close is a no-op for SliceIterator.
func (s *SliceIterator) Close() error {
	return nil
}

// Collect drains an iterator into a slice and closes it.
func Collect(iter TupleIterator) ([]Tuple, error) {
	defer iter.Close()
	var tuples []Tuple
	for iter.Next() {
		tuples = append(tuples, iter.Tuple())
	}
	return tuples, iter.Err()
}
