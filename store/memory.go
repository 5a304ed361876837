package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/alechenninger/kestrel/schema"
)

// MemoryStore implements Store and ChangeStream in memory.
//
// Tuples are stored as revision intervals: each record carries the revision
// that created it and, once deleted, the revision that tombstoned it. Reads
// at a revision select the records whose interval covers it, which is the
// same visibility rule the Postgres layout uses.
type MemoryStore struct {
	mu          sync.RWMutex
	records     map[TupleKey][]record
	head        Revision
	changelog   []Change
	subscribers []chan Change
}

// record is one lifetime of a tuple. A tuple deleted and re-written has
// multiple records with disjoint intervals.
type record struct {
	tuple   Tuple
	created Revision
	deleted Revision // 0 while live
}

// liveAt reports whether the record is visible at the given revision.
// asOf == 0 means the current head.
func (r record) liveAt(asOf Revision) bool {
	if asOf == 0 {
		return r.deleted == 0
	}
	return r.created <= asOf && (r.deleted == 0 || r.deleted > asOf)
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[TupleKey][]record),
	}
}

// Write applies the request atomically. The whole batch is validated against
// the live set before anything is applied, so a failed request changes nothing.
func (s *MemoryStore) Write(ctx context.Context, req WriteRequest) (Revision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.Precondition != 0 && s.head > req.Precondition {
		return 0, fmt.Errorf("head revision %d is after precondition %d: %w",
			s.head, req.Precondition, ErrPreconditionFailed)
	}

	// Validate first: all-or-nothing.
	skipWrite := make(map[int]bool)
	for i, t := range req.Writes {
		if s.isLive(t.Key()) {
			if !req.Options.IgnoreExisting {
				return 0, fmt.Errorf("write %s: %w", t, ErrDuplicateTuple)
			}
			skipWrite[i] = true
		}
	}
	skipDelete := make(map[int]bool)
	for i, t := range req.Deletes {
		if !s.isLive(t.Key()) {
			if !req.Options.IgnoreMissing {
				return 0, fmt.Errorf("delete %s: %w", t, ErrTupleNotFound)
			}
			skipDelete[i] = true
		}
	}

	rev := s.head + 1
	var changes []Change
	for i, t := range req.Writes {
		if skipWrite[i] {
			continue
		}
		key := t.Key()
		s.records[key] = append(s.records[key], record{tuple: t, created: rev})
		changes = append(changes, Change{Revision: rev, Op: OpInsert, Tuple: t})
	}
	for i, t := range req.Deletes {
		if skipDelete[i] {
			continue
		}
		key := t.Key()
		recs := s.records[key]
		for j := range recs {
			if recs[j].deleted == 0 {
				recs[j].deleted = rev
				changes = append(changes, Change{Revision: rev, Op: OpDelete, Tuple: recs[j].tuple})
				break
			}
		}
	}

	s.head = rev
	s.changelog = append(s.changelog, changes...)
	for _, change := range changes {
		for _, ch := range s.subscribers {
			select {
			case ch <- change:
			default:
				// Subscriber not keeping up, drop the change
			}
		}
	}
	return rev, nil
}

// isLive reports whether the key has a live record. Caller holds the lock.
func (s *MemoryStore) isLive(key TupleKey) bool {
	for _, r := range s.records[key] {
		if r.deleted == 0 {
			return true
		}
	}
	return false
}

// Read returns tuples matching the filter that are live at asOf, in a
// deterministic (textual) order.
func (s *MemoryStore) Read(ctx context.Context, f Filter, asOf Revision) (TupleIterator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var tuples []Tuple
	for _, recs := range s.records {
		for _, r := range recs {
			if r.liveAt(asOf) && f.Matches(r.tuple) {
				tuples = append(tuples, r.tuple)
			}
		}
	}
	sort.Slice(tuples, func(i, j int) bool {
		return tuples[i].String() < tuples[j].String()
	})
	return NewSliceIterator(tuples), nil
}

// ListObjectIDs returns the distinct object IDs of the type with any live
// tuple at asOf, sorted.
func (s *MemoryStore) ListObjectIDs(ctx context.Context, objectType schema.TypeName, asOf Revision) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for key, recs := range s.records {
		if key.ObjectType != objectType {
			continue
		}
		for _, r := range recs {
			if r.liveAt(asOf) {
				seen[key.ObjectID] = struct{}{}
				break
			}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// HeadRevision returns the latest committed revision.
func (s *MemoryStore) HeadRevision(ctx context.Context) (Revision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.head, nil
}

// Subscribe returns a channel that first replays committed changes after the
// given revision and then receives live changes. The channel is closed when
// Close is called or the context is canceled.
func (s *MemoryStore) Subscribe(ctx context.Context, after Revision) (<-chan Change, <-chan error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []Change
	for _, c := range s.changelog {
		if c.Revision > after {
			pending = append(pending, c)
		}
	}

	// Buffer the replay plus some headroom to avoid blocking writers
	ch := make(chan Change, len(pending)+128)
	errCh := make(chan error, 1)
	for _, c := range pending {
		ch <- c
	}
	s.subscribers = append(s.subscribers, ch)

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.subscribers {
			if sub == ch {
				s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
				close(ch)
				break
			}
		}
	}()

	return ch, errCh
}

// Close closes all subscriber channels.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subscribers {
		close(ch)
	}
	s.subscribers = nil
	return nil
}

// Compile-time interface checks
var (
	_ Store        = (*MemoryStore)(nil)
	_ ChangeStream = (*MemoryStore)(nil)
)
