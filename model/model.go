// Package model stores immutable, versioned authorization models. Publishing
// validates a schema and assigns it a new time-ordered identifier; published
// models are never mutated or removed, so old tuples can still be interpreted
// under the model version they were written against.
package model

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alechenninger/kestrel/schema"
)

var (
	// ErrInvalidModel indicates publish-time validation failed. Nothing is
	// stored; the wrapped cause names the offending reference.
	ErrInvalidModel = errors.New("model: invalid model")

	// ErrModelNotFound indicates an unknown model ID.
	ErrModelNotFound = errors.New("model: not found")
)

// ID identifies a published model version. IDs are UUIDv7, so their lexical
// order follows publish order.
type ID string

// Model is an immutable published model version.
type Model struct {
	ID        ID
	CreatedAt time.Time
	Schema    *schema.Schema
}

// Store holds published models. Safe for concurrent use; models are
// immutable after publish, so reads need no further synchronization.
type Store struct {
	mu     sync.RWMutex
	models map[ID]*Model
	order  []ID
}

// NewStore creates an empty model store.
func NewStore() *Store {
	return &Store{models: make(map[ID]*Model)}
}

// Publish validates the schema and stores it under a new model ID.
func (s *Store) Publish(sc *schema.Schema) (ID, error) {
	if sc == nil {
		return "", fmt.Errorf("%w: nil schema", ErrInvalidModel)
	}
	if err := schema.Validate(sc); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidModel, err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate model id: %w", err)
	}

	m := &Model{
		ID:        ID(id.String()),
		CreatedAt: time.Now().UTC(),
		Schema:    sc,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.models[m.ID] = m
	s.order = append(s.order, m.ID)
	return m.ID, nil
}

// Get returns the model with the given ID.
func (s *Store) Get(id ID) (*Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.models[id]
	if !ok {
		return nil, fmt.Errorf("model %s: %w", id, ErrModelNotFound)
	}
	return m, nil
}

// Latest returns the most recently published model.
func (s *Store) Latest() (*Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.order) == 0 {
		return nil, fmt.Errorf("no models published: %w", ErrModelNotFound)
	}
	return s.models[s.order[len(s.order)-1]], nil
}
