// Package policystore keeps named, reusable Policy definitions so the
// §6 /policies CRUD surface has something to operate on: the Distributor
// itself only knows about a Policy at distribute() time (name + payload),
// it does not persist a catalog of them. This package is that catalog; the
// HTTP adapter's deploy route (httpapi.handleDeployPolicy) is what turns a
// stored Definition into a distribution.Distribute call.
package policystore

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kcenon/osxfleet/internal/apperrors"
	"github.com/kcenon/osxfleet/internal/distribution"
)

// Definition is one named policy a caller can later deploy.
type Definition struct {
	ID            string
	Name          string
	Payload       json.RawMessage
	DefaultTarget distribution.Target
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (d *Definition) clone() *Definition {
	cp := *d
	return &cp
}

// Store is the single-writer domain over Definition records.
type Store struct {
	mu   sync.Mutex
	byID map[string]*Definition
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{byID: make(map[string]*Definition)}
}

// Create adds a new policy definition.
func (s *Store) Create(name string, payload json.RawMessage, target distribution.Target) *Definition {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	d := &Definition{
		ID:            uuid.NewString(),
		Name:          name,
		Payload:       payload,
		DefaultTarget: target,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.byID[d.ID] = d
	return d.clone()
}

// Get returns a definition by id.
func (s *Store) Get(id string) (*Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.byID[id]
	if !ok {
		return nil, apperrors.PolicyNotFound(id)
	}
	return d.clone(), nil
}

// List returns every stored definition.
func (s *Store) List() []*Definition {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Definition, 0, len(s.byID))
	for _, d := range s.byID {
		out = append(out, d.clone())
	}
	return out
}

// Update replaces a definition's payload and/or default target.
func (s *Store) Update(id string, payload json.RawMessage, target *distribution.Target) (*Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.byID[id]
	if !ok {
		return nil, apperrors.PolicyNotFound(id)
	}
	if payload != nil {
		d.Payload = payload
	}
	if target != nil {
		d.DefaultTarget = *target
	}
	d.UpdatedAt = time.Now()
	return d.clone(), nil
}

// Delete removes a definition.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[id]; !ok {
		return apperrors.PolicyNotFound(id)
	}
	delete(s.byID, id)
	return nil
}
