package encounter

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pitabwire/encounters/model"
)

// MemoryStore is an in-memory Store for tests and single-process embedding.
type MemoryStore struct {
	mu          sync.RWMutex
	encounters  map[string]model.Encounter       // key: encounter ID
	transitions map[string][]model.TransitionLog // key: encounter ID
	rowIDs      map[string]struct{}              // every stored log row ID

	locks *keyedMutex
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		encounters:  make(map[string]model.Encounter),
		transitions: make(map[string][]model.TransitionLog),
		rowIDs:      make(map[string]struct{}),
		locks:       newKeyedMutex(),
	}
}

// Create persists a new encounter.
func (s *MemoryStore) Create(_ context.Context, enc model.Encounter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.encounters[enc.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("encounter %q already exists", enc.ID))
	}
	s.encounters[enc.ID] = enc.Clone()
	return nil
}

// Get retrieves an encounter by ID.
func (s *MemoryStore) Get(_ context.Context, id string) (model.Encounter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	enc, exists := s.encounters[id]
	if !exists {
		return model.Encounter{}, model.NewEncounterNotFoundError(id)
	}
	return enc.Clone(), nil
}

// List returns encounters matching the filters, newest first.
func (s *MemoryStore) List(_ context.Context, filters Filters) ([]model.Encounter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Encounter
	for _, enc := range s.encounters {
		if filters.Match(enc) {
			result = append(result, enc.Clone())
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].StartedAt.Equal(result[j].StartedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].StartedAt.After(result[j].StartedAt)
	})

	if filters.Offset > 0 {
		if filters.Offset >= len(result) {
			return nil, nil
		}
		result = result[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}
	return result, nil
}

// Transitions returns the log rows of an encounter in sequence order.
func (s *MemoryStore) Transitions(_ context.Context, encounterID string) ([]model.TransitionLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.encounters[encounterID]; !exists {
		return nil, model.NewEncounterNotFoundError(encounterID)
	}
	rows := s.transitions[encounterID]
	out := make([]model.TransitionLog, len(rows))
	for i, row := range rows {
		row.Metadata = model.CloneMetadata(row.Metadata)
		out[i] = row
	}
	return out, nil
}

// ApplyTransition runs fn under the encounter's exclusive lock and commits
// the encounter and log row together.
func (s *MemoryStore) ApplyTransition(ctx context.Context, id string, fn TransitionFunc) (model.Encounter, model.TransitionLog, error) {
	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return model.Encounter{}, model.TransitionLog{}, model.NewUnavailableError(
			fmt.Sprintf("lock encounter %q: %v", id, err),
		)
	}
	defer unlock()

	current, err := s.Get(ctx, id)
	if err != nil {
		return model.Encounter{}, model.TransitionLog{}, err
	}

	updated, row, err := fn(ctx, current)
	if err != nil {
		return model.Encounter{}, model.TransitionLog{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.rowIDs[row.ID]; taken {
		return model.Encounter{}, model.TransitionLog{}, model.NewConflictError(
			fmt.Sprintf("transition row %q already exists", row.ID),
		)
	}

	var last model.TransitionLog
	if rows := s.transitions[id]; len(rows) > 0 {
		last = rows[len(rows)-1]
	}
	updated, row = stampTransition(id, current, updated, row, last)

	s.encounters[id] = updated.Clone()
	stored := row
	stored.Metadata = model.CloneMetadata(row.Metadata)
	s.transitions[id] = append(s.transitions[id], stored)
	s.rowIDs[row.ID] = struct{}{}
	return updated.Clone(), row, nil
}

// ReferencesDefinition reports whether any encounter follows definitionKey.
func (s *MemoryStore) ReferencesDefinition(_ context.Context, definitionKey string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, enc := range s.encounters {
		if enc.DefinitionKey == definitionKey {
			return true, nil
		}
	}
	return false, nil
}
