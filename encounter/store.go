package encounter

import (
	"context"
	"time"

	"github.com/pitabwire/encounters/model"
)

// TransitionFunc computes the next encounter snapshot and the log row that
// records it from the current, locked snapshot. Returning an error abandons
// the attempt and nothing is written.
type TransitionFunc func(ctx context.Context, current model.Encounter) (model.Encounter, model.TransitionLog, error)

// Store persists encounters and their transition logs.
//
// The log is append-only: the only write path for TransitionLog rows is
// ApplyTransition, and no operation updates or removes one.
type Store interface {
	// Create persists a new encounter. Returns CONFLICT if the id is taken.
	Create(ctx context.Context, enc model.Encounter) error

	// Get retrieves an encounter by id. Returns ENCOUNTER_NOT_FOUND if absent.
	Get(ctx context.Context, id string) (model.Encounter, error)

	// List returns encounters matching filters, newest first.
	List(ctx context.Context, filters Filters) ([]model.Encounter, error)

	// Transitions returns the log rows of an encounter in sequence order.
	Transitions(ctx context.Context, encounterID string) ([]model.TransitionLog, error)

	// ApplyTransition holds an exclusive lock keyed by encounter id, calls fn
	// with the locked snapshot, and atomically persists the returned
	// encounter together with the returned log row. The store assigns the
	// row's Sequence and keeps TransitionedAt strictly increasing per
	// encounter.
	ApplyTransition(ctx context.Context, id string, fn TransitionFunc) (model.Encounter, model.TransitionLog, error)

	// ReferencesDefinition reports whether any encounter follows the
	// definition with the given key.
	ReferencesDefinition(ctx context.Context, definitionKey string) (bool, error)
}

// Filters are optional filters for listing encounters.
type Filters struct {
	DefinitionKey string
	State         string
	Subject       model.Subject
	// ActiveOnly restricts results to encounters without an end time.
	ActiveOnly bool
	Limit      int
	Offset     int
}

// Match reports whether enc satisfies the filters, ignoring paging.
func (f Filters) Match(enc model.Encounter) bool {
	if f.DefinitionKey != "" && enc.DefinitionKey != f.DefinitionKey {
		return false
	}
	if f.State != "" && enc.State != f.State {
		return false
	}
	if f.Subject.Type != "" && enc.Subject.Type != f.Subject.Type {
		return false
	}
	if f.Subject.ID != "" && enc.Subject.ID != f.Subject.ID {
		return false
	}
	if f.ActiveOnly && enc.EndedAt != nil {
		return false
	}
	return true
}

// nextRow stamps the store-owned fields of a log row appended after last.
// last is the zero value when the encounter has no rows yet. Times are kept
// to whole microseconds, the precision of every backing store.
func nextRow(row model.TransitionLog, encounterID string, last model.TransitionLog) model.TransitionLog {
	row.EncounterID = encounterID
	row.Sequence = last.Sequence + 1
	row.TransitionedAt = model.NextTransitionTime(last.TransitionedAt, row.TransitionedAt)
	if row.EffectiveAt.IsZero() {
		row.EffectiveAt = row.TransitionedAt
	} else {
		row.EffectiveAt = row.EffectiveAt.Truncate(time.Microsecond)
	}
	if row.Metadata == nil {
		row.Metadata = map[string]any{}
	}
	return row
}

// stampTransition applies the store-owned fields to an accepted transition.
// An end time set by this transition is taken from the stamped row, so
// ended_at never precedes the row that ended the encounter.
func stampTransition(id string, current, updated model.Encounter, row, last model.TransitionLog) (model.Encounter, model.TransitionLog) {
	row = nextRow(row, id, last)
	updated.ID = id
	updated.UpdatedAt = row.TransitionedAt
	if updated.EndedAt != nil && current.EndedAt == nil {
		ended := row.TransitionedAt
		updated.EndedAt = &ended
	}
	return updated, row
}
