package encounter

import (
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/pitabwire/encounters/model"
)

// NamedValidator pairs a validator with the identifier it was registered under.
type NamedValidator struct {
	ID        string
	Validator model.Validator
}

// ValidatorRegistry maps stable identifiers to validator implementations.
// It is populated at process start by the embedding application; definitions
// refer to validators only by id.
type ValidatorRegistry struct {
	mu         sync.RWMutex
	validators map[string]model.Validator
	global     []string
}

// NewValidatorRegistry creates an empty registry.
func NewValidatorRegistry() *ValidatorRegistry {
	return &ValidatorRegistry{validators: make(map[string]model.Validator)}
}

// Register adds a validator under id. Registering the same id twice is an error.
func (r *ValidatorRegistry) Register(id string, v model.Validator) error {
	if id == "" {
		return model.NewBadRequestError("validator id is required")
	}
	if v == nil {
		return model.NewBadRequestError(fmt.Sprintf("validator %q is nil", id))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.validators[id]; exists {
		return model.NewConflictError(fmt.Sprintf("validator %q already registered", id))
	}
	r.validators[id] = v
	return nil
}

// MustRegister is Register that panics on error, for static wiring.
func (r *ValidatorRegistry) MustRegister(id string, v model.Validator) {
	if err := r.Register(id, v); err != nil {
		panic(err)
	}
}

// SetGlobal replaces the process-wide validators that run for every
// definition, ahead of the definition's own. Every id must be registered.
//
// An id that is global and also listed by a definition runs once, at its
// global position; the definition's entry is dropped. Repeated ids within
// the global list collapse the same way.
func (r *ValidatorRegistry) SetGlobal(ids ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range ids {
		if _, ok := r.validators[id]; !ok {
			return model.NewValidatorNotFoundError(id)
		}
	}
	r.global = slices.Clone(ids)
	return nil
}

// Resolve returns the validators for ids in order. Any unknown id fails the
// whole call with VALIDATOR_NOT_FOUND.
func (r *ValidatorRegistry) Resolve(ids []string) ([]NamedValidator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resolveLocked(ids)
}

// ForDefinition returns the global validators followed by the definition's
// own, each id at most once.
func (r *ValidatorRegistry) ForDefinition(def model.Definition) ([]NamedValidator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.global)+len(def.ValidatorIDs))
	seen := make(map[string]bool, cap(ids))
	for _, id := range append(slices.Clone(r.global), def.ValidatorIDs...) {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return r.resolveLocked(ids)
}

// Check reports the first validator id of def that is not registered.
func (r *ValidatorRegistry) Check(def model.Definition) error {
	_, err := r.ForDefinition(def)
	return err
}

// Has reports whether id is registered.
func (r *ValidatorRegistry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.validators[id]
	return ok
}

// IDs returns the registered identifiers in sorted order.
func (r *ValidatorRegistry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.validators))
	for id := range r.validators {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *ValidatorRegistry) resolveLocked(ids []string) ([]NamedValidator, error) {
	out := make([]NamedValidator, 0, len(ids))
	for _, id := range ids {
		v, ok := r.validators[id]
		if !ok {
			return nil, model.NewValidatorNotFoundError(id)
		}
		out = append(out, NamedValidator{ID: id, Validator: v})
	}
	return out, nil
}
