package definition

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pitabwire/encounters/model"
)

// snapshot is an immutable collection of definitions indexed by key.
type snapshot struct {
	definitions map[string]model.Definition
	keys        []string
	checksum    string
}

// Registry is a read-optimized, thread-safe store of the published
// definitions. It uses atomic pointer swap for lock-free concurrent reads
// and implements encounter.DefinitionStore.
//
// Reads never block. Publication and encounter creation are serialized
// through a separate read/write lock: creators hold it shared from lookup
// until the encounter is stored, and the publisher holds it exclusively
// from its usage check until the swap.
type Registry struct {
	snap       atomic.Pointer[snapshot]
	publishing sync.RWMutex
}

// NewRegistry creates a Registry from the given definitions.
func NewRegistry(defs []model.Definition) *Registry {
	r := &Registry{}
	r.Replace(defs)
	return r
}

// Replace atomically swaps the registry contents with a new snapshot built
// from the given definitions. Callers validate before replacing.
func (r *Registry) Replace(defs []model.Definition) {
	s := &snapshot{
		definitions: make(map[string]model.Definition, len(defs)),
		keys:        make([]string, 0, len(defs)),
	}

	var checksumParts []string
	for _, def := range defs {
		if _, dup := s.definitions[def.Key]; !dup {
			s.keys = append(s.keys, def.Key)
		}
		s.definitions[def.Key] = def
		checksumParts = append(checksumParts, def.Key+"="+def.Checksum)
	}
	sort.Strings(s.keys)

	sort.Strings(checksumParts)
	combined := strings.Join(checksumParts, ":")
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(combined)))

	r.snap.Store(s)
}

// HoldDefinitions blocks publication until release is called. It
// implements encounter.DefinitionGuard.
func (r *Registry) HoldDefinitions() (release func()) {
	r.publishing.RLock()
	return r.publishing.RUnlock
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// Definition returns the definition with the given key, active or not.
func (r *Registry) Definition(key string) (model.Definition, bool) {
	d, ok := r.current().definitions[key]
	return d, ok
}

// All returns every definition ordered by key.
func (r *Registry) All() []model.Definition {
	s := r.current()
	defs := make([]model.Definition, 0, len(s.keys))
	for _, k := range s.keys {
		defs = append(defs, s.definitions[k])
	}
	return defs
}

// Len returns the number of published definitions.
func (r *Registry) Len() int {
	return len(r.current().keys)
}

// Checksum returns the combined checksum of all loaded definitions.
func (r *Registry) Checksum() string {
	return r.current().checksum
}
