package encounter

import (
	"sort"

	"github.com/pitabwire/encounters/model"
)

// DefinitionStore looks up definitions by key. Implementations return
// inactive definitions too; callers decide what activity means for them.
type DefinitionStore interface {
	Definition(key string) (model.Definition, bool)
}

// DefinitionGuard is implemented by definition stores whose contents
// change at runtime. While a hold is active the store publishes nothing,
// so a definition resolved under the hold stays current until release.
type DefinitionGuard interface {
	HoldDefinitions() (release func())
}

// StaticDefinitions is a fixed, validated set of definitions.
type StaticDefinitions map[string]model.Definition

// NewStaticDefinitions validates every definition and indexes it by key.
func NewStaticDefinitions(defs ...model.Definition) (StaticDefinitions, error) {
	out := make(StaticDefinitions, len(defs))
	for _, d := range defs {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, dup := out[d.Key]; dup {
			return nil, model.NewConflictError("duplicate definition key " + d.Key)
		}
		out[d.Key] = d
	}
	return out, nil
}

// Definition implements DefinitionStore.
func (s StaticDefinitions) Definition(key string) (model.Definition, bool) {
	d, ok := s[key]
	return d, ok
}

// Keys returns the definition keys in sorted order.
func (s StaticDefinitions) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
