package model

import "slices"

// Definition is a named, reusable finite-state graph that encounters follow.
// A Definition referenced by live encounters must not change its graph;
// edits publish a new Definition under a new key.
type Definition struct {
	Key            string              `yaml:"key" json:"key"`
	Name           string              `yaml:"name" json:"name"`
	States         []string            `yaml:"states" json:"states"`
	Transitions    map[string][]string `yaml:"transitions" json:"transitions"`
	InitialState   string              `yaml:"initial_state" json:"initial_state"`
	TerminalStates []string            `yaml:"terminal_states" json:"terminal_states"`
	ValidatorIDs   []string            `yaml:"validators" json:"validators,omitempty"`
	Active         *bool               `yaml:"active" json:"active"`

	// Set by the loader, not by definition authors.
	Checksum   string `yaml:"-" json:"checksum,omitempty"`
	SourceFile string `yaml:"-" json:"source_file,omitempty"`
}

// IsActive reports whether new encounters may be created from the definition.
// Definitions are active unless explicitly switched off.
func (d Definition) IsActive() bool {
	return d.Active == nil || *d.Active
}

// HasState reports whether state is declared by the definition.
func (d Definition) HasState(state string) bool {
	return slices.Contains(d.States, state)
}

// IsTerminal reports whether state is one of the definition's terminal states.
func (d Definition) IsTerminal(state string) bool {
	return slices.Contains(d.TerminalStates, state)
}

// AllowedFrom returns a copy of the states directly reachable from state.
// Terminal states never have outgoing edges.
func (d Definition) AllowedFrom(state string) []string {
	if d.IsTerminal(state) {
		return []string{}
	}
	next := d.Transitions[state]
	out := make([]string, len(next))
	copy(out, next)
	return out
}

// CanTransition reports whether the edge from -> to exists in the graph.
func (d Definition) CanTransition(from, to string) bool {
	if d.IsTerminal(from) {
		return false
	}
	return slices.Contains(d.Transitions[from], to)
}

// Validate runs the graph checks and returns an INVALID_DEFINITION error
// listing every defect, or nil when the definition is usable.
func (d Definition) Validate() error {
	var problems []string
	if d.Key == "" {
		problems = append(problems, "key is required")
	}
	problems = append(problems, ValidateDefinitionGraph(d.States, d.Transitions, d.InitialState, d.TerminalStates)...)
	if len(problems) > 0 {
		return NewInvalidDefinitionError(d.Key, problems)
	}
	return nil
}

// GraphEqual reports whether two definitions describe the same graph and
// validator list. Name, activity and loader metadata are ignored.
func (d Definition) GraphEqual(other Definition) bool {
	if d.InitialState != other.InitialState ||
		!slices.Equal(d.States, other.States) ||
		!slices.Equal(d.TerminalStates, other.TerminalStates) ||
		!slices.Equal(d.ValidatorIDs, other.ValidatorIDs) {
		return false
	}
	if len(d.Transitions) != len(other.Transitions) {
		return false
	}
	for from, to := range d.Transitions {
		if !slices.Equal(to, other.Transitions[from]) {
			return false
		}
	}
	return true
}
