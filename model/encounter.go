package model

import "time"

// MetadataOverriddenWarnings is the transition metadata key under which soft
// warnings bypassed by an explicit override are recorded.
const MetadataOverriddenWarnings = "overridden_warnings"

// Subject is an opaque reference to the entity an encounter is about. The
// engine stores and compares it but never dereferences it.
type Subject struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// IsZero reports whether the subject reference is empty.
func (s Subject) IsZero() bool {
	return s.Type == "" && s.ID == ""
}

// String returns the "type:id" form of the reference.
func (s Subject) String() string {
	return s.Type + ":" + s.ID
}

// Encounter is one live workflow instance following a Definition.
type Encounter struct {
	ID            string         `json:"id"`
	DefinitionKey string         `json:"definition_key"`
	Subject       Subject        `json:"subject"`
	State         string         `json:"state"`
	CreatedBy     string         `json:"created_by,omitempty"`
	StartedAt     time.Time      `json:"started_at"`
	EndedAt       *time.Time     `json:"ended_at,omitempty"`
	UpdatedAt     time.Time      `json:"updated_at"`
	Metadata      map[string]any `json:"metadata"`
}

// Ended reports whether the encounter has reached a terminal state.
func (e Encounter) Ended() bool {
	return e.EndedAt != nil
}

// Clone returns a copy that shares no mutable state with e.
func (e Encounter) Clone() Encounter {
	out := e
	if e.EndedAt != nil {
		t := *e.EndedAt
		out.EndedAt = &t
	}
	out.Metadata = CloneMetadata(e.Metadata)
	return out
}

// TransitionLog is one row of an encounter's audit trail. Rows are written
// once by the store inside the transition unit of work; no operation exists
// to change or remove them.
type TransitionLog struct {
	ID             string         `json:"id"`
	EncounterID    string         `json:"encounter_id"`
	Sequence       int            `json:"sequence"`
	FromState      string         `json:"from_state"`
	ToState        string         `json:"to_state"`
	Actor          string         `json:"actor,omitempty"`
	TransitionedAt time.Time      `json:"transitioned_at"`
	EffectiveAt    time.Time      `json:"effective_at"`
	Metadata       map[string]any `json:"metadata"`
}

// OverriddenWarnings returns the soft warnings recorded as bypassed on this
// transition, if any.
func (t TransitionLog) OverriddenWarnings() []string {
	switch v := t.Metadata[MetadataOverriddenWarnings].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, w := range v {
			if s, ok := w.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// NextTransitionTime returns now truncated to the microsecond, or one
// microsecond after last when that does not move past it. Transition
// timestamps for one encounter are strictly increasing at the precision
// Postgres stores.
func NextTransitionTime(last, now time.Time) time.Time {
	now = now.Truncate(time.Microsecond)
	if !last.IsZero() && !now.After(last) {
		return last.Add(time.Microsecond)
	}
	return now
}

// CloneMetadata returns a shallow copy of m; nil becomes an empty map.
func CloneMetadata(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
