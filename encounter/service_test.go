package encounter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/pitabwire/encounters/model"
)

func repairJobDefinition() model.Definition {
	return model.Definition{
		Key:          "repair_job",
		Name:         "Repair job",
		States:       []string{"intake", "diagnosed", "repairing", "done", "cancelled"},
		InitialState: "intake",
		TerminalStates: []string{
			"done", "cancelled",
		},
		Transitions: map[string][]string{
			"intake":    {"diagnosed", "cancelled"},
			"diagnosed": {"repairing", "cancelled"},
			"repairing": {"done", "cancelled"},
		},
	}
}

// stepClock returns a clock that advances one second per call.
func stepClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func seqIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("id-%d", n)
	}
}

type recordedAttempt struct {
	definition string
	outcome    string
}

type fakeRecorder struct {
	mu       sync.Mutex
	created  []string
	attempts []recordedAttempt
	ended    []string
	failed   []string
}

func (f *fakeRecorder) EncounterCreated(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, key)
}

func (f *fakeRecorder) TransitionAttempted(key, outcome string, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, recordedAttempt{key, outcome})
}

func (f *fakeRecorder) EncounterEnded(key, state string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, key+":"+state)
}

func (f *fakeRecorder) ValidatorFailed(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, id)
}

type fixture struct {
	svc        *Service
	store      *MemoryStore
	validators *ValidatorRegistry
	recorder   *fakeRecorder
}

func newFixture(t *testing.T, defs ...model.Definition) *fixture {
	t.Helper()
	if len(defs) == 0 {
		defs = []model.Definition{repairJobDefinition()}
	}
	static, err := NewStaticDefinitions(defs...)
	if err != nil {
		t.Fatalf("NewStaticDefinitions() error = %v", err)
	}
	f := &fixture{
		store:      NewMemoryStore(),
		validators: NewValidatorRegistry(),
		recorder:   &fakeRecorder{},
	}
	f.svc = NewService(static, f.store, f.validators,
		WithClock(stepClock()),
		WithIDGenerator(seqIDs()),
		WithRecorder(f.recorder),
	)
	return f
}

func (f *fixture) create(t *testing.T) model.Encounter {
	t.Helper()
	enc, err := f.svc.CreateEncounter(context.Background(), CreateRequest{
		DefinitionKey: "repair_job",
		Subject:       model.Subject{Type: "car", ID: "car123"},
		Actor:         "bob",
	})
	if err != nil {
		t.Fatalf("CreateEncounter() error = %v", err)
	}
	return enc
}

func (f *fixture) move(t *testing.T, id, to string) model.Encounter {
	t.Helper()
	enc, _, err := f.svc.Transition(context.Background(), TransitionRequest{EncounterID: id, ToState: to, Actor: "bob"})
	if err != nil {
		t.Fatalf("Transition(%s) error = %v", to, err)
	}
	return enc
}

func (f *fixture) history(t *testing.T, id string) []model.TransitionLog {
	t.Helper()
	rows, err := f.svc.History(context.Background(), id)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	return rows
}

func TestService_CreateEncounter(t *testing.T) {
	f := newFixture(t)
	enc := f.create(t)

	if enc.State != "intake" {
		t.Errorf("State = %q, want %q", enc.State, "intake")
	}
	if enc.EndedAt != nil {
		t.Errorf("EndedAt = %v, want nil", enc.EndedAt)
	}
	if enc.CreatedBy != "bob" {
		t.Errorf("CreatedBy = %q, want %q", enc.CreatedBy, "bob")
	}
	if got := f.history(t, enc.ID); len(got) != 0 {
		t.Errorf("History() after create = %d rows, want 0", len(got))
	}
	if len(f.recorder.created) != 1 {
		t.Errorf("recorded creations = %d, want 1", len(f.recorder.created))
	}
}

func TestService_CreateEncounter_unknownOrInactive(t *testing.T) {
	off := false
	inactive := repairJobDefinition()
	inactive.Key = "retired"
	inactive.Active = &off
	f := newFixture(t, repairJobDefinition(), inactive)

	for _, key := range []string{"missing", "retired"} {
		_, err := f.svc.CreateEncounter(context.Background(), CreateRequest{
			DefinitionKey: key,
			Subject:       model.Subject{Type: "car", ID: "1"},
		})
		if !model.IsCode(err, model.ErrDefinitionNotFound) {
			t.Errorf("CreateEncounter(%s) error = %v, want DEFINITION_NOT_FOUND", key, err)
		}
	}
}

func TestService_CreateEncounter_requiresSubject(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateEncounter(context.Background(), CreateRequest{DefinitionKey: "repair_job"})
	if !model.IsCode(err, model.ErrBadRequest) {
		t.Errorf("CreateEncounter() error = %v, want BAD_REQUEST", err)
	}
}

func TestService_CreateEncounter_terminalInitialState(t *testing.T) {
	single := model.Definition{
		Key:            "instant",
		States:         []string{"done"},
		InitialState:   "done",
		TerminalStates: []string{"done"},
		Transitions:    map[string][]string{},
	}
	f := newFixture(t, single)
	enc, err := f.svc.CreateEncounter(context.Background(), CreateRequest{
		DefinitionKey: "instant",
		Subject:       model.Subject{Type: "x", ID: "1"},
	})
	if err != nil {
		t.Fatalf("CreateEncounter() error = %v", err)
	}
	if enc.EndedAt == nil {
		t.Error("EndedAt = nil for terminal initial state, want set")
	}
}

func TestService_Transition_noValidators(t *testing.T) {
	f := newFixture(t)
	enc := f.create(t)

	got, row, err := f.svc.Transition(context.Background(), TransitionRequest{
		EncounterID: enc.ID,
		ToState:     "diagnosed",
		Actor:       "bob",
		Metadata:    map[string]any{},
	})
	if err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if got.State != "diagnosed" {
		t.Errorf("State = %q, want %q", got.State, "diagnosed")
	}
	if row.FromState != "intake" || row.ToState != "diagnosed" || row.Actor != "bob" {
		t.Errorf("row = %+v, want intake->diagnosed by bob", row)
	}
	if row.Sequence != 1 {
		t.Errorf("Sequence = %d, want 1", row.Sequence)
	}
	if _, ok := row.Metadata[model.MetadataOverriddenWarnings]; ok {
		t.Error("overridden_warnings present without any warnings")
	}

	rows := f.history(t, enc.ID)
	if len(rows) != 1 {
		t.Fatalf("History() = %d rows, want 1", len(rows))
	}
	stored, _ := f.svc.GetEncounter(context.Background(), enc.ID)
	if stored.State != "diagnosed" {
		t.Errorf("stored State = %q, want %q", stored.State, "diagnosed")
	}
}

func TestService_Transition_invalidEdge(t *testing.T) {
	f := newFixture(t)
	enc := f.create(t)

	_, _, err := f.svc.Transition(context.Background(), TransitionRequest{EncounterID: enc.ID, ToState: "done"})
	ee, ok := model.AsEnvelope(err)
	if !ok || ee.Code != model.ErrInvalidTransition {
		t.Fatalf("Transition() error = %v, want INVALID_TRANSITION", err)
	}
	if ee.Message != "Transition from 'intake' to 'done' not allowed" {
		t.Errorf("Message = %q", ee.Message)
	}
	if len(f.history(t, enc.ID)) != 0 {
		t.Error("log row written for invalid transition")
	}
}

func TestService_Transition_fromTerminal(t *testing.T) {
	f := newFixture(t)
	called := false
	f.validators.MustRegister("spy", model.ValidatorFunc(func(context.Context, model.Encounter, string, string) (model.Verdict, error) {
		called = true
		return model.Verdict{}, nil
	}))
	_ = f.validators.SetGlobal("spy")

	enc := f.create(t)
	f.move(t, enc.ID, "diagnosed")
	f.move(t, enc.ID, "repairing")
	done := f.move(t, enc.ID, "done")
	if done.EndedAt == nil {
		t.Fatal("EndedAt = nil after reaching terminal state")
	}
	called = false

	_, _, err := f.svc.Transition(context.Background(), TransitionRequest{
		EncounterID:          enc.ID,
		ToState:              "repairing",
		OverrideSoftWarnings: true,
	})
	ee, ok := model.AsEnvelope(err)
	if !ok || ee.Code != model.ErrInvalidTransition {
		t.Fatalf("Transition() error = %v, want INVALID_TRANSITION", err)
	}
	if ee.Message != "Cannot transition from terminal state 'done'" {
		t.Errorf("Message = %q", ee.Message)
	}
	if called {
		t.Error("validators consulted for a transition out of a terminal state")
	}
	if n := len(f.history(t, enc.ID)); n != 3 {
		t.Errorf("History() = %d rows, want 3", n)
	}
	stored, _ := f.svc.GetEncounter(context.Background(), enc.ID)
	if stored.State != "done" || !stored.EndedAt.Equal(*done.EndedAt) {
		t.Errorf("stored = %+v, want unchanged done encounter", stored)
	}
	if len(f.recorder.ended) != 1 || f.recorder.ended[0] != "repair_job:done" {
		t.Errorf("recorded endings = %v, want [repair_job:done]", f.recorder.ended)
	}
}

func TestService_Transition_hardBlock(t *testing.T) {
	f := newFixture(t)
	f.validators.MustRegister("parts", model.ValidatorFunc(func(_ context.Context, _ model.Encounter, _, to string) (model.Verdict, error) {
		if to == "repairing" {
			return model.Verdict{HardBlocks: []string{"missing parts"}}, nil
		}
		return model.Verdict{}, nil
	}))
	_ = f.validators.SetGlobal("parts")

	enc := f.create(t)
	f.move(t, enc.ID, "diagnosed")

	for _, override := range []bool{false, true} {
		_, _, err := f.svc.Transition(context.Background(), TransitionRequest{
			EncounterID:          enc.ID,
			ToState:              "repairing",
			OverrideSoftWarnings: override,
		})
		ee, ok := model.AsEnvelope(err)
		if !ok || ee.Code != model.ErrTransitionBlocked {
			t.Fatalf("Transition(override=%v) error = %v, want TRANSITION_BLOCKED", override, err)
		}
		if len(ee.Reasons) != 1 || ee.Reasons[0] != "missing parts" {
			t.Errorf("Reasons = %v, want [missing parts]", ee.Reasons)
		}
	}
	if n := len(f.history(t, enc.ID)); n != 1 {
		t.Errorf("History() = %d rows, want 1", n)
	}
	stored, _ := f.svc.GetEncounter(context.Background(), enc.ID)
	if stored.State != "diagnosed" {
		t.Errorf("State = %q, want %q", stored.State, "diagnosed")
	}
}

func TestService_Transition_softWarningOverride(t *testing.T) {
	f := newFixture(t)
	f.validators.MustRegister("notify", verdictValidator(model.Verdict{SoftWarnings: []string{"customer not notified"}}))
	def := repairJobDefinition()
	def.ValidatorIDs = []string{"notify"}
	static, _ := NewStaticDefinitions(def)
	f.svc.definitions = static

	enc := f.create(t)

	_, _, err := f.svc.Transition(context.Background(), TransitionRequest{EncounterID: enc.ID, ToState: "diagnosed"})
	ee, ok := model.AsEnvelope(err)
	if !ok || ee.Code != model.ErrTransitionBlocked {
		t.Fatalf("Transition() error = %v, want TRANSITION_BLOCKED", err)
	}
	if len(ee.Reasons) != 1 || ee.Reasons[0] != "customer not notified" {
		t.Errorf("Reasons = %v", ee.Reasons)
	}
	if n := len(f.history(t, enc.ID)); n != 0 {
		t.Fatalf("History() after blocked = %d rows, want 0", n)
	}

	_, row, err := f.svc.Transition(context.Background(), TransitionRequest{
		EncounterID:          enc.ID,
		ToState:              "diagnosed",
		OverrideSoftWarnings: true,
		Metadata:             map[string]any{"reason": "called later"},
	})
	if err != nil {
		t.Fatalf("Transition(override) error = %v", err)
	}
	warnings := row.OverriddenWarnings()
	if len(warnings) != 1 || warnings[0] != "customer not notified" {
		t.Errorf("OverriddenWarnings() = %v", warnings)
	}
	if row.Metadata["reason"] != "called later" {
		t.Errorf("caller metadata lost: %v", row.Metadata)
	}
}

func TestService_Transition_metadataNotAliased(t *testing.T) {
	f := newFixture(t)
	f.validators.MustRegister("notify", verdictValidator(model.Verdict{SoftWarnings: []string{"w"}}))
	_ = f.validators.SetGlobal("notify")
	enc := f.create(t)

	meta := map[string]any{"k": "v"}
	_, _, err := f.svc.Transition(context.Background(), TransitionRequest{
		EncounterID: enc.ID, ToState: "diagnosed", OverrideSoftWarnings: true, Metadata: meta,
	})
	if err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if _, ok := meta[model.MetadataOverriddenWarnings]; ok {
		t.Error("caller's metadata map was modified")
	}
}

func TestService_Transition_validatorFailsClosed(t *testing.T) {
	tests := []struct {
		name      string
		validator model.Validator
	}{
		{
			name: "error",
			validator: model.ValidatorFunc(func(context.Context, model.Encounter, string, string) (model.Verdict, error) {
				return model.Verdict{}, errors.New("inventory service down")
			}),
		},
		{
			name: "panic",
			validator: model.ValidatorFunc(func(context.Context, model.Encounter, string, string) (model.Verdict, error) {
				panic("nil map")
			}),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.validators.MustRegister("flaky", tt.validator)
			_ = f.validators.SetGlobal("flaky")
			enc := f.create(t)

			_, _, err := f.svc.Transition(context.Background(), TransitionRequest{
				EncounterID: enc.ID, ToState: "diagnosed", OverrideSoftWarnings: true,
			})
			if !model.IsCode(err, model.ErrTransitionBlocked) {
				t.Fatalf("Transition() error = %v, want TRANSITION_BLOCKED", err)
			}
			if len(f.recorder.failed) != 1 || f.recorder.failed[0] != "flaky" {
				t.Errorf("recorded validator failures = %v, want [flaky]", f.recorder.failed)
			}
			if n := len(f.history(t, enc.ID)); n != 0 {
				t.Errorf("History() = %d rows, want 0", n)
			}
		})
	}
}

func TestService_Transition_unknownValidator(t *testing.T) {
	def := repairJobDefinition()
	def.ValidatorIDs = []string{"ghost"}
	f := newFixture(t, def)
	enc := f.create(t)

	_, _, err := f.svc.Transition(context.Background(), TransitionRequest{EncounterID: enc.ID, ToState: "diagnosed"})
	if !model.IsCode(err, model.ErrValidatorNotFound) {
		t.Errorf("Transition() error = %v, want VALIDATOR_NOT_FOUND", err)
	}
	if n := len(f.history(t, enc.ID)); n != 0 {
		t.Errorf("History() = %d rows, want 0", n)
	}
}

func TestService_Transition_effectiveAt(t *testing.T) {
	f := newFixture(t)
	enc := f.create(t)

	backdated := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	_, row, err := f.svc.Transition(context.Background(), TransitionRequest{
		EncounterID: enc.ID, ToState: "diagnosed", EffectiveAt: backdated,
	})
	if err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if !row.EffectiveAt.Equal(backdated) {
		t.Errorf("EffectiveAt = %v, want %v", row.EffectiveAt, backdated)
	}
	if row.TransitionedAt.Equal(backdated) {
		t.Error("TransitionedAt followed EffectiveAt, want wall clock")
	}

	_, row2, err := f.svc.Transition(context.Background(), TransitionRequest{EncounterID: enc.ID, ToState: "repairing"})
	if err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if !row2.EffectiveAt.Equal(row2.TransitionedAt) {
		t.Errorf("EffectiveAt = %v, want default to TransitionedAt %v", row2.EffectiveAt, row2.TransitionedAt)
	}
	if !row2.TransitionedAt.After(row.TransitionedAt) {
		t.Error("TransitionedAt not strictly increasing")
	}
}

func TestService_Transition_endedAtSetOnce(t *testing.T) {
	f := newFixture(t)
	enc := f.create(t)
	got := f.move(t, enc.ID, "cancelled")
	if got.EndedAt == nil {
		t.Fatal("EndedAt = nil after cancel")
	}
	rows := f.history(t, enc.ID)
	if !got.EndedAt.Equal(rows[0].TransitionedAt) {
		t.Errorf("EndedAt = %v, want transition time %v", got.EndedAt, rows[0].TransitionedAt)
	}
}

type failingLocker struct{}

func (failingLocker) Lock(context.Context, string, time.Duration) (UnlockFunc, error) {
	return nil, errors.New("redis: connection refused")
}

func TestService_Transition_lockUnavailable(t *testing.T) {
	f := newFixture(t)
	enc := f.create(t)
	WithLocker(failingLocker{}, time.Second)(f.svc)

	_, _, err := f.svc.Transition(context.Background(), TransitionRequest{EncounterID: enc.ID, ToState: "diagnosed"})
	if !model.IsCode(err, model.ErrUnavailable) {
		t.Fatalf("Transition() error = %v, want UNAVAILABLE", err)
	}
	if n := len(f.history(t, enc.ID)); n != 0 {
		t.Errorf("History() = %d rows, want 0", n)
	}
}

type countingLocker struct {
	mu       sync.Mutex
	locks    int
	releases int
}

func (c *countingLocker) Lock(context.Context, string, time.Duration) (UnlockFunc, error) {
	c.mu.Lock()
	c.locks++
	c.mu.Unlock()
	return func(context.Context) error {
		c.mu.Lock()
		c.releases++
		c.mu.Unlock()
		return nil
	}, nil
}

func TestService_Transition_distributedLockReleased(t *testing.T) {
	f := newFixture(t)
	enc := f.create(t)
	locker := &countingLocker{}
	WithLocker(locker, 0)(f.svc)

	f.move(t, enc.ID, "diagnosed")
	_, _, _ = f.svc.Transition(context.Background(), TransitionRequest{EncounterID: enc.ID, ToState: "intake"})

	if locker.locks != 2 || locker.releases != 2 {
		t.Errorf("locks/releases = %d/%d, want 2/2", locker.locks, locker.releases)
	}
	if f.svc.lockTTL != defaultLockTTL {
		t.Errorf("lockTTL = %v, want default %v", f.svc.lockTTL, defaultLockTTL)
	}
}

func TestService_Transition_missingEncounter(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.svc.Transition(context.Background(), TransitionRequest{EncounterID: "nope", ToState: "diagnosed"})
	if !model.IsCode(err, model.ErrEncounterNotFound) {
		t.Errorf("Transition() error = %v, want ENCOUNTER_NOT_FOUND", err)
	}
}

func TestService_Transition_recordsOutcomes(t *testing.T) {
	f := newFixture(t)
	enc := f.create(t)
	f.move(t, enc.ID, "diagnosed")
	_, _, _ = f.svc.Transition(context.Background(), TransitionRequest{EncounterID: enc.ID, ToState: "done"})

	want := []recordedAttempt{
		{"repair_job", OutcomeCommitted},
		{"repair_job", OutcomeInvalid},
	}
	if len(f.recorder.attempts) != len(want) {
		t.Fatalf("attempts = %v, want %v", f.recorder.attempts, want)
	}
	for i := range want {
		if f.recorder.attempts[i] != want[i] {
			t.Errorf("attempts[%d] = %v, want %v", i, f.recorder.attempts[i], want[i])
		}
	}
}

func TestService_AllowedTransitions(t *testing.T) {
	f := newFixture(t)
	enc := f.create(t)

	got, err := f.svc.AllowedTransitions(context.Background(), enc.ID)
	if err != nil {
		t.Fatalf("AllowedTransitions() error = %v", err)
	}
	if len(got) != 2 || got[0] != "diagnosed" || got[1] != "cancelled" {
		t.Errorf("AllowedTransitions() = %v, want [diagnosed cancelled]", got)
	}

	f.move(t, enc.ID, "cancelled")
	got, err = f.svc.AllowedTransitions(context.Background(), enc.ID)
	if err != nil {
		t.Fatalf("AllowedTransitions() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("AllowedTransitions() from terminal = %v, want empty", got)
	}
}

func TestService_ValidateTransition(t *testing.T) {
	f := newFixture(t)
	f.validators.MustRegister("notify", verdictValidator(model.Verdict{SoftWarnings: []string{"customer not notified"}}))
	_ = f.validators.SetGlobal("notify")
	enc := f.create(t)

	check, err := f.svc.ValidateTransition(context.Background(), enc.ID, "diagnosed")
	if err != nil {
		t.Fatalf("ValidateTransition() error = %v", err)
	}
	if !check.Allowed {
		t.Error("Allowed = false with only soft warnings, want true")
	}
	if len(check.SoftWarnings) != 1 {
		t.Errorf("SoftWarnings = %v", check.SoftWarnings)
	}

	check, err = f.svc.ValidateTransition(context.Background(), enc.ID, "done")
	if err != nil {
		t.Fatalf("ValidateTransition() error = %v", err)
	}
	if check.Allowed {
		t.Error("Allowed = true for a missing edge")
	}
	if len(check.HardBlocks) != 1 || check.HardBlocks[0] != "Transition from 'intake' to 'done' not allowed" {
		t.Errorf("HardBlocks = %v", check.HardBlocks)
	}
	if len(check.SoftWarnings) != 0 {
		t.Errorf("SoftWarnings = %v, want empty for a graph failure", check.SoftWarnings)
	}

	if n := len(f.history(t, enc.ID)); n != 0 {
		t.Errorf("History() = %d rows after validation only, want 0", n)
	}
}

func TestService_ValidateTransition_terminal(t *testing.T) {
	f := newFixture(t)
	enc := f.create(t)
	f.move(t, enc.ID, "cancelled")

	check, err := f.svc.ValidateTransition(context.Background(), enc.ID, "intake")
	if err != nil {
		t.Fatalf("ValidateTransition() error = %v", err)
	}
	if check.Allowed || len(check.HardBlocks) != 1 || check.HardBlocks[0] != "Cannot transition from terminal state 'cancelled'" {
		t.Errorf("ValidateTransition() = %+v", check)
	}
}

func TestService_ListEncounters(t *testing.T) {
	f := newFixture(t)
	a := f.create(t)
	b := f.create(t)
	f.move(t, b.ID, "diagnosed")

	got, err := f.svc.ListEncounters(context.Background(), Filters{State: "intake"})
	if err != nil {
		t.Fatalf("ListEncounters() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != a.ID {
		t.Errorf("ListEncounters(intake) = %v, want [%s]", got, a.ID)
	}
}

func TestService_ValidateDefinitionGraph(t *testing.T) {
	f := newFixture(t)
	def := repairJobDefinition()
	def.Transitions["diagnosed"] = []string{"cancelled"}
	got := f.svc.ValidateDefinitionGraph(def.States, def.Transitions, def.InitialState, def.TerminalStates)
	if len(got) == 0 || got[0] != "state 'repairing' unreachable from initial_state" {
		t.Errorf("ValidateDefinitionGraph() = %v", got)
	}
}

func TestService_Transition_spans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := trace.NewTracerProvider(trace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	f := newFixture(t)
	WithTracer(tp.Tracer("test"))(f.svc)
	enc := f.create(t)
	_, _, _ = f.svc.Transition(context.Background(), TransitionRequest{EncounterID: enc.ID, ToState: "done"})

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("ended spans = %d, want 2", len(spans))
	}
	if spans[1].Name() != "encounter.transition" {
		t.Errorf("span name = %q", spans[1].Name())
	}
	if spans[1].Status().Code.String() != "Error" {
		t.Errorf("span status = %v, want Error", spans[1].Status().Code)
	}
}
