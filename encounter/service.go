package encounter

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pitabwire/encounters/model"
)

const (
	defaultLockTTL = 30 * time.Second
	tracerName     = "github.com/pitabwire/encounters/encounter"
)

// Transition outcomes reported to the Recorder.
const (
	OutcomeCommitted = "committed"
	OutcomeInvalid   = "invalid"
	OutcomeBlocked   = "blocked"
	OutcomeError     = "error"
)

// Recorder receives engine events for metrics.
type Recorder interface {
	EncounterCreated(definitionKey string)
	TransitionAttempted(definitionKey, outcome string, d time.Duration)
	EncounterEnded(definitionKey, terminalState string)
	ValidatorFailed(validatorID string)
}

type nopRecorder struct{}

func (nopRecorder) EncounterCreated(string)                           {}
func (nopRecorder) TransitionAttempted(string, string, time.Duration) {}
func (nopRecorder) EncounterEnded(string, string)                     {}
func (nopRecorder) ValidatorFailed(string)                            {}

// Service is the single entry point for creating encounters and moving
// them between states.
type Service struct {
	definitions DefinitionStore
	store       Store
	validators  *ValidatorRegistry

	locker   Locker
	lockTTL  time.Duration
	logger   *zap.Logger
	recorder Recorder
	tracer   trace.Tracer
	now      func() time.Time
	newID    func() string
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithLocker adds a distributed lock taken around every transition attempt,
// on top of the store's own exclusive lock.
func WithLocker(locker Locker, ttl time.Duration) Option {
	return func(s *Service) {
		s.locker = locker
		if ttl > 0 {
			s.lockTTL = ttl
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

// WithTracer sets the tracer used for operation spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *Service) { s.tracer = t }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator overrides how encounter and log ids are minted.
func WithIDGenerator(gen func() string) Option {
	return func(s *Service) { s.newID = gen }
}

// NewService creates a Service. A nil validator registry means no
// validators are configured.
func NewService(definitions DefinitionStore, store Store, validators *ValidatorRegistry, opts ...Option) *Service {
	if validators == nil {
		validators = NewValidatorRegistry()
	}
	s := &Service{
		definitions: definitions,
		store:       store,
		validators:  validators,
		lockTTL:     defaultLockTTL,
		logger:      zap.NewNop(),
		recorder:    nopRecorder{},
		tracer:      otel.Tracer(tracerName),
		now:         func() time.Time { return time.Now().UTC() },
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateRequest describes a new encounter.
type CreateRequest struct {
	DefinitionKey string
	Subject       model.Subject
	Actor         string
	Metadata      map[string]any
}

// TransitionRequest describes one attempt to move an encounter.
type TransitionRequest struct {
	EncounterID          string
	ToState              string
	Actor                string
	OverrideSoftWarnings bool
	Metadata             map[string]any
	// EffectiveAt backdates the transition in domain time. Zero means now.
	EffectiveAt time.Time
}

// TransitionCheck is the read-only verdict on a proposed transition.
type TransitionCheck struct {
	Allowed      bool     `json:"allowed"`
	HardBlocks   []string `json:"hard_blocks"`
	SoftWarnings []string `json:"soft_warnings"`
}

// ValidateDefinitionGraph checks a graph without touching any store.
func (s *Service) ValidateDefinitionGraph(states []string, transitions map[string][]string, initialState string, terminalStates []string) []string {
	return model.ValidateDefinitionGraph(states, transitions, initialState, terminalStates)
}

// CreateEncounter starts a new encounter in the definition's initial state.
// No log row is written on creation.
func (s *Service) CreateEncounter(ctx context.Context, req CreateRequest) (model.Encounter, error) {
	ctx, span := s.tracer.Start(ctx, "encounter.create", trace.WithAttributes(
		attribute.String("encounter.definition", req.DefinitionKey),
	))
	defer span.End()

	// 1. Resolve an active definition. The hold spans persistence so a
	// publish cannot retire the definition under a new encounter.
	if g, ok := s.definitions.(DefinitionGuard); ok {
		release := g.HoldDefinitions()
		defer release()
	}
	def, ok := s.definitions.Definition(req.DefinitionKey)
	if !ok || !def.IsActive() {
		err := model.NewDefinitionNotFoundError(req.DefinitionKey)
		endSpan(span, err)
		return model.Encounter{}, err
	}

	if req.Subject.IsZero() {
		err := model.NewBadRequestError("subject is required")
		endSpan(span, err)
		return model.Encounter{}, err
	}

	// 2. Build the encounter.
	now := s.now()
	enc := model.Encounter{
		ID:            s.newID(),
		DefinitionKey: def.Key,
		Subject:       req.Subject,
		State:         def.InitialState,
		CreatedBy:     req.Actor,
		StartedAt:     now,
		UpdatedAt:     now,
		Metadata:      model.CloneMetadata(req.Metadata),
	}
	// A definition whose initial state is terminal yields an encounter that
	// is over the moment it starts.
	if def.IsTerminal(enc.State) {
		enc.EndedAt = &now
	}

	// 3. Persist.
	if err := s.store.Create(ctx, enc); err != nil {
		s.logger.Error("encounter create failed",
			zap.String("definition", def.Key),
			zap.Error(err),
		)
		endSpan(span, err)
		return model.Encounter{}, err
	}

	s.recorder.EncounterCreated(def.Key)
	span.SetAttributes(attribute.String("encounter.id", enc.ID))
	s.logger.Info("encounter created",
		zap.String("encounter_id", enc.ID),
		zap.String("definition", def.Key),
		zap.String("subject", enc.Subject.String()),
		zap.String("state", enc.State),
		zap.String("actor", req.Actor),
	)
	return enc, nil
}

// GetEncounter returns one encounter.
func (s *Service) GetEncounter(ctx context.Context, id string) (model.Encounter, error) {
	return s.store.Get(ctx, id)
}

// ListEncounters returns encounters matching filters.
func (s *Service) ListEncounters(ctx context.Context, filters Filters) ([]model.Encounter, error) {
	return s.store.List(ctx, filters)
}

// History returns the encounter's transition log in order.
func (s *Service) History(ctx context.Context, encounterID string) ([]model.TransitionLog, error) {
	return s.store.Transitions(ctx, encounterID)
}

// AllowedTransitions returns the states the encounter may move to according
// to the graph alone. Validators are not consulted.
func (s *Service) AllowedTransitions(ctx context.Context, encounterID string) ([]string, error) {
	enc, err := s.store.Get(ctx, encounterID)
	if err != nil {
		return nil, err
	}
	def, err := s.definitionFor(enc)
	if err != nil {
		return nil, err
	}
	return def.AllowedFrom(enc.State), nil
}

// ValidateTransition reports whether a transition would currently pass,
// without acquiring locks or writing anything. A graph violation is
// reported as a single hard block. Soft warnings never make the result
// disallowed.
func (s *Service) ValidateTransition(ctx context.Context, encounterID, toState string) (TransitionCheck, error) {
	ctx, span := s.tracer.Start(ctx, "encounter.validate_transition", trace.WithAttributes(
		attribute.String("encounter.id", encounterID),
		attribute.String("encounter.to_state", toState),
	))
	defer span.End()

	enc, err := s.store.Get(ctx, encounterID)
	if err != nil {
		endSpan(span, err)
		return TransitionCheck{}, err
	}
	def, err := s.definitionFor(enc)
	if err != nil {
		endSpan(span, err)
		return TransitionCheck{}, err
	}

	if err := checkEdge(def, enc.State, toState); err != nil {
		return TransitionCheck{
			Allowed:      false,
			HardBlocks:   []string{err.Message},
			SoftWarnings: []string{},
		}, nil
	}

	verdict, err := s.runValidators(ctx, def, enc, toState)
	if err != nil {
		endSpan(span, err)
		return TransitionCheck{}, err
	}
	return TransitionCheck{
		Allowed:      len(verdict.HardBlocks) == 0,
		HardBlocks:   verdict.HardBlocks,
		SoftWarnings: verdict.SoftWarnings,
	}, nil
}

// Transition moves an encounter to req.ToState. The graph check, validator
// run and write all happen while the encounter is exclusively locked; on
// any failure nothing is written.
func (s *Service) Transition(ctx context.Context, req TransitionRequest) (model.Encounter, model.TransitionLog, error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "encounter.transition", trace.WithAttributes(
		attribute.String("encounter.id", req.EncounterID),
		attribute.String("encounter.to_state", req.ToState),
		attribute.Bool("encounter.override_soft_warnings", req.OverrideSoftWarnings),
	))
	defer span.End()

	logger := s.logger.With(
		zap.String("encounter_id", req.EncounterID),
		zap.String("to_state", req.ToState),
		zap.String("actor", req.Actor),
	)

	// 1. Optional distributed lock for multi-replica deployments.
	if s.locker != nil {
		unlock, err := s.locker.Lock(ctx, req.EncounterID, s.lockTTL)
		if err != nil {
			uerr := model.NewUnavailableError(fmt.Sprintf("acquire lock for encounter %q: %v", req.EncounterID, err))
			logger.Error("transition lock unavailable", zap.Error(err))
			s.recorder.TransitionAttempted("", OutcomeError, time.Since(start))
			endSpan(span, uerr)
			return model.Encounter{}, model.TransitionLog{}, uerr
		}
		defer func() {
			// Release with a fresh context so a cancelled request still unlocks.
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("failed to release distributed lock, will expire via TTL", zap.Error(err))
			}
		}()
	}

	// 2. Everything else runs under the store's exclusive lock.
	var def model.Definition
	updated, row, err := s.store.ApplyTransition(ctx, req.EncounterID, func(ctx context.Context, current model.Encounter) (model.Encounter, model.TransitionLog, error) {
		var err error
		def, err = s.definitionFor(current)
		if err != nil {
			return model.Encounter{}, model.TransitionLog{}, err
		}
		return s.prepareTransition(ctx, def, current, req)
	})

	outcome := outcomeFor(err)
	s.recorder.TransitionAttempted(def.Key, outcome, time.Since(start))
	if err != nil {
		switch outcome {
		case OutcomeError:
			logger.Error("transition failed", zap.Error(err))
		default:
			logger.Warn("transition rejected", zap.String("outcome", outcome), zap.Error(err))
		}
		endSpan(span, err)
		return model.Encounter{}, model.TransitionLog{}, err
	}

	if def.IsTerminal(updated.State) {
		s.recorder.EncounterEnded(def.Key, updated.State)
	}
	span.SetAttributes(attribute.Int("encounter.sequence", row.Sequence))
	logger.Info("transition committed",
		zap.String("definition", def.Key),
		zap.String("from_state", row.FromState),
		zap.Int("sequence", row.Sequence),
		zap.Strings("overridden_warnings", row.OverriddenWarnings()),
	)
	return updated, row, nil
}

// prepareTransition runs against the locked snapshot and returns what the
// store must write.
func (s *Service) prepareTransition(ctx context.Context, def model.Definition, current model.Encounter, req TransitionRequest) (model.Encounter, model.TransitionLog, error) {
	from := current.State

	// 1. Graph check. Terminal states have no outgoing edges.
	if err := checkEdge(def, from, req.ToState); err != nil {
		return model.Encounter{}, model.TransitionLog{}, err
	}

	// 2. Validators, hard blocks first.
	verdict, err := s.runValidators(ctx, def, current, req.ToState)
	if err != nil {
		return model.Encounter{}, model.TransitionLog{}, err
	}
	if len(verdict.HardBlocks) > 0 {
		return model.Encounter{}, model.TransitionLog{}, model.NewTransitionBlockedError(from, req.ToState, verdict.HardBlocks)
	}
	if len(verdict.SoftWarnings) > 0 && !req.OverrideSoftWarnings {
		return model.Encounter{}, model.TransitionLog{}, model.NewTransitionBlockedError(from, req.ToState, verdict.SoftWarnings)
	}

	// 3. Build the log row and the next snapshot.
	now := s.now()
	metadata := model.CloneMetadata(req.Metadata)
	if len(verdict.SoftWarnings) > 0 {
		metadata[model.MetadataOverriddenWarnings] = verdict.SoftWarnings
	}
	row := model.TransitionLog{
		ID:             s.newID(),
		EncounterID:    current.ID,
		FromState:      from,
		ToState:        req.ToState,
		Actor:          req.Actor,
		TransitionedAt: now,
		EffectiveAt:    req.EffectiveAt, // zero: the store uses the stamped time
		Metadata:       metadata,
	}

	next := current.Clone()
	next.State = req.ToState
	if def.IsTerminal(req.ToState) && next.EndedAt == nil {
		// Marks the end; the store sets the exact instant from the row.
		next.EndedAt = &now
	}
	return next, row, nil
}

// runValidators runs every validator bound to the definition and merges
// their verdicts in order. A validator that errors or panics fails closed
// as a hard block.
func (s *Service) runValidators(ctx context.Context, def model.Definition, enc model.Encounter, to string) (model.Verdict, error) {
	validators, err := s.validators.ForDefinition(def)
	if err != nil {
		return model.Verdict{}, err
	}

	verdict := model.Verdict{HardBlocks: []string{}, SoftWarnings: []string{}}
	for _, nv := range validators {
		v, err := callValidator(ctx, nv.Validator, enc.Clone(), enc.State, to)
		if err != nil {
			s.recorder.ValidatorFailed(nv.ID)
			s.logger.Warn("validator failed, treating as hard block",
				zap.String("validator", nv.ID),
				zap.String("encounter_id", enc.ID),
				zap.Error(err),
			)
			v = model.Verdict{HardBlocks: []string{fmt.Sprintf("validator %s failed: %v", nv.ID, err)}}
		}
		verdict = verdict.Merge(v)
	}
	return verdict, nil
}

func callValidator(ctx context.Context, v model.Validator, enc model.Encounter, from, to string) (verdict model.Verdict, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return v.Validate(ctx, enc, from, to)
}

func (s *Service) definitionFor(enc model.Encounter) (model.Definition, error) {
	def, ok := s.definitions.Definition(enc.DefinitionKey)
	if !ok {
		return model.Definition{}, model.NewDefinitionNotFoundError(enc.DefinitionKey)
	}
	return def, nil
}

func checkEdge(def model.Definition, from, to string) *model.ErrorEnvelope {
	if def.IsTerminal(from) {
		return model.NewInvalidTransitionError(from, to, true)
	}
	if !def.CanTransition(from, to) {
		return model.NewInvalidTransitionError(from, to, false)
	}
	return nil
}

func outcomeFor(err error) string {
	if err == nil {
		return OutcomeCommitted
	}
	switch {
	case model.IsCode(err, model.ErrInvalidTransition):
		return OutcomeInvalid
	case model.IsCode(err, model.ErrTransitionBlocked):
		return OutcomeBlocked
	default:
		return OutcomeError
	}
}

func endSpan(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
