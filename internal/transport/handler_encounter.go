package transport

import (
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pitabwire/encounters/encounter"
	"github.com/pitabwire/encounters/internal/observability"
	"github.com/pitabwire/encounters/model"
)

const maxListLimit = 500

type createEncounterBody struct {
	DefinitionKey string         `json:"definition_key"`
	Subject       model.Subject  `json:"subject"`
	Actor         string         `json:"actor"`
	Metadata      map[string]any `json:"metadata"`
}

type transitionBody struct {
	ToState              string         `json:"to_state"`
	Actor                string         `json:"actor"`
	OverrideSoftWarnings bool           `json:"override_soft_warnings"`
	Metadata             map[string]any `json:"metadata"`
	EffectiveAt          *time.Time     `json:"effective_at"`
}

type transitionResponse struct {
	Encounter  model.Encounter     `json:"encounter"`
	Transition model.TransitionLog `json:"transition"`
}

func handleEncounterCreate(svc *encounter.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body createEncounterBody
		if !decodeBody(w, r, &body) {
			return
		}
		if body.DefinitionKey == "" {
			writeError(w, r, model.NewBadRequestError("definition_key is required"))
			return
		}

		actor := actorOr(r, body.Actor)
		span := trace.SpanFromContext(r.Context())
		span.SetAttributes(
			observability.AttrDefinitionKey.String(body.DefinitionKey),
			observability.AttrActor.String(actor),
		)

		enc, err := svc.CreateEncounter(r.Context(), encounter.CreateRequest{
			DefinitionKey: body.DefinitionKey,
			Subject:       body.Subject,
			Actor:         actor,
			Metadata:      body.Metadata,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		span.SetAttributes(observability.AttrEncounterID.String(enc.ID))
		WriteJSON(w, http.StatusCreated, enc)
	}
}

func handleEncounterList(svc *encounter.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filters, err := parseFilters(r.URL.Query())
		if err != nil {
			writeError(w, r, err)
			return
		}
		encs, err := svc.ListEncounters(r.Context(), filters)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if encs == nil {
			encs = []model.Encounter{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"encounters": encs})
	}
}

func handleEncounterGet(svc *encounter.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		enc, err := svc.GetEncounter(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, enc)
	}
}

func handleAllowedTransitions(svc *encounter.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		states, err := svc.AllowedTransitions(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		if states == nil {
			states = []string{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"states": states})
	}
}

func handleValidateTransition(svc *encounter.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ToState string `json:"to_state"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		if body.ToState == "" {
			writeError(w, r, model.NewBadRequestError("to_state is required"))
			return
		}

		check, err := svc.ValidateTransition(r.Context(), chi.URLParam(r, "id"), body.ToState)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if check.HardBlocks == nil {
			check.HardBlocks = []string{}
		}
		if check.SoftWarnings == nil {
			check.SoftWarnings = []string{}
		}
		WriteJSON(w, http.StatusOK, check)
	}
}

func handleTransition(svc *encounter.Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		var body transitionBody
		if !decodeBody(w, r, &body) {
			return
		}
		if body.ToState == "" {
			writeError(w, r, model.NewBadRequestError("to_state is required"))
			return
		}

		actor := actorOr(r, body.Actor)
		trace.SpanFromContext(r.Context()).SetAttributes(
			observability.AttrEncounterID.String(id),
			observability.AttrActor.String(actor),
		)
		observability.LoggerFrom(r.Context(), logger).Debug("transition requested",
			zap.String("encounter_id", id),
			zap.String("to_state", body.ToState),
			zap.Any("metadata", observability.RedactMetadata(body.Metadata, nil)),
		)

		req := encounter.TransitionRequest{
			EncounterID:          id,
			ToState:              body.ToState,
			Actor:                actor,
			OverrideSoftWarnings: body.OverrideSoftWarnings,
			Metadata:             body.Metadata,
		}
		if body.EffectiveAt != nil {
			req.EffectiveAt = *body.EffectiveAt
		}

		enc, row, err := svc.Transition(r.Context(), req)
		if err != nil {
			writeError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, transitionResponse{Encounter: enc, Transition: row})
	}
}

func handleHistory(svc *encounter.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rows, err := svc.History(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		if rows == nil {
			rows = []model.TransitionLog{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"transitions": rows})
	}
}

// actorOr prefers an explicit actor from the body over the X-Actor-Id header.
func actorOr(r *http.Request, explicit string) string {
	if explicit != "" {
		return explicit
	}
	return model.ActorFrom(r.Context())
}

func parseFilters(q url.Values) (encounter.Filters, error) {
	f := encounter.Filters{
		DefinitionKey: q.Get("definition_key"),
		State:         q.Get("state"),
		Subject: model.Subject{
			Type: q.Get("subject_type"),
			ID:   q.Get("subject_id"),
		},
	}

	if v := q.Get("active"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, model.NewBadRequestError("active must be a boolean")
		}
		f.ActiveOnly = b
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, model.NewBadRequestError("limit must be a non-negative integer")
		}
		f.Limit = min(n, maxListLimit)
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, model.NewBadRequestError("offset must be a non-negative integer")
		}
		f.Offset = n
	}
	return f, nil
}
