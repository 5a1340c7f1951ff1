package transport

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/encounters/internal/definition"
	"github.com/pitabwire/encounters/internal/observability"
	"github.com/pitabwire/encounters/model"
)

func handleDefinitionList(registry *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{
			"definitions": registry.All(),
			"checksum":    registry.Checksum(),
		})
	}
}

func handleDefinitionGet(registry *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "key")
		def, ok := registry.Definition(key)
		if !ok {
			writeError(w, r, model.NewDefinitionNotFoundError(key))
			return
		}
		WriteJSON(w, http.StatusOK, def)
	}
}

// handleDefinitionValidate checks candidate definitions without publishing
// them.
func handleDefinitionValidate(validator *definition.Validator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Definitions []model.Definition `json:"definitions"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		if len(body.Definitions) == 0 {
			writeError(w, r, model.NewBadRequestError("definitions must not be empty"))
			return
		}

		errs := validator.Validate(body.Definitions)
		if errs == nil {
			errs = []definition.VError{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"valid":  len(errs) == 0,
			"errors": errs,
		})
	}
}

// decodeBody decodes a JSON request body into dst, writing a BAD_REQUEST
// response and returning false on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, r, model.NewBadRequestError("invalid JSON body: "+err.Error()))
		return false
	}
	return true
}

// writeError stamps the trace ID onto a copy of the envelope before writing.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	ee, ok := model.AsEnvelope(err)
	if !ok {
		observability.LoggerFrom(r.Context(), zap.NewNop()).Error("unexpected error", zap.Error(err))
		WriteError(w, err)
		return
	}
	out := *ee
	if rctx := model.RequestContextFrom(r.Context()); rctx != nil && out.TraceID == "" {
		out.TraceID = rctx.TraceID
	}
	WriteError(w, &out)
}
