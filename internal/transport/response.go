// Package transport contains the HTTP router, middleware chain, and request
// handlers that expose the encounter engine.
package transport

import (
	"encoding/json"
	"net/http"

	"github.com/pitabwire/encounters/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	// Configuration
	model.ErrDefinitionNotFound: http.StatusNotFound,
	model.ErrInvalidDefinition:  http.StatusUnprocessableEntity,
	model.ErrValidatorNotFound:  http.StatusUnprocessableEntity,
	// Domain
	model.ErrInvalidTransition: http.StatusUnprocessableEntity,
	model.ErrEncounterNotFound: http.StatusNotFound,
	model.ErrNotFound:          http.StatusNotFound,
	// Policy and invariants
	model.ErrTransitionBlocked:   http.StatusConflict,
	model.ErrImmutableTransition: http.StatusConflict,
	// Infrastructure
	model.ErrBadRequest:    http.StatusBadRequest,
	model.ErrConflict:      http.StatusConflict,
	model.ErrUnavailable:   http.StatusServiceUnavailable,
	model.ErrInternalError: http.StatusInternalServerError,
}

// StatusFor returns the HTTP status for err. Anything that is not an
// ErrorEnvelope is a 500.
func StatusFor(err error) int {
	ee, ok := model.AsEnvelope(err)
	if !ok {
		return http.StatusInternalServerError
	}
	if status := statusForCode[ee.Code]; status != 0 {
		return status
	}
	return http.StatusInternalServerError
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

type errorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// WriteError writes err as a JSON error envelope with the matching HTTP
// status. Errors that are not envelopes are reported as a generic 500 so
// internal details never reach the client.
func WriteError(w http.ResponseWriter, err error) {
	ee, ok := model.AsEnvelope(err)
	if !ok {
		ee = model.NewInternalError()
	}
	WriteJSON(w, StatusFor(ee), errorResponse{Error: ee})
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewNotFoundError(msg))
}
