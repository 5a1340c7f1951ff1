package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/encounters/encounter"
	"github.com/pitabwire/encounters/internal/config"
	"github.com/pitabwire/encounters/internal/definition"
	"github.com/pitabwire/encounters/internal/idempotency"
	"github.com/pitabwire/encounters/internal/observability"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config      *config.Config
	Service     *encounter.Service
	Definitions *definition.Registry
	Validator   *definition.Validator
	Metrics     *observability.Metrics
	Readiness   observability.ReadinessChecks
	Idempotency idempotency.Store // nil disables request deduplication
	Logger      *zap.Logger
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints skip the
// request-scoped middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	srv := deps.Config.Server

	r := chi.NewRouter()

	r.Use(Recovery(logger))
	r.Use(CORS(srv.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(observability.TracingMiddleware)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if m := deps.Config.Observability.Metrics; m.Enabled {
		path := m.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, observability.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(BuildRequestContext)
		r.Use(HandlerTimeout(srv.HandlerTimeout))
		r.Use(MaxBody(srv.MaxBodyBytes))
		r.Use(RequestLogging(logger))
		r.Use(Idempotency(deps.Idempotency, deps.Config.Idempotency.TTL))

		r.Get("/definitions", handleDefinitionList(deps.Definitions))
		r.Post("/definitions/validate", handleDefinitionValidate(deps.Validator))
		r.Get("/definitions/{key}", handleDefinitionGet(deps.Definitions))

		r.Post("/encounters", handleEncounterCreate(deps.Service))
		r.Get("/encounters", handleEncounterList(deps.Service))
		r.Get("/encounters/{id}", handleEncounterGet(deps.Service))
		r.Get("/encounters/{id}/allowed-transitions", handleAllowedTransitions(deps.Service))
		r.Post("/encounters/{id}/validate-transition", handleValidateTransition(deps.Service))
		r.Post("/encounters/{id}/transitions", handleTransition(deps.Service, logger))
		r.Get("/encounters/{id}/transitions", handleHistory(deps.Service))
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteNotFound(w, "route not found")
	})

	return r
}
