package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hexfin/loanreview/internal/config"
	"github.com/hexfin/loanreview/internal/observability"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config   *config.Config
	Handlers *Handlers
	Logger   *zap.Logger
	Metrics  *observability.Metrics
	Ready    observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass
// authentication; the internal task seam bypasses the payload limit meant
// for the public API.
func NewRouter(deps Dependencies) chi.Router {
	r := chi.NewRouter()

	r.Use(Recovery(deps.Logger))
	r.Use(CorrelationID)
	r.Use(SecurityHeaders)

	r.Get("/healthz", observability.HandleHealth())
	r.Get("/readyz", observability.HandleReady(deps.Ready))
	if deps.Config.Observability.Metrics.Enabled {
		path := deps.Config.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, observability.Handler())
	}

	api := func(r chi.Router) {
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(deps.Logger))
		r.Use(observability.TracingMiddleware)
		if deps.Metrics != nil {
			r.Use(deps.Metrics.MetricsMiddleware)
		}
	}

	r.Route("/api/v1", func(r chi.Router) {
		api(r)
		r.Use(BearerAuth(deps.Config.Auth, deps.Logger))
		r.Use(MaxBody(deps.Config.Validation.MaxPayloadSize))

		r.Post("/workflow/start", deps.Handlers.HandleStart)
		r.Post("/workflow/assign-type", deps.Handlers.HandleAssignType)
		r.Post("/workflow/next-step", deps.Handlers.HandleNextStep)
		r.Get("/workflow/{requestNumber}/{taskNumber}", deps.Handlers.HandleGet)
		r.Get("/loans/{loanNumber}/workflows", deps.Handlers.HandleGetByLoan)
	})

	r.Route("/internal/v1", func(r chi.Router) {
		api(r)
		r.Post("/tasks", deps.Handlers.HandleDispatchTask)
	})

	return r
}
