package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/requisition/internal/config"
	"github.com/pitabwire/requisition/internal/idempotency"
	"github.com/pitabwire/requisition/internal/observability"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Authenticate func(http.Handler) http.Handler
	Jobs         JobService
	Idempotency  idempotency.Store
	Metrics      *observability.Metrics
	Readiness    observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness and metrics endpoints bypass
// authentication.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	r := chi.NewRouter()

	r.Use(Recovery(logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(observability.TracingMiddleware)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		r.Handle(deps.Config.Observability.Metrics.Path, observability.Handler())
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	idem := deps.Idempotency
	if !deps.Config.Idempotency.Enabled {
		idem = nil
	}

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContext(deps.Config.Identity.ClaimPaths))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))

		if deps.Jobs == nil {
			return
		}
		h := NewJobHandler(deps.Jobs)
		r.Route("/jobs", func(r chi.Router) {
			r.With(Idempotent(idem, "create_job", deps.Config.Idempotency.DefaultTTL, logger)).Post("/", h.Create)
			r.Get("/", h.List)
			r.Route("/{jobId}", func(r chi.Router) {
				r.Get("/", h.Get)
				r.Put("/", h.Update)
				r.Patch("/status", h.ChangeStatus)
				r.Post("/distribution", h.Distribute)
				r.Get("/distributions", h.Distributions)
				r.Get("/history", h.History)
				r.Post("/workflows/{workflowId}/review", h.Review)
				r.Post("/assignments", h.RecordAssignment)
			})
		})
	})

	return r
}
