package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/docflow/internal/config"
	"github.com/pitabwire/docflow/internal/idempotency"
	"github.com/pitabwire/docflow/internal/observability"
	"github.com/pitabwire/docflow/internal/workflow"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Service      *workflow.Service
	Authenticate func(http.Handler) http.Handler
	Logger       *zap.Logger
	// Metrics is optional. When set, requests are measured and /metrics is
	// served if enabled in Config.
	Metrics   *observability.Metrics
	Readiness observability.ReadinessChecks
	// Idempotency is optional. When nil, X-Idempotency-Key is ignored.
	Idempotency idempotency.Store
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := deps.Config
	if cfg == nil {
		cfg = config.Defaults()
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(CORS(cfg.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(observability.TracingMiddleware)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	// Public routes.
	r.Get("/healthz", observability.HandleHealth())
	r.Get("/readyz", observability.HandleReady(deps.Readiness))
	if cfg.Observability.Metrics.Enabled {
		path := cfg.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, observability.Handler())
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}
	var replays ReplayObserver
	if deps.Metrics != nil {
		replays = deps.Metrics
	}
	idem := Idempotency(deps.Idempotency, cfg.Idempotency.Store.DefaultTTL, replays)
	svc := deps.Service

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContext(logger))
		r.Use(HandlerTimeout(cfg.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))
		r.Use(idem)

		r.Route("/documents/{documentId}", func(r chi.Router) {
			r.Get("/workflow", handleWorkflowStatus(svc))
			r.Post("/workflow/start", handleStartWorkflow(svc))
			r.Post("/workflow/reset", handleResetWorkflow(svc))
			r.Get("/workflow/history", handleDocumentHistory(svc))
			r.Get("/workflow/permissions", handlePermissions(svc))

			r.Get("/feedback", handleListFeedback(svc))
			r.Post("/feedback", handleSubmitFeedback(svc))
			r.Post("/feedback/merge", handleMergeFeedback(svc))
			r.Get("/feedback/stats", handleFeedbackStats(svc))
		})

		r.Get("/workflows/statistics", handleStatistics(svc))
		r.Get("/workflows/overdue", handleOverdue(svc))

		r.Route("/workflows/instances/{instanceId}", func(r chi.Router) {
			r.Post("/advance", handleAdvance(svc))
			r.Post("/move-backward", handleMoveBackward(svc))
			r.Get("/history", handleInstanceHistory(svc))
			r.Post("/stages/{stageId}/reviewers", handleAssignReviewers(svc))
			r.Get("/stages/{stageId}/progress", handleStageProgress(svc))
		})

		r.Get("/tasks", handleListTasks(svc))
		r.Post("/tasks/{taskId}/complete", handleCompleteTask(svc))

		r.Post("/feedback/{feedbackId}/decision", handleDecideFeedback(svc))
	})

	return r
}
