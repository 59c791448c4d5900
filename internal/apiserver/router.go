package apiserver

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/flowforge/orchestrator/internal/apiserver/handlers"
	"github.com/flowforge/orchestrator/internal/apiserver/middleware"
	"github.com/flowforge/orchestrator/internal/metrics"
)

// RouterConfig wires every handler into a *gin.Engine. A nil handler field
// skips registering its routes, mirroring the teacher's RouterConfig.
type RouterConfig struct {
	WorkflowHandler  *handlers.WorkflowHandler
	HumanTaskHandler *handlers.HumanTaskHandler
	MetricsHandler   *handlers.OrchestrationMetricsHandler
	HealthHandler    *handlers.HealthHandler
	Metrics          *metrics.Metrics
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.Default()
	r.Use(otelgin.Middleware("orchestrator"))
	r.Use(middleware.AttachTraceContext())
	r.Use(middleware.CORS())
	if cfg.Metrics != nil {
		r.Use(metrics.GinMiddleware(cfg.Metrics))
		r.GET("/metrics", gin.WrapH(cfg.Metrics.Handler()))
	}

	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
	}

	api := r.Group("/api")
	{
		if cfg.WorkflowHandler != nil {
			api.POST("/workflows", cfg.WorkflowHandler.StartWorkflow)
			api.GET("/workflows/active", cfg.WorkflowHandler.ListActiveWorkflows)
			api.GET("/workflows/:id", cfg.WorkflowHandler.GetWorkflow)
			api.GET("/workflows/:id/history", cfg.WorkflowHandler.GetWorkflowHistory)
			api.POST("/workflows/:id/pause", cfg.WorkflowHandler.PauseWorkflow)
			api.POST("/workflows/:id/resume", cfg.WorkflowHandler.ResumeWorkflow)
			api.POST("/workflows/:id/cancel", cfg.WorkflowHandler.CancelWorkflow)
		}

		if cfg.HumanTaskHandler != nil {
			api.GET("/human-tasks", cfg.HumanTaskHandler.ListPendingHumanTasks)
			api.GET("/human-tasks/pending", cfg.HumanTaskHandler.ListPendingHumanTasks)
			api.POST("/human-tasks/:id/complete", cfg.HumanTaskHandler.CompleteHumanTask)
		}

		if cfg.MetricsHandler != nil {
			api.GET("/metrics/orchestration", cfg.MetricsHandler.GetSnapshot)
		}
	}

	return r
}
