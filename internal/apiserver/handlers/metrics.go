package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/flowforge/orchestrator/internal/apiserver/response"
	"github.com/flowforge/orchestrator/internal/eventbus"
	"github.com/flowforge/orchestrator/internal/platform/dbctx"
	"github.com/flowforge/orchestrator/internal/resourcepool"
	"github.com/flowforge/orchestrator/internal/store"
)

// OrchestrationMetricsHandler serves the JSON snapshot used by operators who
// want a single-call view of the engine's health without scraping
// Prometheus — the same fields internal/metrics republishes as gauges.
type OrchestrationMetricsHandler struct {
	store *store.Store
	pool  *resourcepool.Pool
	bus   *eventbus.Bus
}

func NewOrchestrationMetricsHandler(st *store.Store, pool *resourcepool.Pool, bus *eventbus.Bus) *OrchestrationMetricsHandler {
	return &OrchestrationMetricsHandler{store: st, pool: pool, bus: bus}
}

// GET /metrics/orchestration
func (h *OrchestrationMetricsHandler) GetSnapshot(c *gin.Context) {
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	snap, err := h.store.LoadMetrics(dbc)
	if err != nil {
		response.RespondError(c, statusFor(err), "load_metrics_failed", err)
		return
	}
	body := gin.H{"workflows": snap}
	if h.pool != nil {
		body["resource_utilization"] = h.pool.Utilization()
	}
	if h.bus != nil {
		body["event_bus"] = gin.H{
			"dropped_updates": h.bus.DroppedUpdates(),
			"flushed_batches": h.bus.FlushedBatches(),
		}
	}
	response.RespondOK(c, body)
}
