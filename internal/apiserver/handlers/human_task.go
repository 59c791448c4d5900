package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/flowforge/orchestrator/internal/apiserver/response"
	"github.com/flowforge/orchestrator/internal/domain"
	"github.com/flowforge/orchestrator/internal/orchestrator"
	"github.com/flowforge/orchestrator/internal/platform/dbctx"
	"github.com/flowforge/orchestrator/internal/store"
)

type HumanTaskHandler struct {
	engine *orchestrator.Engine
	store  *store.Store
}

func NewHumanTaskHandler(engine *orchestrator.Engine, st *store.Store) *HumanTaskHandler {
	return &HumanTaskHandler{engine: engine, store: st}
}

type completeHumanTaskRequest struct {
	Approved    bool           `json:"approved"`
	Data        map[string]any `json:"data,omitempty"`
	CompletedBy string         `json:"completed_by,omitempty"`
}

// POST /human-tasks/:id/complete
func (h *HumanTaskHandler) CompleteHumanTask(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_task_id", err)
		return
	}
	var req completeHumanTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request_body", err)
		return
	}
	resp := domain.HumanResponse{Approved: req.Approved, Data: req.Data}
	if err := h.engine.CompleteHumanTask(c.Request.Context(), id, resp, req.CompletedBy); err != nil {
		response.RespondError(c, statusFor(err), "complete_human_task_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"status": "completed"})
}

// GET /human-tasks and GET /human-tasks/pending both resolve to the same
// pending-gate listing: the store only indexes outstanding tasks by status,
// so once a task leaves "pending" it shows up in its owning execution's
// history (GET /workflows/:id/history) rather than a separate task log.
func (h *HumanTaskHandler) ListPendingHumanTasks(c *gin.Context) {
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	tasks, err := h.store.ListPendingHumanTasks(dbc, c.Query("assignee"))
	if err != nil {
		response.RespondError(c, statusFor(err), "list_human_tasks_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"tasks": tasks})
}
