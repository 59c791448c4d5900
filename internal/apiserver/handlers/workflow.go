package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/flowforge/orchestrator/internal/apiserver/response"
	"github.com/flowforge/orchestrator/internal/domain"
	"github.com/flowforge/orchestrator/internal/orchestrator"
	"github.com/flowforge/orchestrator/internal/platform/dbctx"
	"github.com/flowforge/orchestrator/internal/store"
)

var errMissingDefinition = errors.New("request must set either definition_id or definition")

type WorkflowHandler struct {
	engine *orchestrator.Engine
	store  *store.Store
}

func NewWorkflowHandler(engine *orchestrator.Engine, st *store.Store) *WorkflowHandler {
	return &WorkflowHandler{engine: engine, store: st}
}

// startWorkflowRequest submits either an existing registered definition by
// id, or an inline definition to register (reusing the existing
// (Name, Version) revision if one is already saved).
type startWorkflowRequest struct {
	DefinitionID *uuid.UUID                 `json:"definition_id,omitempty"`
	Definition   *domain.WorkflowDefinition `json:"definition,omitempty"`
	Inputs       map[string]any             `json:"inputs,omitempty"`
}

// POST /workflows
func (h *WorkflowHandler) StartWorkflow(c *gin.Context) {
	var req startWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request_body", err)
		return
	}
	dbc := dbctx.Context{Ctx: c.Request.Context()}

	var def *domain.WorkflowDefinition
	switch {
	case req.DefinitionID != nil:
		loaded, err := h.store.LoadWorkflowDefinition(dbc, *req.DefinitionID)
		if err != nil {
			response.RespondError(c, statusFor(err), "definition_not_found", err)
			return
		}
		def = loaded
	case req.Definition != nil:
		existing, err := h.store.LoadWorkflowDefinitionByNameVersion(dbc, req.Definition.Name, req.Definition.Version)
		switch {
		case err == nil:
			def = existing
		case statusFor(err) == http.StatusNotFound:
			if err := h.store.SaveWorkflowDefinition(dbc, req.Definition); err != nil {
				response.RespondError(c, statusFor(err), "save_definition_failed", err)
				return
			}
			def = req.Definition
		default:
			response.RespondError(c, statusFor(err), "load_definition_failed", err)
			return
		}
	default:
		response.RespondError(c, http.StatusBadRequest, "missing_definition", errMissingDefinition)
		return
	}

	exec, err := h.engine.StartExecution(c.Request.Context(), def, req.Inputs)
	if err != nil {
		response.RespondError(c, statusFor(err), "start_execution_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"execution": exec})
}

func (h *WorkflowHandler) execIDParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_execution_id", err)
		return uuid.Nil, false
	}
	return id, true
}

// POST /workflows/:id/pause
func (h *WorkflowHandler) PauseWorkflow(c *gin.Context) {
	id, ok := h.execIDParam(c)
	if !ok {
		return
	}
	if err := h.engine.PauseWorkflow(id); err != nil {
		response.RespondError(c, statusFor(err), "pause_workflow_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"status": "pausing"})
}

// POST /workflows/:id/resume
func (h *WorkflowHandler) ResumeWorkflow(c *gin.Context) {
	id, ok := h.execIDParam(c)
	if !ok {
		return
	}
	if err := h.engine.ResumeWorkflow(id); err != nil {
		response.RespondError(c, statusFor(err), "resume_workflow_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"status": "resuming"})
}

// POST /workflows/:id/cancel
func (h *WorkflowHandler) CancelWorkflow(c *gin.Context) {
	id, ok := h.execIDParam(c)
	if !ok {
		return
	}
	if err := h.engine.CancelExecution(id); err != nil {
		response.RespondError(c, statusFor(err), "cancel_workflow_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"status": "cancelling"})
}

// GET /workflows/:id
func (h *WorkflowHandler) GetWorkflow(c *gin.Context) {
	id, ok := h.execIDParam(c)
	if !ok {
		return
	}
	exec, err := h.engine.GetExecution(c.Request.Context(), id)
	if err != nil {
		response.RespondError(c, statusFor(err), "execution_not_found", err)
		return
	}
	response.RespondOK(c, gin.H{"execution": exec})
}

// GET /workflows/:id/history
func (h *WorkflowHandler) GetWorkflowHistory(c *gin.Context) {
	id, ok := h.execIDParam(c)
	if !ok {
		return
	}
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	steps, err := h.store.ListStepExecutions(dbc, id)
	if err != nil {
		response.RespondError(c, statusFor(err), "load_history_failed", err)
		return
	}
	checkpoints, err := h.store.ListCheckpoints(dbc, id)
	if err != nil {
		response.RespondError(c, statusFor(err), "load_checkpoints_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"steps": steps, "checkpoints": checkpoints})
}

// GET /workflows/active
func (h *WorkflowHandler) ListActiveWorkflows(c *gin.Context) {
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	executions, err := h.store.ListActiveExecutions(dbc)
	if err != nil {
		response.RespondError(c, statusFor(err), "list_active_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"executions": executions})
}
