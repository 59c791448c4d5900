package execrun

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flowforge/orchestrator/internal/domain"
	"github.com/flowforge/orchestrator/internal/orchestrator"
	"github.com/flowforge/orchestrator/internal/platform/dbctx"
	"github.com/flowforge/orchestrator/internal/platform/logger"
	"github.com/flowforge/orchestrator/internal/store"
)

// nextPollHint tells the workflow how long it can safely sleep before
// ticking again: tight while a step is actively running or retrying,
// loose while waiting on a human or on resources nobody is racing for.
func nextPollHint(status domain.ExecutionStatus) *time.Time {
	if status.Terminal() {
		return nil
	}
	var wait time.Duration
	switch status {
	case domain.ExecHumanValidation, domain.ExecPaused, domain.ExecWaitingResources:
		wait = 2 * time.Minute
	default:
		wait = 2 * time.Second
	}
	t := time.Now().Add(wait)
	return &t
}

// Activities wraps the Engine/Store pair a Temporal worker polls through.
type Activities struct {
	Log    *logger.Logger
	Store  *store.Store
	Engine *orchestrator.Engine
}

// Tick reports the execution's current status. It does not advance the
// FSM itself — the in-process orchestrator Engine drives steps,
// checkpoints, and retries directly against C1 — so Tick's
// only job is to observe that progress for the Temporal workflow loop,
// mirroring the teacher's jobrun.Activities.Tick shape but without the
// handler-dispatch half (the orchestrator is the handler here).
func (a *Activities) Tick(ctx context.Context, executionID string) (TickResult, error) {
	res := TickResult{ExecutionID: executionID}
	if a == nil || a.Store == nil {
		return res, fmt.Errorf("execrun: activity not configured")
	}
	id, err := uuid.Parse(executionID)
	if err != nil {
		return res, fmt.Errorf("execrun: invalid execution_id: %w", err)
	}
	exec, err := a.Store.LoadExecution(dbctx.Context{Ctx: ctx}, id)
	if err != nil {
		return res, fmt.Errorf("execrun: load execution: %w", err)
	}
	res.Status = string(exec.Status)
	res.StepIndex = exec.CurrentStepIndex
	res.Error = exec.Error
	res.WaitUntil = nextPollHint(exec.Status)
	return res, nil
}
