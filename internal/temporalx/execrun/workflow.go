package execrun

import (
	"fmt"
	"strings"
	"time"

	"go.temporal.io/sdk/workflow"
)

// ExecutionWorkflow loops ticking ActivityTick until the execution reaches
// a terminal status, sleeping between ticks and waking early on any of the
// three control signals — the exact shape of the teacher's jobrun.Workflow,
// generalized from polling a job run to polling an Execution.
func ExecutionWorkflow(ctx workflow.Context) error {
	executionID := strings.TrimSpace(workflow.GetInfo(ctx).WorkflowExecution.ID)
	if executionID == "" {
		return fmt.Errorf("execrun: missing execution_id")
	}

	const (
		continueTickLimit    = 2000
		continueHistoryLimit = 15000
	)

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: time.Hour,
		HeartbeatTimeout:    30 * time.Second,
	})

	resumeCh := workflow.GetSignalChannel(ctx, SignalResume)
	humanCh := workflow.GetSignalChannel(ctx, SignalHumanResponse)
	cancelCh := workflow.GetSignalChannel(ctx, SignalCancel)

	tickCount := 0
	for {
		tickCount++
		var out TickResult
		if err := workflow.ExecuteActivity(ctx, ActivityTick, executionID).Get(ctx, &out); err != nil {
			return err
		}

		switch out.Status {
		case "completed":
			return nil
		case "cancelled":
			return nil
		case "failed":
			return fmt.Errorf("execution failed at step %d: %s", out.StepIndex, out.Error)
		default:
			waitForSignalOrDeadline(ctx, waitDuration(ctx, out.WaitUntil), resumeCh, humanCh, cancelCh)
			if shouldContinueAsNew(ctx, tickCount, continueTickLimit, continueHistoryLimit) {
				return workflow.NewContinueAsNewError(ctx, ExecutionWorkflow)
			}
		}
	}
}

// waitForSignalOrDeadline only wakes the tick loop early; it does not act
// on the signal payload itself. Resume/cancel/human-response mutations go
// through the HTTP API directly against the shared in-process Engine
// (internal/apiserver/handlers), the same division of labor as the
// teacher's jobrun.Workflow, whose SignalResume likewise only shortens the
// next poll.
func waitForSignalOrDeadline(ctx workflow.Context, deadline time.Duration, signals ...workflow.ReceiveChannel) {
	timer := workflow.NewTimer(ctx, deadline)
	sel := workflow.NewSelector(ctx)
	for _, ch := range signals {
		sel.AddReceive(ch, func(rc workflow.ReceiveChannel, more bool) {
			var v any
			rc.Receive(ctx, &v)
		})
	}
	sel.AddFuture(timer, func(f workflow.Future) {})
	sel.Select(ctx)
}

func waitDuration(ctx workflow.Context, waitUntil *time.Time) time.Duration {
	const def = 2 * time.Second
	if waitUntil == nil || waitUntil.IsZero() {
		return def
	}
	now := workflow.Now(ctx)
	if waitUntil.Before(now) {
		return def
	}
	d := waitUntil.Sub(now)
	if d > 15*time.Minute {
		return 15 * time.Minute
	}
	return d
}

func shouldContinueAsNew(ctx workflow.Context, ticks, maxTicks, maxHistory int) bool {
	if maxTicks > 0 && ticks >= maxTicks {
		return true
	}
	info := workflow.GetInfo(ctx)
	if info == nil || maxHistory <= 0 {
		return false
	}
	return info.GetCurrentHistoryLength() >= maxHistory
}
