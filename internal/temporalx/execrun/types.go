// Package execrun adapts the teacher's internal/temporalx/jobrun pattern
// (a Temporal workflow that ticks an activity in a loop, sleeping between
// ticks and signaling on resume) to drive Executions instead of job runs.
package execrun

import "time"

const (
	WorkflowName = "execution_run"
	ActivityTick = "execution_run_tick"

	SignalResume        = "execution_resume"
	SignalHumanResponse = "execution_human_response"
	SignalCancel        = "execution_cancel"
)

// TickResult is what the Tick activity reports back to the workflow loop —
// a snapshot of the execution's status as last persisted by C1, since the
// orchestrator engine advances the FSM in-process on its own;
// Tick only observes and reports, it never drives a step itself.
type TickResult struct {
	ExecutionID string     `json:"execution_id"`
	Status      string     `json:"status"`
	StepIndex   int        `json:"step_index,omitempty"`
	Error       string     `json:"error,omitempty"`
	WaitUntil   *time.Time `json:"wait_until,omitempty"`
}
