package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ExecutionStatus is the top-level FSM's current state, per spec §4.8.
type ExecutionStatus string

const (
	ExecInitializing       ExecutionStatus = "initializing"
	ExecPlanning           ExecutionStatus = "planning"
	ExecResourceAllocation ExecutionStatus = "resource_allocation"
	ExecWaitingResources   ExecutionStatus = "waiting_for_resources"
	ExecExecuting          ExecutionStatus = "executing"
	ExecCheckpointing      ExecutionStatus = "checkpointing"
	ExecHumanValidation    ExecutionStatus = "human_validation"
	ExecRetry              ExecutionStatus = "retry"
	ExecRecovery           ExecutionStatus = "recovery"
	ExecPaused             ExecutionStatus = "paused"
	ExecFinalizing         ExecutionStatus = "finalizing"
	ExecCompleted          ExecutionStatus = "completed"
	ExecCancelled          ExecutionStatus = "cancelled"
	ExecFailed             ExecutionStatus = "failed"
)

// Terminal reports whether status is one of the three terminal states beyond
// which no further StepExecutions or Checkpoints may be appended.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecCompleted, ExecCancelled, ExecFailed:
		return true
	default:
		return false
	}
}

// ExecutionContext is the mutable working state an execution's FSM carries:
// variables available to condition expressions, per-step outputs, and
// free-form metadata. It is what gets captured into a Checkpoint.
type ExecutionContext struct {
	Variables map[string]any `json:"variables"`
	Outputs   map[string]any `json:"outputs"`
	Metadata  map[string]any `json:"metadata"`
}

func NewExecutionContext() ExecutionContext {
	return ExecutionContext{
		Variables: make(map[string]any),
		Outputs:   make(map[string]any),
		Metadata:  make(map[string]any),
	}
}

// Execution is one run of a WorkflowDefinition. It is mutated only by its
// owning FSM interpreter (internal/orchestrator) — the persistence store
// only ever returns value copies, per §3 Ownership.
type Execution struct {
	ID           uuid.UUID       `gorm:"type:text;primaryKey" json:"id"`
	DefinitionID uuid.UUID       `gorm:"type:text;not null;index" json:"definition_id"`
	Version      string          `gorm:"column:version;not null" json:"version"`
	Status       ExecutionStatus `gorm:"column:status;not null;index" json:"status"`

	CurrentStepIndex int `gorm:"column:current_step_index;not null;default:0" json:"current_step_index"`
	RetryCount       int `gorm:"column:retry_count;not null;default:0" json:"retry_count"`

	Inputs  datatypes.JSON `gorm:"column:inputs;type:text" json:"inputs"`
	Context datatypes.JSON `gorm:"column:context;type:text" json:"context"`
	Results datatypes.JSON `gorm:"column:results;type:text" json:"results,omitempty"`
	Error   string         `gorm:"column:error;type:text" json:"error,omitempty"`

	StartedAt  time.Time  `gorm:"column:started_at;not null;index" json:"started_at"`
	EndedAt    *time.Time `gorm:"column:ended_at" json:"ended_at,omitempty"`
	DurationMS int64      `gorm:"column:duration_ms" json:"duration_ms,omitempty"`

	LastCheckpointAt *time.Time `gorm:"column:last_checkpoint_at" json:"last_checkpoint_at,omitempty"`

	CreatedAt time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;index" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

func (Execution) TableName() string { return "workflow_executions" }
