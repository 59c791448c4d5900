package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// StepExecutionStatus tracks one step's own lifecycle within an Execution.
type StepExecutionStatus string

const (
	StepExecRunning   StepExecutionStatus = "running"
	StepExecCompleted StepExecutionStatus = "completed"
	StepExecFailed    StepExecutionStatus = "failed"
)

// StepExecution is an append-only record of one step's run within an
// execution; §3 requires StepExecution.index < definition step count and
// that records append in step-index order.
type StepExecution struct {
	ID          uuid.UUID           `gorm:"type:text;primaryKey" json:"id"`
	ExecutionID uuid.UUID           `gorm:"type:text;not null;index" json:"execution_id"`
	Index       int                 `gorm:"column:step_index;not null" json:"index"`
	Name        string              `gorm:"column:name;not null" json:"name"`
	Type        StepType            `gorm:"column:type;not null" json:"type"`
	Status      StepExecutionStatus `gorm:"column:status;not null;index" json:"status"`

	StartedAt  time.Time      `gorm:"column:started_at;not null" json:"started_at"`
	EndedAt    *time.Time     `gorm:"column:ended_at" json:"ended_at,omitempty"`
	DurationMS int64          `gorm:"column:duration_ms" json:"duration_ms,omitempty"`
	Result     datatypes.JSON `gorm:"column:result;type:text" json:"result,omitempty"`
	Error      string         `gorm:"column:error;type:text" json:"error,omitempty"`
}

func (StepExecution) TableName() string { return "workflow_step_executions" }
