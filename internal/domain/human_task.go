package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// HumanTaskKind is the kind of manual decision a HumanTask represents.
type HumanTaskKind string

const (
	HumanTaskValidation HumanTaskKind = "validation"
	HumanTaskApproval   HumanTaskKind = "approval"
	HumanTaskInput      HumanTaskKind = "input"
	HumanTaskReview     HumanTaskKind = "review"
)

// HumanTaskStatus is the lifecycle of a single gate.
type HumanTaskStatus string

const (
	HumanTaskPending   HumanTaskStatus = "pending"
	HumanTaskCompleted HumanTaskStatus = "completed"
	HumanTaskCancelled HumanTaskStatus = "cancelled"
)

// HumanResponse is what completeHumanTask receives from its caller.
type HumanResponse struct {
	Approved bool           `json:"approved"`
	Data     map[string]any `json:"data,omitempty"`
}

// HumanTask is a pending manual decision that blocks its owning execution's
// FSM until it is completed or times out.
type HumanTask struct {
	ID          uuid.UUID       `gorm:"type:text;primaryKey" json:"id"`
	ExecutionID uuid.UUID       `gorm:"type:text;not null;index" json:"execution_id"`
	StepIndex   int             `gorm:"column:step_index;not null" json:"step_index"`
	StepName    string          `gorm:"column:step_name;not null" json:"step_name"`
	Kind        HumanTaskKind   `gorm:"column:kind;not null" json:"kind"`
	Title       string          `gorm:"column:title;not null" json:"title"`
	Description string          `gorm:"column:description;type:text" json:"description,omitempty"`
	Data        datatypes.JSON  `gorm:"column:data;type:text" json:"data,omitempty"`
	Status      HumanTaskStatus `gorm:"column:status;not null;index" json:"status"`
	Priority    int             `gorm:"column:priority" json:"priority,omitempty"`
	Assignee    string          `gorm:"column:assignee;index" json:"assignee,omitempty"`
	Timeout     time.Duration   `gorm:"column:timeout" json:"timeout,omitempty"`

	CreatedAt   time.Time      `gorm:"not null;index" json:"created_at"`
	CompletedAt *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
	Response    datatypes.JSON `gorm:"column:response;type:text" json:"response,omitempty"`
	CompletedBy string         `gorm:"column:completed_by" json:"completed_by,omitempty"`
}

func (HumanTask) TableName() string { return "workflow_human_tasks" }
