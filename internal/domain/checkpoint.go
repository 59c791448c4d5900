package domain

import (
	"time"

	"github.com/google/uuid"
)

// Checkpoint is a durable, never-mutated snapshot of an execution's context
// sufficient to resume without repeating completed steps. Blob holds the
// serialized {context, currentStep, stepResults, variables} envelope (see
// internal/store for the concrete encoding); Checksum is verified on load.
type Checkpoint struct {
	ID          uuid.UUID `gorm:"type:text;primaryKey" json:"id"`
	ExecutionID uuid.UUID `gorm:"type:text;not null;index" json:"execution_id"`
	StepIndex   int       `gorm:"column:step_index;not null" json:"step_index"`
	Timestamp   time.Time `gorm:"column:timestamp;not null;index" json:"timestamp"`
	Blob        []byte    `gorm:"column:blob;type:blob" json:"-"`
	Size        int64     `gorm:"column:size;not null" json:"size"`
	Checksum    string    `gorm:"column:checksum;not null" json:"checksum"`
}

func (Checkpoint) TableName() string { return "workflow_checkpoints" }
