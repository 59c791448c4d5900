package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// RetryPolicy bounds how many times a step may be retried and how long to
// wait between attempts. MaxAttempts 0 means no retries; a zero Delay falls
// back to the engine's minimum backoff. A definition with no policy at all
// gets 3 attempts one second apart.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	Delay       time.Duration `json:"delay"`
}

// WorkflowDefinition is an immutable, versioned declaration of a workflow's
// steps. New revisions are separate records keyed by (ID, Version); nothing
// ever mutates a registered definition in place.
type WorkflowDefinition struct {
	ID           uuid.UUID      `gorm:"type:text;primaryKey" json:"id"`
	Name         string         `gorm:"column:name;not null;index" json:"name"`
	Version      string         `gorm:"column:version;not null;index" json:"version"`
	Steps        []Step         `gorm:"-" json:"steps"`
	StepsJSON    datatypes.JSON `gorm:"column:steps;type:text" json:"-"`
	DefaultRetry *RetryPolicy   `gorm:"-" json:"default_retry,omitempty"`
	RetryJSON    datatypes.JSON `gorm:"column:default_retry;type:text" json:"-"`
	Timeout      time.Duration  `gorm:"column:timeout" json:"timeout,omitempty"`
	CreatedAt    time.Time      `gorm:"not null;index" json:"created_at"`
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"-"`
}

func (WorkflowDefinition) TableName() string { return "workflow_definitions" }

// EncodeJSON serializes Steps/DefaultRetry into their JSON-backed columns;
// callers must invoke this before passing the record to GORM for persistence.
func (d *WorkflowDefinition) EncodeJSON() error {
	b, err := json.Marshal(d.Steps)
	if err != nil {
		return err
	}
	d.StepsJSON = datatypes.JSON(b)
	if d.DefaultRetry != nil {
		rb, err := json.Marshal(d.DefaultRetry)
		if err != nil {
			return err
		}
		d.RetryJSON = datatypes.JSON(rb)
	}
	return nil
}

// DecodeJSON populates Steps/DefaultRetry from their JSON-backed columns;
// callers must invoke this after GORM loads a record.
func (d *WorkflowDefinition) DecodeJSON() error {
	if len(d.StepsJSON) > 0 {
		if err := json.Unmarshal(d.StepsJSON, &d.Steps); err != nil {
			return err
		}
	}
	if len(d.RetryJSON) > 0 {
		var rp RetryPolicy
		if err := json.Unmarshal(d.RetryJSON, &rp); err != nil {
			return err
		}
		d.DefaultRetry = &rp
	}
	return nil
}

// Validate checks the structural invariants a submission must satisfy before
// it is accepted: at least one step, unique step names, well-formed child
// steps, and a resolvable step-dependency DAG among parallel/conditional
// branches. Returns a wrapped ErrConfigInvalid on any violation.
func (d *WorkflowDefinition) Validate() error {
	if d == nil || len(d.Steps) == 0 {
		return wrapConfigInvalid("workflow definition has zero steps")
	}
	seen := make(map[string]bool, len(d.Steps))
	for i := range d.Steps {
		s := &d.Steps[i]
		if s.Name == "" {
			return wrapConfigInvalidf("step at index %d has no name", i)
		}
		if seen[s.Name] {
			return wrapConfigInvalidf("duplicate step name %q", s.Name)
		}
		seen[s.Name] = true
		if err := s.validateShape(); err != nil {
			return err
		}
	}
	return nil
}
