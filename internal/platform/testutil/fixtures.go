package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/flowforge/orchestrator/internal/domain"
)

// SeedWorkflowDefinition creates a minimal single-step definition, encoding
// its JSON columns before insert the same way Store.SaveWorkflowDefinition
// does.
func SeedWorkflowDefinition(tb testing.TB, ctx context.Context, tx *gorm.DB, name, version string) *domain.WorkflowDefinition {
	tb.Helper()
	def := &domain.WorkflowDefinition{
		ID:      uuid.New(),
		Name:    name,
		Version: version,
		Steps: []domain.Step{
			{
				Name: "step-1",
				Type: domain.StepScript,
				Script: &domain.ScriptConfig{
					Callback: "noop",
				},
			},
		},
		CreatedAt: time.Now(),
	}
	if err := def.EncodeJSON(); err != nil {
		tb.Fatalf("seed workflow definition: encode: %v", err)
	}
	if err := tx.WithContext(ctx).Create(def).Error; err != nil {
		tb.Fatalf("seed workflow definition: %v", err)
	}
	return def
}

// SeedExecution creates an execution in ExecInitializing status against def.
func SeedExecution(tb testing.TB, ctx context.Context, tx *gorm.DB, def *domain.WorkflowDefinition) *domain.Execution {
	tb.Helper()
	now := time.Now()
	exec := &domain.Execution{
		ID:           uuid.New(),
		DefinitionID: def.ID,
		Version:      def.Version,
		Status:       domain.ExecInitializing,
		StartedAt:    now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := tx.WithContext(ctx).Create(exec).Error; err != nil {
		tb.Fatalf("seed execution: %v", err)
	}
	return exec
}

// SeedHumanTask creates a pending gate against exec at stepIndex.
func SeedHumanTask(tb testing.TB, ctx context.Context, tx *gorm.DB, exec *domain.Execution, stepIndex int) *domain.HumanTask {
	tb.Helper()
	task := &domain.HumanTask{
		ID:          uuid.New(),
		ExecutionID: exec.ID,
		StepIndex:   stepIndex,
		StepName:    "review",
		Kind:        domain.HumanTaskApproval,
		Title:       "review output",
		Status:      domain.HumanTaskPending,
		CreatedAt:   time.Now(),
	}
	if err := tx.WithContext(ctx).Create(task).Error; err != nil {
		tb.Fatalf("seed human task: %v", err)
	}
	return task
}
