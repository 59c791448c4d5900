package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/flowforge/orchestrator/internal/domain"
	"github.com/flowforge/orchestrator/internal/platform/dbctx"
	"github.com/flowforge/orchestrator/internal/platform/testutil"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db := testutil.DB(t)
	return &Store{db: db, log: testutil.Logger(t)}
}

func dbc(ctx context.Context) dbctx.Context {
	return dbctx.Context{Ctx: ctx}
}

func TestSaveAndLoadWorkflowDefinition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def := &domain.WorkflowDefinition{
		Name:    "ingest-and-train",
		Version: "1",
		Steps: []domain.Step{
			{Name: "a", Type: domain.StepScript, Script: &domain.ScriptConfig{Callback: "noop"}},
		},
	}
	if err := s.SaveWorkflowDefinition(dbc(ctx), def); err != nil {
		t.Fatalf("SaveWorkflowDefinition: %v", err)
	}
	if def.ID == uuid.Nil {
		t.Fatalf("SaveWorkflowDefinition: expected an id to be assigned")
	}

	loaded, err := s.LoadWorkflowDefinition(dbc(ctx), def.ID)
	if err != nil {
		t.Fatalf("LoadWorkflowDefinition: %v", err)
	}
	if len(loaded.Steps) != 1 || loaded.Steps[0].Name != "a" {
		t.Fatalf("LoadWorkflowDefinition: steps not decoded: %+v", loaded.Steps)
	}

	byName, err := s.LoadWorkflowDefinitionByNameVersion(dbc(ctx), "ingest-and-train", "1")
	if err != nil {
		t.Fatalf("LoadWorkflowDefinitionByNameVersion: %v", err)
	}
	if byName.ID != def.ID {
		t.Fatalf("LoadWorkflowDefinitionByNameVersion: got wrong definition")
	}

	if _, err := s.LoadWorkflowDefinition(dbc(ctx), uuid.New()); err != domain.ErrNotFound {
		t.Fatalf("LoadWorkflowDefinition: expected ErrNotFound, got %v", err)
	}
}

func TestWorkflowDefinitionValidateRejectsEmptySteps(t *testing.T) {
	s := newTestStore(t)
	def := &domain.WorkflowDefinition{Name: "empty", Version: "1"}
	if err := s.SaveWorkflowDefinition(dbc(context.Background()), def); err == nil {
		t.Fatalf("expected validation error for zero-step definition")
	}
}

func TestExecutionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def := &domain.WorkflowDefinition{
		Name:    "wf",
		Version: "1",
		Steps:   []domain.Step{{Name: "a", Type: domain.StepScript, Script: &domain.ScriptConfig{Callback: "noop"}}},
	}
	if err := s.SaveWorkflowDefinition(dbc(ctx), def); err != nil {
		t.Fatalf("SaveWorkflowDefinition: %v", err)
	}

	exec := &domain.Execution{
		DefinitionID: def.ID,
		Version:      def.Version,
		Status:       domain.ExecInitializing,
		StartedAt:    time.Now(),
	}
	if err := s.SaveExecution(dbc(ctx), exec); err != nil {
		t.Fatalf("SaveExecution: %v", err)
	}

	if err := s.UpdateExecutionFields(dbc(ctx), exec.ID, map[string]any{"status": domain.ExecExecuting}); err != nil {
		t.Fatalf("UpdateExecutionFields: %v", err)
	}
	loaded, err := s.LoadExecution(dbc(ctx), exec.ID)
	if err != nil {
		t.Fatalf("LoadExecution: %v", err)
	}
	if loaded.Status != domain.ExecExecuting {
		t.Fatalf("expected status %q, got %q", domain.ExecExecuting, loaded.Status)
	}

	ok, err := s.UpdateExecutionUnlessTerminal(dbc(ctx), exec.ID, map[string]any{"status": domain.ExecCompleted})
	if err != nil {
		t.Fatalf("UpdateExecutionUnlessTerminal: %v", err)
	}
	if !ok {
		t.Fatalf("UpdateExecutionUnlessTerminal: expected update to apply on non-terminal execution")
	}

	ok, err = s.UpdateExecutionUnlessTerminal(dbc(ctx), exec.ID, map[string]any{"status": domain.ExecFailed})
	if err != nil {
		t.Fatalf("UpdateExecutionUnlessTerminal: %v", err)
	}
	if ok {
		t.Fatalf("UpdateExecutionUnlessTerminal: expected no-op once execution is terminal")
	}

	results, err := s.QueryExecutions(dbc(ctx), ExecutionQuery{DefinitionID: def.ID})
	if err != nil {
		t.Fatalf("QueryExecutions: %v", err)
	}
	if len(results) != 1 || results[0].ID != exec.ID {
		t.Fatalf("QueryExecutions: expected 1 result, got %d", len(results))
	}
}

func TestExecutionContextRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def := &domain.WorkflowDefinition{
		Name:    "wf",
		Version: "1",
		Steps:   []domain.Step{{Name: "a", Type: domain.StepScript, Script: &domain.ScriptConfig{Callback: "noop"}}},
	}
	if err := s.SaveWorkflowDefinition(dbc(ctx), def); err != nil {
		t.Fatalf("SaveWorkflowDefinition: %v", err)
	}
	exec := &domain.Execution{DefinitionID: def.ID, Version: def.Version, Status: domain.ExecExecuting, StartedAt: time.Now()}
	if err := s.SaveExecution(dbc(ctx), exec); err != nil {
		t.Fatalf("SaveExecution: %v", err)
	}

	execCtx := domain.NewExecutionContext()
	execCtx.Variables["count"] = 3
	if err := s.SaveExecutionContext(dbc(ctx), exec.ID, execCtx); err != nil {
		t.Fatalf("SaveExecutionContext: %v", err)
	}

	loaded, err := s.LoadExecutionContext(dbc(ctx), exec.ID)
	if err != nil {
		t.Fatalf("LoadExecutionContext: %v", err)
	}
	if loaded.Variables["count"].(float64) != 3 {
		t.Fatalf("expected round-tripped variable count=3, got %v", loaded.Variables["count"])
	}
}

func TestCheckpointSaveLoadAndCorruption(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def := &domain.WorkflowDefinition{
		Name:    "wf",
		Version: "1",
		Steps:   []domain.Step{{Name: "a", Type: domain.StepScript, Script: &domain.ScriptConfig{Callback: "noop"}}},
	}
	if err := s.SaveWorkflowDefinition(dbc(ctx), def); err != nil {
		t.Fatalf("SaveWorkflowDefinition: %v", err)
	}
	exec := &domain.Execution{DefinitionID: def.ID, Version: def.Version, Status: domain.ExecExecuting, StartedAt: time.Now()}
	if err := s.SaveExecution(dbc(ctx), exec); err != nil {
		t.Fatalf("SaveExecution: %v", err)
	}

	execCtx := domain.NewExecutionContext()
	execCtx.Outputs["a"] = "done"
	if _, err := s.SaveCheckpoint(dbc(ctx), exec.ID, 0, execCtx); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}

	cp, err := s.LoadLatestCheckpoint(dbc(ctx), exec.ID)
	if err != nil {
		t.Fatalf("LoadLatestCheckpoint: %v", err)
	}
	stepIdx, decodedCtx, err := DecodeCheckpoint(cp)
	if err != nil {
		t.Fatalf("DecodeCheckpoint: %v", err)
	}
	if stepIdx != 0 || decodedCtx.Outputs["a"] != "done" {
		t.Fatalf("DecodeCheckpoint: unexpected payload: step=%d outputs=%v", stepIdx, decodedCtx.Outputs)
	}

	cp.Blob[0] ^= 0xFF
	if err := s.tx(dbc(ctx)).Save(cp).Error; err != nil {
		t.Fatalf("corrupt checkpoint: %v", err)
	}
	if _, err := s.LoadLatestCheckpoint(dbc(ctx), exec.ID); err == nil {
		t.Fatalf("expected checksum mismatch to surface ErrCheckpointCorrupted")
	}
}

func TestHumanTaskLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def := &domain.WorkflowDefinition{
		Name:    "wf",
		Version: "1",
		Steps:   []domain.Step{{Name: "a", Type: domain.StepScript, Script: &domain.ScriptConfig{Callback: "noop"}}},
	}
	if err := s.SaveWorkflowDefinition(dbc(ctx), def); err != nil {
		t.Fatalf("SaveWorkflowDefinition: %v", err)
	}
	exec := &domain.Execution{DefinitionID: def.ID, Version: def.Version, Status: domain.ExecHumanValidation, StartedAt: time.Now()}
	if err := s.SaveExecution(dbc(ctx), exec); err != nil {
		t.Fatalf("SaveExecution: %v", err)
	}

	task := &domain.HumanTask{ExecutionID: exec.ID, StepIndex: 0, StepName: "review", Kind: domain.HumanTaskApproval, Title: "approve output"}
	if err := s.CreateHumanTask(dbc(ctx), task); err != nil {
		t.Fatalf("CreateHumanTask: %v", err)
	}

	pending, err := s.ListPendingHumanTasks(dbc(ctx), "")
	if err != nil {
		t.Fatalf("ListPendingHumanTasks: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending task, got %d", len(pending))
	}

	ok, err := s.CompleteHumanTask(dbc(ctx), task.ID, domain.HumanResponse{Approved: true}, "operator-1")
	if err != nil {
		t.Fatalf("CompleteHumanTask: %v", err)
	}
	if !ok {
		t.Fatalf("CompleteHumanTask: expected first completion to apply")
	}

	ok, err = s.CompleteHumanTask(dbc(ctx), task.ID, domain.HumanResponse{Approved: false}, "operator-2")
	if err != nil {
		t.Fatalf("CompleteHumanTask: %v", err)
	}
	if ok {
		t.Fatalf("CompleteHumanTask: expected second completion to be a no-op")
	}
}

func TestMetricsSnapshot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def := &domain.WorkflowDefinition{
		Name:    "wf",
		Version: "1",
		Steps:   []domain.Step{{Name: "a", Type: domain.StepScript, Script: &domain.ScriptConfig{Callback: "noop"}}},
	}
	if err := s.SaveWorkflowDefinition(dbc(ctx), def); err != nil {
		t.Fatalf("SaveWorkflowDefinition: %v", err)
	}
	completed := &domain.Execution{DefinitionID: def.ID, Version: def.Version, Status: domain.ExecCompleted, StartedAt: time.Now(), DurationMS: 100}
	active := &domain.Execution{DefinitionID: def.ID, Version: def.Version, Status: domain.ExecExecuting, StartedAt: time.Now()}
	if err := s.SaveExecution(dbc(ctx), completed); err != nil {
		t.Fatalf("SaveExecution: %v", err)
	}
	if err := s.SaveExecution(dbc(ctx), active); err != nil {
		t.Fatalf("SaveExecution: %v", err)
	}

	m, err := s.LoadMetrics(dbc(ctx))
	if err != nil {
		t.Fatalf("LoadMetrics: %v", err)
	}
	if m.TotalWorkflows != 2 || m.CompletedWorkflows != 1 || m.ActiveWorkflows != 1 {
		t.Fatalf("unexpected metrics snapshot: %+v", m)
	}
}
