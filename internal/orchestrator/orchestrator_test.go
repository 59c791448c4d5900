package orchestrator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/flowforge/orchestrator/internal/deployment"
	"github.com/flowforge/orchestrator/internal/domain"
	"github.com/flowforge/orchestrator/internal/eventbus"
	"github.com/flowforge/orchestrator/internal/operators"
	"github.com/flowforge/orchestrator/internal/pipeline"
	"github.com/flowforge/orchestrator/internal/resourcepool"
	"github.com/flowforge/orchestrator/internal/store"
	"github.com/flowforge/orchestrator/internal/platform/logger"
	"github.com/flowforge/orchestrator/internal/training"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	l, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return l
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()), testLogger(t))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	return s
}

func newHarness(t *testing.T, cfg Config) *Engine {
	t.Helper()
	st := testStore(t)
	bus := eventbus.New(2*time.Millisecond, 32, testLogger(t))
	pool := resourcepool.New(domain.ResourceRequirements{CPU: 4, Memory: 4, GPU: 4, Storage: 4})

	pipelines := pipeline.New(operators.NewMemory(), bus, testLogger(t))
	trainer := training.New(bus, testLogger(t))
	server := operators.NewInMemoryServer(func() float64 { return 0.5 })
	deployer := deployment.New(server, bus, testLogger(t))

	return New(st, pool, bus, pipelines, trainer, deployer, cfg, testLogger(t))
}

func waitForTerminal(t *testing.T, eng *Engine, id uuid.UUID, want domain.ExecutionStatus, timeout time.Duration) *domain.Execution {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var last *domain.Execution
	for time.Now().Before(deadline) {
		exec, err := eng.GetExecution(context.Background(), id)
		if err == nil {
			last = exec
			if exec.Status == want {
				return exec
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	if last != nil {
		t.Fatalf("execution %s did not reach %s in time, last status=%s error=%s", id, want, last.Status, last.Error)
	}
	t.Fatalf("execution %s did not reach %s in time, never observed", id, want)
	return nil
}

func TestScriptWorkflowCompletes(t *testing.T) {
	eng := newHarness(t, Config{})
	eng.RegisterScript("double", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		n, _ := params["n"].(float64)
		return map[string]any{"result": n * 2}, nil
	})

	def := &domain.WorkflowDefinition{
		ID: uuid.New(), Name: "double-workflow", Version: "1",
		Steps: []domain.Step{
			{Name: "double-it", Type: domain.StepScript, Script: &domain.ScriptConfig{Callback: "double", Params: map[string]any{"n": 21.0}}},
		},
	}

	exec, err := eng.StartExecution(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}

	final := waitForTerminal(t, eng, exec.ID, domain.ExecCompleted, time.Second)
	if final.Status != domain.ExecCompleted {
		t.Fatalf("expected completed, got %s (err=%s)", final.Status, final.Error)
	}
}

func TestUnregisteredScriptFailsWithoutRetrying(t *testing.T) {
	eng := newHarness(t, Config{MinBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond})
	one := 1
	def := &domain.WorkflowDefinition{
		ID: uuid.New(), Name: "missing-script", Version: "1",
		DefaultRetry: &domain.RetryPolicy{MaxAttempts: one, Delay: time.Millisecond},
		Steps: []domain.Step{
			{Name: "ghost", Type: domain.StepScript, Script: &domain.ScriptConfig{Callback: "does-not-exist"}},
		},
	}

	exec, err := eng.StartExecution(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}

	final := waitForTerminal(t, eng, exec.ID, domain.ExecFailed, 2*time.Second)
	if final.Status != domain.ExecFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
}

func TestHumanGateBlocksThenApprovalAdvances(t *testing.T) {
	eng := newHarness(t, Config{})
	eng.RegisterScript("noop", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return map[string]any{}, nil
	})

	def := &domain.WorkflowDefinition{
		ID: uuid.New(), Name: "gated-workflow", Version: "1",
		Steps: []domain.Step{
			{
				Name: "gated-step", Type: domain.StepScript,
				Script:          &domain.ScriptConfig{Callback: "noop"},
				HumanValidation: &domain.HumanGateConfig{Required: true},
			},
		},
	}

	exec, err := eng.StartExecution(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	var gated *domain.Execution
	for time.Now().Before(deadline) {
		cur, err := eng.GetExecution(context.Background(), exec.ID)
		if err == nil && cur.Status == domain.ExecHumanValidation {
			gated = cur
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if gated == nil {
		t.Fatalf("execution never reached human_validation")
	}

	rs, err := eng.runStateFor(exec.ID)
	if err != nil {
		t.Fatalf("runStateFor: %v", err)
	}
	taskID := rs.pendingHumanTaskID
	if taskID == uuid.Nil {
		t.Fatalf("expected a pending human task id")
	}

	if err := eng.CompleteHumanTask(context.Background(), taskID, domain.HumanResponse{Approved: true}, "reviewer-1"); err != nil {
		t.Fatalf("CompleteHumanTask: %v", err)
	}

	final := waitForTerminal(t, eng, exec.ID, domain.ExecCompleted, time.Second)
	if final.Status != domain.ExecCompleted {
		t.Fatalf("expected completed after approval, got %s", final.Status)
	}
}

func TestHumanGateRejectionRoutesToRecoveryThenFails(t *testing.T) {
	eng := newHarness(t, Config{})
	eng.RegisterScript("noop", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return map[string]any{}, nil
	})

	def := &domain.WorkflowDefinition{
		ID: uuid.New(), Name: "rejected-gate", Version: "1",
		Steps: []domain.Step{
			{
				Name: "gated-step", Type: domain.StepScript,
				Script:          &domain.ScriptConfig{Callback: "noop"},
				HumanValidation: &domain.HumanGateConfig{Required: true},
			},
		},
	}

	exec, err := eng.StartExecution(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		cur, err := eng.GetExecution(context.Background(), exec.ID)
		if err == nil && cur.Status == domain.ExecHumanValidation {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	rs, err := eng.runStateFor(exec.ID)
	if err != nil {
		t.Fatalf("runStateFor: %v", err)
	}
	if err := eng.CompleteHumanTask(context.Background(), rs.pendingHumanTaskID, domain.HumanResponse{Approved: false}, "reviewer-1"); err != nil {
		t.Fatalf("CompleteHumanTask: %v", err)
	}

	// No checkpoint exists, so recovery has nothing to restore and the
	// execution falls through to failed.
	final := waitForTerminal(t, eng, exec.ID, domain.ExecFailed, time.Second)
	if final.Status != domain.ExecFailed {
		t.Fatalf("expected failed after rejection with no checkpoint, got %s", final.Status)
	}
}

func TestResourceDenialTimesOutToFailed(t *testing.T) {
	eng := newHarness(t, Config{ResourceTimeout: 10 * time.Millisecond})
	eng.RegisterScript("noop", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return map[string]any{}, nil
	})

	def := &domain.WorkflowDefinition{
		ID: uuid.New(), Name: "over-budget", Version: "1",
		Steps: []domain.Step{
			{
				Name: "too-big", Type: domain.StepScript,
				Script:          &domain.ScriptConfig{Callback: "noop"},
				ResourceRequest: &domain.ResourceRequirements{CPU: 999},
			},
		},
	}

	exec, err := eng.StartExecution(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}

	final := waitForTerminal(t, eng, exec.ID, domain.ExecFailed, time.Second)
	if final.Status != domain.ExecFailed {
		t.Fatalf("expected failed after resource timeout, got %s", final.Status)
	}
}

func TestPauseThenResumeReachesCompleted(t *testing.T) {
	eng := newHarness(t, Config{})
	eng.RegisterScript("noop", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return map[string]any{}, nil
	})

	def := &domain.WorkflowDefinition{
		ID: uuid.New(), Name: "pausable", Version: "1",
		Steps: []domain.Step{
			{Name: "a", Type: domain.StepScript, Script: &domain.ScriptConfig{Callback: "noop"},
				HumanValidation: &domain.HumanGateConfig{Required: true}},
		},
	}
	exec, err := eng.StartExecution(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}

	// Pause while the step is gated on human validation.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		cur, err := eng.GetExecution(context.Background(), exec.ID)
		if err == nil && cur.Status == domain.ExecHumanValidation {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if err := eng.PauseWorkflow(exec.ID); err != nil {
		t.Fatalf("PauseWorkflow: %v", err)
	}
	paused := waitForTerminal(t, eng, exec.ID, domain.ExecPaused, time.Second)
	if paused.Status != domain.ExecPaused {
		t.Fatalf("expected paused, got %s", paused.Status)
	}

	if err := eng.ResumeWorkflow(exec.ID); err != nil {
		t.Fatalf("ResumeWorkflow: %v", err)
	}
	// Resuming re-enters executing, which re-runs the gated step and opens
	// a new human task; approve it so the run can finish.
	waitForTerminal(t, eng, exec.ID, domain.ExecHumanValidation, time.Second)
	rs, err := eng.runStateFor(exec.ID)
	if err != nil {
		t.Fatalf("runStateFor: %v", err)
	}
	if err := eng.CompleteHumanTask(context.Background(), rs.pendingHumanTaskID, domain.HumanResponse{Approved: true}, "reviewer-1"); err != nil {
		t.Fatalf("CompleteHumanTask: %v", err)
	}
	final := waitForTerminal(t, eng, exec.ID, domain.ExecCompleted, time.Second)
	if final.Status != domain.ExecCompleted {
		t.Fatalf("expected completed after resume, got %s", final.Status)
	}
}

func TestCancelExecutionFromRunningReachesCancelled(t *testing.T) {
	eng := newHarness(t, Config{})
	eng.RegisterScript("noop", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return map[string]any{}, nil
	})

	def := &domain.WorkflowDefinition{
		ID: uuid.New(), Name: "cancel-me", Version: "1",
		Steps: []domain.Step{
			{Name: "a", Type: domain.StepScript, Script: &domain.ScriptConfig{Callback: "noop"},
				HumanValidation: &domain.HumanGateConfig{Required: true}},
		},
	}
	exec, err := eng.StartExecution(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		cur, err := eng.GetExecution(context.Background(), exec.ID)
		if err == nil && cur.Status == domain.ExecHumanValidation {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if err := eng.CancelExecution(exec.ID); err != nil {
		t.Fatalf("CancelExecution: %v", err)
	}

	final := waitForTerminal(t, eng, exec.ID, domain.ExecCancelled, time.Second)
	if final.Status != domain.ExecCancelled {
		t.Fatalf("expected cancelled, got %s", final.Status)
	}
}

func TestConditionalStepRunsThenBranch(t *testing.T) {
	eng := newHarness(t, Config{})
	eng.RegisterScript("mark", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return map[string]any{"marked": true}, nil
	})

	def := &domain.WorkflowDefinition{
		ID: uuid.New(), Name: "conditional-workflow", Version: "1",
		Steps: []domain.Step{
			{
				Name: "branch", Type: domain.StepConditional,
				Conditional: &domain.ConditionalConfig{
					Condition: "1 == 1",
					Then:      []domain.Step{{Name: "then-branch", Type: domain.StepScript, Script: &domain.ScriptConfig{Callback: "mark"}}},
					Else:      []domain.Step{{Name: "else-branch", Type: domain.StepScript, Script: &domain.ScriptConfig{Callback: "mark"}}},
				},
			},
		},
	}

	exec, err := eng.StartExecution(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}
	final := waitForTerminal(t, eng, exec.ID, domain.ExecCompleted, time.Second)
	if final.Status != domain.ExecCompleted {
		t.Fatalf("expected completed, got %s (err=%s)", final.Status, final.Error)
	}
}

func TestParallelStepRunsAllChildren(t *testing.T) {
	eng := newHarness(t, Config{})
	eng.RegisterScript("noop", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return map[string]any{}, nil
	})

	def := &domain.WorkflowDefinition{
		ID: uuid.New(), Name: "parallel-workflow", Version: "1",
		Steps: []domain.Step{
			{
				Name: "fanout", Type: domain.StepParallel,
				Parallel: &domain.ParallelConfig{
					Children: []domain.Step{
						{Name: "p1", Type: domain.StepScript, Script: &domain.ScriptConfig{Callback: "noop"}},
						{Name: "p2", Type: domain.StepScript, Script: &domain.ScriptConfig{Callback: "noop"}},
					},
				},
			},
		},
	}

	exec, err := eng.StartExecution(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}
	final := waitForTerminal(t, eng, exec.ID, domain.ExecCompleted, time.Second)
	if final.Status != domain.ExecCompleted {
		t.Fatalf("expected completed, got %s (err=%s)", final.Status, final.Error)
	}
}

func TestCheckpointThenRecoveryRestoresStepIndex(t *testing.T) {
	eng := newHarness(t, Config{CheckpointInterval: time.Nanosecond, AutoRecoveryEnabled: true})
	eng.RegisterScript("fail-once", failOnce())
	eng.RegisterScript("noop", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return map[string]any{}, nil
	})

	def := &domain.WorkflowDefinition{
		ID: uuid.New(), Name: "checkpoint-and-recover", Version: "1",
		DefaultRetry: &domain.RetryPolicy{MaxAttempts: 0, Delay: time.Millisecond},
		Steps: []domain.Step{
			{Name: "first", Type: domain.StepScript, Script: &domain.ScriptConfig{Callback: "noop"}},
			{Name: "second", Type: domain.StepScript, Script: &domain.ScriptConfig{Callback: "fail-once"}},
		},
	}

	exec, err := eng.StartExecution(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}

	final := waitForTerminal(t, eng, exec.ID, domain.ExecCompleted, 2*time.Second)
	if final.Status != domain.ExecCompleted {
		t.Fatalf("expected completed via recovery, got %s (err=%s)", final.Status, final.Error)
	}
}

// failOnce returns a script callback that fails its first invocation and
// succeeds thereafter, used to drive a step into recovery exactly once.
func failOnce() ScriptFunc {
	failed := false
	return func(ctx context.Context, params map[string]any) (map[string]any, error) {
		if !failed {
			failed = true
			return nil, fmt.Errorf("transient failure")
		}
		return map[string]any{}, nil
	}
}

func TestShutdownWithNoInFlightExecutionsReturnsImmediately(t *testing.T) {
	eng := newHarness(t, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := eng.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestShutdownRefusesNewExecutions(t *testing.T) {
	eng := newHarness(t, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := eng.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	def := &domain.WorkflowDefinition{
		ID: uuid.New(), Name: "post-shutdown", Version: "1",
		Steps: []domain.Step{
			{Name: "noop-step", Type: domain.StepScript, Script: &domain.ScriptConfig{Callback: "noop"}},
		},
	}
	if _, err := eng.StartExecution(context.Background(), def, nil); err == nil {
		t.Fatal("expected StartExecution to fail after Shutdown, got nil error")
	}
}

func TestShutdownAfterExecutionCompletesReturnsNil(t *testing.T) {
	eng := newHarness(t, Config{})
	eng.RegisterScript("double", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		n, _ := params["n"].(float64)
		return map[string]any{"result": n * 2}, nil
	})

	def := &domain.WorkflowDefinition{
		ID: uuid.New(), Name: "drain-workflow", Version: "1",
		Steps: []domain.Step{
			{Name: "double-it", Type: domain.StepScript, Script: &domain.ScriptConfig{Callback: "double", Params: map[string]any{"n": 21.0}}},
		},
	}
	exec, err := eng.StartExecution(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}
	waitForTerminal(t, eng, exec.ID, domain.ExecCompleted, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := eng.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}
