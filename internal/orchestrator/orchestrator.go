// Package orchestrator implements the Orchestration Engine (C8): the
// top-level FSM that drives a WorkflowDefinition to completion, dispatching
// steps to the data pipeline, training, and deployment engines (C5-C7) and
// coordinating with the persistence store and resource pool (C1-C2), per
// §4.8. One Engine owns every live execution; each execution gets its own
// internal/fsm.Interpreter and runState, so concurrent executions never
// share mutable state beyond the store/pool/bus they're built from.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowforge/orchestrator/internal/deployment"
	"github.com/flowforge/orchestrator/internal/domain"
	"github.com/flowforge/orchestrator/internal/eventbus"
	"github.com/flowforge/orchestrator/internal/fsm"
	"github.com/flowforge/orchestrator/internal/pipeline"
	"github.com/flowforge/orchestrator/internal/platform/dbctx"
	"github.com/flowforge/orchestrator/internal/platform/logger"
	"github.com/flowforge/orchestrator/internal/resourcepool"
	"github.com/flowforge/orchestrator/internal/store"
	"github.com/flowforge/orchestrator/internal/training"
)

// ScriptFunc is a registered callback a "script" step may invoke by name.
type ScriptFunc func(ctx context.Context, params map[string]any) (map[string]any, error)

// Config carries the engine-wide defaults spec §4.8 leaves to the
// implementation: checkpoint cadence, resource/human-gate timeouts, and the
// jittered-backoff shape for step retries (grounded on the teacher's
// RetryPolicy{MinBackoff, MaxBackoff, JitterFrac}).
type Config struct {
	CheckpointInterval  time.Duration
	ResourceTimeout     time.Duration
	DefaultHumanTimeout time.Duration
	AutoRecoveryEnabled bool

	MinBackoff time.Duration // default 1s
	MaxBackoff time.Duration // default 30s
	JitterFrac float64       // default 0.20
}

// Engine is the C8 accessor.
type Engine struct {
	log        *logger.Logger
	bus        *eventbus.Bus
	store      *store.Store
	pool       *resourcepool.Pool
	pipelines  *pipeline.Engine
	training   *training.Coordinator
	deployment *deployment.Engine
	cfg        Config
	tracer     trace.Tracer

	mu       sync.Mutex
	scripts  map[string]ScriptFunc
	runs     map[uuid.UUID]*runState
	draining bool
}

func New(st *store.Store, pool *resourcepool.Pool, bus *eventbus.Bus, pipelines *pipeline.Engine, trainer *training.Coordinator, deployer *deployment.Engine, cfg Config, baseLog *logger.Logger) *Engine {
	return &Engine{
		log:        baseLog.With("component", "orchestrator"),
		bus:        bus,
		store:      st,
		pool:       pool,
		pipelines:  pipelines,
		training:   trainer,
		deployment: deployer,
		cfg:        cfg,
		tracer:     otel.Tracer("orchestrator"),
		scripts:    make(map[string]ScriptFunc),
		runs:       make(map[uuid.UUID]*runState),
	}
}

// RegisterScript makes fn available to "script" steps under name.
func (e *Engine) RegisterScript(name string, fn ScriptFunc) {
	e.mu.Lock()
	e.scripts[name] = fn
	e.mu.Unlock()
}

// runState is the interpreter's context: everything one execution's FSM
// needs across OnEntry/transition actions. It is held by the engine for the
// lifetime of a non-terminal execution and discarded once a terminal state
// is reached (GetExecution falls back to the store after that).
type runState struct {
	eng    *Engine
	interp *fsm.Interpreter
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	exec *domain.Execution
	def  *domain.WorkflowDefinition
	ectx domain.ExecutionContext

	retryCount         int
	humanGateRequired  bool
	pendingHumanTaskID uuid.UUID
	heldAllocation     string
	stepErr            error
}

func (rs *runState) dbc() dbctx.Context { return dbctx.Context{Ctx: rs.ctx} }

func (rs *runState) setStatus(s domain.ExecutionStatus) {
	rs.mu.Lock()
	rs.exec.Status = s
	rs.mu.Unlock()
}

func (rs *runState) snapshot() domain.Execution {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return *rs.exec
}

func (rs *runState) currentStep() *domain.Step {
	if rs.exec.CurrentStepIndex < 0 || rs.exec.CurrentStepIndex >= len(rs.def.Steps) {
		return nil
	}
	return &rs.def.Steps[rs.exec.CurrentStepIndex]
}

func (rs *runState) previousStepName() string {
	idx := rs.exec.CurrentStepIndex - 1
	if idx < 0 || idx >= len(rs.def.Steps) {
		return ""
	}
	return rs.def.Steps[idx].Name
}

func (rs *runState) conditionScope() map[string]any {
	scope := make(map[string]any, len(rs.ectx.Variables)+len(rs.ectx.Outputs))
	for k, v := range rs.ectx.Variables {
		scope[k] = v
	}
	for k, v := range rs.ectx.Outputs {
		scope[k] = v
	}
	return scope
}

func (rs *runState) retryPolicy() domain.RetryPolicy {
	if rs.def.DefaultRetry != nil {
		return *rs.def.DefaultRetry
	}
	return domain.RetryPolicy{MaxAttempts: 3, Delay: time.Second}
}

// StartExecution registers and runs def as a new execution, returning its
// initial record. The FSM proceeds synchronously, running dispatched steps
// inline, until it waits on a timer or a person (a resource wait, a retry
// backoff, a human gate) or reaches a terminal state; then control returns
// to the caller.
func (e *Engine) StartExecution(ctx context.Context, def *domain.WorkflowDefinition, inputs map[string]any) (*domain.Execution, error) {
	e.mu.Lock()
	draining := e.draining
	e.mu.Unlock()
	if draining {
		return nil, fmt.Errorf("start execution: engine is shutting down")
	}
	if def == nil {
		return nil, fmt.Errorf("start execution: nil definition")
	}
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("start execution: %w", err)
	}
	inputsJSON, err := json.Marshal(inputs)
	if err != nil {
		return nil, fmt.Errorf("start execution: encode inputs: %w", err)
	}
	ectx := domain.NewExecutionContext()
	ectxJSON, err := json.Marshal(ectx)
	if err != nil {
		return nil, fmt.Errorf("start execution: encode context: %w", err)
	}

	exec := &domain.Execution{
		ID:           uuid.New(),
		DefinitionID: def.ID,
		Version:      def.Version,
		Status:       domain.ExecInitializing,
		Inputs:       inputsJSON,
		Context:      ectxJSON,
		StartedAt:    time.Now(),
	}

	runCtx, cancel := context.WithCancel(ctx)
	rs := &runState{eng: e, ctx: runCtx, cancel: cancel, exec: exec, def: def, ectx: ectx}
	rs.interp = fsm.New(e.buildDefinition(), rs)
	rs.interp.OnTransition(func(ev fsm.TransitionEvent) {
		e.bus.Publish("workflow:"+exec.ID.String(), eventbus.Event{
			Subtype: "workflow:state-change",
			Payload: map[string]any{"from": ev.From, "to": ev.To, "event": ev.Event},
		})
	})

	if err := e.store.SaveExecution(rs.dbc(), exec); err != nil {
		cancel()
		return nil, fmt.Errorf("start execution: %w", err)
	}

	e.mu.Lock()
	e.runs[exec.ID] = rs
	e.mu.Unlock()

	rs.interp.Start()
	return exec, nil
}

func (e *Engine) runStateFor(id uuid.UUID) (*runState, error) {
	e.mu.Lock()
	rs, ok := e.runs[id]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("execution %s: not running", id)
	}
	return rs, nil
}

func (e *Engine) forget(rs *runState) {
	rs.cancel()
	e.mu.Lock()
	delete(e.runs, rs.exec.ID)
	e.mu.Unlock()
}

// Shutdown drains the engine cooperatively: it stops StartExecution from
// accepting new work, then waits until every in-flight execution has reached
// a terminal state (completed, failed or cancelled) or ctx expires, rather
// than cancelling their run contexts out from under them.
// Executions still live when ctx expires are left running; their state is
// already durable as of their last transition, so a restart can resume them
// from the store instead of losing work, matching the teacher's worker.go
// runLoop pattern of letting ctx.Done() stop new claims while in-flight work
// finishes on its own.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.draining = true
	remaining := len(e.runs)
	e.mu.Unlock()
	if remaining == 0 {
		return nil
	}
	e.log.Info("draining in-flight executions", "count", remaining)

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.mu.Lock()
			left := len(e.runs)
			e.mu.Unlock()
			e.log.Warn("shutdown deadline reached with executions still in flight; state already persisted as of their last transition", "count", left)
			return ctx.Err()
		case <-ticker.C:
			e.mu.Lock()
			left := len(e.runs)
			e.mu.Unlock()
			if left == 0 {
				e.log.Info("all in-flight executions drained")
				return nil
			}
		}
	}
}

// PauseWorkflow injects MANUAL_INTERVENTION, per §4.8 "from any executing
// state"; it returns an error if the execution isn't currently live.
func (e *Engine) PauseWorkflow(id uuid.UUID) error {
	rs, err := e.runStateFor(id)
	if err != nil {
		return err
	}
	rs.interp.Send("MANUAL_INTERVENTION")
	return nil
}

// ResumeWorkflow sends RESUME; only effective from paused.
func (e *Engine) ResumeWorkflow(id uuid.UUID) error {
	rs, err := e.runStateFor(id)
	if err != nil {
		return err
	}
	rs.interp.Send("RESUME")
	return nil
}

// CancelExecution drives an execution to cancelled regardless of its
// current state, per spec's literal "CANCEL moves paused → cancelled":
// it injects MANUAL_INTERVENTION to reach paused first (a no-op if already
// there), then CANCEL.
func (e *Engine) CancelExecution(id uuid.UUID) error {
	rs, err := e.runStateFor(id)
	if err != nil {
		return err
	}
	rs.interp.Send("MANUAL_INTERVENTION")
	rs.interp.Send("CANCEL")
	return nil
}

// CompleteHumanTask resolves a pending gate, sending HUMAN_APPROVED or
// HUMAN_REJECTED to the owning execution's FSM.
func (e *Engine) CompleteHumanTask(ctx context.Context, taskID uuid.UUID, resp domain.HumanResponse, completedBy string) error {
	dbc := dbctx.Context{Ctx: ctx}
	task, err := e.store.LoadHumanTask(dbc, taskID)
	if err != nil {
		return fmt.Errorf("complete human task: %w", err)
	}
	ok, err := e.store.CompleteHumanTask(dbc, taskID, resp, completedBy)
	if err != nil {
		return fmt.Errorf("complete human task: %w", err)
	}
	if !ok {
		return fmt.Errorf("complete human task: %s: already resolved", taskID)
	}
	rs, err := e.runStateFor(task.ExecutionID)
	if err != nil {
		return nil // execution already terminal; task resolution still recorded above
	}
	if resp.Approved {
		rs.interp.Send("HUMAN_APPROVED")
	} else {
		rs.interp.Send("HUMAN_REJECTED")
	}
	return nil
}

// GetExecution returns a live execution's in-memory snapshot, falling back
// to the store once it has gone terminal.
func (e *Engine) GetExecution(ctx context.Context, id uuid.UUID) (*domain.Execution, error) {
	e.mu.Lock()
	rs, ok := e.runs[id]
	e.mu.Unlock()
	if ok {
		exec := rs.snapshot()
		return &exec, nil
	}
	return e.store.LoadExecution(dbctx.Context{Ctx: ctx}, id)
}

func (e *Engine) persistFields(rs *runState, updates map[string]any) {
	if err := e.store.UpdateExecutionFields(rs.dbc(), rs.exec.ID, updates); err != nil {
		e.log.Warn("persist execution fields failed", "execution", rs.exec.ID, "error", err)
	}
}

func (e *Engine) publish(rs *runState, subtype string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish("workflow:"+rs.exec.ID.String(), eventbus.Event{Subtype: subtype, Payload: rs.exec.ID.String()})
}

func (e *Engine) releaseHeldAllocation(rs *runState) {
	if rs.heldAllocation == "" {
		return
	}
	e.pool.Release(rs.heldAllocation)
	rs.heldAllocation = ""
}

func (e *Engine) shouldCheckpoint(rs *runState) bool {
	if e.cfg.CheckpointInterval <= 0 {
		return false
	}
	last := rs.exec.StartedAt
	if rs.exec.LastCheckpointAt != nil {
		last = *rs.exec.LastCheckpointAt
	}
	return time.Since(last) > e.cfg.CheckpointInterval
}

// computeBackoff mirrors the teacher's jittered-exponential helper,
// generalized from a stage retry to a step retry.
func (e *Engine) computeBackoff(rs *runState) time.Duration {
	policy := rs.retryPolicy()
	minB := e.cfg.MinBackoff
	if policy.Delay > 0 {
		minB = policy.Delay
	}
	maxB := e.cfg.MaxBackoff
	jitter := e.cfg.JitterFrac
	if minB <= 0 {
		minB = time.Second
	}
	if maxB <= 0 {
		maxB = 30 * time.Second
	}
	if jitter <= 0 {
		jitter = 0.20
	}
	attempts := rs.retryCount
	if attempts < 1 {
		attempts = 1
	}
	d := time.Duration(float64(minB) * math.Pow(2, float64(attempts-1)))
	if d > maxB {
		d = maxB
	}
	delta := float64(d) * jitter
	low, high := float64(d)-delta, float64(d)+delta
	if low < 0 {
		low = 0
	}
	return time.Duration(low + rand.Float64()*(high-low))
}

// -------------------- FSM definition --------------------

// afterStepChain decides where to go once a step's own work is done and any
// human gate has already been cleared: checkpoint if due, finalize if this
// was the last step, otherwise advance to the next step's resource
// allocation. Shared between executing's STEP_DONE and human_validation's
// HUMAN_APPROVED so approval doesn't re-run the already-completed step.
func afterStepChain() []fsm.Transition {
	return []fsm.Transition{
		{Guard: checkpointDue, Target: string(domain.ExecCheckpointing)},
		{Guard: isLastStep, Target: string(domain.ExecFinalizing)},
		{Target: string(domain.ExecResourceAllocation), Action: advanceStepAction},
	}
}

// postCheckpointChain is afterStepChain without the checkpoint-due leg,
// since checkpointing was just taken.
func postCheckpointChain() []fsm.Transition {
	return []fsm.Transition{
		{Guard: isLastStep, Target: string(domain.ExecFinalizing)},
		{Target: string(domain.ExecResourceAllocation), Action: advanceStepAction},
	}
}

// traceState wraps a state's OnEntry handler so every FSM transition into it
// produces a span, nesting whatever spans the handler itself starts (e.g.
// onEnterExecuting's per-step span) underneath it.
func (e *Engine) traceState(state string, fn func(any)) func(any) {
	return func(ctxAny any) {
		ctx := context.Background()
		if rs, ok := ctxAny.(*runState); ok && rs.ctx != nil {
			ctx = rs.ctx
		}
		_, span := e.tracer.Start(ctx, "orchestrator.fsm."+state)
		defer span.End()
		fn(ctxAny)
	}
}

func (e *Engine) buildDefinition() fsm.Definition {
	def := e.rawDefinition()
	for name, sd := range def.States {
		if sd.OnEntry == nil {
			continue
		}
		sd.OnEntry = e.traceState(name, sd.OnEntry)
		def.States[name] = sd
	}
	return def
}

func (e *Engine) rawDefinition() fsm.Definition {
	return fsm.Definition{
		Initial: string(domain.ExecInitializing),
		States: map[string]fsm.StateDef{
			string(domain.ExecInitializing): {
				OnEntry: func(c any) { c.(*runState).interp.Send("INIT_DONE") },
				Transitions: map[string][]fsm.Transition{
					"INIT_DONE": {{Target: string(domain.ExecPlanning)}},
				},
			},
			string(domain.ExecPlanning): {
				OnEntry: func(c any) { c.(*runState).interp.Send("PLANNED") },
				Transitions: map[string][]fsm.Transition{
					"PLANNED": {{Target: string(domain.ExecResourceAllocation)}},
				},
			},
			string(domain.ExecResourceAllocation): {
				OnEntry: e.onEnterResourceAllocation,
				Transitions: map[string][]fsm.Transition{
					"GRANTED":             {{Target: string(domain.ExecExecuting)}},
					"DENIED":              {{Target: string(domain.ExecWaitingResources)}},
					"ALL_STEPS_DONE":      {{Target: string(domain.ExecFinalizing)}},
					"MANUAL_INTERVENTION": {{Target: string(domain.ExecPaused)}},
				},
			},
			string(domain.ExecWaitingResources): {
				OnEntry: e.onEnterWaitingResources,
				Transitions: map[string][]fsm.Transition{
					"TIMEOUT":              {{Target: string(domain.ExecFailed), Action: failWithResourceDenied}},
					"RESOURCES_AVAILABLE":  {{Target: string(domain.ExecResourceAllocation)}},
					"MANUAL_INTERVENTION":  {{Target: string(domain.ExecPaused)}},
				},
			},
			string(domain.ExecExecuting): {
				OnEntry: e.onEnterExecuting,
				Transitions: map[string][]fsm.Transition{
					"STEP_DONE": append([]fsm.Transition{
						{Guard: requiresHumanGate, Target: string(domain.ExecHumanValidation), Action: createHumanTaskAction},
					}, afterStepChain()...),
					"STEP_FAILED": {
						{Guard: isRetryable, Target: string(domain.ExecRetry), Action: incrementRetryAction},
						{Guard: autoRecoveryEnabled, Target: string(domain.ExecRecovery)},
						{Target: string(domain.ExecFailed)},
					},
					"MANUAL_INTERVENTION": {{Target: string(domain.ExecPaused)}},
				},
			},
			string(domain.ExecCheckpointing): {
				OnEntry: e.onEnterCheckpointing,
				Transitions: map[string][]fsm.Transition{
					"CHECKPOINTED":        postCheckpointChain(),
					"MANUAL_INTERVENTION": {{Target: string(domain.ExecPaused)}},
				},
			},
			string(domain.ExecHumanValidation): {
				OnEntry: e.onEnterHumanValidation,
				Transitions: map[string][]fsm.Transition{
					"HUMAN_APPROVED":       afterStepChain(),
					"HUMAN_REJECTED":       {{Target: string(domain.ExecRecovery)}},
					"HUMAN_TIMEOUT":        {{Target: string(domain.ExecRecovery)}},
					"MANUAL_INTERVENTION":  {{Target: string(domain.ExecPaused)}},
				},
			},
			string(domain.ExecRetry): {
				OnEntry: e.onEnterRetry,
				Transitions: map[string][]fsm.Transition{
					"RETRY_READY":         {{Target: string(domain.ExecExecuting)}},
					"MANUAL_INTERVENTION": {{Target: string(domain.ExecPaused)}},
				},
			},
			string(domain.ExecRecovery): {
				OnEntry: e.onEnterRecovery,
				Transitions: map[string][]fsm.Transition{
					"RECOVERY_SUCCESS":    {{Target: string(domain.ExecResourceAllocation)}},
					"RECOVERY_FAILED":     {{Target: string(domain.ExecFailed)}},
					"MANUAL_INTERVENTION": {{Target: string(domain.ExecPaused)}},
				},
			},
			string(domain.ExecPaused): {
				OnEntry: e.onEnterPaused,
				Transitions: map[string][]fsm.Transition{
					"RESUME": {{Target: string(domain.ExecExecuting)}},
					"CANCEL": {{Target: string(domain.ExecCancelled)}},
				},
			},
			string(domain.ExecFinalizing): {
				OnEntry: e.onEnterFinalizing,
				Transitions: map[string][]fsm.Transition{
					"FINALIZED": {{Target: string(domain.ExecCompleted)}},
				},
			},
			string(domain.ExecCompleted): {OnEntry: e.onEnterCompleted, Final: true},
			string(domain.ExecCancelled): {OnEntry: e.onEnterCancelled, Final: true},
			string(domain.ExecFailed):    {OnEntry: e.onEnterFailed, Final: true},
		},
	}
}

// -------------------- guards --------------------

func requiresHumanGate(ctxAny any) bool { return ctxAny.(*runState).humanGateRequired }

func isLastStep(ctxAny any) bool {
	rs := ctxAny.(*runState)
	return rs.exec.CurrentStepIndex >= len(rs.def.Steps)-1
}

func checkpointDue(ctxAny any) bool {
	rs := ctxAny.(*runState)
	return rs.eng.shouldCheckpoint(rs)
}

func isRetryable(ctxAny any) bool {
	rs := ctxAny.(*runState)
	if !retryableError(rs.stepErr) {
		return false
	}
	return rs.retryCount < rs.retryPolicy().MaxAttempts
}

func autoRecoveryEnabled(ctxAny any) bool {
	return ctxAny.(*runState).eng.cfg.AutoRecoveryEnabled
}

// -------------------- actions --------------------

func advanceStepAction(ctxAny any) {
	rs := ctxAny.(*runState)
	rs.eng.releaseHeldAllocation(rs)
	rs.mu.Lock()
	rs.exec.CurrentStepIndex++
	idx := rs.exec.CurrentStepIndex
	rs.mu.Unlock()
	rs.eng.persistFields(rs, map[string]any{"current_step_index": idx})
}

func incrementRetryAction(ctxAny any) {
	rs := ctxAny.(*runState)
	rs.retryCount++
	rs.eng.persistFields(rs, map[string]any{"retry_count": rs.retryCount})
}

func failWithResourceDenied(ctxAny any) {
	rs := ctxAny.(*runState)
	rs.stepErr = fmt.Errorf("resource allocation timed out: %w", domain.ErrResourceDenied)
}

func createHumanTaskAction(ctxAny any) {
	rs := ctxAny.(*runState)
	e := rs.eng
	step := rs.currentStep()
	if step == nil {
		return
	}
	task := &domain.HumanTask{
		ExecutionID: rs.exec.ID,
		StepIndex:   rs.exec.CurrentStepIndex,
		StepName:    step.Name,
		Kind:        domain.HumanTaskApproval,
		Title:       "approve step " + step.Name,
		Status:      domain.HumanTaskPending,
	}
	timeout := e.cfg.DefaultHumanTimeout
	switch {
	case step.Type == domain.StepHumanTask && step.HumanTask != nil:
		task.Kind = step.HumanTask.Kind
		task.Title = step.HumanTask.Title
		task.Description = step.HumanTask.Description
		task.Priority = step.HumanTask.Priority
		task.Assignee = step.HumanTask.Assignee
		if step.HumanTask.Timeout > 0 {
			timeout = step.HumanTask.Timeout
		}
		if b, err := json.Marshal(step.HumanTask.Data); err == nil {
			task.Data = b
		}
	case step.HumanValidation != nil && step.HumanValidation.Timeout > 0:
		timeout = step.HumanValidation.Timeout
	}
	task.Timeout = timeout
	if err := e.store.CreateHumanTask(rs.dbc(), task); err != nil {
		e.log.Warn("create human task failed", "execution", rs.exec.ID, "error", err)
		return
	}
	rs.pendingHumanTaskID = task.ID
}

// -------------------- state entry actions --------------------

func (e *Engine) onEnterResourceAllocation(ctxAny any) {
	rs := ctxAny.(*runState)
	rs.setStatus(domain.ExecResourceAllocation)
	e.persistFields(rs, map[string]any{"status": domain.ExecResourceAllocation})

	step := rs.currentStep()
	if step == nil {
		rs.interp.Send("ALL_STEPS_DONE")
		return
	}
	reqs := domain.ResourceRequirements{}
	if step.ResourceRequest != nil {
		reqs = *step.ResourceRequest
	}
	reqID := fmt.Sprintf("%s:%d", rs.exec.ID, rs.exec.CurrentStepIndex)
	alloc := e.pool.Allocate(reqID, reqs)
	if alloc.Success {
		rs.heldAllocation = reqID
		rs.interp.Send("GRANTED")
		return
	}
	rs.interp.Send("DENIED")
}

func (e *Engine) onEnterWaitingResources(ctxAny any) {
	rs := ctxAny.(*runState)
	rs.setStatus(domain.ExecWaitingResources)
	e.persistFields(rs, map[string]any{"status": domain.ExecWaitingResources})

	timeout := e.cfg.ResourceTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	time.AfterFunc(timeout, func() { rs.interp.Send("TIMEOUT") })
}

func (e *Engine) onEnterExecuting(ctxAny any) {
	rs := ctxAny.(*runState)
	rs.setStatus(domain.ExecExecuting)
	e.persistFields(rs, map[string]any{"status": domain.ExecExecuting})

	step := rs.currentStep()
	if step == nil {
		rs.interp.Send("STEP_DONE")
		return
	}
	rs.humanGateRequired = step.Type == domain.StepHumanTask || (step.HumanValidation != nil && step.HumanValidation.Required)

	started := time.Now()
	rec := &domain.StepExecution{
		ExecutionID: rs.exec.ID,
		Index:       rs.exec.CurrentStepIndex,
		Name:        step.Name,
		Type:        step.Type,
		Status:      domain.StepExecRunning,
		StartedAt:   started,
	}
	if err := e.store.AppendStepExecution(rs.dbc(), rec); err != nil {
		e.log.Warn("append step execution failed", "execution", rs.exec.ID, "error", err)
	}

	if step.Type == domain.StepHumanTask {
		rs.stepErr = nil
		e.finishStepRecord(rs, rec, map[string]any{"pending_human_task": true}, nil)
		rs.interp.Send("STEP_DONE")
		return
	}

	stepCtx, span := e.tracer.Start(rs.ctx, "orchestrator.step."+string(step.Type),
		trace.WithAttributes(attribute.String("step.name", step.Name)))
	result, err := e.dispatchStep(stepCtx, rs, step)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	rs.stepErr = err
	e.finishStepRecord(rs, rec, result, err)
	if err != nil {
		e.log.Warn("step failed", "execution", rs.exec.ID, "step", step.Name, "error", err)
		rs.interp.Send("STEP_FAILED")
		return
	}
	if rs.ectx.Outputs == nil {
		rs.ectx.Outputs = make(map[string]any)
	}
	rs.ectx.Outputs[step.Name] = result
	if err := e.store.SaveExecutionContext(rs.dbc(), rs.exec.ID, rs.ectx); err != nil {
		e.log.Warn("save execution context failed", "execution", rs.exec.ID, "error", err)
	}
	rs.interp.Send("STEP_DONE")
}

func (e *Engine) finishStepRecord(rs *runState, rec *domain.StepExecution, result any, err error) {
	now := time.Now()
	updates := map[string]any{
		"ended_at":    now,
		"duration_ms": now.Sub(rec.StartedAt).Milliseconds(),
	}
	if err != nil {
		updates["status"] = domain.StepExecFailed
		updates["error"] = err.Error()
	} else {
		updates["status"] = domain.StepExecCompleted
		if b, merr := json.Marshal(result); merr == nil {
			updates["result"] = b
		}
	}
	if uerr := e.store.UpdateStepExecution(rs.dbc(), rec.ID, updates); uerr != nil {
		e.log.Warn("update step execution failed", "execution", rs.exec.ID, "error", uerr)
	}
}

func (e *Engine) onEnterCheckpointing(ctxAny any) {
	rs := ctxAny.(*runState)
	rs.setStatus(domain.ExecCheckpointing)
	e.persistFields(rs, map[string]any{"status": domain.ExecCheckpointing})

	if _, err := e.store.SaveCheckpoint(rs.dbc(), rs.exec.ID, rs.exec.CurrentStepIndex, rs.ectx); err != nil {
		e.log.Warn("checkpoint save failed", "execution", rs.exec.ID, "error", err)
	} else {
		now := time.Now()
		rs.mu.Lock()
		rs.exec.LastCheckpointAt = &now
		rs.mu.Unlock()
	}
	rs.interp.Send("CHECKPOINTED")
}

func (e *Engine) onEnterHumanValidation(ctxAny any) {
	rs := ctxAny.(*runState)
	rs.setStatus(domain.ExecHumanValidation)
	e.persistFields(rs, map[string]any{"status": domain.ExecHumanValidation})

	timeout := e.cfg.DefaultHumanTimeout
	if step := rs.currentStep(); step != nil {
		switch {
		case step.Type == domain.StepHumanTask && step.HumanTask != nil && step.HumanTask.Timeout > 0:
			timeout = step.HumanTask.Timeout
		case step.HumanValidation != nil && step.HumanValidation.Timeout > 0:
			timeout = step.HumanValidation.Timeout
		}
	}
	if timeout <= 0 {
		return
	}
	time.AfterFunc(timeout, func() { rs.interp.Send("HUMAN_TIMEOUT") })
}

func (e *Engine) onEnterRetry(ctxAny any) {
	rs := ctxAny.(*runState)
	rs.setStatus(domain.ExecRetry)
	e.persistFields(rs, map[string]any{"status": domain.ExecRetry})

	delay := e.computeBackoff(rs)
	time.AfterFunc(delay, func() { rs.interp.Send("RETRY_READY") })
}

func (e *Engine) onEnterRecovery(ctxAny any) {
	rs := ctxAny.(*runState)
	rs.setStatus(domain.ExecRecovery)
	e.persistFields(rs, map[string]any{"status": domain.ExecRecovery})
	e.publish(rs, "workflow:recovery_started")

	cp, err := e.store.LoadLatestCheckpoint(rs.dbc(), rs.exec.ID)
	if err != nil {
		rs.interp.Send("RECOVERY_FAILED")
		return
	}
	stepIdx, ectx, err := store.DecodeCheckpoint(cp)
	if err != nil {
		rs.interp.Send("RECOVERY_FAILED")
		return
	}
	e.releaseHeldAllocation(rs)
	// The checkpoint records the step that had just completed; resume at
	// the one after it.
	resumeIdx := stepIdx + 1
	rs.mu.Lock()
	rs.exec.CurrentStepIndex = resumeIdx
	rs.mu.Unlock()
	rs.ectx = ectx
	rs.retryCount = 0
	e.persistFields(rs, map[string]any{"current_step_index": resumeIdx, "retry_count": 0})
	if err := e.store.SaveExecutionContext(rs.dbc(), rs.exec.ID, ectx); err != nil {
		e.log.Warn("recovery: save execution context failed", "execution", rs.exec.ID, "error", err)
	}
	rs.interp.Send("RECOVERY_SUCCESS")
}

func (e *Engine) onEnterPaused(ctxAny any) {
	rs := ctxAny.(*runState)
	rs.setStatus(domain.ExecPaused)
	e.persistFields(rs, map[string]any{"status": domain.ExecPaused})
	e.publish(rs, "workflow:paused")
}

func (e *Engine) onEnterFinalizing(ctxAny any) {
	rs := ctxAny.(*runState)
	e.releaseHeldAllocation(rs)
	now := time.Now()
	rs.mu.Lock()
	rs.exec.Status = domain.ExecFinalizing
	rs.exec.EndedAt = &now
	rs.exec.DurationMS = now.Sub(rs.exec.StartedAt).Milliseconds()
	duration := rs.exec.DurationMS
	rs.mu.Unlock()
	e.persistFields(rs, map[string]any{
		"status":      domain.ExecFinalizing,
		"ended_at":    now,
		"duration_ms": duration,
	})
	rs.interp.Send("FINALIZED")
}

func (e *Engine) onEnterCompleted(ctxAny any) {
	rs := ctxAny.(*runState)
	rs.setStatus(domain.ExecCompleted)
	e.persistFields(rs, map[string]any{"status": domain.ExecCompleted})
	e.publish(rs, "workflow:completed")
	e.forget(rs)
}

func (e *Engine) onEnterFailed(ctxAny any) {
	rs := ctxAny.(*runState)
	e.releaseHeldAllocation(rs)
	rs.mu.Lock()
	rs.exec.Status = domain.ExecFailed
	if rs.stepErr != nil {
		rs.exec.Error = rs.stepErr.Error()
	}
	now := time.Now()
	rs.exec.EndedAt = &now
	errMsg := rs.exec.Error
	rs.mu.Unlock()
	e.persistFields(rs, map[string]any{"status": domain.ExecFailed, "error": errMsg, "ended_at": now})
	e.publish(rs, "workflow:failed")
	e.forget(rs)
}

func (e *Engine) onEnterCancelled(ctxAny any) {
	rs := ctxAny.(*runState)
	e.releaseHeldAllocation(rs)
	rs.mu.Lock()
	rs.exec.Status = domain.ExecCancelled
	rs.exec.Error = "cancelled"
	now := time.Now()
	rs.exec.EndedAt = &now
	rs.mu.Unlock()
	e.persistFields(rs, map[string]any{"status": domain.ExecCancelled, "error": "cancelled", "ended_at": now})
	e.publish(rs, "workflow:cancelled")
	e.forget(rs)
}
