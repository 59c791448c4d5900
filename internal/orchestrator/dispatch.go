package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/flowforge/orchestrator/internal/deployment"
	"github.com/flowforge/orchestrator/internal/domain"
	"github.com/flowforge/orchestrator/internal/expr"
	"github.com/flowforge/orchestrator/internal/pipeline"
	"github.com/flowforge/orchestrator/internal/training"
)

// retryableError classifies a step failure as worth retrying. Config
// problems and caller cancellation never are.
func retryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, domain.ErrConfigInvalid) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// dispatchStep routes a top-level step to its handler.
func (e *Engine) dispatchStep(ctx context.Context, rs *runState, step *domain.Step) (any, error) {
	switch step.Type {
	case domain.StepDataPipeline:
		return e.dispatchDataPipeline(ctx, rs, step)
	case domain.StepTraining:
		return e.dispatchTraining(ctx, rs, step)
	case domain.StepModelDeployment:
		return e.dispatchDeployment(ctx, rs, step)
	case domain.StepValidation:
		return e.dispatchValidation(rs, step)
	case domain.StepParallel:
		return e.dispatchParallel(ctx, rs, step)
	case domain.StepConditional:
		return e.dispatchConditional(ctx, rs, step)
	case domain.StepScript:
		return e.dispatchScript(ctx, rs, step)
	default:
		return nil, fmt.Errorf("step %q: unhandled type %q: %w", step.Name, step.Type, domain.ErrConfigInvalid)
	}
}

// dispatchInline runs a parallel/conditional child step in place, without
// the per-step resource-allocation/human-gate/retry machinery a top-level
// step gets from the FSM — a child that wants those belongs at the top
// level, not nested under a fan-out.
func (e *Engine) dispatchInline(ctx context.Context, rs *runState, step *domain.Step) (any, error) {
	if step.Type == domain.StepHumanTask {
		return nil, fmt.Errorf("step %q: human_task is not supported as a parallel/conditional child: %w", step.Name, domain.ErrConfigInvalid)
	}
	return e.dispatchStep(ctx, rs, step)
}

func (e *Engine) dispatchDataPipeline(ctx context.Context, rs *runState, step *domain.Step) (any, error) {
	if e.pipelines == nil {
		return nil, fmt.Errorf("step %q: no pipeline engine configured: %w", step.Name, domain.ErrConfigInvalid)
	}
	id := rs.exec.ID.String() + ":" + step.Name
	if err := e.pipelines.CreatePipeline(id, step.DataPipeline); err != nil {
		return nil, fmt.Errorf("step %q: %w", step.Name, err)
	}
	run, err := e.pipelines.ExecutePipeline(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("step %q: %w", step.Name, err)
	}
	if run.Status == pipeline.StatusFailed {
		return nil, fmt.Errorf("step %q: pipeline failed: %s: %w", step.Name, run.Error, domain.ErrStepFailed)
	}
	var rows []map[string]any
	for _, b := range run.Batches {
		rows = append(rows, b.Data...)
	}
	return rows, nil
}

func (e *Engine) dispatchTraining(ctx context.Context, rs *runState, step *domain.Step) (any, error) {
	if e.training == nil {
		return nil, fmt.Errorf("step %q: no training coordinator configured: %w", step.Name, domain.ErrConfigInvalid)
	}
	jobID := step.Training.JobID
	if jobID == "" {
		jobID = rs.exec.ID.String() + ":" + step.Name
	}
	job, err := e.training.StartDistributedTraining(ctx, jobID, *step.Training)
	if err != nil {
		return nil, fmt.Errorf("step %q: %w", step.Name, err)
	}
	if job.Status == training.JobFailed {
		return nil, fmt.Errorf("step %q: training failed: %w", step.Name, domain.ErrStepFailed)
	}
	return map[string]any{
		"topology": string(job.Topology),
		"epochs":   len(job.Epochs),
		"agents":   job.AgentIDs,
	}, nil
}

func (e *Engine) dispatchDeployment(ctx context.Context, rs *runState, step *domain.Step) (any, error) {
	if e.deployment == nil {
		return nil, fmt.Errorf("step %q: no deployment engine configured: %w", step.Name, domain.ErrConfigInvalid)
	}
	cfg := *step.ModelDeployment
	id := rs.exec.ID.String() + ":" + step.Name

	switch cfg.Strategy {
	case domain.DeploymentStandard:
		d, err := e.deployment.DeployModel(ctx, id, cfg)
		if err != nil {
			return nil, fmt.Errorf("step %q: %w", step.Name, err)
		}
		return deploymentResult(step.Name, d)

	case domain.DeploymentBlueGreen:
		blueVersion, _ := rs.ectx.Variables["blue_version"].(string)
		if blueVersion == "" {
			return nil, fmt.Errorf("step %q: blue_green deployment requires variable %q: %w", step.Name, "blue_version", domain.ErrConfigInvalid)
		}
		d, err := e.deployment.CreateBlueGreenDeployment(ctx, id, blueVersion, cfg)
		if err != nil {
			return nil, fmt.Errorf("step %q: %w", step.Name, err)
		}
		return deploymentResult(step.Name, d)

	case domain.DeploymentCanary:
		baselineVersion, _ := rs.ectx.Variables["baseline_version"].(string)
		if baselineVersion == "" {
			return nil, fmt.Errorf("step %q: canary deployment requires variable %q: %w", step.Name, "baseline_version", domain.ErrConfigInvalid)
		}
		canaryOutcome, _ := rs.ectx.Variables["canary_outcome"].(float64)
		baselineOutcome, _ := rs.ectx.Variables["baseline_outcome"].(float64)
		d, err := e.deployment.CreateCanaryDeployment(ctx, id, baselineVersion, cfg, canaryOutcome, baselineOutcome)
		if err != nil {
			return nil, fmt.Errorf("step %q: %w", step.Name, err)
		}
		return deploymentResult(step.Name, d)

	default:
		return nil, fmt.Errorf("step %q: unknown deployment strategy %q: %w", step.Name, cfg.Strategy, domain.ErrConfigInvalid)
	}
}

func deploymentResult(stepName string, d *deployment.Deployment) (any, error) {
	if d.Status == deployment.StatusFailed {
		return nil, fmt.Errorf("step %q: deployment failed: %s: %w", stepName, d.Error, domain.ErrStepFailed)
	}
	return map[string]any{"version": d.Version, "status": string(d.Status)}, nil
}

func (e *Engine) dispatchValidation(rs *runState, step *domain.Step) (any, error) {
	source := step.Validation.Source
	if source == "" {
		source = rs.previousStepName()
	}
	if source == "" {
		return nil, fmt.Errorf("step %q: no source step to validate: %w", step.Name, domain.ErrConfigInvalid)
	}
	raw, ok := rs.ectx.Outputs[source]
	if !ok {
		return nil, fmt.Errorf("step %q: source step %q produced no output: %w", step.Name, source, domain.ErrConfigInvalid)
	}
	rows, ok := raw.([]map[string]any)
	if !ok {
		return nil, fmt.Errorf("step %q: source step %q output is not tabular: %w", step.Name, source, domain.ErrConfigInvalid)
	}
	result := pipeline.ValidateRows(rows, step.Validation.Rules)
	if step.Validation.StrictValidation && result.Failed > 0 {
		return nil, fmt.Errorf("step %q: validation failed: %d of %d records: %w", step.Name, result.Failed, result.Passed+result.Failed, domain.ErrStepFailed)
	}
	return map[string]any{"passed": result.Passed, "failed": result.Failed}, nil
}

func (e *Engine) dispatchParallel(ctx context.Context, rs *runState, step *domain.Step) (any, error) {
	children := step.Parallel.Children
	results := make([]any, len(children))
	g, gctx := errgroup.WithContext(ctx)
	for i := range children {
		i := i
		g.Go(func() error {
			r, err := e.dispatchInline(gctx, rs, &children[i])
			if err != nil {
				return fmt.Errorf("step %q: child %q failed: %w", step.Name, children[i].Name, err)
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (e *Engine) dispatchConditional(ctx context.Context, rs *runState, step *domain.Step) (any, error) {
	scope := rs.conditionScope()
	branch := step.Conditional.Else
	if expr.EvalBool(step.Conditional.Condition, scope) {
		branch = step.Conditional.Then
	}
	results := make([]any, 0, len(branch))
	for i := range branch {
		r, err := e.dispatchInline(ctx, rs, &branch[i])
		if err != nil {
			return nil, fmt.Errorf("step %q: branch child %q failed: %w", step.Name, branch[i].Name, err)
		}
		results = append(results, r)
	}
	return results, nil
}

func (e *Engine) dispatchScript(ctx context.Context, rs *runState, step *domain.Step) (any, error) {
	e.mu.Lock()
	fn, ok := e.scripts[step.Script.Callback]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("step %q: no script registered for callback %q: %w", step.Name, step.Script.Callback, domain.ErrConfigInvalid)
	}
	out, err := fn(ctx, step.Script.Params)
	if err != nil {
		return nil, fmt.Errorf("step %q: script callback %q: %w", step.Name, step.Script.Callback, err)
	}
	return out, nil
}
