// Package deployment implements the Model Deployment Engine (C7): the
// standard validate→optimize→train→test→deploy→monitor pipeline plus
// blue-green and canary variants, per §4.7.
package deployment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flowforge/orchestrator/internal/domain"
	"github.com/flowforge/orchestrator/internal/eventbus"
	"github.com/flowforge/orchestrator/internal/operators"
	"github.com/flowforge/orchestrator/internal/platform/logger"
)

// Status mirrors the §4.7 standard FSM's state names, shared across all
// three strategies.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusValidating   Status = "validating"
	StatusOptimizing   Status = "optimizing"
	StatusTraining     Status = "training"
	StatusTesting      Status = "testing"
	StatusDeploying    Status = "deploying"
	StatusMonitoring   Status = "monitoring"
	StatusRollingBack  Status = "rolling_back"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

// Deployment is one run of a ModelDeploymentConfig.
type Deployment struct {
	ID      string
	Config  domain.ModelDeploymentConfig
	Version string
	Status  Status
	Error   string

	mu     sync.Mutex
	cancel context.CancelFunc
}

func (d *Deployment) setStatus(s Status) {
	d.mu.Lock()
	d.Status = s
	d.mu.Unlock()
}

func (d *Deployment) snapshot() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Status
}

// Engine is the C7 accessor.
type Engine struct {
	log    *logger.Logger
	bus    *eventbus.Bus
	server operators.ModelServer
	models map[string]operators.Model

	mu          sync.Mutex
	deployments map[string]*Deployment
}

func New(server operators.ModelServer, bus *eventbus.Bus, baseLog *logger.Logger) *Engine {
	return &Engine{
		log:         baseLog.With("component", "deployment"),
		bus:         bus,
		server:      server,
		models:      make(map[string]operators.Model),
		deployments: make(map[string]*Deployment),
	}
}

// RegisterModel makes a Model available to the engine by its declared id,
// standing in for a model registry/artifact store.
func (e *Engine) RegisterModel(modelID string, model operators.Model) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.models[modelID] = model
}

func (e *Engine) publish(id, subtype string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish("deployment:"+id, eventbus.Event{Subtype: subtype, Payload: id})
}

func (e *Engine) newDeployment(ctx context.Context, id string, cfg domain.ModelDeploymentConfig) (*Deployment, context.Context, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("deployment %q: %w", id, err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	d := &Deployment{
		ID:      id,
		Config:  cfg,
		Version: cfg.ResolvedVersion(time.Now()),
		Status:  StatusInitializing,
		cancel:  cancel,
	}
	e.mu.Lock()
	e.deployments[id] = d
	e.mu.Unlock()
	return d, runCtx, nil
}

// validatePerformance runs the §4.7 pre-deploy validation: a declared
// input-shape prediction must be non-empty for zero input, and average
// latency over N=10 trials must be within performanceThreshold.
func (e *Engine) validatePerformance(ctx context.Context, model operators.Model, threshold time.Duration) error {
	out, err := model.Predict(ctx, map[string]any{})
	if err != nil {
		return fmt.Errorf("zero-input prediction: %w", err)
	}
	if len(out) == 0 {
		return fmt.Errorf("zero-input prediction returned empty output")
	}

	const trials = 10
	start := time.Now()
	for i := 0; i < trials; i++ {
		if _, err := model.Predict(ctx, map[string]any{}); err != nil {
			return fmt.Errorf("validation trial %d: %w", i, err)
		}
	}
	avg := time.Since(start) / trials
	if threshold > 0 && avg > threshold {
		return fmt.Errorf("average latency %s exceeds threshold %s", avg, threshold)
	}
	return nil
}

// DeployModel runs the standard §4.7 FSM: initializing → validating →
// optimizing → training → testing → deploying → monitoring → completed,
// with any failure below "deploying" going straight to failed, and a
// failure at "deploying" or "monitoring" rolling back first.
func (e *Engine) DeployModel(ctx context.Context, id string, cfg domain.ModelDeploymentConfig) (*Deployment, error) {
	d, runCtx, err := e.newDeployment(ctx, id, cfg)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	model, ok := e.models[cfg.ModelID]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("deployment %q: model %q not registered", id, cfg.ModelID)
	}

	d.setStatus(StatusValidating)
	if err := e.validatePerformance(runCtx, model, cfg.PerformanceThreshold); err != nil {
		return e.failBelowDeploy(d, err), nil
	}

	d.setStatus(StatusOptimizing)
	d.setStatus(StatusTraining)
	d.setStatus(StatusTesting)

	d.setStatus(StatusDeploying)
	if err := e.server.Deploy(runCtx, d.Version, model); err != nil {
		return e.rollback(runCtx, d, err), nil
	}
	if err := e.server.SetTrafficSplit(runCtx, d.Version, 1.0); err != nil {
		return e.rollback(runCtx, d, err), nil
	}

	d.setStatus(StatusMonitoring)
	d.setStatus(StatusCompleted)
	e.publish(id, "deployment:completed")
	return d, nil
}

func (e *Engine) failBelowDeploy(d *Deployment, err error) *Deployment {
	d.mu.Lock()
	d.Status = StatusFailed
	d.Error = err.Error()
	d.mu.Unlock()
	e.publish(d.ID, "deployment:failed")
	return d
}

func (e *Engine) rollback(ctx context.Context, d *Deployment, err error) *Deployment {
	d.setStatus(StatusRollingBack)
	_ = e.server.Undeploy(ctx, d.Version)
	d.mu.Lock()
	d.Status = StatusFailed
	d.Error = err.Error()
	d.mu.Unlock()
	e.publish(d.ID, "deployment:failed")
	return d
}

// CreateBlueGreenDeployment deploys cfg.ModelID as "green", warms it up,
// and runs the performance check (a non-empty zero-input prediction within
// cfg.PerformanceThreshold); cfg.ValidationTests is not run. It then
// switches traffic per the configured mode: "immediate" routes all traffic
// to green and undeploys blue at once, "gradual" sets a 50/50 split and
// undeploys blue after the rollback window.
func (e *Engine) CreateBlueGreenDeployment(ctx context.Context, id, blueVersion string, cfg domain.ModelDeploymentConfig) (*Deployment, error) {
	if cfg.BlueGreen == nil {
		return nil, fmt.Errorf("blue-green deployment %q: missing blue_green config", id)
	}
	d, runCtx, err := e.newDeployment(ctx, id, cfg)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	model, ok := e.models[cfg.ModelID]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("blue-green deployment %q: model %q not registered", id, cfg.ModelID)
	}

	d.setStatus(StatusDeploying)
	green := d.Version
	if err := e.server.Deploy(runCtx, green, model); err != nil {
		return e.rollback(runCtx, d, err), nil
	}

	for i := 0; i < cfg.BlueGreen.WarmupRequests; i++ {
		if _, err := e.server.Predict(runCtx, map[string]any{}); err != nil {
			return e.rollback(runCtx, d, fmt.Errorf("warmup request %d: %w", i, err)), nil
		}
	}

	if err := e.validatePerformance(runCtx, model, cfg.PerformanceThreshold); err != nil {
		_ = e.server.Undeploy(runCtx, green)
		return e.failBelowDeploy(d, fmt.Errorf("validation failed, green undeployed: %w", err)), nil
	}

	switch cfg.BlueGreen.SwitchMode {
	case domain.TrafficImmediate:
		_ = e.server.SetTrafficSplit(runCtx, green, 1.0)
		_ = e.server.Undeploy(runCtx, blueVersion)
	default: // gradual
		_ = e.server.SetTrafficSplit(runCtx, green, 0.5)
		_ = e.server.SetTrafficSplit(runCtx, blueVersion, 0.5)
		go e.cleanupAfterWindow(blueVersion, cfg.BlueGreen.RollbackWindow)
	}

	d.setStatus(StatusMonitoring)
	d.setStatus(StatusCompleted)
	e.publish(id, "deployment:completed")
	return d, nil
}

func (e *Engine) cleanupAfterWindow(blueVersion string, window time.Duration) {
	if window <= 0 {
		window = time.Millisecond
	}
	time.Sleep(window)
	_ = e.server.Undeploy(context.Background(), blueVersion)
}

// CreateCanaryDeployment deploys a canary version routing
// trafficPercentage of requests for the configured duration, then
// promotes it if its success metric clears the significance threshold
// over the baseline, otherwise undeploys it.
func (e *Engine) CreateCanaryDeployment(ctx context.Context, id, baselineVersion string, cfg domain.ModelDeploymentConfig, canaryOutcome, baselineOutcome float64) (*Deployment, error) {
	if cfg.Canary == nil {
		return nil, fmt.Errorf("canary deployment %q: missing canary config", id)
	}
	d, runCtx, err := e.newDeployment(ctx, id, cfg)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	model, ok := e.models[cfg.ModelID]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("canary deployment %q: model %q not registered", id, cfg.ModelID)
	}

	d.setStatus(StatusDeploying)
	canary := d.Version
	if err := e.server.Deploy(runCtx, canary, model); err != nil {
		return e.rollback(runCtx, d, err), nil
	}
	_ = e.server.SetTrafficSplit(runCtx, canary, cfg.Canary.TrafficPercentage)
	_ = e.server.SetTrafficSplit(runCtx, baselineVersion, 1-cfg.Canary.TrafficPercentage)

	d.setStatus(StatusMonitoring)

	if cfg.Canary.Duration > 0 {
		select {
		case <-time.After(cfg.Canary.Duration):
		case <-runCtx.Done():
			_ = e.server.Undeploy(runCtx, canary)
			return e.failBelowDeploy(d, runCtx.Err()), nil
		}
	}

	significant := canaryOutcome-baselineOutcome >= cfg.Canary.SignificanceThreshold
	if significant {
		_ = e.server.SetTrafficSplit(runCtx, canary, 1.0)
		_ = e.server.Undeploy(runCtx, baselineVersion)
		d.setStatus(StatusCompleted)
		e.publish(id, "deployment:canary_promoted")
	} else {
		_ = e.server.Undeploy(runCtx, canary)
		d.setStatus(StatusCompleted)
		e.publish(id, "deployment:canary_retired")
	}
	return d, nil
}

// CancelDeployment cancels an in-flight deployment's context; a terminal
// deployment is a no-op.
func (e *Engine) CancelDeployment(id string) error {
	e.mu.Lock()
	d, ok := e.deployments[id]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("cancel deployment %q: not found", id)
	}
	d.mu.Lock()
	terminal := d.Status == StatusCompleted || d.Status == StatusFailed || d.Status == StatusCancelled
	if !terminal {
		d.Status = StatusCancelled
	}
	cancel := d.cancel
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// GetDeploymentStatus returns the current state of deployment id.
func (e *Engine) GetDeploymentStatus(id string) (Status, error) {
	e.mu.Lock()
	d, ok := e.deployments[id]
	e.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("get deployment status: %q not found", id)
	}
	return d.snapshot(), nil
}
