package deployment

import (
	"context"
	"testing"
	"time"

	"github.com/flowforge/orchestrator/internal/domain"
	"github.com/flowforge/orchestrator/internal/eventbus"
	"github.com/flowforge/orchestrator/internal/operators"
	"github.com/flowforge/orchestrator/internal/platform/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	l, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return l
}

func newEngine(t *testing.T) (*Engine, *operators.InMemoryServer) {
	t.Helper()
	server := operators.NewInMemoryServer(func() float64 { return 0.5 })
	bus := eventbus.New(5*time.Millisecond, 16, testLogger(t))
	return New(server, bus, testLogger(t)), server
}

func TestDeployModelStandardFlowCompletes(t *testing.T) {
	engine, _ := newEngine(t)
	engine.RegisterModel("m1", &operators.Reference{Output: map[string]any{"v": 1.0}})
	cfg := domain.ModelDeploymentConfig{ModelID: "m1", Strategy: domain.DeploymentStandard, PerformanceThreshold: time.Second}
	d, err := engine.DeployModel(context.Background(), "d1", cfg)
	if err != nil {
		t.Fatalf("DeployModel: %v", err)
	}
	if d.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s (err=%s)", d.Status, d.Error)
	}
}

func TestDeployModelFailsBelowDeployOnSlowModel(t *testing.T) {
	engine, _ := newEngine(t)
	engine.RegisterModel("slow", &operators.Reference{Output: map[string]any{"v": 1.0}, Latency: 50 * time.Millisecond})
	cfg := domain.ModelDeploymentConfig{ModelID: "slow", Strategy: domain.DeploymentStandard, PerformanceThreshold: time.Millisecond}
	d, err := engine.DeployModel(context.Background(), "d1", cfg)
	if err != nil {
		t.Fatalf("DeployModel: %v", err)
	}
	if d.Status != StatusFailed {
		t.Fatalf("expected failed for over-threshold latency, got %s", d.Status)
	}
}

func TestDeployModelUnregisteredModelErrors(t *testing.T) {
	engine, _ := newEngine(t)
	cfg := domain.ModelDeploymentConfig{ModelID: "ghost", Strategy: domain.DeploymentStandard}
	if _, err := engine.DeployModel(context.Background(), "d1", cfg); err == nil {
		t.Fatalf("expected error for unregistered model")
	}
}

func TestVersionResolutionPrefersExplicit(t *testing.T) {
	engine, _ := newEngine(t)
	engine.RegisterModel("m1", &operators.Reference{Output: map[string]any{"v": 1.0}})
	cfg := domain.ModelDeploymentConfig{ModelID: "m1", Strategy: domain.DeploymentStandard, Version: "3.2.1"}
	d, err := engine.DeployModel(context.Background(), "d1", cfg)
	if err != nil {
		t.Fatalf("DeployModel: %v", err)
	}
	if d.Version != "3.2.1" {
		t.Fatalf("expected explicit version to win, got %q", d.Version)
	}
}

func TestBlueGreenImmediateSwitchUndeploysBlue(t *testing.T) {
	engine, server := newEngine(t)
	ctx := context.Background()
	server.Deploy(ctx, "blue", &operators.Reference{Output: map[string]any{"v": "old"}})
	server.SetTrafficSplit(ctx, "blue", 1.0)

	engine.RegisterModel("m1", &operators.Reference{Output: map[string]any{"v": "new"}})
	cfg := domain.ModelDeploymentConfig{
		ModelID:  "m1",
		Strategy: domain.DeploymentBlueGreen,
		BlueGreen: &domain.BlueGreenConfig{
			WarmupRequests: 2,
			SwitchMode:     domain.TrafficImmediate,
		},
	}
	d, err := engine.CreateBlueGreenDeployment(ctx, "bg1", "blue", cfg)
	if err != nil {
		t.Fatalf("CreateBlueGreenDeployment: %v", err)
	}
	if d.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s (err=%s)", d.Status, d.Error)
	}
	if err := server.SetTrafficSplit(ctx, "blue", 1.0); err == nil {
		t.Fatalf("expected blue to already be undeployed after immediate switch")
	}
}

func TestBlueGreenValidationFailureUndeploysGreen(t *testing.T) {
	engine, server := newEngine(t)
	ctx := context.Background()
	server.Deploy(ctx, "blue", &operators.Reference{Output: map[string]any{"v": "old"}})

	engine.RegisterModel("slow", &operators.Reference{Output: map[string]any{"v": "new"}, Latency: 50 * time.Millisecond})
	cfg := domain.ModelDeploymentConfig{
		ModelID:              "slow",
		Strategy:             domain.DeploymentBlueGreen,
		PerformanceThreshold: time.Millisecond,
		BlueGreen:            &domain.BlueGreenConfig{SwitchMode: domain.TrafficImmediate},
	}
	d, err := engine.CreateBlueGreenDeployment(ctx, "bg1", "blue", cfg)
	if err != nil {
		t.Fatalf("CreateBlueGreenDeployment: %v", err)
	}
	if d.Status != StatusFailed {
		t.Fatalf("expected failed on validation failure, got %s", d.Status)
	}
}

func TestCanaryPromotesOnSignificantImprovement(t *testing.T) {
	engine, server := newEngine(t)
	ctx := context.Background()
	server.Deploy(ctx, "baseline", &operators.Reference{Output: map[string]any{"v": "old"}})
	server.SetTrafficSplit(ctx, "baseline", 1.0)

	engine.RegisterModel("m1", &operators.Reference{Output: map[string]any{"v": "new"}})
	cfg := domain.ModelDeploymentConfig{
		ModelID:  "m1",
		Strategy: domain.DeploymentCanary,
		Canary: &domain.CanaryConfig{
			TrafficPercentage:    0.1,
			SignificanceThreshold: 0.05,
		},
	}
	d, err := engine.CreateCanaryDeployment(ctx, "c1", "baseline", cfg, 0.9, 0.8)
	if err != nil {
		t.Fatalf("CreateCanaryDeployment: %v", err)
	}
	if d.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s (err=%s)", d.Status, d.Error)
	}
}

func TestCanaryRetiresWithoutSignificantImprovement(t *testing.T) {
	engine, server := newEngine(t)
	ctx := context.Background()
	server.Deploy(ctx, "baseline", &operators.Reference{Output: map[string]any{"v": "old"}})

	engine.RegisterModel("m1", &operators.Reference{Output: map[string]any{"v": "new"}})
	cfg := domain.ModelDeploymentConfig{
		ModelID:  "m1",
		Strategy: domain.DeploymentCanary,
		Canary: &domain.CanaryConfig{
			TrafficPercentage:    0.1,
			SignificanceThreshold: 0.5,
		},
	}
	d, err := engine.CreateCanaryDeployment(ctx, "c1", "baseline", cfg, 0.81, 0.8)
	if err != nil {
		t.Fatalf("CreateCanaryDeployment: %v", err)
	}
	if d.Status != StatusCompleted {
		t.Fatalf("expected completed (retired) status, got %s", d.Status)
	}
}

func TestCancelDeploymentIsNoOpOnTerminalDeployment(t *testing.T) {
	engine, _ := newEngine(t)
	engine.RegisterModel("m1", &operators.Reference{Output: map[string]any{"v": 1.0}})
	cfg := domain.ModelDeploymentConfig{ModelID: "m1", Strategy: domain.DeploymentStandard}
	d, err := engine.DeployModel(context.Background(), "d1", cfg)
	if err != nil {
		t.Fatalf("DeployModel: %v", err)
	}
	if err := engine.CancelDeployment(d.ID); err != nil {
		t.Fatalf("CancelDeployment: %v", err)
	}
	status, err := engine.GetDeploymentStatus(d.ID)
	if err != nil {
		t.Fatalf("GetDeploymentStatus: %v", err)
	}
	if status != StatusCompleted {
		t.Fatalf("cancel must not override a terminal status, got %s", status)
	}
}
