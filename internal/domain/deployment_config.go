package domain

import (
	"strconv"
	"time"
)

// DeploymentStrategy selects which of the §4.7 deployment flows a
// StepModelDeployment step runs.
type DeploymentStrategy string

const (
	DeploymentStandard  DeploymentStrategy = "standard"
	DeploymentBlueGreen DeploymentStrategy = "blue_green"
	DeploymentCanary    DeploymentStrategy = "canary"
)

// TrafficSwitchMode controls how a blue-green deployment cuts traffic over.
type TrafficSwitchMode string

const (
	TrafficImmediate TrafficSwitchMode = "immediate"
	TrafficGradual   TrafficSwitchMode = "gradual"
)

// BlueGreenConfig parameterizes a blue-green deployment.
type BlueGreenConfig struct {
	WarmupRequests int               `json:"warmup_requests"`
	SwitchMode     TrafficSwitchMode `json:"switch_mode"`
	// RampPercentPerMinute is accepted in config but not read by the
	// deployment engine: a "gradual" switch sets a fixed 50/50 split and
	// undeploys blue once RollbackWindow has passed.
	RampPercentPerMinute int           `json:"ramp_percent_per_minute,omitempty"`
	RollbackWindow       time.Duration `json:"rollback_window"`
}

// CanaryConfig parameterizes a canary deployment.
type CanaryConfig struct {
	TrafficPercentage   float64       `json:"traffic_percentage"`
	Duration            time.Duration `json:"duration"`
	SuccessMetric       string        `json:"success_metric"`
	SignificanceThreshold float64     `json:"significance_threshold"`
}

// ModelDeploymentConfig is the typed config for a StepModelDeployment step.
type ModelDeploymentConfig struct {
	ModelID              string             `json:"model_id"`
	Strategy             DeploymentStrategy `json:"strategy"`
	Version              string             `json:"version,omitempty"`
	UseSemVer            bool               `json:"use_sem_ver,omitempty"`
	PerformanceThreshold time.Duration      `json:"performance_threshold"`
	ValidationTests      []string           `json:"validation_tests,omitempty"`
	BlueGreen            *BlueGreenConfig   `json:"blue_green,omitempty"`
	Canary               *CanaryConfig      `json:"canary,omitempty"`
}

func (c *ModelDeploymentConfig) validate() error {
	return c.Validate()
}

// Validate checks the minimal well-formedness the deployment engine
// relies on: a model id and a strategy with its required sub-config.
func (c *ModelDeploymentConfig) Validate() error {
	if c.ModelID == "" {
		return wrapConfigInvalid("model deployment config missing model_id")
	}
	switch c.Strategy {
	case DeploymentStandard:
	case DeploymentBlueGreen:
		if c.BlueGreen == nil {
			return wrapConfigInvalid("blue_green strategy requires blue_green config")
		}
	case DeploymentCanary:
		if c.Canary == nil {
			return wrapConfigInvalid("canary strategy requires canary config")
		}
	default:
		return wrapConfigInvalidf("model deployment config has unknown strategy %q", c.Strategy)
	}
	return nil
}

// ResolvedVersion implements §4.7's version-numbering rule: explicit config
// version wins; else SemVer "1.0.<timestamp>" when enabled; else
// "v<timestamp>".
func (c *ModelDeploymentConfig) ResolvedVersion(now time.Time) string {
	if c.Version != "" {
		return c.Version
	}
	ts := strconv.FormatInt(now.Unix(), 10)
	if c.UseSemVer {
		return "1.0." + ts
	}
	return "v" + ts
}
