package domain

import "time"

// TrainingConfig is the typed config for a StepTraining step, parameterizing
// the Distributed Training Coordinator (C6) for one job.
type TrainingConfig struct {
	JobID                string        `json:"job_id,omitempty"`
	Epochs               int           `json:"epochs"`
	MinAgents            int           `json:"min_agents"`
	JobMaxAgents         int           `json:"job_max_agents"`
	GlobalMaxAgentsPerJob int          `json:"global_max_agents_per_job"`
	LoadBalancing        bool          `json:"load_balancing,omitempty"`
	ResourceMinima       ResourceRequirements `json:"resource_minima"`
	HeartbeatInterval    time.Duration `json:"heartbeat_interval"`
	CheckpointInterval   time.Duration `json:"checkpoint_interval"`
	AutoRecovery         bool          `json:"auto_recovery,omitempty"`
}

func (c *TrainingConfig) validate() error {
	return c.Validate()
}

// Validate checks the minimal well-formedness the coordinator relies on:
// a positive epoch count, agent floor, and heartbeat interval.
func (c *TrainingConfig) Validate() error {
	if c.Epochs <= 0 {
		return wrapConfigInvalid("training config has non-positive epochs")
	}
	if c.MinAgents <= 0 {
		return wrapConfigInvalid("training config has non-positive min_agents")
	}
	if c.HeartbeatInterval <= 0 {
		return wrapConfigInvalid("training config has non-positive heartbeat_interval")
	}
	return nil
}
