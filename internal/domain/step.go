package domain

import "time"

// StepType is the closed taxonomy of step kinds a WorkflowDefinition may
// declare. There is no escape hatch to a schema-less dynamic type — every
// step carries a statically typed config matching its Type.
type StepType string

const (
	StepDataPipeline    StepType = "data_pipeline"
	StepTraining        StepType = "training"
	StepModelDeployment StepType = "model_deployment"
	StepValidation      StepType = "validation"
	StepParallel        StepType = "parallel"
	StepConditional     StepType = "conditional"
	StepScript          StepType = "script"
	StepHumanTask       StepType = "human_task"
)

// ResourceRequirements is the capacity vector requested from, or reported by,
// the Resource Pool (C2).
type ResourceRequirements struct {
	CPU     float64 `json:"cpu"`
	Memory  float64 `json:"memory"`
	GPU     float64 `json:"gpu"`
	Storage float64 `json:"storage"`
}

// HumanGateConfig marks a step as requiring a human decision before the FSM
// may advance past it, independent of StepHumanTask (any step type may be
// gated this way per §4.8's "requiresHumanValidation").
type HumanGateConfig struct {
	Required bool          `json:"required"`
	Timeout  time.Duration `json:"timeout,omitempty"`
}

// Step is a single declared unit of work. Exactly one of the typed config
// fields matching Type is populated; validateShape enforces this.
type Step struct {
	Name             string        `json:"name"`
	Type             StepType      `json:"type"`
	ConditionExpr    string        `json:"condition,omitempty"`
	Timeout          time.Duration `json:"timeout,omitempty"`
	CanRunInParallel bool          `json:"can_run_in_parallel,omitempty"`

	ResourceRequest *ResourceRequirements `json:"resource_request,omitempty"`
	HumanValidation *HumanGateConfig      `json:"human_validation,omitempty"`

	DataPipeline    *DataPipelineConfig    `json:"data_pipeline,omitempty"`
	Training        *TrainingConfig        `json:"training,omitempty"`
	ModelDeployment *ModelDeploymentConfig `json:"model_deployment,omitempty"`
	Validation      *ValidationConfig      `json:"validation,omitempty"`
	Parallel        *ParallelConfig        `json:"parallel,omitempty"`
	Conditional     *ConditionalConfig     `json:"conditional,omitempty"`
	Script          *ScriptConfig          `json:"script,omitempty"`
	HumanTask       *HumanTaskConfig       `json:"human_task,omitempty"`
}

// validateShape confirms the step's Type matches exactly one non-nil config
// and recursively validates any child steps.
func (s *Step) validateShape() error {
	set := 0
	if s.DataPipeline != nil {
		set++
	}
	if s.Training != nil {
		set++
	}
	if s.ModelDeployment != nil {
		set++
	}
	if s.Validation != nil {
		set++
	}
	if s.Parallel != nil {
		set++
	}
	if s.Conditional != nil {
		set++
	}
	if s.Script != nil {
		set++
	}
	if s.HumanTask != nil {
		set++
	}
	if set != 1 {
		return wrapConfigInvalidf("step %q must carry exactly one config matching its type, got %d", s.Name, set)
	}
	switch s.Type {
	case StepDataPipeline:
		if s.DataPipeline == nil {
			return wrapConfigInvalidf("step %q declares type %q without matching config", s.Name, s.Type)
		}
		return s.DataPipeline.validate()
	case StepTraining:
		if s.Training == nil {
			return wrapConfigInvalidf("step %q declares type %q without matching config", s.Name, s.Type)
		}
		return s.Training.validate()
	case StepModelDeployment:
		if s.ModelDeployment == nil {
			return wrapConfigInvalidf("step %q declares type %q without matching config", s.Name, s.Type)
		}
		return s.ModelDeployment.validate()
	case StepValidation:
		if s.Validation == nil {
			return wrapConfigInvalidf("step %q declares type %q without matching config", s.Name, s.Type)
		}
		return nil
	case StepParallel:
		if s.Parallel == nil {
			return wrapConfigInvalidf("step %q declares type %q without matching config", s.Name, s.Type)
		}
		for i := range s.Parallel.Children {
			if err := s.Parallel.Children[i].validateShape(); err != nil {
				return err
			}
		}
		return nil
	case StepConditional:
		if s.Conditional == nil {
			return wrapConfigInvalidf("step %q declares type %q without matching config", s.Name, s.Type)
		}
		if s.Conditional.Condition == "" {
			return wrapConfigInvalidf("conditional step %q has no condition expression", s.Name)
		}
		for i := range s.Conditional.Then {
			if err := s.Conditional.Then[i].validateShape(); err != nil {
				return err
			}
		}
		for i := range s.Conditional.Else {
			if err := s.Conditional.Else[i].validateShape(); err != nil {
				return err
			}
		}
		return nil
	case StepScript:
		if s.Script == nil {
			return wrapConfigInvalidf("step %q declares type %q without matching config", s.Name, s.Type)
		}
		return nil
	case StepHumanTask:
		if s.HumanTask == nil {
			return wrapConfigInvalidf("step %q declares type %q without matching config", s.Name, s.Type)
		}
		return nil
	default:
		return wrapConfigInvalidf("step %q has unknown type %q", s.Name, s.Type)
	}
}

// ParallelConfig fans its children out concurrently; the step's result is the
// list of per-child results in declared (not completion) order.
type ParallelConfig struct {
	Children []Step `json:"children"`
}

// ConditionalConfig evaluates Condition against the execution context and
// runs exactly one branch.
type ConditionalConfig struct {
	Condition string `json:"condition"`
	Then      []Step `json:"then"`
	Else      []Step `json:"else,omitempty"`
}

// ScriptConfig names a callback registered in the step callback registry;
// Params is passed through verbatim and is opaque to the engine.
type ScriptConfig struct {
	Callback string         `json:"callback"`
	Params   map[string]any `json:"params,omitempty"`
}

// HumanTaskConfig describes a dedicated human-task step (as opposed to the
// HumanValidation gate attachable to any step).
type HumanTaskConfig struct {
	Kind        HumanTaskKind `json:"kind"`
	Title       string        `json:"title"`
	Description string        `json:"description,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Priority    int           `json:"priority,omitempty"`
	Assignee    string        `json:"assignee,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty"`
}

// ValidationConfig is the standalone "validation" step type (distinct from
// the data pipeline's internal validate phase): a set of rules evaluated
// against the prior step's output, producing a pass/fail result.
type ValidationConfig struct {
	Rules           []ValidationRule `json:"rules"`
	StrictValidation bool            `json:"strict_validation,omitempty"`
	Source          string          `json:"source,omitempty"` // step name whose output is validated; empty = prior step
}
