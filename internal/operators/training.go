package operators

import (
	"context"
	"math/rand"

	"github.com/flowforge/orchestrator/internal/domain"
)

// StepResult is what one agent reports for one training step.
type StepResult struct {
	Loss       float64
	Accuracy   float64
	Samples    int
	DurationMS int64
}

// TrainingAgent is the external contract for a distributed-training
// participant. Concrete integration with a real compute fleet is out of
// scope per spec.md's own Non-goal ("no ML training math") — Simulated
// below is a deterministic stand-in sufficient to exercise the
// coordinator's selection/topology/heartbeat/recovery logic.
type TrainingAgent interface {
	ID() string
	RunStep(ctx context.Context, epoch int) (StepResult, error)
	Checkpoint(ctx context.Context) ([]byte, error)
	Restore(ctx context.Context, state []byte) error
}

// Simulated is a deterministic in-process TrainingAgent: it produces a
// loss that trends down as 1/(step+1) plus a small jitter drawn from its
// seed, with no real
// computation — exactly enough behavior for tests to assert aggregation,
// not model quality.
type Simulated struct {
	id        string
	resources domain.ResourceRequirements
	rng       *rand.Rand
	step      int
}

func NewSimulatedAgent(id string, resources domain.ResourceRequirements, seed int64) *Simulated {
	return &Simulated{id: id, resources: resources, rng: rand.New(rand.NewSource(seed))}
}

func (s *Simulated) ID() string { return s.id }

func (s *Simulated) RunStep(ctx context.Context, epoch int) (StepResult, error) {
	select {
	case <-ctx.Done():
		return StepResult{}, ctx.Err()
	default:
	}
	s.step++
	baseLoss := 1.0 / float64(s.step+1)
	jitter := (s.rng.Float64() - 0.5) * 0.05
	return StepResult{
		Loss:       baseLoss + jitter,
		Accuracy:   1 - baseLoss,
		Samples:    100,
		DurationMS: 10,
	}, nil
}

func (s *Simulated) Checkpoint(ctx context.Context) ([]byte, error) {
	return []byte{byte(s.step)}, nil
}

func (s *Simulated) Restore(ctx context.Context, state []byte) error {
	if len(state) > 0 {
		s.step = int(state[0])
	}
	return nil
}
