package operators

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Model is the external contract a deployable model must satisfy:
// predictions over a declared input shape. Concrete model-serving
// integrations (TF Serving, Triton, a cloud endpoint) are out of scope —
// Reference below is a deterministic in-memory stand-in.
type Model interface {
	Predict(ctx context.Context, input map[string]any) (map[string]any, error)
}

// Reference is a deterministic Model: it echoes a fixed output shape with
// a latency floor, enough to exercise §4.7's pre-deploy validation
// (latency measurement, non-empty zero-input prediction) without needing
// a real model artifact.
type Reference struct {
	Latency time.Duration
	Output  map[string]any
}

func (r *Reference) Predict(ctx context.Context, input map[string]any) (map[string]any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if r.Latency > 0 {
		time.Sleep(r.Latency)
	}
	out := make(map[string]any, len(r.Output))
	for k, v := range r.Output {
		out[k] = v
	}
	if len(out) == 0 {
		out["result"] = 1.0
	}
	return out, nil
}

// ModelServer is the traffic-routing contract the deployment engine drives:
// deploying a version, directing a fraction of traffic to it, and undeploying it.
type ModelServer interface {
	Deploy(ctx context.Context, version string, model Model) error
	SetTrafficSplit(ctx context.Context, version string, fraction float64) error
	Undeploy(ctx context.Context, version string) error
	Predict(ctx context.Context, input map[string]any) (map[string]any, error)
}

// InMemoryServer is a ModelServer reference implementation: a map of
// deployed versions and a traffic-split table, with Predict routing to one
// version chosen by weighted random selection.
type InMemoryServer struct {
	models map[string]Model
	splits map[string]float64
	rand   func() float64
}

func NewInMemoryServer(randFn func() float64) *InMemoryServer {
	return &InMemoryServer{
		models: make(map[string]Model),
		splits: make(map[string]float64),
		rand:   randFn,
	}
}

func (s *InMemoryServer) Deploy(ctx context.Context, version string, model Model) error {
	s.models[version] = model
	if _, ok := s.splits[version]; !ok {
		s.splits[version] = 0
	}
	return nil
}

func (s *InMemoryServer) SetTrafficSplit(ctx context.Context, version string, fraction float64) error {
	if _, ok := s.models[version]; !ok {
		return fmt.Errorf("set traffic split: version %q not deployed", version)
	}
	s.splits[version] = fraction
	return nil
}

func (s *InMemoryServer) Undeploy(ctx context.Context, version string) error {
	delete(s.models, version)
	delete(s.splits, version)
	return nil
}

func (s *InMemoryServer) Predict(ctx context.Context, input map[string]any) (map[string]any, error) {
	version := s.pickVersion()
	if version == "" {
		return nil, fmt.Errorf("predict: no version deployed")
	}
	return s.models[version].Predict(ctx, input)
}

func (s *InMemoryServer) pickVersion() string {
	var total float64
	for _, f := range s.splits {
		total += f
	}
	if total <= 0 {
		for v := range s.models {
			return v
		}
		return ""
	}
	versions := make([]string, 0, len(s.splits))
	for v := range s.splits {
		versions = append(versions, v)
	}
	sort.Strings(versions)
	r := s.rand() * total
	var cum float64
	for _, v := range versions {
		cum += s.splits[v]
		if r <= cum {
			return v
		}
	}
	return ""
}
