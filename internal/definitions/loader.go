// Package definitions loads WorkflowDefinitions authored as YAML files on
// disk, the declarative counterpart to registering a definition inline over
// the API — grounded on the teacher's learning_build/spec.go, which loaded
// its job-DAG stage graph from a YAML file named by an env var with the
// same "parse once at startup, fall back if absent" shape.
package definitions

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/flowforge/orchestrator/internal/domain"
	"github.com/flowforge/orchestrator/internal/platform/logger"
)

// fileSpec mirrors the JSON-facing fields of domain.WorkflowDefinition that
// an operator may author by hand; ID/CreatedAt are assigned on load rather
// than taken from the file.
type fileSpec struct {
	Name         string              `json:"name"`
	Version      string              `json:"version"`
	Timeout      string              `json:"timeout,omitempty"`
	DefaultRetry *domain.RetryPolicy `json:"default_retry,omitempty"`
	Steps        []domain.Step       `json:"steps"`
}

// LoadDir parses every *.yaml/*.yml file directly under dir into a
// WorkflowDefinition. A missing dir is not an error — it means no
// definitions were authored this way — but a malformed file is, since a
// silently-skipped typo in a committed definition file is worse than a
// startup failure that points at it.
func LoadDir(dir string, log *logger.Logger) ([]*domain.WorkflowDefinition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("definitions: read dir %s: %w", dir, err)
	}

	var defs []*domain.WorkflowDefinition
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		def, err := loadFile(path)
		if err != nil {
			return nil, fmt.Errorf("definitions: %s: %w", e.Name(), err)
		}
		if log != nil {
			log.Info("loaded workflow definition from yaml", "file", e.Name(), "name", def.Name, "version", def.Version)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// loadFile parses one definition. YAML is decoded into a generic value
// first and re-encoded as JSON so it can be unmarshalled straight into the
// existing json-tagged domain types, instead of hand-maintaining a parallel
// set of yaml tags across every Step config variant.
func loadFile(path string) (*domain.WorkflowDefinition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var generic map[string]any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}

	jsonBytes, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("re-encode yaml as json: %w", err)
	}

	var spec fileSpec
	if err := json.Unmarshal(jsonBytes, &spec); err != nil {
		return nil, fmt.Errorf("decode definition: %w", err)
	}
	if strings.TrimSpace(spec.Name) == "" {
		return nil, fmt.Errorf("missing required field: name")
	}
	if strings.TrimSpace(spec.Version) == "" {
		spec.Version = "1"
	}

	def := &domain.WorkflowDefinition{
		ID:           uuid.New(),
		Name:         spec.Name,
		Version:      spec.Version,
		Steps:        spec.Steps,
		DefaultRetry: spec.DefaultRetry,
		CreatedAt:    time.Now(),
	}
	if spec.Timeout != "" {
		d, err := time.ParseDuration(spec.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout %q: %w", spec.Timeout, err)
		}
		def.Timeout = d
	}
	return def, nil
}
