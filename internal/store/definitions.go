package store

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/flowforge/orchestrator/internal/domain"
	"github.com/flowforge/orchestrator/internal/platform/dbctx"
)

// SaveWorkflowDefinition persists a new, immutable (ID, Version) revision.
// Definitions are never updated in place — a second save for the same
// (Name, Version) pair is rejected by the unique-ish lookup callers are
// expected to perform first; the store itself just inserts.
func (s *Store) SaveWorkflowDefinition(dbc dbctx.Context, def *domain.WorkflowDefinition) error {
	if def == nil {
		return fmt.Errorf("save workflow definition: nil definition")
	}
	if err := def.Validate(); err != nil {
		return err
	}
	if def.ID == uuid.Nil {
		def.ID = uuid.New()
	}
	if err := def.EncodeJSON(); err != nil {
		return fmt.Errorf("save workflow definition: encode: %w", err)
	}
	if err := s.tx(dbc).Create(def).Error; err != nil {
		return fmt.Errorf("save workflow definition: %w", err)
	}
	return nil
}

// LoadWorkflowDefinition fetches a definition by id and decodes its JSON
// columns back into Steps/DefaultRetry before returning.
func (s *Store) LoadWorkflowDefinition(dbc dbctx.Context, id uuid.UUID) (*domain.WorkflowDefinition, error) {
	var def domain.WorkflowDefinition
	err := s.tx(dbc).Where("id = ?", id).First(&def).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load workflow definition: %w", err)
	}
	if err := def.DecodeJSON(); err != nil {
		return nil, fmt.Errorf("load workflow definition: decode: %w", err)
	}
	return &def, nil
}

// LoadWorkflowDefinitionByNameVersion is the lookup a submitter uses to
// check whether a (Name, Version) pair is already registered before
// attempting to save a new revision.
func (s *Store) LoadWorkflowDefinitionByNameVersion(dbc dbctx.Context, name, version string) (*domain.WorkflowDefinition, error) {
	var def domain.WorkflowDefinition
	err := s.tx(dbc).Where("name = ? AND version = ?", name, version).First(&def).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load workflow definition by name/version: %w", err)
	}
	if err := def.DecodeJSON(); err != nil {
		return nil, fmt.Errorf("load workflow definition by name/version: decode: %w", err)
	}
	return &def, nil
}

// LoadLatestWorkflowDefinition returns the most recently created definition
// registered under name, across all versions.
func (s *Store) LoadLatestWorkflowDefinition(dbc dbctx.Context, name string) (*domain.WorkflowDefinition, error) {
	var def domain.WorkflowDefinition
	err := s.tx(dbc).Where("name = ?", name).Order("created_at DESC").First(&def).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load latest workflow definition: %w", err)
	}
	if err := def.DecodeJSON(); err != nil {
		return nil, fmt.Errorf("load latest workflow definition: decode: %w", err)
	}
	return &def, nil
}
