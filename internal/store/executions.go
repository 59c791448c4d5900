package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/flowforge/orchestrator/internal/domain"
	"github.com/flowforge/orchestrator/internal/platform/dbctx"
)

// SaveExecution inserts a brand-new execution row. Use UpdateExecutionFields
// for every subsequent mutation — executions are wide rows and partial
// updates avoid clobbering concurrent writers the way a blind Save would.
func (s *Store) SaveExecution(dbc dbctx.Context, exec *domain.Execution) error {
	if exec == nil {
		return fmt.Errorf("save execution: nil execution")
	}
	if exec.ID == uuid.Nil {
		exec.ID = uuid.New()
	}
	now := time.Now()
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = now
	}
	exec.UpdatedAt = now
	if err := s.tx(dbc).Create(exec).Error; err != nil {
		return fmt.Errorf("save execution: %w", err)
	}
	return nil
}

// LoadExecution fetches one execution by id.
func (s *Store) LoadExecution(dbc dbctx.Context, id uuid.UUID) (*domain.Execution, error) {
	var exec domain.Execution
	err := s.tx(dbc).Where("id = ?", id).First(&exec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load execution: %w", err)
	}
	return &exec, nil
}

// UpdateExecutionFields applies a partial update, stamping updated_at unless
// the caller already set one. It mirrors the teacher's UpdateFields shape:
// a bare map so callers only touch the columns they actually changed.
func (s *Store) UpdateExecutionFields(dbc dbctx.Context, id uuid.UUID, updates map[string]any) error {
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]any{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return s.tx(dbc).Model(&domain.Execution{}).Where("id = ?", id).Updates(updates).Error
}

// UpdateExecutionUnlessTerminal applies updates only if the execution is not
// already in a terminal status, returning whether the update actually took —
// generalizes the teacher's UpdateFieldsUnlessStatus guard against racing a
// cancel against a concurrent completion.
func (s *Store) UpdateExecutionUnlessTerminal(dbc dbctx.Context, id uuid.UUID, updates map[string]any) (bool, error) {
	if id == uuid.Nil {
		return false, nil
	}
	if updates == nil {
		updates = map[string]any{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	terminal := []domain.ExecutionStatus{domain.ExecCompleted, domain.ExecCancelled, domain.ExecFailed}
	res := s.tx(dbc).Model(&domain.Execution{}).
		Where("id = ? AND status NOT IN ?", id, terminal).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ExecutionQuery filters QueryExecutions; zero values are "no filter".
type ExecutionQuery struct {
	DefinitionID uuid.UUID
	Status       domain.ExecutionStatus
	Limit        int
	Offset       int
}

// QueryExecutions lists executions matching q, newest first.
func (s *Store) QueryExecutions(dbc dbctx.Context, q ExecutionQuery) ([]*domain.Execution, error) {
	tx := s.tx(dbc).Model(&domain.Execution{})
	if q.DefinitionID != uuid.Nil {
		tx = tx.Where("definition_id = ?", q.DefinitionID)
	}
	if q.Status != "" {
		tx = tx.Where("status = ?", q.Status)
	}
	tx = tx.Order("created_at DESC")
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	if q.Offset > 0 {
		tx = tx.Offset(q.Offset)
	}
	var out []*domain.Execution
	if err := tx.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	return out, nil
}

// ListActiveExecutions returns every execution not yet in a terminal
// status, newest first — the same "NOT IN" filter LoadMetrics uses for its
// ActiveWorkflows count, exposed here for callers that need the rows
// themselves (e.g. the API server's GET /workflows/active).
func (s *Store) ListActiveExecutions(dbc dbctx.Context) ([]*domain.Execution, error) {
	var out []*domain.Execution
	err := s.tx(dbc).Model(&domain.Execution{}).
		Where("status NOT IN ?", []domain.ExecutionStatus{domain.ExecCompleted, domain.ExecCancelled, domain.ExecFailed}).
		Order("created_at DESC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list active executions: %w", err)
	}
	return out, nil
}

// SaveExecutionContext marshals ctx and writes it to the execution's
// context column in one statement, used by the orchestrator after every
// step transition so a crash never loses more than the in-flight step.
func (s *Store) SaveExecutionContext(dbc dbctx.Context, id uuid.UUID, ctx domain.ExecutionContext) error {
	b, err := json.Marshal(ctx)
	if err != nil {
		return fmt.Errorf("save execution context: encode: %w", err)
	}
	return s.UpdateExecutionFields(dbc, id, map[string]any{"context": b})
}

// LoadExecutionContext unmarshals the execution's context column.
func (s *Store) LoadExecutionContext(dbc dbctx.Context, id uuid.UUID) (domain.ExecutionContext, error) {
	exec, err := s.LoadExecution(dbc, id)
	if err != nil {
		return domain.ExecutionContext{}, err
	}
	if len(exec.Context) == 0 {
		return domain.NewExecutionContext(), nil
	}
	var ctx domain.ExecutionContext
	if err := json.Unmarshal(exec.Context, &ctx); err != nil {
		return domain.ExecutionContext{}, fmt.Errorf("load execution context: decode: %w", err)
	}
	return ctx, nil
}

// AppendStepExecution inserts one step-execution record. Step executions are
// append-only: the orchestrator never updates a prior index's record after
// the fact.
func (s *Store) AppendStepExecution(dbc dbctx.Context, rec *domain.StepExecution) error {
	if rec == nil {
		return fmt.Errorf("append step execution: nil record")
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}
	if err := s.tx(dbc).Create(rec).Error; err != nil {
		return fmt.Errorf("append step execution: %w", err)
	}
	return nil
}

// UpdateStepExecution patches a step execution in place — used once, to
// stamp completion/failure onto the record the step started with.
func (s *Store) UpdateStepExecution(dbc dbctx.Context, id uuid.UUID, updates map[string]any) error {
	if id == uuid.Nil {
		return nil
	}
	return s.tx(dbc).Model(&domain.StepExecution{}).Where("id = ?", id).Updates(updates).Error
}

// ListStepExecutions returns every step-execution record for an execution,
// in append order.
func (s *Store) ListStepExecutions(dbc dbctx.Context, executionID uuid.UUID) ([]*domain.StepExecution, error) {
	var out []*domain.StepExecution
	if err := s.tx(dbc).Where("execution_id = ?", executionID).Order("step_index ASC, started_at ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list step executions: %w", err)
	}
	return out, nil
}
