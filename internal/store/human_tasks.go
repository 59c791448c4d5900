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

// CreateHumanTask inserts a new pending gate.
func (s *Store) CreateHumanTask(dbc dbctx.Context, task *domain.HumanTask) error {
	if task == nil {
		return fmt.Errorf("create human task: nil task")
	}
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	if task.Status == "" {
		task.Status = domain.HumanTaskPending
	}
	if err := s.tx(dbc).Create(task).Error; err != nil {
		return fmt.Errorf("create human task: %w", err)
	}
	return nil
}

// LoadHumanTask fetches one gate by id.
func (s *Store) LoadHumanTask(dbc dbctx.Context, id uuid.UUID) (*domain.HumanTask, error) {
	var task domain.HumanTask
	err := s.tx(dbc).Where("id = ?", id).First(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load human task: %w", err)
	}
	return &task, nil
}

// CompleteHumanTask records a resolution on a still-pending task, returning
// false (no error) if the task had already been resolved or cancelled by a
// concurrent caller — same race-safe shape as UpdateExecutionUnlessTerminal.
func (s *Store) CompleteHumanTask(dbc dbctx.Context, id uuid.UUID, resp domain.HumanResponse, completedBy string) (bool, error) {
	b, err := json.Marshal(resp)
	if err != nil {
		return false, fmt.Errorf("complete human task: encode response: %w", err)
	}
	now := time.Now()
	res := s.tx(dbc).Model(&domain.HumanTask{}).
		Where("id = ? AND status = ?", id, domain.HumanTaskPending).
		Updates(map[string]any{
			"status":       domain.HumanTaskCompleted,
			"response":     b,
			"completed_at": now,
			"completed_by": completedBy,
		})
	if res.Error != nil {
		return false, fmt.Errorf("complete human task: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// CancelHumanTask marks a still-pending task cancelled, used when its owning
// execution is cancelled out from under it.
func (s *Store) CancelHumanTask(dbc dbctx.Context, id uuid.UUID) error {
	return s.tx(dbc).Model(&domain.HumanTask{}).
		Where("id = ? AND status = ?", id, domain.HumanTaskPending).
		Updates(map[string]any{"status": domain.HumanTaskCancelled}).Error
}

// ListPendingHumanTasks returns every outstanding gate, optionally scoped to
// an assignee, oldest first (highest priority first within equal age is a
// presentation concern left to callers).
func (s *Store) ListPendingHumanTasks(dbc dbctx.Context, assignee string) ([]*domain.HumanTask, error) {
	tx := s.tx(dbc).Where("status = ?", domain.HumanTaskPending)
	if assignee != "" {
		tx = tx.Where("assignee = ?", assignee)
	}
	var out []*domain.HumanTask
	if err := tx.Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list pending human tasks: %w", err)
	}
	return out, nil
}

// ClaimExpiredHumanTasks finds pending tasks whose timeout has elapsed since
// creation and cancels them (inside the caller's transaction when dbc
// carries one), returning the claimed ids so
// the orchestrator can drive their owning executions into the timeout path.
func (s *Store) ClaimExpiredHumanTasks(dbc dbctx.Context) ([]uuid.UUID, error) {
	tx := s.tx(dbc)
	var expired []*domain.HumanTask
	now := time.Now()
	if err := tx.Where("status = ? AND timeout > 0", domain.HumanTaskPending).Find(&expired).Error; err != nil {
		return nil, fmt.Errorf("claim expired human tasks: list: %w", err)
	}
	var ids []uuid.UUID
	for _, t := range expired {
		if now.Sub(t.CreatedAt) < t.Timeout {
			continue
		}
		ids = append(ids, t.ID)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if err := tx.Model(&domain.HumanTask{}).
		Where("id IN ? AND status = ?", ids, domain.HumanTaskPending).
		Updates(map[string]any{"status": domain.HumanTaskCancelled}).Error; err != nil {
		return nil, fmt.Errorf("claim expired human tasks: cancel: %w", err)
	}
	return ids, nil
}
