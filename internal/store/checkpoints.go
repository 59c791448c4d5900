package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/flowforge/orchestrator/internal/domain"
	"github.com/flowforge/orchestrator/internal/platform/dbctx"
)

// checkpointEnvelope is the serialized payload behind Checkpoint.Blob —
// everything the orchestrator needs to resume an execution without
// replaying completed steps.
type checkpointEnvelope struct {
	CurrentStepIndex int                    `json:"current_step_index"`
	Context          domain.ExecutionContext `json:"context"`
}

func checksum(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// SaveCheckpoint serializes the given step index and context, computes its
// checksum, and appends a new checkpoint row — checkpoints are never
// mutated, only superseded by a later one with a higher Timestamp.
func (s *Store) SaveCheckpoint(dbc dbctx.Context, executionID uuid.UUID, stepIndex int, ctx domain.ExecutionContext) (*domain.Checkpoint, error) {
	env := checkpointEnvelope{CurrentStepIndex: stepIndex, Context: ctx}
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("save checkpoint: encode: %w", err)
	}
	cp := &domain.Checkpoint{
		ID:          uuid.New(),
		ExecutionID: executionID,
		StepIndex:   stepIndex,
		Timestamp:   time.Now(),
		Blob:        b,
		Size:        int64(len(b)),
		Checksum:    checksum(b),
	}
	if err := s.tx(dbc).Create(cp).Error; err != nil {
		return nil, fmt.Errorf("save checkpoint: %w", err)
	}
	if err := s.UpdateExecutionFields(dbc, executionID, map[string]any{"last_checkpoint_at": cp.Timestamp}); err != nil {
		return nil, fmt.Errorf("save checkpoint: stamp execution: %w", err)
	}
	return cp, nil
}

// LoadLatestCheckpoint returns the most recent checkpoint for an execution,
// verifying its checksum before returning — a mismatch wraps
// ErrCheckpointCorrupted so callers can fall back to recovery rather than
// resuming from bad data.
func (s *Store) LoadLatestCheckpoint(dbc dbctx.Context, executionID uuid.UUID) (*domain.Checkpoint, error) {
	var cp domain.Checkpoint
	err := s.tx(dbc).Where("execution_id = ?", executionID).Order("timestamp DESC").First(&cp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load latest checkpoint: %w", err)
	}
	if checksum(cp.Blob) != cp.Checksum {
		return nil, fmt.Errorf("checkpoint %s: %w", cp.ID, domain.ErrCheckpointCorrupted)
	}
	return &cp, nil
}

// DecodeCheckpoint unpacks a checkpoint's blob into the index of the step
// that had completed when it was taken and the context as of that moment.
func DecodeCheckpoint(cp *domain.Checkpoint) (int, domain.ExecutionContext, error) {
	var env checkpointEnvelope
	if err := json.Unmarshal(cp.Blob, &env); err != nil {
		return 0, domain.ExecutionContext{}, fmt.Errorf("decode checkpoint: %w", err)
	}
	return env.CurrentStepIndex, env.Context, nil
}

// ListCheckpoints returns every checkpoint for an execution, oldest first —
// used by history-replay tooling and tests, not the hot resume path.
func (s *Store) ListCheckpoints(dbc dbctx.Context, executionID uuid.UUID) ([]*domain.Checkpoint, error) {
	var out []*domain.Checkpoint
	if err := s.tx(dbc).Where("execution_id = ?", executionID).Order("timestamp ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	return out, nil
}
