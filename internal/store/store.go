// Package store implements the Persistence Store component (§4.1): a
// single file-backed relational store (SQLite, WAL mode preferred) fronting
// workflow definitions, executions, step executions, checkpoints, and human
// tasks. Every accessor takes a dbctx.Context so callers can compose multiple
// writes into one transaction the same way the rest of the ambient stack
// does.
package store

import (
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/flowforge/orchestrator/internal/domain"
	"github.com/flowforge/orchestrator/internal/platform/dbctx"
	"github.com/flowforge/orchestrator/internal/platform/logger"
)

// Store is the concrete C1 accessor over a single SQLite file. All methods
// are safe for concurrent use; writers serialize through SQLite's own
// file lock, readers use WAL so they never block behind an in-flight write.
type Store struct {
	db  *gorm.DB
	log *logger.Logger
}

// Open creates (or reuses) the SQLite file at path, enables WAL mode, and
// auto-migrates every domain table. path may be ":memory:" or
// "file::memory:?cache=shared" for ephemeral/test stores.
func Open(path string, baseLog *logger.Logger) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := db.Exec("PRAGMA journal_mode=WAL").Error; err != nil {
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	if err := db.Exec("PRAGMA busy_timeout=5000").Error; err != nil {
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := db.AutoMigrate(
		&domain.WorkflowDefinition{},
		&domain.Execution{},
		&domain.StepExecution{},
		&domain.Checkpoint{},
		&domain.HumanTask{},
	); err != nil {
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return &Store{db: db, log: baseLog.With("component", "store")}, nil
}

// DB exposes the underlying *gorm.DB for callers that need to open their own
// transaction spanning multiple Store accessors (e.g. orchestrator
// checkpoint-then-advance sequences).
func (s *Store) DB() *gorm.DB { return s.db }

func (s *Store) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx.WithContext(dbc.Ctx)
	}
	return s.db.WithContext(dbc.Ctx)
}

// Metrics is the snapshot the §6 metrics endpoint and internal/metrics
// exporter both read from.
type Metrics struct {
	TotalWorkflows     int64
	CompletedWorkflows int64
	FailedWorkflows    int64
	ActiveWorkflows    int64
	PendingHumanTasks  int64
	AverageDurationMS  float64
}

// LoadMetrics aggregates counts across the executions and human_tasks
// tables. It is intentionally a handful of simple COUNT/AVG queries rather
// than a running counter, since the store is the single source of truth and
// restarts must not lose accuracy.
func (s *Store) LoadMetrics(dbc dbctx.Context) (Metrics, error) {
	tx := s.tx(dbc)
	var m Metrics
	if err := tx.Model(&domain.Execution{}).Count(&m.TotalWorkflows).Error; err != nil {
		return m, err
	}
	if err := tx.Model(&domain.Execution{}).Where("status = ?", domain.ExecCompleted).Count(&m.CompletedWorkflows).Error; err != nil {
		return m, err
	}
	if err := tx.Model(&domain.Execution{}).Where("status = ?", domain.ExecFailed).Count(&m.FailedWorkflows).Error; err != nil {
		return m, err
	}
	if err := tx.Model(&domain.Execution{}).
		Where("status NOT IN ?", []domain.ExecutionStatus{domain.ExecCompleted, domain.ExecCancelled, domain.ExecFailed}).
		Count(&m.ActiveWorkflows).Error; err != nil {
		return m, err
	}
	if err := tx.Model(&domain.HumanTask{}).Where("status = ?", domain.HumanTaskPending).Count(&m.PendingHumanTasks).Error; err != nil {
		return m, err
	}
	var avg struct{ Avg float64 }
	if err := tx.Model(&domain.Execution{}).
		Select("COALESCE(AVG(duration_ms), 0) as avg").
		Where("duration_ms > 0").
		Scan(&avg).Error; err != nil {
		return m, err
	}
	m.AverageDurationMS = avg.Avg
	return m, nil
}

// Cleanup deletes terminal (completed, cancelled, failed) executions that
// ended more than olderThan ago, together with their checkpoints, step
// executions and human tasks, then keeps only the newest
// maxVersionsPerExecution checkpoints of every remaining execution. It
// mirrors the teacher's retention-sweep shape; it works in one pass, not
// in batches.
func (s *Store) Cleanup(dbc dbctx.Context, olderThan time.Duration, maxVersionsPerExecution int) error {
	tx := s.tx(dbc)
	cutoff := time.Now().Add(-olderThan)
	var staleIDs []string
	if err := tx.Model(&domain.Execution{}).
		Where("status IN ? AND ended_at < ?", []domain.ExecutionStatus{domain.ExecCompleted, domain.ExecCancelled, domain.ExecFailed}, cutoff).
		Pluck("id", &staleIDs).Error; err != nil {
		return fmt.Errorf("cleanup: find stale executions: %w", err)
	}
	if len(staleIDs) > 0 {
		if err := tx.Transaction(func(txx *gorm.DB) error {
			if err := txx.Where("execution_id IN ?", staleIDs).Delete(&domain.Checkpoint{}).Error; err != nil {
				return err
			}
			if err := txx.Where("execution_id IN ?", staleIDs).Delete(&domain.StepExecution{}).Error; err != nil {
				return err
			}
			if err := txx.Where("execution_id IN ?", staleIDs).Delete(&domain.HumanTask{}).Error; err != nil {
				return err
			}
			return txx.Where("id IN ?", staleIDs).Delete(&domain.Execution{}).Error
		}); err != nil {
			return fmt.Errorf("cleanup: purge stale executions: %w", err)
		}
		s.log.Info("cleanup purged stale executions", "count", len(staleIDs))
	}
	if maxVersionsPerExecution > 0 {
		if err := s.pruneCheckpoints(tx, maxVersionsPerExecution); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) pruneCheckpoints(tx *gorm.DB, keep int) error {
	var execIDs []string
	if err := tx.Model(&domain.Checkpoint{}).Distinct("execution_id").Pluck("execution_id", &execIDs).Error; err != nil {
		return fmt.Errorf("prune checkpoints: list executions: %w", err)
	}
	for _, id := range execIDs {
		var ids []string
		if err := tx.Model(&domain.Checkpoint{}).
			Where("execution_id = ?", id).
			Order("timestamp DESC").
			Offset(keep).
			Pluck("id", &ids).Error; err != nil {
			return fmt.Errorf("prune checkpoints: list overflow for %s: %w", id, err)
		}
		if len(ids) == 0 {
			continue
		}
		if err := tx.Where("id IN ?", ids).Delete(&domain.Checkpoint{}).Error; err != nil {
			return fmt.Errorf("prune checkpoints: delete overflow for %s: %w", id, err)
		}
	}
	return nil
}
