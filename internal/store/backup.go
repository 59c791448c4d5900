package store

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// CreateBackup checkpoints the live SQLite file via VACUUM INTO, landing a
// timestamped copy under backupDir. SQLite's own VACUUM INTO gives a
// consistent snapshot even while writers are active, which is what makes
// this safe to run on a ticking interval.
func (s *Store) CreateBackup(backupDir string) (string, error) {
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return "", fmt.Errorf("create backup: mkdir: %w", err)
	}
	name := fmt.Sprintf("store-%s.db", time.Now().UTC().Format("20060102T150405.000000000Z"))
	dest := filepath.Join(backupDir, name)
	if err := s.db.Exec("VACUUM INTO ?", dest).Error; err != nil {
		return "", fmt.Errorf("create backup: vacuum into %s: %w", dest, err)
	}
	return dest, nil
}

// RestoreFromBackup copies a backup file over the live store's file path.
// Callers must close every existing connection to the store before calling
// this and Open a fresh one afterward — restoring underneath a live
// *gorm.DB is undefined per SQLite's own file-swap semantics.
func RestoreFromBackup(backupPath, livePath string) error {
	src, err := os.Open(backupPath)
	if err != nil {
		return fmt.Errorf("restore from backup: open backup: %w", err)
	}
	defer src.Close()

	tmp := livePath + ".restoring"
	dst, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("restore from backup: create temp: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(tmp)
		return fmt.Errorf("restore from backup: copy: %w", err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("restore from backup: close temp: %w", err)
	}
	for _, suffix := range []string{"", "-wal", "-shm"} {
		os.Remove(livePath + suffix)
	}
	if err := os.Rename(tmp, livePath); err != nil {
		return fmt.Errorf("restore from backup: rename: %w", err)
	}
	return nil
}

// PruneBackups keeps only the maxBackups most recent files in backupDir,
// deleting the rest.
func PruneBackups(backupDir string, maxBackups int) error {
	if maxBackups <= 0 {
		return nil
	}
	entries, err := os.ReadDir(backupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("prune backups: read dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	if len(names) <= maxBackups {
		return nil
	}
	for _, name := range names[:len(names)-maxBackups] {
		if err := os.Remove(filepath.Join(backupDir, name)); err != nil {
			return fmt.Errorf("prune backups: remove %s: %w", name, err)
		}
	}
	return nil
}
