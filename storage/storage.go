// Package storage persists a single document in a JSON file with
// write serialization, automatic backups, and atomic replacement.
// Every write first copies the current document into a sibling
// backups directory, then lands the new content via a temp file and
// rename so concurrent readers never observe a torn file. All reads
// and writes are serialized through a filelock.Lock on the target
// path.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/nhalm/flagkit/filelock"
)

// BackupDirName is the directory, next to the stored file, that holds
// timestamped copies of previous document versions.
const BackupDirName = "backups"

// BackupInfo describes one backup file.
type BackupInfo struct {
	Name    string
	Size    int64
	ModTime time.Time
}

// FileStore reads and writes one file with locking and backups.
type FileStore struct {
	path      string
	backupDir string
	lock      *filelock.Lock
	clock     func() time.Time
}

// Option configures a FileStore.
type Option func(*options)

type options struct {
	lockOpts []filelock.Option
	clock    func() time.Time
}

// WithLockOptions forwards options to the underlying file lock.
func WithLockOptions(opts ...filelock.Option) Option {
	return func(o *options) {
		o.lockOpts = append(o.lockOpts, opts...)
	}
}

// WithBackupClock overrides the time source used for backup names and
// cleanup cutoffs.
func WithBackupClock(clock func() time.Time) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// NewFileStore creates a store for the file at path. Backups live in
// a "backups" directory next to the file.
func NewFileStore(path string, opts ...Option) *FileStore {
	o := options{clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	return &FileStore{
		path:      path,
		backupDir: filepath.Join(filepath.Dir(path), BackupDirName),
		lock:      filelock.New(path, o.lockOpts...),
		clock:     o.clock,
	}
}

// Path returns the path of the stored file.
func (s *FileStore) Path() string {
	return s.path
}

// BackupDir returns the directory holding backups.
func (s *FileStore) BackupDir() string {
	return s.backupDir
}

// Read returns the current content of the stored file. A missing file
// surfaces as an error satisfying errors.Is(err, os.ErrNotExist); the
// caller decides whether that means "uninitialized" or failure.
func (s *FileStore) Read(ctx context.Context) ([]byte, error) {
	if err := s.lock.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("acquire lock for read: %w", err)
	}
	defer s.lock.Release()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}
	return data, nil
}

// Write replaces the stored file with data. The previous content, if
// any, is copied into the backup directory first; a missing source is
// not an error so the very first write succeeds. The new content is
// written to a temp file in the target directory and renamed into
// place.
func (s *FileStore) Write(ctx context.Context, data []byte) error {
	if err := s.lock.Acquire(ctx); err != nil {
		return fmt.Errorf("acquire lock for write: %w", err)
	}
	defer s.lock.Release()

	if err := s.backupCurrent(); err != nil {
		return err
	}
	return s.replace(data)
}

// backupCurrent copies the live document into the backup directory.
func (s *FileStore) backupCurrent() error {
	if err := os.MkdirAll(s.backupDir, 0o755); err != nil {
		return fmt.Errorf("create backup dir %s: %w", s.backupDir, err)
	}

	current, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Nothing to back up on first write.
			return nil
		}
		return fmt.Errorf("read %s for backup: %w", s.path, err)
	}

	backupPath := filepath.Join(s.backupDir, s.backupName())
	if err := os.WriteFile(backupPath, current, 0o644); err != nil {
		return fmt.Errorf("write backup %s: %w", backupPath, err)
	}
	return nil
}

// backupName builds "<base>-<timestamp><ext>" with a filesystem-safe
// UTC RFC3339Nano timestamp (":" and "." replaced by "-").
func (s *FileStore) backupName() string {
	base := filepath.Base(s.path)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	ts := s.clock().UTC().Format(time.RFC3339Nano)
	ts = strings.ReplaceAll(ts, ":", "-")
	ts = strings.ReplaceAll(ts, ".", "-")

	return stem + "-" + ts + ext
}

// replace writes data to a temp file in the target directory and
// renames it over the stored file.
func (s *FileStore) replace(data []byte) error {
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file in %s: %w", dir, err)
	}

	moved := false
	defer func() {
		tmp.Close()
		if !moved {
			os.Remove(tmp.Name())
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write temp file %s: %w", tmp.Name(), err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		return fmt.Errorf("chmod temp file %s: %w", tmp.Name(), err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file %s: %w", tmp.Name(), err)
	}

	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("rename temp file over %s: %w", s.path, err)
	}
	moved = true
	return nil
}

// Backups lists backup files for the stored document, newest first.
func (s *FileStore) Backups() ([]BackupInfo, error) {
	entries, err := os.ReadDir(s.backupDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list backup dir %s: %w", s.backupDir, err)
	}

	var backups []BackupInfo
	for _, entry := range entries {
		if !s.isBackup(entry) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("stat backup %s: %w", entry.Name(), err)
		}
		backups = append(backups, BackupInfo{
			Name:    entry.Name(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		if !backups[i].ModTime.Equal(backups[j].ModTime) {
			return backups[i].ModTime.After(backups[j].ModTime)
		}
		return backups[i].Name > backups[j].Name
	})

	return backups, nil
}

// CleanupBackups removes every backup older than maxAge. It reports
// how many files were removed and how many bytes they held. Running
// it twice with the same cutoff removes nothing the second time.
// Backups are immutable once written, so cleanup does not take the
// file lock.
func (s *FileStore) CleanupBackups(maxAge time.Duration) (removed int, freed int64, err error) {
	if err := os.MkdirAll(s.backupDir, 0o755); err != nil {
		return 0, 0, fmt.Errorf("create backup dir %s: %w", s.backupDir, err)
	}

	entries, err := os.ReadDir(s.backupDir)
	if err != nil {
		return 0, 0, fmt.Errorf("list backup dir %s: %w", s.backupDir, err)
	}

	cutoff := s.clock().Add(-maxAge)
	for _, entry := range entries {
		if !s.isBackup(entry) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return removed, freed, fmt.Errorf("stat backup %s: %w", entry.Name(), err)
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}

		path := filepath.Join(s.backupDir, entry.Name())
		if err := os.Remove(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return removed, freed, fmt.Errorf("remove backup %s: %w", path, err)
		}
		removed++
		freed += info.Size()
	}

	return removed, freed, nil
}

// isBackup reports whether a directory entry is a backup of this
// store's file. Other stores may share the same backup directory.
func (s *FileStore) isBackup(entry os.DirEntry) bool {
	if entry.IsDir() {
		return false
	}
	base := filepath.Base(s.path)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	name := entry.Name()
	return strings.HasPrefix(name, stem+"-") && strings.HasSuffix(name, ext)
}
