package flagkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/nhalm/flagkit/storage"
)

// watchSettle is how long Watch waits after a file event before
// reloading, so one logical write (backup copy plus rename) triggers
// one reload.
const watchSettle = 50 * time.Millisecond

// FlagService owns the flag document: it loads and validates flags
// from storage, saves changes, and can keep an in-process snapshot
// fresh by watching the file for writes from other processes.
type FlagService struct {
	store   *storage.FileStore
	logger  *zap.Logger
	metrics *Metrics

	mu       sync.RWMutex
	snapshot *Flags
}

// FlagServiceOption configures a FlagService.
type FlagServiceOption func(*FlagService)

// FlagServiceWithLogger sets the logger. Defaults to a no-op logger.
func FlagServiceWithLogger(logger *zap.Logger) FlagServiceOption {
	return func(s *FlagService) {
		s.logger = logger
	}
}

// FlagServiceWithMetrics records reads, writes, validation failures,
// and backup pruning on m.
func FlagServiceWithMetrics(m *Metrics) FlagServiceOption {
	return func(s *FlagService) {
		s.metrics = m
	}
}

// NewFlagService creates a service reading and writing flags through st.
func NewFlagService(st *storage.FileStore, opts ...FlagServiceOption) *FlagService {
	s := &FlagService{
		store:  st,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load reads and validates the flag document. A missing file surfaces
// as an error satisfying errors.Is(err, os.ErrNotExist); no defaults
// are substituted. On success the in-process snapshot is refreshed.
func (s *FlagService) Load(ctx context.Context) (*Flags, error) {
	start := time.Now()
	data, err := s.store.Read(ctx)
	s.metrics.storageOp("read", time.Since(start))
	if err != nil {
		s.metrics.flagRead(err)
		return nil, fmt.Errorf("failed to read flags: %w", err)
	}

	flags, err := ParseFlags(data)
	if err != nil {
		s.metrics.validationFailure()
		s.metrics.flagRead(err)
		return nil, fmt.Errorf("stored flags are invalid: %w", err)
	}

	s.metrics.flagRead(nil)
	s.setSnapshot(flags)
	return flags, nil
}

// Save validates nothing beyond non-nilness (a *Flags is well-typed by
// construction) and writes the document. The previous version is
// backed up by the store before the write lands.
func (s *FlagService) Save(ctx context.Context, flags *Flags) error {
	if flags == nil {
		return errors.New("flags must not be nil")
	}

	data, err := json.MarshalIndent(flags, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode flags: %w", err)
	}
	data = append(data, '\n')

	start := time.Now()
	err = s.store.Write(ctx, data)
	s.metrics.storageOp("write", time.Since(start))
	s.metrics.flagWrite(err)
	if err != nil {
		return fmt.Errorf("failed to write flags: %w", err)
	}

	s.setSnapshot(flags)
	return nil
}

// Update applies changes to the stored document and returns the new
// flags. Unknown keys are rejected before any storage access, so a bad
// update leaves the document untouched.
func (s *FlagService) Update(ctx context.Context, changes map[string]bool) (*Flags, error) {
	probe := DefaultFlags()
	for key, value := range changes {
		if err := probe.Set(key, value); err != nil {
			return nil, err
		}
	}

	flags, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	for key, value := range changes {
		if err := flags.Set(key, value); err != nil {
			return nil, err
		}
	}

	if err := s.Save(ctx, flags); err != nil {
		return nil, err
	}
	return flags, nil
}

// Init writes the default flag document if none exists yet. It reports
// whether a file was created. An existing document, valid or not, is
// never overwritten.
func (s *FlagService) Init(ctx context.Context) (bool, error) {
	_, err := s.store.Read(ctx)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("failed to check flags file: %w", err)
	}

	if err := s.Save(ctx, DefaultFlags()); err != nil {
		return false, err
	}
	s.logger.Info("created flags file with defaults",
		zap.String("path", s.store.Path()),
	)
	return true, nil
}

// Snapshot returns a copy of the most recently loaded flags, or nil if
// nothing has been loaded yet. It never touches storage; pair it with
// Watch to keep the copy current across processes.
func (s *FlagService) Snapshot() *Flags {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snapshot == nil {
		return nil
	}
	c := *s.snapshot
	return &c
}

func (s *FlagService) setSnapshot(flags *Flags) {
	c := *flags
	s.mu.Lock()
	s.snapshot = &c
	s.mu.Unlock()
}

// Watch reloads the snapshot whenever the flag file changes on disk,
// until ctx is cancelled. The parent directory is watched rather than
// the file itself because writes land by rename, which would detach a
// watch on the file. Reload failures are logged and the previous
// snapshot kept.
func (s *FlagService) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(s.store.Path())
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	base := filepath.Base(s.store.Path())
	var settle <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if settle == nil {
				settle = time.After(watchSettle)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("flags watcher error", zap.Error(err))

		case <-settle:
			settle = nil
			flags, err := s.Load(ctx)
			if err != nil {
				s.logger.Warn("failed to reload flags after file change", zap.Error(err))
				continue
			}
			s.metrics.watchReload()
			s.logger.Info("reloaded flags after file change", zap.Any("flags", flags.Map()))
		}
	}
}

// Backups lists the document's backup files, newest first.
func (s *FlagService) Backups() ([]storage.BackupInfo, error) {
	return s.store.Backups()
}

// CleanupBackups removes backups older than maxAge and reports how
// many files were removed and how many bytes that freed.
func (s *FlagService) CleanupBackups(maxAge time.Duration) (int, int64, error) {
	start := time.Now()
	removed, freed, err := s.store.CleanupBackups(maxAge)
	s.metrics.storageOp("cleanup", time.Since(start))
	if err != nil {
		return removed, freed, fmt.Errorf("failed to clean up backups: %w", err)
	}

	s.metrics.backupsPruned(removed)
	if removed > 0 {
		s.logger.Info("pruned old backups",
			zap.Int("removed", removed),
			zap.Int64("freed_bytes", freed),
			zap.Duration("max_age", maxAge),
		)
	}
	return removed, freed, nil
}
