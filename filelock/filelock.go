// Package filelock provides advisory file locking based on exclusive
// marker files. A lock on /data/flags.json is represented by
// /data/flags.json.lock; creating the marker with O_EXCL makes the
// acquire atomic, so two processes can never both believe they hold
// the lock. Markers left behind by crashed processes are reaped once
// they exceed a stale timeout.
package filelock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultTimeout is how long Acquire waits before giving up.
	DefaultTimeout = 5 * time.Second

	// DefaultPollInterval is how often Acquire retries a held lock.
	DefaultPollInterval = 100 * time.Millisecond

	// DefaultStaleTimeout is the marker age after which a lock is
	// presumed abandoned and may be broken.
	DefaultStaleTimeout = 30 * time.Second
)

var (
	// ErrTimeout is returned when Acquire gives up waiting for the lock.
	ErrTimeout = errors.New("filelock: timeout waiting for lock")

	// ErrNotOwner is returned when Release finds the marker held by a
	// different owner.
	ErrNotOwner = errors.New("filelock: lock held by another owner")
)

// Lock guards a file through an exclusive sibling marker file.
// The zero value is not usable; construct with New.
type Lock struct {
	path         string
	markerPath   string
	owner        string
	timeout      time.Duration
	pollInterval time.Duration
	staleTimeout time.Duration
}

// Option configures a Lock.
type Option func(*Lock)

// WithTimeout sets how long Acquire waits before returning ErrTimeout.
func WithTimeout(d time.Duration) Option {
	return func(l *Lock) {
		l.timeout = d
	}
}

// WithPollInterval sets how often Acquire retries a held lock.
func WithPollInterval(d time.Duration) Option {
	return func(l *Lock) {
		l.pollInterval = d
	}
}

// WithStaleTimeout sets the marker age after which a held lock is
// treated as abandoned and broken. Zero disables stale reaping.
func WithStaleTimeout(d time.Duration) Option {
	return func(l *Lock) {
		l.staleTimeout = d
	}
}

// New creates a lock for the file at path. The marker lives at
// path + ".lock". Each Lock carries a unique owner token so that
// Release only ever removes a marker this Lock created.
func New(path string, opts ...Option) *Lock {
	l := &Lock{
		path:         path,
		markerPath:   path + ".lock",
		owner:        fmt.Sprintf("%s:%d", uuid.NewString(), os.Getpid()),
		timeout:      DefaultTimeout,
		pollInterval: DefaultPollInterval,
		staleTimeout: DefaultStaleTimeout,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Path returns the path of the file the lock guards.
func (l *Lock) Path() string {
	return l.path
}

// MarkerPath returns the path of the marker file.
func (l *Lock) MarkerPath() string {
	return l.markerPath
}

// Acquire blocks until the lock is acquired, the configured timeout
// elapses, or ctx is canceled. On timeout the returned error wraps
// ErrTimeout.
func (l *Lock) Acquire(ctx context.Context) error {
	deadline := time.Now().Add(l.timeout)

	for {
		ok, err := l.TryAcquire()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s after %s", ErrTimeout, l.markerPath, l.timeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.pollInterval):
		}
	}
}

// TryAcquire attempts to take the lock without blocking. It returns
// false when another owner holds a live marker.
func (l *Lock) TryAcquire() (bool, error) {
	ok, err := l.create()
	if err != nil || ok {
		return ok, err
	}

	// The marker exists. If it is old enough to be a leftover from a
	// crashed process, break it and try once more.
	broke, err := l.breakStale()
	if err != nil || !broke {
		return false, err
	}

	return l.create()
}

// create makes the marker file atomically. It returns false without
// error when the marker already exists.
func (l *Lock) create() (bool, error) {
	f, err := os.OpenFile(l.markerPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("create lock marker %s: %w", l.markerPath, err)
	}

	if _, err := f.WriteString(l.owner); err != nil {
		f.Close()
		os.Remove(l.markerPath)
		return false, fmt.Errorf("write lock marker %s: %w", l.markerPath, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(l.markerPath)
		return false, fmt.Errorf("close lock marker %s: %w", l.markerPath, err)
	}

	return true, nil
}

// breakStale removes the marker when it is older than the stale
// timeout. It reports whether the marker was removed.
func (l *Lock) breakStale() (bool, error) {
	if l.staleTimeout <= 0 {
		return false, nil
	}

	info, err := os.Stat(l.markerPath)
	if err != nil {
		if os.IsNotExist(err) {
			// Holder released between our create attempt and now.
			return true, nil
		}
		return false, fmt.Errorf("stat lock marker %s: %w", l.markerPath, err)
	}

	if time.Since(info.ModTime()) < l.staleTimeout {
		return false, nil
	}

	if err := os.Remove(l.markerPath); err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("remove stale lock marker %s: %w", l.markerPath, err)
	}

	return true, nil
}

// Release removes the marker if this Lock owns it. Releasing a lock
// that is not held is a no-op. Releasing a lock held by a different
// owner returns ErrNotOwner and leaves the marker in place.
func (l *Lock) Release() error {
	content, err := os.ReadFile(l.markerPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read lock marker %s: %w", l.markerPath, err)
	}

	if strings.TrimSpace(string(content)) != l.owner {
		return fmt.Errorf("%w: %s", ErrNotOwner, l.markerPath)
	}

	if err := os.Remove(l.markerPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock marker %s: %w", l.markerPath, err)
	}

	return nil
}

// Holder returns the owner token recorded in the marker file. It
// returns false when no lock is held.
func (l *Lock) Holder() (string, bool) {
	content, err := os.ReadFile(l.markerPath)
	if err != nil {
		return "", false
	}
	return strings.TrimSpace(string(content)), true
}
