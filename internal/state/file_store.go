package state

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// DefaultGuardTTL is how long a run guard is honored before it is considered stale.
const DefaultGuardTTL = 30 * time.Minute

// A lock file older than this was left by a crashed process.
const (
	lockStaleAfter    = 10 * time.Second
	lockWait          = 5 * time.Second
	lockRetryInterval = 10 * time.Millisecond
)

// Run guard states in the state file.
const (
	StatusIdle    = 0
	StatusRunning = 1
)

// FileConfig configures the file-backed state store.
type FileConfig struct {
	Path          string
	InitialCursor int64
	GuardTTL      time.Duration
}

type fileState struct {
	Cursor      int64     `yaml:"cursor"`
	Status      int       `yaml:"status"`
	StatusSince time.Time `yaml:"status_since,omitempty"`
	Owner       string    `yaml:"owner,omitempty"`
}

// FileStore keeps the cursor and the run guard in a small YAML file.
type FileStore struct {
	mu            sync.Mutex
	path          string
	initialCursor int64
	guardTTL      time.Duration
	token         string
	now           func() time.Time
}

// NewFileStore creates a file-backed state store. The file is created on
// first write.
func NewFileStore(cfg FileConfig) (*FileStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("state file path is empty")
	}
	if cfg.GuardTTL <= 0 {
		cfg.GuardTTL = DefaultGuardTTL
	}
	return &FileStore{
		path:          cfg.Path,
		initialCursor: cfg.InitialCursor,
		guardTTL:      cfg.GuardTTL,
		token:         uuid.NewString(),
		now:           time.Now,
	}, nil
}

// LoadCursor returns the stored cursor, or the initial cursor when the file
// does not exist yet.
func (s *FileStore) LoadCursor(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.read()
	if err != nil {
		return 0, err
	}
	return st.Cursor, nil
}

// SaveCursor stores cursor unless a higher value is already stored.
func (s *FileStore) SaveCursor(ctx context.Context, cursor int64) error {
	unlock, err := s.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	st, err := s.read()
	if err != nil {
		return err
	}
	if cursor <= st.Cursor {
		return nil
	}
	st.Cursor = cursor
	return s.write(st)
}

// Acquire marks a run in progress. A running status older than the guard
// TTL is treated as left over from a crashed run.
func (s *FileStore) Acquire(ctx context.Context) (bool, error) {
	unlock, err := s.lock(ctx)
	if err != nil {
		return false, err
	}
	defer unlock()

	st, err := s.read()
	if err != nil {
		return false, err
	}
	now := s.now()
	if st.Status == StatusRunning && now.Sub(st.StatusSince) < s.guardTTL {
		return false, nil
	}
	st.Status = StatusRunning
	st.StatusSince = now
	st.Owner = s.token
	if err := s.write(st); err != nil {
		return false, err
	}
	return true, nil
}

// Refresh restarts the guard TTL. It reports false when the guard is no
// longer held by this store.
func (s *FileStore) Refresh(ctx context.Context) (bool, error) {
	unlock, err := s.lock(ctx)
	if err != nil {
		return false, err
	}
	defer unlock()

	st, err := s.read()
	if err != nil {
		return false, err
	}
	if st.Status != StatusRunning || st.Owner != s.token {
		return false, nil
	}
	st.StatusSince = s.now()
	if err := s.write(st); err != nil {
		return false, err
	}
	return true, nil
}

// Release marks the run finished unless another store has taken the guard over.
func (s *FileStore) Release(ctx context.Context) error {
	unlock, err := s.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	st, err := s.read()
	if err != nil {
		return err
	}
	if st.Status == StatusRunning && st.Owner != s.token {
		return nil
	}
	st.Status = StatusIdle
	st.StatusSince = s.now()
	st.Owner = ""
	return s.write(st)
}

// lock serializes read-modify-write cycles across processes sharing the
// state file through an exclusively created lock file next to it.
func (s *FileStore) lock(ctx context.Context) (func(), error) {
	s.mu.Lock()

	lockPath := s.path + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, lockWait)
	defer cancel()
	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			f.Close()
			return func() {
				os.Remove(lockPath)
				s.mu.Unlock()
			}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			s.mu.Unlock()
			return nil, fmt.Errorf("create state lock: %w", err)
		}
		if info, statErr := os.Stat(lockPath); statErr == nil && time.Since(info.ModTime()) > lockStaleAfter {
			os.Remove(lockPath)
			continue
		}
		select {
		case <-ctx.Done():
			s.mu.Unlock()
			return nil, fmt.Errorf("wait for state lock %s: %w", lockPath, ctx.Err())
		case <-time.After(lockRetryInterval):
		}
	}
}

func (s *FileStore) read() (fileState, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return fileState{Cursor: s.initialCursor, Status: StatusIdle}, nil
	}
	if err != nil {
		return fileState{}, fmt.Errorf("read state file: %w", err)
	}
	var st fileState
	if err := yaml.Unmarshal(data, &st); err != nil {
		return fileState{}, fmt.Errorf("parse state file %s: %w", s.path, err)
	}
	return st, nil
}

// write replaces the state file atomically.
func (s *FileStore) write(st fileState) error {
	data, err := yaml.Marshal(&st)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}
