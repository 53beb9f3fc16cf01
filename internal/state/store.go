// Package state is the single source of truth for which agent is active.
// Components depend on the Store interface, never on the file path.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/andywolf/baton/internal/agent"
	"github.com/andywolf/baton/internal/errkind"
	"github.com/andywolf/baton/internal/fileutil"
)

// MaxStateFileBytes caps the state file; anything larger is treated as corrupt.
const MaxStateFileBytes = 64 * 1024

// ActiveAgentState is the persisted record.
type ActiveAgentState struct {
	CurrentAgent agent.Agent `json:"current_agent"`
	LastUpdated  time.Time   `json:"last_updated"`
}

// Store reads and commits the active agent.
type Store interface {
	// Read never fails: an absent or unusable record reads as agent.None.
	Read() ActiveAgentState
	// CommitAtomic replaces the record. Readers never see a partial write.
	CommitAtomic(a agent.Agent) error
}

// FileStore keeps the state in a JSON file.
type FileStore struct {
	path string
	now  func() time.Time
}

// NewFileStore creates a FileStore backed by path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, now: time.Now}
}

// Path returns the backing file.
func (s *FileStore) Path() string {
	return s.path
}

// Read returns the recorded state, or None if the file is absent, corrupt,
// oversized or names an agent outside the whitelist.
func (s *FileStore) Read() ActiveAgentState {
	st, _ := s.Inspect() //nolint:errcheck // degraded reads are None by contract
	return st
}

// Inspect is Read plus the reason the record was ignored, if any. A missing
// file is not an error.
func (s *FileStore) Inspect() (ActiveAgentState, error) {
	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return ActiveAgentState{}, nil
	}
	if err != nil {
		return ActiveAgentState{}, errkind.Wrap(errkind.IOError, "read state", err)
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(io.LimitReader(f, MaxStateFileBytes+1))
	if err != nil {
		return ActiveAgentState{}, errkind.Wrap(errkind.IOError, "read state", err)
	}
	if len(data) > MaxStateFileBytes {
		return ActiveAgentState{}, errkind.New(errkind.InvalidInput, "read state",
			"state file exceeds %d bytes", MaxStateFileBytes)
	}

	var st ActiveAgentState
	if err := json.Unmarshal(data, &st); err != nil {
		return ActiveAgentState{}, errkind.Wrap(errkind.InvalidInput, "read state", fmt.Errorf("corrupt state file: %w", err))
	}
	return st, nil
}

// CommitAtomic writes {current_agent, last_updated} via temp file + rename.
// On failure the previous file is untouched.
func (s *FileStore) CommitAtomic(a agent.Agent) error {
	st := ActiveAgentState{
		CurrentAgent: a,
		LastUpdated:  s.now().UTC().Truncate(time.Second),
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return errkind.Wrap(errkind.IOError, "commit state", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return errkind.Wrap(errkind.IOError, "commit state", err)
	}
	if err := fileutil.AtomicWriteFile(s.path, data, 0600); err != nil {
		return errkind.Wrap(errkind.IOError, "commit state", err)
	}
	return nil
}

// MemoryStore is an in-memory Store for tests. Setting CommitErr makes the
// next commits fail without changing the state.
type MemoryStore struct {
	mu        sync.Mutex
	state     ActiveAgentState
	commits   int
	CommitErr error
}

// NewMemoryStore returns a MemoryStore whose current agent is a.
func NewMemoryStore(a agent.Agent) *MemoryStore {
	return &MemoryStore{state: ActiveAgentState{CurrentAgent: a}}
}

// Read returns the in-memory state.
func (m *MemoryStore) Read() ActiveAgentState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CommitAtomic records a unless CommitErr is set.
func (m *MemoryStore) CommitAtomic(a agent.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CommitErr != nil {
		return errkind.Wrap(errkind.IOError, "commit state", m.CommitErr)
	}
	m.state = ActiveAgentState{CurrentAgent: a, LastUpdated: time.Now().UTC()}
	m.commits++
	return nil
}

// Commits returns how many commits succeeded.
func (m *MemoryStore) Commits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commits
}

var (
	_ Store = (*FileStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
