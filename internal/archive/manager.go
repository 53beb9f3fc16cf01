package archive

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/andywolf/baton/internal/agent"
	"github.com/andywolf/baton/internal/config"
	"github.com/andywolf/baton/internal/errkind"
	"github.com/andywolf/baton/internal/events"
	"github.com/andywolf/baton/internal/logging"
	"github.com/andywolf/baton/internal/security"
	"github.com/andywolf/baton/internal/workspace"
)

// Options apply to every mutating lifecycle operation.
type Options struct {
	// DryRun reports what would happen without touching anything.
	DryRun bool
	// Force bypasses the minimum-retention floor.
	Force bool
}

// ActionKind is what an operation did (or would do) to one file.
type ActionKind string

const (
	ActionCompress ActionKind = "compress"
	ActionDelete   ActionKind = "delete"
	ActionPrune    ActionKind = "prune"
	ActionSkip     ActionKind = "skip"
	ActionFail     ActionKind = "fail"
)

// Action is one line of a Report.
type Action struct {
	Kind   ActionKind    `json:"kind"`
	Path   string        `json:"path"`
	Agent  string        `json:"agent,omitempty"`
	Age    time.Duration `json:"age"`
	Bytes  int64         `json:"bytes,omitempty"`
	Reason string        `json:"reason,omitempty"`
	Err    error         `json:"-"`
}

// Report summarises an archive or cleanup run.
type Report struct {
	Operation string   `json:"operation"`
	DryRun    bool     `json:"dry_run"`
	Actions   []Action `json:"actions"`
}

func (r *Report) add(a Action) {
	r.Actions = append(r.Actions, a)
}

// Count returns how many actions are of kind k.
func (r *Report) Count(k ActionKind) int {
	n := 0
	for _, a := range r.Actions {
		if a.Kind == k {
			n++
		}
	}
	return n
}

// Err joins every per-file failure, nil if there were none.
func (r *Report) Err() error {
	var errs []error
	for _, a := range r.Actions {
		if a.Kind == ActionFail && a.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", a.Path, a.Err))
		}
	}
	return errors.Join(errs...)
}

// Manager runs lifecycle operations against one state directory.
type Manager struct {
	cfg       *config.LifecycleConfig
	layout    workspace.Layout
	index     *IndexStore
	validator *security.Validator
	executor  *security.Executor
	logger    logging.Interface
	recorder  events.Recorder
	now       func() time.Time
	freeSpace func(string) (uint64, error)
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the operational logger.
func WithLogger(l logging.Interface) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithRecorder sets where lifecycle and security events go.
func WithRecorder(r events.Recorder) ManagerOption {
	return func(m *Manager) {
		if r != nil {
			m.recorder = r
		}
	}
}

// WithExecutor sets the executor used for disk usage probes.
func WithExecutor(e *security.Executor) ManagerOption {
	return func(m *Manager) {
		m.executor = e
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a Manager for cfg.StateDir.
func NewManager(cfg *config.LifecycleConfig, opts ...ManagerOption) *Manager {
	layout := workspace.NewLayout(cfg.StateDir)
	m := &Manager{
		cfg:       cfg,
		layout:    layout,
		index:     NewIndexStore(layout, cfg.LockTimeout),
		logger:    logging.Nop(),
		recorder:  events.Discard,
		now:       time.Now,
		freeSpace: freeBytes,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.validator = security.NewValidator(cfg.StateDir, m.recorder)
	if m.executor == nil {
		m.executor = security.NewExecutor(
			security.WithExecTimeout(cfg.ExecTimeout),
			security.WithRecorder(m.recorder),
		)
	}
	return m
}

// Index exposes the index store.
func (m *Manager) Index() *IndexStore {
	return m.index
}

// NewEntry builds the index record for a freshly written archive file.
func NewEntry(rel string, meta Metadata, data []byte) Entry {
	return Entry{
		ID:             uuid.New().String(),
		Agent:          meta.Agent,
		File:           rel,
		CreatedAt:      meta.ArchivedAt,
		OriginalLines:  meta.OriginalLines,
		OriginalBytes:  meta.OriginalBytes,
		RotationReason: meta.RotationReason,
		Checksum:       Checksum(data),
		Bytes:          int64(len(data)),
	}
}

// archiveFile is an archive file found on disk.
type archiveFile struct {
	rel     string
	abs     string
	agent   string
	size    int64
	modTime time.Time
}

// scan lists archive files under every agent's archive directory, oldest
// first.
func (m *Manager) scan() ([]archiveFile, error) {
	var files []archiveFile
	for _, a := range agent.Workers() {
		dir := m.layout.AgentArchiveDir(a)
		entries, err := os.ReadDir(dir)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, errkind.Wrap(errkind.IOError, "scan archive", err)
		}
		for _, de := range entries {
			if de.IsDir() || !IsArchiveFile(de.Name()) {
				continue
			}
			info, err := de.Info()
			if err != nil {
				continue
			}
			files = append(files, archiveFile{
				rel:     filepath.Join(a.String(), de.Name()),
				abs:     filepath.Join(dir, de.Name()),
				agent:   a.String(),
				size:    info.Size(),
				modTime: info.ModTime(),
			})
		}
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.Before(files[j].modTime)
	})
	return files, nil
}

func (m *Manager) record(action, agentName, path, message string) {
	_ = m.recorder.Record(events.Event{ //nolint:errcheck // events are best-effort
		Type:    events.TypeArchive,
		Action:  action,
		Agent:   agentName,
		Path:    path,
		Message: message,
	})
}

func (m *Manager) fail(report *Report, f archiveFile, age time.Duration, err error) {
	report.add(Action{Kind: ActionFail, Path: f.rel, Agent: f.agent, Age: age, Err: err, Reason: err.Error()})
	m.logger.Log(logging.SeverityError, report.Operation+" failed", map[string]interface{}{
		"path":  f.rel,
		"error": err,
	})
	m.record(report.Operation+"_failed", f.agent, f.rel, err.Error())
}
