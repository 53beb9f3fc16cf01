package notes

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/andywolf/baton/internal/agent"
	"github.com/andywolf/baton/internal/archive"
	"github.com/andywolf/baton/internal/config"
	"github.com/andywolf/baton/internal/errkind"
	"github.com/andywolf/baton/internal/events"
	"github.com/andywolf/baton/internal/fileutil"
	"github.com/andywolf/baton/internal/logging"
	"github.com/andywolf/baton/internal/workspace"
)

// HeaderBudget is the most lines a rotated file spends on its banner,
// section headings and separators.
const HeaderBudget = 5

const (
	criticalHeading  = "## Critical"
	importantHeading = "## Important"
)

// Rotation reasons recorded in archive metadata.
const (
	ReasonThreshold = "threshold"
	ReasonManual    = "manual"
)

// ErrIndexNotUpdated is joined to the error returned alongside a Result
// when the notes were rotated and archived but the index append failed.
var ErrIndexNotUpdated = errors.New("archive index not updated")

// maxNameAttempts bounds the search for a free archive file name when
// several rotations land in the same second.
const maxNameAttempts = 60

// Result describes a completed rotation.
type Result struct {
	Agent            string          `json:"agent"`
	Reason           string          `json:"reason"`
	NotesPath        string          `json:"notes_path"`
	ArchivePath      string          `json:"archive_path"`
	ArchiveFile      string          `json:"archive_file"`
	OriginalLines    int             `json:"original_lines"`
	NewLines         int             `json:"new_lines"`
	Critical         int             `json:"critical"`
	Important        int             `json:"important"`
	DroppedImportant int             `json:"dropped_important"`
	Dropped          int             `json:"dropped"`
	Pruned           []archive.Entry `json:"pruned,omitempty"`
}

// Engine rotates notes files.
type Engine struct {
	layout       workspace.Layout
	index        *archive.IndexStore
	classifier   *Classifier
	threshold    int
	importantCap int
	maxEntries   int
	lockTimeout  time.Duration
	logger       logging.Interface
	recorder     events.Recorder
	now          func() time.Time
	writeFile    func(path string, data []byte, perm os.FileMode) error
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the operational logger.
func WithLogger(l logging.Interface) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithRecorder sets the rotation event sink.
func WithRecorder(r events.Recorder) EngineOption {
	return func(e *Engine) {
		if r != nil {
			e.recorder = r
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

// WithClassifier replaces the default rule table.
func WithClassifier(c *Classifier) EngineOption {
	return func(e *Engine) {
		e.classifier = c
	}
}

// NewEngine creates an Engine for cfg.StateDir.
func NewEngine(cfg *config.LifecycleConfig, opts ...EngineOption) *Engine {
	layout := workspace.NewLayout(cfg.StateDir)
	e := &Engine{
		layout:       layout,
		index:        archive.NewIndexStore(layout, cfg.LockTimeout),
		classifier:   NewClassifier(nil),
		threshold:    cfg.RotationThreshold,
		importantCap: cfg.ImportantCap,
		maxEntries:   cfg.MaxArchiveEntries,
		lockTimeout:  cfg.LockTimeout,
		logger:       logging.Nop(),
		recorder:     events.Discard,
		now:          time.Now,
		writeFile:    fileutil.AtomicWriteFile,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NeedsRotation reports whether the file at path has strictly more lines
// than the threshold, along with its line count. A missing file needs
// nothing.
func (e *Engine) NeedsRotation(path string) (bool, int, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, errkind.Wrap(errkind.IOError, "check rotation", err)
	}
	lines := archive.CountLines(data)
	return lines > e.threshold, lines, nil
}

// CheckAndRotate rotates a's notes if they are over the threshold. It
// returns nil when nothing was done. Rotation is also skipped when it could
// not shrink the file, so calling this repeatedly never re-archives the
// same content.
func (e *Engine) CheckAndRotate(a agent.Agent) (*Result, error) {
	if a.IsNone() {
		return nil, errkind.New(errkind.InvalidAgent, "check rotation", "cannot rotate notes for %s", a)
	}
	path := e.layout.NotesFile(a)
	needed, lines, err := e.NeedsRotation(path)
	if err != nil || !needed {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errkind.Wrap(errkind.IOError, "check rotation", err)
	}
	planned, _ := e.assemble(a, e.now(), splitLines(data))
	if len(planned) >= lines {
		e.logger.Log(logging.SeverityWarning, "notes over threshold but nothing can be dropped", map[string]interface{}{
			"agent": a.String(),
			"lines": lines,
		})
		return nil, nil
	}
	return e.Rotate(a, ReasonThreshold)
}

// Rotate archives a's notes verbatim and rewrites them with the critical
// lines and the newest important lines. Any failure after the backup is
// taken restores the original file and returns RotationFailed.
func (e *Engine) Rotate(a agent.Agent, reason string) (*Result, error) {
	if a.IsNone() {
		return nil, errkind.New(errkind.InvalidAgent, "rotate notes", "cannot rotate notes for %s", a)
	}
	var res *Result
	err := fileutil.WithLock(e.layout.LockFile("notes-"+a.String()), e.lockTimeout, func() error {
		var err error
		res, err = e.rotate(a, reason)
		return err
	})
	if errors.Is(err, fileutil.ErrLockTimeout) {
		return nil, errkind.Wrap(errkind.IOError, "rotate notes", err)
	}
	return res, err
}

func (e *Engine) rotate(a agent.Agent, reason string) (*Result, error) {
	const op = "rotate notes"

	notesPath := e.layout.NotesFile(a)
	original, err := os.ReadFile(notesPath)
	if err != nil {
		return nil, errkind.Wrap(errkind.IOError, op, err)
	}
	now := e.now().UTC().Truncate(time.Second)
	lines := splitLines(original)

	// 1. Backup.
	backup := filepath.Join(e.layout.BackupsDir(),
		fmt.Sprintf("%s-%s-notes.md.bak", now.Format(archive.TimestampLayout), a))
	if err := os.MkdirAll(e.layout.BackupsDir(), 0700); err != nil {
		return nil, errkind.Wrap(errkind.IOError, op, err)
	}
	if err := fileutil.AtomicWriteFile(backup, original, 0600); err != nil {
		return nil, errkind.Wrap(errkind.IOError, op, fmt.Errorf("backup: %w", err))
	}

	archivePath := ""
	rollback := func(cause error) error {
		if archivePath != "" {
			_ = os.Remove(archivePath) //nolint:errcheck // partial archive
		}
		if err := e.restoreBackup(backup, notesPath); err != nil {
			e.logger.Log(logging.SeverityCritical, "rotation rollback failed, backup kept", map[string]interface{}{
				"agent":  a.String(),
				"backup": backup,
				"error":  err,
			})
			return errkind.Wrap(errkind.RotationFailed, op,
				fmt.Errorf("%w (rollback failed, backup kept at %s: %v)", cause, backup, err))
		}
		_ = os.Remove(backup) //nolint:errcheck // original is back in place
		return errkind.Wrap(errkind.RotationFailed, op, cause)
	}

	// 2. Archive the verbatim content.
	meta := archive.Metadata{
		ArchivedAt:     now,
		OriginalLines:  archive.CountLines(original),
		OriginalBytes:  int64(len(original)),
		RotationReason: reason,
		Agent:          a.String(),
	}
	entryData, err := archive.RenderEntry(meta, original)
	if err != nil {
		return nil, rollback(err)
	}
	archivePath, err = e.writeArchive(a, now, entryData)
	if err != nil {
		return nil, rollback(err)
	}

	// 3-4. Classify and assemble.
	kept, stats := e.assemble(a, now, lines)
	content := ""
	if len(kept) > 0 {
		content = strings.Join(kept, "\n") + "\n"
	}

	// 5. Replace.
	if err := e.writeFile(notesPath, []byte(content), 0600); err != nil {
		return nil, rollback(err)
	}
	_ = os.Remove(backup) //nolint:errcheck // rotation succeeded

	rel, err := e.index.Rel(archivePath)
	if err != nil {
		rel = filepath.Join(a.String(), filepath.Base(archivePath))
	}
	res := &Result{
		Agent:            a.String(),
		Reason:           reason,
		NotesPath:        notesPath,
		ArchivePath:      archivePath,
		ArchiveFile:      rel,
		OriginalLines:    meta.OriginalLines,
		NewLines:         len(kept),
		Critical:         stats.critical,
		Important:        stats.important,
		DroppedImportant: stats.droppedImportant,
		Dropped:          stats.dropped,
	}

	e.logger.Log(logging.SeverityInfo, "rotated notes", map[string]interface{}{
		"agent":          a.String(),
		"reason":         reason,
		"original_lines": res.OriginalLines,
		"new_lines":      res.NewLines,
		"archive":        rel,
	})
	_ = e.recorder.Record(events.Event{ //nolint:errcheck // events are best-effort
		Type:    events.TypeRotation,
		Action:  "rotate",
		Agent:   a.String(),
		Path:    rel,
		Message: fmt.Sprintf("rotated %d lines down to %d", res.OriginalLines, res.NewLines),
		Fields: map[string]string{
			"reason":    reason,
			"critical":  fmt.Sprint(res.Critical),
			"important": fmt.Sprint(res.Important),
		},
	})

	// 6. Index. The rotation itself already succeeded; an unindexed
	// archive file is picked up again by archive and reported by verify.
	pruned, err := e.index.Append(archive.NewEntry(rel, meta, entryData), e.maxEntries)
	if err != nil {
		e.logger.Log(logging.SeverityWarning, "archive index not updated", map[string]interface{}{
			"agent":   a.String(),
			"archive": rel,
			"error":   err,
		})
		return res, fmt.Errorf("%w: %w", ErrIndexNotUpdated, err)
	}
	res.Pruned = pruned
	return res, nil
}

// writeArchive creates the archive file without clobbering, moving the
// name forward a second at a time on collision.
func (e *Engine) writeArchive(a agent.Agent, ts time.Time, data []byte) (string, error) {
	dir := e.layout.AgentArchiveDir(a)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	for i := 0; i < maxNameAttempts; i++ {
		path := filepath.Join(dir, archive.FileName(ts.Add(time.Duration(i)*time.Second)))
		err := fileutil.CreateExclusive(path, data, 0600)
		if err == nil {
			return path, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", err
		}
	}
	return "", fmt.Errorf("no free archive name near %s", archive.FileName(ts))
}

func (e *Engine) restoreBackup(backup, notesPath string) error {
	return fileutil.CopyFile(backup, notesPath)
}

type assembleStats struct {
	critical         int
	important        int
	droppedImportant int
	dropped          int
}

// assemble builds the rotated file: banner, critical section, then the
// newest importantCap important lines. The result never has more lines than
// the input; decoration goes first, then the oldest important lines.
func (e *Engine) assemble(a agent.Agent, now time.Time, lines []string) ([]string, assembleStats) {
	c := e.classifier.Split(lines)

	important := c.Important
	if e.importantCap >= 0 && len(important) > e.importantCap {
		important = important[len(important)-e.importantCap:]
	}

	out := []string{fmt.Sprintf("# %s notes (rotated %s)", a, now.UTC().Format(time.RFC3339)), ""}
	if len(c.Critical) > 0 {
		out = append(out, criticalHeading)
		out = append(out, c.Critical...)
		if len(important) > 0 {
			out = append(out, "")
		}
	}
	if len(important) > 0 {
		out = append(out, importantHeading)
		out = append(out, important...)
	}

	if len(out) > len(lines) {
		room := len(lines) - len(c.Critical)
		if room < len(important) {
			important = important[len(important)-room:]
		}
		out = make([]string, 0, len(c.Critical)+len(important))
		out = append(out, c.Critical...)
		out = append(out, important...)
	}

	stats := assembleStats{
		critical:         len(c.Critical),
		important:        len(important),
		droppedImportant: len(c.Important) - len(important),
		dropped:          c.Normal + c.Temporary,
	}
	return out, stats
}
