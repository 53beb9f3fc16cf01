// Package workspace knows where everything lives under the state directory
// and prepares an agent's working files the first time it takes control.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/andywolf/baton/internal/agent"
)

// Layout resolves paths inside a state directory.
type Layout struct {
	Root string
}

// NewLayout returns the layout rooted at stateDir.
func NewLayout(stateDir string) Layout {
	return Layout{Root: stateDir}
}

// StateFile is the active-agent record.
func (l Layout) StateFile() string {
	return filepath.Join(l.Root, "active-agent.json")
}

// AgentDir holds an agent's notes and identity files.
func (l Layout) AgentDir(a agent.Agent) string {
	return filepath.Join(l.Root, "agents", a.String())
}

// NotesFile is the agent's working-memory file.
func (l Layout) NotesFile(a agent.Agent) string {
	return filepath.Join(l.AgentDir(a), "notes.md")
}

// IdentityFile describes the agent's role.
func (l Layout) IdentityFile(a agent.Agent) string {
	return filepath.Join(l.AgentDir(a), "identity.md")
}

// HandoversDir holds handover documents.
func (l Layout) HandoversDir() string {
	return filepath.Join(l.Root, "handovers")
}

// ArchiveDir holds archive files, one subdirectory per agent.
func (l Layout) ArchiveDir() string {
	return filepath.Join(l.Root, "archive")
}

// AgentArchiveDir holds a single agent's archive files.
func (l Layout) AgentArchiveDir(a agent.Agent) string {
	return filepath.Join(l.ArchiveDir(), a.String())
}

// IndexFile is the archive index journal.
func (l Layout) IndexFile() string {
	return filepath.Join(l.ArchiveDir(), "index.json")
}

// BackupsDir holds transient pre-rotation backups.
func (l Layout) BackupsDir() string {
	return filepath.Join(l.Root, "backups")
}

// LogsDir holds the operational log and the event journal.
func (l Layout) LogsDir() string {
	return filepath.Join(l.Root, "logs")
}

// LogFile is the structured operational log.
func (l Layout) LogFile() string {
	return filepath.Join(l.LogsDir(), "baton.log")
}

// LockFile returns the advisory lock path for name.
func (l Layout) LockFile(name string) string {
	return filepath.Join(l.Root, "locks", name+".lock")
}

// EnsureDirs creates the fixed directory skeleton.
func (l Layout) EnsureDirs() error {
	dirs := []string{
		l.Root,
		filepath.Join(l.Root, "agents"),
		l.HandoversDir(),
		l.ArchiveDir(),
		l.BackupsDir(),
		l.LogsDir(),
		filepath.Join(l.Root, "locks"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}
