package archive

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/andywolf/baton/internal/errkind"
	"github.com/andywolf/baton/internal/fileutil"
	"github.com/andywolf/baton/internal/logging"
)

// RestoreResult describes a restore, planned or performed.
type RestoreResult struct {
	Source      string    `json:"source"`
	Destination string    `json:"destination"`
	Agent       string    `json:"agent"`
	Bytes       int64     `json:"bytes"`
	Algorithm   Algorithm `json:"algorithm,omitempty"`
	Summary     string    `json:"summary"`
	DryRun      bool      `json:"dry_run"`
}

// Restore decompresses archivePath into targetDir (the state directory when
// empty). Both paths must resolve inside the state directory. The archive is
// fully decoded and validated before anything is written, and an existing
// destination is never overwritten.
func (m *Manager) Restore(ctx context.Context, archivePath, targetDir string, opts Options) (*RestoreResult, error) {
	const op = "restore"

	src, err := m.validator.SanitizePath(archivePath)
	if err != nil {
		return nil, err
	}
	if targetDir == "" {
		targetDir = m.layout.Root
	}
	dstDir, err := m.validator.SanitizePath(targetDir)
	if err != nil {
		return nil, err
	}
	if !IsArchiveFile(src) {
		return nil, errkind.New(errkind.InvalidInput, op, "%s is not an archive file", filepath.Base(src))
	}

	raw, err := os.ReadFile(src)
	if err != nil {
		return nil, errkind.Wrap(errkind.IOError, op, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	alg := AlgorithmForPath(src)
	data, err := Decompress(alg, raw)
	if err != nil {
		return nil, errkind.Wrap(errkind.CorruptArchive, op, err)
	}
	meta, err := ValidateFile(data, m.expectedChecksum(src))
	if err != nil {
		return nil, err
	}

	if err := checkResources(dstDir, m.freeSpace); err != nil {
		return nil, err
	}

	dest := filepath.Join(dstDir, StripExtension(filepath.Base(src)))
	if _, err := os.Lstat(dest); err == nil {
		return nil, errkind.New(errkind.Conflict, op, "%s already exists", dest)
	}

	result := &RestoreResult{
		Source:      src,
		Destination: dest,
		Agent:       meta.Agent,
		Bytes:       int64(len(data)),
		Algorithm:   alg,
		Summary:     describe(meta),
		DryRun:      opts.DryRun,
	}
	if opts.DryRun {
		return result, nil
	}

	if err := os.MkdirAll(dstDir, 0700); err != nil {
		return nil, errkind.Wrap(errkind.IOError, op, err)
	}
	if err := fileutil.CreateExclusive(dest, data, 0600); err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, errkind.New(errkind.Conflict, op, "%s already exists", dest)
		}
		return nil, errkind.Wrap(errkind.IOError, op, err)
	}

	m.logger.Log(logging.SeverityInfo, "restored archive", map[string]interface{}{
		"source":      src,
		"destination": dest,
		"bytes":       len(data),
	})
	m.record("restore", meta.Agent, dest, "restored "+result.Summary)
	return result, nil
}

// expectedChecksum looks up the recorded checksum for an archive path. An
// unreadable index or unknown file yields "", which skips the comparison.
func (m *Manager) expectedChecksum(path string) string {
	base := m.index.ArchiveDir()
	if resolved, err := filepath.EvalSymlinks(base); err == nil {
		base = resolved
	}
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return ""
	}
	idx, err := m.index.Load()
	if err != nil {
		return ""
	}
	if i, ok := idx.Find(rel); ok {
		return idx.Entries[i].Checksum
	}
	return ""
}
