package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/andywolf/baton/internal/errkind"
	"github.com/andywolf/baton/internal/fileutil"
	"github.com/andywolf/baton/internal/logging"
)

// Archive compresses uncompressed archive files that have aged past the
// active retention window and the minimum-retention floor. Each file is
// validated before and round-trip verified after compression; a failure
// is reported and the batch moves on.
func (m *Manager) Archive(ctx context.Context, opts Options) (*Report, error) {
	report := &Report{Operation: "archive", DryRun: opts.DryRun}

	alg, err := ParseAlgorithm(m.cfg.Compression)
	if err != nil || alg == AlgorithmNone {
		return nil, errkind.New(errkind.InvalidInput, "archive", "unusable compression setting %q", m.cfg.Compression)
	}
	idx, err := m.index.Load()
	if err != nil {
		return nil, err
	}
	files, err := m.scan()
	if err != nil {
		return nil, err
	}

	now := m.now()
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if AlgorithmForPath(f.rel) != AlgorithmNone {
			continue
		}

		age := now.Sub(f.modTime)
		if age < m.cfg.ActiveRetention() {
			report.add(Action{Kind: ActionSkip, Path: f.rel, Agent: f.agent, Age: age, Reason: "within active retention"})
			continue
		}
		if age < m.cfg.MinRetention() && !opts.Force {
			report.add(Action{Kind: ActionSkip, Path: f.rel, Agent: f.agent, Age: age, Reason: "below minimum retention (use --force)"})
			continue
		}

		checksum := ""
		if i, ok := idx.Find(f.rel); ok {
			checksum = idx.Entries[i].Checksum
		}
		written, err := m.compressOne(f, checksum, alg, opts.DryRun)
		if err != nil {
			m.fail(report, f, age, err)
			continue
		}
		report.add(Action{Kind: ActionCompress, Path: f.rel, Agent: f.agent, Age: age, Bytes: written})
	}

	if !opts.DryRun && report.Count(ActionCompress) > 0 {
		m.logger.Log(logging.SeverityInfo, "archived entries", map[string]interface{}{
			"compressed": report.Count(ActionCompress),
			"failed":     report.Count(ActionFail),
			"algorithm":  alg.String(),
		})
	}
	return report, nil
}

// compressOne validates, compresses and verifies one file, then swaps the
// index entry over to the compressed file and removes the original. It
// returns the compressed size.
func (m *Manager) compressOne(f archiveFile, checksum string, alg Algorithm, dryRun bool) (int64, error) {
	const op = "compress archive"

	data, err := os.ReadFile(f.abs)
	if err != nil {
		return 0, errkind.Wrap(errkind.IOError, op, err)
	}
	meta, err := ValidateFile(data, checksum)
	if err != nil {
		return 0, err
	}

	compressed, err := Compress(alg, m.cfg.CompressionLevel, data)
	if err != nil {
		return 0, errkind.Wrap(errkind.IOError, op, err)
	}
	if err := verifyRoundTrip(alg, compressed, data); err != nil {
		return 0, err
	}
	if dryRun {
		return int64(len(compressed)), nil
	}

	dest := f.abs + alg.Extension()
	if _, err := os.Lstat(dest); err == nil {
		return 0, errkind.New(errkind.Conflict, op, "%s already exists", f.rel+alg.Extension())
	}
	if err := fileutil.AtomicWriteFile(dest, compressed, 0600); err != nil {
		return 0, errkind.Wrap(errkind.IOError, op, err)
	}

	// Verify what actually landed on disk before the original goes away.
	onDisk, err := os.ReadFile(dest)
	if err != nil {
		err = errkind.Wrap(errkind.IOError, op, err)
	} else {
		err = verifyRoundTrip(alg, onDisk, data)
	}
	if err != nil {
		_ = os.Remove(dest) //nolint:errcheck // original is still intact
		return 0, err
	}

	// Age is measured from mtime, so the compressed file inherits it.
	if err := os.Chtimes(dest, f.modTime, f.modTime); err != nil {
		m.logger.Log(logging.SeverityWarning, "failed to preserve archive mtime", map[string]interface{}{
			"path":  f.rel,
			"error": err,
		})
	}

	now := m.now().UTC()
	err = m.index.Update(func(idx *Index) error {
		var e Entry
		i, ok := idx.Find(f.rel)
		if ok {
			e = idx.Entries[i]
		} else {
			e = NewEntry(f.rel, *meta, data)
		}
		if e.Checksum == "" {
			e.Checksum = Checksum(data)
		}
		e.Bytes = int64(len(data))
		e.Compressed = true
		e.CompressedFile = f.rel + alg.Extension()
		e.CompressedBytes = int64(len(compressed))
		e.Algorithm = alg
		e.CompressedAt = now
		if ok {
			idx.Entries[i] = e
		} else {
			idx.Entries = append(idx.Entries, e)
		}
		return nil
	})
	if err != nil {
		_ = os.Remove(dest) //nolint:errcheck // index still points at the original
		return 0, err
	}

	if err := os.Remove(f.abs); err != nil && !errors.Is(err, os.ErrNotExist) {
		return 0, errkind.Wrap(errkind.IOError, op, fmt.Errorf("compressed but failed to remove original: %w", err))
	}
	m.record("compress", f.agent, f.rel, fmt.Sprintf("compressed with %s: %d -> %d bytes", alg, len(data), len(compressed)))
	return int64(len(compressed)), nil
}

func verifyRoundTrip(alg Algorithm, compressed, original []byte) error {
	restored, err := Decompress(alg, compressed)
	if err != nil {
		return errkind.Wrap(errkind.CorruptArchive, "verify compression", err)
	}
	if !bytes.Equal(restored, original) {
		return errkind.New(errkind.CorruptArchive, "verify compression", "round-trip produced different content")
	}
	return nil
}

// Cleanup deletes compressed archives older than the archive retention
// window (never anything inside the active window) together with their
// index entries, and prunes index entries whose backing file is gone.
func (m *Manager) Cleanup(ctx context.Context, opts Options) (*Report, error) {
	report := &Report{Operation: "cleanup", DryRun: opts.DryRun}

	idx, err := m.index.Load()
	if err != nil {
		return nil, err
	}
	files, err := m.scan()
	if err != nil {
		return nil, err
	}

	retention := m.cfg.ArchiveRetention()
	if active := m.cfg.ActiveRetention(); active > retention {
		retention = active
	}

	now := m.now()
	deleted := make(map[string]bool)
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if AlgorithmForPath(f.rel) == AlgorithmNone {
			continue
		}
		age := now.Sub(f.modTime)
		if age <= retention {
			report.add(Action{Kind: ActionSkip, Path: f.rel, Agent: f.agent, Age: age, Reason: "within archive retention"})
			continue
		}
		if !opts.DryRun {
			if err := os.Remove(f.abs); err != nil && !errors.Is(err, os.ErrNotExist) {
				m.fail(report, f, age, errkind.Wrap(errkind.IOError, "cleanup", err))
				continue
			}
			m.record("delete", f.agent, f.rel, "deleted after archive retention")
		}
		deleted[f.rel] = true
		report.add(Action{Kind: ActionDelete, Path: f.rel, Agent: f.agent, Age: age, Bytes: f.size})
	}

	for _, e := range idx.Entries {
		rel := e.BackingFile()
		if deleted[rel] {
			continue
		}
		if _, err := os.Stat(m.index.Abs(rel)); errors.Is(err, os.ErrNotExist) {
			report.add(Action{Kind: ActionPrune, Path: rel, Agent: e.Agent, Reason: "backing file missing"})
		}
	}

	if opts.DryRun || (len(deleted) == 0 && report.Count(ActionPrune) == 0) {
		return report, nil
	}

	err = m.index.Update(func(idx *Index) error {
		kept := idx.Entries[:0]
		for _, e := range idx.Entries {
			rel := e.BackingFile()
			if deleted[rel] {
				continue
			}
			if _, err := os.Stat(m.index.Abs(rel)); errors.Is(err, os.ErrNotExist) {
				continue
			}
			kept = append(kept, e)
		}
		idx.Entries = kept
		return nil
	})
	if err != nil {
		return report, err
	}

	m.logger.Log(logging.SeverityInfo, "cleaned up archives", map[string]interface{}{
		"deleted": len(deleted),
		"pruned":  report.Count(ActionPrune),
	})
	return report, nil
}
