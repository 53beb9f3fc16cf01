package archive

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/andywolf/baton/internal/agent"
	"github.com/andywolf/baton/internal/config"
	"github.com/andywolf/baton/internal/events"
)

// Age buckets used by Status.
var ageBuckets = []struct {
	label string
	max   time.Duration
}{
	{"<1d", 24 * time.Hour},
	{"1-7d", 7 * 24 * time.Hour},
	{"7-30d", 30 * 24 * time.Hour},
	{">30d", 1<<63 - 1},
}

// Bucket counts files in one age range.
type Bucket struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// FileStats aggregates a set of archive files.
type FileStats struct {
	Count   int           `json:"count"`
	Bytes   int64         `json:"bytes"`
	Oldest  time.Duration `json:"oldest"`
	Newest  time.Duration `json:"newest"`
	Buckets []Bucket      `json:"buckets"`
}

func newFileStats() FileStats {
	s := FileStats{Buckets: make([]Bucket, len(ageBuckets))}
	for i, b := range ageBuckets {
		s.Buckets[i].Label = b.label
	}
	return s
}

func (s *FileStats) add(size int64, age time.Duration) {
	if s.Count == 0 || age > s.Oldest {
		s.Oldest = age
	}
	if s.Count == 0 || age < s.Newest {
		s.Newest = age
	}
	s.Count++
	s.Bytes += size
	for i, b := range ageBuckets {
		if age < b.max {
			s.Buckets[i].Count++
			break
		}
	}
}

// NotesStats describes one agent's live notes file.
type NotesStats struct {
	Agent         string `json:"agent"`
	Exists        bool   `json:"exists"`
	Lines         int    `json:"lines"`
	Bytes         int64  `json:"bytes"`
	Threshold     int    `json:"threshold"`
	NeedsRotation bool   `json:"needs_rotation"`
}

// StatusReport is a read-only snapshot of the lifecycle state.
type StatusReport struct {
	StateDir   string         `json:"state_dir"`
	ConfigFile string         `json:"config_file,omitempty"`
	Config     []config.Entry `json:"config"`
	Notes      []NotesStats   `json:"notes"`
	// Active are uncompressed archive files, Archived compressed ones.
	Active           FileStats `json:"active"`
	Archived         FileStats `json:"archived"`
	IndexEntries     int       `json:"index_entries"`
	CompressionRatio float64   `json:"compression_ratio"`
	IntegrityIssues  int       `json:"integrity_issues"`
	DiskFree         uint64    `json:"disk_free"`
	DiskFreeSource   string    `json:"disk_free_source"`
	SecurityEvents   int       `json:"security_events_24h"`
	Warnings         []string  `json:"warnings,omitempty"`
}

// Status gathers the snapshot. Problems reading individual pieces are
// reported as warnings rather than failing the whole report.
func (m *Manager) Status(ctx context.Context) (*StatusReport, error) {
	now := m.now()
	report := &StatusReport{
		StateDir:   m.layout.Root,
		ConfigFile: m.cfg.ConfigFile,
		Config:     m.cfg.Entries(),
		Active:     newFileStats(),
		Archived:   newFileStats(),
	}

	for _, a := range agent.Workers() {
		report.Notes = append(report.Notes, m.notesStats(a))
	}

	files, err := m.scan()
	if err != nil {
		report.Warnings = append(report.Warnings, err.Error())
	}
	for _, f := range files {
		age := now.Sub(f.modTime)
		if AlgorithmForPath(f.rel) == AlgorithmNone {
			report.Active.add(f.size, age)
		} else {
			report.Archived.add(f.size, age)
		}
	}

	if idx, err := m.index.Load(); err != nil {
		report.Warnings = append(report.Warnings, err.Error())
	} else {
		report.IndexEntries = len(idx.Entries)
		var raw, packed int64
		for _, e := range idx.Entries {
			if e.Compressed && e.CompressedBytes > 0 {
				raw += e.Bytes
				packed += e.CompressedBytes
			}
		}
		if packed > 0 {
			report.CompressionRatio = float64(raw) / float64(packed)
		}
	}

	if verify, err := m.Verify(ctx); err != nil {
		report.Warnings = append(report.Warnings, err.Error())
	} else {
		report.IntegrityIssues = len(verify.Issues)
	}

	report.DiskFree, report.DiskFreeSource = m.diskFree(ctx)

	recent, err := events.ReadEvents(filepath.Join(m.layout.LogsDir(), events.DefaultFilename))
	if err != nil {
		report.Warnings = append(report.Warnings, err.Error())
	}
	recent = events.FilterSince(events.FilterByType(recent, events.TypeSecurity), now.Add(-24*time.Hour))
	report.SecurityEvents = len(recent)

	return report, nil
}

func (m *Manager) notesStats(a agent.Agent) NotesStats {
	stats := NotesStats{Agent: a.String(), Threshold: m.cfg.RotationThreshold}
	data, err := os.ReadFile(m.layout.NotesFile(a))
	if err != nil {
		return stats
	}
	stats.Exists = true
	stats.Lines = CountLines(data)
	stats.Bytes = int64(len(data))
	stats.NeedsRotation = stats.Lines > stats.Threshold
	return stats
}

// diskFree asks df first and falls back to statfs.
func (m *Manager) diskFree(ctx context.Context) (uint64, string) {
	target := nearestExisting(m.layout.Root)
	if out, err := m.executor.Run(ctx, "df", "-Pk", target); err == nil {
		if kb, ok := parseDFAvailable(out.Stdout); ok {
			return kb * 1024, "df"
		}
	}
	free, err := m.freeSpace(target)
	if err != nil {
		return 0, "unavailable"
	}
	return free, "statfs"
}

// parseDFAvailable extracts the Available column (in KiB) from POSIX df
// output.
func parseDFAvailable(out string) (uint64, bool) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 2 {
		return 0, false
	}
	fields := strings.Fields(lines[len(lines)-1])
	if len(fields) < 4 {
		return 0, false
	}
	kb, err := strconv.ParseUint(fields[3], 10, 64)
	if err != nil {
		return 0, false
	}
	return kb, true
}

// IssueKind classifies an integrity problem.
type IssueKind string

const (
	IssueMissingFile      IssueKind = "missing_file"
	IssueOrphanFile       IssueKind = "orphan_file"
	IssueStaleOriginal    IssueKind = "stale_original"
	IssueChecksumMismatch IssueKind = "checksum_mismatch"
	IssueCorrupt          IssueKind = "corrupt"
	IssueCorruptIndex     IssueKind = "corrupt_index"
)

// Issue is one integrity problem.
type Issue struct {
	Kind    IssueKind `json:"kind"`
	Path    string    `json:"path"`
	EntryID string    `json:"entry_id,omitempty"`
	Detail  string    `json:"detail,omitempty"`
}

// VerifyReport lists every problem Verify found.
type VerifyReport struct {
	Checked int     `json:"checked"`
	Issues  []Issue `json:"issues"`
}

// OK reports whether nothing was found.
func (r *VerifyReport) OK() bool {
	return len(r.Issues) == 0
}

// Verify cross-checks the index against the archive directory and decodes
// every indexed file. It never modifies anything.
func (m *Manager) Verify(ctx context.Context) (*VerifyReport, error) {
	report := &VerifyReport{}

	files, err := m.scan()
	if err != nil {
		return nil, err
	}

	idx, err := m.index.Load()
	if err != nil {
		report.Issues = append(report.Issues, Issue{Kind: IssueCorruptIndex, Path: m.index.Path(), Detail: err.Error()})
		idx = &Index{}
	}

	indexed := make(map[string]bool, len(idx.Entries))
	for _, e := range idx.Entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Checked++
		rel := e.BackingFile()
		indexed[rel] = true

		if e.Compressed {
			indexed[e.File] = true
			if _, err := os.Stat(m.index.Abs(e.File)); err == nil {
				report.Issues = append(report.Issues, Issue{Kind: IssueStaleOriginal, Path: e.File, EntryID: e.ID,
					Detail: "uncompressed original still present"})
			}
		}

		raw, err := os.ReadFile(m.index.Abs(rel))
		if errors.Is(err, os.ErrNotExist) {
			report.Issues = append(report.Issues, Issue{Kind: IssueMissingFile, Path: rel, EntryID: e.ID})
			continue
		}
		if err != nil {
			report.Issues = append(report.Issues, Issue{Kind: IssueCorrupt, Path: rel, EntryID: e.ID, Detail: err.Error()})
			continue
		}
		data, err := Decompress(AlgorithmForPath(rel), raw)
		if err != nil {
			report.Issues = append(report.Issues, Issue{Kind: IssueCorrupt, Path: rel, EntryID: e.ID, Detail: err.Error()})
			continue
		}
		if _, _, err := ParseEntry(data); err != nil {
			report.Issues = append(report.Issues, Issue{Kind: IssueCorrupt, Path: rel, EntryID: e.ID, Detail: err.Error()})
			continue
		}
		if e.Checksum != "" && Checksum(data) != e.Checksum {
			report.Issues = append(report.Issues, Issue{Kind: IssueChecksumMismatch, Path: rel, EntryID: e.ID})
		}
	}

	for _, f := range files {
		if !indexed[f.rel] {
			report.Issues = append(report.Issues, Issue{Kind: IssueOrphanFile, Path: f.rel})
		}
	}
	return report, nil
}
