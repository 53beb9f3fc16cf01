package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/andywolf/baton/internal/agent"
	"github.com/andywolf/baton/internal/config"
	"github.com/andywolf/baton/internal/errkind"
	"github.com/andywolf/baton/internal/events"
	"github.com/andywolf/baton/internal/workspace"
)

const day = 24 * time.Hour

type fixture struct {
	m      *Manager
	cfg    *config.LifecycleConfig
	layout workspace.Layout
	sink   *events.MemorySink
	now    time.Time
}

func newFixture(t *testing.T, mutate ...func(*config.LifecycleConfig)) *fixture {
	t.Helper()
	project, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.Default(project)
	for _, fn := range mutate {
		fn(cfg)
	}
	layout := workspace.NewLayout(cfg.StateDir)
	if err := layout.EnsureDirs(); err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	sink := &events.MemorySink{}
	m := NewManager(cfg, WithClock(func() time.Time { return now }), WithRecorder(sink))
	m.freeSpace = func(string) (uint64, error) { return 1 << 30, nil }
	return &fixture{m: m, cfg: cfg, layout: layout, sink: sink, now: now}
}

// writeArchive creates an uncompressed archive file aged age and returns its
// index-relative path and raw bytes.
func (f *fixture) writeArchive(t *testing.T, a agent.Agent, content string, age time.Duration, indexed bool) (string, []byte) {
	t.Helper()
	ts := f.now.Add(-age).Truncate(time.Second)
	meta := Metadata{
		ArchivedAt:     ts.UTC(),
		OriginalLines:  CountLines([]byte(content)),
		OriginalBytes:  int64(len(content)),
		RotationReason: "threshold",
		Agent:          a.String(),
	}
	data, err := RenderEntry(meta, []byte(content))
	if err != nil {
		t.Fatal(err)
	}

	rel := filepath.Join(a.String(), FileName(ts))
	abs := f.m.index.Abs(rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(abs, data, 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(abs, ts, ts); err != nil {
		t.Fatal(err)
	}
	if indexed {
		if _, err := f.m.index.Append(NewEntry(rel, meta, data), 0); err != nil {
			t.Fatal(err)
		}
	}
	return rel, data
}

func (f *fixture) loadIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := f.m.index.Load()
	if err != nil {
		t.Fatal(err)
	}
	return idx
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestArchive_CompressesOnlyAgedEntries(t *testing.T) {
	f := newFixture(t)
	oldRel, oldData := f.writeArchive(t, agent.Planner, "- CRITICAL: old decision\n", 8*day, true)
	freshRel, _ := f.writeArchive(t, agent.Planner, "fresh\n", 1*day, true)

	report, err := f.m.Archive(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Archive failed: %v", err)
	}
	if report.Count(ActionCompress) != 1 || report.Count(ActionSkip) != 1 {
		t.Fatalf("unexpected report: %+v", report.Actions)
	}
	if report.Err() != nil {
		t.Errorf("unexpected failures: %v", report.Err())
	}

	if exists(f.m.index.Abs(oldRel)) {
		t.Error("original should be removed after compression")
	}
	zst := f.m.index.Abs(oldRel + ".zst")
	info, err := os.Stat(zst)
	if err != nil {
		t.Fatalf("compressed file missing: %v", err)
	}
	if want := f.now.Add(-8 * day).Truncate(time.Second); !info.ModTime().Equal(want) {
		t.Errorf("mtime not preserved: got %v, want %v", info.ModTime(), want)
	}
	raw, _ := os.ReadFile(zst)
	restored, err := Decompress(AlgorithmZstd, raw)
	if err != nil || !bytes.Equal(restored, oldData) {
		t.Errorf("compressed content does not round-trip: %v", err)
	}

	if !exists(f.m.index.Abs(freshRel)) {
		t.Error("entry inside the active window must not be touched")
	}

	idx := f.loadIndex(t)
	i, ok := idx.Find(oldRel)
	if !ok {
		t.Fatal("index entry lost")
	}
	e := idx.Entries[i]
	if !e.Compressed || e.CompressedFile != oldRel+".zst" || e.Algorithm != AlgorithmZstd || e.CompressedBytes == 0 {
		t.Errorf("index entry not updated: %+v", e)
	}

	archived := events.FilterByType(f.sink.Events(), events.TypeArchive)
	if len(archived) != 1 || archived[0].Action != "compress" {
		t.Errorf("expected one compress event, got %+v", archived)
	}
}

func TestArchive_DryRunChangesNothing(t *testing.T) {
	f := newFixture(t)
	rel, _ := f.writeArchive(t, agent.Builder, "old\n", 10*day, true)
	before, _ := os.ReadFile(f.m.index.Path())

	report, err := f.m.Archive(context.Background(), Options{DryRun: true})
	if err != nil {
		t.Fatal(err)
	}
	if report.Count(ActionCompress) != 1 || !report.DryRun {
		t.Errorf("expected a planned compression, got %+v", report)
	}
	if !exists(f.m.index.Abs(rel)) || exists(f.m.index.Abs(rel+".zst")) {
		t.Error("dry run touched the archive directory")
	}
	after, _ := os.ReadFile(f.m.index.Path())
	if !bytes.Equal(before, after) {
		t.Error("dry run rewrote the index")
	}
}

func TestArchive_MinimumRetentionFloor(t *testing.T) {
	f := newFixture(t, func(c *config.LifecycleConfig) {
		c.ActiveRetentionDays = 1
		c.MinRetentionDays = 3
	})
	rel, _ := f.writeArchive(t, agent.Planner, "two days old\n", 2*day, true)

	report, err := f.m.Archive(context.Background(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if report.Count(ActionSkip) != 1 || !strings.Contains(report.Actions[0].Reason, "minimum retention") {
		t.Fatalf("expected floor skip, got %+v", report.Actions)
	}
	if !exists(f.m.index.Abs(rel)) {
		t.Fatal("file below the floor was compressed without force")
	}

	report, err = f.m.Archive(context.Background(), Options{Force: true})
	if err != nil {
		t.Fatal(err)
	}
	if report.Count(ActionCompress) != 1 {
		t.Errorf("force should compress, got %+v", report.Actions)
	}
}

func TestArchive_FailureDoesNotStopBatch(t *testing.T) {
	f := newFixture(t)
	badRel, _ := f.writeArchive(t, agent.Planner, "tampered\n", 9*day, true)
	goodRel, _ := f.writeArchive(t, agent.Builder, "fine\n", 9*day, true)

	if err := f.m.index.Update(func(idx *Index) error {
		i, _ := idx.Find(badRel)
		idx.Entries[i].Checksum = Checksum([]byte("something else"))
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	report, err := f.m.Archive(context.Background(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if report.Count(ActionFail) != 1 || report.Count(ActionCompress) != 1 {
		t.Fatalf("unexpected report: %+v", report.Actions)
	}
	if !errors.Is(report.Err(), errkind.CorruptArchive) {
		t.Errorf("expected CorruptArchive in report, got %v", report.Err())
	}
	if !exists(f.m.index.Abs(badRel)) {
		t.Error("failed entry must be left in place")
	}
	if !exists(f.m.index.Abs(goodRel + ".zst")) {
		t.Error("healthy entry should still be compressed")
	}
}

func TestArchive_AdoptsUnindexedFileWithLZ4(t *testing.T) {
	f := newFixture(t, func(c *config.LifecycleConfig) { c.Compression = "lz4" })
	rel, _ := f.writeArchive(t, agent.Planner, "orphan\n", 8*day, false)

	if _, err := f.m.Archive(context.Background(), Options{}); err != nil {
		t.Fatal(err)
	}
	if !exists(f.m.index.Abs(rel + ".lz4")) {
		t.Fatal("expected .lz4 output")
	}
	idx := f.loadIndex(t)
	i, ok := idx.Find(rel + ".lz4")
	if !ok {
		t.Fatal("unindexed file was not adopted into the index")
	}
	if idx.Entries[i].Agent != "planner" || idx.Entries[i].ID == "" {
		t.Errorf("adopted entry incomplete: %+v", idx.Entries[i])
	}
}

func TestCleanup(t *testing.T) {
	f := newFixture(t)
	expiredRel, _ := f.writeArchive(t, agent.Planner, "expired\n", 40*day, true)
	keptRel, _ := f.writeArchive(t, agent.Planner, "kept\n", 10*day, true)
	if _, err := f.m.Archive(context.Background(), Options{}); err != nil {
		t.Fatal(err)
	}
	ghost := Entry{ID: "ghost", Agent: "builder", File: filepath.Join("builder", FileName(f.now.Add(-20*day))), CreatedAt: f.now.Add(-20 * day)}
	if _, err := f.m.index.Append(ghost, 0); err != nil {
		t.Fatal(err)
	}
	// Old uncompressed files are not cleanup's business.
	activeRel, _ := f.writeArchive(t, agent.Builder, "active\n", 40*day, true)

	report, err := f.m.Cleanup(context.Background(), Options{DryRun: true})
	if err != nil {
		t.Fatal(err)
	}
	if report.Count(ActionDelete) != 1 || report.Count(ActionPrune) != 1 {
		t.Fatalf("unexpected dry-run report: %+v", report.Actions)
	}
	if !exists(f.m.index.Abs(expiredRel + ".zst")) {
		t.Fatal("dry run deleted a file")
	}

	if _, err := f.m.Cleanup(context.Background(), Options{}); err != nil {
		t.Fatal(err)
	}
	if exists(f.m.index.Abs(expiredRel + ".zst")) {
		t.Error("expired archive not deleted")
	}
	if !exists(f.m.index.Abs(keptRel + ".zst")) {
		t.Error("archive inside retention was deleted")
	}
	if !exists(f.m.index.Abs(activeRel)) {
		t.Error("uncompressed file was deleted")
	}

	idx := f.loadIndex(t)
	if len(idx.Entries) != 2 {
		t.Fatalf("expected 2 index entries, got %+v", idx.Entries)
	}
	for _, e := range idx.Entries {
		if e.ID == "ghost" || e.File == expiredRel {
			t.Errorf("stale entry survived cleanup: %+v", e)
		}
	}
}

func TestRestore_RoundTrip(t *testing.T) {
	f := newFixture(t)
	rel, data := f.writeArchive(t, agent.Planner, "- IMPORTANT: restored ✓\nlast line", 8*day, true)
	if _, err := f.m.Archive(context.Background(), Options{}); err != nil {
		t.Fatal(err)
	}
	src := f.m.index.Abs(rel + ".zst")
	dest := filepath.Join(f.cfg.StateDir, filepath.Base(rel))

	result, err := f.m.Restore(context.Background(), src, "", Options{DryRun: true})
	if err != nil {
		t.Fatalf("dry-run restore failed: %v", err)
	}
	if result.Destination != dest || !result.DryRun {
		t.Errorf("unexpected plan: %+v", result)
	}
	if exists(dest) {
		t.Fatal("dry run wrote the destination")
	}

	result, err = f.m.Restore(context.Background(), src, "", Options{})
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Error("restored file is not byte-identical to the archived file")
	}
	if result.Agent != "planner" || result.Bytes != int64(len(data)) {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestRestore_RefusesOverwrite(t *testing.T) {
	f := newFixture(t)
	rel, _ := f.writeArchive(t, agent.Builder, "content\n", 8*day, true)
	if _, err := f.m.Archive(context.Background(), Options{}); err != nil {
		t.Fatal(err)
	}
	src := f.m.index.Abs(rel + ".zst")
	dest := filepath.Join(f.cfg.StateDir, filepath.Base(rel))
	if err := os.WriteFile(dest, []byte("do not touch"), 0600); err != nil {
		t.Fatal(err)
	}

	_, err := f.m.Restore(context.Background(), src, "", Options{})
	if !errors.Is(err, errkind.Conflict) {
		t.Fatalf("expected Conflict, got %v", err)
	}
	got, _ := os.ReadFile(dest)
	if string(got) != "do not touch" {
		t.Error("existing destination was modified")
	}
}

func TestRestore_Failures(t *testing.T) {
	f := newFixture(t)
	rel, _ := f.writeArchive(t, agent.Planner, "content\n", 8*day, true)
	if _, err := f.m.Archive(context.Background(), Options{}); err != nil {
		t.Fatal(err)
	}
	src := f.m.index.Abs(rel + ".zst")

	garbage := f.m.index.Abs(filepath.Join("planner", FileName(f.now.Add(-50*day))+".zst"))
	if err := os.WriteFile(garbage, []byte("not zstd at all"), 0600); err != nil {
		t.Fatal(err)
	}
	outside := t.TempDir()

	tests := []struct {
		name   string
		src    string
		target string
		free   uint64
		want   errkind.Kind
	}{
		{"corrupt archive", garbage, "", 1 << 30, errkind.CorruptArchive},
		{"traversal source", "../../../etc/passwd", "", 1 << 30, errkind.PathTraversal},
		{"sensitive source", "/etc/passwd", "", 1 << 30, errkind.PathTraversal},
		{"target outside state dir", src, outside, 1 << 30, errkind.PathTraversal},
		{"low disk space", src, "", 1024, errkind.InsufficientResources},
		{"not an archive", f.m.index.Path(), "", 1 << 30, errkind.InvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			free := tt.free
			f.m.freeSpace = func(string) (uint64, error) { return free, nil }
			_, err := f.m.Restore(context.Background(), tt.src, tt.target, Options{})
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %s, got %v", tt.want, err)
			}
		})
	}

	entries, err := os.ReadDir(f.cfg.StateDir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if IsArchiveFile(e.Name()) {
			t.Errorf("failed restore left %s behind", e.Name())
		}
	}
}

func TestVerify(t *testing.T) {
	f := newFixture(t)
	missingRel, _ := f.writeArchive(t, agent.Planner, "will vanish\n", 2*day, true)
	tamperedRel, _ := f.writeArchive(t, agent.Planner, "will change\n", 3*day, true)
	f.writeArchive(t, agent.Builder, "healthy\n", 4*day, true)

	report, err := f.m.Verify(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !report.OK() || report.Checked != 3 {
		t.Fatalf("expected a clean report, got %+v", report)
	}

	orphanRel, _ := f.writeArchive(t, agent.Builder, "not indexed\n", 5*day, false)
	if err := os.Remove(f.m.index.Abs(missingRel)); err != nil {
		t.Fatal(err)
	}
	if err := f.m.index.Update(func(idx *Index) error {
		i, _ := idx.Find(tamperedRel)
		idx.Entries[i].Checksum = Checksum([]byte("x"))
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	report, err = f.m.Verify(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	got := map[IssueKind]string{}
	for _, issue := range report.Issues {
		got[issue.Kind] = issue.Path
	}
	want := map[IssueKind]string{
		IssueMissingFile:      missingRel,
		IssueChecksumMismatch: tamperedRel,
		IssueOrphanFile:       orphanRel,
	}
	for kind, path := range want {
		if got[kind] != path {
			t.Errorf("%s: got %q, want %q", kind, got[kind], path)
		}
	}
	if len(report.Issues) != len(want) {
		t.Errorf("unexpected extra issues: %+v", report.Issues)
	}
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	f.writeArchive(t, agent.Planner, "old\n", 8*day, true)
	f.writeArchive(t, agent.Planner, strings.Repeat("compressible line\n", 100), 9*day, true)
	f.writeArchive(t, agent.Builder, "recent\n", 2*day, true)
	if _, err := f.m.Archive(context.Background(), Options{}); err != nil {
		t.Fatal(err)
	}

	notes := f.layout.NotesFile(agent.Planner)
	if err := os.MkdirAll(filepath.Dir(notes), 0700); err != nil {
		t.Fatal(err)
	}
	var b strings.Builder
	for i := 0; i < 451; i++ {
		fmt.Fprintf(&b, "line %d\n", i)
	}
	if err := os.WriteFile(notes, []byte(b.String()), 0600); err != nil {
		t.Fatal(err)
	}

	status, err := f.m.Status(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if status.Active.Count != 1 || status.Archived.Count != 2 {
		t.Errorf("active=%d archived=%d, want 1 and 2", status.Active.Count, status.Archived.Count)
	}
	if status.Archived.Buckets[2].Count != 2 {
		t.Errorf("expected both compressed files in the 7-30d bucket: %+v", status.Archived.Buckets)
	}
	if status.IndexEntries != 3 || status.CompressionRatio <= 0 {
		t.Errorf("index stats wrong: entries=%d ratio=%f", status.IndexEntries, status.CompressionRatio)
	}
	if status.IntegrityIssues != 0 {
		t.Errorf("unexpected integrity issues: %d", status.IntegrityIssues)
	}
	if status.DiskFree == 0 {
		t.Errorf("disk free not reported (source %s)", status.DiskFreeSource)
	}
	if len(status.Config) == 0 {
		t.Error("config entries missing")
	}

	var planner NotesStats
	for _, n := range status.Notes {
		if n.Agent == "planner" {
			planner = n
		}
	}
	if !planner.Exists || planner.Lines != 451 || !planner.NeedsRotation {
		t.Errorf("planner notes stats wrong: %+v", planner)
	}
}

func TestParseDFAvailable(t *testing.T) {
	tests := []struct {
		name string
		out  string
		want uint64
		ok   bool
	}{
		{
			name: "posix output",
			out:  "Filesystem 1024-blocks Used Available Capacity Mounted on\n/dev/sda1 1000 400 600 40% /\n",
			want: 600,
			ok:   true,
		},
		{name: "header only", out: "Filesystem 1024-blocks Used Available Capacity Mounted on\n"},
		{name: "non numeric", out: "h\n/dev/sda1 1000 400 lots 40% /\n"},
		{name: "empty", out: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseDFAvailable(tt.out)
			if ok != tt.ok || got != tt.want {
				t.Errorf("got %d, %v; want %d, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
}
