package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/andywolf/baton/internal/agent"
	"github.com/andywolf/baton/internal/archive"
	"github.com/andywolf/baton/internal/errkind"
	"github.com/andywolf/baton/internal/state"
	"github.com/andywolf/baton/internal/switcher"
	"github.com/andywolf/baton/internal/version"
)

// resetFlags puts every flag back to its default so runs do not leak into
// each other through the package-level command tree.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.PersistentFlags().VisitAll(reset)
	cmd.Flags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// run executes baton with args against project and returns stdout.
func run(t *testing.T, project, stdin string, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)

	var out, errOut bytes.Buffer
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(append([]string{"--project-dir", project}, args...))
	t.Cleanup(func() {
		rootCmd.SetIn(nil)
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})

	err := rootCmd.Execute()
	return out.String(), err
}

func newProject(t *testing.T) (project, stateDir string) {
	t.Helper()
	t.Setenv("HANDOVER_CONFIG", "")
	t.Setenv("HANDOVER_STATE_DIR", "")
	dir, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return dir, filepath.Join(dir, ".claude", "state")
}

func decodeHook(t *testing.T, out string) switcher.HookOutput {
	t.Helper()
	var got switcher.HookOutput
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("hook output %q is not JSON: %v", out, err)
	}
	return got
}

func TestHook(t *testing.T) {
	tests := []struct {
		name         string
		stdin        string
		wantContinue bool
		wantMessage  string
	}{
		{"plain prompt", `{"prompt":"refactor the parser"}`, true, ""},
		{"first switch", `{"prompt":"/agent:planner let's plan"}`, true, "Switched to planner."},
		{"unknown agent", `{"prompt":"/agent:hacker"}`, false, "Valid agents: planner, builder."},
		{"injection in name", `{"prompt":"/agent:planner;rm"}`, false, "Agent switch refused"},
		{"malformed with command", `{"prompt":"/agent:builder"`, false, "Agent switch refused"},
		{"malformed without command", `not json`, true, ""},
		{"backtick in ignored field", "{\"prompt\":\"/agent:planner\",\"transcript_note\":\"ran `ls`\"}", true, "Switched to planner."},
		{"trailing period", `{"prompt":"Switch to /agent:planner."}`, true, "Switched to planner."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			project, _ := newProject(t)
			out, err := run(t, project, tt.stdin, "hook")
			if err != nil {
				t.Fatalf("hook returned error: %v", err)
			}
			got := decodeHook(t, out)
			if got.Continue != tt.wantContinue {
				t.Errorf("continue = %v, want %v (message %q)", got.Continue, tt.wantContinue, got.SystemMessage)
			}
			if !strings.Contains(got.SystemMessage, tt.wantMessage) {
				t.Errorf("system_message = %q, want it to contain %q", got.SystemMessage, tt.wantMessage)
			}
		})
	}
}

func TestHook_SwitchSequence(t *testing.T) {
	project, stateDir := newProject(t)

	if _, err := run(t, project, `{"prompt":"/agent:planner"}`, "hook"); err != nil {
		t.Fatal(err)
	}
	out, err := run(t, project, `{"prompt":"/agent:builder go"}`, "hook")
	if err != nil {
		t.Fatal(err)
	}
	got := decodeHook(t, out)
	if !got.Continue || !strings.Contains(got.SystemMessage, "Switched to builder.") {
		t.Fatalf("second switch = %+v", got)
	}
	if !strings.Contains(got.SystemMessage, "Handover: handovers/") {
		t.Errorf("system_message %q does not name the handover", got.SystemMessage)
	}

	st := state.NewFileStore(filepath.Join(stateDir, "active-agent.json")).Read()
	if st.CurrentAgent != agent.Builder {
		t.Errorf("state = %s, want builder", st.CurrentAgent)
	}

	who, err := run(t, project, "", "whoami")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(who, "builder (since ") {
		t.Errorf("whoami = %q", who)
	}
	if !strings.Contains(who, "Handover: handovers/") || !strings.Contains(who, "from planner") {
		t.Errorf("whoami does not show the pending handover: %q", who)
	}
	if !strings.Contains(who, "next actions have not been filled in") {
		t.Errorf("whoami does not flag the unfilled skeleton: %q", who)
	}

	if _, err := os.Stat(filepath.Join(stateDir, "logs", "events.jsonl")); err != nil {
		t.Errorf("event journal not written: %v", err)
	}
}

func TestHook_ConfigErrorRefusesSwitch(t *testing.T) {
	project, _ := newProject(t)
	missing := filepath.Join(project, "nope.json")

	out, err := run(t, project, `{"prompt":"/agent:planner"}`, "--config", missing, "hook")
	if err != nil {
		t.Fatalf("hook returned error: %v", err)
	}
	if got := decodeHook(t, out); got.Continue {
		t.Errorf("switch went ahead without a config: %+v", got)
	}

	out, err = run(t, project, `{"prompt":"hello"}`, "--config", missing, "hook")
	if err != nil {
		t.Fatal(err)
	}
	if got := decodeHook(t, out); !got.Continue || got.SystemMessage != "" {
		t.Errorf("plain prompt was blocked: %+v", got)
	}
}

func TestWhoami_NoState(t *testing.T) {
	project, stateDir := newProject(t)

	out, err := run(t, project, "", "whoami")
	if err != nil {
		t.Fatal(err)
	}
	if out != "none\n" {
		t.Errorf("whoami = %q, want %q", out, "none\n")
	}
	if _, err := os.Stat(stateDir); !os.IsNotExist(err) {
		t.Errorf("whoami created the state directory")
	}
}

func writeNotes(t *testing.T, stateDir string, lines int) {
	t.Helper()
	dir := filepath.Join(stateDir, "agents", "planner")
	if err := os.MkdirAll(dir, 0700); err != nil {
		t.Fatal(err)
	}
	var b strings.Builder
	b.WriteString("ERROR: keep this one\n")
	for i := 1; i < lines; i++ {
		b.WriteString("routine progress line\n")
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.md"), []byte(b.String()), 0600); err != nil {
		t.Fatal(err)
	}
}

// rotatedArchive returns the single uncompressed archive left by a rotation.
func rotatedArchive(t *testing.T, stateDir string) string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(stateDir, "archive", "planner", "*-notes.md"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("archive files = %v (err %v), want exactly one", matches, err)
	}
	return matches[0]
}

func TestRotate(t *testing.T) {
	project, stateDir := newProject(t)
	writeNotes(t, stateDir, 20)

	out, err := run(t, project, "", "rotate", "planner")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "within the 450 line threshold") {
		t.Errorf("rotate under threshold printed %q", out)
	}

	out, err = run(t, project, "", "rotate", "planner", "--force")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Rotated planner notes (manual): 20 ->") {
		t.Errorf("rotate --force printed %q", out)
	}
	rotatedArchive(t, stateDir)

	notes, err := os.ReadFile(filepath.Join(stateDir, "agents", "planner", "notes.md"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(notes), "ERROR: keep this one") {
		t.Errorf("critical line lost:\n%s", notes)
	}
}

func TestRotate_RejectsUnknownAgent(t *testing.T) {
	project, _ := newProject(t)

	for _, name := range []string{"hacker", "../planner", "none"} {
		_, err := run(t, project, "", "rotate", name)
		if !errors.Is(err, errkind.InvalidAgent) && !errors.Is(err, errkind.PathTraversal) {
			t.Errorf("rotate %q error = %v, want an agent validation error", name, err)
		}
	}
}

func TestLifecycle_ArchiveRestoreVerify(t *testing.T) {
	project, stateDir := newProject(t)
	writeNotes(t, stateDir, 20)
	if _, err := run(t, project, "", "rotate", "planner", "--force"); err != nil {
		t.Fatal(err)
	}
	original := rotatedArchive(t, stateDir)
	content, err := os.ReadFile(original)
	if err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-10 * 24 * time.Hour)
	if err := os.Chtimes(original, old, old); err != nil {
		t.Fatal(err)
	}

	// Dry run is the default.
	out, err := run(t, project, "", "archive")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "[dry-run] compress") || !strings.Contains(out, "1 compressed") {
		t.Errorf("dry run printed %q", out)
	}
	if _, err := os.Stat(original); err != nil {
		t.Fatalf("dry run touched the archive: %v", err)
	}

	out, err = run(t, project, "", "archive", "--no-dry-run", "--quiet")
	if err != nil {
		t.Fatal(err)
	}
	if out != "archive: 1 compressed, 0 skipped, 0 failed\n" {
		t.Errorf("archive --quiet printed %q", out)
	}
	if _, err := os.Stat(original + ".zst"); err != nil {
		t.Fatalf("compressed file missing: %v", err)
	}

	if _, err := run(t, project, "", "verify"); err != nil {
		t.Errorf("verify after archive: %v", err)
	}

	rel := filepath.Join("archive", "planner", filepath.Base(original)+".zst")
	out, err = run(t, project, "", "restore", rel, "--no-dry-run")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "Restored ") {
		t.Errorf("restore printed %q", out)
	}
	restored, err := os.ReadFile(filepath.Join(stateDir, filepath.Base(original)))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(restored, content) {
		t.Errorf("restored content differs from the archived file")
	}

	// A second restore must not overwrite.
	_, err = run(t, project, "", "restore", rel, "--no-dry-run")
	if !errors.Is(err, errkind.Conflict) {
		t.Errorf("second restore error = %v, want Conflict", err)
	}
}

func TestRestore_OutsideStateDir(t *testing.T) {
	project, _ := newProject(t)

	_, err := run(t, project, "", "restore", "../../etc/passwd.zst", "--no-dry-run")
	if !errors.Is(err, errkind.PathTraversal) {
		t.Errorf("error = %v, want PathTraversal", err)
	}
}

func TestVerify_ReportsOrphan(t *testing.T) {
	project, stateDir := newProject(t)
	dir := filepath.Join(stateDir, "archive", "builder")
	if err := os.MkdirAll(dir, 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "20260101-000000-notes.md"), []byte("stray\n"), 0600); err != nil {
		t.Fatal(err)
	}

	out, err := run(t, project, "", "verify")
	if !errors.Is(err, errIntegrity) {
		t.Errorf("verify error = %v, want errIntegrity", err)
	}
	if !strings.Contains(out, string(archive.IssueOrphanFile)) {
		t.Errorf("verify printed %q", out)
	}
}

func TestStatus_JSON(t *testing.T) {
	project, stateDir := newProject(t)
	writeNotes(t, stateDir, 500)

	out, err := run(t, project, "", "status", "--json")
	if err != nil {
		t.Fatal(err)
	}
	var report archive.StatusReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("status --json is not JSON: %v\n%s", err, out)
	}
	if report.StateDir != stateDir {
		t.Errorf("state_dir = %q, want %q", report.StateDir, stateDir)
	}
	if len(report.Notes) != 2 {
		t.Fatalf("notes = %+v, want one entry per worker", report.Notes)
	}
	if n := report.Notes[0]; n.Agent != "planner" || n.Lines != 500 || !n.NeedsRotation {
		t.Errorf("planner notes = %+v", n)
	}
	if len(report.Config) == 0 {
		t.Error("config entries missing")
	}
}

func TestStatus_Text(t *testing.T) {
	project, stateDir := newProject(t)
	writeNotes(t, stateDir, 10)

	out, err := run(t, project, "", "status")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"State directory: " + stateDir,
		"planner  10 / 450 lines",
		"builder  (no notes)",
		"Active archives: none",
		"rotation_threshold",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}
}

func TestVersion(t *testing.T) {
	out, err := run(t, t.TempDir(), "", "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "baton ") {
		t.Errorf("version printed %q", out)
	}

	out, err = run(t, t.TempDir(), "", "version", "--json")
	if err != nil {
		t.Fatal(err)
	}
	var d version.Details
	if err := json.Unmarshal([]byte(out), &d); err != nil {
		t.Fatalf("version --json is not JSON: %v\n%s", err, out)
	}
	if d.Version != version.Version || d.Platform == "" {
		t.Errorf("unexpected details: %+v", d)
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"success", nil, ExitOK},
		{"plain error", errors.New("boom"), ExitFailure},
		{"io", errkind.New(errkind.IOError, "op", "disk"), ExitFailure},
		{"conflict", errkind.New(errkind.Conflict, "restore", "exists"), ExitFailure},
		{"traversal", errkind.New(errkind.PathTraversal, "restore", "escape"), ExitRejected},
		{"bad agent", errkind.New(errkind.InvalidAgent, "rotate", "hacker"), ExitRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Errorf("ExitCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestPrintRestore(t *testing.T) {
	r := &archive.RestoreResult{
		Source:      "archive/planner/20260504-030201-notes.md.zst",
		Destination: "20260504-030201-notes.md",
		Bytes:       2048,
		Summary:     "planner notes, 451 lines, rotated 2026-05-04 (manual)",
		DryRun:      true,
	}

	var buf bytes.Buffer
	printRestore(&buf, r, false)
	want := "[dry-run] Would restore archive/planner/20260504-030201-notes.md.zst -> 20260504-030201-notes.md (2.0 kB)\n" +
		"  planner notes, 451 lines, rotated 2026-05-04 (manual)\n"
	if buf.String() != want {
		t.Errorf("printRestore =\n%s\nwant\n%s", buf.String(), want)
	}

	buf.Reset()
	printRestore(&buf, r, true)
	if strings.Contains(buf.String(), "451 lines") || !strings.HasPrefix(buf.String(), "[dry-run] Would restore") {
		t.Errorf("quiet restore printed %q", buf.String())
	}
}

func TestRestore_RejectsForce(t *testing.T) {
	project, _ := newProject(t)
	if _, err := run(t, project, "", "restore", "archive/planner/x.md.zst", "--force"); err == nil {
		t.Error("restore accepted --force, which it does not honour")
	}
}

func TestPrintReport(t *testing.T) {
	r := &archive.Report{
		Operation: "cleanup",
		DryRun:    true,
		Actions: []archive.Action{
			{Kind: archive.ActionDelete, Path: "planner/a.md.zst", Age: 40 * 24 * time.Hour, Bytes: 2048},
			{Kind: archive.ActionPrune, Path: "builder/b.md.zst", Reason: "file missing"},
			{Kind: archive.ActionFail, Path: "builder/c.md.zst", Err: errors.New("boom")},
		},
	}

	var buf bytes.Buffer
	printReport(&buf, r, false)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	want := []string{
		"[dry-run] delete   planner/a.md.zst (1 month old) 2.0 kB",
		"[dry-run] prune    builder/b.md.zst: file missing",
		"[dry-run] fail     builder/c.md.zst: boom",
		"[dry-run] cleanup: 1 deleted, 1 pruned, 0 skipped, 1 failed",
	}
	if len(lines) != len(want) {
		t.Fatalf("got %d lines, want %d:\n%s", len(lines), len(want), buf.String())
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}

	buf.Reset()
	printReport(&buf, r, true)
	if got := buf.String(); got != "[dry-run] cleanup: 1 deleted, 1 pruned, 0 skipped, 1 failed\n" {
		t.Errorf("quiet output = %q", got)
	}
}

func TestDescribeState(t *testing.T) {
	now := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		st   state.ActiveAgentState
		want string
	}{
		{state.ActiveAgentState{}, "none"},
		{state.ActiveAgentState{CurrentAgent: agent.Planner}, "planner"},
		{state.ActiveAgentState{CurrentAgent: agent.Builder, LastUpdated: now.Add(-2 * time.Hour)}, "builder (since 2 hours ago)"},
	}
	for _, tt := range tests {
		if got := describeState(tt.st, now); got != tt.want {
			t.Errorf("describeState(%+v) = %q, want %q", tt.st, got, tt.want)
		}
	}
}

func TestCwdRelative(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })

	if err := os.WriteFile("present.md.zst", nil, 0600); err != nil {
		t.Fatal(err)
	}
	want, err := filepath.Abs("present.md.zst")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		in   string
		want string
	}{
		{"present.md.zst", want},
		{"archive/planner/x.md.zst", "archive/planner/x.md.zst"},
		{"/abs/path", "/abs/path"},
	}
	for _, tt := range tests {
		if got := cwdRelative(tt.in); got != tt.want {
			t.Errorf("cwdRelative(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
