package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/andywolf/baton/internal/archive"
	"github.com/andywolf/baton/internal/notes"
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}

// formatAge renders a duration the way humanize renders a timestamp,
// e.g. "3 days old".
func formatAge(d time.Duration) string {
	if d <= 0 {
		return "new"
	}
	now := time.Now()
	return humanize.RelTime(now.Add(-d), now, "old", "")
}

func printReport(w io.Writer, r *archive.Report, quiet bool) {
	prefix := ""
	if r.DryRun {
		prefix = "[dry-run] "
	}

	if !quiet {
		for _, a := range r.Actions {
			line := fmt.Sprintf("%s%-8s %s", prefix, a.Kind, a.Path)
			if a.Age > 0 {
				line += fmt.Sprintf(" (%s)", formatAge(a.Age))
			}
			if a.Bytes > 0 {
				line += " " + humanize.Bytes(uint64(a.Bytes))
			}
			switch {
			case a.Err != nil:
				line += ": " + a.Err.Error()
			case a.Reason != "":
				line += ": " + a.Reason
			}
			fmt.Fprintln(w, line)
		}
	}

	switch r.Operation {
	case "cleanup":
		fmt.Fprintf(w, "%s%s: %d deleted, %d pruned, %d skipped, %d failed\n", prefix, r.Operation,
			r.Count(archive.ActionDelete), r.Count(archive.ActionPrune),
			r.Count(archive.ActionSkip), r.Count(archive.ActionFail))
	default:
		fmt.Fprintf(w, "%s%s: %d compressed, %d skipped, %d failed\n", prefix, r.Operation,
			r.Count(archive.ActionCompress), r.Count(archive.ActionSkip), r.Count(archive.ActionFail))
	}
}

func printRestore(w io.Writer, r *archive.RestoreResult, quiet bool) {
	verb := "Restored"
	if r.DryRun {
		verb = "[dry-run] Would restore"
	}
	fmt.Fprintf(w, "%s %s -> %s (%s)\n", verb, r.Source, r.Destination, humanize.Bytes(uint64(r.Bytes)))
	if r.Summary != "" && !quiet {
		fmt.Fprintf(w, "  %s\n", r.Summary)
	}
}

func printStatus(w io.Writer, r *archive.StatusReport) {
	fmt.Fprintf(w, "State directory: %s\n", r.StateDir)
	if r.ConfigFile != "" {
		fmt.Fprintf(w, "Config file:     %s\n", r.ConfigFile)
	} else {
		fmt.Fprintln(w, "Config file:     (none, using defaults)")
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Notes:")
	for _, n := range r.Notes {
		if !n.Exists {
			fmt.Fprintf(w, "  %-8s (no notes)\n", n.Agent)
			continue
		}
		flag := ""
		if n.NeedsRotation {
			flag = "  needs rotation"
		}
		fmt.Fprintf(w, "  %-8s %s / %s lines, %s%s\n", n.Agent,
			humanize.Comma(int64(n.Lines)), humanize.Comma(int64(n.Threshold)),
			humanize.Bytes(uint64(n.Bytes)), flag)
	}

	fmt.Fprintln(w)
	printFileStats(w, "Active archives", r.Active)
	printFileStats(w, "Compressed archives", r.Archived)

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Index entries:     %d\n", r.IndexEntries)
	if r.CompressionRatio > 0 {
		fmt.Fprintf(w, "Compression ratio: %s:1\n", humanize.FtoaWithDigits(r.CompressionRatio, 2))
	}
	fmt.Fprintf(w, "Integrity issues:  %d\n", r.IntegrityIssues)
	if r.DiskFreeSource == "unavailable" {
		fmt.Fprintln(w, "Disk free:         unavailable")
	} else {
		fmt.Fprintf(w, "Disk free:         %s (%s)\n", humanize.Bytes(r.DiskFree), r.DiskFreeSource)
	}
	fmt.Fprintf(w, "Security events:   %d in the last 24h\n", r.SecurityEvents)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Configuration:")
	for _, e := range r.Config {
		fmt.Fprintf(w, "  %-24s %-12v %s\n", e.Key, e.Value, e.Source)
	}

	for _, warning := range r.Warnings {
		fmt.Fprintf(w, "Warning: %s\n", warning)
	}
}

func printFileStats(w io.Writer, title string, s archive.FileStats) {
	if s.Count == 0 {
		fmt.Fprintf(w, "%s: none\n", title)
		return
	}
	fmt.Fprintf(w, "%s: %d files, %s, newest %s, oldest %s\n", title, s.Count,
		humanize.Bytes(uint64(s.Bytes)), formatAge(s.Newest), formatAge(s.Oldest))

	var buckets []string
	for _, b := range s.Buckets {
		buckets = append(buckets, fmt.Sprintf("%s: %d", b.Label, b.Count))
	}
	fmt.Fprintf(w, "  %s\n", strings.Join(buckets, ", "))
}

func printVerify(w io.Writer, r *archive.VerifyReport) {
	for _, issue := range r.Issues {
		line := fmt.Sprintf("%-17s %s", issue.Kind, issue.Path)
		if issue.Detail != "" {
			line += ": " + issue.Detail
		}
		fmt.Fprintln(w, line)
	}
	if r.OK() {
		fmt.Fprintf(w, "OK: %d archive(s) checked\n", r.Checked)
		return
	}
	fmt.Fprintf(w, "%d issue(s) in %d archive(s) checked\n", len(r.Issues), r.Checked)
}

func printRotation(w io.Writer, r *notes.Result) {
	fmt.Fprintf(w, "Rotated %s notes (%s): %d -> %d lines\n", r.Agent, r.Reason, r.OriginalLines, r.NewLines)
	fmt.Fprintf(w, "  kept %d critical, %d important; dropped %d lines (%d important over cap)\n",
		r.Critical, r.Important, r.Dropped, r.DroppedImportant)
	fmt.Fprintf(w, "  archived to %s\n", r.ArchiveFile)
	for _, e := range r.Pruned {
		fmt.Fprintf(w, "  pruned %s\n", e.File)
	}
}
