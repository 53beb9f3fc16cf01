package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/andywolf/baton/internal/archive"
)

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Compress rotated notes older than the active retention window",
	Long: `Compress every uncompressed archive file older than active_retention_days.

Files younger than min_retention_days are never touched unless --force is
given. Each file is verified against its index checksum before compression
and decompressed again before the original is removed.

Runs as a dry run unless --no-dry-run is given.

Examples:
  baton archive                 # show what would be compressed
  baton archive --no-dry-run    # compress`,
	Args: cobra.NoArgs,
	RunE: runArchive,
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete compressed archives past the archive retention window",
	Long: `Delete compressed archive files older than archive_retention_days and drop
index entries whose file no longer exists.

Runs as a dry run unless --no-dry-run is given.`,
	Args: cobra.NoArgs,
	RunE: runCleanup,
}

var restoreCmd = &cobra.Command{
	Use:   "restore <archive-file> [target-dir]",
	Short: "Decompress an archive back into the state directory",
	Long: `Decompress and validate an archive file, then write it to target-dir
(default: the state directory). Both paths must lie inside the state
directory. An existing file is never overwritten.

Runs as a dry run unless --no-dry-run is given.

Examples:
  baton restore archive/planner/20260504-030201-notes.md.zst --no-dry-run
  baton restore .claude/state/archive/builder/20260401-120000-notes.md.lz4 restored --no-dry-run`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runRestore,
}

func init() {
	for _, cmd := range []*cobra.Command{archiveCmd, cleanupCmd, restoreCmd} {
		addLifecycleFlags(cmd)
		rootCmd.AddCommand(cmd)
	}
	archiveCmd.Flags().Bool("force", false, "bypass the minimum retention floor")
	cleanupCmd.Flags().Bool("force", false, "bypass the minimum retention floor")
}

func addLifecycleFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("dry-run", true, "report what would change without changing anything")
	cmd.Flags().Bool("no-dry-run", false, "apply the changes")
	cmd.Flags().BoolP("quiet", "q", false, "only print the summary")
	cmd.MarkFlagsMutuallyExclusive("dry-run", "no-dry-run")
}

func lifecycleOptions(cmd *cobra.Command) archive.Options {
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	noDryRun, _ := cmd.Flags().GetBool("no-dry-run")
	force, _ := cmd.Flags().GetBool("force")
	return archive.Options{DryRun: dryRun && !noDryRun, Force: force}
}

func newManager(s *session) *archive.Manager {
	return archive.NewManager(s.cfg,
		archive.WithLogger(s.logger),
		archive.WithRecorder(s.recorder),
	)
}

func runArchive(cmd *cobra.Command, args []string) error {
	return runBatch(cmd, (*archive.Manager).Archive)
}

func runCleanup(cmd *cobra.Command, args []string) error {
	return runBatch(cmd, (*archive.Manager).Cleanup)
}

type batchFunc func(m *archive.Manager, ctx context.Context, opts archive.Options) (*archive.Report, error)

func runBatch(cmd *cobra.Command, fn batchFunc) error {
	opts := lifecycleOptions(cmd)
	s, err := newSession(cmd, !opts.DryRun)
	if err != nil {
		return err
	}

	report, err := fn(newManager(s), cmd.Context(), opts)
	if err != nil {
		return err
	}

	quiet, _ := cmd.Flags().GetBool("quiet")
	if jsonOutput() {
		if err := printJSON(cmd.OutOrStdout(), report); err != nil {
			return err
		}
	} else {
		printReport(cmd.OutOrStdout(), report, quiet)
	}

	if err := report.Err(); err != nil {
		return fmt.Errorf("%s: %d file(s) failed: %w", report.Operation, report.Count(archive.ActionFail), err)
	}
	return nil
}

func runRestore(cmd *cobra.Command, args []string) error {
	opts := lifecycleOptions(cmd)
	s, err := newSession(cmd, !opts.DryRun)
	if err != nil {
		return err
	}

	source := cwdRelative(args[0])
	target := ""
	if len(args) > 1 {
		target = cwdRelative(args[1])
	}

	res, err := newManager(s).Restore(cmd.Context(), source, target, opts)
	if err != nil {
		return err
	}

	quiet, _ := cmd.Flags().GetBool("quiet")
	if jsonOutput() {
		return printJSON(cmd.OutOrStdout(), res)
	}
	printRestore(cmd.OutOrStdout(), res, quiet)
	return nil
}

// cwdRelative makes path absolute when it names something that exists
// relative to the working directory. Other relative paths are left for the
// validator to resolve against the state directory.
func cwdRelative(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	if _, err := os.Stat(path); err != nil {
		return path
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}
