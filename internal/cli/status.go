package cli

import (
	"errors"

	"github.com/spf13/cobra"
)

var errIntegrity = errors.New("integrity check failed")

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show notes, archive and configuration status",
	Long: `Show a read-only snapshot of the lifecycle state: notes sizes against the
rotation threshold, active and compressed archives by age, compression
ratio, integrity issues, free disk space, recent security events and the
resolved configuration with the source of every value.

Examples:
  baton status
  baton status --json`,
	Args: cobra.NoArgs,
	RunE: showStatus,
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check the archive index against the files on disk",
	Long: `Cross-check the archive index against the archive directory and decode
every indexed file, comparing checksums. Nothing is modified.

Exits non-zero when any issue is found.`,
	Args: cobra.NoArgs,
	RunE: runVerify,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(verifyCmd)
}

func showStatus(cmd *cobra.Command, args []string) error {
	s, err := newSession(cmd, false)
	if err != nil {
		return err
	}

	report, err := newManager(s).Status(cmd.Context())
	if err != nil {
		return err
	}

	if jsonOutput() {
		return printJSON(cmd.OutOrStdout(), report)
	}
	printStatus(cmd.OutOrStdout(), report)
	return nil
}

func runVerify(cmd *cobra.Command, args []string) error {
	s, err := newSession(cmd, false)
	if err != nil {
		return err
	}

	report, err := newManager(s).Verify(cmd.Context())
	if err != nil {
		return err
	}

	if jsonOutput() {
		if err := printJSON(cmd.OutOrStdout(), report); err != nil {
			return err
		}
	} else {
		printVerify(cmd.OutOrStdout(), report)
	}

	if !report.OK() {
		return errIntegrity
	}
	return nil
}
