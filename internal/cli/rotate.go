package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/andywolf/baton/internal/notes"
	"github.com/andywolf/baton/internal/security"
)

var rotateCmd = &cobra.Command{
	Use:   "rotate <agent>",
	Short: "Rotate an agent's notes file",
	Long: `Archive an agent's notes and rewrite them keeping only critical and the
newest important lines.

Without --force the notes are rotated only when they exceed
rotation_threshold lines, exactly as during a switch.

Examples:
  baton rotate builder           # rotate if over threshold
  baton rotate planner --force   # rotate now`,
	Args: cobra.ExactArgs(1),
	RunE: runRotate,
}

func init() {
	rotateCmd.Flags().Bool("force", false, "rotate even when under the threshold")
	rootCmd.AddCommand(rotateCmd)
}

func runRotate(cmd *cobra.Command, args []string) error {
	s, err := newSession(cmd, true)
	if err != nil {
		return err
	}

	a, err := security.NewValidator(s.cfg.StateDir, s.recorder).ValidateAgentName(args[0])
	if err != nil {
		return err
	}

	engine := notes.NewEngine(s.cfg,
		notes.WithLogger(s.logger),
		notes.WithRecorder(s.recorder),
	)

	force, _ := cmd.Flags().GetBool("force")
	var res *notes.Result
	if force {
		res, err = engine.Rotate(a, notes.ReasonManual)
	} else {
		res, err = engine.CheckAndRotate(a)
	}
	if err != nil && res == nil {
		return err
	}

	switch {
	case res == nil:
		fmt.Fprintf(cmd.OutOrStdout(), "%s notes are within the %d line threshold, nothing to do\n", a, s.cfg.RotationThreshold)
	case jsonOutput():
		if jerr := printJSON(cmd.OutOrStdout(), res); jerr != nil {
			return jerr
		}
	default:
		printRotation(cmd.OutOrStdout(), res)
	}
	// A rotation can succeed while its index update fails.
	return err
}
