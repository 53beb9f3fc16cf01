package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/andywolf/baton/internal/security"
	"github.com/andywolf/baton/internal/switcher"
)

var hookCmd = &cobra.Command{
	Use:   "hook",
	Short: "Handle one prompt-submit hook request",
	Long: `Read a hook request ({"prompt": "..."}) from stdin and write the response
({"continue": bool, "system_message": "..."}) to stdout.

A prompt containing /agent:<name> switches the active agent. The name runs
to the next space; trailing sentence punctuation such as "." or ")" is
ignored, any other character makes the name invalid. Anything else passes
through untouched. The command always answers with a response; a
refused or failed switch is reported as "continue": false.`,
	Args: cobra.NoArgs,
	RunE: runHook,
}

func init() {
	rootCmd.AddCommand(hookCmd)
}

func runHook(cmd *cobra.Command, args []string) error {
	s, err := newSession(cmd, true)
	if err != nil {
		// Without a configuration there is nothing safe to switch to.
		raw, _ := io.ReadAll(io.LimitReader(cmd.InOrStdin(), security.MaxJSONBytes+1)) //nolint:errcheck // best-effort peek
		return writeHookOutput(cmd.OutOrStdout(), unconfiguredOutput(raw, err))
	}

	p := switcher.NewPipeline(s.cfg,
		switcher.WithLogger(s.logger),
		switcher.WithRecorder(s.recorder),
	)
	return writeHookOutput(cmd.OutOrStdout(), p.ProcessHook(cmd.Context(), cmd.InOrStdin()))
}

func unconfiguredOutput(raw []byte, err error) switcher.HookOutput {
	if !bytes.Contains(raw, []byte("/agent:")) {
		return switcher.HookOutput{Continue: true}
	}
	return switcher.HookOutput{
		Continue:      false,
		SystemMessage: "Agent switch failed: " + security.NewLogSanitizer().SanitizeError(err),
	}
}

func writeHookOutput(w io.Writer, out switcher.HookOutput) error {
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("failed to encode hook output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
