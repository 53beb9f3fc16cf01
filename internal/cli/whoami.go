package cli

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/andywolf/baton/internal/agent"
	"github.com/andywolf/baton/internal/handoff"
	"github.com/andywolf/baton/internal/logging"
	"github.com/andywolf/baton/internal/state"
)

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Print the active agent and its pending handover",
	Long: `Print the active agent, when it took over, and the newest handover
document addressed to it. Sections of the handover that were never filled
in are listed so the incoming agent knows what is missing.`,
	Args: cobra.NoArgs,
	RunE: runWhoami,
}

func init() {
	rootCmd.AddCommand(whoamiCmd)
}

// handoverSummary is the whoami view of a handover document.
type handoverSummary struct {
	Path        string    `json:"path"`
	From        string    `json:"from"`
	GeneratedAt time.Time `json:"generated_at"`
	Valid       bool      `json:"valid"`
	Problems    []string  `json:"problems,omitempty"`
}

type whoamiResult struct {
	CurrentAgent agent.Agent      `json:"current_agent"`
	LastUpdated  time.Time        `json:"last_updated"`
	Handover     *handoverSummary `json:"handover,omitempty"`
}

func runWhoami(cmd *cobra.Command, args []string) error {
	s, err := newSession(cmd, false)
	if err != nil {
		return err
	}

	st, inspectErr := state.NewFileStore(s.layout.StateFile()).Inspect()
	if inspectErr != nil {
		s.logger.Log(logging.SeverityWarning, "state file ignored", map[string]interface{}{"error": inspectErr})
	}
	res := whoamiResult{CurrentAgent: st.CurrentAgent, LastUpdated: st.LastUpdated}

	if !st.CurrentAgent.IsNone() {
		doc, err := handoff.NewGenerator(s.layout).LatestFor(st.CurrentAgent)
		switch {
		case errors.Is(err, handoff.ErrNoHandover):
		case err != nil:
			s.logger.Log(logging.SeverityWarning, "handover unreadable", map[string]interface{}{"error": err})
		default:
			res.Handover = summarizeHandover(s.layout.Root, doc)
		}
	}

	if jsonOutput() {
		return printJSON(cmd.OutOrStdout(), res)
	}
	printWhoami(cmd.OutOrStdout(), res, time.Now())
	return nil
}

func summarizeHandover(root string, doc *handoff.Document) *handoverSummary {
	rel, err := filepath.Rel(root, doc.Path)
	if err != nil {
		rel = doc.Path
	}
	v := handoff.Validate(doc)
	sum := &handoverSummary{
		Path:        rel,
		From:        doc.From.String(),
		GeneratedAt: doc.GeneratedAt,
		Valid:       v.Valid,
	}
	for _, e := range v.Errors {
		sum.Problems = append(sum.Problems, e.Error())
	}
	sum.Problems = append(sum.Problems, v.Warnings...)
	return sum
}

func describeState(st state.ActiveAgentState, now time.Time) string {
	if st.CurrentAgent.IsNone() || st.LastUpdated.IsZero() {
		return st.CurrentAgent.String()
	}
	return fmt.Sprintf("%s (since %s)", st.CurrentAgent, humanize.RelTime(st.LastUpdated, now, "ago", "from now"))
}

func printWhoami(w io.Writer, res whoamiResult, now time.Time) {
	fmt.Fprintln(w, describeState(state.ActiveAgentState{CurrentAgent: res.CurrentAgent, LastUpdated: res.LastUpdated}, now))
	h := res.Handover
	if h == nil {
		return
	}
	fmt.Fprintf(w, "Handover: %s from %s, written %s\n", h.Path, h.From,
		humanize.RelTime(h.GeneratedAt, now, "ago", "from now"))
	if len(h.Problems) > 0 {
		fmt.Fprintf(w, "  incomplete: %s\n", strings.Join(h.Problems, "; "))
	}
}
