package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/andywolf/baton/internal/config"
	"github.com/andywolf/baton/internal/errkind"
	"github.com/andywolf/baton/internal/events"
	"github.com/andywolf/baton/internal/logging"
	"github.com/andywolf/baton/internal/version"
	"github.com/andywolf/baton/internal/workspace"
)

var (
	cfgFile    string
	projectDir string
)

var rootCmd = &cobra.Command{
	Use:   "baton",
	Short: "Baton - agent handover and notes lifecycle for Claude Code",
	Long: `Baton hands control between the planner and builder agents of a Claude Code
project and keeps their notes and archives in shape.

The host runs "baton hook" on every prompt. A prompt containing /agent:<name>
switches the active agent, writes a handover document and rotates the
incoming agent's notes when they have grown past the threshold. The archive
commands compress, expire, restore and inspect rotated notes.

Example:
  echo '{"prompt":"/agent:builder"}' | baton hook
  baton archive --no-dry-run
  baton status --json`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// ExecuteContext runs the root command with ctx, which is cancelled on
// SIGINT/SIGTERM by main.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	// Set version for --version flag
	rootCmd.Version = version.Short()
	rootCmd.SetVersionTemplate("{{.Name}} {{.Version}}\n")

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is <project>/.claude/handover-config.json)")
	rootCmd.PersistentFlags().StringVar(&projectDir, "project-dir", "", "project directory (default is $CLAUDE_PROJECT_DIR or the working directory)")
	rootCmd.PersistentFlags().Bool("verbose", false, "mirror log entries to stderr")
	rootCmd.PersistentFlags().Bool("json", false, "print results as JSON")
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))

	viper.SetEnvPrefix("BATON")
	viper.AutomaticEnv()
}

// session is the per-invocation wiring shared by every command.
type session struct {
	cfg          *config.LifecycleConfig
	layout       workspace.Layout
	logger       *logging.Logger
	recorder     events.Recorder
	invocationID string
}

// newSession loads the configuration and opens the log and event journal.
// Read-only commands only log when the state directory already exists, so
// inspecting a fresh project leaves nothing behind.
func newSession(cmd *cobra.Command, mutating bool) (*session, error) {
	cfg, err := config.Load(config.Options{ProjectDir: projectDir, ConfigFile: cfgFile})
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	s := &session{
		cfg:          cfg,
		layout:       workspace.NewLayout(cfg.StateDir),
		recorder:     events.Discard,
		invocationID: uuid.NewString(),
	}

	_, statErr := os.Stat(s.layout.Root)
	persist := mutating || statErr == nil

	opts := []logging.Option{logging.WithInvocationID(s.invocationID)}
	if persist {
		opts = append(opts, logging.WithFile(s.layout.LogFile(), cfg.LockTimeout))
	}
	if viper.GetBool("verbose") {
		opts = append(opts,
			logging.WithWriter(cmd.ErrOrStderr()),
			logging.WithMinSeverity(logging.SeverityDebug),
		)
	}
	s.logger = logging.New(opts...)

	if persist {
		sink, err := events.NewFileSink(s.layout.LogsDir(), cfg.LockTimeout, s.invocationID)
		if err != nil {
			s.logger.Log(logging.SeverityWarning, "event journal unavailable", map[string]interface{}{"error": err})
		} else {
			s.recorder = sink
		}
	}

	s.logger.Log(logging.SeverityDebug, "invocation started", map[string]interface{}{
		"command":     cmd.CommandPath(),
		"state_dir":   cfg.StateDir,
		"config_file": cfg.ConfigFile,
	})
	return s, nil
}

// Exit codes returned by ExitCode.
const (
	ExitOK       = 0
	ExitFailure  = 1
	ExitRejected = 2
)

// ExitCode maps an error from Execute to a process exit code. Rejected
// input (bad agent names, traversal, unsafe payloads) gets its own code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errkind.KindOf(err).Security():
		return ExitRejected
	default:
		return ExitFailure
	}
}

func jsonOutput() bool {
	return viper.GetBool("json")
}
