package cmd

import (
	"fmt"

	"helm/internal/supervisor"

	"github.com/spf13/cobra"
)

// startMode overrides the default run mode for this start.
var startMode string

// startCmd starts one managed service directly, without going through a
// running control API. The pid file keeps a later serve in agreement about
// who owns the process.
var startCmd = &cobra.Command{
	Use:   "start <service>",
	Short: "Start a managed service",
	Long: `Start a managed service by name.

Examples:
  helm start core
  helm start codex --mode production

Starting a service that is already running is not an error.`,
	Args: cobra.ExactArgs(1),
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	ctx := background(cmd.Context())
	application, err := newApp(ctx, false)
	if err != nil {
		return err
	}

	mode := application.Supervisor.DefaultMode()
	if startMode != "" {
		parsed, ok := supervisor.ParseMode(startMode, mode)
		if !ok {
			return fmt.Errorf("unknown mode %q (development or production)", startMode)
		}
		mode = parsed
	}

	name := args[0]
	rec, err := application.Supervisor.Start(ctx, name, mode)
	if err != nil {
		if supervisor.IsKind(err, supervisor.KindAlreadyRunning) {
			fmt.Printf("%s is already running\n", name)
			return nil
		}
		return err
	}
	fmt.Printf("%s started (pid %d, %s mode)\n", name, rec.PID, rec.Mode)
	return nil
}

func init() {
	rootCmd.AddCommand(startCmd)

	startCmd.Flags().StringVar(&startMode, "mode", "", "Run mode (development or production)")
}
