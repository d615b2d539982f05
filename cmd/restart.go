package cmd

import (
	"fmt"

	"helm/internal/supervisor"

	"github.com/spf13/cobra"
)

// restartMode overrides the default run mode for the new process.
var restartMode string

// restartCmd stops and starts one managed service.
var restartCmd = &cobra.Command{
	Use:   "restart <service>",
	Short: "Restart a managed service",
	Args:  cobra.ExactArgs(1),
	RunE:  runRestart,
}

func runRestart(cmd *cobra.Command, args []string) error {
	ctx := background(cmd.Context())
	application, err := newApp(ctx, false)
	if err != nil {
		return err
	}

	mode := application.Supervisor.DefaultMode()
	if restartMode != "" {
		parsed, ok := supervisor.ParseMode(restartMode, mode)
		if !ok {
			return fmt.Errorf("unknown mode %q (development or production)", restartMode)
		}
		mode = parsed
	}

	name := args[0]
	rec, err := application.Supervisor.Restart(ctx, name, mode)
	if err != nil {
		return err
	}
	fmt.Printf("%s restarted (pid %d, %s mode)\n", name, rec.PID, rec.Mode)
	return nil
}

func init() {
	rootCmd.AddCommand(restartCmd)

	restartCmd.Flags().StringVar(&restartMode, "mode", "", "Run mode (development or production)")
}
