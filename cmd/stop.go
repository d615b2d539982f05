package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// stopCmd stops one managed service: TERM, a grace period, then KILL.
var stopCmd = &cobra.Command{
	Use:   "stop <service>",
	Short: "Stop a managed service",
	Long: `Stop a managed service by name.

Stopping a service that is not running is not an error.`,
	Args: cobra.ExactArgs(1),
	RunE: runStop,
}

func runStop(cmd *cobra.Command, args []string) error {
	ctx := background(cmd.Context())
	application, err := newApp(ctx, false)
	if err != nil {
		return err
	}

	name := args[0]
	if _, err := application.Supervisor.Stop(ctx, name); err != nil {
		return err
	}
	fmt.Printf("%s stopped\n", name)
	return nil
}

func init() {
	rootCmd.AddCommand(stopCmd)
}
