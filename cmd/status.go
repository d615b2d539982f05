package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// statusCmd probes every catalog service once and prints the results.
var statusCmd = &cobra.Command{
	Use:   "status [service]",
	Short: "Show service status",
	Long: `Probe every service once and print process state, health, pid and port.
With a service name, only that service is shown.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := background(cmd.Context())
	application, err := newApp(ctx, false)
	if err != nil {
		return err
	}

	application.Monitor.Tick(ctx)

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SERVICE\tSTATUS\tHEALTH\tPID\tPORT")

	if len(args) == 1 {
		status, ok := application.Monitor.Status(args[0])
		if !ok {
			return fmt.Errorf("no such service: %s", args[0])
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\n",
			status.ServiceName, status.Status, status.Health, status.PID, status.Port)
		return w.Flush()
	}

	for _, entry := range application.Registry.All() {
		status, ok := application.Monitor.Status(entry.Name)
		if !ok {
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\n",
			status.ServiceName, status.Status, status.Health, status.PID, status.Port)
	}
	return w.Flush()
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
