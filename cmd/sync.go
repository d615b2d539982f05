package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// syncCmd re-runs registry reconcile and config synthesis once and reports
// anything an admin has to fix by hand.
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile the registry and re-synthesize all service configs",
	Long: `Rebuild the service catalog from the manifest and the filesystem, rewrite
the registry projections, and regenerate every service's .env and conn
files from the master config. Synthesis is deterministic; running sync on a
converged installation changes nothing.`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx := background(cmd.Context())
	application, err := newApp(ctx, false)
	if err != nil {
		return err
	}

	cfg := application.Store.Get()
	if err := application.Synth.SyncAll(cfg, application.Registry.All(), application.Registry.Thin()); err != nil {
		return err
	}

	problems := application.Validate()
	for _, p := range problems {
		fmt.Println("warning:", p)
	}
	fmt.Printf("synced %d services\n", len(application.Registry.All()))
	return nil
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
