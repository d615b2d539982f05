package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// bootstrapForce clears the stored client secret first, forcing the full
// reconcile pass even on a converged installation.
var bootstrapForce bool

// bootstrapIDPCmd reconciles the identity provider against the master config.
var bootstrapIDPCmd = &cobra.Command{
	Use:   "bootstrap-idp",
	Short: "Reconcile the identity provider",
	Long: `Reconcile the identity provider with the master config: realm, OIDC
client, permission groups, group mapper and the realm admin user. Every
mutation is a find-then-create-or-update, so re-running on a converged
installation changes nothing.

With --force the stored client secret is cleared first and the full pass
runs unconditionally. Without it, the pass the boot evaluation selected
runs (none, when the installation is converged).`,
	Args: cobra.NoArgs,
	RunE: runBootstrapIDP,
}

func runBootstrapIDP(cmd *cobra.Command, args []string) error {
	ctx := background(cmd.Context())
	application, err := newApp(ctx, false)
	if err != nil {
		return err
	}

	if bootstrapForce {
		if err := application.ForceBootstrapIDP(ctx); err != nil {
			return err
		}
		fmt.Println("identity provider reconciled")
		return nil
	}

	if err := application.BootstrapIDP(ctx); err != nil {
		return err
	}
	fmt.Println("identity provider up to date")
	return nil
}

func init() {
	rootCmd.AddCommand(bootstrapIDPCmd)

	bootstrapIDPCmd.Flags().BoolVar(&bootstrapForce, "force", false, "Clear the client secret and run the full pass")
}
