package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"helm/internal/app"

	"github.com/spf13/cobra"
)

// serveStartAll brings every supervisable service up after boot instead of
// waiting for start requests through the API.
var serveStartAll bool

// serveNoWatch disables the sibling-directory watcher that re-reconciles the
// registry when services are installed or removed while helm runs.
var serveNoWatch bool

// serveCmd runs the orchestrator: registry reconcile, config synthesis, the
// identity provider bootstrap, the monitor loop and the control API.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator and its control API",
	Long: `Boots the orchestrator and serves the control API until interrupted.

The boot sequence loads the master config, reconciles the service registry,
re-synthesizes every service's configuration, adopts already running
processes from their pid files, reconciles the identity provider when
needed, and then serves. On SIGINT/SIGTERM every managed service is shut
down in reverse install order before helm exits.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, app.Options{
		HelmDir:         helmDir,
		Version:         rootCmd.Version,
		ConnectDatabase: true,
		WatchServices:   !serveNoWatch,
		StartServices:   serveStartAll,
	})
	if err != nil {
		return fmt.Errorf("boot failed: %w", err)
	}

	return application.Run(ctx)
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&serveStartAll, "start-all", false, "Start every supervisable service after boot")
	serveCmd.Flags().BoolVar(&serveNoWatch, "no-watch", false, "Disable the service directory watcher")
}

// background returns a usable context for verbs that may be invoked without
// one wired through cobra.
func background(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
