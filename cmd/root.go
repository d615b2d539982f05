package cmd

import (
	"context"
	"os"

	"helm/internal/app"
	"helm/pkg/logging"

	"github.com/spf13/cobra"
)

// Exit codes for CLI commands.
const (
	// ExitCodeSuccess indicates successful execution.
	ExitCodeSuccess = 0
	// ExitCodeError indicates a general error (command failed, invalid arguments).
	ExitCodeError = 1
)

// helmDir is the orchestrator installation directory. Peer services are
// expected as sibling directories of it.
var helmDir string

// rootCmd represents the base command for the helm orchestrator.
var rootCmd = &cobra.Command{
	Use:   "helm",
	Short: "Single-host service orchestrator",
	Long: `helm manages the services of one installation: it synthesizes their
configuration from the master config, supervises their processes, monitors
their health, stores their logs centrally and keeps the identity provider
reconciled.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Init(logging.ParseLevel(os.Getenv("LOG_LEVEL")), os.Stderr)
	},
}

// SetVersion sets the version for the root command. Called from main with
// the build-time value.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute is the main entry point for the CLI application.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "helm version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(ExitCodeError)
	}
}

// newApp boots the application for a CLI verb. Verbs that only drive the
// supervisor pass connectDB=false and skip the database connection.
func newApp(ctx context.Context, connectDB bool) (*app.Application, error) {
	return app.New(ctx, app.Options{
		HelmDir:         helmDir,
		Version:         rootCmd.Version,
		ConnectDatabase: connectDB,
	})
}

func init() {
	rootCmd.PersistentFlags().StringVar(&helmDir, "helm-dir", ".", "Helm installation directory")
}
