package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// listJSON switches the output to the thick catalog as JSON.
var listJSON bool

// listCmd prints the service catalog after a fresh reconcile.
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the service catalog",
	Long: `Reconcile the registry and print every known service in install order.

Discovered services are siblings of the helm directory matching the
hivematrix-* naming convention; core and optional services come from the
apps registry manifest.`,
	Args: cobra.NoArgs,
	RunE: runList,
}

func runList(cmd *cobra.Command, args []string) error {
	ctx := background(cmd.Context())
	application, err := newApp(ctx, false)
	if err != nil {
		return err
	}

	entries := application.Registry.All()
	if listJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SERVICE\tSOURCE\tPORT\tORDER\tDIRECTORY")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n", e.Name, e.Source, e.Port, e.InstallOrder, e.DirectoryPath)
	}
	return w.Flush()
}

func init() {
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().BoolVar(&listJSON, "json", false, "Print the catalog as JSON")
}
