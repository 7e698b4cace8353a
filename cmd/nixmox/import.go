package nixmox

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nixmox/nixmox/internal/importer"
)

var importCmd = &cobra.Command{
	Use:   "import <docker-compose-file>",
	Short: "Seed a manifest from an existing docker-compose project",
	Long: `Import parses a docker-compose file and prints a starter manifest on
stdout. Names, images, ports, and depends_on carry over; addresses, sizing,
and the remaining interface facets are left for the operator to fill in
before the first apply.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		m, err := importer.FromCompose(cmd.Context(), args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Import failed: %v\n", err)
			os.Exit(1)
		}

		out, err := importer.RenderYAML(m)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Import failed: %v\n", err)
			os.Exit(1)
		}
		os.Stdout.Write(out)
	},
}

func init() {
	rootCmd.AddCommand(importCmd)
}
