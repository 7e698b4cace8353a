package nixmox

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nixmox/nixmox/internal/diff"
	"github.com/nixmox/nixmox/internal/export"
	"github.com/nixmox/nixmox/internal/graph"
	"github.com/nixmox/nixmox/internal/manifest"
	"github.com/nixmox/nixmox/internal/state"
)

var (
	planOpts   diff.Options
	planOutput string

	// Manifest-level overrides, shared by plan and apply.
	overrideEnable  []string
	overrideDisable []string
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show the ordered work items without applying anything",
	Long: `Plan loads the manifest, builds the dependency graph, and diffs the
desired state against the deployment state document. It never mutates
anything. Exit code 0 means no work is needed; 2 means the manifest has
validation errors.`,
	Run: func(cmd *cobra.Command, args []string) {
		_, _, items, err := buildPlan(planOpts)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Plan failed: %v\n", err)
			os.Exit(2)
		}

		if !diff.HasWork(items) {
			fmt.Println("Nothing to do: deployment state matches the manifest.")
			return
		}

		exporter := export.ForFormat(planOutput)
		if exporter == nil {
			fmt.Fprintf(os.Stderr, "Unknown output format %q (want json or table)\n", planOutput)
			os.Exit(2)
		}
		out, err := exporter.Export(items)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Plan export failed: %v\n", err)
			os.Exit(2)
		}
		if exporter.Name() == "table" {
			fmt.Printf("Plan: %d work item(s)\n\n", len(items))
		}
		os.Stdout.Write(out)
	},
}

// buildPlan runs the read-only half of the pipeline shared by plan and apply.
func buildPlan(opts diff.Options) (*manifest.Manifest, *state.Store, []diff.WorkItem, error) {
	m, err := manifest.LoadWithOverrides(viper.GetString("manifest"), manifest.Overrides{
		Enable:  overrideEnable,
		Disable: overrideDisable,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	g, err := graph.Build(m)
	if err != nil {
		return nil, nil, nil, err
	}
	st, err := state.Open(viper.GetString("state"))
	if err != nil {
		return nil, nil, nil, err
	}
	items, err := diff.Plan(m, g, st, opts)
	if err != nil {
		return nil, nil, nil, err
	}
	return m, st, items, nil
}

// printPlan renders the table form; shared with apply.
func printPlan(items []diff.WorkItem) {
	fmt.Printf("Plan: %d work item(s)\n\n", len(items))
	out, err := export.NewTableExporter().Export(items)
	if err == nil {
		os.Stdout.Write(out)
	}
}

func init() {
	planCmd.Flags().StringSliceVar(&planOpts.Only, "only", nil, "restrict the plan to these services")
	planCmd.Flags().StringSliceVar(&planOpts.Skip, "skip", nil, "mark these services as operator-skipped")
	planCmd.Flags().StringSliceVar(&planOpts.Force, "force", nil, "always emit update for these services")
	planCmd.Flags().StringVarP(&planOutput, "output", "o", "table", "output format (table, json)")

	rootCmd.AddCommand(planCmd)
}
