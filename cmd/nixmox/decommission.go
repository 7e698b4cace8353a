package nixmox

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nixmox/nixmox/internal/state"
)

var decommissionCmd = &cobra.Command{
	Use:   "decommission <service>",
	Short: "Remove a service's deployment records",
	Long: `Decommission deletes every deployment record for the named service.
Records are never removed any other way; the next apply will treat the
service as fresh. The containers and registrations themselves are not
touched, only the orchestrator's memory of them.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		name := args[0]

		st, err := state.Open(viper.GetString("state"))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Decommission failed: %v\n", err)
			os.Exit(1)
		}

		snapshot := st.Snapshot()
		if _, ok := snapshot.Services[name]; !ok {
			fmt.Printf("No records for %s.\n", name)
			return
		}

		if err := st.Decommission(name); err != nil {
			fmt.Fprintf(os.Stderr, "Decommission failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Removed %d record(s) for %s.\n", len(snapshot.Services[name].Records), name)
	},
}

func init() {
	rootCmd.AddCommand(decommissionCmd)
}
