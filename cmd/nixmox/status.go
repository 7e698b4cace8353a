package nixmox

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nixmox/nixmox/internal/state"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report the recorded deployment state and last-known health",
	Run: func(cmd *cobra.Command, args []string) {
		st, err := state.Open(viper.GetString("state"))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
			os.Exit(1)
		}

		snapshot := st.Snapshot()
		if len(snapshot.Services) == 0 {
			fmt.Println("No deployment state recorded yet.")
			return
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SERVICE\tKIND\tFINGERPRINT\tUPDATED\tHEALTH")
		for _, name := range st.ServiceNames() {
			svc := snapshot.Services[name]
			kinds := make([]state.Kind, 0, len(svc.Records))
			for kind := range svc.Records {
				kinds = append(kinds, kind)
			}
			sort.Slice(kinds, func(i, j int) bool { return kinds[i].Priority() < kinds[j].Priority() })

			for _, kind := range kinds {
				rec := svc.Records[kind]
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					name, kind, shortFingerprint(rec.Fingerprint),
					rec.UpdatedAt.Format("2006-01-02 15:04:05"),
					orDash(svc.LastHealth))
			}
		}
		w.Flush()
	},
}

func shortFingerprint(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
