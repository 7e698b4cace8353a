package nixmox

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nixmox/nixmox/internal/collab"
	"github.com/nixmox/nixmox/internal/diff"
	"github.com/nixmox/nixmox/internal/executor"
	"github.com/nixmox/nixmox/internal/health"
	"github.com/nixmox/nixmox/internal/secrets"
)

var (
	applyOpts   diff.Options
	applyDryRun bool
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Execute the plan against the external collaborators",
	Long: `Apply runs the full pipeline: plan, then execute every work item in
phase order, gating each phase on the health of the one before it. The
deployment state document is updated after every successful item, so an
interrupted run resumes where it stopped.

Exit codes: 0 full success, 1 fatal failure, 3 partial success.`,
	Run: func(cmd *cobra.Command, args []string) {
		logger := newLogger()

		m, st, items, err := buildPlan(applyOpts)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Apply aborted before execution: %v\n", err)
			os.Exit(1)
		}
		if !diff.HasWork(items) {
			fmt.Println("Nothing to do: deployment state matches the manifest.")
			return
		}
		printPlan(items)

		resolver := secrets.NewResolver()
		collabs, err := buildCollaborators(resolver)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Apply aborted before execution: %v\n", err)
			os.Exit(1)
		}

		cfg := executor.Config{
			RetryBudget: viper.GetInt("retry_budget"),
			RetryDelay:  viper.GetDuration("retry_delay"),
			Backoff:     viper.GetBool("retry_backoff"),
			Parallelism: viper.GetInt("parallelism"),
		}
		engine := executor.New(cfg, collabs, health.NewProber(logger), resolver, logger)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		summary, runErr := engine.Run(ctx, m, st, items)
		printSummary(summary)
		if runErr != nil {
			fmt.Fprintf(os.Stderr, "\n%v\n", runErr)
		}
		os.Exit(summary.ExitCode())
	},
}

// buildCollaborators picks the configured backends. Dry runs use in-memory
// fakes so the whole pipeline can be exercised without touching anything.
func buildCollaborators(resolver secrets.Resolver) (*collab.Set, error) {
	if applyDryRun {
		set, _ := collab.FakeSet()
		return set, nil
	}

	endpoints := collab.Endpoints{
		ProvisionerURL: viper.GetString("endpoints.provisioner"),
		IdentityURL:    viper.GetString("endpoints.identity"),
		ConfigURL:      viper.GetString("endpoints.config"),
	}
	if endpoints.ProvisionerURL == "" || endpoints.IdentityURL == "" || endpoints.ConfigURL == "" {
		return nil, fmt.Errorf("endpoints.provisioner, endpoints.identity, and endpoints.config must be configured (or use --dry-run)")
	}

	// The API token is a secret reference, resolved just-in-time like every
	// other credential.
	if ref := viper.GetString("endpoints.token_ref"); ref != "" {
		token, err := resolver.Resolve(ref)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve API token: %w", err)
		}
		endpoints.Token = token
	}
	return collab.NewHTTPSet(endpoints), nil
}

func printSummary(summary *executor.Summary) {
	counts := summary.Counts()
	fmt.Printf("\nApply finished: %d succeeded, %d failed, %d skipped, %d not started\n",
		counts[executor.StatusSucceeded],
		counts[executor.StatusFatallyFailed],
		counts[executor.StatusSkipped],
		counts[executor.StatusPending])

	for _, report := range summary.Reports() {
		if report.Status == executor.StatusFatallyFailed {
			fmt.Printf("  FAILED %s/%s: %v\n", report.Item.Service, report.Item.Kind, report.Err)
		}
	}
	if summary.Cancelled {
		fmt.Println("  run cancelled, partial state persisted")
	}
}

func init() {
	applyCmd.Flags().StringSliceVar(&applyOpts.Only, "only", nil, "restrict the run to these services")
	applyCmd.Flags().StringSliceVar(&applyOpts.Skip, "skip", nil, "mark these services as operator-skipped")
	applyCmd.Flags().StringSliceVar(&applyOpts.Force, "force", nil, "always emit update for these services")
	applyCmd.Flags().BoolVar(&applyDryRun, "dry-run", false, "execute against in-memory fakes")

	applyCmd.Flags().Int("parallelism", 1, "concurrent work items within a layer")
	applyCmd.Flags().Int("retry-budget", 2, "retries per work item after the first failure")
	applyCmd.Flags().Duration("retry-delay", 2*time.Second, "wait before retrying a failed item")
	applyCmd.Flags().Bool("retry-backoff", false, "double the retry delay after each failure")
	viper.BindPFlag("parallelism", applyCmd.Flags().Lookup("parallelism"))
	viper.BindPFlag("retry_budget", applyCmd.Flags().Lookup("retry-budget"))
	viper.BindPFlag("retry_delay", applyCmd.Flags().Lookup("retry-delay"))
	viper.BindPFlag("retry_backoff", applyCmd.Flags().Lookup("retry-backoff"))

	rootCmd.AddCommand(applyCmd)
}
