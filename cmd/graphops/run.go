package graphops

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/soundprediction/go-graphops/pkg/config"
	"github.com/soundprediction/go-graphops/pkg/scheduler"
	"github.com/soundprediction/go-graphops/pkg/types"
)

var runCmd = &cobra.Command{
	Use:   "run <kind>",
	Short: "Run one maintenance operation and wait for it",
	Long: `Run a single maintenance operation synchronously and print the terminal
task record as JSON. Valid kinds are incremental_refresh, deduplicate,
invalidate_stale_edges, rebuild_communities and optimize.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

var (
	runTenantID  string
	runProjectID string
	runDryRun    bool
	runThreshold float64
	runDays      int
	runRebuild   bool
	runOps       []string
	runEpisodes  []string
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runTenantID, "tenant", "", "Tenant id (required)")
	runCmd.Flags().StringVar(&runProjectID, "project", "", "Project id (required)")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Report what would change without mutating the graph")
	runCmd.Flags().Float64Var(&runThreshold, "similarity-threshold", 0, "Similarity threshold for deduplicate")
	runCmd.Flags().IntVar(&runDays, "days-since-update", -1, "Staleness cutoff in days for invalidate_stale_edges")
	runCmd.Flags().BoolVar(&runRebuild, "rebuild-communities", false, "Chain a community rebuild after incremental_refresh")
	runCmd.Flags().StringSliceVar(&runOps, "operations", nil, "Sub-operations for optimize")
	runCmd.Flags().StringSliceVar(&runEpisodes, "episodes", nil, "Explicit episode ids for incremental_refresh")
	runCmd.MarkFlagRequired("tenant")
	runCmd.MarkFlagRequired("project")
}

func runRun(cmd *cobra.Command, args []string) error {
	kind, err := types.ParseTaskKind(args[0])
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	client, err := buildClient(cfg, nil)
	if err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}
	defer client.Close(cmd.Context())
	client.Start()

	params := types.Params{
		SimilarityThreshold: runThreshold,
		EpisodeIDs:          runEpisodes,
		RebuildCommunities:  runRebuild,
		Operations:          runOps,
	}
	if runDays >= 0 {
		days := runDays
		params.DaysSinceUpdate = &days
	}

	task, err := client.RunSync(cmd.Context(), scheduler.SubmitRequest{
		Kind: kind,
		Scope: types.Scope{
			TenantID:  runTenantID,
			ProjectID: runProjectID,
		},
		Params: params,
		DryRun: runDryRun,
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(task); err != nil {
		return err
	}
	if task.Status != types.StatusCompleted {
		return fmt.Errorf("task %s finished %s", task.ID, task.Status)
	}
	return nil
}
