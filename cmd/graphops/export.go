package graphops

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/soundprediction/go-graphops/pkg/config"
	"github.com/soundprediction/go-graphops/pkg/store"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export finished task records to a DuckDB audit file",
	Long: `Export all terminal task records from the task store into a DuckDB
database for offline audit queries. The export is idempotent; records
already present are overwritten in place.`,
	RunE: runExport,
}

var exportOutput string

func init() {
	rootCmd.AddCommand(exportCmd)

	exportCmd.Flags().StringVar(&exportOutput, "output", "graphops-audit.duckdb", "DuckDB output file")
}

func runExport(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Store.Path == "" {
		return fmt.Errorf("export requires a persistent store, set store.path")
	}

	taskStore, err := store.OpenBadgerStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("failed to open task store: %w", err)
	}
	defer taskStore.Close()

	exporter, err := store.NewAuditExporter(exportOutput)
	if err != nil {
		return fmt.Errorf("failed to open audit database: %w", err)
	}
	defer exporter.Close()

	tasks, err := taskStore.List(cmd.Context(), store.Filter{})
	if err != nil {
		return fmt.Errorf("failed to list tasks: %w", err)
	}

	exported, err := exporter.ExportTasks(cmd.Context(), tasks)
	if err != nil {
		return fmt.Errorf("export failed: %w", err)
	}

	fmt.Printf("Exported %d task records to %s\n", exported, exportOutput)
	return nil
}
