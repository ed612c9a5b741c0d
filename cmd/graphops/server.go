package graphops

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	graphopslib "github.com/soundprediction/go-graphops"
	"github.com/soundprediction/go-graphops/pkg/config"
	"github.com/soundprediction/go-graphops/pkg/graph"
	"github.com/soundprediction/go-graphops/pkg/lock"
	"github.com/soundprediction/go-graphops/pkg/logger"
	"github.com/soundprediction/go-graphops/pkg/scheduler"
	"github.com/soundprediction/go-graphops/pkg/server"
	"github.com/soundprediction/go-graphops/pkg/store"
	"github.com/soundprediction/go-graphops/pkg/types"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the graphops HTTP server",
	Long: `Start the graphops HTTP server to provide REST API access to the
maintenance engine.

The server provides endpoints for:
- Submitting and cancelling maintenance tasks
- Inspecting task records
- Streaming live status updates over websockets
- Health checks and Prometheus metrics

Configuration can be provided through config files, environment variables, or command-line flags.`,
	RunE: runServer,
}

var (
	serverHost string
	serverPort int
	serverMode string
)

func init() {
	rootCmd.AddCommand(serverCmd)

	// Server-specific flags
	serverCmd.Flags().StringVar(&serverHost, "host", "localhost", "Server host")
	serverCmd.Flags().IntVar(&serverPort, "port", 8080, "Server port")
	serverCmd.Flags().StringVar(&serverMode, "mode", "debug", "Server mode (debug, release, test)")

	// Graph engine flags
	serverCmd.Flags().String("graph-driver", "neo4j", "Graph engine driver (neo4j, memory)")
	serverCmd.Flags().String("graph-uri", "bolt://localhost:7687", "Graph engine URI")
	serverCmd.Flags().String("graph-username", "neo4j", "Graph engine username")
	serverCmd.Flags().String("graph-password", "password", "Graph engine password")
	serverCmd.Flags().String("graph-database", "neo4j", "Graph database name")

	// Store flags
	serverCmd.Flags().String("store-path", "", "Task store directory (empty for in-memory)")

	// Task executor flags
	serverCmd.Flags().Int("workers", 4, "Worker pool size")
	serverCmd.Flags().Int("queue-size", 64, "Pending task queue capacity")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	overrideConfigWithFlags(cmd, cfg)

	log := logger.NewFromConfig(cfg.Log.Level, cfg.Log.Format)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	client, err := buildClient(cfg, registry)
	if err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}
	client.Start()

	srv := server.New(cfg, client, registry)
	srv.Setup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server listening", "host", cfg.Server.Host, "port", cfg.Server.Port)
		return srv.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Stop(shutdownCtx); err != nil {
			log.Error("server shutdown failed", "error", err)
		}
		return client.Close(shutdownCtx)
	})
	return g.Wait()
}

// buildClient assembles the engine, the shared badger database and the
// maintenance client from configuration.
func buildClient(cfg *config.Config, registry *prometheus.Registry) (*graphopslib.Client, error) {
	var engine graph.Engine
	switch cfg.Graph.Driver {
	case "memory":
		engine = graph.NewMemoryEngine()
	case "neo4j":
		var err error
		engine, err = graph.NewNeo4jEngine(cfg.Graph.URI, cfg.Graph.Username, cfg.Graph.Password, cfg.Graph.Database)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown graph driver %q", cfg.Graph.Driver)
	}

	db, err := store.OpenBadger(cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	taskStore := store.NewBadgerStore(db)
	scopeLock := lock.NewBadgerLock(db)

	var metrics *scheduler.Metrics
	if registry != nil {
		metrics = scheduler.NewMetrics(registry)
	}

	log := logger.NewFromConfig(cfg.Log.Level, cfg.Log.Format)
	return graphopslib.NewClient(engine, taskStore, scopeLock, log, &graphopslib.Config{
		Tasks: scheduler.Config{
			Workers:         cfg.Tasks.Workers,
			QueueSize:       cfg.Tasks.QueueSize,
			LeaseDuration:   cfg.Tasks.LeaseDuration,
			MaxTaskDuration: cfg.Tasks.MaxTaskDuration,
			SweepInterval:   cfg.Tasks.SweepInterval,
		},
		Recurring: recurringEntries(cfg.Recurring),
		Metrics:   metrics,
	})
}

func recurringEntries(entries []config.RecurringConfig) []scheduler.RecurringEntry {
	out := make([]scheduler.RecurringEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, scheduler.RecurringEntry{
			Spec: e.Spec,
			Request: scheduler.SubmitRequest{
				Kind: types.TaskKind(e.Kind),
				Scope: types.Scope{
					TenantID:  e.TenantID,
					ProjectID: e.ProjectID,
				},
				Params: types.Params{
					SimilarityThreshold: e.Params.SimilarityThreshold,
					DaysSinceUpdate:     e.Params.DaysSinceUpdate,
					RebuildCommunities:  e.Params.RebuildCommunities,
					Operations:          e.Params.Operations,
				},
			},
		})
	}
	return out
}

// overrideConfigWithFlags applies explicitly-set command-line flags over the
// loaded configuration.
func overrideConfigWithFlags(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("host") {
		cfg.Server.Host = serverHost
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = serverPort
	}
	if cmd.Flags().Changed("mode") {
		cfg.Server.Mode = serverMode
	}
	if cmd.Flags().Changed("graph-driver") {
		cfg.Graph.Driver, _ = cmd.Flags().GetString("graph-driver")
	}
	if cmd.Flags().Changed("graph-uri") {
		cfg.Graph.URI, _ = cmd.Flags().GetString("graph-uri")
	}
	if cmd.Flags().Changed("graph-username") {
		cfg.Graph.Username, _ = cmd.Flags().GetString("graph-username")
	}
	if cmd.Flags().Changed("graph-password") {
		cfg.Graph.Password, _ = cmd.Flags().GetString("graph-password")
	}
	if cmd.Flags().Changed("graph-database") {
		cfg.Graph.Database, _ = cmd.Flags().GetString("graph-database")
	}
	if cmd.Flags().Changed("store-path") {
		cfg.Store.Path, _ = cmd.Flags().GetString("store-path")
	}
	if cmd.Flags().Changed("workers") {
		cfg.Tasks.Workers, _ = cmd.Flags().GetInt("workers")
	}
	if cmd.Flags().Changed("queue-size") {
		cfg.Tasks.QueueSize, _ = cmd.Flags().GetInt("queue-size")
	}
}
