package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/qualys/iacguard/internal/api"
	"github.com/qualys/iacguard/internal/config"
	"github.com/qualys/iacguard/internal/engine"
	"github.com/qualys/iacguard/internal/graph"
	"github.com/qualys/iacguard/internal/parsers"
	"github.com/qualys/iacguard/internal/policy"
	"github.com/qualys/iacguard/internal/reports"
	"github.com/qualys/iacguard/internal/risk"
	"github.com/qualys/iacguard/internal/store"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		cancel()
	}()

	registry := parsers.DefaultRegistry(logger)

	var st *store.Store
	if cfg.Database.Enabled {
		st, err = store.New(store.Config{
			DSN:          cfg.Database.DSN(),
			MaxOpenConns: cfg.Database.MaxOpenConns,
			MaxIdleConns: cfg.Database.MaxIdleConns,
		})
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			log.Fatalf("Failed to migrate database: %v", err)
		}
	}

	var source policy.Source
	switch {
	case cfg.Policies.FromDatabase && st != nil:
		policyStore := policy.NewPostgresStore(st.DB())
		if err := policyStore.Seed(ctx); err != nil {
			logger.Warn("failed to seed default policies", "error", err)
		}
		source = policyStore
	case cfg.Policies.Path != "":
		source = &policy.FileSource{Path: cfg.Policies.Path}
	}

	policies := policy.DefaultPolicies()
	if source != nil {
		loaded, err := source.Load(ctx)
		if err != nil {
			log.Fatalf("Failed to load policies: %v", err)
		}
		policies = loaded
	}
	library := policy.NewLibrary(policies)
	logger.Info("loaded policies", "count", len(policies))

	var predictor risk.Predictor
	if cfg.Predictor.Enabled {
		predictor = risk.NewHTTPPredictor(cfg.Predictor.URL,
			risk.WithTimeout(cfg.Predictor.Timeout),
			risk.WithLogger(logger))
	}

	engineOpts := []engine.Option{
		engine.WithWorkers(cfg.Evaluator.Workers),
		engine.WithOracleTimeout(cfg.Evaluator.OracleTimeout),
		engine.WithPredictorTimeout(cfg.Predictor.Timeout),
		engine.WithLogger(logger),
	}

	if cfg.Neo4j.Enabled {
		oracle, err := graph.NewNeo4jOracle(graph.Neo4jConfig{
			URI:      cfg.Neo4j.URI,
			Username: cfg.Neo4j.User,
			Password: cfg.Neo4j.Password,
		})
		if err != nil {
			log.Fatalf("Failed to connect to neo4j: %v", err)
		}
		defer oracle.Close(ctx)
		engineOpts = append(engineOpts, engine.WithOracle(oracle))
	}

	eng := engine.New(registry, library, predictor, engineOpts...)
	reporter := reports.NewGenerator(cfg.Reports.OutputDir, reports.WithLogger(logger))

	serverOpts := []api.ServerOption{api.WithLogger(logger)}
	if source != nil {
		serverOpts = append(serverOpts, api.WithPolicySource(source))
	}
	if st != nil {
		serverOpts = append(serverOpts, api.WithStore(st))
	}

	server := api.NewServer(cfg, registry, eng, library, reporter, serverOpts...)

	logger.Info("starting server", "host", cfg.Server.Host, "port", cfg.Server.Port)
	if err := server.Run(ctx); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
