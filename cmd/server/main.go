package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ksred/klear-liquidity/internal/auth"
	"github.com/ksred/klear-liquidity/internal/balance"
	"github.com/ksred/klear-liquidity/internal/config"
	"github.com/ksred/klear-liquidity/internal/database"
	"github.com/ksred/klear-liquidity/internal/dispatcher"
	"github.com/ksred/klear-liquidity/internal/events"
	"github.com/ksred/klear-liquidity/internal/exchange"
	"github.com/ksred/klear-liquidity/internal/graph"
	"github.com/ksred/klear-liquidity/internal/override"
	"github.com/ksred/klear-liquidity/internal/pipeline"
	"github.com/ksred/klear-liquidity/internal/rule"
	"github.com/ksred/klear-liquidity/internal/types"

	"github.com/gin-gonic/gin"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	// Configure pretty logging for development
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Set global log level
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

func main() {
	config.LoadEnvironment()

	var (
		port   int
		dbPath string
	)

	loadConfig := func() *config.Config {
		cfg := config.NewConfig()
		cfg.LoadFromEnvironment()
		if port != 0 {
			cfg.Port = port
		}
		if dbPath != "" {
			cfg.DBPath = dbPath
		}
		if err := cfg.Validate(); err != nil {
			zlog.Fatal().Err(err).Msg("Invalid configuration")
		}
		return cfg
	}

	rootCmd := &cobra.Command{
		Use:   "liquidity-server",
		Short: "Liquidity management engine",
		Long:  `liquidity-server watches balances against liquidity rules and runs corrective action chains on external venues.`,
		Run: func(cmd *cobra.Command, args []string) {
			serve(loadConfig())
		},
	}
	rootCmd.PersistentFlags().IntVarP(&port, "port", "p", 0, "Port to listen on (overrides PORT)")
	rootCmd.PersistentFlags().StringVarP(&dbPath, "db", "", "", "Path to the sqlite database (overrides LME_DB_PATH)")

	validateCmd := &cobra.Command{
		Use:   "validate-graph",
		Short: "Check the action graph and every rule's chains",
		Run: func(cmd *cobra.Command, args []string) {
			if problems := validateGraph(loadConfig()); problems > 0 {
				zlog.Fatal().Int("problems", problems).Msg("Action graph is invalid")
			}
			zlog.Info().Msg("Action graph is valid")
		},
	}

	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Print an operator token for the configured credentials",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			authService := auth.NewService(cfg.JWTSecret)
			authService.RegisterCredentials(cfg.OperatorKey, cfg.OperatorSecret, auth.AllPermissions...)
			token, err := authService.GenerateToken(auth.Credentials{APIKey: cfg.OperatorKey, APISecret: cfg.OperatorSecret})
			if err != nil {
				zlog.Fatal().Err(err).Msg("Failed to generate token")
			}
			fmt.Println(token.Token)
		},
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the API server and background jobs",
		Run:   rootCmd.Run,
	})
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(tokenCmd)

	if err := rootCmd.Execute(); err != nil {
		zlog.Fatal().Err(err).Msg("Failed to execute command")
	}
}

func newRegistry(cfg *config.Config) *dispatcher.Registry {
	connectors, err := exchange.NewFromNames(cfg.Connectors)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to create connectors")
	}
	registry, err := dispatcher.NewRegistry(connectors...)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to register connectors")
	}
	return registry
}

// serve wires every component, runs the background jobs and the HTTP
// server, and shuts down gracefully on SIGINT or SIGTERM
func serve(cfg *config.Config) {
	// Initialize database
	db, err := database.NewDatabase(cfg.DBPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	registry := newRegistry(cfg)
	hub := events.NewHub()
	bus := events.NewBus(hub)

	graphService := graph.NewService(db, registry)
	balanceService := balance.NewService(db)

	executor := pipeline.NewExecutor(db, graphService, registry, bus, pipeline.Options{
		CompletionTimeout:  cfg.CompletionTimeout,
		MaxCompletionPolls: cfg.MaxCompletionPolls,
		ReconcileInterval:  cfg.ReconcileInterval,
	})
	// Pipelines may be created before executor.Start runs
	jobsCtx, jobsCancel := context.WithCancel(context.Background())
	defer jobsCancel()
	executor.Bind(jobsCtx)
	registry.Subscribe(executor.HandleCompletion)

	ruleService := rule.NewService(db, graphService, executor, bus)
	executor.OnTerminal(ruleService.HandlePipelineTerminal)

	evaluator := rule.NewEvaluator(executor, balanceService, bus, rule.EvaluatorOptions{
		TargetPolicy:  cfg.TargetPolicy,
		MaxBalanceAge: cfg.MaxBalanceAge,
	})
	scheduler := rule.NewScheduler(ruleService, evaluator, rule.SchedulerOptions{
		EvaluationInterval:   cfg.EvaluationInterval,
		RefreshInterval:      cfg.RuleRefreshInterval,
		ReactivationInterval: cfg.ReactivationInterval,
	})
	balanceService.Subscribe(scheduler.OnBalance)

	overrideService := override.NewService(db, graphService, executor, bus)

	authService := auth.NewService(cfg.JWTSecret)
	authService.RegisterCredentials(cfg.OperatorKey, cfg.OperatorSecret, auth.AllPermissions...)

	// Start background jobs
	go hub.Run(jobsCtx)
	go executor.Start(jobsCtx)
	go scheduler.Start(jobsCtx)

	router := gin.Default()
	setupRoutes(router, authService, handlers{
		auth:      auth.NewGinHandlers(authService),
		graph:     graph.NewGinHandlers(graphService),
		rules:     rule.NewGinHandlers(ruleService),
		balances:  balance.NewGinHandlers(balanceService),
		pipelines: pipeline.NewGinHandlers(executor),
		overrides: override.NewGinHandlers(overrideService),
		events:    hub,
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}

	// Graceful shutdown setup
	go func() {
		zlog.Info().Int("port", cfg.Port).Strs("connectors", registry.Systems()).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	// In-flight orders stay IN_PROGRESS and are resumed on the next start
	jobsCancel()
	executor.Wait()

	zlog.Info().Msg("Server exiting")
}

// validateGraph reports every authored action graph problem and every rule
// whose chain can no longer be snapshotted. Returns the number of problems.
func validateGraph(cfg *config.Config) int {
	db, err := database.NewDatabase(cfg.DBPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	problems := 0
	full, err := graph.NewDatabase(db).LoadGraph()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load action graph")
	}
	if err := full.Validate(); err != nil {
		zlog.Error().Err(err).Msg("Action graph")
		problems++
	}
	zlog.Info().Int("actions", full.Len()).Msg("Loaded action graph")

	graphService := graph.NewService(db, newRegistry(cfg))
	rules, err := rule.NewDatabase(db).ListRules("")
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load rules")
	}
	for _, r := range rules {
		for kind, head := range map[types.PipelineType]*uint{
			types.PipelineTypeDeficit:    r.DeficitStartActionID,
			types.PipelineTypeRedundancy: r.RedundancyStartActionID,
		} {
			if head == nil {
				continue
			}
			if _, err := graphService.Snapshot(*head); err != nil {
				zlog.Error().Err(err).Uint("rule_id", r.ID).Str("type", string(kind)).Msg("Rule chain")
				problems++
			}
		}
	}
	return problems
}
