package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"deepscout/internal/config"
	"deepscout/internal/engine"
	"deepscout/internal/estimator"
	"deepscout/internal/executor"
	"deepscout/internal/logging"
	"deepscout/internal/mcpserver"
	"deepscout/internal/notify"
	"deepscout/internal/observability"
	"deepscout/internal/provider"
	"deepscout/internal/render"
	"deepscout/internal/store"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

var (
	flagConfig string
	flagMock   bool
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "deepscout",
		Short:         "Deep research task orchestrator",
		Long:          "deepscout runs long-running deep research tasks against a remote provider,\nsurviving restarts and exposing progress through MCP tools on stdio.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to config file (default: ./deepscout.yaml)")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newEstimateCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

// Execute runs the CLI. Errors are reported on stderr; stdout stays clean
// for the MCP transport.
func Execute() error {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("Error: %v", err))
		return err
	}
	return nil
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the research tools over MCP on stdio",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&flagMock, "mock", false, "use a simulated provider instead of the real API")
	return cmd
}

func runServe(parent context.Context) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}

	logger := logging.NewComponentLogger("Server")
	logger.Info("deepscout %s starting", Version)

	st, err := store.Open(cfg.DatabasePath, logging.NewComponentLogger("Store"))
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	var client provider.Client
	if flagMock {
		client = provider.NewMockClient(45 * time.Second)
		logger.Info("Using mock provider")
	} else {
		if cfg.APIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is not set")
		}
		client = provider.NewHTTPClient(cfg.ProviderBaseURL, cfg.APIKey,
			logging.NewComponentLogger("Provider"))
	}

	metrics, err := observability.New(cfg.MetricsAddr, logging.NewComponentLogger("Metrics"))
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	renderer, err := render.New()
	if err != nil {
		return err
	}

	exec := executor.New(executor.Options{
		MaxConcurrent: cfg.MaxConcurrent,
		QueueDepth:    cfg.QueueDepth,
		Reject:        cfg.OverflowPolicy == config.OverflowReject,
	}, logging.NewComponentLogger("Executor"))

	eng := engine.New(cfg, engine.Dependencies{
		Store:     st,
		Executor:  exec,
		Provider:  client,
		Notifier:  notify.New(cfg.NotificationsEnabled, logging.NewComponentLogger("Notifier")),
		Renderer:  renderer,
		Estimator: estimator.New(cfg.SyncBudget),
		Metrics:   metrics,
		Logger:    logging.NewComponentLogger("Engine"),
	})

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.Recover(ctx); err != nil {
		logger.Error("Startup recovery failed: %v", err)
	}

	server := mcpserver.New(eng, Version, os.Stdin, os.Stdout, logging.NewComponentLogger("MCP"))
	serveErr := server.Run(ctx)

	logger.Info("Shutting down")
	eng.Shutdown(10 * time.Second)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metrics.Shutdown(shutdownCtx)

	if serveErr != nil && serveErr != context.Canceled {
		return serveErr
	}
	return nil
}

func newEstimateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "estimate <query>",
		Short: "Estimate cost and duration of a research query",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flagConfig)
			if err != nil {
				return err
			}

			query := strings.Join(args, " ")
			est := estimator.New(cfg.SyncBudget).Estimate(query)

			bold := color.New(color.Bold).SprintFunc()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s\n", bold("Complexity:"), est.Complexity)
			fmt.Fprintf(out, "%s %.1f-%.1f minutes (likely %.1f)\n",
				bold("Duration:"), est.MinMinutes, est.MaxMinutes, est.LikelyMinutes)
			fmt.Fprintf(out, "%s $%.2f-$%.2f (likely $%.2f)\n",
				bold("Cost:"), est.MinCostUSD, est.MaxCostUSD, est.LikelyCostUSD)
			fmt.Fprintf(out, "%s %v\n", bold("Will go async:"), est.WillLikelyGoAsync)
			fmt.Fprintf(out, "\n%s\n", est.Recommendation)
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "deepscout %s\n", Version)
		},
	}
}
