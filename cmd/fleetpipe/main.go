package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"fleetpipe/internal/config"
	"fleetpipe/internal/logging"
	"fleetpipe/internal/metrics"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fleetpipe: %v\n", err)
	}
	os.Exit(exitCode(err))
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, config.ErrInvalid):
		return exitConfig
	default:
		return exitRuntime
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "fleetpipe",
		Short:         "Vehicle telemetry pipeline",
		Long:          "fleetpipe publishes vehicle telemetry samples to a Kafka topic and persists them from it.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", ".env", "config file (.env, yaml, toml or json)")

	root.AddCommand(
		&cobra.Command{
			Use:   "generate",
			Short: "Generate samples and publish them in per-vehicle order",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return run(cmd.Context(), cfgPath, config.RoleGenerator, runGenerate)
			},
		},
		&cobra.Command{
			Use:   "consume",
			Short: "Consume samples from the topic into the database",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return run(cmd.Context(), cfgPath, config.RoleConsumer, runConsume)
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Create the database schema",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return run(cmd.Context(), cfgPath, config.RoleMigrate, runMigrate)
			},
		},
	)
	return root
}

type roleFunc func(ctx context.Context, cfg config.Config, logger *zap.Logger) error

// run loads configuration for role, then runs fn beside the optional metrics
// exporter. The exporter stops when fn returns.
func run(ctx context.Context, cfgPath string, role config.Role, fn roleFunc) error {
	cfg, err := config.Load(cfgPath, role)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}
	defer func() { _ = logger.Sync() }()

	metrics.Register(prometheus.DefaultRegisterer)

	ctx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)
	if cfg.Metrics.Addr != "" {
		g.Go(func() error {
			return metrics.Serve(gctx, cfg.Metrics.Addr, prometheus.DefaultGatherer, logger.Named("metrics"))
		})
	}
	g.Go(func() error {
		defer stop()
		return fn(gctx, cfg, logger)
	})
	if err := g.Wait(); err != nil {
		logger.Error("fleetpipe stopped with error", zap.Error(err))
		return err
	}
	return nil
}

// clientID returns the configured id, or a unique one for role.
func clientID(configured, role string) string {
	if configured != "" {
		return configured
	}
	return fmt.Sprintf("fleetpipe-%s-%s", role, uuid.NewString())
}
