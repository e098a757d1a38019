package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devrev/pairdb/txnstore/internal/config"
	"github.com/devrev/pairdb/txnstore/internal/db"
	"github.com/devrev/pairdb/txnstore/internal/health"
	"github.com/devrev/pairdb/txnstore/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:           "txnstore",
		Short:         "Transactional key-value store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("CONFIG_PATH"), "path to the YAML config file")

	rootCmd.AddCommand(
		newServeCommand(),
		newCheckpointCommand(),
		newGetCommand(),
		newPutCommand(),
		newPrintConfigCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// setup loads the configuration and builds the logger it describes
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := initLogger(&cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, logger, nil
}

// initLogger initializes the zap logger
func initLogger(cfg *config.LoggingConfig) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// withDB opens the database for a one-shot command and closes it afterwards
func withDB(fn func(ctx context.Context, database *db.DB) error) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	// A one-shot command must not race a background checkpoint
	cfg.Checkpoint.Enabled = false

	ctx := context.Background()
	database, err := db.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer database.Close()

	return fn(ctx, database)
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Open the database and serve the admin endpoints until signalled",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

func serve() error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.String("node_id", cfg.Server.NodeID),
		zap.String("data_dir", cfg.Storage.DataDir),
		zap.String("snapshot_strategy", cfg.Transaction.SnapshotStrategy))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	database, err := db.Open(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		if err := database.Close(); err != nil {
			logger.Error("Failed to close database", zap.Error(err))
		}
	}()

	hc := health.NewHealthChecker(&health.HealthCheckConfig{
		NodeID:   cfg.Server.NodeID,
		Interval: 10 * time.Second,
	}, logger)
	hc.Register(health.WALCheck(database.WALErr))
	hc.Register(health.DataDirCheck(cfg.Storage.DataDir))
	hc.Register(health.DiskCheck(database.DiskUsage))
	go hc.Start(ctx)

	var admin *server.AdminServer
	if cfg.Metrics.Enabled {
		admin = server.NewAdminServer(&server.AdminServerConfig{
			Port:         cfg.Metrics.Port,
			MetricsPath:  cfg.Metrics.Path,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		}, database, database.Metrics(), hc, logger)
		if err := admin.Start(); err != nil {
			return err
		}
	}

	logger.Info("txnstore started", zap.String("node_id", cfg.Server.NodeID))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	logger.Info("Shutting down gracefully...", zap.String("signal", sig.String()))
	hc.SetDraining(true)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if admin != nil {
		if err := admin.Shutdown(shutdownCtx); err != nil {
			logger.Error("Failed to stop admin server", zap.Error(err))
		}
	}
	return nil
}

func newCheckpointCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoint",
		Short: "Recover, write a checkpoint and truncate the WAL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(ctx context.Context, database *db.DB) error {
				info, err := database.Checkpoint(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "checkpoint %s: %d entries at commit seq %d\n", info.Path, info.Entries, info.CommitSeq)
				return nil
			})
		},
	}
}

func newGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Print the value and version of a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(ctx context.Context, database *db.DB) error {
				value, version, err := database.Get(ctx, args[0])
				if err != nil {
					return err
				}
				if version == 0 {
					return fmt.Errorf("key %q not found", args[0])
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s (version %d)\n", value, version)
				return nil
			})
		},
	}
}

func newPutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "put <key> <value>",
		Short: "Write a key in its own transaction",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(ctx context.Context, database *db.DB) error {
				version, err := database.Put(ctx, args[0], []byte(args[1]))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "version %d\n", version)
				return nil
			})
		},
	}
}

func newPrintConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "print-config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return cfg.Dump(cmd.OutOrStdout())
		},
	}
}
