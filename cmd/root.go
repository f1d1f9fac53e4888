// Package cmd implements the pvingest command line interface.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nber-i3/pvingest/internal/config"
	"github.com/nber-i3/pvingest/internal/logging"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pvingest",
		Short: "PatentsView bulk data ingestion pipeline",
		Long: `pvingest downloads PatentsView bulk archives, converts them to
parquet without materializing the uncompressed TSV on disk, and registers
the results as public BigQuery tables. Re-invocations only re-run tasks
whose inputs changed since the last successful completion.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (settings also read from PVINGEST_* environment variables)")

	cmd.AddCommand(newRunCmd(), newDownloadCmd(), newConvertCmd())
	return cmd
}

// Execute runs the CLI. SIGINT and SIGTERM abort the run between tasks;
// in-flight tasks finish or fail naturally.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "pvingest:", err)
		os.Exit(1)
	}
}

// loadRuntime loads validated configuration and builds the run logger.
func loadRuntime() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}
