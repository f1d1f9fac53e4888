package cmd

import (
	"context"
	"errors"
	"net/http"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nber-i3/pvingest/internal/config"
	"github.com/nber-i3/pvingest/internal/convert"
	"github.com/nber-i3/pvingest/internal/fetch"
	"github.com/nber-i3/pvingest/internal/locator"
	"github.com/nber-i3/pvingest/internal/metrics"
	"github.com/nber-i3/pvingest/internal/pipeline"
	"github.com/nber-i3/pvingest/internal/publisher"
	pubsubpub "github.com/nber-i3/pvingest/internal/publisher/pubsub"
	"github.com/nber-i3/pvingest/internal/warehouse"
)

func newRunCmd() *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the full ingestion pipeline",
		Long: `Resolves the table listing for the configured flavor and version,
then runs download, conversion, upload and warehouse registration as a
dependency graph. Tasks whose outputs are already up to date are skipped.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPipeline(cmd.Context(), metricsAddr)
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "",
		"address to serve Prometheus metrics on (empty disables)")
	return cmd
}

func runPipeline(ctx context.Context, metricsAddr string) error {
	cfg, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck // best effort on exit

	if metricsAddr != "" {
		srv := &http.Server{
			Addr:              metricsAddr,
			Handler:           metrics.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("metrics server stopped", zap.Error(err))
			}
		}()
		defer srv.Shutdown(context.Background()) //nolint:errcheck // shutdown on exit
	}

	pages := fetch.NewPageFetcher(cfg, logger)
	descriptors, err := resolveDescriptors(ctx, cfg, pages, logger)
	if err != nil {
		return err
	}

	comps := pipeline.Components{
		Fetcher:   fetch.NewDownloader(cfg, logger),
		Pages:     pages,
		Converter: convert.New(cfg, logger),
	}

	if cfg.GCS.Bucket != "" {
		storageClient, err := storage.NewClient(ctx)
		if err != nil {
			return err
		}
		defer storageClient.Close() //nolint:errcheck // close on exit
		comps.Uploader, err = warehouse.NewGCSUploader(storageClient, cfg.GCS.Bucket)
		if err != nil {
			return err
		}
	} else {
		logger.Warn("no GCS bucket configured, skipping upload and warehouse stages")
	}

	if comps.Uploader != nil && cfg.BigQuery.ProjectID != "" {
		bqClient, err := bigquery.NewClient(ctx, cfg.BigQuery.ProjectID)
		if err != nil {
			return err
		}
		defer bqClient.Close() //nolint:errcheck // close on exit
		comps.Warehouse, err = warehouse.NewRegistrar(bqClient, logger)
		if err != nil {
			return err
		}
	}

	var pub publisher.Publisher
	if cfg.PubSub.ProjectID != "" && cfg.PubSub.TopicName != "" {
		psClient, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return err
		}
		defer psClient.Close() //nolint:errcheck // close on exit
		topic := psClient.Topic(cfg.PubSub.TopicName)
		defer topic.Stop()
		pub = pubsubpub.New(topic)
	}

	graph, err := pipeline.BuildGraph(cfg, comps, descriptors)
	if err != nil {
		return err
	}
	runner := pipeline.NewRunner(cfg, graph, pipeline.NewResolver(cfg.MarkerDir()), pub, logger)
	return runner.Run(ctx).Err()
}

// resolveDescriptors scrapes the flavor's listing page and resolves the
// in-scope table archives for this run.
func resolveDescriptors(ctx context.Context, cfg config.Config, pages *fetch.PageFetcher, logger *zap.Logger) ([]locator.Descriptor, error) {
	src, err := locator.SourceFor(cfg.Flavor)
	if err != nil {
		return nil, err
	}
	page, err := pages.Fetch(ctx, src.ListingURL)
	if err != nil {
		return nil, err
	}
	links, err := locator.ParseListing(page, src.ListingURL)
	if err != nil {
		return nil, err
	}
	descriptors, err := locator.Resolve(cfg, links)
	if err != nil {
		return nil, err
	}
	logger.Info("tables resolved",
		zap.String("flavor", cfg.Flavor),
		zap.String("version", cfg.Version),
		zap.Int("tables", len(descriptors)),
	)
	return descriptors, nil
}
