package pipeline

import (
	"context"
	"fmt"

	"github.com/nber-i3/pvingest/internal/config"
	"github.com/nber-i3/pvingest/internal/convert"
	"github.com/nber-i3/pvingest/internal/locator"
	"github.com/nber-i3/pvingest/internal/metadata"
	"github.com/nber-i3/pvingest/internal/schema"
)

// ArchiveFetcher downloads one archive to its descriptor's local path.
type ArchiveFetcher interface {
	Download(ctx context.Context, desc locator.Descriptor) error
}

// PageFetcher retrieves small HTML pages.
type PageFetcher interface {
	Fetch(ctx context.Context, pageURL string) ([]byte, error)
}

// TableConverter turns one archive into one parquet file.
type TableConverter interface {
	Convert(ctx context.Context, archivePath, table, outPath string, doc *schema.Document) (convert.Stats, error)
}

// ObjectUploader pushes a local file to object storage.
type ObjectUploader interface {
	UploadFile(ctx context.Context, localPath, object, contentType, kind string) (string, error)
}

// Warehouse registers uploaded parquet as queryable tables.
type Warehouse interface {
	EnsureDataset(ctx context.Context, datasetID string) error
	LoadParquet(ctx context.Context, gcsURI, datasetID, tableID string, doc *schema.Document) error
	ApplyDescription(ctx context.Context, datasetID, tableID, description string) error
	GrantPublicRead(ctx context.Context, datasetID string) error
}

// Components holds the collaborators the task graph drives. A nil
// Uploader, Warehouse or Pages drops the corresponding stages, which
// lets partial runs (download-only, convert-only) reuse the same graph.
type Components struct {
	Fetcher   ArchiveFetcher
	Pages     PageFetcher
	Converter TableConverter
	Uploader  ObjectUploader
	Warehouse Warehouse
}

// BuildGraph assembles the full per-table task graph for the run's
// descriptors. Stage chain per table: download feeds convert and the
// zip upload; convert feeds the parquet upload, which feeds table
// creation and description annotation.
func BuildGraph(cfg config.Config, comps Components, descriptors []locator.Descriptor) (*Graph, error) {
	if comps.Fetcher == nil {
		return nil, fmt.Errorf("archive fetcher is required")
	}

	var tasks []Task
	var createTasks []string

	for _, desc := range descriptors {
		table := desc.Table
		archivePattern := table + ".zip"
		parquetPattern := table + "_*.parquet"

		downloadName := "download_" + table
		tasks = append(tasks, Task{
			Name:         downloadName,
			Table:        table,
			InputDir:     cfg.RawDir(),
			InputPattern: archivePattern,
			Run: func(ctx context.Context) error {
				return comps.Fetcher.Download(ctx, desc)
			},
		})

		if comps.Uploader != nil {
			tasks = append(tasks, Task{
				Name:         "upload_zip_" + table,
				Table:        table,
				Upstreams:    []string{downloadName},
				InputDir:     cfg.RawDir(),
				InputPattern: archivePattern,
				Run: func(ctx context.Context) error {
					_, err := comps.Uploader.UploadFile(ctx,
						cfg.ArchivePath(table), cfg.GCSArchiveObject(table),
						"application/zip", "zip")
					return err
				},
			})
		}

		if comps.Converter == nil {
			continue
		}
		convertName := "convert_" + table
		tasks = append(tasks, Task{
			Name:         convertName,
			Table:        table,
			Upstreams:    []string{downloadName},
			InputDir:     cfg.RawDir(),
			InputPattern: archivePattern,
			Run: func(ctx context.Context) error {
				doc, err := schema.Load(cfg.SchemaDir(), table)
				if err != nil {
					return err
				}
				_, err = comps.Converter.Convert(ctx,
					cfg.ArchivePath(table), table, cfg.ParquetPath(table), doc)
				return err
			},
		})

		if comps.Uploader == nil {
			continue
		}
		uploadName := "upload_parquet_" + table
		tasks = append(tasks, Task{
			Name:         uploadName,
			Table:        table,
			Upstreams:    []string{convertName},
			InputDir:     cfg.ConvertedDir(),
			InputPattern: parquetPattern,
			Run: func(ctx context.Context) error {
				_, err := comps.Uploader.UploadFile(ctx,
					cfg.ParquetPath(table), cfg.GCSParquetObject(table),
					"application/octet-stream", "parquet")
				return err
			},
		})

		if comps.Warehouse == nil {
			continue
		}
		createName := "create_table_" + table
		createTasks = append(createTasks, createName)
		tasks = append(tasks, Task{
			Name:         createName,
			Table:        table,
			Upstreams:    []string{uploadName, "ensure_dataset"},
			InputDir:     cfg.ConvertedDir(),
			InputPattern: parquetPattern,
			Run: func(ctx context.Context) error {
				doc, err := schema.Load(cfg.SchemaDir(), table)
				if err != nil {
					return err
				}
				gcsURI := fmt.Sprintf("gs://%s/%s", cfg.GCS.Bucket, cfg.GCSParquetObject(table))
				return comps.Warehouse.LoadParquet(ctx, gcsURI, cfg.DatasetID(), cfg.TableID(table), doc)
			},
		})

		if comps.Pages != nil {
			tasks = append(tasks, Task{
				Name:         "apply_descriptions_" + table,
				Table:        table,
				Upstreams:    []string{createName, "fetch_metadata"},
				InputDir:     cfg.MetadataDir(),
				InputPattern: "*.json",
				Run: func(ctx context.Context) error {
					descriptions, err := metadata.ReadTableDescriptions(cfg.MetadataDir())
					if err != nil {
						return err
					}
					cleaned := metadata.CleanDescription(descriptions[table])
					return comps.Warehouse.ApplyDescription(ctx, cfg.DatasetID(), cfg.TableID(table), cleaned)
				},
			})
		}
	}

	if comps.Pages != nil {
		tasks = append(tasks, Task{
			Name:         "fetch_metadata",
			InputDir:     cfg.MetadataDir(),
			InputPattern: "*.json",
			Run: func(ctx context.Context) error {
				return fetchMetadata(ctx, cfg, comps.Pages)
			},
		})
	}

	if comps.Warehouse != nil {
		tasks = append(tasks, Task{
			Name: "ensure_dataset",
			Run: func(ctx context.Context) error {
				return comps.Warehouse.EnsureDataset(ctx, cfg.DatasetID())
			},
		})
		if cfg.BigQuery.MakePublic && len(createTasks) > 0 {
			tasks = append(tasks, Task{
				Name:      "publish_dataset",
				Upstreams: createTasks,
				Run: func(ctx context.Context) error {
					return comps.Warehouse.GrantPublicRead(ctx, cfg.DatasetID())
				},
			})
		}
	}

	return NewGraph(tasks)
}

// fetchMetadata scrapes the listing and dictionary pages and persists
// the cleaned description documents for the annotation tasks.
func fetchMetadata(ctx context.Context, cfg config.Config, pages PageFetcher) error {
	src, err := locator.SourceFor(cfg.Flavor)
	if err != nil {
		return err
	}

	listing, err := pages.Fetch(ctx, src.ListingURL)
	if err != nil {
		return err
	}
	tables, err := metadata.ParseTableDescriptions(listing)
	if err != nil {
		return err
	}

	dictionary, err := pages.Fetch(ctx, src.DictionaryURL)
	if err != nil {
		return err
	}
	variables, err := metadata.ParseVariableDescriptions(dictionary)
	if err != nil {
		return err
	}

	return metadata.Write(cfg.MetadataDir(), tables, variables)
}
