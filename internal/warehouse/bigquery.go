package warehouse

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/googleapi"
	"go.uber.org/zap"

	"github.com/nber-i3/pvingest/internal/schema"
)

// Registrar creates and annotates BigQuery tables from uploaded parquet.
type Registrar struct {
	client *bigquery.Client
	logger *zap.Logger
}

// NewRegistrar builds a Registrar.
func NewRegistrar(client *bigquery.Client, logger *zap.Logger) (*Registrar, error) {
	if client == nil {
		return nil, fmt.Errorf("bigquery client is required")
	}
	return &Registrar{client: client, logger: logger}, nil
}

// EnsureDataset creates the dataset if it does not already exist.
func (r *Registrar) EnsureDataset(ctx context.Context, datasetID string) error {
	ds := r.client.Dataset(datasetID)
	if _, err := ds.Metadata(ctx); err == nil {
		return nil
	} else if !isNotFound(err) {
		return fmt.Errorf("inspect dataset %s: %w", datasetID, err)
	}
	if err := ds.Create(ctx, &bigquery.DatasetMetadata{Name: datasetID}); err != nil {
		return fmt.Errorf("create dataset %s: %w", datasetID, err)
	}
	r.logger.Info("dataset created", zap.String("dataset", datasetID))
	return nil
}

// LoadParquet replaces the table's contents with the parquet object at
// gcsURI. An explicit schema wins over parquet-derived types when the
// table has a declared schema document.
func (r *Registrar) LoadParquet(
	ctx context.Context,
	gcsURI string,
	datasetID string,
	tableID string,
	doc *schema.Document,
) error {
	ref := bigquery.NewGCSReference(gcsURI)
	ref.SourceFormat = bigquery.Parquet
	if doc != nil {
		ref.Schema = toBigQuerySchema(doc.Fields)
	}

	loader := r.client.Dataset(datasetID).Table(tableID).LoaderFrom(ref)
	loader.WriteDisposition = bigquery.WriteTruncate

	job, err := loader.Run(ctx)
	if err != nil {
		return fmt.Errorf("start load of %s.%s: %w", datasetID, tableID, err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("wait for load of %s.%s: %w", datasetID, tableID, err)
	}
	if err := status.Err(); err != nil {
		return fmt.Errorf("load %s.%s from %s: %w", datasetID, tableID, gcsURI, err)
	}

	r.logger.Info("table loaded",
		zap.String("dataset", datasetID),
		zap.String("table", tableID),
		zap.String("source", gcsURI),
	)
	return nil
}

// ApplyDescription sets the table's human-readable description.
func (r *Registrar) ApplyDescription(ctx context.Context, datasetID, tableID, description string) error {
	if strings.TrimSpace(description) == "" {
		return nil
	}
	table := r.client.Dataset(datasetID).Table(tableID)
	update := bigquery.TableMetadataToUpdate{Description: description}
	if _, err := table.Update(ctx, update, ""); err != nil {
		return fmt.Errorf("update description of %s.%s: %w", datasetID, tableID, err)
	}
	return nil
}

// GrantPublicRead adds an allUsers data-viewer entry to the dataset's
// access list. Existing grants are preserved; the call is idempotent.
func (r *Registrar) GrantPublicRead(ctx context.Context, datasetID string) error {
	ds := r.client.Dataset(datasetID)
	md, err := ds.Metadata(ctx)
	if err != nil {
		return fmt.Errorf("inspect dataset %s: %w", datasetID, err)
	}

	for _, entry := range md.Access {
		if entry.EntityType == bigquery.IAMMemberEntity && entry.Entity == "allUsers" {
			return nil
		}
	}

	access := append(md.Access, &bigquery.AccessEntry{
		Role:       bigquery.ReaderRole,
		EntityType: bigquery.IAMMemberEntity,
		Entity:     "allUsers",
	})
	update := bigquery.DatasetMetadataToUpdate{Access: access}
	if _, err := ds.Update(ctx, update, md.ETag); err != nil {
		return fmt.Errorf("grant public read on %s: %w", datasetID, err)
	}
	r.logger.Info("dataset made public", zap.String("dataset", datasetID))
	return nil
}

// toBigQuerySchema converts a declared schema document to BigQuery form.
// Unknown declared types fall back to STRING, mirroring the converter.
func toBigQuerySchema(fields []schema.Field) bigquery.Schema {
	out := make(bigquery.Schema, 0, len(fields))
	for _, f := range fields {
		var ft bigquery.FieldType
		switch strings.ToUpper(f.Type) {
		case "INTEGER", "INT64":
			ft = bigquery.IntegerFieldType
		case "DATE":
			ft = bigquery.DateFieldType
		case "FLOAT", "FLOAT64":
			ft = bigquery.FloatFieldType
		case "BOOLEAN", "BOOL":
			ft = bigquery.BooleanFieldType
		case "TIMESTAMP":
			ft = bigquery.TimestampFieldType
		default:
			ft = bigquery.StringFieldType
		}
		out = append(out, &bigquery.FieldSchema{
			Name:        f.Name,
			Type:        ft,
			Description: f.Description,
		})
	}
	return out
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}
