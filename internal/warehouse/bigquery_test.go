package warehouse

import (
	"testing"

	"cloud.google.com/go/bigquery"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nber-i3/pvingest/internal/schema"
)

func TestNewRegistrarRequiresClient(t *testing.T) {
	t.Parallel()

	_, err := NewRegistrar(nil, zap.NewNop())
	require.Error(t, err)
}

func TestNewGCSUploaderValidation(t *testing.T) {
	t.Parallel()

	_, err := NewGCSUploader(nil, "bucket")
	require.Error(t, err)
}

func TestToBigQuerySchema(t *testing.T) {
	t.Parallel()

	fields := []schema.Field{
		{Name: "patent_id", Type: "STRING", Description: "US patent number"},
		{Name: "num_claims", Type: "INTEGER"},
		{Name: "patent_date", Type: "DATE"},
		{Name: "withdrawn", Type: "BOOLEAN"},
		{Name: "mystery", Type: "GEOGRAPHY"},
	}

	got := toBigQuerySchema(fields)
	require.Len(t, got, 5)

	require.Equal(t, "patent_id", got[0].Name)
	require.Equal(t, bigquery.StringFieldType, got[0].Type)
	require.Equal(t, "US patent number", got[0].Description)

	require.Equal(t, bigquery.IntegerFieldType, got[1].Type)
	require.Equal(t, bigquery.DateFieldType, got[2].Type)
	require.Equal(t, bigquery.BooleanFieldType, got[3].Type)

	// Types the loader does not understand fall back to STRING.
	require.Equal(t, bigquery.StringFieldType, got[4].Type)
}
