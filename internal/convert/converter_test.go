package convert

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/apache/arrow/go/v10/arrow"
	"github.com/apache/arrow/go/v10/arrow/array"
	"github.com/apache/arrow/go/v10/arrow/memory"
	"github.com/apache/arrow/go/v10/parquet/file"
	"github.com/apache/arrow/go/v10/parquet/pqarrow"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nber-i3/pvingest/internal/config"
	"github.com/nber-i3/pvingest/internal/schema"
)

func writeArchive(t *testing.T, dir string, entries map[string]string) string {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range entries {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	path := filepath.Join(dir, "g_patent.zip")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o640))
	return path
}

func converterFor(t *testing.T, chunkRows int, maxSkipRatio float64) *Converter {
	t.Helper()
	cfg := config.Config{
		Convert: config.ConvertConfig{ChunkRows: chunkRows, MaxSkipRatio: maxSkipRatio},
	}
	return New(cfg, zap.NewNop())
}

func readTable(t *testing.T, path string) arrow.Table {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })

	pf, err := file.NewParquetReader(f)
	require.NoError(t, err)

	reader, err := pqarrow.NewFileReader(pf, pqarrow.ArrowReadProperties{}, memory.NewGoAllocator())
	require.NoError(t, err)

	table, err := reader.ReadTable(context.Background())
	require.NoError(t, err)
	t.Cleanup(table.Release)
	return table
}

func int64Column(t *testing.T, table arrow.Table, idx int) *array.Int64 {
	t.Helper()
	chunks := table.Column(idx).Data().Chunks()
	require.Len(t, chunks, 1)
	col, ok := chunks[0].(*array.Int64)
	require.True(t, ok)
	return col
}

func stringColumn(t *testing.T, table arrow.Table, idx int) *array.String {
	t.Helper()
	chunks := table.Column(idx).Data().Chunks()
	require.Len(t, chunks, 1)
	col, ok := chunks[0].(*array.String)
	require.True(t, ok)
	return col
}

func TestConvertTypedColumns(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	archive := writeArchive(t, dir, map[string]string{
		"g_patent.tsv": "id\tname\n1\talpha\n2\tbeta\n",
	})
	doc := &schema.Document{
		Table: "g_patent",
		Fields: []schema.Field{
			{Name: "id", Type: "INTEGER"},
			{Name: "name", Type: "STRING"},
		},
	}
	outPath := filepath.Join(dir, "g_patent_20250317.parquet")

	stats, err := converterFor(t, 1000, 0).Convert(context.Background(), archive, "g_patent", outPath, doc)
	require.NoError(t, err)
	require.EqualValues(t, 2, stats.Rows)
	require.EqualValues(t, 0, stats.Skipped)
	require.Equal(t, 2, stats.Columns)

	table := readTable(t, outPath)
	require.EqualValues(t, 2, table.NumRows())
	require.Equal(t, arrow.PrimitiveTypes.Int64, table.Schema().Field(0).Type)

	ids := int64Column(t, table, 0)
	require.EqualValues(t, 1, ids.Value(0))
	require.EqualValues(t, 2, ids.Value(1))

	names := stringColumn(t, table, 1)
	require.Equal(t, "alpha", names.Value(0))
	require.Equal(t, "beta", names.Value(1))
}

func TestConvertDefaultsToStringWithoutSchema(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	archive := writeArchive(t, dir, map[string]string{
		"g_patent.tsv": "id\tname\n1\talpha\n",
	})
	outPath := filepath.Join(dir, "out.parquet")

	_, err := converterFor(t, 1000, 0).Convert(context.Background(), archive, "g_patent", outPath, nil)
	require.NoError(t, err)

	table := readTable(t, outPath)
	require.Equal(t, arrow.BinaryTypes.String, table.Schema().Field(0).Type)

	ids := stringColumn(t, table, 0)
	require.Equal(t, "1", ids.Value(0))
}

func TestConvertDateColumns(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	archive := writeArchive(t, dir, map[string]string{
		"g_patent.tsv": "patent_date\n2024-02-29\nnot-a-date\n",
	})
	doc := &schema.Document{
		Table:  "g_patent",
		Fields: []schema.Field{{Name: "patent_date", Type: "DATE"}},
	}
	outPath := filepath.Join(dir, "out.parquet")

	stats, err := converterFor(t, 1000, 0).Convert(context.Background(), archive, "g_patent", outPath, doc)
	require.NoError(t, err)
	require.EqualValues(t, 2, stats.Rows)

	table := readTable(t, outPath)
	require.Equal(t, arrow.FixedWidthTypes.Date32, table.Schema().Field(0).Type)

	chunks := table.Column(0).Data().Chunks()
	require.Len(t, chunks, 1)
	dates, ok := chunks[0].(*array.Date32)
	require.True(t, ok)
	require.False(t, dates.IsNull(0))
	require.Equal(t, "2024-02-29", dates.Value(0).ToTime().Format("2006-01-02"))
	// Unparseable typed cells become nulls, not row failures.
	require.True(t, dates.IsNull(1))
}

func TestConvertSkipsMalformedRows(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	archive := writeArchive(t, dir, map[string]string{
		"g_patent.tsv": "id\tname\n1\talpha\nonly-one-field\n2\tbeta\n3\tgamma\textra\n",
	})
	outPath := filepath.Join(dir, "out.parquet")

	stats, err := converterFor(t, 1000, 0).Convert(context.Background(), archive, "g_patent", outPath, nil)
	require.NoError(t, err)
	require.EqualValues(t, 2, stats.Rows)
	require.EqualValues(t, 2, stats.Skipped)

	table := readTable(t, outPath)
	require.EqualValues(t, 2, table.NumRows())
}

func TestConvertSkipRatioThreshold(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	archive := writeArchive(t, dir, map[string]string{
		"g_patent.tsv": "id\tname\n1\talpha\nbad\nbad\nbad\n",
	})
	outPath := filepath.Join(dir, "out.parquet")

	_, err := converterFor(t, 1000, 0.5).Convert(context.Background(), archive, "g_patent", outPath, nil)
	require.Error(t, err)

	var convErr *ConversionError
	require.True(t, errors.As(err, &convErr))
	require.Equal(t, "g_patent", convErr.Table)

	// Threshold failure must not leave any output behind.
	_, statErr := os.Stat(outPath)
	require.True(t, errors.Is(statErr, os.ErrNotExist))
	_, statErr = os.Stat(outPath + ".partial")
	require.True(t, errors.Is(statErr, os.ErrNotExist))
}

func TestConvertChunkedWrites(t *testing.T) {
	t.Parallel()

	var body bytes.Buffer
	body.WriteString("id\n")
	for i := 0; i < 10; i++ {
		body.WriteString("row\n")
	}

	dir := t.TempDir()
	archive := writeArchive(t, dir, map[string]string{"g_patent.tsv": body.String()})
	outPath := filepath.Join(dir, "out.parquet")

	// Chunk size far below row count forces multiple row groups.
	stats, err := converterFor(t, 3, 0).Convert(context.Background(), archive, "g_patent", outPath, nil)
	require.NoError(t, err)
	require.EqualValues(t, 10, stats.Rows)

	f, err := os.Open(outPath)
	require.NoError(t, err)
	defer f.Close() //nolint:errcheck // read side

	pf, err := file.NewParquetReader(f)
	require.NoError(t, err)
	require.EqualValues(t, 10, pf.NumRows())
	require.Equal(t, 4, pf.NumRowGroups())
}

func TestConvertMissingEntry(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	archive := writeArchive(t, dir, map[string]string{"readme.txt": "no tsv here"})
	outPath := filepath.Join(dir, "out.parquet")

	_, err := converterFor(t, 1000, 0).Convert(context.Background(), archive, "g_patent", outPath, nil)
	require.Error(t, err)

	var convErr *ConversionError
	require.True(t, errors.As(err, &convErr))
	_, statErr := os.Stat(outPath)
	require.True(t, errors.Is(statErr, os.ErrNotExist))
}

func TestConvertUnreadableArchive(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "g_patent.zip")
	require.NoError(t, os.WriteFile(path, []byte("not a zip"), 0o640))

	_, err := converterFor(t, 1000, 0).Convert(context.Background(), path, "g_patent", filepath.Join(dir, "out.parquet"), nil)
	require.Error(t, err)
}

func TestConvertStripsOuterQuotes(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	archive := writeArchive(t, dir, map[string]string{
		"g_patent.tsv": "name\n\"\"quoted\"\"\nplain\n",
	})
	outPath := filepath.Join(dir, "out.parquet")

	_, err := converterFor(t, 1000, 0).Convert(context.Background(), archive, "g_patent", outPath, nil)
	require.NoError(t, err)

	table := readTable(t, outPath)
	names := stringColumn(t, table, 0)
	require.Equal(t, "quoted", names.Value(0))
	require.Equal(t, "plain", names.Value(1))
}
