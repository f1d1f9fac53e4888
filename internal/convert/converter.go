// Package convert streams compressed TSV archive entries into parquet.
//
// The converter never materializes the decompressed TSV, on disk or in
// memory: rows flow from the zip entry through a bounded-size record
// builder into an incremental parquet writer. Memory use scales with the
// configured chunk size, not with archive size.
package convert

import (
	"archive/zip"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/apache/arrow/go/v10/arrow"
	"github.com/apache/arrow/go/v10/arrow/array"
	"github.com/apache/arrow/go/v10/arrow/memory"
	"github.com/apache/arrow/go/v10/parquet"
	"github.com/apache/arrow/go/v10/parquet/compress"
	"github.com/apache/arrow/go/v10/parquet/pqarrow"
	"go.uber.org/zap"

	"github.com/nber-i3/pvingest/internal/config"
	"github.com/nber-i3/pvingest/internal/metrics"
	"github.com/nber-i3/pvingest/internal/schema"
)

// ConversionError reports a failed archive-to-parquet conversion.
type ConversionError struct {
	Table string
	Path  string
	Err   error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("convert %s (%s): %v", e.Table, e.Path, e.Err)
}

func (e *ConversionError) Unwrap() error {
	return e.Err
}

// Stats summarizes one conversion.
type Stats struct {
	Table   string
	Columns int
	Rows    int64
	Skipped int64
}

// Converter turns raw archives into columnar outputs.
type Converter struct {
	chunkRows    int
	maxSkipRatio float64
	logger       *zap.Logger
}

// New builds a Converter from the run configuration.
func New(cfg config.Config, logger *zap.Logger) *Converter {
	chunk := cfg.Convert.ChunkRows
	if chunk <= 0 {
		chunk = 50000
	}
	return &Converter{
		chunkRows:    chunk,
		maxSkipRatio: cfg.Convert.MaxSkipRatio,
		logger:       logger,
	}
}

// Convert reads the TSV entry for table out of the archive at archivePath
// and writes outPath. The declared schema doc may be nil; undeclared
// columns are typed as strings. The output appears at outPath only after a
// complete, valid file has been written.
func (c *Converter) Convert(
	ctx context.Context,
	archivePath string,
	table string,
	outPath string,
	doc *schema.Document,
) (Stats, error) {
	stats, err := c.convert(ctx, archivePath, table, outPath, doc)
	if err != nil {
		metrics.ObserveConversion(table, "failure")
		return stats, &ConversionError{Table: table, Path: archivePath, Err: err}
	}
	metrics.ObserveConversion(table, "success")
	metrics.ObserveConversionRows(table, stats.Rows, stats.Skipped)
	return stats, nil
}

func (c *Converter) convert(
	ctx context.Context,
	archivePath string,
	table string,
	outPath string,
	doc *schema.Document,
) (Stats, error) {
	stats := Stats{Table: table}

	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return stats, fmt.Errorf("open archive: %w", err)
	}
	defer zr.Close() //nolint:errcheck // read side

	entry, err := findEntry(&zr.Reader)
	if err != nil {
		return stats, err
	}

	rc, err := entry.Open()
	if err != nil {
		return stats, fmt.Errorf("open entry %s: %w", entry.Name, err)
	}
	defer rc.Close() //nolint:errcheck // read side

	reader := csv.NewReader(rc)
	reader.Comma = '\t'
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = true

	header, err := reader.Read()
	if err != nil {
		return stats, fmt.Errorf("read header of %s: %w", entry.Name, err)
	}
	columns := append([]string(nil), header...)
	stats.Columns = len(columns)

	arrowSchema := buildArrowSchema(columns, doc)

	if err := os.MkdirAll(filepath.Dir(outPath), 0o750); err != nil {
		return stats, fmt.Errorf("create output dir: %w", err)
	}
	tmpPath := outPath + ".partial"
	tmp, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return stats, fmt.Errorf("create temp output: %w", err)
	}
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	props := parquet.NewWriterProperties(parquet.WithCompression(compress.Codecs.Snappy))
	writer, err := pqarrow.NewFileWriter(arrowSchema, tmp, props, pqarrow.DefaultWriterProps())
	if err != nil {
		cleanup()
		return stats, fmt.Errorf("open parquet writer: %w", err)
	}

	if err := c.copyRows(ctx, reader, arrowSchema, writer, columns, &stats); err != nil {
		cleanup()
		return stats, err
	}

	if err := writer.Close(); err != nil {
		cleanup()
		return stats, fmt.Errorf("finalize parquet: %w", err)
	}
	if err := tmp.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		_ = os.Remove(tmpPath)
		return stats, fmt.Errorf("close temp output: %w", err)
	}

	if err := c.checkSkipRatio(stats); err != nil {
		_ = os.Remove(tmpPath)
		return stats, err
	}

	if err := os.Rename(tmpPath, outPath); err != nil {
		_ = os.Remove(tmpPath)
		return stats, fmt.Errorf("finalize output: %w", err)
	}

	c.logger.Info("archive converted",
		zap.String("table", table),
		zap.Int64("rows", stats.Rows),
		zap.Int64("skipped", stats.Skipped),
		zap.Int("columns", stats.Columns),
	)
	return stats, nil
}

func (c *Converter) copyRows(
	ctx context.Context,
	reader *csv.Reader,
	arrowSchema *arrow.Schema,
	writer *pqarrow.FileWriter,
	columns []string,
	stats *Stats,
) error {
	builder := array.NewRecordBuilder(memory.NewGoAllocator(), arrowSchema)
	defer builder.Release()

	pending := 0
	flush := func() error {
		if pending == 0 {
			return nil
		}
		rec := builder.NewRecord()
		defer rec.Release()
		pending = 0
		if err := writer.Write(rec); err != nil {
			return fmt.Errorf("write row group: %w", err)
		}
		return nil
	}

	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			stats.Skipped++
			continue
		}
		if err != nil {
			return fmt.Errorf("read row: %w", err)
		}

		if !appendRow(builder, columns, row) {
			stats.Skipped++
			continue
		}
		stats.Rows++
		pending++

		if pending >= c.chunkRows {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}

// appendRow validates and appends one row; it reports false (and appends
// nothing) for rows with a wrong field count or undecodable bytes.
func appendRow(builder *array.RecordBuilder, columns []string, row []string) bool {
	if len(row) != len(columns) {
		return false
	}
	for _, cell := range row {
		if !utf8.ValidString(cell) {
			return false
		}
	}

	for i := range columns {
		cell := stripOuterQuotes(row[i])
		switch fb := builder.Field(i).(type) {
		case *array.Int64Builder:
			v, err := strconv.ParseInt(strings.TrimSpace(cell), 10, 64)
			if err != nil {
				fb.AppendNull()
				continue
			}
			fb.Append(v)
		case *array.Date32Builder:
			t, err := time.Parse("2006-01-02", strings.TrimSpace(cell))
			if err != nil {
				fb.AppendNull()
				continue
			}
			fb.Append(arrow.Date32FromTime(t))
		case *array.StringBuilder:
			fb.Append(cell)
		default:
			// Schema construction only emits the three types above.
			return false
		}
	}
	return true
}

func (c *Converter) checkSkipRatio(stats Stats) error {
	if c.maxSkipRatio <= 0 || stats.Skipped == 0 {
		return nil
	}
	total := stats.Rows + stats.Skipped
	ratio := float64(stats.Skipped) / float64(total)
	if ratio > c.maxSkipRatio {
		return fmt.Errorf("skipped %d of %d rows (%.4f > max %.4f)",
			stats.Skipped, total, ratio, c.maxSkipRatio)
	}
	return nil
}

// findEntry locates the single TSV member of the archive.
func findEntry(r *zip.Reader) (*zip.File, error) {
	var match *zip.File
	for _, f := range r.File {
		if !strings.HasSuffix(strings.ToLower(f.Name), ".tsv") {
			continue
		}
		if match != nil {
			return nil, fmt.Errorf("archive has multiple TSV entries (%s, %s)", match.Name, f.Name)
		}
		match = f
	}
	if match == nil {
		return nil, fmt.Errorf("archive has no TSV entry")
	}
	return match, nil
}

// buildArrowSchema maps declared column types onto arrow types. Columns
// with no declaration default to string so bad inference can't drop data.
func buildArrowSchema(columns []string, doc *schema.Document) *arrow.Schema {
	fields := make([]arrow.Field, len(columns))
	for i, col := range columns {
		var dt arrow.DataType
		switch doc.TypeOf(col) {
		case "INTEGER", "INT64":
			dt = arrow.PrimitiveTypes.Int64
		case "DATE":
			dt = arrow.FixedWidthTypes.Date32
		default:
			dt = arrow.BinaryTypes.String
		}
		fields[i] = arrow.Field{Name: col, Type: dt, Nullable: true}
	}
	return arrow.NewSchema(fields, nil)
}

func stripOuterQuotes(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}
