package config

import "path/filepath"

// Local artifact layout. These paths are the contract between the download,
// convert, and upload stages and the staleness resolver; changing them
// invalidates every existing marker.

// RawDir holds downloaded zip archives for the run.
func (c Config) RawDir() string {
	return filepath.Join(c.DataDir, "raw", c.Flavor, c.Version)
}

// ConvertedDir holds parquet outputs for the run.
func (c Config) ConvertedDir() string {
	return filepath.Join(c.DataDir, "converted", c.Flavor, c.Version)
}

// MetadataDir holds scraped table/variable descriptions for the run.
func (c Config) MetadataDir() string {
	return filepath.Join(c.DataDir, "metadata", c.Flavor, c.Version)
}

// MarkerDir holds task completion markers for the run.
func (c Config) MarkerDir() string {
	return filepath.Join(c.DataDir, "markers", c.Flavor, c.Version)
}

// SchemaDir holds the externally authored schema documents for the flavor.
func (c Config) SchemaDir() string {
	return filepath.Join(c.Schemas.Dir, c.Flavor)
}

// ArchivePath is the canonical location of one table's raw archive.
func (c Config) ArchivePath(table string) string {
	return filepath.Join(c.RawDir(), table+".zip")
}

// ParquetPath is the canonical location of one table's columnar output.
// The version suffix matches the BigQuery table naming scheme.
func (c Config) ParquetPath(table string) string {
	return filepath.Join(c.ConvertedDir(), table+"_"+c.Version+".parquet")
}

// GCSParquetObject is the object name for an uploaded parquet file.
func (c Config) GCSParquetObject(table string) string {
	return c.GCS.Prefix + "/" + c.Version + "/" + c.Flavor + "_parquet/" +
		table + "_" + c.Version + ".parquet"
}

// GCSArchiveObject is the object name for an uploaded raw archive.
func (c Config) GCSArchiveObject(table string) string {
	return c.GCS.Prefix + "/" + c.Version + "/" + c.Flavor + "_zip/" + table + ".zip"
}

// DatasetID is the BigQuery dataset that receives this flavor's tables.
func (c Config) DatasetID() string {
	return "patentsview_" + c.Flavor
}

// TableID is the versioned BigQuery table name for a logical table.
func (c Config) TableID(table string) string {
	return table + "_" + c.Version
}
