// Package schema loads externally authored table schema documents.
//
// One JSON document per logical table, in BigQuery field-list form:
//
//	[{"name": "patent_id", "type": "STRING", "description": "..."}, ...]
//
// The converter consumes the types; the warehouse adapter consumes the
// descriptions. A missing document is not an error: tables without a schema
// fall back to all-string columns so no data is lost to bad inference.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Field is one column declaration.
type Field struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Mode        string `json:"mode,omitempty"`
	Description string `json:"description,omitempty"`
}

// Document is the declared schema for one logical table.
type Document struct {
	Table  string
	Fields []Field
}

// Path returns the expected location of a table's schema document.
func Path(dir, table string) string {
	return filepath.Join(dir, fmt.Sprintf("schema_%s.json", table))
}

// Load reads the schema document for table from dir. It returns (nil, nil)
// when no document exists.
func Load(dir, table string) (*Document, error) {
	raw, err := os.ReadFile(Path(dir, table))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read schema for %s: %w", table, err)
	}

	var fields []Field
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("parse schema for %s: %w", table, err)
	}
	return &Document{Table: table, Fields: fields}, nil
}

// TypeOf returns the declared type for a column, upper-cased, or "" when
// the column is not declared.
func (d *Document) TypeOf(column string) string {
	if d == nil {
		return ""
	}
	for _, f := range d.Fields {
		if f.Name == column {
			return strings.ToUpper(f.Type)
		}
	}
	return ""
}

// Descriptions returns column descriptions keyed by column name.
func (d *Document) Descriptions() map[string]string {
	if d == nil {
		return nil
	}
	out := make(map[string]string, len(d.Fields))
	for _, f := range d.Fields {
		if f.Description != "" {
			out[f.Name] = f.Description
		}
	}
	return out
}
