// Package metadata scrapes human-readable table and variable descriptions
// from the PatentsView listing and dictionary pages.
package metadata

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Artifact file names under the run's metadata directory.
const (
	TableDescriptionsFile    = "table_descriptions.json"
	VariableDescriptionsFile = "variable_descriptions.json"
)

// VariableDescription documents one column of one table.
type VariableDescription struct {
	VariableName string `json:"variable_name"`
	Description  string `json:"description"`
}

// ParseTableDescriptions extracts table-name -> description pairs from the
// listing page. The page lays tables out as two-cell rows.
func ParseTableDescriptions(html []byte) (map[string]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse listing page: %w", err)
	}

	descriptions := make(map[string]string)
	doc.Find("tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() < 2 {
			return
		}
		name := firstLine(cells.Eq(0).Text())
		if name == "" || strings.HasPrefix(name, `\`) {
			return
		}
		descriptions[name] = strings.TrimSpace(cells.Eq(1).Text())
	})
	return descriptions, nil
}

// ParseVariableDescriptions extracts per-table column documentation from
// the dictionary page. Each dictionary table starts with a "table-head"
// row naming the table, followed by variable/definition rows.
func ParseVariableDescriptions(html []byte) (map[string][]VariableDescription, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse dictionary page: %w", err)
	}

	variables := make(map[string][]VariableDescription)
	doc.Find("table").Each(func(_ int, tbl *goquery.Selection) {
		var current string
		tbl.Find("tr").Each(func(_ int, row *goquery.Selection) {
			cells := row.Find("td")
			if row.HasClass("table-head") {
				current = strings.TrimSpace(cells.Eq(0).Text())
				return
			}
			if current == "" || cells.Length() < 2 {
				return
			}
			name := strings.TrimSpace(cells.Eq(0).Text())
			desc := strings.TrimSpace(cells.Eq(1).Text())
			// The header row repeats inside some tables.
			if strings.EqualFold(name, "data element name") && strings.EqualFold(desc, "definition") {
				return
			}
			variables[current] = append(variables[current], VariableDescription{
				VariableName: name,
				Description:  desc,
			})
		})
	})
	return variables, nil
}

var (
	problemChars = regexp.MustCompile(`[^\w\s.,;:()\-]`)
	multiSpace   = regexp.MustCompile(`\s+`)
)

// CleanDescription normalizes a scraped description for use as a BigQuery
// table description: newlines become spaces, problem characters are
// dropped, runs of whitespace collapse.
func CleanDescription(desc string) string {
	desc = strings.ReplaceAll(desc, "\n", " ")
	desc = problemChars.ReplaceAllString(desc, " ")
	return strings.TrimSpace(multiSpace.ReplaceAllString(desc, " "))
}

// Write persists both description documents under dir, using the same
// write-then-rename discipline as every other artifact.
func Write(dir string, tables map[string]string, variables map[string][]VariableDescription) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create metadata dir: %w", err)
	}
	if err := writeJSON(filepath.Join(dir, TableDescriptionsFile), tables); err != nil {
		return err
	}
	return writeJSON(filepath.Join(dir, VariableDescriptionsFile), variables)
}

// ReadTableDescriptions loads a previously written table description
// document.
func ReadTableDescriptions(dir string) (map[string]string, error) {
	raw, err := os.ReadFile(filepath.Join(dir, TableDescriptionsFile))
	if err != nil {
		return nil, fmt.Errorf("read table descriptions: %w", err)
	}
	var out map[string]string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("parse table descriptions: %w", err)
	}
	return out, nil
}

func writeJSON(path string, payload any) error {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	tmpPath := path + ".partial"
	if err := os.WriteFile(tmpPath, data, 0o640); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("finalize %s: %w", filepath.Base(path), err)
	}
	return nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}
