// Package locator resolves which remote archives a run must fetch.
//
// The locator is purely computational: it maps a dataset flavor to its
// static listing/dictionary URLs and turns an already-fetched listing page
// into an ordered set of archive descriptors. Fetching the page itself is
// the downloader's job.
package locator

import (
	"path"
	"strings"

	"github.com/nber-i3/pvingest/internal/config"
)

// Source holds the static remote endpoints for one dataset flavor.
type Source struct {
	ListingURL    string
	DictionaryURL string
}

var sources = map[string]Source{
	config.FlavorGranted: {
		ListingURL:    "https://patentsview.org/download/data-download-tables",
		DictionaryURL: "https://patentsview.org/download/data-download-dictionary",
	},
	config.FlavorPregrant: {
		ListingURL:    "https://patentsview.org/download/pg-download-tables",
		DictionaryURL: "https://patentsview.org/download/pg-data-download-dictionary",
	},
	config.FlavorBeta: {
		ListingURL:    "https://patentsview.org/download/data-download-tables-beta",
		DictionaryURL: "https://patentsview.org/download/data-download-dictionary_beta",
	},
}

// SourceFor returns the remote endpoints for a flavor.
func SourceFor(flavor string) (Source, error) {
	src, ok := sources[flavor]
	if !ok {
		return Source{}, &config.ConfigurationError{
			Field:  "flavor",
			Reason: flavor + " has no registered download source",
		}
	}
	return src, nil
}

// Descriptor identifies one table's archive: where it lives remotely,
// which logical table it carries, and where it lands locally.
type Descriptor struct {
	URL   string
	Table string
	Path  string
}

// freeTextMarkers identify the bulk full-text tables (claims, abstracts,
// brief summaries, detailed and drawing descriptions). Those are an order
// of magnitude larger than the metadata tables and are excluded from every
// run regardless of what the listing page offers.
var freeTextMarkers = []string{
	"claim",
	"abstract",
	"brf_sum_text",
	"detail_desc_text",
	"draw_desc_text",
}

// IsFreeText reports whether a table belongs to the excluded full-text
// category.
func IsFreeText(table string) bool {
	lowered := strings.ToLower(table)
	for _, marker := range freeTextMarkers {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}

// TableName derives the logical table name from an archive file name,
// e.g. "g_patent.tsv.zip" -> "g_patent".
func TableName(filename string) string {
	name := path.Base(filename)
	name = strings.TrimSuffix(name, ".zip")
	name = strings.TrimSuffix(name, ".tsv")
	return name
}

// Resolve turns listing links into descriptors for the run, applying the
// free-text exclusion and the optional table cap. Link order is preserved.
func Resolve(cfg config.Config, links []Link) ([]Descriptor, error) {
	if _, err := SourceFor(cfg.Flavor); err != nil {
		return nil, err
	}

	descriptors := make([]Descriptor, 0, len(links))
	seen := make(map[string]struct{})
	for _, link := range links {
		table := TableName(link.Filename)
		if table == "" || IsFreeText(table) {
			continue
		}
		if _, dup := seen[table]; dup {
			continue
		}
		seen[table] = struct{}{}
		descriptors = append(descriptors, Descriptor{
			URL:   link.URL,
			Table: table,
			Path:  cfg.ArchivePath(table),
		})
		if cfg.Pipeline.MaxTables > 0 && len(descriptors) >= cfg.Pipeline.MaxTables {
			break
		}
	}
	return descriptors, nil
}
