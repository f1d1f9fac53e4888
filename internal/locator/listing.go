package locator

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Link is one archive hyperlink discovered on a listing page.
type Link struct {
	Filename string
	URL      string
}

// ParseListing extracts every .zip link from a fetched listing page.
// Relative hrefs are resolved against baseURL. Document order is kept so
// descriptor order matches the page.
func ParseListing(html []byte, baseURL string) ([]Link, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse listing page: %w", err)
	}

	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse listing base url %q: %w", baseURL, err)
	}

	var links []Link
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok {
			return
		}
		href = strings.TrimSpace(href)
		if !strings.HasSuffix(strings.ToLower(href), ".zip") {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		resolved := base.ResolveReference(ref)
		links = append(links, Link{
			Filename: lastPathSegment(resolved.Path),
			URL:      resolved.String(),
		})
	})
	return links, nil
}

func lastPathSegment(p string) string {
	p = strings.TrimRight(p, "/")
	if idx := strings.LastIndex(p, "/"); idx >= 0 {
		return p[idx+1:]
	}
	return p
}
