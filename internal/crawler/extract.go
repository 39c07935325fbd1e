package crawler

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/crawlpipe/internal/item"
)

// Page is the item produced for every fetched HTML document.
type Page struct {
	URL         string   `bson:"url"`
	Canonical   string   `bson:"canonical,omitempty"`
	Title       string   `bson:"title"`
	Description string   `bson:"description,omitempty"`
	Headings    []string `bson:"headings,omitempty"`
	ContentHash string   `bson:"content_sha256,omitempty"`
	Status      int      `bson:"status"`
	Depth       int      `bson:"depth"`
	RunID       string   `bson:"run_id"`
}

// Item converts the page into an ordered item.
func (p Page) Item() (item.Item, error) {
	return item.From(p)
}

// extractPage reads page metadata from a parsed document rooted at sel.
func extractPage(sel *goquery.Selection, pageURL *url.URL) Page {
	page := Page{
		URL:   normalizeURL(pageURL),
		Title: collapse(sel.Find("title").First().Text()),
	}

	if desc, ok := sel.Find(`meta[name="description"]`).First().Attr("content"); ok {
		page.Description = collapse(desc)
	}
	if page.Description == "" {
		if desc, ok := sel.Find(`meta[property="og:description"]`).First().Attr("content"); ok {
			page.Description = collapse(desc)
		}
	}

	if href, ok := sel.Find(`link[rel="canonical"]`).First().Attr("href"); ok {
		if ref, err := pageURL.Parse(strings.TrimSpace(href)); err == nil {
			page.Canonical = normalizeURL(ref)
		}
	}

	sel.Find("h1").Each(func(_ int, h *goquery.Selection) {
		if text := collapse(h.Text()); text != "" {
			page.Headings = append(page.Headings, text)
		}
	})
	return page
}

// normalizeURL lowercases scheme and host, drops default ports and the
// fragment, and sorts query parameters.
func normalizeURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	out := *u
	out.Scheme = strings.ToLower(out.Scheme)
	out.Host = strings.ToLower(out.Host)
	switch {
	case out.Scheme == "http" && strings.HasSuffix(out.Host, ":80"):
		out.Host = strings.TrimSuffix(out.Host, ":80")
	case out.Scheme == "https" && strings.HasSuffix(out.Host, ":443"):
		out.Host = strings.TrimSuffix(out.Host, ":443")
	}
	out.Fragment = ""
	out.RawFragment = ""
	if out.RawQuery != "" {
		out.RawQuery = out.Query().Encode()
	}
	return out.String()
}

// NormalizeURL parses and normalizes a raw URL.
func NormalizeURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	return normalizeURL(u), nil
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
