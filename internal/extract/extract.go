// Package extract derives a title and flattened body text from raw HTML.
package extract

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// nonVisible elements are dropped before the body text is read.
const nonVisible = "script, style, noscript, template"

// Extractor implements bookmark.Extractor using goquery.
type Extractor struct{}

// New returns an Extractor.
func New() Extractor {
	return Extractor{}
}

// Extract returns the trimmed document title, falling back to sourceURL,
// and the body text with whitespace runs collapsed to single spaces.
func (Extractor) Extract(raw []byte, sourceURL string) (string, string) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return sourceURL, ""
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		title = sourceURL
	}

	body := doc.Find("body").First()
	body.Find(nonVisible).Remove()
	return title, CollapseWhitespace(body.Text())
}

// CollapseWhitespace replaces every whitespace run with one space and trims.
func CollapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
