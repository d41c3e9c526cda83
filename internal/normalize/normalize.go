// Package normalize reduces a fetched HTML body to a title, bounded plain
// text, and the page's own links.
package normalize

import (
	"bytes"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// NoTitle is reported for pages without a usable <title>.
const NoTitle = "No title"

// DefaultMaxContentLength bounds Content in runes.
const DefaultMaxContentLength = 5000

// Page is the normalized form of one HTML document.
type Page struct {
	Title   string
	Content string
	Links   []string
}

// Normalizer is pure and safe for concurrent use.
type Normalizer struct {
	maxContentLength int
}

// New returns a Normalizer truncating content to maxContentLength runes.
func New(maxContentLength int) *Normalizer {
	if maxContentLength <= 0 {
		maxContentLength = DefaultMaxContentLength
	}
	return &Normalizer{maxContentLength: maxContentLength}
}

// Normalize extracts the title, the whitespace-collapsed text of every
// visible text node cut to the configured length, and the distinct raw hrefs
// in sorted order. Unparsable input yields NoTitle and empty content.
func (n *Normalizer) Normalize(body []byte) Page {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Page{Title: NoTitle, Links: []string{}}
	}
	return Page{
		Title:   title(doc),
		Content: Truncate(CollapseWhitespace(visibleText(doc)), n.maxContentLength),
		Links:   hrefs(doc),
	}
}

func title(doc *goquery.Document) string {
	if t := strings.TrimSpace(doc.Find("title").First().Text()); t != "" {
		return t
	}
	return NoTitle
}

// visibleText joins every text node outside script, style, and template
// elements with a single space. Comments are not text nodes; noscript
// fallback text is kept.
func visibleText(doc *goquery.Document) string {
	var parts []string
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		switch node.Type {
		case html.TextNode:
			parts = append(parts, node.Data)
			return
		case html.ElementNode:
			switch node.DataAtom {
			case atom.Script, atom.Style, atom.Template:
				return
			}
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	for _, root := range doc.Nodes {
		walk(root)
	}
	return strings.Join(parts, " ")
}

func hrefs(doc *goquery.Document) []string {
	seen := make(map[string]struct{})
	links := []string{}
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if _, dup := seen[href]; dup {
			return
		}
		seen[href] = struct{}{}
		links = append(links, href)
	})
	sort.Strings(links)
	return links
}

// CollapseWhitespace replaces every whitespace run with one space and trims
// both ends.
func CollapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Truncate cuts s to at most limit runes, ignoring word boundaries.
func Truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	count := 0
	for i := range s {
		if count == limit {
			return s[:i]
		}
		count++
	}
	return s
}
