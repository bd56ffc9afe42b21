package parser

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
)

// Document is a parsed HTML page together with the URL it was served from.
type Document struct {
	url  *url.URL
	root *html.Node
}

// Parse reads an HTML document. rawURL is used to resolve relative links.
func Parse(rawURL string, r io.Reader) (*Document, error) {
	base, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse document url: %w", err)
	}
	root, err := htmlquery.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return &Document{url: base, root: root}, nil
}

// ParseString is a convenience wrapper around Parse.
func ParseString(rawURL, body string) (*Document, error) {
	return Parse(rawURL, strings.NewReader(body))
}

// ParseBytes is a convenience wrapper around Parse.
func ParseBytes(rawURL string, body []byte) (*Document, error) {
	return Parse(rawURL, bytes.NewReader(body))
}

// URL returns the address the document was fetched from.
func (d *Document) URL() string { return d.url.String() }

// Select applies sel and returns the matches in document order.
func (d *Document) Select(sel *Selector) []Element {
	var nodes []*html.Node
	switch sel.dialect {
	case XPath:
		nodes = htmlquery.QuerySelectorAll(d.root, sel.xp)
	case CSS:
		nodes = goquery.NewDocumentFromNode(d.root).FindMatcher(sel.css).Nodes
	}

	out := make([]Element, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, Element{node: n})
	}
	return out
}

// Resolve turns ref into an absolute URL relative to the document. Refs that
// fail to parse are returned unchanged.
func (d *Document) Resolve(ref string) string {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return ref
	}
	return d.url.ResolveReference(u).String()
}

// Element is a single selector match.
type Element struct {
	node *html.Node
}

// Text returns the concatenated text content of the element and its
// descendants.
func (e Element) Text() string {
	if e.node == nil {
		return ""
	}
	return htmlquery.InnerText(e.node)
}

// Attr returns the named attribute. The boolean is false when absent.
func (e Element) Attr(name string) (string, bool) {
	if e.node == nil {
		return "", false
	}
	for _, a := range e.node.Attr {
		if a.Namespace == "" && strings.EqualFold(a.Key, name) {
			return a.Val, true
		}
	}
	return "", false
}
