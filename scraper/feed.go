package scraper

import (
	"log/slog"
	"math"
	"strings"

	"github.com/aluiziolira/go-scrape-market/parser"
)

// Unbounded disables a page or item cap.
const Unbounded = math.MaxInt

// ExtractItemURLs returns the hrefs matched by itemLinkSel in document order,
// resolved against the listing URL and cut to the first maxItems entries.
// A negative maxItems is treated as Unbounded. Links without an href are
// skipped and do not count toward the cap.
func ExtractItemURLs(doc *parser.Document, itemLinkSel *parser.Selector, maxItems int) []string {
	return extractItemURLs(doc, itemLinkSel, maxItems, slog.Default())
}

func extractItemURLs(doc *parser.Document, itemLinkSel *parser.Selector, maxItems int, log *slog.Logger) []string {
	if maxItems < 0 {
		maxItems = Unbounded
	}

	matches := doc.Select(itemLinkSel)
	capacity := len(matches)
	if maxItems < capacity {
		capacity = maxItems
	}
	urls := make([]string, 0, capacity)

	for i, el := range matches {
		if len(urls) >= maxItems {
			break
		}
		href, ok := el.Attr("href")
		if !ok || strings.TrimSpace(href) == "" {
			log.Warn("listing link without href",
				slog.String("url", doc.URL()),
				slog.Int("position", i),
			)
			continue
		}
		urls = append(urls, doc.Resolve(href))
	}
	return urls
}
