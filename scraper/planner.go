package scraper

import (
	"context"

	"github.com/aluiziolira/go-scrape-market/parser"
)

// PlanPages fetches listingURL once and returns ceil(total / perPage), never
// less than one. The count is meant to be computed once per session; a long
// scrape keeps its plan even if the site's result count drifts.
func PlanPages(ctx context.Context, fetcher Fetcher, listingURL string, totalSel, perPageSel *parser.Selector) (int, error) {
	doc, err := fetcher.Fetch(ctx, listingURL)
	if err != nil {
		return 0, err
	}
	return PageCount(doc, totalSel, perPageSel)
}

// PageCount computes the number of listing pages from an already fetched
// search document.
func PageCount(doc *parser.Document, totalSel, perPageSel *parser.Selector) (int, error) {
	total, err := selectCount(doc, "total_count", totalSel)
	if err != nil {
		return 0, err
	}
	perPage, err := selectCount(doc, "items_per_page", perPageSel)
	if err != nil {
		return 0, err
	}
	if perPage == 0 {
		return 0, &ExtractionError{
			Field:    "items_per_page",
			Selector: perPageSel.String(),
			URL:      doc.URL(),
			Err:      errZeroPerPage,
		}
	}

	pages := (total + perPage - 1) / perPage
	if pages < 1 {
		pages = 1
	}
	return pages, nil
}

func selectCount(doc *parser.Document, field string, sel *parser.Selector) (int, error) {
	matches := doc.Select(sel)
	if len(matches) == 0 {
		return 0, &ExtractionError{Field: field, Selector: sel.String(), URL: doc.URL(), Err: errNoMatch}
	}
	n, err := parser.ParseCount(matches[0].Text())
	if err != nil {
		return 0, &ExtractionError{Field: field, Selector: sel.String(), URL: doc.URL(), Err: err}
	}
	return n, nil
}
