package scraper

import (
	"context"
	"strings"

	"github.com/aluiziolira/go-scrape-market/market"
	"github.com/aluiziolira/go-scrape-market/models"
	"github.com/aluiziolira/go-scrape-market/parser"
)

// Extract fetches productURL and fills every product field. Either all
// fields are set or a nil product is returned with the failing field named
// in an *ExtractionError.
func Extract(ctx context.Context, fetcher Fetcher, productURL string, cfg *market.Config) (*models.Product, error) {
	doc, err := fetcher.Fetch(ctx, productURL)
	if err != nil {
		return nil, err
	}
	return ExtractDocument(doc, productURL, cfg)
}

// ExtractDocument extracts a product from an already fetched page.
func ExtractDocument(doc *parser.Document, productURL string, cfg *market.Config) (*models.Product, error) {
	id, err := cfg.IDFromURL(productURL)
	if err != nil {
		return nil, &ExtractionError{Field: "id", URL: productURL, Err: err}
	}

	title, err := extractTitle(doc, cfg.Title)
	if err != nil {
		return nil, err
	}
	description, err := firstSrc(doc, "description", cfg.Description)
	if err != nil {
		return nil, err
	}
	price, err := firstText(doc, "price", cfg.Price)
	if err != nil {
		return nil, err
	}
	image, err := firstSrc(doc, "image", cfg.Image)
	if err != nil {
		return nil, err
	}

	return &models.Product{
		ID:          id,
		Title:       title,
		Description: description,
		Price:       price,
		ImagePath:   image,
		SourceURL:   productURL,
	}, nil
}

// extractTitle joins the text of every match with no separator.
func extractTitle(doc *parser.Document, sel *parser.Selector) (string, error) {
	matches := doc.Select(sel)
	if len(matches) == 0 {
		return "", fieldError(doc, "title", sel, errNoMatch)
	}
	var b strings.Builder
	for _, m := range matches {
		b.WriteString(m.Text())
	}
	if strings.TrimSpace(b.String()) == "" {
		return "", fieldError(doc, "title", sel, errBlankText)
	}
	return b.String(), nil
}

func firstText(doc *parser.Document, field string, sel *parser.Selector) (string, error) {
	matches := doc.Select(sel)
	if len(matches) == 0 {
		return "", fieldError(doc, field, sel, errNoMatch)
	}
	text := strings.TrimSpace(matches[0].Text())
	if text == "" {
		return "", fieldError(doc, field, sel, errBlankText)
	}
	return text, nil
}

func firstSrc(doc *parser.Document, field string, sel *parser.Selector) (string, error) {
	matches := doc.Select(sel)
	if len(matches) == 0 {
		return "", fieldError(doc, field, sel, errNoMatch)
	}
	src, ok := matches[0].Attr("src")
	if !ok || strings.TrimSpace(src) == "" {
		return "", fieldError(doc, field, sel, errNoSrc)
	}
	return src, nil
}

func fieldError(doc *parser.Document, field string, sel *parser.Selector, err error) *ExtractionError {
	return &ExtractionError{Field: field, Selector: sel.String(), URL: doc.URL(), Err: err}
}
