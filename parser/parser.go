package parser

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/aluiziolira/go-scrape-market/models"
)

// ValidateProduct ensures the extractor captured every field.
func ValidateProduct(p *models.Product) error {
	if p == nil {
		return fmt.Errorf("product is nil")
	}
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("product missing id for %s", p.SourceURL)
	}
	if strings.TrimSpace(p.Title) == "" {
		return fmt.Errorf("product %s missing title", p.ID)
	}
	if strings.TrimSpace(p.Description) == "" {
		return fmt.Errorf("product %s missing description", p.ID)
	}
	if strings.TrimSpace(p.Price) == "" {
		return fmt.Errorf("product %s missing price", p.ID)
	}
	if strings.TrimSpace(p.ImagePath) == "" {
		return fmt.Errorf("product %s missing image path", p.ID)
	}
	return nil
}

// ParseCount parses a displayed count such as "1,025" into a non-negative
// integer. Grouping commas and any kind of whitespace are dropped first; what
// remains must be plain decimal digits, so signs are rejected.
func ParseCount(text string) (int, error) {
	cleaned := strings.Map(func(r rune) rune {
		if r == ',' || unicode.IsSpace(r) {
			return -1
		}
		return r
	}, text)
	if cleaned == "" {
		return 0, fmt.Errorf("count %q is empty", text)
	}
	for _, r := range cleaned {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("count %q is not a plain integer", text)
		}
	}

	n, err := strconv.Atoi(cleaned)
	if err != nil {
		return 0, fmt.Errorf("count %q is out of range: %w", text, err)
	}
	return n, nil
}
