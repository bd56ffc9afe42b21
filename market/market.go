// Package market describes how to scrape a marketplace: where its search
// lives, how its result pages are numbered and which selectors pull each
// product field. A marketplace is plain data; adding one means adding a Config.
package market

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/aluiziolira/go-scrape-market/parser"
)

// ErrUnknownMarket is returned by Registry.Lookup for unregistered names.
var ErrUnknownMarket = errors.New("market: unknown marketplace")

// Selectors are the raw extraction rules for a marketplace.
type Selectors struct {
	ItemLink     string `yaml:"item_link"`
	TotalCount   string `yaml:"total_count"`
	ItemsPerPage string `yaml:"items_per_page"`
	Title        string `yaml:"title"`
	Description  string `yaml:"description"`
	Price        string `yaml:"price"`
	Image        string `yaml:"image"`
}

// IDFunc derives a product identifier from a product URL.
type IDFunc func(productURL string) (string, error)

// Config is the selector configuration for one marketplace. Call Compile
// before handing it to the scraper; a compiled Config is read-only.
type Config struct {
	Name        string    `yaml:"name"`
	SearchURL   string    `yaml:"search_url"`
	SearchParam string    `yaml:"search_param"`
	PageParam   string    `yaml:"page_param"`
	Dialect     string    `yaml:"dialect"`
	Selectors   Selectors `yaml:"selectors"`
	IDPattern   string    `yaml:"id_pattern"`

	// IDFunc takes precedence over IDPattern when set.
	IDFunc IDFunc `yaml:"-"`

	ItemLink     *parser.Selector `yaml:"-"`
	TotalCount   *parser.Selector `yaml:"-"`
	ItemsPerPage *parser.Selector `yaml:"-"`
	Title        *parser.Selector `yaml:"-"`
	Description  *parser.Selector `yaml:"-"`
	Price        *parser.Selector `yaml:"-"`
	Image        *parser.Selector `yaml:"-"`

	compiled bool
}

// Compile validates the configuration and compiles every selector.
func (c *Config) Compile() error {
	if c.Name == "" {
		return fmt.Errorf("market: name cannot be empty")
	}
	base, err := url.Parse(c.SearchURL)
	if err != nil {
		return fmt.Errorf("market %s: invalid search url: %w", c.Name, err)
	}
	if base.Host == "" {
		return fmt.Errorf("market %s: search url must include a host", c.Name)
	}
	if c.SearchParam == "" {
		return fmt.Errorf("market %s: search param cannot be empty", c.Name)
	}
	if c.PageParam == "" {
		return fmt.Errorf("market %s: page param cannot be empty", c.Name)
	}

	dialect, err := parser.ParseDialect(c.Dialect)
	if err != nil {
		return fmt.Errorf("market %s: %w", c.Name, err)
	}

	fields := []struct {
		name string
		expr string
		dst  **parser.Selector
	}{
		{"item_link", c.Selectors.ItemLink, &c.ItemLink},
		{"total_count", c.Selectors.TotalCount, &c.TotalCount},
		{"items_per_page", c.Selectors.ItemsPerPage, &c.ItemsPerPage},
		{"title", c.Selectors.Title, &c.Title},
		{"description", c.Selectors.Description, &c.Description},
		{"price", c.Selectors.Price, &c.Price},
		{"image", c.Selectors.Image, &c.Image},
	}
	for _, f := range fields {
		sel, err := parser.Compile(dialect, f.expr)
		if err != nil {
			return fmt.Errorf("market %s: selector %s: %w", c.Name, f.name, err)
		}
		*f.dst = sel
	}

	if c.IDFunc == nil {
		if c.IDPattern == "" {
			return fmt.Errorf("market %s: id rule is required", c.Name)
		}
		fn, err := PatternID(c.IDPattern)
		if err != nil {
			return fmt.Errorf("market %s: %w", c.Name, err)
		}
		c.IDFunc = fn
	}

	c.compiled = true
	return nil
}

// Compiled reports whether Compile succeeded.
func (c *Config) Compiled() bool { return c.compiled }

// IDFromURL applies the identifier rule.
func (c *Config) IDFromURL(productURL string) (string, error) {
	if c.IDFunc == nil {
		return "", fmt.Errorf("market %s: no id rule", c.Name)
	}
	id, err := c.IDFunc(productURL)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(id) == "" {
		return "", fmt.Errorf("empty id in %q", productURL)
	}
	return id, nil
}

// SearchURLFor returns the first results page address for term.
func (c *Config) SearchURLFor(term string) (string, error) {
	u, err := url.Parse(c.SearchURL)
	if err != nil {
		return "", fmt.Errorf("market %s: invalid search url: %w", c.Name, err)
	}
	q := u.Query()
	q.Set(c.SearchParam, term)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// PageURL returns searchURL with the page parameter set to page.
func (c *Config) PageURL(searchURL string, page int) (string, error) {
	u, err := url.Parse(searchURL)
	if err != nil {
		return "", fmt.Errorf("market %s: invalid listing url: %w", c.Name, err)
	}
	q := u.Query()
	q.Set(c.PageParam, strconv.Itoa(page))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// SplitID returns an IDFunc taking the text between the first occurrence of
// after and the next occurrence of any byte in stop.
func SplitID(after, stop string) IDFunc {
	return func(productURL string) (string, error) {
		_, rest, found := strings.Cut(productURL, after)
		if !found {
			return "", fmt.Errorf("url %q has no %q segment", productURL, after)
		}
		if i := strings.IndexAny(rest, stop); i >= 0 {
			rest = rest[:i]
		}
		if rest == "" {
			return "", fmt.Errorf("url %q has an empty id", productURL)
		}
		return rest, nil
	}
}

// PatternID returns an IDFunc using the first capture group of expr.
func PatternID(expr string) (IDFunc, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("id pattern %q: %w", expr, err)
	}
	if re.NumSubexp() < 1 {
		return nil, fmt.Errorf("id pattern %q needs a capture group", expr)
	}
	return func(productURL string) (string, error) {
		m := re.FindStringSubmatch(productURL)
		if m == nil || m[1] == "" {
			return "", fmt.Errorf("url %q does not match id pattern", productURL)
		}
		return m[1], nil
	}, nil
}
