package config

import (
	"fmt"
	"strings"
	"time"
)

// Config holds scraper configuration.
type Config struct {
	Market          string
	SearchTerm      string
	GroupKey        string // defaults to SearchTerm
	MarketsFile     string
	MaxPages        int // 0 means every planned page
	MaxItemsPerPage int // 0 means every item on a page
	Parallelism     int
	Delay           time.Duration
	RandomDelay     time.Duration
	Timeout         time.Duration
	MaxRetries      int
	RetryBackoff    time.Duration
	RetryBackoffMax time.Duration
	OutputDir       string
	OutputFormat    string // json, sqlite, or dual
	SQLitePath      string
	DedupeMaxSize   int
	UserAgent       string
	Verbose         bool
	MetricsAddr     string
}

// DefaultConfig returns conservative defaults: sequential scraping of every
// planned page into JSON files under the working directory.
func DefaultConfig() *Config {
	return &Config{
		Market:          "ebay",
		MaxPages:        0,
		MaxItemsPerPage: 0,
		Parallelism:     1,
		Delay:           0,
		RandomDelay:     0,
		Timeout:         10 * time.Second,
		MaxRetries:      2,
		RetryBackoff:    200 * time.Millisecond,
		RetryBackoffMax: 2 * time.Second,
		OutputDir:       ".",
		OutputFormat:    "json",
		SQLitePath:      "output/products.db",
		DedupeMaxSize:   10000,
		UserAgent:       "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/117.0.0.0 Safari/537.36",
		Verbose:         false,
	}
}

// Group returns the key records are grouped under.
func (c *Config) Group() string {
	if c.GroupKey != "" {
		return c.GroupKey
	}
	return c.SearchTerm
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Market) == "" {
		return fmt.Errorf("market cannot be empty")
	}
	if strings.TrimSpace(c.SearchTerm) == "" {
		return fmt.Errorf("search term cannot be empty")
	}
	if c.MaxPages < 0 {
		return fmt.Errorf("max pages cannot be negative")
	}
	if c.MaxItemsPerPage < 0 {
		return fmt.Errorf("max items per page cannot be negative")
	}
	if c.Parallelism <= 0 {
		return fmt.Errorf("parallelism must be positive")
	}
	if c.Delay < 0 {
		return fmt.Errorf("delay cannot be negative")
	}
	if c.RandomDelay < 0 {
		return fmt.Errorf("random delay cannot be negative")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("retry backoff cannot be negative")
	}
	if c.RetryBackoffMax < 0 {
		return fmt.Errorf("retry backoff max cannot be negative")
	}
	if c.RetryBackoffMax > 0 && c.RetryBackoff > c.RetryBackoffMax {
		return fmt.Errorf("retry backoff (%s) cannot exceed retry backoff max (%s)", c.RetryBackoff, c.RetryBackoffMax)
	}
	switch c.OutputFormat {
	case "json":
		if c.OutputDir == "" {
			return fmt.Errorf("output dir cannot be empty")
		}
	case "sqlite":
		if c.SQLitePath == "" {
			return fmt.Errorf("sqlite path cannot be empty")
		}
	case "dual":
		if c.OutputDir == "" || c.SQLitePath == "" {
			return fmt.Errorf("dual output needs both output dir and sqlite path")
		}
	default:
		return fmt.Errorf("output format must be json, sqlite, or dual")
	}
	if c.DedupeMaxSize < 0 {
		return fmt.Errorf("dedupe max size cannot be negative")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}

	return nil
}
