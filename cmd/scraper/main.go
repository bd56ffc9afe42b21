package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/aluiziolira/go-scrape-market/config"
	"github.com/aluiziolira/go-scrape-market/market"
	"github.com/aluiziolira/go-scrape-market/models"
	"github.com/aluiziolira/go-scrape-market/pipeline"
	"github.com/aluiziolira/go-scrape-market/scraper"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	defaultCfg := config.DefaultConfig()
	pagesDefault := envIntOrExit("SCRAPER_PAGES", defaultCfg.MaxPages)
	itemsDefault := envIntOrExit("SCRAPER_ITEMS", defaultCfg.MaxItemsPerPage)
	parallelDefault := envIntOrExit("SCRAPER_PARALLEL", defaultCfg.Parallelism)
	outputDefault := defaultCfg.OutputDir
	if value, ok := config.EnvString("SCRAPER_OUTPUT"); ok {
		outputDefault = value
	}
	metricsDefault := defaultCfg.MetricsAddr
	if value, ok := config.EnvString("SCRAPER_METRICS_ADDR"); ok {
		metricsDefault = value
	}
	marketsDefault := defaultCfg.MarketsFile
	if value, ok := config.EnvString("SCRAPER_MARKETS_FILE"); ok {
		marketsDefault = value
	}

	marketName := flag.String("market", defaultCfg.Market, "Marketplace to scrape")
	searchTerm := flag.String("search", "", "Search term (required)")
	groupKey := flag.String("group", "", "Group key for stored records (defaults to the search term)")
	marketsFile := flag.String("markets-file", marketsDefault, "YAML file with extra marketplace configs")
	maxPages := flag.Int("pages", pagesDefault, "Maximum listing pages to scrape (0 = all planned pages)")
	maxItems := flag.Int("items", itemsDefault, "Maximum products per listing page (0 = all)")
	parallelism := flag.Int("parallel", parallelDefault, "Number of concurrent requests")
	delayMs := flag.Int("delay", 0, "Delay between requests (milliseconds)")
	randomDelayMs := flag.Int("random-delay", 0, "Random jitter added to delay (milliseconds)")
	timeout := flag.Duration("timeout", defaultCfg.Timeout, "Per-request timeout")
	maxRetries := flag.Int("max-retries", defaultCfg.MaxRetries, "Maximum retry attempts per URL")
	retryBackoffMs := flag.Int("retry-backoff", int(defaultCfg.RetryBackoff/time.Millisecond), "Initial retry backoff (milliseconds)")
	retryBackoffMaxMs := flag.Int("retry-backoff-max", int(defaultCfg.RetryBackoffMax/time.Millisecond), "Maximum retry backoff (milliseconds)")
	outputDir := flag.String("output", outputDefault, "Root directory for JSON records")
	outputFormat := flag.String("format", defaultCfg.OutputFormat, "Output format: json, sqlite, or dual")
	sqlitePath := flag.String("sqlite", defaultCfg.SQLitePath, "SQLite database path")
	dedupe := flag.Int("dedupe", defaultCfg.DedupeMaxSize, "Product ids remembered for dedupe (0 disables)")
	userAgent := flag.String("user-agent", defaultCfg.UserAgent, "User-Agent header")
	verbose := flag.Bool("v", false, "Enable verbose logging")
	metricsAddr := flag.String("metrics-addr", metricsDefault, "Prometheus metrics listen address (e.g. :9090)")

	flag.Parse()

	logger, level := newLogger(*verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	cfg := config.DefaultConfig()
	cfg.Market = *marketName
	cfg.SearchTerm = *searchTerm
	cfg.GroupKey = *groupKey
	cfg.MarketsFile = *marketsFile
	cfg.MaxPages = *maxPages
	cfg.MaxItemsPerPage = *maxItems
	cfg.Parallelism = *parallelism
	cfg.Delay = time.Duration(*delayMs) * time.Millisecond
	cfg.RandomDelay = time.Duration(*randomDelayMs) * time.Millisecond
	cfg.Timeout = *timeout
	cfg.MaxRetries = *maxRetries
	cfg.RetryBackoff = time.Duration(*retryBackoffMs) * time.Millisecond
	cfg.RetryBackoffMax = time.Duration(*retryBackoffMaxMs) * time.Millisecond
	cfg.OutputDir = *outputDir
	cfg.OutputFormat = strings.ToLower(*outputFormat)
	cfg.SQLitePath = *sqlitePath
	cfg.DedupeMaxSize = *dedupe
	cfg.UserAgent = *userAgent
	cfg.Verbose = *verbose
	cfg.MetricsAddr = *metricsAddr

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	markets := market.Default()
	if cfg.MarketsFile != "" {
		if err := markets.LoadFile(cfg.MarketsFile); err != nil {
			slog.Error("loading market configs", slog.String("path", cfg.MarketsFile), slog.Any("error", err))
			os.Exit(1)
		}
	}
	marketCfg, err := markets.Lookup(cfg.Market)
	if err != nil {
		slog.Error("unknown market",
			slog.String("market", cfg.Market),
			slog.Any("available", markets.Names()),
			slog.Any("error", err),
		)
		os.Exit(1)
	}

	metrics := scraper.NewMetrics()
	fetcher, err := scraper.NewFetcher(cfg, metrics)
	if err != nil {
		slog.Error("initialising fetcher", slog.Any("error", err))
		os.Exit(1)
	}

	sink, err := createSink(cfg)
	if err != nil {
		slog.Error("creating sink", slog.Any("error", err))
		os.Exit(1)
	}
	// From here on every exit goes through finish so the sink is closed.
	p := pipeline.NewPipeline(sink)

	s, err := scraper.NewScraper(fetcher, p, scraper.Options{
		Parallelism:   cfg.Parallelism,
		DedupeMaxSize: cfg.DedupeMaxSize,
		Metrics:       metrics,
		Logger:        logger,
	})
	if err != nil {
		slog.Error("initialising scraper", slog.Any("error", err))
		os.Exit(finish(p, nil, err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received, finishing in-flight products")
	}()

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		slog.Info("metrics server enabled", slog.String("addr", cfg.MetricsAddr))
	}

	slog.Info("starting scrape",
		slog.String("market", marketCfg.Name),
		slog.String("search", cfg.SearchTerm),
		slog.String("group", cfg.Group()),
		slog.Int("pages", cfg.MaxPages),
		slog.Int("items_per_page", cfg.MaxItemsPerPage),
		slog.Int("workers", cfg.Parallelism),
	)

	result, runErr := s.Run(ctx, scraper.Session{
		Market:          marketCfg,
		SearchTerm:      cfg.SearchTerm,
		GroupKey:        cfg.GroupKey,
		MaxPages:        cfg.MaxPages,
		MaxItemsPerPage: cfg.MaxItemsPerPage,
	})

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("metrics server shutdown failed", slog.Any("error", err))
		}
		cancel()
	}

	if result != nil {
		printSummary(result, fetcher, cfg, p.GetMetrics())
	}
	stop()
	os.Exit(finish(p, result, runErr))
}

// finish closes the pipeline and maps the session outcome to an exit code.
// A cancelled session that shut down cleanly exits 0.
func finish(p io.Closer, result *models.SessionResult, runErr error) int {
	code := 0
	if runErr != nil && (result == nil || result.State == models.StateFailed) {
		slog.Error("scraping failed", slog.Any("error", runErr))
		code = 1
	}
	if err := p.Close(); err != nil {
		slog.Error("close pipeline", slog.Any("error", err))
		code = 1
	}
	return code
}

func envIntOrExit(key string, fallback int) int {
	value, ok, err := config.EnvInt(key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid %s: %v\n", key, err)
		os.Exit(1)
	}
	if !ok {
		return fallback
	}
	return value
}

func createSink(cfg *config.Config) (pipeline.Sink, error) {
	switch cfg.OutputFormat {
	case "json":
		return pipeline.NewJSONDirSink(cfg.OutputDir), nil
	case "sqlite":
		return pipeline.NewSQLiteSink(cfg.SQLitePath)
	case "dual":
		db, err := pipeline.NewSQLiteSink(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return pipeline.NewMultiSink(pipeline.NewJSONDirSink(cfg.OutputDir), db), nil
	default:
		return nil, fmt.Errorf("unsupported format: %s", cfg.OutputFormat)
	}
}

func printSummary(result *models.SessionResult, fetcher *scraper.CollyFetcher, cfg *config.Config, metrics map[string]interface{}) {
	separator := "--------------------------------------------------"
	fmt.Println("\n" + separator)
	fmt.Printf("Scrape %s\n", result.State)

	fmt.Printf("  Session:       %s\n", result.SessionID)
	fmt.Printf("  Market:        %s (%s)\n", result.Market, result.SearchTerm)
	fmt.Printf("  Pages:         %d visited, %d skipped, %d planned\n", result.PagesVisited, result.PagesSkipped, result.PlannedPages)
	fmt.Printf("  Items:         %d persisted of %d attempted\n", result.ItemsPersisted, result.ItemsAttempted)
	fmt.Printf("  Failed items:  %d\n", result.ItemsFailed)
	if result.Duplicates > 0 {
		fmt.Printf("  Duplicates:    %d\n", result.Duplicates)
	}
	if len(result.ErrorsByStage) > 0 {
		stages := make([]string, 0, len(result.ErrorsByStage))
		for stage, n := range result.ErrorsByStage {
			stages = append(stages, fmt.Sprintf("%s=%d", stage, n))
		}
		sort.Strings(stages)
		fmt.Printf("  Errors:        %s\n", strings.Join(stages, " "))
	}
	if valErrors, ok := metrics["validation_errors"].(map[string]int); ok && len(valErrors) > 0 {
		fmt.Printf("  Validation:    %v\n", valErrors)
	}
	fmt.Printf("  Requests:      %d (%d retries)\n", fetcher.RequestCount(), fetcher.RetryCount())

	duration := result.EndTime.Sub(result.StartTime)
	itemsPerSec := 0.0
	if duration.Seconds() > 0 {
		itemsPerSec = float64(result.ItemsPersisted) / duration.Seconds()
	}
	fmt.Printf("  Duration:      %v\n", duration.Round(time.Millisecond))
	fmt.Printf("  Items/sec:     %.2f\n", itemsPerSec)
	switch cfg.OutputFormat {
	case "sqlite":
		fmt.Printf("  Output:        %s\n", cfg.SQLitePath)
	case "dual":
		fmt.Printf("  Output:        %s, %s\n", cfg.OutputDir, cfg.SQLitePath)
	default:
		fmt.Printf("  Output:        %s\n", cfg.OutputDir)
	}
	fmt.Println(separator)
}

func newLogger(verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isTerminal(os.Stdout) {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
