package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/aluiziolira/go-scrape-market/config"
	"github.com/aluiziolira/go-scrape-market/parser"
	"github.com/gocolly/colly/v2"
)

// Fetcher resolves a URL to a parsed document or a *FetchError.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*parser.Document, error)
}

const (
	ctxStart  = "start"
	ctxBody   = "body"
	ctxStatus = "status"
)

// CollyFetcher fetches pages through a synchronous colly collector. The
// collector's limit rule caps in-flight requests for the whole process.
type CollyFetcher struct {
	cfg       *config.Config
	collector *colly.Collector
	metrics   *Metrics

	requestCount int64
	retryCount   int64
}

// NewFetcher builds a fetcher configured from cfg. metrics may be nil.
func NewFetcher(cfg *config.Config, metrics *Metrics) (*CollyFetcher, error) {
	collector := colly.NewCollector(
		colly.UserAgent(cfg.UserAgent),
		colly.AllowURLRevisit(),
	)

	collector.SetRequestTimeout(cfg.Timeout)
	collector.IgnoreRobotsTxt = true
	collector.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	})

	if err := collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: cfg.Parallelism,
		Delay:       cfg.Delay,
		RandomDelay: cfg.RandomDelay,
	}); err != nil {
		return nil, fmt.Errorf("configure rate limits: %w", err)
	}

	f := &CollyFetcher{
		cfg:       cfg,
		collector: collector,
		metrics:   metrics,
	}
	f.configureHandlers()
	return f, nil
}

// WithTransport swaps the HTTP transport, typically for tests.
func (f *CollyFetcher) WithTransport(rt http.RoundTripper) {
	f.collector.WithTransport(rt)
}

// RequestCount reports HTTP requests issued, retries included.
func (f *CollyFetcher) RequestCount() int {
	return int(atomic.LoadInt64(&f.requestCount))
}

// RetryCount reports retry attempts.
func (f *CollyFetcher) RetryCount() int {
	return int(atomic.LoadInt64(&f.retryCount))
}

func (f *CollyFetcher) configureHandlers() {
	f.collector.OnRequest(func(r *colly.Request) {
		r.Ctx.Put(ctxStart, time.Now())
		current := atomic.AddInt64(&f.requestCount, 1)
		f.metrics.IncRequest("started")
		if current%50 == 0 {
			slog.Debug("scraper request progress",
				slog.Int64("requests", current),
				slog.String("url", r.URL.String()),
			)
		}
	})

	f.collector.OnResponse(func(r *colly.Response) {
		r.Ctx.Put(ctxStatus, r.StatusCode)
		r.Ctx.Put(ctxBody, r.Body)
		f.observe(r.Ctx)
	})

	f.collector.OnError(func(r *colly.Response, err error) {
		if r == nil || r.Ctx == nil {
			return
		}
		r.Ctx.Put(ctxStatus, r.StatusCode)
		f.observe(r.Ctx)
	})
}

func (f *CollyFetcher) observe(ctx *colly.Context) {
	if start, ok := ctx.GetAny(ctxStart).(time.Time); ok {
		f.metrics.ObserveDuration(time.Since(start))
	}
}

// Fetch retrieves and parses url, retrying retryable failures with capped
// exponential backoff.
func (f *CollyFetcher) Fetch(ctx context.Context, url string) (*parser.Document, error) {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, newFetchError(url, 0, err)
		}

		doc, err := f.fetchOnce(url)
		if err == nil {
			return doc, nil
		}

		var fetchErr *FetchError
		if !errors.As(err, &fetchErr) || !fetchErr.Retryable() || attempt >= f.cfg.MaxRetries {
			return nil, err
		}

		atomic.AddInt64(&f.retryCount, 1)
		f.metrics.IncRetries()
		delay := f.backoff(attempt + 1)
		slog.Debug("retrying fetch",
			slog.String("url", url),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.Any("error", err),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, newFetchError(url, 0, ctx.Err())
		case <-timer.C:
		}
	}
}

func (f *CollyFetcher) fetchOnce(url string) (*parser.Document, error) {
	cctx := colly.NewContext()
	err := f.collector.Request(http.MethodGet, url, nil, cctx, nil)
	status, _ := cctx.GetAny(ctxStatus).(int)
	if err != nil {
		return nil, newFetchError(url, status, err)
	}

	body, _ := cctx.GetAny(ctxBody).([]byte)
	doc, err := parser.ParseBytes(url, body)
	if err != nil {
		return nil, &FetchError{URL: url, StatusCode: status, Kind: KindParse, Err: err}
	}
	return doc, nil
}

func (f *CollyFetcher) backoff(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}

	base := f.cfg.RetryBackoff
	if base <= 0 {
		base = 100 * time.Millisecond
	}

	delay := base * time.Duration(1<<(attempt-1))
	if max := f.cfg.RetryBackoffMax; max > 0 && delay > max {
		delay = max
	}
	return delay
}
