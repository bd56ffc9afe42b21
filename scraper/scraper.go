// Package scraper walks marketplace search results and extracts products.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aluiziolira/go-scrape-market/market"
	"github.com/aluiziolira/go-scrape-market/models"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"
)

// Failure stages reported in logs, metrics and SessionResult.ErrorsByStage.
const (
	StagePlanning = "planning"
	StagePage     = "page"
	StageExtract  = "extract"
	StagePersist  = "persist"
)

// Persister stores a complete product under (market, group, product.ID).
type Persister interface {
	Persist(ctx context.Context, market, group string, product *models.Product) error
}

// Options tune a Scraper. The zero value scrapes sequentially without dedupe.
type Options struct {
	// Parallelism bounds concurrent product extractions within a page.
	Parallelism int
	// DedupeMaxSize bounds the per-session cache of seen product ids.
	// Zero disables dedupe.
	DedupeMaxSize int
	Metrics       *Metrics
	Logger        *slog.Logger
}

// Scraper drives search sessions: plan pages once, walk pages in order,
// extract and persist every product, and keep going past page and item
// failures.
type Scraper struct {
	fetcher Fetcher
	sink    Persister
	opts    Options
}

// NewScraper wires a fetcher and a persister.
func NewScraper(fetcher Fetcher, sink Persister, opts Options) (*Scraper, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher cannot be nil")
	}
	if sink == nil {
		return nil, fmt.Errorf("persister cannot be nil")
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 1
	}
	if opts.DedupeMaxSize < 0 {
		return nil, fmt.Errorf("dedupe max size cannot be negative")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Scraper{fetcher: fetcher, sink: sink, opts: opts}, nil
}

// Session is one search. Zero or negative limits mean Unbounded; an empty
// GroupKey defaults to SearchTerm.
type Session struct {
	Market          *market.Config
	SearchTerm      string
	GroupKey        string
	MaxPages        int
	MaxItemsPerPage int
}

// Run executes a session. A planning failure ends the session with
// StateFailed and a non-nil error; a cancelled context ends it with
// StateCancelled and ctx.Err(). All other failures are logged, counted in
// the result and skipped.
func (s *Scraper) Run(ctx context.Context, sess Session) (*models.SessionResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if sess.Market == nil || !sess.Market.Compiled() {
		return nil, fmt.Errorf("session needs a compiled market config")
	}
	if sess.SearchTerm == "" {
		return nil, fmt.Errorf("session needs a search term")
	}
	if sess.GroupKey == "" {
		sess.GroupKey = sess.SearchTerm
	}
	if sess.MaxPages <= 0 {
		sess.MaxPages = Unbounded
	}
	if sess.MaxItemsPerPage <= 0 {
		sess.MaxItemsPerPage = Unbounded
	}

	r, err := s.newRun(sess)
	if err != nil {
		return nil, err
	}
	return r.execute(ctx)
}

type run struct {
	s    *Scraper
	sess Session
	cfg  *market.Config
	log  *slog.Logger
	seen *lru.Cache[string, struct{}]

	mu     sync.Mutex
	result *models.SessionResult
}

func (s *Scraper) newRun(sess Session) (*run, error) {
	id := uuid.NewString()
	r := &run{
		s:    s,
		sess: sess,
		cfg:  sess.Market,
		log: s.opts.Logger.With(
			slog.String("session_id", id),
			slog.String("market", sess.Market.Name),
			slog.String("search", sess.SearchTerm),
		),
		result: &models.SessionResult{
			SessionID:     id,
			Market:        sess.Market.Name,
			SearchTerm:    sess.SearchTerm,
			GroupKey:      sess.GroupKey,
			State:         models.StateInit,
			ErrorsByStage: make(map[string]int),
		},
	}
	if s.opts.DedupeMaxSize > 0 {
		cache, err := lru.New[string, struct{}](s.opts.DedupeMaxSize)
		if err != nil {
			return nil, fmt.Errorf("create dedupe cache: %w", err)
		}
		r.seen = cache
	}
	return r, nil
}

func (r *run) execute(ctx context.Context) (*models.SessionResult, error) {
	r.result.StartTime = time.Now()
	defer func() { r.result.EndTime = time.Now() }()

	searchURL, err := r.cfg.SearchURLFor(r.sess.SearchTerm)
	if err != nil {
		r.setState(models.StateFailed)
		return r.result, err
	}

	if err := ctx.Err(); err != nil {
		return r.cancelled(err)
	}
	r.setState(models.StatePlanningPages)
	planned, err := PlanPages(ctx, r.s.fetcher, searchURL, r.cfg.TotalCount, r.cfg.ItemsPerPage)
	if err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return r.cancelled(err)
		}
		r.fail(StagePlanning, searchURL, err)
		r.setState(models.StateFailed)
		return r.result, fmt.Errorf("plan pages: %w", err)
	}
	r.result.PlannedPages = planned
	r.log.Info("planned listing pages",
		slog.Int("pages", planned),
		slog.String("url", searchURL),
	)

	lastPage := min(r.sess.MaxPages, planned)
	for page := 1; page <= lastPage; page++ {
		if err := ctx.Err(); err != nil {
			return r.cancelled(err)
		}
		r.setState(models.StateIteratingPages)
		r.processPage(ctx, searchURL, page)
	}
	if err := ctx.Err(); err != nil {
		return r.cancelled(err)
	}

	r.setState(models.StateDone)
	r.log.Info("session complete",
		slog.Int("attempted", r.result.ItemsAttempted),
		slog.Int("persisted", r.result.ItemsPersisted),
		slog.Int("failed", r.result.ItemsFailed),
		slog.Int("pages_skipped", r.result.PagesSkipped),
	)
	return r.result, nil
}

func (r *run) processPage(ctx context.Context, searchURL string, page int) {
	pageURL, err := r.cfg.PageURL(searchURL, page)
	if err != nil {
		r.skipPage(pageURL, err)
		return
	}

	r.mu.Lock()
	r.result.ListingFetches++
	r.mu.Unlock()

	doc, err := r.s.fetcher.Fetch(ctx, pageURL)
	if err != nil {
		r.skipPage(pageURL, err)
		return
	}

	r.mu.Lock()
	r.result.PagesVisited++
	r.mu.Unlock()
	r.s.opts.Metrics.IncPages()

	urls := extractItemURLs(doc, r.cfg.ItemLink, r.sess.MaxItemsPerPage, r.log)
	r.log.Debug("listing page traversed",
		slog.Int("page", page),
		slog.Int("items", len(urls)),
		slog.String("url", pageURL),
	)

	r.setState(models.StateIteratingItems)
	if r.s.opts.Parallelism > 1 {
		r.processItemsConcurrently(ctx, urls)
		return
	}
	for _, productURL := range urls {
		if ctx.Err() != nil {
			return
		}
		if r.duplicate(productURL) {
			continue
		}
		if product := r.extract(ctx, productURL); product != nil {
			r.persist(ctx, product)
		}
	}
}

// processItemsConcurrently extracts in parallel but persists in document
// order once the page's extractions finish. Item goroutines never return an
// error, so a failing item cannot cancel its siblings.
func (r *run) processItemsConcurrently(ctx context.Context, urls []string) {
	products := make([]*models.Product, len(urls))

	var g errgroup.Group
	g.SetLimit(r.s.opts.Parallelism)
	for i, productURL := range urls {
		if ctx.Err() != nil {
			break
		}
		if r.duplicate(productURL) {
			continue
		}
		i, productURL := i, productURL
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			products[i] = r.extract(ctx, productURL)
			return nil
		})
	}
	_ = g.Wait()

	for _, product := range products {
		if product != nil {
			r.persist(ctx, product)
		}
	}
}

// duplicate marks productURL as seen and reports whether it already was. A
// product whose extraction or persistence fails is forgotten again so a later
// link to it gets another attempt.
func (r *run) duplicate(productURL string) bool {
	if r.seen == nil {
		return false
	}
	if found, _ := r.seen.ContainsOrAdd(r.dedupeKey(productURL), struct{}{}); !found {
		return false
	}

	r.mu.Lock()
	r.result.Duplicates++
	r.mu.Unlock()
	r.log.Debug("skipping duplicate product", slog.String("url", productURL))
	return true
}

func (r *run) forget(productURL string) {
	if r.seen == nil {
		return
	}
	r.seen.Remove(r.dedupeKey(productURL))
}

func (r *run) dedupeKey(productURL string) string {
	if id, err := r.cfg.IDFromURL(productURL); err == nil {
		return id
	}
	return productURL
}

func (r *run) extract(ctx context.Context, productURL string) *models.Product {
	r.mu.Lock()
	r.result.ItemsAttempted++
	r.result.ProductFetches++
	r.mu.Unlock()

	product, err := Extract(ctx, r.s.fetcher, productURL, r.cfg)
	if err != nil {
		r.forget(productURL)
		r.fail(StageExtract, productURL, err)
		r.mu.Lock()
		r.result.ItemsFailed++
		r.mu.Unlock()
		return nil
	}
	r.s.opts.Metrics.IncItems()
	return product
}

// persist outlives cancellation: a product that was fully extracted is
// still written.
func (r *run) persist(ctx context.Context, product *models.Product) {
	err := r.s.sink.Persist(context.WithoutCancel(ctx), r.cfg.Name, r.sess.GroupKey, product)
	if err != nil {
		r.forget(product.SourceURL)
		r.fail(StagePersist, product.SourceURL, err)
		r.mu.Lock()
		r.result.ItemsFailed++
		r.mu.Unlock()
		return
	}

	r.mu.Lock()
	r.result.ItemsPersisted++
	r.mu.Unlock()
	r.s.opts.Metrics.IncPersisted()
}

func (r *run) skipPage(pageURL string, err error) {
	r.fail(StagePage, pageURL, err)
	r.mu.Lock()
	r.result.PagesSkipped++
	r.mu.Unlock()
}

func (r *run) fail(stage, url string, err error) {
	errorType := errorTypeLabel(err)

	r.mu.Lock()
	r.result.ErrorsByStage[stage]++
	r.result.FailedURLs = append(r.result.FailedURLs, url)
	r.mu.Unlock()

	r.s.opts.Metrics.IncError(stage, errorType)
	r.log.Error("scrape stage failed",
		slog.String("stage", stage),
		slog.String("url", url),
		slog.String("error_type", errorType),
		slog.Any("error", err),
	)
}

func (r *run) cancelled(err error) (*models.SessionResult, error) {
	r.setState(models.StateCancelled)
	r.log.Info("session cancelled",
		slog.Int("persisted", r.result.ItemsPersisted),
		slog.Any("reason", err),
	)
	return r.result, err
}

func (r *run) setState(state models.State) {
	r.mu.Lock()
	prev := r.result.State
	r.result.State = state
	r.mu.Unlock()
	if prev != state {
		r.log.Debug("session state", slog.String("from", string(prev)), slog.String("to", string(state)))
	}
}
