package scraper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"testing"

	"github.com/aluiziolira/go-scrape-market/models"
	"github.com/aluiziolira/go-scrape-market/parser"
)

func newTestScraper(t *testing.T, f Fetcher, p Persister, opts Options) *Scraper {
	t.Helper()
	s, err := NewScraper(f, p, opts)
	if err != nil {
		t.Fatalf("new scraper: %v", err)
	}
	return s
}

func TestRunItemFailureIsolation(t *testing.T) {
	cfg := compiledEbay(t)
	f := newFakeFetcher()
	seedSearch(t, f, cfg, "rolex", "5", "60", []int{1, 2, 3, 4, 5})
	f.errs[ebayItemURL(3)] = &FetchError{URL: ebayItemURL(3), Kind: KindConnection, Err: errors.New("connection reset")}

	persister := &memoryPersister{}
	s := newTestScraper(t, f, persister, Options{})

	result, err := s.Run(context.Background(), Session{Market: cfg, SearchTerm: "rolex"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if got, want := persister.ids(), []string{"1", "2", "4", "5"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("persisted=%v, want %v", got, want)
	}
	if result.ItemsAttempted != 5 || result.ItemsPersisted != 4 || result.ItemsFailed != 1 {
		t.Fatalf("attempted=%d persisted=%d failed=%d", result.ItemsAttempted, result.ItemsPersisted, result.ItemsFailed)
	}
	if result.ErrorsByStage[StageExtract] != 1 {
		t.Fatalf("errors by stage=%v", result.ErrorsByStage)
	}
	if len(result.FailedURLs) != 1 || result.FailedURLs[0] != ebayItemURL(3) {
		t.Fatalf("failed urls=%v", result.FailedURLs)
	}
	if result.State != models.StateDone {
		t.Fatalf("state=%q, want done", result.State)
	}
}

func TestRunRespectsPageAndItemCaps(t *testing.T) {
	cfg := compiledEbay(t)
	f := newFakeFetcher()
	searchURL := seedSearch(t, f, cfg, "rolex", "120", "50",
		[]int{11, 12, 13, 14}, []int{21, 22}, []int{31})

	persister := &memoryPersister{}
	s := newTestScraper(t, f, persister, Options{})

	result, err := s.Run(context.Background(), Session{
		Market:          cfg,
		SearchTerm:      "rolex",
		MaxPages:        1,
		MaxItemsPerPage: 2,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if result.PlannedPages != 3 {
		t.Fatalf("planned=%d, want 3", result.PlannedPages)
	}
	if result.ListingFetches != 1 || result.ProductFetches != 2 {
		t.Fatalf("listing fetches=%d product fetches=%d", result.ListingFetches, result.ProductFetches)
	}
	if got := f.callCount(searchURL); got != 1 {
		t.Fatalf("planning fetched %d times, want 1", got)
	}
	if got := f.totalCalls(); got != 4 {
		t.Fatalf("total fetches=%d, want 4 (plan + listing + 2 products)", got)
	}
	if got, want := persister.ids(), []string{"11", "12"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("persisted=%v, want %v", got, want)
	}
	if result.State != models.StateDone {
		t.Fatalf("state=%q, want done", result.State)
	}
}

func TestRunWalksPagesInOrder(t *testing.T) {
	cfg := compiledEbay(t)
	f := newFakeFetcher()
	seedSearch(t, f, cfg, "rolex", "6", "2", []int{1, 2}, []int{3, 4}, []int{5, 6})

	persister := &memoryPersister{}
	s := newTestScraper(t, f, persister, Options{})

	result, err := s.Run(context.Background(), Session{Market: cfg, SearchTerm: "rolex"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got, want := persister.ids(), []string{"1", "2", "3", "4", "5", "6"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("persisted=%v, want %v", got, want)
	}
	if result.PagesVisited != 3 {
		t.Fatalf("pages visited=%d, want 3", result.PagesVisited)
	}
}

func TestRunPlanningFailureIsFatal(t *testing.T) {
	cfg := compiledEbay(t)
	f := newFakeFetcher()
	searchURL, err := cfg.SearchURLFor("rolex")
	if err != nil {
		t.Fatalf("search url: %v", err)
	}
	f.errs[searchURL] = &FetchError{URL: searchURL, StatusCode: http.StatusServiceUnavailable, Kind: KindHTTPStatus, Err: errors.New("Service Unavailable")}

	s := newTestScraper(t, f, &memoryPersister{}, Options{})
	result, err := s.Run(context.Background(), Session{Market: cfg, SearchTerm: "rolex"})

	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("expected FetchError, got %v", err)
	}
	if result.State != models.StateFailed {
		t.Fatalf("state=%q, want failed", result.State)
	}
	if result.ListingFetches != 0 || f.totalCalls() != 1 {
		t.Fatalf("no listing page may be fetched after planning fails")
	}
	if result.ErrorsByStage[StagePlanning] != 1 {
		t.Fatalf("errors by stage=%v", result.ErrorsByStage)
	}
}

func TestRunPlanningExtractionFailureIsFatal(t *testing.T) {
	cfg := compiledEbay(t)
	f := newFakeFetcher()
	seedSearch(t, f, cfg, "rolex", "120", "0")

	s := newTestScraper(t, f, &memoryPersister{}, Options{})
	result, err := s.Run(context.Background(), Session{Market: cfg, SearchTerm: "rolex"})

	var extractErr *ExtractionError
	if !errors.As(err, &extractErr) || extractErr.Field != "items_per_page" {
		t.Fatalf("expected items_per_page ExtractionError, got %v", err)
	}
	if result.State != models.StateFailed {
		t.Fatalf("state=%q, want failed", result.State)
	}
}

func TestRunSkipsFailedPage(t *testing.T) {
	cfg := compiledEbay(t)
	f := newFakeFetcher()
	searchURL := seedSearch(t, f, cfg, "rolex", "6", "2", []int{1, 2}, []int{3, 4}, []int{5, 6})
	page2, err := cfg.PageURL(searchURL, 2)
	if err != nil {
		t.Fatalf("page url: %v", err)
	}
	delete(f.pages, page2)

	persister := &memoryPersister{}
	s := newTestScraper(t, f, persister, Options{})

	result, err := s.Run(context.Background(), Session{Market: cfg, SearchTerm: "rolex"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got, want := persister.ids(), []string{"1", "2", "5", "6"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("persisted=%v, want %v", got, want)
	}
	if result.PagesSkipped != 1 || result.PagesVisited != 2 {
		t.Fatalf("pages skipped=%d visited=%d", result.PagesSkipped, result.PagesVisited)
	}
	if result.ErrorsByStage[StagePage] != 1 {
		t.Fatalf("errors by stage=%v", result.ErrorsByStage)
	}
}

func TestRunPersistFailureContinues(t *testing.T) {
	cfg := compiledEbay(t)
	f := newFakeFetcher()
	seedSearch(t, f, cfg, "rolex", "3", "60", []int{1, 2, 3})

	persister := &memoryPersister{failIDs: map[string]bool{"2": true}}
	s := newTestScraper(t, f, persister, Options{})

	result, err := s.Run(context.Background(), Session{Market: cfg, SearchTerm: "rolex"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got, want := persister.ids(), []string{"1", "3"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("persisted=%v, want %v", got, want)
	}
	if result.ItemsAttempted != 3 || result.ItemsPersisted != 2 {
		t.Fatalf("attempted=%d persisted=%d", result.ItemsAttempted, result.ItemsPersisted)
	}
	if result.ErrorsByStage[StagePersist] != 1 {
		t.Fatalf("errors by stage=%v", result.ErrorsByStage)
	}
}

func TestRunCancellationKeepsPersistedRecords(t *testing.T) {
	cfg := compiledEbay(t)
	f := newFakeFetcher()
	seedSearch(t, f, cfg, "rolex", "4", "2", []int{1, 2}, []int{3, 4})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	persister := &memoryPersister{}
	persister.after = func(p *models.Product) {
		if p.ID == "1" {
			cancel()
		}
	}
	s := newTestScraper(t, f, persister, Options{})

	result, err := s.Run(ctx, Session{Market: cfg, SearchTerm: "rolex"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if result.State != models.StateCancelled {
		t.Fatalf("state=%q, want cancelled", result.State)
	}
	if got, want := persister.ids(), []string{"1"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("persisted=%v, want %v", got, want)
	}
	if result.ListingFetches != 1 {
		t.Fatalf("listing fetches=%d, want 1", result.ListingFetches)
	}
}

func TestRunParallelPreservesDocumentOrder(t *testing.T) {
	cfg := compiledEbay(t)
	f := newFakeFetcher()
	seedSearch(t, f, cfg, "rolex", "8", "8", []int{8, 7, 6, 5, 4, 3, 2, 1})
	f.errs[ebayItemURL(5)] = &FetchError{URL: ebayItemURL(5), Kind: KindTimeout, Err: context.DeadlineExceeded}

	persister := &memoryPersister{}
	s := newTestScraper(t, f, persister, Options{Parallelism: 4})

	result, err := s.Run(context.Background(), Session{Market: cfg, SearchTerm: "rolex"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got, want := persister.ids(), []string{"8", "7", "6", "4", "3", "2", "1"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("persisted=%v, want %v", got, want)
	}
	if result.ItemsAttempted != 8 || result.ItemsFailed != 1 {
		t.Fatalf("attempted=%d failed=%d", result.ItemsAttempted, result.ItemsFailed)
	}
}

func TestRunDedupesAcrossPages(t *testing.T) {
	cfg := compiledEbay(t)
	f := newFakeFetcher()
	seedSearch(t, f, cfg, "rolex", "4", "2", []int{1, 2}, []int{2, 3})

	persister := &memoryPersister{}
	s := newTestScraper(t, f, persister, Options{DedupeMaxSize: 100})

	result, err := s.Run(context.Background(), Session{Market: cfg, SearchTerm: "rolex"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got, want := persister.ids(), []string{"1", "2", "3"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("persisted=%v, want %v", got, want)
	}
	if result.Duplicates != 1 {
		t.Fatalf("duplicates=%d, want 1", result.Duplicates)
	}
	if got := f.callCount(ebayItemURL(2)); got != 1 {
		t.Fatalf("product 2 fetched %d times, want 1", got)
	}
}

func TestRunGroupKeyDefaultsToSearchTerm(t *testing.T) {
	cfg := compiledEbay(t)
	f := newFakeFetcher()
	seedSearch(t, f, cfg, "rolex", "1", "60", []int{1})

	s := newTestScraper(t, f, &memoryPersister{}, Options{})
	result, err := s.Run(context.Background(), Session{Market: cfg, SearchTerm: "rolex"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.GroupKey != "rolex" {
		t.Fatalf("group=%q, want rolex", result.GroupKey)
	}
	if result.SessionID == "" {
		t.Fatalf("session id should be set")
	}
}

func TestRunRejectsUncompiledMarket(t *testing.T) {
	s := newTestScraper(t, newFakeFetcher(), &memoryPersister{}, Options{})
	if _, err := s.Run(context.Background(), Session{SearchTerm: "rolex"}); err == nil {
		t.Fatalf("expected error without market")
	}
}

func TestRunDedupeRetriesFailedProductOnLaterPage(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(*fakeFetcher, *memoryPersister)
		wantStage string
	}{
		{
			name: "extraction failure",
			setup: func(f *fakeFetcher, _ *memoryPersister) {
				f.errsOnce[ebayItemURL(2)] = &FetchError{URL: ebayItemURL(2), Kind: KindConnection, Err: errors.New("connection reset")}
			},
			wantStage: StageExtract,
		},
		{
			name: "persistence failure",
			setup: func(_ *fakeFetcher, p *memoryPersister) {
				p.failOnce = map[string]bool{"2": true}
			},
			wantStage: StagePersist,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := compiledEbay(t)
			f := newFakeFetcher()
			seedSearch(t, f, cfg, "rolex", "4", "2", []int{1, 2}, []int{2, 3})
			persister := &memoryPersister{}
			tt.setup(f, persister)

			s := newTestScraper(t, f, persister, Options{DedupeMaxSize: 100})
			result, err := s.Run(context.Background(), Session{Market: cfg, SearchTerm: "rolex"})
			if err != nil {
				t.Fatalf("run: %v", err)
			}

			if got, want := persister.ids(), []string{"1", "2", "3"}; !reflect.DeepEqual(got, want) {
				t.Fatalf("persisted=%v, want %v", got, want)
			}
			if result.Duplicates != 0 {
				t.Fatalf("duplicates=%d, want 0", result.Duplicates)
			}
			if result.ItemsFailed != 1 || result.ErrorsByStage[tt.wantStage] != 1 {
				t.Fatalf("failed=%d errors by stage=%v", result.ItemsFailed, result.ErrorsByStage)
			}
			if got := f.callCount(ebayItemURL(2)); got != 2 {
				t.Fatalf("product 2 fetched %d times, want 2", got)
			}
		})
	}
}

func TestRunCancelledBeforePlanning(t *testing.T) {
	cfg := compiledEbay(t)
	f := newFakeFetcher()
	seedSearch(t, f, cfg, "rolex", "1", "60", []int{1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := newTestScraper(t, f, &memoryPersister{}, Options{})
	result, err := s.Run(ctx, Session{Market: cfg, SearchTerm: "rolex"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if result.State != models.StateCancelled {
		t.Fatalf("state=%q, want cancelled", result.State)
	}
	if f.totalCalls() != 0 {
		t.Fatalf("fetches=%d, want 0", f.totalCalls())
	}
}

// cancellingFetcher cancels the session while its first request is in flight.
type cancellingFetcher struct {
	cancel context.CancelFunc
}

func (c cancellingFetcher) Fetch(ctx context.Context, url string) (*parser.Document, error) {
	c.cancel()
	return nil, &FetchError{URL: url, Kind: KindCancelled, Err: ctx.Err()}
}

func TestRunCancelledDuringPlanning(t *testing.T) {
	cfg := compiledEbay(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := newTestScraper(t, cancellingFetcher{cancel: cancel}, &memoryPersister{}, Options{})
	result, err := s.Run(ctx, Session{Market: cfg, SearchTerm: "rolex"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if result.State != models.StateCancelled {
		t.Fatalf("state=%q, want cancelled", result.State)
	}
	if result.ErrorsByStage[StagePlanning] != 0 {
		t.Fatalf("cancellation must not count as a planning failure: %v", result.ErrorsByStage)
	}
}

func TestRunHrefWarningCarriesSessionAttrs(t *testing.T) {
	cfg := compiledEbay(t)
	f := newFakeFetcher()
	searchURL := seedSearch(t, f, cfg, "rolex", "2", "60", []int{1})
	page1, err := cfg.PageURL(searchURL, 1)
	if err != nil {
		t.Fatalf("page url: %v", err)
	}
	f.pages[page1] = ebaySearchPage("2", "60", ebayItemURL(1), "")

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	s := newTestScraper(t, f, &memoryPersister{}, Options{Logger: logger})

	result, err := s.Run(context.Background(), Session{Market: cfg, SearchTerm: "rolex"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	var warning map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("decode log line %q: %v", line, err)
		}
		if rec["msg"] == "listing link without href" {
			warning = rec
		}
	}
	if warning == nil {
		t.Fatalf("no href warning logged:\n%s", buf.String())
	}
	if warning["session_id"] != result.SessionID || warning["market"] != "ebay" || warning["search"] != "rolex" {
		t.Fatalf("warning missing session attrs: %v", warning)
	}
}
