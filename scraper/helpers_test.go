package scraper

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/aluiziolira/go-scrape-market/market"
	"github.com/aluiziolira/go-scrape-market/models"
	"github.com/aluiziolira/go-scrape-market/parser"
)

// fakeFetcher serves canned HTML and records every requested URL. errsOnce
// entries fail the first fetch of a URL only.
type fakeFetcher struct {
	mu       sync.Mutex
	pages    map[string]string
	errs     map[string]error
	errsOnce map[string]error
	calls    []string
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		pages:    make(map[string]string),
		errs:     make(map[string]error),
		errsOnce: make(map[string]error),
	}
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) (*parser.Document, error) {
	f.mu.Lock()
	f.calls = append(f.calls, url)
	body, ok := f.pages[url]
	err := f.errs[url]
	if once, found := f.errsOnce[url]; found && err == nil {
		err = once
		delete(f.errsOnce, url)
	}
	f.mu.Unlock()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, &FetchError{URL: url, Kind: KindCancelled, Err: ctxErr}
	}

	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &FetchError{URL: url, StatusCode: http.StatusNotFound, Kind: KindNotFound, Err: errors.New("Not Found")}
	}
	return parser.ParseString(url, body)
}

func (f *fakeFetcher) callCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == url {
			n++
		}
	}
	return n
}

func (f *fakeFetcher) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// memoryPersister keeps persisted products in arrival order. failOnce ids
// fail their first write only.
type memoryPersister struct {
	mu       sync.Mutex
	products []*models.Product
	failIDs  map[string]bool
	failOnce map[string]bool
	after    func(*models.Product)
}

func (m *memoryPersister) Persist(_ context.Context, market, group string, p *models.Product) error {
	m.mu.Lock()
	if m.failIDs[p.ID] || m.failOnce[p.ID] {
		delete(m.failOnce, p.ID)
		m.mu.Unlock()
		return fmt.Errorf("persist %s/%s/%s: write: disk full", market, group, p.ID)
	}
	m.products = append(m.products, p)
	after := m.after
	m.mu.Unlock()

	if after != nil {
		after(p)
	}
	return nil
}

func (m *memoryPersister) ids() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.products))
	for _, p := range m.products {
		ids = append(ids, p.ID)
	}
	return ids
}

func compiledEbay(t *testing.T) *market.Config {
	t.Helper()
	cfg := market.Ebay()
	if err := cfg.Compile(); err != nil {
		t.Fatalf("compile ebay config: %v", err)
	}
	return cfg
}

func ebayItemURL(id int) string {
	return fmt.Sprintf("https://www.ebay.com/itm/%d?hash=item%x", id, id)
}

func ebaySearchPage(total, perPage string, itemURLs ...string) string {
	var b strings.Builder
	b.WriteString("<html><body>")
	if total != "" {
		fmt.Fprintf(&b, `<h1 class="srp-controls__count-heading"><span class="BOLD">%s</span> results for rolex</h1>`, total)
	}
	if perPage != "" {
		fmt.Fprintf(&b, `<span id="srp-ipp-menu"><button><span class="btn__cell"><span>%s</span></span></button></span>`, perPage)
	}
	b.WriteString(`<ul class="srp-results">`)
	for _, u := range itemURLs {
		b.WriteString(`<li><div class="s-item__wrapper clearfix"><div class="s-item__image-section"><div class="s-item__image">`)
		if u == "" {
			b.WriteString(`<a>missing</a>`)
		} else {
			fmt.Fprintf(&b, `<a href="%s">item</a>`, u)
		}
		b.WriteString(`</div></div></div></li>`)
	}
	b.WriteString("</ul></body></html>")
	return b.String()
}

type productFixture struct {
	TitleParts  []string
	Description string
	Price       string
	Image       string
}

func defaultProduct(id int) productFixture {
	return productFixture{
		TitleParts:  []string{"Rolex ", fmt.Sprintf("Submariner %d", id)},
		Description: fmt.Sprintf("https://vi.vipr.ebaydesc.com/ws/eBayISAPI.dll?item=%d", id),
		Price:       "  US $9,500.00 ",
		Image:       fmt.Sprintf("https://i.ebayimg.com/images/g/%d/s-l1600.jpg", id),
	}
}

func ebayProductPage(p productFixture) string {
	var b strings.Builder
	b.WriteString("<html><body>")
	if len(p.TitleParts) > 0 {
		b.WriteString(`<h1 class="x-item-title__mainTitle">`)
		for _, part := range p.TitleParts {
			fmt.Fprintf(&b, `<span class="ux-textspans ux-textspans--BOLD">%s</span>`, part)
		}
		b.WriteString(`</h1>`)
	}
	if p.Description != "" {
		fmt.Fprintf(&b, `<div class="vim d-item-description"><iframe src="%s"></iframe></div>`, p.Description)
	}
	if p.Price != "" {
		fmt.Fprintf(&b, `<div class="x-price-primary"><span class="ux-textspans">%s</span></div>`, p.Price)
	}
	if p.Image != "" {
		fmt.Fprintf(&b, `<div class="ux-image-carousel-container"><div class="ux-image-carousel-item active image"><img src="%s"></div></div>`, p.Image)
	}
	b.WriteString("</body></html>")
	return b.String()
}

// seedSearch registers a search page plus listing pages and product pages.
// pages[i] lists the product ids linked from listing page i+1.
func seedSearch(t *testing.T, f *fakeFetcher, cfg *market.Config, term, total, perPage string, pages ...[]int) string {
	t.Helper()
	searchURL, err := cfg.SearchURLFor(term)
	if err != nil {
		t.Fatalf("search url: %v", err)
	}
	f.pages[searchURL] = ebaySearchPage(total, perPage)

	for i, ids := range pages {
		pageURL, err := cfg.PageURL(searchURL, i+1)
		if err != nil {
			t.Fatalf("page url: %v", err)
		}
		urls := make([]string, 0, len(ids))
		for _, id := range ids {
			urls = append(urls, ebayItemURL(id))
			f.pages[ebayItemURL(id)] = ebayProductPage(defaultProduct(id))
		}
		f.pages[pageURL] = ebaySearchPage(total, perPage, urls...)
	}
	return searchURL
}
