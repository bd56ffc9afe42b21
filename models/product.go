// Package models defines data structures for the scraper.
package models

import "time"

// Product is one scraped product page.
type Product struct {
	ID          string
	Title       string
	Description string
	Price       string
	ImagePath   string
	SourceURL   string
}

// Record returns the persisted body. ID and SourceURL travel in the key.
func (p *Product) Record() Record {
	return Record{
		Title:       p.Title,
		Description: p.Description,
		Price:       p.Price,
		ImagePath:   p.ImagePath,
	}
}

// Record is the stored shape of a product. The "image path" key keeps parity
// with files written by earlier versions of the scraper.
type Record struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Price       string `json:"price"`
	ImagePath   string `json:"image path"`
}

// RecordKey identifies a stored record.
type RecordKey struct {
	Market string
	Group  string
	ID     string
}

// State is the orchestrator lifecycle state.
type State string

const (
	StateInit           State = "init"
	StatePlanningPages  State = "planning_pages"
	StateIteratingPages State = "iterating_pages"
	StateIteratingItems State = "iterating_items"
	StateDone           State = "done"
	StateFailed         State = "failed"
	StateCancelled      State = "cancelled"
)

// SessionResult holds the overall result of one search session.
type SessionResult struct {
	SessionID    string
	Market       string
	SearchTerm   string
	GroupKey     string
	State        State
	StartTime    time.Time
	EndTime      time.Time
	PlannedPages int
	PagesVisited int
	PagesSkipped int

	ItemsAttempted int
	ItemsPersisted int
	ItemsFailed    int
	Duplicates     int

	ListingFetches int
	ProductFetches int

	FailedURLs    []string
	ErrorsByStage map[string]int
}
