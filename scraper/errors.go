package scraper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/aluiziolira/go-scrape-market/pipeline"
)

// Fetch failure kinds.
const (
	KindTimeout     = "timeout"
	KindConnection  = "connection"
	KindForbidden   = "forbidden"
	KindNotFound    = "not_found"
	KindRateLimited = "rate_limited"
	KindHTTPStatus  = "http_status"
	KindParse       = "parse"
	KindCancelled   = "cancelled"
	KindOther       = "other"
)

// FetchError reports a listing or product URL that could not be retrieved.
// StatusCode is zero for transport failures.
type FetchError struct {
	URL        string
	StatusCode int
	Kind       string
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: %s (status %d): %v", e.URL, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Retryable reports whether another attempt could succeed.
func (e *FetchError) Retryable() bool {
	switch e.Kind {
	case KindTimeout, KindConnection, KindRateLimited:
		return true
	case KindHTTPStatus:
		return e.StatusCode >= http.StatusInternalServerError
	default:
		return false
	}
}

// ExtractionError reports a selector that matched nothing or matched text of
// the wrong shape. Field names the product or planning field.
type ExtractionError struct {
	Field    string
	Selector string
	URL      string
	Err      error
}

func (e *ExtractionError) Error() string {
	if e.Selector != "" {
		return fmt.Sprintf("extract %s from %s (selector %s): %v", e.Field, e.URL, e.Selector, e.Err)
	}
	return fmt.Sprintf("extract %s from %s: %v", e.Field, e.URL, e.Err)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

var (
	errNoMatch   = errors.New("selector matched no elements")
	errNoSrc     = errors.New("first match has no src attribute")
	errBlankText = errors.New("matched text is empty")

	errZeroPerPage = errors.New("items per page is zero")
)

func newFetchError(url string, statusCode int, err error) *FetchError {
	return &FetchError{
		URL:        url,
		StatusCode: statusCode,
		Kind:       classifyError(err, statusCode),
		Err:        err,
	}
}

func classifyError(err error, statusCode int) string {
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindConnection
	}

	switch {
	case statusCode == http.StatusForbidden:
		return KindForbidden
	case statusCode == http.StatusNotFound:
		return KindNotFound
	case statusCode == http.StatusTooManyRequests:
		return KindRateLimited
	case statusCode != 0:
		return KindHTTPStatus
	}
	return KindOther
}

// errorTypeLabel maps any stage error to a metrics label.
func errorTypeLabel(err error) string {
	if err == nil {
		return "unknown"
	}
	var fetchErr *FetchError
	if errors.As(err, &fetchErr) {
		return fetchErr.Kind
	}
	var extractErr *ExtractionError
	if errors.As(err, &extractErr) {
		return "extraction_" + extractErr.Field
	}
	var persistErr *pipeline.PersistenceError
	if errors.As(err, &persistErr) {
		return "persistence"
	}
	if errors.Is(err, pipeline.ErrPipelineClosed) {
		return "pipeline_closed"
	}
	return KindOther
}
