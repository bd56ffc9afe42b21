package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aluiziolira/go-scrape-market/models"
	"github.com/aluiziolira/go-scrape-market/parser"
)

var (
	// ErrPipelineClosed is returned when Persist is called after shutdown.
	ErrPipelineClosed = errors.New("pipeline: closed")
)

// Pipeline validates products and hands complete ones to a Sink.
type Pipeline struct {
	sink Sink

	mu     sync.Mutex // guards closed
	closed bool

	closeOnce sync.Once
	closeErr  error

	metrics metrics
}

// NewPipeline wraps sink.
func NewPipeline(sink Sink) *Pipeline {
	return &Pipeline{
		sink:    sink,
		metrics: newMetrics(),
	}
}

// Persist stores p under (market, group, p.ID). Incomplete products are
// rejected without touching the sink.
func (p *Pipeline) Persist(ctx context.Context, market, group string, product *models.Product) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrPipelineClosed
	}

	if err := parser.ValidateProduct(product); err != nil {
		p.metrics.addValidation("invalid_record")
		return fmt.Errorf("validate product: %w", err)
	}

	key := models.RecordKey{Market: market, Group: group, ID: product.ID}
	if err := p.sink.Persist(ctx, key, product.Record()); err != nil {
		p.metrics.incrementFailed()
		return err
	}

	p.metrics.incrementProcessed()
	return nil
}

// Close prevents more submissions and closes the sink.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.closeOnce.Do(func() {
		p.closeErr = p.sink.Close()
	})
	return p.closeErr
}

// GetMetrics returns a snapshot of the internal counters.
func (p *Pipeline) GetMetrics() map[string]interface{} {
	return p.metrics.snapshot()
}

type metrics struct {
	mu         sync.Mutex
	processed  int64
	failed     int64
	validation map[string]int
}

func newMetrics() metrics {
	return metrics{
		validation: make(map[string]int),
	}
}

func (m *metrics) incrementProcessed() {
	m.mu.Lock()
	m.processed++
	m.mu.Unlock()
}

func (m *metrics) incrementFailed() {
	m.mu.Lock()
	m.failed++
	m.mu.Unlock()
}

func (m *metrics) addValidation(kind string) {
	m.mu.Lock()
	m.validation[kind]++
	m.mu.Unlock()
}

func (m *metrics) snapshot() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	copyValidation := make(map[string]int, len(m.validation))
	for k, v := range m.validation {
		copyValidation[k] = v
	}

	return map[string]interface{}{
		"processed_products": m.processed,
		"failed_writes":      m.failed,
		"validation_errors":  copyValidation,
	}
}
