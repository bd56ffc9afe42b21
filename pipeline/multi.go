package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/aluiziolira/go-scrape-market/models"
)

// MultiSink persists every record to all of its sinks.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink fans records out to sinks in the given order.
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

// Persist writes to every sink, even when an earlier one fails. The record
// counts as persisted only when all sinks succeed.
func (m *MultiSink) Persist(ctx context.Context, key models.RecordKey, rec models.Record) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Persist(ctx, key, rec); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return &PersistenceError{Key: key, Op: "fanout", Err: errors.Join(errs...)}
}

// Close closes every sink.
func (m *MultiSink) Close() error {
	var errs []error
	for i, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("sink %d close failed: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
