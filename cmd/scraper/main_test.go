package main

import (
	"errors"
	"testing"

	"github.com/aluiziolira/go-scrape-market/models"
)

type closeRecorder struct {
	closed int
	err    error
}

func (c *closeRecorder) Close() error {
	c.closed++
	return c.err
}

func TestFinishClosesPipeline(t *testing.T) {
	planErr := errors.New("plan pages: fetch failed")

	tests := []struct {
		name     string
		result   *models.SessionResult
		runErr   error
		closeErr error
		want     int
	}{
		{name: "done", result: &models.SessionResult{State: models.StateDone}, want: 0},
		{name: "planning failure", result: &models.SessionResult{State: models.StateFailed}, runErr: planErr, want: 1},
		{name: "cancelled", result: &models.SessionResult{State: models.StateCancelled}, runErr: errors.New("context canceled"), want: 0},
		{name: "no result", runErr: errors.New("persister cannot be nil"), want: 1},
		{name: "close failure", result: &models.SessionResult{State: models.StateDone}, closeErr: errors.New("database is locked"), want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &closeRecorder{err: tt.closeErr}
			if got := finish(c, tt.result, tt.runErr); got != tt.want {
				t.Fatalf("finish() = %d, want %d", got, tt.want)
			}
			if c.closed != 1 {
				t.Fatalf("pipeline closed %d times, want 1", c.closed)
			}
		})
	}
}
