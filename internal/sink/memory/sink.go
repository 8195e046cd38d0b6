// Package memory contains an in-memory result sink for development and
// tests.
package memory

import (
	"context"
	"sync"

	"github.com/MutugiD/linkedin-crm/internal/scrape"
)

// Sink stores delivered records for inspection.
type Sink struct {
	mu         sync.RWMutex
	deliveries []Delivery
}

// Delivery captures one Store call.
type Delivery struct {
	JobID   string
	Records []scrape.Record
}

// New returns a memory Sink.
func New() *Sink {
	return &Sink{}
}

// Store records the delivery.
func (s *Sink) Store(_ context.Context, jobID string, records []scrape.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries = append(s.deliveries, Delivery{
		JobID:   jobID,
		Records: append([]scrape.Record(nil), records...),
	})
	return nil
}

// Deliveries returns the recorded Store calls.
func (s *Sink) Deliveries() []Delivery {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Delivery, len(s.deliveries))
	copy(out, s.deliveries)
	return out
}
