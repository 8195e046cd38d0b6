// Package pubsub implements a result sink that publishes extracted
// records to a Google Cloud Pub/Sub topic.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/MutugiD/linkedin-crm/internal/scrape"
)

// envelope is the wire shape of one published result set.
type envelope struct {
	JobID       string          `json:"job_id"`
	RecordCount int             `json:"record_count"`
	Records     []scrape.Record `json:"records"`
	PublishedAt time.Time       `json:"published_at"`
}

// Sink publishes one message per succeeded job.
type Sink struct {
	topic *pubsub.Topic
}

// New creates a Sink for the provided topic.
func New(topic *pubsub.Topic) *Sink {
	return &Sink{topic: topic}
}

// Store marshals the records and publishes them, blocking until the
// server acknowledges the message.
func (s *Sink) Store(ctx context.Context, jobID string, records []scrape.Record) error {
	if s.topic == nil {
		return fmt.Errorf("pubsub topic is not configured")
	}
	data, err := json.Marshal(envelope{
		JobID:       jobID,
		RecordCount: len(records),
		Records:     records,
		PublishedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal records for job %s: %w", jobID, err)
	}

	result := s.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"job_id": jobID},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish results for job %s: %w", jobID, err)
	}
	return nil
}
