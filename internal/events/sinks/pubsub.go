package sinks

import (
	"context"
	"encoding/json"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"

	"github.com/placehunter/extraction-engine/internal/events"
)

// PubSubSink publishes exported events to a Google Cloud Pub/Sub topic. The
// publisher is owned by the caller; Close stops it to flush outstanding
// messages but leaves the client open.
type PubSubSink struct {
	publisher *pubsub.Publisher
}

// NewPubSubSink wraps a topic publisher.
func NewPubSubSink(publisher *pubsub.Publisher) *PubSubSink {
	return &PubSubSink{publisher: publisher}
}

// Consume publishes each event as a JSON message and waits for server acks.
func (s *PubSubSink) Consume(ctx context.Context, batch []events.Event) error {
	if s.publisher == nil {
		return fmt.Errorf("pubsub publisher is not configured")
	}
	results := make([]*pubsub.PublishResult, 0, len(batch))
	for _, evt := range batch {
		data, err := json.Marshal(toRecord(evt))
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		msg := &pubsub.Message{
			Data:       data,
			Attributes: map[string]string{"kind": string(evt.Kind)},
		}
		results = append(results, s.publisher.Publish(ctx, msg))
	}
	for _, result := range results {
		if _, err := result.Get(ctx); err != nil {
			return fmt.Errorf("publish event: %w", err)
		}
	}
	return nil
}

// Close stops the publisher, flushing any buffered messages.
func (s *PubSubSink) Close(context.Context) error {
	if s.publisher != nil {
		s.publisher.Stop()
	}
	return nil
}
