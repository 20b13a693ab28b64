// Package pubsub implements the events contract on Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/docfoundry/docxharvest/internal/events"
)

// Publisher wraps a Pub/Sub topic.
type Publisher struct {
	topic *pubsub.Topic
}

// New creates a Publisher for the provided topic.
func New(topic *pubsub.Topic) (*Publisher, error) {
	if topic == nil {
		return nil, fmt.Errorf("pubsub topic is required")
	}
	return &Publisher{topic: topic}, nil
}

// Publish marshals the event to JSON and publishes it, waiting for the
// server-assigned message id.
func (p *Publisher) Publish(ctx context.Context, doc events.UploadedDocument) (string, error) {
	if p == nil || p.topic == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal uploaded event: %w", err)
	}
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"crawl_id": doc.CrawlID},
	})
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish uploaded event: %w", err)
	}
	return id, nil
}

// Stop flushes pending publishes and releases topic resources.
func (p *Publisher) Stop() {
	if p != nil && p.topic != nil {
		p.topic.Stop()
	}
}
