// Package memory contains an in-memory event publisher for tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/docfoundry/docxharvest/internal/events"
)

// Publisher stores published events for inspection.
type Publisher struct {
	mu   sync.RWMutex
	docs []events.UploadedDocument
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the event and returns a pseudo id.
func (p *Publisher) Publish(_ context.Context, doc events.UploadedDocument) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.docs = append(p.docs, doc)
	return fmt.Sprintf("memory-%d", len(p.docs)), nil
}

// Published returns the recorded events.
func (p *Publisher) Published() []events.UploadedDocument {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]events.UploadedDocument, len(p.docs))
	copy(out, p.docs)
	return out
}
