// Package events publishes uploaded-document notifications for
// downstream consumers such as the embedding ingest job.
package events

import "context"

// UploadedDocument is the payload published after each successful
// upload.
type UploadedDocument struct {
	ID        string `json:"id"`
	SourceURL string `json:"source_url"`
	CrawlID   string `json:"crawl_id"`
	Size      int64  `json:"size"`
}

// Publisher delivers uploaded-document events. Implementations must be
// safe for concurrent use by all scrape workers.
type Publisher interface {
	Publish(ctx context.Context, doc UploadedDocument) (string, error)
}

// Nop discards events. The orchestrator falls back to it when no topic
// is configured.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, UploadedDocument) (string, error) {
	return "", nil
}
