// Package metastore defines the metadata contract for harvested documents.
//
// A document row is keyed by the lowercase hex SHA-256 of its payload;
// records that permanently failed before any payload existed use a
// "failed-<sha256(url)>" sentinel id instead so a later successful fetch
// of the same URL cannot collide with them.
package metastore

import (
	"context"
	"time"
)

// Document lifecycle states.
const (
	StatusPending     = "pending"
	StatusDownloading = "downloading"
	StatusValidating  = "validating"
	StatusUploaded    = "uploaded"
	StatusFailed      = "failed"
)

// Document is one row of the documents table. Pointer fields are sparse:
// nil means "not supplied" on upsert (the stored value is kept) and NULL
// on read. Empty strings behave the same way for the string-typed
// columns.
type Document struct {
	ID                 string
	SourceURL          string
	CrawlID            string
	OriginalFilename   string
	FileSizeBytes      *int64
	Status             string
	ErrorMessage       *string
	IsValidDocx        *bool
	DiscoveredAt       time.Time
	DownloadedAt       *time.Time
	UploadedAt         *time.Time
	ExtractedAt        *time.Time
	WordCount          *int32
	CharCount          *int32
	TableCount         *int32
	ImageCount         *int32
	ExtractionError    *string
	Language           *string
	LanguageConfidence *float64
}

// Extraction carries the per-document output of a successful text
// extraction. Language fields stay nil when the extractor did not detect
// a language.
type Extraction struct {
	WordCount          int32
	CharCount          int32
	TableCount         int32
	ImageCount         int32
	Language           *string
	LanguageConfidence *float64
}

// ExtractionStats summarizes extraction progress over uploaded rows.
type ExtractionStats struct {
	Uploaded  int64
	Extracted int64
	Errored   int64
	Remaining int64
}

// Store is the metadata persistence contract. Get and GetByURL return
// (nil, nil) when no row matches. Reads are point in time; callers must
// not assume transactional consistency with their own later writes.
type Store interface {
	// Upsert inserts the row by id or merges the supplied columns into an
	// existing row atomically.
	Upsert(ctx context.Context, doc Document) error
	Get(ctx context.Context, id string) (*Document, error)
	GetByURL(ctx context.Context, url string) (*Document, error)

	// UploadedURLSet returns every source_url with status = uploaded,
	// loaded once per crawl as the fast dedup path.
	UploadedURLSet(ctx context.Context) (map[string]struct{}, error)
	// UploadedIDs returns the ids of uploaded rows in lexicographic order.
	UploadedIDs(ctx context.Context) ([]string, error)
	StatsByStatus(ctx context.Context) (map[string]int64, error)

	// GetUnextracted returns uploaded rows with neither extracted_at nor
	// extraction_error set, oldest upload first.
	GetUnextracted(ctx context.Context, limit int) ([]Document, error)
	// UpdateExtraction records a successful extraction and clears any
	// previous extraction_error. At most one of extracted_at and
	// extraction_error is ever set on a row.
	UpdateExtraction(ctx context.Context, id string, ex Extraction) error
	// UpdateExtractionError records a failed extraction and clears any
	// previous extracted_at.
	UpdateExtractionError(ctx context.Context, id, msg string) error
	ExtractionStats(ctx context.Context) (ExtractionStats, error)
}
