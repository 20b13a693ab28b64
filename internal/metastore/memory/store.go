// Package memory provides an in-memory metadata store used in tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/docfoundry/docxharvest/internal/metastore"
)

// Store keeps document rows in a map guarded by a mutex. Merge semantics
// match the Postgres upsert: empty strings and nil pointers leave the
// stored value alone.
type Store struct {
	mu   sync.RWMutex
	docs map[string]metastore.Document
	now  func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{
		docs: make(map[string]metastore.Document),
		now:  time.Now,
	}
}

// Upsert inserts the row or merges the supplied columns into the
// existing one.
func (s *Store) Upsert(_ context.Context, doc metastore.Document) error {
	if doc.ID == "" {
		return fmt.Errorf("document id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.docs[doc.ID]
	if !ok {
		if doc.OriginalFilename == "" {
			doc.OriginalFilename = "unknown.docx"
		}
		if doc.Status == "" {
			doc.Status = metastore.StatusPending
		}
		doc.DiscoveredAt = s.now().UTC()
		s.docs[doc.ID] = clone(doc)
		return nil
	}
	s.docs[doc.ID] = clone(merge(existing, doc))
	return nil
}

// Get returns a copy of the row for id, or nil when none exists.
func (s *Store) Get(_ context.Context, id string) (*metastore.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[id]
	if !ok {
		return nil, nil
	}
	out := clone(doc)
	return &out, nil
}

// GetByURL returns the most recently discovered row for url, or nil.
func (s *Store) GetByURL(_ context.Context, url string) (*metastore.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *metastore.Document
	for _, doc := range s.docs {
		if doc.SourceURL != url {
			continue
		}
		if found == nil || doc.DiscoveredAt.After(found.DiscoveredAt) {
			out := clone(doc)
			found = &out
		}
	}
	return found, nil
}

// UploadedURLSet returns every source_url with status = uploaded.
func (s *Store) UploadedURLSet(_ context.Context) (map[string]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := make(map[string]struct{})
	for _, doc := range s.docs {
		if doc.Status == metastore.StatusUploaded {
			set[doc.SourceURL] = struct{}{}
		}
	}
	return set, nil
}

// UploadedIDs returns the ids of uploaded rows in lexicographic order.
func (s *Store) UploadedIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, doc := range s.docs {
		if doc.Status == metastore.StatusUploaded {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// StatsByStatus counts rows grouped by lifecycle status.
func (s *Store) StatsByStatus(_ context.Context) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := make(map[string]int64)
	for _, doc := range s.docs {
		stats[doc.Status]++
	}
	return stats, nil
}

// GetUnextracted returns uploaded rows with neither extracted_at nor
// extraction_error set, oldest upload first.
func (s *Store) GetUnextracted(_ context.Context, limit int) ([]metastore.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var docs []metastore.Document
	for _, doc := range s.docs {
		if doc.Status != metastore.StatusUploaded || doc.ExtractedAt != nil || doc.ExtractionError != nil {
			continue
		}
		docs = append(docs, clone(doc))
	}
	sort.Slice(docs, func(i, j int) bool {
		return uploadTime(docs[i]).Before(uploadTime(docs[j]))
	})
	if limit > 0 && len(docs) > limit {
		docs = docs[:limit]
	}
	return docs, nil
}

// UpdateExtraction records a successful extraction and clears any
// previous extraction_error.
func (s *Store) UpdateExtraction(_ context.Context, id string, ex metastore.Extraction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return fmt.Errorf("update extraction: document %s not found", id)
	}
	now := s.now().UTC()
	doc.ExtractedAt = &now
	doc.WordCount = &ex.WordCount
	doc.CharCount = &ex.CharCount
	doc.TableCount = &ex.TableCount
	doc.ImageCount = &ex.ImageCount
	doc.Language = ex.Language
	doc.LanguageConfidence = ex.LanguageConfidence
	doc.ExtractionError = nil
	s.docs[id] = clone(doc)
	return nil
}

// UpdateExtractionError records a failed extraction and clears any
// previous extracted_at.
func (s *Store) UpdateExtractionError(_ context.Context, id, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return fmt.Errorf("update extraction error: document %s not found", id)
	}
	doc.ExtractionError = &msg
	doc.ExtractedAt = nil
	s.docs[id] = clone(doc)
	return nil
}

// ExtractionStats summarizes extraction progress over uploaded rows.
func (s *Store) ExtractionStats(_ context.Context) (metastore.ExtractionStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var stats metastore.ExtractionStats
	for _, doc := range s.docs {
		if doc.Status != metastore.StatusUploaded {
			continue
		}
		stats.Uploaded++
		switch {
		case doc.ExtractedAt != nil:
			stats.Extracted++
		case doc.ExtractionError != nil:
			stats.Errored++
		}
	}
	stats.Remaining = stats.Uploaded - stats.Extracted - stats.Errored
	return stats, nil
}

// Documents returns copies of all rows ordered by id.
func (s *Store) Documents() []metastore.Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	docs := make([]metastore.Document, 0, len(s.docs))
	for _, doc := range s.docs {
		docs = append(docs, clone(doc))
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs
}

func uploadTime(doc metastore.Document) time.Time {
	if doc.UploadedAt == nil {
		return time.Time{}
	}
	return *doc.UploadedAt
}

func merge(base, upd metastore.Document) metastore.Document {
	if upd.SourceURL != "" {
		base.SourceURL = upd.SourceURL
	}
	if upd.CrawlID != "" {
		base.CrawlID = upd.CrawlID
	}
	if upd.OriginalFilename != "" {
		base.OriginalFilename = upd.OriginalFilename
	}
	if upd.FileSizeBytes != nil {
		base.FileSizeBytes = upd.FileSizeBytes
	}
	if upd.Status != "" {
		base.Status = upd.Status
	}
	if upd.ErrorMessage != nil {
		base.ErrorMessage = upd.ErrorMessage
	}
	if upd.IsValidDocx != nil {
		base.IsValidDocx = upd.IsValidDocx
	}
	if upd.DownloadedAt != nil {
		base.DownloadedAt = upd.DownloadedAt
	}
	if upd.UploadedAt != nil {
		base.UploadedAt = upd.UploadedAt
	}
	if upd.ExtractedAt != nil {
		base.ExtractedAt = upd.ExtractedAt
	}
	if upd.WordCount != nil {
		base.WordCount = upd.WordCount
	}
	if upd.CharCount != nil {
		base.CharCount = upd.CharCount
	}
	if upd.TableCount != nil {
		base.TableCount = upd.TableCount
	}
	if upd.ImageCount != nil {
		base.ImageCount = upd.ImageCount
	}
	if upd.ExtractionError != nil {
		base.ExtractionError = upd.ExtractionError
	}
	if upd.Language != nil {
		base.Language = upd.Language
	}
	if upd.LanguageConfidence != nil {
		base.LanguageConfidence = upd.LanguageConfidence
	}
	return base
}

func clone(doc metastore.Document) metastore.Document {
	doc.FileSizeBytes = clonePtr(doc.FileSizeBytes)
	doc.ErrorMessage = clonePtr(doc.ErrorMessage)
	doc.IsValidDocx = clonePtr(doc.IsValidDocx)
	doc.DownloadedAt = clonePtr(doc.DownloadedAt)
	doc.UploadedAt = clonePtr(doc.UploadedAt)
	doc.ExtractedAt = clonePtr(doc.ExtractedAt)
	doc.WordCount = clonePtr(doc.WordCount)
	doc.CharCount = clonePtr(doc.CharCount)
	doc.TableCount = clonePtr(doc.TableCount)
	doc.ImageCount = clonePtr(doc.ImageCount)
	doc.ExtractionError = clonePtr(doc.ExtractionError)
	doc.Language = clonePtr(doc.Language)
	doc.LanguageConfidence = clonePtr(doc.LanguageConfidence)
	return doc
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
