package postgres

import (
	"context"
	"fmt"
)

// schemaSQL is issued as a single multi-statement batch; every statement
// is idempotent. The partial index serves the unextracted scan, which
// filters on all three predicate columns and orders by uploaded_at.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS %[1]s (
	id TEXT PRIMARY KEY,
	source_url TEXT NOT NULL,
	crawl_id TEXT NOT NULL,
	original_filename TEXT NOT NULL DEFAULT 'unknown.docx',
	file_size_bytes BIGINT,
	status TEXT NOT NULL DEFAULT 'pending',
	error_message TEXT,
	is_valid_docx BOOLEAN,
	discovered_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	downloaded_at TIMESTAMPTZ,
	uploaded_at TIMESTAMPTZ,
	extracted_at TIMESTAMPTZ,
	word_count INTEGER,
	char_count INTEGER,
	table_count INTEGER,
	image_count INTEGER,
	extraction_error TEXT,
	language TEXT,
	language_confidence DOUBLE PRECISION,
	CONSTRAINT %[1]s_status_check CHECK (status IN ('pending', 'downloading', 'validating', 'uploaded', 'failed'))
);

CREATE INDEX IF NOT EXISTS %[1]s_status_idx ON %[1]s (status);
CREATE INDEX IF NOT EXISTS %[1]s_source_url_idx ON %[1]s (source_url);
CREATE INDEX IF NOT EXISTS %[1]s_unextracted_idx ON %[1]s (uploaded_at)
	WHERE status = 'uploaded' AND extracted_at IS NULL AND extraction_error IS NULL;
`

// EnsureSchema creates the documents table and its indexes when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(schemaSQL, s.table)); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
