// Package postgres provides the Postgres-backed metadata store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docfoundry/docxharvest/internal/metastore"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for document rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Store persists document metadata in a single Postgres table.
type Store struct {
	pool  pgxPool
	table string
}

// New creates a Postgres-backed store using the provided config.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "documents"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{
		pool:  pool,
		table: table,
	}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool pgxPool, table string) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "documents"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Store{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// documentColumns is the scan order shared by every row-returning query.
const documentColumns = `id, source_url, crawl_id, original_filename, file_size_bytes, status,
error_message, is_valid_docx, discovered_at, downloaded_at, uploaded_at,
extracted_at, word_count, char_count, table_count, image_count,
extraction_error, language, language_confidence`

// Upsert inserts the row or merges the supplied columns into the existing
// one. Empty strings and nil pointers are treated as "not supplied": the
// insert path substitutes defaults for them and the conflict path keeps
// the stored value.
func (s *Store) Upsert(ctx context.Context, doc metastore.Document) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("metadata store is not configured")
	}
	if doc.ID == "" {
		return fmt.Errorf("document id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %[1]s (
	id,
	source_url,
	crawl_id,
	original_filename,
	file_size_bytes,
	status,
	error_message,
	is_valid_docx,
	downloaded_at,
	uploaded_at,
	extracted_at,
	word_count,
	char_count,
	table_count,
	image_count,
	extraction_error,
	language,
	language_confidence
) VALUES (
	$1, $2, $3,
	COALESCE(NULLIF($4,''), 'unknown.docx'),
	$5,
	COALESCE(NULLIF($6,''), 'pending'),
	$7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18
)
ON CONFLICT (id) DO UPDATE SET
	source_url = COALESCE(NULLIF($2,''), %[1]s.source_url),
	crawl_id = COALESCE(NULLIF($3,''), %[1]s.crawl_id),
	original_filename = COALESCE(NULLIF($4,''), %[1]s.original_filename),
	file_size_bytes = COALESCE($5, %[1]s.file_size_bytes),
	status = COALESCE(NULLIF($6,''), %[1]s.status),
	error_message = COALESCE($7, %[1]s.error_message),
	is_valid_docx = COALESCE($8, %[1]s.is_valid_docx),
	downloaded_at = COALESCE($9, %[1]s.downloaded_at),
	uploaded_at = COALESCE($10, %[1]s.uploaded_at),
	extracted_at = COALESCE($11, %[1]s.extracted_at),
	word_count = COALESCE($12, %[1]s.word_count),
	char_count = COALESCE($13, %[1]s.char_count),
	table_count = COALESCE($14, %[1]s.table_count),
	image_count = COALESCE($15, %[1]s.image_count),
	extraction_error = COALESCE($16, %[1]s.extraction_error),
	language = COALESCE($17, %[1]s.language),
	language_confidence = COALESCE($18, %[1]s.language_confidence)`, s.table)

	args := []any{
		doc.ID,
		doc.SourceURL,
		doc.CrawlID,
		doc.OriginalFilename,
		doc.FileSizeBytes,
		doc.Status,
		doc.ErrorMessage,
		doc.IsValidDocx,
		doc.DownloadedAt,
		doc.UploadedAt,
		doc.ExtractedAt,
		doc.WordCount,
		doc.CharCount,
		doc.TableCount,
		doc.ImageCount,
		doc.ExtractionError,
		doc.Language,
		doc.LanguageConfidence,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*metastore.Document, error) {
	var doc metastore.Document
	err := row.Scan(
		&doc.ID,
		&doc.SourceURL,
		&doc.CrawlID,
		&doc.OriginalFilename,
		&doc.FileSizeBytes,
		&doc.Status,
		&doc.ErrorMessage,
		&doc.IsValidDocx,
		&doc.DiscoveredAt,
		&doc.DownloadedAt,
		&doc.UploadedAt,
		&doc.ExtractedAt,
		&doc.WordCount,
		&doc.CharCount,
		&doc.TableCount,
		&doc.ImageCount,
		&doc.ExtractionError,
		&doc.Language,
		&doc.LanguageConfidence,
	)
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// Get returns the row for id, or nil when none exists.
func (s *Store) Get(ctx context.Context, id string) (*metastore.Document, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, documentColumns, s.table)
	doc, err := scanDocument(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get document %s: %w", id, err)
	}
	return doc, nil
}

// GetByURL returns the most recently discovered row for url, or nil.
func (s *Store) GetByURL(ctx context.Context, url string) (*metastore.Document, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE source_url = $1 ORDER BY discovered_at DESC LIMIT 1`,
		documentColumns, s.table)
	doc, err := scanDocument(s.pool.QueryRow(ctx, query, url))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get document by url: %w", err)
	}
	return doc, nil
}

// UploadedURLSet returns every source_url with status = uploaded.
func (s *Store) UploadedURLSet(ctx context.Context) (map[string]struct{}, error) {
	query := fmt.Sprintf(`SELECT source_url FROM %s WHERE status = 'uploaded'`, s.table)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query uploaded urls: %w", err)
	}
	defer rows.Close()

	set := make(map[string]struct{})
	for rows.Next() {
		var url string
		if err := rows.Scan(&url); err != nil {
			return nil, fmt.Errorf("scan uploaded url: %w", err)
		}
		set[url] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate uploaded urls: %w", err)
	}
	return set, nil
}

// UploadedIDs returns the ids of uploaded rows in lexicographic order.
func (s *Store) UploadedIDs(ctx context.Context) ([]string, error) {
	query := fmt.Sprintf(`SELECT id FROM %s WHERE status = 'uploaded' ORDER BY id`, s.table)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query uploaded ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan uploaded id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate uploaded ids: %w", err)
	}
	return ids, nil
}

// StatsByStatus counts rows grouped by lifecycle status.
func (s *Store) StatsByStatus(ctx context.Context) (map[string]int64, error) {
	query := fmt.Sprintf(`SELECT status, COUNT(*) FROM %s GROUP BY status`, s.table)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query status counts: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]int64)
	for rows.Next() {
		var (
			status string
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}
	return stats, nil
}

// GetUnextracted returns uploaded rows that have neither an extraction
// result nor an extraction error, oldest upload first.
func (s *Store) GetUnextracted(ctx context.Context, limit int) ([]metastore.Document, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s
WHERE status = 'uploaded' AND extracted_at IS NULL AND extraction_error IS NULL
ORDER BY uploaded_at ASC
LIMIT $1`, documentColumns, s.table)
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query unextracted: %w", err)
	}
	defer rows.Close()

	var docs []metastore.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan unextracted row: %w", err)
		}
		docs = append(docs, *doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate unextracted rows: %w", err)
	}
	return docs, nil
}

// UpdateExtraction records a successful extraction. Any previous
// extraction_error is cleared so the row never carries both outcomes.
func (s *Store) UpdateExtraction(ctx context.Context, id string, ex metastore.Extraction) error {
	query := fmt.Sprintf(`UPDATE %s SET
	extracted_at = now(),
	word_count = $2,
	char_count = $3,
	table_count = $4,
	image_count = $5,
	language = $6,
	language_confidence = $7,
	extraction_error = NULL
WHERE id = $1`, s.table)
	tag, err := s.pool.Exec(ctx, query, id, ex.WordCount, ex.CharCount, ex.TableCount, ex.ImageCount, ex.Language, ex.LanguageConfidence)
	if err != nil {
		return fmt.Errorf("update extraction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update extraction: document %s not found", id)
	}
	return nil
}

// UpdateExtractionError records a failed extraction. Any previous
// extracted_at is cleared so the row never carries both outcomes.
func (s *Store) UpdateExtractionError(ctx context.Context, id, msg string) error {
	query := fmt.Sprintf(`UPDATE %s SET
	extraction_error = $2,
	extracted_at = NULL
WHERE id = $1`, s.table)
	tag, err := s.pool.Exec(ctx, query, id, msg)
	if err != nil {
		return fmt.Errorf("update extraction error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update extraction error: document %s not found", id)
	}
	return nil
}

// ExtractionStats summarizes extraction progress over uploaded rows.
func (s *Store) ExtractionStats(ctx context.Context) (metastore.ExtractionStats, error) {
	query := fmt.Sprintf(`SELECT
	COUNT(*) FILTER (WHERE status = 'uploaded'),
	COUNT(*) FILTER (WHERE status = 'uploaded' AND extracted_at IS NOT NULL),
	COUNT(*) FILTER (WHERE status = 'uploaded' AND extraction_error IS NOT NULL)
FROM %s`, s.table)
	var stats metastore.ExtractionStats
	err := s.pool.QueryRow(ctx, query).Scan(&stats.Uploaded, &stats.Extracted, &stats.Errored)
	if err != nil {
		return metastore.ExtractionStats{}, fmt.Errorf("query extraction stats: %w", err)
	}
	stats.Remaining = stats.Uploaded - stats.Extracted - stats.Errored
	return stats, nil
}
