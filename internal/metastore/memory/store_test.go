package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/docfoundry/docxharvest/internal/metastore"
)

func TestUpsertAppliesInsertDefaults(t *testing.T) {
	t.Parallel()

	store := New()
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, metastore.Document{
		ID:        "abc",
		SourceURL: "https://example.com/a.docx",
		CrawlID:   "CC-MAIN-2025-05",
	}))

	doc, err := store.Get(ctx, "abc")
	require.NoError(t, err)
	require.NotNil(t, doc)
	require.Equal(t, "unknown.docx", doc.OriginalFilename)
	require.Equal(t, metastore.StatusPending, doc.Status)
	require.False(t, doc.DiscoveredAt.IsZero())
}

func TestUpsertMergesSparseColumns(t *testing.T) {
	t.Parallel()

	store := New()
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, metastore.Document{
		ID:               "abc",
		SourceURL:        "https://example.com/a.docx",
		CrawlID:          "CC-MAIN-2025-05",
		OriginalFilename: "a.docx",
	}))

	now := time.Unix(1700000000, 0).UTC()
	require.NoError(t, store.Upsert(ctx, metastore.Document{
		ID:         "abc",
		Status:     metastore.StatusUploaded,
		UploadedAt: &now,
	}))

	doc, err := store.Get(ctx, "abc")
	require.NoError(t, err)
	require.Equal(t, "https://example.com/a.docx", doc.SourceURL)
	require.Equal(t, "a.docx", doc.OriginalFilename)
	require.Equal(t, metastore.StatusUploaded, doc.Status)
	require.Equal(t, now, *doc.UploadedAt)
}

func TestGetMissingReturnsNil(t *testing.T) {
	t.Parallel()

	store := New()
	doc, err := store.Get(context.Background(), "nope")
	require.NoError(t, err)
	require.Nil(t, doc)
}

func TestGetByURLPrefersNewestRow(t *testing.T) {
	t.Parallel()

	store := New()
	ctx := context.Background()

	store.now = func() time.Time { return time.Unix(1700000000, 0) }
	require.NoError(t, store.Upsert(ctx, metastore.Document{
		ID:        "failed-aaaa",
		SourceURL: "https://example.com/a.docx",
		Status:    metastore.StatusFailed,
	}))
	store.now = func() time.Time { return time.Unix(1700000100, 0) }
	require.NoError(t, store.Upsert(ctx, metastore.Document{
		ID:        "bbbb",
		SourceURL: "https://example.com/a.docx",
		Status:    metastore.StatusUploaded,
	}))

	doc, err := store.GetByURL(ctx, "https://example.com/a.docx")
	require.NoError(t, err)
	require.NotNil(t, doc)
	require.Equal(t, "bbbb", doc.ID)
}

func TestUploadedViews(t *testing.T) {
	t.Parallel()

	store := New()
	ctx := context.Background()

	for _, doc := range []metastore.Document{
		{ID: "bbb", SourceURL: "https://example.com/b.docx", Status: metastore.StatusUploaded},
		{ID: "aaa", SourceURL: "https://example.com/a.docx", Status: metastore.StatusUploaded},
		{ID: "failed-ccc", SourceURL: "https://example.com/c.docx", Status: metastore.StatusFailed},
	} {
		require.NoError(t, store.Upsert(ctx, doc))
	}

	set, err := store.UploadedURLSet(ctx)
	require.NoError(t, err)
	require.Len(t, set, 2)
	require.NotContains(t, set, "https://example.com/c.docx")

	ids, err := store.UploadedIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"aaa", "bbb"}, ids)

	stats, err := store.StatsByStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), stats[metastore.StatusUploaded])
	require.Equal(t, int64(1), stats[metastore.StatusFailed])
}

func TestGetUnextractedOrdersByUploadTime(t *testing.T) {
	t.Parallel()

	store := New()
	ctx := context.Background()

	older := time.Unix(1700000000, 0).UTC()
	newer := older.Add(time.Hour)
	extracted := older.Add(2 * time.Hour)

	require.NoError(t, store.Upsert(ctx, metastore.Document{
		ID: "newer", SourceURL: "https://example.com/n.docx",
		Status: metastore.StatusUploaded, UploadedAt: &newer,
	}))
	require.NoError(t, store.Upsert(ctx, metastore.Document{
		ID: "older", SourceURL: "https://example.com/o.docx",
		Status: metastore.StatusUploaded, UploadedAt: &older,
	}))
	require.NoError(t, store.Upsert(ctx, metastore.Document{
		ID: "done", SourceURL: "https://example.com/d.docx",
		Status: metastore.StatusUploaded, UploadedAt: &older, ExtractedAt: &extracted,
	}))

	docs, err := store.GetUnextracted(ctx, 10)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	require.Equal(t, "older", docs[0].ID)
	require.Equal(t, "newer", docs[1].ID)

	docs, err = store.GetUnextracted(ctx, 1)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, "older", docs[0].ID)
}

func TestExtractionOutcomesAreExclusive(t *testing.T) {
	t.Parallel()

	store := New()
	ctx := context.Background()

	now := time.Unix(1700000000, 0).UTC()
	require.NoError(t, store.Upsert(ctx, metastore.Document{
		ID: "abc", SourceURL: "https://example.com/a.docx",
		Status: metastore.StatusUploaded, UploadedAt: &now,
	}))

	require.NoError(t, store.UpdateExtractionError(ctx, "abc", "timed out after 30s"))
	doc, err := store.Get(ctx, "abc")
	require.NoError(t, err)
	require.Nil(t, doc.ExtractedAt)
	require.Equal(t, "timed out after 30s", *doc.ExtractionError)

	lang := "en"
	conf := 0.87
	require.NoError(t, store.UpdateExtraction(ctx, "abc", metastore.Extraction{
		WordCount: 120, CharCount: 640, Language: &lang, LanguageConfidence: &conf,
	}))
	doc, err = store.Get(ctx, "abc")
	require.NoError(t, err)
	require.NotNil(t, doc.ExtractedAt)
	require.Nil(t, doc.ExtractionError)
	require.Equal(t, int32(120), *doc.WordCount)
	require.Equal(t, "en", *doc.Language)

	stats, err := store.ExtractionStats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Uploaded)
	require.Equal(t, int64(1), stats.Extracted)
	require.Equal(t, int64(0), stats.Errored)
	require.Equal(t, int64(0), stats.Remaining)
}

func TestUpdateExtractionMissingRow(t *testing.T) {
	t.Parallel()

	store := New()
	err := store.UpdateExtraction(context.Background(), "ghost", metastore.Extraction{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "not found")
}

func TestGetReturnsIsolatedCopy(t *testing.T) {
	t.Parallel()

	store := New()
	ctx := context.Background()

	size := int64(100)
	require.NoError(t, store.Upsert(ctx, metastore.Document{
		ID: "abc", SourceURL: "https://example.com/a.docx", FileSizeBytes: &size,
	}))

	doc, err := store.Get(ctx, "abc")
	require.NoError(t, err)
	*doc.FileSizeBytes = 999

	again, err := store.Get(ctx, "abc")
	require.NoError(t, err)
	require.Equal(t, int64(100), *again.FileSizeBytes)
}
