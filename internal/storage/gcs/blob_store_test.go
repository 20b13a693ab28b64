package gcs

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

// roundTripperFunc lets a test intercept the storage client's HTTP calls and
// serve canned JSON API responses without a live bucket.
type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func newTestStore(t *testing.T, rt roundTripperFunc) *BlobStore {
	t.Helper()

	client, err := storage.NewClient(context.Background(),
		option.WithoutAuthentication(),
		option.WithHTTPClient(&http.Client{Transport: rt}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, Config{Bucket: "harvest"})
	require.NoError(t, err)
	return store
}

func jsonResponse(r *http.Request, status int, body string) *http.Response {
	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     header,
		Request:    r,
	}
}

func TestNewRequiresClientAndBucket(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "harvest"})
	require.Error(t, err)

	client, err := storage.NewClient(context.Background(),
		option.WithoutAuthentication(),
		option.WithHTTPClient(&http.Client{}),
	)
	require.NoError(t, err)
	defer client.Close()

	_, err = New(client, Config{})
	require.Error(t, err)

	store, err := New(client, Config{Bucket: "harvest"})
	require.NoError(t, err)
	require.NotNil(t, store)
}

func TestWriteUploadsMultipart(t *testing.T) {
	t.Parallel()

	payload := []byte("docx bytes")
	store := newTestStore(t, func(r *http.Request) (*http.Response, error) {
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/harvest/o")
		assert.Equal(t, "multipart", r.URL.Query().Get("uploadType"))
		assert.Equal(t, "documents/abc.docx", r.URL.Query().Get("name"))

		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), string(payload))
		assert.Contains(t, string(body),
			"application/vnd.openxmlformats-officedocument.wordprocessingml.document")

		return jsonResponse(r, http.StatusOK, `{"name":"documents/abc.docx","bucket":"harvest"}`), nil
	})

	require.NoError(t, store.Write(context.Background(), "documents/abc.docx", payload))
}

func TestWriteRejectsEmptyKey(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, func(r *http.Request) (*http.Response, error) {
		assert.Fail(t, "no request expected for an empty key")
		return jsonResponse(r, http.StatusOK, `{}`), nil
	})

	require.Error(t, store.Write(context.Background(), "  ", []byte("x")))
	_, err := store.WriteIfAbsent(context.Background(), "", []byte("x"))
	require.Error(t, err)
}

func TestWriteIfAbsentSetsPrecondition(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, func(r *http.Request) (*http.Response, error) {
		assert.Equal(t, "0", r.URL.Query().Get("ifGenerationMatch"))
		return jsonResponse(r, http.StatusOK, `{"name":"documents/abc.docx","bucket":"harvest"}`), nil
	})

	created, err := store.WriteIfAbsent(context.Background(), "documents/abc.docx", []byte("first"))
	require.NoError(t, err)
	require.True(t, created)
}

func TestWriteIfAbsentLosesRace(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, func(r *http.Request) (*http.Response, error) {
		return jsonResponse(r, http.StatusPreconditionFailed,
			`{"error":{"code":412,"message":"conditionNotMet"}}`), nil
	})

	created, err := store.WriteIfAbsent(context.Background(), "documents/abc.docx", []byte("second"))
	require.NoError(t, err)
	require.False(t, created)
}

func TestExists(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, func(r *http.Request) (*http.Response, error) {
		assert.Contains(t, r.URL.Path, "/storage/v1/b/harvest/o/manifest.txt")
		return jsonResponse(r, http.StatusOK, `{"name":"manifest.txt","bucket":"harvest"}`), nil
	})

	ok, err := store.Exists(context.Background(), "manifest.txt")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestExistsMissingObject(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, func(r *http.Request) (*http.Response, error) {
		return jsonResponse(r, http.StatusNotFound,
			`{"error":{"code":404,"message":"notFound"}}`), nil
	})

	ok, err := store.Exists(context.Background(), "documents/absent.docx")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestListPaginatesThroughAllKeys(t *testing.T) {
	t.Parallel()

	calls := 0
	store := newTestStore(t, func(r *http.Request) (*http.Response, error) {
		calls++
		assert.Contains(t, r.URL.Path, "/storage/v1/b/harvest/o")
		assert.Equal(t, "cdx-filtered/CC-MAIN-2025-05/", r.URL.Query().Get("prefix"))
		if r.URL.Query().Get("pageToken") == "" {
			return jsonResponse(r, http.StatusOK,
				`{"items":[{"name":"cdx-filtered/CC-MAIN-2025-05/shard-00.jsonl"}],"nextPageToken":"page-2"}`), nil
		}
		assert.Equal(t, "page-2", r.URL.Query().Get("pageToken"))
		return jsonResponse(r, http.StatusOK,
			`{"items":[{"name":"cdx-filtered/CC-MAIN-2025-05/shard-01.jsonl"}]}`), nil
	})

	var keys []string
	err := store.List(context.Background(), "cdx-filtered/CC-MAIN-2025-05/", func(key string) error {
		keys = append(keys, key)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{
		"cdx-filtered/CC-MAIN-2025-05/shard-00.jsonl",
		"cdx-filtered/CC-MAIN-2025-05/shard-01.jsonl",
	}, keys)
	require.Equal(t, 2, calls)
}

func TestListStopsOnCallbackError(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, func(r *http.Request) (*http.Response, error) {
		return jsonResponse(r, http.StatusOK,
			`{"items":[{"name":"documents/a.docx"},{"name":"documents/b.docx"}]}`), nil
	})

	var seen int
	err := store.List(context.Background(), "documents/", func(string) error {
		seen++
		return io.ErrUnexpectedEOF
	})
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	require.Equal(t, 1, seen)
}
