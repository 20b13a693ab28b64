package s3

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/require"
)

// fakeS3 keeps objects in a map and serves one key per list page so the
// paginator loop is exercised.
type fakeS3 struct {
	mu        sync.Mutex
	objects   map[string][]byte
	putCalls  int
	listCalls int
	lastPut   *s3.PutObjectInput
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}}
}

func (f *fakeS3) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putCalls++
	f.lastPut = params
	f.objects[aws.ToString(params.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, params *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[aws.ToString(params.Key)]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, params *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(params.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	start := 0
	if tok := aws.ToString(params.ContinuationToken); tok != "" {
		start, _ = strconv.Atoi(tok)
	}
	if start >= len(keys) {
		return out, nil
	}
	out.Contents = []types.Object{{Key: aws.String(keys[start])}}
	if start+1 < len(keys) {
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(strconv.Itoa(start + 1))
	}
	return out, nil
}

func newStore(t *testing.T) (*BlobStore, *fakeS3) {
	t.Helper()
	fake := newFakeS3()
	store, err := NewWithClient(fake, "corpus")
	require.NoError(t, err)
	return store, fake
}

func TestReadMissingKeyReturnsNil(t *testing.T) {
	t.Parallel()

	store, _ := newStore(t)
	data, err := store.Read(context.Background(), "documents/absent.docx")
	require.NoError(t, err)
	require.Nil(t, data)
}

func TestWriteSetsLengthAndContentType(t *testing.T) {
	t.Parallel()

	store, fake := newStore(t)
	payload := []byte("docx bytes")
	require.NoError(t, store.Write(context.Background(), "documents/abc.docx", payload))

	require.NotNil(t, fake.lastPut)
	require.Equal(t, int64(len(payload)), aws.ToInt64(fake.lastPut.ContentLength))
	require.Equal(t,
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		aws.ToString(fake.lastPut.ContentType))

	got, err := store.Read(context.Background(), "documents/abc.docx")
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestWriteIfAbsentSkipsExisting(t *testing.T) {
	t.Parallel()

	store, fake := newStore(t)
	ctx := context.Background()

	created, err := store.WriteIfAbsent(ctx, "documents/abc.docx", []byte("first"))
	require.NoError(t, err)
	require.True(t, created)

	created, err = store.WriteIfAbsent(ctx, "documents/abc.docx", []byte("second"))
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, 1, fake.putCalls)

	data, err := store.Read(ctx, "documents/abc.docx")
	require.NoError(t, err)
	require.Equal(t, []byte("first"), data)
}

func TestExists(t *testing.T) {
	t.Parallel()

	store, _ := newStore(t)
	ctx := context.Background()

	ok, err := store.Exists(ctx, "manifest.txt")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.Write(ctx, "manifest.txt", []byte("a\n")))
	ok, err = store.Exists(ctx, "manifest.txt")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestListPaginatesThroughAllKeys(t *testing.T) {
	t.Parallel()

	store, fake := newStore(t)
	ctx := context.Background()
	for _, key := range []string{
		"cdx-filtered/CC-MAIN-2025-05/shard-00.jsonl",
		"cdx-filtered/CC-MAIN-2025-05/shard-01.jsonl",
		"cdx-filtered/CC-MAIN-2025-05/shard-02.jsonl",
		"documents/ffff.docx",
	} {
		require.NoError(t, store.Write(ctx, key, []byte("x")))
	}

	fake.listCalls = 0
	var keys []string
	err := store.List(ctx, "cdx-filtered/CC-MAIN-2025-05/", func(key string) error {
		keys = append(keys, key)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{
		"cdx-filtered/CC-MAIN-2025-05/shard-00.jsonl",
		"cdx-filtered/CC-MAIN-2025-05/shard-01.jsonl",
		"cdx-filtered/CC-MAIN-2025-05/shard-02.jsonl",
	}, keys)
	require.Equal(t, 3, fake.listCalls)
}

func TestListStopsOnCallbackError(t *testing.T) {
	t.Parallel()

	store, _ := newStore(t)
	ctx := context.Background()
	require.NoError(t, store.Write(ctx, "documents/a.docx", []byte("a")))
	require.NoError(t, store.Write(ctx, "documents/b.docx", []byte("b")))

	var seen int
	err := store.List(ctx, "documents/", func(string) error {
		seen++
		return io.ErrUnexpectedEOF
	})
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	require.Equal(t, 1, seen)
}
