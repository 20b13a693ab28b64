// Package storage defines the blob store contract shared by the scrape and
// extract pipelines. This abstraction keeps the pipelines independent of a
// specific backend; fs, memory, gcs and s3 subpackages implement it.
package storage

import (
	"context"
	"strings"
)

// BlobStore is a key-addressed byte namespace. Keys use forward slashes
// regardless of backend.
type BlobStore interface {
	// Read returns the object bytes, or nil with a nil error when the key
	// does not exist.
	Read(ctx context.Context, key string) ([]byte, error)
	// Write unconditionally stores data under key. Implementations must
	// declare an explicit content length rather than stream with an unknown
	// one; strict S3-family backends reject the latter.
	Write(ctx context.Context, key string, data []byte) error
	// WriteIfAbsent stores data only when the key does not exist yet and
	// reports whether this call created the object. Concurrent callers may
	// both observe true; content-addressed keys make that race harmless.
	WriteIfAbsent(ctx context.Context, key string, data []byte) (bool, error)
	// Exists reports whether the key is present.
	Exists(ctx context.Context, key string) (bool, error)
	// List invokes fn for every key under prefix, following pagination
	// transparently. Order across pages is not guaranteed. A non-nil error
	// from fn stops the walk and is returned as-is.
	List(ctx context.Context, prefix string, fn func(key string) error) error
}

// ContentTypeFor derives the upload content type from a key's suffix.
func ContentTypeFor(key string) string {
	switch {
	case strings.HasSuffix(key, ".docx"):
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case strings.HasSuffix(key, ".txt"):
		return "text/plain; charset=utf-8"
	case strings.HasSuffix(key, ".json"):
		return "application/json"
	case strings.HasSuffix(key, ".jsonl"):
		return "application/x-ndjson"
	default:
		return "application/octet-stream"
	}
}
