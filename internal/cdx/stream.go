package cdx

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// streamBuffer decouples shard parsing from consumption.
const streamBuffer = 64

// BlobSource is the slice of the blob store the stream reads from.
type BlobSource interface {
	Read(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string, fn func(key string) error) error
}

// Stream produces Records from the filtered index shards of a crawl.
type Stream struct {
	blobs  BlobSource
	logger *zap.Logger
}

// NewStream builds a Stream over the given blob source.
func NewStream(blobs BlobSource, logger *zap.Logger) (*Stream, error) {
	if blobs == nil {
		return nil, fmt.Errorf("blob source is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stream{blobs: blobs, logger: logger}, nil
}

// Iterator is a finite, single-pass sequence of Records. Ordering is
// guaranteed only within a shard.
type Iterator struct {
	ch  chan Record
	err error
}

// Records returns the channel of decoded records. The channel closes
// when all shards are consumed or the stream fails.
func (it *Iterator) Records() <-chan Record {
	return it.ch
}

// Err reports the terminal error, if any. Valid only after Records has
// been drained.
func (it *Iterator) Err() error {
	return it.err
}

// Stream lists the shards under cdx-filtered/<crawlID>/, keeps the
// .jsonl keys, and decodes them in listing order. Shards are read fully
// into memory before parsing; they stay well under 100 MB.
func (s *Stream) Stream(ctx context.Context, crawlID string) *Iterator {
	it := &Iterator{ch: make(chan Record, streamBuffer)}
	go func() {
		defer close(it.ch)
		prefix := fmt.Sprintf("cdx-filtered/%s/", crawlID)
		err := s.blobs.List(ctx, prefix, func(key string) error {
			if !strings.HasSuffix(key, ".jsonl") {
				return nil
			}
			return s.emitShard(ctx, key, it.ch)
		})
		if err != nil {
			it.err = err
		}
	}()
	return it
}

func (s *Stream) emitShard(ctx context.Context, key string, out chan<- Record) error {
	data, err := s.blobs.Read(ctx, key)
	if err != nil {
		return fmt.Errorf("read shard %s: %w", key, err)
	}
	var skipped int
	for _, line := range strings.Split(string(data), "\n") {
		rec := ParseLine(line)
		if rec == nil {
			if strings.TrimSpace(line) != "" {
				skipped++
			}
			continue
		}
		select {
		case out <- *rec:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if skipped > 0 {
		s.logger.Debug("skipped unusable index lines",
			zap.String("shard", key),
			zap.Int("lines", skipped))
	}
	return nil
}
