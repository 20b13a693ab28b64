// Package manifest snapshots the uploaded document set to a sorted,
// newline-terminated id list.
package manifest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/docfoundry/docxharvest/internal/metastore"
	"github.com/docfoundry/docxharvest/internal/storage"
)

// Key is the blob-store location of the mirrored manifest.
const Key = "manifest.txt"

// Generator renders manifest.txt from the metadata store.
type Generator struct {
	meta   metastore.Store
	blobs  storage.BlobStore
	path   string
	logger *zap.Logger
}

// Result reports one manifest write.
type Result struct {
	Count    int
	Path     string
	Mirrored bool
}

// New constructs a Generator writing to the local path. A nil blob
// store skips the mirror; local-only runs already hold the documents on
// the same disk as the manifest.
func New(meta metastore.Store, blobs storage.BlobStore, path string, logger *zap.Logger) (*Generator, error) {
	if meta == nil {
		return nil, fmt.Errorf("metadata store is required")
	}
	if path == "" {
		return nil, fmt.Errorf("manifest path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{meta: meta, blobs: blobs, path: path, logger: logger}, nil
}

// Write renders the uploaded ids, one per line with a trailing newline,
// to the local file and mirrors the same bytes to the blob store when
// one is configured. An empty uploaded set produces an empty file.
func (g *Generator) Write(ctx context.Context) (Result, error) {
	ids, err := g.meta.UploadedIDs(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("load uploaded ids: %w", err)
	}

	var b strings.Builder
	for _, id := range ids {
		b.WriteString(id)
		b.WriteByte('\n')
	}
	data := []byte(b.String())

	if dir := filepath.Dir(g.path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Result{}, fmt.Errorf("create manifest dir: %w", err)
		}
	}
	if err := os.WriteFile(g.path, data, 0o644); err != nil {
		return Result{}, fmt.Errorf("write manifest: %w", err)
	}

	res := Result{Count: len(ids), Path: g.path}
	if g.blobs != nil {
		if err := g.blobs.Write(ctx, Key, data); err != nil {
			return res, fmt.Errorf("mirror manifest: %w", err)
		}
		res.Mirrored = true
	}

	g.logger.Info("manifest written",
		zap.Int("documents", res.Count),
		zap.String("path", res.Path),
		zap.Bool("mirrored", res.Mirrored))
	return res, nil
}
