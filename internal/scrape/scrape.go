// Package scrape drives one crawl's harvest: it streams filtered index
// records, fetches the archived payloads, validates and hashes them, and
// lands deduplicated blobs plus metadata rows.
package scrape

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/docfoundry/docxharvest/internal/archive"
	"github.com/docfoundry/docxharvest/internal/cdx"
	"github.com/docfoundry/docxharvest/internal/docx"
	"github.com/docfoundry/docxharvest/internal/events"
	"github.com/docfoundry/docxharvest/internal/hash/sha256"
	"github.com/docfoundry/docxharvest/internal/metastore"
	"github.com/docfoundry/docxharvest/internal/progress"
	"github.com/docfoundry/docxharvest/internal/storage"
)

// RecordSource yields the candidate records of one crawl.
type RecordSource interface {
	Stream(ctx context.Context, crawlID string) *cdx.Iterator
}

// Fetcher retrieves one archived payload.
type Fetcher interface {
	Fetch(ctx context.Context, rec cdx.Record) (*archive.Result, error)
}

const defaultFilename = "unknown.docx"

// Config tunes one orchestrator run.
type Config struct {
	CrawlID     string
	Concurrency int
	// BatchSize stops the run once this many documents were saved; 0
	// means run to the end of the stream.
	BatchSize int
	// Force drops both dedup paths and reprocesses every record.
	Force bool
	// BlobPrefix is the keyspace documents land under (default documents).
	BlobPrefix string
}

// Summary reports one finished run.
type Summary struct {
	CrawlID    string
	Discovered int64
	Saved      int64
	Skipped    int64
	Failed     int64
	Elapsed    time.Duration
}

// Orchestrator owns the worker pool of one crawl.
type Orchestrator struct {
	source    RecordSource
	fetcher   Fetcher
	blobs     storage.BlobStore
	meta      metastore.Store
	publisher events.Publisher
	tracker   *progress.Tracker
	hub       *progress.Hub
	cfg       Config
	logger    *zap.Logger
}

// New constructs an Orchestrator. The publisher and hub may be nil;
// everything else is required.
func New(
	source RecordSource,
	fetcher Fetcher,
	blobs storage.BlobStore,
	meta metastore.Store,
	publisher events.Publisher,
	tracker *progress.Tracker,
	hub *progress.Hub,
	cfg Config,
	logger *zap.Logger,
) (*Orchestrator, error) {
	if source == nil {
		return nil, fmt.Errorf("record source is required")
	}
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if blobs == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if meta == nil {
		return nil, fmt.Errorf("metadata store is required")
	}
	if tracker == nil {
		return nil, fmt.Errorf("progress tracker is required")
	}
	if cfg.CrawlID == "" {
		return nil, fmt.Errorf("crawl id is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.BlobPrefix == "" {
		cfg.BlobPrefix = "documents"
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		source:    source,
		fetcher:   fetcher,
		blobs:     blobs,
		meta:      meta,
		publisher: publisher,
		tracker:   tracker,
		hub:       hub,
		cfg:       cfg,
		logger:    logger,
	}, nil
}

// Run drains the crawl's record stream through the worker pool and
// blocks until every in-flight record has reached a terminal state. A
// single bad record never fails the run; only stream or setup errors do.
func (o *Orchestrator) Run(ctx context.Context) (Summary, error) {
	start := time.Now()
	base := o.tracker.Snapshot()
	runID := progress.UUIDToBytes(uuid.New())

	o.hub.Emit(progress.Event{
		RunID:   runID,
		TS:      start.UTC(),
		Stage:   progress.StageRunStart,
		CrawlID: o.cfg.CrawlID,
	})

	// The URL set is loaded once and read-only afterwards; records
	// uploaded mid-run are caught by the per-hash store check instead.
	uploaded := map[string]struct{}{}
	if !o.cfg.Force {
		set, err := o.meta.UploadedURLSet(ctx)
		if err != nil {
			err = fmt.Errorf("load uploaded url set: %w", err)
			o.emitRunEnd(runID, progress.StageRunError, start, err)
			return o.summary(base, start), err
		}
		uploaded = set
	}

	// The stream gets its own cancel so the batch cut-off can unblock
	// the producer goroutine.
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	it := o.source.Stream(streamCtx, o.cfg.CrawlID)

	// The group admits twice as many records as there are execution
	// slots so the stream stays a step ahead of the pool without
	// buffering a whole shard.
	g := new(errgroup.Group)
	g.SetLimit(2 * o.cfg.Concurrency)
	slots := make(chan struct{}, o.cfg.Concurrency)

	for rec := range it.Records() {
		if ctx.Err() != nil {
			break
		}
		if o.cfg.BatchSize > 0 && o.tracker.Saved()-base.Saved >= int64(o.cfg.BatchSize) {
			o.logger.Info("batch size reached",
				zap.String("crawl_id", o.cfg.CrawlID),
				zap.Int("batch_size", o.cfg.BatchSize))
			cancel()
			break
		}
		o.tracker.AddDiscovered()
		rec := rec
		g.Go(func() error {
			select {
			case slots <- struct{}{}:
			case <-ctx.Done():
				return nil
			}
			defer func() { <-slots }()
			o.process(ctx, runID, rec, uploaded)
			return nil
		})
	}
	_ = g.Wait()
	// Drain to the close so Err below reads a settled value; after an
	// early break the producer may still hold buffered records.
	for range it.Records() {
	}

	err := it.Err()
	if errors.Is(err, context.Canceled) && ctx.Err() == nil {
		// The batch cut-off cancelled the producer.
		err = nil
	}
	if err != nil {
		err = fmt.Errorf("stream crawl %s: %w", o.cfg.CrawlID, err)
		o.emitRunEnd(runID, progress.StageRunError, start, err)
		return o.summary(base, start), err
	}

	o.emitRunEnd(runID, progress.StageRunDone, start, nil)
	return o.summary(base, start), nil
}

func (o *Orchestrator) summary(base progress.Snapshot, start time.Time) Summary {
	snap := o.tracker.Snapshot()
	return Summary{
		CrawlID:    o.cfg.CrawlID,
		Discovered: snap.Discovered - base.Discovered,
		Saved:      snap.Saved - base.Saved,
		Skipped:    snap.Skipped - base.Skipped,
		Failed:     snap.Failed - base.Failed,
		Elapsed:    time.Since(start),
	}
}

func (o *Orchestrator) emitRunEnd(runID [16]byte, stage progress.Stage, start time.Time, err error) {
	evt := progress.Event{
		RunID:   runID,
		TS:      time.Now().UTC(),
		Stage:   stage,
		CrawlID: o.cfg.CrawlID,
		Dur:     time.Since(start),
	}
	if err != nil {
		evt.Note = err.Error()
	}
	o.hub.Emit(evt)
}

// process runs one record through the state machine and records its
// terminal state. Cancellation leaves no trace: no counter, no row.
func (o *Orchestrator) process(ctx context.Context, runID [16]byte, rec cdx.Record, uploaded map[string]struct{}) {
	start := time.Now()
	outcome, size, note := o.handle(ctx, rec, uploaded, start)
	if outcome == "" {
		return
	}

	switch outcome {
	case progress.OutcomeSaved:
		o.tracker.AddSaved()
	case progress.OutcomeSkipped:
		o.tracker.AddSkipped()
	case progress.OutcomeFailed:
		o.tracker.AddFailed()
	}
	o.hub.Emit(progress.Event{
		RunID:   runID,
		TS:      time.Now().UTC(),
		Stage:   progress.StageRecordDone,
		CrawlID: o.cfg.CrawlID,
		URL:     rec.URL,
		Outcome: outcome,
		Bytes:   size,
		Dur:     time.Since(start),
		Note:    note,
	})
}

// handle is the per-record state machine. It returns the terminal
// outcome, the payload size for uploads, and a short note for the
// progress event. An empty outcome means the record was abandoned by
// cancellation.
func (o *Orchestrator) handle(ctx context.Context, rec cdx.Record, uploaded map[string]struct{}, start time.Time) (progress.Outcome, int64, string) {
	if _, ok := uploaded[rec.URL]; ok {
		return progress.OutcomeSkipped, 0, "url already uploaded"
	}

	res, err := o.fetcher.Fetch(ctx, rec)
	if err != nil {
		if ctx.Err() != nil {
			return "", 0, ""
		}
		o.logger.Debug("fetch failed",
			zap.String("url", rec.URL),
			zap.Error(err))
		o.recordFetchFailure(ctx, rec, start, err)
		return progress.OutcomeFailed, 0, err.Error()
	}

	payload := res.Content
	if v := docx.Validate(payload); !v.OK {
		o.recordInvalidPayload(ctx, rec, payload, start, v)
		return progress.OutcomeFailed, 0, v.Reason
	}

	id := sha256.Hex(payload)
	size := int64(len(payload))

	// The URL set goes stale the moment it is loaded; a fresh row read
	// catches content another worker uploaded during this run.
	if !o.cfg.Force {
		existing, err := o.meta.Get(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return "", 0, ""
			}
			o.logger.Warn("dedup lookup failed, writing anyway",
				zap.String("id", id),
				zap.Error(err))
		} else if existing != nil && existing.Status == metastore.StatusUploaded {
			return progress.OutcomeSkipped, 0, "content already uploaded"
		}
	}

	created, err := o.blobs.WriteIfAbsent(ctx, o.blobKey(id), payload)
	if err != nil {
		if ctx.Err() != nil {
			return "", 0, ""
		}
		// Store trouble stays a counter increment; there is no row to
		// write when the blob layer itself is failing.
		o.logger.Error("blob write failed",
			zap.String("id", id),
			zap.String("url", rec.URL),
			zap.Error(err))
		return progress.OutcomeFailed, 0, "blob write failed"
	}

	now := time.Now().UTC()
	isValid := true
	doc := metastore.Document{
		ID:               id,
		SourceURL:        rec.URL,
		CrawlID:          o.cfg.CrawlID,
		OriginalFilename: filenameFromURL(rec.URL),
		FileSizeBytes:    &size,
		Status:           metastore.StatusUploaded,
		IsValidDocx:      &isValid,
		DiscoveredAt:     start.UTC(),
		DownloadedAt:     &now,
		UploadedAt:       &now,
	}
	// Upsert runs whether or not this call created the blob: a writer
	// that died between blob write and row write left the blob
	// authoritative and the row missing.
	if err := o.meta.Upsert(ctx, doc); err != nil {
		if ctx.Err() != nil {
			return "", 0, ""
		}
		o.logger.Error("row upsert failed",
			zap.String("id", id),
			zap.String("url", rec.URL),
			zap.Error(err))
		return progress.OutcomeFailed, size, "row upsert failed"
	}

	if !created {
		return progress.OutcomeSkipped, size, "blob already present"
	}

	o.publishUploaded(ctx, id, rec.URL, size)
	o.logger.Debug("document uploaded",
		zap.String("id", id),
		zap.String("url", rec.URL),
		zap.Int64("bytes", size))
	return progress.OutcomeSaved, size, ""
}

// recordFetchFailure writes the failed row for a record that produced
// no payload. The id derives from the URL so retries of the same URL
// collapse onto one row and a later success cannot collide with it.
func (o *Orchestrator) recordFetchFailure(ctx context.Context, rec cdx.Record, start time.Time, cause error) {
	msg := cause.Error()
	doc := metastore.Document{
		ID:               FailedID(rec.URL),
		SourceURL:        rec.URL,
		CrawlID:          o.cfg.CrawlID,
		OriginalFilename: filenameFromURL(rec.URL),
		Status:           metastore.StatusFailed,
		ErrorMessage:     &msg,
		DiscoveredAt:     start.UTC(),
	}
	if err := o.meta.Upsert(ctx, doc); err != nil && ctx.Err() == nil {
		o.logger.Error("failed-row upsert failed",
			zap.String("url", rec.URL),
			zap.Error(err))
	}
}

// recordInvalidPayload writes the failed row for a payload that fetched
// but is not a Word document. The payload existed, so the row keys by
// its hash and carries is_valid_docx = false.
func (o *Orchestrator) recordInvalidPayload(ctx context.Context, rec cdx.Record, payload []byte, start time.Time, v docx.Result) {
	msg := fmt.Sprintf("%s: %s", v.Reason, v.Detail)
	size := int64(len(payload))
	isValid := false
	now := time.Now().UTC()
	doc := metastore.Document{
		ID:               sha256.Hex(payload),
		SourceURL:        rec.URL,
		CrawlID:          o.cfg.CrawlID,
		OriginalFilename: filenameFromURL(rec.URL),
		FileSizeBytes:    &size,
		Status:           metastore.StatusFailed,
		ErrorMessage:     &msg,
		IsValidDocx:      &isValid,
		DiscoveredAt:     start.UTC(),
		DownloadedAt:     &now,
	}
	if err := o.meta.Upsert(ctx, doc); err != nil && ctx.Err() == nil {
		o.logger.Error("failed-row upsert failed",
			zap.String("url", rec.URL),
			zap.Error(err))
	}
}

func (o *Orchestrator) publishUploaded(ctx context.Context, id, sourceURL string, size int64) {
	_, err := o.publisher.Publish(ctx, events.UploadedDocument{
		ID:        id,
		SourceURL: sourceURL,
		CrawlID:   o.cfg.CrawlID,
		Size:      size,
	})
	if err != nil && ctx.Err() == nil {
		o.logger.Warn("uploaded event publish failed",
			zap.String("id", id),
			zap.Error(err))
	}
}

func (o *Orchestrator) blobKey(id string) string {
	return fmt.Sprintf("%s/%s.docx", strings.Trim(o.cfg.BlobPrefix, "/"), id)
}

// FailedID derives the deterministic row id for a URL that failed
// before any payload existed.
func FailedID(sourceURL string) string {
	return "failed-" + sha256.Hex([]byte(sourceURL))
}

// filenameFromURL extracts the percent-decoded last path segment of the
// source URL.
func filenameFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Path == "" {
		return defaultFilename
	}
	base := path.Base(u.Path)
	if base == "." || base == "/" || base == "" {
		return defaultFilename
	}
	if decoded, err := url.PathUnescape(base); err == nil && decoded != "" {
		base = decoded
	}
	return base
}
