package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/docfoundry/docxharvest/internal/metastore"
	"github.com/docfoundry/docxharvest/internal/progress"
	"github.com/docfoundry/docxharvest/internal/storage"
)

const (
	defaultBatchSize        = 100
	defaultDocTimeout       = 30 * time.Second
	defaultWatchdogInterval = 10 * time.Second
	defaultStallAfter       = 60 * time.Second
)

// Config tunes one extraction run.
type Config struct {
	Workers int
	// BatchSize caps how many queued documents one run claims.
	BatchSize int
	// InputPrefix is the keyspace the scraper landed documents under
	// (default documents).
	InputPrefix string
	// OutputPrefix is the keyspace text and result blobs land under
	// (default extracted).
	OutputPrefix string
	// DocTimeout bounds a single document end to end (default 30s).
	DocTimeout time.Duration
	// WatchdogInterval is how often the stall watchdog samples progress.
	WatchdogInterval time.Duration
	// StallAfter is how long the run may make zero progress before the
	// watchdog restarts every engine.
	StallAfter time.Duration
}

// Summary reports one finished run.
type Summary struct {
	Queued    int
	Extracted int64
	Errored   int64
	Elapsed   time.Duration
}

// EngineFactory builds one engine per worker; subprocess engines must
// not be shared across workers.
type EngineFactory func() (Engine, error)

// Orchestrator drains the unextracted backlog through a pool of
// engines and lands the plain text plus the rich result as sibling
// blobs.
type Orchestrator struct {
	blobs   storage.BlobStore
	meta    metastore.Store
	factory EngineFactory
	tracker *progress.Tracker
	hub     *progress.Hub
	cfg     Config
	logger  *zap.Logger
}

// New constructs an Orchestrator. The hub may be nil; everything else
// is required.
func New(
	blobs storage.BlobStore,
	meta metastore.Store,
	factory EngineFactory,
	tracker *progress.Tracker,
	hub *progress.Hub,
	cfg Config,
	logger *zap.Logger,
) (*Orchestrator, error) {
	if blobs == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if meta == nil {
		return nil, fmt.Errorf("metadata store is required")
	}
	if factory == nil {
		return nil, fmt.Errorf("engine factory is required")
	}
	if tracker == nil {
		return nil, fmt.Errorf("progress tracker is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.InputPrefix == "" {
		cfg.InputPrefix = "documents"
	}
	if cfg.OutputPrefix == "" {
		cfg.OutputPrefix = "extracted"
	}
	if cfg.DocTimeout <= 0 {
		cfg.DocTimeout = defaultDocTimeout
	}
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = defaultWatchdogInterval
	}
	if cfg.StallAfter <= 0 {
		cfg.StallAfter = defaultStallAfter
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		blobs:   blobs,
		meta:    meta,
		factory: factory,
		tracker: tracker,
		hub:     hub,
		cfg:     cfg,
		logger:  logger,
	}, nil
}

// Run claims one batch of queued documents and blocks until every one
// reached a terminal state or the context ended. A bad document never
// fails the run; only backlog or engine-construction errors do.
func (o *Orchestrator) Run(ctx context.Context) (Summary, error) {
	start := time.Now()
	base := o.tracker.Snapshot()
	runID := progress.UUIDToBytes(uuid.New())

	o.hub.Emit(progress.Event{
		RunID: runID,
		TS:    start.UTC(),
		Stage: progress.StageRunStart,
	})

	docs, err := o.meta.GetUnextracted(ctx, o.cfg.BatchSize)
	if err != nil {
		err = fmt.Errorf("load unextracted backlog: %w", err)
		o.emitRunEnd(runID, progress.StageRunError, start, err)
		return o.summary(base, start, 0), err
	}
	if len(docs) == 0 {
		o.logger.Info("extraction backlog is empty")
		o.emitRunEnd(runID, progress.StageRunDone, start, nil)
		return o.summary(base, start, 0), nil
	}

	queue := make(chan metastore.Document, len(docs))
	for _, doc := range docs {
		queue <- doc
	}
	close(queue)

	workers := o.cfg.Workers
	if workers > len(docs) {
		workers = len(docs)
	}
	engines := make([]Engine, workers)
	for i := range engines {
		eng, err := o.factory()
		if err != nil {
			for _, built := range engines[:i] {
				_ = built.Close()
			}
			err = fmt.Errorf("build extraction engine: %w", err)
			o.emitRunEnd(runID, progress.StageRunError, start, err)
			return o.summary(base, start, len(docs)), err
		}
		engines[i] = eng
	}

	o.logger.Info("extraction run starting",
		zap.Int("queued", len(docs)),
		zap.Int("workers", workers))

	watchStop := make(chan struct{})
	var watch sync.WaitGroup
	watch.Add(1)
	go func() {
		defer watch.Done()
		o.watchdog(ctx, engines, base, int64(len(docs)), watchStop)
	}()

	g := new(errgroup.Group)
	for i, eng := range engines {
		i, eng := i, eng
		g.Go(func() error {
			o.worker(ctx, runID, i, eng, queue)
			return nil
		})
	}
	_ = g.Wait()
	close(watchStop)
	watch.Wait()

	// Engines close after the watchdog stops so a stall restart can
	// never race a close and leak a fresh subprocess.
	for i, eng := range engines {
		if err := eng.Close(); err != nil {
			o.logger.Warn("engine close failed",
				zap.Int("worker", i),
				zap.Error(err))
		}
	}

	o.emitRunEnd(runID, progress.StageRunDone, start, nil)
	return o.summary(base, start, len(docs)), nil
}

func (o *Orchestrator) summary(base progress.Snapshot, start time.Time, queued int) Summary {
	snap := o.tracker.Snapshot()
	return Summary{
		Queued:    queued,
		Extracted: snap.Extracted - base.Extracted,
		Errored:   snap.Errored - base.Errored,
		Elapsed:   time.Since(start),
	}
}

func (o *Orchestrator) emitRunEnd(runID [16]byte, stage progress.Stage, start time.Time, err error) {
	evt := progress.Event{
		RunID: runID,
		TS:    time.Now().UTC(),
		Stage: stage,
		Dur:   time.Since(start),
	}
	if err != nil {
		evt.Note = err.Error()
	}
	o.hub.Emit(evt)
}

// worker drains the queue on one engine. Start is a no-op on a live
// engine and a fresh spawn after a timeout kill, so every document
// begins on a running extractor without the handshake ever counting
// against the per-document budget.
func (o *Orchestrator) worker(ctx context.Context, runID [16]byte, id int, eng Engine, queue <-chan metastore.Document) {
	dir, err := os.MkdirTemp("", "docxharvest-extract-")
	if err != nil {
		o.logger.Error("worker scratch dir failed",
			zap.Int("worker", id),
			zap.Error(err))
		return
	}
	defer os.RemoveAll(dir)

	for doc := range queue {
		if ctx.Err() != nil {
			return
		}
		if err := eng.Start(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			// The documents this worker would have claimed stay queued
			// for the next run; an engine that cannot start would only
			// burn the backlog into spurious error rows.
			o.logger.Error("engine start failed, retiring worker",
				zap.Int("worker", id),
				zap.Error(err))
			return
		}
		o.processDoc(ctx, runID, eng, dir, doc)
	}
}

// processDoc runs one document under its own deadline and records the
// terminal state. Run cancellation leaves no trace: no counter, no
// error row, the document stays queued.
func (o *Orchestrator) processDoc(ctx context.Context, runID [16]byte, eng Engine, dir string, doc metastore.Document) {
	start := time.Now()
	docCtx, cancel := context.WithTimeout(ctx, o.cfg.DocTimeout)
	size, err := o.extractOne(docCtx, eng, dir, doc)
	cancel()

	switch {
	case err == nil:
		o.tracker.AddExtracted()
		o.emitExtractDone(runID, doc, progress.OutcomeExtracted, size, start, "")
	case ctx.Err() != nil:
		return
	case errors.Is(err, context.DeadlineExceeded):
		msg := fmt.Sprintf("extraction timed out after %s", o.cfg.DocTimeout)
		o.recordError(ctx, doc, msg)
		o.tracker.AddErrored()
		o.emitExtractDone(runID, doc, progress.OutcomeError, 0, start, msg)
	default:
		o.recordError(ctx, doc, err.Error())
		o.tracker.AddErrored()
		o.emitExtractDone(runID, doc, progress.OutcomeError, 0, start, err.Error())
	}
}

// extractOne stages the blob to the scratch dir, runs the engine, and
// lands the text blob, the result blob, and the row update. It returns
// the extracted text size.
func (o *Orchestrator) extractOne(ctx context.Context, eng Engine, dir string, doc metastore.Document) (int64, error) {
	data, err := o.blobs.Read(ctx, o.key(o.cfg.InputPrefix, doc.ID, ".docx"))
	if err != nil {
		return 0, fmt.Errorf("read document blob: %w", err)
	}
	if data == nil {
		return 0, errors.New("document blob missing")
	}

	// The engine contract is a file path, so the blob round-trips
	// through the worker's scratch dir.
	tmp := filepath.Join(dir, doc.ID+".docx")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return 0, fmt.Errorf("stage document: %w", err)
	}
	defer os.Remove(tmp)

	res, err := eng.Extract(ctx, tmp)
	if err != nil {
		return 0, err
	}
	if !res.Success {
		msg := res.Error
		if msg == "" {
			msg = "extractor reported failure without detail"
		}
		return 0, errors.New(msg)
	}

	if err := o.blobs.Write(ctx, o.key(o.cfg.OutputPrefix, doc.ID, ".txt"), []byte(res.Text)); err != nil {
		return 0, fmt.Errorf("write text blob: %w", err)
	}
	rich, err := richResult(res)
	if err != nil {
		return 0, err
	}
	if err := o.blobs.Write(ctx, o.key(o.cfg.OutputPrefix, doc.ID, ".json"), rich); err != nil {
		return 0, fmt.Errorf("write result blob: %w", err)
	}

	ex := metastore.Extraction{
		WordCount:  res.WordCount,
		CharCount:  res.CharCount,
		TableCount: res.TableCount,
		ImageCount: res.ImageCount,
	}
	if res.Language != "" {
		lang := res.Language
		conf := res.LanguageConfidence
		ex.Language = &lang
		ex.LanguageConfidence = &conf
	}
	if err := o.meta.UpdateExtraction(ctx, doc.ID, ex); err != nil {
		return 0, fmt.Errorf("record extraction: %w", err)
	}

	o.logger.Debug("document extracted",
		zap.String("id", doc.ID),
		zap.Int32("words", res.WordCount))
	return int64(len(res.Text)), nil
}

// richResult picks the extractor's own result document when it sent
// one and synthesizes a summary otherwise (the native engine has no
// rich output).
func richResult(res *Result) ([]byte, error) {
	if len(res.Extraction) > 0 {
		return res.Extraction, nil
	}
	summary := struct {
		WordCount  int32  `json:"wordCount"`
		CharCount  int32  `json:"charCount"`
		TableCount int32  `json:"tableCount"`
		ImageCount int32  `json:"imageCount"`
		Language   string `json:"language"`
	}{res.WordCount, res.CharCount, res.TableCount, res.ImageCount, res.Language}
	data, err := json.Marshal(summary)
	if err != nil {
		return nil, fmt.Errorf("encode result summary: %w", err)
	}
	return data, nil
}

func (o *Orchestrator) recordError(ctx context.Context, doc metastore.Document, msg string) {
	if err := o.meta.UpdateExtractionError(ctx, doc.ID, msg); err != nil && ctx.Err() == nil {
		o.logger.Error("extraction-error update failed",
			zap.String("id", doc.ID),
			zap.Error(err))
	}
}

func (o *Orchestrator) emitExtractDone(runID [16]byte, doc metastore.Document, outcome progress.Outcome, size int64, start time.Time, note string) {
	o.hub.Emit(progress.Event{
		RunID:   runID,
		TS:      time.Now().UTC(),
		Stage:   progress.StageExtractDone,
		CrawlID: doc.CrawlID,
		URL:     doc.SourceURL,
		Outcome: outcome,
		Bytes:   size,
		Dur:     time.Since(start),
		Note:    note,
	})
}

// watchdog restarts every engine when the run stops making progress. A
// subprocess wedged past its per-document kill stalls its worker on a
// dead pipe; restarting the pool unblocks it, and live engines only pay
// a respawn.
func (o *Orchestrator) watchdog(ctx context.Context, engines []Engine, base progress.Snapshot, queued int64, stop <-chan struct{}) {
	ticker := time.NewTicker(o.cfg.WatchdogInterval)
	defer ticker.Stop()

	lastProcessed := int64(0)
	lastChange := time.Now()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		processed := o.tracker.Processed() - (base.Extracted + base.Errored)
		if processed != lastProcessed {
			lastProcessed = processed
			lastChange = time.Now()
			continue
		}
		if processed >= queued || time.Since(lastChange) < o.cfg.StallAfter {
			continue
		}
		o.logger.Warn("extraction stalled, restarting engines",
			zap.Int64("processed", processed),
			zap.Int64("queued", queued),
			zap.Duration("stalled_for", time.Since(lastChange)))
		for i, eng := range engines {
			if err := eng.Restart(ctx); err != nil {
				o.logger.Warn("engine restart failed",
					zap.Int("worker", i),
					zap.Error(err))
			}
		}
		lastChange = time.Now()
	}
}

func (o *Orchestrator) key(prefix, id, ext string) string {
	return fmt.Sprintf("%s/%s%s", strings.Trim(prefix, "/"), id, ext)
}
