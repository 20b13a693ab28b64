package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/docfoundry/docxharvest/internal/api"
	"github.com/docfoundry/docxharvest/internal/archive"
	"github.com/docfoundry/docxharvest/internal/cdx"
	"github.com/docfoundry/docxharvest/internal/config"
	"github.com/docfoundry/docxharvest/internal/crawls"
	"github.com/docfoundry/docxharvest/internal/metastore"
	"github.com/docfoundry/docxharvest/internal/progress"
	"github.com/docfoundry/docxharvest/internal/progress/sinks"
	"github.com/docfoundry/docxharvest/internal/ratelimit"
	"github.com/docfoundry/docxharvest/internal/scrape"
)

// newScrapeCmd creates and configures the 'scrape' subcommand.
func newScrapeCmd() *cobra.Command {
	var (
		crawlIDs     []string
		lastN        int
		batchSize    int
		concurrency  int
		force        bool
		listen       string
		progressLine bool
	)

	cmd := &cobra.Command{
		Use:   "scrape",
		Short: "Harvests .docx documents from Common Crawl archives",
		Long: `Streams the filtered index records of one or more crawls, fetches each
archived payload with adaptive rate limiting, validates the bytes as a
Word document and lands deduplicated blobs plus metadata rows. Crawls
run one after another over a shared rate limiter so the archive host
sees a single polite client.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := resolveServices(cmd.Context())
			if err != nil {
				return err
			}
			cfg := svc.cfg
			if cmd.Flags().Changed("batch-size") {
				cfg.BatchSize = batchSize
			}
			if cmd.Flags().Changed("concurrency") {
				cfg.Concurrency = concurrency
			}
			if cmd.Flags().Changed("listen") {
				cfg.Server.Listen = listen
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runScrape(cmd.Context(), svc.app, cfg, crawlIDs, lastN, force, progressLine)
		},
	}

	cmd.Flags().StringSliceVar(&crawlIDs, "crawls", nil, "explicit crawl ids to harvest (default: resolve from the published list)")
	cmd.Flags().IntVar(&lastN, "last", 1, "harvest the newest N published crawls when none are named")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "stop each crawl after this many uploads (0 = run to the end)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "worker pool size")
	cmd.Flags().BoolVar(&force, "force", false, "reprocess records whose url or content was already uploaded")
	cmd.Flags().StringVar(&listen, "listen", "", "serve /healthz, /metrics and /v1/status on this address while running")
	cmd.Flags().BoolVar(&progressLine, "progress", false, "redraw a one-line counter summary on stderr while each crawl runs")

	return cmd
}

func runScrape(ctx context.Context, application App, cfg config.Config, explicit []string, lastN int, force, progressLine bool) error {
	logger := application.GetLogger()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ids, err := crawls.Resolve(ctx, crawls.NewClient("", logger.Named("crawls")), explicit, cfg.CrawlID, lastN)
	if err != nil {
		return err
	}
	logger.Info("scrape starting", zap.Strings("crawls", ids))

	registry := prometheus.NewRegistry()
	promSink, err := sinks.NewPrometheusSink(registry)
	if err != nil {
		return fmt.Errorf("register progress metrics: %w", err)
	}
	tracker := &progress.Tracker{}
	hub := progress.NewHub(
		progress.Config{Logger: logger.Named("progress")},
		sinks.NewLogSink(logger.Named("progress")),
		promSink,
	)

	shutdownServer := startStatusServer(cfg.Server.Listen, tracker, application.GetMeta(), registry, logger, stop)

	limiter := ratelimit.New(ratelimit.Config{
		InitialRPS: cfg.RateLimit.RPS,
		MinRPS:     cfg.RateLimit.MinRPS,
		MaxRPS:     cfg.RateLimit.MaxRPS,
	}, logger.Named("ratelimit"))

	fetcher, err := archive.NewFetcher(archive.Config{
		BaseURL:    cfg.Fetch.BaseURL,
		UserAgent:  cfg.Fetch.UserAgent,
		Timeout:    cfg.Fetch.Timeout(),
		MaxRetries: cfg.Fetch.MaxRetries,
		MaxBackoff: cfg.Fetch.MaxBackoff(),
	}, limiter, logger.Named("archive"))
	if err != nil {
		return fmt.Errorf("build archive fetcher: %w", err)
	}

	stream, err := cdx.NewStream(application.GetBlobs(), logger.Named("cdx"))
	if err != nil {
		return fmt.Errorf("build record stream: %w", err)
	}

	var renderer *progress.Renderer
	if progressLine {
		renderer = progress.NewRenderer(os.Stderr)
	}

	// Crawls run sequentially; the limiter carries its learned rate
	// from one crawl into the next.
	var runErr error
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		orch, err := scrape.New(
			stream,
			fetcher,
			application.GetBlobs(),
			application.GetMeta(),
			application.GetPublisher(),
			tracker,
			hub,
			scrape.Config{
				CrawlID:     id,
				Concurrency: cfg.Concurrency,
				BatchSize:   cfg.BatchSize,
				Force:       force,
				BlobPrefix:  cfg.Extract.InputPrefix,
			},
			logger.Named("scrape"),
		)
		if err != nil {
			runErr = errors.Join(runErr, err)
			break
		}
		stopLine := startProgressLine(renderer, id, tracker, limiter)
		summary, err := orch.Run(ctx)
		stopLine()
		logger.Info("crawl finished",
			zap.String("crawl_id", summary.CrawlID),
			zap.Int64("discovered", summary.Discovered),
			zap.Int64("saved", summary.Saved),
			zap.Int64("skipped", summary.Skipped),
			zap.Int64("failed", summary.Failed),
			zap.Duration("elapsed", summary.Elapsed),
			zap.Float64("rps", limiter.CurrentRPS()),
		)
		if err != nil && ctx.Err() == nil {
			// One crawl's stream trouble should not strand the others.
			logger.Error("crawl failed", zap.String("crawl_id", id), zap.Error(err))
			runErr = errors.Join(runErr, err)
		}
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := hub.Close(flushCtx); err != nil {
		logger.Warn("progress hub close failed", zap.Error(err))
	}
	shutdownServer(flushCtx)
	return runErr
}

// startProgressLine redraws the one-line crawl summary once a second
// while a crawl runs. The returned stop function draws the final state
// and terminates the line. A nil renderer disables it.
func startProgressLine(renderer *progress.Renderer, crawlID string, tracker *progress.Tracker, limiter *ratelimit.Adaptive) func() {
	if renderer == nil {
		return func() {}
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				renderer.Render(progress.Line(crawlID, tracker.Snapshot(), limiter.CurrentRPS()))
			}
		}
	}()
	return func() {
		close(stop)
		<-done
		renderer.Render(progress.Line(crawlID, tracker.Snapshot(), limiter.CurrentRPS()))
		renderer.Done()
	}
}

// startStatusServer exposes the observability endpoints while a run is
// in flight. An empty addr disables it; the returned function shuts the
// server down.
func startStatusServer(
	addr string,
	tracker *progress.Tracker,
	meta metastore.Store,
	gatherer prometheus.Gatherer,
	logger *zap.Logger,
	onFailure func(),
) func(context.Context) {
	if addr == "" {
		return func(context.Context) {}
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewServer(tracker, meta, gatherer, logger.Named("api")).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("status server started", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status server error", zap.Error(err))
			onFailure()
		}
	}()
	return func(ctx context.Context) {
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("status server shutdown error", zap.Error(err))
		}
	}
}
