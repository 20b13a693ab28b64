package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/docfoundry/docxharvest/internal/config"
	"github.com/docfoundry/docxharvest/internal/extract"
	"github.com/docfoundry/docxharvest/internal/progress"
	"github.com/docfoundry/docxharvest/internal/progress/sinks"
)

// newExtractCmd creates and configures the 'extract' subcommand.
func newExtractCmd() *cobra.Command {
	var (
		workers   int
		batchSize int
		engine    string
		command   string
	)

	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Extracts text from the uploaded-document backlog",
		Long: `Drains the backlog of uploaded documents through a pool of extraction
engines, writing the text and a JSON summary next to each document and
recording the outcome on its metadata row.

The subprocess engine drives a persistent extractor process speaking
line-delimited JSON over stdio; the native engine parses the document
in-process and needs no external command.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := resolveServices(cmd.Context())
			if err != nil {
				return err
			}
			cfg := svc.cfg
			if cmd.Flags().Changed("workers") {
				cfg.Extract.Workers = workers
			}
			if cmd.Flags().Changed("batch-size") {
				cfg.Extract.BatchSize = batchSize
			}
			if cmd.Flags().Changed("command") {
				cfg.Extract.Command = command
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runExtract(cmd.Context(), svc.app, cfg, engine)
		},
	}

	cmd.Flags().IntVar(&workers, "workers", 0, "engine pool size")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "documents claimed per run")
	cmd.Flags().StringVar(&engine, "engine", "", "extraction engine: subprocess or native (default: subprocess when a command is configured)")
	cmd.Flags().StringVar(&command, "command", "", `extractor subprocess argv, e.g. "python3 extract_server.py"`)

	return cmd
}

// engineFactory picks the engine implementation. An explicit choice
// wins; otherwise a configured command selects the subprocess engine
// and its absence the native one.
func engineFactory(choice string, cfg config.ExtractConfig, logger *zap.Logger) (extract.EngineFactory, error) {
	argv := strings.Fields(cfg.Command)
	native := func() (extract.Engine, error) { return extract.NewNativeEngine(), nil }

	switch choice {
	case "native":
		return native, nil
	case "subprocess":
		if len(argv) == 0 {
			return nil, fmt.Errorf("subprocess engine requires an extractor command")
		}
	case "":
		if len(argv) == 0 {
			return native, nil
		}
	default:
		return nil, fmt.Errorf("unknown engine %q", choice)
	}
	return func() (extract.Engine, error) {
		return extract.NewSubprocessEngine(extract.SubprocessConfig{Command: argv}, logger.Named("extractor"))
	}, nil
}

func runExtract(ctx context.Context, application App, cfg config.Config, engine string) error {
	logger := application.GetLogger()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	factory, err := engineFactory(engine, cfg.Extract, logger)
	if err != nil {
		return err
	}

	tracker := &progress.Tracker{}
	hub := progress.NewHub(
		progress.Config{Logger: logger.Named("progress")},
		sinks.NewLogSink(logger.Named("progress")),
	)

	orch, err := extract.New(
		application.GetBlobs(),
		application.GetMeta(),
		factory,
		tracker,
		hub,
		extract.Config{
			Workers:      cfg.Extract.Workers,
			BatchSize:    cfg.Extract.BatchSize,
			InputPrefix:  cfg.Extract.InputPrefix,
			OutputPrefix: cfg.Extract.OutputPrefix,
			DocTimeout:   cfg.Extract.Timeout(),
		},
		logger.Named("extract"),
	)
	if err != nil {
		return err
	}

	summary, runErr := orch.Run(ctx)
	logger.Info("extraction finished",
		zap.Int("queued", summary.Queued),
		zap.Int64("extracted", summary.Extracted),
		zap.Int64("errored", summary.Errored),
		zap.Duration("elapsed", summary.Elapsed),
	)

	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := hub.Close(flushCtx); err != nil {
		logger.Warn("progress hub close failed", zap.Error(err))
	}
	if runErr != nil && ctx.Err() == nil {
		return runErr
	}
	return nil
}
