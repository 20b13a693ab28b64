package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/docfoundry/docxharvest/internal/api"
)

const defaultListenAddr = ":8087"

// newStatusCmd creates and configures the 'status' subcommand.
func newStatusCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Serves the status and metrics endpoints",
		Long: `Runs the observability HTTP server on its own: /healthz, /readyz,
/metrics and /v1/status backed by the configured metadata store. Useful
for dashboards when the harvest itself runs elsewhere.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := resolveServices(cmd.Context())
			if err != nil {
				return err
			}
			addr := svc.cfg.Server.Listen
			if cmd.Flags().Changed("listen") {
				addr = listen
			}
			if addr == "" {
				addr = defaultListenAddr
			}
			return runStatus(cmd.Context(), svc.app, addr)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "bind address (default "+defaultListenAddr+")")

	return cmd
}

func runStatus(ctx context.Context, application App, addr string) error {
	logger := application.GetLogger()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// No run is in flight here, so the counters stay zero; row and
	// extraction stats come live from the metadata store.
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewServer(nil, application.GetMeta(), nil, logger.Named("api")).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("status server started", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("status server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutdown initiated")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	return nil
}
