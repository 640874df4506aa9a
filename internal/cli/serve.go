package cli

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/me/taskgraph/internal/metrics"
	"github.com/me/taskgraph/internal/server"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve run history, checkpoints and metrics over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("addr") {
				cfg.Addr = addr
			}

			ctx, stop := signalContext(cmd)
			defer stop()

			hist, err := openHistory(ctx)
			if err != nil {
				return err
			}
			defer hist.Close()
			cps, err := openCheckpoints()
			if err != nil {
				return err
			}

			srv := server.New(logger,
				server.WithHistory(hist),
				server.WithCheckpoints(cps),
				server.WithRegistry(cfg.NewRegistry(logger)),
				server.WithMetrics(metrics.NewPrometheus("taskgraph", true)),
			)
			httpServer := &http.Server{
				Addr:    cfg.Addr,
				Handler: srv.Handler(),
			}

			errc := make(chan error, 1)
			go func() {
				logger.Info("server starting", "addr", cfg.Addr)
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errc <- err
				}
				close(errc)
			}()

			select {
			case err := <-errc:
				return err
			case <-ctx.Done():
			}
			logger.Info("shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				return err
			}
			logger.Info("server stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from config, :8080)")
	return cmd
}
