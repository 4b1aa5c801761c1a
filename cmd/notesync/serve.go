package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	nethttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"notesync/internal/http"
	"notesync/internal/syncer"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(c *cli) *cobra.Command {
	var origins []string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the synchronization control API",
		Long: `Start the HTTP control API. When SYNC_INTERVAL is set, a run is also
started at startup and then on every interval.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			return serve(ctx, c, a, origins)
		},
	}
	cmd.Flags().StringSliceVar(&origins, "event-origin", nil, "Origin patterns allowed to open /api/events")
	return cmd
}

func serve(ctx context.Context, c *cli, a *app, origins []string) error {
	logger := c.logger

	unsubscribe := a.manager.Subscribe(func(ev syncer.Event) { logEvent(logger, ev) })
	defer unsubscribe()

	router := http.NewRouter(&http.Deps{
		Sync:         a.manager,
		Store:        a.worker,
		EventOrigins: origins,
	})
	srv := &nethttp.Server{
		Addr:              c.cfg.APIAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		// Event streams end when the server context is cancelled.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting API server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("Shutting down API server")
		return srv.Shutdown(shutdownCtx)
	})
	if interval := c.cfg.Sync.Interval; interval > 0 {
		g.Go(func() error {
			periodicSync(gctx, a.manager, interval, logger)
			return nil
		})
	}
	return g.Wait()
}

// periodicSync starts a run immediately and then on every tick. A tick that
// finds a run active or paused is skipped.
func periodicSync(ctx context.Context, m *syncer.Manager, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		switch err := m.Synchronize(); {
		case errors.Is(err, syncer.ErrAlreadyRunning):
			logger.Debug("periodic sync skipped", "state", m.State())
		case err != nil:
			logger.Warn("periodic sync not started", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func logEvent(logger *slog.Logger, ev syncer.Event) {
	switch ev.Type {
	case syncer.EventProgress:
		logger.Debug("sync progress", "run_id", ev.RunID, "percentage", ev.Percentage, "message", ev.Message)
	case syncer.EventFailed:
		logger.Error("sync failed", "run_id", ev.RunID, "description", ev.Description)
	case syncer.EventRateLimitExceeded:
		logger.Warn("sync rate limited", "run_id", ev.RunID, "seconds_to_wait", ev.SecondsToWait)
	case syncer.EventStateChanged:
		logger.Info("sync state changed", "run_id", ev.RunID, "state", ev.State)
	default:
		logger.Info("sync event", "run_id", ev.RunID, "type", ev.Type)
	}
}
