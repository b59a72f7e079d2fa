package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bryanwahyu/deeptm/internal/infra/httpserver"
	"github.com/bryanwahyu/deeptm/internal/telemetry"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			// load config
			cfg, log, err := opts.load()
			if err != nil {
				return fmt.Errorf("config load error: %w", err)
			}
			defer func() { _ = log.Sync() }()

			if cfg.Telemetry.Enabled {
				shutdown, err := telemetry.InitTracer(telemetry.Config{
					ServiceName: cfg.Telemetry.ServiceName,
					Pretty:      cfg.Telemetry.Pretty,
					SampleRatio: cfg.Telemetry.SampleRatio,
				}, log)
				if err != nil {
					return fmt.Errorf("telemetry init error: %w", err)
				}
				defer func() { _ = shutdown(context.Background()) }()
			}

			// init pipeline + storage
			a, err := newApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			var rs httpserver.Reports
			if a.reports != nil {
				rs = a.reports
			}
			// init router
			handler := httpserver.NewRouter(httpserver.Config{
				Protocol:      cfg.Server.Protocol,
				CORSOrigins:   cfg.Server.CORSOrigins,
				MaxInputRunes: cfg.Server.MaxInputChars,
				RateCapacity:  cfg.RateLimit.Capacity,
				RateRefill:    cfg.RateLimit.RefillPerSecond,
				Tracing:       cfg.Telemetry.Enabled,
			}, a.orch, rs, a.checks, log)

			// streams outlive any write deadline; shutdown cancels them instead
			baseCtx, cancelStreams := context.WithCancel(context.Background())
			defer cancelStreams()

			addr := fmt.Sprintf(":%d", cfg.Server.Port)
			srv := &http.Server{
				Addr:              addr,
				Handler:           handler,
				ReadHeaderTimeout: 15 * time.Second,
				ReadTimeout:       15 * time.Second,
				IdleTimeout:       60 * time.Second,
				BaseContext:       func(net.Listener) context.Context { return baseCtx },
			}
			srv.RegisterOnShutdown(cancelStreams)

			// run server
			errc := make(chan error, 1)
			go func() {
				log.Info("server listening", zap.String("addr", addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errc <- err
				}
				close(errc)
			}()

			select {
			case err := <-errc:
				if err != nil {
					return fmt.Errorf("server error: %w", err)
				}
				return nil
			case <-ctx.Done():
			}

			// graceful shutdown
			log.Info("shutting down server...")
			sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				log.Warn("shutdown error", zap.Error(err))
				return srv.Close()
			}
			// tunggu report yang masih disimpan
			if err := a.orch.Wait(sctx); err != nil {
				log.Warn("report hand-off still running at shutdown", zap.Error(err))
			}
			return nil
		},
	}
}
