package main

import (
	"context"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	"github.com/codehub-dev/codehub/pkg/activity"
	"github.com/codehub-dev/codehub/pkg/agent"
	"github.com/codehub-dev/codehub/pkg/broker"
	"github.com/codehub-dev/codehub/pkg/config"
	"github.com/codehub-dev/codehub/pkg/log"
	"github.com/codehub-dev/codehub/pkg/metrics"
	"github.com/codehub-dev/codehub/pkg/proxy"
	"github.com/codehub-dev/codehub/pkg/sse"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the stateless edge",
	Long: `Run the workspace traffic proxy and the server-sent event stream. Gateway
replicas hold no state beyond a short-lived upstream cache and the activity
samples accumulated between flushes, so they scale horizontally behind any
load balancer.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
		logger := log.WithComponent("main")

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		b := broker.New(cfg)
		defer b.Close()

		recorder := activity.New(b, cfg.ActivityFlushInterval)
		forwarder := proxy.New(agent.NewClient(cfg), recorder, cfg.UpstreamCacheTTL)
		events := sse.NewHandler(b, cfg.SSEHeartbeatInterval)

		r := chi.NewRouter()
		r.Mount("/workspaces", forwarder.Routes())
		r.Mount("/api/v1", events.Routes())
		r.Method(http.MethodGet, "/metrics", metrics.Handler())

		r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
		})
		r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
			ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
			defer cancel()

			if err := b.Ping(ctx); err != nil {
				http.Error(w, "broker unavailable", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ready"))
		})

		// No ReadTimeout or WriteTimeout: SSE streams and upgraded
		// connections are long-lived by design.
		srv := &http.Server{
			Addr:              cfg.GatewayListenAddr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       120 * time.Second,
		}

		var wg sync.WaitGroup

		wg.Add(1)
		go func() {
			defer wg.Done()
			recorder.Run(ctx)
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info().Str("addr", cfg.GatewayListenAddr).Msg("gateway listening")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("gateway server failed")
				stop()
			}
		}()

		<-ctx.Done()
		logger.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("gateway shutdown failed")
		}

		wg.Wait()
		logger.Info().Msg("stopped")
		return nil
	},
}
