package main

import (
	"context"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/codehub-dev/codehub/pkg/agent"
	"github.com/codehub-dev/codehub/pkg/broker"
	"github.com/codehub-dev/codehub/pkg/config"
	"github.com/codehub-dev/codehub/pkg/controller"
	"github.com/codehub-dev/codehub/pkg/coordinator"
	"github.com/codehub-dev/codehub/pkg/gc"
	"github.com/codehub-dev/codehub/pkg/listener"
	"github.com/codehub-dev/codehub/pkg/log"
	"github.com/codehub-dev/codehub/pkg/observer"
	"github.com/codehub-dev/codehub/pkg/storage"
	"github.com/codehub-dev/codehub/pkg/ttl"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the lifecycle engine",
	Long: `Run the reconciliation loops, the change-data-capture listener and the
debug endpoint. Every replica runs this command; leadership is decided at
runtime through database advisory locks, so replicas are interchangeable.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
		logger := log.WithComponent("main")

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		store, err := storage.NewPostgresStore(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer store.Close()

		session, err := storage.NewSession(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			session.Close(closeCtx)
			cancel()
		}()

		b := broker.New(cfg)
		defer b.Close()

		agentClient := agent.NewClient(cfg)

		coord := coordinator.New(session, store, b, cfg,
			controller.New(store, agentClient, b, cfg),
			observer.New(store, agentClient, b),
			ttl.New(store, b, cfg),
			gc.New(store, agentClient, cfg),
		)

		debug := coordinator.NewDebugServer(cfg.DebugListenAddr, store, b)

		var wg sync.WaitGroup

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := coord.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Msg("coordinator exited")
				stop()
			}
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := listener.RunElected(ctx, cfg.DatabaseURL, b, cfg.IdleInterval); err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Msg("event listener exited")
				stop()
			}
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info().Str("addr", cfg.DebugListenAddr).Msg("debug endpoint listening")
			if err := debug.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("debug endpoint failed")
				stop()
			}
		}()

		<-ctx.Done()
		logger.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := debug.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("debug endpoint shutdown failed")
		}

		wg.Wait()
		logger.Info().Msg("stopped")
		return nil
	},
}
