package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	api "portal-scrape-queue/internal/api"
	"portal-scrape-queue/internal/config"
	"portal-scrape-queue/internal/logging"
	"portal-scrape-queue/internal/queue"
	"portal-scrape-queue/internal/ratelimit"
	"portal-scrape-queue/internal/store"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg, "api")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	manager := queue.NewFromConfig(cfg)
	defer manager.Client().Close()
	if err := manager.Ping(ctx); err != nil {
		log.WithError(err).Fatal("connect redis")
	}

	limiter := ratelimit.FromConfig(manager.Client(), cfg)
	server := api.New(cfg, manager, limiter, log)

	if cfg.PostgresDSN != "" {
		st, err := store.New(ctx, cfg.PostgresDSN)
		if err != nil {
			log.WithError(err).Fatal("connect postgres")
		}
		defer st.Close()
		if err := st.RunMigrations(ctx, log); err != nil {
			log.WithError(err).Fatal("migrations")
		}
		server.SetArchive(st)
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.WithField("port", cfg.HTTPPort).Info("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	log.Info("api stopped")
}
