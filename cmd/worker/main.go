package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"portal-scrape-queue/internal/artifacts"
	"portal-scrape-queue/internal/config"
	"portal-scrape-queue/internal/engine"
	"portal-scrape-queue/internal/logging"
	"portal-scrape-queue/internal/queue"
	"portal-scrape-queue/internal/results"
	"portal-scrape-queue/internal/store"
	"portal-scrape-queue/internal/sweeper"
	"portal-scrape-queue/internal/telemetry"
	workerproc "portal-scrape-queue/internal/worker"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg, "worker")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	manager := queue.NewFromConfig(cfg)
	defer manager.Client().Close()

	// Worker id comes from env, then hostname, then pid.
	baseID := cfg.WorkerID
	if baseID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			baseID = hostname
		} else {
			baseID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	var executor engine.Executor = engine.Simulated{}
	if cfg.EngineURL != "" {
		executor = engine.NewHTTPEngine(cfg)
		log.WithField("engine_url", cfg.EngineURL).Info("using remote automation engine")
	} else {
		log.Warn("ENGINE_URL not set, running the simulated executor")
	}

	art, err := artifacts.New(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("init artifact store")
	}

	sink, err := results.Connect(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("connect result sink")
	}
	if sink != nil {
		defer func() {
			closeCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			_ = sink.Close(closeCtx)
		}()
	}

	var st *store.Store
	if cfg.PostgresDSN != "" {
		st, err = store.New(ctx, cfg.PostgresDSN)
		if err != nil {
			log.WithError(err).Fatal("connect postgres")
		}
		defer st.Close()
		if err := st.RunMigrations(ctx, log); err != nil {
			log.WithError(err).Fatal("migrations")
		}
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()

	concurrency := cfg.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	var wg sync.WaitGroup
	for i := 1; i <= concurrency; i++ {
		p := workerproc.NewProcessor(cfg, manager, fmt.Sprintf("%s-%d", baseID, i), log)
		p.SetDefaultExecutor(executor)
		if art != nil {
			p.SetArtifactStore(art)
		}
		if sink != nil {
			p.SetResultSink(sink)
		}
		if st != nil {
			p.SetAuditor(st)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Run(ctx)
		}()
	}

	if cfg.SweepInterval > 0 {
		sw := sweeper.FromConfig(manager, cfg, log.WithField("component", "sweeper"))
		if st != nil {
			sw.SetArchiver(st)
			sw.SetAuditor(st)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = sw.Run(ctx, cfg.SweepInterval)
		}()
	}

	log.WithFields(logrus.Fields{
		"concurrency":     concurrency,
		"poll_interval":   cfg.WorkerPollInterval.String(),
		"stale_threshold": cfg.StaleThreshold.String(),
		"max_attempts":    cfg.MaxAttempts,
	}).Info("workers started")
	wg.Wait()
	log.Info("workers stopped")
}
