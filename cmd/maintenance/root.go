package main

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"portal-scrape-queue/internal/config"
	"portal-scrape-queue/internal/logging"
	"portal-scrape-queue/internal/models"
	"portal-scrape-queue/internal/queue"
	"portal-scrape-queue/internal/store"
	"portal-scrape-queue/internal/sweeper"
)

// archiveStore is the Postgres side of the CLI: archive lookups, audit
// history and retention.
type archiveStore interface {
	ArchiveJob(ctx context.Context, job models.Job) error
	GetArchived(ctx context.Context, id string) (models.Job, error)
	AppendAudit(ctx context.Context, jobID, event, detail string) error
	ListAudit(ctx context.Context, jobID string) ([]models.AuditLog, error)
	PurgeArchive(ctx context.Context, cutoff time.Time) (int64, error)
}

// app holds what the commands share. Tests fill manager and log directly.
type app struct {
	configFlag string

	cfg     config.Config
	manager *queue.Manager
	archive archiveStore
	log     logrus.FieldLogger
	closers []func()
}

func (a *app) ensure(ctx context.Context) error {
	if a.manager != nil {
		return nil
	}
	a.cfg = config.LoadFile(a.configFlag)
	a.log = logging.New(a.cfg, "maintenance")

	m := queue.NewFromConfig(a.cfg)
	a.closers = append(a.closers, func() { _ = m.Client().Close() })
	if err := m.Ping(ctx); err != nil {
		return fmt.Errorf("connect redis %s: %w", a.cfg.RedisAddr, err)
	}
	a.manager = m

	if a.cfg.PostgresDSN != "" {
		st, err := store.New(ctx, a.cfg.PostgresDSN)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, st.Close)
		if err := st.RunMigrations(ctx, a.log); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		a.archive = st
	}
	return nil
}

// sweeper builds a sweeper; zero durations fall back to config.
func (a *app) sweeper(staleAge, retention time.Duration) *sweeper.Sweeper {
	if staleAge <= 0 {
		staleAge = a.cfg.StaleThreshold
	}
	if retention <= 0 {
		retention = a.cfg.Retention
	}
	s := sweeper.New(a.manager, sweeper.Options{
		StaleThreshold: staleAge,
		Retention:      retention,
		BatchSize:      int64(a.cfg.SweepBatchSize),
	}, a.log)
	if a.archive != nil {
		s.SetArchiver(a.archive)
		s.SetAuditor(a.archive)
	}
	return s
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func newRootCommand(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "maintenance",
		Short:         "Inspect and repair the scrape job queue",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.ensure(cmd.Context())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&a.configFlag, "config", "c", "", "Configuration file path")

	rootCmd.AddCommand(
		newListCommand(a),
		newStatusCommand(a),
		newStatsCommand(a),
		newSweepCommand(a),
		newCleanFailedCommand(a),
		newClearAllCommand(a),
		newPurgeArchiveCommand(a),
		newLoopCommand(a),
	)
	return rootCmd
}
