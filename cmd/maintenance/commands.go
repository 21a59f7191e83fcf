package main

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"portal-scrape-queue/internal/models"
	"portal-scrape-queue/internal/queue"
)

const timeLayout = "2006-01-02 15:04:05"

func newListCommand(a *app) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs in a status",
		RunE: func(cmd *cobra.Command, args []string) error {
			statuses := []models.Status{models.Status(status)}
			if status == "all" {
				statuses = models.AllStatuses
			}
			var rows [][]string
			for _, s := range statuses {
				jobs, err := a.manager.ListByStatus(cmd.Context(), s)
				if err != nil {
					return err
				}
				for _, job := range jobs {
					rows = append(rows, []string{
						job.ID,
						string(job.Status),
						firstNonEmpty(job.WorkerID, job.LastWorkerID),
						fmt.Sprintf("%d/%d", job.AttemptCount, job.MaxAttempts),
						job.Message,
						job.UpdatedAt.Local().Format(timeLayout),
					})
				}
			}
			if len(rows) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No jobs")
				return nil
			}
			fmt.Fprint(cmd.OutOrStdout(), renderTable(
				[]string{"ID", "Status", "Worker", "Attempts", "Message", "Updated"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
			))
			return nil
		},
	}
	cmd.Flags().StringVarP(&status, "status", "s", "queued", "Status to list (queued, processing, completed, failed, all)")
	return cmd
}

func newStatusCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status ID",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id := args[0]
			source := "live"
			job, err := a.manager.GetStatus(ctx, id)
			if errors.Is(err, queue.ErrNotFound) && a.archive != nil {
				if archived, aerr := a.archive.GetArchived(ctx, id); aerr == nil {
					job, err, source = archived, nil, "archive"
				}
			}
			if err != nil {
				return err
			}

			claimed := ""
			if job.ClaimedAt != nil {
				claimed = job.ClaimedAt.Local().Format(timeLayout)
			}
			rows := [][]string{
				{"ID", job.ID},
				{"Source", source},
				{"Type", job.Type},
				{"Status", string(job.Status)},
				{"Attempts", fmt.Sprintf("%d/%d", job.AttemptCount, job.MaxAttempts)},
				{"Worker", job.WorkerID},
				{"Last worker", job.LastWorkerID},
				{"Message", job.Message},
				{"Requested by", job.RequestedBy},
				{"Result", job.ResultRef},
				{"Created", job.CreatedAt.Local().Format(timeLayout)},
				{"Updated", job.UpdatedAt.Local().Format(timeLayout)},
				{"Claimed", claimed},
			}
			out := cmd.OutOrStdout()
			fmt.Fprint(out, renderTable([]string{"Field", "Value"}, rows, nil))

			if a.archive != nil {
				audit, err := a.archive.ListAudit(ctx, id)
				if err != nil {
					return err
				}
				if len(audit) > 0 {
					arows := make([][]string, 0, len(audit))
					for _, e := range audit {
						arows = append(arows, []string{e.Recorded.Local().Format(timeLayout), e.Event, e.Detail})
					}
					fmt.Fprint(out, renderTable([]string{"Time", "Event", "Detail"}, arows, nil))
				}
			}
			return nil
		},
	}
}

func newStatsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show job counts per status",
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := a.manager.Stats(cmd.Context())
			if err != nil {
				return err
			}
			depth, err := a.manager.Depth(cmd.Context())
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(models.AllStatuses)+1)
			for _, s := range models.AllStatuses {
				rows = append(rows, []string{string(s), strconv.FormatInt(stats[s], 10)})
			}
			rows = append(rows, []string{"pending index", strconv.FormatInt(depth, 10)})
			fmt.Fprint(cmd.OutOrStdout(), renderTable([]string{"Status", "Count"}, rows, []columnAlignment{alignLeft, alignRight}))
			return nil
		},
	}
}

func newSweepCommand(a *app) *cobra.Command {
	var staleAge, retention time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Reclaim stale jobs and prune old terminal jobs once",
		RunE: func(cmd *cobra.Command, args []string) error {
			rep, err := a.sweeper(staleAge, retention).Sweep(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "Reclaimed %d, failed %d, pruned %d, errors %d\n",
				rep.Reclaimed, rep.Exhausted, rep.Pruned, rep.Errors)
			return err
		},
	}
	cmd.Flags().DurationVar(&staleAge, "stale-age", 0, "Reclaim processing jobs claimed longer ago than this (default STALE_THRESHOLD)")
	cmd.Flags().DurationVar(&retention, "retention", 0, "Prune terminal jobs older than this (default RETENTION)")
	return cmd
}

func newCleanFailedCommand(a *app) *cobra.Command {
	var age time.Duration
	cmd := &cobra.Command{
		Use:   "clean-failed",
		Short: "Remove failed jobs older than --age",
		RunE: func(cmd *cobra.Command, args []string) error {
			if age < 0 {
				return fmt.Errorf("--age must not be negative")
			}
			rep, err := a.sweeper(0, 0).PruneStatus(cmd.Context(), models.StatusFailed, time.Now().Add(-age))
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d failed jobs\n", rep.Pruned)
			return err
		},
	}
	cmd.Flags().DurationVar(&age, "age", 24*time.Hour, "Minimum age of failed jobs to remove")
	return cmd
}

func newClearAllCommand(a *app) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear-all",
		Short: "Delete every queue key, including live jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("refusing to clear the queue without --yes")
			}
			n, err := a.sweeper(0, 0).ClearAll(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d keys\n", n)
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm the full clear")
	return cmd
}

func newPurgeArchiveCommand(a *app) *cobra.Command {
	var age time.Duration
	cmd := &cobra.Command{
		Use:   "purge-archive",
		Short: "Delete archived jobs older than --age from Postgres",
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.archive == nil {
				return errors.New("no archive configured, set POSTGRES_DSN")
			}
			if age <= 0 {
				return fmt.Errorf("--age must be positive")
			}
			n, err := a.archive.PurgeArchive(cmd.Context(), time.Now().Add(-age))
			if err != nil {
				return err
			}
			a.log.WithField("rows", n).Info("archive purged")
			fmt.Fprintf(cmd.OutOrStdout(), "Purged %d archived jobs\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&age, "age", 30*24*time.Hour, "Minimum age of archived jobs to delete")
	return cmd
}

func newLoopCommand(a *app) *cobra.Command {
	var interval, staleAge, retention time.Duration
	cmd := &cobra.Command{
		Use:   "loop",
		Short: "Sweep continuously until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if interval <= 0 {
				interval = a.cfg.SweepInterval
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sweeping every %s, press Ctrl+C to stop\n", interval)
			err := a.sweeper(staleAge, retention).Run(cmd.Context(), interval)
			if errors.Is(err, cmd.Context().Err()) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "Time between sweeps (default SWEEP_INTERVAL)")
	cmd.Flags().DurationVar(&staleAge, "stale-age", 0, "Reclaim processing jobs claimed longer ago than this")
	cmd.Flags().DurationVar(&retention, "retention", 0, "Prune terminal jobs older than this")
	return cmd
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
