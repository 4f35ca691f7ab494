package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/formworks/fieldsync/internal/config"
	"github.com/formworks/fieldsync/internal/store"
	"github.com/formworks/fieldsync/internal/sync"
)

var syncWatch bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a sync cycle against the configured server",
	Long:  "Push dirty submissions, then pull tables, work items, and submissions. With --watch, keeps syncing on the configured interval until interrupted.",
	RunE:  runSync,
}

func init() {
	syncCmd.Flags().BoolVar(&syncWatch, "watch", false,
		"Keep syncing periodically instead of running one cycle")
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg)

	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	sctx, err := sync.NewSyncContext(ctx, db, cfg.Sync.ServerURL, cfg.Auth.APIKey)
	if err != nil {
		return err
	}

	coordinator := sync.NewCoordinator(db, sctx)
	coordinator.OnProgress(func(phase sync.Phase, percent int) {
		slog.Debug("sync progress", "phase", phase, "percent", percent)
	})

	if syncWatch {
		sync.NewScheduler(coordinator, time.Duration(cfg.Sync.Interval)).Run(ctx)
		return nil
	}

	report, err := coordinator.Run(ctx)
	if report != nil {
		printReport(cmd, report)
	}
	return err
}

func printReport(cmd *cobra.Command, report *sync.Report) {
	out := cmd.OutOrStdout()
	if report.Push != nil {
		fmt.Fprintf(out, "push: %d attempted, %d accepted, %d remapped, %d errors, %d version conflicts, %d failed batches\n",
			report.Push.Attempted, report.Push.Pushed, report.Push.Remapped,
			len(report.Push.Errors), len(report.Push.VersionConflicts), report.Push.BatchFailures)
		for _, e := range report.Push.Errors {
			fmt.Fprintf(out, "  error %s: %s\n", e.LocalID, e.Message)
		}
		for _, vc := range report.Push.VersionConflicts {
			fmt.Fprintf(out, "  version conflict %s: pinned v%d, server requires v%d (migrate to re-push)\n",
				vc.LocalID, vc.PinnedVersion, vc.RequiredVersion)
		}
	}
	for _, pull := range report.Pulls {
		scope := pull.Kind
		if pull.ScopeID != "" {
			scope += "/" + pull.ScopeID
		}
		mode := "delta"
		if pull.Initial {
			mode = "initial"
		}
		fmt.Fprintf(out, "pull %s (%s): %d pages, %d applied, %d deleted, %d kept local\n",
			scope, mode, pull.Pages, pull.Applied, pull.Deleted, pull.KeptLocal)
	}
	fmt.Fprintf(out, "done in %s\n", report.Duration.Round(time.Millisecond))
}
