package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/formworks/fieldsync/internal/config"
	"github.com/formworks/fieldsync/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local cache counts and sync checkpoints",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
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

	ctx := cmd.Context()
	workItems, submissions, dirty, err := db.Counts(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "database: %s\n", cfg.Database.Path)
	fmt.Fprintf(out, "work items: %d\n", workItems)
	fmt.Fprintf(out, "submissions: %d (%d dirty)\n", submissions, dirty)

	checkpoints, err := db.ListCheckpoints(ctx)
	if err != nil {
		return err
	}
	if len(checkpoints) == 0 {
		fmt.Fprintln(out, "checkpoints: none (initial sync pending)")
		return nil
	}

	fmt.Fprintln(out, "checkpoints:")
	w := tabwriter.NewWriter(out, 2, 4, 2, ' ', 0)
	for _, cp := range checkpoints {
		scope := string(cp.Kind)
		if cp.ScopeID != "" {
			scope += "/" + cp.ScopeID
		}
		fmt.Fprintf(w, "  %s\t%s\n", scope, cp.At.Format(time.RFC3339))
	}
	return w.Flush()
}
