package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/codebox/internal/sandbox"
	"github.com/jkaninda/codebox/internal/storage"
)

var (
	runsLanguage string
	runsStatus   string
	runsSince    time.Duration
	runsLimit    int
	runsJSON     bool
)

var runsCmd = &cobra.Command{
	Use:   "runs [job-id]",
	Short: "Inspect the job audit log",
	Long: `List recent job runs from the audit store, or show one run by job ID.
Requires the storage section in the config.

Examples:
  codebox runs --status timed_out --since 1h
  codebox runs 0b6e0f3c-6f57-4a43-9d3e-5c2f1bb0d7a1 --json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRuns,
}

func init() {
	runsCmd.Flags().StringVar(&runsLanguage, "language", "", "filter by language name or label")
	runsCmd.Flags().StringVar(&runsStatus, "status", "", "filter by status (completed, timed_out, overflow, ...)")
	runsCmd.Flags().DurationVar(&runsSince, "since", 0, "only runs started within this window")
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "maximum number of runs")
	runsCmd.Flags().BoolVar(&runsJSON, "json", false, "print JSON")
}

func runRuns(_ *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Storage == nil {
		return fmt.Errorf("job audit is disabled: add a storage section to the config")
	}
	logger := newLogger(cfg)

	store, err := initStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if len(args) == 1 {
		run, err := store.Runs().Get(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, run)
	}

	language := runsLanguage
	if catalog, err := sandbox.NewCatalog(languagesFromConfig(cfg.Languages)); err == nil {
		language = catalog.Label(language)
	}
	filter := storage.RunFilter{Language: language, Status: runsStatus, Limit: runsLimit}
	if runsSince > 0 {
		filter.Since = time.Now().Add(-runsSince)
	}
	runs, err := store.Runs().Query(ctx, filter)
	if err != nil {
		return err
	}
	if runsJSON {
		return printJSON(os.Stdout, runs)
	}
	return printRuns(os.Stdout, runs)
}

func printRuns(w io.Writer, runs []storage.JobRun) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB ID\tLANGUAGE\tSTATUS\tTIMING\tSTARTED")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.3fs\t%s\n", r.JobID, r.Language, r.Status, r.Timing, r.StartedAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
