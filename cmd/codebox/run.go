package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jkaninda/codebox/internal/sandbox"
	"github.com/jkaninda/codebox/internal/workspace"
)

// Exit codes for the run command.
const (
	ExitSuccess     = 0
	ExitFailure     = 1
	ExitTimedOut    = 2
	ExitNotStarted  = 3
	ExitOutputLimit = 4
)

var (
	runLanguage  string
	runStdinPath string
	runDeadline  time.Duration
	runJSON      bool
)

var runCmd = &cobra.Command{
	Use:   "run <source-file>",
	Short: "Run one program locally and print its result",
	Long: `Stage, launch and supervise a single program without starting the server.
Use "-" as the source file to read the program from standard input.

Examples:
  codebox run -l python hello.py
  codebox run -l cpp main.cpp --stdin input.txt --deadline 5s
  echo 'puts 42' | codebox run -l ruby - --json

Exit codes:
  0  completed
  1  internal failure
  2  timed out
  3  execution could not be started
  4  output limit exceeded`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runLanguage, "language", "l", "", "language name (required, see `codebox languages`)")
	runCmd.Flags().StringVar(&runStdinPath, "stdin", "", "file fed to the program's standard input")
	runCmd.Flags().DurationVar(&runDeadline, "deadline", 0, "execution deadline (default: supervisor.default_deadline_seconds)")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the result as JSON")

	_ = runCmd.MarkFlagRequired("language")
}

func runRun(_ *cobra.Command, args []string) error {
	code, err := readSource(args[0])
	if err != nil {
		return err
	}
	var stdin string
	if runStdinPath != "" {
		b, err := os.ReadFile(runStdinPath)
		if err != nil {
			return fmt.Errorf("reading stdin file: %w", err)
		}
		stdin = string(b)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}

	lang, ok := sc.Catalog.Lookup(runLanguage)
	if !ok {
		sc.Cleanup()
		return fmt.Errorf("unsupported language %q", runLanguage)
	}
	deadline := runDeadline
	if deadline <= 0 {
		deadline = cfg.Supervisor.DefaultDeadline()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	id := uuid.NewString()
	res := sandbox.Run(ctx, sc.Executor, lang.Job(id, workspace.JobFolder(id), code, stdin, deadline))
	stop()
	sc.Cleanup()

	if err := printResult(os.Stdout, res, runJSON); err != nil {
		return err
	}
	if res.Err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", res.Err)
	}
	if exit := exitCode(res.Status); exit != ExitSuccess {
		os.Exit(exit)
	}
	return nil
}

func readSource(path string) (string, error) {
	var (
		b   []byte
		err error
	)
	if path == "-" {
		b, err = io.ReadAll(os.Stdin)
	} else {
		b, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("reading source: %w", err)
	}
	return string(b), nil
}

func printResult(w io.Writer, res *sandbox.ExecutionResult, asJSON bool) error {
	if asJSON {
		return printJSON(w, res)
	}
	if res.Output != "" {
		fmt.Fprintln(w, res.Output)
	}
	if res.Errors != "" {
		fmt.Fprintf(w, "--- errors ---\n%s\n", res.Errors)
	}
	fmt.Fprintf(w, "--- %s in %.3fs ---\n", res.Status, res.Timing)
	return nil
}

func exitCode(status sandbox.Status) int {
	switch status {
	case sandbox.StatusCompleted:
		return ExitSuccess
	case sandbox.StatusTimedOut:
		return ExitTimedOut
	case sandbox.StatusStagingFailed, sandbox.StatusLaunchFailed:
		return ExitNotStarted
	case sandbox.StatusOverflow:
		return ExitOutputLimit
	default:
		return ExitFailure
	}
}
