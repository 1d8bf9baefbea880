package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/chainboot/internal/journal"
	"github.com/roach88/chainboot/internal/pipeline"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	Database string
	Limit    int
	RunID    string // optional - show one run with its applications
	Assembly string // optional - show every application to one binary
}

// RunDetail is one run with its applications.
type RunDetail struct {
	journal.Run
	Applications []pipeline.Application `json:"applications"`
}

// HistoryResult holds the history output. Which fields are set depends
// on the query.
type HistoryResult struct {
	Runs         []journal.Run          `json:"runs,omitempty"`
	Run          *RunDetail             `json:"run,omitempty"`
	Assembly     string                 `json:"assembly,omitempty"`
	Applications []pipeline.Application `json:"applications,omitempty"`
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show journaled patch runs",
		Long: `Show patch runs recorded in the journal, most recent first.

With --run, show one run and every unit application it made. With
--assembly, show every application to one binary across runs, oldest
first, with content hashes before and after.

Examples:
  chainboot history --db ./chainboot.db
  chainboot history --db ./chainboot.db --run 0190c0de-...
  chainboot history --db ./chainboot.db --assembly UnityEngine.CoreModule.dll --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite journal (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 20, "maximum runs to list (0 for all)")
	cmd.Flags().StringVar(&opts.RunID, "run", "", "show one run in detail")
	cmd.Flags().StringVar(&opts.Assembly, "assembly", "", "show the application history of one binary")
	cmd.MarkFlagsMutuallyExclusive("run", "assembly")

	return cmd
}

func runHistory(opts *HistoryOptions, cmd *cobra.Command) error {
	f := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}
	ctx := context.Background()

	// journal.Open would create a missing file.
	if _, err := os.Stat(opts.Database); err != nil {
		_ = f.Error(ErrCodeNotFound, fmt.Sprintf("journal not found: %s", opts.Database), nil)
		return WrapExitError(ExitCommandError, "journal not found", err)
	}
	st, err := journal.Open(opts.Database)
	if err != nil {
		_ = f.Error(ErrCodeJournal, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to open journal", err)
	}
	defer st.Close()

	var result HistoryResult
	switch {
	case opts.RunID != "":
		run, err := st.Run(ctx, opts.RunID)
		if errors.Is(err, journal.ErrRunNotFound) {
			_ = f.Error(ErrCodeNotFound, fmt.Sprintf("run not found: %s", opts.RunID), nil)
			return WrapExitError(ExitCommandError, "run not found", err)
		}
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read run", err)
		}
		apps, err := st.Applications(ctx, opts.RunID)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read applications", err)
		}
		result.Run = &RunDetail{Run: run, Applications: nonNilApps(apps)}

	case opts.Assembly != "":
		apps, err := st.AssemblyHistory(ctx, opts.Assembly)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read assembly history", err)
		}
		result.Assembly = opts.Assembly
		result.Applications = nonNilApps(apps)

	default:
		runs, err := st.Runs(ctx, opts.Limit)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read runs", err)
		}
		if runs == nil {
			runs = []journal.Run{}
		}
		result.Runs = runs
	}

	if opts.Format == "json" {
		return f.Success(result)
	}
	outputHistoryText(cmd.OutOrStdout(), result, opts)
	return nil
}

func outputHistoryText(w io.Writer, r HistoryResult, opts *HistoryOptions) {
	switch {
	case r.Run != nil:
		writeRunLine(w, r.Run.Run)
		fmt.Fprintf(w, "  managed: %s\n", r.Run.ManagedDir)
		fmt.Fprintf(w, "  units: %s\n", strings.Join(r.Run.Units, ", "))
		if r.Run.Error != "" {
			fmt.Fprintf(w, "  error: %s\n", r.Run.Error)
		}
		for _, app := range r.Run.Applications {
			writeApplicationLine(w, app, opts.Verbose)
		}

	case opts.Assembly != "":
		if len(r.Applications) == 0 {
			fmt.Fprintf(w, "No applications recorded for %s\n", opts.Assembly)
			return
		}
		for _, app := range r.Applications {
			writeApplicationLine(w, app, true)
		}

	default:
		if len(r.Runs) == 0 {
			fmt.Fprintln(w, "No runs recorded.")
			return
		}
		for _, run := range r.Runs {
			writeRunLine(w, run)
		}
	}
}

func writeRunLine(w io.Writer, run journal.Run) {
	fmt.Fprintf(w, "#%d %s %s", run.Seq, run.ID, run.Status)
	if run.Error != "" && run.Status == pipeline.RunFailed {
		fmt.Fprintf(w, ": %s", firstLine(run.Error))
	}
	fmt.Fprintln(w)
}

func writeApplicationLine(w io.Writer, app pipeline.Application, hashes bool) {
	mark := "✓"
	if app.Status == pipeline.ApplicationFailed {
		mark = "✗"
	}
	fmt.Fprintf(w, "  %s [%d] %s <- %s", mark, app.Seq, app.Assembly, app.Unit)
	if hashes && app.HashBefore != "" {
		fmt.Fprintf(w, " %s -> %s", shortHash(app.HashBefore), shortHash(app.HashAfter))
	}
	if app.Error != "" {
		fmt.Fprintf(w, ": %s", firstLine(app.Error))
	}
	fmt.Fprintln(w)
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	if h == "" {
		return "-"
	}
	return h
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

func nonNilApps(apps []pipeline.Application) []pipeline.Application {
	if apps == nil {
		return []pipeline.Application{}
	}
	return apps
}
