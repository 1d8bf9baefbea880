package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/chainboot/internal/config"
	"github.com/roach88/chainboot/internal/diag"
	"github.com/roach88/chainboot/internal/journal"
	"github.com/roach88/chainboot/internal/pipeline"
)

// PatchOptions holds flags for the patch command.
type PatchOptions struct {
	*RootOptions
	Config   string
	Managed  string
	Output   string
	Database string
	CrashDir string
	DryRun   bool

	// RunIDs allows overriding the run id generator (for testing).
	// If nil, defaults to pipeline.UUIDv7Generator.
	RunIDs pipeline.RunIDGenerator

	// Now allows overriding the crash log clock (for testing).
	Now func() time.Time
}

// PatchResult is the success payload of the patch command.
type PatchResult struct {
	RunID        string                 `json:"run_id"`
	ManagedDir   string                 `json:"managed_dir"`
	OutputDir    string                 `json:"output_dir,omitempty"`
	DryRun       bool                   `json:"dry_run,omitempty"`
	Scanned      int                    `json:"scanned"`
	Patched      []string               `json:"patched"`
	Skipped      []string               `json:"skipped"`
	Applications []pipeline.Application `json:"applications"`
}

// PatchFailure is the error detail of the patch command.
type PatchFailure struct {
	RunID        string                 `json:"run_id,omitempty"`
	Applications []pipeline.Application `json:"applications,omitempty"`
	CrashLogs    []string               `json:"crash_logs,omitempty"`
}

// NewPatchCommand creates the patch command.
func NewPatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "patch",
		Short: "Inject the chainloader into the managed assemblies",
		Long: `Run every registered patch unit over the managed directory.

The entrypoint injector is always registered first; declarative patchers
from the patchers directory follow. Binaries are written back only when
every targeted binary patched and verified cleanly. On failure a crash log
is written to the crash directory and nothing is persisted.

Exit codes:
  0 - All targeted binaries patched
  1 - The run failed (already patched, unresolved chainloader, etc.)
  2 - Command error (bad configuration, journal unavailable)

Examples:
  chainboot patch
  chainboot patch --config ./game/chainboot.toml --dry-run
  chainboot patch --managed ./Game_Data/Managed --output ./patched
  chainboot patch --db ./chainboot.db --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPatch(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Config, "config", "c", config.DefaultFileName, "configuration file")
	cmd.Flags().StringVar(&opts.Managed, "managed", "", "managed directory (overrides paths.managed)")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "write patched binaries here instead of in place")
	cmd.Flags().StringVar(&opts.Database, "db", "", "SQLite journal (overrides paths.journal)")
	cmd.Flags().StringVar(&opts.CrashDir, "crash-dir", "", "crash log directory (overrides paths.crash_dir)")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "patch and verify without writing any binary")

	return cmd
}

func runPatch(opts *PatchOptions, cmd *cobra.Command) error {
	f := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	// Logs go to stderr and are kept for the crash log.
	var logBuf bytes.Buffer
	logger := newLogger(io.MultiWriter(cmd.ErrOrStderr(), &logBuf), opts.Verbose)

	cfg, err := config.LoadOrDefault(opts.Config)
	if err != nil {
		_ = f.Error(responseCode(err, ErrCodeConfig), err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to load configuration", err)
	}
	if err := applyPatchOverrides(cfg, opts); err != nil {
		_ = f.Error(ErrCodeConfig, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid flag", err)
	}
	logger.Debug("configuration loaded",
		"managed", cfg.Paths.Managed,
		"entrypoint", cfg.Entrypoint.Assembly,
		"type", cfg.Entrypoint.Type,
		"chainloader", cfg.Chainloader.Assembly)

	reg, discoverErrs, err := buildRegistry(cfg, logger)
	if err != nil {
		_ = f.Error(ErrCodeDiscovery, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to register patch units", err)
	}
	for _, derr := range discoverErrs {
		logger.Warn("patcher not loaded", "error", derr)
	}

	driverOpts := []pipeline.Option{pipeline.WithLogger(logger)}
	if opts.RunIDs != nil {
		driverOpts = append(driverOpts, pipeline.WithRunIDGenerator(opts.RunIDs))
	}
	switch {
	case opts.DryRun:
		driverOpts = append(driverOpts, pipeline.WithPersister(pipeline.DryRun{}))
	case cfg.Paths.Output != "":
		driverOpts = append(driverOpts, pipeline.WithPersister(pipeline.FilePersister{OutputDir: cfg.Paths.Output}))
	}

	if cfg.Paths.Journal != "" {
		st, err := journal.Open(cfg.Paths.Journal)
		if err != nil {
			reg.CloseAll(logger)
			_ = f.Error(ErrCodeJournal, err.Error(), nil)
			return WrapExitError(ExitCommandError, "failed to open journal", err)
		}
		defer func() {
			if closeErr := st.Close(); closeErr != nil {
				logger.Error("error closing journal", "error", closeErr)
			}
		}()
		driverOpts = append(driverOpts, pipeline.WithRecorder(st))
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	report, runErr := pipeline.New(reg, driverOpts...).Run(ctx, cfg.Paths.Managed)
	if runErr != nil {
		return reportPatchFailure(f, opts, cfg, report, runErr, logger, logBuf.String())
	}

	result := PatchResult{
		RunID:        report.RunID,
		ManagedDir:   report.ManagedDir,
		OutputDir:    cfg.Paths.Output,
		DryRun:       opts.DryRun,
		Scanned:      report.Scanned,
		Patched:      nonNil(report.Patched),
		Skipped:      nonNil(report.Skipped),
		Applications: report.Applications,
	}
	if result.Applications == nil {
		result.Applications = []pipeline.Application{}
	}
	if opts.Format == "json" {
		return f.JSON(CLIResponse{Status: "ok", Data: result, RunID: result.RunID})
	}
	outputPatchText(cmd.OutOrStdout(), result)
	return nil
}

// reportPatchFailure writes crash artifacts and reports the failed run.
func reportPatchFailure(f *OutputFormatter, opts *PatchOptions, cfg *config.Config, report *pipeline.Report, runErr error, logger *slog.Logger, logs string) error {
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	crashLogs, crashErr := diag.WriteCrash(cfg.Paths.CrashDir, runErr, logs, now())
	if crashErr != nil {
		logger.Error("crash log not written", "dir", cfg.Paths.CrashDir, "error", crashErr)
	}

	failure := PatchFailure{CrashLogs: crashLogs}
	if report != nil {
		failure.RunID = report.RunID
		failure.Applications = report.Applications
	}
	code := responseCode(runErr, ErrCodePatchFailed)

	if opts.Format == "json" {
		_ = f.JSON(CLIResponse{
			Status: "error",
			RunID:  failure.RunID,
			Error:  &CLIError{Code: code, Message: runErr.Error(), Details: failure},
		})
	} else {
		_ = f.Error(code, runErr.Error(), nil)
		for _, path := range crashLogs {
			fmt.Fprintf(f.Writer, "Crash log: %s\n", path)
		}
	}
	return WrapExitError(ExitFailure, "patch run failed", runErr)
}

// applyPatchOverrides applies flag values on top of the loaded
// configuration. Flag paths resolve against the working directory.
func applyPatchOverrides(cfg *config.Config, opts *PatchOptions) error {
	for _, o := range []struct {
		flag string
		dst  *string
	}{
		{opts.Managed, &cfg.Paths.Managed},
		{opts.Output, &cfg.Paths.Output},
		{opts.Database, &cfg.Paths.Journal},
		{opts.CrashDir, &cfg.Paths.CrashDir},
	} {
		if o.flag == "" {
			continue
		}
		abs, err := filepath.Abs(o.flag)
		if err != nil {
			return fmt.Errorf("cannot resolve path %s: %w", o.flag, err)
		}
		*o.dst = abs
	}
	return nil
}

func outputPatchText(w io.Writer, result PatchResult) {
	fmt.Fprintf(w, "Run %s\n", result.RunID)
	for _, name := range result.Patched {
		fmt.Fprintf(w, "  ✓ %s\n", name)
	}
	for _, name := range result.Skipped {
		fmt.Fprintf(w, "  - %s (no units)\n", name)
	}

	summary := fmt.Sprintf("Patched %d of %d binaries", len(result.Patched), result.Scanned)
	switch {
	case result.DryRun:
		summary += " (dry run, nothing written)"
	case result.OutputDir != "":
		summary += " into " + result.OutputDir
	}
	fmt.Fprintln(w, summary)
}

// newLogger builds the text logger used by commands that run patch units.
func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
