package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/chainboot/internal/config"
)

// UnitsOptions holds flags for the units command.
type UnitsOptions struct {
	*RootOptions
	Config string
}

// UnitSummary describes one registered patch unit.
type UnitSummary struct {
	Position int      `json:"position"`
	Name     string   `json:"name"`
	Targets  []string `json:"targets"`
	Source   string   `json:"source"`
}

// UnitsResult lists the registry a patch run would use.
type UnitsResult struct {
	PatchersDir string        `json:"patchers_dir"`
	Units       []UnitSummary `json:"units"`
	Errors      []string      `json:"errors,omitempty"`
}

// NewUnitsCommand creates the units command.
func NewUnitsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &UnitsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "units",
		Short: "List the patch units a run would apply",
		Long: `List the patch units a patch run would register, in the order they run.

The entrypoint injector is always first. Patchers that fail to load are
reported and the command exits with status 1; the others are still listed.

Examples:
  chainboot units
  chainboot units --config ./game/chainboot.toml --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUnits(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Config, "config", "c", config.DefaultFileName, "configuration file")

	return cmd
}

func runUnits(opts *UnitsOptions, cmd *cobra.Command) error {
	f := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}
	logger := newLogger(cmd.ErrOrStderr(), opts.Verbose)

	cfg, err := config.LoadOrDefault(opts.Config)
	if err != nil {
		_ = f.Error(responseCode(err, ErrCodeConfig), err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to load configuration", err)
	}

	reg, discoverErrs, err := buildRegistry(cfg, logger)
	if err != nil {
		_ = f.Error(ErrCodeDiscovery, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to register patch units", err)
	}
	// Listing only; release the units without running them.
	defer reg.CloseAll(logger)

	result := UnitsResult{PatchersDir: cfg.Paths.Patchers, Units: []UnitSummary{}}
	for i, u := range reg.Units() {
		result.Units = append(result.Units, UnitSummary{
			Position: i + 1,
			Name:     u.Name(),
			Targets:  u.Targets(),
			Source:   unitSource(u),
		})
	}
	for _, derr := range discoverErrs {
		result.Errors = append(result.Errors, derr.Error())
	}

	if opts.Format == "json" {
		resp := CLIResponse{Status: "ok", Data: result}
		if len(result.Errors) > 0 {
			resp.Status = "error"
			resp.Error = &CLIError{
				Code:    ErrCodeDiscovery,
				Message: fmt.Sprintf("%d patcher(s) failed to load", len(result.Errors)),
			}
		}
		if err := f.JSON(resp); err != nil {
			return err
		}
	} else {
		outputUnitsText(cmd.OutOrStdout(), result)
	}

	if len(result.Errors) > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d patcher(s) failed to load", len(result.Errors)))
	}
	return nil
}

func outputUnitsText(w io.Writer, r UnitsResult) {
	for _, u := range r.Units {
		fmt.Fprintf(w, "%d. %s -> %s (%s)\n", u.Position, u.Name, strings.Join(u.Targets, ", "), u.Source)
	}
	if len(r.Errors) > 0 {
		fmt.Fprintf(w, "\nFailed to load (%d):\n", len(r.Errors))
		for _, e := range r.Errors {
			fmt.Fprintf(w, "  ✗ %s\n", e)
		}
	}
}
