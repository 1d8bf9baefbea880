package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/chainboot/internal/asm"
	"github.com/roach88/chainboot/internal/entrypoint"
)

// InspectOptions holds flags for the inspect command.
type InspectOptions struct {
	*RootOptions
	Marker string
	Dump   bool
}

// InspectResult describes one binary.
type InspectResult struct {
	File       string            `json:"file"`
	Name       string            `json:"name"`
	Version    string            `json:"version,omitempty"`
	References []asm.AssemblyRef `json:"references"`
	Types      []TypeSummary     `json:"types"`
	Marker     string            `json:"marker"`
	Patched    bool              `json:"patched"`
	Hash       string            `json:"hash"`
	Listing    string            `json:"listing,omitempty"`
}

// TypeSummary lists a type's method signatures.
type TypeSummary struct {
	Name              string   `json:"name"`
	Methods           []string `json:"methods"`
	StaticInitializer bool     `json:"static_initializer"`
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InspectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "inspect <file.dll>",
		Short: "Show a managed binary's references, types and patch state",
		Long: `Show a managed binary's references, types and methods, and whether it
already references the chainloader.

Examples:
  chainboot inspect Managed/UnityEngine.CoreModule.dll
  chainboot inspect Managed/Assembly-CSharp.dll --dump
  chainboot inspect Managed/UnityEngine.CoreModule.dll --marker BepInEx --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Marker, "marker", entrypoint.DefaultCompanionType, "reference name that marks a patched binary")
	cmd.Flags().BoolVar(&opts.Dump, "dump", false, "include the full instruction listing")

	return cmd
}

func runInspect(opts *InspectOptions, path string, cmd *cobra.Command) error {
	f := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}

	a, err := asm.LoadFile(path)
	if err != nil {
		code := ErrCodeInvalidBinary
		if errors.Is(err, os.ErrNotExist) {
			code = ErrCodeNotFound
		}
		_ = f.Error(code, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to load binary", err)
	}

	result, err := inspect(path, a, opts.Marker)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to hash binary", err)
	}
	if opts.Dump {
		result.Listing = asm.DumpString(a)
	}

	if opts.Format == "json" {
		return f.Success(result)
	}
	outputInspectText(cmd.OutOrStdout(), result)
	return nil
}

func inspect(path string, a *asm.Assembly, marker string) (InspectResult, error) {
	hash, err := asm.Hash(a)
	if err != nil {
		return InspectResult{}, err
	}
	result := InspectResult{
		File:       path,
		Name:       a.Name,
		Version:    a.Version,
		References: a.References,
		Types:      make([]TypeSummary, 0, len(a.Types)),
		Marker:     marker,
		Patched:    len(a.ReferencesMatching(marker)) > 0,
		Hash:       hash,
	}
	if result.References == nil {
		result.References = []asm.AssemblyRef{}
	}
	for _, t := range a.Types {
		ts := TypeSummary{
			Name:              t.FullName(),
			Methods:           make([]string, 0, len(t.Methods)),
			StaticInitializer: t.StaticInitializer() != nil,
		}
		for _, m := range t.Methods {
			ts.Methods = append(ts.Methods, asm.MethodSignature(m))
		}
		result.Types = append(result.Types, ts)
	}
	return result, nil
}

func outputInspectText(w io.Writer, r InspectResult) {
	fmt.Fprintf(w, "%s %s\n", r.Name, r.Version)
	fmt.Fprintf(w, "File: %s\n", r.File)
	fmt.Fprintf(w, "Hash: %s\n", r.Hash)
	if r.Patched {
		fmt.Fprintf(w, "Patched: yes (references %s)\n", r.Marker)
	} else {
		fmt.Fprintln(w, "Patched: no")
	}

	fmt.Fprintf(w, "\nReferences (%d):\n", len(r.References))
	for _, ref := range r.References {
		if ref.Version != "" {
			fmt.Fprintf(w, "  %s %s\n", ref.Name, ref.Version)
		} else {
			fmt.Fprintf(w, "  %s\n", ref.Name)
		}
	}

	fmt.Fprintf(w, "\nTypes (%d):\n", len(r.Types))
	for _, t := range r.Types {
		fmt.Fprintf(w, "  %s\n", t.Name)
		for _, m := range t.Methods {
			fmt.Fprintf(w, "    %s\n", m)
		}
	}

	if r.Listing != "" {
		fmt.Fprintf(w, "\n%s", r.Listing)
	}
}
