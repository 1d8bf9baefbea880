package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/roach88/chainboot/internal/testutil"
)

// newGameDir lays out a game root the default configuration understands:
// Managed/ with the entrypoint binary and one untargeted binary, and the
// chainloader next to it.
func newGameDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	managed := filepath.Join(dir, "Managed")
	require.NoError(t, os.MkdirAll(managed, 0o755))

	testutil.NewAssembly("UnityEngine.CoreModule").
		Type("UnityEngine", "Application").
		StaticMethod("Quit", "ret").
		WriteTo(t, managed)
	testutil.NewAssembly("Assembly-CSharp").
		Type("Game", "Boot").
		InstanceMethod("Awake", nil, "ret").
		WriteTo(t, managed)
	testutil.Companion("Chainloader", "", "Chainloader").WriteTo(t, dir)
	return dir
}

// executePatch runs the patch command with deterministic run ids and crash
// timestamps. Config defaults to dir/chainboot.toml.
func executePatch(t *testing.T, dir string, format string, configure func(*PatchOptions)) (stdout string, err error) {
	t.Helper()
	opts := &PatchOptions{
		RootOptions: &RootOptions{Format: format},
		Config:      filepath.Join(dir, "chainboot.toml"),
		RunIDs:      testutil.NewFixedRunIDGenerator("run-1", "run-2", "run-3"),
		Now:         func() time.Time { return time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC) },
	}
	if configure != nil {
		configure(opts)
	}

	var out, errOut bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	err = runPatch(opts, cmd)
	return out.String(), err
}

// execute runs a command built by newCmd with args and returns stdout.
func execute(t *testing.T, newCmd func(*RootOptions) *cobra.Command, format string, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newCmd(&RootOptions{Format: format})
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}
