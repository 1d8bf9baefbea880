package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/chainboot/internal/asm"
	"github.com/roach88/chainboot/internal/diag"
	"github.com/roach88/chainboot/internal/entrypoint"
)

func coreModule(dir string) string {
	return filepath.Join(dir, "Managed", "UnityEngine.CoreModule.dll")
}

func loadFixture(t *testing.T, path string) *asm.Assembly {
	t.Helper()
	a, err := asm.LoadFile(path)
	require.NoError(t, err)
	return a
}

func TestPatch_InPlace(t *testing.T) {
	dir := newGameDir(t)

	out, err := executePatch(t, dir, "text", nil)
	require.NoError(t, err)

	assert.Contains(t, out, "Run run-1")
	assert.Contains(t, out, "✓ UnityEngine.CoreModule.dll")
	assert.Contains(t, out, "- Assembly-CSharp.dll (no units)")
	assert.Contains(t, out, "Patched 1 of 2 binaries")

	a := loadFixture(t, coreModule(dir))
	assert.NotEmpty(t, a.ReferencesMatching("Chainloader"))
	require.Len(t, a.Types, 1)
	assert.Equal(t, "UnityEngine.Application", a.Types[0].FullName())
	require.NotNil(t, a.Types[0].StaticInitializer(), "static initializer is synthesized")
}

func TestPatch_DryRunLeavesBinariesUntouched(t *testing.T) {
	dir := newGameDir(t)
	before, err := os.ReadFile(coreModule(dir))
	require.NoError(t, err)

	out, err := executePatch(t, dir, "text", func(o *PatchOptions) { o.DryRun = true })
	require.NoError(t, err)
	assert.Contains(t, out, "(dry run, nothing written)")

	after, err := os.ReadFile(coreModule(dir))
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestPatch_OutputDirectory(t *testing.T) {
	dir := newGameDir(t)
	outDir := filepath.Join(dir, "patched")
	before, err := os.ReadFile(coreModule(dir))
	require.NoError(t, err)

	out, err := executePatch(t, dir, "text", func(o *PatchOptions) { o.Output = outDir })
	require.NoError(t, err)
	assert.Contains(t, out, "into "+outDir)

	patched := loadFixture(t, filepath.Join(outDir, "UnityEngine.CoreModule.dll"))
	assert.NotEmpty(t, patched.ReferencesMatching("Chainloader"))

	after, err := os.ReadFile(coreModule(dir))
	require.NoError(t, err)
	assert.Equal(t, before, after, "original must not change")

	_, err = os.Stat(filepath.Join(outDir, "Assembly-CSharp.dll"))
	assert.True(t, os.IsNotExist(err), "untargeted binaries are not copied")
}

func TestPatch_SecondRunFailsAlreadyPatched(t *testing.T) {
	dir := newGameDir(t)
	_, err := executePatch(t, dir, "text", nil)
	require.NoError(t, err)
	first, err := os.ReadFile(coreModule(dir))
	require.NoError(t, err)

	out, err := executePatch(t, dir, "text", nil)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Error [ALREADY_PATCHED]")
	assert.Contains(t, out, "Crash log: "+filepath.Join(dir, diag.FatalFileName))

	crash, err := os.ReadFile(filepath.Join(dir, diag.FatalFileName))
	require.NoError(t, err)
	assert.Contains(t, string(crash), "Chainloader")

	second, err := os.ReadFile(coreModule(dir))
	require.NoError(t, err)
	assert.Equal(t, first, second, "failed run must not persist")
}

func TestPatch_CrashDirOverride(t *testing.T) {
	dir := newGameDir(t)
	crashDir := filepath.Join(dir, "logs")
	_, err := executePatch(t, dir, "text", nil)
	require.NoError(t, err)

	_, err = executePatch(t, dir, "text", func(o *PatchOptions) { o.CrashDir = crashDir })
	require.Error(t, err)

	entries, err := os.ReadDir(crashDir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	_, err = os.Stat(filepath.Join(crashDir, diag.FatalFileName))
	assert.NoError(t, err)
}

func TestPatch_MissingChainloader(t *testing.T) {
	dir := newGameDir(t)
	require.NoError(t, os.Remove(filepath.Join(dir, "Chainloader.dll")))

	out, err := executePatch(t, dir, "json", nil)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "RESOLUTION", resp.Error.Code)
	assert.Equal(t, "run-1", resp.RunID)
}

func TestPatch_InvalidConfiguration(t *testing.T) {
	dir := newGameDir(t)
	cfg := filepath.Join(dir, "chainboot.toml")
	require.NoError(t, os.WriteFile(cfg, []byte("[entrypoint]\ntype = \"\"\n"), 0o644))

	out, err := executePatch(t, dir, "text", nil)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error [CONFIGURATION]")
}

func TestPatch_MistypedEntrypointAssembly(t *testing.T) {
	dir := newGameDir(t)
	core := filepath.Join(dir, "Managed", "UnityEngine.CoreModule.dll")
	before, err := os.ReadFile(core)
	require.NoError(t, err)
	cfg := filepath.Join(dir, "chainboot.toml")
	require.NoError(t, os.WriteFile(cfg, []byte("[entrypoint]\nassembly = \"UnityEngine.CoreModul.dll\"\n"), 0o644))

	out, err := executePatch(t, dir, "text", nil)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Error [CONFIGURATION]")
	assert.Contains(t, out, "UnityEngine.CoreModul.dll")

	after, err := os.ReadFile(core)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestPatch_UnknownConfigKey(t *testing.T) {
	dir := newGameDir(t)
	cfg := filepath.Join(dir, "chainboot.toml")
	require.NoError(t, os.WriteFile(cfg, []byte("[entrypoint]\nclass = \"Application\"\n"), 0o644))

	out, err := executePatch(t, dir, "text", nil)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error [E_CONFIG]")
	assert.Contains(t, out, "unknown keys")
}

func TestPatch_JSON(t *testing.T) {
	dir := newGameDir(t)

	out, err := executePatch(t, dir, "json", nil)
	require.NoError(t, err)

	var resp struct {
		Status string      `json:"status"`
		RunID  string      `json:"run_id"`
		Data   PatchResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "run-1", resp.RunID)
	assert.Equal(t, 2, resp.Data.Scanned)
	assert.Equal(t, []string{"UnityEngine.CoreModule.dll"}, resp.Data.Patched)
	assert.Equal(t, []string{"Assembly-CSharp.dll"}, resp.Data.Skipped)
	require.Len(t, resp.Data.Applications, 1)
	assert.Equal(t, entrypoint.UnitName, resp.Data.Applications[0].Unit)
}

func TestPatch_WithPatchers(t *testing.T) {
	dir := newGameDir(t)
	patchers := filepath.Join(dir, "patchers")
	require.NoError(t, os.MkdirAll(patchers, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(patchers, "boot.cue"), []byte(bootPatcher), 0o644))

	out, err := executePatch(t, dir, "text", nil)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Assembly-CSharp.dll")
	assert.Contains(t, out, "Patched 2 of 2 binaries")

	a := loadFixture(t, filepath.Join(dir, "Managed", "Assembly-CSharp.dll"))
	assert.NotEmpty(t, a.ReferencesMatching("BootHooks"))
}

func TestPatch_JournalsRuns(t *testing.T) {
	dir := newGameDir(t)
	db := filepath.Join(dir, "chainboot.db")

	_, err := executePatch(t, dir, "text", func(o *PatchOptions) { o.Database = db })
	require.NoError(t, err)

	out, err := execute(t, NewHistoryCommand, "text", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "run-1 succeeded")
}

const bootPatcher = `
patcher: "boot-hooks": {
    targets: ["Assembly-CSharp.dll"]
    actions: [
        {add_reference: {assembly: "BootHooks", version: "1.0.0.0"}},
    ]
}
`
