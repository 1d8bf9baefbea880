package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const quitScenario = `
name: quit
description: "Inject into the default entrypoint"
assemblies:
  - file: UnityEngine.CoreModule.dll
    types:
      - namespace: UnityEngine
        name: Application
        methods:
          - name: Quit
            static: true
            body: [ret]
expect:
  patched: [UnityEngine.CoreModule.dll]
`

const wrongExpectScenario = `
name: wrong
description: "Expects a failure that never happens"
assemblies:
  - file: UnityEngine.CoreModule.dll
    types:
      - namespace: UnityEngine
        name: Application
        methods:
          - name: Quit
            static: true
            body: [ret]
expect:
  error_code: RESOLUTION
`

// scenarioDir writes files into testdata/scenarios under a temp root and
// returns the scenarios directory.
func scenarioDir(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "testdata", "scenarios")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	return dir
}

func TestTestCommandMissingArgs(t *testing.T) {
	_, err := execute(t, NewTestCommand, "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg")
}

func TestTestCommandNonExistentScenariosDir(t *testing.T) {
	_, err := execute(t, NewTestCommand, "text", "/nonexistent/scenarios")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "scenarios directory not found")
}

func TestTestCommandEmptyScenariosDir(t *testing.T) {
	dir := scenarioDir(t, nil)

	out, err := execute(t, NewTestCommand, "text", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found")
}

func TestTestCommandEmptyScenariosDirJSON(t *testing.T) {
	dir := scenarioDir(t, nil)

	out, err := execute(t, NewTestCommand, "json", dir)
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestTestCommandPassingScenario(t *testing.T) {
	dir := scenarioDir(t, map[string]string{"quit.yaml": quitScenario})

	out, err := execute(t, NewTestCommand, "text", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ quit")
	assert.Contains(t, out, "1 passed, 0 failed, 1 total")
	assert.Contains(t, out, "All scenarios passed")
}

func TestTestCommandFailingScenario(t *testing.T) {
	dir := scenarioDir(t, map[string]string{
		"quit.yaml":  quitScenario,
		"wrong.yaml": wrongExpectScenario,
	})

	out, err := execute(t, NewTestCommand, "text", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✓ quit")
	assert.Contains(t, out, "✗ wrong")
	assert.Contains(t, out, "RESOLUTION")
	assert.Contains(t, out, "1 passed, 1 failed, 2 total")
}

func TestTestCommandFilter(t *testing.T) {
	dir := scenarioDir(t, map[string]string{
		"quit.yaml":  quitScenario,
		"wrong.yaml": wrongExpectScenario,
	})

	out, err := execute(t, NewTestCommand, "text", dir, "--filter", "qu*")
	require.NoError(t, err)
	assert.Contains(t, out, "1 passed, 0 failed, 1 total")
	assert.NotContains(t, out, "wrong")
}

func TestTestCommandInvalidFilter(t *testing.T) {
	dir := scenarioDir(t, map[string]string{"quit.yaml": quitScenario})

	_, err := execute(t, NewTestCommand, "text", dir, "--filter", "[")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid filter pattern")
}

func TestTestCommandLoadError(t *testing.T) {
	dir := scenarioDir(t, map[string]string{"bad.yaml": "name: bad\n"})

	out, err := execute(t, NewTestCommand, "text", dir)
	require.Error(t, err)
	assert.Contains(t, out, "✗ bad.yaml")
	assert.Contains(t, out, "failed to load scenario")
}

func TestTestCommandGoldenRoundTrip(t *testing.T) {
	dir := scenarioDir(t, map[string]string{"quit.yaml": quitScenario})
	golden := filepath.Join(filepath.Dir(dir), "golden", "quit.golden")

	out, err := execute(t, NewTestCommand, "text", dir, "--update")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ quit (golden updated)")

	data, err := os.ReadFile(golden)
	require.NoError(t, err)
	assert.Contains(t, string(data), "# scenario: quit\n# run 1: ok\n")
	assert.Contains(t, string(data), "## UnityEngine.CoreModule.dll\n")

	_, err = execute(t, NewTestCommand, "text", dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(golden, []byte("# scenario: quit\n"), 0o644))
	out, err = execute(t, NewTestCommand, "text", dir)
	require.Error(t, err)
	assert.Contains(t, out, "does not match golden file")
}

func TestTestCommandJSONFailure(t *testing.T) {
	dir := scenarioDir(t, map[string]string{"wrong.yaml": wrongExpectScenario})

	out, err := execute(t, NewTestCommand, "json", dir)
	require.Error(t, err)

	var resp struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
		Error  *CLIError  `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeTestFailed, resp.Error.Code)
	assert.Equal(t, 1, resp.Data.Failed)
	require.Len(t, resp.Data.Scenarios, 1)
	assert.Equal(t, "wrong", resp.Data.Scenarios[0].Name)
	assert.Equal(t, "ok", resp.Data.Scenarios[0].Status)
}

func TestGoldenDirFor(t *testing.T) {
	assert.Equal(t, filepath.Join("testdata", "golden"), goldenDirFor(filepath.Join("testdata", "scenarios")))
	assert.Equal(t, filepath.Join("testdata", "golden"), goldenDirFor(filepath.Join("testdata", "scenarios")+string(filepath.Separator)))
}
