package diag

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var crashTime = time.Date(2026, 3, 4, 5, 6, 7, 89_000_000, time.UTC)

func TestTimestampedName(t *testing.T) {
	assert.Equal(t, "preloader_20260304_050607_089.log", TimestampedName(crashTime))
}

func TestWriteCrash(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	cause := errors.New("no static Start()")
	err := fmt.Errorf("patch unit failed: %w", cause)

	paths, werr := WriteCrash(dir, err, "level=ERROR msg=boom\n", crashTime)
	require.NoError(t, werr)
	require.Equal(t, []string{
		filepath.Join(dir, FatalFileName),
		filepath.Join(dir, "preloader_20260304_050607_089.log"),
	}, paths)

	for _, p := range paths {
		data, rerr := os.ReadFile(p)
		require.NoError(t, rerr)
		assert.Equal(t, `Unhandled exception during patching
Time: 2026-03-04T05:06:07.089Z
Error: patch unit failed: no static Start()
Caused by: no static Start()

level=ERROR msg=boom
`, string(data))
	}
}

func TestWriteCrash_OverwritesFatalLog(t *testing.T) {
	dir := t.TempDir()
	_, err := WriteCrash(dir, errors.New("first"), "", crashTime)
	require.NoError(t, err)
	_, err = WriteCrash(dir, errors.New("second"), "", crashTime.Add(time.Second))
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, FatalFileName))
	require.NoError(t, err)
	assert.Contains(t, string(data), "Error: second")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 3, "one fatal log plus one timestamped log per crash")
}
