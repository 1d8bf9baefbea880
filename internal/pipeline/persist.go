package pipeline

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/roach88/chainboot/internal/asm"
)

// Persister writes a patched assembly. path is where the binary was loaded
// from.
type Persister interface {
	Persist(path string, a *asm.Assembly) error
}

// PersisterFunc adapts a function to Persister.
type PersisterFunc func(path string, a *asm.Assembly) error

// Persist implements Persister.
func (f PersisterFunc) Persist(path string, a *asm.Assembly) error {
	return f(path, a)
}

// LiveLoader hands a patched assembly straight to the running host instead
// of writing it back, for the binary that contains the live entrypoint.
type LiveLoader func(a *asm.Assembly) error

// FilePersister replaces binaries on disk. With OutputDir set, patched
// binaries are written there under their original file name and the
// originals are left untouched.
type FilePersister struct {
	OutputDir string
}

// Persist implements Persister.
func (p FilePersister) Persist(path string, a *asm.Assembly) error {
	dest := path
	if p.OutputDir != "" {
		if err := os.MkdirAll(p.OutputDir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
		dest = filepath.Join(p.OutputDir, filepath.Base(path))
	}
	return asm.SaveFile(dest, a)
}

// DryRun discards patched assemblies. Useful to validate configuration
// without touching the managed directory.
type DryRun struct{}

// Persist implements Persister.
func (DryRun) Persist(string, *asm.Assembly) error {
	return nil
}
