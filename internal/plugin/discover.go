package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/token"

	"github.com/roach88/chainboot/internal/patch"
)

// Error codes for discovery failures.
const (
	ErrCodeScanError   = "E002" // Directory scan error
	ErrCodeReadFailed  = "E004" // File could not be read
	ErrCodeBuildFailed = "E006" // CUE build failed
	ErrCodeInvalid     = "E201" // Patcher declaration invalid
)

// LoadError represents a candidate that could not be loaded.
type LoadError struct {
	Code    string
	File    string
	Message string
	Pos     token.Pos // CUE position if available
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	if e.File != "" {
		return fmt.Sprintf("%s: %s: %s", e.File, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Loader discovers declarative patch units. It implements patch.Discoverer.
type Loader struct{}

// Discover implements patch.Discoverer.
func (Loader) Discover(dir string) ([]patch.Unit, []error) {
	decls, errs := LoadDir(dir)
	units := make([]patch.Unit, len(decls))
	for i, d := range decls {
		units[i] = NewUnit(d)
	}
	return units, errs
}

// LoadDir compiles every .cue file directly inside dir. A missing directory
// yields no declarations and no errors.
func LoadDir(dir string) ([]*Decl, []error) {
	files, err := findCUEFiles(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeScanError, Message: fmt.Sprintf("error scanning directory: %v", err)}}
	}

	ctx := cuecontext.New()
	var decls []*Decl
	var errs []error
	for _, path := range files {
		src, err := os.ReadFile(path)
		if err != nil {
			errs = append(errs, &LoadError{Code: ErrCodeReadFailed, File: path, Message: err.Error()})
			continue
		}
		fileDecls, fileErrs := compileFile(ctx, path, src)
		decls = append(decls, fileDecls...)
		errs = append(errs, fileErrs...)
	}

	slices.SortStableFunc(decls, func(a, b *Decl) int {
		switch {
		case a.Order < b.Order:
			return -1
		case a.Order > b.Order:
			return 1
		}
		return 0
	})
	return decls, errs
}

// CompileSource compiles declarations from CUE source held in memory.
func CompileSource(name string, src []byte) ([]*Decl, []error) {
	return compileFile(cuecontext.New(), name, src)
}

func compileFile(ctx *cue.Context, path string, src []byte) ([]*Decl, []error) {
	value := ctx.CompileBytes(src, cue.Filename(path))
	if err := value.Err(); err != nil {
		return nil, []error{toLoadError(path, ErrCodeBuildFailed, formatCUEError(err))}
	}

	patchers := value.LookupPath(cue.ParsePath("patcher"))
	if !patchers.Exists() {
		return nil, nil
	}
	iter, err := patchers.Fields()
	if err != nil {
		return nil, []error{toLoadError(path, ErrCodeInvalid, formatCUEError(err))}
	}

	var decls []*Decl
	var errs []error
	for iter.Next() {
		d, err := CompileDecl(iter.Value())
		if err != nil {
			errs = append(errs, toLoadError(path, ErrCodeInvalid, err))
			continue
		}
		d.Source = path
		decls = append(decls, d)
	}
	return decls, errs
}

func toLoadError(path, code string, err error) *LoadError {
	le := &LoadError{Code: code, File: path, Message: err.Error()}
	if ce, ok := err.(*CompileError); ok {
		le.Message = fmt.Sprintf("%s: %s", ce.Field, ce.Message)
		le.Pos = ce.Pos
	}
	return le
}

// findCUEFiles returns the .cue files directly inside dir, sorted by name.
func findCUEFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), ".cue") {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	slices.Sort(files)
	return files, nil
}
