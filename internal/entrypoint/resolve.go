package entrypoint

import (
	"fmt"
	"os"
	"slices"

	"github.com/roach88/chainboot/internal/asm"
	"github.com/roach88/chainboot/internal/patch"
)

// initParams is the signature Init must have: a nullable game path and a
// start-console flag.
var initParams = []string{"string", "bool"}

// Entry holds the two resolved companion routines.
type Entry struct {
	// Assembly is the companion's assembly name; it doubles as the
	// already-patched marker.
	Assembly string

	// Version is the companion's version, copied into the target's
	// reference table.
	Version string

	Init  *asm.MethodRef
	Start *asm.MethodRef
}

// Resolve opens the companion binary, resolves Init and Start, and releases
// the binary before returning, whether or not resolution succeeded.
func Resolve(c Companion) (*Entry, error) {
	c = c.withDefaults()
	if c.Path == "" {
		return nil, patch.NewConfigurationError("chainloader assembly path is empty")
	}

	f, err := os.Open(c.Path)
	if err != nil {
		return nil, patch.NewResolutionError(fmt.Sprintf("cannot open chainloader assembly %s", c.Path), err)
	}
	defer f.Close()

	companion, err := asm.Load(f)
	if err != nil {
		return nil, patch.NewResolutionError(fmt.Sprintf("cannot load chainloader assembly %s", c.Path), err)
	}
	return ResolveIn(companion, c)
}

// ResolveIn resolves the entry routines from an already loaded companion.
func ResolveIn(companion *asm.Assembly, c Companion) (*Entry, error) {
	c = c.withDefaults()

	types := companion.FindTypes(c.Type)
	if len(types) != 1 {
		return nil, patch.NewResolutionError(
			fmt.Sprintf("chainloader type %q matched %d types in %s, expected exactly 1", c.Type, len(types), companion.Name), nil)
	}
	t := types[0]

	initDef := findStatic(t, c.Init, initParams)
	if initDef == nil {
		return nil, patch.NewResolutionError(
			fmt.Sprintf("%s has no static %s(string, bool)", t.FullName(), c.Init), nil)
	}
	startDef := findStatic(t, c.Start, nil)
	if startDef == nil {
		return nil, patch.NewResolutionError(
			fmt.Sprintf("%s has no static %s()", t.FullName(), c.Start), nil)
	}

	return &Entry{
		Assembly: companion.Name,
		Version:  companion.Version,
		Init:     companion.RefTo(t, initDef),
		Start:    companion.RefTo(t, startDef),
	}, nil
}

func findStatic(t *asm.TypeDef, name string, params []string) *asm.MethodDef {
	for _, m := range t.MethodsNamed(name) {
		if m.IsStatic() && slices.Equal(m.ParamTypes(), params) {
			return m
		}
	}
	return nil
}
