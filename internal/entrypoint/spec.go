package entrypoint

import (
	"strings"

	"github.com/roach88/chainboot/internal/asm"
)

// Defaults used when configuration leaves a value empty.
const (
	DefaultAssembly          = "UnityEngine.CoreModule.dll"
	DefaultType              = "Application"
	DefaultMethod            = asm.StaticInitializerName
	DefaultCompanionAssembly = "Chainloader.dll"
	DefaultCompanionType     = "Chainloader"
	DefaultInit              = "Init"
	DefaultStart             = "Start"
)

// Spec selects the method that receives the chainloader prologue.
type Spec struct {
	// Assembly is the file name of the binary that contains the entry type.
	Assembly string

	// Type is the entry type's full or simple name. It must match exactly
	// one type in the binary.
	Type string

	// Method is the entry method name. Empty or ".cctor" selects the static
	// initializer, which is synthesized if the type has none.
	Method string
}

// IsStaticInitializer reports whether the spec targets the static
// initializer rather than a named method.
func (s Spec) IsStaticInitializer() bool {
	m := strings.TrimSpace(s.Method)
	return m == "" || m == asm.StaticInitializerName
}

// Companion locates the chainloader binary and its two entry routines.
type Companion struct {
	// Path is the companion binary on disk.
	Path string

	// Type declares Init and Start.
	Type string

	// Init is a static routine taking (string, bool).
	Init string

	// Start is a static routine taking no arguments.
	Start string
}

// Marker is the name whose presence among a target's references means the
// target was already injected.
func (c Companion) Marker() string {
	return asm.AssemblyName(c.Path)
}

func (c Companion) withDefaults() Companion {
	if c.Type == "" {
		c.Type = DefaultCompanionType
	}
	if c.Init == "" {
		c.Init = DefaultInit
	}
	if c.Start == "" {
		c.Start = DefaultStart
	}
	return c
}
