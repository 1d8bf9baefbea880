package patch

import "github.com/roach88/chainboot/internal/asm"

// Unit is one named transformation bound to the binaries it targets.
//
// Patch is invoked at most once per matching binary per pipeline run and
// must not retain a past the call. Close is invoked exactly once when the
// run ends, whether or not patching succeeded.
type Unit interface {
	// Name identifies the unit. Names are unique within a Registry.
	Name() string

	// Targets lists the binary file names (e.g. "Assembly-CSharp.dll") the
	// unit wants to patch. Matching is by name only, so the pipeline can skip
	// binaries without loading them.
	Targets() []string

	// Patch mutates the loaded assembly in place.
	Patch(a *asm.Assembly) error

	// Close releases resources the unit holds.
	Close() error
}

// Required is implemented by units whose targets must all be present in
// the managed directory. A run that cannot find one of them fails with a
// configuration error instead of skipping the unit.
type Required interface {
	RequiresTargets() bool
}

// IsRequired reports whether u declares its targets mandatory.
func IsRequired(u Unit) bool {
	r, ok := u.(Required)
	return ok && r.RequiresTargets()
}

// Func adapts plain functions to the Unit interface.
type Func struct {
	UnitName  string
	TargetsFn func() []string
	PatchFn   func(a *asm.Assembly) error
	CloseFn   func() error

	// Mandatory makes the unit Required.
	Mandatory bool
}

// Name implements Unit.
func (f *Func) Name() string { return f.UnitName }

// Targets implements Unit.
func (f *Func) Targets() []string {
	if f.TargetsFn == nil {
		return nil
	}
	return f.TargetsFn()
}

// RequiresTargets implements Required.
func (f *Func) RequiresTargets() bool { return f.Mandatory }

// Patch implements Unit.
func (f *Func) Patch(a *asm.Assembly) error {
	if f.PatchFn == nil {
		return nil
	}
	return f.PatchFn(a)
}

// Close implements Unit.
func (f *Func) Close() error {
	if f.CloseFn == nil {
		return nil
	}
	return f.CloseFn()
}

// Static returns a TargetsFn that always yields names.
func Static(names ...string) func() []string {
	return func() []string { return names }
}
