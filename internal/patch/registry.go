package patch

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
)

// Discoverer loads patch units from a directory. Failures to load an
// individual candidate are returned alongside the units that did load.
type Discoverer interface {
	Discover(dir string) ([]Unit, []error)
}

// Registry is an ordered list of patch units.
//
// INVARIANTS:
//   - Units() order is registration order and never changes
//   - Unit names are unique
//   - CloseAll closes each unit at most once
type Registry struct {
	units  []Unit
	names  map[string]bool
	closed bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{names: make(map[string]bool)}
}

// Register appends u. Registering a second unit with the same name fails.
func (r *Registry) Register(u Unit) error {
	if u == nil {
		return errors.New("register: nil unit")
	}
	name := u.Name()
	if name == "" {
		return errors.New("register: unit has no name")
	}
	if r.names[name] {
		return fmt.Errorf("register: duplicate unit name %q", name)
	}
	if r.closed {
		return fmt.Errorf("register %q: registry already closed", name)
	}
	r.names[name] = true
	r.units = append(r.units, u)
	return nil
}

// Units returns a copy of the registered units in order.
func (r *Registry) Units() []Unit {
	out := make([]Unit, len(r.units))
	copy(out, r.units)
	return out
}

// Len returns the number of registered units.
func (r *Registry) Len() int {
	return len(r.units)
}

// UnitsFor returns, in registration order, every unit whose targets include
// binary. Comparison uses the base file name and ignores case, matching how
// the host file system names managed binaries.
func (r *Registry) UnitsFor(binary string) []Unit {
	base := filepath.Base(binary)
	var out []Unit
	for _, u := range r.units {
		for _, target := range u.Targets() {
			if strings.EqualFold(filepath.Base(target), base) {
				out = append(out, u)
				break
			}
		}
	}
	return out
}

// Discover registers every unit d finds in dir and returns how many were
// registered. Candidates that fail to load, or whose names collide with an
// existing unit, are returned as errors; they do not stop the rest.
// A unit that cannot be registered is closed before its error is recorded.
func (r *Registry) Discover(dir string, d Discoverer) (int, []error) {
	units, errs := d.Discover(dir)
	count := 0
	for _, u := range units {
		if err := r.Register(u); err != nil {
			if u != nil {
				if cerr := u.Close(); cerr != nil {
					err = errors.Join(err, fmt.Errorf("close %q: %w", u.Name(), cerr))
				}
			}
			errs = append(errs, fmt.Errorf("%s: %w", dir, err))
			continue
		}
		count++
	}
	return count, errs
}

// CloseAll tears down every registered unit exactly once. Teardown failures
// are logged, never returned. Later calls are no-ops.
func (r *Registry) CloseAll(logger *slog.Logger) {
	if r.closed {
		return
	}
	r.closed = true
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	for _, u := range r.units {
		if err := u.Close(); err != nil {
			logger.Warn("patch unit teardown failed", "unit", u.Name(), "error", err)
			continue
		}
		logger.Debug("patch unit disposed", "unit", u.Name())
	}
}

// Closed reports whether CloseAll has run.
func (r *Registry) Closed() bool {
	return r.closed
}
