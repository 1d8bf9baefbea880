package entrypoint

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/chainboot/internal/asm"
	"github.com/roach88/chainboot/internal/patch"
)

// UnitName is the registry name of the entrypoint injector.
const UnitName = "chainboot.entrypoint"

// Injector is the patch unit that installs the chainloader prologue.
type Injector struct {
	spec      Spec
	companion Companion
	logger    *slog.Logger
	resolve   func(Companion) (*Entry, error)
	closed    bool
}

// Option configures an Injector.
type Option func(*Injector)

// WithLogger sets the logger used for progress messages.
func WithLogger(l *slog.Logger) Option {
	return func(inj *Injector) {
		inj.logger = l
	}
}

// WithResolver replaces companion resolution, e.g. to serve an in-memory
// companion in tests.
func WithResolver(fn func(Companion) (*Entry, error)) Option {
	return func(inj *Injector) {
		inj.resolve = fn
	}
}

// New creates an injector for spec that resolves its entry routines from
// companion.
func New(spec Spec, companion Companion, opts ...Option) *Injector {
	inj := &Injector{
		spec:      spec,
		companion: companion.withDefaults(),
		resolve:   Resolve,
	}
	for _, opt := range opts {
		opt(inj)
	}
	if inj.logger == nil {
		inj.logger = slog.New(slog.DiscardHandler)
	}
	return inj
}

// Name implements patch.Unit.
func (inj *Injector) Name() string { return UnitName }

// Targets implements patch.Unit.
func (inj *Injector) Targets() []string {
	return []string{inj.spec.Assembly}
}

// RequiresTargets implements patch.Required. The configured assembly must
// exist in the managed directory.
func (inj *Injector) RequiresTargets() bool { return true }

// Spec returns the injection spec.
func (inj *Injector) Spec() Spec { return inj.spec }

// Patch implements patch.Unit. The companion is opened only after the cheap
// target checks pass.
func (inj *Injector) Patch(a *asm.Assembly) error {
	if inj.closed {
		return errors.New("entrypoint injector used after Close")
	}
	if _, err := checkTarget(a, inj.spec, inj.companion.Marker()); err != nil {
		return err
	}

	entry, err := inj.resolve(inj.companion)
	if err != nil {
		return err
	}

	patched, err := Inject(a, inj.spec, entry)
	if err != nil {
		return err
	}
	inj.logger.Info("entrypoint injected",
		"assembly", a.Name,
		"type", inj.spec.Type,
		"method", methodLabel(inj.spec),
		"methods", patched)
	return nil
}

// Close implements patch.Unit. The injector holds no open handles between
// calls; Close only prevents reuse.
func (inj *Injector) Close() error {
	inj.closed = true
	return nil
}

// Inject prepends the chainloader prologue to every method spec selects and
// returns how many methods were patched. Every precondition is checked
// before the first mutation, so on error a is unchanged.
func Inject(a *asm.Assembly, spec Spec, entry *Entry) (int, error) {
	if entry == nil || entry.Init == nil || entry.Start == nil {
		return 0, patch.NewResolutionError("chainloader entry routines are not resolved", nil)
	}
	t, err := checkTarget(a, spec, entry.Assembly)
	if err != nil {
		return 0, err
	}

	var methods []*asm.MethodDef
	synthesize := false
	if spec.IsStaticInitializer() {
		if cctor := t.StaticInitializer(); cctor != nil {
			methods = append(methods, cctor)
		} else {
			synthesize = true
		}
	} else {
		methods = t.MethodsNamed(spec.Method)
		if len(methods) == 0 {
			return 0, patch.InvalidEntrypointMethod(t.FullName(), spec.Method)
		}
	}

	for _, m := range methods {
		if !m.HasBody() || len(m.Body.Instructions) == 0 {
			return 0, patch.NewStructuralError(a.Name,
				fmt.Sprintf("%s::%s has no instructions to patch", t.FullName(), m.Name), asm.ErrEmptyBody)
		}
	}

	if synthesize {
		cctor := asm.NewStaticInitializer()
		t.AddMethod(cctor)
		methods = append(methods, cctor)
	}

	initRef := a.Import(entry.Init, entry.Version)
	startRef := a.Import(entry.Start, entry.Version)

	for _, m := range methods {
		err := m.Body.Prepend(
			asm.Create(asm.OpLdnull),
			asm.Create(asm.OpLdcI4_0),
			asm.CreateCall(initRef),
			asm.CreateCall(startRef),
		)
		if err != nil {
			// Bodies were checked above; reaching here means the model is corrupt.
			return 0, patch.NewStructuralError(a.Name, fmt.Sprintf("%s::%s", t.FullName(), m.Name), err)
		}
		if m.Body.MaxStack < 2 {
			m.Body.MaxStack = 2
		}
	}
	return len(methods), nil
}

// checkTarget runs the idempotency guard and resolves the entry type.
func checkTarget(a *asm.Assembly, spec Spec, marker string) (*asm.TypeDef, error) {
	if refs := a.ReferencesMatching(marker); len(refs) > 0 {
		return nil, patch.NewAlreadyPatchedError(a.Name, refs[0].Name)
	}
	if spec.Type == "" {
		return nil, patch.NewConfigurationError("the entrypoint type is empty")
	}
	types := a.FindTypes(spec.Type)
	if len(types) != 1 {
		return nil, patch.InvalidEntrypointType(spec.Type, len(types))
	}
	return types[0], nil
}

func methodLabel(spec Spec) string {
	if spec.IsStaticInitializer() {
		return asm.StaticInitializerName
	}
	return spec.Method
}
