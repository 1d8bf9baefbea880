package plugin

import (
	"errors"
	"fmt"

	"github.com/roach88/chainboot/internal/asm"
	"github.com/roach88/chainboot/internal/patch"
)

// Unit is a patch.Unit backed by a declaration.
//
// Actions run in order against a copy of the assembly; the copy replaces
// the original only if every action succeeds.
type Unit struct {
	decl   *Decl
	closed bool
}

// NewUnit wraps d as a patch unit.
func NewUnit(d *Decl) *Unit {
	return &Unit{decl: d}
}

// Decl returns the declaration behind u.
func (u *Unit) Decl() *Decl { return u.decl }

// Name implements patch.Unit.
func (u *Unit) Name() string { return u.decl.Name }

// Targets implements patch.Unit.
func (u *Unit) Targets() []string { return u.decl.Targets }

// Close implements patch.Unit.
func (u *Unit) Close() error {
	u.closed = true
	return nil
}

// Patch implements patch.Unit.
func (u *Unit) Patch(a *asm.Assembly) error {
	if u.closed {
		return fmt.Errorf("patcher %s used after Close", u.decl.Name)
	}
	work, err := asm.Clone(a)
	if err != nil {
		return patch.NewStructuralError(a.Name, "cannot copy assembly", err)
	}
	for i, action := range u.decl.Actions {
		if err := apply(work, action); err != nil {
			var pe *patch.Error
			if !errors.As(err, &pe) {
				pe = patch.NewStructuralError(a.Name, "edit rejected", err)
			}
			pe.Unit = u.decl.Name
			pe.Message = fmt.Sprintf("action %d (%s): %s", i, action.Kind, pe.Message)
			return pe
		}
	}
	*a = *work
	return nil
}

func apply(a *asm.Assembly, action Action) error {
	switch action.Kind {
	case ActionAddReference:
		a.AddReference(asm.AssemblyRef{Name: action.Assembly, Version: action.Version})
		return nil
	case ActionPrependCall:
		return prependCall(a, action)
	case ActionRenameMethod:
		return renameMethod(a, action)
	}
	return patch.NewConfigurationError(fmt.Sprintf("unknown action %q", action.Kind))
}

func findType(a *asm.Assembly, name string) (*asm.TypeDef, error) {
	types := a.FindTypes(name)
	if len(types) != 1 {
		return nil, patch.NewConfigurationError(
			fmt.Sprintf("type %q matched %d types, expected exactly 1", name, len(types)))
	}
	return types[0], nil
}

func prependCall(a *asm.Assembly, action Action) error {
	t, err := findType(a, action.Type)
	if err != nil {
		return err
	}

	var methods []*asm.MethodDef
	if action.Method == "" || action.Method == asm.StaticInitializerName {
		cctor := t.StaticInitializer()
		if cctor == nil {
			cctor = asm.NewStaticInitializer()
			t.AddMethod(cctor)
		}
		methods = append(methods, cctor)
	} else {
		methods = t.MethodsNamed(action.Method)
		if len(methods) == 0 {
			return patch.NewConfigurationError(fmt.Sprintf("no method %q on %s", action.Method, t.FullName()))
		}
	}

	ref := a.Import(action.Call, action.Version)
	for _, m := range methods {
		if !m.HasBody() || len(m.Body.Instructions) == 0 {
			return patch.NewStructuralError(a.Name,
				fmt.Sprintf("%s::%s has no instructions to patch", t.FullName(), m.Name), asm.ErrEmptyBody)
		}
		ins := []*asm.Instruction{asm.CreateCall(ref)}
		if ref.Return != "" && ref.Return != asm.VoidType {
			ins = append(ins, asm.Create(asm.OpPop))
		}
		if err := m.Body.Prepend(ins...); err != nil {
			return patch.NewStructuralError(a.Name, fmt.Sprintf("%s::%s", t.FullName(), m.Name), err)
		}
		if m.Body.MaxStack < 1 {
			m.Body.MaxStack = 1
		}
	}
	return nil
}

func renameMethod(a *asm.Assembly, action Action) error {
	t, err := findType(a, action.Type)
	if err != nil {
		return err
	}
	methods := t.MethodsNamed(action.From)
	if len(methods) == 0 {
		return patch.NewConfigurationError(fmt.Sprintf("no method %q on %s", action.From, t.FullName()))
	}
	if len(t.MethodsNamed(action.To)) > 0 {
		return patch.NewConfigurationError(fmt.Sprintf("%s already declares %q", t.FullName(), action.To))
	}
	if action.From == asm.StaticInitializerName || action.To == asm.StaticInitializerName {
		return patch.NewConfigurationError("static initializers cannot be renamed")
	}
	for _, m := range methods {
		m.Name = action.To
	}
	return nil
}
