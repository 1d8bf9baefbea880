package asm

import (
	"slices"
	"strings"
)

// String renders the reference as [Scope]Type::Name(params) ret, prefixed
// with "instance" when the method has a receiver.
func (r *MethodRef) String() string {
	if r == nil {
		return "<nil>"
	}
	var sb strings.Builder
	if r.HasThis {
		sb.WriteString("instance ")
	}
	if r.Scope != "" {
		sb.WriteString("[" + r.Scope + "]")
	}
	sb.WriteString(r.Type)
	sb.WriteString("::")
	sb.WriteString(r.Name)
	sb.WriteString("(" + strings.Join(r.Params, ",") + ")")
	sb.WriteString(" " + r.returnType())
	return sb.String()
}

// Equal compares two method references by value.
func (r *MethodRef) Equal(other *MethodRef) bool {
	if r == nil || other == nil {
		return r == other
	}
	return r.Scope == other.Scope &&
		r.Type == other.Type &&
		r.Name == other.Name &&
		r.returnType() == other.returnType() &&
		r.HasThis == other.HasThis &&
		slices.Equal(r.Params, other.Params)
}

func (r *MethodRef) returnType() string {
	if r.Return == "" {
		return VoidType
	}
	return r.Return
}

// String renders the reference as [Scope]Type::Name.
func (r *FieldRef) String() string {
	if r == nil {
		return "<nil>"
	}
	s := r.Type + "::" + r.Name
	if r.Scope != "" {
		s = "[" + r.Scope + "]" + s
	}
	return s
}

// Equal compares two field references by value.
func (r *FieldRef) Equal(other *FieldRef) bool {
	if r == nil || other == nil {
		return r == other
	}
	return *r == *other
}

// RefTo builds a reference to a method defined on t in this assembly, as
// seen from another assembly.
func (a *Assembly) RefTo(t *TypeDef, m *MethodDef) *MethodRef {
	ret := m.ReturnType
	if ret == "" {
		ret = VoidType
	}
	return &MethodRef{
		Scope:   a.Name,
		Type:    t.FullName(),
		Name:    m.Name,
		Params:  m.ParamTypes(),
		Return:  ret,
		HasThis: !m.IsStatic(),
	}
}

// HasReference reports whether the assembly references name exactly.
func (a *Assembly) HasReference(name string) bool {
	for _, ref := range a.References {
		if ref.Name == name {
			return true
		}
	}
	return false
}

// ReferencesMatching returns every assembly reference whose name contains
// substr.
func (a *Assembly) ReferencesMatching(substr string) []AssemblyRef {
	if substr == "" {
		return nil
	}
	var out []AssemblyRef
	for _, ref := range a.References {
		if strings.Contains(ref.Name, substr) {
			out = append(out, ref)
		}
	}
	return out
}

// AddReference records a dependency on another assembly. Adding an
// existing name is a no-op.
func (a *Assembly) AddReference(ref AssemblyRef) {
	if ref.Name == "" || ref.Name == a.Name || a.HasReference(ref.Name) {
		return
	}
	a.References = append(a.References, ref)
}

// Import makes ref usable from this assembly. The returned reference is a
// copy owned by a, and ref's scope is added to the reference table.
func (a *Assembly) Import(ref *MethodRef, version string) *MethodRef {
	out := *ref
	out.Params = slices.Clone(ref.Params)
	if out.Scope == a.Name {
		out.Scope = ""
	}
	if out.Scope != "" {
		a.AddReference(AssemblyRef{Name: out.Scope, Version: version})
	}
	return &out
}

// ResolveMethod finds the definition ref points at inside a. Only refs whose
// scope is empty or a's own name resolve.
func (a *Assembly) ResolveMethod(ref *MethodRef) (*TypeDef, *MethodDef, bool) {
	if ref.Scope != "" && ref.Scope != a.Name {
		return nil, nil, false
	}
	t := a.Type(ref.Type)
	if t == nil {
		return nil, nil, false
	}
	for _, m := range t.MethodsNamed(ref.Name) {
		if slices.Equal(m.ParamTypes(), ref.Params) {
			return t, m, true
		}
	}
	return nil, nil, false
}
