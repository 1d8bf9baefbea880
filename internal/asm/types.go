package asm

import (
	"path/filepath"
	"strings"
)

// StaticInitializerName is the reserved name of a type's static initializer.
const StaticInitializerName = ".cctor"

// VoidType is the return type name of methods that return nothing.
const VoidType = "void"

// TypeAttributes is a bit set of type flags.
type TypeAttributes uint32

const (
	TypePublic TypeAttributes = 1 << iota
	TypeAbstract
	TypeSealed
	TypeInterface
	TypeBeforeFieldInit
)

// MethodAttributes is a bit set of method flags.
type MethodAttributes uint32

const (
	MethodPublic MethodAttributes = 1 << iota
	MethodPrivate
	MethodStatic
	MethodVirtual
	MethodAbstract
	MethodHideBySig
	MethodSpecialName
	MethodRTSpecialName
	MethodExtern
)

// FieldAttributes is a bit set of field flags.
type FieldAttributes uint32

const (
	FieldPublic FieldAttributes = 1 << iota
	FieldPrivate
	FieldStatic
	FieldInitOnly
)

// Assembly is the in-memory model of one managed binary.
type Assembly struct {
	Name       string
	Version    string
	References []AssemblyRef
	Types      []*TypeDef
}

// AssemblyRef names another assembly this one depends on.
type AssemblyRef struct {
	Name    string `cbor:"name" json:"name"`
	Version string `cbor:"version,omitempty" json:"version,omitempty"`
}

// TypeDef is a type defined in an assembly.
type TypeDef struct {
	Namespace  string
	Name       string
	Attributes TypeAttributes
	Fields     []*FieldDef
	Methods    []*MethodDef
}

// FieldDef is a field defined on a type.
type FieldDef struct {
	Name       string          `cbor:"name"`
	Type       string          `cbor:"type"`
	Attributes FieldAttributes `cbor:"attrs,omitempty"`
}

// Param is one method parameter.
type Param struct {
	Name string `cbor:"name,omitempty"`
	Type string `cbor:"type"`
}

// MethodDef is a method defined on a type. Body is nil for abstract and
// extern methods.
type MethodDef struct {
	Name       string
	Attributes MethodAttributes
	ReturnType string
	Params     []Param
	Body       *MethodBody
}

// MethodBody holds a method's instruction stream and exception handlers.
type MethodBody struct {
	MaxStack     int
	Locals       []string
	Instructions []*Instruction
	Handlers     []*ExceptionHandler
}

// HandlerKind distinguishes exception handler clauses.
type HandlerKind uint8

const (
	HandlerCatch HandlerKind = iota
	HandlerFinally
	HandlerFault
)

// ExceptionHandler is a protected region and its handler. Bounds are
// pointers into the owning body; an end of nil means end of body.
type ExceptionHandler struct {
	Kind         HandlerKind
	CatchType    string
	TryStart     *Instruction
	TryEnd       *Instruction
	HandlerStart *Instruction
	HandlerEnd   *Instruction
}

// Instruction is one IL instruction. Which operand field is meaningful is
// determined by Op.Operand().
type Instruction struct {
	Op     OpCode
	Int    int64
	Str    string
	Method *MethodRef
	Field  *FieldRef
	Target *Instruction
}

// MethodRef identifies a method, possibly in another assembly. Scope is the
// defining assembly's name; empty means the current assembly.
type MethodRef struct {
	Scope   string   `cbor:"scope,omitempty"`
	Type    string   `cbor:"type"`
	Name    string   `cbor:"name"`
	Params  []string `cbor:"params,omitempty"`
	Return  string   `cbor:"return,omitempty"`
	HasThis bool     `cbor:"this,omitempty"`
}

// FieldRef identifies a field, possibly in another assembly.
type FieldRef struct {
	Scope string `cbor:"scope,omitempty"`
	Type  string `cbor:"type"`
	Name  string `cbor:"name"`
	Kind  string `cbor:"kind,omitempty"`
}

// FullName returns the namespace-qualified type name.
func (t *TypeDef) FullName() string {
	if t.Namespace == "" {
		return t.Name
	}
	return t.Namespace + "." + t.Name
}

// MethodsNamed returns every method whose name equals name, in declaration
// order. Signatures are not considered.
func (t *TypeDef) MethodsNamed(name string) []*MethodDef {
	var out []*MethodDef
	for _, m := range t.Methods {
		if m.Name == name {
			out = append(out, m)
		}
	}
	return out
}

// StaticInitializer returns the type's static initializer, or nil.
func (t *TypeDef) StaticInitializer() *MethodDef {
	for _, m := range t.Methods {
		if m.IsStaticInitializer() {
			return m
		}
	}
	return nil
}

// AddMethod appends m to the type.
func (t *TypeDef) AddMethod(m *MethodDef) {
	t.Methods = append(t.Methods, m)
}

// IsStatic reports whether the method has no instance receiver.
func (m *MethodDef) IsStatic() bool {
	return m.Attributes&MethodStatic != 0
}

// IsStaticInitializer reports whether m is a compiler-reserved static
// initializer: named .cctor, static, runtime-special and parameterless.
func (m *MethodDef) IsStaticInitializer() bool {
	const special = MethodStatic | MethodSpecialName | MethodRTSpecialName
	return m.Name == StaticInitializerName &&
		m.Attributes&special == special &&
		len(m.Params) == 0
}

// HasBody reports whether the method carries an instruction stream.
func (m *MethodDef) HasBody() bool {
	return m.Body != nil
}

// ParamTypes returns the parameter type names in order.
func (m *MethodDef) ParamTypes() []string {
	out := make([]string, len(m.Params))
	for i, p := range m.Params {
		out[i] = p.Type
	}
	return out
}

// NewStaticInitializer builds an empty static initializer whose body is a
// single ret.
func NewStaticInitializer() *MethodDef {
	return &MethodDef{
		Name: StaticInitializerName,
		Attributes: MethodStatic | MethodPrivate | MethodHideBySig |
			MethodSpecialName | MethodRTSpecialName,
		ReturnType: VoidType,
		Body: &MethodBody{
			Instructions: []*Instruction{{Op: OpRet}},
		},
	}
}

// FindTypes returns every type whose full name or simple name equals name.
func (a *Assembly) FindTypes(name string) []*TypeDef {
	var out []*TypeDef
	for _, t := range a.Types {
		if t.FullName() == name || t.Name == name {
			out = append(out, t)
		}
	}
	return out
}

// Type returns the type with the given full name, or nil.
func (a *Assembly) Type(fullName string) *TypeDef {
	for _, t := range a.Types {
		if t.FullName() == fullName {
			return t
		}
	}
	return nil
}

// AssemblyName strips the directory and binary extension from a file name.
func AssemblyName(file string) string {
	base := filepath.Base(file)
	ext := filepath.Ext(base)
	switch strings.ToLower(ext) {
	case ".dll", ".exe":
		return strings.TrimSuffix(base, ext)
	}
	return base
}
