package testutil

import (
	"path/filepath"
	"testing"

	"github.com/roach88/chainboot/internal/asm"
)

// AssemblyBuilder assembles fixture binaries for tests.
//
//	a := testutil.NewAssembly("UnityEngine.CoreModule").
//	    Type("UnityEngine", "Application").
//	    StaticMethod("Quit", "ret").
//	    Build(t)
type AssemblyBuilder struct {
	a    *asm.Assembly
	cur  *asm.TypeDef
	errs []error
}

// NewAssembly starts a fixture with the given assembly name.
func NewAssembly(name string) *AssemblyBuilder {
	return &AssemblyBuilder{a: &asm.Assembly{Name: name, Version: "1.0.0.0"}}
}

// Reference adds an assembly reference.
func (b *AssemblyBuilder) Reference(name string) *AssemblyBuilder {
	b.a.AddReference(asm.AssemblyRef{Name: name})
	return b
}

// Type starts a new type; later method calls add to it.
func (b *AssemblyBuilder) Type(namespace, name string) *AssemblyBuilder {
	b.cur = &asm.TypeDef{Namespace: namespace, Name: name, Attributes: asm.TypePublic}
	b.a.Types = append(b.a.Types, b.cur)
	return b
}

// StaticField adds a static field to the current type.
func (b *AssemblyBuilder) StaticField(name, typ string) *AssemblyBuilder {
	b.cur.Fields = append(b.cur.Fields, &asm.FieldDef{
		Name:       name,
		Type:       typ,
		Attributes: asm.FieldPrivate | asm.FieldStatic,
	})
	return b
}

// StaticMethod adds a public static void method with no parameters.
func (b *AssemblyBuilder) StaticMethod(name string, body ...string) *AssemblyBuilder {
	return b.Method(name, asm.MethodPublic|asm.MethodStatic|asm.MethodHideBySig, asm.VoidType, nil, body...)
}

// InstanceMethod adds a public instance method.
func (b *AssemblyBuilder) InstanceMethod(name string, params []string, body ...string) *AssemblyBuilder {
	return b.Method(name, asm.MethodPublic|asm.MethodHideBySig, asm.VoidType, params, body...)
}

// StaticInitializer adds a .cctor with the given body.
func (b *AssemblyBuilder) StaticInitializer(body ...string) *AssemblyBuilder {
	m := asm.NewStaticInitializer()
	m.Body = b.body(body)
	b.cur.AddMethod(m)
	return b
}

// Method adds a method with explicit attributes, return type and parameter
// types. Body lines use the asm.ParseBody syntax; no lines means no body.
func (b *AssemblyBuilder) Method(name string, attrs asm.MethodAttributes, ret string, params []string, body ...string) *AssemblyBuilder {
	m := &asm.MethodDef{Name: name, Attributes: attrs, ReturnType: ret}
	for _, p := range params {
		m.Params = append(m.Params, asm.Param{Type: p})
	}
	if len(body) > 0 {
		m.Body = b.body(body)
	}
	b.cur.AddMethod(m)
	return b
}

func (b *AssemblyBuilder) body(lines []string) *asm.MethodBody {
	body, err := asm.ParseBody(lines)
	if err != nil {
		b.errs = append(b.errs, err)
		return &asm.MethodBody{}
	}
	return body
}

// Build returns the assembly, failing t on any fixture error.
func (b *AssemblyBuilder) Build(t testing.TB) *asm.Assembly {
	t.Helper()
	for _, err := range b.errs {
		t.Fatalf("fixture %s: %v", b.a.Name, err)
	}
	return b.a
}

// WriteTo builds the assembly and saves it as dir/<name>.dll, returning the
// path.
func (b *AssemblyBuilder) WriteTo(t testing.TB, dir string) string {
	t.Helper()
	a := b.Build(t)
	path := filepath.Join(dir, a.Name+".dll")
	if err := asm.SaveFile(path, a); err != nil {
		t.Fatalf("save fixture %s: %v", path, err)
	}
	return path
}

// Companion returns a chainloader fixture exposing static Init(string,bool)
// and Start() on type name.
func Companion(assembly, namespace, name string) *AssemblyBuilder {
	return NewAssembly(assembly).
		Type(namespace, name).
		Method("Init", asm.MethodPublic|asm.MethodStatic|asm.MethodHideBySig, asm.VoidType, []string{"string", "bool"}, "ret").
		Method("Start", asm.MethodPublic|asm.MethodStatic|asm.MethodHideBySig, asm.VoidType, nil, "ret")
}

// Instructions returns the mnemonic-and-operand text of each instruction in
// m's body, labelling branches by index.
func Instructions(m *asm.MethodDef) []string {
	out := make([]string, len(m.Body.Instructions))
	for i, ins := range m.Body.Instructions {
		out[i] = asm.FormatInstruction(m.Body, ins)
	}
	return out
}
