package entrypoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/chainboot/internal/asm"
	"github.com/roach88/chainboot/internal/patch"
	"github.com/roach88/chainboot/internal/testutil"
)

const (
	callInit  = "call [Chainloader]Chainloader::Init(string,bool) void"
	callStart = "call [Chainloader]Chainloader::Start() void"
)

var prologue = []string{"ldnull", "ldc.i4.0", callInit, callStart}

func entry(t *testing.T) *Entry {
	t.Helper()
	e, err := ResolveIn(testutil.Companion("Chainloader", "", "Chainloader").Build(t), Companion{})
	require.NoError(t, err)
	return e
}

func defaultSpec() Spec {
	return Spec{Assembly: DefaultAssembly, Type: DefaultType, Method: DefaultMethod}
}

func withPrologue(rest ...string) []string {
	return append(append([]string{}, prologue...), rest...)
}

func TestInject_SynthesizesStaticInitializer(t *testing.T) {
	a := testutil.NewAssembly("UnityEngine.CoreModule").
		Type("UnityEngine", "Application").
		StaticMethod("Quit", "ret").
		Build(t)

	n, err := Inject(a, defaultSpec(), entry(t))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	cctor := a.Types[0].StaticInitializer()
	require.NotNil(t, cctor)
	assert.Equal(t, withPrologue("ret"), testutil.Instructions(cctor))
	assert.True(t, a.HasReference("Chainloader"))
	assert.GreaterOrEqual(t, cctor.Body.MaxStack, 2)
	assert.NoError(t, asm.Verify(a))
}

func TestInject_PrologueRunsBeforeFieldInitializers(t *testing.T) {
	a := testutil.NewAssembly("UnityEngine.CoreModule").
		Type("UnityEngine", "Application").
		StaticField("s_Count", "int").
		StaticInitializer(
			"ldc.i4 5",
			"stsfld UnityEngine.Application::s_Count",
			"ret",
		).
		Build(t)

	_, err := Inject(a, defaultSpec(), entry(t))
	require.NoError(t, err)

	require.Len(t, a.Types[0].MethodsNamed(asm.StaticInitializerName), 1, "no second initializer")
	assert.Equal(t,
		withPrologue("ldc.i4 5", "stsfld UnityEngine.Application::s_Count", "ret"),
		testutil.Instructions(a.Types[0].StaticInitializer()))
}

func TestInject_PatchesEveryOverload(t *testing.T) {
	a := testutil.NewAssembly("Assembly-CSharp").
		Type("Game", "Boot").
		InstanceMethod("Awake", nil, "ret").
		InstanceMethod("Awake", []string{"int"}, "ldarg 1", "pop", "ret").
		InstanceMethod("Update", nil, "nop", "ret").
		InstanceMethod("Awake", []string{"string"}, `ldstr "boot"`, "pop", "ret").
		Build(t)

	n, err := Inject(a, Spec{Type: "Game.Boot", Method: "Awake"}, entry(t))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	overloads := a.Types[0].MethodsNamed("Awake")
	require.Len(t, overloads, 3)
	assert.Equal(t, withPrologue("ret"), testutil.Instructions(overloads[0]))
	assert.Equal(t, withPrologue("ldarg 1", "pop", "ret"), testutil.Instructions(overloads[1]))
	assert.Equal(t, withPrologue(`ldstr "boot"`, "pop", "ret"), testutil.Instructions(overloads[2]))

	assert.Equal(t, []string{"nop", "ret"}, testutil.Instructions(a.Types[0].MethodsNamed("Update")[0]))
	assert.Nil(t, a.Types[0].StaticInitializer(), "named method never synthesizes")
	assert.NoError(t, asm.Verify(a))
}

func TestInjector_RequiresItsTarget(t *testing.T) {
	inj := New(Spec{Assembly: "Assembly-CSharp.dll", Type: "Boot"}, Companion{Path: "Chainloader.dll"})
	assert.True(t, patch.IsRequired(inj))
	assert.Equal(t, []string{"Assembly-CSharp.dll"}, inj.Targets())
}

func TestInject_BranchTargetsSurvive(t *testing.T) {
	a := testutil.NewAssembly("Assembly-CSharp").
		Type("Game", "Boot").
		StaticInitializer(
			"ldc.i4.1",
			"brtrue IL_0003",
			"nop",
			"ret",
		).
		Build(t)

	_, err := Inject(a, Spec{Type: "Boot"}, entry(t))
	require.NoError(t, err)

	assert.Equal(t,
		withPrologue("ldc.i4.1", "brtrue IL_0007", "nop", "ret"),
		testutil.Instructions(a.Types[0].StaticInitializer()))
	assert.NoError(t, asm.Verify(a))
}

func TestInject_FailuresLeaveAssemblyUnchanged(t *testing.T) {
	build := func() *asm.Assembly {
		return testutil.NewAssembly("UnityEngine.CoreModule").
			Type("UnityEngine", "Application").
			StaticMethod("Quit", "ret").
			Method("Extern", asm.MethodStatic|asm.MethodExtern, asm.VoidType, nil).
			Type("Editor", "Application").
			Build(t)
	}

	tests := []struct {
		name string
		spec Spec
		is   func(error) bool
	}{
		{"ambiguous type", Spec{Type: "Application"}, patch.IsConfigurationError},
		{"missing type", Spec{Type: "Missing"}, patch.IsConfigurationError},
		{"empty type", Spec{Type: " "}, patch.IsConfigurationError},
		{"missing method", Spec{Type: "UnityEngine.Application", Method: "Awake"}, patch.IsConfigurationError},
		{"bodiless method", Spec{Type: "UnityEngine.Application", Method: "Extern"}, patch.IsStructuralError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := build()
			before := asm.DumpString(a)

			_, err := Inject(a, tt.spec, entry(t))
			require.Error(t, err)
			assert.True(t, tt.is(err), "unexpected classification: %v", err)
			assert.Equal(t, before, asm.DumpString(a))
		})
	}
}

func TestInject_UnresolvedEntry(t *testing.T) {
	a := testutil.NewAssembly("UnityEngine.CoreModule").Type("UnityEngine", "Application").Build(t)

	_, err := Inject(a, defaultSpec(), &Entry{Assembly: "Chainloader"})
	assert.True(t, patch.IsResolutionError(err))
	assert.Empty(t, a.References)
}

func TestResolveIn_MissingRoutines(t *testing.T) {
	noStart := testutil.NewAssembly("Chainloader").
		Type("", "Chainloader").
		Method("Init", asm.MethodStatic, asm.VoidType, []string{"string", "bool"}, "ret").
		Build(t)
	_, err := ResolveIn(noStart, Companion{})
	assert.True(t, patch.IsResolutionError(err))
	assert.ErrorContains(t, err, "Start()")

	wrongInit := testutil.NewAssembly("Chainloader").
		Type("", "Chainloader").
		Method("Init", asm.MethodStatic, asm.VoidType, []string{"string"}, "ret").
		StaticMethod("Start", "ret").
		Build(t)
	_, err = ResolveIn(wrongInit, Companion{})
	assert.True(t, patch.IsResolutionError(err))

	instanceStart := testutil.NewAssembly("Chainloader").
		Type("", "Chainloader").
		Method("Init", asm.MethodStatic, asm.VoidType, []string{"string", "bool"}, "ret").
		InstanceMethod("Start", nil, "ret").
		Build(t)
	_, err = ResolveIn(instanceStart, Companion{})
	assert.True(t, patch.IsResolutionError(err), "Start must be static")
}

func TestResolve_FromDisk(t *testing.T) {
	dir := t.TempDir()
	path := testutil.Companion("Chainloader", "Boot", "Chainloader").WriteTo(t, dir)

	e, err := Resolve(Companion{Path: path, Type: "Boot.Chainloader"})
	require.NoError(t, err)
	assert.Equal(t, "Chainloader", e.Assembly)
	assert.Equal(t, "1.0.0.0", e.Version)
	assert.Equal(t, "[Chainloader]Boot.Chainloader::Init(string,bool) void", e.Init.String())

	_, err = Resolve(Companion{Path: filepath.Join(dir, "Missing.dll")})
	assert.True(t, patch.IsResolutionError(err))

	garbage := filepath.Join(dir, "Garbage.dll")
	require.NoError(t, os.WriteFile(garbage, []byte("MZ not ours"), 0o644))
	_, err = Resolve(Companion{Path: garbage})
	assert.True(t, patch.IsResolutionError(err))
	assert.ErrorIs(t, err, asm.ErrNotAssembly)

	_, err = Resolve(Companion{})
	assert.True(t, patch.IsConfigurationError(err))
}

func TestInjector_SecondPatchIsRejected(t *testing.T) {
	companion := testutil.Companion("Chainloader", "", "Chainloader").WriteTo(t, t.TempDir())
	inj := New(defaultSpec(), Companion{Path: companion})

	a := testutil.NewAssembly("UnityEngine.CoreModule").
		Type("UnityEngine", "Application").
		Build(t)

	require.NoError(t, inj.Patch(a))
	once := asm.DumpString(a)

	err := inj.Patch(a)
	require.Error(t, err)
	assert.True(t, patch.IsAlreadyPatched(err))
	assert.Equal(t, once, asm.DumpString(a), "rejected patch must not touch the assembly")
}

func TestInjector_GuardRunsBeforeResolution(t *testing.T) {
	resolved := 0
	inj := New(defaultSpec(), Companion{Path: "/nowhere/Chainloader.dll"},
		WithResolver(func(Companion) (*Entry, error) {
			resolved++
			return nil, patch.NewResolutionError("unreachable", nil)
		}))

	a := testutil.NewAssembly("UnityEngine.CoreModule").
		Reference("Chainloader").
		Type("UnityEngine", "Application").
		Build(t)

	err := inj.Patch(a)
	assert.True(t, patch.IsAlreadyPatched(err))
	assert.Zero(t, resolved)
}

func TestInjector_UnitContract(t *testing.T) {
	inj := New(Spec{Assembly: "Assembly-CSharp.dll", Type: "Boot"}, Companion{Path: "Chainloader.dll"},
		WithResolver(func(Companion) (*Entry, error) { return entry(t), nil }))

	var _ patch.Unit = inj
	assert.Equal(t, UnitName, inj.Name())
	assert.Equal(t, []string{"Assembly-CSharp.dll"}, inj.Targets())

	require.NoError(t, inj.Close())
	a := testutil.NewAssembly("Assembly-CSharp").Type("", "Boot").Build(t)
	assert.Error(t, inj.Patch(a), "closed injector must refuse work")
}

func TestSpec_IsStaticInitializer(t *testing.T) {
	assert.True(t, Spec{}.IsStaticInitializer())
	assert.True(t, Spec{Method: ".cctor"}.IsStaticInitializer())
	assert.True(t, Spec{Method: " .cctor "}.IsStaticInitializer())
	assert.False(t, Spec{Method: "Awake"}.IsStaticInitializer())
}
