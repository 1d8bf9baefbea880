package pipeline

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/chainboot/internal/asm"
	"github.com/roach88/chainboot/internal/entrypoint"
	"github.com/roach88/chainboot/internal/patch"
	"github.com/roach88/chainboot/internal/testutil"
)

// managedDir lays out a small game: the engine core, the game assembly, an
// untouched third-party binary and the chainloader outside the directory.
type managedDir struct {
	dir       string
	core      string
	game      string
	companion string
}

func newManagedDir(t *testing.T) managedDir {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "Managed")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	m := managedDir{dir: dir}
	m.core = testutil.NewAssembly("UnityEngine.CoreModule").
		Type("UnityEngine", "Application").
		StaticMethod("Quit", "ret").
		WriteTo(t, dir)
	m.game = testutil.NewAssembly("Assembly-CSharp").
		Type("Game", "Boot").
		InstanceMethod("Awake", nil, "ret").
		WriteTo(t, dir)
	// Not a container at all; loading it would fail.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Newtonsoft.Json.dll"), []byte("MZ\x90\x00"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "readme.txt"), []byte("hi"), 0o644))

	m.companion = testutil.Companion("Chainloader", "", "Chainloader").WriteTo(t, root)
	return m
}

func (m managedDir) injector() *entrypoint.Injector {
	return entrypoint.New(
		entrypoint.Spec{Assembly: entrypoint.DefaultAssembly, Type: entrypoint.DefaultType},
		entrypoint.Companion{Path: m.companion},
	)
}

func fileBytes(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

// tracker records the order units are patched and closed in.
type tracker struct {
	events []string
}

func (tr *tracker) unit(name, target string, fail error) *patch.Func {
	return &patch.Func{
		UnitName:  name,
		TargetsFn: patch.Static(target),
		PatchFn: func(a *asm.Assembly) error {
			tr.events = append(tr.events, "patch "+name+" "+a.Name)
			return fail
		},
		CloseFn: func() error {
			tr.events = append(tr.events, "close "+name)
			return nil
		},
	}
}

func TestRun_InjectsEntrypointInPlace(t *testing.T) {
	m := newManagedDir(t)
	reg := patch.NewRegistry()
	require.NoError(t, reg.Register(m.injector()))

	d := New(reg, WithRunIDGenerator(testutil.NewFixedRunIDGenerator("run-1")))
	report, err := d.Run(context.Background(), m.dir)
	require.NoError(t, err)

	assert.Equal(t, "run-1", report.RunID)
	assert.Equal(t, 3, report.Scanned)
	assert.Equal(t, []string{"UnityEngine.CoreModule.dll"}, report.Patched)
	assert.Equal(t, []string{"Assembly-CSharp.dll", "Newtonsoft.Json.dll"}, report.Skipped)
	require.Len(t, report.Applications, 1)
	assert.Equal(t, ApplicationApplied, report.Applications[0].Status)

	core, err := asm.LoadFile(m.core)
	require.NoError(t, err)
	assert.Equal(t,
		[]string{
			"ldnull",
			"ldc.i4.0",
			"call [Chainloader]Chainloader::Init(string,bool) void",
			"call [Chainloader]Chainloader::Start() void",
			"ret",
		},
		testutil.Instructions(core.Types[0].StaticInitializer()))

	assert.True(t, reg.Closed())
	assert.Equal(t, StateDisposed, d.State())
}

func TestRun_SkipsUntargetedBinariesWithoutLoading(t *testing.T) {
	m := newManagedDir(t)
	gameBefore := fileBytes(t, m.game)

	var tr tracker
	reg := patch.NewRegistry()
	require.NoError(t, reg.Register(tr.unit("core-only", "UnityEngine.CoreModule.dll", nil)))

	_, err := New(reg).Run(context.Background(), m.dir)
	require.NoError(t, err, "the unreadable Newtonsoft.Json.dll must never be loaded")

	assert.Equal(t, []string{"patch core-only UnityEngine.CoreModule", "close core-only"}, tr.events)
	assert.Equal(t, gameBefore, fileBytes(t, m.game))
}

func TestRun_UnitsApplyInRegistrationOrder(t *testing.T) {
	m := newManagedDir(t)
	var tr tracker
	reg := patch.NewRegistry()
	require.NoError(t, reg.Register(tr.unit("b", "Assembly-CSharp.dll", nil)))
	require.NoError(t, reg.Register(tr.unit("a", "UnityEngine.CoreModule.dll", nil)))
	require.NoError(t, reg.Register(tr.unit("c", "Assembly-CSharp.dll", nil)))

	report, err := New(reg).Run(context.Background(), m.dir)
	require.NoError(t, err)

	// Binaries are visited in file-name order; units within a binary in
	// registration order.
	assert.Equal(t, []string{
		"patch b Assembly-CSharp",
		"patch c Assembly-CSharp",
		"patch a UnityEngine.CoreModule",
		"close b",
		"close a",
		"close c",
	}, tr.events)

	seqs := make([]int64, len(report.Applications))
	for i, app := range report.Applications {
		seqs[i] = app.Seq
	}
	assert.Equal(t, []int64{1, 2, 3}, seqs)
}

func TestRun_FailureStopsRunAndPersistsNothing(t *testing.T) {
	m := newManagedDir(t)
	coreBefore := fileBytes(t, m.core)
	gameBefore := fileBytes(t, m.game)

	var tr tracker
	boom := errors.New("boom")
	reg := patch.NewRegistry()
	require.NoError(t, reg.Register(tr.unit("game", "Assembly-CSharp.dll", nil)))
	require.NoError(t, reg.Register(tr.unit("broken", "UnityEngine.CoreModule.dll", boom)))
	require.NoError(t, reg.Register(tr.unit("never", "UnityEngine.CoreModule.dll", nil)))

	var logs bytes.Buffer
	d := New(reg, WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))
	report, err := d.Run(context.Background(), m.dir)

	require.Error(t, err)
	var ue *UnitError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, "broken", ue.Unit)
	assert.Equal(t, "UnityEngine.CoreModule.dll", ue.Assembly)
	assert.ErrorIs(t, err, boom)

	assert.Empty(t, report.Patched)
	assert.Equal(t, coreBefore, fileBytes(t, m.core))
	assert.Equal(t, gameBefore, fileBytes(t, m.game), "binaries patched before the failure stay unwritten")

	assert.Equal(t, []string{
		"patch game Assembly-CSharp",
		"patch broken UnityEngine.CoreModule",
		"close game",
		"close broken",
		"close never",
	}, tr.events)
	assert.Contains(t, logs.String(), "patch unit failed")
	assert.Equal(t, StateDisposed, d.State())
}

func TestRun_AlreadyPatchedFailsSecondRun(t *testing.T) {
	m := newManagedDir(t)

	reg := patch.NewRegistry()
	require.NoError(t, reg.Register(m.injector()))
	_, err := New(reg).Run(context.Background(), m.dir)
	require.NoError(t, err)
	once := fileBytes(t, m.core)

	reg = patch.NewRegistry()
	require.NoError(t, reg.Register(m.injector()))
	_, err = New(reg).Run(context.Background(), m.dir)
	require.Error(t, err)
	assert.True(t, patch.IsAlreadyPatched(err))
	assert.Equal(t, once, fileBytes(t, m.core))
}

func TestRun_VerificationFailureIsStructural(t *testing.T) {
	m := newManagedDir(t)
	reg := patch.NewRegistry()
	require.NoError(t, reg.Register(&patch.Func{
		UnitName:  "truncate",
		TargetsFn: patch.Static("Assembly-CSharp.dll"),
		PatchFn: func(a *asm.Assembly) error {
			// Leaves a body without a terminating instruction.
			a.Types[0].Methods[0].Body.Instructions = []*asm.Instruction{asm.Create(asm.OpNop)}
			return nil
		},
	}))

	_, err := New(reg).Run(context.Background(), m.dir)
	require.Error(t, err)
	assert.True(t, patch.IsStructuralError(err))
}

func TestRun_UnloadableTargetIsStageError(t *testing.T) {
	m := newManagedDir(t)
	reg := patch.NewRegistry()
	require.NoError(t, reg.Register(&patch.Func{UnitName: "json", TargetsFn: patch.Static("Newtonsoft.Json.dll")}))

	_, err := New(reg).Run(context.Background(), m.dir)
	var se *StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, StateLoading, se.Stage)
	assert.Equal(t, "Newtonsoft.Json.dll", se.Assembly)
	assert.ErrorIs(t, err, asm.ErrNotAssembly)
	assert.True(t, reg.Closed())
}

func TestRun_MissingDirectory(t *testing.T) {
	reg := patch.NewRegistry()
	_, err := New(reg).Run(context.Background(), filepath.Join(t.TempDir(), "nope"))

	var se *StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, StateLoading, se.Stage)
	assert.True(t, reg.Closed())
}

func TestRun_LiveAssemblyBypassesPersister(t *testing.T) {
	m := newManagedDir(t)
	coreBefore := fileBytes(t, m.core)

	reg := patch.NewRegistry()
	require.NoError(t, reg.Register(m.injector()))

	var loaded *asm.Assembly
	var persisted []string
	d := New(reg,
		WithLiveAssembly("unityengine.coremodule.DLL", func(a *asm.Assembly) error {
			loaded = a
			return nil
		}),
		WithPersister(PersisterFunc(func(path string, _ *asm.Assembly) error {
			persisted = append(persisted, filepath.Base(path))
			return nil
		})))

	_, err := d.Run(context.Background(), m.dir)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.NotNil(t, loaded.Types[0].StaticInitializer())
	assert.Empty(t, persisted)
	assert.Equal(t, coreBefore, fileBytes(t, m.core))
}

func TestRun_OutputDirLeavesOriginals(t *testing.T) {
	m := newManagedDir(t)
	coreBefore := fileBytes(t, m.core)
	out := filepath.Join(t.TempDir(), "patched")

	reg := patch.NewRegistry()
	require.NoError(t, reg.Register(m.injector()))
	_, err := New(reg, WithPersister(FilePersister{OutputDir: out})).Run(context.Background(), m.dir)
	require.NoError(t, err)

	assert.Equal(t, coreBefore, fileBytes(t, m.core))
	patched, err := asm.LoadFile(filepath.Join(out, "UnityEngine.CoreModule.dll"))
	require.NoError(t, err)
	assert.True(t, patched.HasReference("Chainloader"))
}

func TestRun_DriverIsSingleUse(t *testing.T) {
	m := newManagedDir(t)
	d := New(patch.NewRegistry(), WithPersister(DryRun{}))

	_, err := d.Run(context.Background(), m.dir)
	require.NoError(t, err)

	_, err = d.Run(context.Background(), m.dir)
	assert.ErrorIs(t, err, ErrAlreadyRun)
}

type memRecorder struct {
	began []RunInfo
	apps  []Application
	ended []RunStatus
	msgs  []string
	fail  bool
}

func (r *memRecorder) BeginRun(_ context.Context, info RunInfo) error {
	r.began = append(r.began, info)
	if r.fail {
		return errors.New("journal offline")
	}
	return nil
}

func (r *memRecorder) RecordApplication(_ context.Context, app Application) error {
	r.apps = append(r.apps, app)
	if r.fail {
		return errors.New("journal offline")
	}
	return nil
}

func (r *memRecorder) EndRun(_ context.Context, _ string, status RunStatus, msg string) error {
	r.ended = append(r.ended, status)
	r.msgs = append(r.msgs, msg)
	return nil
}

func TestRun_RecorderReceivesHashes(t *testing.T) {
	m := newManagedDir(t)
	before, err := asm.LoadFile(m.core)
	require.NoError(t, err)

	reg := patch.NewRegistry()
	require.NoError(t, reg.Register(m.injector()))
	rec := &memRecorder{}
	_, err = New(reg, WithRecorder(rec), WithRunIDGenerator(testutil.NewFixedRunIDGenerator("run-7"))).
		Run(context.Background(), m.dir)
	require.NoError(t, err)

	require.Len(t, rec.began, 1)
	assert.Equal(t, RunInfo{ID: "run-7", ManagedDir: m.dir, Units: []string{entrypoint.UnitName}}, rec.began[0])

	require.Len(t, rec.apps, 1)
	app := rec.apps[0]
	assert.Equal(t, "run-7", app.RunID)
	assert.Equal(t, asm.MustHash(before), app.HashBefore)
	assert.NotEmpty(t, app.HashAfter)
	assert.NotEqual(t, app.HashBefore, app.HashAfter)

	assert.Equal(t, []RunStatus{RunSucceeded}, rec.ended)
}

func TestRun_RecorderFailureDoesNotFailRun(t *testing.T) {
	m := newManagedDir(t)
	var tr tracker
	reg := patch.NewRegistry()
	require.NoError(t, reg.Register(tr.unit("u", "Assembly-CSharp.dll", errors.New("bad"))))

	rec := &memRecorder{fail: true}
	var logs bytes.Buffer
	_, err := New(reg, WithRecorder(rec), WithLogger(slog.New(slog.NewTextHandler(&logs, nil)))).
		Run(context.Background(), m.dir)

	var ue *UnitError
	require.True(t, errors.As(err, &ue), "the unit error, not the journal error, is reported")
	assert.Equal(t, []RunStatus{RunFailed}, rec.ended)
	assert.Contains(t, rec.msgs[0], "bad")
	require.Len(t, rec.apps, 1)
	assert.Equal(t, ApplicationFailed, rec.apps[0].Status)
	assert.Contains(t, logs.String(), "journal: record application failed")
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "patching", StatePatching.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestClock(t *testing.T) {
	c := NewClockAt(10)
	assert.Equal(t, int64(11), c.Next())
	assert.Equal(t, int64(11), c.Current())
}

func TestRun_MistypedEntrypointAssemblyIsConfigurationError(t *testing.T) {
	m := newManagedDir(t)
	coreBefore := fileBytes(t, m.core)

	var tr tracker
	reg := patch.NewRegistry()
	require.NoError(t, reg.Register(entrypoint.New(
		entrypoint.Spec{Assembly: "UnityEngine.CoreModul.dll", Type: entrypoint.DefaultType},
		entrypoint.Companion{Path: m.companion},
	)))
	require.NoError(t, reg.Register(tr.unit("game", "Assembly-CSharp.dll", nil)))

	var persisted []string
	d := New(reg, WithPersister(PersisterFunc(func(path string, _ *asm.Assembly) error {
		persisted = append(persisted, filepath.Base(path))
		return nil
	})))
	report, err := d.Run(context.Background(), m.dir)

	require.Error(t, err)
	assert.True(t, patch.IsConfigurationError(err))
	var se *StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, StateLoading, se.Stage)
	assert.Equal(t, "UnityEngine.CoreModul.dll", se.Assembly)
	var pe *patch.Error
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, entrypoint.UnitName, pe.Unit)

	assert.Empty(t, report.Patched)
	assert.Empty(t, persisted)
	assert.Equal(t, coreBefore, fileBytes(t, m.core))
	assert.Equal(t, []string{"close game"}, tr.events, "no unit runs once a required target is missing")
	assert.True(t, reg.Closed())
}

func TestRun_RequiredTargetMatchesIgnoringCase(t *testing.T) {
	m := newManagedDir(t)
	var tr tracker
	u := tr.unit("core", "unityengine.coremodule.DLL", nil)
	u.Mandatory = true
	reg := patch.NewRegistry()
	require.NoError(t, reg.Register(u))

	report, err := New(reg, WithPersister(DryRun{})).Run(context.Background(), m.dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"UnityEngine.CoreModule.dll"}, report.Patched)
}

func TestRun_OptionalUnitWithMissingTargetIsSkipped(t *testing.T) {
	m := newManagedDir(t)
	var tr tracker
	reg := patch.NewRegistry()
	require.NoError(t, reg.Register(tr.unit("absent", "Missing.dll", nil)))

	report, err := New(reg).Run(context.Background(), m.dir)
	require.NoError(t, err)
	assert.Empty(t, report.Patched)
	assert.Equal(t, []string{"close absent"}, tr.events)
}

func TestRun_UnitErrorNamesUnitAndAssembly(t *testing.T) {
	m := newManagedDir(t)
	reg := patch.NewRegistry()
	require.NoError(t, reg.Register(&patch.Func{
		UnitName:  "strict",
		TargetsFn: patch.Static("Assembly-CSharp.dll"),
		PatchFn: func(*asm.Assembly) error {
			return patch.NewConfigurationError("bad option")
		},
	}))

	_, err := New(reg).Run(context.Background(), m.dir)
	var pe *patch.Error
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "strict", pe.Unit)
	assert.Equal(t, "Assembly-CSharp.dll", pe.Assembly)
}

func TestRun_UnitErrorKeepsExistingAttribution(t *testing.T) {
	m := newManagedDir(t)
	reg := patch.NewRegistry()
	require.NoError(t, reg.Register(&patch.Func{
		UnitName:  "wrapper",
		TargetsFn: patch.Static("Assembly-CSharp.dll"),
		PatchFn: func(*asm.Assembly) error {
			e := patch.NewConfigurationError("inner failed")
			e.Unit = "inner"
			return e
		},
	}))

	_, err := New(reg).Run(context.Background(), m.dir)
	var pe *patch.Error
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "inner", pe.Unit)
}

func TestRun_ClockSeedsApplicationSequence(t *testing.T) {
	m := newManagedDir(t)
	var tr tracker
	reg := patch.NewRegistry()
	require.NoError(t, reg.Register(tr.unit("a", "UnityEngine.CoreModule.dll", nil)))
	require.NoError(t, reg.Register(tr.unit("b", "Assembly-CSharp.dll", nil)))

	clock := NewClockAt(41)
	report, err := New(reg, WithClock(clock), WithPersister(DryRun{})).Run(context.Background(), m.dir)
	require.NoError(t, err)

	require.Len(t, report.Applications, 2)
	assert.Equal(t, int64(42), report.Applications[0].Seq)
	assert.Equal(t, int64(43), report.Applications[1].Seq)
	assert.Equal(t, int64(43), clock.Current())
}

func TestRun_ExtensionsWidenScan(t *testing.T) {
	m := newManagedDir(t)
	exe := filepath.Join(m.dir, "Game.exe")
	require.NoError(t, os.Rename(m.game, exe))

	var tr tracker
	reg := patch.NewRegistry()
	require.NoError(t, reg.Register(tr.unit("exe", "Game.exe", nil)))

	report, err := New(reg, WithPersister(DryRun{})).Run(context.Background(), m.dir)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Scanned)
	assert.Empty(t, report.Patched)

	tr.events = nil
	reg = patch.NewRegistry()
	require.NoError(t, reg.Register(tr.unit("exe", "Game.exe", nil)))
	report, err = New(reg, WithExtensions(".dll", ".EXE"), WithPersister(DryRun{})).Run(context.Background(), m.dir)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Scanned)
	assert.Equal(t, []string{"Game.exe"}, report.Patched)
	assert.Equal(t, []string{"patch exe Assembly-CSharp", "close exe"}, tr.events)
}
