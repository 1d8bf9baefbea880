package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/roach88/chainboot/internal/asm"
	"github.com/roach88/chainboot/internal/config"
	"github.com/roach88/chainboot/internal/entrypoint"
	"github.com/roach88/chainboot/internal/patch"
	"github.com/roach88/chainboot/internal/pipeline"
	"github.com/roach88/chainboot/internal/plugin"
	"github.com/roach88/chainboot/internal/testutil"
)

const defaultVersion = "1.0.0.0"

// codeFailed marks a run that failed without a patch error code.
const codeFailed = "FAILED"

// Harness is the test execution engine for one scenario.
// It owns the scenario's temporary game directory.
type Harness struct {
	scenario *Scenario
	root     string
	logger   *slog.Logger

	// fixtures holds the bytes each managed binary was created with.
	fixtures map[string][]byte
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs in a fresh temporary directory laid out like a game
// install: chainboot.toml, the companion binary, Managed/ and patchers/.
// Execution flow:
//  1. Materialize fixtures and configuration
//  2. Run the pipeline scenario.Runs times, each with a fresh registry
//  3. Record the final listing of every managed binary
//  4. Evaluate expectations against the last run
func Run(scenario *Scenario) (*Result, error) {
	root, err := os.MkdirTemp("", "chainboot-scenario-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scenario directory: %w", err)
	}
	defer os.RemoveAll(root)

	h := &Harness{
		scenario: scenario,
		root:     root,
		logger:   slog.New(slog.DiscardHandler), // Suppress logs in tests
		fixtures: make(map[string][]byte),
	}
	if err := h.materialize(); err != nil {
		return nil, err
	}

	ctx := context.Background()
	result := NewResult()
	for i := range scenario.runs() {
		outcome, err := h.runOnce(ctx, fmt.Sprintf("%s-run-%d", scenario.Name, i+1))
		if err != nil {
			return nil, err
		}
		result.Runs = append(result.Runs, outcome)
	}

	if err := h.collectListings(result); err != nil {
		return nil, err
	}
	h.evaluate(result)
	return result, nil
}

func (h *Harness) managedDir() string {
	return filepath.Join(h.root, "Managed")
}

// materialize writes the configuration, the companion, the managed
// binaries and the patchers.
func (h *Harness) materialize() error {
	s := h.scenario
	managed := h.managedDir()
	if err := os.MkdirAll(managed, 0o755); err != nil {
		return fmt.Errorf("failed to create managed directory: %w", err)
	}

	for _, spec := range s.Assemblies {
		a, err := spec.build()
		if err != nil {
			return fmt.Errorf("fixture %s: %w", spec.File, err)
		}
		data, err := asm.Marshal(a)
		if err != nil {
			return fmt.Errorf("fixture %s: %w", spec.File, err)
		}
		if err := os.WriteFile(filepath.Join(managed, spec.File), data, 0o644); err != nil {
			return fmt.Errorf("fixture %s: %w", spec.File, err)
		}
		h.fixtures[spec.File] = data
	}
	for name, content := range s.Extra {
		if err := os.WriteFile(filepath.Join(managed, name), []byte(content), 0o644); err != nil {
			return fmt.Errorf("extra file %s: %w", name, err)
		}
	}

	if len(s.Patchers) > 0 {
		dir := filepath.Join(h.root, "patchers")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create patchers directory: %w", err)
		}
		for _, p := range s.Patchers {
			if err := os.WriteFile(filepath.Join(dir, p.File), []byte(p.Source), 0o644); err != nil {
				return fmt.Errorf("patcher %s: %w", p.File, err)
			}
		}
	}

	companion, err := s.Chainloader.build()
	if err != nil {
		return err
	}
	if err := asm.SaveFile(filepath.Join(h.root, companion.Name+".dll"), companion); err != nil {
		return fmt.Errorf("companion: %w", err)
	}

	return h.writeConfig(companion.Name + ".dll")
}

// writeConfig emits chainboot.toml with only the keys the scenario sets,
// so everything else takes the loader's defaults.
func (h *Harness) writeConfig(companionFile string) error {
	ep := h.scenario.Entrypoint
	doc := map[string]map[string]string{
		"chainloader": {"assembly": companionFile},
	}
	entry := map[string]string{}
	for key, v := range map[string]string{"assembly": ep.Assembly, "type": ep.Type, "method": ep.Method} {
		if v != "" {
			entry[key] = v
		}
	}
	if len(entry) > 0 {
		doc["entrypoint"] = entry
	}
	if t := h.scenario.Chainloader.Type; t != "" {
		doc["chainloader"]["type"] = t
	}

	f, err := os.Create(filepath.Join(h.root, config.DefaultFileName))
	if err != nil {
		return fmt.Errorf("failed to write configuration: %w", err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(doc); err != nil {
		return fmt.Errorf("failed to write configuration: %w", err)
	}
	return f.Close()
}

// runOnce performs one full pass the way the patch command does. Failures
// of the pass itself are returned in the outcome; the error is reserved
// for harness problems.
func (h *Harness) runOnce(ctx context.Context, runID string) (RunOutcome, error) {
	outcome := RunOutcome{RunID: runID}

	cfg, err := config.Load(filepath.Join(h.root, config.DefaultFileName))
	if err != nil {
		outcome.fail(err)
		return outcome, nil
	}

	reg := patch.NewRegistry()
	injector := entrypoint.New(cfg.EntrypointSpec(), cfg.Companion(), entrypoint.WithLogger(h.logger))
	if err := reg.Register(injector); err != nil {
		return outcome, err
	}
	if _, errs := reg.Discover(cfg.Paths.Patchers, plugin.Loader{}); len(errs) > 0 {
		return outcome, fmt.Errorf("patchers: %w", errors.Join(errs...))
	}

	driver := pipeline.New(reg,
		pipeline.WithLogger(h.logger),
		pipeline.WithRunIDGenerator(testutil.NewFixedRunIDGenerator(runID)),
	)
	report, err := driver.Run(ctx, cfg.Paths.Managed)
	if report != nil {
		outcome.Patched = report.Patched
		outcome.Skipped = report.Skipped
	}
	if err != nil {
		outcome.fail(err)
	}
	return outcome, nil
}

func (o *RunOutcome) fail(err error) {
	o.Error = err.Error()
	o.Code = string(patch.CodeOf(err))
	if o.Code == "" {
		o.Code = codeFailed
	}
}

// collectListings dumps the final contents of every fixture binary.
func (h *Harness) collectListings(result *Result) error {
	for file := range h.fixtures {
		a, err := asm.LoadFile(filepath.Join(h.managedDir(), file))
		if err != nil {
			return fmt.Errorf("failed to reload %s: %w", file, err)
		}
		result.Listings[file] = asm.DumpString(a)
	}
	return nil
}

// evaluate checks the scenario's expectations against the last run and
// the files left on disk.
func (h *Harness) evaluate(result *Result) {
	want := h.scenario.Expect
	last := result.Last()

	if last.Code != want.ErrorCode {
		msg := fmt.Sprintf("error_code: expected %q, got %q", want.ErrorCode, last.Code)
		if last.Error != "" {
			msg += " (" + last.Error + ")"
		}
		result.AddError(msg)
	}
	if want.Patched != nil && !slices.Equal(want.Patched, last.Patched) {
		result.AddError(fmt.Sprintf("patched: expected %v, got %v", want.Patched, last.Patched))
	}
	if want.Skipped != nil && !slices.Equal(want.Skipped, last.Skipped) {
		result.AddError(fmt.Sprintf("skipped: expected %v, got %v", want.Skipped, last.Skipped))
	}

	for i, b := range want.Bodies {
		if err := h.checkBody(b); err != nil {
			result.AddError(fmt.Sprintf("expect.bodies[%d]: %v", i, err))
		}
	}

	files := make([]string, 0, len(want.References))
	for file := range want.References {
		files = append(files, file)
	}
	sort.Strings(files)
	for _, file := range files {
		a, err := h.load(file)
		if err != nil {
			result.AddError(fmt.Sprintf("references: %v", err))
			continue
		}
		for _, ref := range want.References[file] {
			if !a.HasReference(ref) {
				result.AddError(fmt.Sprintf("references: %s does not reference %q", file, ref))
			}
		}
	}

	for _, file := range want.Unchanged {
		orig, ok := h.fixtures[file]
		if !ok {
			result.AddError(fmt.Sprintf("unchanged: %s is not a fixture", file))
			continue
		}
		got, err := os.ReadFile(filepath.Join(h.managedDir(), file))
		if err != nil {
			result.AddError(fmt.Sprintf("unchanged: %v", err))
			continue
		}
		if string(got) != string(orig) {
			result.AddError(fmt.Sprintf("unchanged: %s was modified", file))
		}
	}
}

func (h *Harness) load(file string) (*asm.Assembly, error) {
	return asm.LoadFile(filepath.Join(h.managedDir(), file))
}

func paramsEqual(m *asm.MethodDef, types []string) bool {
	if len(m.Params) != len(types) {
		return false
	}
	for i, p := range m.Params {
		if p.Type != types[i] {
			return false
		}
	}
	return true
}

// checkBody compares every overload the expectation selects.
func (h *Harness) checkBody(b BodyExpect) error {
	a, err := h.load(b.Assembly)
	if err != nil {
		return err
	}
	types := a.FindTypes(b.Type)
	if len(types) != 1 {
		return fmt.Errorf("type %q matched %d types", b.Type, len(types))
	}
	t := types[0]

	var methods []*asm.MethodDef
	if b.Method == asm.StaticInitializerName {
		if cctor := t.StaticInitializer(); cctor != nil {
			methods = append(methods, cctor)
		}
	} else {
		methods = t.MethodsNamed(b.Method)
	}
	if b.Params != nil {
		methods = slices.DeleteFunc(methods, func(m *asm.MethodDef) bool {
			return !paramsEqual(m, b.Params)
		})
	}
	if len(methods) == 0 {
		if b.Params != nil {
			return fmt.Errorf("%s::%s(%s) not found", t.FullName(), b.Method, strings.Join(b.Params, ", "))
		}
		return fmt.Errorf("%s::%s not found", t.FullName(), b.Method)
	}

	for _, m := range methods {
		if !m.HasBody() {
			return fmt.Errorf("%s::%s has no body", t.FullName(), m.Name)
		}
		got := testutil.Instructions(m)
		if !slices.Equal(b.Instructions, got) {
			return fmt.Errorf("%s %s: expected %v, got %v", t.FullName(), asm.MethodSignature(m), b.Instructions, got)
		}
	}
	return nil
}

// build creates the companion fixture.
func (c ChainloaderSpec) build() (*asm.Assembly, error) {
	name := c.Name
	if name == "" {
		name = "Chainloader"
	}
	version := c.Version
	if version == "" {
		version = defaultVersion
	}
	typeName := c.Type
	if typeName == "" {
		typeName = entrypoint.DefaultCompanionType
	}

	t := &asm.TypeDef{Namespace: c.Namespace, Name: typeName, Attributes: asm.TypePublic}
	routines := []struct {
		name   string
		params []string
	}{
		{entrypoint.DefaultInit, []string{"string", "bool"}},
		{entrypoint.DefaultStart, nil},
	}
	for _, r := range routines {
		if slices.Contains(c.Omit, r.name) {
			continue
		}
		body, err := asm.ParseBody([]string{"ret"})
		if err != nil {
			return nil, err
		}
		m := &asm.MethodDef{
			Name:       r.name,
			Attributes: asm.MethodPublic | asm.MethodStatic | asm.MethodHideBySig,
			ReturnType: asm.VoidType,
			Body:       body,
		}
		for _, p := range r.params {
			m.Params = append(m.Params, asm.Param{Type: p})
		}
		t.AddMethod(m)
	}
	return &asm.Assembly{Name: name, Version: version, Types: []*asm.TypeDef{t}}, nil
}
