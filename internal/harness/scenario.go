package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/chainboot/internal/asm"
)

// Scenario defines a conformance test scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Entrypoint selects the injection site. Empty fields take the
	// injector's defaults.
	Entrypoint EntrypointSpec `yaml:"entrypoint,omitempty"`

	// Chainloader shapes the companion binary written next to the
	// managed directory.
	Chainloader ChainloaderSpec `yaml:"chainloader,omitempty"`

	// Assemblies are the fixture binaries placed in the managed directory.
	Assemblies []AssemblySpec `yaml:"assemblies"`

	// Extra are non-assembly files placed in the managed directory, keyed
	// by file name.
	Extra map[string]string `yaml:"extra,omitempty"`

	// Patchers are CUE sources written to the patchers directory.
	Patchers []PatcherSource `yaml:"patchers,omitempty"`

	// Runs is how many times the pipeline runs over the same directory.
	// Defaults to 1.
	Runs int `yaml:"runs,omitempty"`

	// Expect describes the outcome of the last run.
	Expect Expect `yaml:"expect"`
}

// EntrypointSpec mirrors the [entrypoint] configuration table.
type EntrypointSpec struct {
	Assembly string `yaml:"assembly,omitempty"`
	Type     string `yaml:"type,omitempty"`
	Method   string `yaml:"method,omitempty"`
}

// ChainloaderSpec describes the companion fixture.
type ChainloaderSpec struct {
	// Name is the companion assembly name and file stem. Defaults to
	// "Chainloader".
	Name string `yaml:"name,omitempty"`

	// Version defaults to 1.0.0.0.
	Version string `yaml:"version,omitempty"`

	Namespace string `yaml:"namespace,omitempty"`

	// Type declares the entry routines. Defaults to "Chainloader".
	Type string `yaml:"type,omitempty"`

	// Omit lists entry routines ("Init", "Start") left out of the fixture.
	Omit []string `yaml:"omit,omitempty"`
}

// AssemblySpec is one fixture binary.
type AssemblySpec struct {
	// File is the file name inside the managed directory.
	File string `yaml:"file"`

	// Name defaults to File without its extension.
	Name string `yaml:"name,omitempty"`

	// Version defaults to 1.0.0.0.
	Version string `yaml:"version,omitempty"`

	References []string   `yaml:"references,omitempty"`
	Types      []TypeSpec `yaml:"types"`
}

// TypeSpec is one fixture type.
type TypeSpec struct {
	Namespace string       `yaml:"namespace,omitempty"`
	Name      string       `yaml:"name"`
	Fields    []FieldSpec  `yaml:"fields,omitempty"`
	Methods   []MethodSpec `yaml:"methods,omitempty"`
}

// FieldSpec is one fixture field. Fields are private.
type FieldSpec struct {
	Name   string `yaml:"name"`
	Type   string `yaml:"type"`
	Static bool   `yaml:"static,omitempty"`
}

// MethodSpec is one fixture method. Methods named ".cctor" become static
// initializers. An empty body leaves the method without one.
type MethodSpec struct {
	Name   string   `yaml:"name"`
	Static bool     `yaml:"static,omitempty"`
	Params []string `yaml:"params,omitempty"`
	Return string   `yaml:"return,omitempty"`

	// Body lines use the asm.ParseBody syntax.
	Body []string `yaml:"body,omitempty"`
}

// PatcherSource is a CUE file dropped into the patchers directory.
type PatcherSource struct {
	File   string `yaml:"file"`
	Source string `yaml:"source"`
}

// Expect describes the expected outcome.
type Expect struct {
	// ErrorCode is the patch error code of the last run. Empty means the
	// run must succeed.
	ErrorCode string `yaml:"error_code,omitempty"`

	// Patched and Skipped compare exactly against the last run's report
	// when set.
	Patched []string `yaml:"patched,omitempty"`
	Skipped []string `yaml:"skipped,omitempty"`

	// Bodies check final method bodies instruction by instruction.
	Bodies []BodyExpect `yaml:"bodies,omitempty"`

	// References lists, per file, assembly references that must be present.
	References map[string][]string `yaml:"references,omitempty"`

	// Unchanged lists files whose bytes must be identical to the fixture.
	Unchanged []string `yaml:"unchanged,omitempty"`
}

// BodyExpect checks every overload of a method in the final binary. When
// Params is present it selects the one overload with exactly those
// parameter types; "params: []" selects the parameterless one.
type BodyExpect struct {
	Assembly     string   `yaml:"assembly"`
	Type         string   `yaml:"type"`
	Method       string   `yaml:"method"`
	Params       []string `yaml:"params,omitempty"`
	Instructions []string `yaml:"instructions"`
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML with strict field validation.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Assemblies) == 0 {
		return fmt.Errorf("assemblies list is required and must be non-empty")
	}
	if s.Runs < 0 {
		return fmt.Errorf("runs must be non-negative")
	}

	files := make(map[string]bool)
	for i, a := range s.Assemblies {
		if a.File == "" {
			return fmt.Errorf("assemblies[%d]: file is required", i)
		}
		if filepath.Base(a.File) != a.File {
			return fmt.Errorf("assemblies[%d]: file %q must be a bare file name", i, a.File)
		}
		key := strings.ToLower(a.File)
		if files[key] {
			return fmt.Errorf("assemblies[%d]: duplicate file %q", i, a.File)
		}
		files[key] = true
		for j, t := range a.Types {
			if t.Name == "" {
				return fmt.Errorf("assemblies[%d].types[%d]: name is required", i, j)
			}
			for k, m := range t.Methods {
				if m.Name == "" {
					return fmt.Errorf("assemblies[%d].types[%d].methods[%d]: name is required", i, j, k)
				}
			}
		}
	}

	for name := range s.Extra {
		if files[strings.ToLower(name)] {
			return fmt.Errorf("extra: %q collides with a fixture assembly", name)
		}
	}

	for i, p := range s.Patchers {
		if p.File == "" || filepath.Ext(p.File) != ".cue" {
			return fmt.Errorf("patchers[%d]: file must name a .cue file", i)
		}
	}

	for _, omit := range s.Chainloader.Omit {
		if omit != "Init" && omit != "Start" {
			return fmt.Errorf("chainloader.omit: unknown routine %q", omit)
		}
	}

	for i, b := range s.Expect.Bodies {
		if b.Assembly == "" || b.Type == "" || b.Method == "" {
			return fmt.Errorf("expect.bodies[%d]: assembly, type and method are required", i)
		}
		if len(b.Instructions) == 0 {
			return fmt.Errorf("expect.bodies[%d]: instructions list is required", i)
		}
	}
	return nil
}

// runs returns the effective run count.
func (s *Scenario) runs() int {
	if s.Runs == 0 {
		return 1
	}
	return s.Runs
}

// build turns the fixture description into an assembly model.
func (a AssemblySpec) build() (*asm.Assembly, error) {
	out := &asm.Assembly{Name: a.Name, Version: a.Version}
	if out.Name == "" {
		out.Name = asm.AssemblyName(a.File)
	}
	if out.Version == "" {
		out.Version = defaultVersion
	}
	for _, ref := range a.References {
		out.AddReference(asm.AssemblyRef{Name: ref})
	}

	for _, ts := range a.Types {
		t := &asm.TypeDef{Namespace: ts.Namespace, Name: ts.Name, Attributes: asm.TypePublic}
		for _, fs := range ts.Fields {
			attrs := asm.FieldPrivate
			if fs.Static {
				attrs |= asm.FieldStatic
			}
			t.Fields = append(t.Fields, &asm.FieldDef{Name: fs.Name, Type: fs.Type, Attributes: attrs})
		}
		for _, ms := range ts.Methods {
			m, err := ms.build()
			if err != nil {
				return nil, fmt.Errorf("%s::%s: %w", t.FullName(), ms.Name, err)
			}
			t.AddMethod(m)
		}
		out.Types = append(out.Types, t)
	}
	return out, nil
}

func (ms MethodSpec) build() (*asm.MethodDef, error) {
	var m *asm.MethodDef
	if ms.Name == asm.StaticInitializerName {
		m = asm.NewStaticInitializer()
		m.Body = nil
	} else {
		attrs := asm.MethodPublic | asm.MethodHideBySig
		if ms.Static {
			attrs |= asm.MethodStatic
		}
		m = &asm.MethodDef{Name: ms.Name, Attributes: attrs, ReturnType: ms.Return}
		if m.ReturnType == "" {
			m.ReturnType = asm.VoidType
		}
		for _, p := range ms.Params {
			m.Params = append(m.Params, asm.Param{Type: p})
		}
	}
	if len(ms.Body) > 0 {
		body, err := asm.ParseBody(ms.Body)
		if err != nil {
			return nil, err
		}
		m.Body = body
	}
	return m, nil
}
