// Package config loads chainboot.toml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"golang.org/x/text/unicode/norm"

	"github.com/roach88/chainboot/internal/entrypoint"
	"github.com/roach88/chainboot/internal/patch"
)

// DefaultFileName is the configuration file looked up by the CLI.
const DefaultFileName = "chainboot.toml"

// Config is the parsed configuration. Paths are absolute after Load.
type Config struct {
	Paths       Paths       `toml:"paths"`
	Entrypoint  Entrypoint  `toml:"entrypoint"`
	Chainloader Chainloader `toml:"chainloader"`

	// Dir is the directory relative paths resolve against (set at load time).
	Dir string `toml:"-"`
}

// Paths configures file system locations.
type Paths struct {
	// Managed is the directory of managed binaries to patch.
	Managed string `toml:"managed"`

	// Patchers holds declarative .cue patch units.
	Patchers string `toml:"patchers"`

	// Output, when set, receives patched binaries instead of Managed.
	Output string `toml:"output"`

	// Journal is the SQLite journal file. Empty disables journaling.
	Journal string `toml:"journal"`

	// CrashDir receives fatal crash logs.
	CrashDir string `toml:"crash_dir"`
}

// Entrypoint selects where the chainloader prologue goes.
type Entrypoint struct {
	Assembly string `toml:"assembly"`
	Type     string `toml:"type"`
	Method   string `toml:"method"`
}

// Chainloader locates the companion binary and its routines.
type Chainloader struct {
	Assembly string `toml:"assembly"`
	Type     string `toml:"type"`
	Init     string `toml:"init"`
	Start    string `toml:"start"`
}

// Default returns the configuration used when no file exists, rooted at dir.
func Default(dir string) (*Config, error) {
	c := &Config{}
	if err := c.finish(dir, nil); err != nil {
		return nil, err
	}
	return c, nil
}

// Load parses the configuration file at path. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var c Config
	md, err := toml.Decode(string(data), &c)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("%s: unknown keys: %s", path, strings.Join(keys, ", "))
	}

	if err := c.finish(filepath.Dir(path), &md); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &c, nil
}

// LoadOrDefault loads path if it exists and falls back to Default rooted at
// path's directory otherwise.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(filepath.Dir(path))
	}
	return Load(path)
}

// finish applies defaults, normalises identifiers, resolves paths and
// validates. md is nil for a configuration that did not come from a file.
func (c *Config) finish(dir string, md *toml.MetaData) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	c.Dir = abs

	// An explicitly empty type is an error; only an absent key defaults.
	typeSet := md != nil && md.IsDefined("entrypoint", "type")
	if !typeSet {
		c.Entrypoint.Type = entrypoint.DefaultType
	}

	defaultString(&c.Paths.Managed, "Managed")
	defaultString(&c.Paths.Patchers, "patchers")
	defaultString(&c.Paths.CrashDir, ".")
	defaultString(&c.Entrypoint.Assembly, entrypoint.DefaultAssembly)
	defaultString(&c.Chainloader.Assembly, entrypoint.DefaultCompanionAssembly)
	defaultString(&c.Chainloader.Type, entrypoint.DefaultCompanionType)
	defaultString(&c.Chainloader.Init, entrypoint.DefaultInit)
	defaultString(&c.Chainloader.Start, entrypoint.DefaultStart)

	for _, s := range []*string{
		&c.Entrypoint.Assembly, &c.Entrypoint.Type, &c.Entrypoint.Method,
		&c.Chainloader.Type, &c.Chainloader.Init, &c.Chainloader.Start,
	} {
		*s = Normalize(*s)
	}

	c.Paths.Managed = c.Resolve(c.Paths.Managed)
	c.Paths.Patchers = c.Resolve(c.Paths.Patchers)
	c.Paths.Output = c.Resolve(c.Paths.Output)
	c.Paths.Journal = c.Resolve(c.Paths.Journal)
	c.Paths.CrashDir = c.Resolve(c.Paths.CrashDir)
	c.Chainloader.Assembly = c.Resolve(c.Chainloader.Assembly)

	return c.Validate()
}

// Validate reports configuration values that cannot be honoured.
func (c *Config) Validate() error {
	if c.Entrypoint.Type == "" {
		return patch.NewConfigurationError("the entrypoint type is empty")
	}
	if c.Entrypoint.Assembly == "" {
		return patch.NewConfigurationError("the entrypoint assembly is empty")
	}
	if filepath.Base(c.Entrypoint.Assembly) != c.Entrypoint.Assembly {
		return patch.NewConfigurationError(
			fmt.Sprintf("the entrypoint assembly %q must be a file name, not a path", c.Entrypoint.Assembly))
	}
	if c.Chainloader.Assembly == "" {
		return patch.NewConfigurationError("the chainloader assembly is empty")
	}
	return nil
}

// Resolve makes p absolute relative to the config directory. Empty stays
// empty.
func (c *Config) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Dir, p)
}

// EntrypointSpec returns the injection target.
func (c *Config) EntrypointSpec() entrypoint.Spec {
	return entrypoint.Spec{
		Assembly: c.Entrypoint.Assembly,
		Type:     c.Entrypoint.Type,
		Method:   c.Entrypoint.Method,
	}
}

// Companion returns the chainloader location.
func (c *Config) Companion() entrypoint.Companion {
	return entrypoint.Companion{
		Path:  c.Chainloader.Assembly,
		Type:  c.Chainloader.Type,
		Init:  c.Chainloader.Init,
		Start: c.Chainloader.Start,
	}
}

// Normalize trims s and converts it to Unicode NFC, so identifiers typed in
// decomposed form match the names stored in binaries.
func Normalize(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

func defaultString(s *string, def string) {
	if strings.TrimSpace(*s) == "" {
		*s = def
	}
}
