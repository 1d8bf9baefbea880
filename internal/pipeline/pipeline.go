package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/roach88/chainboot/internal/asm"
	"github.com/roach88/chainboot/internal/patch"
)

// DefaultExtensions are the file extensions scanned as managed binaries.
var DefaultExtensions = []string{".dll"}

// Driver runs the registered patch units over a managed directory.
//
// A Driver is single-use: Run may be called once, after which every unit
// in the registry has been closed.
type Driver struct {
	registry   *patch.Registry
	logger     *slog.Logger
	persister  Persister
	live       map[string]LiveLoader
	recorder   Recorder
	clock      *Clock
	runIDs     RunIDGenerator
	extensions []string
	state      State
}

// Option configures a Driver.
type Option func(*Driver)

// WithLogger sets the sink for progress and teardown messages.
func WithLogger(l *slog.Logger) Option {
	return func(d *Driver) {
		d.logger = l
	}
}

// WithPersister replaces the default in-place FilePersister.
func WithPersister(p Persister) Option {
	return func(d *Driver) {
		d.persister = p
	}
}

// WithLiveAssembly routes the binary named file to load instead of the
// persister.
func WithLiveAssembly(file string, load LiveLoader) Option {
	return func(d *Driver) {
		d.live[strings.ToLower(filepath.Base(file))] = load
	}
}

// WithRecorder journals run progress.
func WithRecorder(r Recorder) Option {
	return func(d *Driver) {
		d.recorder = r
	}
}

// WithClock sets the clock used to stamp applications.
func WithClock(c *Clock) Option {
	return func(d *Driver) {
		d.clock = c
	}
}

// WithRunIDGenerator sets the run id source.
func WithRunIDGenerator(g RunIDGenerator) Option {
	return func(d *Driver) {
		d.runIDs = g
	}
}

// WithExtensions sets which file extensions are scanned. Matching ignores
// case.
func WithExtensions(exts ...string) Option {
	return func(d *Driver) {
		d.extensions = make([]string, len(exts))
		for i, ext := range exts {
			d.extensions[i] = strings.ToLower(ext)
		}
	}
}

// New creates a driver over reg.
func New(reg *patch.Registry, opts ...Option) *Driver {
	d := &Driver{
		registry:   reg,
		persister:  FilePersister{},
		live:       make(map[string]LiveLoader),
		clock:      NewClock(),
		runIDs:     UUIDv7Generator{},
		extensions: DefaultExtensions,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = slog.New(slog.DiscardHandler)
	}
	return d
}

// State returns the driver's lifecycle state.
func (d *Driver) State() State {
	return d.state
}

// Report summarizes a run.
type Report struct {
	RunID        string        `json:"run_id"`
	ManagedDir   string        `json:"managed_dir"`
	Scanned      int           `json:"scanned"`
	Skipped      []string      `json:"skipped,omitempty"`
	Patched      []string      `json:"patched,omitempty"`
	Applications []Application `json:"applications,omitempty"`
}

type target struct {
	path     string
	name     string
	units    []patch.Unit
	assembly *asm.Assembly
}

// Run patches every targeted binary in dir. The returned report is non-nil
// even on failure and describes how far the run got.
func (d *Driver) Run(ctx context.Context, dir string) (report *Report, err error) {
	if d.state != StateIdle {
		return nil, ErrAlreadyRun
	}

	report = &Report{RunID: d.runIDs.Generate(), ManagedDir: dir}
	log := d.logger.With("run_id", report.RunID)

	d.begin(ctx, log, report)
	defer func() {
		d.registry.CloseAll(log)
		d.state = StateDisposed
		d.end(ctx, log, report.RunID, err)
	}()

	d.state = StateLoading
	targets, err := d.load(log, dir, report)
	if err != nil {
		return report, err
	}

	d.state = StatePatching
	for _, t := range targets {
		if err := d.patch(ctx, log, report, t); err != nil {
			return report, err
		}
	}

	d.state = StatePersisting
	for _, t := range targets {
		if err := d.persist(log, t); err != nil {
			return report, err
		}
		report.Patched = append(report.Patched, t.name)
	}

	log.Info("patch run complete",
		"scanned", report.Scanned,
		"patched", len(report.Patched),
		"skipped", len(report.Skipped))
	return report, nil
}

// load enumerates dir and loads only the binaries some unit targets.
func (d *Driver) load(log *slog.Logger, dir string, report *Report) ([]*target, error) {
	files, err := d.scan(dir)
	if err != nil {
		return nil, &StageError{Stage: StateLoading, Err: err}
	}
	report.Scanned = len(files)
	log.Debug("scanned managed directory", "dir", dir, "binaries", len(files))
	if err := d.checkRequired(dir, files); err != nil {
		return nil, err
	}

	var targets []*target
	for _, path := range files {
		name := filepath.Base(path)
		units := d.registry.UnitsFor(name)
		if len(units) == 0 {
			report.Skipped = append(report.Skipped, name)
			continue
		}
		a, err := asm.LoadFile(path)
		if err != nil {
			return nil, &StageError{
				Stage:    StateLoading,
				Assembly: name,
				Err:      patch.NewStructuralError(name, "cannot load binary", err),
			}
		}
		log.Debug("loaded binary", "assembly", name, "units", len(units))
		targets = append(targets, &target{path: path, name: name, units: units, assembly: a})
	}
	return targets, nil
}

// checkRequired fails when a unit with mandatory targets names a binary
// that the scan did not find.
func (d *Driver) checkRequired(dir string, files []string) error {
	for _, u := range d.registry.Units() {
		if !patch.IsRequired(u) {
			continue
		}
		for _, want := range u.Targets() {
			found := slices.ContainsFunc(files, func(path string) bool {
				return strings.EqualFold(filepath.Base(path), filepath.Base(want))
			})
			if found {
				continue
			}
			err := patch.NewConfigurationError(fmt.Sprintf("unit %s targets %s, which is not in %s", u.Name(), want, dir))
			err.Unit = u.Name()
			err.Assembly = want
			return &StageError{Stage: StateLoading, Assembly: want, Err: err}
		}
	}
	return nil
}

// scan returns binaries directly inside dir, sorted by name.
func (d *Driver) scan(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read managed directory: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if slices.Contains(d.extensions, ext) {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	slices.Sort(files)
	return files, nil
}

// patch applies t's units in registration order and verifies after each.
func (d *Driver) patch(ctx context.Context, log *slog.Logger, report *Report, t *target) error {
	for _, u := range t.units {
		app := Application{
			RunID:    report.RunID,
			Seq:      d.clock.Next(),
			Assembly: t.name,
			Unit:     u.Name(),
			Status:   ApplicationApplied,
		}
		if d.recorder != nil {
			app.HashBefore, _ = asm.Hash(t.assembly)
		}

		err := u.Patch(t.assembly)
		if err == nil {
			if verr := asm.Verify(t.assembly); verr != nil {
				err = patch.NewStructuralError(t.name, "patched assembly failed verification", verr)
			}
		}
		if err != nil {
			var pe *patch.Error
			if errors.As(err, &pe) {
				if pe.Unit == "" {
					pe.Unit = u.Name()
				}
				if pe.Assembly == "" {
					pe.Assembly = t.name
				}
			}
			app.Status = ApplicationFailed
			app.Error = err.Error()
			d.record(ctx, log, report, app)
			log.Error("patch unit failed", "unit", u.Name(), "assembly", t.name, "error", err)
			return &UnitError{Unit: u.Name(), Assembly: t.name, Err: err}
		}

		if d.recorder != nil {
			app.HashAfter, _ = asm.Hash(t.assembly)
		}
		d.record(ctx, log, report, app)
		log.Info("patch unit applied", "unit", u.Name(), "assembly", t.name)
	}
	return nil
}

func (d *Driver) persist(log *slog.Logger, t *target) error {
	if load, ok := d.live[strings.ToLower(t.name)]; ok {
		if err := load(t.assembly); err != nil {
			return &StageError{Stage: StatePersisting, Assembly: t.name, Err: err}
		}
		log.Info("loaded patched binary into host", "assembly", t.name)
		return nil
	}
	if err := d.persister.Persist(t.path, t.assembly); err != nil {
		return &StageError{Stage: StatePersisting, Assembly: t.name, Err: err}
	}
	log.Debug("persisted binary", "assembly", t.name)
	return nil
}

func (d *Driver) begin(ctx context.Context, log *slog.Logger, report *Report) {
	if d.recorder == nil {
		return
	}
	units := d.registry.Units()
	names := make([]string, len(units))
	for i, u := range units {
		names[i] = u.Name()
	}
	info := RunInfo{ID: report.RunID, ManagedDir: report.ManagedDir, Units: names}
	if err := d.recorder.BeginRun(ctx, info); err != nil {
		log.Warn("journal: begin run failed", "error", err)
	}
}

func (d *Driver) record(ctx context.Context, log *slog.Logger, report *Report, app Application) {
	report.Applications = append(report.Applications, app)
	if d.recorder == nil {
		return
	}
	if err := d.recorder.RecordApplication(ctx, app); err != nil {
		log.Warn("journal: record application failed", "unit", app.Unit, "assembly", app.Assembly, "error", err)
	}
}

func (d *Driver) end(ctx context.Context, log *slog.Logger, runID string, runErr error) {
	if d.recorder == nil {
		return
	}
	status, msg := RunSucceeded, ""
	if runErr != nil {
		status, msg = RunFailed, runErr.Error()
	}
	if err := d.recorder.EndRun(ctx, runID, status, msg); err != nil {
		log.Warn("journal: end run failed", "error", err)
	}
}
