package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/chainboot/internal/pipeline"
)

// ErrRunNotFound is returned by Run for an unknown id.
var ErrRunNotFound = errors.New("journal: run not found")

// Run is a journaled pipeline run.
type Run struct {
	ID         string             `json:"id"`
	Seq        int64              `json:"seq"`
	ManagedDir string             `json:"managed_dir"`
	Units      []string           `json:"units"`
	Status     pipeline.RunStatus `json:"status"`
	Error      string             `json:"error,omitempty"`
}

// Runs returns the most recent runs first, at most limit of them; a limit
// of zero or less returns every run.
func (s *Store) Runs(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, seq, managed_dir, status, error
		FROM runs
		ORDER BY seq DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}

	for i := range runs {
		if runs[i].Units, err = s.runUnits(ctx, runs[i].ID); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

// Run returns one run by id.
func (s *Store) Run(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, seq, managed_dir, status, error
		FROM runs
		WHERE id = ?
	`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return Run{}, err
	}
	if r.Units, err = s.runUnits(ctx, id); err != nil {
		return Run{}, err
	}
	return r, nil
}

// Applications returns a run's unit applications in seq order.
// Returns an empty slice (not nil) if the run recorded none.
func (s *Store) Applications(ctx context.Context, runID string) ([]pipeline.Application, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, seq, assembly, unit, status, error, hash_before, hash_after
		FROM applications
		WHERE run_id = ?
		ORDER BY seq ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query applications: %w", err)
	}
	defer rows.Close()
	return scanApplications(rows)
}

// AssemblyHistory returns every application to the named binary across
// runs, oldest run first.
func (s *Store) AssemblyHistory(ctx context.Context, assembly string) ([]pipeline.Application, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.run_id, a.seq, a.assembly, a.unit, a.status, a.error, a.hash_before, a.hash_after
		FROM applications a
		JOIN runs r ON a.run_id = r.id
		WHERE a.assembly = ?
		ORDER BY r.seq ASC, a.seq ASC
	`, assembly)
	if err != nil {
		return nil, fmt.Errorf("query assembly history: %w", err)
	}
	defer rows.Close()
	return scanApplications(rows)
}

func (s *Store) runUnits(ctx context.Context, runID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT unit FROM run_units WHERE run_id = ? ORDER BY position ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query run units: %w", err)
	}
	defer rows.Close()

	units := []string{}
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scan run unit: %w", err)
		}
		units = append(units, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run units: %w", err)
	}
	return units, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var r Run
	var status string
	if err := row.Scan(&r.ID, &r.Seq, &r.ManagedDir, &status, &r.Error); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, err
		}
		return Run{}, fmt.Errorf("scan run: %w", err)
	}
	r.Status = pipeline.RunStatus(status)
	return r, nil
}

func scanApplications(rows *sql.Rows) ([]pipeline.Application, error) {
	apps := []pipeline.Application{}
	for rows.Next() {
		var app pipeline.Application
		var status string
		if err := rows.Scan(&app.RunID, &app.Seq, &app.Assembly, &app.Unit, &status,
			&app.Error, &app.HashBefore, &app.HashAfter); err != nil {
			return nil, fmt.Errorf("scan application: %w", err)
		}
		app.Status = pipeline.ApplicationStatus(status)
		apps = append(apps, app)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applications: %w", err)
	}
	return apps, nil
}
