package journal

import (
	"context"
	"fmt"

	"github.com/roach88/chainboot/internal/pipeline"
)

var _ pipeline.Recorder = (*Store)(nil)

// BeginRun inserts a run in the running state together with the unit
// order it starts with. The run's seq is one past the highest recorded.
// A repeated id is ignored.
//
// Implements pipeline.Recorder.
func (s *Store) BeginRun(ctx context.Context, info pipeline.RunInfo) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin run: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO runs (id, seq, managed_dir, status)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM runs), ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, info.ID, info.ManagedDir, string(pipeline.RunRunning))
	if err != nil {
		return fmt.Errorf("begin run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}

	for i, unit := range info.Units {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO run_units (run_id, position, unit) VALUES (?, ?, ?)
		`, info.ID, i, unit); err != nil {
			return fmt.Errorf("begin run: unit %s: %w", unit, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("begin run: %w", err)
	}
	return nil
}

// RecordApplication appends one unit application. The run must exist
// (foreign key). A repeated (run, seq) pair is ignored.
//
// Implements pipeline.Recorder.
func (s *Store) RecordApplication(ctx context.Context, app pipeline.Application) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO applications
		(run_id, seq, assembly, unit, status, error, hash_before, hash_after)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`,
		app.RunID,
		app.Seq,
		app.Assembly,
		app.Unit,
		string(app.Status),
		app.Error,
		app.HashBefore,
		app.HashAfter,
	)
	if err != nil {
		return fmt.Errorf("record application: %w", err)
	}
	return nil
}

// EndRun sets the final status of a running run. Ending an unknown or
// already ended run is an error.
//
// Implements pipeline.Recorder.
func (s *Store) EndRun(ctx context.Context, runID string, status pipeline.RunStatus, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, error = ?
		WHERE id = ? AND status = ?
	`, string(status), errMsg, runID, string(pipeline.RunRunning))
	if err != nil {
		return fmt.Errorf("end run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("end run: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("end run: no running run %q", runID)
	}
	return nil
}
