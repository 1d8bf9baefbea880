// Package journal provides a SQLite-backed record of patch runs.
//
// The journal is append-only:
//   - runs: one row per pipeline run, with its final status
//   - run_units: the registry order the run started with
//   - applications: one row per patch unit applied to a binary
//
// Ordering uses the seq columns (logical clocks), never timestamps, so
// listings are identical however fast the runs happened.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// *Store implements pipeline.Recorder.
package journal
