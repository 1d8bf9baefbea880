// Package pipeline drives a patch run over a directory of managed binaries.
//
// ARCHITECTURE:
//
// A Driver runs exactly once and moves through a linear state machine:
//
//	Idle → Loading → Patching → Persisting → Disposed
//
// Loading: binaries in the directory are enumerated in name order. A binary
// no registered unit targets is skipped without being loaded; applicability
// is decided from the file name alone.
//
// Patching: each loaded binary receives its units in registration order.
// The assembly is verified after every unit, so a structural defect is
// attributed to the unit that introduced it.
//
// Persisting: only when every binary patched cleanly is anything written.
// A failed run never leaves a partially patched binary on disk.
//
// Disposed: every registered unit is closed exactly once, on success and
// on failure alike. Teardown errors are logged, never returned.
//
// Failure policy is fail-fast per run: the first unit failure stops the run
// and is returned as a *UnitError naming the unit, the binary and the cause.
// There are no retries; patch failures are structural or configuration
// errors, not transient ones.
//
// The driver is single-threaded and synchronous. A loaded assembly is owned
// by the driver for the whole run and is never shared.
package pipeline
