package pipeline

import (
	"errors"
	"fmt"
)

// ErrAlreadyRun is returned when Run is called on a driver that has
// already run.
var ErrAlreadyRun = errors.New("pipeline: driver has already run")

// UnitError reports a patch unit that failed on a binary.
type UnitError struct {
	// Unit is the failing unit's name.
	Unit string

	// Assembly is the binary's file name.
	Assembly string

	// Err is the unit's error.
	Err error
}

func (e *UnitError) Error() string {
	return fmt.Sprintf("patch unit %q failed on %s: %v", e.Unit, e.Assembly, e.Err)
}

func (e *UnitError) Unwrap() error {
	return e.Err
}

// StageError reports a failure outside any unit: scanning, loading or
// persisting a binary.
type StageError struct {
	Stage    State
	Assembly string
	Err      error
}

func (e *StageError) Error() string {
	if e.Assembly == "" {
		return fmt.Sprintf("%s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Stage, e.Assembly, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
