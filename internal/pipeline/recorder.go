package pipeline

import "context"

// RunStatus is the outcome of a run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// ApplicationStatus is the outcome of one unit on one binary.
type ApplicationStatus string

const (
	ApplicationApplied ApplicationStatus = "applied"
	ApplicationFailed  ApplicationStatus = "failed"
)

// Application records one unit applied to one binary.
type Application struct {
	RunID      string            `json:"run_id"`
	Seq        int64             `json:"seq"`
	Assembly   string            `json:"assembly"`
	Unit       string            `json:"unit"`
	Status     ApplicationStatus `json:"status"`
	Error      string            `json:"error,omitempty"`
	HashBefore string            `json:"hash_before,omitempty"`
	HashAfter  string            `json:"hash_after,omitempty"`
}

// RunInfo describes a run when it begins.
type RunInfo struct {
	ID         string
	ManagedDir string
	Units      []string
}

// Recorder receives run progress, e.g. to journal it. Recorder failures are
// logged and never fail the run.
type Recorder interface {
	BeginRun(ctx context.Context, info RunInfo) error
	RecordApplication(ctx context.Context, app Application) error
	EndRun(ctx context.Context, runID string, status RunStatus, errMsg string) error
}
