package harness

// RunOutcome records how one pipeline run over the scenario ended.
type RunOutcome struct {
	RunID string `json:"run_id"`

	// Code is the patch error code, "FAILED" for an unclassified error,
	// or empty on success.
	Code    string   `json:"code,omitempty"`
	Error   string   `json:"error,omitempty"`
	Patched []string `json:"patched,omitempty"`
	Skipped []string `json:"skipped,omitempty"`
}

// Status renders the outcome for golden headers.
func (o RunOutcome) Status() string {
	if o.Code == "" {
		return "ok"
	}
	return o.Code
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if all expectations match.
	Pass bool `json:"pass"`

	// Runs holds one outcome per pipeline run, in order.
	Runs []RunOutcome `json:"runs"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Listings maps each managed binary's file name to the asm.Dump of its
	// final contents.
	Listings map[string]string `json:"listings,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:     true,
		Runs:     []RunOutcome{},
		Errors:   []string{},
		Listings: make(map[string]string),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Last returns the final run's outcome.
func (r *Result) Last() RunOutcome {
	if len(r.Runs) == 0 {
		return RunOutcome{}
	}
	return r.Runs[len(r.Runs)-1]
}
