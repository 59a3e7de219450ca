package report

import (
	"encoding/json"
	"time"

	"github.com/psantana5/render-experiments/pkg/logging"
)

// Role is what a process does within an iteration
type Role string

const (
	RoleServer    Role = "server"    // inference server
	RoleInference Role = "inference" // renderer driven by a server
	RolePath      Role = "path"      // baseline path tracer
	RoleGT        Role = "gt"        // converged ground truth
)

// Reason describes why a process reached its terminal state
type Reason string

const (
	ReasonSuccess     Reason = "success"
	ReasonError       Reason = "error"  // non-zero exit
	ReasonSignal      Reason = "signal" // killed by a signal we did not send
	ReasonSpawnFailed Reason = "spawn_failed"
	ReasonNotReady    Reason = "server_not_ready"
	ReasonCanceled    Reason = "canceled"
)

// Result is the terminal record of one spawned process. Set once, never change.
type Result struct {
	JobID     string `json:"job_id"`
	Iteration string `json:"iteration"`
	Role      Role   `json:"role"`
	Name      string `json:"name"`
	PID       int    `json:"pid,omitempty"`

	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration_ns"`

	ExitCode int    `json:"exit_code"`
	Reason   Reason `json:"reason"`
	Failed   bool   `json:"failed"`
	Error    string `json:"error,omitempty"`

	// Diagnostic holds the job descriptor for renderer jobs
	Diagnostic json.RawMessage `json:"diagnostic,omitempty"`
}

// Fields returns the result as log fields
func (r *Result) Fields() logging.Fields {
	f := logging.Fields{
		"job_id":    r.JobID,
		"iteration": r.Iteration,
		"role":      string(r.Role),
		"name":      r.Name,
		"pid":       r.PID,
		"exit_code": r.ExitCode,
		"reason":    string(r.Reason),
		"runtime":   r.Duration.Round(time.Millisecond).String(),
	}
	if r.Error != "" {
		f["error"] = r.Error
	}
	return f
}

// LogSummary emits the one-line record ops grep for
func (r *Result) LogSummary(logger *logging.Logger) {
	if !r.Failed {
		logger.Info("job finished", r.Fields())
		return
	}

	f := r.Fields()
	if len(r.Diagnostic) > 0 {
		f["job"] = string(r.Diagnostic)
	}
	logger.Error("job failed", f)
}

// Results is an iteration's or a batch's worth of results
type Results []*Result

// Failed counts failed results
func (rs Results) Failed() int {
	n := 0
	for _, r := range rs {
		if r.Failed {
			n++
		}
	}
	return n
}

// ByRole returns the results with the given role, in order
func (rs Results) ByRole(role Role) Results {
	var out Results
	for _, r := range rs {
		if r.Role == role {
			out = append(out, r)
		}
	}
	return out
}
