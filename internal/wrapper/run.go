package wrapper

// A failing process is data, not an error: Start never returns one and Wait
// never panics. Siblings keep running whatever happens here.

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/psantana5/render-experiments/internal/cgroups"
	"github.com/psantana5/render-experiments/internal/observe"
	"github.com/psantana5/render-experiments/internal/report"
	"github.com/psantana5/render-experiments/pkg/logging"
)

// Meta identifies a process within an iteration
type Meta struct {
	JobID     string
	Iteration string
	Role      report.Role
	Name      string
}

// Spec describes one external process
type Spec struct {
	Meta
	Command []string
	Dir     string
	Stdout  io.Writer // nil discards
	Stderr  io.Writer // nil discards

	// Grace is how long a cancelled process group gets between SIGTERM and SIGKILL
	Grace time.Duration

	// FailOnExit marks any non-success exit as Failed. Servers leave it off:
	// whatever way they exit, they are done.
	FailOnExit bool

	// Limits confine the process group in a cgroup when the Runner has one
	Limits *cgroups.Limits

	Diagnostic json.RawMessage
}

// Handle is a spawned process. Wait may be called any number of times.
type Handle struct {
	meta   Meta
	pid    int
	done   chan struct{}
	result *report.Result
	stop   context.CancelFunc
}

// Wait blocks until the process has exited and returns its result
func (h *Handle) Wait() *report.Result {
	<-h.done
	return h.result
}

// Done is closed once the result is available
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Stop asks the process group to terminate. It returns immediately.
func (h *Handle) Stop() {
	h.stop()
}

// PID returns the process ID, 0 if it never started
func (h *Handle) PID() int {
	return h.pid
}

// Runner spawns processes and turns their exits into Results
type Runner struct {
	Logger   *logging.Logger
	Metrics  *report.Metrics
	Failures *report.FailureLog
	Grace    time.Duration
	Cgroups  *cgroups.Manager // nil = never confine
}

// Start spawns spec in its own process group and returns without waiting.
// cleanup, if non-nil, runs after the process has been reaped (or failed to
// start) and before the result is published.
func (r *Runner) Start(ctx context.Context, spec Spec, cleanup func()) *Handle {
	if spec.JobID == "" {
		spec.JobID = uuid.NewString()
	}
	if spec.Grace <= 0 {
		spec.Grace = r.Grace
	}
	if spec.Grace <= 0 {
		spec.Grace = 10 * time.Second
	}
	if cleanup == nil {
		cleanup = func() {}
	}

	procCtx, stop := context.WithCancel(ctx)
	h := &Handle{meta: spec.Meta, done: make(chan struct{}), stop: stop}
	timing := observe.NewTiming()

	if len(spec.Command) == 0 {
		cleanup()
		r.finish(h, spec, timing, report.ReasonSpawnFailed, -1, errors.New("empty command"), false)
		return h
	}

	cmd := exec.CommandContext(procCtx, spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr

	// Own process group so cancellation reaches everything the process forks
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return terminateGroup(cmd.Process.Pid, spec.Grace, h.done)
	}
	cmd.WaitDelay = spec.Grace + 5*time.Second

	if err := cmd.Start(); err != nil {
		cleanup()
		reason := report.ReasonSpawnFailed
		if ctx.Err() != nil {
			reason = report.ReasonCanceled
		}
		r.finish(h, spec, timing, reason, -1, fmt.Errorf("failed to start: %w", err), false)
		return h
	}

	h.pid = cmd.Process.Pid
	r.Metrics.JobStarted(spec.Role)
	r.logger().Debug("process started", logging.Fields{
		"job_id":    spec.JobID,
		"iteration": spec.Iteration,
		"role":      string(spec.Role),
		"pid":       h.pid,
		"command":   spec.Command,
		"dir":       spec.Dir,
	})

	cgroupPath := r.confine(spec, h.pid)

	go func() {
		waitErr := cmd.Wait()
		timing.Complete()
		cleanup()
		if cgroupPath != "" {
			r.Cgroups.Delete(cgroupPath)
		}

		code, reason, err := classifyExit(waitErr)
		if reason != report.ReasonSuccess && procCtx.Err() != nil {
			reason = report.ReasonCanceled
		}
		r.finish(h, spec, timing, reason, code, err, true)
	}()

	return h
}

// Skip publishes a result for a process that was never spawned
func (r *Runner) Skip(meta Meta, diagnostic json.RawMessage, reason report.Reason, cause error) *Handle {
	if meta.JobID == "" {
		meta.JobID = uuid.NewString()
	}
	h := &Handle{meta: meta, done: make(chan struct{}), stop: func() {}}
	spec := Spec{Meta: meta, FailOnExit: true, Diagnostic: diagnostic}
	r.finish(h, spec, observe.NewTiming(), reason, -1, cause, false)
	return h
}

func (r *Runner) finish(h *Handle, spec Spec, timing *observe.Timing, reason report.Reason, code int, cause error, started bool) {
	timing.Complete()

	res := &report.Result{
		JobID:      spec.JobID,
		Iteration:  spec.Iteration,
		Role:       spec.Role,
		Name:       spec.Name,
		PID:        h.pid,
		StartTime:  timing.StartedAt,
		EndTime:    timing.CompletedAt,
		Duration:   timing.Duration(),
		ExitCode:   code,
		Reason:     reason,
		Diagnostic: spec.Diagnostic,
	}
	if cause != nil {
		res.Error = cause.Error()
	}
	res.Failed = isFailure(reason, spec.FailOnExit)

	r.Metrics.JobFinished(res, started)
	r.Failures.Record(res)
	res.LogSummary(r.logger())

	h.result = res
	close(h.done)
	h.stop()
}

// confine is best effort: a process we cannot limit keeps running
func (r *Runner) confine(spec Spec, pid int) string {
	if r.Cgroups == nil || spec.Limits.IsZero() {
		return ""
	}
	path, err := r.Cgroups.Confine(spec.JobID, pid, spec.Limits)
	if err != nil {
		r.logger().Warn("cgroup limits not applied", logging.Fields{
			"job_id": spec.JobID,
			"pid":    pid,
			"error":  err.Error(),
		})
	}
	return path
}

func (r *Runner) logger() *logging.Logger {
	if r.Logger == nil {
		return logging.Nop()
	}
	return r.Logger
}
