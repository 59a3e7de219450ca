package wrapper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/psantana5/render-experiments/internal/job"
	"github.com/psantana5/render-experiments/internal/report"
	"github.com/psantana5/render-experiments/pkg/logging"
)

func requireShell(t *testing.T) string {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	return sh
}

func newRunner(buf *bytes.Buffer) *Runner {
	logger := logging.NewLogger(logging.DEBUG, false)
	if buf != nil {
		logger.SetOutput(buf)
	} else {
		logger.SetOutput(new(bytes.Buffer))
	}
	return &Runner{
		Logger:   logger,
		Metrics:  report.NewMetrics(),
		Failures: report.NewFailureLog(10),
		Grace:    time.Second,
	}
}

func waitFor(t *testing.T, h *Handle, timeout time.Duration) *report.Result {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(timeout):
		t.Fatalf("process did not finish within %v", timeout)
	}
	return h.Wait()
}

func TestStartExitStatus(t *testing.T) {
	sh := requireShell(t)

	tests := []struct {
		name       string
		script     string
		failOnExit bool
		wantCode   int
		wantReason report.Reason
		wantFailed bool
	}{
		{"success", "exit 0", true, 0, report.ReasonSuccess, false},
		{"non-zero renderer", "exit 3", true, 3, report.ReasonError, true},
		{"non-zero server", "exit 3", false, 3, report.ReasonError, false},
		{"self kill", "kill -9 $$", true, 137, report.ReasonSignal, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRunner(nil)
			h := r.Start(context.Background(), Spec{
				Meta:       Meta{Iteration: "0000", Role: report.RolePath, Name: tt.name},
				Command:    []string{sh, "-c", tt.script},
				FailOnExit: tt.failOnExit,
			}, nil)

			res := waitFor(t, h, 10*time.Second)
			if res.ExitCode != tt.wantCode {
				t.Errorf("ExitCode = %d, want %d", res.ExitCode, tt.wantCode)
			}
			if res.Reason != tt.wantReason {
				t.Errorf("Reason = %s, want %s", res.Reason, tt.wantReason)
			}
			if res.Failed != tt.wantFailed {
				t.Errorf("Failed = %v, want %v", res.Failed, tt.wantFailed)
			}
			if res.JobID == "" {
				t.Error("JobID should be assigned")
			}
			if res.PID == 0 || res.PID != h.PID() {
				t.Errorf("PID = %d, handle PID = %d", res.PID, h.PID())
			}
		})
	}
}

func TestStartSpawnFailed(t *testing.T) {
	r := newRunner(nil)
	cleaned := false

	h := r.Start(context.Background(), Spec{
		Meta:       Meta{Role: report.RolePath},
		Command:    []string{filepath.Join(t.TempDir(), "does-not-exist")},
		FailOnExit: true,
	}, func() { cleaned = true })

	res := waitFor(t, h, time.Second)
	if res.Reason != report.ReasonSpawnFailed || !res.Failed {
		t.Errorf("got reason %s failed %v, want spawn_failed failed", res.Reason, res.Failed)
	}
	if h.PID() != 0 {
		t.Errorf("PID = %d, want 0", h.PID())
	}
	if !cleaned {
		t.Error("cleanup did not run")
	}
	if r.Failures.Count() != 1 {
		t.Errorf("failure log count = %d, want 1", r.Failures.Count())
	}

	// Wait is repeatable
	if h.Wait() != res {
		t.Error("second Wait returned a different result")
	}
}

func TestServerSpawnFailureNotCounted(t *testing.T) {
	r := newRunner(nil)

	h := r.Start(context.Background(), Spec{
		Meta:    Meta{Role: report.RoleServer},
		Command: []string{filepath.Join(t.TempDir(), "does-not-exist")},
	}, nil)

	res := waitFor(t, h, time.Second)
	if res.Reason != report.ReasonSpawnFailed {
		t.Errorf("reason = %s, want spawn_failed", res.Reason)
	}
	if res.Failed {
		t.Error("server spawn failure marked Failed")
	}
	if r.Failures.Count() != 0 {
		t.Errorf("failure log count = %d, want 0", r.Failures.Count())
	}
}

func TestStopTerminatesGroup(t *testing.T) {
	sh := requireShell(t)
	r := newRunner(nil)

	// the background sleep shares the group and must go too
	h := r.Start(context.Background(), Spec{
		Meta:       Meta{Role: report.RoleInference},
		Command:    []string{sh, "-c", "sleep 30 & wait"},
		FailOnExit: true,
		Grace:      500 * time.Millisecond,
	}, nil)

	time.Sleep(100 * time.Millisecond)
	h.Stop()

	res := waitFor(t, h, 10*time.Second)
	if res.Reason != report.ReasonCanceled {
		t.Errorf("Reason = %s, want canceled", res.Reason)
	}
	if !res.Failed {
		t.Error("a cancelled renderer counts as failed")
	}
}

func TestContextCancelEscalatesToKill(t *testing.T) {
	sh := requireShell(t)
	r := newRunner(nil)
	ctx, cancel := context.WithCancel(context.Background())

	h := r.Start(ctx, Spec{
		Meta:    Meta{Role: report.RoleServer},
		Command: []string{sh, "-c", "trap '' TERM; while :; do sleep 0.1; done"},
		Grace:   300 * time.Millisecond,
	}, nil)

	time.Sleep(100 * time.Millisecond)
	cancel()

	res := waitFor(t, h, 10*time.Second)
	if res.Reason != report.ReasonCanceled {
		t.Errorf("Reason = %s, want canceled", res.Reason)
	}
	if res.Failed {
		t.Error("server exit must not count as failure")
	}
}

func TestSkip(t *testing.T) {
	r := newRunner(nil)
	h := r.Skip(Meta{Role: report.RoleInference, Name: "one"}, json.RawMessage(`{"spp":128}`),
		report.ReasonNotReady, errors.New("server not ready"))

	res := waitFor(t, h, time.Second)
	if res.Reason != report.ReasonNotReady || !res.Failed {
		t.Errorf("got %s failed=%v", res.Reason, res.Failed)
	}
	if string(res.Diagnostic) != `{"spp":128}` {
		t.Errorf("Diagnostic = %s", res.Diagnostic)
	}
}

func TestRenderLauncherPassesJobFile(t *testing.T) {
	sh := requireShell(t)
	tmp := t.TempDir()
	copyPath := filepath.Join(t.TempDir(), "job.json")

	l := &RenderLauncher{
		Runner: newRunner(nil),
		// $0 is the copy target, $1 the appended job file
		Command: []string{sh, "-c", `test -s "$1" && cp "$1" "$0"`, copyPath},
		Dir:     t.TempDir(),
		TempDir: tmp,
		Output:  new(bytes.Buffer),
	}

	d := job.Build(job.Params{
		Samples:         128,
		PortOffset:      1,
		OutputDirectory: "/tmp/test-0005-one",
		OutputName:      "Ours (trained one)",
		Integrator:      job.IntegratorDataParallel,
		Scene:           "procedural/cornell-0005.json",
	})
	res := waitFor(t, l.Start(context.Background(), d, Meta{Iteration: "0005", Role: report.RoleInference}), 10*time.Second)
	if res.Failed {
		t.Fatalf("renderer failed: %+v", res)
	}

	data, err := os.ReadFile(copyPath)
	if err != nil {
		t.Fatalf("renderer did not see the job file: %v", err)
	}
	var got job.Descriptor
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("job file is not JSON: %v", err)
	}
	if got != d {
		t.Errorf("job file = %+v, want %+v", got, d)
	}

	entries, _ := os.ReadDir(tmp)
	if len(entries) != 0 {
		t.Errorf("temp job file not removed: %v", entries)
	}
}

func TestRenderLauncherFailureLogsDescriptor(t *testing.T) {
	sh := requireShell(t)
	var logs bytes.Buffer
	tmp := t.TempDir()

	l := &RenderLauncher{
		Runner:  newRunner(&logs),
		Command: []string{sh, "-c", "exit 1", "sh"},
		TempDir: tmp,
		Output:  new(bytes.Buffer),
	}

	d := job.Build(job.Params{Samples: 4096, OutputDirectory: "/tmp/test-0001-gt", OutputName: "GT", Integrator: job.IntegratorPathTracer, Scene: "s.json"})
	res := waitFor(t, l.Start(context.Background(), d, Meta{Iteration: "0001", Role: report.RoleGT, Name: "GT"}), 10*time.Second)

	if !res.Failed || res.ExitCode != 1 {
		t.Fatalf("got failed=%v exit=%d, want failed exit 1", res.Failed, res.ExitCode)
	}
	if !strings.Contains(string(res.Diagnostic), `"spp":4096`) {
		t.Errorf("Diagnostic missing descriptor: %s", res.Diagnostic)
	}
	out := logs.String()
	if !strings.Contains(out, "ERROR: job failed") || !strings.Contains(out, "test-0001-gt") {
		t.Errorf("failure log line missing descriptor:\n%s", out)
	}

	entries, _ := os.ReadDir(tmp)
	if len(entries) != 0 {
		t.Errorf("temp job file not removed after failure: %v", entries)
	}
}

func TestRenderLauncherMissingBinary(t *testing.T) {
	tmp := t.TempDir()
	l := &RenderLauncher{
		Runner:  newRunner(nil),
		Command: []string{"./pathed-missing"},
		Dir:     t.TempDir(),
		TempDir: tmp,
	}

	res := waitFor(t, l.Start(context.Background(), job.Defaults(), Meta{Role: report.RolePath}), time.Second)
	if res.Reason != report.ReasonSpawnFailed {
		t.Errorf("Reason = %s, want spawn_failed", res.Reason)
	}
	entries, _ := os.ReadDir(tmp)
	if len(entries) != 0 {
		t.Errorf("temp job file not removed: %v", entries)
	}
}

func TestServerLauncherArgsAndLog(t *testing.T) {
	sh := requireShell(t)
	logDir := t.TempDir()

	l := &ServerLauncher{
		Runner: newRunner(nil),
		// $1 is the port offset, $2 the checkpoint
		Command: []string{sh, "-c", `echo "offset=$1 checkpoint=$2"; exit 1`, "server"},
		LogDir:  logDir,
	}

	req := ServerRequest{PortOffset: 3, Checkpoint: "ckpt/many.pt"}
	res := waitFor(t, l.Start(context.Background(), req, Meta{Iteration: "0002", Role: report.RoleServer}), 10*time.Second)
	if res.Failed {
		t.Errorf("server exit must not be a failure: %+v", res)
	}

	data, err := os.ReadFile(filepath.Join(logDir, "server-0002-3.log"))
	if err != nil {
		t.Fatalf("server log: %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != "offset=3 checkpoint=ckpt/many.pt" {
		t.Errorf("server saw %q", got)
	}
}

func TestSignalName(t *testing.T) {
	if got := SignalName(9); got != "SIGKILL" {
		t.Errorf("SignalName(9) = %s", got)
	}
	if got := SignalName(64); got != "SIG64" {
		t.Errorf("SignalName(64) = %s", got)
	}
}
