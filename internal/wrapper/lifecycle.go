package wrapper

import (
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"github.com/psantana5/render-experiments/internal/report"
)

// classifyExit maps cmd.Wait's error to an exit code and reason.
// Signalled processes report 128+signal like a shell would.
func classifyExit(err error) (int, report.Reason, error) {
	if err == nil {
		return 0, report.ReasonSuccess, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			sig := status.Signal()
			return 128 + int(sig), report.ReasonSignal, fmt.Errorf("killed by %s", SignalName(sig))
		}
		return exitErr.ExitCode(), report.ReasonError, nil
	}

	// I/O copy failures or WaitDelay expiry
	return -1, report.ReasonError, err
}

// isFailure decides whether a terminal reason counts against the job.
// Servers run without failOnExit: one that never started surfaces on its
// renderer as server_not_ready instead.
func isFailure(reason report.Reason, failOnExit bool) bool {
	switch reason {
	case report.ReasonNotReady:
		return true
	case report.ReasonSuccess:
		return false
	default:
		return failOnExit
	}
}

// terminateGroup sends SIGTERM to the process group led by pid and SIGKILL
// after grace unless done closes first.
func terminateGroup(pid int, grace time.Duration, done <-chan struct{}) error {
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return err
	}

	go func() {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			syscall.Kill(-pid, syscall.SIGKILL)
		}
	}()
	return nil
}

// SignalName returns the signal name for a signal number
func SignalName(sig syscall.Signal) string {
	switch sig {
	case syscall.SIGKILL:
		return "SIGKILL"
	case syscall.SIGTERM:
		return "SIGTERM"
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGHUP:
		return "SIGHUP"
	case syscall.SIGQUIT:
		return "SIGQUIT"
	case syscall.SIGABRT:
		return "SIGABRT"
	case syscall.SIGSEGV:
		return "SIGSEGV"
	case syscall.SIGPIPE:
		return "SIGPIPE"
	default:
		return fmt.Sprintf("SIG%d", int(sig))
	}
}
