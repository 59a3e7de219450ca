// Package experimenttest provides an in-memory Launcher that records every
// spawn and join so tests can check ordering without running processes.
package experimenttest

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/psantana5/render-experiments/internal/experiment"
	"github.com/psantana5/render-experiments/internal/job"
	"github.com/psantana5/render-experiments/internal/report"
	"github.com/psantana5/render-experiments/internal/wrapper"
)

// Event kinds
const (
	Spawn = "spawn"
	Join  = "join"
	Skip  = "skip"
	Stop  = "stop"
)

// Event is one entry of the shared timestamp log
type Event struct {
	At        time.Time
	Kind      string
	Iteration string
	Role      report.Role
	Name      string
}

// Launcher fakes servers and renderers. The zero value finishes every
// renderer immediately with exit 0 and keeps servers alive until stopped
// or for ServerLifetime.
type Launcher struct {
	// RenderTime returns how long a fake render runs
	RenderTime func(d job.Descriptor) time.Duration
	// ExitCode returns a fake renderer's exit status
	ExitCode func(d job.Descriptor) int
	// ServerLifetime is how long a server runs before exiting by itself
	ServerLifetime time.Duration

	mu          sync.Mutex
	events      []Event
	descriptors []job.Descriptor
	servers     []wrapper.ServerRequest
}

var _ experiment.Launcher = (*Launcher)(nil)

// Events returns a copy of the log in order of occurrence
func (l *Launcher) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

// Descriptors returns every descriptor a renderer was started with
func (l *Launcher) Descriptors() []job.Descriptor {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]job.Descriptor(nil), l.descriptors...)
}

// Servers returns every server request
func (l *Launcher) Servers() []wrapper.ServerRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]wrapper.ServerRequest(nil), l.servers...)
}

// Count returns how many events of kind were recorded
func (l *Launcher) Count(kind string) int {
	n := 0
	for _, e := range l.Events() {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func (l *Launcher) record(kind string, meta wrapper.Meta) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, Event{
		At:        time.Now(),
		Kind:      kind,
		Iteration: meta.Iteration,
		Role:      meta.Role,
		Name:      meta.Name,
	})
}

func (l *Launcher) StartServer(ctx context.Context, req wrapper.ServerRequest, meta wrapper.Meta) experiment.Process {
	l.mu.Lock()
	l.servers = append(l.servers, req)
	l.mu.Unlock()

	lifetime := l.ServerLifetime
	if lifetime == 0 {
		lifetime = time.Hour
	}
	return l.start(ctx, meta, lifetime, 0, false, nil)
}

func (l *Launcher) StartRenderer(ctx context.Context, d job.Descriptor, meta wrapper.Meta) experiment.Process {
	l.mu.Lock()
	l.descriptors = append(l.descriptors, d)
	l.mu.Unlock()

	var runtime time.Duration
	if l.RenderTime != nil {
		runtime = l.RenderTime(d)
	}
	code := 0
	if l.ExitCode != nil {
		code = l.ExitCode(d)
	}
	diag, _ := json.Marshal(d)
	return l.start(ctx, meta, runtime, code, true, diag)
}

func (l *Launcher) SkipRenderer(d job.Descriptor, meta wrapper.Meta, reason report.Reason, cause error) experiment.Process {
	l.record(Skip, meta)
	diag, _ := json.Marshal(d)

	now := time.Now()
	p := newProcess(l, meta)
	p.result = &report.Result{
		JobID:      uuid.NewString(),
		Iteration:  meta.Iteration,
		Role:       meta.Role,
		Name:       meta.Name,
		StartTime:  now,
		EndTime:    now,
		ExitCode:   -1,
		Reason:     reason,
		Failed:     true,
		Diagnostic: diag,
	}
	if cause != nil {
		p.result.Error = cause.Error()
	}
	close(p.done)
	return p
}

func (l *Launcher) start(ctx context.Context, meta wrapper.Meta, runtime time.Duration, code int, failOnExit bool, diag json.RawMessage) *Process {
	l.record(Spawn, meta)
	p := newProcess(l, meta)
	started := time.Now()

	go func() {
		timer := time.NewTimer(runtime)
		defer timer.Stop()

		reason := report.ReasonSuccess
		select {
		case <-timer.C:
			if code != 0 {
				reason = report.ReasonError
			}
		case <-p.stop:
			code, reason = 143, report.ReasonCanceled
		case <-ctx.Done():
			code, reason = 143, report.ReasonCanceled
		}

		end := time.Now()
		p.result = &report.Result{
			JobID:      uuid.NewString(),
			Iteration:  meta.Iteration,
			Role:       meta.Role,
			Name:       meta.Name,
			StartTime:  started,
			EndTime:    end,
			Duration:   end.Sub(started),
			ExitCode:   code,
			Reason:     reason,
			Failed:     failOnExit && reason != report.ReasonSuccess,
			Diagnostic: diag,
		}
		close(p.done)
	}()
	return p
}

// Process is a fake spawned job
type Process struct {
	l        *Launcher
	meta     wrapper.Meta
	result   *report.Result
	done     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

func newProcess(l *Launcher, meta wrapper.Meta) *Process {
	return &Process{l: l, meta: meta, done: make(chan struct{}), stop: make(chan struct{})}
}

// Wait records a join and returns the result
func (p *Process) Wait() *report.Result {
	<-p.done
	p.l.record(Join, p.meta)
	return p.result
}

func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Stop records the request and ends the fake process
func (p *Process) Stop() {
	p.stopOnce.Do(func() {
		p.l.record(Stop, p.meta)
		close(p.stop)
	})
}

// Stopped reports whether Stop was called
func (p *Process) Stopped() bool {
	select {
	case <-p.stop:
		return true
	default:
		return false
	}
}

// ReadyFunc adapts a function to observe.Waiter
type ReadyFunc func(ctx context.Context, portOffset int, exited <-chan struct{}) error

func (f ReadyFunc) WaitReady(ctx context.Context, portOffset int, exited <-chan struct{}) error {
	return f(ctx, portOffset, exited)
}

// Immediately is a Waiter that never waits
var Immediately = ReadyFunc(func(context.Context, int, <-chan struct{}) error { return nil })
