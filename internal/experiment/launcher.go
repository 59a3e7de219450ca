package experiment

import (
	"context"

	"github.com/psantana5/render-experiments/internal/job"
	"github.com/psantana5/render-experiments/internal/report"
	"github.com/psantana5/render-experiments/internal/wrapper"
)

// Process is a spawned job the coordinator joins
type Process interface {
	Wait() *report.Result
	Done() <-chan struct{}
	Stop()
}

// Launcher spawns the processes of an iteration
type Launcher interface {
	StartServer(ctx context.Context, req wrapper.ServerRequest, meta wrapper.Meta) Process
	StartRenderer(ctx context.Context, d job.Descriptor, meta wrapper.Meta) Process
	// SkipRenderer records a renderer job that will never run
	SkipRenderer(d job.Descriptor, meta wrapper.Meta, reason report.Reason, cause error) Process
}

// Processes launches real OS processes
type Processes struct {
	Renderer *wrapper.RenderLauncher
	Server   *wrapper.ServerLauncher
}

func (p *Processes) StartServer(ctx context.Context, req wrapper.ServerRequest, meta wrapper.Meta) Process {
	return p.Server.Start(ctx, req, meta)
}

func (p *Processes) StartRenderer(ctx context.Context, d job.Descriptor, meta wrapper.Meta) Process {
	return p.Renderer.Start(ctx, d, meta)
}

func (p *Processes) SkipRenderer(d job.Descriptor, meta wrapper.Meta, reason report.Reason, cause error) Process {
	return p.Renderer.Skip(d, meta, reason, cause)
}
