package experiment

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/psantana5/render-experiments/internal/job"
	"github.com/psantana5/render-experiments/internal/observe"
	"github.com/psantana5/render-experiments/internal/report"
	"github.com/psantana5/render-experiments/internal/wrapper"
	"github.com/psantana5/render-experiments/pkg/logging"
	"github.com/psantana5/render-experiments/pkg/tracing"
)

const (
	// DefaultSamples is the per-pixel sample count of inference and Path jobs
	DefaultSamples = 128
	// DefaultGTFactor scales DefaultSamples up to the ground truth
	DefaultGTFactor = 32
	// DefaultAnalysisCommand is the error-report tool invocation prefix
	DefaultAnalysisCommand = "python error_reports.py"
)

// InferenceConfig is one checkpointed model compared in every iteration
type InferenceConfig struct {
	Role       string `mapstructure:"role" yaml:"role"` // output dir suffix, e.g. "many"
	Name       string `mapstructure:"name" yaml:"name"`
	Checkpoint string `mapstructure:"checkpoint" yaml:"checkpoint"`
	PortOffset int    `mapstructure:"port_offset" yaml:"port_offset"`
}

// DefaultInference returns the two models the series was built around
func DefaultInference() []InferenceConfig {
	return []InferenceConfig{
		{Role: "many", Name: "Ours (trained many)", Checkpoint: "checkpoints/20191012-random-cornell.t", PortOffset: 0},
		{Role: "one", Name: "Ours (trained one)", Checkpoint: "checkpoints/direct-only.t", PortOffset: 1},
	}
}

// InferenceRequest is one server-backed render
type InferenceRequest struct {
	Checkpoint      string
	OutputName      string
	OutputDirectory string
	Scene           string
	PortOffset      int
}

// Pair is a server and the renderer that talks to it
type Pair struct {
	Server   Process
	Renderer Process
}

// IterationResult is everything one iteration produced.
// It exists only after every process has been joined.
type IterationResult struct {
	Label           string            `json:"label"`
	Scene           string            `json:"scene"`
	Outputs         map[string]string `json:"outputs"`
	Results         report.Results    `json:"results"`
	AnalysisCommand string            `json:"analysis_command"`
	StartTime       time.Time         `json:"start_time"`
	EndTime         time.Time         `json:"end_time"`
}

// Failed counts failed jobs
func (r *IterationResult) Failed() int {
	return r.Results.Failed()
}

// Coordinator runs experiment iterations
type Coordinator struct {
	Launcher  Launcher
	Ready     observe.Waiter // nil = fixed 10s warm-up
	Layout    Layout
	Inference []InferenceConfig
	Samples   int
	GTFactor  int

	AnalysisCommand string

	// StopAfterRender stops each server once its renderer has exited.
	// Otherwise the iteration waits for servers to exit by themselves.
	StopAfterRender bool

	Output  io.Writer // analysis command goes here, default stdout
	Logger  *logging.Logger
	Metrics *report.Metrics
	Tracer  trace.Tracer
}

// InferenceRender starts a server, waits for it to accept requests and then
// starts the renderer that uses it. Neither is joined.
// When the server never becomes ready the renderer is not spawned; its
// result says why and the server is stopped.
func (c *Coordinator) InferenceRender(ctx context.Context, label string, req InferenceRequest) Pair {
	ctx, span := c.tracer().Start(ctx, "experiment.inference",
		trace.WithAttributes(
			attribute.String("iteration", label),
			attribute.String("name", req.OutputName),
			attribute.Int("port_offset", req.PortOffset),
		))
	defer span.End()

	logger := c.logger().WithFields(logging.Fields{"iteration": label, "name": req.OutputName})

	server := c.Launcher.StartServer(ctx,
		wrapper.ServerRequest{PortOffset: req.PortOffset, Checkpoint: req.Checkpoint},
		wrapper.Meta{Iteration: label, Role: report.RoleServer, Name: req.OutputName})

	d := job.Build(job.Params{
		Samples:         c.samples(),
		PortOffset:      req.PortOffset,
		OutputDirectory: req.OutputDirectory,
		Integrator:      job.IntegratorDataParallel,
		Scene:           req.Scene,
		OutputName:      req.OutputName,
	})
	meta := wrapper.Meta{Iteration: label, Role: report.RoleInference, Name: req.OutputName}

	start := time.Now()
	err := c.ready().WaitReady(ctx, req.PortOffset, server.Done())
	c.Metrics.ServerReady(time.Since(start), err == nil)

	if err != nil {
		server.Stop()
		tracing.SetError(ctx, err)

		reason := report.ReasonNotReady
		if ctx.Err() != nil {
			reason = report.ReasonCanceled
		}
		logger.Error("server not ready, renderer skipped", logging.Fields{
			"port_offset": req.PortOffset,
			"waited":      time.Since(start).Round(time.Millisecond).String(),
			"error":       err.Error(),
		})
		return Pair{Server: server, Renderer: c.Launcher.SkipRenderer(d, meta, reason, err)}
	}

	tracing.AddEvent(ctx, "server ready")
	logger.Debug("server ready", logging.Fields{
		"port_offset": req.PortOffset,
		"waited":      time.Since(start).Round(time.Millisecond).String(),
	})

	renderer := c.Launcher.StartRenderer(ctx, d, meta)
	if c.StopAfterRender {
		go func() {
			<-renderer.Done()
			server.Stop()
		}()
	}
	return Pair{Server: server, Renderer: renderer}
}

// RunIteration runs every inference configuration plus the Path and GT
// baselines for one label, joins all of them and prints the analysis command.
// portBase shifts every server's port offset so overlapping iterations do
// not collide.
func (c *Coordinator) RunIteration(ctx context.Context, label string, portBase int) *IterationResult {
	ctx, span := c.tracer().Start(ctx, "experiment.iteration",
		trace.WithAttributes(
			attribute.String("iteration", label),
			attribute.Int("port_base", portBase),
		))
	defer span.End()

	logger := c.logger().WithField("iteration", label)
	timing := observe.NewTiming()
	scene := c.Layout.SceneFile(label)

	outputs := make(map[string]string, len(c.Inference)+2)
	for _, inf := range c.Inference {
		outputs[inf.Role] = c.Layout.OutputDir(label, inf.Role)
	}
	outputs[string(report.RolePath)] = c.Layout.OutputDir(label, string(report.RolePath))
	outputs[string(report.RoleGT)] = c.Layout.OutputDir(label, string(report.RoleGT))

	logger.Info("iteration started", logging.Fields{"scene": scene, "port_base": portBase})

	// Servers warm up concurrently; baselines need no server and start now
	pairs := make([]Pair, len(c.Inference))
	var wg sync.WaitGroup
	for i, inf := range c.Inference {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pairs[i] = c.InferenceRender(ctx, label, InferenceRequest{
				Checkpoint:      inf.Checkpoint,
				OutputName:      inf.Name,
				OutputDirectory: outputs[inf.Role],
				Scene:           scene,
				PortOffset:      portBase + inf.PortOffset,
			})
		}()
	}

	path := c.startBaseline(ctx, label, report.RolePath, "Path", c.samples(), scene, outputs)
	gt := c.startBaseline(ctx, label, report.RoleGT, "GT", c.samples()*c.gtFactor(), scene, outputs)

	wg.Wait()

	results := make(report.Results, 0, 2*len(pairs)+2)
	for _, p := range pairs {
		results = append(results, p.Server.Wait(), p.Renderer.Wait())
	}
	results = append(results, path.Wait(), gt.Wait())
	timing.Complete()

	res := &IterationResult{
		Label:           label,
		Scene:           c.Layout.SceneName(label),
		Outputs:         outputs,
		Results:         results,
		AnalysisCommand: c.analysisCommand(label, outputs),
		StartTime:       timing.StartedAt,
		EndTime:         timing.CompletedAt,
	}

	failed := res.Failed()
	c.Metrics.IterationFinished(timing.Duration(), failed)
	span.SetAttributes(attribute.Int("failed_jobs", failed))

	fields := logging.Fields{
		"jobs":     len(results),
		"failed":   failed,
		"duration": timing.Duration().Round(time.Millisecond).String(),
	}
	if failed > 0 {
		logger.Warn("iteration done with failures", fields)
	} else {
		logger.Info("iteration done", fields)
	}

	fmt.Fprintln(c.output(), res.AnalysisCommand)
	return res
}

func (c *Coordinator) startBaseline(ctx context.Context, label string, role report.Role, name string, samples int, scene string, outputs map[string]string) Process {
	d := job.Build(job.Params{
		Samples:         samples,
		OutputDirectory: outputs[string(role)],
		Integrator:      job.IntegratorPathTracer,
		Scene:           scene,
		OutputName:      name,
	})
	return c.Launcher.StartRenderer(ctx, d, wrapper.Meta{Iteration: label, Role: role, Name: name})
}

// analysisCommand renders the error-report invocation for one iteration:
// ground truth first, then every inference output, then Path.
func (c *Coordinator) analysisCommand(label string, outputs map[string]string) string {
	cmd := c.AnalysisCommand
	if cmd == "" {
		cmd = DefaultAnalysisCommand
	}

	parts := []string{cmd, c.Layout.SceneName(label), "--gt", outputs[string(report.RoleGT)] + "/auto.exr"}
	for _, inf := range c.Inference {
		parts = append(parts, "--includes", outputs[inf.Role])
	}
	parts = append(parts, "--includes", outputs[string(report.RolePath)])
	return strings.Join(parts, " ")
}

func (c *Coordinator) samples() int {
	if c.Samples == 0 {
		return DefaultSamples
	}
	return c.Samples
}

func (c *Coordinator) gtFactor() int {
	if c.GTFactor == 0 {
		return DefaultGTFactor
	}
	return c.GTFactor
}

func (c *Coordinator) ready() observe.Waiter {
	if c.Ready == nil {
		return observe.Delay{Interval: 10 * time.Second}
	}
	return c.Ready
}

func (c *Coordinator) output() io.Writer {
	if c.Output == nil {
		return os.Stdout
	}
	return c.Output
}

func (c *Coordinator) logger() *logging.Logger {
	if c.Logger == nil {
		return logging.Nop()
	}
	return c.Logger
}

func (c *Coordinator) tracer() trace.Tracer {
	if c.Tracer == nil {
		return tracing.Noop()
	}
	return c.Tracer
}
