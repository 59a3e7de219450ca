package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/psantana5/render-experiments/internal/experiment"
	"github.com/psantana5/render-experiments/internal/report"
	"github.com/psantana5/render-experiments/pkg/logging"
	"github.com/psantana5/render-experiments/pkg/tracing"
)

// DefaultPortStride separates the port bases of overlapping iterations
const DefaultPortStride = 10

// IterationRunner runs one labelled iteration to completion
type IterationRunner interface {
	RunIteration(ctx context.Context, label string, portBase int) *experiment.IterationResult
}

// Recorder persists a run as it progresses
type Recorder interface {
	BeginRun(ctx context.Context, runID string, labels []string, started time.Time) error
	RecordIteration(ctx context.Context, runID string, it *experiment.IterationResult) error
	FinishRun(ctx context.Context, runID string, ended time.Time, failed int, canceled bool) error
}

// Labels returns count zero-padded labels starting at start
func Labels(start, count, width int) []string {
	labels := make([]string, 0, count)
	for i := start; i < start+count; i++ {
		labels = append(labels, fmt.Sprintf("%0*d", width, i))
	}
	return labels
}

// Summary is the outcome of a whole batch
type Summary struct {
	RunID      string                        `json:"run_id"`
	Labels     []string                      `json:"labels"`
	Iterations []*experiment.IterationResult `json:"iterations"`
	StartTime  time.Time                     `json:"start_time"`
	EndTime    time.Time                     `json:"end_time"`
	Canceled   bool                          `json:"canceled"`
}

// Results flattens every iteration's results in label order
func (s *Summary) Results() report.Results {
	var all report.Results
	for _, it := range s.Iterations {
		if it != nil {
			all = append(all, it.Results...)
		}
	}
	return all
}

// Failed counts failed jobs across the batch
func (s *Summary) Failed() int {
	return s.Results().Failed()
}

// Driver runs iterations over a label sequence.
// With Parallel <= 1 iteration N+1 starts only after iteration N has joined
// every process. There is no retry and no skip.
type Driver struct {
	Runner     IterationRunner
	Parallel   int
	PortStride int

	Recorder Recorder // optional
	Logger   *logging.Logger
	Tracer   trace.Tracer
}

// Run drives every label. Once ctx is done no new iteration starts; running
// ones finish through their own cancellation.
func (d *Driver) Run(ctx context.Context, labels []string) *Summary {
	s := &Summary{
		RunID:      uuid.NewString(),
		Labels:     labels,
		Iterations: make([]*experiment.IterationResult, len(labels)),
		StartTime:  time.Now(),
	}

	ctx, span := d.tracer().Start(ctx, "batch.run",
		trace.WithAttributes(
			attribute.String("run_id", s.RunID),
			attribute.Int("iterations", len(labels)),
			attribute.Int("parallel", d.parallel()),
		))
	defer span.End()

	logger := d.logger().WithField("run_id", s.RunID)
	logger.Info("batch started", logging.Fields{"labels": labels, "parallel": d.parallel()})
	d.record(logger, "begin run", func() error {
		return d.Recorder.BeginRun(ctx, s.RunID, labels, s.StartTime)
	})

	if d.parallel() <= 1 {
		d.runSequential(ctx, logger, s)
	} else {
		d.runOverlapped(ctx, logger, s)
	}

	s.EndTime = time.Now()
	if ctx.Err() != nil {
		s.Canceled = true
		tracing.SetError(ctx, ctx.Err())
	}

	// compact out labels that never ran
	ran := s.Iterations[:0]
	for _, it := range s.Iterations {
		if it != nil {
			ran = append(ran, it)
		}
	}
	s.Iterations = ran

	failed := s.Failed()
	span.SetAttributes(attribute.Int("failed_jobs", failed))
	d.record(logger, "finish run", func() error {
		return d.Recorder.FinishRun(context.WithoutCancel(ctx), s.RunID, s.EndTime, failed, s.Canceled)
	})

	logger.Info("batch finished", logging.Fields{
		"iterations": len(s.Iterations),
		"failed":     failed,
		"canceled":   s.Canceled,
		"duration":   s.EndTime.Sub(s.StartTime).Round(time.Millisecond).String(),
	})
	return s
}

func (d *Driver) runSequential(ctx context.Context, logger *logging.Logger, s *Summary) {
	for i, label := range s.Labels {
		if ctx.Err() != nil {
			logger.Warn("batch canceled, remaining iterations not started", logging.Fields{"next": label})
			return
		}
		s.Iterations[i] = d.runOne(ctx, logger, s.RunID, label, 0)
	}
}

// runOverlapped keeps up to Parallel iterations in flight. Each slot owns a
// port base so concurrently running servers never share a port.
func (d *Driver) runOverlapped(ctx context.Context, logger *logging.Logger, s *Summary) {
	slots := make(chan int, d.parallel())
	for slot := 0; slot < d.parallel(); slot++ {
		slots <- slot
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	for i, label := range s.Labels {
		var slot int
		select {
		case slot = <-slots:
		case <-ctx.Done():
			logger.Warn("batch canceled, remaining iterations not started", logging.Fields{"next": label})
			return
		}
		if ctx.Err() != nil {
			logger.Warn("batch canceled, remaining iterations not started", logging.Fields{"next": label})
			return
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { slots <- slot }()
			s.Iterations[i] = d.runOne(ctx, logger, s.RunID, label, slot*d.portStride())
		}()
	}
}

func (d *Driver) runOne(ctx context.Context, logger *logging.Logger, runID, label string, portBase int) *experiment.IterationResult {
	it := d.Runner.RunIteration(ctx, label, portBase)
	d.record(logger, "record iteration", func() error {
		return d.Recorder.RecordIteration(context.WithoutCancel(ctx), runID, it)
	})
	return it
}

// record runs a persistence step; history is best effort and never stops a batch
func (d *Driver) record(logger *logging.Logger, what string, fn func() error) {
	if d.Recorder == nil {
		return
	}
	if err := fn(); err != nil {
		logger.Warn("history not recorded", logging.Fields{"step": what, "error": err.Error()})
	}
}

func (d *Driver) parallel() int {
	if d.Parallel < 1 {
		return 1
	}
	return d.Parallel
}

func (d *Driver) portStride() int {
	if d.PortStride <= 0 {
		return DefaultPortStride
	}
	return d.PortStride
}

func (d *Driver) logger() *logging.Logger {
	if d.Logger == nil {
		return logging.Nop()
	}
	return d.Logger
}

func (d *Driver) tracer() trace.Tracer {
	if d.Tracer == nil {
		return tracing.Noop()
	}
	return d.Tracer
}
