package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/psantana5/render-experiments/internal/cgroups"
	"github.com/psantana5/render-experiments/internal/config"
	"github.com/psantana5/render-experiments/internal/experiment"
	"github.com/psantana5/render-experiments/internal/observe"
	"github.com/psantana5/render-experiments/internal/report"
	"github.com/psantana5/render-experiments/internal/wrapper"
	"github.com/psantana5/render-experiments/pkg/logging"
	"github.com/psantana5/render-experiments/pkg/retry"
	"github.com/psantana5/render-experiments/pkg/shutdown"
	"github.com/psantana5/render-experiments/pkg/tracing"
)

// version is set at build time with -ldflags "-X .../cmd.version=..."
var version = "dev"

// app holds what every experiment-running command shares
type app struct {
	cfg      *config.Config
	logger   *logging.Logger
	metrics  *report.Metrics
	failures *report.FailureLog
	tracer   trace.Tracer
	shutdown *shutdown.Manager
}

func newApp(component string) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	level := logging.ParseLevel(cfg.Log.Level)
	logger := logging.NewLogger(level, cfg.Log.JSON)
	if cfg.Log.Dir != "" {
		logger, err = logging.NewFileLogger(cfg.Log.Dir, component, level, cfg.Log.JSON)
		if err != nil {
			return nil, err
		}
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		metrics:  report.NewMetrics(),
		failures: report.NewFailureLog(100),
		tracer:   tracing.Noop(),
		shutdown: shutdown.New(30*time.Second, logger),
	}
	a.shutdown.Register("logger", shutdown.CloseResource(logger, "logger"))
	return a, nil
}

// start wires the ambient services and returns the root context, cancelled
// on SIGINT/SIGTERM
func (a *app) start() (context.Context, context.CancelFunc, error) {
	ctx, cancel := a.shutdown.NotifyContext(context.Background())

	a.logHost()

	if a.cfg.Tracing.Enabled {
		tp, err := tracing.InitTracer(ctx, tracing.Config{
			ServiceName:    a.cfg.Tracing.Service,
			ServiceVersion: version,
			OTLPEndpoint:   a.cfg.Tracing.Endpoint,
			Enabled:        true,
		})
		if err != nil {
			cancel()
			return nil, nil, err
		}
		a.tracer = tp.Tracer()
		a.shutdown.Register("tracer", tp.Shutdown)
	}

	if a.cfg.Metrics.Addr != "" {
		srv := &http.Server{
			Addr:              a.cfg.Metrics.Addr,
			Handler:           report.NewRouter(a.metrics, a.failures),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("metrics server failed", logging.Fields{"addr": srv.Addr, "error": err.Error()})
			}
		}()
		a.shutdown.Register("metrics", shutdown.StopHTTPServer(srv, "metrics"))
		a.logger.Info("metrics server listening", logging.Fields{"addr": srv.Addr})
	}

	return ctx, cancel, nil
}

// finish exports the textfile metrics and runs the shutdown steps
func (a *app) finish() {
	if path := a.cfg.Metrics.Textfile; path != "" {
		if err := report.WriteTextfile(path, a.metrics.Registry()); err != nil {
			a.logger.Warn("metrics textfile not written", logging.Fields{"path": path, "error": err.Error()})
		}
	}
	a.shutdown.Shutdown()
}

func (a *app) logHost() {
	host, err := observe.SnapshotHost()
	if err != nil {
		a.logger.Warn("host snapshot unavailable", logging.Fields{"error": err.Error()})
		return
	}
	a.metrics.SetHost(host.CPUs, host.MemTotal, host.MemAvailable)
	a.logger.Info("host", logging.Fields{
		"cpus":          host.CPUs,
		"mem_total":     host.MemTotal,
		"mem_available": host.MemAvailable,
	})
}

func (a *app) waiter() observe.Waiter {
	r := a.cfg.Server.Ready
	if r.Mode == config.ReadyDelay {
		return observe.Delay{Interval: r.Delay}
	}

	backoff := retry.DefaultConfig()
	backoff.InitialBackoff = r.InitialBackoff
	backoff.MaxBackoff = r.MaxBackoff
	return &observe.Probe{
		Host:     r.Host,
		BasePort: r.BasePort,
		Timeout:  r.Timeout,
		Backoff:  backoff,
		Logger:   a.logger,
	}
}

func (a *app) coordinator() *experiment.Coordinator {
	cfg := a.cfg
	runner := &wrapper.Runner{
		Logger:   a.logger,
		Metrics:  a.metrics,
		Failures: a.failures,
		Grace:    cfg.Batch.Grace,
	}
	if !cfg.Renderer.Limits.IsZero() {
		runner.Cgroups = cgroups.New(cfg.Cgroups.Root, "rexp")
	}

	return &experiment.Coordinator{
		Launcher: &experiment.Processes{
			Renderer: &wrapper.RenderLauncher{
				Runner:  runner,
				Command: cfg.Renderer.Command,
				Dir:     cfg.Renderer.Dir,
				TempDir: cfg.Renderer.TempDir,
				Output:  os.Stdout,
				Limits:  &cfg.Renderer.Limits,
			},
			Server: &wrapper.ServerLauncher{
				Runner:  runner,
				Command: cfg.Server.Command,
				Dir:     cfg.Server.Dir,
				LogDir:  cfg.Server.LogDir,
			},
		},
		Ready:           a.waiter(),
		Layout:          cfg.Experiment.Layout,
		Inference:       cfg.Experiment.Inference,
		Samples:         cfg.Experiment.Samples,
		GTFactor:        cfg.Experiment.GTFactor,
		AnalysisCommand: cfg.Analysis.Command,
		StopAfterRender: cfg.Server.StopAfterRender,
		Output:          os.Stdout,
		Logger:          a.logger,
		Metrics:         a.metrics,
		Tracer:          a.tracer,
	}
}
