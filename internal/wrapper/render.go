package wrapper

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/psantana5/render-experiments/internal/cgroups"
	"github.com/psantana5/render-experiments/internal/job"
	"github.com/psantana5/render-experiments/internal/report"
)

// RenderLauncher runs the renderer on one job descriptor
type RenderLauncher struct {
	Runner  *Runner
	Command []string // the job file path is appended
	Dir     string
	TempDir string // "" = os.TempDir()
	Output  io.Writer
	Grace   time.Duration
	Limits  *cgroups.Limits
}

// Start writes d to a temp file and spawns the renderer on it.
// The file is removed once the renderer exits or fails to start.
func (l *RenderLauncher) Start(ctx context.Context, d job.Descriptor, meta Meta) *Handle {
	diag := descriptorJSON(d)

	path, err := d.WriteTemp(l.TempDir)
	if err == nil && !filepath.IsAbs(path) {
		// the renderer runs in Dir, not here
		path, err = absPath(path)
	}
	if err != nil {
		return l.Runner.Skip(meta, diag, report.ReasonSpawnFailed, fmt.Errorf("write job file: %w", err))
	}

	argv := append(append([]string{}, l.Command...), path)
	out := l.Output
	if out == nil {
		out = os.Stdout
	}

	return l.Runner.Start(ctx, Spec{
		Meta:       meta,
		Command:    argv,
		Dir:        l.Dir,
		Stdout:     out,
		Stderr:     out,
		Grace:      l.Grace,
		FailOnExit: true,
		Limits:     l.Limits,
		Diagnostic: diag,
	}, func() { os.Remove(path) })
}

// Skip records a renderer job that was never spawned
func (l *RenderLauncher) Skip(d job.Descriptor, meta Meta, reason report.Reason, cause error) *Handle {
	return l.Runner.Skip(meta, descriptorJSON(d), reason, cause)
}

func descriptorJSON(d job.Descriptor) json.RawMessage {
	data, err := json.Marshal(d)
	if err != nil {
		return nil
	}
	return data
}

func absPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		os.Remove(path)
		return "", err
	}
	return abs, nil
}
