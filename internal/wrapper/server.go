package wrapper

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/psantana5/render-experiments/pkg/logging"
)

// ServerRequest is what an inference server is started with
type ServerRequest struct {
	PortOffset int
	Checkpoint string
}

// ServerLauncher runs inference servers
type ServerLauncher struct {
	Runner  *Runner
	Command []string // port offset and checkpoint are appended
	Dir     string
	LogDir  string // "" = discard server output
	Grace   time.Duration
}

// Start spawns a server and returns immediately. A server exiting, for any
// reason, is not a job failure.
func (l *ServerLauncher) Start(ctx context.Context, req ServerRequest, meta Meta) *Handle {
	argv := append(append([]string{}, l.Command...), strconv.Itoa(req.PortOffset), req.Checkpoint)

	out, closeOut := l.output(meta, req)
	return l.Runner.Start(ctx, Spec{
		Meta:    meta,
		Command: argv,
		Dir:     l.Dir,
		Stdout:  out,
		Stderr:  out,
		Grace:   l.Grace,
	}, closeOut)
}

func (l *ServerLauncher) output(meta Meta, req ServerRequest) (io.Writer, func()) {
	if l.LogDir == "" {
		return nil, nil
	}

	if err := os.MkdirAll(l.LogDir, 0755); err != nil {
		l.warnLog(err)
		return nil, nil
	}
	name := fmt.Sprintf("server-%s-%d.log", meta.Iteration, req.PortOffset)
	f, err := os.OpenFile(filepath.Join(l.LogDir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		l.warnLog(err)
		return nil, nil
	}
	return f, func() { f.Close() }
}

func (l *ServerLauncher) warnLog(err error) {
	l.Runner.logger().Warn("server output discarded", logging.Fields{"error": err.Error()})
}
