package observe

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/psantana5/render-experiments/pkg/retry"
)

func fastBackoff() retry.Config {
	return retry.Config{InitialBackoff: 5 * time.Millisecond, MaxBackoff: 20 * time.Millisecond, Multiplier: 2}
}

func TestTiming(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	timing := NewTimingWithClock(clock)
	now = now.Add(3 * time.Second)
	if got := timing.Duration(); got != 3*time.Second {
		t.Errorf("running Duration() = %v, want 3s", got)
	}

	timing.Complete()
	now = now.Add(time.Hour)
	timing.Complete()
	if got := timing.Duration(); got != 3*time.Second {
		t.Errorf("completed Duration() = %v, want 3s", got)
	}
}

func TestProbeAddress(t *testing.T) {
	p := &Probe{Host: "127.0.0.1", BasePort: 65432}
	if got := p.Address(1); got != "127.0.0.1:65433" {
		t.Errorf("Address(1) = %s", got)
	}
}

func TestProbeWaitsForListener(t *testing.T) {
	// Reserve a free port, release it, then listen on it later.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("cannot listen: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	go func() {
		time.Sleep(50 * time.Millisecond)
		late, err := net.Listen("tcp", l.Addr().String())
		if err != nil {
			return
		}
		defer late.Close()
		conn, err := late.Accept()
		if err == nil {
			conn.Close()
		}
		time.Sleep(200 * time.Millisecond)
	}()

	p := &Probe{Host: "127.0.0.1", BasePort: port - 1, Timeout: 5 * time.Second, Backoff: fastBackoff()}
	if err := p.WaitReady(context.Background(), 1, make(chan struct{})); err != nil {
		t.Fatalf("WaitReady() error = %v", err)
	}
}

func TestProbeServerExited(t *testing.T) {
	exited := make(chan struct{})
	close(exited)

	p := &Probe{
		Host: "127.0.0.1", BasePort: 1, Timeout: time.Second, Backoff: fastBackoff(),
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			return nil, errors.New("connection refused")
		},
	}
	err := p.WaitReady(context.Background(), 0, exited)
	if !errors.Is(err, ErrServerExited) {
		t.Fatalf("err = %v, want ErrServerExited", err)
	}
}

func TestProbeTimeout(t *testing.T) {
	p := &Probe{
		Host: "127.0.0.1", BasePort: 1, Timeout: 50 * time.Millisecond, Backoff: fastBackoff(),
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			return nil, errors.New("connection refused")
		},
	}
	err := p.WaitReady(context.Background(), 0, make(chan struct{}))
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("err = %v, want ErrNotReady", err)
	}
}

func TestProbeGivesUpOnUnretryableDialError(t *testing.T) {
	dials := 0
	p := &Probe{
		Host: "no-such-host.invalid", BasePort: 1, Timeout: 5 * time.Second, Backoff: fastBackoff(),
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			dials++
			return nil, errors.New("dial tcp: lookup no-such-host.invalid: no such host")
		},
	}

	start := time.Now()
	err := p.WaitReady(context.Background(), 0, make(chan struct{}))
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("err = %v, want ErrNotReady", err)
	}
	if dials != 1 {
		t.Errorf("dials = %d, want 1", dials)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("WaitReady took %v, want an immediate return", elapsed)
	}
}

func TestDelay(t *testing.T) {
	tests := []struct {
		name    string
		exited  bool
		cancel  bool
		wantErr error
	}{
		{"elapses", false, false, nil},
		{"server exits first", true, false, ErrServerExited},
		{"cancelled", false, true, ErrNotReady},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			interval := 10 * time.Millisecond
			if tt.exited || tt.cancel {
				interval = time.Hour
			}
			exited := make(chan struct{})
			if tt.exited {
				close(exited)
			}
			ctx, cancel := context.WithCancel(context.Background())
			if tt.cancel {
				cancel()
			} else {
				defer cancel()
			}

			err := Delay{Interval: interval}.WaitReady(ctx, 0, exited)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("WaitReady() error = %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("WaitReady() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSnapshotHost(t *testing.T) {
	h, err := SnapshotHost()
	if err != nil {
		t.Skipf("host metrics unavailable: %v", err)
	}
	if h.CPUs <= 0 {
		t.Errorf("CPUs = %d, want > 0", h.CPUs)
	}
	if h.String() == "" {
		t.Error("empty host string")
	}
}
