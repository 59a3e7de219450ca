package observe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/psantana5/render-experiments/pkg/logging"
	"github.com/psantana5/render-experiments/pkg/retry"
)

var (
	// ErrNotReady means the server did not accept connections in time
	ErrNotReady = errors.New("server not ready")
	// ErrServerExited means the server process ended while we waited
	ErrServerExited = errors.New("server exited before becoming ready")
)

// Waiter blocks until the inference server on portOffset can take requests.
// exited is closed when the server process ends.
type Waiter interface {
	WaitReady(ctx context.Context, portOffset int, exited <-chan struct{}) error
}

// Probe waits for a TCP listener on Host:BasePort+offset
type Probe struct {
	Host        string
	BasePort    int
	Timeout     time.Duration // overall bound, 0 = until ctx ends
	DialTimeout time.Duration
	Backoff     retry.Config
	Logger      *logging.Logger

	// Dial is net.Dialer.DialContext unless overridden
	Dial func(ctx context.Context, network, address string) (net.Conn, error)
}

// Address returns the address probed for a port offset
func (p *Probe) Address(portOffset int) string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.BasePort+portOffset))
}

// WaitReady implements Waiter
func (p *Probe) WaitReady(ctx context.Context, portOffset int, exited <-chan struct{}) error {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	dial := p.Dial
	if dial == nil {
		dial = (&net.Dialer{}).DialContext
	}
	dialTimeout := p.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = time.Second
	}
	logger := p.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	addr := p.Address(portOffset)
	backoff := p.Backoff
	backoff.MaxRetries = -1
	if backoff.InitialBackoff <= 0 {
		backoff.InitialBackoff = 250 * time.Millisecond
	}
	if backoff.Multiplier < 1 {
		backoff.Multiplier = 2
	}
	backoff.OnRetry = func(attempt int, err error, next time.Duration) {
		logger.Debug("server not accepting connections yet", logging.Fields{
			"address": addr,
			"attempt": attempt,
			"retry_in": next.String(),
			"error":   err.Error(),
		})
	}

	err := retry.Do(ctx, backoff, func() error {
		select {
		case <-exited:
			return retry.Permanent(ErrServerExited)
		default:
		}

		dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		defer cancel()
		conn, err := dial(dialCtx, "tcp", addr)
		if err != nil {
			// refused and timed-out dials are expected while the server loads its model
			if !retry.IsRetryable(err) {
				return retry.Permanent(err)
			}
			return err
		}
		return conn.Close()
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrServerExited) {
		return fmt.Errorf("%s: %w", addr, ErrServerExited)
	}
	return fmt.Errorf("%s: %w: %v", addr, ErrNotReady, err)
}

// Delay waits a fixed interval, for servers that expose nothing to probe
type Delay struct {
	Interval time.Duration
}

// WaitReady implements Waiter
func (d Delay) WaitReady(ctx context.Context, portOffset int, exited <-chan struct{}) error {
	timer := time.NewTimer(d.Interval)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-exited:
		return ErrServerExited
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrNotReady, ctx.Err())
	}
}
