package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds retry configuration
type Config struct {
	MaxRetries     int           // Retry attempts after the first; < 0 retries until ctx ends
	InitialBackoff time.Duration // Initial backoff duration
	MaxBackoff     time.Duration // Maximum backoff duration
	Multiplier     float64       // Backoff multiplier (exponential)

	// OnRetry is called before each sleep
	OnRetry func(attempt int, err error, next time.Duration)
}

// DefaultConfig returns sensible defaults for retries
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
	}
}

// ErrPermanent marks an error that must not be retried
var ErrPermanent = errors.New("permanent failure")

// Permanent wraps err so Do stops immediately
func Permanent(err error) error {
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// Do executes fn with exponential backoff retries
func Do(ctx context.Context, config Config, fn func() error) error {
	var lastErr error
	backoff := config.InitialBackoff
	if config.Multiplier < 1 {
		config.Multiplier = 1
	}

	for attempt := 0; config.MaxRetries < 0 || attempt <= config.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return retryCancelled(ctx, lastErr)
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrPermanent) {
			return err
		}
		lastErr = err

		if attempt == config.MaxRetries {
			break
		}

		if config.OnRetry != nil {
			config.OnRetry(attempt+1, err, backoff)
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return retryCancelled(ctx, lastErr)
		case <-timer.C:
		}

		backoff = time.Duration(float64(backoff) * config.Multiplier)
		if config.MaxBackoff > 0 && backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}
	}

	return fmt.Errorf("max retries (%d) exceeded: %w", config.MaxRetries, lastErr)
}

func retryCancelled(ctx context.Context, lastErr error) error {
	if lastErr != nil {
		return fmt.Errorf("retry cancelled: %w (last error: %v)", ctx.Err(), lastErr)
	}
	return fmt.Errorf("retry cancelled: %w", ctx.Err())
}

// IsRetryable checks if an error looks like a transient network failure
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())

	retryableErrors := []string{
		"connection refused",
		"connection reset",
		"timeout",
		"i/o timeout",
		"temporary failure",
		"eof",
		"broken pipe",
	}

	for _, retryable := range retryableErrors {
		if strings.Contains(errStr, retryable) {
			return true
		}
	}

	return false
}
