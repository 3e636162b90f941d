// Package retry provides retry logic with exponential backoff for storage
// provider operations, including range-GET-aware resumption.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/objectfs/objectfs/pkg/errors"
	"github.com/objectfs/objectfs/pkg/types"
)

// Config defines retry behavior.
type Config struct {
	// MaxAttempts is the maximum number of attempts, including the first.
	MaxAttempts int

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the backoff delay.
	MaxDelay time.Duration

	// Multiplier is the exponential backoff factor.
	Multiplier float64

	// Jitter adds +/-20% randomness to the computed delay.
	Jitter bool

	// OnRetry, if set, is called before each retry attempt.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultConfig returns the module's default retry policy.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Retryer executes operations with exponential backoff, retrying only
// errors.IsRetryable failures.
type Retryer struct {
	config Config
}

// New creates a Retryer, filling in zero-valued fields from DefaultConfig.
func New(config Config) *Retryer {
	def := DefaultConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = def.InitialDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = def.MaxDelay
	}
	if config.Multiplier <= 0 {
		config.Multiplier = def.Multiplier
	}
	return &Retryer{config: config}
}

// Do executes fn, retrying on retryable failures with no context.
func (r *Retryer) Do(fn func() error) error {
	return r.DoWithContext(context.Background(), func(context.Context) error {
		return fn()
	})
}

// DoWithContext executes fn, retrying on retryable failures. The context is
// checked before each attempt and during the inter-attempt delay.
func (r *Retryer) DoWithContext(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("operation canceled: %w", ctx.Err())
		default:
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !errors.IsRetryable(err) || attempt >= r.config.MaxAttempts {
			return err
		}

		delay := r.calculateDelay(attempt)
		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt, err, delay)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("operation canceled after %d attempts: %w", attempt, ctx.Err())
		case <-time.After(delay):
		}
	}

	return lastErr
}

// RangeGetFunc performs a single ranged read attempt, returning the number
// of bytes actually read so DoRangeGet can resume from the right offset.
type RangeGetFunc func(ctx context.Context, r types.Range) (n int, err error)

// DoRangeGet retries a ranged GET, adjusting Offset/Size by the bytes
// already read on each retryable failure instead of restarting from the
// original offset.
func (r *Retryer) DoRangeGet(ctx context.Context, rng types.Range, fn RangeGetFunc) (int, error) {
	remaining := rng
	total := 0

	var lastErr error
	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return total, fmt.Errorf("operation canceled: %w", ctx.Err())
		default:
		}

		n, err := fn(ctx, remaining)
		total += n
		if err == nil {
			return total, nil
		}
		lastErr = err

		if !errors.IsRetryable(err) || attempt >= r.config.MaxAttempts {
			return total, err
		}

		remaining = types.Range{Offset: remaining.Offset + int64(n), Size: remaining.Size - int64(n)}
		if remaining.Size <= 0 {
			return total, nil
		}

		delay := r.calculateDelay(attempt)
		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt, err, delay)
		}

		select {
		case <-ctx.Done():
			return total, fmt.Errorf("operation canceled after %d attempts: %w", attempt, ctx.Err())
		case <-time.After(delay):
		}
	}

	return total, lastErr
}

func (r *Retryer) calculateDelay(attempt int) time.Duration {
	delay := float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))
	if delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}
	if r.config.Jitter {
		jitter := delay * 0.2 * (rand.Float64()*2 - 1)
		delay += jitter
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Do is a package-level convenience wrapper using DefaultConfig, mirroring
// a bare retry decorator usable outside of any client.
func Do(ctx context.Context, maxAttempts int, fn func(context.Context) error) error {
	cfg := DefaultConfig()
	cfg.MaxAttempts = maxAttempts
	return New(cfg).DoWithContext(ctx, fn)
}
