package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"
)

var ErrExhausted = errors.New("retries exhausted")

// Config holds retry configuration.
type Config struct {
	Logger      *slog.Logger
	Clock       clockwork.Clock
	MaxAttempts int
	InitialWait time.Duration
	MaxWait     time.Duration
	Multiplier  float64
	// Jitter is the backoff randomization factor. Zero gives exact waits.
	Jitter float64
	// Retryable reports whether an error is worth another attempt. Nil means
	// every error that is not marked Permanent.
	Retryable func(error) bool
}

// DefaultConfig returns the default retry configuration.
// Exponential backoff: 1s, 2s, 4s, 8s (5 attempts)
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		InitialWait: 1 * time.Second,
		MaxWait:     30 * time.Second,
		Multiplier:  2,
	}
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be positive")
	}
	if c.InitialWait <= 0 {
		return fmt.Errorf("initial wait must be positive")
	}
	if c.MaxWait == 0 {
		c.MaxWait = c.InitialWait * 30
	}
	if c.Multiplier == 0 {
		c.Multiplier = 2
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		return fmt.Errorf("jitter must be in [0, 1)")
	}
	return nil
}

// Permanent marks err so that Do gives up without further attempts.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

func IsPermanent(err error) bool {
	var perr *backoff.PermanentError
	return errors.As(err, &perr)
}

type state int

const (
	stateAttempt state = iota
	stateWait
	stateGiveUp
)

// Retrier runs an operation through a bounded attempt/wait/give-up cycle.
type Retrier struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Retrier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Retrier{log: cfg.Logger, cfg: cfg}, nil
}

// Do runs fn until it succeeds, fails permanently, or the attempt ceiling is
// reached. It returns the number of attempts made. Waits use the configured
// clock and stop early on context cancellation.
func (r *Retrier) Do(ctx context.Context, op string, fn func(context.Context) error) (int, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialWait
	b.MaxInterval = r.cfg.MaxWait
	b.Multiplier = r.cfg.Multiplier
	b.RandomizationFactor = r.cfg.Jitter
	b.Reset()

	var (
		attempts int
		lastErr  error
		st       = stateAttempt
	)
	for {
		switch st {
		case stateAttempt:
			if err := ctx.Err(); err != nil {
				if lastErr != nil {
					return attempts, fmt.Errorf("context cancelled after %d attempts, last error: %w", attempts, lastErr)
				}
				return attempts, fmt.Errorf("context cancelled: %w", err)
			}
			attempts++
			err := fn(ctx)
			if err == nil {
				if attempts > 1 {
					r.log.Info("retry: operation succeeded after retries", "operation", op, "attempts", attempts)
				}
				return attempts, nil
			}
			lastErr = err
			switch {
			case IsPermanent(err):
				st = stateGiveUp
			case r.cfg.Retryable != nil && !r.cfg.Retryable(err):
				return attempts, err
			case attempts >= r.cfg.MaxAttempts:
				st = stateGiveUp
			default:
				st = stateWait
			}

		case stateWait:
			delay := b.NextBackOff()
			r.log.Warn("retry: attempt failed, waiting", "operation", op, "attempt", attempts, "max_attempts", r.cfg.MaxAttempts, "delay", delay, "error", lastErr)
			select {
			case <-ctx.Done():
				return attempts, fmt.Errorf("context cancelled during retry: %w", ctx.Err())
			case <-r.cfg.Clock.After(delay):
			}
			st = stateAttempt

		case stateGiveUp:
			var perr *backoff.PermanentError
			if errors.As(lastErr, &perr) {
				return attempts, perr.Err
			}
			return attempts, fmt.Errorf("%w: %s failed after %d attempts: %w", ErrExhausted, op, attempts, lastErr)
		}
	}
}
