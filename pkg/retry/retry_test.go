package retry

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func testRetrier(t *testing.T, clock clockwork.Clock, maxAttempts int) *Retrier {
	t.Helper()
	r, err := New(Config{
		Logger:      slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
		Clock:       clock,
		MaxAttempts: maxAttempts,
		InitialWait: time.Second,
		MaxWait:     8 * time.Second,
		Multiplier:  2,
	})
	require.NoError(t, err)
	return r
}

func TestRetrier_Do(t *testing.T) {
	t.Parallel()

	t.Run("succeeds_first_attempt", func(t *testing.T) {
		t.Parallel()
		r := testRetrier(t, clockwork.NewFakeClock(), 3)
		attempts, err := r.Do(context.Background(), "put", func(context.Context) error { return nil })
		require.NoError(t, err)
		require.Equal(t, 1, attempts)
	})

	t.Run("waits_exponentially_on_injected_clock", func(t *testing.T) {
		t.Parallel()
		clock := clockwork.NewFakeClock()
		r := testRetrier(t, clock, 3)

		calls := 0
		done := make(chan struct{})
		var attempts int
		var err error
		go func() {
			defer close(done)
			attempts, err = r.Do(context.Background(), "put", func(context.Context) error {
				calls++
				if calls < 3 {
					return errors.New("transient")
				}
				return nil
			})
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		clock.Advance(999 * time.Millisecond)
		select {
		case <-done:
			t.Fatal("returned before the first wait elapsed")
		default:
		}
		clock.Advance(time.Millisecond)

		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		clock.Advance(2 * time.Second)

		<-done
		require.NoError(t, err)
		require.Equal(t, 3, attempts)
	})

	t.Run("gives_up_at_ceiling", func(t *testing.T) {
		t.Parallel()
		clock := clockwork.NewFakeClock()
		r := testRetrier(t, clock, 2)

		done := make(chan struct{})
		var attempts int
		var err error
		go func() {
			defer close(done)
			attempts, err = r.Do(context.Background(), "put", func(context.Context) error {
				return errors.New("unreachable")
			})
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		clock.Advance(time.Second)

		<-done
		require.ErrorIs(t, err, ErrExhausted)
		require.Equal(t, 2, attempts)
	})

	t.Run("permanent_error_stops_immediately", func(t *testing.T) {
		t.Parallel()
		r := testRetrier(t, clockwork.NewFakeClock(), 5)
		denied := errors.New("access denied")

		attempts, err := r.Do(context.Background(), "put", func(context.Context) error {
			return Permanent(denied)
		})
		require.ErrorIs(t, err, denied)
		require.NotErrorIs(t, err, ErrExhausted)
		require.Equal(t, 1, attempts)
	})

	t.Run("non_retryable_error_returned_as_is", func(t *testing.T) {
		t.Parallel()
		r := testRetrier(t, clockwork.NewFakeClock(), 5)
		r.cfg.Retryable = func(error) bool { return false }
		boom := errors.New("syntax error")

		attempts, err := r.Do(context.Background(), "exec", func(context.Context) error { return boom })
		require.Equal(t, boom, err)
		require.Equal(t, 1, attempts)
	})

	t.Run("cancelled_context_during_wait", func(t *testing.T) {
		t.Parallel()
		clock := clockwork.NewFakeClock()
		r := testRetrier(t, clock, 5)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error)
		go func() {
			_, err := r.Do(ctx, "put", func(context.Context) error { return errors.New("transient") })
			done <- err
		}()

		blockCtx, blockCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer blockCancel()
		require.NoError(t, clock.BlockUntilContext(blockCtx, 1))
		cancel()
		require.ErrorIs(t, <-done, context.Canceled)
	})
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	require.Error(t, cfg.Validate(), "logger is required")

	cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	require.NoError(t, cfg.Validate())
	require.NotNil(t, cfg.Clock)

	cfg.Jitter = 1.5
	require.Error(t, cfg.Validate())
}
