package duck

import (
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/fleetsync/pkg/retry"
)

const (
	maxRetries         = 8
	initialRetryDelay  = 50 * time.Millisecond
	maxRetryDelay      = 5 * time.Second
	retryBackoffFactor = 2.0
)

// isTransactionConflictError checks if an error is a transaction conflict error that should be retried
func isTransactionConflictError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "Transaction conflict") ||
		strings.Contains(errStr, "Conflict on tuple deletion") ||
		strings.Contains(errStr, "Conflict on update")
}

func newConflictRetrier(log *slog.Logger, clock clockwork.Clock) (*retry.Retrier, error) {
	return retry.New(retry.Config{
		Logger:      log,
		Clock:       clock,
		MaxAttempts: maxRetries,
		InitialWait: initialRetryDelay,
		MaxWait:     maxRetryDelay,
		Multiplier:  retryBackoffFactor,
		Retryable:   isTransactionConflictError,
	})
}
