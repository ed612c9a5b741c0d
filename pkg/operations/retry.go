package operations

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
	"github.com/soundprediction/go-graphops/pkg/types"
)

const (
	maxAttempts    = 3
	initialBackoff = 200 * time.Millisecond
)

// engineCaller wraps graph engine calls with bounded retry and a circuit
// breaker. The breaker is shared across operations: the collaborator is one
// service, and a scope-wide outage should fail fast everywhere.
type engineCaller struct {
	breaker *gobreaker.CircuitBreaker
}

func newEngineCaller() *engineCaller {
	return &engineCaller{
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "graph-engine",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

// do invokes fn up to maxAttempts times with exponential backoff. Exhaustion
// and an open breaker both surface as *types.ExternalServiceError. Context
// cancellation aborts immediately with the context's error.
func (c *engineCaller) do(ctx context.Context, op string, fn func() error) error {
	backoff := initialBackoff
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		_, err := c.breaker.Execute(func() (any, error) {
			return nil, fn()
		})
		if err == nil {
			return nil
		}
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return &types.ExternalServiceError{Op: op, Attempts: attempt, Err: err}
		}
		lastErr = err
		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return &types.ExternalServiceError{Op: op, Attempts: maxAttempts, Err: lastErr}
}
