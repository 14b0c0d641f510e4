// Package stage implements the three uniform Stage Adapters (Understand,
// Synthesize, Reconstruct) that wrap the external AI pipeline with retries,
// timeouts, sanity checks, and deterministic fallbacks.
package stage

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// StageLog is the per-invocation audit record persisted by every adapter.
type StageLog struct {
	ID          string    `json:"id"`
	Stage       string    `json:"stage"`
	InputDigest string    `json:"input_digest"`
	Raw         string    `json:"raw,omitempty"`
	RawFallback bool      `json:"raw_fallback,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Attempts    int       `json:"attempts"`
	Err         string    `json:"error,omitempty"`
}

func newStageLog(stage, inputDigest string) StageLog {
	return StageLog{
		ID:          uuid.NewString(),
		Stage:       stage,
		InputDigest: inputDigest,
		StartedAt:   time.Now(),
	}
}

// backoff returns the sleep duration before retry round n: min(2^n, 8) seconds.
func backoff(round int) time.Duration {
	d := time.Duration(1) << uint(round)
	if d > 8 {
		d = 8
	}
	return d * time.Second
}

// attemptFunc performs one timed attempt of a stage call.
type attemptFunc[T any] func(ctx context.Context, round int) (T, error)

// runWithRetry executes attempt under a per-call timeout, retrying up to
// retries times with exponential backoff between rounds. A timeout counts as
// one retry. Context cancellation aborts immediately without further retry.
// It returns the last result/error pair once retries are exhausted.
func runWithRetry[T any](ctx context.Context, timeout time.Duration, retries int, attempt attemptFunc[T]) (T, error) {
	var zero T
	var lastErr error

	for round := 0; round <= retries; round++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		callCtx, cancel := context.WithTimeout(ctx, timeout)
		result, err := attempt(callCtx, round)
		cancel()

		if err == nil {
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		if round < retries {
			select {
			case <-time.After(backoff(round)):
			case <-ctx.Done():
				return zero, ctx.Err()
			}
		}
	}

	return zero, lastErr
}
