package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"courseforge/internal/models"
)

// StageError tags a collaborator failure as recoverable (retried with
// backoff) or permanent (fails the job immediately). Untagged errors and
// timeouts are treated as recoverable.
type StageError struct {
	Permanent bool
	Err       error
}

func (e *StageError) Error() string { return e.Err.Error() }
func (e *StageError) Unwrap() error { return e.Err }

// Recoverable wraps err as a retryable stage failure.
func Recoverable(err error) error {
	return &StageError{Permanent: false, Err: err}
}

// Permanent wraps err as an immediately terminal stage failure.
func Permanent(err error) error {
	return &StageError{Permanent: true, Err: err}
}

// IsPermanent reports whether err is tagged permanent.
func IsPermanent(err error) bool {
	var se *StageError
	return errors.As(err, &se) && se.Permanent
}

// StageFunc executes one pipeline stage against the shared state. It must
// respect ctx, which carries the stage's configured timeout.
type StageFunc func(ctx context.Context, job models.Job, st *State) error

// Descriptor is the static per-stage retry/timeout policy, shared read-only
// by all workers.
type Descriptor struct {
	Name              string
	Timeout           time.Duration
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffMultiplier float64
	BackoffMax        time.Duration
}

// Backoff computes the wait before retrying the given attempt:
// base * multiplier^(attempt-1), capped, with jitter in the upper half.
func (d Descriptor) Backoff(attempt int) time.Duration {
	base := d.BackoffBase
	if base <= 0 {
		base = time.Second
	}
	mult := d.BackoffMultiplier
	if mult <= 1 {
		mult = 2
	}
	max := d.BackoffMax
	if max <= 0 {
		max = time.Minute
	}
	if attempt <= 0 {
		return base
	}
	wait := time.Duration(float64(base) * math.Pow(mult, float64(attempt-1)))
	if wait > max || wait <= 0 {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}

func (d Descriptor) validate() error {
	if d.Name == "" {
		return errors.New("stage descriptor missing name")
	}
	if d.MaxAttempts <= 0 {
		return fmt.Errorf("stage %s: max attempts must be positive", d.Name)
	}
	return nil
}
