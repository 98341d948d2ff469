// Package retry provides the bounded exponential backoff used around
// provider calls, upstream HTTP APIs and store round-trips.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/ethereum/go-ethereum"
)

// Policy bounds a retry loop. Attempts counts total tries, not retries.
type Policy struct {
	Base     time.Duration
	Cap      time.Duration
	Factor   float64
	Attempts int
	Jitter   float64 // fraction of the delay, applied symmetrically
}

// DefaultPolicy matches the service-wide defaults: three tries, 100ms
// base, doubling, capped at 5s, with ±10% jitter.
var DefaultPolicy = Policy{
	Base:     100 * time.Millisecond,
	Cap:      5 * time.Second,
	Factor:   2,
	Attempts: 3,
	Jitter:   0.1,
}

// Classifier decides whether an error is worth another attempt.
type Classifier func(error) bool

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err so Transient refuses to retry it regardless of
// its underlying type.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Transient is the default classifier. Lookups that legitimately found
// nothing and authorization failures never improve with repetition;
// everything else (timeouts, transport resets, 5xx-style upstream
// trouble) is assumed transient.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	var p *permanentError
	if errors.As(err, &p) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ethereum.NotFound) {
		return false
	}
	return true
}

// Do runs fn under the policy with the Transient classifier.
func Do(ctx context.Context, p Policy, fn func(context.Context) error) error {
	return DoWithClassifier(ctx, p, Transient, fn)
}

// DoWithClassifier runs fn until it succeeds, the classifier rejects the
// error, the attempt budget runs out, or ctx is done. The last error is
// returned unwrapped so callers can match sentinels through it.
func DoWithClassifier(ctx context.Context, p Policy, retryable Classifier, fn func(context.Context) error) error {
	if p.Attempts <= 0 {
		return fmt.Errorf("retry: policy allows no attempts")
	}
	var last error
	for attempt := 0; attempt < p.Attempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, p.delay(attempt-1)); err != nil {
				return last
			}
		}
		if err := ctx.Err(); err != nil {
			if last != nil {
				return last
			}
			return err
		}
		last = fn(ctx)
		if last == nil {
			return nil
		}
		if retryable != nil && !retryable(last) {
			return last
		}
	}
	return last
}

// delay computes the backoff before attempt n+1 (n is zero-based).
func (p Policy) delay(n int) time.Duration {
	d := float64(p.Base)
	for i := 0; i < n; i++ {
		d *= p.Factor
		if d >= float64(p.Cap) {
			d = float64(p.Cap)
			break
		}
	}
	if d > float64(p.Cap) {
		d = float64(p.Cap)
	}
	if p.Jitter > 0 {
		d += d * p.Jitter * (2*rand.Float64() - 1)
	}
	return time.Duration(d)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
