// Package retry provides the bounded retry policy shared by activation
// polling, trigger invocation and execution polling.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrNotReady is returned by an attempt that completed but whose result did
// not satisfy the success predicate. It is retried like any other error.
var ErrNotReady = errors.New("not ready")

// Policy bounds an operation by attempt count and spaces attempts with a
// constant or exponential delay.
type Policy struct {
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	Delay       time.Duration `mapstructure:"delay" yaml:"delay"`
	// Multiplier > 1 switches to exponential backoff starting at Delay.
	Multiplier float64       `mapstructure:"multiplier" yaml:"multiplier"`
	MaxDelay   time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
}

// Constant returns a fixed-delay policy.
func Constant(attempts int, delay time.Duration) Policy {
	return Policy{MaxAttempts: attempts, Delay: delay}
}

// Exponential returns a policy whose delay grows by multiplier up to max.
func Exponential(attempts int, initial time.Duration, multiplier float64, max time.Duration) Policy {
	return Policy{MaxAttempts: attempts, Delay: initial, Multiplier: multiplier, MaxDelay: max}
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

func (p Policy) backOff() backoff.BackOff {
	if p.Multiplier > 1 {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = p.Delay
		eb.Multiplier = p.Multiplier
		eb.RandomizationFactor = 0
		eb.MaxElapsedTime = 0
		if p.MaxDelay > 0 {
			eb.MaxInterval = p.MaxDelay
		}
		return eb
	}
	return backoff.NewConstantBackOff(p.Delay)
}

// Attempt is one try. attempt starts at 1.
type Attempt func(ctx context.Context, attempt int) error

// Permanent marks err as not worth retrying. Do returns it unwrapped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Do runs fn until it returns nil, returns a Permanent error, the attempt
// budget is spent or ctx is done. It returns the number of attempts made and
// the last error. When ctx ends, the context error is returned.
func (p Policy) Do(ctx context.Context, fn Attempt) (int, error) {
	n := 0
	b := backoff.WithContext(backoff.WithMaxRetries(p.backOff(), uint64(p.attempts()-1)), ctx)
	err := backoff.Retry(func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		n++
		return fn(ctx, n)
	}, b)
	return n, err
}

// Until runs check until it reports true. Errors from check are retried.
// It returns false with a nil error when the budget is spent.
func (p Policy) Until(ctx context.Context, check func(ctx context.Context, attempt int) (bool, error)) (bool, int, error) {
	n, err := p.Do(ctx, func(ctx context.Context, attempt int) error {
		ok, err := check(ctx, attempt)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotReady
		}
		return nil
	})
	if err == nil {
		return true, n, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return false, n, ctxErr
	}
	if errors.Is(err, ErrNotReady) {
		return false, n, nil
	}
	return false, n, err
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
