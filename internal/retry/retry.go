package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy is a bounded exponential backoff. Attempts counts the first call.
type Policy struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	if p.Initial <= 0 {
		p.Initial = 100 * time.Millisecond
	}
	if p.Max < p.Initial {
		p.Max = p.Initial
	}
	return p
}

// exponential builds an unjittered doubling backoff capped at Max that never
// stops on elapsed time; the attempt bound is applied by the caller.
func (p Policy) exponential() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.MaxInterval = p.Max
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Backoff returns the wait before retry number n (n starts at 1).
func (p Policy) Backoff(n int) time.Duration {
	p = p.withDefaults()
	b := p.exponential()
	d := b.NextBackOff()
	for i := 1; i < n; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Do calls fn until it succeeds, the attempts run out, or ctx is done.
// onError sees every failed attempt and may be nil. The last error is
// returned wrapped with the attempt count.
func Do(ctx context.Context, p Policy, fn func(context.Context) error, onError func(attempt int, err error)) error {
	p = p.withDefaults()
	b := backoff.WithContext(backoff.WithMaxRetries(p.exponential(), uint64(p.Attempts-1)), ctx)

	attempt := 0
	var last error
	err := backoff.Retry(func() error {
		attempt++
		last = fn(ctx)
		if last != nil && onError != nil {
			onError(attempt, last)
		}
		return last
	}, b)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return fmt.Errorf("%w (after %d attempts: %v)", ctx.Err(), attempt, last)
	default:
		return fmt.Errorf("gave up after %d attempts: %w", attempt, last)
	}
}
