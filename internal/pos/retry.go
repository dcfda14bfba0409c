package pos

import (
	"context"
	"time"
)

// RetryPolicy retries a lookup whose target is not visible yet (not_found)
// with doubling backoff. Any other outcome returns at once.
type RetryPolicy struct {
	Attempts int
	Base     time.Duration
	Sleep    func(ctx context.Context, d time.Duration) error
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Base: 200 * time.Millisecond}
}

func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	delay := p.Base
	var err error
	for i := 0; i < attempts; i++ {
		err = fn(ctx)
		if err == nil || !isNotFound(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		if sleepErr := sleep(ctx, delay); sleepErr != nil {
			return sleepErr
		}
		delay *= 2
	}
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
