package health

import (
	"context"
	"runtime"

	"github.com/go-faster/errors"
)

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck reports unhealthy when p cannot be reached.
func PingCheck(p Pinger) CheckFunc {
	return func(ctx context.Context) error {
		if err := p.Ping(ctx); err != nil {
			return errors.Wrap(err, "ping")
		}
		return nil
	}
}

// Saturation is satisfied by the fan-out dispatcher.
type Saturation interface {
	QueueDepth() int
	Saturated() bool
}

// QueueCheck reports unhealthy while the queue is near capacity, so the
// instance stops taking new settlements until side effects drain.
func QueueCheck(q Saturation) CheckFunc {
	return func(context.Context) error {
		if q.Saturated() {
			return errors.Errorf("queue saturated at depth %d", q.QueueDepth())
		}
		return nil
	}
}

// GoroutineCountCheck reports unhealthy when the goroutine count exceeds
// threshold.
func GoroutineCountCheck(threshold int) CheckFunc {
	return func(context.Context) error {
		if n := runtime.NumGoroutine(); n > threshold {
			return errors.Errorf("goroutine count %d exceeds threshold %d", n, threshold)
		}
		return nil
	}
}
