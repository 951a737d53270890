package subscription

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// limiter is the minimal rate-limiting surface RPCSubscription needs: reserve a slot and get back a
// channel that fires once it's available, plus a cancel to release the reservation early if the
// caller gives up waiting. Exists so tests can substitute a limiter that never delays.
type limiter interface {
	reserve() (reservation <-chan time.Time, cancel func())
}

var _ limiter = (*rateLimiterWrapper)(nil)

// rateLimiterWrapper adapts a [rate.Limiter] to limiter.
type rateLimiterWrapper rate.Limiter

func newRateLimiter(r rate.Limit, burst int) *rateLimiterWrapper {
	return (*rateLimiterWrapper)(rate.NewLimiter(r, burst))
}

func (w *rateLimiterWrapper) reserve() (reservation <-chan time.Time, cancel func()) {
	res := (*rate.Limiter)(w).Reserve()
	timer := time.NewTimer(res.Delay())
	return timer.C, func() {
		timer.Stop()
		// Returns the reserved token if the reservation has not been acted on yet; a no-op otherwise.
		res.Cancel()
	}
}

// wait blocks until l's next slot is available or ctx is done, whichever comes first.
func wait(ctx context.Context, l limiter) error {
	reservation, cancel := l.reserve()
	defer cancel()
	select {
	case <-reservation:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
