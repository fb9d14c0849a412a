package syncer

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/mesh-intelligence/rolodex/pkg/types"
)

// withRetry runs fn, retrying transient transport failures with capped
// exponential backoff and ±25% jitter. Rejections and every other error kind
// return immediately; only ErrNetworkUnavailable is worth waiting out.
func (e *Engine) withRetry(ctx context.Context, op string, fn func() error) error {
	delay := e.baseDelay
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !errors.Is(err, types.ErrNetworkUnavailable) {
			return err
		}
		if attempt >= e.maxAttempts {
			return err
		}
		d := jitter(delay)
		e.logger.Printf("%s failed (attempt %d/%d), retrying in %v: %v",
			op, attempt, e.maxAttempts, d, err)
		if serr := e.sleep(ctx, d); serr != nil {
			return err
		}
		delay *= 2
		if delay > e.maxDelay {
			delay = e.maxDelay
		}
	}
}

// jitter spreads a delay over ±25% so that devices retrying the same outage
// do not hammer the remote in lockstep.
func jitter(d time.Duration) time.Duration {
	quarter := int64(d) / 4
	return time.Duration(int64(d) - quarter + rand.Int63n(2*quarter+1))
}
