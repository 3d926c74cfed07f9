package exposer

import (
	"context"
	"math/rand/v2"
	"time"
)

// backoff implements exponential backoff with full jitter, capped at
// a maximum interval. Used by pool members to space out relay dial
// retries so a relay restart doesn't get hit by every member
// reconnecting in lockstep.
type backoff struct {
	base    time.Duration
	max     time.Duration
	current time.Duration
}

func newBackoff(base, max time.Duration) *backoff {
	return &backoff{base: base, max: max, current: base}
}

// Next returns a jittered delay based on the current backoff
// interval, then doubles the interval for the next call. Full jitter
// (uniform random between 0 and current) prevents a thundering herd
// when many members reconnect at once.
func (b *backoff) Next() time.Duration {
	d := b.current
	jittered := time.Duration(rand.Int64N(int64(d) + 1))
	if next := b.current * 2; next > b.max {
		b.current = b.max
	} else {
		b.current = next
	}
	return jittered
}

// sleepCtx blocks for d or until ctx is done, reporting whether the
// sleep ran to completion.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
