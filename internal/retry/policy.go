package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy is a bounded exponential-backoff retry policy. External call
// sites (embedding, generation) receive a Policy instead of growing ad hoc
// retry loops; there is no unbounded retry anywhere in the pipeline.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// Do runs op, retrying with jittered exponential backoff until it succeeds
// or MaxAttempts is spent. Context cancellation stops the retries.
func (p Policy) Do(ctx context.Context, op func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	bo := backoff.NewExponentialBackOff()
	if p.BaseDelay > 0 {
		bo.InitialInterval = p.BaseDelay
	}

	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(attempts-1)), ctx))
}
