package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/0xmhha/crowdfund-indexer/pkg/client"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Policy bounds retries of transient failures. The n-th retry (1-based)
// waits BaseDelay * 2^n.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// Retrier runs operations under a Policy, retrying only errors that the
// classifier reports as transient.
type Retrier struct {
	policy    Policy
	transient func(error) bool
	logger    *zap.Logger
}

// NewRetrier creates a retrier that retries client.IsTransient errors.
func NewRetrier(policy Policy, logger *zap.Logger) *Retrier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retrier{policy: policy, transient: client.IsTransient, logger: logger}
}

// WithClassifier returns a copy of r that retries errors matching fn.
func (r *Retrier) WithClassifier(fn func(error) bool) *Retrier {
	cp := *r
	cp.transient = fn
	return &cp
}

func (r *Retrier) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * r.policy.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = time.Duration(1<<62 - 1)
	b.MaxElapsedTime = 0
	b.Reset()

	retries := r.policy.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// Do runs fn until it succeeds, fails permanently, exhausts the retry budget
// or ctx is done. attempt is 0 on the first call. The last error is returned
// unwrapped.
func (r *Retrier) Do(ctx context.Context, op string, fn func(ctx context.Context, attempt int) error) error {
	attempt := 0
	operation := func() error {
		err := fn(ctx, attempt)
		attempt++
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !r.transient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		r.logger.Warn("Retrying after transient failure",
			zap.String("operation", op),
			zap.Int("attempt", attempt),
			zap.Duration("backoff_delay", wait),
			zap.Error(err),
		)
	}

	err := backoff.RetryNotify(operation, r.backOff(ctx), notify)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}
