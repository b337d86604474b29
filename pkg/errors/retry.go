package errors

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"
)

// RetryPolicy controls how often and how far apart attempts are made.
type RetryPolicy struct {
	MaxAttempts   int           `yaml:"max_attempts"`
	InitialDelay  time.Duration `yaml:"initial_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	BackoffFactor float64       `yaml:"backoff_factor"`
	Jitter        bool          `yaml:"jitter"`
}

// DefaultRetryPolicy makes three attempts starting 100ms apart.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2,
		Jitter:        true,
	}
}

type permanent struct{ error }

func (p permanent) Unwrap() error { return p.error }

// Permanent marks err so that retrying stops at once.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanent{err}
}

// IsPermanent reports whether err or anything it wraps came from Permanent.
func IsPermanent(err error) bool {
	var p permanent
	return errors.As(err, &p)
}

// ShouldRetry reports whether another attempt may follow the given one.
// Context errors and permanent errors are final.
func (rp *RetryPolicy) ShouldRetry(err error, attempt int) bool {
	switch {
	case attempt >= rp.MaxAttempts:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	default:
		return !IsPermanent(err)
	}
}

// GetDelay returns the pause after the given attempt: InitialDelay grown by
// BackoffFactor per attempt, plus up to a quarter more with Jitter, capped
// at MaxDelay.
func (rp *RetryPolicy) GetDelay(attempt int) time.Duration {
	delay := float64(rp.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= rp.BackoffFactor
		if rp.MaxDelay > 0 && delay >= float64(rp.MaxDelay) {
			break
		}
	}
	if rp.Jitter {
		delay *= 1 + rand.Float64()/4
	}
	if limit := float64(rp.MaxDelay); rp.MaxDelay > 0 && delay > limit {
		delay = limit
	}
	return time.Duration(delay)
}

// RetryExecutor runs operations under a RetryPolicy.
type RetryExecutor struct {
	policy *RetryPolicy
	logger *logrus.Logger
}

// NewRetryExecutor uses DefaultRetryPolicy when policy is nil. The logger
// may be nil.
func NewRetryExecutor(policy *RetryPolicy, logger *logrus.Logger) *RetryExecutor {
	if policy == nil {
		policy = DefaultRetryPolicy()
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &RetryExecutor{policy: policy, logger: logger}
}

// Execute calls fn until it succeeds or the policy gives up. The final
// error is returned without the Permanent marker; a done ctx returns
// ctx.Err().
func (re *RetryExecutor) Execute(ctx context.Context, operation string, fn func() error) error {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		attempt++

		err := fn()
		if err == nil {
			if attempt > 1 {
				re.log(operation, attempt).Info("Operation succeeded after retry")
			}
			return nil
		}
		if !re.policy.ShouldRetry(err, attempt) {
			if p, ok := err.(permanent); ok {
				return p.error
			}
			return err
		}

		delay := re.policy.GetDelay(attempt)
		re.log(operation, attempt).WithError(err).WithField("delay", delay).Debug("Retrying operation after delay")
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (re *RetryExecutor) log(operation string, attempt int) *logrus.Entry {
	return re.logger.WithFields(logrus.Fields{"operation": operation, "attempt": attempt})
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
