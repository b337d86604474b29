package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError(t *testing.T) {
	err := WithDetails(ErrNotFound, "entity light.kitchen")
	assert.Equal(t, "code=404, message=Resource not found, details=entity light.kitchen", err.Error())
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrBadRequest))

	wrapped := fmt.Errorf("loading: %w", err)
	assert.True(t, IsAppError(wrapped))
	assert.Equal(t, http.StatusNotFound, GetStatusCode(wrapped))
	assert.Equal(t, http.StatusInternalServerError, GetStatusCode(errors.New("boom")))
	assert.False(t, IsAppError(errors.New("boom")))
}

func TestWrap(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(ErrUnavailable, cause)

	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, "disk full", err.Details)
	assert.Equal(t, http.StatusServiceUnavailable, GetStatusCode(err))
}

func fastPolicy(attempts int) *RetryPolicy {
	return &RetryPolicy{MaxAttempts: attempts, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffFactor: 2}
}

func TestRetryExecutor(t *testing.T) {
	t.Run("succeeds after failures", func(t *testing.T) {
		calls := 0
		err := NewRetryExecutor(fastPolicy(3), nil).Execute(context.Background(), "op", func() error {
			calls++
			if calls < 3 {
				return errors.New("transient")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up", func(t *testing.T) {
		calls := 0
		err := NewRetryExecutor(fastPolicy(2), nil).Execute(context.Background(), "op", func() error {
			calls++
			return errors.New("transient")
		})
		assert.EqualError(t, err, "transient")
		assert.Equal(t, 2, calls)
	})

	t.Run("permanent stops", func(t *testing.T) {
		calls := 0
		bad := errors.New("bad credentials")
		err := NewRetryExecutor(fastPolicy(5), nil).Execute(context.Background(), "op", func() error {
			calls++
			return Permanent(bad)
		})
		assert.Same(t, bad, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("context cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := NewRetryExecutor(nil, nil).Execute(ctx, "op", func() error { return nil })
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestRetryPolicy_GetDelay(t *testing.T) {
	p := &RetryPolicy{MaxAttempts: 5, InitialDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond, BackoffFactor: 2}
	assert.Equal(t, 100*time.Millisecond, p.GetDelay(0))
	assert.Equal(t, 100*time.Millisecond, p.GetDelay(1))
	assert.Equal(t, 200*time.Millisecond, p.GetDelay(2))
	assert.Equal(t, 300*time.Millisecond, p.GetDelay(3))

	p.Jitter = true
	d := p.GetDelay(2)
	assert.GreaterOrEqual(t, d, 200*time.Millisecond)
	assert.LessOrEqual(t, d, 300*time.Millisecond)
}

func TestRetryPolicy_ShouldRetry(t *testing.T) {
	p := fastPolicy(3)
	assert.True(t, p.ShouldRetry(errors.New("x"), 1))
	assert.False(t, p.ShouldRetry(errors.New("x"), 3))
	assert.False(t, p.ShouldRetry(fmt.Errorf("wrapped: %w", context.DeadlineExceeded), 1))
	assert.False(t, p.ShouldRetry(fmt.Errorf("wrapped: %w", Permanent(errors.New("x"))), 1))
}
