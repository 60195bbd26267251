package inventory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryOnLockTimeout(t *testing.T) {
	timeout := NewConcurrencyError("lock", "s:1:1", "timeout", nil)

	t.Run("succeeds after timeouts", func(t *testing.T) {
		attempts := 0
		err := RetryOnLockTimeout(context.Background(), 3, time.Millisecond, func(ctx context.Context) error {
			attempts++
			if attempts < 3 {
				return timeout
			}
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 3, attempts)
	})

	t.Run("gives up after attempts", func(t *testing.T) {
		attempts := 0
		err := RetryOnLockTimeout(context.Background(), 2, time.Millisecond, func(ctx context.Context) error {
			attempts++
			return timeout
		})
		assert.ErrorIs(t, err, ErrLockTimeout)
		assert.Equal(t, 2, attempts)
	})

	t.Run("other errors are not retried", func(t *testing.T) {
		attempts := 0
		err := RetryOnLockTimeout(context.Background(), 5, time.Millisecond, func(ctx context.Context) error {
			attempts++
			return ErrInsufficientStock
		})
		assert.ErrorIs(t, err, ErrInsufficientStock)
		assert.Equal(t, 1, attempts)
	})

	t.Run("context end stops waiting", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		attempts := 0
		err := RetryOnLockTimeout(ctx, 5, time.Hour, func(ctx context.Context) error {
			attempts++
			cancel()
			return timeout
		})
		assert.True(t, errors.Is(err, ErrLockTimeout))
		assert.Equal(t, 1, attempts)
	})

	t.Run("at least one attempt", func(t *testing.T) {
		attempts := 0
		_ = RetryOnLockTimeout(context.Background(), 0, 0, func(ctx context.Context) error {
			attempts++
			return nil
		})
		assert.Equal(t, 1, attempts)
	})
}
