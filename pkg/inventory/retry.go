package inventory

import (
	"context"
	"time"
)

// RetryOnLockTimeout runs fn up to attempts times, waiting backoff (doubled
// each time) between tries, as long as fn fails with ErrLockTimeout. Any
// other error, or ctx ending, stops immediately.
// ロックタイムアウト時に操作全体を再実行
func RetryOnLockTimeout(ctx context.Context, attempts int, backoff time.Duration, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil || !IsLockTimeout(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
		backoff *= 2
	}
	return err
}
