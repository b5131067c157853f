package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDo_SucceedsOnThirdAttempt(t *testing.T) {
	calls := 0
	got, err := Do(context.Background(), Policy{MaxAttempts: 3, Delay: time.Millisecond},
		func(ctx context.Context, attempt int) (string, error) {
			calls++
			if attempt < 3 {
				return "", errors.New("rejected")
			}
			return "ok", nil
		})

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
}

func TestDo_ExhaustedReturnsLastError(t *testing.T) {
	calls := 0
	var retried []int
	_, err := Do(context.Background(), Policy{
		MaxAttempts: 3,
		Delay:       time.Millisecond,
		OnRetry:     func(attempt int, err error) { retried = append(retried, attempt) },
	}, func(ctx context.Context, attempt int) (int, error) {
		calls++
		return 0, errors.New("rejected")
	})

	require.Error(t, err)
	assert.Equal(t, "rejected", err.Error())
	assert.Equal(t, 3, calls)
	assert.Len(t, retried, 2)
}

func TestDo_CanceledContextStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := Do(ctx, Policy{MaxAttempts: 5, Delay: time.Millisecond},
		func(ctx context.Context, attempt int) (int, error) {
			calls++
			cancel()
			return 0, context.Canceled
		})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDo_ZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	_, _ = Do(context.Background(), Policy{}, func(ctx context.Context, attempt int) (int, error) {
		calls++
		return 0, errors.New("x")
	})
	assert.Equal(t, 1, calls)
}
