package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoSucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Sweep(), func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesTransientFailures(t *testing.T) {
	calls := 0
	cfg := Config{MaxAttempts: 4, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2.0}

	err := Do(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return errors.New("registry not up yet")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	cfg := Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2.0}

	boom := errors.New("still down")
	err := Do(context.Background(), cfg, func() error {
		calls++
		return boom
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	calls := 0
	rejected := errors.New("duplicate key: ANGLE")

	err := Do(context.Background(), Announce(), func() error {
		calls++
		return NonRetryable(rejected)
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, rejected)
	assert.True(t, IsNonRetryable(err))
	assert.Equal(t, 1, calls)
}

func TestDoHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	cfg := Config{MaxAttempts: 10, InitialDelay: 50 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2.0}

	err := Do(ctx, cfg, func() error {
		calls++
		cancel()
		return errors.New("transient")
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDoWithResult(t *testing.T) {
	cfg := Config{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2.0}

	attempts := 0
	port, err := DoWithResult(context.Background(), cfg, func() (int, error) {
		attempts++
		if attempts == 1 {
			return 0, errors.New("not yet")
		}
		return 10111, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 10111, port)
}

func TestDoRejectsInvertedDelays(t *testing.T) {
	cfg := Config{MaxAttempts: 1, InitialDelay: time.Second, MaxDelay: time.Millisecond, Multiplier: 2.0}
	err := Do(context.Background(), cfg, func() error { return nil })
	assert.Error(t, err)
}
