package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(maxAttempts int) BackoffConfig {
	return BackoffConfig{
		InitialInterval: time.Microsecond,
		MaxInterval:     time.Millisecond,
		Multiplier:      2.0,
		MaxAttempts:     maxAttempts,
	}
}

func TestWithBackoffSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := WithBackoff(context.Background(), testConfig(5), func() error {
		calls++
		if calls < 3 {
			return errors.New("connection reset")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithBackoffExhaustsAttempts(t *testing.T) {
	calls := 0
	boom := errors.New("still down")
	err := WithBackoff(context.Background(), testConfig(3), func() error {
		calls++
		return boom
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
}

func TestWithBackoffStopsOnPermanentError(t *testing.T) {
	calls := 0
	boom := errors.New("bucket does not exist")
	err := WithBackoff(context.Background(), testConfig(5), func() error {
		calls++
		return Permanent(boom)
	})
	assert.Equal(t, boom, err)
	assert.Equal(t, 1, calls)
}

func TestWithBackoffHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := testConfig(5)
	cfg.InitialInterval = time.Hour
	err := WithBackoff(ctx, cfg, func() error {
		return errors.New("transient")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDelayGrowsAndCaps(t *testing.T) {
	cfg := BackoffConfig{
		InitialInterval: time.Second,
		MaxInterval:     4 * time.Second,
		Multiplier:      2.0,
	}
	assert.Equal(t, time.Second, cfg.Delay(1))
	assert.Equal(t, 2*time.Second, cfg.Delay(2))
	assert.Equal(t, 4*time.Second, cfg.Delay(3))
	assert.Equal(t, 4*time.Second, cfg.Delay(10))
}

func TestDelayJitterStaysInRange(t *testing.T) {
	cfg := BackoffConfig{
		InitialInterval: time.Second,
		MaxInterval:     time.Second,
		Multiplier:      2.0,
		Jitter:          true,
	}
	for i := 0; i < 50; i++ {
		d := cfg.Delay(1)
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.Less(t, d, time.Second)
	}
}
