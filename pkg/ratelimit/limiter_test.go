package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckAllowsUpToCeiling(t *testing.T) {
	l := New(true, time.Minute, 3)

	for i := 0; i < 3; i++ {
		res := l.Check("10.0.0.1")
		require.True(t, res.Allowed, "attempt %d should be allowed", i+1)
		assert.Equal(t, 3, res.Total)
		assert.Equal(t, 2-i, res.Remaining)
	}

	res := l.Check("10.0.0.1")
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	assert.False(t, res.ResetAt.IsZero())
}

func TestCheckKeysAreIndependent(t *testing.T) {
	l := New(true, time.Minute, 1)

	require.True(t, l.Check("10.0.0.1").Allowed)
	assert.False(t, l.Check("10.0.0.1").Allowed)
	assert.True(t, l.Check("10.0.0.2").Allowed)
}

func TestCheckNormalizesMappedIPv4(t *testing.T) {
	l := New(true, time.Minute, 1)

	require.True(t, l.Check("::ffff:10.0.0.1").Allowed)
	// Same host in plain IPv4 form shares the bucket.
	assert.False(t, l.Check("10.0.0.1").Allowed)
}

func TestCheckDisabledAlwaysAllows(t *testing.T) {
	l := New(false, time.Minute, 2)

	for i := 0; i < 10; i++ {
		res := l.Check("10.0.0.1")
		require.True(t, res.Allowed)
		assert.Equal(t, 2, res.Remaining)
		assert.Equal(t, 2, res.Total)
	}
}

func TestCheckWindowExpiry(t *testing.T) {
	l := New(true, 50*time.Millisecond, 1)

	require.True(t, l.Check("10.0.0.1").Allowed)
	require.False(t, l.Check("10.0.0.1").Allowed)

	time.Sleep(60 * time.Millisecond)
	assert.True(t, l.Check("10.0.0.1").Allowed, "window should have rolled over")
}

func TestSweepDropsEmptyBuckets(t *testing.T) {
	l := New(true, 10*time.Millisecond, 5)

	l.Check("10.0.0.1")
	l.Check("10.0.0.2")
	require.Len(t, l.buckets, 2)

	time.Sleep(20 * time.Millisecond)
	l.sweep(time.Now())
	assert.Empty(t, l.buckets)
}

func TestHundredAndFirstAttemptDenied(t *testing.T) {
	l := New(true, time.Minute, 100)

	for i := 0; i < 100; i++ {
		require.True(t, l.Check("192.0.2.7").Allowed)
	}
	res := l.Check("192.0.2.7")
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
}
