package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	clock := time.UnixMilli(1_700_000_000_000)
	bucket := NewTokenBucket(client, 2, 1, time.Minute)
	bucket.now = func() time.Time { return clock }

	d, err := bucket.Allow(ctx, "W1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	d, err = bucket.Allow(ctx, "W1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = bucket.Allow(ctx, "W1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Second, d.RetryAfter)

	other, err := bucket.Allow(ctx, "W2")
	require.NoError(t, err)
	assert.True(t, other.Allowed, "buckets are per wallet")

	// The script takes time from the injected clock, so refill is testable.
	clock = clock.Add(1500 * time.Millisecond)
	d, err = bucket.Allow(ctx, "W1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.InDelta(t, 0.5, d.Remaining, 0.001)
}
