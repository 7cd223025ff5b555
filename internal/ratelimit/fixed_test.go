package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

func TestFixedWindowTake(t *testing.T) {
	limiter := FixedWindow{Store: memory.NewStore()}
	ctx := context.Background()
	q := Quota{Max: 3, Window: time.Minute}

	for i := range 3 {
		d, err := limiter.Take(ctx, "verify:user:1", q)
		require.NoError(t, err)
		require.True(t, d.Allowed)
		require.Equal(t, 2-i, d.Remaining)
		require.True(t, d.Reset.After(time.Now()))
	}
	d, err := limiter.Take(ctx, "verify:user:1", q)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Zero(t, d.Remaining)
}

func TestFixedWindowUnlimitedQuota(t *testing.T) {
	d, err := FixedWindow{Store: memory.NewStore()}.Take(context.Background(), "k", Quota{Max: 0, Window: time.Minute})
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = FixedWindow{}.Take(context.Background(), "k", Quota{Max: 5, Window: time.Minute})
	require.NoError(t, err)
	require.Equal(t, 5, d.Remaining)
}
