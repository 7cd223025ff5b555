package webhook_test

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/paycore/internal/webhook"
)

func TestRedisReplayGuardReleasesOnlyOwnClaim(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	guard := webhook.RedisReplayGuard{Client: client, Prefix: "test:webhook:"}
	ctx := context.Background()
	first, second := uuid.New(), uuid.New()

	ok, _, err := guard.Claim(ctx, "midtrans:pay-1", first, time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	ok, holder, err := guard.Claim(ctx, "midtrans:pay-1", second, time.Hour)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, first.String(), holder)

	require.NoError(t, guard.Release(ctx, "midtrans:pay-1", second))
	require.True(t, mr.Exists("test:webhook:midtrans:pay-1"))

	require.NoError(t, guard.Release(ctx, "midtrans:pay-1", first))
	require.False(t, mr.Exists("test:webhook:midtrans:pay-1"))
}

func TestRedisReplayGuardClaimExpires(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	guard := webhook.RedisReplayGuard{Client: client}
	ctx := context.Background()

	ok, _, err := guard.Claim(ctx, "xendit:evt-9", uuid.New(), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Minute)
	ok, _, err = guard.Claim(ctx, "xendit:evt-9", uuid.New(), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}
