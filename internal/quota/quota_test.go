package quota

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "SprintPilot/internal/errors"
)

func TestGuardRejectsNonPositiveOrganization(t *testing.T) {
	guard := NewGuard(NewMemoryService(Policy{}))
	for _, org := range []int64{0, -3} {
		err := guard.Check(context.Background(), org, DimensionRequests)
		require.Error(t, err)
		assert.True(t, xerrors.IsCode(err, xerrors.CodeInvalidOrganization))
		assert.False(t, xerrors.IsCode(err, xerrors.CodeQuotaExceeded))
	}
}

func TestGuardExceeded(t *testing.T) {
	svc := NewMemoryService(Policy{Default: Limits{Decisions: 2}})
	guard := NewGuard(svc)
	ctx := context.Background()

	require.NoError(t, guard.Check(ctx, 7, DimensionDecisions))
	require.NoError(t, guard.Check(ctx, 7, DimensionDecisions))

	err := guard.Check(ctx, 7, DimensionDecisions)
	var exceeded *ExceededError
	require.True(t, errors.As(err, &exceeded))
	assert.Equal(t, DimensionDecisions, exceeded.Dimension)
	assert.Equal(t, int64(7), exceeded.OrganizationID)
	assert.True(t, xerrors.IsCode(err, xerrors.CodeQuotaExceeded))
	assert.Equal(t, xerrors.ClassForbidden, xerrors.Classify(err))
	assert.False(t, xerrors.RetryableError(err))

	assert.Equal(t, int64(2), svc.Used(7, DimensionDecisions), "denied check must not consume")
	require.NoError(t, guard.Check(ctx, 8, DimensionDecisions), "other organizations are unaffected")
}

func TestGuardTokensDimensionPeeks(t *testing.T) {
	svc := NewMemoryService(Policy{Default: Limits{Tokens: 100}})
	guard := NewGuard(svc)
	ctx := context.Background()

	require.NoError(t, guard.Check(ctx, 1, DimensionTokens))
	assert.Equal(t, int64(0), svc.Used(1, DimensionTokens))

	require.NoError(t, guard.RecordTokens(ctx, 1, 150))
	assert.Equal(t, int64(150), svc.Used(1, DimensionTokens))

	err := guard.Check(ctx, 1, DimensionTokens)
	assert.True(t, xerrors.IsCode(err, xerrors.CodeQuotaExceeded))
}

func TestMemoryServiceWindowResets(t *testing.T) {
	svc := NewMemoryService(Policy{Window: time.Minute, Default: Limits{Requests: 1}})
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }
	ctx := context.Background()

	out, err := svc.Consume(ctx, 1, DimensionRequests, 1)
	require.NoError(t, err)
	assert.True(t, out.Allowed)
	out, _ = svc.Consume(ctx, 1, DimensionRequests, 1)
	assert.False(t, out.Allowed)

	now = now.Add(time.Minute)
	out, _ = svc.Consume(ctx, 1, DimensionRequests, 1)
	assert.True(t, out.Allowed)
}

func TestPolicyOrganizationOverride(t *testing.T) {
	policy := Policy{Default: Limits{Requests: 1}, Organizations: map[int64]Limits{9: {Requests: 0}}}
	assert.Equal(t, int64(1), policy.LimitFor(1, DimensionRequests))
	assert.Equal(t, int64(0), policy.LimitFor(9, DimensionRequests))
}

func TestMemoryServiceConcurrentConsume(t *testing.T) {
	svc := NewMemoryService(Policy{Default: Limits{Requests: 10}})
	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := svc.Consume(context.Background(), 1, DimensionRequests, 1)
			if err == nil && out.Allowed {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, granted)
}

func newRedisService(t *testing.T, policy Policy) (*RedisService, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisService(client, policy, "test:quota"), mr
}

func TestRedisServiceConsume(t *testing.T) {
	svc, mr := newRedisService(t, Policy{Window: time.Hour, Default: Limits{Requests: 2}})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		out, err := svc.Consume(ctx, 3, DimensionRequests, 1)
		require.NoError(t, err)
		require.True(t, out.Allowed)
	}
	out, err := svc.Consume(ctx, 3, DimensionRequests, 1)
	require.NoError(t, err)
	assert.False(t, out.Allowed)
	assert.Equal(t, int64(2), out.Used)

	keys := mr.Keys()
	require.Len(t, keys, 1)
	assert.Greater(t, mr.TTL(keys[0]), time.Duration(0))

	mr.FastForward(2 * time.Hour)
	assert.Empty(t, mr.Keys())
}

func TestRedisServiceRecordIgnoresLimit(t *testing.T) {
	svc, _ := newRedisService(t, Policy{Default: Limits{Tokens: 10}})
	guard := NewGuard(svc)
	ctx := context.Background()

	require.NoError(t, guard.RecordTokens(ctx, 4, 25))
	err := guard.Check(ctx, 4, DimensionTokens)
	var exceeded *ExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, int64(25), exceeded.Used)
}

func TestRedisServiceFailureIsStorageError(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	guard := NewGuard(NewRedisService(client, Policy{}, ""))
	err = guard.Check(context.Background(), 1, DimensionRequests)
	assert.True(t, xerrors.IsCode(err, xerrors.CodeStorageFailure))
}
