package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMemoryLedger_QuotaAndWindow(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	ledger := NewMemoryLedger().WithClock(clock.Now)
	policy := Policy{Quota: 3, Window: time.Hour}
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		res, err := ledger.Reserve(ctx, "alice", policy)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, i, res.Used)
		clock.Advance(time.Minute)
	}

	res, err := ledger.Reserve(ctx, "alice", policy)
	require.NoError(t, err)
	assert.False(t, res.Allowed, "fourth trigger inside the window must be rejected")
	assert.Equal(t, 57*time.Minute, res.RetryAfter)

	// Other actors are independent.
	res, err = ledger.Reserve(ctx, "bob", policy)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	usage, err := ledger.Usage(ctx, "alice", policy)
	require.NoError(t, err)
	assert.Equal(t, Usage{Accepted: 3, Rejected: 1}, usage)

	// The first entry slides out of the window.
	clock.Advance(57 * time.Minute)
	res, err = ledger.Reserve(ctx, "alice", policy)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 3, res.Used)
}

func TestMemoryLedger_RejectedAttemptsDoNotConsumeQuota(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	ledger := NewMemoryLedger().WithClock(clock.Now)
	policy := Policy{Quota: 1, Window: 10 * time.Second}
	ctx := context.Background()

	_, _ = ledger.Reserve(ctx, "alice", policy)
	for i := 0; i < 5; i++ {
		res, _ := ledger.Reserve(ctx, "alice", policy)
		assert.False(t, res.Allowed)
	}

	clock.Advance(10*time.Second + time.Millisecond)
	res, err := ledger.Reserve(ctx, "alice", policy)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	usage, _ := ledger.Usage(ctx, "alice", policy)
	assert.Equal(t, int64(5), usage.Rejected)
}

func TestMemoryLedger_ConcurrentReserve(t *testing.T) {
	ledger := NewMemoryLedger()
	policy := Policy{Quota: 25, Window: time.Hour}

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := ledger.Reserve(context.Background(), "alice", policy)
			if err == nil && res.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 25, allowed)
	usage, _ := ledger.Usage(context.Background(), "alice", policy)
	assert.Equal(t, Usage{Accepted: 25, Rejected: 75}, usage)
}

func TestPolicyValidate(t *testing.T) {
	_, err := NewMemoryLedger().Reserve(context.Background(), "a", Policy{Quota: 0, Window: time.Minute})
	assert.Error(t, err)
	assert.Error(t, Policy{Quota: 1}.Validate())
	assert.NoError(t, Policy{Quota: 1, Window: time.Second}.Validate())
}

// TestRedisLedger_Integration requires a running Redis.
// We skip if connection fails.
func TestRedisLedger_Integration(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if _, err := client.Ping(ctx).Result(); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}
	t.Cleanup(func() { _ = client.Close() })

	clock := &fakeClock{now: time.Now()}
	ledger := NewRedisLedger(client, "gatekeeper-test:"+t.Name()+":"+clock.now.Format(time.RFC3339Nano)).WithClock(clock.Now)
	policy := Policy{Quota: 2, Window: 2 * time.Second}

	for i := 1; i <= 2; i++ {
		res, err := ledger.Reserve(ctx, "alice", policy)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, i, res.Used)
		clock.Advance(10 * time.Millisecond)
	}

	res, err := ledger.Reserve(ctx, "alice", policy)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Positive(t, res.RetryAfter)

	usage, err := ledger.Usage(ctx, "alice", policy)
	require.NoError(t, err)
	assert.Equal(t, Usage{Accepted: 2, Rejected: 1}, usage)

	clock.Advance(3 * time.Second)
	res, err = ledger.Reserve(ctx, "alice", policy)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}
