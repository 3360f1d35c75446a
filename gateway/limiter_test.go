package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"as-market-maker/order"
)

func TestTokenBucketLimiter_Allow(t *testing.T) {
	l := NewTokenBucketLimiter(1, 2)
	assert.True(t, l.Allow())
	assert.True(t, l.Allow())
	assert.False(t, l.Allow())
}

func TestTokenBucketLimiter_WaitBlocksUntilRefill(t *testing.T) {
	l := NewTokenBucketLimiter(50, 1)
	require.NoError(t, l.Wait(context.Background()))
	start := time.Now()
	require.NoError(t, l.Wait(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestTokenBucketLimiter_WaitHonoursContext(t *testing.T) {
	l := NewTokenBucketLimiter(0.1, 1)
	require.NoError(t, l.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRateLimited_WrapsOrderCalls(t *testing.T) {
	p, _ := newPaper(t)
	limited := NewRateLimited(p, NewTokenBucketLimiter(0.1, 1))

	_, err := limited.SubmitOrder(context.Background(), order.Request{ClientOrderID: "A", Side: order.SideBuy, Price: 99, Size: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = limited.QueryOrderByClientID(ctx, "A")
	require.Error(t, err)
	assert.True(t, IsRetriable(err))

	// 行情与余额不受限速
	_, err = limited.Balances(context.Background())
	assert.NoError(t, err)
}
