package gateway

import (
	"context"
	"sync"
	"time"

	"as-market-maker/order"
)

// RateLimiter 控制请求速率，避免触发交易所限流。
type RateLimiter interface {
	Wait(ctx context.Context) error
}

// TokenBucketLimiter 是一个简单的令牌桶实现。
type TokenBucketLimiter struct {
	rate   float64
	burst  int
	tokens float64
	last   time.Time
	mu     sync.Mutex
}

// NewTokenBucketLimiter 创建令牌桶，rate 为每秒令牌数
func NewTokenBucketLimiter(rate float64, burst int) *TokenBucketLimiter {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &TokenBucketLimiter{
		rate:   rate,
		burst:  burst,
		tokens: float64(burst),
		last:   time.Now(),
	}
}

func (l *TokenBucketLimiter) refillUnsafe(now time.Time) {
	elapsed := now.Sub(l.last).Seconds()
	l.last = now
	l.tokens += elapsed * l.rate
	if l.tokens > float64(l.burst) {
		l.tokens = float64(l.burst)
	}
}

// Allow 立即取一个令牌，没有则返回 false
func (l *TokenBucketLimiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refillUnsafe(time.Now())
	if l.tokens < 1 {
		return false
	}
	l.tokens--
	return true
}

// Wait 预约一个令牌并等待到可用；ctx 结束时归还预约并返回错误
func (l *TokenBucketLimiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	l.refillUnsafe(time.Now())
	l.tokens--
	deficit := -l.tokens
	l.mu.Unlock()

	if deficit <= 0 {
		return nil
	}
	timer := time.NewTimer(time.Duration(deficit / l.rate * float64(time.Second)))
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		l.tokens++
		l.mu.Unlock()
		return ctx.Err()
	}
}

// RateLimited 对下单相关调用限速的 Exchange 装饰器，行情与余额查询不受限
type RateLimited struct {
	Exchange
	limiter RateLimiter
}

// NewRateLimited 创建限速装饰器
func NewRateLimited(ex Exchange, limiter RateLimiter) *RateLimited {
	return &RateLimited{Exchange: ex, limiter: limiter}
}

func (r *RateLimited) wait(ctx context.Context, op string) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return &TransportError{Op: op, Err: err, Retriable: true}
	}
	return nil
}

// SubmitOrder 限速后下单
func (r *RateLimited) SubmitOrder(ctx context.Context, req order.Request) (order.Handle, error) {
	if err := r.wait(ctx, "submit"); err != nil {
		return order.Handle{}, err
	}
	return r.Exchange.SubmitOrder(ctx, req)
}

// QueryOrderByClientID 限速后查询
func (r *RateLimited) QueryOrderByClientID(ctx context.Context, clientOrderID string) (order.Handle, error) {
	if err := r.wait(ctx, "query"); err != nil {
		return order.Handle{}, err
	}
	return r.Exchange.QueryOrderByClientID(ctx, clientOrderID)
}

// CancelOrder 限速后撤单
func (r *RateLimited) CancelOrder(ctx context.Context, exchangeOrderID string) error {
	if err := r.wait(ctx, "cancel"); err != nil {
		return err
	}
	return r.Exchange.CancelOrder(ctx, exchangeOrderID)
}

// ListOpenOrders 限速后拉取挂单
func (r *RateLimited) ListOpenOrders(ctx context.Context) ([]order.Handle, error) {
	if err := r.wait(ctx, "listOpenOrders"); err != nil {
		return nil, err
	}
	return r.Exchange.ListOpenOrders(ctx)
}
