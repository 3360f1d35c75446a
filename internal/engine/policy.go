package engine

import (
	"math"
	"sync"
	"time"

	"as-market-maker/strategy/asmm"
)

// RefreshPolicy 决定何时重新报价
type RefreshPolicy struct {
	interval  time.Duration
	threshold float64

	mu          sync.Mutex
	lastUpdate  time.Time
	lastVersion uint64
	refreshed   bool
	lastQuote   asmm.Quote
	hasQuote    bool
	force       bool
	forceAt     time.Time
}

// NewRefreshPolicy 创建刷新策略。threshold 为价格变动比例，例如 0.001。
func NewRefreshPolicy(interval time.Duration, threshold float64) *RefreshPolicy {
	return &RefreshPolicy{interval: interval, threshold: threshold}
}

// ShouldRefresh 同时满足以下条件时返回 true：
// (a) 距上次刷新已超过间隔；(b) 指标版本已变化；
// (c) 没有在挂的报价，或新买卖价相对上次报价的变动不小于阈值。
// 成交后的强制刷新在延迟到期后跳过 (c)。
func (p *RefreshPolicy) ShouldRefresh(now time.Time, version uint64, q asmm.Quote, hasLiveOrders bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.lastUpdate.IsZero() && now.Sub(p.lastUpdate) < p.interval {
		return false
	}
	if p.refreshed && version == p.lastVersion {
		return false
	}
	if p.force && !now.Before(p.forceAt) {
		return true
	}
	if !p.hasQuote || !hasLiveOrders {
		return true
	}
	return relMove(p.lastQuote.Bid, q.Bid) >= p.threshold ||
		relMove(p.lastQuote.Ask, q.Ask) >= p.threshold
}

// MarkRefreshed 在一次刷新尝试结束后调用（无论成败）
func (p *RefreshPolicy) MarkRefreshed(now time.Time, version uint64, q asmm.Quote) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastUpdate = now
	p.lastVersion = version
	p.refreshed = true
	p.lastQuote = q
	p.hasQuote = true
	if p.force && !now.Before(p.forceAt) {
		p.force = false
	}
}

// ArmForce 成交后设置强制刷新，at 之前不生效
func (p *RefreshPolicy) ArmForce(at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.force && p.forceAt.Before(at) {
		// 保留更早的生效时间
		return
	}
	p.force = true
	p.forceAt = at
}

// Forced 当前是否有待执行的强制刷新
func (p *RefreshPolicy) Forced() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.force
}

// LastUpdate 上次刷新完成时间
func (p *RefreshPolicy) LastUpdate() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastUpdate
}

// Reset 清空历史，下一次满足条件即刷新
func (p *RefreshPolicy) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastUpdate = time.Time{}
	p.refreshed = false
	p.hasQuote = false
	p.force = false
}

func relMove(prev, next float64) float64 {
	if prev <= 0 {
		return math.Inf(1)
	}
	return math.Abs(next-prev) / prev
}
