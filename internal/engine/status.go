package engine

import (
	"time"

	"as-market-maker/market"
	"as-market-maker/order"
	"as-market-maker/risk"
	"as-market-maker/strategy/asmm"
)

// Status 只读状态快照
type Status struct {
	State           string
	Symbol          string
	Connected       bool
	Quote           *asmm.Quote
	Inventory       market.Inventory
	Indicators      market.Indicators
	Risk            risk.State
	TrackedOrders   []order.ManagedOrder
	Fills           order.FillStats
	Reconcile       order.ReconcileStats
	LastUpdateTime  time.Time
	ForceRefresh    bool // 成交后待执行的强制刷新
	Cycles          int64
	AbandonedCycles int64
	Refreshes       int64
}

// Status 返回当前状态
func (e *Engine) Status() Status {
	e.mu.RLock()
	var q *asmm.Quote
	if e.lastQuote != nil {
		cp := *e.lastQuote
		q = &cp
	}
	inv := e.lastInv
	e.mu.RUnlock()

	return Status{
		State:           e.State().String(),
		Symbol:          e.cfg.Symbol,
		Connected:       e.connected.Load(),
		Quote:           q,
		Inventory:       inv,
		Indicators:      e.indicators.Current(),
		Risk:            e.risk.State(),
		TrackedOrders:   e.tracker.Orders(),
		Fills:           e.fills.GetStats(),
		Reconcile:       e.reconciler.GetStats(),
		LastUpdateTime:  e.policy.LastUpdate(),
		ForceRefresh:    e.policy.Forced(),
		Cycles:          e.stats.cycles.Load(),
		AbandonedCycles: e.stats.abandoned.Load(),
		Refreshes:       e.stats.refreshes.Load(),
	}
}
