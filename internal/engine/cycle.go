package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"as-market-maker/market"
	"as-market-maker/order"
	"as-market-maker/strategy/asmm"
)

var (
	errNotConnected  = errors.New("exchange disconnected")
	errStaleSnapshot = errors.New("stale market snapshot")
	errWarmingUp     = errors.New("indicators warming up")
	errCycleStale    = errors.New("cycle abandoned")
)

// runCycle 单个控制周期：行情 -> 指标 -> 余额与风控 -> 报价 -> 刷新决策 -> 刷新
func (e *Engine) runCycle(ctx context.Context) error {
	if e.risk.IsEmergencyStop() {
		return nil
	}
	if !e.connected.Load() {
		return errNotConnected
	}
	if e.needRebuild.Load() && e.cycleCurrent(ctx) {
		if _, err := e.reconciler.Rebuild(ctx); err != nil {
			return fmt.Errorf("rebuild after reconnect: %w", err)
		}
		e.needRebuild.Store(false)
		e.metrics.RecordReconcile()
	}

	snap, err := e.ex.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	now := time.Now()
	if e.cfg.MaxSnapshotAge > 0 && snap.Age(now) > e.cfg.MaxSnapshotAge {
		return fmt.Errorf("%w: age %s", errStaleSnapshot, snap.Age(now))
	}

	ind := e.updateIndicators(snap)
	e.metrics.RecordIndicators(ind.Volatility, ind.TradingIntensity)

	bal, err := e.ex.Balances(ctx)
	if err != nil {
		return fmt.Errorf("balances: %w", err)
	}
	if !e.cycleCurrent(ctx) {
		return errCycleStale
	}
	e.risk.UpdateAccount(snap.Mid, bal)
	e.metrics.RecordRisk(e.risk.State())

	inv := market.NewInventory(bal, snap.Mid, 0)
	inv.TargetBase = e.cfg.TargetBaseRatio * inv.TotalValue / snap.Mid

	e.mu.Lock()
	e.lastSnap = snap
	e.lastInv = inv
	e.mu.Unlock()

	if len(e.tracker.WithStatus(order.StatusUnknown)) > 0 {
		e.reconciler.ResolveUnknown(ctx)
	}

	if e.cfg.RequireReady && !ind.Ready {
		return errWarmingUp
	}

	q, err := e.calc.Compute(asmm.Input{
		Mid:             snap.Mid,
		Volatility:      ind.Volatility,
		Intensity:       ind.TradingIntensity,
		Inventory:       inv.Base,
		TargetInventory: inv.TargetBase,
		TotalValue:      inv.TotalValue,
	}, now)
	if err != nil {
		return fmt.Errorf("compute quote: %w", err)
	}
	if !e.cycleCurrent(ctx) {
		return errCycleStale
	}
	e.mu.Lock()
	e.lastQuote = &q
	e.mu.Unlock()
	e.metrics.RecordQuote(q.Bid, q.Ask, q.Ask-q.Bid, q.Degraded)

	hasLive := e.tracker.Len() > 0
	if !e.policy.ShouldRefresh(now, ind.Version, q, hasLive) {
		return nil
	}

	e.refresh(ctx, q)
	if !e.cycleCurrent(ctx) {
		return errCycleStale
	}
	e.policy.MarkRefreshed(time.Now(), ind.Version, q)
	e.stats.refreshes.Add(1)
	e.metrics.RecordRefresh()
	return nil
}

// updateIndicators 同一快照只喂给指标引擎一次
func (e *Engine) updateIndicators(snap market.Snapshot) market.Indicators {
	e.mu.Lock()
	fresh := snap.Timestamp.IsZero() || snap.Timestamp.After(e.lastSnapTs)
	if fresh {
		e.lastSnapTs = snap.Timestamp
	}
	e.mu.Unlock()
	if !fresh {
		return e.indicators.Current()
	}
	return e.indicators.Update(snap)
}

// refresh 先尽力撤销全部跟踪订单，再按撤单后的可用余额并发提交买卖两侧
func (e *Engine) refresh(ctx context.Context, q asmm.Quote) {
	if !e.cycleCurrent(ctx) {
		return
	}
	e.cancelAll(ctx)
	if e.risk.IsEmergencyStop() || ctx.Err() != nil {
		return
	}
	bal, err := e.ex.Balances(ctx)
	if err != nil {
		e.logger.Warn("撤单后查询余额失败，本次不下单", zap.Error(err))
		return
	}

	e.logger.Debug("刷新报价",
		zap.Float64("bid", q.Bid),
		zap.Float64("ask", q.Ask),
		zap.Float64("buySize", q.BuySize),
		zap.Float64("sellSize", q.SellSize),
		zap.Float64("skew", q.Skew))

	done := make(chan struct{}, 2)
	go func() {
		e.placeSide(ctx, order.SideBuy, q.Bid, q.BuySize, bal)
		done <- struct{}{}
	}()
	go func() {
		e.placeSide(ctx, order.SideSell, q.Ask, q.SellSize, bal)
		done <- struct{}{}
	}()
	<-done
	<-done
}

// cancelAll 撤销跟踪中的全部订单，失败只记录日志
func (e *Engine) cancelAll(ctx context.Context) {
	for _, o := range e.tracker.Orders() {
		if !e.sm.CanCancel(o.Status) || o.ExchangeOrderID == "" {
			continue
		}
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.CancelTimeout)
		err := e.ex.CancelOrder(callCtx, o.ExchangeOrderID)
		cancel()

		switch {
		case err == nil, errors.Is(err, order.ErrOrderNotFound):
			if _, terr := e.tracker.Transition(o.ClientOrderID, order.StatusCancelled, ""); terr != nil {
				e.logger.Debug("撤单后状态更新跳过", zap.String("clientOrderId", o.ClientOrderID), zap.Error(terr))
			}
			e.metrics.RecordOrderCancelled()
		default:
			e.metrics.RecordCancelFailed()
			e.logger.Warn("撤单失败，等待对账处理",
				zap.String("clientOrderId", o.ClientOrderID),
				zap.String("exchangeOrderId", o.ExchangeOrderID),
				zap.Error(err))
		}
	}
}

// placeSide 风控与交易规则检查后幂等下单
func (e *Engine) placeSide(ctx context.Context, side order.Side, price, size float64, bal market.Balances) {
	log := e.logger.With(zap.String("side", string(side)), zap.Float64("price", price), zap.Float64("size", size))
	if size <= 0 {
		log.Debug("下单量为 0，跳过")
		return
	}
	if err := e.constraints.Validate(price, size); err != nil {
		log.Debug("不满足交易规则，跳过", zap.Error(err))
		e.metrics.RecordOrderRejected(CodeConstraint)
		e.publish(Event{Type: EventOrderRejected, Code: CodeConstraint, Message: err.Error()})
		return
	}
	if d := e.risk.ValidateOrder(side, size, price, bal); !d.Valid {
		log.Info("风控拒单", zap.String("type", string(d.Type)), zap.String("reason", d.Reason))
		e.metrics.RecordOrderRejected(string(d.Type))
		e.publish(Event{Type: EventOrderRejected, Code: string(d.Type), Message: d.Reason})
		return
	}

	if !e.cycleCurrent(ctx) {
		log.Debug("周期已放弃，不再下单")
		return
	}
	req := order.Request{
		ClientOrderID: order.NewClientOrderID(e.cfg.ClientIDPrefix, side),
		Side:          side,
		Price:         price,
		Size:          size,
	}
	if err := e.tracker.Add(order.NewManagedOrder(req, time.Now())); err != nil {
		log.Warn("订单集合已满，跳过", zap.Error(err))
		e.metrics.RecordOrderRejected(CodeTooManyOrders)
		e.publish(Event{Type: EventOrderRejected, Code: CodeTooManyOrders, Message: err.Error()})
		return
	}
	log = log.With(zap.String("clientOrderId", req.ClientOrderID))

	res, err := e.submitter.Submit(ctx, req)
	switch {
	case err == nil:
		// 终态由订单事件推进
		if _, terr := e.tracker.Transition(req.ClientOrderID, order.StatusOpen, res.Handle.ExchangeOrderID); terr != nil {
			log.Debug("确认前订单已终结", zap.Error(terr))
		}
		e.metrics.RecordOrderSubmitted(string(side))
		if res.Adopted {
			e.metrics.RecordOrderAdopted()
		}
		log.Debug("下单成功", zap.String("exchangeOrderId", res.Handle.ExchangeOrderID), zap.Bool("adopted", res.Adopted))

	case errors.Is(err, order.ErrSubmitAborted):
		// 请求从未发出
		_, _ = e.tracker.Transition(req.ClientOrderID, order.StatusCancelled, "")
		log.Info("下单已中止", zap.Error(err))

	case order.IsRejected(err):
		_, _ = e.tracker.Transition(req.ClientOrderID, order.StatusCancelled, "")
		e.metrics.RecordOrderRejected(CodeExchangeRejected)
		log.Warn("交易所拒单", zap.Error(err))
		e.publish(Event{Type: EventOrderRejected, Code: CodeExchangeRejected, Message: err.Error()})

	default:
		_, _ = e.tracker.Transition(req.ClientOrderID, order.StatusUnknown, "")
		log.Error("下单结果不确定，等待对账", zap.Error(err))
		e.publish(Event{Type: EventOrderFailed, Code: CodeSubmitUnresolved, Message: err.Error()})
	}
}
