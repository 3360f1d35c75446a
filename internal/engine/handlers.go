package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"as-market-maker/gateway"
	"as-market-maker/order"
	"as-market-maker/risk"
)

// handleOrderEvent 处理交易所推送的订单状态变化
func (e *Engine) handleOrderEvent(ctx context.Context, ev order.Event) {
	o, ok := e.tracker.Get(ev.ClientOrderID)
	if !ok {
		o, ok = e.tracker.FindByExchangeID(ev.ExchangeOrderID)
	}
	if !ok {
		e.logger.Debug("忽略未跟踪订单的事件",
			zap.String("clientOrderId", ev.ClientOrderID),
			zap.String("status", string(ev.Status)))
		return
	}

	switch ev.Status {
	case order.StatusFilled:
		e.onFilled(ctx, o, ev)
	case order.StatusCancelled:
		if _, err := e.tracker.Transition(o.ClientOrderID, order.StatusCancelled, ""); err != nil {
			e.logger.Debug("撤单事件状态更新失败", zap.Error(err))
		}
	case order.StatusOpen:
		if _, err := e.tracker.Transition(o.ClientOrderID, order.StatusOpen, ev.ExchangeOrderID); err != nil {
			e.logger.Debug("挂单事件状态更新失败", zap.Error(err))
		}
	}
}

// onFilled 移出订单，记录估算收益，通知风控，延迟后强制刷新
func (e *Engine) onFilled(ctx context.Context, o order.ManagedOrder, ev order.Event) {
	if _, err := e.tracker.Transition(o.ClientOrderID, order.StatusFilled, ev.ExchangeOrderID); err != nil {
		e.logger.Warn("成交状态更新失败", zap.String("clientOrderId", o.ClientOrderID), zap.Error(err))
		return
	}

	fill := order.Fill{
		ClientOrderID:   o.ClientOrderID,
		ExchangeOrderID: o.ExchangeOrderID,
		Side:            o.Side,
		Price:           o.Price,
		Size:            o.Size,
		Time:            ev.Time,
	}
	if ev.Fill != nil {
		fill = *ev.Fill
		if fill.Side == "" {
			fill.Side = o.Side
		}
	}
	if fill.Time.IsZero() {
		fill.Time = time.Now()
	}

	e.mu.RLock()
	halfSpread := e.lastSnap.Spread() / 2
	e.mu.RUnlock()
	gain := halfSpread * fill.Size

	e.fills.RecordFill(fill, gain)
	e.risk.OnFill(fill)
	e.metrics.RecordOrderFilled(string(fill.Side), fill.Size)
	if e.journal != nil {
		if err := e.journal.RecordFill(ctx, fill, gain); err != nil {
			e.logger.Warn("成交写入日志失败", zap.Error(err))
		}
	}
	e.policy.ArmForce(time.Now().Add(e.cfg.FillRequoteDelay))

	e.logger.Info("订单成交",
		zap.String("clientOrderId", fill.ClientOrderID),
		zap.String("side", string(fill.Side)),
		zap.Float64("price", fill.Price),
		zap.Float64("size", fill.Size),
		zap.Float64("estimatedGain", gain))

	f := fill
	e.publish(Event{
		Type:          EventOrderFilled,
		Code:          CodeFill,
		Message:       "order filled",
		Fill:          &f,
		EstimatedGain: gain,
		Time:          fill.Time,
	})
}

// handleConnectivity 断线时停止刷新；恢复后下一周期先按交易所挂单重建
func (e *Engine) handleConnectivity(ev gateway.ConnectivityEvent) {
	e.metrics.RecordConnectivity(ev.Connected)
	if !ev.Connected {
		if e.connected.Swap(false) {
			e.logger.Warn("交易所连接断开，暂停刷新", zap.String("reason", ev.Reason))
		}
		return
	}
	e.needRebuild.Store(true)
	if !e.connected.Swap(true) {
		e.logger.Info("交易所连接恢复，将重建订单集合", zap.String("reason", ev.Reason))
	}
}

// handleRiskEvent 转发风控事件
func (e *Engine) handleRiskEvent(ctx context.Context, ev risk.Event) {
	st := ev.State
	switch ev.Type {
	case risk.EventRiskAlert:
		e.logger.Warn("风控告警", zap.String("code", ev.Code), zap.String("message", ev.Message))
		e.publish(Event{Type: EventRiskAlert, Code: ev.Code, Message: ev.Message, Risk: &st, Time: ev.Time})
	case risk.EventEmergencyStop:
		e.handleEmergency(ctx, ev.Code, ev.Message)
	}
}

// handleEmergency 停止下单，取消并等待当前周期，尽力撤单，并通知宿主
func (e *Engine) handleEmergency(ctx context.Context, code, reason string) {
	if !e.halting.CompareAndSwap(false, true) {
		return
	}
	e.state.CompareAndSwap(int32(StateRunning), int32(StateHalted))

	e.logger.Error("紧急停止，撤销全部订单", zap.String("code", code), zap.String("reason", reason))
	// 等在途下单结束，否则撤单时还没有交易所订单号
	e.abortCycle(e.cfg.CancelTimeout)
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.CancelTimeout)
	e.cancelAll(cctx)
	cancel()

	st := e.risk.State()
	e.publish(Event{Type: EventEmergencyStop, Code: code, Message: reason, Risk: &st})

	e.mu.Lock()
	close(e.halted)
	e.mu.Unlock()
}
