package risk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"as-market-maker/market"
	"as-market-maker/order"
)

// positionTolerance 低于该值的持仓视为已平
const positionTolerance = 1e-9

// ErrLimitsStillBreached 限额仍被突破时拒绝解除紧急停止
var ErrLimitsStillBreached = errors.New("risk limits still breached")

// Config 风控配置
type Config struct {
	MaxPositionSize        float64       `yaml:"maxPositionSize"`        // 基础资产，<=0 不限制
	MaxPositionValue       float64       `yaml:"maxPositionValue"`       // 报价货币，<=0 不限制
	MaxOrderValue          float64       `yaml:"maxOrderValue"`          // 单笔名义价值上限，<=0 不限制
	EmergencyStopThreshold float64       `yaml:"emergencyStopThreshold"` // 回撤比例，例如 0.2
	AlertDrawdown          float64       `yaml:"alertDrawdown"`          // 软告警回撤比例
	MaxDailyLoss           float64       `yaml:"maxDailyLoss"`           // 当日最大亏损（报价货币，正数）
	CheckInterval          time.Duration `yaml:"checkInterval"`
	EventBuffer            int           `yaml:"eventBuffer"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		MaxPositionSize:        1,
		MaxOrderValue:          1000,
		EmergencyStopThreshold: 0.2,
		AlertDrawdown:          0.1,
		MaxDailyLoss:           100,
		CheckInterval:          time.Second,
		EventBuffer:            16,
	}
}

// Gate 下单前检查与持续风控监控，共享同一份 State
type Gate struct {
	cfg    Config
	clock  Clock
	logger *zap.Logger

	mu          sync.RWMutex
	state       State
	lastMid     float64
	seeded      bool
	dayStart    time.Time
	dayStartPnL float64
	alertActive bool
	halted      chan struct{}

	events chan Event
}

// NewGate 创建风控闸门，clock 为 nil 时使用 UTC 系统时间
func NewGate(cfg Config, logger *zap.Logger, clock Clock) *Gate {
	def := DefaultConfig()
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = NowUTC
	}
	return &Gate{
		cfg:    cfg,
		clock:  clock,
		logger: logger,
		halted: make(chan struct{}),
		events: make(chan Event, cfg.EventBuffer),
	}
}

// Config 返回配置
func (g *Gate) Config() Config {
	return g.cfg
}

// ValidateOrder 下单前检查。检查顺序：紧急停止、订单合法性、单笔价值、可用余额、持仓上限。
func (g *Gate) ValidateOrder(side order.Side, size, price float64, bal market.Balances) Decision {
	g.mu.RLock()
	stopped := g.state.IsEmergencyStop
	reason := g.state.EmergencyReason
	position := bal.Base
	if g.seeded {
		position = g.state.CurrentPosition
	}
	g.mu.RUnlock()

	if stopped {
		return reject(RejectEmergencyStop, "emergency stop active: %s", reason)
	}
	if side != order.SideBuy && side != order.SideSell {
		return reject(RejectInvalidOrder, "unknown side %q", side)
	}
	if !(size > 0) || !(price > 0) || math.IsInf(size, 0) || math.IsInf(price, 0) {
		return reject(RejectInvalidOrder, "size %.8f price %.8f must be positive", size, price)
	}

	value := size * price
	if g.cfg.MaxOrderValue > 0 && value > g.cfg.MaxOrderValue {
		return reject(RejectOrderValueLimit, "order value %.4f > max %.4f", value, g.cfg.MaxOrderValue)
	}

	switch side {
	case order.SideBuy:
		if free := bal.FreeQuote(); free < value {
			return reject(RejectInsufficientBalance, "free quote %.8f < required %.8f", free, value)
		}
		next := position + size
		if g.cfg.MaxPositionSize > 0 && next > g.cfg.MaxPositionSize {
			return reject(RejectPositionLimit, "position %.8f would exceed max %.8f", next, g.cfg.MaxPositionSize)
		}
		if g.cfg.MaxPositionValue > 0 && next*price > g.cfg.MaxPositionValue {
			return reject(RejectPositionLimit, "position value %.4f would exceed max %.4f", next*price, g.cfg.MaxPositionValue)
		}
	case order.SideSell:
		if free := bal.FreeBase(); free < size {
			return reject(RejectInsufficientBalance, "free base %.8f < required %.8f", free, size)
		}
	}
	return allow()
}

// UpdateAccount 按最新 mid 与余额重算账户价值与未实现盈亏。
// 持仓与成本只在首次调用时由余额初始化，之后只由 OnFill 推进。
func (g *Gate) UpdateAccount(mid float64, bal market.Balances) {
	if !(mid > 0) || math.IsInf(mid, 0) {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	g.lastMid = mid
	if !g.seeded {
		g.seeded = true
		g.state.CurrentPosition = bal.Base
		if bal.Base > 0 {
			// 启动时已有的持仓按当前 mid 计成本
			g.state.AverageCost = mid
		}
	} else if math.Abs(bal.Base-g.state.CurrentPosition) > positionTolerance {
		// 余额可能先于成交事件到达，持仓以成交为准
		g.logger.Debug("余额与成交推算持仓不一致",
			zap.Float64("balanceBase", bal.Base),
			zap.Float64("position", g.state.CurrentPosition))
	}
	g.state.CurrentPositionValue = g.state.CurrentPosition * mid
	g.state.TotalAccountValue = bal.Base*mid + bal.Quote
	g.setUnrealizedUnsafe(g.markToMarketUnsafe())
	g.rollDayUnsafe(now)
	g.state.UpdatedAt = now
}

// OnFill 按加权平均成本更新持仓与已实现盈亏
func (g *Gate) OnFill(f order.Fill) {
	if !(f.Size > 0) || !(f.Price > 0) {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	g.seeded = true
	pos := g.state.CurrentPosition
	avg := g.state.AverageCost
	switch f.Side {
	case order.SideBuy:
		next := pos + f.Size
		if pos <= 0 || avg <= 0 {
			avg = (f.Notional() + f.Fee) / f.Size
		} else {
			avg = (pos*avg + f.Notional() + f.Fee) / next
		}
		pos = next
	case order.SideSell:
		cost := avg
		if cost <= 0 {
			cost = f.Price
		}
		g.state.RealizedPnL += (f.Price-cost)*f.Size - f.Fee
		remaining := math.Max(pos-f.Size, 0)
		if pos > 0 && g.state.PeakUnrealizedPnL > 0 {
			// 浮盈峰值只对应剩余持仓
			g.state.PeakUnrealizedPnL *= remaining / pos
		}
		pos -= f.Size
		if pos <= positionTolerance {
			pos = 0
			avg = 0
		}
	}
	g.state.CurrentPosition = pos
	g.state.AverageCost = avg
	if g.lastMid > 0 {
		g.state.CurrentPositionValue = pos * g.lastMid
		g.setUnrealizedUnsafe(g.markToMarketUnsafe())
	}
	g.state.UpdatedAt = g.clock.Now()

	g.logger.Debug("风控记录成交",
		zap.String("side", string(f.Side)),
		zap.Float64("price", f.Price),
		zap.Float64("size", f.Size),
		zap.Float64("position", pos),
		zap.Float64("realizedPnL", g.state.RealizedPnL))
}

// PerformRiskCheck 重算回撤与当日盈亏，必要时锁定紧急停止或发出告警
func (g *Gate) PerformRiskCheck() State {
	g.mu.Lock()
	now := g.clock.Now()
	g.rollDayUnsafe(now)

	dd := CalculateDrawdown(g.state.PeakUnrealizedPnL, g.state.UnrealizedPnL)
	g.state.CurrentDrawdown = dd
	if dd > g.state.MaxDrawdownReached {
		g.state.MaxDrawdownReached = dd
	}
	g.state.DailyPnL = g.state.TotalPnL() - g.dayStartPnL
	g.state.UpdatedAt = now

	var pending []Event
	if !g.state.IsEmergencyStop {
		switch {
		case g.cfg.EmergencyStopThreshold > 0 && dd > g.cfg.EmergencyStopThreshold:
			pending = append(pending, g.latchUnsafe(CodeDrawdownLimit,
				fmt.Sprintf("drawdown %.2f%% exceeds %.2f%%", dd*100, g.cfg.EmergencyStopThreshold*100), now))
		case g.cfg.MaxDailyLoss > 0 && -g.state.DailyPnL > g.cfg.MaxDailyLoss:
			pending = append(pending, g.latchUnsafe(CodeDailyLossLimit,
				fmt.Sprintf("daily loss %.4f exceeds %.4f", -g.state.DailyPnL, g.cfg.MaxDailyLoss), now))
		}
	}

	if g.cfg.AlertDrawdown > 0 {
		if dd > g.cfg.AlertDrawdown && !g.alertActive {
			g.alertActive = true
			pending = append(pending, Event{
				Type:    EventRiskAlert,
				Code:    CodeDrawdownAlert,
				Message: fmt.Sprintf("drawdown %.2f%% above alert level %.2f%%", dd*100, g.cfg.AlertDrawdown*100),
				State:   g.state,
				Time:    now,
			})
		} else if dd <= g.cfg.AlertDrawdown {
			g.alertActive = false
		}
	}
	st := g.state
	g.mu.Unlock()

	for _, ev := range pending {
		g.publish(ev)
	}
	return st
}

// TriggerEmergencyStop 人工或外部触发紧急停止
func (g *Gate) TriggerEmergencyStop(code, reason string) {
	g.mu.Lock()
	if g.state.IsEmergencyStop {
		g.mu.Unlock()
		return
	}
	if code == "" {
		code = CodeManual
	}
	ev := g.latchUnsafe(code, reason, g.clock.Now())
	g.mu.Unlock()
	g.publish(ev)
}

// latchUnsafe 锁定紧急停止并关闭 halted 通道（调用方持有锁）
func (g *Gate) latchUnsafe(code, reason string, now time.Time) Event {
	g.state.IsEmergencyStop = true
	g.state.EmergencyCode = code
	g.state.EmergencyReason = reason
	close(g.halted)

	g.logger.Error("紧急停止已触发",
		zap.String("code", code),
		zap.String("reason", reason),
		zap.Float64("drawdown", g.state.CurrentDrawdown),
		zap.Float64("dailyPnL", g.state.DailyPnL))

	return Event{
		Type:    EventEmergencyStop,
		Code:    code,
		Message: reason,
		State:   g.state,
		Time:    now,
	}
}

// ResetEmergencyStop 操作员解除紧急停止。当日亏损仍超限时拒绝。
// 解除后以当前浮盈重新计算回撤峰值。
func (g *Gate) ResetEmergencyStop(operator string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.state.IsEmergencyStop {
		return nil
	}
	daily := g.state.TotalPnL() - g.dayStartPnL
	if g.cfg.MaxDailyLoss > 0 && -daily > g.cfg.MaxDailyLoss {
		return fmt.Errorf("%w: daily loss %.4f > %.4f", ErrLimitsStillBreached, -daily, g.cfg.MaxDailyLoss)
	}

	prev := g.state.EmergencyCode
	g.state.IsEmergencyStop = false
	g.state.EmergencyCode = ""
	g.state.EmergencyReason = ""
	g.state.PeakUnrealizedPnL = math.Max(g.state.UnrealizedPnL, 0)
	g.state.CurrentDrawdown = 0
	g.alertActive = false
	g.halted = make(chan struct{})

	g.logger.Warn("紧急停止已由操作员解除",
		zap.String("operator", operator),
		zap.String("previousCode", prev))
	return nil
}

// IsEmergencyStop 是否处于紧急停止
func (g *Gate) IsEmergencyStop() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state.IsEmergencyStop
}

// State 返回状态快照
func (g *Gate) State() State {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// Events 风控事件通道，缓冲满时丢弃最旧的事件
func (g *Gate) Events() <-chan Event {
	return g.events
}

// Halted 紧急停止锁定时关闭。解除后需重新获取。
func (g *Gate) Halted() <-chan struct{} {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.halted
}

// Run 按固定间隔执行风控检查，独立于报价循环，直到 ctx 结束
func (g *Gate) Run(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.PerformRiskCheck()
		}
	}
}

func (g *Gate) publish(ev Event) {
	for {
		select {
		case g.events <- ev:
			return
		default:
		}
		select {
		case old := <-g.events:
			g.logger.Warn("风控事件缓冲已满，丢弃最旧事件",
				zap.String("type", string(old.Type)), zap.String("code", old.Code))
		default:
		}
	}
}

func (g *Gate) markToMarketUnsafe() float64 {
	if g.state.AverageCost <= 0 || g.lastMid <= 0 {
		return 0
	}
	return (g.lastMid - g.state.AverageCost) * g.state.CurrentPosition
}

func (g *Gate) setUnrealizedUnsafe(v float64) {
	g.state.UnrealizedPnL = v
	if v > g.state.PeakUnrealizedPnL {
		g.state.PeakUnrealizedPnL = v
	}
}

// rollDayUnsafe 跨 UTC 日时以当前总盈亏作为当日基准
func (g *Gate) rollDayUnsafe(now time.Time) {
	if g.dayStart.IsZero() || !sameUTCDay(g.dayStart, now) {
		if !g.dayStart.IsZero() {
			g.logger.Info("风控日切", zap.Float64("previousDailyPnL", g.state.TotalPnL()-g.dayStartPnL))
		}
		g.dayStart = now
		g.dayStartPnL = g.state.TotalPnL()
	}
}
