package risk

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"as-market-maker/market"
	"as-market-maker/order"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func newTestGate(cfg Config) (*Gate, *fakeClock) {
	clk := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewGate(cfg, nil, clk), clk
}

// setUnrealized 直接设定浮动盈亏，用于构造回撤场景
func setUnrealized(g *Gate, v float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.clock.Now()
	g.setUnrealizedUnsafe(v)
	g.rollDayUnsafe(now)
	g.state.UpdatedAt = now
}

func TestCalculateDrawdown(t *testing.T) {
	cases := []struct {
		name       string
		peak, curr float64
		want       float64
	}{
		{"峰值为0", 0, -50, 0},
		{"峰值为负", -10, -20, 0},
		{"创新高", 1000, 1200, 0},
		{"持平", 1000, 1000, 0},
		{"回撤20%", 1000, 800, 0.2},
		{"浮亏超过峰值", 100, -100, 2},
		{"NaN", math.NaN(), 1, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, CalculateDrawdown(tc.peak, tc.curr), 1e-12)
		})
	}
}

func TestCalculateDrawdown_NeverNegative(t *testing.T) {
	vals := []float64{-1000, -1, 0, 0.5, 1, 10, 999, 1e6}
	for _, p := range vals {
		for _, u := range vals {
			dd := CalculateDrawdown(p, u)
			assert.GreaterOrEqual(t, dd, 0.0)
			if u >= p {
				assert.Equal(t, 0.0, dd)
			}
		}
	}
}

func TestGate_DrawdownScenario(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EmergencyStopThreshold = 0.5
	cfg.AlertDrawdown = 0
	cfg.MaxDailyLoss = 0
	g, _ := newTestGate(cfg)

	setUnrealized(g, 1000)
	setUnrealized(g, 800)
	st := g.PerformRiskCheck()
	assert.InDelta(t, 0.2, st.CurrentDrawdown, 1e-12)

	setUnrealized(g, 1200)
	st = g.PerformRiskCheck()
	assert.Equal(t, 1200.0, st.PeakUnrealizedPnL)
	assert.Equal(t, 0.0, st.CurrentDrawdown)

	setUnrealized(g, 900)
	st = g.PerformRiskCheck()
	assert.InDelta(t, 0.25, st.CurrentDrawdown, 1e-12)
	assert.InDelta(t, 0.25, st.MaxDrawdownReached, 1e-12)
	assert.False(t, st.IsEmergencyStop)

	// 回升后最大回撤不回退
	setUnrealized(g, 1100)
	st = g.PerformRiskCheck()
	assert.InDelta(t, 0.25, st.MaxDrawdownReached, 1e-12)
}

func TestGate_EmergencyLatch(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EmergencyStopThreshold = 0.1
	cfg.AlertDrawdown = 0
	cfg.MaxDailyLoss = 0
	g, _ := newTestGate(cfg)
	halted := g.Halted()

	setUnrealized(g, 100)
	setUnrealized(g, 50)
	st := g.PerformRiskCheck()
	require.True(t, st.IsEmergencyStop)
	assert.Equal(t, CodeDrawdownLimit, st.EmergencyCode)

	select {
	case <-halted:
	default:
		t.Fatalf("halted channel should be closed")
	}

	select {
	case ev := <-g.Events():
		assert.Equal(t, EventEmergencyStop, ev.Type)
		assert.Equal(t, CodeDrawdownLimit, ev.Code)
	default:
		t.Fatalf("expected emergency event")
	}

	// 回撤恢复也不会自动解除
	setUnrealized(g, 200)
	st = g.PerformRiskCheck()
	assert.True(t, st.IsEmergencyStop)

	bal := market.Balances{Base: 10, Quote: 1e6}
	for _, side := range []order.Side{order.SideBuy, order.SideSell} {
		d := g.ValidateOrder(side, 0.01, 100, bal)
		assert.False(t, d.Valid)
		assert.Equal(t, RejectEmergencyStop, d.Type)
	}

	require.NoError(t, g.ResetEmergencyStop("ops"))
	assert.False(t, g.IsEmergencyStop())
	assert.True(t, g.ValidateOrder(order.SideSell, 0.01, 100, bal).Valid)

	select {
	case <-g.Halted():
		t.Fatalf("halted channel should be re-armed after reset")
	default:
	}
}

func TestGate_DailyLossLatchAndResetRefused(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EmergencyStopThreshold = 0
	cfg.AlertDrawdown = 0
	cfg.MaxDailyLoss = 50
	g, clk := newTestGate(cfg)

	setUnrealized(g, 0)
	setUnrealized(g, -60)
	st := g.PerformRiskCheck()
	require.True(t, st.IsEmergencyStop)
	assert.Equal(t, CodeDailyLossLimit, st.EmergencyCode)
	assert.InDelta(t, -60, st.DailyPnL, 1e-12)

	assert.ErrorIs(t, g.ResetEmergencyStop("ops"), ErrLimitsStillBreached)

	// 跨日后当日盈亏重新计算
	clk.t = clk.t.Add(24 * time.Hour)
	st = g.PerformRiskCheck()
	assert.Equal(t, 0.0, st.DailyPnL)
	assert.NoError(t, g.ResetEmergencyStop("ops"))
}

func TestGate_SoftAlertOncePerExcursion(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EmergencyStopThreshold = 0.9
	cfg.AlertDrawdown = 0.1
	cfg.MaxDailyLoss = 0
	g, _ := newTestGate(cfg)

	setUnrealized(g, 100)
	setUnrealized(g, 80)
	g.PerformRiskCheck()
	g.PerformRiskCheck()

	require.Len(t, g.Events(), 1)
	ev := <-g.Events()
	assert.Equal(t, EventRiskAlert, ev.Type)
	assert.False(t, g.IsEmergencyStop())

	setUnrealized(g, 100)
	g.PerformRiskCheck()
	setUnrealized(g, 70)
	g.PerformRiskCheck()
	assert.Len(t, g.Events(), 1)
}

func TestGate_ValidateOrder(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPositionSize = 2
	cfg.MaxPositionValue = 0
	cfg.MaxOrderValue = 500
	g, _ := newTestGate(cfg)

	bal := market.Balances{Base: 1, Quote: 300}
	cases := []struct {
		name  string
		side  order.Side
		size  float64
		price float64
		want  RejectType
	}{
		{"正常买单", order.SideBuy, 1, 100, RejectNone},
		{"正常卖单", order.SideSell, 1, 100, RejectNone},
		{"数量为0", order.SideBuy, 0, 100, RejectInvalidOrder},
		{"价格为负", order.SideSell, 1, -1, RejectInvalidOrder},
		{"价格NaN", order.SideSell, 1, math.NaN(), RejectInvalidOrder},
		{"未知方向", order.Side("HOLD"), 1, 100, RejectInvalidOrder},
		{"单笔超限", order.SideSell, 1, 600, RejectOrderValueLimit},
		{"报价货币不足", order.SideBuy, 1, 400, RejectInsufficientBalance},
		{"基础资产不足", order.SideSell, 1.5, 100, RejectInsufficientBalance},
		{"持仓超限", order.SideBuy, 1.5, 100, RejectPositionLimit},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := g.ValidateOrder(tc.side, tc.size, tc.price, bal)
			assert.Equal(t, tc.want == RejectNone, d.Valid, d.String())
			assert.Equal(t, tc.want, d.Type)
			if !d.Valid {
				assert.NotEmpty(t, d.Reason)
			}
		})
	}
}

func TestGate_PositionValueLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPositionSize = 0
	cfg.MaxPositionValue = 150
	g, _ := newTestGate(cfg)

	d := g.ValidateOrder(order.SideBuy, 1, 100, market.Balances{Base: 0.6, Quote: 1000})
	assert.Equal(t, RejectPositionLimit, d.Type)
}

func TestGate_WeightedAverageCostPnL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDailyLoss = 0
	g, _ := newTestGate(cfg)

	g.UpdateAccount(100, market.Balances{Base: 0, Quote: 1000})
	g.OnFill(order.Fill{Side: order.SideBuy, Price: 100, Size: 1})
	g.OnFill(order.Fill{Side: order.SideBuy, Price: 110, Size: 1})
	st := g.State()
	assert.InDelta(t, 2, st.CurrentPosition, 1e-12)
	assert.InDelta(t, 105, st.AverageCost, 1e-12)

	g.OnFill(order.Fill{Side: order.SideSell, Price: 115, Size: 1, Fee: 0.5})
	st = g.State()
	assert.InDelta(t, 9.5, st.RealizedPnL, 1e-12)
	assert.InDelta(t, 105, st.AverageCost, 1e-12)

	g.UpdateAccount(120, market.Balances{Base: 1, Quote: 900})
	st = g.State()
	assert.InDelta(t, 15, st.UnrealizedPnL, 1e-12)
	assert.InDelta(t, 1020, st.TotalAccountValue, 1e-12)
	assert.InDelta(t, 120, st.CurrentPositionValue, 1e-12)

	g.OnFill(order.Fill{Side: order.SideSell, Price: 120, Size: 1})
	st = g.State()
	assert.Equal(t, 0.0, st.CurrentPosition)
	assert.Equal(t, 0.0, st.AverageCost)
	assert.InDelta(t, 24.5, st.RealizedPnL, 1e-12)
}

func TestGate_BalanceBeforeFill(t *testing.T) {
	cases := []struct {
		name       string
		mid        float64
		balance    market.Balances
		fill       order.Fill
		position   float64
		avgCost    float64
		realized   float64
		unrealized float64
	}{
		{
			name:     "卖出成交",
			mid:      110,
			balance:  market.Balances{Base: 0, Quote: 1110},
			fill:     order.Fill{Side: order.SideSell, Price: 110, Size: 1},
			position: 0, avgCost: 0, realized: 10, unrealized: 0,
		},
		{
			name:     "低价买入",
			mid:      90,
			balance:  market.Balances{Base: 2, Quote: 910},
			fill:     order.Fill{Side: order.SideBuy, Price: 90, Size: 1},
			position: 2, avgCost: 95, realized: 0, unrealized: -10,
		},
		{
			name:     "高价买入",
			mid:      110,
			balance:  market.Balances{Base: 2, Quote: 891},
			fill:     order.Fill{Side: order.SideBuy, Price: 109, Size: 1},
			position: 2, avgCost: 104.5, realized: 0, unrealized: 11,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.MaxDailyLoss = 0
			g, _ := newTestGate(cfg)
			g.UpdateAccount(100, market.Balances{Base: 1, Quote: 1000})

			// 余额已反映成交，成交事件随后才到
			g.UpdateAccount(tc.mid, tc.balance)
			assert.InDelta(t, 1, g.State().CurrentPosition, 1e-12)
			assert.InDelta(t, 100, g.State().AverageCost, 1e-12)

			g.OnFill(tc.fill)
			g.UpdateAccount(tc.mid, tc.balance)
			st := g.PerformRiskCheck()
			assert.InDelta(t, tc.position, st.CurrentPosition, 1e-12)
			assert.InDelta(t, tc.avgCost, st.AverageCost, 1e-12)
			assert.InDelta(t, tc.realized, st.RealizedPnL, 1e-12)
			assert.InDelta(t, tc.unrealized, st.UnrealizedPnL, 1e-12)
			assert.InDelta(t, tc.balance.Base*tc.mid+tc.balance.Quote, st.TotalAccountValue, 1e-9)
			assert.Equal(t, 0.0, st.CurrentDrawdown)
			assert.False(t, st.IsEmergencyStop)
		})
	}
}

func TestGate_ValidateOrderUsesFreeBalance(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPositionSize = 0
	cfg.MaxOrderValue = 0
	g, _ := newTestGate(cfg)

	// 总额足够，但大部分已被挂单冻结
	bal := market.Balances{Base: 1, Quote: 300, LockedBase: 0.75, LockedQuote: 250}
	assert.Equal(t, RejectInsufficientBalance, g.ValidateOrder(order.SideBuy, 1, 100, bal).Type)
	assert.Equal(t, RejectInsufficientBalance, g.ValidateOrder(order.SideSell, 0.5, 100, bal).Type)
	assert.True(t, g.ValidateOrder(order.SideBuy, 0.5, 100, bal).Valid)
	assert.True(t, g.ValidateOrder(order.SideSell, 0.25, 100, bal).Valid)
}

func TestGate_PositionLimitUsesTrackedPosition(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPositionSize = 2
	cfg.MaxOrderValue = 0
	g, _ := newTestGate(cfg)

	g.UpdateAccount(100, market.Balances{Base: 1, Quote: 1000})
	g.OnFill(order.Fill{Side: order.SideBuy, Price: 100, Size: 0.8})

	// 余额尚未反映成交
	d := g.ValidateOrder(order.SideBuy, 0.5, 100, market.Balances{Base: 1, Quote: 1000})
	assert.Equal(t, RejectPositionLimit, d.Type)
}

func TestGate_UpdateAccountIgnoresInvalidMid(t *testing.T) {
	g, _ := newTestGate(DefaultConfig())
	g.UpdateAccount(100, market.Balances{Base: 1, Quote: 10})
	g.UpdateAccount(0, market.Balances{Base: 5, Quote: 10})
	g.UpdateAccount(math.NaN(), market.Balances{Base: 5, Quote: 10})
	assert.Equal(t, 1.0, g.State().CurrentPosition)
}

func TestGate_TriggerEmergencyStop(t *testing.T) {
	g, _ := newTestGate(DefaultConfig())
	g.TriggerEmergencyStop("", "operator halt")
	g.TriggerEmergencyStop("", "again")

	st := g.State()
	assert.True(t, st.IsEmergencyStop)
	assert.Equal(t, CodeManual, st.EmergencyCode)
	assert.Equal(t, "operator halt", st.EmergencyReason)
	assert.Len(t, g.Events(), 1)
}

func TestGate_EventsDropOldestWhenFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EventBuffer = 1
	cfg.EmergencyStopThreshold = 0
	cfg.AlertDrawdown = 0.1
	cfg.MaxDailyLoss = 0
	g, _ := newTestGate(cfg)

	setUnrealized(g, 100)
	setUnrealized(g, 50)
	g.PerformRiskCheck()
	g.TriggerEmergencyStop(CodeManual, "halt")

	require.Len(t, g.Events(), 1)
	ev := <-g.Events()
	assert.Equal(t, EventEmergencyStop, ev.Type)
}

func TestGate_RunStopsWithContext(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CheckInterval = 5 * time.Millisecond
	cfg.EmergencyStopThreshold = 0.1
	cfg.MaxDailyLoss = 0
	g, _ := newTestGate(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		g.Run(ctx)
		close(done)
	}()

	setUnrealized(g, 100)
	setUnrealized(g, 10)

	select {
	case <-g.Halted():
	case <-time.After(time.Second):
		t.Fatalf("monitor loop did not latch emergency stop")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}
