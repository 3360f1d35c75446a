package asmm

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Input 单次报价计算的输入
type Input struct {
	Mid             float64
	Volatility      float64 // σ
	Intensity       float64 // k
	Inventory       float64 // q，基础资产持仓
	TargetInventory float64 // q*
	TotalValue      float64 // V，以报价货币计的总资产
}

// Quote 一次计算得到的双边报价
type Quote struct {
	Bid       float64
	Ask       float64
	BuySize   float64
	SellSize  float64
	Spread    float64 // 对齐前的最优价差
	Skew      float64
	Degraded  bool // 指标不可用，使用了最小价差
	Timestamp time.Time
}

// Calculator Avellaneda–Stoikov 报价计算器，参数可热更新。
// 只记录是否处于退化状态，用于日志去重。
type Calculator struct {
	mu       sync.RWMutex
	cfg      Config
	logger   *zap.Logger
	degraded atomic.Bool
}

// NewCalculator 创建报价计算器
func NewCalculator(cfg Config, logger *zap.Logger) (*Calculator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Calculator{cfg: cfg, logger: logger}, nil
}

// Config 返回当前参数
func (c *Calculator) Config() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// UpdateConfig 替换参数，非法配置不生效
func (c *Calculator) UpdateConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
	c.logger.Info("报价参数已更新",
		zap.Float64("gamma", cfg.RiskAversion),
		zap.Float64("eta", cfg.ShapeFactor),
		zap.Float64("minSpread", cfg.MinSpread))
	return nil
}

// Compute 根据行情与库存计算报价
func (c *Calculator) Compute(in Input, now time.Time) (Quote, error) {
	cfg := c.Config()

	spread, degraded := OptimalSpread(in.Volatility, in.Intensity, cfg.RiskAversion, cfg.TimeHorizon, cfg.MinSpread)
	if c.degraded.Swap(degraded) != degraded {
		if degraded {
			c.logger.Warn("指标不可用，退化为最小价差报价",
				zap.Float64("sigma", in.Volatility),
				zap.Float64("k", in.Intensity),
				zap.Float64("minSpread", cfg.MinSpread))
		} else {
			c.logger.Info("指标恢复，按最优价差报价",
				zap.Float64("sigma", in.Volatility),
				zap.Float64("k", in.Intensity))
		}
	}

	bid, ask, err := SnapPrices(in.Mid, spread, cfg.TickSize, cfg.MinSpread)
	if err != nil {
		return Quote{}, err
	}

	skew := InventorySkew(in.Inventory, in.TargetInventory, in.TotalValue, in.Mid)
	buy, sell := ShapeSizes(cfg, skew)

	return Quote{
		Bid:       bid,
		Ask:       ask,
		BuySize:   buy,
		SellSize:  sell,
		Spread:    spread,
		Skew:      skew,
		Degraded:  degraded,
		Timestamp: now,
	}, nil
}

// InventorySkew 计算库存偏斜 (q-q*)/(V/S)。V 或 S 非正时返回 0。
func InventorySkew(q, target, totalValue, mid float64) float64 {
	if totalValue <= 0 || mid <= 0 || !finite(totalValue) || !finite(mid) {
		return 0
	}
	skew := (q - target) / (totalValue / mid)
	if !finite(skew) {
		return 0
	}
	return skew
}

// ShapeSizes 按偏斜缩减多头方向的下单量：
// skew>0 时买量乘以 exp(-η·skew)，skew<0 时卖量乘以 exp(η·skew)。
// 结果限制在 [0, MaxPosition] 并向下对齐到 StepSize。
func ShapeSizes(cfg Config, skew float64) (buy, sell float64) {
	buy, sell = cfg.BaseSize, cfg.BaseSize
	switch {
	case skew > 0:
		buy *= math.Exp(-cfg.ShapeFactor * skew)
	case skew < 0:
		sell *= math.Exp(cfg.ShapeFactor * skew)
	}
	buy = floorToStep(clampSize(buy, cfg.MaxPosition), cfg.StepSize)
	sell = floorToStep(clampSize(sell, cfg.MaxPosition), cfg.StepSize)
	return buy, sell
}

func clampSize(v, max float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	if max > 0 && v > max {
		return max
	}
	return v
}
