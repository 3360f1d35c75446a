package market

import (
	"math"
	"sync"
)

// Indicators 指标引擎的只读输出。
type Indicators struct {
	Volatility       float64 // EWMA 对数收益率标准差
	TradingIntensity float64 // 深度加权流动性强度 k
	Ready            bool    // 两个滚动缓冲区均已填满
	Version          uint64  // 任一指标变化时递增
}

// IndicatorConfig 指标引擎配置
type IndicatorConfig struct {
	VolatilityWindow int     // 波动率缓冲区容量（收益率样本数）
	IntensityWindow  int     // 强度缓冲区容量（快照样本数）
	Lambda           float64 // EWMA 衰减系数，(0,1)
	DepthLevels      int     // 计算强度时每侧使用的档位数
}

// DefaultIndicatorConfig 返回默认配置
func DefaultIndicatorConfig() IndicatorConfig {
	return IndicatorConfig{
		VolatilityWindow: 30,
		IntensityWindow:  30,
		Lambda:           0.94,
		DepthLevels:      10,
	}
}

// window 固定容量的滚动缓冲区
type window struct {
	buf  []float64
	next int
	full bool
}

func newWindow(capacity int) *window {
	return &window{buf: make([]float64, capacity)}
}

func (w *window) push(v float64) {
	w.buf[w.next] = v
	w.next = (w.next + 1) % len(w.buf)
	if w.next == 0 {
		w.full = true
	}
}

func (w *window) len() int {
	if w.full {
		return len(w.buf)
	}
	return w.next
}

func (w *window) mean() float64 {
	n := w.len()
	if n == 0 {
		return 0
	}
	sum := 0.0
	for i := 0; i < n; i++ {
		sum += w.buf[i]
	}
	return sum / float64(n)
}

// IndicatorEngine 维护波动率与交易强度的滚动估计。
// 只由行情样本驱动，没有副作用。
type IndicatorEngine struct {
	cfg IndicatorConfig

	mu        sync.RWMutex
	returns   *window
	intensity *window
	variance  float64
	lastMid   float64
	current   Indicators
}

// NewIndicatorEngine 创建指标引擎
func NewIndicatorEngine(cfg IndicatorConfig) *IndicatorEngine {
	def := DefaultIndicatorConfig()
	if cfg.VolatilityWindow <= 0 {
		cfg.VolatilityWindow = def.VolatilityWindow
	}
	if cfg.IntensityWindow <= 0 {
		cfg.IntensityWindow = def.IntensityWindow
	}
	if cfg.Lambda <= 0 || cfg.Lambda >= 1 {
		cfg.Lambda = def.Lambda
	}
	if cfg.DepthLevels <= 0 {
		cfg.DepthLevels = def.DepthLevels
	}
	return &IndicatorEngine{
		cfg:       cfg,
		returns:   newWindow(cfg.VolatilityWindow),
		intensity: newWindow(cfg.IntensityWindow),
	}
}

// Update 输入一个行情快照并返回最新指标。
func (e *IndicatorEngine) Update(s Snapshot) Indicators {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !s.Valid() {
		return e.current
	}

	next := e.current
	if e.lastMid > 0 {
		r := math.Log(s.Mid / e.lastMid)
		e.returns.push(r)
		if e.returns.len() == 1 {
			e.variance = r * r
		} else {
			e.variance = e.cfg.Lambda*e.variance + (1-e.cfg.Lambda)*r*r
		}
		next.Volatility = math.Sqrt(e.variance)
	}
	e.lastMid = s.Mid

	if k, ok := depthIntensity(s, e.cfg.DepthLevels); ok {
		e.intensity.push(k)
		next.TradingIntensity = e.intensity.mean()
	}

	next.Ready = next.Ready || (e.returns.full && e.intensity.full)

	if next.Volatility != e.current.Volatility ||
		next.TradingIntensity != e.current.TradingIntensity ||
		next.Ready != e.current.Ready {
		next.Version = e.current.Version + 1
	}
	e.current = next
	return next
}

// Current 返回当前指标（只读副本）。
func (e *IndicatorEngine) Current() Indicators {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.current
}

// Reset 清空缓冲区；ready 仅在此处回到 false。
func (e *IndicatorEngine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.returns = newWindow(e.cfg.VolatilityWindow)
	e.intensity = newWindow(e.cfg.IntensityWindow)
	e.variance = 0
	e.lastMid = 0
	e.current = Indicators{Version: e.current.Version + 1}
}

// depthIntensity 计算单个快照的深度加权强度：
// k = Σsize / Σ(size·|price−mid|)，即挂单到 mid 的加权平均距离的倒数。
func depthIntensity(s Snapshot, levels int) (float64, bool) {
	var sizeSum, weighted float64
	accumulate := func(book []Level) {
		for i, lv := range book {
			if i >= levels {
				break
			}
			if lv.Price <= 0 || lv.Size <= 0 {
				continue
			}
			sizeSum += lv.Size
			weighted += lv.Size * math.Abs(lv.Price-s.Mid)
		}
	}
	accumulate(s.Bids)
	accumulate(s.Asks)
	if sizeSum <= 0 || weighted <= 0 {
		return 0, false
	}
	k := sizeSum / weighted
	if math.IsNaN(k) || math.IsInf(k, 0) {
		return 0, false
	}
	return k, true
}
