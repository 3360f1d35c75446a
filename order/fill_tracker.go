package order

import (
	"sync"
	"time"
)

// FillStats 成交统计
type FillStats struct {
	TotalFills     int
	RecentFills    int
	RecentFillRate float64 // 窗口内每分钟成交次数
	EstimatedGain  float64 // 半价差估算的累计收益
	BuyVolume      float64
	SellVolume     float64
	LastFillTime   time.Time
}

// FillTracker 跟踪近期成交
type FillTracker struct {
	mu sync.RWMutex

	recentFills []Fill
	maxHistory  int
	windowSize  time.Duration
	now         func() time.Time

	totalFills    int
	estimatedGain float64
	buyVolume     float64
	sellVolume    float64
	lastFillTime  time.Time
}

// NewFillTracker 创建成交跟踪器
func NewFillTracker(maxHistory int, windowSize time.Duration) *FillTracker {
	if maxHistory <= 0 {
		maxHistory = 100
	}
	if windowSize <= 0 {
		windowSize = 5 * time.Minute
	}
	return &FillTracker{
		recentFills: make([]Fill, 0, maxHistory),
		maxHistory:  maxHistory,
		windowSize:  windowSize,
		now:         time.Now,
	}
}

// RecordFill 记录成交及其估算收益
func (f *FillTracker) RecordFill(fill Fill, estimatedGain float64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if fill.Time.IsZero() {
		fill.Time = f.now()
	}
	f.recentFills = append(f.recentFills, fill)
	if len(f.recentFills) > f.maxHistory {
		f.recentFills = f.recentFills[len(f.recentFills)-f.maxHistory:]
	}
	f.totalFills++
	f.estimatedGain += estimatedGain
	if fill.Side == SideBuy {
		f.buyVolume += fill.Size
	} else {
		f.sellVolume += fill.Size
	}
	f.lastFillTime = fill.Time
}

// GetStats 返回统计快照
func (f *FillTracker) GetStats() FillStats {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.cleanOldFillsUnsafe()
	recent := len(f.recentFills)
	return FillStats{
		TotalFills:     f.totalFills,
		RecentFills:    recent,
		RecentFillRate: float64(recent) / f.windowSize.Minutes(),
		EstimatedGain:  f.estimatedGain,
		BuyVolume:      f.buyVolume,
		SellVolume:     f.sellVolume,
		LastFillTime:   f.lastFillTime,
	}
}

// cleanOldFillsUnsafe 清理超出窗口的成交记录（非线程安全）
func (f *FillTracker) cleanOldFillsUnsafe() {
	cutoff := f.now().Add(-f.windowSize)
	i := 0
	for ; i < len(f.recentFills); i++ {
		if f.recentFills[i].Time.After(cutoff) {
			break
		}
	}
	if i > 0 {
		f.recentFills = f.recentFills[i:]
	}
}
