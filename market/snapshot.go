package market

import (
	"math"
	"time"
)

// Level 单档深度（价格, 数量）。
type Level struct {
	Price float64
	Size  float64
}

// Snapshot 某一时刻的行情快照，产生后不可修改，由下一个快照取代。
type Snapshot struct {
	Symbol    string
	Mid       float64
	BestBid   float64
	BestAsk   float64
	Bids      []Level // 买盘，价格从高到低
	Asks      []Level // 卖盘，价格从低到高
	Timestamp time.Time
}

// NewSnapshot 根据深度构造快照，mid 取最优买卖价的中值。
func NewSnapshot(symbol string, bids, asks []Level, ts time.Time) Snapshot {
	s := Snapshot{
		Symbol:    symbol,
		Bids:      append([]Level(nil), bids...),
		Asks:      append([]Level(nil), asks...),
		Timestamp: ts,
	}
	if len(bids) > 0 {
		s.BestBid = bids[0].Price
	}
	if len(asks) > 0 {
		s.BestAsk = asks[0].Price
	}
	if s.BestBid > 0 && s.BestAsk > 0 {
		s.Mid = (s.BestBid + s.BestAsk) / 2
	}
	return s
}

// Valid 判断快照是否可用于报价。
func (s Snapshot) Valid() bool {
	if s.Mid <= 0 || math.IsNaN(s.Mid) || math.IsInf(s.Mid, 0) {
		return false
	}
	if s.BestBid > 0 && s.BestAsk > 0 && s.BestBid > s.BestAsk {
		return false
	}
	return true
}

// Spread 返回最优买卖价差；缺任一侧返回 0。
func (s Snapshot) Spread() float64 {
	if s.BestBid <= 0 || s.BestAsk <= 0 {
		return 0
	}
	return s.BestAsk - s.BestBid
}

// Age 返回快照距 now 的时长。
func (s Snapshot) Age(now time.Time) time.Duration {
	if s.Timestamp.IsZero() {
		return 0
	}
	return now.Sub(s.Timestamp)
}

// Balances 账户余额（基础资产与报价货币）。Base/Quote 为总额，含挂单冻结部分。
type Balances struct {
	Base        float64
	Quote       float64
	LockedBase  float64
	LockedQuote float64
}

// FreeBase 可用基础资产
func (b Balances) FreeBase() float64 {
	return math.Max(b.Base-b.LockedBase, 0)
}

// FreeQuote 可用报价货币
func (b Balances) FreeQuote() float64 {
	return math.Max(b.Quote-b.LockedQuote, 0)
}

// Inventory 由余额与 mid 推导出的库存视图
type Inventory struct {
	Base       float64
	Quote      float64
	TargetBase float64
	TotalValue float64 // Base*mid + Quote
}

// NewInventory 计算库存视图
func NewInventory(b Balances, mid, targetBase float64) Inventory {
	return Inventory{
		Base:       b.Base,
		Quote:      b.Quote,
		TargetBase: targetBase,
		TotalValue: b.Base*mid + b.Quote,
	}
}
