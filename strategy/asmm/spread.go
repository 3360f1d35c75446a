package asmm

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"
)

// ErrInvalidQuote 输入无法产生有效报价（mid 非正，或对齐后买价不为正）。
var ErrInvalidQuote = errors.New("invalid quote")

// OptimalSpread 计算最优价差 γσ²t + (2/γ)·ln(1+γ/k)，并以 minSpread 为下限。
// σ<=0、k<=0 或结果非有限数时返回 minSpread，degraded 为 true。
func OptimalSpread(sigma, k, gamma, t, minSpread float64) (spread float64, degraded bool) {
	if !finite(sigma) || !finite(k) || sigma <= 0 || k <= 0 || gamma <= 0 {
		return minSpread, true
	}
	spread = gamma*sigma*sigma*t + (2/gamma)*math.Log(1+gamma/k)
	if !finite(spread) {
		return minSpread, true
	}
	if spread < minSpread {
		spread = minSpread
	}
	return spread, false
}

// SnapPrices 以 mid 为中心展开价差后对齐到 tick：买价向下、卖价向上。
// 对齐后若价差小于 minSpread（按整 tick 计，至少 1 tick），两侧对称加宽。
func SnapPrices(mid, spread, tick, minSpread float64) (bid, ask float64, err error) {
	if !finite(mid) || mid <= 0 {
		return 0, 0, ErrInvalidQuote
	}
	rawBid := mid - spread/2
	rawAsk := mid + spread/2
	if tick <= 0 {
		if rawBid <= 0 || rawAsk <= rawBid {
			return 0, 0, ErrInvalidQuote
		}
		return rawBid, rawAsk, nil
	}

	t := decimal.NewFromFloat(tick)
	b := decimal.NewFromFloat(rawBid).Div(t).Floor().Mul(t)
	a := decimal.NewFromFloat(rawAsk).Div(t).Ceil().Mul(t)

	minTicks := decimal.NewFromFloat(minSpread).Div(t).Ceil()
	if minTicks.LessThan(decimal.NewFromInt(1)) {
		minTicks = decimal.NewFromInt(1)
	}
	gap := a.Sub(b).Div(t).Round(0)
	if gap.LessThan(minTicks) {
		widen := minTicks.Sub(gap).Div(decimal.NewFromInt(2)).Ceil().Mul(t)
		b = b.Sub(widen)
		a = a.Add(widen)
	}
	if !b.IsPositive() {
		return 0, 0, ErrInvalidQuote
	}
	return b.InexactFloat64(), a.InexactFloat64(), nil
}

// floorToStep 按步长向下取整；step<=0 时原样返回。
func floorToStep(v, step float64) float64 {
	if step <= 0 || v <= 0 {
		return v
	}
	s := decimal.NewFromFloat(step)
	return decimal.NewFromFloat(v).Div(s).Floor().Mul(s).InexactFloat64()
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
