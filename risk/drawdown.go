package risk

import "math"

// CalculateDrawdown 计算相对浮盈峰值的回撤比例。
// peak<=0 时返回 0；结果不会为负，浮盈不低于峰值时为 0。
func CalculateDrawdown(peakUnrealized, unrealized float64) float64 {
	if peakUnrealized <= 0 || math.IsNaN(peakUnrealized) || math.IsNaN(unrealized) {
		return 0
	}
	dd := (peakUnrealized - unrealized) / peakUnrealized
	if dd < 0 || math.IsNaN(dd) {
		return 0
	}
	return dd
}
