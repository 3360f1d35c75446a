package order

import (
	"strings"

	"github.com/google/uuid"
)

// clientIDMaxLen 交易所 clientOrderId 的长度上限（Binance 为 36）
const clientIDMaxLen = 36

// NewClientOrderID 生成全局唯一的 clientOrderId，格式 <prefix>-<b|s><uuid hex>，超长时截断
func NewClientOrderID(prefix string, side Side) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	s := "b"
	if side == SideSell {
		s = "s"
	}
	out := s + id
	if prefix != "" {
		out = prefix + "-" + out
	}
	if len(out) > clientIDMaxLen {
		out = out[:clientIDMaxLen]
	}
	return out
}
