package gateway

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"as-market-maker/market"
)

// CombinedMessage 对应 binance combined stream 包装。
type CombinedMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// DepthUpdate 兼容现货 partial depth（bids/asks）与合约 depth（b/a）两种字段。
type DepthUpdate struct {
	Symbol       string           `json:"s"`
	EventTime    int64            `json:"E"`
	LastUpdateID int64            `json:"lastUpdateId"`
	Bids         [][2]json.Number `json:"bids"`
	Asks         [][2]json.Number `json:"asks"`
	B            [][2]json.Number `json:"b"`
	A            [][2]json.Number `json:"a"`
}

// ParseDepthMessage 解析 combined stream 的深度消息为行情快照。
// 消息不带 symbol 时从 stream 名推断，不带事件时间时使用 now。
func ParseDepthMessage(raw []byte, now time.Time) (market.Snapshot, error) {
	var msg CombinedMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return market.Snapshot{}, fmt.Errorf("decode combined message: %w", err)
	}
	if len(msg.Data) == 0 {
		return market.Snapshot{}, fmt.Errorf("empty data in stream %q", msg.Stream)
	}
	var depth DepthUpdate
	if err := json.Unmarshal(msg.Data, &depth); err != nil {
		return market.Snapshot{}, fmt.Errorf("decode depth: %w", err)
	}

	symbol := depth.Symbol
	if symbol == "" {
		if i := strings.Index(msg.Stream, "@"); i > 0 {
			symbol = strings.ToUpper(msg.Stream[:i])
		}
	}
	rawBids, rawAsks := depth.Bids, depth.Asks
	if len(rawBids) == 0 && len(rawAsks) == 0 {
		rawBids, rawAsks = depth.B, depth.A
	}
	bids, err := parseLevels(rawBids)
	if err != nil {
		return market.Snapshot{}, fmt.Errorf("bids: %w", err)
	}
	asks, err := parseLevels(rawAsks)
	if err != nil {
		return market.Snapshot{}, fmt.Errorf("asks: %w", err)
	}

	ts := now
	if depth.EventTime > 0 {
		ts = time.UnixMilli(depth.EventTime).UTC()
	}
	snap := market.NewSnapshot(symbol, bids, asks, ts)
	if !snap.Valid() {
		return snap, fmt.Errorf("invalid book for %s", symbol)
	}
	return snap, nil
}

func parseLevels(raw [][2]json.Number) ([]market.Level, error) {
	out := make([]market.Level, 0, len(raw))
	for _, lv := range raw {
		p, err := lv[0].Float64()
		if err != nil {
			return nil, err
		}
		q, err := lv[1].Float64()
		if err != nil {
			return nil, err
		}
		if q <= 0 {
			continue
		}
		out = append(out, market.Level{Price: p, Size: q})
	}
	return out, nil
}
