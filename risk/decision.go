package risk

import "fmt"

// RejectType 拒单类型（机器可读）
type RejectType string

const (
	RejectNone                RejectType = ""
	RejectEmergencyStop       RejectType = "EMERGENCY_STOP"
	RejectInsufficientBalance RejectType = "INSUFFICIENT_BALANCE"
	RejectPositionLimit       RejectType = "POSITION_LIMIT"
	RejectOrderValueLimit     RejectType = "ORDER_VALUE_LIMIT"
	RejectInvalidOrder        RejectType = "INVALID_ORDER"
)

// Decision 下单前检查结果。拒单是预期结果，不是错误。
type Decision struct {
	Valid  bool
	Reason string
	Type   RejectType
}

func allow() Decision {
	return Decision{Valid: true}
}

func reject(t RejectType, format string, args ...interface{}) Decision {
	return Decision{Valid: false, Type: t, Reason: fmt.Sprintf(format, args...)}
}

// String 便于日志输出
func (d Decision) String() string {
	if d.Valid {
		return "ALLOW"
	}
	return string(d.Type) + ": " + d.Reason
}
