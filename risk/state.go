package risk

import "time"

// State 账户级风控状态快照，只由 Gate 修改
type State struct {
	CurrentPosition      float64 // 基础资产持仓
	CurrentPositionValue float64
	TotalAccountValue    float64
	AverageCost          float64 // 加权平均持仓成本
	RealizedPnL          float64
	UnrealizedPnL        float64
	PeakUnrealizedPnL    float64
	CurrentDrawdown      float64
	MaxDrawdownReached   float64
	DailyPnL             float64
	IsEmergencyStop      bool
	EmergencyCode        string
	EmergencyReason      string
	UpdatedAt            time.Time
}

// TotalPnL 已实现加未实现盈亏
func (s State) TotalPnL() float64 {
	return s.RealizedPnL + s.UnrealizedPnL
}

// EventType 风控事件类型
type EventType string

const (
	EventEmergencyStop EventType = "emergencyStop"
	EventRiskAlert     EventType = "riskAlert"
)

// 事件代码
const (
	CodeDrawdownLimit  = "DRAWDOWN_LIMIT"
	CodeDailyLossLimit = "DAILY_LOSS_LIMIT"
	CodeManual         = "MANUAL"
	CodeDrawdownAlert  = "DRAWDOWN_ALERT"
)

// Event 风控事件
type Event struct {
	Type    EventType
	Code    string
	Message string
	State   State
	Time    time.Time
}
