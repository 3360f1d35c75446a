package engine

import (
	"time"

	"go.uber.org/zap"

	"as-market-maker/order"
	"as-market-maker/risk"
)

// EventType 引擎向宿主进程发出的事件类型
type EventType string

const (
	EventEmergencyStop EventType = "emergencyStop"
	EventOrderFilled   EventType = "orderFilled"
	EventRiskAlert     EventType = "riskAlert"
	EventOrderRejected EventType = "orderRejected"
	EventOrderFailed   EventType = "orderFailed"
)

// 事件代码
const (
	CodeConstraint       = "SYMBOL_CONSTRAINT"
	CodeExchangeRejected = "EXCHANGE_REJECTED"
	CodeSubmitUnresolved = "SUBMIT_UNRESOLVED"
	CodeTooManyOrders    = "TOO_MANY_ORDERS"
	CodeFill             = "FILLED"
)

// Event 引擎事件，Code 机器可读，Message 供人阅读
type Event struct {
	Type          EventType
	Code          string
	Message       string
	Fill          *order.Fill
	EstimatedGain float64
	Risk          *risk.State
	Time          time.Time
}

// publish 非阻塞投递，缓冲满时丢弃最旧事件
func (e *Engine) publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	for {
		select {
		case e.events <- ev:
			return
		default:
		}
		select {
		case old := <-e.events:
			e.logger.Warn("事件缓冲已满，丢弃最旧事件",
				zap.String("type", string(old.Type)), zap.String("code", old.Code))
		default:
		}
	}
}
