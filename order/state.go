package order

import (
	"errors"
	"fmt"
	"time"
)

// Side 买卖方向
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Status 托管订单的生命周期状态
type Status string

const (
	StatusSubmitting Status = "SUBMITTING"
	StatusOpen       Status = "OPEN"
	StatusFilled     Status = "FILLED"
	StatusCancelled  Status = "CANCELLED"
	StatusUnknown    Status = "UNKNOWN" // 确认超时，等待对账
)

// IsTerminal 是否为终态
func (s Status) IsTerminal() bool {
	return s == StatusFilled || s == StatusCancelled
}

var (
	// ErrOrderNotFound 交易所按 clientOrderId 查无此单
	ErrOrderNotFound = errors.New("order not found")
	// ErrTooManyOrders 跟踪的非终态订单已达上限
	ErrTooManyOrders = errors.New("too many tracked orders")
	// ErrDuplicateClientID clientOrderId 已被非终态订单占用
	ErrDuplicateClientID = errors.New("duplicate client order id")
	// ErrSubmitUnresolved 重试耗尽后仍无法确认订单是否被接受
	ErrSubmitUnresolved = errors.New("order submission unresolved")
	// ErrSubmitAborted 首次提交前已停止，订单一定未发出
	ErrSubmitAborted = errors.New("order submission aborted")
)

// RejectedError 交易所明确拒绝了订单，订单一定不存在，无需对账。
type RejectedError struct {
	ClientOrderID string
	Reason        string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("order %s rejected: %s", e.ClientOrderID, e.Reason)
}

// IsRejected 判断错误是否为明确拒单
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}

// Request 下单请求
type Request struct {
	ClientOrderID string
	Side          Side
	Price         float64
	Size          float64
}

// Handle 交易所返回的订单视图
type Handle struct {
	ClientOrderID   string
	ExchangeOrderID string
	Side            Side
	Price           float64
	Size            float64
	FilledSize      float64
	Status          Status
	UpdatedAt       time.Time
}

// ManagedOrder 引擎托管的订单
type ManagedOrder struct {
	ClientOrderID   string
	ExchangeOrderID string // 被接受前为空
	Side            Side
	Price           float64
	Size            float64
	Status          Status
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// NewManagedOrder 以 SUBMITTING 状态创建托管订单
func NewManagedOrder(req Request, now time.Time) *ManagedOrder {
	return &ManagedOrder{
		ClientOrderID: req.ClientOrderID,
		Side:          req.Side,
		Price:         req.Price,
		Size:          req.Size,
		Status:        StatusSubmitting,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// FromHandle 由交易所订单视图构造托管订单（对账采纳时使用）
func FromHandle(h Handle, now time.Time) *ManagedOrder {
	status := h.Status
	if status == "" {
		status = StatusOpen
	}
	return &ManagedOrder{
		ClientOrderID:   h.ClientOrderID,
		ExchangeOrderID: h.ExchangeOrderID,
		Side:            h.Side,
		Price:           h.Price,
		Size:            h.Size,
		Status:          status,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Fill 成交回报
type Fill struct {
	ClientOrderID   string
	ExchangeOrderID string
	Side            Side
	Price           float64
	Size            float64
	Fee             float64 // 以报价货币计
	Time            time.Time
}

// Notional 成交额
func (f Fill) Notional() float64 {
	return f.Price * f.Size
}

// Event 交易所推送的订单状态变化
type Event struct {
	ClientOrderID   string
	ExchangeOrderID string
	Status          Status
	Fill            *Fill // Status 为 FILLED 时携带
	Time            time.Time
}
