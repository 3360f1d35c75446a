package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"as-market-maker/market"
	"as-market-maker/order"
)

// ErrNotConnected 网关当前未连接
var ErrNotConnected = errors.New("gateway not connected")

// ErrNoSnapshot 尚未收到任何行情
var ErrNoSnapshot = errors.New("no market snapshot yet")

// Exchange 报价引擎消费的交易所能力。所有调用都必须遵守 ctx 的超时。
type Exchange interface {
	Snapshot(ctx context.Context) (market.Snapshot, error)
	Balances(ctx context.Context) (market.Balances, error)
	SubmitOrder(ctx context.Context, req order.Request) (order.Handle, error)
	QueryOrderByClientID(ctx context.Context, clientOrderID string) (order.Handle, error)
	CancelOrder(ctx context.Context, exchangeOrderID string) error
	ListOpenOrders(ctx context.Context) ([]order.Handle, error)
	OrderEvents() <-chan order.Event
	ConnectivityEvents() <-chan ConnectivityEvent
}

// SnapshotSource 最新行情来源（最近一次为准）
type SnapshotSource interface {
	Latest() (market.Snapshot, bool)
}

// ConnectivityEvent 连接状态变化
type ConnectivityEvent struct {
	Connected bool
	Reason    string
	Time      time.Time
}

// TransportError 传输层错误，Retriable 表示调用结果不确定、可以对账后重试
type TransportError struct {
	Op        string
	Err       error
	Retriable bool
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsRetriable 判断错误是否可重试
func IsRetriable(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Retriable
	}
	return errors.Is(err, context.DeadlineExceeded)
}
