package order

import (
	"context"
	"errors"
	"sync"
	"time"
)

var errTransport = errors.New("connection reset")

// fakeExchange 可编程的内存交易所
type fakeExchange struct {
	mu      sync.Mutex
	orders  map[string]Handle
	submits map[string]int
	queries int
	seq     int

	// 返回 true 表示本次下单已被交易所记录但确认延迟到超时之后
	delayAck func(req Request, attempt int) bool
	// 返回非空错误表示本次下单未被记录
	failSubmit func(req Request, attempt int) error
	failQuery  func(n int) error
	listErr    error
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		orders:  make(map[string]Handle),
		submits: make(map[string]int),
	}
}

func (f *fakeExchange) SubmitOrder(ctx context.Context, req Request) (Handle, error) {
	f.mu.Lock()
	f.submits[req.ClientOrderID]++
	attempt := f.submits[req.ClientOrderID]
	if f.failSubmit != nil {
		if err := f.failSubmit(req, attempt); err != nil {
			f.mu.Unlock()
			return Handle{}, err
		}
	}
	h, exists := f.orders[req.ClientOrderID]
	if !exists {
		f.seq++
		h = Handle{
			ClientOrderID:   req.ClientOrderID,
			ExchangeOrderID: "EX" + string(rune('0'+f.seq)),
			Side:            req.Side,
			Price:           req.Price,
			Size:            req.Size,
			Status:          StatusOpen,
			UpdatedAt:       time.Now(),
		}
		f.orders[req.ClientOrderID] = h
	}
	delayed := f.delayAck != nil && f.delayAck(req, attempt)
	f.mu.Unlock()

	if delayed {
		<-ctx.Done()
		return Handle{}, ctx.Err()
	}
	return h, nil
}

func (f *fakeExchange) QueryOrderByClientID(_ context.Context, clientOrderID string) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	if f.failQuery != nil {
		if err := f.failQuery(f.queries); err != nil {
			return Handle{}, err
		}
	}
	h, ok := f.orders[clientOrderID]
	if !ok {
		return Handle{}, ErrOrderNotFound
	}
	return h, nil
}

func (f *fakeExchange) ListOpenOrders(_ context.Context) ([]Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]Handle, 0, len(f.orders))
	for _, h := range f.orders {
		if h.Status == StatusOpen {
			out = append(out, h)
		}
	}
	return out, nil
}

func (f *fakeExchange) submitCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits[id]
}

func (f *fakeExchange) orderCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.orders)
}
