package order

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Tracker 跟踪本引擎的非终态订单，以 clientOrderId 为键。
// 订单进入终态后立即移出集合。
type Tracker struct {
	mu        sync.RWMutex
	orders    map[string]*ManagedOrder
	maxOrders int
	sm        *StateMachine
	now       func() time.Time
}

// NewTracker 创建订单集合，maxOrders<=0 时默认 2（一买一卖）
func NewTracker(maxOrders int) *Tracker {
	if maxOrders <= 0 {
		maxOrders = 2
	}
	return &Tracker{
		orders:    make(map[string]*ManagedOrder),
		maxOrders: maxOrders,
		sm:        NewStateMachine(),
		now:       time.Now,
	}
}

// MaxOrders 返回上限
func (t *Tracker) MaxOrders() int {
	return t.maxOrders
}

// Add 加入新订单
func (t *Tracker) Add(o *ManagedOrder) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.orders[o.ClientOrderID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateClientID, o.ClientOrderID)
	}
	if len(t.orders) >= t.maxOrders {
		return fmt.Errorf("%w: limit %d", ErrTooManyOrders, t.maxOrders)
	}
	cp := *o
	t.orders[o.ClientOrderID] = &cp
	return nil
}

// Get 获取订单副本
func (t *Tracker) Get(clientOrderID string) (ManagedOrder, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	o, ok := t.orders[clientOrderID]
	if !ok {
		return ManagedOrder{}, false
	}
	return *o, true
}

// FindByExchangeID 按交易所订单号查找
func (t *Tracker) FindByExchangeID(exchangeOrderID string) (ManagedOrder, bool) {
	if exchangeOrderID == "" {
		return ManagedOrder{}, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, o := range t.orders {
		if o.ExchangeOrderID == exchangeOrderID {
			return *o, true
		}
	}
	return ManagedOrder{}, false
}

// Transition 更新订单状态，exchangeOrderID 非空时一并记录。
// 进入终态的订单被移出集合，返回更新后的副本。
func (t *Tracker) Transition(clientOrderID string, to Status, exchangeOrderID string) (ManagedOrder, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	o, ok := t.orders[clientOrderID]
	if !ok {
		return ManagedOrder{}, fmt.Errorf("%w: %s", ErrOrderNotFound, clientOrderID)
	}
	if err := t.sm.ValidateTransition(o.Status, to); err != nil {
		return *o, fmt.Errorf("order %s: %w", clientOrderID, err)
	}
	o.Status = to
	if exchangeOrderID != "" {
		o.ExchangeOrderID = exchangeOrderID
	}
	o.UpdatedAt = t.now()
	if to.IsTerminal() {
		delete(t.orders, clientOrderID)
	}
	return *o, nil
}

// Orders 返回全部订单副本，按创建时间排序
func (t *Tracker) Orders() []ManagedOrder {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]ManagedOrder, 0, len(t.orders))
	for _, o := range t.orders {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ClientOrderID < out[j].ClientOrderID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// WithStatus 返回指定状态的订单
func (t *Tracker) WithStatus(status Status) []ManagedOrder {
	all := t.Orders()
	out := all[:0]
	for _, o := range all {
		if o.Status == status {
			out = append(out, o)
		}
	}
	return out
}

// Len 当前跟踪的订单数
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.orders)
}

// Replace 丢弃本地集合，用交易所视图重建。终态订单被忽略。
func (t *Tracker) Replace(orders []*ManagedOrder) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.orders = make(map[string]*ManagedOrder, len(orders))
	for _, o := range orders {
		if o == nil || o.Status.IsTerminal() {
			continue
		}
		cp := *o
		t.orders[o.ClientOrderID] = &cp
	}
}
