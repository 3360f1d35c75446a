package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"as-market-maker/market"
	"as-market-maker/order"
)

// PaperConfig 模拟交易所配置
type PaperConfig struct {
	Symbol        string
	InitialBase   float64
	InitialQuote  float64
	FeeRate       float64       // 成交手续费率（报价货币）
	AckDelay      time.Duration // 订单被接受后确认返回的延迟
	MatchInterval time.Duration
	EventBuffer   int
}

type paperOrder struct {
	handle order.Handle
}

// PaperExchange 内存模拟交易所：由行情源驱动撮合，支持确认延迟与丢失的故障注入。
type PaperExchange struct {
	cfg    PaperConfig
	source SnapshotSource
	logger *zap.Logger
	now    func() time.Time

	mu         sync.Mutex
	balances   market.Balances        // 总额与挂单冻结
	orders     map[string]*paperOrder // clientOrderId -> order
	byExchange map[string]string      // exchangeOrderId -> clientOrderId
	seq        int64
	connected  bool

	dropAcks      int
	failSubmits   int
	failQueries   int
	submitCounter map[string]int

	orderEvents chan order.Event
	connEvents  chan ConnectivityEvent
}

// NewPaperExchange 创建模拟交易所
func NewPaperExchange(cfg PaperConfig, source SnapshotSource, logger *zap.Logger) *PaperExchange {
	if cfg.MatchInterval <= 0 {
		cfg.MatchInterval = 100 * time.Millisecond
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PaperExchange{
		cfg:           cfg,
		source:        source,
		logger:        logger,
		now:           time.Now,
		balances:      market.Balances{Base: cfg.InitialBase, Quote: cfg.InitialQuote},
		orders:        make(map[string]*paperOrder),
		byExchange:    make(map[string]string),
		connected:     true,
		submitCounter: make(map[string]int),
		orderEvents:   make(chan order.Event, cfg.EventBuffer),
		connEvents:    make(chan ConnectivityEvent, 16),
	}
}

// Run 按间隔读取最新行情进行撮合，直到 ctx 结束
func (p *PaperExchange) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.MatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.source == nil {
				continue
			}
			if snap, ok := p.source.Latest(); ok {
				p.Match(snap)
			}
		}
	}
}

// Snapshot 返回行情源的最新快照
func (p *PaperExchange) Snapshot(ctx context.Context) (market.Snapshot, error) {
	if err := p.checkConn("snapshot"); err != nil {
		return market.Snapshot{}, err
	}
	if p.source == nil {
		return market.Snapshot{}, ErrNoSnapshot
	}
	snap, ok := p.source.Latest()
	if !ok {
		return market.Snapshot{}, ErrNoSnapshot
	}
	return snap, nil
}

// Balances 返回总余额及挂单冻结部分
func (p *PaperExchange) Balances(ctx context.Context) (market.Balances, error) {
	if err := p.checkConn("balances"); err != nil {
		return market.Balances{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balances, nil
}

// SubmitOrder 下单。相同 clientOrderId 重复提交返回已有订单。
func (p *PaperExchange) SubmitOrder(ctx context.Context, req order.Request) (order.Handle, error) {
	if err := ctx.Err(); err != nil {
		return order.Handle{}, err
	}
	if err := p.checkConn("submit"); err != nil {
		return order.Handle{}, err
	}

	p.mu.Lock()
	p.submitCounter[req.ClientOrderID]++
	if existing, ok := p.orders[req.ClientOrderID]; ok {
		h := existing.handle
		p.mu.Unlock()
		return h, nil
	}
	if p.failSubmits > 0 {
		p.failSubmits--
		p.mu.Unlock()
		return order.Handle{}, &TransportError{Op: "submit", Err: fmt.Errorf("connection reset"), Retriable: true}
	}
	if !(req.Price > 0) || !(req.Size > 0) {
		p.mu.Unlock()
		return order.Handle{}, &order.RejectedError{ClientOrderID: req.ClientOrderID, Reason: "invalid price or size"}
	}
	switch req.Side {
	case order.SideBuy:
		if p.balances.FreeQuote() < req.Price*req.Size {
			p.mu.Unlock()
			return order.Handle{}, &order.RejectedError{ClientOrderID: req.ClientOrderID, Reason: "insufficient quote balance"}
		}
		p.balances.LockedQuote += req.Price * req.Size
	case order.SideSell:
		if p.balances.FreeBase() < req.Size {
			p.mu.Unlock()
			return order.Handle{}, &order.RejectedError{ClientOrderID: req.ClientOrderID, Reason: "insufficient base balance"}
		}
		p.balances.LockedBase += req.Size
	default:
		p.mu.Unlock()
		return order.Handle{}, &order.RejectedError{ClientOrderID: req.ClientOrderID, Reason: "unknown side"}
	}

	p.seq++
	h := order.Handle{
		ClientOrderID:   req.ClientOrderID,
		ExchangeOrderID: fmt.Sprintf("P%08d", p.seq),
		Side:            req.Side,
		Price:           req.Price,
		Size:            req.Size,
		Status:          order.StatusOpen,
		UpdatedAt:       p.now(),
	}
	p.orders[req.ClientOrderID] = &paperOrder{handle: h}
	p.byExchange[h.ExchangeOrderID] = req.ClientOrderID
	drop := p.dropAcks > 0
	if drop {
		p.dropAcks--
	}
	p.mu.Unlock()

	if drop {
		<-ctx.Done()
		return order.Handle{}, ctx.Err()
	}
	if p.cfg.AckDelay > 0 {
		timer := time.NewTimer(p.cfg.AckDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return order.Handle{}, ctx.Err()
		case <-timer.C:
		}
	}
	return h, nil
}

// QueryOrderByClientID 按 clientOrderId 查询，包含已终结的订单
func (p *PaperExchange) QueryOrderByClientID(ctx context.Context, clientOrderID string) (order.Handle, error) {
	if err := p.checkConn("query"); err != nil {
		return order.Handle{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failQueries > 0 {
		p.failQueries--
		return order.Handle{}, &TransportError{Op: "query", Err: fmt.Errorf("timeout"), Retriable: true}
	}
	o, ok := p.orders[clientOrderID]
	if !ok {
		return order.Handle{}, order.ErrOrderNotFound
	}
	return o.handle, nil
}

// CancelOrder 撤单，已终结的订单直接返回成功
func (p *PaperExchange) CancelOrder(ctx context.Context, exchangeOrderID string) error {
	if err := p.checkConn("cancel"); err != nil {
		return err
	}
	p.mu.Lock()
	cid, ok := p.byExchange[exchangeOrderID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("cancel %s: %w", exchangeOrderID, order.ErrOrderNotFound)
	}
	o := p.orders[cid]
	if o.handle.Status.IsTerminal() {
		p.mu.Unlock()
		return nil
	}
	p.unlockUnsafe(o.handle)
	o.handle.Status = order.StatusCancelled
	o.handle.UpdatedAt = p.now()
	ev := order.Event{
		ClientOrderID:   o.handle.ClientOrderID,
		ExchangeOrderID: o.handle.ExchangeOrderID,
		Status:          order.StatusCancelled,
		Time:            o.handle.UpdatedAt,
	}
	p.mu.Unlock()

	p.emit(ev)
	return nil
}

// ListOpenOrders 返回全部挂单
func (p *PaperExchange) ListOpenOrders(ctx context.Context) ([]order.Handle, error) {
	if err := p.checkConn("listOpenOrders"); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]order.Handle, 0)
	for _, o := range p.orders {
		if o.handle.Status == order.StatusOpen {
			out = append(out, o.handle)
		}
	}
	return out, nil
}

// OrderEvents 订单状态推送
func (p *PaperExchange) OrderEvents() <-chan order.Event {
	return p.orderEvents
}

// ConnectivityEvents 连接状态推送
func (p *PaperExchange) ConnectivityEvents() <-chan ConnectivityEvent {
	return p.connEvents
}

// Match 用快照撮合挂单：买价不低于卖一或卖价不高于买一即全部成交
func (p *PaperExchange) Match(snap market.Snapshot) int {
	if !snap.Valid() {
		return 0
	}
	p.mu.Lock()
	var events []order.Event
	now := p.now()
	for _, o := range p.orders {
		h := &o.handle
		if h.Status != order.StatusOpen {
			continue
		}
		crossed := (h.Side == order.SideBuy && snap.BestAsk > 0 && h.Price >= snap.BestAsk) ||
			(h.Side == order.SideSell && snap.BestBid > 0 && h.Price <= snap.BestBid)
		if !crossed {
			continue
		}
		p.unlockUnsafe(*h)
		notional := h.Price * h.Size
		fee := notional * p.cfg.FeeRate
		if h.Side == order.SideBuy {
			p.balances.Quote -= notional + fee
			p.balances.Base += h.Size
		} else {
			p.balances.Base -= h.Size
			p.balances.Quote += notional - fee
		}
		h.Status = order.StatusFilled
		h.FilledSize = h.Size
		h.UpdatedAt = now
		events = append(events, order.Event{
			ClientOrderID:   h.ClientOrderID,
			ExchangeOrderID: h.ExchangeOrderID,
			Status:          order.StatusFilled,
			Fill: &order.Fill{
				ClientOrderID:   h.ClientOrderID,
				ExchangeOrderID: h.ExchangeOrderID,
				Side:            h.Side,
				Price:           h.Price,
				Size:            h.Size,
				Fee:             fee,
				Time:            now,
			},
			Time: now,
		})
	}
	p.mu.Unlock()

	for _, ev := range events {
		p.logger.Info("模拟成交",
			zap.String("clientOrderId", ev.ClientOrderID),
			zap.String("side", string(ev.Fill.Side)),
			zap.Float64("price", ev.Fill.Price),
			zap.Float64("size", ev.Fill.Size))
		p.emit(ev)
	}
	return len(events)
}

// SetConnected 模拟断线与重连
func (p *PaperExchange) SetConnected(connected bool, reason string) {
	p.mu.Lock()
	changed := p.connected != connected
	p.connected = connected
	p.mu.Unlock()
	if !changed {
		return
	}
	ev := ConnectivityEvent{Connected: connected, Reason: reason, Time: p.now()}
	select {
	case p.connEvents <- ev:
	default:
		p.logger.Warn("连接事件缓冲已满", zap.Bool("connected", connected))
	}
}

// InjectAckDrops 接下来 n 次下单被接受但确认丢失（调用方将等到超时）
func (p *PaperExchange) InjectAckDrops(n int) {
	p.mu.Lock()
	p.dropAcks = n
	p.mu.Unlock()
}

// InjectSubmitFailures 接下来 n 次下单在到达撮合前失败
func (p *PaperExchange) InjectSubmitFailures(n int) {
	p.mu.Lock()
	p.failSubmits = n
	p.mu.Unlock()
}

// InjectQueryFailures 接下来 n 次查询失败
func (p *PaperExchange) InjectQueryFailures(n int) {
	p.mu.Lock()
	p.failQueries = n
	p.mu.Unlock()
}

// SubmitCount 某 clientOrderId 的提交次数
func (p *PaperExchange) SubmitCount(clientOrderID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.submitCounter[clientOrderID]
}

// OrderCount 交易所记录的订单总数（含终结）
func (p *PaperExchange) OrderCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.orders)
}

func (p *PaperExchange) checkConn(op string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return &TransportError{Op: op, Err: ErrNotConnected, Retriable: true}
	}
	return nil
}

func (p *PaperExchange) unlockUnsafe(h order.Handle) {
	if h.Side == order.SideBuy {
		p.balances.LockedQuote -= h.Price * h.Size
	} else {
		p.balances.LockedBase -= h.Size
	}
}

func (p *PaperExchange) emit(ev order.Event) {
	select {
	case p.orderEvents <- ev:
	default:
		p.logger.Warn("订单事件缓冲已满，丢弃", zap.String("clientOrderId", ev.ClientOrderID))
	}
}

// StaticSource 固定快照源，测试与回放使用
type StaticSource struct {
	mu   sync.RWMutex
	snap market.Snapshot
	ok   bool
}

// Set 更新快照
func (s *StaticSource) Set(snap market.Snapshot) {
	s.mu.Lock()
	s.snap, s.ok = snap, true
	s.mu.Unlock()
}

// Latest 实现 SnapshotSource
func (s *StaticSource) Latest() (market.Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap, s.ok
}

var _ Exchange = (*PaperExchange)(nil)
