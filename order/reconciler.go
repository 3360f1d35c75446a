package order

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// OpenOrderLister 对账所需的交易所能力
type OpenOrderLister interface {
	ListOpenOrders(ctx context.Context) ([]Handle, error)
	QueryOrderByClientID(ctx context.Context, clientOrderID string) (Handle, error)
}

// ReconcilerConfig 对账器配置
type ReconcilerConfig struct {
	Timeout      time.Duration // 单次调用超时
	UnknownGrace time.Duration // UNKNOWN 订单持续查无此单多久后视为未下单
}

// ReconcileStats 对账统计
type ReconcileStats struct {
	Rebuilds          int64
	Adopted           int64 // 重建时采纳的挂单数
	UnknownResolved   int64
	LastReconcileTime time.Time
}

// Reconciler 订单对账器：断线重连后重建集合，并定期确认 UNKNOWN 订单。
type Reconciler struct {
	ex      OpenOrderLister
	tracker *Tracker
	cfg     ReconcilerConfig
	logger  *zap.Logger
	now     func() time.Time

	mu    sync.RWMutex
	stats ReconcileStats
}

// NewReconciler 创建订单对账器
func NewReconciler(ex OpenOrderLister, tracker *Tracker, cfg ReconcilerConfig, logger *zap.Logger) *Reconciler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.UnknownGrace <= 0 {
		cfg.UnknownGrace = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		ex:      ex,
		tracker: tracker,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// Rebuild 丢弃本地订单集合，以交易所当前挂单为准重建。
// 拉取失败时本地集合保持不变并返回错误。
func (r *Reconciler) Rebuild(ctx context.Context) (int, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	handles, err := r.ex.ListOpenOrders(callCtx)
	if err != nil {
		return 0, fmt.Errorf("list open orders: %w", err)
	}

	now := r.now()
	orders := make([]*ManagedOrder, 0, len(handles))
	for _, h := range handles {
		o := FromHandle(h, now)
		if o.Status.IsTerminal() {
			continue
		}
		orders = append(orders, o)
	}
	dropped := r.tracker.Len()
	r.tracker.Replace(orders)
	if len(orders) > r.tracker.MaxOrders() {
		r.logger.Warn("交易所挂单数超过上限，下次刷新时将全部撤销",
			zap.Int("open", len(orders)), zap.Int("max", r.tracker.MaxOrders()))
	}

	r.mu.Lock()
	r.stats.Rebuilds++
	r.stats.Adopted += int64(len(orders))
	r.stats.LastReconcileTime = now
	r.mu.Unlock()

	r.logger.Info("订单集合已按交易所重建",
		zap.Int("discarded", dropped), zap.Int("adopted", len(orders)))
	return len(orders), nil
}

// ResolveUnknown 逐个查询 UNKNOWN 订单并更新状态，返回已确认的订单。
func (r *Reconciler) ResolveUnknown(ctx context.Context) []ManagedOrder {
	unknown := r.tracker.WithStatus(StatusUnknown)
	if len(unknown) == 0 {
		return nil
	}

	resolved := make([]ManagedOrder, 0, len(unknown))
	for _, o := range unknown {
		callCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		h, err := r.ex.QueryOrderByClientID(callCtx, o.ClientOrderID)
		cancel()

		switch {
		case err == nil:
			status := h.Status
			if status == "" || status == StatusSubmitting {
				status = StatusOpen
			}
			updated, terr := r.tracker.Transition(o.ClientOrderID, status, h.ExchangeOrderID)
			if terr != nil {
				r.logger.Warn("对账状态更新失败", zap.String("clientOrderId", o.ClientOrderID), zap.Error(terr))
				continue
			}
			resolved = append(resolved, updated)
		case errors.Is(err, ErrOrderNotFound):
			if r.now().Sub(o.CreatedAt) < r.cfg.UnknownGrace {
				continue
			}
			updated, terr := r.tracker.Transition(o.ClientOrderID, StatusCancelled, "")
			if terr != nil {
				continue
			}
			r.logger.Info("UNKNOWN 订单确认未下单", zap.String("clientOrderId", o.ClientOrderID))
			resolved = append(resolved, updated)
		default:
			r.logger.Warn("UNKNOWN 订单查询失败", zap.String("clientOrderId", o.ClientOrderID), zap.Error(err))
		}
	}

	if len(resolved) > 0 {
		r.mu.Lock()
		r.stats.UnknownResolved += int64(len(resolved))
		r.stats.LastReconcileTime = r.now()
		r.mu.Unlock()
	}
	return resolved
}

// GetStats 获取对账统计
func (r *Reconciler) GetStats() ReconcileStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}
