package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Placer 下单所需的交易所能力
type Placer interface {
	SubmitOrder(ctx context.Context, req Request) (Handle, error)
	QueryOrderByClientID(ctx context.Context, clientOrderID string) (Handle, error)
}

// SubmitConfig 下单重试配置
type SubmitConfig struct {
	Timeout     time.Duration // 单次调用超时
	MaxAttempts int           // 最大提交尝试次数
	Backoff     time.Duration // 固定退避
}

// DefaultSubmitConfig 返回默认配置
func DefaultSubmitConfig() SubmitConfig {
	return SubmitConfig{
		Timeout:     5 * time.Second,
		MaxAttempts: 3,
		Backoff:     500 * time.Millisecond,
	}
}

// SubmitResult 一次幂等下单的结果
type SubmitResult struct {
	Handle   Handle
	Adopted  bool // 由查询采纳的已存在订单
	Attempts int
}

// Submitter 幂等下单：超时或传输错误后先按 clientOrderId 查询，
// 查无此单才用同一 clientOrderId 重试。
type Submitter struct {
	placer    Placer
	cfg       SubmitConfig
	logger    *zap.Logger
	halted    func() bool
	retriable func(error) bool
}

// SubmitterOption 下单器选项
type SubmitterOption func(*Submitter)

// WithHaltCheck 每次提交前调用，返回 true 时不再发出新的下单请求
func WithHaltCheck(fn func() bool) SubmitterOption {
	return func(s *Submitter) { s.halted = fn }
}

// WithRetryClassifier 判断提交失败是否值得重试。返回 false 时只做一次对账查询，不再重复提交。
func WithRetryClassifier(fn func(error) bool) SubmitterOption {
	return func(s *Submitter) { s.retriable = fn }
}

// NewSubmitter 创建下单器
func NewSubmitter(placer Placer, cfg SubmitConfig, logger *zap.Logger, opts ...SubmitterOption) *Submitter {
	def := DefaultSubmitConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Backoff < 0 {
		cfg.Backoff = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Submitter{
		placer:    placer,
		cfg:       cfg,
		logger:    logger,
		halted:    func() bool { return false },
		retriable: func(error) bool { return true },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit 提交订单。返回 *RejectedError 表示交易所明确拒绝；
// 返回 ErrSubmitUnresolved 表示订单是否存在仍不确定，调用方应将其置为 UNKNOWN；
// 返回 ErrSubmitAborted 表示从未发出请求。
func (s *Submitter) Submit(ctx context.Context, req Request) (SubmitResult, error) {
	log := s.logger.With(zap.String("clientOrderId", req.ClientOrderID), zap.String("side", string(req.Side)))

	var lastErr error
	needQuery := false
	attempts := 0

	for attempts < s.cfg.MaxAttempts {
		if attempts > 0 || needQuery {
			if err := sleepCtx(ctx, s.cfg.Backoff); err != nil {
				return SubmitResult{Attempts: attempts}, fmt.Errorf("%w: %v", ErrSubmitUnresolved, err)
			}
		}

		if needQuery {
			h, err := s.query(ctx, req.ClientOrderID)
			switch {
			case err == nil:
				log.Info("超时订单已被交易所接受，采纳现有订单",
					zap.String("exchangeOrderId", h.ExchangeOrderID),
					zap.Int("attempts", attempts))
				return SubmitResult{Handle: h, Adopted: true, Attempts: attempts}, nil
			case errors.Is(err, ErrOrderNotFound):
				needQuery = false
			default:
				// 查询失败时不能确定订单不存在，下轮继续查询
				lastErr = err
				attempts++
				log.Warn("按 clientOrderId 查询失败", zap.Error(err), zap.Int("attempts", attempts))
				continue
			}
		}

		if err := s.checkProceed(ctx); err != nil {
			if attempts == 0 {
				return SubmitResult{}, fmt.Errorf("%w: %v", ErrSubmitAborted, err)
			}
			// 之前的请求可能已被接受，交给对账
			lastErr = err
			break
		}

		attempts++
		h, err := s.place(ctx, req)
		if err == nil {
			return SubmitResult{Handle: h, Attempts: attempts}, nil
		}
		if IsRejected(err) {
			return SubmitResult{Attempts: attempts}, err
		}
		lastErr = err
		needQuery = true
		if !s.retriable(err) {
			log.Warn("下单失败且不可重试，对账后放弃", zap.Error(err), zap.Int("attempts", attempts))
			break
		}
		log.Warn("下单超时或传输错误，重试前先对账", zap.Error(err), zap.Int("attempts", attempts))
		if ctx.Err() != nil {
			break
		}
	}

	// 最后一次确认
	if needQuery && ctx.Err() == nil {
		h, err := s.query(ctx, req.ClientOrderID)
		if err == nil {
			log.Info("重试耗尽后对账采纳现有订单", zap.String("exchangeOrderId", h.ExchangeOrderID))
			return SubmitResult{Handle: h, Adopted: true, Attempts: attempts}, nil
		}
		if !errors.Is(err, ErrOrderNotFound) {
			lastErr = err
		}
	}

	return SubmitResult{Attempts: attempts}, fmt.Errorf("%w after %d attempts: %v", ErrSubmitUnresolved, attempts, lastErr)
}

// errHalted 风控已锁定紧急停止
var errHalted = errors.New("trading halted")

func (s *Submitter) checkProceed(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.halted() {
		return errHalted
	}
	return nil
}

func (s *Submitter) place(ctx context.Context, req Request) (Handle, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	return s.placer.SubmitOrder(callCtx, req)
}

func (s *Submitter) query(ctx context.Context, clientOrderID string) (Handle, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	return s.placer.QueryOrderByClientID(callCtx, clientOrderID)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
