package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"as-market-maker/gateway"
	"as-market-maker/market"
	"as-market-maker/order"
	"as-market-maker/risk"
	"as-market-maker/strategy/asmm"
)

// EngineState 引擎状态
type EngineState int32

const (
	// StateIdle 已创建未初始化
	StateIdle EngineState = iota
	// StateInitialized 已初始化
	StateInitialized
	// StateRunning 运行状态
	StateRunning
	// StateHalted 紧急停止，等待操作员复位
	StateHalted
	// StateStopped 停止状态
	StateStopped
)

// String 返回状态名称
func (s EngineState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateInitialized:
		return "INITIALIZED"
	case StateRunning:
		return "RUNNING"
	case StateHalted:
		return "HALTED"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Config 引擎配置
type Config struct {
	Symbol           string
	CycleInterval    time.Duration // 控制循环间隔
	CycleTimeout     time.Duration // 单个周期超时，超时即放弃
	RefreshInterval  time.Duration // 两次刷新的最小间隔
	PriceThreshold   float64       // 触发刷新的价格变动比例
	FillRequoteDelay time.Duration // 成交后强制刷新的延迟
	MaxOrders        int
	TargetBaseRatio  float64 // 目标持仓占总资产的比例，q* = ratio·V/S
	ClientIDPrefix   string
	CancelTimeout    time.Duration
	MaxSnapshotAge   time.Duration // <=0 不检查
	RequireReady     bool          // 指标未就绪时不报价
	Submit           order.SubmitConfig
	Reconcile        order.ReconcilerConfig
	EventBuffer      int
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		CycleInterval:    time.Second,
		CycleTimeout:     30 * time.Second,
		RefreshInterval:  5 * time.Second,
		PriceThreshold:   0.001,
		FillRequoteDelay: 500 * time.Millisecond,
		MaxOrders:        2,
		TargetBaseRatio:  0.5,
		ClientIDPrefix:   "asmm",
		CancelTimeout:    5 * time.Second,
		MaxSnapshotAge:   10 * time.Second,
		RequireReady:     true,
		Submit:           order.DefaultSubmitConfig(),
		EventBuffer:      64,
	}
}

// FillRecorder 成交持久化（可选）
type FillRecorder interface {
	RecordFill(ctx context.Context, fill order.Fill, estimatedGain float64) error
}

// Components 引擎依赖组件
type Components struct {
	Exchange    gateway.Exchange
	Indicators  *market.IndicatorEngine
	Calculator  *asmm.Calculator
	Risk        *risk.Gate
	Constraints order.SymbolConstraints
	Metrics     Metrics
	Journal     FillRecorder
	Logger      *zap.Logger
}

// Engine 订单生命周期管理器：控制循环、刷新决策、幂等下单、成交与重连处理
type Engine struct {
	cfg Config

	ex          gateway.Exchange
	indicators  *market.IndicatorEngine
	calc        *asmm.Calculator
	risk        *risk.Gate
	constraints order.SymbolConstraints
	metrics     Metrics
	journal     FillRecorder
	logger      *zap.Logger

	tracker    *order.Tracker
	submitter  *order.Submitter
	reconciler *order.Reconciler
	fills      *order.FillTracker
	policy     *RefreshPolicy
	sm         *order.StateMachine

	state        atomic.Int32
	connected    atomic.Bool
	needRebuild  atomic.Bool
	cycleRunning atomic.Bool
	cycleSeq     atomic.Uint64
	activeCycle  atomic.Uint64 // 当前有效周期编号，0 表示没有
	halting      atomic.Bool

	mu          sync.RWMutex
	lastSnap    market.Snapshot
	lastSnapTs  time.Time
	lastInv     market.Inventory
	lastQuote   *asmm.Quote
	cycleCancel context.CancelFunc
	cycleDone   chan struct{}
	halted      chan struct{}
	cancelRun   context.CancelFunc

	stats struct {
		cycles    atomic.Int64
		abandoned atomic.Int64
		refreshes atomic.Int64
	}

	events   chan Event
	stopOnce sync.Once
	doneChan chan struct{}
}

// New 创建引擎
func New(cfg Config, c Components) (*Engine, error) {
	if err := validateComponents(c); err != nil {
		return nil, fmt.Errorf("invalid components: %w", err)
	}
	def := DefaultConfig()
	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = def.CycleInterval
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = def.CycleTimeout
	}
	if cfg.PriceThreshold < 0 {
		cfg.PriceThreshold = 0
	}
	if cfg.MaxOrders <= 0 {
		cfg.MaxOrders = def.MaxOrders
	}
	if cfg.CancelTimeout <= 0 {
		cfg.CancelTimeout = def.CancelTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}
	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("symbol", cfg.Symbol))
	metrics := c.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}

	tracker := order.NewTracker(cfg.MaxOrders)
	// 风控锁定后不再发出新的下单请求
	submitter := order.NewSubmitter(c.Exchange, cfg.Submit, logger,
		order.WithHaltCheck(c.Risk.IsEmergencyStop),
		order.WithRetryClassifier(gateway.IsRetriable))
	e := &Engine{
		cfg:         cfg,
		ex:          c.Exchange,
		indicators:  c.Indicators,
		calc:        c.Calculator,
		risk:        c.Risk,
		constraints: c.Constraints,
		metrics:     metrics,
		journal:     c.Journal,
		logger:      logger,
		tracker:     tracker,
		submitter:   submitter,
		reconciler:  order.NewReconciler(c.Exchange, tracker, cfg.Reconcile, logger),
		fills:       order.NewFillTracker(200, 5*time.Minute),
		policy:      NewRefreshPolicy(cfg.RefreshInterval, cfg.PriceThreshold),
		sm:          order.NewStateMachine(),
		halted:      make(chan struct{}),
		events:      make(chan Event, cfg.EventBuffer),
		doneChan:    make(chan struct{}),
	}
	e.state.Store(int32(StateIdle))
	return e, nil
}

func validateComponents(c Components) error {
	switch {
	case c.Exchange == nil:
		return errors.New("exchange required")
	case c.Indicators == nil:
		return errors.New("indicator engine required")
	case c.Calculator == nil:
		return errors.New("quote calculator required")
	case c.Risk == nil:
		return errors.New("risk gate required")
	}
	return nil
}

// State 当前状态
func (e *Engine) State() EngineState {
	return EngineState(e.state.Load())
}

// Initialize 检查交易所可用，并以交易所挂单为准建立本地订单集合
func (e *Engine) Initialize(ctx context.Context) error {
	if s := e.State(); s != StateIdle {
		return fmt.Errorf("engine already initialized (state: %s)", s)
	}
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CancelTimeout)
	defer cancel()

	bal, err := e.ex.Balances(callCtx)
	if err != nil {
		return fmt.Errorf("fetch balances: %w", err)
	}
	if snap, err := e.ex.Snapshot(callCtx); err == nil {
		e.risk.UpdateAccount(snap.Mid, bal)
	}
	if _, err := e.reconciler.Rebuild(ctx); err != nil {
		return fmt.Errorf("initial reconcile: %w", err)
	}
	e.connected.Store(true)
	e.state.Store(int32(StateInitialized))
	e.logger.Info("引擎初始化完成",
		zap.Float64("base", bal.Base),
		zap.Float64("quote", bal.Quote),
		zap.Int("adoptedOrders", e.tracker.Len()))
	return nil
}

// Start 启动风控监控与控制循环
func (e *Engine) Start(ctx context.Context) error {
	if e.State() == StateIdle {
		if err := e.Initialize(ctx); err != nil {
			return err
		}
	}
	if !e.state.CompareAndSwap(int32(StateInitialized), int32(StateRunning)) {
		return fmt.Errorf("engine cannot start (state: %s)", e.State())
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancelRun = cancel
	e.mu.Unlock()

	e.logger.Info("引擎启动",
		zap.Duration("cycleInterval", e.cfg.CycleInterval),
		zap.Duration("refreshInterval", e.cfg.RefreshInterval),
		zap.Float64("priceThreshold", e.cfg.PriceThreshold))

	go e.risk.Run(runCtx)
	go e.run(runCtx)
	return nil
}

// Stop 停止引擎并尽力撤销全部挂单。可重复调用，可在信号处理中调用。
func (e *Engine) Stop() error {
	e.stopOnce.Do(func() {
		prev := EngineState(e.state.Swap(int32(StateStopped)))
		e.logger.Info("引擎停止中", zap.String("previousState", prev.String()))

		e.mu.Lock()
		cancelRun := e.cancelRun
		e.mu.Unlock()
		e.abortCycle(e.cfg.CancelTimeout)
		if cancelRun != nil {
			cancelRun()
			select {
			case <-e.doneChan:
			case <-time.After(10 * time.Second):
				e.logger.Warn("等待控制循环退出超时")
			}
		}

		if prev == StateRunning || prev == StateHalted {
			ctx, cancel := context.WithTimeout(context.Background(), e.cfg.CancelTimeout)
			e.cancelAll(ctx)
			cancel()
		}
		e.logger.Info("引擎已停止")
	})
	return nil
}

// Events 引擎事件通道
func (e *Engine) Events() <-chan Event {
	return e.events
}

// Halted 紧急停止时关闭，宿主据此退出
func (e *Engine) Halted() <-chan struct{} {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.halted
}

// ResetEmergencyStop 操作员复位紧急停止并恢复报价
func (e *Engine) ResetEmergencyStop(operator string) error {
	if err := e.risk.ResetEmergencyStop(operator); err != nil {
		return err
	}
	if !e.state.CompareAndSwap(int32(StateHalted), int32(StateRunning)) {
		return nil
	}
	e.mu.Lock()
	e.halted = make(chan struct{})
	e.mu.Unlock()
	e.policy.Reset()
	e.halting.Store(false)
	e.logger.Warn("紧急停止已复位，恢复报价", zap.String("operator", operator))
	return nil
}

// run 主事件循环
func (e *Engine) run(ctx context.Context) {
	defer close(e.doneChan)

	ticker := time.NewTicker(e.cfg.CycleInterval)
	defer ticker.Stop()

	orderEvents := e.ex.OrderEvents()
	connEvents := e.ex.ConnectivityEvents()
	riskEvents := e.risk.Events()

	for {
		var riskHalted <-chan struct{}
		if !e.halting.Load() {
			riskHalted = e.risk.Halted()
		}

		select {
		case <-ctx.Done():
			e.logger.Info("控制循环退出")
			return

		case <-ticker.C:
			e.onTick(ctx)

		case ev, ok := <-orderEvents:
			if !ok {
				orderEvents = nil
				continue
			}
			e.handleOrderEvent(ctx, ev)

		case ev, ok := <-connEvents:
			if !ok {
				connEvents = nil
				continue
			}
			e.handleConnectivity(ev)

		case ev := <-riskEvents:
			e.handleRiskEvent(ctx, ev)

		case <-riskHalted:
			st := e.risk.State()
			e.handleEmergency(ctx, st.EmergencyCode, st.EmergencyReason)
		}
	}
}

// onTick 启动一个周期。上一周期仍在运行时跳过；超时的周期被放弃，
// 占用立即释放，其迟到的结果不再生效。
func (e *Engine) onTick(ctx context.Context) {
	if e.State() != StateRunning {
		return
	}
	if !e.cycleRunning.CompareAndSwap(false, true) {
		e.logger.Debug("上一周期仍在运行，跳过本次")
		return
	}

	gen := e.cycleSeq.Add(1)
	e.activeCycle.Store(gen)
	cctx, cancel := context.WithTimeout(context.WithValue(ctx, cycleGenKey{}, gen), e.cfg.CycleTimeout)
	done := make(chan struct{})
	e.mu.Lock()
	e.cycleCancel = cancel
	e.cycleDone = done
	e.mu.Unlock()

	stopWatch := context.AfterFunc(cctx, func() {
		if !errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return
		}
		if e.releaseCycle(gen) {
			e.stats.abandoned.Add(1)
			e.metrics.RecordCycleAbandoned()
			e.logger.Error("周期超时，已放弃",
				zap.Uint64("cycle", gen),
				zap.Duration("timeout", e.cfg.CycleTimeout))
		}
	})

	go func() {
		defer close(done)
		start := time.Now()
		err := e.runCycle(cctx)
		stopWatch()
		cancel()
		if !e.releaseCycle(gen) {
			e.logger.Warn("已放弃的周期返回",
				zap.Uint64("cycle", gen),
				zap.Duration("elapsed", time.Since(start)),
				zap.Error(err))
			return
		}
		if err != nil {
			e.logger.Warn("周期未完成", zap.Error(err))
		}
		e.stats.cycles.Add(1)
		e.metrics.RecordCycle(time.Since(start).Seconds())
	}()
}

type cycleGenKey struct{}

// releaseCycle 周期结束或超时时调用，同一周期只有一次成功
func (e *Engine) releaseCycle(gen uint64) bool {
	if !e.activeCycle.CompareAndSwap(gen, 0) {
		return false
	}
	e.cycleRunning.Store(false)
	return true
}

// cycleCurrent 周期是否仍然有效。不经 onTick 直接执行的周期总是有效。
func (e *Engine) cycleCurrent(ctx context.Context) bool {
	gen, ok := ctx.Value(cycleGenKey{}).(uint64)
	return !ok || e.activeCycle.Load() == gen
}

// abortCycle 取消当前周期，并在 timeout 内等待其退出
func (e *Engine) abortCycle(timeout time.Duration) {
	e.mu.Lock()
	cancel, done := e.cycleCancel, e.cycleDone
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-time.After(timeout):
		e.logger.Warn("等待当前周期退出超时", zap.Duration("timeout", timeout))
	}
}
