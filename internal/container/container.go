package container

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"as-market-maker/config"
	"as-market-maker/gateway"
	"as-market-maker/infrastructure/alert"
	"as-market-maker/infrastructure/logger"
	"as-market-maker/infrastructure/monitor"
	"as-market-maker/internal/engine"
	"as-market-maker/internal/journal"
	"as-market-maker/market"
	"as-market-maker/risk"
	"as-market-maker/strategy/asmm"
)

// Option 构建选项
type Option func(*Container)

// WithSnapshotSource 使用给定行情源替代 WebSocket 深度流
func WithSnapshotSource(src gateway.SnapshotSource) Option {
	return func(c *Container) { c.source = src }
}

// WithLogger 使用外部创建的日志器
func WithLogger(l *logger.Logger) Option {
	return func(c *Container) { c.logger = l }
}

// Container 依赖注入容器，管理所有组件的生命周期
type Container struct {
	cfg config.AppConfig

	// 基础设施
	logger  *logger.Logger
	monitor *monitor.Monitor
	alerts  *alert.Manager
	nats    *alert.NATSChannel
	journal *journal.Journal

	// 行情与交易所
	source gateway.SnapshotSource
	depth  *gateway.DepthStream
	paper  *gateway.PaperExchange

	// 核心服务
	calc   *asmm.Calculator
	risk   *risk.Gate
	engine *engine.Engine

	lifecycle *LifecycleManager
	built     bool
	closeOnce sync.Once
}

// New 创建新的Container实例
func New(cfg config.AppConfig, opts ...Option) *Container {
	c := &Container{cfg: cfg}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Build 构建所有组件
func (c *Container) Build() error {
	if c.built {
		return errors.New("container already built")
	}
	if err := c.buildInfrastructure(); err != nil {
		return fmt.Errorf("build infrastructure failed: %w", err)
	}
	if err := c.buildGateway(); err != nil {
		return fmt.Errorf("build gateway failed: %w", err)
	}
	if err := c.buildCoreServices(); err != nil {
		return fmt.Errorf("build core services failed: %w", err)
	}
	c.registerLifecycleComponents()
	c.built = true
	c.logger.Info("container built",
		zap.String("symbol", c.cfg.Symbol),
		zap.Strings("components", c.lifecycle.Names()))
	return nil
}

func (c *Container) buildInfrastructure() error {
	if c.logger == nil {
		l, err := logger.New(c.cfg.Log)
		if err != nil {
			return fmt.Errorf("create logger failed: %w", err)
		}
		c.logger = l
	}
	c.lifecycle = NewLifecycleManager(c.logger.Component("lifecycle"))

	mcfg := monitor.DefaultConfig()
	mcfg.ConstLabels = map[string]string{"symbol": c.cfg.Symbol}
	c.monitor = monitor.New(mcfg)

	channels := []alert.Channel{alert.NewLogChannel("log", c.logger.Logger)}
	if c.cfg.Alert.NATSURL != "" {
		nc, err := alert.DialNATS("nats", c.cfg.Alert.NATSURL, c.cfg.Alert.Subject, c.logger.Component("nats"))
		if err != nil {
			// 告警通道不可用不阻止启动
			c.logger.Warn("NATS 告警通道连接失败", zap.String("url", c.cfg.Alert.NATSURL), zap.Error(err))
		} else {
			c.nats = nc
			channels = append(channels, nc)
		}
	}
	c.alerts = alert.NewManager(channels, c.cfg.Alert.ThrottleWindow)

	if c.cfg.Journal.Path != "" {
		j, err := journal.Open(c.cfg.Journal.Path, c.cfg.Symbol, c.logger.Component("journal"))
		if err != nil {
			return fmt.Errorf("open journal failed: %w", err)
		}
		c.journal = j
	}
	return nil
}

func (c *Container) buildGateway() error {
	if c.source == nil {
		c.depth = gateway.NewDepthStream(c.cfg.DepthStreamConfig(), c.logger.Component("depth"))
		if _, err := c.depth.URL(); err != nil {
			return fmt.Errorf("depth stream: %w", err)
		}
		c.source = c.depth
	}
	c.paper = gateway.NewPaperExchange(c.cfg.PaperExchangeConfig(), c.source, c.logger.Component("paper"))
	return nil
}

func (c *Container) buildCoreServices() error {
	calc, err := asmm.NewCalculator(c.cfg.Strategy, c.logger.Component("asmm"))
	if err != nil {
		return fmt.Errorf("create calculator failed: %w", err)
	}
	c.calc = calc
	c.risk = risk.NewGate(c.cfg.Risk, c.logger.Component("risk"), risk.NowUTC)

	var ex gateway.Exchange = c.paper
	if c.cfg.Market.RateLimit > 0 {
		ex = gateway.NewRateLimited(ex, gateway.NewTokenBucketLimiter(c.cfg.Market.RateLimit, c.cfg.Market.RateBurst))
	}

	comps := engine.Components{
		Exchange:    ex,
		Indicators:  market.NewIndicatorEngine(c.cfg.IndicatorEngineConfig()),
		Calculator:  c.calc,
		Risk:        c.risk,
		Constraints: c.cfg.Constraints,
		Metrics:     c.monitor,
		Logger:      c.logger.Component("engine"),
	}
	if c.journal != nil {
		comps.Journal = c.journal
	}
	c.engine, err = engine.New(c.cfg.EngineConfig(), comps)
	if err != nil {
		return fmt.Errorf("create engine failed: %w", err)
	}
	return nil
}

// registerLifecycleComponents 注册顺序即启动顺序，停止时逆序
func (c *Container) registerLifecycleComponents() {
	if c.cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", c.monitor.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			if err := c.HealthCheck(); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write([]byte("ok"))
		})
		c.lifecycle.Register(&httpServerComponent{
			name:    "metrics_server",
			handler: mux,
			addr:    c.cfg.Metrics.Addr,
			logger:  c.logger.Component("http"),
		})
	}

	c.lifecycle.Register(&goroutineComponent{name: "event_forwarder", run: c.forwardEvents})

	if c.depth != nil {
		depth := c.depth
		c.lifecycle.Register(&goroutineComponent{
			name: "depth_stream",
			run: func(ctx context.Context) {
				if err := depth.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					c.logger.LogError(err, zap.String("component", "depth_stream"))
				}
			},
		})
		c.lifecycle.Register(&goroutineComponent{name: "connectivity_bridge", run: c.bridgeConnectivity})
	}

	c.lifecycle.Register(&goroutineComponent{name: "paper_exchange", run: c.paper.Run})

	c.lifecycle.Register(&funcComponent{
		name:  "engine",
		start: c.engine.Start,
		stop:  c.engine.Stop,
		health: func() error {
			switch s := c.engine.State(); s {
			case engine.StateRunning:
				return nil
			default:
				return fmt.Errorf("engine state %s", s)
			}
		},
	})
}

// bridgeConnectivity 行情流断线即视为交易所不可用
func (c *Container) bridgeConnectivity(ctx context.Context) {
	events := c.depth.Connectivity()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.paper.SetConnected(ev.Connected, ev.Reason)
		}
	}
}

// forwardEvents 将引擎事件转为日志与告警
func (c *Container) forwardEvents(ctx context.Context) {
	events := c.engine.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			c.handleEvent(ev)
		}
	}
}

func (c *Container) handleEvent(ev engine.Event) {
	a := alert.Alert{
		Code:      ev.Code,
		Symbol:    c.cfg.Symbol,
		Message:   ev.Message,
		Timestamp: ev.Time,
	}
	switch ev.Type {
	case engine.EventOrderFilled:
		if ev.Fill != nil {
			f := ev.Fill
			c.logger.LogFill(f.ClientOrderID, string(f.Side), f.Price, f.Size, ev.EstimatedGain)
		}
		return
	case engine.EventEmergencyStop:
		c.logger.LogRisk(string(ev.Type), ev.Code, ev.Message)
		a.Level = alert.LevelCritical
	case engine.EventRiskAlert:
		c.logger.LogRisk(string(ev.Type), ev.Code, ev.Message)
		a.Level = alert.LevelWarning
		if ev.Risk != nil {
			a.Fields = map[string]any{
				"drawdown": ev.Risk.CurrentDrawdown,
				"dailyPnL": ev.Risk.DailyPnL,
				"position": ev.Risk.CurrentPosition,
			}
		}
	case engine.EventOrderRejected:
		a.Level = alert.LevelWarning
	case engine.EventOrderFailed:
		a.Level = alert.LevelError
	default:
		a.Level = alert.LevelInfo
	}
	if err := c.alerts.SendAlert(a); err != nil {
		c.logger.Warn("告警发送失败", zap.String("code", ev.Code), zap.Error(err))
	}
}

// Start 启动全部组件
func (c *Container) Start(ctx context.Context) error {
	if !c.built {
		return errors.New("container not built")
	}
	c.logger.Info("starting container...")
	if err := c.lifecycle.StartAll(ctx); err != nil {
		return fmt.Errorf("start failed: %w", err)
	}
	c.logger.Info("container started")
	return nil
}

// Stop 逆序停止组件（引擎先撤单），然后释放资源
func (c *Container) Stop() error {
	if !c.built {
		return nil
	}
	var errs []error
	c.closeOnce.Do(func() {
		c.logger.Info("stopping container...")
		if err := c.lifecycle.StopAll(); err != nil {
			c.logger.LogError(err, zap.String("action", "stop"))
			errs = append(errs, err)
		}
		if c.nats != nil {
			if err := c.nats.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if c.journal != nil {
			if err := c.journal.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		c.logger.Info("container stopped")
		_ = c.logger.Close()
	})
	return errors.Join(errs...)
}

// ApplyConfig 热更新：只有报价参数在运行中生效，其余变更需重启
func (c *Container) ApplyConfig(cfg config.AppConfig) error {
	if cfg.Symbol != c.cfg.Symbol {
		return fmt.Errorf("symbol change %s -> %s requires restart", c.cfg.Symbol, cfg.Symbol)
	}
	if err := c.calc.UpdateConfig(cfg.Strategy); err != nil {
		return fmt.Errorf("apply strategy config: %w", err)
	}
	c.cfg.Strategy = cfg.Strategy
	if cfg.Risk != c.cfg.Risk || cfg.Engine != c.cfg.Engine {
		c.logger.Warn("风控或引擎参数变更需重启后生效")
	}
	return nil
}

// HealthCheck 检查所有组件健康状态
func (c *Container) HealthCheck() error {
	return c.lifecycle.CheckHealth()
}

// Engine 返回报价引擎
func (c *Container) Engine() *engine.Engine { return c.engine }

// Halted 紧急停止时关闭
func (c *Container) Halted() <-chan struct{} { return c.engine.Halted() }

// Logger 返回日志器
func (c *Container) Logger() *logger.Logger { return c.logger }

// Monitor 返回指标
func (c *Container) Monitor() *monitor.Monitor { return c.monitor }

// Alerts 返回告警管理器
func (c *Container) Alerts() *alert.Manager { return c.alerts }

// Paper 返回模拟交易所
func (c *Container) Paper() *gateway.PaperExchange { return c.paper }

// Journal 返回成交日志，未配置时为 nil
func (c *Container) Journal() *journal.Journal { return c.journal }
