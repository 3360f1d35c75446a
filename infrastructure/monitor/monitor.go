package monitor

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"as-market-maker/risk"
)

// Monitor Prometheus监控指标收集器
type Monitor struct {
	registry *prometheus.Registry

	// 报价指标
	quotesTotal    *prometheus.CounterVec // degraded=true/false
	bidPrice       prometheus.Gauge
	askPrice       prometheus.Gauge
	quoteSpread    prometheus.Gauge
	volatility     prometheus.Gauge
	intensity      prometheus.Gauge
	refreshesTotal prometheus.Counter

	// 订单指标
	ordersSubmitted *prometheus.CounterVec
	ordersAdopted   prometheus.Counter
	ordersRejected  *prometheus.CounterVec
	ordersCanceled  prometheus.Counter
	cancelFailures  prometheus.Counter
	ordersFilled    *prometheus.CounterVec
	filledVolume    *prometheus.CounterVec

	// 周期与连接
	cycleDuration   prometheus.Histogram
	cyclesAbandoned prometheus.Counter
	reconciles      prometheus.Counter
	connected       prometheus.Gauge

	// 风控指标
	position      prometheus.Gauge
	accountValue  prometheus.Gauge
	unrealizedPnL prometheus.Gauge
	realizedPnL   prometheus.Gauge
	dailyPnL      prometheus.Gauge
	drawdown      prometheus.Gauge
	maxDrawdown   prometheus.Gauge
	emergencyStop prometheus.Gauge
}

// Config 监控配置
type Config struct {
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Namespace: "mm",
		Subsystem: "asmm",
	}
}

// New 创建新的Monitor实例，使用独立的 registry
func New(cfg Config) *Monitor {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem, Name: name, Help: help, ConstLabels: cfg.ConstLabels,
		})
	}
	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem, Name: name, Help: help, ConstLabels: cfg.ConstLabels,
		}, labels)
	}
	gauge := func(name, help string) prometheus.Gauge {
		return factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem, Name: name, Help: help, ConstLabels: cfg.ConstLabels,
		})
	}

	return &Monitor{
		registry: reg,

		quotesTotal:    counterVec("quotes_total", "报价计算次数", "degraded"),
		bidPrice:       gauge("bid_price", "当前买价"),
		askPrice:       gauge("ask_price", "当前卖价"),
		quoteSpread:    gauge("quote_spread", "当前报价价差"),
		volatility:     gauge("volatility", "EWMA 波动率"),
		intensity:      gauge("trading_intensity", "交易强度 k"),
		refreshesTotal: counter("refreshes_total", "报价刷新次数"),

		ordersSubmitted: counterVec("orders_submitted_total", "下单成功总数", "side"),
		ordersAdopted:   counter("orders_adopted_total", "超时后经查询采纳的订单数"),
		ordersRejected:  counterVec("orders_rejected_total", "订单拒绝总数", "reason"),
		ordersCanceled:  counter("orders_canceled_total", "订单撤单总数"),
		cancelFailures:  counter("cancel_failures_total", "撤单失败总数"),
		ordersFilled:    counterVec("orders_filled_total", "订单成交总数", "side"),
		filledVolume:    counterVec("filled_volume_total", "成交量（基础资产）", "side"),

		cycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "cycle_duration_seconds",
			Help:        "控制周期耗时分布（秒）",
			Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5, 30},
			ConstLabels: cfg.ConstLabels,
		}),
		cyclesAbandoned: counter("cycles_abandoned_total", "超时放弃的周期数"),
		reconciles:      counter("reconciles_total", "重连后重建订单集合次数"),
		connected:       gauge("exchange_connected", "交易所连接状态（1=已连接）"),

		position:      gauge("position", "当前持仓（基础资产）"),
		accountValue:  gauge("account_value", "账户总价值（报价货币）"),
		unrealizedPnL: gauge("unrealized_pnl", "未实现盈亏"),
		realizedPnL:   gauge("realized_pnl", "已实现盈亏"),
		dailyPnL:      gauge("daily_pnl", "当日盈亏"),
		drawdown:      gauge("drawdown_ratio", "当前回撤比例"),
		maxDrawdown:   gauge("max_drawdown_ratio", "最大回撤比例"),
		emergencyStop: gauge("emergency_stop", "紧急停止状态（1=停止）"),
	}
}

// RecordQuote 记录报价
func (m *Monitor) RecordQuote(bid, ask, spread float64, degraded bool) {
	m.quotesTotal.WithLabelValues(boolLabel(degraded)).Inc()
	m.bidPrice.Set(bid)
	m.askPrice.Set(ask)
	m.quoteSpread.Set(spread)
}

// RecordIndicators 记录指标
func (m *Monitor) RecordIndicators(volatility, intensity float64) {
	m.volatility.Set(volatility)
	m.intensity.Set(intensity)
}

func (m *Monitor) RecordRefresh()                    { m.refreshesTotal.Inc() }
func (m *Monitor) RecordOrderSubmitted(side string)  { m.ordersSubmitted.WithLabelValues(side).Inc() }
func (m *Monitor) RecordOrderAdopted()               { m.ordersAdopted.Inc() }
func (m *Monitor) RecordOrderRejected(reason string) { m.ordersRejected.WithLabelValues(reason).Inc() }
func (m *Monitor) RecordOrderCancelled()             { m.ordersCanceled.Inc() }
func (m *Monitor) RecordCancelFailed()               { m.cancelFailures.Inc() }
func (m *Monitor) RecordCycle(seconds float64)       { m.cycleDuration.Observe(seconds) }
func (m *Monitor) RecordCycleAbandoned()             { m.cyclesAbandoned.Inc() }
func (m *Monitor) RecordReconcile()                  { m.reconciles.Inc() }

// RecordOrderFilled 记录成交
func (m *Monitor) RecordOrderFilled(side string, size float64) {
	m.ordersFilled.WithLabelValues(side).Inc()
	if size > 0 {
		m.filledVolume.WithLabelValues(side).Add(size)
	}
}

// RecordConnectivity 更新连接状态
func (m *Monitor) RecordConnectivity(connected bool) {
	if connected {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}

// RecordRisk 更新风控状态
func (m *Monitor) RecordRisk(st risk.State) {
	m.position.Set(st.CurrentPosition)
	m.accountValue.Set(st.TotalAccountValue)
	m.unrealizedPnL.Set(st.UnrealizedPnL)
	m.realizedPnL.Set(st.RealizedPnL)
	m.dailyPnL.Set(st.DailyPnL)
	m.drawdown.Set(st.CurrentDrawdown)
	m.maxDrawdown.Set(st.MaxDrawdownReached)
	if st.IsEmergencyStop {
		m.emergencyStop.Set(1)
	} else {
		m.emergencyStop.Set(0)
	}
}

// Handler 返回HTTP处理器
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry 返回registry
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}

// Serve 在 addr 上暴露 /metrics，直到 ctx 结束
func (m *Monitor) Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("指标服务启动", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func boolLabel(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
