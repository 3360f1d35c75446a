package gateway

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"as-market-maker/market"
)

// BinanceSpotWSEndpoint 现货行情 WS 地址
const BinanceSpotWSEndpoint = "wss://stream.binance.com:9443"

// DepthStreamConfig 深度流配置
type DepthStreamConfig struct {
	Endpoint     string
	Symbol       string
	Levels       int    // 5/10/20
	Speed        string // 100ms 或 1000ms
	ReadTimeout  time.Duration
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

// DepthStream 订阅 partial depth 流，缓存最新快照（最近一次为准），断线后指数退避重连。
type DepthStream struct {
	cfg    DepthStreamConfig
	dialer *websocket.Dialer
	logger *zap.Logger

	mu     sync.RWMutex
	latest market.Snapshot
	has    bool

	connected    atomic.Bool
	messages     atomic.Uint64
	parseErrors  atomic.Uint64
	connectivity chan ConnectivityEvent
	updates      chan market.Snapshot
}

// NewDepthStream 创建深度流
func NewDepthStream(cfg DepthStreamConfig, logger *zap.Logger) *DepthStream {
	if cfg.Endpoint == "" {
		cfg.Endpoint = BinanceSpotWSEndpoint
	}
	if cfg.Levels <= 0 {
		cfg.Levels = 20
	}
	if cfg.Speed == "" {
		cfg.Speed = "100ms"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = 500 * time.Millisecond
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DepthStream{
		cfg:          cfg,
		dialer:       websocket.DefaultDialer,
		logger:       logger.With(zap.String("symbol", cfg.Symbol)),
		connectivity: make(chan ConnectivityEvent, 16),
		updates:      make(chan market.Snapshot, 1),
	}
}

// URL 构建 combined stream 地址
func (d *DepthStream) URL() (string, error) {
	if d.cfg.Symbol == "" {
		return "", fmt.Errorf("symbol required")
	}
	u, err := url.Parse(d.cfg.Endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	u.Path = "/stream"
	q := u.Query()
	q.Set("streams", fmt.Sprintf("%s@depth%d@%s", strings.ToLower(d.cfg.Symbol), d.cfg.Levels, d.cfg.Speed))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Latest 实现 SnapshotSource
func (d *DepthStream) Latest() (market.Snapshot, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.latest, d.has
}

// Updates 新快照通知，只保留最新一个
func (d *DepthStream) Updates() <-chan market.Snapshot {
	return d.updates
}

// Connectivity 连接状态变化
func (d *DepthStream) Connectivity() <-chan ConnectivityEvent {
	return d.connectivity
}

// Connected 当前是否已连接
func (d *DepthStream) Connected() bool {
	return d.connected.Load()
}

// Stats 返回收到的消息数与解析失败数
func (d *DepthStream) Stats() (messages, parseErrors uint64) {
	return d.messages.Load(), d.parseErrors.Load()
}

// Run 连接并读取行情，断线后退避重连，直到 ctx 结束
func (d *DepthStream) Run(ctx context.Context) error {
	target, err := d.URL()
	if err != nil {
		return err
	}
	backoff := d.cfg.ReconnectMin
	for {
		start := time.Now()
		err := d.session(ctx, target)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(start) > d.cfg.ReconnectMax {
			backoff = d.cfg.ReconnectMin
		}
		d.logger.Warn("深度流断开，准备重连", zap.Error(err), zap.Duration("backoff", backoff))

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		backoff *= 2
		if backoff > d.cfg.ReconnectMax {
			backoff = d.cfg.ReconnectMax
		}
	}
}

func (d *DepthStream) session(ctx context.Context, target string) error {
	conn, _, err := d.dialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	// ctx 结束时关闭连接以打断阻塞读
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	d.setConnected(true, "connected")
	defer d.setConnected(false, "disconnected")
	d.logger.Info("深度流已连接", zap.String("url", target))

	for {
		_ = conn.SetReadDeadline(time.Now().Add(d.cfg.ReadTimeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		d.messages.Add(1)
		snap, err := ParseDepthMessage(message, time.Now().UTC())
		if err != nil {
			d.parseErrors.Add(1)
			d.logger.Debug("深度消息解析失败", zap.Error(err))
			continue
		}
		if snap.Symbol == "" {
			snap.Symbol = strings.ToUpper(d.cfg.Symbol)
		}
		d.store(snap)
	}
}

func (d *DepthStream) store(snap market.Snapshot) {
	d.mu.Lock()
	d.latest, d.has = snap, true
	d.mu.Unlock()

	select {
	case <-d.updates:
	default:
	}
	select {
	case d.updates <- snap:
	default:
	}
}

func (d *DepthStream) setConnected(connected bool, reason string) {
	if d.connected.Swap(connected) == connected {
		return
	}
	ev := ConnectivityEvent{Connected: connected, Reason: reason, Time: time.Now()}
	select {
	case d.connectivity <- ev:
	default:
		d.logger.Warn("连接事件缓冲已满", zap.Bool("connected", connected))
	}
}
