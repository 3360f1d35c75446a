package container

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"as-market-maker/config"
	"as-market-maker/gateway"
	"as-market-maker/infrastructure/alert"
	"as-market-maker/infrastructure/logger"
	"as-market-maker/internal/engine"
	"as-market-maker/market"
	"as-market-maker/order"
)

type recordingChannel struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (r *recordingChannel) Send(a alert.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

func (r *recordingChannel) Name() string { return "recording" }

func (r *recordingChannel) snapshot() []alert.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]alert.Alert(nil), r.alerts...)
}

func testConfig(t *testing.T) config.AppConfig {
	t.Helper()
	cfg := config.Default()
	cfg.Symbol = "ETHUSDC"
	cfg.Log = logger.Config{Level: "error", Outputs: []string{"stdout"}, Format: "json"}
	cfg.Metrics.Addr = ""
	cfg.Journal.Path = filepath.Join(t.TempDir(), "fills.db")
	cfg.Engine.CycleInterval = 10 * time.Millisecond
	cfg.Engine.RefreshInterval = 0
	cfg.Engine.RequireReady = false
	cfg.Paper.InitialBase = 1
	cfg.Paper.InitialQuote = 2000
	cfg.Risk.MaxPositionSize = 10
	return cfg
}

func staticSource(bid, ask float64) *gateway.StaticSource {
	src := &gateway.StaticSource{}
	src.Set(market.NewSnapshot("ETHUSDC",
		[]market.Level{{Price: bid, Size: 5}},
		[]market.Level{{Price: ask, Size: 5}},
		time.Now()))
	return src
}

func TestBuild_WithSnapshotSource(t *testing.T) {
	c := New(testConfig(t), WithSnapshotSource(staticSource(1999, 2001)))
	require.NoError(t, c.Build())
	t.Cleanup(func() { _ = c.Stop() })

	assert.Equal(t, []string{"event_forwarder", "paper_exchange", "engine"}, c.lifecycle.Names())
	assert.NotNil(t, c.Engine())
	assert.NotNil(t, c.Journal())
	assert.Equal(t, []string{"log"}, c.Alerts().GetChannels())
	assert.Error(t, c.Build())
}

func TestBuild_DepthStreamAndMetrics(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.Addr = "127.0.0.1:0"
	cfg.Journal.Path = ""
	c := New(cfg)
	require.NoError(t, c.Build())
	t.Cleanup(func() { _ = c.Stop() })

	assert.Equal(t, []string{
		"metrics_server", "event_forwarder", "depth_stream", "connectivity_bridge", "paper_exchange", "engine",
	}, c.lifecycle.Names())
	assert.Nil(t, c.Journal())
}

func TestStart_RequiresBuild(t *testing.T) {
	c := New(testConfig(t))
	assert.Error(t, c.Start(context.Background()))
	assert.NoError(t, c.Stop())
}

func TestStartStop_QuotesOnPaperExchange(t *testing.T) {
	c := New(testConfig(t), WithSnapshotSource(staticSource(1999, 2001)))
	require.NoError(t, c.Build())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Start(ctx))
	assert.NoError(t, c.HealthCheck())

	require.Eventually(t, func() bool {
		open, err := c.Paper().ListOpenOrders(ctx)
		return err == nil && len(open) == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Stop())
	open, err := c.Paper().ListOpenOrders(context.Background())
	require.NoError(t, err)
	assert.Empty(t, open)
	assert.Equal(t, engine.StateStopped, c.Engine().State())
}

func TestHandleEvent_RoutesToAlerts(t *testing.T) {
	c := New(testConfig(t), WithSnapshotSource(staticSource(1999, 2001)))
	require.NoError(t, c.Build())
	t.Cleanup(func() { _ = c.Stop() })

	rec := &recordingChannel{}
	c.Alerts().AddChannel(rec)

	c.handleEvent(engine.Event{
		Type: engine.EventOrderFilled,
		Code: engine.CodeFill,
		Fill: &order.Fill{ClientOrderID: "asmm-1", Side: order.SideBuy, Price: 1999, Size: 0.01},
	})
	assert.Empty(t, rec.snapshot())

	c.handleEvent(engine.Event{Type: engine.EventOrderRejected, Code: "INSUFFICIENT_BALANCE", Message: "no funds"})
	c.handleEvent(engine.Event{Type: engine.EventEmergencyStop, Code: "DRAWDOWN_LIMIT", Message: "drawdown"})

	got := rec.snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, alert.LevelWarning, got[0].Level)
	assert.Equal(t, "ETHUSDC", got[0].Symbol)
	assert.Equal(t, alert.LevelCritical, got[1].Level)
	assert.Equal(t, "DRAWDOWN_LIMIT", got[1].Code)
}

func TestApplyConfig(t *testing.T) {
	cfg := testConfig(t)
	c := New(cfg, WithSnapshotSource(staticSource(1999, 2001)))
	require.NoError(t, c.Build())
	t.Cleanup(func() { _ = c.Stop() })

	next := cfg
	next.Strategy.RiskAversion = cfg.Strategy.RiskAversion * 2
	require.NoError(t, c.ApplyConfig(next))
	assert.Equal(t, next.Strategy.RiskAversion, c.calc.Config().RiskAversion)

	bad := cfg
	bad.Strategy.RiskAversion = -1
	assert.Error(t, c.ApplyConfig(bad))
	assert.Equal(t, next.Strategy.RiskAversion, c.calc.Config().RiskAversion)

	other := cfg
	other.Symbol = "BTCUSDT"
	assert.Error(t, c.ApplyConfig(other))
}

type fakeComponent struct {
	name     string
	startErr error
	log      *[]string
}

func (f *fakeComponent) Name() string { return f.name }

func (f *fakeComponent) Start(context.Context) error {
	*f.log = append(*f.log, "start:"+f.name)
	return f.startErr
}

func (f *fakeComponent) Stop() error {
	*f.log = append(*f.log, "stop:"+f.name)
	return nil
}

func (f *fakeComponent) Health() error { return nil }

func TestLifecycleManager_OrderAndRollback(t *testing.T) {
	var log []string
	m := NewLifecycleManager(nil)
	m.Register(&fakeComponent{name: "a", log: &log})
	m.Register(&fakeComponent{name: "b", log: &log})
	m.Register(&fakeComponent{name: "c", startErr: errors.New("boom"), log: &log})

	err := m.StartAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start c failed")
	assert.Equal(t, []string{"start:a", "start:b", "start:c", "stop:b", "stop:a"}, log)

	log = nil
	require.NoError(t, m.StopAll())
	assert.Equal(t, []string{"stop:c", "stop:b", "stop:a"}, log)
}

func TestGoroutineComponent(t *testing.T) {
	exited := make(chan struct{})
	g := &goroutineComponent{name: "loop", run: func(ctx context.Context) {
		<-ctx.Done()
		close(exited)
	}}
	assert.Error(t, g.Health())
	require.NoError(t, g.Start(context.Background()))
	assert.NoError(t, g.Health())
	require.NoError(t, g.Stop())
	<-exited
	assert.NoError(t, g.Stop())
}
