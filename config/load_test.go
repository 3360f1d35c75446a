package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

const sampleConfig = `
env: dev
symbol: ETHUSDC
constraints:
  tickSize: 0.01
  stepSize: 0.001
  minQty: 0.001
  maxQty: 100
  minNotional: 5
strategy:
  riskAversion: 0.2
  shapeFactor: 1.5
  timeHorizon: 0
  minSpread: 0.05
  tickSize: 0.01
  stepSize: 0.001
  baseSize: 0.05
  maxPosition: 1
risk:
  maxPositionSize: 5
  maxOrderValue: 500
  emergencyStopThreshold: 0.2
  alertDrawdown: 0.1
  maxDailyLoss: 50
  checkInterval: 2s
engine:
  cycleInterval: 500ms
  refreshInterval: 3s
  priceThreshold: 0.0005
  targetBaseRatio: 0.4
log:
  level: debug
`

func TestLoad(t *testing.T) {
	cfg, err := Load(writeTempConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.Env)
	assert.Equal(t, "ETHUSDC", cfg.Symbol)
	assert.Equal(t, 0.2, cfg.Strategy.RiskAversion)
	assert.Equal(t, 2*time.Second, cfg.Risk.CheckInterval)
	assert.Equal(t, 500*time.Millisecond, cfg.Engine.CycleInterval)
	assert.Equal(t, "debug", cfg.Log.Level)

	// 未出现的字段保留默认值
	assert.Equal(t, 2, cfg.Engine.MaxOrders)
	assert.Equal(t, 20, cfg.Market.Levels)

	ec := cfg.EngineConfig()
	assert.Equal(t, "ETHUSDC", ec.Symbol)
	assert.Equal(t, 3*time.Second, ec.RefreshInterval)
	assert.Equal(t, 0.4, ec.TargetBaseRatio)
	assert.Equal(t, 3, ec.Submit.MaxAttempts)

	ds := cfg.DepthStreamConfig()
	assert.Equal(t, "ETHUSDC", ds.Symbol)
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadWithEnvOverrides(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)
	t.Setenv("MM_ENV", "prod")
	t.Setenv("MM_SYMBOL", "BTCUSDT")
	t.Setenv("MM_NATS_URL", "nats://127.0.0.1:4222")
	t.Setenv("MM_MAX_DAILY_LOSS", "25")

	cfg, err := LoadWithEnvOverrides(path)
	require.NoError(t, err)
	assert.Equal(t, "prod", cfg.Env)
	assert.Equal(t, "BTCUSDT", cfg.Symbol)
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.Alert.NATSURL)
	assert.Equal(t, 25.0, cfg.Risk.MaxDailyLoss)
}

func TestLoadWithEnvOverrides_BadNumber(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)
	t.Setenv("MM_MAX_DAILY_LOSS", "lots")
	_, err := LoadWithEnvOverrides(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	assert.Error(t, Validate(AppConfig{}))
	assert.NoError(t, Validate(Default()))

	tests := []struct {
		name   string
		mutate func(*AppConfig)
		want   string
	}{
		{"bad env", func(c *AppConfig) { c.Env = "staging" }, "env must be one of"},
		{"lowercase symbol", func(c *AppConfig) { c.Symbol = "btcusdt" }, "symbol"},
		{"negative threshold", func(c *AppConfig) { c.Engine.PriceThreshold = -1 }, "engine.priceThreshold must be >= 0"},
		{"bad ratio", func(c *AppConfig) { c.Engine.TargetBaseRatio = 1.5 }, "engine.targetBaseRatio must be <= 1"},
		{"bad log level", func(c *AppConfig) { c.Log.Level = "loud" }, "log.level"},
		{"gamma out of range", func(c *AppConfig) { c.Strategy.RiskAversion = 2 }, "strategy: riskAversion"},
		{"tick mismatch", func(c *AppConfig) { c.Strategy.TickSize = 0.015 }, "strategy.tickSize"},
		{"alert above stop", func(c *AppConfig) { c.Risk.AlertDrawdown = 0.3 }, "risk.alertDrawdown"},
		{"too many orders", func(c *AppConfig) { c.Engine.MaxOrders = 4 }, "engine.maxOrders"},
		{"timeout below interval", func(c *AppConfig) { c.Engine.CycleTimeout = time.Millisecond }, "engine.cycleTimeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			var inv ErrInvalid
			assert.ErrorAs(t, err, &inv)
		})
	}
}

func TestLoad_ShippedConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "configs", "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "ETHUSDC", cfg.Symbol)
	assert.Equal(t, "data/fills.db", cfg.Journal.Path)
	assert.Equal(t, time.Minute, cfg.Alert.ThrottleWindow)
	assert.Equal(t, []string{"stdout", "file"}, cfg.Log.Outputs)
}
