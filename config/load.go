package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"as-market-maker/gateway"
	"as-market-maker/infrastructure/logger"
	"as-market-maker/internal/engine"
	"as-market-maker/market"
	"as-market-maker/order"
	"as-market-maker/risk"
	"as-market-maker/strategy/asmm"
)

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Env         string                  `yaml:"env" validate:"required,oneof=dev test prod"`
	Symbol      string                  `yaml:"symbol" validate:"required,uppercase,alphanum"`
	Market      MarketConfig            `yaml:"market"`
	Paper       PaperConfig             `yaml:"paper"`
	Constraints order.SymbolConstraints `yaml:"constraints"`
	Indicators  IndicatorConfig         `yaml:"indicators"`
	Strategy    asmm.Config             `yaml:"strategy"`
	Risk        risk.Config             `yaml:"risk"`
	Engine      EngineConfig            `yaml:"engine"`
	Log         logger.Config           `yaml:"log"`
	Metrics     MetricsConfig           `yaml:"metrics"`
	Alert       AlertConfig             `yaml:"alert"`
	Journal     JournalConfig           `yaml:"journal"`
}

// MarketConfig 行情订阅与交易所调用限速
type MarketConfig struct {
	Endpoint    string        `yaml:"endpoint" validate:"omitempty,url"`
	Levels      int           `yaml:"levels" validate:"omitempty,oneof=5 10 20"`
	Speed       string        `yaml:"speed" validate:"omitempty,oneof=100ms 1000ms"`
	ReadTimeout time.Duration `yaml:"readTimeout" validate:"gte=0"`
	RateLimit   float64       `yaml:"rateLimit" validate:"gte=0"` // 每秒订单类调用数，0 不限速
	RateBurst   int           `yaml:"rateBurst" validate:"gte=0"`
}

// PaperConfig 模拟账户
type PaperConfig struct {
	InitialBase   float64       `yaml:"initialBase" validate:"gte=0"`
	InitialQuote  float64       `yaml:"initialQuote" validate:"gte=0"`
	FeeRate       float64       `yaml:"feeRate" validate:"gte=0,lt=1"`
	AckDelay      time.Duration `yaml:"ackDelay" validate:"gte=0"`
	MatchInterval time.Duration `yaml:"matchInterval" validate:"gte=0"`
}

// IndicatorConfig 指标窗口
type IndicatorConfig struct {
	VolatilityWindow int     `yaml:"volatilityWindow" validate:"gte=0"`
	IntensityWindow  int     `yaml:"intensityWindow" validate:"gte=0"`
	Lambda           float64 `yaml:"lambda" validate:"gte=0,lt=1"`
	DepthLevels      int     `yaml:"depthLevels" validate:"gte=0"`
}

// EngineConfig 报价循环与下单参数
type EngineConfig struct {
	CycleInterval    time.Duration `yaml:"cycleInterval" validate:"gte=0"`
	CycleTimeout     time.Duration `yaml:"cycleTimeout" validate:"gte=0"`
	RefreshInterval  time.Duration `yaml:"refreshInterval" validate:"gte=0"`
	PriceThreshold   float64       `yaml:"priceThreshold" validate:"gte=0"`
	FillRequoteDelay time.Duration `yaml:"fillRequoteDelay" validate:"gte=0"`
	MaxOrders        int           `yaml:"maxOrders" validate:"gte=0"`
	TargetBaseRatio  float64       `yaml:"targetBaseRatio" validate:"gte=0,lte=1"`
	ClientIDPrefix   string        `yaml:"clientIdPrefix" validate:"omitempty,alphanum,max=12"`
	CancelTimeout    time.Duration `yaml:"cancelTimeout" validate:"gte=0"`
	MaxSnapshotAge   time.Duration `yaml:"maxSnapshotAge" validate:"gte=0"`
	RequireReady     bool          `yaml:"requireReady"`
	SubmitTimeout    time.Duration `yaml:"submitTimeout" validate:"gte=0"`
	SubmitAttempts   int           `yaml:"submitAttempts" validate:"gte=0,lte=10"`
	SubmitBackoff    time.Duration `yaml:"submitBackoff" validate:"gte=0"`
	UnknownGrace     time.Duration `yaml:"unknownGrace" validate:"gte=0"`
	EventBuffer      int           `yaml:"eventBuffer" validate:"gte=0"`
}

// MetricsConfig Prometheus 暴露地址，为空不启动
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// AlertConfig 告警发送
type AlertConfig struct {
	NATSURL        string        `yaml:"natsURL" validate:"omitempty,url"`
	Subject        string        `yaml:"subject"`
	ThrottleWindow time.Duration `yaml:"throttleWindow" validate:"gte=0"`
}

// JournalConfig 成交日志，Path 为空不启用
type JournalConfig struct {
	Path string `yaml:"path"`
}

// Default 返回全部默认值，YAML 中出现的字段覆盖默认值
func Default() AppConfig {
	ec := engine.DefaultConfig()
	ind := market.DefaultIndicatorConfig()
	return AppConfig{
		Env:    "dev",
		Symbol: "BTCUSDT",
		Market: MarketConfig{
			Endpoint:    gateway.BinanceSpotWSEndpoint,
			Levels:      20,
			Speed:       "100ms",
			ReadTimeout: 30 * time.Second,
			RateLimit:   10,
			RateBurst:   10,
		},
		Paper: PaperConfig{
			InitialBase:   0.5,
			InitialQuote:  50000,
			FeeRate:       0.001,
			MatchInterval: 100 * time.Millisecond,
		},
		Constraints: order.SymbolConstraints{TickSize: 0.01, StepSize: 0.00001, MinQty: 0.00001, MinNotional: 5},
		Indicators: IndicatorConfig{
			VolatilityWindow: ind.VolatilityWindow,
			IntensityWindow:  ind.IntensityWindow,
			Lambda:           ind.Lambda,
			DepthLevels:      ind.DepthLevels,
		},
		Strategy: asmm.DefaultConfig(),
		Risk:     risk.DefaultConfig(),
		Engine: EngineConfig{
			CycleInterval:    ec.CycleInterval,
			CycleTimeout:     ec.CycleTimeout,
			RefreshInterval:  ec.RefreshInterval,
			PriceThreshold:   ec.PriceThreshold,
			FillRequoteDelay: ec.FillRequoteDelay,
			MaxOrders:        ec.MaxOrders,
			TargetBaseRatio:  ec.TargetBaseRatio,
			ClientIDPrefix:   ec.ClientIDPrefix,
			CancelTimeout:    ec.CancelTimeout,
			MaxSnapshotAge:   ec.MaxSnapshotAge,
			RequireReady:     ec.RequireReady,
			SubmitTimeout:    ec.Submit.Timeout,
			SubmitAttempts:   ec.Submit.MaxAttempts,
			SubmitBackoff:    ec.Submit.Backoff,
			UnknownGrace:     30 * time.Second,
			EventBuffer:      ec.EventBuffer,
		},
		Log:     logger.DefaultConfig(),
		Metrics: MetricsConfig{Addr: ":9100"},
		Alert:   AlertConfig{Subject: "mm.alerts", ThrottleWindow: time.Minute},
	}
}

// Load reads YAML config from path on top of defaults and validates it.
func Load(path string) (AppConfig, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadWithEnvOverrides loads config then overrides deployment fields from MM_* env vars if present.
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return cfg, err
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, Validate(cfg)
}

func applyEnv(cfg *AppConfig) error {
	if v := os.Getenv("MM_ENV"); v != "" {
		cfg.Env = v
	}
	if v := os.Getenv("MM_SYMBOL"); v != "" {
		cfg.Symbol = v
	}
	if v := os.Getenv("MM_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("MM_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
	if v := os.Getenv("MM_NATS_URL"); v != "" {
		cfg.Alert.NATSURL = v
	}
	if v := os.Getenv("MM_JOURNAL_PATH"); v != "" {
		cfg.Journal.Path = v
	}
	if v := os.Getenv("MM_MAX_DAILY_LOSS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("MM_MAX_DAILY_LOSS: %w", err)
		}
		cfg.Risk.MaxDailyLoss = f
	}
	return nil
}

// IndicatorEngineConfig 转换为指标引擎配置
func (c AppConfig) IndicatorEngineConfig() market.IndicatorConfig {
	return market.IndicatorConfig{
		VolatilityWindow: c.Indicators.VolatilityWindow,
		IntensityWindow:  c.Indicators.IntensityWindow,
		Lambda:           c.Indicators.Lambda,
		DepthLevels:      c.Indicators.DepthLevels,
	}
}

// EngineConfig 转换为引擎配置
func (c AppConfig) EngineConfig() engine.Config {
	e := c.Engine
	return engine.Config{
		Symbol:           c.Symbol,
		CycleInterval:    e.CycleInterval,
		CycleTimeout:     e.CycleTimeout,
		RefreshInterval:  e.RefreshInterval,
		PriceThreshold:   e.PriceThreshold,
		FillRequoteDelay: e.FillRequoteDelay,
		MaxOrders:        e.MaxOrders,
		TargetBaseRatio:  e.TargetBaseRatio,
		ClientIDPrefix:   e.ClientIDPrefix,
		CancelTimeout:    e.CancelTimeout,
		MaxSnapshotAge:   e.MaxSnapshotAge,
		RequireReady:     e.RequireReady,
		Submit: order.SubmitConfig{
			Timeout:     e.SubmitTimeout,
			MaxAttempts: e.SubmitAttempts,
			Backoff:     e.SubmitBackoff,
		},
		Reconcile: order.ReconcilerConfig{
			Timeout:      e.CancelTimeout,
			UnknownGrace: e.UnknownGrace,
		},
		EventBuffer: e.EventBuffer,
	}
}

// DepthStreamConfig 转换为深度流配置
func (c AppConfig) DepthStreamConfig() gateway.DepthStreamConfig {
	return gateway.DepthStreamConfig{
		Endpoint:    c.Market.Endpoint,
		Symbol:      c.Symbol,
		Levels:      c.Market.Levels,
		Speed:       c.Market.Speed,
		ReadTimeout: c.Market.ReadTimeout,
	}
}

// PaperExchangeConfig 转换为模拟交易所配置
func (c AppConfig) PaperExchangeConfig() gateway.PaperConfig {
	return gateway.PaperConfig{
		Symbol:        c.Symbol,
		InitialBase:   c.Paper.InitialBase,
		InitialQuote:  c.Paper.InitialQuote,
		FeeRate:       c.Paper.FeeRate,
		AckDelay:      c.Paper.AckDelay,
		MatchInterval: c.Paper.MatchInterval,
	}
}
