package asmm

import (
	"errors"
	"fmt"
)

// Config Avellaneda–Stoikov 报价参数
type Config struct {
	RiskAversion float64 `yaml:"riskAversion"` // γ，(0,1]
	ShapeFactor  float64 `yaml:"shapeFactor"`  // η，库存偏斜对下单量的衰减强度
	TimeHorizon  float64 `yaml:"timeHorizon"`  // t，持续重报价策略取 0
	MinSpread    float64 `yaml:"minSpread"`    // 最小价差（报价货币绝对值）
	TickSize     float64 `yaml:"tickSize"`     // 价格步长，<=0 表示不对齐
	StepSize     float64 `yaml:"stepSize"`     // 数量步长，<=0 表示不对齐
	BaseSize     float64 `yaml:"baseSize"`     // 未偏斜时的单笔下单量（基础资产）
	MaxPosition  float64 `yaml:"maxPosition"`  // 单笔下单量上限，<=0 表示不限制
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		RiskAversion: 0.1,
		ShapeFactor:  1.0,
		TimeHorizon:  0,
		MinSpread:    0.01,
		TickSize:     0.01,
		StepSize:     0.001,
		BaseSize:     0.01,
		MaxPosition:  1,
	}
}

// Validate 检查参数合法性
func (c Config) Validate() error {
	if c.RiskAversion <= 0 || c.RiskAversion > 1 {
		return fmt.Errorf("riskAversion must be in (0,1], got %f", c.RiskAversion)
	}
	if c.ShapeFactor < 0 {
		return fmt.Errorf("shapeFactor must be >= 0, got %f", c.ShapeFactor)
	}
	if c.TimeHorizon < 0 {
		return fmt.Errorf("timeHorizon must be >= 0, got %f", c.TimeHorizon)
	}
	if c.MinSpread <= 0 {
		return errors.New("minSpread must be > 0")
	}
	if c.BaseSize <= 0 {
		return errors.New("baseSize must be > 0")
	}
	if c.MaxPosition < 0 {
		return errors.New("maxPosition must be >= 0")
	}
	return nil
}
