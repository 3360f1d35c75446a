package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// 错误信息使用 yaml 字段名
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// ErrInvalid 用于参数验证错误。
type ErrInvalid string

func (e ErrInvalid) Error() string { return string(e) }

// Validate 先做字段级检查，再做跨字段检查。
func Validate(cfg AppConfig) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fieldMessage(fe))
			}
			return ErrInvalid(strings.Join(msgs, "; "))
		}
		return err
	}
	return ValidateParams(cfg)
}

// ValidateParams 跨字段检查：报价参数、风控阈值、交易规则之间的一致性。
func ValidateParams(cfg AppConfig) error {
	if err := cfg.Strategy.Validate(); err != nil {
		return ErrInvalid("strategy: " + err.Error())
	}
	if cfg.Constraints.TickSize <= 0 {
		return ErrInvalid("constraints.tickSize must be > 0")
	}
	if cfg.Constraints.StepSize <= 0 {
		return ErrInvalid("constraints.stepSize must be > 0")
	}
	if cfg.Strategy.TickSize > 0 && !multipleOf(cfg.Strategy.TickSize, cfg.Constraints.TickSize) {
		return ErrInvalid(fmt.Sprintf("strategy.tickSize %v must be a multiple of constraints.tickSize %v",
			cfg.Strategy.TickSize, cfg.Constraints.TickSize))
	}
	if cfg.Strategy.StepSize > 0 && !multipleOf(cfg.Strategy.StepSize, cfg.Constraints.StepSize) {
		return ErrInvalid(fmt.Sprintf("strategy.stepSize %v must be a multiple of constraints.stepSize %v",
			cfg.Strategy.StepSize, cfg.Constraints.StepSize))
	}
	if cfg.Constraints.MaxQty > 0 && cfg.Constraints.MinQty > cfg.Constraints.MaxQty {
		return ErrInvalid("constraints.minQty must be <= maxQty")
	}
	r := cfg.Risk
	if r.EmergencyStopThreshold <= 0 || r.EmergencyStopThreshold >= 1 {
		return ErrInvalid("risk.emergencyStopThreshold must be in (0,1)")
	}
	if r.AlertDrawdown < 0 || (r.AlertDrawdown > 0 && r.AlertDrawdown >= r.EmergencyStopThreshold) {
		return ErrInvalid("risk.alertDrawdown must be below risk.emergencyStopThreshold")
	}
	if r.MaxDailyLoss < 0 || r.MaxOrderValue < 0 || r.MaxPositionSize < 0 || r.MaxPositionValue < 0 {
		return ErrInvalid("risk limits must be >= 0")
	}
	if cfg.Engine.MaxOrders > 2 {
		return ErrInvalid("engine.maxOrders must be <= 2 (one bid and one ask)")
	}
	if cfg.Engine.CycleTimeout > 0 && cfg.Engine.CycleTimeout < cfg.Engine.CycleInterval {
		return ErrInvalid("engine.cycleTimeout must be >= engine.cycleInterval")
	}
	return nil
}

func multipleOf(v, step float64) bool {
	return decimal.NewFromFloat(v).Mod(decimal.NewFromFloat(step)).IsZero()
}

func fieldMessage(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "AppConfig.")
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, strings.ReplaceAll(fe.Param(), " ", ", "))
	case "gte":
		return fmt.Sprintf("%s must be >= %s", field, fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be <= %s", field, fe.Param())
	case "lt":
		return fmt.Sprintf("%s must be < %s", field, fe.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, fe.Tag())
	}
}
