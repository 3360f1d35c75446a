package journal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"as-market-maker/order"
)

// FillRecord 成交流水表
type FillRecord struct {
	ID              uint   `gorm:"primaryKey"`
	Symbol          string `gorm:"index"`
	ClientOrderID   string `gorm:"uniqueIndex"`
	ExchangeOrderID string
	Side            string
	Price           float64
	Size            float64
	Fee             float64
	EstimatedGain   float64
	FilledAt        time.Time `gorm:"index"`
	CreatedAt       time.Time
}

// Summary 成交汇总
type Summary struct {
	Fills         int64
	BuyVolume     float64
	SellVolume    float64
	EstimatedGain float64
	Fees          float64
}

// Journal 基于 SQLite 的成交日志
type Journal struct {
	db     *gorm.DB
	symbol string
	logger *zap.Logger
}

// Open 打开（必要时创建）数据库文件并迁移表结构
func Open(path, symbol string, logger *zap.Logger) (*Journal, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create journal directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if err := db.AutoMigrate(&FillRecord{}); err != nil {
		return nil, fmt.Errorf("migrate journal: %w", err)
	}

	logger.Info("成交日志已打开", zap.String("path", path))
	return &Journal{db: db, symbol: symbol, logger: logger}, nil
}

// RecordFill 写入一条成交；同一 clientOrderId 重复写入时忽略
func (j *Journal) RecordFill(ctx context.Context, f order.Fill, estimatedGain float64) error {
	rec := FillRecord{
		Symbol:          j.symbol,
		ClientOrderID:   f.ClientOrderID,
		ExchangeOrderID: f.ExchangeOrderID,
		Side:            string(f.Side),
		Price:           f.Price,
		Size:            f.Size,
		Fee:             f.Fee,
		EstimatedGain:   estimatedGain,
		FilledAt:        f.Time.UTC(),
	}
	res := j.db.WithContext(ctx).
		Where(FillRecord{ClientOrderID: f.ClientOrderID}).
		FirstOrCreate(&rec)
	if res.Error != nil {
		return fmt.Errorf("record fill %s: %w", f.ClientOrderID, res.Error)
	}
	if res.RowsAffected == 0 {
		j.logger.Debug("成交已存在，跳过", zap.String("clientOrderId", f.ClientOrderID))
	}
	return nil
}

// Recent 按成交时间倒序返回最近 limit 条
func (j *Journal) Recent(ctx context.Context, limit int) ([]FillRecord, error) {
	var out []FillRecord
	q := j.db.WithContext(ctx).Where("symbol = ?", j.symbol).Order("filled_at desc, id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("query recent fills: %w", err)
	}
	return out, nil
}

// Summarize 汇总 since 之后的成交，since 为零值时汇总全部
func (j *Journal) Summarize(ctx context.Context, since time.Time) (Summary, error) {
	var rows []FillRecord
	q := j.db.WithContext(ctx).Where("symbol = ?", j.symbol)
	if !since.IsZero() {
		q = q.Where("filled_at >= ?", since.UTC())
	}
	if err := q.Find(&rows).Error; err != nil {
		return Summary{}, fmt.Errorf("summarize fills: %w", err)
	}

	var s Summary
	for _, r := range rows {
		s.Fills++
		s.EstimatedGain += r.EstimatedGain
		s.Fees += r.Fee
		if r.Side == string(order.SideBuy) {
			s.BuyVolume += r.Size
		} else {
			s.SellVolume += r.Size
		}
	}
	return s, nil
}

// Close 关闭数据库连接
func (j *Journal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
