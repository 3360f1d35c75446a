package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"as-market-maker/internal/journal"
)

func main() {
	dbPath := flag.String("db", "data/fills.db", "成交日志数据库路径")
	symbol := flag.String("symbol", "BTCUSDT", "交易对")
	sinceStr := flag.String("since", "", "仅统计此时间之后的记录 (RFC3339，例如 2026-01-02T00:00:00Z)")
	recent := flag.Int("recent", 10, "显示最近 N 笔成交")
	flag.Parse()

	var since time.Time
	if *sinceStr != "" {
		var err error
		since, err = time.Parse(time.RFC3339Nano, *sinceStr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "解析 since 参数失败: %v\n", err)
			os.Exit(1)
		}
	}

	j, err := journal.Open(*dbPath, *symbol, zap.NewNop())
	if err != nil {
		fmt.Fprintf(os.Stderr, "打开成交日志失败: %v\n", err)
		os.Exit(1)
	}
	defer j.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sum, err := j.Summarize(ctx, since)
	if err != nil {
		fmt.Fprintf(os.Stderr, "统计失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("成交笔数: %d\n", sum.Fills)
	fmt.Printf("买入数量: %.6f\n", sum.BuyVolume)
	fmt.Printf("卖出数量: %.6f\n", sum.SellVolume)
	fmt.Printf("估算收益: %.4f\n", sum.EstimatedGain)
	fmt.Printf("手续费:   %.4f\n", sum.Fees)

	if *recent <= 0 {
		return
	}
	records, err := j.Recent(ctx, *recent)
	if err != nil {
		fmt.Fprintf(os.Stderr, "读取最近成交失败: %v\n", err)
		os.Exit(1)
	}
	for _, r := range records {
		fmt.Printf("%s %-4s %-28s price=%.4f size=%.6f gain=%.4f\n",
			r.FilledAt.UTC().Format(time.RFC3339), r.Side, r.ClientOrderID, r.Price, r.Size, r.EstimatedGain)
	}
}
