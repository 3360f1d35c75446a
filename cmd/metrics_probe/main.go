package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"as-market-maker/infrastructure/monitor"
	"as-market-maker/risk"
)

func main() {
	addr := flag.String("metricsAddr", ":9100", "Prometheus 指标监听地址")
	symbol := flag.String("symbol", "ETHUSDC", "交易对标签")
	mid := flag.Float64("mid", 3000, "模拟中间价")
	spread := flag.Float64("spread", 0.5, "模拟报价价差")
	connected := flag.Bool("connected", true, "是否模拟交易所已连接")
	flag.Parse()

	cfg := monitor.DefaultConfig()
	cfg.ConstLabels = map[string]string{"symbol": *symbol}
	m := monitor.New(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	fmt.Printf("metrics_probe started at %s\n", *addr)

	// 初始设置一批核心指标，便于 Prometheus/Grafana 验证
	m.RecordConnectivity(*connected)
	m.RecordIndicators(0.0012, 1.5)

	go func() {
		// 周期性微调，观察值变化
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		drift := 0.0
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				drift += 0.01
				center := *mid + drift
				m.RecordQuote(center-*spread/2, center+*spread/2, *spread, false)
				m.RecordCycle(0.002)
				m.RecordRisk(risk.State{
					CurrentPosition:   0.5 + drift,
					TotalAccountValue: 2 * *mid,
					UnrealizedPnL:     drift,
					DailyPnL:          drift,
				})
			}
		}
	}()

	if err := m.Serve(ctx, *addr, logger); err != nil {
		fmt.Fprintf(os.Stderr, "metrics server: %v\n", err)
		os.Exit(1)
	}
}
