package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"go.uber.org/zap"

	"as-market-maker/config"
	"as-market-maker/internal/container"
)

// 退出码
const (
	exitOK        = 0
	exitStartup   = 1
	exitEmergency = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	cfgPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	watch := flag.Bool("watch", true, "监听配置文件变更并热更新报价参数")
	flag.Parse()

	cfg, err := config.LoadWithEnvOverrides(*cfgPath)
	if err != nil {
		log.Printf("加载配置失败: %v", err)
		return exitStartup
	}

	c := container.New(cfg)
	if err := c.Build(); err != nil {
		log.Printf("构建组件失败: %v", err)
		return exitStartup
	}
	lg := c.Logger().Component("main")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Start(ctx); err != nil {
		lg.Error("启动失败", zap.Error(err))
		_ = c.Stop()
		return exitStartup
	}
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		lg.Warn("systemd ready 通知失败", zap.Error(err))
	}
	go watchdog(ctx, c, lg)

	if *watch {
		w := config.Watcher{Path: *cfgPath, Debounce: 500 * time.Millisecond, Logger: c.Logger().Component("config")}
		go func() {
			err := w.Start(ctx, func(next config.AppConfig) {
				if err := c.ApplyConfig(next); err != nil {
					lg.Warn("配置热更新未生效", zap.Error(err))
				}
			})
			if err != nil && ctx.Err() == nil {
				lg.Warn("配置监听退出", zap.Error(err))
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	code := exitOK
	select {
	case sig := <-quit:
		lg.Info("收到退出信号", zap.String("signal", sig.String()))
	case <-c.Halted():
		st := c.Engine().Status()
		lg.Error("紧急停止，进程退出",
			zap.String("code", st.Risk.EmergencyCode),
			zap.String("reason", st.Risk.EmergencyReason))
		code = exitEmergency
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	cancel()
	if err := c.Stop(); err != nil {
		log.Printf("停止过程中出现错误: %v", err)
	}
	return code
}

// watchdog 组件健康时按 systemd 要求的间隔喂狗
func watchdog(ctx context.Context, c *container.Container, lg *zap.Logger) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.HealthCheck(); err != nil {
				lg.Warn("健康检查失败，跳过喂狗", zap.Error(err))
				continue
			}
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}
