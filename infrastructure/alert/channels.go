package alert

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// LogChannel 写入结构化日志的告警通道
type LogChannel struct {
	logger *zap.Logger
	name   string
}

// NewLogChannel 创建日志告警通道
func NewLogChannel(name string, logger *zap.Logger) *LogChannel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogChannel{logger: logger.Named("alert"), name: name}
}

// Send 按级别写日志
func (c *LogChannel) Send(alert Alert) error {
	fields := make([]zap.Field, 0, len(alert.Fields)+3)
	fields = append(fields,
		zap.String("code", alert.Code),
		zap.String("symbol", alert.Symbol),
		zap.Time("alertTime", alert.Timestamp))
	for k, v := range alert.Fields {
		fields = append(fields, zap.Any(k, v))
	}

	switch alert.Level {
	case LevelInfo:
		c.logger.Info(alert.Message, fields...)
	case LevelWarning:
		c.logger.Warn(alert.Message, fields...)
	default:
		c.logger.Error(alert.Message, fields...)
	}
	return nil
}

// Name 返回通道名称
func (c *LogChannel) Name() string {
	return c.name
}

// Publisher NATS 发布接口，*nats.Conn 满足该接口
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSChannel 把告警以 JSON 发布到 NATS 主题，供外部值守系统订阅
type NATSChannel struct {
	name    string
	subject string
	pub     Publisher
	conn    *nats.Conn
}

// DialNATS 连接 NATS 并创建通道，断线后客户端自动重连
func DialNATS(name, url, subject string, logger *zap.Logger) (*NATSChannel, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.Timeout(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS 连接断开", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS 已重连", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	ch := NewNATSChannel(name, subject, nc)
	ch.conn = nc
	return ch, nil
}

// NewNATSChannel 基于已有连接创建通道
func NewNATSChannel(name, subject string, pub Publisher) *NATSChannel {
	return &NATSChannel{name: name, subject: subject, pub: pub}
}

// Send 发布告警
func (c *NATSChannel) Send(alert Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	subject := c.subject
	if alert.Symbol != "" {
		subject = subject + "." + alert.Symbol
	}
	return c.pub.Publish(subject, data)
}

// Name 返回通道名称
func (c *NATSChannel) Name() string {
	return c.name
}

// Close 刷新并关闭自建连接
func (c *NATSChannel) Close() error {
	if c.conn == nil {
		return nil
	}
	if err := c.conn.Flush(); err != nil {
		c.conn.Close()
		return err
	}
	c.conn.Close()
	return nil
}
