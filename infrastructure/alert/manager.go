package alert

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// 告警级别
const (
	LevelInfo     = "INFO"
	LevelWarning  = "WARNING"
	LevelError    = "ERROR"
	LevelCritical = "CRITICAL"
)

func levelRank(level string) int {
	switch level {
	case LevelWarning:
		return 1
	case LevelError:
		return 2
	case LevelCritical:
		return 3
	default:
		return 0
	}
}

// Alert 告警信息
type Alert struct {
	Level     string         `json:"level"`
	Code      string         `json:"code,omitempty"` // 引擎事件代码，例如 DRAWDOWN_LIMIT
	Symbol    string         `json:"symbol,omitempty"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Channel 告警通道接口
type Channel interface {
	Send(alert Alert) error
	Name() string
}

// codeThrottle 按 交易对+事件代码 限流。窗口内被压下的同类告警计数，
// 随窗口后的第一条告警一起发出；级别升高时不受窗口限制。
type codeThrottle struct {
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*throttleEntry
}

type throttleEntry struct {
	sentAt     time.Time
	rank       int
	suppressed int
}

func newCodeThrottle(window time.Duration) *codeThrottle {
	return &codeThrottle{
		window:  window,
		now:     time.Now,
		entries: make(map[string]*throttleEntry),
	}
}

// admit 返回是否发送，以及上次发送后被压下的条数
func (t *codeThrottle) admit(a Alert) (bool, int) {
	key := a.Symbol + "/" + a.Code
	if a.Code == "" {
		key += "/" + a.Message
	}
	rank := levelRank(a.Level)

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	e, ok := t.entries[key]
	if !ok {
		t.entries[key] = &throttleEntry{sentAt: now, rank: rank}
		return true, 0
	}
	if rank <= e.rank && now.Sub(e.sentAt) < t.window {
		e.suppressed++
		return false, 0
	}
	dropped := e.suppressed
	*e = throttleEntry{sentAt: now, rank: rank}
	return true, dropped
}

// Manager 告警管理器：限流后扇出到全部通道
type Manager struct {
	throttle *codeThrottle

	mu       sync.RWMutex
	channels []Channel
}

// NewManager 创建告警管理器，window 为同一事件代码的最小告警间隔
func NewManager(channels []Channel, window time.Duration) *Manager {
	m := &Manager{throttle: newCodeThrottle(window)}
	for _, ch := range channels {
		m.AddChannel(ch)
	}
	return m
}

// SendAlert 发送告警。CRITICAL 不限流；全部通道失败时返回合并后的错误。
func (m *Manager) SendAlert(a Alert) error {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}
	if a.Level != LevelCritical {
		ok, dropped := m.throttle.admit(a)
		if !ok {
			return nil
		}
		if dropped > 0 {
			a.Fields = withField(a.Fields, "suppressed", dropped)
		}
	}

	m.mu.RLock()
	channels := m.channels
	m.mu.RUnlock()

	var errs []error
	for _, ch := range channels {
		if err := ch.Send(a); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", ch.Name(), err))
		}
	}
	if len(channels) > 0 && len(errs) == len(channels) {
		return errors.Join(errs...)
	}
	return nil
}

// withField 复制后追加字段，不修改调用方的 map
func withField(fields map[string]any, key string, v any) map[string]any {
	out := make(map[string]any, len(fields)+1)
	for k, val := range fields {
		out[k] = val
	}
	out[key] = v
	return out
}

// AddChannel 添加通道，同名通道被替换
func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := make([]Channel, 0, len(m.channels)+1)
	for _, c := range m.channels {
		if c.Name() != ch.Name() {
			next = append(next, c)
		}
	}
	m.channels = append(next, ch)
}

// RemoveChannel 按名称移除通道，返回是否存在
func (m *Manager) RemoveChannel(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, c := range m.channels {
		if c.Name() == name {
			next := make([]Channel, 0, len(m.channels)-1)
			next = append(next, m.channels[:i]...)
			m.channels = append(next, m.channels[i+1:]...)
			return true
		}
	}
	return false
}

// GetChannels 返回通道名称
func (m *Manager) GetChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.channels))
	for _, ch := range m.channels {
		names = append(names, ch.Name())
	}
	return names
}
