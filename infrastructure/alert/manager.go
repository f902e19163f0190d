// Package alert 告警分发：级别过滤、同类告警限流、多通道投递。
package alert

import (
	"fmt"
	"sync"
	"time"
)

// Level 告警级别
type Level int

const (
	LevelInfo Level = iota
	LevelWarning
	LevelError
	LevelCritical
)

// String 返回级别名称
func (l Level) String() string {
	switch l {
	case LevelInfo:
		return "INFO"
	case LevelWarning:
		return "WARNING"
	case LevelError:
		return "ERROR"
	case LevelCritical:
		return "CRITICAL"
	}
	return "UNKNOWN"
}

// ParseLevel 从配置字符串解析级别，未知值按 WARNING 处理。
func ParseLevel(s string) Level {
	switch s {
	case "info", "INFO":
		return LevelInfo
	case "warning", "WARNING":
		return LevelWarning
	case "error", "ERROR":
		return LevelError
	case "critical", "CRITICAL":
		return LevelCritical
	}
	return LevelWarning
}

// Alert 一条告警。
type Alert struct {
	Level     Level
	Title     string
	Message   string
	Timestamp time.Time
	Source    string
}

// Channel 告警通道接口
type Channel interface {
	Send(alert Alert) error
	Name() string
}

// Throttler 同类告警限流器。key 通常是告警标题，
// 同一个 key 在间隔内只放行一次。
type Throttler struct {
	mu       sync.Mutex
	lastSent map[string]time.Time
	interval time.Duration
	now      func() time.Time
}

// NewThrottler 创建限流器
func NewThrottler(interval time.Duration) *Throttler {
	return &Throttler{
		lastSent: make(map[string]time.Time),
		interval: interval,
		now:      time.Now,
	}
}

// Allow 检查该 key 是否允许发送。
func (t *Throttler) Allow(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if last, ok := t.lastSent[key]; ok && now.Sub(last) < t.interval {
		return false
	}
	t.lastSent[key] = now
	return true
}

// Clear 清空限流记录。
func (t *Throttler) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSent = make(map[string]time.Time)
}

// Manager 告警管理器。低于最低级别的告警直接丢弃，
// 其余经限流后广播到所有通道。
type Manager struct {
	mu       sync.RWMutex
	channels []Channel
	throttle *Throttler
	minLevel Level
}

// NewManager 创建告警管理器
func NewManager(channels []Channel, minLevel Level, throttleInterval time.Duration) *Manager {
	if throttleInterval <= 0 {
		throttleInterval = time.Minute
	}
	return &Manager{
		channels: channels,
		throttle: NewThrottler(throttleInterval),
		minLevel: minLevel,
	}
}

// Send 发送告警。通道失败不互相影响，全部失败才返回错误。
func (m *Manager) Send(alert Alert) error {
	if alert.Level < m.minLevel {
		return nil
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}
	if alert.Source == "" {
		alert.Source = "blocky-maker"
	}
	if !m.throttle.Allow(alert.Title) {
		return nil
	}

	m.mu.RLock()
	channels := m.channels
	m.mu.RUnlock()

	var lastErr error
	delivered := 0
	for _, ch := range channels {
		if err := ch.Send(alert); err != nil {
			lastErr = fmt.Errorf("channel %s: %w", ch.Name(), err)
		} else {
			delivered++
		}
	}
	if delivered == 0 && lastErr != nil {
		return lastErr
	}
	return nil
}

// Info 发送 INFO 级告警。
func (m *Manager) Info(title, message string) error {
	return m.Send(Alert{Level: LevelInfo, Title: title, Message: message})
}

// Warning 发送 WARNING 级告警。
func (m *Manager) Warning(title, message string) error {
	return m.Send(Alert{Level: LevelWarning, Title: title, Message: message})
}

// Error 发送 ERROR 级告警。
func (m *Manager) Error(title, message string) error {
	return m.Send(Alert{Level: LevelError, Title: title, Message: message})
}

// Critical 发送 CRITICAL 级告警。
func (m *Manager) Critical(title, message string) error {
	return m.Send(Alert{Level: LevelCritical, Title: title, Message: message})
}

// AddChannel 运行时追加通道。
func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
}

// ResetThrottle 清空限流状态。
func (m *Manager) ResetThrottle() {
	m.throttle.Clear()
}
