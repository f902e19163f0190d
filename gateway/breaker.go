package gateway

import (
	"sync"
	"time"
)

// BreakerState 熔断器状态
type BreakerState int

const (
	// BreakerClosed 关闭状态 - 正常放行
	BreakerClosed BreakerState = iota
	// BreakerOpen 打开状态 - 拒绝所有请求
	BreakerOpen
	// BreakerHalfOpen 半开状态 - 允许有限探测
	BreakerHalfOpen
)

// String 返回状态名称
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerConfig 熔断器配置
type BreakerConfig struct {
	FailureThreshold int           // 触发熔断的连续失败次数
	RecoveryTimeout  time.Duration // 熔断后等待时间
	HalfOpenMaxCalls int           // 半开状态允许的探测次数
}

// DefaultBreakerConfig 返回默认配置
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}

// CircuitBreaker 保护上游调用的熔断器。
// CLOSED -(失败达阈值)-> OPEN -(恢复超时)-> HALF_OPEN -(探测成功)-> CLOSED
// HALF_OPEN 下任一失败立即回到 OPEN。
type CircuitBreaker struct {
	threshold        int
	recoveryTimeout  time.Duration
	halfOpenMaxCalls int

	state         BreakerState
	failureCount  int
	halfOpenCalls int
	halfOpenOK    int
	lastFailTime  time.Time
	openTime      time.Time

	totalBlocked int64
	totalTrips   int64

	mu  sync.Mutex
	now func() time.Time
}

// NewCircuitBreaker 创建熔断器
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 3
	}
	return &CircuitBreaker{
		threshold:        cfg.FailureThreshold,
		recoveryTimeout:  cfg.RecoveryTimeout,
		halfOpenMaxCalls: cfg.HalfOpenMaxCalls,
		state:            BreakerClosed,
		now:              time.Now,
	}
}

// AllowRequest 调用前检查。返回 ErrBreakerOpen 表示本次调用应被抑制。
func (cb *CircuitBreaker) AllowRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		return nil

	case BreakerOpen:
		if cb.now().Sub(cb.openTime) >= cb.recoveryTimeout {
			cb.state = BreakerHalfOpen
			cb.halfOpenCalls = 1
			cb.halfOpenOK = 0
			return nil
		}
		cb.totalBlocked++
		return ErrBreakerOpen

	case BreakerHalfOpen:
		// 超过探测配额的请求与 OPEN 同等对待
		if cb.halfOpenCalls >= cb.halfOpenMaxCalls {
			cb.totalBlocked++
			return ErrBreakerOpen
		}
		cb.halfOpenCalls++
		return nil
	}
	return nil
}

// ReleaseProbe 归还一个半开探测配额。探测结果无结论时调用
// （429 退避、调用方取消），这类探测既不该算成功也不该算失败，
// 但占着配额不还会把熔断器永久卡在 HALF_OPEN。
func (cb *CircuitBreaker) ReleaseProbe() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == BreakerHalfOpen && cb.halfOpenCalls > 0 {
		cb.halfOpenCalls--
	}
}

// RecordSuccess 调用成功上报。
// CLOSED 下衰减失败计数而非清零，容忍零星失败又不至于来回抖动。
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		if cb.failureCount > 0 {
			cb.failureCount--
		}
	case BreakerHalfOpen:
		cb.halfOpenOK++
		if cb.halfOpenOK >= cb.halfOpenMaxCalls {
			cb.state = BreakerClosed
			cb.failureCount = 0
			cb.halfOpenCalls = 0
			cb.halfOpenOK = 0
		}
	}
}

// RecordFailure 调用失败上报。429 限流不应走到这里（见 ResilientClient）。
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailTime = cb.now()

	switch cb.state {
	case BreakerClosed:
		cb.failureCount++
		if cb.failureCount >= cb.threshold {
			cb.trip()
		}
	case BreakerHalfOpen:
		// 探测失败，立即回到 OPEN
		cb.trip()
	}
}

func (cb *CircuitBreaker) trip() {
	cb.state = BreakerOpen
	cb.openTime = cb.now()
	cb.totalTrips++
	cb.halfOpenCalls = 0
	cb.halfOpenOK = 0
}

// State 当前状态
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// BreakerStats 熔断统计，供健康端点暴露。
type BreakerStats struct {
	State        BreakerState
	FailureCount int
	TotalBlocked int64
	TotalTrips   int64
	LastFailTime time.Time
}

func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerStats{
		State:        cb.state,
		FailureCount: cb.failureCount,
		TotalBlocked: cb.totalBlocked,
		TotalTrips:   cb.totalTrips,
		LastFailTime: cb.lastFailTime,
	}
}
