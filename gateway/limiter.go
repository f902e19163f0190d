package gateway

import (
	"context"
	"sync"
	"time"
)

// RateLimiter 控制请求速率，避免触发交易所限流。
type RateLimiter interface {
	Acquire(ctx context.Context) (time.Duration, error)
}

// SlidingWindowLimiter 滑动窗口限流器：窗口内最多 maxRequests 个时间戳。
// 判定与登记在锁内完成，实际等待在锁外进行，等待期间不阻塞其他调用方检查窗口。
type SlidingWindowLimiter struct {
	maxRequests int
	window      time.Duration

	mu         sync.Mutex
	timestamps []time.Time

	totalRequests int64
	totalWaits    int64
	totalWaitTime time.Duration

	now func() time.Time
}

func NewSlidingWindowLimiter(maxRequests int, window time.Duration) *SlidingWindowLimiter {
	if maxRequests <= 0 {
		maxRequests = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return &SlidingWindowLimiter{
		maxRequests: maxRequests,
		window:      window,
		timestamps:  make([]time.Time, 0, maxRequests),
		now:         time.Now,
	}
}

// Acquire 阻塞直到窗口内有空位，返回实际等待时长。
// ctx 取消时提前返回。
func (l *SlidingWindowLimiter) Acquire(ctx context.Context) (time.Duration, error) {
	var waited time.Duration
	for {
		l.mu.Lock()
		now := l.now()
		l.prune(now)
		if len(l.timestamps) < l.maxRequests {
			// 有空位：登记意图并返回
			l.timestamps = append(l.timestamps, now)
			l.totalRequests++
			if waited > 0 {
				l.totalWaits++
				l.totalWaitTime += waited
			}
			l.mu.Unlock()
			return waited, nil
		}
		// 窗口已满：等到最早的时间戳滑出窗口
		sleep := l.timestamps[0].Add(l.window).Sub(now)
		l.mu.Unlock()

		if sleep <= 0 {
			sleep = time.Millisecond
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return waited, ctx.Err()
		case <-timer.C:
			waited += sleep
		}
	}
}

func (l *SlidingWindowLimiter) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for ; i < len(l.timestamps); i++ {
		if l.timestamps[i].After(cutoff) {
			break
		}
	}
	if i > 0 {
		l.timestamps = l.timestamps[i:]
	}
}

// InWindow 当前窗口内的请求数。
func (l *SlidingWindowLimiter) InWindow() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.now())
	return len(l.timestamps)
}

// LimiterStats 限流统计，供健康端点暴露。
type LimiterStats struct {
	TotalRequests int64
	TotalWaits    int64
	TotalWaitTime time.Duration
	InWindow      int
}

func (l *SlidingWindowLimiter) Stats() LimiterStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.now())
	return LimiterStats{
		TotalRequests: l.totalRequests,
		TotalWaits:    l.totalWaits,
		TotalWaitTime: l.totalWaitTime,
		InWindow:      len(l.timestamps),
	}
}
