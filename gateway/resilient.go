package gateway

import (
	"context"

	"blocky-maker-go/metrics"
)

// ResilientClient 把限流器和熔断器套在 Client 外面。
// 每个上游调用：先 Acquire 限流槽位，再过熔断检查，事后上报成败。
// 429 只退避不计入熔断失败。
type ResilientClient struct {
	inner   Client
	limiter *SlidingWindowLimiter
	breaker *CircuitBreaker
}

func NewResilientClient(inner Client, limiter *SlidingWindowLimiter, breaker *CircuitBreaker) *ResilientClient {
	return &ResilientClient{inner: inner, limiter: limiter, breaker: breaker}
}

// Limiter 暴露给健康端点。
func (r *ResilientClient) Limiter() *SlidingWindowLimiter { return r.limiter }

// Breaker 暴露给健康端点。
func (r *ResilientClient) Breaker() *CircuitBreaker { return r.breaker }

// guard 执行调用前后的防护动作。fn 返回的错误按分类上报。
func (r *ResilientClient) guard(ctx context.Context, fn func() error) error {
	wait, err := r.limiter.Acquire(ctx)
	if err != nil {
		return err
	}
	if wait > 0 {
		metrics.RateLimiterWaits.Inc()
		metrics.RateLimiterWaitSeconds.Add(wait.Seconds())
	}
	if err := r.breaker.AllowRequest(); err != nil {
		return err
	}
	err = fn()
	switch {
	case err == nil:
		r.breaker.RecordSuccess()
	case IsRateLimit(err):
		// 限流是节流信号，不是健康信号；半开探测无结论，归还配额
		r.breaker.ReleaseProbe()
	case IsInsufficientFunds(err), IsOrderClosed(err):
		// 域内失败：交易所本身是健康的
		r.breaker.RecordSuccess()
	case ctx.Err() != nil:
		// 调用方主动取消，不算上游故障
		r.breaker.ReleaseProbe()
	default:
		r.breaker.RecordFailure()
	}
	metrics.SetBreakerState(int(r.breaker.State()))
	return err
}

func (r *ResilientClient) GetMarkets(ctx context.Context) ([]Market, error) {
	var out []Market
	err := r.guard(ctx, func() (err error) {
		out, err = r.inner.GetMarkets(ctx)
		return err
	})
	return out, err
}

func (r *ResilientClient) GetTickers(ctx context.Context) (map[string]Ticker, error) {
	var out map[string]Ticker
	err := r.guard(ctx, func() (err error) {
		out, err = r.inner.GetTickers(ctx)
		return err
	})
	return out, err
}

func (r *ResilientClient) GetTicker(ctx context.Context, market string) (Ticker, error) {
	var out Ticker
	err := r.guard(ctx, func() (err error) {
		out, err = r.inner.GetTicker(ctx, market)
		return err
	})
	return out, err
}

func (r *ResilientClient) GetOHLCV(ctx context.Context, market, timeframe string, limit int) ([]Candle, error) {
	var out []Candle
	err := r.guard(ctx, func() (err error) {
		out, err = r.inner.GetOHLCV(ctx, market, timeframe, limit)
		return err
	})
	return out, err
}

func (r *ResilientClient) GetWallets(ctx context.Context) (map[string]float64, error) {
	var out map[string]float64
	err := r.guard(ctx, func() (err error) {
		out, err = r.inner.GetWallets(ctx)
		return err
	})
	return out, err
}

func (r *ResilientClient) GetOrders(ctx context.Context, statuses, markets []string, limit int, cursor string) (OrderPage, error) {
	var out OrderPage
	err := r.guard(ctx, func() (err error) {
		out, err = r.inner.GetOrders(ctx, statuses, markets, limit, cursor)
		return err
	})
	return out, err
}

func (r *ResilientClient) GetTrades(ctx context.Context, limit int) ([]Trade, error) {
	var out []Trade
	err := r.guard(ctx, func() (err error) {
		out, err = r.inner.GetTrades(ctx, limit)
		return err
	})
	return out, err
}

// GetSupplyMetrics 只限流不过熔断：metrics 服务与撮合面无关，
// 它的故障不应拖垮交易调用路径。
func (r *ResilientClient) GetSupplyMetrics(ctx context.Context) (map[string]float64, error) {
	if _, err := r.limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	return r.inner.GetSupplyMetrics(ctx)
}

func (r *ResilientClient) CreateOrder(ctx context.Context, req OrderRequest) (Order, error) {
	var out Order
	err := r.guard(ctx, func() (err error) {
		out, err = r.inner.CreateOrder(ctx, req)
		return err
	})
	return out, err
}

func (r *ResilientClient) CancelOrder(ctx context.Context, orderID string) error {
	return r.guard(ctx, func() error {
		return r.inner.CancelOrder(ctx, orderID)
	})
}

func (r *ResilientClient) CancelAllOrders(ctx context.Context) error {
	return r.guard(ctx, func() error {
		return r.inner.CancelAllOrders(ctx)
	})
}
