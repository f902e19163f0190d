package gateway

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeClient 可注入错误的假客户端。
type fakeClient struct {
	err   error
	calls int
}

func (f *fakeClient) GetMarkets(ctx context.Context) ([]Market, error) {
	f.calls++
	return nil, f.err
}
func (f *fakeClient) GetTickers(ctx context.Context) (map[string]Ticker, error) {
	f.calls++
	return nil, f.err
}
func (f *fakeClient) GetTicker(ctx context.Context, market string) (Ticker, error) {
	f.calls++
	return Ticker{}, f.err
}
func (f *fakeClient) GetOHLCV(ctx context.Context, market, timeframe string, limit int) ([]Candle, error) {
	f.calls++
	return nil, f.err
}
func (f *fakeClient) GetWallets(ctx context.Context) (map[string]float64, error) {
	f.calls++
	return nil, f.err
}
func (f *fakeClient) GetOrders(ctx context.Context, statuses, markets []string, limit int, cursor string) (OrderPage, error) {
	f.calls++
	return OrderPage{}, f.err
}
func (f *fakeClient) GetTrades(ctx context.Context, limit int) ([]Trade, error) {
	f.calls++
	return nil, f.err
}
func (f *fakeClient) GetSupplyMetrics(ctx context.Context) (map[string]float64, error) {
	f.calls++
	return map[string]float64{}, f.err
}
func (f *fakeClient) CreateOrder(ctx context.Context, req OrderRequest) (Order, error) {
	f.calls++
	return Order{}, f.err
}
func (f *fakeClient) CancelOrder(ctx context.Context, orderID string) error {
	f.calls++
	return f.err
}
func (f *fakeClient) CancelAllOrders(ctx context.Context) error {
	f.calls++
	return f.err
}

func newResilientForTest(inner Client, threshold int) *ResilientClient {
	limiter := NewSlidingWindowLimiter(1000, time.Second)
	breaker := NewCircuitBreaker(BreakerConfig{
		FailureThreshold: threshold,
		RecoveryTimeout:  time.Minute,
		HalfOpenMaxCalls: 3,
	})
	return NewResilientClient(inner, limiter, breaker)
}

func TestResilientClient_TransportFailuresTripBreaker(t *testing.T) {
	inner := &fakeClient{err: errors.New("connection refused")}
	rc := newResilientForTest(inner, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := rc.GetWallets(ctx); err == nil {
			t.Fatal("expected error")
		}
	}
	if rc.Breaker().State() != BreakerOpen {
		t.Fatalf("expected breaker OPEN, got %s", rc.Breaker().State())
	}

	// 熔断打开后不再触达上游
	before := inner.calls
	if _, err := rc.GetWallets(ctx); !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("expected ErrBreakerOpen, got %v", err)
	}
	if inner.calls != before {
		t.Error("breaker open should suppress the upstream call")
	}
}

func TestResilientClient_RateLimitIsNotABreakerFailure(t *testing.T) {
	inner := &fakeClient{err: &RateLimitError{Endpoint: "orders"}}
	rc := newResilientForTest(inner, 2)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := rc.GetOrders(ctx, nil, nil, 50, "")
		if !IsRateLimit(err) {
			t.Fatalf("expected rate limit error, got %v", err)
		}
	}
	if rc.Breaker().State() != BreakerClosed {
		t.Errorf("429 responses must not trip the breaker, state=%s", rc.Breaker().State())
	}
}

func TestResilientClient_RateLimitedProbesDoNotWedgeHalfOpen(t *testing.T) {
	inner := &fakeClient{err: errors.New("connection refused")}
	rc := newResilientForTest(inner, 1)
	ctx := context.Background()

	now := time.Now()
	rc.Breaker().now = func() time.Time { return now }

	_, _ = rc.GetWallets(ctx)
	if rc.Breaker().State() != BreakerOpen {
		t.Fatal("setup: breaker should be open")
	}

	// 恢复超时后上游只回 429：探测无结论，配额（3）被占满也必须归还
	now = now.Add(61 * time.Second)
	inner.err = &RateLimitError{Endpoint: "wallets"}
	for i := 0; i < 5; i++ {
		_, err := rc.GetWallets(ctx)
		if errors.Is(err, ErrBreakerOpen) {
			t.Fatalf("call %d suppressed: rate-limited probes must not consume the half-open quota", i+1)
		}
	}

	// 上游恢复后探测应能成功并最终闭合
	inner.err = nil
	for i := 0; i < 3; i++ {
		if _, err := rc.GetWallets(ctx); err != nil {
			t.Fatalf("probe %d after recovery: %v", i+1, err)
		}
	}
	if rc.Breaker().State() != BreakerClosed {
		t.Fatalf("expected CLOSED after successful probes, got %s", rc.Breaker().State())
	}
}

func TestResilientClient_DomainFailuresAreHealthy(t *testing.T) {
	inner := &fakeClient{err: &APIError{Status: 400, Code: "3003", Message: "Funds error"}}
	rc := newResilientForTest(inner, 2)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := rc.CreateOrder(ctx, OrderRequest{Market: "diam_iron", Side: "buy"})
		if !IsInsufficientFunds(err) {
			t.Fatalf("expected insufficient funds error, got %v", err)
		}
	}
	if rc.Breaker().State() != BreakerClosed {
		t.Errorf("domain failures must not trip the breaker, state=%s", rc.Breaker().State())
	}
}

func TestResilientClient_SupplyMetricsBypassesBreaker(t *testing.T) {
	inner := &fakeClient{err: errors.New("boom")}
	rc := newResilientForTest(inner, 1)
	ctx := context.Background()

	// 先把熔断打开
	_, _ = rc.GetWallets(ctx)
	if rc.Breaker().State() != BreakerOpen {
		t.Fatal("setup: breaker should be open")
	}

	// metrics 请求仍然放行
	inner.err = nil
	if _, err := rc.GetSupplyMetrics(ctx); err != nil {
		t.Errorf("supply metrics should bypass breaker, got %v", err)
	}
}
