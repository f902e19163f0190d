package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blocky-maker-go/config"
	"blocky-maker-go/gateway"
	"blocky-maker-go/infrastructure/logger"
	"blocky-maker-go/internal/capital"
	"blocky-maker-go/internal/pricing"
	"blocky-maker-go/internal/strategy"
	"blocky-maker-go/metrics"
	"blocky-maker-go/order"
)

// mockClient 可编程的交易所假客户端。
type mockClient struct {
	mu sync.Mutex

	markets      []gateway.Market
	marketsErr   error
	tickers      map[string]gateway.Ticker
	wallets      map[string]float64
	walletsErr   error
	orders       []gateway.Order
	ordersCursor string
	ordersCalls  int
	trades       []gateway.Trade
	supplies     map[string]float64

	created      []gateway.OrderRequest
	createErr    map[string]error // market -> error
	cancelled    []string
	cancelAllHit int
}

func (m *mockClient) GetMarkets(ctx context.Context) ([]gateway.Market, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.markets, m.marketsErr
}

func (m *mockClient) GetTickers(ctx context.Context) (map[string]gateway.Ticker, error) {
	return m.tickers, nil
}

func (m *mockClient) GetTicker(ctx context.Context, market string) (gateway.Ticker, error) {
	if t, ok := m.tickers[market]; ok {
		return t, nil
	}
	return gateway.Ticker{}, errors.New("no ticker")
}

func (m *mockClient) GetOHLCV(ctx context.Context, market, timeframe string, limit int) ([]gateway.Candle, error) {
	return nil, errors.New("no candles")
}

func (m *mockClient) GetWallets(ctx context.Context) (map[string]float64, error) {
	return m.wallets, m.walletsErr
}

func (m *mockClient) GetOrders(ctx context.Context, statuses, markets []string, limit int, cursor string) (gateway.OrderPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ordersCalls++
	return gateway.OrderPage{Orders: m.orders, NextCursor: m.ordersCursor}, nil
}

func (m *mockClient) GetTrades(ctx context.Context, limit int) ([]gateway.Trade, error) {
	return m.trades, nil
}

func (m *mockClient) GetSupplyMetrics(ctx context.Context) (map[string]float64, error) {
	return m.supplies, nil
}

func (m *mockClient) CreateOrder(ctx context.Context, req gateway.OrderRequest) (gateway.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.createErr[req.Market]; err != nil {
		return gateway.Order{}, err
	}
	m.created = append(m.created, req)
	return gateway.Order{ID: "o1", Market: req.Market, Side: req.Side}, nil
}

func (m *mockClient) CancelOrder(ctx context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled = append(m.cancelled, orderID)
	return nil
}

func (m *mockClient) CancelAllOrders(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelAllHit++
	return nil
}

func (m *mockClient) cancelAllCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelAllHit
}

func (m *mockClient) createdOrders() []gateway.OrderRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]gateway.OrderRequest, len(m.created))
	copy(out, m.created)
	return out
}

func newTestEngine(t *testing.T, client *mockClient, cfg Config) *Engine {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "json"})
	require.NoError(t, err)

	spreadCfg := strategy.DefaultSpreadConfig()
	spreadCfg.Enabled = false // 固定3%价差，测试可预测
	allocCfg := capital.DefaultAllocatorConfig()
	allocCfg.Enabled = false // 固定目标额度
	e, err := New(cfg, Components{
		Client:     client,
		Pricer:     pricing.NewStrategy("ticker", nil, client),
		Spread:     strategy.NewSpreadCalculator(client, spreadCfg),
		Allocator:  capital.NewAllocator(allocCfg),
		Reconciler: order.NewReconciler(order.DefaultReconcilerConfig()),
		Logger:     log,
	})
	require.NoError(t, err)
	return e
}

func marketFixture() *mockClient {
	return &mockClient{
		markets: []gateway.Market{{Symbol: "diam_iron"}, {Symbol: "gold_iron"}},
		tickers: map[string]gateway.Ticker{
			"diam_iron": {Market: "diam_iron", Bid: 49.0, Ask: 51.0, Close: 50.0},
			"gold_iron": {Market: "gold_iron", Bid: 4.9, Ask: 5.1, Close: 5.0},
		},
		wallets:   map[string]float64{"iron": 1000, "diam": 20, "gold": 100},
		createErr: map[string]error{},
	}
}

func seedMarkets(e *Engine, markets ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.markets = markets
	for _, m := range markets {
		e.marketLocks[m] = &sync.Mutex{}
	}
}

func TestRunCycle_PlacesBothSides(t *testing.T) {
	client := marketFixture()
	e := newTestEngine(t, client, DefaultEngineConfig())
	seedMarkets(e, "diam_iron")

	e.RunCycle(context.Background())

	created := client.createdOrders()
	require.Len(t, created, 2, "want buy+sell")
	sides := map[string]gateway.OrderRequest{}
	for _, r := range created {
		sides[r.Side] = r
	}
	// ticker mid 50.00, 3% symmetric spread: buy 49.25, sell 50.75
	assert.Equal(t, "49.25", sides["buy"].Price)
	assert.Equal(t, "50.75", sides["sell"].Price)
}

func TestRunCycle_PublishesInventoryGauges(t *testing.T) {
	client := marketFixture()
	client.orders = []gateway.Order{
		{ID: "b1", Market: "diam_iron", Side: "buy", Price: 49.25, Quantity: 0.20, Status: "open"},
	}
	e := newTestEngine(t, client, DefaultEngineConfig())
	seedMarkets(e, "diam_iron")

	e.RunCycle(context.Background())

	// 基础侧含钱包20，报价侧含钱包1000加买单锁定 49.25*0.20
	assert.InDelta(t, 20.0, testutil.ToFloat64(metrics.InventoryBase.WithLabelValues("diam_iron")), 1e-9)
	assert.InDelta(t, 1009.85, testutil.ToFloat64(metrics.InventoryQuote.WithLabelValues("diam_iron")), 1e-9)
}

func TestRunCycle_DryRunPlacesNothing(t *testing.T) {
	client := marketFixture()
	cfg := DefaultEngineConfig()
	cfg.DryRun = true
	e := newTestEngine(t, client, cfg)
	seedMarkets(e, "diam_iron")

	e.RunCycle(context.Background())

	assert.Empty(t, client.createdOrders(), "dry run must not hit the exchange")
	assert.NotZero(t, e.ordersPlaced.Load(), "dry run should still count intended orders")
}

func TestRunCycle_MarketErrorIsolated(t *testing.T) {
	client := marketFixture()
	client.createErr["diam_iron"] = errors.New("boom")
	e := newTestEngine(t, client, DefaultEngineConfig())
	seedMarkets(e, "diam_iron", "gold_iron")

	e.RunCycle(context.Background())

	var goldOrders int
	for _, r := range client.createdOrders() {
		if r.Market == "gold_iron" {
			goldOrders++
		}
	}
	assert.NotZero(t, goldOrders, "failure on one market must not block the others")
}

func TestRunCycle_MatchingOrdersLeftAlone(t *testing.T) {
	client := marketFixture()
	// resting orders already at the target quotes (10.0 target / 49.25)
	client.orders = []gateway.Order{
		{ID: "b1", Market: "diam_iron", Side: "buy", Price: 49.25, Quantity: 0.20, Status: "open"},
		{ID: "s1", Market: "diam_iron", Side: "sell", Price: 50.75, Quantity: 0.20, Status: "open"},
	}
	e := newTestEngine(t, client, DefaultEngineConfig())
	seedMarkets(e, "diam_iron")

	e.RunCycle(context.Background())

	assert.Empty(t, client.cancelled, "orders within tolerance should survive")
	for _, r := range client.createdOrders() {
		assert.NotEqual(t, "diam_iron", r.Market, "no new orders expected for diam_iron")
	}
}

func TestRunCycle_StaleOrderCancelled(t *testing.T) {
	client := marketFixture()
	client.orders = []gateway.Order{
		{ID: "b1", Market: "diam_iron", Side: "buy", Price: 30.00, Quantity: 5, Status: "open"},
	}
	e := newTestEngine(t, client, DefaultEngineConfig())
	seedMarkets(e, "diam_iron")

	e.RunCycle(context.Background())

	assert.Contains(t, client.cancelled, "b1", "drifted order should be cancelled")
}

func TestFetchOpenOrders_RepeatedCursorTerminates(t *testing.T) {
	client := marketFixture()
	// 满页50条且游标永不前进，模拟上游忽略 cursor 参数
	for i := 0; i < 50; i++ {
		client.orders = append(client.orders, gateway.Order{
			ID: fmt.Sprintf("o%d", i), Market: "diam_iron", Side: "buy",
			Price: 49.25, Quantity: 0.20, Status: "open",
		})
	}
	client.ordersCursor = "stuck"
	e := newTestEngine(t, client, DefaultEngineConfig())

	got := e.fetchOpenOrders(context.Background())

	client.mu.Lock()
	calls := client.ordersCalls
	client.mu.Unlock()
	assert.Equal(t, 2, calls, "second page repeats the cursor, fetch must stop there")
	assert.Len(t, got["diam_iron"], 100)
}

func TestDiscoverMarkets_Filters(t *testing.T) {
	client := marketFixture()
	client.markets = []gateway.Market{
		{Symbol: "diam_iron"}, {Symbol: "gold_iron"}, {Symbol: "ston_iron"},
	}

	cfg := DefaultEngineConfig()
	cfg.EnabledMarkets = []string{"diam_iron", "gold_iron"}
	cfg.DisabledMarkets = []string{"gold_iron"}
	e := newTestEngine(t, client, cfg)

	got, err := e.DiscoverMarkets(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"diam_iron"}, got, "whitelist then blacklist")
}

func TestProcessMarket_BusyLockSkips(t *testing.T) {
	client := marketFixture()
	e := newTestEngine(t, client, DefaultEngineConfig())
	seedMarkets(e, "diam_iron")

	e.mu.Lock()
	lock := e.marketLocks["diam_iron"]
	e.mu.Unlock()
	lock.Lock()
	defer lock.Unlock()

	err := e.processMarket(context.Background(), "diam_iron", nil, nil, nil, nil, 10)
	require.NoError(t, err, "busy lock should skip silently")
	assert.Empty(t, client.createdOrders(), "skipped market must not place orders")
}

func TestProcessMarket_PlaceFailureRestoresPool(t *testing.T) {
	client := marketFixture()
	client.createErr["diam_iron"] = errors.New("boom")
	e := newTestEngine(t, client, DefaultEngineConfig())
	seedMarkets(e, "diam_iron")

	tracker := capital.NewTracker(map[string]float64{"iron": 1000})
	tk := client.tickers["diam_iron"]
	err := e.processMarket(context.Background(), "diam_iron", nil, &tk, nil, tracker, 10)
	require.NoError(t, err)

	// 买单成本 49.25*0.20=9.85 已从池里扣走，下单失败后必须原数归还
	assert.InDelta(t, 1000.0, tracker.Available("iron"), 1e-9)
}

func TestPollTrades_CursorDeduplicates(t *testing.T) {
	client := marketFixture()
	client.trades = []gateway.Trade{
		{ID: "t3", Market: "diam_iron", Side: "buy", Price: 50, Quantity: 1},
		{ID: "t2", Market: "diam_iron", Side: "sell", Price: 50, Quantity: 1},
	}
	e := newTestEngine(t, client, DefaultEngineConfig())

	e.pollTrades(context.Background())
	require.Equal(t, "t3", e.tradeCursor)

	// same page again: cursor should not move and nothing reprocessed
	e.pollTrades(context.Background())
	assert.Equal(t, "t3", e.tradeCursor, "cursor must not move on duplicate poll")
}

func TestHandleWSEvent_UnknownMarketIgnored(t *testing.T) {
	client := marketFixture()
	e := newTestEngine(t, client, DefaultEngineConfig())
	seedMarkets(e, "diam_iron")

	payload, _ := json.Marshal(map[string]string{"price": "50", "quantity": "1", "side": "buy"})
	e.handleWSEvent(context.Background(), gateway.WSEvent{
		Channel: "wtf_iron:transactions",
		Payload: payload,
	})

	assert.Empty(t, client.createdOrders(), "events for unknown markets must be ignored")
}

func TestHandleWSEvent_TriggersQuoteRefresh(t *testing.T) {
	client := marketFixture()
	e := newTestEngine(t, client, DefaultEngineConfig())
	seedMarkets(e, "diam_iron")

	payload, _ := json.Marshal(map[string]string{"price": "50", "quantity": "1", "side": "buy"})
	e.handleWSEvent(context.Background(), gateway.WSEvent{
		Channel: "diam_iron:transactions",
		Payload: payload,
	})

	assert.NotEmpty(t, client.createdOrders(), "trade event should trigger a quote refresh")
}

func TestStartup_RetriesUntilMarketsAppear(t *testing.T) {
	client := marketFixture()
	client.marketsErr = errors.New("api down")

	cfg := DefaultEngineConfig()
	cfg.StartupRetry = 10 * time.Millisecond
	e := newTestEngine(t, client, cfg)

	// heal the API shortly after startup begins
	go func() {
		time.Sleep(30 * time.Millisecond)
		client.mu.Lock()
		client.marketsErr = nil
		client.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.Startup(ctx), "startup should eventually succeed")
	assert.NotZero(t, client.cancelAllCount(), "startup should sweep leftover orders")
}

func TestApplyTunables_SwapsTargetValue(t *testing.T) {
	client := marketFixture()
	e := newTestEngine(t, client, DefaultEngineConfig())

	cfg := config.Default()
	cfg.Trading.TargetValue = 42
	e.ApplyTunables(config.Tunables{
		DynamicSpread: cfg.DynamicSpread,
		Allocation:    cfg.Allocation,
		Reconcile:     cfg.Reconcile,
		TargetValue:   cfg.Trading.TargetValue,
	})

	e.mu.Lock()
	got := e.targetValue
	e.mu.Unlock()
	assert.Equal(t, 42.0, got)
}
