// Package engine 做市主循环：市场发现、逐市场报价维护、周期编排。
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"blocky-maker-go/config"
	"blocky-maker-go/gateway"
	"blocky-maker-go/infrastructure/alert"
	"blocky-maker-go/infrastructure/logger"
	"blocky-maker-go/internal/capital"
	"blocky-maker-go/internal/health"
	"blocky-maker-go/internal/pricing"
	"blocky-maker-go/internal/strategy"
	"blocky-maker-go/metrics"
	"blocky-maker-go/order"
)

// Config 引擎配置
type Config struct {
	DryRun          bool
	TargetValue     float64       // 单市场目标挂单价值（分配器禁用时生效）
	MaxQuantity     float64       // 单侧最大数量
	MinNotional     float64       // 最小名义价值
	RefreshInterval time.Duration // 完整性检查周期
	MinSpreadTicks  float64       // pennying 后的最小价差
	PricePrecision  int32
	EnabledMarkets  []string // 白名单，空=全部
	DisabledMarkets []string // 黑名单
	WalletThrottle  time.Duration
	StartupRetry    time.Duration // 启动失败重试间隔
	BreakerRetry    time.Duration // 熔断打开时的启动重试间隔
}

// DefaultEngineConfig 返回默认配置
func DefaultEngineConfig() Config {
	return Config{
		TargetValue:     10.0,
		MaxQuantity:     6400,
		MinNotional:     0.05,
		RefreshInterval: time.Minute,
		MinSpreadTicks:  0.01,
		PricePrecision:  2,
		WalletThrottle:  100 * time.Millisecond,
		StartupRetry:    5 * time.Second,
		BreakerRetry:    30 * time.Second,
	}
}

// Components 引擎依赖组件
type Components struct {
	Client     gateway.Client
	PriceModel *pricing.Model
	Pricer     *pricing.Strategy
	Spread     *strategy.SpreadCalculator
	Allocator  *capital.Allocator
	Reconciler *order.Reconciler
	Alerts     *alert.Manager
	Logger     *logger.Logger
	WS         *gateway.BlockyWS // 可选，nil 时只靠周期轮询
}

// Engine 做市引擎。每个市场一把试锁：周期循环与 WS 触发并发到达时，
// 后到的一方直接跳过而不是排队，报价总是基于最新状态。
type Engine struct {
	cfg Config

	client     gateway.Client
	priceModel *pricing.Model
	pricer     *pricing.Strategy
	spread     *strategy.SpreadCalculator
	allocator  *capital.Allocator
	reconciler *order.Reconciler
	alerts     *alert.Manager
	log        *logger.Logger
	ws         *gateway.BlockyWS

	mu              sync.Mutex
	markets         []string
	marketLocks     map[string]*sync.Mutex
	wallets         map[string]float64
	lastWalletFetch time.Time
	tradeCursor     string
	targetValue     float64
	lastCycle       time.Time

	ordersPlaced    atomic.Int64
	ordersCancelled atomic.Int64

	now func() time.Time
}

// New 创建引擎
func New(cfg Config, c Components) (*Engine, error) {
	if c.Client == nil {
		return nil, errors.New("engine: client is required")
	}
	if c.Pricer == nil || c.Spread == nil || c.Reconciler == nil {
		return nil, errors.New("engine: pricer, spread and reconciler are required")
	}
	if c.Logger == nil {
		return nil, errors.New("engine: logger is required")
	}
	if cfg.TargetValue <= 0 {
		cfg.TargetValue = 10.0
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = time.Minute
	}
	if cfg.WalletThrottle <= 0 {
		cfg.WalletThrottle = 100 * time.Millisecond
	}
	if cfg.StartupRetry <= 0 {
		cfg.StartupRetry = 5 * time.Second
	}
	if cfg.BreakerRetry <= 0 {
		cfg.BreakerRetry = 30 * time.Second
	}
	if cfg.PricePrecision <= 0 {
		cfg.PricePrecision = 2
	}

	return &Engine{
		cfg:         cfg,
		client:      c.Client,
		priceModel:  c.PriceModel,
		pricer:      c.Pricer,
		spread:      c.Spread,
		allocator:   c.Allocator,
		reconciler:  c.Reconciler,
		alerts:      c.Alerts,
		log:         c.Logger,
		ws:          c.WS,
		marketLocks: make(map[string]*sync.Mutex),
		wallets:     make(map[string]float64),
		targetValue: cfg.TargetValue,
		now:         time.Now,
	}, nil
}

// ApplyTunables 应用热更新的策略参数。
func (e *Engine) ApplyTunables(t config.Tunables) {
	e.mu.Lock()
	e.targetValue = t.TargetValue
	e.mu.Unlock()

	e.spread.SetConfig(strategy.SpreadConfig{
		Enabled:              t.DynamicSpread.Enabled,
		BaseSpread:           t.DynamicSpread.BaseSpread,
		VolatilityMultiplier: t.DynamicSpread.VolatilityMultiplier,
		InventoryImpact:      t.DynamicSpread.InventoryImpact,
		MinSpread:            t.DynamicSpread.MinSpread,
		MaxSpread:            t.DynamicSpread.MaxSpread,
		VolatilityWindow:     t.DynamicSpread.VolatilityWindow,
	})
	if e.allocator != nil {
		e.allocator.SetConfig(capital.AllocatorConfig{
			Enabled:          t.Allocation.Enabled,
			BaseReserveRatio: t.Allocation.BaseReserveRatio,
			MaxReserveRatio:  t.Allocation.MaxReserveRatio,
			MinOrderValue:    t.Allocation.MinOrderValue,
			PriorityMarkets:  t.Allocation.PriorityMarkets,
			PriorityBoost:    t.Allocation.PriorityBoost,
		})
	}
	e.reconciler.SetConfig(order.ReconcilerConfig{
		Policy:         order.TolerancePolicy(t.Reconcile.TolerancePolicy),
		PriceTolerance: t.Reconcile.PriceTolerance,
		QtyTolerance:   t.Reconcile.QtyTolerance,
	})
	e.log.Info("tunables reloaded", zap.Float64("target_value", t.TargetValue))
}

// DiscoverMarkets 拉取可用市场并应用白名单/黑名单。
func (e *Engine) DiscoverMarkets(ctx context.Context) ([]string, error) {
	all, err := e.client.GetMarkets(ctx)
	if err != nil {
		return nil, err
	}

	var whitelist, blacklist map[string]bool
	if len(e.cfg.EnabledMarkets) > 0 {
		whitelist = make(map[string]bool, len(e.cfg.EnabledMarkets))
		for _, m := range e.cfg.EnabledMarkets {
			whitelist[m] = true
		}
	}
	if len(e.cfg.DisabledMarkets) > 0 {
		blacklist = make(map[string]bool, len(e.cfg.DisabledMarkets))
		for _, m := range e.cfg.DisabledMarkets {
			blacklist[m] = true
		}
	}

	var filtered []string
	for _, m := range all {
		if whitelist != nil && !whitelist[m.Symbol] {
			continue
		}
		if blacklist[m.Symbol] {
			continue
		}
		filtered = append(filtered, m.Symbol)
	}
	return filtered, nil
}

// Startup 初始化直至成功：发现市场、清理遗留挂单、确认钱包可读。
// API 不可用时按间隔重试，熔断打开时退避更久。
func (e *Engine) Startup(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.log.Info("initializing, checking api availability")

		markets, err := e.DiscoverMarkets(ctx)
		if err != nil || len(markets) == 0 {
			wait := e.cfg.StartupRetry
			if errors.Is(err, gateway.ErrBreakerOpen) {
				wait = e.cfg.BreakerRetry
				e.alertError("circuit breaker open", "startup blocked, waiting for recovery")
			} else {
				e.alertWarning("startup delayed", "no markets found, api may be down")
			}
			e.log.Warn("no markets available, retrying",
				zap.Error(err), zap.Duration("wait", wait))
			if !sleepCtx(ctx, wait) {
				return ctx.Err()
			}
			continue
		}

		e.mu.Lock()
		e.markets = markets
		for _, m := range markets {
			if _, ok := e.marketLocks[m]; !ok {
				e.marketLocks[m] = &sync.Mutex{}
			}
		}
		e.mu.Unlock()

		if e.cfg.DryRun {
			e.log.Warn("dry-run mode enabled, no real orders will be placed")
		} else {
			e.log.Info("cancelling leftover orders from previous run")
			if err := e.client.CancelAllOrders(ctx); err != nil {
				e.log.Warn("startup cleanup failed", zap.Error(err))
			}
		}

		e.refreshWallets(ctx, true)
		e.mu.Lock()
		haveWallets := len(e.wallets) > 0
		e.mu.Unlock()
		if !haveWallets {
			e.alertWarning("startup delayed", "failed to fetch wallets")
			if !sleepCtx(ctx, e.cfg.StartupRetry) {
				return ctx.Err()
			}
			continue
		}

		e.log.Info("startup successful",
			zap.Int("markets", len(markets)),
			zap.Bool("dry_run", e.cfg.DryRun))
		e.alertInfo("engine started",
			fmt.Sprintf("quoting on %d markets", len(markets)))
		return nil
	}
}

// Run 主循环：启动、WS 订阅、播种一轮报价，然后按周期做完整性检查。
// ctx 取消时撤掉所有挂单再退出。
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Startup(ctx); err != nil {
		return err
	}

	if e.ws != nil {
		e.mu.Lock()
		markets := e.markets
		e.mu.Unlock()
		for _, m := range markets {
			e.ws.Subscribe(m, func(ev gateway.WSEvent) {
				e.handleWSEvent(ctx, ev)
			})
		}
		go func() {
			if err := e.ws.Run(ctx); err != nil && ctx.Err() == nil {
				e.log.Error("websocket loop exited", zap.Error(err))
			}
		}()
	}

	e.log.Info("seeding initial orders")
	e.RunCycle(ctx)

	ticker := time.NewTicker(e.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return ctx.Err()
		case <-ticker.C:
			e.log.Info("integrity check, verifying orders")
			e.RunCycle(ctx)
		}
	}
}

// shutdown 收尾：撤掉全部挂单。用独立的超时上下文，主 ctx 已经取消。
func (e *Engine) shutdown() {
	if e.cfg.DryRun {
		return
	}
	e.log.Info("shutting down, cancelling all orders")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.client.CancelAllOrders(ctx); err != nil {
		e.log.Error("shutdown cancel sweep failed", zap.Error(err))
		return
	}
	e.log.Info("all orders cancelled")
}

// RunCycle 对全部市场跑一轮报价维护，共享同一个资金池。
func (e *Engine) RunCycle(ctx context.Context) {
	e.refreshWallets(ctx, true)

	e.mu.Lock()
	markets := e.markets
	wallets := make(map[string]float64, len(e.wallets))
	for k, v := range e.wallets {
		wallets[k] = v
	}
	target := e.targetValue
	e.mu.Unlock()

	if len(markets) == 0 {
		return
	}

	tracker := capital.NewTracker(wallets)

	// 每市场额度：分配器启用时按动态计划，否则用固定目标
	perMarket := func(m string) float64 { return target }
	if e.allocator != nil && e.allocator.Enabled() {
		plan := e.allocator.ComputePlan(wallets["iron"], len(markets))
		if plan.BasePerMarket > 0 {
			perMarket = func(m string) float64 {
				return e.allocator.MarketAllocation(m, plan.BasePerMarket)
			}
		}
	}

	var supplies map[string]float64
	if e.priceModel != nil {
		supplies = e.priceModel.CirculatingSupply(ctx)
		if !e.priceModel.IsHealthy() {
			// 重复告警由 manager 按标题节流
			e.alertWarning("price model degraded",
				fmt.Sprintf("supply metrics stale, %d consecutive failures", e.priceModel.ConsecutiveFailures()))
		}
	}

	tickers, err := e.client.GetTickers(ctx)
	if err != nil {
		e.log.Warn("ticker batch fetch failed", zap.Error(err))
		tickers = nil
	}

	openByMarket := e.fetchOpenOrders(ctx)

	var wg sync.WaitGroup
	for _, m := range markets {
		wg.Add(1)
		go func(market string) {
			defer wg.Done()
			var t *gateway.Ticker
			if tk, ok := tickers[market]; ok {
				t = &tk
			}
			if err := e.processMarket(ctx, market, supplies, t, openByMarket[market], tracker, perMarket(market)); err != nil {
				metrics.CycleErrors.Inc()
				e.log.LogCycleError(market, err)
			}
		}(m)
	}
	wg.Wait()

	e.pollTrades(ctx)

	e.mu.Lock()
	e.lastCycle = e.now()
	e.mu.Unlock()
}

// processMarket 维护一个市场的双边报价。锁被占用说明已有更新在跑，
// 直接跳过。tracker 为 nil 时（WS 单市场路径）跳过共享池的原子扣减。
func (e *Engine) processMarket(ctx context.Context, market string, supplies map[string]float64, ticker *gateway.Ticker, openOrders []gateway.Order, tracker *capital.Tracker, allocated float64) error {
	e.mu.Lock()
	lock, ok := e.marketLocks[market]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	if !lock.TryLock() {
		metrics.CyclesSkipped.Inc()
		return nil
	}
	defer lock.Unlock()

	e.refreshWallets(ctx, false)

	base, quote, err := gateway.SplitSymbol(market)
	if err != nil {
		return err
	}

	// 公允价，行情回退
	res := e.pricer.Price(ctx, market, ticker, supplies)
	mid := res.Mid
	if mid <= 0 && ticker != nil {
		mid = ticker.Close
		if mid <= 0 {
			mid = ticker.Last
		}
	}
	if mid <= 0 {
		t, err := e.client.GetTicker(ctx, market)
		if err != nil {
			return fmt.Errorf("no price source: %w", err)
		}
		ticker = &t
		mid = t.Close
	}
	if mid <= 0 {
		return nil
	}
	e.spread.RecordPrice(market, mid)

	e.mu.Lock()
	baseWallet := e.wallets[base]
	quoteWallet := e.wallets[quote]
	e.mu.Unlock()

	buySpread, sellSpread := e.spread.Spreads(ctx, market, baseWallet, 0)
	buy, sell := strategy.CalculateQuotes(mid, buySpread, sellSpread, e.cfg.PricePrecision)
	buy, sell = strategy.ApplyPennying(buy, sell, mid, ticker, openOrders, e.cfg.MinSpreadTicks, e.cfg.PricePrecision)

	lockedBase, lockedQuote := order.LockedFunds(openOrders)
	baseBalance := baseWallet + lockedBase
	var quoteBalance float64
	if tracker != nil {
		quoteBalance = tracker.Available(quote) + lockedQuote
	} else {
		quoteBalance = quoteWallet + lockedQuote
	}

	sz := strategy.ComputeSizing(buy, sell, baseBalance, quoteBalance, allocated, e.cfg.MaxQuantity, e.cfg.MinNotional)

	// 共享池原子扣减，资金不足时缩单
	var grantedBuy float64
	if sz.ShouldBuy && tracker != nil {
		cost := buy * sz.BuyQty
		granted, ok := tracker.Allocate(quote, cost, lockedQuote)
		if !ok {
			sz.ShouldBuy = false
		} else {
			grantedBuy = granted
			if granted < cost && buy > 0 {
				sz.BuyQty = roundTo2(granted / buy)
			}
		}
	}

	d := e.reconciler.Diff(openOrders,
		order.Target{Price: buy, Qty: sz.BuyQty, Active: sz.ShouldBuy},
		order.Target{Price: sell, Qty: sz.SellQty, Active: sz.ShouldSell})

	e.cancelStale(ctx, market, d.Cancel)

	if sz.ShouldBuy && !d.BuyActive && buy > 0 {
		if err := e.placeOrder(ctx, market, "buy", buy, sz.BuyQty); err != nil && tracker != nil {
			// 下单失败，把从共享池扣走的净额还回去
			if deducted := grantedBuy - lockedQuote; deducted > 0 {
				tracker.Restore(quote, deducted)
			}
		}
	}
	if sz.ShouldSell && !d.SellActive && sell > 0 {
		_ = e.placeOrder(ctx, market, "sell", sell, sz.SellQty)
	}

	quoteInv := quoteWallet + lockedQuote
	metrics.UpdateQuote(market, mid, buy, sell)
	metrics.UpdateInventory(market, baseBalance, quoteInv)
	e.log.LogQuote(market, mid, buy, sell, baseBalance, quoteInv, d.BuyActive, d.SellActive)
	return nil
}

func (e *Engine) cancelStale(ctx context.Context, market string, ids []string) {
	for _, id := range ids {
		if e.cfg.DryRun {
			e.log.Info("dry-run: would cancel order",
				zap.String("market", market), zap.String("order_id", id))
			e.ordersCancelled.Add(1)
			metrics.RecordOrderCancelled()
			continue
		}
		if err := e.client.CancelOrder(ctx, id); err != nil {
			if gateway.IsOrderClosed(err) {
				// 订单已成交或已撤，良性竞态
				continue
			}
			e.log.Error("cancel failed",
				zap.String("market", market), zap.String("order_id", id), zap.Error(err))
			metrics.OrderErrors.Inc()
			continue
		}
		e.ordersCancelled.Add(1)
		metrics.RecordOrderCancelled()
		e.log.LogOrder("cancelled", id, market, "", 0, 0)
	}
}

func (e *Engine) placeOrder(ctx context.Context, market, side string, price, qty float64) error {
	if e.cfg.DryRun {
		e.log.Info("dry-run: would place order",
			zap.String("market", market), zap.String("side", side),
			zap.Float64("price", price), zap.Float64("quantity", qty))
		e.ordersPlaced.Add(1)
		metrics.RecordOrderPlaced()
		return nil
	}

	req := gateway.OrderRequest{
		Market:   market,
		Side:     side,
		Type:     "limit",
		Price:    formatAmount(price, e.cfg.PricePrecision),
		Quantity: formatAmount(qty, 2),
	}
	placed, err := e.client.CreateOrder(ctx, req)
	if err != nil {
		if gateway.IsInsufficientFunds(err) {
			e.log.Warn("order rejected, insufficient funds",
				zap.String("market", market), zap.String("side", side))
		} else {
			e.log.Error("place order failed",
				zap.String("market", market), zap.String("side", side), zap.Error(err))
			metrics.OrderErrors.Inc()
		}
		return err
	}
	e.ordersPlaced.Add(1)
	metrics.RecordOrderPlaced()
	e.log.LogOrder("placed", placed.ID, market, side, price, qty)
	return nil
}

// refreshWallets 拉取钱包余额，按节流间隔去重。
func (e *Engine) refreshWallets(ctx context.Context, force bool) {
	e.mu.Lock()
	if !force && e.now().Sub(e.lastWalletFetch) < e.cfg.WalletThrottle {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	wallets, err := e.client.GetWallets(ctx)
	if err != nil {
		e.log.Warn("wallet fetch failed", zap.Error(err))
		return
	}

	e.mu.Lock()
	e.wallets = wallets
	e.lastWalletFetch = e.now()
	e.mu.Unlock()
}

// maxOrderPages 挂单分页上限。上游可能忽略 cursor 参数反复返回同一页，
// 游标重复或翻满上限都视为到底。
const maxOrderPages = 40

// fetchOpenOrders 分页拉取全部挂单并按市场分组。
// 上游会忽略状态过滤参数，必须客户端再过滤。
func (e *Engine) fetchOpenOrders(ctx context.Context) map[string][]gateway.Order {
	var all []gateway.Order
	cursor := ""
	for page := 0; page < maxOrderPages; page++ {
		p, err := e.client.GetOrders(ctx, []string{"open"}, nil, 50, cursor)
		if err != nil {
			e.log.Warn("open orders fetch failed", zap.Error(err))
			break
		}
		if len(p.Orders) == 0 {
			break
		}
		all = append(all, p.Orders...)
		if p.NextCursor == "" || p.NextCursor == cursor || len(p.Orders) < 50 {
			break
		}
		cursor = p.NextCursor
	}
	return order.GroupResting(all)
}

// pollTrades 轮询最近成交，游标去重后记入指标。
func (e *Engine) pollTrades(ctx context.Context) {
	trades, err := e.client.GetTrades(ctx, 50)
	if err != nil {
		return
	}

	e.mu.Lock()
	cursor := e.tradeCursor
	e.mu.Unlock()

	// 接口返回新到旧，倒序处理保持时间顺序
	var newCursor string
	for i := len(trades) - 1; i >= 0; i-- {
		t := trades[i]
		if t.ID == "" || (cursor != "" && t.ID <= cursor) {
			continue
		}
		if t.Price > 0 && t.Quantity > 0 {
			metrics.RecordTrade(t.Market, t.Side)
			e.spread.RecordPrice(t.Market, t.Price)
			e.log.Info("recorded fill",
				zap.String("market", t.Market), zap.String("side", t.Side),
				zap.Float64("price", t.Price), zap.Float64("quantity", t.Quantity))
		}
		if newCursor == "" || t.ID > newCursor {
			newCursor = t.ID
		}
	}

	if newCursor != "" {
		e.mu.Lock()
		if newCursor > e.tradeCursor {
			e.tradeCursor = newCursor
		}
		e.mu.Unlock()
	}
}

// handleWSEvent 实时事件触发单市场刷新。
func (e *Engine) handleWSEvent(ctx context.Context, ev gateway.WSEvent) {
	market := ev.Market()
	if market == "" {
		return
	}
	e.mu.Lock()
	_, known := e.marketLocks[market]
	target := e.targetValue
	e.mu.Unlock()
	if !known {
		return
	}

	if ev.IsTrade() {
		var p gateway.TradePayload
		if err := ev.DecodeTrade(&p); err == nil && p.Price > 0 {
			metrics.RecordTrade(market, p.Side)
			e.spread.RecordPrice(market, p.Price)
		}
	}

	var supplies map[string]float64
	if e.priceModel != nil {
		supplies = e.priceModel.CirculatingSupply(ctx)
	}

	page, err := e.client.GetOrders(ctx, []string{"open"}, []string{market}, 50, "")
	if err != nil {
		// 看不到自己的挂单就不能安全对账，跳过本次触发
		e.log.Warn("ws trigger: open orders fetch failed",
			zap.String("market", market), zap.Error(err))
		return
	}
	open := order.FilterResting(page.Orders, market)

	if err := e.processMarket(ctx, market, supplies, nil, open, nil, target); err != nil {
		metrics.CycleErrors.Inc()
		e.log.LogCycleError(market, err)
	}
}

// HealthStatus 供健康端点读取的状态快照。
func (e *Engine) HealthStatus() health.EngineStatus {
	e.mu.Lock()
	markets := make([]string, len(e.markets))
	copy(markets, e.markets)
	lastCycle := e.lastCycle
	e.mu.Unlock()

	st := health.EngineStatus{
		Markets:         markets,
		PriceModelOK:    true,
		OrdersPlaced:    e.ordersPlaced.Load(),
		OrdersCancelled: e.ordersCancelled.Load(),
		LastCycle:       lastCycle,
	}
	if e.priceModel != nil {
		st.PriceModelOK = e.priceModel.IsHealthy()
	}
	if e.ws != nil {
		st.WSConnected = e.ws.Connected()
	}
	return st
}

func (e *Engine) alertInfo(title, msg string) {
	if e.alerts != nil {
		e.alerts.Info(title, msg)
	}
}

func (e *Engine) alertWarning(title, msg string) {
	if e.alerts != nil {
		e.alerts.Warning(title, msg)
	}
}

func (e *Engine) alertError(title, msg string) {
	if e.alerts != nil {
		e.alerts.Error(title, msg)
	}
}

func formatAmount(v float64, precision int32) string {
	return strconv.FormatFloat(v, 'f', int(precision), 64)
}

func roundTo2(v float64) float64 {
	return math.Round(v*100) / 100
}

// sleepCtx 可中断睡眠，ctx 取消返回 false。
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
