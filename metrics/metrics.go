// Package metrics provides Prometheus metrics for the market maker
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "blocky_mm"

var (
	// 订单指标
	OrdersPlaced = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "orders_placed_total",
		Help: "订单下单总数",
	})
	OrdersCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "orders_cancelled_total",
		Help: "订单撤单总数",
	})
	OrderErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "order_errors_total",
		Help: "下单/撤单失败总数",
	})

	// 成交指标
	TradesRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "trades_recorded_total",
		Help: "记录的成交笔数",
	}, []string{"market", "side"})

	// 市场指标
	MidPrice = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Name: "mid_price",
		Help: "公允中值价",
	}, []string{"market"})
	QuoteSpread = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Name: "quote_spread",
		Help: "当前买卖报价价差",
	}, []string{"market"})
	InventoryBase = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Name: "inventory_base",
		Help: "基础资产持仓（含挂单锁定）",
	}, []string{"market"})
	InventoryQuote = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Name: "inventory_quote",
		Help: "报价资产持仓（含挂单锁定）",
	}, []string{"market"})

	// 周期指标
	CycleErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "cycle_errors_total",
		Help: "单市场处理失败总数",
	})
	CyclesSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "cycles_skipped_total",
		Help: "因上一轮未完成而跳过的触发次数",
	})

	// 资金指标
	CapitalDeployable = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "capital_deployable",
		Help: "扣除储备后可部署的报价资产",
	})
	CapitalReserve = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "capital_reserve",
		Help: "当前储备金额",
	})

	// 弹性层指标
	RateLimiterWaits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "rate_limiter_waits_total",
		Help: "限流等待次数",
	})
	RateLimiterWaitSeconds = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "rate_limiter_wait_seconds_total",
		Help: "限流等待累计秒数",
	})
	breakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "circuit_breaker_state",
		Help: "熔断器状态 0=CLOSED 1=OPEN 2=HALF_OPEN",
	})

	// 价格模型指标
	PriceModelHealthy = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "price_model_healthy",
		Help: "价格模型健康 1=健康 0=降级",
	})
)

// SetBreakerState 更新熔断状态仪表。
func SetBreakerState(state int) {
	breakerState.Set(float64(state))
}

// RecordOrderPlaced 下单成功计数。
func RecordOrderPlaced() {
	OrdersPlaced.Inc()
}

// RecordOrderCancelled 撤单成功计数。
func RecordOrderCancelled() {
	OrdersCancelled.Inc()
}

// RecordTrade 记录一笔成交。
func RecordTrade(market, side string) {
	TradesRecorded.WithLabelValues(market, side).Inc()
}

// UpdateQuote 更新每市场报价仪表。
func UpdateQuote(market string, mid, buy, sell float64) {
	MidPrice.WithLabelValues(market).Set(mid)
	if buy > 0 && sell > 0 {
		QuoteSpread.WithLabelValues(market).Set(sell - buy)
	}
}

// UpdateInventory 更新每市场持仓仪表。
func UpdateInventory(market string, base, quote float64) {
	InventoryBase.WithLabelValues(market).Set(base)
	InventoryQuote.WithLabelValues(market).Set(quote)
}

// StartMetricsServer 启动Prometheus指标服务器
func StartMetricsServer(addr string) {
	http.Handle("/metrics", promhttp.Handler())
	go func() {
		_ = http.ListenAndServe(addr, nil)
	}()
}
