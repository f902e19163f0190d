package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Market 交易对元数据。base/quote 由 "base_quote" 形式的标识符拆出。
type Market struct {
	Symbol string `json:"market"`
	Base   string `json:"base"`
	Quote  string `json:"quote"`
}

// SplitSymbol 从 "ston_iron" 形式的标识符拆出 base/quote。
func SplitSymbol(symbol string) (base, quote string, err error) {
	parts := strings.SplitN(symbol, "_", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed market symbol %q", symbol)
	}
	return strings.ToLower(parts[0]), strings.ToLower(parts[1]), nil
}

// Ticker 市场行情快照。
type Ticker struct {
	Market string  `json:"market"`
	Last   float64 `json:"last,string"`
	Close  float64 `json:"close,string"`
	Bid    float64 `json:"bid,string"`
	Ask    float64 `json:"ask,string"`
	Change float64 `json:"change,string"`
}

// Candle OHLCV K线。
type Candle struct {
	Open   float64 `json:"open,string"`
	High   float64 `json:"high,string"`
	Low    float64 `json:"low,string"`
	Close  float64 `json:"close,string"`
	Volume float64 `json:"volume,string"`
	Time   int64   `json:"time"`
}

// Order 交易所侧订单视图。
type Order struct {
	ID       string  `json:"id"`
	Market   string  `json:"market"`
	Side     string  `json:"side"` // buy / sell
	Price    float64 `json:"price,string"`
	Quantity float64 `json:"quantity,string"`
	Status   string  `json:"status"`
}

// IsResting 判断订单是否仍挂在盘口上。
// 交易所偶尔返回大写状态，这里统一小写比较。
func (o Order) IsResting() bool {
	switch strings.ToLower(o.Status) {
	case "open", "pending", "new":
		return true
	}
	return false
}

// OrderPage get_orders 的分页结果。
type OrderPage struct {
	Orders     []Order `json:"orders"`
	NextCursor string  `json:"next_cursor"`
}

// OrderRequest 下单参数。价格与数量由调用方格式化为字符串，
// 避免浮点序列化把 9.81 写成 9.8100000000000005。
type OrderRequest struct {
	Market   string `json:"market"`
	Side     string `json:"side"`
	Type     string `json:"type"`
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
}

// Trade 公共成交记录。
type Trade struct {
	ID       string  `json:"id"`
	Market   string  `json:"market"`
	Side     string  `json:"side"`
	Price    float64 `json:"price,string"`
	Quantity float64 `json:"quantity,string"`
}

// Client Blocky 交易所操作集合。REST 实现见 BlockyRESTClient，
// 所有上游调用都应经过 ResilientClient 包装。
type Client interface {
	GetMarkets(ctx context.Context) ([]Market, error)
	GetTickers(ctx context.Context) (map[string]Ticker, error)
	GetTicker(ctx context.Context, market string) (Ticker, error)
	GetOHLCV(ctx context.Context, market, timeframe string, limit int) ([]Candle, error)
	GetWallets(ctx context.Context) (map[string]float64, error)
	GetOrders(ctx context.Context, statuses []string, markets []string, limit int, cursor string) (OrderPage, error)
	GetTrades(ctx context.Context, limit int) ([]Trade, error)
	GetSupplyMetrics(ctx context.Context) (map[string]float64, error)
	CreateOrder(ctx context.Context, req OrderRequest) (Order, error)
	CancelOrder(ctx context.Context, orderID string) error
	CancelAllOrders(ctx context.Context) error
}

// ErrBreakerOpen 熔断器打开时返回，本轮对该调用路径的动作应被抑制。
var ErrBreakerOpen = errors.New("circuit breaker is open")

// RateLimitError 上游返回 429。是限流信号而非健康信号，
// 不计入熔断失败。
type RateLimitError struct {
	Endpoint string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited by upstream: %s", e.Endpoint)
}

// IsRateLimit 判断错误链中是否包含限流错误。
func IsRateLimit(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}

// APIError 非2xx的业务错误（资金不足、订单已关闭等）。
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d (code %s): %s", e.Status, e.Code, e.Message)
}

// IsOrderClosed 撤单时对方已不在盘口（良性竞态）。
func IsOrderClosed(err error) bool {
	var ae *APIError
	if !errors.As(err, &ae) {
		return false
	}
	return ae.Code == "1102" || strings.Contains(ae.Message, "Not Open")
}

// IsInsufficientFunds 下单时资金/库存不足（域内失败，本地吸收）。
func IsInsufficientFunds(err error) bool {
	var ae *APIError
	if !errors.As(err, &ae) {
		return false
	}
	return ae.Code == "3003" || strings.Contains(ae.Message, "Funds error")
}
