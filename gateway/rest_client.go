package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// BlockyRESTClient Blocky HTTP API 客户端。HTTPClient 可注入 httptest。
// 不做限流/熔断，交给 ResilientClient 包装。
type BlockyRESTClient struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewDefaultHTTPClient 提供一个带超时的 http.Client。
func NewDefaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

type apiEnvelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Code    string          `json:"code"`
	Markets []marketPayload `json:"markets"`
	Wallets []walletPayload `json:"wallets"`
	Orders  []Order         `json:"orders"`
	Trades  []Trade         `json:"trades"`
	Candles []Candle        `json:"candles"`
	Order   *Order          `json:"order"`
	Cursor  string          `json:"next_cursor"`
}

type marketPayload struct {
	Market string  `json:"market"`
	Ticker *Ticker `json:"ticker"`
}

type walletPayload struct {
	Currency   string  `json:"currency"`
	Instrument string  `json:"instrument"`
	Balance    float64 `json:"balance,string"`
}

func (c *BlockyRESTClient) do(ctx context.Context, method, endpoint string, params url.Values, body any, out *apiEnvelope) error {
	if c == nil || c.HTTPClient == nil {
		return fmt.Errorf("http client not set")
	}
	u := strings.TrimSuffix(c.BaseURL, "/") + "/" + endpoint
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	var rd *bytes.Buffer
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewBuffer(raw)
	} else {
		rd = bytes.NewBuffer(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-API-KEY", c.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return &RateLimitError{Endpoint: endpoint}
	}

	// 部分端点在撤单竞态时返回404，由调用方判定是否良性
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(out); err != nil && resp.StatusCode < 400 {
		return fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	if resp.StatusCode >= 400 {
		return &APIError{Status: resp.StatusCode, Code: out.Code, Message: out.Message}
	}
	return nil
}

func (c *BlockyRESTClient) GetMarkets(ctx context.Context) ([]Market, error) {
	var env apiEnvelope
	if err := c.do(ctx, http.MethodGet, "markets", nil, nil, &env); err != nil {
		return nil, err
	}
	markets := make([]Market, 0, len(env.Markets))
	for _, m := range env.Markets {
		base, quote, err := SplitSymbol(m.Market)
		if err != nil {
			continue
		}
		markets = append(markets, Market{Symbol: m.Market, Base: base, Quote: quote})
	}
	return markets, nil
}

func (c *BlockyRESTClient) GetTickers(ctx context.Context) (map[string]Ticker, error) {
	params := url.Values{"tickers": {"true"}}
	var env apiEnvelope
	if err := c.do(ctx, http.MethodGet, "markets", params, nil, &env); err != nil {
		return nil, err
	}
	tickers := make(map[string]Ticker, len(env.Markets))
	for _, m := range env.Markets {
		if m.Ticker != nil {
			t := *m.Ticker
			t.Market = m.Market
			tickers[m.Market] = t
		}
	}
	return tickers, nil
}

func (c *BlockyRESTClient) GetTicker(ctx context.Context, market string) (Ticker, error) {
	var t Ticker
	u := strings.TrimSuffix(c.BaseURL, "/") + "/markets/" + market + "/ticker"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return t, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-API-KEY", c.APIKey)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return t, fmt.Errorf("get ticker %s: %w", market, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		return t, &RateLimitError{Endpoint: "ticker"}
	}
	if resp.StatusCode >= 400 {
		return t, &APIError{Status: resp.StatusCode, Message: "ticker fetch failed"}
	}
	if err := json.NewDecoder(resp.Body).Decode(&t); err != nil {
		return t, fmt.Errorf("decode ticker %s: %w", market, err)
	}
	t.Market = market
	return t, nil
}

func (c *BlockyRESTClient) GetOHLCV(ctx context.Context, market, timeframe string, limit int) ([]Candle, error) {
	if timeframe == "" {
		timeframe = "1H"
	}
	if limit <= 0 {
		limit = 24
	}
	params := url.Values{
		"timeframe": {timeframe},
		"limit":     {strconv.Itoa(limit)},
	}
	var env apiEnvelope
	if err := c.do(ctx, http.MethodGet, "markets/"+market+"/ohlcv", params, nil, &env); err != nil {
		return nil, err
	}
	return env.Candles, nil
}

func (c *BlockyRESTClient) GetWallets(ctx context.Context) (map[string]float64, error) {
	var env apiEnvelope
	if err := c.do(ctx, http.MethodGet, "wallets", nil, nil, &env); err != nil {
		return nil, err
	}
	wallets := make(map[string]float64, len(env.Wallets))
	for _, w := range env.Wallets {
		// 字段名在 currency 和 instrument 之间摇摆
		currency := w.Currency
		if currency == "" {
			currency = w.Instrument
		}
		if currency == "" {
			continue
		}
		wallets[strings.ToLower(currency)] = w.Balance
	}
	return wallets, nil
}

// GetOrders 分页拉取订单。服务端的 status/market 过滤不可靠，
// 调用方必须自行再过滤（见 order.FilterResting）。
func (c *BlockyRESTClient) GetOrders(ctx context.Context, statuses, markets []string, limit int, cursor string) (OrderPage, error) {
	if limit <= 0 {
		limit = 50
	}
	params := url.Values{"limit": {strconv.Itoa(limit)}}
	if len(statuses) > 0 {
		params.Set("status", strings.Join(statuses, ","))
	}
	if len(markets) > 0 {
		params.Set("market", strings.Join(markets, ","))
	}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	var env apiEnvelope
	if err := c.do(ctx, http.MethodGet, "orders", params, nil, &env); err != nil {
		return OrderPage{}, err
	}
	next := env.Cursor
	if next == "" && len(env.Orders) >= limit {
		// 无显式游标但返回满页：用末尾订单ID兜底
		next = env.Orders[len(env.Orders)-1].ID
	}
	return OrderPage{Orders: env.Orders, NextCursor: next}, nil
}

func (c *BlockyRESTClient) GetTrades(ctx context.Context, limit int) ([]Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	params := url.Values{
		"limit": {strconv.Itoa(limit)},
		"sort":  {"desc"},
	}
	var env apiEnvelope
	if err := c.do(ctx, http.MethodGet, "trades", params, nil, &env); err != nil {
		return nil, err
	}
	return env.Trades, nil
}

// GetSupplyMetrics 拉取流通供应指标。单独的 metrics 服务，
// 404/解码失败返回空表而不是错误，让价格模型走缓存降级。
func (c *BlockyRESTClient) GetSupplyMetrics(ctx context.Context) (map[string]float64, error) {
	u := strings.TrimSuffix(c.BaseURL, "/") + "/metrics/supply"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-API-KEY", c.APIKey)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get supply metrics: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &RateLimitError{Endpoint: "metrics/supply"}
	}
	if resp.StatusCode == http.StatusNotFound {
		return map[string]float64{}, nil
	}
	var points []map[string]float64
	if err := json.NewDecoder(resp.Body).Decode(&points); err != nil || len(points) == 0 {
		return map[string]float64{}, nil
	}
	// 最后一个数据点即最新
	return points[len(points)-1], nil
}

func (c *BlockyRESTClient) CreateOrder(ctx context.Context, req OrderRequest) (Order, error) {
	var env apiEnvelope
	if err := c.do(ctx, http.MethodPost, "orders", nil, req, &env); err != nil {
		return Order{}, err
	}
	if env.Order != nil {
		return *env.Order, nil
	}
	return Order{Market: req.Market, Side: req.Side}, nil
}

func (c *BlockyRESTClient) CancelOrder(ctx context.Context, orderID string) error {
	var env apiEnvelope
	err := c.do(ctx, http.MethodDelete, "orders/"+orderID, nil, nil, &env)
	if err != nil {
		var ae *APIError
		// 404：订单已被成交或撤掉，视为成功
		if ok := asAPIError(err, &ae); ok && ae.Status == http.StatusNotFound {
			return nil
		}
		return err
	}
	return nil
}

func (c *BlockyRESTClient) CancelAllOrders(ctx context.Context) error {
	var env apiEnvelope
	err := c.do(ctx, http.MethodDelete, "orders", nil, nil, &env)
	if err != nil {
		var ae *APIError
		if ok := asAPIError(err, &ae); ok && ae.Status == http.StatusNotFound {
			return nil
		}
		return err
	}
	return nil
}

func asAPIError(err error, target **APIError) bool {
	ae, ok := err.(*APIError)
	if ok {
		*target = ae
	}
	return ok
}
