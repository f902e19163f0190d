package gateway

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSEvent 实时事件。Channel 形如 "diam_iron:transactions" 或 "diam_iron:orderbook"。
type WSEvent struct {
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload"`
}

// Market 从 channel 前缀取出市场标识。
func (e WSEvent) Market() string {
	if i := strings.Index(e.Channel, ":"); i > 0 {
		return e.Channel[:i]
	}
	return ""
}

// IsTrade 是否为成交事件。
func (e WSEvent) IsTrade() bool {
	return strings.Contains(e.Channel, "transactions")
}

// DecodeTrade 解析成交事件载荷。
func (e WSEvent) DecodeTrade(out *TradePayload) error {
	return json.Unmarshal(e.Payload, out)
}

// TradePayload 成交事件载荷。
type TradePayload struct {
	Price    float64 `json:"price,string"`
	Quantity float64 `json:"quantity,string"`
	Side     string  `json:"side"`
}

// WSHandler 事件回调。在读取协程上调用，应快速返回。
type WSHandler func(WSEvent)

// BlockyWS 订阅市场成交/盘口更新的 WS 客户端，断线自动重连。
type BlockyWS struct {
	Endpoint string
	Dialer   *websocket.Dialer

	mu            sync.Mutex
	subscriptions []string
	handler       WSHandler
	connected     bool

	reconnectWait time.Duration
}

func NewBlockyWS(endpoint string) *BlockyWS {
	return &BlockyWS{
		Endpoint:      endpoint,
		Dialer:        websocket.DefaultDialer,
		reconnectWait: 5 * time.Second,
	}
}

// Subscribe 登记市场的成交与盘口频道。需在 Run 之前调用。
func (w *BlockyWS) Subscribe(market string, handler WSHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.subscriptions = append(w.subscriptions,
		market+":transactions",
		market+":orderbook",
	)
	w.handler = handler
}

// Connected 当前连接状态，供健康端点使用。
func (w *BlockyWS) Connected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connected
}

// Run 维持连接并分发事件，ctx 取消后返回。
func (w *BlockyWS) Run(ctx context.Context) error {
	for {
		if err := w.runOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.reconnectWait):
		}
	}
}

func (w *BlockyWS) runOnce(ctx context.Context) error {
	conn, _, err := w.Dialer.DialContext(ctx, w.Endpoint, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	w.mu.Lock()
	subs := make([]string, len(w.subscriptions))
	copy(subs, w.subscriptions)
	handler := w.handler
	w.connected = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.connected = false
		w.mu.Unlock()
	}()

	for _, ch := range subs {
		msg := map[string]string{"action": "subscribe", "channel": ch}
		if err := conn.WriteJSON(msg); err != nil {
			return err
		}
	}

	// ctx 取消时主动断开读循环
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		var event WSEvent
		if err := conn.ReadJSON(&event); err != nil {
			return err
		}
		if handler != nil && event.Channel != "" {
			handler(event)
		}
	}
}
