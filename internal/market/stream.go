package market

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// PriceHandler receives one trade price tick.
type PriceHandler func(symbol string, price float64)

// Stream subscribes to the Binance trade stream and forwards prices to a handler.
// It reconnects with capped backoff until the context is cancelled.
type Stream struct {
	URL          string
	ReadTimeout  time.Duration
	PingInterval time.Duration
	MaxBackoff   time.Duration

	dialer *websocket.Dialer
}

func NewStream(url string) *Stream {
	return &Stream{
		URL:          url,
		ReadTimeout:  60 * time.Second,
		PingInterval: 20 * time.Second,
		MaxBackoff:   30 * time.Second,
		dialer:       websocket.DefaultDialer,
	}
}

// Run blocks until ctx is done.
func (s *Stream) Run(ctx context.Context, symbols []string, handler PriceHandler) error {
	if len(symbols) == 0 {
		return fmt.Errorf("stream: no symbols to subscribe")
	}
	backoff := time.Second
	for {
		err := s.runOnce(ctx, symbols, handler)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Printf("[行情] 价格流断开: %v，%s 后重连", err, backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > s.MaxBackoff {
			backoff = s.MaxBackoff
		}
	}
}

func (s *Stream) runOnce(ctx context.Context, symbols []string, handler PriceHandler) error {
	conn, _, err := s.dialer.DialContext(ctx, s.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.URL, err)
	}
	defer conn.Close()
	log.Printf("[行情] 价格流已连接 %s 订阅=%v", s.URL, symbols)

	if err := conn.WriteJSON(subscribeRequest(symbols)); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(s.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.ReadTimeout))
		return nil
	})

	// 关闭连接以打断阻塞的 ReadMessage
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(s.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				conn.Close()
				return
			case <-ticker.C:
				deadline := time.Now().Add(10 * time.Second)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(s.ReadTimeout))
		symbol, price, ok := parseTradeMessage(msg)
		if !ok {
			continue
		}
		handler(symbol, price)
	}
}

type subscribeMessage struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int      `json:"id"`
}

func subscribeRequest(symbols []string) subscribeMessage {
	params := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		params = append(params, strings.ToLower(PairToSymbol(sym))+"@trade")
	}
	return subscribeMessage{Method: "SUBSCRIBE", Params: params, ID: 1}
}

// parseTradeMessage extracts symbol and price from a raw or combined trade event.
// Subscription acks and other event types report ok=false.
func parseTradeMessage(raw []byte) (string, float64, bool) {
	var combined struct {
		Stream string          `json:"stream"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &combined); err == nil && len(combined.Data) > 0 {
		raw = combined.Data
	}

	var ev struct {
		Event  string `json:"e"`
		Symbol string `json:"s"`
		Price  string `json:"p"`
	}
	if err := json.Unmarshal(raw, &ev); err != nil {
		return "", 0, false
	}
	if ev.Event != "trade" || ev.Symbol == "" {
		return "", 0, false
	}
	price, err := strconv.ParseFloat(ev.Price, 64)
	if err != nil || price <= 0 {
		return "", 0, false
	}
	return ev.Symbol, price, true
}
