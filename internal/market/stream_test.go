package market

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTradeMessage(t *testing.T) {
	sym, price, ok := parseTradeMessage([]byte(`{"e":"trade","E":1,"s":"BTCUSDT","t":1,"p":"50123.45","q":"0.1"}`))
	require.True(t, ok)
	assert.Equal(t, "BTCUSDT", sym)
	assert.Equal(t, 50123.45, price)

	sym, price, ok = parseTradeMessage([]byte(`{"stream":"ethusdt@trade","data":{"e":"trade","s":"ETHUSDT","p":"3000.1"}}`))
	require.True(t, ok)
	assert.Equal(t, "ETHUSDT", sym)
	assert.Equal(t, 3000.1, price)

	_, _, ok = parseTradeMessage([]byte(`{"result":null,"id":1}`))
	assert.False(t, ok)
	_, _, ok = parseTradeMessage([]byte(`{"e":"trade","s":"BTCUSDT","p":"abc"}`))
	assert.False(t, ok)
	_, _, ok = parseTradeMessage([]byte(`not json`))
	assert.False(t, ok)
}

func TestSubscribeRequest(t *testing.T) {
	req := subscribeRequest([]string{"BTC/USDT", "ethusdt"})
	assert.Equal(t, "SUBSCRIBE", req.Method)
	assert.Equal(t, []string{"btcusdt@trade", "ethusdt@trade"}, req.Params)
}

func TestStreamDeliversTrades(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var sub subscribeMessage
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`{"result":null,"id":1}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"e":"trade","s":"BTCUSDT","p":"101.5"}`))
		// 保持连接直到客户端断开
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan float64, 1)
	s := NewStream("ws" + strings.TrimPrefix(srv.URL, "http"))
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Run(ctx, []string{"BTCUSDT"}, func(symbol string, price float64) {
			if symbol == "BTCUSDT" {
				select {
				case got <- price:
				default:
				}
			}
		})
	}()

	select {
	case p := <-got:
		assert.Equal(t, 101.5, p)
	case <-ctx.Done():
		t.Fatal("no trade received")
	}
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
}

func TestStreamRequiresSymbols(t *testing.T) {
	err := NewStream("ws://127.0.0.1:0").Run(context.Background(), nil, func(string, float64) {})
	assert.Error(t, err)
}
