package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ai_strategy/internal/domain"
)

const binanceSpotBase = "https://api.binance.com"

// Feed is the market-data collaborator used by the pipeline.
type Feed interface {
	GetOHLCV(ctx context.Context, symbol, timeframe string, lookback int) ([]domain.Bar, error)
	GetLatestPrice(ctx context.Context, symbol string) (float64, error)
}

// Client fetches market data from Binance public APIs (no API key required).
type Client struct {
	http    *http.Client
	baseURL string
}

// NewClient creates a Binance market data client. An empty baseURL uses the public spot endpoint.
func NewClient(baseURL string) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = binanceSpotBase
	}
	return &Client{
		http:    &http.Client{Timeout: 10 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// GetOHLCV returns the last `lookback` candles, oldest first.
// symbol accepts both "BTC/USDT" and "BTCUSDT".
func (c *Client) GetOHLCV(ctx context.Context, symbol, timeframe string, lookback int) ([]domain.Bar, error) {
	if lookback <= 0 {
		return nil, fmt.Errorf("lookback must be positive, got %d", lookback)
	}
	if lookback > 1000 {
		lookback = 1000
	}
	if timeframe == "" {
		timeframe = "5m"
	}
	bars, err := c.fetchKlines(ctx, PairToSymbol(symbol), timeframe, lookback)
	if err != nil {
		return nil, fmt.Errorf("klines %s %s: %w", symbol, timeframe, err)
	}
	return bars, nil
}

// GetLatestPrice returns just the latest price for a pair (lightweight).
func (c *Client) GetLatestPrice(ctx context.Context, symbol string) (float64, error) {
	url := fmt.Sprintf("%s/api/v3/ticker/price?symbol=%s", c.baseURL, PairToSymbol(symbol))

	var result struct {
		Price string `json:"price"`
	}
	if err := c.getJSON(ctx, url, &result); err != nil {
		return 0, fmt.Errorf("price %s: %w", symbol, err)
	}
	price, err := strconv.ParseFloat(result.Price, 64)
	if err != nil {
		return 0, fmt.Errorf("price %s: %w", symbol, err)
	}
	return price, nil
}

// GetPrices fetches latest prices for several symbols, stopping at the first error.
func GetPrices(ctx context.Context, feed Feed, symbols []string) (map[string]float64, error) {
	out := make(map[string]float64, len(symbols))
	for _, s := range symbols {
		p, err := feed.GetLatestPrice(ctx, s)
		if err != nil {
			return nil, err
		}
		out[PairToSymbol(s)] = p
	}
	return out, nil
}

// ---- internal methods ----

func (c *Client) fetchKlines(ctx context.Context, symbol, interval string, limit int) ([]domain.Bar, error) {
	url := fmt.Sprintf("%s/api/v3/klines?symbol=%s&interval=%s&limit=%d",
		c.baseURL, symbol, interval, limit)

	var raw [][]json.RawMessage
	if err := c.getJSON(ctx, url, &raw); err != nil {
		return nil, err
	}
	return parseKlines(raw), nil
}

func parseKlines(raw [][]json.RawMessage) []domain.Bar {
	bars := make([]domain.Bar, 0, len(raw))
	for _, row := range raw {
		if len(row) < 6 {
			continue
		}
		bars = append(bars, domain.Bar{
			Timestamp: msToTime(row[0]),
			Open:      parseFloat(row[1]),
			High:      parseFloat(row[2]),
			Low:       parseFloat(row[3]),
			Close:     parseFloat(row[4]),
			Volume:    parseFloat(row[5]),
		})
	}
	return bars
}

// ---- HTTP helper ----

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("Binance API %d: %s", resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ---- helpers ----

// PairToSymbol converts "BTC/USDT" to "BTCUSDT" and upper-cases the result.
func PairToSymbol(pair string) string {
	return domain.NormalizeSymbol(pair)
}

func msToTime(raw json.RawMessage) time.Time {
	var ms int64
	_ = json.Unmarshal(raw, &ms)
	return time.UnixMilli(ms).UTC()
}

func parseFloat(raw json.RawMessage) float64 {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		var f float64
		_ = json.Unmarshal(raw, &f)
		return f
	}
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
