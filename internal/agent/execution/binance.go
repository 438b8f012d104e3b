package execution

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"ai_strategy/internal/config"
	"ai_strategy/internal/domain"

	"github.com/google/uuid"
)

// BinanceExchange submits signed spot market orders.
type BinanceExchange struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	secretKey  string
	now        func() time.Time
}

func NewBinance(cfg config.Config) *BinanceExchange {
	return &BinanceExchange{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    strings.TrimRight(cfg.ExchangeBaseURL, "/"),
		apiKey:     cfg.ExchangeAPIKey,
		secretKey:  cfg.ExchangeSecretKey,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (e *BinanceExchange) SubmitOrder(ctx context.Context, req OrderRequest) (Fill, error) {
	clientID := req.ClientOrderID
	if clientID == "" {
		clientID = fmt.Sprintf("as%s", uuid.NewString()[:8])
	}
	fill := Fill{ClientOrderID: clientID, Symbol: pairToSymbol(req.Symbol), Side: string(req.Side), Status: "created", At: e.now()}

	if e.apiKey == "" || e.secretKey == "" {
		fill.Status = "rejected"
		return fill, fmt.Errorf("交易所 API Key 未配置，无法实盘下单")
	}

	var side string
	switch req.Side {
	case domain.DirectionBuy:
		side = "BUY"
	case domain.DirectionSell:
		side = "SELL"
	default:
		return fill, fmt.Errorf("invalid side %q", req.Side)
	}

	params := url.Values{}
	params.Set("symbol", fill.Symbol)
	params.Set("side", side)
	params.Set("type", "MARKET")
	params.Set("newClientOrderId", clientID)
	params.Set("newOrderRespType", "FULL")
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))

	if req.Quantity > 0 {
		// 根据交易对调整数量精度（Binance LOT_SIZE 要求）
		qty := quantityPrecision(fill.Symbol, req.Quantity)
		if v, _ := strconv.ParseFloat(qty, 64); v <= 0 {
			fill.Status = "rejected"
			return fill, fmt.Errorf("数量不足: %.8f %s 低于最小交易量 %g", req.Quantity, fill.Symbol, getMinQuantity(fill.Symbol))
		}
		params.Set("quantity", qty)
	} else if req.QuoteAmount > 0 {
		params.Set("quoteOrderQty", strconv.FormatFloat(req.QuoteAmount, 'f', 2, 64))
	} else {
		fill.Status = "rejected"
		return fill, fmt.Errorf("order for %s has neither quantity nor quote amount", fill.Symbol)
	}

	params.Set("signature", e.sign(params.Encode()))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/v3/order", strings.NewReader(params.Encode()))
	if err != nil {
		return fill, fmt.Errorf("构建请求失败: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("X-MBX-APIKEY", e.apiKey)

	log.Printf("[执行] 发送 Binance 订单: %s %s 数量=%s 金额=%s", side, fill.Symbol, params.Get("quantity"), params.Get("quoteOrderQty"))

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		fill.Status = "failed"
		return fill, fmt.Errorf("Binance 请求失败: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fill.Status = "failed"
		return fill, fmt.Errorf("读取响应失败: %w", err)
	}
	fill.Raw = string(body)

	if resp.StatusCode >= 300 {
		fill.Status = "rejected"
		log.Printf("[执行] ✘ Binance 拒绝: HTTP %d %s", resp.StatusCode, string(body))
		return fill, fmt.Errorf("Binance HTTP %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		OrderID int64         `json:"orderId"`
		Status  string        `json:"status"`
		Fills   []binanceFill `json:"fills"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		fill.Status = "unknown"
		return fill, fmt.Errorf("解析响应失败: %w", err)
	}
	fill.OrderID = strconv.FormatInt(result.OrderID, 10)
	fill.Status = mapBinanceStatus(result.Status)
	fill.Price, fill.Quantity = averageFill(result.Fills)

	if fill.Quantity <= 0 {
		return fill, fmt.Errorf("%w: %s status=%s", ErrNotFilled, fill.OrderID, result.Status)
	}
	log.Printf("[执行] ✔ Binance 订单完成: ID=%s 状态=%s 成交价=%.4f 数量=%.6f",
		fill.OrderID, fill.Status, fill.Price, fill.Quantity)
	return fill, nil
}

func (e *BinanceExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if e.apiKey == "" || e.secretKey == "" {
		return fmt.Errorf("交易所 API Key 未配置")
	}
	params := url.Values{}
	params.Set("symbol", pairToSymbol(symbol))
	params.Set("orderId", orderID)
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("signature", e.sign(params.Encode()))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, e.baseURL+"/api/v3/order?"+params.Encode(), nil)
	if err != nil {
		return err
	}
	httpReq.Header.Set("X-MBX-APIKEY", e.apiKey)

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("Binance 请求失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("Binance HTTP %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

type binanceFill struct {
	Price string `json:"price"`
	Qty   string `json:"qty"`
}

// averageFill 计算加权平均成交价和总成交量
func averageFill(fills []binanceFill) (price, qty float64) {
	var cost float64
	for _, f := range fills {
		p, _ := strconv.ParseFloat(f.Price, 64)
		q, _ := strconv.ParseFloat(f.Qty, 64)
		qty += q
		cost += p * q
	}
	if qty > 0 {
		price = cost / qty
	}
	return price, qty
}

// sign 使用 HMAC-SHA256 对请求参数签名
func (e *BinanceExchange) sign(queryString string) string {
	mac := hmac.New(sha256.New, []byte(e.secretKey))
	mac.Write([]byte(queryString))
	return hex.EncodeToString(mac.Sum(nil))
}

// mapBinanceStatus 将 Binance 订单状态映射为内部状态
func mapBinanceStatus(s string) string {
	switch s {
	case "FILLED":
		return "filled"
	case "PARTIALLY_FILLED":
		return "partial_filled"
	case "NEW":
		return "submitted"
	case "CANCELED", "REJECTED", "EXPIRED":
		return "rejected"
	default:
		return strings.ToLower(s)
	}
}

func pairToSymbol(pair string) string {
	return strings.ToUpper(strings.ReplaceAll(pair, "/", ""))
}

// getMinQuantity 获取交易对的最小交易数量
func getMinQuantity(symbol string) float64 {
	sym := strings.ToUpper(symbol)
	switch {
	case strings.HasPrefix(sym, "DOGE"), strings.HasPrefix(sym, "XRP"):
		return 1
	case strings.HasPrefix(sym, "BNB"), strings.HasPrefix(sym, "SOL"):
		return 0.01
	case strings.HasPrefix(sym, "ETH"):
		return 0.0001
	case strings.HasPrefix(sym, "BTC"):
		return 0.00001
	default:
		return 1
	}
}

// quantityPrecision 根据交易对返回正确精度的数量字符串（向下取整，避免超过持仓）
func quantityPrecision(symbol string, qty float64) string {
	sym := strings.ToUpper(symbol)
	var decimals int
	switch {
	case strings.HasPrefix(sym, "DOGE"):
		decimals = 0
	case strings.HasPrefix(sym, "XRP"):
		decimals = 1
	case strings.HasPrefix(sym, "BNB"), strings.HasPrefix(sym, "SOL"):
		decimals = 2
	case strings.HasPrefix(sym, "ETH"):
		decimals = 4
	case strings.HasPrefix(sym, "BTC"):
		decimals = 5
	default:
		decimals = 2
	}
	scale := math.Pow10(decimals)
	qty = math.Floor(qty*scale+1e-9) / scale
	return strconv.FormatFloat(qty, 'f', decimals, 64)
}
