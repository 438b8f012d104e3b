package execution

import (
	"context"
	"fmt"
	"log"
	"time"

	"ai_strategy/internal/domain"

	"github.com/google/uuid"
)

// PaperExchange simulates immediate fills at the latest price plus slippage.
type PaperExchange struct {
	prices      PriceSource
	slippagePct float64
	now         func() time.Time
}

func NewPaper(prices PriceSource, slippagePct float64) *PaperExchange {
	return &PaperExchange{
		prices:      prices,
		slippagePct: slippagePct,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (p *PaperExchange) SubmitOrder(ctx context.Context, req OrderRequest) (Fill, error) {
	price := req.ReferencePrice
	if price <= 0 && p.prices != nil {
		latest, err := p.prices.GetLatestPrice(ctx, req.Symbol)
		if err != nil {
			return Fill{}, fmt.Errorf("paper fill %s: %w", req.Symbol, err)
		}
		price = latest
	}
	if price <= 0 {
		return Fill{}, fmt.Errorf("paper fill %s: %w", req.Symbol, ErrNoPrice)
	}

	slip := p.slippagePct / 100
	switch req.Side {
	case domain.DirectionBuy:
		price *= 1 + slip
	case domain.DirectionSell:
		price *= 1 - slip
	default:
		return Fill{}, fmt.Errorf("paper fill %s: invalid side %q", req.Symbol, req.Side)
	}

	qty := req.Quantity
	if req.QuoteAmount > 0 {
		qty = req.QuoteAmount / price
	}
	if qty <= 0 {
		return Fill{}, fmt.Errorf("paper fill %s: %w: zero quantity", req.Symbol, ErrNotFilled)
	}

	clientID := req.ClientOrderID
	if clientID == "" {
		clientID = "paper-" + uuid.NewString()[:8]
	}
	fill := Fill{
		OrderID:       "paper-" + uuid.NewString(),
		ClientOrderID: clientID,
		Symbol:        req.Symbol,
		Side:          string(req.Side),
		Status:        "simulated_filled",
		Price:         price,
		Quantity:      qty,
		Raw:           `{"mode":"paper"}`,
		At:            p.now(),
	}
	log.Printf("[执行] 模拟成交 %s %s @ %.8f 数量=%.6f", req.Side, req.Symbol, price, qty)
	return fill, nil
}

func (p *PaperExchange) CancelOrder(context.Context, string, string) error {
	return nil
}
