package execution

import (
	"context"
	"errors"
	"time"

	"ai_strategy/internal/domain"
)

var (
	ErrNotFilled  = errors.New("order not filled")
	ErrSuppressed = errors.New("order suppressed by safety layer")
	ErrNoPrice    = errors.New("no reference price")
)

// OrderRequest is a market order. Entries size by QuoteAmount, exits by Quantity.
// Protective orders close existing exposure and are never held back by the
// breaker, the rate limit or duplicate suppression.
type OrderRequest struct {
	ClientOrderID  string
	Symbol         string
	Side           domain.Direction
	QuoteAmount    float64
	Quantity       float64
	ReferencePrice float64
	Protective     bool
}

type Fill struct {
	OrderID       string    `json:"order_id"`
	ClientOrderID string    `json:"client_order_id"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	Status        string    `json:"status"`
	Price         float64   `json:"price"`
	Quantity      float64   `json:"quantity"`
	Raw           string    `json:"raw,omitempty"`
	At            time.Time `json:"at"`
}

// Exchange is the execution collaborator. SubmitOrder only returns a nil error
// once the order has a non-zero fill.
type Exchange interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (Fill, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
}

// PriceSource is the subset of the market feed the paper exchange needs.
type PriceSource interface {
	GetLatestPrice(ctx context.Context, symbol string) (float64, error)
}
