package execution

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai_strategy/internal/config"
	"ai_strategy/internal/domain"
)

type fixedPrice float64

func (p fixedPrice) GetLatestPrice(context.Context, string) (float64, error) {
	return float64(p), nil
}

func TestPaperBuyFillsAboveReference(t *testing.T) {
	ex := NewPaper(fixedPrice(100), 0.5)
	fill, err := ex.SubmitOrder(context.Background(), OrderRequest{
		Symbol:      "BTCUSDT",
		Side:        domain.DirectionBuy,
		QuoteAmount: 1005,
	})
	require.NoError(t, err)
	assert.InDelta(t, 100.5, fill.Price, 1e-9)
	assert.InDelta(t, 10.0, fill.Quantity, 1e-9)
	assert.Equal(t, "simulated_filled", fill.Status)
	assert.NotEmpty(t, fill.OrderID)
}

func TestPaperSellUsesReferenceAndQuantity(t *testing.T) {
	ex := NewPaper(nil, 1)
	fill, err := ex.SubmitOrder(context.Background(), OrderRequest{
		Symbol:         "ETHUSDT",
		Side:           domain.DirectionSell,
		Quantity:       2,
		ReferencePrice: 200,
	})
	require.NoError(t, err)
	assert.InDelta(t, 198.0, fill.Price, 1e-9)
	assert.InDelta(t, 2.0, fill.Quantity, 1e-9)
}

func TestPaperRejectsMissingPrice(t *testing.T) {
	ex := NewPaper(nil, 0)
	_, err := ex.SubmitOrder(context.Background(), OrderRequest{Symbol: "X", Side: domain.DirectionBuy, QuoteAmount: 10})
	assert.ErrorIs(t, err, ErrNoPrice)

	_, err = ex.SubmitOrder(context.Background(), OrderRequest{Symbol: "X", Side: domain.DirectionNone, ReferencePrice: 1, QuoteAmount: 10})
	assert.Error(t, err)
}

func TestBinanceSubmitAveragesFills(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v3/order", r.URL.Path)
		assert.NoError(t, r.ParseForm())
		gotQuery = r.PostForm.Encode()
		assert.Equal(t, "key", r.Header.Get("X-MBX-APIKEY"))
		assert.NotEmpty(t, r.PostForm.Get("signature"))
		assert.Equal(t, "BTCUSDT", r.PostForm.Get("symbol"))
		assert.Equal(t, "BUY", r.PostForm.Get("side"))
		assert.Equal(t, "100.00", r.PostForm.Get("quoteOrderQty"))
		w.Write([]byte(`{"orderId":42,"status":"FILLED","fills":[{"price":"100","qty":"0.5"},{"price":"102","qty":"0.5"}]}`))
	}))
	defer srv.Close()

	ex := NewBinance(config.Config{ExchangeBaseURL: srv.URL, ExchangeAPIKey: "key", ExchangeSecretKey: "secret"})
	fill, err := ex.SubmitOrder(context.Background(), OrderRequest{Symbol: "BTC/USDT", Side: domain.DirectionBuy, QuoteAmount: 100})
	require.NoError(t, err)
	assert.NotEmpty(t, gotQuery)
	assert.Equal(t, "42", fill.OrderID)
	assert.Equal(t, "filled", fill.Status)
	assert.InDelta(t, 101.0, fill.Price, 1e-9)
	assert.InDelta(t, 1.0, fill.Quantity, 1e-9)
}

func TestBinanceSubmitErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-2010,"msg":"insufficient balance"}`))
	}))
	defer srv.Close()

	ex := NewBinance(config.Config{ExchangeBaseURL: srv.URL, ExchangeAPIKey: "key", ExchangeSecretKey: "secret"})
	fill, err := ex.SubmitOrder(context.Background(), OrderRequest{Symbol: "BTCUSDT", Side: domain.DirectionSell, Quantity: 0.01})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insufficient balance")
	assert.Equal(t, "rejected", fill.Status)

	noKeys := NewBinance(config.Config{ExchangeBaseURL: srv.URL})
	_, err = noKeys.SubmitOrder(context.Background(), OrderRequest{Symbol: "BTCUSDT", Side: domain.DirectionBuy, QuoteAmount: 10})
	assert.Error(t, err)
}

func TestBinanceUnfilledOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"orderId":7,"status":"EXPIRED","fills":[]}`))
	}))
	defer srv.Close()

	ex := NewBinance(config.Config{ExchangeBaseURL: srv.URL, ExchangeAPIKey: "key", ExchangeSecretKey: "secret"})
	fill, err := ex.SubmitOrder(context.Background(), OrderRequest{Symbol: "ETHUSDT", Side: domain.DirectionBuy, QuoteAmount: 50})
	assert.ErrorIs(t, err, ErrNotFilled)
	assert.Equal(t, "rejected", fill.Status)
}

func TestQuantityPrecisionRoundsDown(t *testing.T) {
	assert.Equal(t, "0.12345", quantityPrecision("BTCUSDT", 0.123459))
	assert.Equal(t, "12", quantityPrecision("DOGEUSDT", 12.9))
	assert.Equal(t, "0.00000", quantityPrecision("BTCUSDT", 0.000001))
}

// scripted fails the next n calls, then fills.
type scripted struct {
	mu    sync.Mutex
	fails int
	calls int
}

func (s *scripted) SubmitOrder(_ context.Context, req OrderRequest) (Fill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.fails > 0 {
		s.fails--
		return Fill{}, errors.New("venue down")
	}
	return Fill{Symbol: req.Symbol, Price: 1, Quantity: 1}, nil
}

func (s *scripted) CancelOrder(context.Context, string, string) error { return nil }

func newSafe(inner Exchange, opts SafeOptions) (*SafeExchange, *time.Time) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewSafeExchange(inner, opts)
	s.now = func() time.Time { return now }
	return s, &now
}

func order(symbol string, amount float64) OrderRequest {
	return OrderRequest{Symbol: symbol, Side: domain.DirectionBuy, QuoteAmount: amount}
}

func TestSafeExchangeBreakerOpensAndRecovers(t *testing.T) {
	inner := &scripted{fails: 2}
	s, now := newSafe(inner, SafeOptions{Venue: "test-breaker", BreakerThreshold: 2, BreakerCooldown: time.Minute})
	ctx := context.Background()

	_, err := s.SubmitOrder(ctx, order("A", 1))
	require.Error(t, err)
	_, err = s.SubmitOrder(ctx, order("A", 2))
	require.Error(t, err)

	_, err = s.SubmitOrder(ctx, order("A", 3))
	assert.ErrorIs(t, err, ErrSuppressed)
	assert.Equal(t, 2, inner.calls)

	*now = now.Add(61 * time.Second)
	_, err = s.SubmitOrder(ctx, order("A", 4))
	require.NoError(t, err)
	_, err = s.SubmitOrder(ctx, order("A", 5))
	require.NoError(t, err)
	assert.Equal(t, breakerClosed, s.bState)
}

func TestSafeExchangeHalfOpenFailureReopens(t *testing.T) {
	inner := &scripted{fails: 3}
	s, now := newSafe(inner, SafeOptions{Venue: "test-halfopen", BreakerThreshold: 2, BreakerCooldown: time.Minute})
	ctx := context.Background()

	s.SubmitOrder(ctx, order("A", 1))
	s.SubmitOrder(ctx, order("A", 2))
	*now = now.Add(2 * time.Minute)
	_, err := s.SubmitOrder(ctx, order("A", 3))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrSuppressed)

	_, err = s.SubmitOrder(ctx, order("A", 4))
	assert.ErrorIs(t, err, ErrSuppressed)
	assert.Equal(t, breakerOpen, s.bState)
}

func TestSafeExchangeRateLimit(t *testing.T) {
	s, now := newSafe(&scripted{}, SafeOptions{Venue: "test-rate", PerMinuteCap: 2})
	ctx := context.Background()

	_, err := s.SubmitOrder(ctx, order("A", 1))
	require.NoError(t, err)
	_, err = s.SubmitOrder(ctx, order("B", 1))
	require.NoError(t, err)
	_, err = s.SubmitOrder(ctx, order("C", 1))
	assert.ErrorIs(t, err, ErrSuppressed)

	*now = now.Add(time.Minute + time.Second)
	_, err = s.SubmitOrder(ctx, order("C", 1))
	assert.NoError(t, err)
}

func TestSafeExchangeSuppressesDuplicates(t *testing.T) {
	inner := &scripted{}
	s, now := newSafe(inner, SafeOptions{Venue: "test-dup", DupWindow: 2 * time.Second})
	ctx := context.Background()

	_, err := s.SubmitOrder(ctx, order("A", 10))
	require.NoError(t, err)
	_, err = s.SubmitOrder(ctx, order("A", 10))
	assert.ErrorIs(t, err, ErrSuppressed)

	_, err = s.SubmitOrder(ctx, order("A", 11))
	assert.NoError(t, err)

	*now = now.Add(3 * time.Second)
	_, err = s.SubmitOrder(ctx, order("A", 11))
	assert.NoError(t, err)
	assert.Equal(t, 3, inner.calls)
}

func TestSafeExchangeKeysDuplicatesOnClientOrderID(t *testing.T) {
	inner := &scripted{}
	s, _ := newSafe(inner, SafeOptions{Venue: "test-dup-client", DupWindow: time.Minute})
	ctx := context.Background()

	first := order("BTCUSDT", 100)
	first.ClientOrderID = "as0001"
	second := order("BTCUSDT", 100)
	second.ClientOrderID = "as0002"

	_, err := s.SubmitOrder(ctx, first)
	require.NoError(t, err)
	_, err = s.SubmitOrder(ctx, second)
	require.NoError(t, err, "distinct positions with equal size must both reach the venue")

	_, err = s.SubmitOrder(ctx, second)
	assert.ErrorIs(t, err, ErrSuppressed)
	assert.Equal(t, 2, inner.calls)
}

func TestSafeExchangeLetsProtectiveOrdersThrough(t *testing.T) {
	inner := &scripted{fails: 2}
	s, _ := newSafe(inner, SafeOptions{Venue: "test-protective", PerMinuteCap: 1, DupWindow: time.Minute, BreakerThreshold: 2, BreakerCooldown: time.Hour})
	ctx := context.Background()

	s.SubmitOrder(ctx, order("A", 1))
	s.SubmitOrder(ctx, order("A", 2))
	require.Equal(t, breakerOpen, s.bState)

	_, err := s.SubmitOrder(ctx, order("A", 3))
	assert.ErrorIs(t, err, ErrSuppressed)

	exit := OrderRequest{Symbol: "A", Side: domain.DirectionSell, Quantity: 1, ReferencePrice: 1, Protective: true}
	_, err = s.SubmitOrder(ctx, exit)
	require.NoError(t, err)
	_, err = s.SubmitOrder(ctx, exit)
	require.NoError(t, err, "rate limit and duplicate window do not hold back exits")
	assert.Equal(t, 4, inner.calls)

	_, err = s.SubmitOrder(ctx, order("A", 4))
	assert.ErrorIs(t, err, ErrSuppressed, "entries stay blocked while the breaker is open")
}
