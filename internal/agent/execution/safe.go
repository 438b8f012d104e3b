package execution

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerHalfOpen
	breakerOpen
)

var (
	metricOrdersAttempted  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "strategy_orders_attempted_total", Help: "Orders the pipeline tried to place"}, []string{"venue"})
	metricOrdersPlaced     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "strategy_orders_placed_total", Help: "Orders filled by the exchange"}, []string{"venue"})
	metricOrdersFailed     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "strategy_orders_failed_total", Help: "Orders the exchange rejected or failed"}, []string{"venue"})
	metricOrdersSuppressed = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "strategy_orders_suppressed_total", Help: "Orders blocked by the safety layer (rate/duplicate/breaker)"}, []string{"venue", "cause"})
	metricBreakerState     = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "strategy_breaker_state", Help: "0=closed, 1=half_open, 2=open"}, []string{"venue"})
)

func init() {
	prometheus.MustRegister(
		metricOrdersAttempted, metricOrdersPlaced, metricOrdersFailed,
		metricOrdersSuppressed, metricBreakerState,
	)
}

type SafeOptions struct {
	Venue            string
	PerMinuteCap     int
	DupWindow        time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
	HalfOpenProbes   int
}

// SafeExchange wraps an exchange with a per-minute rate limit, a circuit breaker
// and duplicate suppression.
type SafeExchange struct {
	inner Exchange
	opts  SafeOptions
	now   func() time.Time

	rateMu     sync.Mutex
	orderTimes []time.Time

	dupMu        sync.Mutex
	lastOrderKey string
	lastOrderAt  time.Time

	bMu        sync.Mutex
	bState     breakerState
	failStreak int
	openedAt   time.Time
	halfProbes int
}

func NewSafeExchange(inner Exchange, opts SafeOptions) *SafeExchange {
	if opts.BreakerThreshold < 1 {
		opts.BreakerThreshold = 3
	}
	if opts.HalfOpenProbes < 1 {
		opts.HalfOpenProbes = 1
	}
	if opts.Venue == "" {
		opts.Venue = "default"
	}
	metricBreakerState.WithLabelValues(opts.Venue).Set(0)
	return &SafeExchange{
		inner: inner,
		opts:  opts,
		now:   time.Now,
	}
}

func (s *SafeExchange) SubmitOrder(ctx context.Context, req OrderRequest) (Fill, error) {
	now := s.now()
	venue := s.opts.Venue
	metricOrdersAttempted.WithLabelValues(venue).Inc()
	okey := ordKey(req)

	if req.Protective {
		return s.submit(ctx, req, now, okey)
	}
	if !s.allowBreaker(now) {
		metricOrdersSuppressed.WithLabelValues(venue, "breaker").Inc()
		return Fill{}, fmt.Errorf("%w: circuit breaker open", ErrSuppressed)
	}
	if s.rateExceeded(now) {
		metricOrdersSuppressed.WithLabelValues(venue, "rate").Inc()
		return Fill{}, fmt.Errorf("%w: rate limit hit", ErrSuppressed)
	}
	if s.isDuplicate(okey, now) {
		metricOrdersSuppressed.WithLabelValues(venue, "duplicate").Inc()
		return Fill{}, fmt.Errorf("%w: duplicate order", ErrSuppressed)
	}
	return s.submit(ctx, req, now, okey)
}

func (s *SafeExchange) submit(ctx context.Context, req OrderRequest, now time.Time, okey string) (Fill, error) {
	fill, err := s.inner.SubmitOrder(ctx, req)
	if err != nil {
		s.noteFailure(now)
		metricOrdersFailed.WithLabelValues(s.opts.Venue).Inc()
		return fill, err
	}
	s.noteSuccess(now, okey)
	return fill, nil
}

func (s *SafeExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	return s.inner.CancelOrder(ctx, symbol, orderID)
}

// ===== Helpers =====

// ordKey identifies an order for duplicate suppression. Orders carrying their
// own client id are distinct unless the id repeats.
func ordKey(req OrderRequest) string {
	raw := req.ClientOrderID + "|" + req.Symbol + string(req.Side) +
		strconv.FormatFloat(req.Quantity, 'f', 8, 64) +
		strconv.FormatFloat(req.QuoteAmount, 'f', 8, 64)
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:8])
}

func (s *SafeExchange) isDuplicate(okey string, now time.Time) bool {
	s.dupMu.Lock()
	defer s.dupMu.Unlock()
	return okey == s.lastOrderKey && now.Sub(s.lastOrderAt) < s.opts.DupWindow
}

func (s *SafeExchange) rateExceeded(now time.Time) bool {
	s.rateMu.Lock()
	defer s.rateMu.Unlock()
	oneMin := now.Add(-1 * time.Minute)
	j := 0
	for _, t := range s.orderTimes {
		if t.After(oneMin) {
			s.orderTimes[j] = t
			j++
		}
	}
	s.orderTimes = s.orderTimes[:j]
	return s.opts.PerMinuteCap > 0 && len(s.orderTimes) >= s.opts.PerMinuteCap
}

func (s *SafeExchange) allowBreaker(now time.Time) bool {
	s.bMu.Lock()
	defer s.bMu.Unlock()

	switch s.bState {
	case breakerClosed:
		return true
	case breakerOpen:
		if now.Sub(s.openedAt) >= s.opts.BreakerCooldown {
			s.bState = breakerHalfOpen
			s.halfProbes = 1
			metricBreakerState.WithLabelValues(s.opts.Venue).Set(1)
			return true
		}
		return false
	case breakerHalfOpen:
		if s.halfProbes < s.opts.HalfOpenProbes {
			s.halfProbes++
			return true
		}
		return false
	default:
		return false
	}
}

func (s *SafeExchange) noteSuccess(now time.Time, okey string) {
	s.rateMu.Lock()
	s.orderTimes = append(s.orderTimes, now)
	s.rateMu.Unlock()

	s.dupMu.Lock()
	s.lastOrderKey, s.lastOrderAt = okey, now
	s.dupMu.Unlock()

	metricOrdersPlaced.WithLabelValues(s.opts.Venue).Inc()

	s.bMu.Lock()
	defer s.bMu.Unlock()
	s.failStreak = 0
	if s.bState == breakerHalfOpen {
		s.bState = breakerClosed
		metricBreakerState.WithLabelValues(s.opts.Venue).Set(0)
	}
}

func (s *SafeExchange) noteFailure(now time.Time) {
	s.bMu.Lock()
	defer s.bMu.Unlock()

	switch s.bState {
	case breakerClosed:
		s.failStreak++
		if s.failStreak >= s.opts.BreakerThreshold {
			s.openedAt = now
			s.bState = breakerOpen
			metricBreakerState.WithLabelValues(s.opts.Venue).Set(2)
		}
	case breakerHalfOpen:
		s.openedAt = now
		s.bState = breakerOpen
		metricBreakerState.WithLabelValues(s.opts.Venue).Set(2)
	case breakerOpen:
		s.openedAt = now
	}
}
