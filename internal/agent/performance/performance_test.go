package performance

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai_strategy/internal/domain"
)

func closed(id, strategy string, mode domain.Mode, pnl float64) domain.Position {
	return domain.Position{ID: id, StrategyID: strategy, Mode: mode, Status: domain.PositionClosed, RealizedPnL: pnl}
}

type memStore struct {
	mu        sync.Mutex
	processed map[string]bool
	records   []domain.PerformanceRecord
	fail      bool
}

func (m *memStore) ApplyClosure(_ context.Context, id string, rec domain.PerformanceRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return false, errors.New("disk full")
	}
	if m.processed[id] {
		return false, nil
	}
	m.processed[id] = true
	m.records = append(m.records, rec)
	return true, nil
}

func (m *memStore) LoadPerformance(context.Context) ([]domain.PerformanceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records, nil
}

func TestWinRateUndefinedWithoutTrades(t *testing.T) {
	a := New(nil)
	rec := a.Record("s-1", domain.ModePaper)
	_, ok := rec.WinRate()
	assert.False(t, ok)
	assert.Equal(t, 0, rec.TradeCount)
}

func TestOnClosedAccumulates(t *testing.T) {
	a := New(nil)
	ctx := context.Background()
	for i, pnl := range []float64{10, -4, 0.1, 0.2} {
		applied, err := a.OnClosed(ctx, closed(string(rune('a'+i)), "s-1", domain.ModePaper, pnl))
		require.NoError(t, err)
		assert.True(t, applied)
	}

	rec := a.Record("s-1", domain.ModePaper)
	assert.Equal(t, 4, rec.TradeCount)
	assert.Equal(t, 3, rec.WinCount)
	assert.True(t, rec.TotalPnL.Equal(decimal.RequireFromString("6.3")), rec.TotalPnL.String())
	rate, ok := rec.WinRate()
	require.True(t, ok)
	assert.InDelta(t, 0.75, rate, 1e-9)

	assert.Equal(t, 0, a.Record("s-1", domain.ModeReal).TradeCount)
}

func TestZeroPnLIsNotAWin(t *testing.T) {
	a := New(nil)
	_, err := a.OnClosed(context.Background(), closed("p", "s", domain.ModeReal, 0))
	require.NoError(t, err)
	rec := a.Record("s", domain.ModeReal)
	assert.Equal(t, 1, rec.TradeCount)
	assert.Equal(t, 0, rec.WinCount)
}

func TestDuplicateClosureAppliedOnce(t *testing.T) {
	store := &memStore{processed: map[string]bool{}}
	a := New(store)
	ctx := context.Background()
	p := closed("pos-1", "s-1", domain.ModeReal, 12.5)

	applied, err := a.OnClosed(ctx, p)
	require.NoError(t, err)
	assert.True(t, applied)
	applied, err = a.OnClosed(ctx, p)
	require.NoError(t, err)
	assert.False(t, applied)

	rec := a.Record("s-1", domain.ModeReal)
	assert.Equal(t, 1, rec.TradeCount)
	assert.True(t, rec.TotalPnL.Equal(decimal.NewFromFloat(12.5)))

	// 重启后内存去重丢失，由存储兜底
	restarted := New(store)
	require.NoError(t, restarted.Restore(ctx))
	applied, err = restarted.OnClosed(ctx, p)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, 1, restarted.Record("s-1", domain.ModeReal).TradeCount)
}

func TestConcurrentRedeliveryCountsOnce(t *testing.T) {
	a := New(nil)
	p := closed("pos-x", "s-2", domain.ModePaper, 3)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.OnClosed(context.Background(), p)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, a.Record("s-2", domain.ModePaper).TradeCount)
}

func TestFailedPositionExcluded(t *testing.T) {
	a := New(nil)
	p := closed("f", "s-1", domain.ModeReal, -5)
	p.Status = domain.PositionFailed
	applied, err := a.OnClosed(context.Background(), p)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Empty(t, a.All())
}

func TestStoreErrorLeavesRecordUntouched(t *testing.T) {
	store := &memStore{processed: map[string]bool{}, fail: true}
	a := New(store)
	_, err := a.OnClosed(context.Background(), closed("p", "s", domain.ModePaper, 1))
	require.Error(t, err)
	assert.Equal(t, 0, a.Record("s", domain.ModePaper).TradeCount)

	store.fail = false
	applied, err := a.OnClosed(context.Background(), closed("p", "s", domain.ModePaper, 1))
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestAllSorted(t *testing.T) {
	a := New(nil)
	ctx := context.Background()
	a.OnClosed(ctx, closed("1", "b", domain.ModeReal, 1))
	a.OnClosed(ctx, closed("2", "a", domain.ModeReal, 1))
	a.OnClosed(ctx, closed("3", "a", domain.ModePaper, 1))
	all := a.All()
	require.Len(t, all, 3)
	assert.Equal(t, "a", all[0].StrategyID)
	assert.Equal(t, domain.ModePaper, all[0].Mode)
	assert.Equal(t, "b", all[2].StrategyID)
	assert.Len(t, a.ForStrategy("a"), 2)
}
