package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai_strategy/internal/domain"
	"ai_strategy/internal/orchestrator"
)

type recordingProcessor struct {
	mu   sync.Mutex
	opps []domain.Opportunity
}

func (p *recordingProcessor) ProcessOpportunity(_ context.Context, opp domain.Opportunity) (orchestrator.Report, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opps = append(p.opps, opp)
	return orchestrator.Report{OpportunityID: opp.ID, Symbol: opp.Symbol}, nil
}

func TestNewNormalisesPairs(t *testing.T) {
	s := New(&recordingProcessor{}, 30, " btc/usdt, ETHUSDT ,,")
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, s.pairs)
	assert.Equal(t, 30*time.Second, s.interval)

	s = New(&recordingProcessor{}, 0, "")
	assert.Equal(t, []string{"BTCUSDT"}, s.pairs)
	assert.Equal(t, time.Minute, s.interval)
}

func TestRunAllEmitsInternalScans(t *testing.T) {
	p := &recordingProcessor{}
	s := New(p, 60, "BTCUSDT,ETHUSDT")
	at := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)
	s.now = func() time.Time { return at }

	s.runAll()
	s.runAll()

	require.Len(t, p.opps, 4)
	for _, opp := range p.opps {
		assert.Equal(t, domain.SourceInternalScan, opp.Source)
		assert.True(t, at.Equal(opp.DetectedAt))
	}
	assert.Equal(t, "BTCUSDT", p.opps[0].Symbol)
	assert.Equal(t, "ETHUSDT", p.opps[1].Symbol)
	// 同一周期的重复触发生成相同 ID
	assert.Equal(t, p.opps[0].ID, p.opps[2].ID)
	assert.NotEqual(t, p.opps[0].ID, p.opps[1].ID)

	s.now = func() time.Time { return at.Add(time.Minute) }
	s.runOnce("BTCUSDT")
	assert.NotEqual(t, p.opps[0].ID, p.opps[4].ID)
}

func TestStopIsIdempotent(t *testing.T) {
	s := New(&recordingProcessor{}, 60, "BTCUSDT")
	s.Start()
	s.Stop()
	s.Stop()
}
